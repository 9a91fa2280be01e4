package headless

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/web-extractor/internal/extract"
	"github.com/JakeFAU/web-extractor/internal/safety"
)

func TestNewChromedpPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{PoolSize: -1})
	require.Error(t, err)

	renderer, err := NewChromedp(Config{PoolSize: 2})
	require.NoError(t, err)
	defer renderer.Close()
	require.Equal(t, 2, cap(renderer.leases))
}

func TestLeasesBlockUntilReleased(t *testing.T) {
	t.Parallel()

	r := &Renderer{leases: make(chan struct{}, 1)}
	require.NoError(t, r.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, r.acquire(ctx))

	r.release()
	require.NoError(t, r.acquire(context.Background()))
}

func TestTimeoutDefaults(t *testing.T) {
	t.Parallel()

	r := &Renderer{}
	require.Equal(t, defaultNavigationTimeout, r.navTimeout(extract.FetchOptions{}))
	require.Equal(t, defaultWaitTimeout, r.waitTimeout(extract.FetchOptions{}))

	r.cfg.NavigationTimeout = time.Second
	r.cfg.WaitTimeout = 2 * time.Second
	require.Equal(t, time.Second, r.navTimeout(extract.FetchOptions{}))
	require.Equal(t, 2*time.Second, r.waitTimeout(extract.FetchOptions{}))

	opts := extract.FetchOptions{Timeout: 1500, WaitTimeout: 250}
	require.Equal(t, 1500*time.Millisecond, r.navTimeout(opts))
	require.Equal(t, 250*time.Millisecond, r.waitTimeout(opts))
}

func TestSplitUserAgent(t *testing.T) {
	t.Parallel()

	ua, rest := splitUserAgent(map[string]string{"user-agent": "custom", "X-Trace": "1"}, "default")
	require.Equal(t, "custom", ua)
	require.Equal(t, map[string]string{"X-Trace": "1"}, rest)

	ua, rest = splitUserAgent(nil, "default")
	require.Equal(t, "default", ua)
	require.Empty(t, rest)

	headers := toNetworkHeaders(map[string]string{"X-Trace": "1"})
	require.Equal(t, network.Headers{"X-Trace": "1"}, headers)
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  204,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc", "Set-Cookie": "a=1\nb=2"},
		},
	})
	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 500, URL: "https://ads.example/frame"},
	})
	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 404, URL: "https://example.com/app.js"},
	})

	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 204, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, []string{"a=1", "b=2"}, headers.Values("Set-Cookie"))
	require.Equal(t, "https://example.com/rendered", url)

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)

	_, _, url = meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, "https://req", url)
}

func TestIdleWatcherRequiresNavigation(t *testing.T) {
	t.Parallel()

	w := newIdleWatcher()
	w.observe("networkIdle")
	select {
	case <-w.done:
		t.Fatal("idle before navigation started")
	default:
	}

	w.observe("init")
	w.observe("DOMContentLoaded")
	w.observe("networkIdle")
	w.observe("networkIdle")
	select {
	case <-w.done:
	default:
		t.Fatal("expected idle after navigation")
	}
}

func TestTabStateOverridesFirstRequestOnly(t *testing.T) {
	t.Parallel()

	state := newTabState("https://example.com/search", extract.FetchOptions{Method: "post", Body: "q=1"}, safety.Default, nil)
	_, _, ok := state.firstRequestOverride("https://example.com/other")
	require.False(t, ok)

	method, body, ok := state.firstRequestOverride("https://example.com/search/")
	require.True(t, ok)
	require.Equal(t, http.MethodPost, method)
	require.Equal(t, "q=1", body)

	_, _, ok = state.firstRequestOverride("https://example.com/search")
	require.False(t, ok)

	get := newTabState("https://example.com", extract.FetchOptions{}, safety.Default, nil)
	_, _, ok = get.firstRequestOverride("https://example.com")
	require.False(t, ok)
}

func TestTabStateKeepsFirstRejection(t *testing.T) {
	t.Parallel()

	state := newTabState("https://example.com", extract.FetchOptions{}, safety.Default, nil)
	require.NoError(t, state.rejection())

	first := safety.Check("http://10.0.0.1/")
	state.block(first)
	state.block(errors.New("second"))
	require.Equal(t, first, state.rejection())
}

type recordingGuard struct {
	mu   sync.Mutex
	seen []string
}

func (g *recordingGuard) Check(rawURL string) error {
	g.mu.Lock()
	g.seen = append(g.seen, rawURL)
	g.mu.Unlock()
	return safety.Check(rawURL)
}

type staticResolver map[string]string

func (r staticResolver) LookupNetIP(_ context.Context, _ string, host string) ([]netip.Addr, error) {
	addr, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return []netip.Addr{netip.MustParseAddr(addr)}, nil
}

func TestInterceptionCoversEveryResourceType(t *testing.T) {
	t.Parallel()

	require.Len(t, interceptPatterns, 1)
	require.Equal(t, "*", interceptPatterns[0].URLPattern)
	require.Empty(t, interceptPatterns[0].ResourceType)
}

func TestTabStateAdmitsSubresources(t *testing.T) {
	t.Parallel()

	guard := &recordingGuard{}
	resolver := staticResolver{"cdn.example": "93.184.216.34", "intranet.example": "10.0.0.7"}
	state := newTabState("https://example.com", extract.FetchOptions{}, guard, resolver)
	ctx := context.Background()

	require.NoError(t, state.admit(ctx, "https://cdn.example/app.js", false))

	err := state.admit(ctx, "http://10.0.0.5/api/secrets", false)
	var rejection *extract.SafetyRejection
	require.True(t, errors.As(err, &rejection))
	require.Equal(t, extract.ReasonPrivate, rejection.Reason)

	err = state.admit(ctx, "http://intranet.example/frame", false)
	require.True(t, errors.As(err, &rejection))
	require.Equal(t, extract.ReasonPrivate, rejection.Reason)

	require.NoError(t, state.rejection(), "blocked subresources must not fail the render")
	require.Equal(t, []string{
		"https://cdn.example/app.js",
		"http://10.0.0.5/api/secrets",
		"http://intranet.example/frame",
	}, guard.seen)
}

func TestTabStateTopLevelRejectionFailsRender(t *testing.T) {
	t.Parallel()

	resolver := staticResolver{"rebind.example": "127.0.0.1"}
	state := newTabState("https://rebind.example", extract.FetchOptions{}, safety.Default, resolver)

	err := state.admit(context.Background(), "https://rebind.example/", true)
	require.Error(t, err)
	require.Equal(t, err, state.rejection())
}

func TestNoopRendererError(t *testing.T) {
	t.Parallel()

	_, err := NewNoop().Render(context.Background(), "https://example.com", extract.FetchOptions{})
	require.ErrorIs(t, err, extract.ErrRendererUnavailable)
}
