package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/web-extractor/internal/extract"
	"github.com/JakeFAU/web-extractor/internal/safety"
)

func newLoopbackFetcher(cfg Config) *Fetcher {
	cfg.Guard = safety.AllowAll
	return New(cfg)
}

func TestFetchSendsHeadersCookiesAndDefaultAgent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, _ := r.Cookie("session")
		w.Header().Set("X-Agent", r.UserAgent())
		w.Header().Set("X-Trace", r.Header.Get("X-Trace"))
		if cookie != nil {
			w.Header().Set("X-Session", cookie.Value)
		}
		_, _ = io.WriteString(w, "<h1>ok</h1>")
	}))
	defer srv.Close()

	f := newLoopbackFetcher(Config{UserAgent: "extractor-test/1.0"})
	doc, err := f.Fetch(context.Background(), srv.URL, extract.FetchOptions{
		Headers: map[string]string{"X-Trace": "yes"},
		Cookies: []extract.Cookie{{Name: "session", Value: "abc"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, doc.StatusCode)
	require.Equal(t, "<h1>ok</h1>", string(doc.Body))
	require.Equal(t, "extractor-test/1.0", doc.Headers.Get("X-Agent"))
	require.Equal(t, "yes", doc.Headers.Get("X-Trace"))
	require.Equal(t, "abc", doc.Headers.Get("X-Session"))
	require.False(t, doc.Rendered)
}

func TestFetchUserAgentOverride(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.UserAgent())
	}))
	defer srv.Close()

	f := newLoopbackFetcher(Config{UserAgent: "default-agent"})
	doc, err := f.Fetch(context.Background(), srv.URL, extract.FetchOptions{
		Headers: map[string]string{"User-Agent": "custom-agent"},
	})
	require.NoError(t, err)
	require.Equal(t, "custom-agent", string(doc.Body))
}

func TestFetchPostBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = io.WriteString(w, r.Method+":"+string(body))
	}))
	defer srv.Close()

	f := newLoopbackFetcher(Config{})
	doc, err := f.Fetch(context.Background(), srv.URL, extract.FetchOptions{
		Method:  "post",
		Body:    `{"q":"shoes"}`,
		Headers: map[string]string{"Content-Type": "application/json"},
	})
	require.NoError(t, err)
	require.Equal(t, `POST:{"q":"shoes"}`, string(doc.Body))
}

func TestFetchReturnsNon2xxAsDocument(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "missing")
	}))
	defer srv.Close()

	f := newLoopbackFetcher(Config{})
	doc, err := f.Fetch(context.Background(), srv.URL, extract.FetchOptions{})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, doc.StatusCode)
	require.Equal(t, "missing", string(doc.Body))
}

func TestFetchRejectsPrivateRedirect(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://192.168.1.5/admin", http.StatusFound)
	}))
	defer srv.Close()

	f := New(Config{Guard: safety.Default, MaxRedirects: 5})
	_, err := f.Fetch(context.Background(), srv.URL, extract.FetchOptions{})
	require.Error(t, err)
	var rejection *extract.SafetyRejection
	require.True(t, errors.As(err, &rejection))
	require.Equal(t, extract.ReasonPrivate, rejection.Reason)
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newLoopbackFetcher(Config{})
	_, err := f.Fetch(context.Background(), srv.URL, extract.FetchOptions{Timeout: 50})
	require.Error(t, err)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	require.True(t, netErr.Timeout())
}

func TestTransportForProxyIsCached(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	base, err := f.transportFor("")
	require.NoError(t, err)
	require.Same(t, f.transport, base)

	first, err := f.transportFor("http://proxy.example:3128")
	require.NoError(t, err)
	second, err := f.transportFor("http://proxy.example:3128")
	require.NoError(t, err)
	require.Same(t, first, second)
	require.NotSame(t, base, first)

	proxyURL, err := first.Proxy(&http.Request{URL: mustParseURL(t, "https://example.com")})
	require.NoError(t, err)
	require.Equal(t, "proxy.example:3128", proxyURL.Host)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	opts := extract.FetchOptions{Headers: map[string]string{"X-Trace": "yes"}}
	var doc extract.Document
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, opts, time.Unix(0, 0), &doc, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/final")},
	})
	require.Equal(t, http.StatusCreated, doc.StatusCode)
	require.Equal(t, "body", string(doc.Body))
	require.Equal(t, "https://example.com/final", doc.URL)
	require.Equal(t, "ok", doc.Headers.Get("X-Resp"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
