package safety

import (
	"context"
	"errors"
	"net/netip"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/web-extractor/internal/extract"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		url    string
		allow  bool
		reason extract.RejectReason
	}{
		{url: "https://example.com/page", allow: true},
		{url: "http://93.184.216.34/", allow: true},
		{url: "https://[2606:4700::1111]/", allow: true},
		{url: "http://localhost:8080/", reason: extract.ReasonLocalhost},
		{url: "http://api.localhost/", reason: extract.ReasonLocalhost},
		{url: "http://printer.local/status", reason: extract.ReasonLocalDomain},
		{url: "http://PRINTER.LOCAL./", reason: extract.ReasonLocalDomain},
		{url: "http://127.0.0.1/", reason: extract.ReasonLoopback},
		{url: "http://127.1/", reason: extract.ReasonLoopback},
		{url: "http://2130706433/", reason: extract.ReasonLoopback},
		{url: "http://0x7f.0.0.1/", reason: extract.ReasonLoopback},
		{url: "http://[::1]/", reason: extract.ReasonLoopback},
		{url: "http://[::ffff:10.0.0.1]/", reason: extract.ReasonPrivate},
		{url: "http://[::127.0.0.1]/", reason: extract.ReasonLoopback},
		{url: "http://[::192.168.0.1]/", reason: extract.ReasonPrivate},
		{url: "http://[64:ff9b::7f00:1]/", reason: extract.ReasonLoopback},
		{url: "http://[64:ff9b::a9fe:a9fe]/", reason: extract.ReasonLinkLocal},
		{url: "http://[64:ff9b:1::5]/", reason: extract.ReasonPrivate},
		{url: "http://[64:ff9b::808:808]/", allow: true},
		{url: "http://10.1.2.3/", reason: extract.ReasonPrivate},
		{url: "http://172.16.0.1/", reason: extract.ReasonPrivate},
		{url: "http://172.31.255.255/", reason: extract.ReasonPrivate},
		{url: "http://172.32.0.1/", allow: true},
		{url: "http://192.168.1.5/", reason: extract.ReasonPrivate},
		{url: "http://[fd00::1]/", reason: extract.ReasonPrivate},
		{url: "http://169.254.169.254/latest/meta-data", reason: extract.ReasonLinkLocal},
		{url: "http://0.0.0.0/", reason: extract.ReasonUnspecified},
		{url: "http://239.1.2.3/", reason: extract.ReasonMulticast},
		{url: "http://100.64.0.9/", reason: extract.ReasonPrivate},
		{url: "ftp://example.com/file", reason: extract.ReasonScheme},
		{url: "file:///etc/passwd", reason: extract.ReasonScheme},
		{url: "http://%zz", reason: extract.ReasonInvalidURL},
		{url: "http:///path", reason: extract.ReasonInvalidURL},
	}

	for _, tc := range cases {
		t.Run(tc.url, func(t *testing.T) {
			t.Parallel()
			v := Classify(tc.url)
			require.Equal(t, tc.allow, v.Allowed)
			if !tc.allow {
				require.Equal(t, tc.reason, v.Reason)
			}
		})
	}
}

func TestCheckReturnsSafetyRejection(t *testing.T) {
	t.Parallel()

	err := Check("http://192.168.1.5/admin")
	var rejection *extract.SafetyRejection
	require.True(t, errors.As(err, &rejection))
	require.Equal(t, extract.ReasonPrivate, rejection.Reason)
	require.Contains(t, err.Error(), "forbidden")

	require.NoError(t, Check("https://example.com"))
}

func TestRedirectPolicy(t *testing.T) {
	t.Parallel()

	policy := RedirectPolicy(Default, 2)
	next := &http.Request{URL: mustParseURL(t, "http://10.0.0.1/")}
	require.Error(t, policy(next, []*http.Request{{}}))

	ok := &http.Request{URL: mustParseURL(t, "https://example.org/")}
	require.NoError(t, policy(ok, []*http.Request{{}}))

	err := policy(ok, []*http.Request{{}, {}})
	var rejection *extract.SafetyRejection
	require.True(t, errors.As(err, &rejection))
	require.Equal(t, extract.ReasonTooManyRedirects, rejection.Reason)
}

func TestDialControl(t *testing.T) {
	t.Parallel()

	require.Error(t, DialControl("tcp", "127.0.0.1:80", nil))
	require.Error(t, DialControl("tcp", "[::1]:443", nil))
	require.Error(t, DialControl("tcp", "10.0.0.8:443", nil))
	require.NoError(t, DialControl("tcp", "93.184.216.34:443", nil))
}

type fakeResolver map[string][]string

func (r fakeResolver) LookupNetIP(_ context.Context, _ string, host string) ([]netip.Addr, error) {
	raw, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	addrs := make([]netip.Addr, len(raw))
	for i, a := range raw {
		addrs[i] = netip.MustParseAddr(a)
	}
	return addrs, nil
}

func TestCheckResolved(t *testing.T) {
	t.Parallel()

	resolver := fakeResolver{
		"127.0.0.1.nip.io": {"127.0.0.1"},
		"localtest.me":     {"::1"},
		"mixed.example":    {"93.184.216.34", "10.0.0.9"},
		"public.example":   {"93.184.216.34", "2606:4700::1111"},
	}
	ctx := context.Background()

	cases := []struct {
		url    string
		reason extract.RejectReason
	}{
		{url: "http://127.0.0.1.nip.io/", reason: extract.ReasonLoopback},
		{url: "http://localtest.me:8080/admin", reason: extract.ReasonLoopback},
		{url: "https://mixed.example/", reason: extract.ReasonPrivate},
		{url: "http://10.0.0.5/", reason: extract.ReasonPrivate},
		{url: "https://public.example/"},
		{url: "https://unresolvable.example/"},
	}
	for _, tc := range cases {
		err := CheckResolved(ctx, Default, resolver, tc.url)
		if tc.reason == "" {
			require.NoError(t, err, tc.url)
			continue
		}
		var rejection *extract.SafetyRejection
		require.True(t, errors.As(err, &rejection), tc.url)
		require.Equal(t, tc.reason, rejection.Reason, tc.url)
	}

	require.NoError(t, CheckResolved(ctx, Default, nil, "http://127.0.0.1.nip.io/"))
	require.NoError(t, CheckResolved(ctx, AllowAll, resolver, "http://127.0.0.1/"))
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
