// Package safety decides whether a URL may be fetched. Classification is pure:
// it never resolves names or performs I/O. Checks on resolved addresses are
// provided separately by DialControl and CheckResolved.
package safety

import (
	"context"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"syscall"

	"github.com/JakeFAU/web-extractor/internal/extract"
)

// Verdict is the outcome of classifying a URL.
type Verdict struct {
	Allowed bool
	Reason  extract.RejectReason
}

// Guard checks a URL before it is fetched.
type Guard interface {
	Check(rawURL string) error
}

// GuardFunc adapts a function to Guard.
type GuardFunc func(rawURL string) error

// Check implements Guard.
func (f GuardFunc) Check(rawURL string) error { return f(rawURL) }

// Default is the production guard.
var Default Guard = GuardFunc(Check)

// AllowAll accepts every URL. It exists for tests that serve from loopback.
var AllowAll Guard = GuardFunc(func(string) error { return nil })

var (
	cgnat      = netip.MustParsePrefix("100.64.0.0/10")
	nat64      = netip.MustParsePrefix("64:ff9b::/96")
	nat64Local = netip.MustParsePrefix("64:ff9b:1::/48")
	ipv4Compat = netip.MustParsePrefix("::/96")
)

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Classify returns whether rawURL may be fetched and, if not, why.
func Classify(rawURL string) Verdict {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return reject(extract.ReasonInvalidURL)
	}
	return ClassifyURL(u)
}

// ClassifyURL classifies an already parsed URL.
func ClassifyURL(u *url.URL) Verdict {
	if u == nil {
		return reject(extract.ReasonInvalidURL)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return reject(extract.ReasonScheme)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return reject(extract.ReasonInvalidURL)
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return reject(extract.ReasonLocalhost)
	}
	if host == "local" || strings.HasSuffix(host, ".local") {
		return reject(extract.ReasonLocalDomain)
	}
	addr, ok := parseHostAddr(host)
	if !ok {
		return Verdict{Allowed: true}
	}
	if reason, bad := ClassifyAddr(addr); bad {
		return reject(reason)
	}
	return Verdict{Allowed: true}
}

// ClassifyAddr reports whether addr is a forbidden destination.
func ClassifyAddr(addr netip.Addr) (extract.RejectReason, bool) {
	addr = addr.Unmap()
	if embedded, ok := embeddedIPv4(addr); ok {
		addr = embedded
	}
	switch {
	case addr.IsLoopback():
		return extract.ReasonLoopback, true
	case addr.IsUnspecified(), addr.Is4() && addr.As4()[0] == 0:
		return extract.ReasonUnspecified, true
	case addr.IsPrivate(), cgnat.Contains(addr), nat64Local.Contains(addr):
		return extract.ReasonPrivate, true
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return extract.ReasonLinkLocal, true
	case addr.IsMulticast(), addr.IsInterfaceLocalMulticast():
		return extract.ReasonMulticast, true
	default:
		return "", false
	}
}

// embeddedIPv4 extracts the IPv4 address carried by IPv4-compatible
// (::a.b.c.d) and NAT64 (64:ff9b::a.b.c.d) forms.
func embeddedIPv4(addr netip.Addr) (netip.Addr, bool) {
	if !addr.Is6() || addr.IsLoopback() || addr.IsUnspecified() {
		return netip.Addr{}, false
	}
	if !ipv4Compat.Contains(addr) && !nat64.Contains(addr) {
		return netip.Addr{}, false
	}
	b := addr.As16()
	return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}), true
}

// Check returns a *extract.SafetyRejection when rawURL is forbidden.
func Check(rawURL string) error {
	v := Classify(rawURL)
	if v.Allowed {
		return nil
	}
	return &extract.SafetyRejection{URL: rawURL, Reason: v.Reason}
}

// CheckResolved applies guard to rawURL and then classifies every address its
// host resolves to. Lookup failures are not rejections; the fetch itself will
// fail. A nil resolver skips the lookup.
func CheckResolved(ctx context.Context, guard Guard, resolver Resolver, rawURL string) error {
	if guard == nil {
		guard = Default
	}
	if err := guard.Check(rawURL); err != nil {
		return err
	}
	if resolver == nil {
		return nil
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return &extract.SafetyRejection{URL: rawURL, Reason: extract.ReasonInvalidURL}
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return nil
	}
	if _, literal := parseHostAddr(host); literal {
		return nil
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		if reason, bad := ClassifyAddr(addr); bad {
			return &extract.SafetyRejection{URL: rawURL, Reason: reason}
		}
	}
	return nil
}

// RedirectPolicy re-checks every redirect hop with guard and stops after max
// hops. It matches http.Client.CheckRedirect.
func RedirectPolicy(guard Guard, max int) func(req *http.Request, via []*http.Request) error {
	if guard == nil {
		guard = Default
	}
	return func(req *http.Request, via []*http.Request) error {
		if max > 0 && len(via) >= max {
			return &extract.SafetyRejection{URL: req.URL.String(), Reason: extract.ReasonTooManyRedirects}
		}
		return guard.Check(req.URL.String())
	}
}

// DialControl rejects connections to forbidden addresses after name
// resolution. It matches net.Dialer.Control.
func DialControl(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return &extract.SafetyRejection{URL: address, Reason: extract.ReasonInvalidURL}
	}
	if reason, bad := ClassifyAddr(ap.Addr()); bad {
		return &extract.SafetyRejection{URL: address, Reason: reason}
	}
	return nil
}

func reject(reason extract.RejectReason) Verdict {
	return Verdict{Reason: reason}
}

// parseHostAddr accepts canonical IP literals and the legacy IPv4 spellings
// ("127.1", "0x7f.0.0.1", "2130706433") that resolvers still honor.
func parseHostAddr(host string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr, true
	}
	if host[0] < '0' || host[0] > '9' {
		return netip.Addr{}, false
	}
	for _, r := range host {
		if !strings.ContainsRune("0123456789abcdefx.", r) {
			return netip.Addr{}, false
		}
	}
	parts := strings.Split(host, ".")
	if len(parts) > 4 {
		return netip.Addr{}, false
	}
	nums := make([]uint64, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 0, 32)
		if err != nil {
			return netip.Addr{}, false
		}
		nums[i] = n
	}
	var value uint64
	last := len(nums) - 1
	for i := 0; i < last; i++ {
		if nums[i] > 0xff {
			return netip.Addr{}, false
		}
		value |= nums[i] << (24 - 8*uint(i))
	}
	if nums[last] >= 1<<(8*uint(4-last)) {
		return netip.Addr{}, false
	}
	value |= nums[last]
	return netip.AddrFrom4([4]byte{byte(value >> 24), byte(value >> 16), byte(value >> 8), byte(value)}), true
}
