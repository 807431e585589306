// Package guard rejects targets that point back into private or local
// network space.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"

	"webproxy-go/internal/config"
	"webproxy-go/internal/metrics"
)

// ErrForbidden matches every rejection returned by the guard.
var ErrForbidden = errors.New("target forbidden")

// Rule labels, also used as metric label values.
const (
	RuleScheme   = "scheme"
	RuleHostname = "hostname"
	RulePattern  = "pattern"
	RuleAddress  = "address"
	RuleResolved = "resolved"
)

// ForbiddenError describes a rejected target.
type ForbiddenError struct {
	Host   string
	Rule   string
	Reason string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("guard: %s rejected (%s)", e.Host, e.Reason)
}

// Is reports whether target is ErrForbidden.
func (e *ForbiddenError) Is(target error) bool {
	return target == ErrForbidden
}

// reservedPrefixes are special-purpose ranges not covered by the netip
// predicates.
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),       // "this network"
	netip.MustParsePrefix("100.64.0.0/10"),   // carrier-grade NAT
	netip.MustParsePrefix("192.0.0.0/24"),    // IETF protocol assignments
	netip.MustParsePrefix("192.0.2.0/24"),    // TEST-NET-1
	netip.MustParsePrefix("198.18.0.0/15"),   // benchmarking
	netip.MustParsePrefix("198.51.100.0/24"), // TEST-NET-2
	netip.MustParsePrefix("203.0.113.0/24"),  // TEST-NET-3
	netip.MustParsePrefix("240.0.0.0/4"),     // reserved, includes broadcast
	netip.MustParsePrefix("2001:db8::/32"),   // documentation
}

// nat64Prefix embeds an IPv4 address in the low 32 bits.
var nat64Prefix = netip.MustParsePrefix("64:ff9b::/96")

// Guard decides whether a target may be fetched.
type Guard struct {
	allowPrivate  bool
	checkResolved bool
	patterns      []string
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// New creates a Guard from the [guard] config section.
// The metrics parameter is optional; pass nil to disable rejection counting.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Guard, error) {
	patterns := make([]string, 0, len(cfg.Guard.BlockedHosts))
	for _, p := range cfg.Guard.BlockedHosts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("guard: invalid blocked host pattern %q", p)
		}
		patterns = append(patterns, p)
	}

	return &Guard{
		allowPrivate:  cfg.Guard.AllowPrivate,
		checkResolved: cfg.Guard.CheckResolved,
		patterns:      patterns,
		logger:        logger.With("component", "guard"),
		metrics:       m,
	}, nil
}

// Check returns nil when target may be fetched, or a *ForbiddenError.
func (g *Guard) Check(target *url.URL) error {
	if !strings.EqualFold(target.Scheme, "http") && !strings.EqualFold(target.Scheme, "https") {
		return g.reject(target.Host, RuleScheme, "scheme "+target.Scheme+" not allowed")
	}
	return g.CheckHost(target.Hostname())
}

// CheckHost applies the hostname and address rules to a bare host.
func (g *Guard) CheckHost(host string) error {
	h := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if h == "" {
		return g.reject(host, RuleHostname, "missing host")
	}

	if !g.allowPrivate && (h == "localhost" || strings.HasSuffix(h, ".localhost")) {
		return g.reject(host, RuleHostname, "loopback hostname")
	}

	for _, p := range g.patterns {
		if ok, _ := doublestar.Match(p, h); ok {
			return g.reject(host, RulePattern, "matches blocked pattern "+p)
		}
	}

	if addr, ok := ParseHostAddr(h); ok {
		if reason := g.addrReason(addr); reason != "" {
			return g.reject(host, RuleAddress, reason)
		}
	}
	return nil
}

// CheckResolved reports whether dial-time address checks are enabled.
func (g *Guard) CheckResolved() bool {
	return g.checkResolved
}

// DialControl is a net.Dialer ControlContext hook that re-checks the address
// a hostname actually resolved to.
func (g *Guard) DialControl(_ context.Context, _, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return g.reject(address, RuleResolved, "unparseable dial address")
	}
	if reason := g.addrReason(ap.Addr()); reason != "" {
		return g.reject(address, RuleResolved, "resolved to "+reason)
	}
	return nil
}

func (g *Guard) addrReason(addr netip.Addr) string {
	if g.allowPrivate {
		return ""
	}
	return addrReason(addr)
}

// addrReason returns why addr is not publicly routable, or "".
func addrReason(addr netip.Addr) string {
	addr = addr.Unmap().WithZone("")

	if addr.Is6() && nat64Prefix.Contains(addr) {
		b := addr.As16()
		return addrReason(netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}))
	}

	switch {
	case addr.IsLoopback():
		return "loopback address"
	case addr.IsUnspecified():
		return "unspecified address"
	case addr.IsPrivate():
		return "private address"
	case addr.IsLinkLocalUnicast():
		return "link-local address"
	case addr.IsLinkLocalMulticast(), addr.IsInterfaceLocalMulticast(), addr.IsMulticast():
		return "multicast address"
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return "reserved address " + p.String()
		}
	}
	return ""
}

func (g *Guard) reject(host, rule, reason string) error {
	if g.metrics != nil {
		g.metrics.GuardRejections.WithLabelValues(rule).Inc()
	}
	g.logger.Warn("target rejected", "host", host, "rule", rule, "reason", reason)
	return &ForbiddenError{Host: host, Rule: rule, Reason: reason}
}

// ParseHostAddr interprets host as an IP address the way browsers do,
// including the legacy IPv4 spellings accepted by inet_aton such as
// "2130706433", "0x7f.1" and "0177.0.0.1".
func ParseHostAddr(host string) (netip.Addr, bool) {
	h := strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	if addr, err := netip.ParseAddr(h); err == nil {
		return addr.Unmap(), true
	}
	return parseLegacyIPv4(h)
}

func parseLegacyIPv4(h string) (netip.Addr, bool) {
	if h == "" || strings.ContainsAny(h, "_+-") {
		return netip.Addr{}, false
	}
	parts := strings.Split(h, ".")
	if len(parts) > 4 {
		return netip.Addr{}, false
	}

	nums := make([]uint64, len(parts))
	for i, p := range parts {
		if p == "" {
			return netip.Addr{}, false
		}
		n, err := strconv.ParseUint(p, 0, 32)
		if err != nil {
			return netip.Addr{}, false
		}
		nums[i] = n
	}

	// Every part but the last is a single byte; the last fills the rest.
	var v uint64
	for _, n := range nums[:len(nums)-1] {
		if n > 0xff {
			return netip.Addr{}, false
		}
		v = v<<8 | n
	}
	tailBits := uint(8 * (5 - len(nums)))
	last := nums[len(nums)-1]
	if last >= 1<<tailBits {
		return netip.Addr{}, false
	}
	v = v<<tailBits | last

	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}), true
}
