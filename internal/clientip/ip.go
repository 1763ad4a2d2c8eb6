// Package clientip decides which declared network address represents the real
// client of a request that may have passed through proxies.
package clientip

import (
	"fmt"
	"net/netip"
	"strings"
)

// Unknown is returned when no address could be validated. Callers bucket it
// like any other address rather than treating it as an error.
const Unknown = "unknown"

// ParseIP parses an IPv4 dotted-quad or IPv6 literal. A trailing %zone on an
// IPv6 literal is stripped and IPv4-mapped IPv6 addresses are returned in
// their IPv4 form. IPv4 octets with leading zeros are rejected.
func ParseIP(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, false
	}

	if strings.Contains(s, ":") {
		if host, _, ok := strings.Cut(s, "%"); ok {
			s = host
		}
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}

	return addr.Unmap(), true
}

// MatchCIDR reports whether the first prefix bits of ip equal those of base.
// Addresses of different versions never match, prefix 0 matches every address
// of the same version, and a full-length prefix requires equality.
func MatchCIDR(ip, base netip.Addr, prefix int) bool {
	if !ip.IsValid() || !base.IsValid() {
		return false
	}
	if ip.Is4() != base.Is4() {
		return false
	}
	if prefix < 0 || prefix > ip.BitLen() {
		return false
	}
	if prefix == 0 {
		return true
	}

	p, err := base.Prefix(prefix)
	if err != nil {
		return false
	}

	return p.Contains(ip)
}

// ParseCIDR parses "addr/bits" or a bare address, which is treated as a
// single-host range.
func ParseCIDR(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)

	if !strings.Contains(s, "/") {
		addr, ok := ParseIP(s)
		if !ok {
			return netip.Prefix{}, fmt.Errorf("invalid address %q", s)
		}
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}

	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid CIDR %q: %w", s, err)
	}

	return p.Masked(), nil
}

// FirstValid returns the first entry of a comma-separated address list that
// parses as an IP address.
func FirstValid(list string) (netip.Addr, bool) {
	for candidate := range strings.SplitSeq(list, ",") {
		if addr, ok := ParseIP(candidate); ok {
			return addr, true
		}
	}
	return netip.Addr{}, false
}
