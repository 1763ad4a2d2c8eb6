package clientip

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseIP_valid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"ipv4", "192.168.1.1", "192.168.1.1"},
		{"ipv4 zeros", "0.0.0.0", "0.0.0.0"},
		{"ipv4 max", "255.255.255.255", "255.255.255.255"},
		{"ipv4 surrounding space", " 203.0.113.7 ", "203.0.113.7"},
		{"ipv6 full", "2001:0db8:0000:0000:0000:0000:0000:0001", "2001:db8::1"},
		{"ipv6 compressed", "2001:db8::1", "2001:db8::1"},
		{"ipv6 loopback", "::1", "::1"},
		{"ipv6 unspecified", "::", "::"},
		{"ipv4-mapped ipv6", "::ffff:192.0.2.1", "192.0.2.1"},
		{"ipv4-mapped ipv6 hex", "::ffff:c000:0201", "192.0.2.1"},
		{"ipv6 zone stripped", "fe80::1%eth0", "fe80::1"},
		{"ipv6 upper case", "2001:DB8::A", "2001:db8::a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, ok := ParseIP(tt.in)
			require.True(t, ok)
			require.Equal(t, tt.want, addr.String())

			// format -> parse keeps the numeric value
			again, ok := ParseIP(addr.String())
			require.True(t, ok)
			require.Equal(t, addr, again)
		})
	}
}

func TestParseIP_invalid(t *testing.T) {
	tests := []string{
		"",
		"unknown",
		"256.1.1.1",
		"1.2.3",
		"1.2.3.4.5",
		"1.2.3.-4",
		"01.2.3.4",
		"1.2.3.4a",
		"1.2.3.4:80",
		"1.2.3.4%eth0",
		"1:2:3:4:5:6:7",
		"1:2:3:4:5:6:7:8:9",
		"1::2::3",
		"2001:db8::g",
		"::ffff:1.2.3",
		"12345::1",
		"[::1]",
	}

	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			_, ok := ParseIP(in)
			require.False(t, ok)
		})
	}
}

func TestMatchCIDR(t *testing.T) {
	v4 := netip.MustParseAddr("10.1.2.3")
	v6 := netip.MustParseAddr("2001:db8::1")

	tests := []struct {
		name   string
		ip     string
		base   string
		prefix int
		want   bool
	}{
		{"inside /8", "10.1.2.3", "10.0.0.0", 8, true},
		{"outside /8", "11.1.2.3", "10.0.0.0", 8, false},
		{"inside /31", "192.0.2.1", "192.0.2.0", 31, true},
		{"outside /31", "192.0.2.2", "192.0.2.0", 31, false},
		{"non-octet boundary /12", "172.31.255.255", "172.16.0.0", 12, true},
		{"non-octet boundary /12 outside", "172.32.0.0", "172.16.0.0", 12, false},
		{"full length equal", "192.0.2.1", "192.0.2.1", 32, true},
		{"full length different", "192.0.2.1", "192.0.2.2", 32, false},
		{"ipv6 /32", "2001:db8:1::5", "2001:db8::", 32, true},
		{"ipv6 /64 outside", "2001:db8:0:1::1", "2001:db8::", 64, false},
		{"prefix too long", "192.0.2.1", "192.0.2.1", 33, false},
		{"negative prefix", "192.0.2.1", "192.0.2.1", -1, false},
		{"v4 against v6", "10.0.0.1", "::", 0, false},
		{"v6 against v4", "::1", "0.0.0.0", 0, false},
		{"mapped v4 against v4", "::ffff:10.0.0.1", "10.0.0.0", 8, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MatchCIDR(netip.MustParseAddr(tt.ip), netip.MustParseAddr(tt.base), tt.prefix)
			require.Equal(t, tt.want, got)
		})
	}

	t.Run("prefix zero matches same version", func(t *testing.T) {
		for _, base := range []string{"0.0.0.0", "10.0.0.0", "255.255.255.255"} {
			require.True(t, MatchCIDR(v4, netip.MustParseAddr(base), 0))
		}
		require.True(t, MatchCIDR(v6, netip.MustParseAddr("::"), 0))
		require.True(t, MatchCIDR(v6, netip.MustParseAddr("ff00::"), 0))
	})

	t.Run("full length matches self", func(t *testing.T) {
		require.True(t, MatchCIDR(v4, v4, 32))
		require.True(t, MatchCIDR(v6, v6, 128))
	})

	t.Run("invalid addresses never match", func(t *testing.T) {
		require.False(t, MatchCIDR(netip.Addr{}, v4, 0))
	})
}

func TestParseCIDR(t *testing.T) {
	p, err := ParseCIDR("10.1.2.3/8")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.0/8", p.String())

	p, err = ParseCIDR("192.0.2.10")
	require.NoError(t, err)
	require.Equal(t, "192.0.2.10/32", p.String())

	p, err = ParseCIDR("2001:db8::1")
	require.NoError(t, err)
	require.Equal(t, 128, p.Bits())

	p, err = ParseCIDR("::ffff:192.0.2.10")
	require.NoError(t, err)
	require.Equal(t, "192.0.2.10/32", p.String())

	_, err = ParseCIDR("10.0.0.0/33")
	require.Error(t, err)

	_, err = ParseCIDR("not-an-ip")
	require.Error(t, err)
}

func TestFirstValid(t *testing.T) {
	addr, ok := FirstValid("unknown, garbage ,203.0.113.9, 198.51.100.1")
	require.True(t, ok)
	require.Equal(t, "203.0.113.9", addr.String())

	_, ok = FirstValid("unknown,,")
	require.False(t, ok)
}
