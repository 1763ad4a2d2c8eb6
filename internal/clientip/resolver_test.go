package clientip

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/creditgate/internal/config"
)

func newRequest(remoteAddr string, headers map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = remoteAddr
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func mustPolicy(t *testing.T, cfg config.TrustConfig, env config.Env) *TrustPolicy {
	t.Helper()
	policy, _, err := NewTrustPolicy(cfg, env)
	require.NoError(t, err)
	return policy
}

func TestResolver_untrustedPeerIgnoresHeaders(t *testing.T) {
	res := NewResolver(mustPolicy(t, config.TrustConfig{Proxies: []string{"10.0.0.0/8"}}, config.Env{}))

	r := newRequest("203.0.113.50:4321", map[string]string{
		HeaderForwardedFor: "1.1.1.1",
		HeaderRealIP:       "2.2.2.2",
		DefaultCDNHeader:   "3.3.3.3",
	})

	require.Equal(t, "203.0.113.50", res.Resolve(r))
}

func TestResolver_trustedProxy(t *testing.T) {
	res := NewResolver(mustPolicy(t, config.TrustConfig{Proxies: []string{"10.0.0.0/8", "2001:db8::/32"}}, config.Env{}))

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "first valid forwarded-for entry",
			remoteAddr: "10.0.0.1:443",
			headers:    map[string]string{HeaderForwardedFor: "garbage, 203.0.113.1, 198.51.100.1"},
			want:       "203.0.113.1",
		},
		{
			name:       "forwarded-for beats real-ip",
			remoteAddr: "10.0.0.1:443",
			headers:    map[string]string{HeaderForwardedFor: "203.0.113.1", HeaderRealIP: "198.51.100.2"},
			want:       "203.0.113.1",
		},
		{
			name:       "real-ip when forwarded-for invalid",
			remoteAddr: "10.0.0.1:443",
			headers:    map[string]string{HeaderForwardedFor: "unknown", HeaderRealIP: "198.51.100.2"},
			want:       "198.51.100.2",
		},
		{
			name:       "cdn header last",
			remoteAddr: "10.0.0.1:443",
			headers:    map[string]string{HeaderRealIP: "nope", DefaultCDNHeader: "2001:db8::7"},
			want:       "2001:db8::7",
		},
		{
			name:       "zone stripped from forwarded ipv6",
			remoteAddr: "10.0.0.1:443",
			headers:    map[string]string{HeaderForwardedFor: "fe80::1%en0"},
			want:       "fe80::1",
		},
		{
			name:       "ipv4-mapped forwarded-for entry",
			remoteAddr: "10.0.0.1:443",
			headers:    map[string]string{HeaderForwardedFor: "::ffff:1.2.3.4"},
			want:       "1.2.3.4",
		},
		{
			name:       "ipv4-mapped real-ip",
			remoteAddr: "10.0.0.1:443",
			headers:    map[string]string{HeaderRealIP: "::ffff:198.51.100.2"},
			want:       "198.51.100.2",
		},
		{
			name:       "ipv6 proxy peer",
			remoteAddr: "[2001:db8::10]:443",
			headers:    map[string]string{HeaderForwardedFor: "192.0.2.44"},
			want:       "192.0.2.44",
		},
		{
			name:       "nothing valid is unknown",
			remoteAddr: "10.0.0.1:443",
			headers:    map[string]string{HeaderForwardedFor: "x", HeaderRealIP: "y"},
			want:       Unknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, res.Resolve(newRequest(tt.remoteAddr, tt.headers)))
		})
	}
}

func TestResolver_platform(t *testing.T) {
	t.Run("active platform trusts headers without allow-list", func(t *testing.T) {
		res := NewResolver(mustPolicy(t, config.TrustConfig{Platform: "vercel"}, config.Env{"VERCEL": "1"}))

		r := newRequest("198.18.0.1:443", map[string]string{"X-Vercel-Forwarded-For": "203.0.113.8"})
		require.Equal(t, "203.0.113.8", res.Resolve(r))
	})

	t.Run("declared platform without marker is not trusted", func(t *testing.T) {
		policy, warnings, err := NewTrustPolicy(config.TrustConfig{Platform: "fly"}, config.Env{})
		require.NoError(t, err)
		require.Len(t, warnings, 1)

		res := NewResolver(policy)
		r := newRequest("198.18.0.1:443", map[string]string{"Fly-Client-IP": "203.0.113.8"})
		require.Equal(t, "198.18.0.1", res.Resolve(r))
	})

	t.Run("cdn header override", func(t *testing.T) {
		res := NewResolver(mustPolicy(t, config.TrustConfig{Platform: "railway", CDNHeader: "X-Client-Addr"}, config.Env{"RAILWAY_ENVIRONMENT": "production"}))

		r := newRequest("198.18.0.1:443", map[string]string{"X-Client-Addr": "203.0.113.9"})
		require.Equal(t, "203.0.113.9", res.Resolve(r))
	})
}

func TestResolver_peer(t *testing.T) {
	res := NewResolver(nil)

	require.Equal(t, "192.0.2.1", res.Resolve(newRequest("192.0.2.1:1234", nil)))
	require.Equal(t, "192.0.2.1", res.Resolve(newRequest("192.0.2.1", nil)))
	require.Equal(t, "192.0.2.1", res.Resolve(newRequest("[::ffff:192.0.2.1]:1234", nil)))
	require.Equal(t, "2001:db8::1", res.Resolve(newRequest("[2001:db8::1]:1234", nil)))
	require.Equal(t, Unknown, res.Resolve(newRequest("", nil)))
	require.Equal(t, Unknown, res.Resolve(newRequest("pipe", nil)))
}

func TestNewTrustPolicy_dangerousRanges(t *testing.T) {
	for _, proxy := range []string{"0.0.0.0/0", "::/0", "128.0.0.0/1", "64.0.0.0/6"} {
		t.Run(proxy, func(t *testing.T) {
			_, _, err := NewTrustPolicy(config.TrustConfig{Proxies: []string{proxy}}, config.Env{"APP_ENV": "production"})
			require.Error(t, err)

			var cfgErr *config.ConfigurationError
			require.True(t, errors.As(err, &cfgErr))

			policy, warnings, err := NewTrustPolicy(config.TrustConfig{Proxies: []string{proxy}}, config.Env{"APP_ENV": "development"})
			require.NoError(t, err)
			require.Len(t, warnings, 1)
			require.Len(t, policy.Proxies, 1)
		})
	}

	_, warnings, err := NewTrustPolicy(config.TrustConfig{Proxies: []string{"10.0.0.0/7"}}, config.Env{})
	require.NoError(t, err)
	require.Empty(t, warnings)
}

func TestNewTrustPolicy_invalid(t *testing.T) {
	_, _, err := NewTrustPolicy(config.TrustConfig{Proxies: []string{"10.0.0.0/99"}}, config.Env{})
	require.Error(t, err)

	_, _, err = NewTrustPolicy(config.TrustConfig{Platform: "geocities"}, config.Env{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown platform")
}
