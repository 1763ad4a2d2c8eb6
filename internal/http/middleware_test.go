package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/creditgate/internal/clientip"
	"github.com/wolfeidau/creditgate/internal/config"
)

func TestClientIPFromContext(t *testing.T) {
	t.Run("with IP in context", func(t *testing.T) {
		ctx := WithClientIP(context.Background(), "192.168.1.1")
		require.Equal(t, "192.168.1.1", ClientIPFromContext(ctx))
	})

	t.Run("without IP in context", func(t *testing.T) {
		require.Equal(t, clientip.Unknown, ClientIPFromContext(context.Background()))
	})
}

func TestClientIPMiddleware(t *testing.T) {
	policy, _, err := clientip.NewTrustPolicy(config.TrustConfig{Proxies: []string{"10.0.0.0/8"}}, config.Env{})
	require.NoError(t, err)
	middleware := ClientIPMiddleware(clientip.NewResolver(policy))

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		expected   string
	}{
		{
			name:       "trusted proxy forwards client",
			remoteAddr: "10.1.1.1:443",
			xff:        "203.0.113.1, 10.1.1.1",
			expected:   "203.0.113.1",
		},
		{
			name:       "spoofed header from untrusted peer",
			remoteAddr: "198.51.100.9:50000",
			xff:        "203.0.113.1",
			expected:   "198.51.100.9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = ClientIPFromContext(r.Context())
			}))

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			r.Header.Set("X-Forwarded-For", tt.xff)
			handler.ServeHTTP(httptest.NewRecorder(), r)

			require.Equal(t, tt.expected, captured)
		})
	}
}

func TestChain(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}), mw("a"), mw("b"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, []string{"a", "b", "handler"}, order)
}

func TestCompress(t *testing.T) {
	payload := strings.Repeat(`{"credits":2}`, 200)
	h := Compress(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(payload))
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	require.Less(t, w.Body.Len(), len(payload))
}
