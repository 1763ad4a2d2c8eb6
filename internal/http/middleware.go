package http

import (
	"context"
	"net/http"

	"github.com/wolfeidau/creditgate/internal/clientip"
)

type contextKey string

const clientIPContextKey contextKey = "client_ip"

// ClientIPFromContext extracts the client IP from the request context.
// This should be called from handlers wrapped by ClientIPMiddleware. It
// returns clientip.Unknown when the middleware did not run.
func ClientIPFromContext(ctx context.Context) string {
	ip, ok := ClientIPValue(ctx)
	if !ok {
		return clientip.Unknown
	}
	return ip
}

// ClientIPValue returns the client IP stored by ClientIPMiddleware, if any.
func ClientIPValue(ctx context.Context) (string, bool) {
	ip, ok := ctx.Value(clientIPContextKey).(string)
	return ip, ok && ip != ""
}

// WithClientIP returns a copy of ctx carrying ip.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey, ip)
}

// ClientIPMiddleware resolves the client address once per request under the
// trust policy of resolver and stores it in the request context.
func ClientIPMiddleware(resolver *clientip.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolver.Resolve(r)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

// Chain applies middleware so the first listed runs outermost.
func Chain(h http.Handler, middleware ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}
