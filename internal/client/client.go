// Package client builds the outbound HTTP client used for third-party pricing
// catalog fetches.
package client

import (
	"net/http"
	"time"
)

// Config holds outbound client configuration
type Config struct {
	Timeout   time.Duration
	CacheDir  string
	UserAgent string
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		Timeout:   10 * time.Second,
		UserAgent: "creditgate",
	}
}

// NewHTTPClient creates a caching HTTP client. Every request carries the
// configured User-Agent and is bounded by Timeout.
func NewHTTPClient(cfg Config) *http.Client {
	var base http.RoundTripper = http.DefaultTransport
	if cfg.UserAgent != "" {
		base = &userAgentTransport{next: base, userAgent: cfg.UserAgent}
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: newCachingTransport(cfg.CacheDir, base),
	}
}

type userAgentTransport struct {
	next      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.next.RoundTrip(req)
}
