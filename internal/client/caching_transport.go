package client

import (
	"net/http"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
)

// newCachingTransport wraps base in an RFC 7234 cache. Pricing catalogs are
// served with Cache-Control headers, so a warm cache answers most fetches
// without leaving the process. An empty cacheDir keeps the cache in memory.
func newCachingTransport(cacheDir string, base http.RoundTripper) *httpcache.Transport {
	var cache httpcache.Cache
	if cacheDir == "" {
		cache = httpcache.NewMemoryCache()
	} else {
		// disk cache persists across restarts
		cache = diskcache.New(cacheDir)
	}

	transport := httpcache.NewTransport(cache)
	transport.Transport = base

	return transport
}
