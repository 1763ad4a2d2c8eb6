package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/creditgate/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrModelNotFound is returned when the catalog has no entry for a model.
var ErrModelNotFound = errors.New("model not found in pricing catalog")

const (
	maxCatalogBytes = 16 << 20

	// a listing younger than this is trusted to be complete, so unknown
	// models do not trigger another fetch
	minRefreshInterval = time.Minute
)

// catalogResponse is the OpenRouter-style /models listing. Token prices are
// USD per token.
type catalogResponse struct {
	Data []struct {
		ID      string `json:"id"`
		Pricing struct {
			Prompt     string `json:"prompt"`
			Completion string `json:"completion"`
			Image      string `json:"image"`
			Request    string `json:"request"`
		} `json:"pricing"`
	} `json:"data"`
}

// Catalog looks up live model pricing. The whole listing is fetched on a miss
// and every model is cached for the cache TTL.
type Catalog struct {
	client   *http.Client
	url      string
	cache    *Cache[string, Pricing]
	maxTries uint
	metrics  *telemetry.Metrics

	// serialises refreshes so a cold cache triggers one fetch
	refreshMu   sync.Mutex
	lastRefresh time.Time
	now         func() time.Time
}

func NewCatalog(client *http.Client, url string, cache *Cache[string, Pricing]) *Catalog {
	return &Catalog{
		client:   client,
		url:      url,
		cache:    cache,
		maxTries: 3,
		metrics:  telemetry.GetMetrics(),
		now:      time.Now,
	}
}

// Pricing returns the per-million pricing for modelID.
func (c *Catalog) Pricing(ctx context.Context, modelID string) (Pricing, error) {
	if p, ok := c.cache.Get(modelID); ok {
		return p, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// another caller may have refreshed while we waited
	if p, ok := c.cache.Get(modelID); ok {
		return p, nil
	}

	// never longer than the cache TTL, or known models would expire into misses
	window := min(minRefreshInterval, c.cache.ttl)
	if !c.lastRefresh.IsZero() && c.now().Sub(c.lastRefresh) < window {
		return Pricing{}, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}

	if err := c.refresh(ctx); err != nil {
		return Pricing{}, err
	}
	c.lastRefresh = c.now()

	if p, ok := c.cache.Get(modelID); ok {
		return p, nil
	}

	return Pricing{}, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
}

// Invalidate drops every cached price so the next lookup refetches.
func (c *Catalog) Invalidate() {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.cache.InvalidateAll()
	c.lastRefresh = time.Time{}
}

func (c *Catalog) refresh(ctx context.Context) error {
	start := time.Now()

	listing, err := backoff.Retry(ctx, func() (*catalogResponse, error) {
		return c.fetch(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithMaxElapsedTime(30*time.Second),
	)
	if err != nil {
		c.metrics.CatalogFetchesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		return fmt.Errorf("failed to fetch pricing catalog: %w", err)
	}

	for _, m := range listing.Data {
		c.cache.Set(m.ID, Pricing{
			Prompt:     perMillion(m.Pricing.Prompt),
			Completion: perMillion(m.Pricing.Completion),
			Image:      m.Pricing.Image,
			Request:    m.Pricing.Request,
		})
	}

	c.metrics.CatalogFetchesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))

	log.Debug().
		Int("models", len(listing.Data)).
		Dur("duration", time.Since(start)).
		Msg("Pricing catalog refreshed")

	return nil
}

func (c *Catalog) fetch(ctx context.Context) (*catalogResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("pricing catalog returned %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("pricing catalog returned %s", resp.Status))
	}

	var listing catalogResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxCatalogBytes)).Decode(&listing); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode pricing catalog: %w", err))
	}

	return &listing, nil
}

// perMillion converts a per-token USD price string to per million tokens.
// Unparseable values are passed through so the estimator reports them.
func perMillion(perToken string) string {
	if perToken == "" {
		return ""
	}
	v, err := strconv.ParseFloat(perToken, 64)
	if err != nil {
		return perToken
	}
	// rounded to a micro-dollar to drop float noise from the multiplication
	return strconv.FormatFloat(math.Round(v*tokensPerMillion*1e6)/1e6, 'f', -1, 64)
}
