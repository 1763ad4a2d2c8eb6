package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/creditgate/internal/config"
	"github.com/wolfeidau/creditgate/internal/store/memory"
)

func newEstimator() *Estimator {
	return NewEstimator(config.DefaultPolicy().Pricing)
}

func TestEstimateCredits(t *testing.T) {
	e := newEstimator()

	tests := []struct {
		name    string
		pricing Pricing
		hint    UsageHint
		want    int64
		ok      bool
	}{
		{
			name:    "1000 tokens at 10 per million",
			pricing: Pricing{Prompt: "10", Completion: "10"},
			hint:    UsageHint{Tokens: 1000},
			want:    2,
			ok:      true,
		},
		{
			name:    "explicit split",
			pricing: Pricing{Prompt: "3", Completion: "15"},
			hint:    UsageHint{PromptTokens: 2000, CompletionTokens: 1000},
			// (0.006 + 0.015) * 1.25 / 0.01 = 2.625
			want: 3,
			ok:   true,
		},
		{
			name:    "exact multiple does not round up",
			pricing: Pricing{Prompt: "8", Completion: "8"},
			hint:    UsageHint{Tokens: 1000},
			// 0.008 * 1.25 / 0.01 = 1
			want: 1,
			ok:   true,
		},
		{
			name:    "tiny cost is floored at one credit",
			pricing: Pricing{Prompt: "0.01", Completion: "0.01"},
			hint:    UsageHint{Tokens: 10},
			want:    MinCredits,
			ok:      true,
		},
		{
			name:    "all zero pricing still costs the minimum",
			pricing: Pricing{Prompt: "0", Completion: "0", Image: "0"},
			hint:    UsageHint{Tokens: 1_000_000, Images: 4},
			want:    MinCredits,
			ok:      true,
		},
		{
			name:    "empty pricing counts as zero",
			pricing: Pricing{},
			hint:    UsageHint{Tokens: 100},
			want:    MinCredits,
			ok:      true,
		},
		{
			name:    "image priced per unit",
			pricing: Pricing{Image: "0.04"},
			hint:    UsageHint{Images: 2},
			// 0.08 * 1.25 / 0.01 = 10
			want: 10,
			ok:   true,
		},
		{
			name:    "unparseable pricing",
			pricing: Pricing{Prompt: "ten"},
			hint:    UsageHint{Tokens: 1000},
			ok:      false,
		},
		{
			name:    "negative pricing",
			pricing: Pricing{Prompt: "-1"},
			hint:    UsageHint{Tokens: 1000},
			ok:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := e.EstimateCredits(tt.pricing, tt.hint)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				require.Equal(t, tt.want, got)
			}
		})
	}
}

func TestEstimateCredits_resolutionNeedsCapability(t *testing.T) {
	e := newEstimator()
	pricing := Pricing{Image: "0.04"}

	// 0.04 * 2 (4K) * 1.25 / 0.01 = 10
	got, ok := e.EstimateCredits(pricing, UsageHint{ModelID: "google/gemini-3-pro-image-preview", Images: 1, Resolution: "4K"})
	require.True(t, ok)
	require.Equal(t, int64(10), got)

	// lower-case tiers are accepted
	got, _ = e.EstimateCredits(pricing, UsageHint{ModelID: "google/gemini-3-pro-image-preview", Images: 1, Resolution: "2k"})
	require.Equal(t, int64(8), got)

	// a model that ignores the setting is priced at its default size
	got, ok = e.EstimateCredits(pricing, UsageHint{ModelID: "openai/gpt-image-1", Images: 1, Resolution: "4K"})
	require.True(t, ok)
	require.Equal(t, int64(5), got)

	// unknown tier
	got, _ = e.EstimateCredits(pricing, UsageHint{ModelID: "google/gemini-3-pro-image-preview", Images: 1, Resolution: "8K"})
	require.Equal(t, int64(5), got)
}

func TestReserveQuote(t *testing.T) {
	e := newEstimator()

	q, ok := e.ReserveQuote(Pricing{Image: "0.04"}, UsageHint{ModelID: "openai/gpt-image-1", Images: 1})
	require.True(t, ok)
	require.Equal(t, ModalityImage, q.Modality)
	require.Equal(t, int64(5), q.Credits)
	require.Equal(t, int64(10), q.ReserveCredits)

	q, ok = e.ReserveQuote(Pricing{Prompt: "10", Completion: "10"}, UsageHint{Tokens: 1000})
	require.True(t, ok)
	require.Equal(t, ModalityText, q.Modality)
	require.Equal(t, int64(2), q.Credits)
	require.Equal(t, int64(2), q.ReserveCredits)

	q, ok = e.ReserveQuote(Pricing{}, UsageHint{Images: 3})
	require.True(t, ok)
	require.Equal(t, MinCredits, q.ReserveCredits)

	_, ok = e.ReserveQuote(Pricing{Image: "x"}, UsageHint{Images: 1})
	require.False(t, ok)
}

func TestReconcileActual(t *testing.T) {
	e := newEstimator()
	pricing := Pricing{Prompt: "10", Completion: "10", Image: "0.04"}

	cost := 0.0312
	// 0.0312 * 1.25 / 0.01 = 3.9
	require.Equal(t, int64(4), e.ReconcileActual(pricing, Actual{CostUSD: &cost}))

	zero := 0.0
	require.Equal(t, MinCredits, e.ReconcileActual(pricing, Actual{CostUSD: &zero}))

	// reported tokens priced without the conservative multiplier
	require.Equal(t, int64(2), e.ReconcileActual(pricing, Actual{PromptTokens: 500, CompletionTokens: 500}))
	require.Equal(t, int64(5), e.ReconcileActual(pricing, Actual{Images: 1}))

	require.Equal(t, MinCredits, e.ReconcileActual(Pricing{Prompt: "bad"}, Actual{PromptTokens: 100}))
}

func TestCapabilities_Honors(t *testing.T) {
	c := Capabilities{"resolution": {"google/gemini-3-pro-image"}}

	require.True(t, c.Honors("google/gemini-3-pro-image", "resolution"))
	require.True(t, c.Honors("google/gemini-3-pro-image-preview", "resolution"))
	require.False(t, c.Honors("google/gemini-3-pro", "resolution"))
	require.False(t, c.Honors("google/gemini-3-pro-image", "aspect_ratio"))
	require.False(t, c.Honors("", "resolution"))
}

func TestETA(t *testing.T) {
	ctx := context.Background()
	eta := NewETA(memory.NewModelStatStore(), config.ETAConfig{Alpha: 0.2, DefaultAvgMs: 15000})

	secs, err := eta.Estimate(ctx, "unseen/model")
	require.NoError(t, err)
	require.Equal(t, int64(15), secs)

	stat, err := eta.RecordGenerationDuration(ctx, "m", 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(1), stat.Count)
	require.InDelta(t, 10000, stat.AvgMs, 1e-9)

	stat, err = eta.RecordGenerationDuration(ctx, "m", 20*time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(2), stat.Count)
	// 10000*0.8 + 20000*0.2
	require.InDelta(t, 12000, stat.AvgMs, 1e-9)

	secs, err = eta.Estimate(ctx, "m")
	require.NoError(t, err)
	require.Equal(t, int64(12), secs)

	_, err = eta.RecordGenerationDuration(ctx, "m", -time.Second)
	require.Error(t, err)
}

func TestCache(t *testing.T) {
	c := NewCache[string, int](time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("a", 1)
	c.Set("b", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	c.Invalidate("a")
	_, ok = c.Get("a")
	require.False(t, ok)

	now = now.Add(time.Minute)
	_, ok = c.Get("b")
	require.False(t, ok, "expired")

	c.Set("b", 3)
	c.InvalidateAll()
	require.Zero(t, c.Len())
}

const catalogBody = `{"data":[
	{"id":"openai/gpt-4o","pricing":{"prompt":"0.0000025","completion":"0.00001","image":"0","request":"0"}},
	{"id":"google/gemini-3-pro-image-preview","pricing":{"prompt":"0.000002","completion":"0.000012","image":"0.134"}}
]}`

func TestCatalog_Pricing(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(catalogBody))
	}))
	defer srv.Close()

	cat := NewCatalog(srv.Client(), srv.URL, NewCache[string, Pricing](time.Minute))
	ctx := context.Background()

	p, err := cat.Pricing(ctx, "openai/gpt-4o")
	require.NoError(t, err)
	require.Equal(t, "2.5", p.Prompt)
	require.Equal(t, "10", p.Completion)

	p, err = cat.Pricing(ctx, "google/gemini-3-pro-image-preview")
	require.NoError(t, err)
	require.Equal(t, "0.134", p.Image)
	require.Equal(t, int32(1), hits.Load())

	_, err = cat.Pricing(ctx, "missing/model")
	require.ErrorIs(t, err, ErrModelNotFound)
	require.Equal(t, int32(1), hits.Load())

	cat.Invalidate()
	_, err = cat.Pricing(ctx, "openai/gpt-4o")
	require.NoError(t, err)
	require.Equal(t, int32(2), hits.Load())
}

func TestCatalog_unknownModelsDoNotRefetch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(catalogBody))
	}))
	defer srv.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cat := NewCatalog(srv.Client(), srv.URL, NewCache[string, Pricing](time.Hour))
	cat.now = func() time.Time { return now }
	ctx := context.Background()

	tests := []struct {
		name     string
		model    string
		advance  time.Duration
		wantErr  bool
		wantHits int32
	}{
		{name: "first unknown model fetches", model: "nope/one", wantErr: true, wantHits: 1},
		{name: "same unknown model", model: "nope/one", wantErr: true, wantHits: 1},
		{name: "different unknown model", model: "nope/two", wantErr: true, wantHits: 1},
		{name: "known model from cache", model: "openai/gpt-4o", wantHits: 1},
		{name: "unknown model within the window", model: "nope/three", advance: 30 * time.Second, wantErr: true, wantHits: 1},
		{name: "unknown model after the window", model: "nope/three", advance: 31 * time.Second, wantErr: true, wantHits: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now = now.Add(tt.advance)

			_, err := cat.Pricing(ctx, tt.model)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrModelNotFound)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.wantHits, hits.Load())
		})
	}
}

func TestCatalog_retriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(catalogBody))
	}))
	defer srv.Close()

	cat := NewCatalog(srv.Client(), srv.URL, NewCache[string, Pricing](time.Minute))

	_, err := cat.Pricing(context.Background(), "openai/gpt-4o")
	require.NoError(t, err)
	require.Equal(t, int32(2), hits.Load())
}

func TestCatalog_clientErrorIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cat := NewCatalog(srv.Client(), srv.URL, NewCache[string, Pricing](time.Minute))

	_, err := cat.Pricing(context.Background(), "openai/gpt-4o")
	require.Error(t, err)
	require.Equal(t, int32(1), hits.Load())
}
