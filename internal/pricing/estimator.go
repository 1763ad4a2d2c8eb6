// Package pricing turns third-party model pricing into credit charges and
// keeps the smoothed generation latency used for ETAs.
package pricing

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/wolfeidau/creditgate/internal/config"
	"github.com/wolfeidau/creditgate/internal/models"
)

const (
	// MinCredits is the floor of every charge. Zero-priced models still cost
	// this much so free third-party tiers cannot be used without limit.
	MinCredits int64 = 1

	ModalityText  = "text"
	ModalityImage = "image"

	// CapabilityResolution gates output resolution multipliers.
	CapabilityResolution = "resolution"

	tokensPerMillion = 1_000_000

	// absorbs float error so exact multiples of the credit value do not round up
	ceilEpsilon = 1e-9
)

// Pricing is third-party model pricing in USD. Token prices are per million
// tokens; image and request prices are per unit. Values are decimal strings
// as catalogs report them; empty means zero.
type Pricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
	Image      string `json:"image,omitempty"`
	Request    string `json:"request,omitempty"`
}

type rates struct {
	prompt, completion, image, request float64
}

func (p Pricing) parse() (rates, error) {
	var r rates
	var err error

	if r.prompt, err = parsePrice(p.Prompt); err != nil {
		return rates{}, fmt.Errorf("prompt: %w", err)
	}
	if r.completion, err = parsePrice(p.Completion); err != nil {
		return rates{}, fmt.Errorf("completion: %w", err)
	}
	if r.image, err = parsePrice(p.Image); err != nil {
		return rates{}, fmt.Errorf("image: %w", err)
	}
	if r.request, err = parsePrice(p.Request); err != nil {
		return rates{}, fmt.Errorf("request: %w", err)
	}

	return r, nil
}

func (r rates) zero() bool {
	return r.prompt == 0 && r.completion == 0 && r.image == 0 && r.request == 0
}

func parsePrice(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid price %q", s)
	}

	return v, nil
}

// UsageHint describes the expected size of a generation before it runs.
type UsageHint struct {
	ModelID string

	PromptTokens     int64
	CompletionTokens int64

	// Tokens is a combined estimate split evenly between prompt and
	// completion when neither is given.
	Tokens int64

	Images     int
	Resolution string
}

func (h UsageHint) split() (int64, int64) {
	if h.PromptTokens == 0 && h.CompletionTokens == 0 && h.Tokens > 0 {
		prompt := h.Tokens / 2
		return prompt, h.Tokens - prompt
	}
	return h.PromptTokens, h.CompletionTokens
}

// Modality returns the modality used to pick the conservative multiplier.
func (h UsageHint) Modality() string {
	if h.Images > 0 {
		return ModalityImage
	}
	return ModalityText
}

// Quote is a pre-generation charge.
type Quote struct {
	ModelID  string
	Modality string

	// Credits is the plain estimate shown to the user.
	Credits int64

	// ReserveCredits adds the conservative multiplier and is what gets held
	// until the actual cost is known.
	ReserveCredits int64
}

// Actual is post-generation usage as reported by the provider.
type Actual struct {
	// CostUSD is the provider-reported cost; when set it wins over tokens.
	CostUSD *float64

	PromptTokens     int64
	CompletionTokens int64
	Images           int
	Resolution       string
	ModelID          string
}

// Estimator converts USD prices to credits.
type Estimator struct {
	premium      float64
	creditUSD    float64
	conservative map[string]float64
	resolutions  map[string]float64
	capabilities Capabilities
}

func NewEstimator(cfg config.PricingConfig) *Estimator {
	return &Estimator{
		premium:      cfg.Premium,
		creditUSD:    cfg.CreditUSD,
		conservative: cfg.Conservative,
		resolutions:  cfg.Resolutions,
		capabilities: Capabilities(cfg.Capabilities),
	}
}

// CreditValue returns the value of one credit in micros.
func (e *Estimator) CreditValue() models.Micros {
	return models.MicrosFromUSD(e.creditUSD)
}

// Capabilities returns the capability predicate used by the estimator.
func (e *Estimator) Capabilities() Capabilities {
	return e.capabilities
}

// EstimateCredits returns the credit charge for hint under pricing. The
// second result is false when pricing cannot be parsed.
func (e *Estimator) EstimateCredits(pricing Pricing, hint UsageHint) (int64, bool) {
	usd, zero, ok := e.usd(pricing, hint.ModelID, hint.PromptTokens, hint.CompletionTokens, hint.Tokens, hint.Images, hint.Resolution)
	if !ok {
		return 0, false
	}
	if zero {
		return MinCredits, true
	}
	return e.Credits(usd), true
}

// ReserveQuote returns the estimate together with the credits to reserve,
// which include the conservative multiplier for the hint's modality.
func (e *Estimator) ReserveQuote(pricing Pricing, hint UsageHint) (Quote, bool) {
	usd, zero, ok := e.usd(pricing, hint.ModelID, hint.PromptTokens, hint.CompletionTokens, hint.Tokens, hint.Images, hint.Resolution)
	if !ok {
		return Quote{}, false
	}

	q := Quote{ModelID: hint.ModelID, Modality: hint.Modality()}

	if zero {
		q.Credits = MinCredits
		q.ReserveCredits = MinCredits
		return q, true
	}

	mult := e.conservative[q.Modality]
	if mult < 1 {
		mult = 1
	}

	q.Credits = e.Credits(usd)
	q.ReserveCredits = max(q.Credits, e.Credits(usd*mult))

	return q, true
}

// ReconcileActual recomputes the charge from actual usage with the same
// premium and floor as the estimate, without the conservative multiplier.
// A provider-reported cost is used as is; otherwise the actual token and image
// counts are priced. Unparseable pricing without a reported cost falls back to
// the minimum charge.
func (e *Estimator) ReconcileActual(pricing Pricing, actual Actual) int64 {
	if actual.CostUSD != nil {
		if *actual.CostUSD <= 0 {
			return MinCredits
		}
		return e.Credits(*actual.CostUSD)
	}

	usd, zero, ok := e.usd(pricing, actual.ModelID, actual.PromptTokens, actual.CompletionTokens, 0, actual.Images, actual.Resolution)
	if !ok || zero {
		return MinCredits
	}

	return e.Credits(usd)
}

// Credits converts a raw USD cost to credits: premium applied, rounded up,
// never below MinCredits.
func (e *Estimator) Credits(usd float64) int64 {
	credits := math.Ceil(usd*e.premium/e.creditUSD - ceilEpsilon)
	if credits < float64(MinCredits) || math.IsNaN(credits) {
		return MinCredits
	}
	return int64(credits)
}

// usd prices a usage. zero is true when every price is zero.
func (e *Estimator) usd(pricing Pricing, modelID string, promptTokens, completionTokens, tokens int64, images int, resolution string) (float64, bool, bool) {
	r, err := pricing.parse()
	if err != nil {
		return 0, false, false
	}
	if r.zero() {
		return 0, true, true
	}

	prompt, completion := UsageHint{PromptTokens: promptTokens, CompletionTokens: completionTokens, Tokens: tokens}.split()

	usd := r.prompt*float64(prompt)/tokensPerMillion +
		r.completion*float64(completion)/tokensPerMillion +
		r.request

	if images > 0 {
		usd += r.image * float64(images) * e.resolutionMultiplier(modelID, resolution)
	}

	return usd, false, true
}

// resolutionMultiplier applies only to models known to honor the requested
// resolution; others render at their default size whatever was asked for.
func (e *Estimator) resolutionMultiplier(modelID, resolution string) float64 {
	if resolution == "" || !e.capabilities.Honors(modelID, CapabilityResolution) {
		return 1
	}
	if m, ok := e.resolutions[strings.ToUpper(resolution)]; ok && m > 0 {
		return m
	}
	return 1
}
