package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Endpoint names used as rate limit keys.
const (
	EndpointSession    = "session"
	EndpointEstimate   = "estimate"
	EndpointGenerate   = "generate"
	EndpointAdminLogin = "admin_login"
)

// Policy is the static trust and metering policy, read once at startup.
type Policy struct {
	Trust      TrustConfig              `yaml:"trust"`
	RateLimits map[string]RateLimitRule `yaml:"rate_limits"`
	Lockout    LockoutConfig            `yaml:"lockout"`
	Spend      SpendConfig              `yaml:"spend"`
	Pricing    PricingConfig            `yaml:"pricing"`
	ETA        ETAConfig                `yaml:"eta"`
}

// TrustConfig declares which peers may set forwarding headers.
type TrustConfig struct {
	// Proxies is an allow-list of proxy addresses or CIDR ranges.
	Proxies []string `yaml:"proxies"`

	// Platform names a hosting platform whose edge is trusted when its
	// environment marker is present.
	Platform string `yaml:"platform"`

	// CDNHeader overrides the platform's client address header.
	CDNHeader string `yaml:"cdn_header"`
}

type RateLimitRule struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type LockoutConfig struct {
	Threshold  int           `yaml:"threshold"`
	BaseLock   time.Duration `yaml:"base_lock"`
	MaxLock    time.Duration `yaml:"max_lock"`
	Multiplier float64       `yaml:"multiplier"`
	IdleReset  time.Duration `yaml:"idle_reset"`
}

type SpendConfig struct {
	DailyLimitUSD  float64       `yaml:"daily_limit_usd"`
	ReservationTTL time.Duration `yaml:"reservation_ttl"`
}

type PricingConfig struct {
	// Premium multiplies the raw third-party price.
	Premium float64 `yaml:"premium"`

	// CreditUSD is the dollar value of one credit.
	CreditUSD float64 `yaml:"credit_usd"`

	// Conservative is the extra reservation multiplier per modality.
	Conservative map[string]float64 `yaml:"conservative"`

	// Capabilities maps a configuration capability to the model id prefixes
	// known to honor it.
	Capabilities map[string][]string `yaml:"capabilities"`

	// Resolutions maps an output resolution tier to its price multiplier.
	Resolutions map[string]float64 `yaml:"resolutions"`

	CatalogURL string        `yaml:"catalog_url"`
	CatalogTTL time.Duration `yaml:"catalog_ttl"`
}

type ETAConfig struct {
	Alpha        float64 `yaml:"alpha"`
	DefaultAvgMs float64 `yaml:"default_avg_ms"`
}

// DefaultPolicy returns the policy used when no file is given. A file is
// decoded on top of it, so every key is optional.
func DefaultPolicy() *Policy {
	return &Policy{
		RateLimits: map[string]RateLimitRule{
			EndpointSession:    {Limit: 10, Window: time.Hour},
			EndpointEstimate:   {Limit: 120, Window: time.Minute},
			EndpointGenerate:   {Limit: 20, Window: time.Minute},
			EndpointAdminLogin: {Limit: 10, Window: 15 * time.Minute},
		},
		Lockout: LockoutConfig{
			Threshold:  5,
			BaseLock:   15 * time.Minute,
			MaxLock:    24 * time.Hour,
			Multiplier: 2,
			IdleReset:  24 * time.Hour,
		},
		Spend: SpendConfig{
			DailyLimitUSD:  5,
			ReservationTTL: 15 * time.Minute,
		},
		Pricing: PricingConfig{
			Premium:   1.25,
			CreditUSD: 0.01,
			Conservative: map[string]float64{
				"text":  1.0,
				"image": 2.0,
			},
			Capabilities: map[string][]string{
				"resolution": {
					"google/gemini-3-pro-image",
					"google/gemini-2.5-flash-image",
				},
			},
			Resolutions: map[string]float64{
				"1K": 1,
				"2K": 1.5,
				"4K": 2,
			},
			CatalogURL: "https://openrouter.ai/api/v1/models",
			CatalogTTL: 10 * time.Minute,
		},
		ETA: ETAConfig{
			Alpha:        0.2,
			DefaultAvgMs: 15000,
		},
	}
}

// LoadPolicy reads a YAML policy file. Environment variables in the file are
// expanded before decoding. An empty path returns the defaults.
func LoadPolicy(path string) (*Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	if err := ParsePolicy(data, policy); err != nil {
		return nil, err
	}

	return policy, nil
}

// ParsePolicy decodes data on top of policy and validates the result.
func ParsePolicy(data []byte, policy *Policy) error {
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), policy); err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	return policy.Validate()
}

// Validate checks numeric invariants of the policy. Trust ranges are checked
// separately by clientip.CheckPolicy because their severity depends on the
// environment.
func (p *Policy) Validate() error {
	for endpoint, rule := range p.RateLimits {
		if rule.Limit <= 0 {
			return configErrorf("rate_limits."+endpoint+".limit", "must be positive")
		}
		if rule.Window <= 0 {
			return configErrorf("rate_limits."+endpoint+".window", "must be positive")
		}
	}
	if p.Lockout.Threshold <= 0 {
		return configErrorf("lockout.threshold", "must be positive")
	}
	if p.Lockout.BaseLock <= 0 || p.Lockout.MaxLock < p.Lockout.BaseLock {
		return configErrorf("lockout", "base_lock must be positive and not exceed max_lock")
	}
	if p.Lockout.Multiplier < 1 {
		return configErrorf("lockout.multiplier", "must be at least 1")
	}
	if p.Spend.DailyLimitUSD < 0 {
		return configErrorf("spend.daily_limit_usd", "must not be negative")
	}
	if p.Spend.ReservationTTL <= 0 {
		return configErrorf("spend.reservation_ttl", "must be positive")
	}
	if p.Pricing.Premium < 1 {
		return configErrorf("pricing.premium", "must be at least 1")
	}
	if p.Pricing.CreditUSD <= 0 {
		return configErrorf("pricing.credit_usd", "must be positive")
	}
	for modality, m := range p.Pricing.Conservative {
		if m < 1 {
			return configErrorf("pricing.conservative."+modality, "must be at least 1")
		}
	}
	for tier, m := range p.Pricing.Resolutions {
		if m <= 0 {
			return configErrorf("pricing.resolutions."+tier, "must be positive")
		}
	}
	if p.ETA.Alpha <= 0 || p.ETA.Alpha > 1 {
		return configErrorf("eta.alpha", "must be in (0, 1]")
	}
	if p.ETA.DefaultAvgMs <= 0 {
		return configErrorf("eta.default_avg_ms", "must be positive")
	}
	return nil
}

// Rule returns the rate limit rule for endpoint.
func (p *Policy) Rule(endpoint string) (RateLimitRule, bool) {
	rule, ok := p.RateLimits[endpoint]
	return rule, ok
}
