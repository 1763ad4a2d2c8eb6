package clientip

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/wolfeidau/creditgate/internal/config"
)

// DefaultCDNHeader is consulted when neither the platform nor the policy names one.
const DefaultCDNHeader = "CF-Connecting-IP"

// minSafePrefixBits is the shortest allow-list prefix accepted in production.
const minSafePrefixBits = 7

// Platform is a hosting provider whose edge proxy may be trusted. EnvMarker is
// an environment variable the provider sets on every instance it runs.
type Platform struct {
	Name      string
	EnvMarker string
	CDNHeader string
}

// Platforms lists the hosting platforms that can be named in the trust policy.
var Platforms = map[string]Platform{
	"vercel":     {Name: "vercel", EnvMarker: "VERCEL", CDNHeader: "X-Vercel-Forwarded-For"},
	"cloudflare": {Name: "cloudflare", EnvMarker: "CF_PAGES", CDNHeader: "CF-Connecting-IP"},
	"fly":        {Name: "fly", EnvMarker: "FLY_APP_NAME", CDNHeader: "Fly-Client-IP"},
	"render":     {Name: "render", EnvMarker: "RENDER", CDNHeader: "True-Client-IP"},
	"railway":    {Name: "railway", EnvMarker: "RAILWAY_ENVIRONMENT"},
	"heroku":     {Name: "heroku", EnvMarker: "DYNO"},
}

// TrustPolicy is the resolved trust configuration.
type TrustPolicy struct {
	Proxies []netip.Prefix

	// Platform is set when the configuration names a platform; PlatformActive
	// is set only when its environment marker is present.
	Platform       *Platform
	PlatformActive bool

	CDNHeader string
}

// NewTrustPolicy validates cfg against env. Allow-list ranges shorter than 7
// bits (including 0.0.0.0/0 and ::/0) are a ConfigurationError in production
// and a warning in development. Warnings are returned for the caller to log.
func NewTrustPolicy(cfg config.TrustConfig, env config.Env) (*TrustPolicy, []string, error) {
	var warnings []string

	policy := &TrustPolicy{CDNHeader: DefaultCDNHeader}

	for _, raw := range cfg.Proxies {
		prefix, err := ParseCIDR(raw)
		if err != nil {
			return nil, nil, &config.ConfigurationError{Field: "trust.proxies", Reason: err.Error()}
		}

		if prefix.Bits() < minSafePrefixBits {
			msg := fmt.Sprintf("trusted proxy range %s is dangerously broad: any client could spoof its address", prefix)
			if !env.Development() {
				return nil, nil, &config.ConfigurationError{Field: "trust.proxies", Reason: msg}
			}
			warnings = append(warnings, msg)
		}

		policy.Proxies = append(policy.Proxies, prefix)
	}

	if cfg.Platform != "" {
		platform, ok := Platforms[strings.ToLower(cfg.Platform)]
		if !ok {
			return nil, nil, &config.ConfigurationError{
				Field:  "trust.platform",
				Reason: fmt.Sprintf("unknown platform %q (known: %s)", cfg.Platform, strings.Join(platformNames(), ", ")),
			}
		}

		policy.Platform = &platform
		policy.PlatformActive = env.Has(platform.EnvMarker)
		if !policy.PlatformActive {
			warnings = append(warnings, fmt.Sprintf("platform %s is trusted but %s is not set; forwarding headers will be ignored", platform.Name, platform.EnvMarker))
		}
		if platform.CDNHeader != "" {
			policy.CDNHeader = platform.CDNHeader
		}
	}

	if cfg.CDNHeader != "" {
		policy.CDNHeader = cfg.CDNHeader
	}

	return policy, warnings, nil
}

// TrustsPeer reports whether forwarding headers from peer may be believed.
func (p *TrustPolicy) TrustsPeer(peer netip.Addr, hasPeer bool) bool {
	if p.Platform != nil && p.PlatformActive {
		return true
	}
	if !hasPeer {
		return false
	}
	for _, prefix := range p.Proxies {
		if MatchCIDR(peer, prefix.Addr(), prefix.Bits()) {
			return true
		}
	}
	return false
}

func platformNames() []string {
	names := make([]string, 0, len(Platforms))
	for name := range Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
