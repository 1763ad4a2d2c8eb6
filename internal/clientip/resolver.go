package clientip

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/rs/zerolog/log"
)

// Forwarding headers, in priority order before the CDN header.
const (
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderRealIP       = "X-Real-IP"
)

// Resolver resolves the client address of requests under a TrustPolicy.
type Resolver struct {
	policy *TrustPolicy
}

// NewResolver creates a resolver for policy.
func NewResolver(policy *TrustPolicy) *Resolver {
	if policy == nil {
		policy = &TrustPolicy{CDNHeader: DefaultCDNHeader}
	}
	return &Resolver{policy: policy}
}

// Resolve returns the client address of r as a normalised string, or Unknown.
//
// Forwarding headers are only read when the peer is an allow-listed proxy or
// the configured platform is active. Otherwise the peer address is the answer.
func (res *Resolver) Resolve(r *http.Request) string {
	peer, hasPeer := PeerAddr(r)

	if !res.policy.TrustsPeer(peer, hasPeer) {
		if hasPeer {
			return peer.String()
		}
		log.Warn().Str("remote_addr", r.RemoteAddr).Msg("No valid peer address, using unknown bucket")
		return Unknown
	}

	if addr, ok := FirstValid(strings.Join(r.Header.Values(HeaderForwardedFor), ",")); ok {
		return addr.String()
	}
	if addr, ok := ParseIP(r.Header.Get(HeaderRealIP)); ok {
		return addr.String()
	}
	if res.policy.CDNHeader != "" {
		if addr, ok := FirstValid(r.Header.Get(res.policy.CDNHeader)); ok {
			return addr.String()
		}
	}

	log.Warn().
		Str("remote_addr", r.RemoteAddr).
		Str("forwarded_for", r.Header.Get(HeaderForwardedFor)).
		Msg("Trusted request carried no valid client address, using unknown bucket")

	return Unknown
}

// PeerAddr returns the transport-level peer of r. IPv4 peers reported in
// IPv4-mapped IPv6 form by dual-stack listeners are unmapped.
func PeerAddr(r *http.Request) (netip.Addr, bool) {
	if r.RemoteAddr == "" {
		return netip.Addr{}, false
	}

	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}

	return ParseIP(host)
}
