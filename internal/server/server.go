// Package server exposes the trust and metering core over a JSON HTTP API.
package server

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/creditgate/internal/clientip"
	"github.com/wolfeidau/creditgate/internal/config"
	"github.com/wolfeidau/creditgate/internal/csrf"
	httpmiddleware "github.com/wolfeidau/creditgate/internal/http"
	"github.com/wolfeidau/creditgate/internal/ledger"
	"github.com/wolfeidau/creditgate/internal/logger"
	"github.com/wolfeidau/creditgate/internal/pricing"
	"github.com/wolfeidau/creditgate/internal/ratelimit"
	"github.com/wolfeidau/creditgate/internal/rejection"
	"github.com/wolfeidau/creditgate/internal/session"
	"github.com/wolfeidau/creditgate/internal/store"
)

// PricingSource looks up live pricing for a model.
type PricingSource interface {
	Pricing(ctx context.Context, modelID string) (pricing.Pricing, error)
}

// Deps are the components the server composes.
type Deps struct {
	Policy    *config.Policy
	Resolver  *clientip.Resolver
	Sessions  *session.Manager
	Store     store.SessionStore
	Ledger    *ledger.Service
	Limiter   *ratelimit.Limiter
	Lockout   *ratelimit.Tracker
	Estimator *pricing.Estimator
	ETA       *pricing.ETA
	Catalog   PricingSource

	// AdminPassphraseHash is a bcrypt hash. Admin login is disabled when empty.
	AdminPassphraseHash []byte

	// SettlementToken is the bearer credential of the generation
	// orchestrator. Settlement routes are disabled when empty.
	SettlementToken []byte

	CORSOrigins   []string
	SecureCookies bool
}

// Server wraps the HTTP handlers of the API
type Server struct {
	Deps
	guard *csrf.Guard
}

// NewServer creates a new server from deps
func NewServer(deps Deps) *Server {
	if deps.Policy == nil {
		deps.Policy = config.DefaultPolicy()
	}
	if deps.Resolver == nil {
		deps.Resolver = clientip.NewResolver(nil)
	}

	return &Server{
		Deps:  deps,
		guard: csrf.NewGuard(),
	}
}

// SessionCreateGuard limits how often one address may create sessions, so
// discarding the cookie is not a way around per-session limits.
func SessionCreateGuard(limiter *ratelimit.Limiter, rule config.RateLimitRule) session.CreateGuard {
	return func(ctx context.Context, ipHash string) (*rejection.Rejection, error) {
		d, err := limiter.CheckRule(ctx, ipHash, config.EndpointSession, rule)
		if err != nil {
			return nil, err
		}
		return d.Rejection(), nil
	}
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler(log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint for load balancer
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("GET /api/session", s.getSession)

	// everything below needs an existing session
	authed := func(h http.HandlerFunc, mws ...func(http.Handler) http.Handler) http.Handler {
		mws = append([]func(http.Handler) http.Handler{s.Sessions.RequireSession, s.guard.Middleware}, mws...)
		return httpmiddleware.Chain(h, mws...)
	}

	mux.Handle("POST /api/estimate", authed(s.estimate, s.rateLimit(config.EndpointEstimate)))
	mux.Handle("POST /api/generations", authed(s.reserve, s.rateLimit(config.EndpointGenerate)))
	mux.Handle("GET /api/eta/{model...}", authed(s.eta))
	mux.Handle("POST /api/admin/login", authed(s.adminLogin, s.rateLimit(config.EndpointAdminLogin)))
	mux.Handle("POST /api/admin/credits", authed(s.adminCredits, s.requireAdmin))

	// settlement is reported by the orchestrator, never by the browser
	mux.Handle("POST /internal/generations/{id}/settle", s.requireSettlementToken(http.HandlerFunc(s.settle)))
	mux.Handle("POST /internal/generations/{id}/release", s.requireSettlementToken(http.HandlerFunc(s.release)))

	return httpmiddleware.Chain(mux,
		httpmiddleware.ClientIPMiddleware(s.Resolver),
		logger.NewRequests(log),
		httpmiddleware.WithCORS(s.CORSOrigins),
		httpmiddleware.Compress,
	)
}

// rateLimit applies the endpoint rule keyed on the address hash and session.
// It must run inside RequireSession. Endpoints without a rule are unlimited.
func (s *Server) rateLimit(endpoint string) func(http.Handler) http.Handler {
	rule, ok := s.Policy.Rule(endpoint)

	return func(next http.Handler) http.Handler {
		if !ok {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, _ := session.FromContext(r.Context())
			ipHash := s.Sessions.HashIP(s.Sessions.ClientIP(r))

			d, err := s.Limiter.CheckRule(r.Context(), ratelimit.Identifier(ipHash, sess.ID), endpoint, rule)
			if err != nil {
				internalError(w, r, err, "rate limit check failed")
				return
			}
			if rej := d.Rejection(); rej != nil {
				rejection.Write(w, r, rej)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
