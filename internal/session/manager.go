// Package session issues and verifies anonymous session identities bound to
// the client network address.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/creditgate/internal/clientip"
	"github.com/wolfeidau/creditgate/internal/config"
	httpmiddleware "github.com/wolfeidau/creditgate/internal/http"
	"github.com/wolfeidau/creditgate/internal/models"
	"github.com/wolfeidau/creditgate/internal/rejection"
	"github.com/wolfeidau/creditgate/internal/store"
)

// DefaultTTL is the lifetime of a session token and its session row.
const DefaultTTL = 365 * 24 * time.Hour

// Invalid reasons reported by ValidateAgainstRequest.
const (
	ReasonNoToken    = "no_token"
	ReasonBadToken   = "bad_token"
	ReasonIPMismatch = "ip_mismatch"
)

// Validation is the outcome of checking a request's session token against the
// address the request came from.
type Validation struct {
	Valid         bool
	SessionID     string
	NeedsRefresh  bool
	CurrentIPHash string
	Reason        string
}

// CreateGuard is consulted before a new session is created for ipHash. A
// non-nil rejection refuses the creation.
type CreateGuard func(ctx context.Context, ipHash string) (*rejection.Rejection, error)

type Options struct {
	TTL             time.Duration
	DailySpendLimit models.Micros
	SecureCookies   bool
	BeforeCreate    CreateGuard
}

// Manager issues and validates sessions.
type Manager struct {
	signer   *TokenSigner
	hasher   *IPHasher
	sessions store.SessionStore
	resolver *clientip.Resolver
	opts     Options
	now      func() time.Time
}

// NewManager validates secrets and creates a manager. Secrets shorter than
// config.MinSecretLength are a ConfigurationError.
func NewManager(secrets config.Secrets, sessions store.SessionStore, resolver *clientip.Resolver, opts Options) (*Manager, error) {
	if len(secrets.Session) < config.MinSecretLength {
		return nil, &config.ConfigurationError{Field: config.EnvSessionSecret, Reason: fmt.Sprintf("must be at least %d bytes", config.MinSecretLength)}
	}
	if len(secrets.IPHash) < config.MinSecretLength {
		return nil, &config.ConfigurationError{Field: config.EnvIPHashSecret, Reason: fmt.Sprintf("must be at least %d bytes", config.MinSecretLength)}
	}

	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.DailySpendLimit <= 0 {
		opts.DailySpendLimit = models.DefaultDailySpendLimit
	}
	if resolver == nil {
		resolver = clientip.NewResolver(nil)
	}

	return &Manager{
		signer:   NewTokenSigner(secrets.Session, opts.TTL),
		hasher:   NewIPHasher(secrets.IPHash),
		sessions: sessions,
		resolver: resolver,
		opts:     opts,
		now:      time.Now,
	}, nil
}

// Kid returns the key id of the signing secret.
func (m *Manager) Kid() string {
	return m.signer.Kid()
}

// Issue mints a session token bound to ipHash.
func (m *Manager) Issue(sid, ipHash string) (string, error) {
	return m.signer.Issue(sid, ipHash)
}

// Verify checks a token's signature and expiry.
func (m *Manager) Verify(token string) (*Claims, error) {
	return m.signer.Verify(token)
}

// HashIP returns the keyed hash of ip.
func (m *Manager) HashIP(ip string) string {
	return m.hasher.Hash(ip)
}

// ClientIP returns the resolved client address of r, preferring the value
// stored by the client IP middleware.
func (m *Manager) ClientIP(r *http.Request) string {
	if ip, ok := httpmiddleware.ClientIPValue(r.Context()); ok {
		return ip
	}
	return m.resolver.Resolve(r)
}

// ValidateAgainstRequest checks the session cookie of r against the current
// client address:
//   - no token: invalid
//   - legacy token without an address hash: valid, NeedsRefresh
//   - matching address hash: valid
//   - different address hash: invalid
func (m *Manager) ValidateAgainstRequest(r *http.Request) Validation {
	current := m.HashIP(m.ClientIP(r))
	v := Validation{CurrentIPHash: current}

	token := TokenFromRequest(r)
	if token == "" {
		v.Reason = ReasonNoToken
		return v
	}

	claims, err := m.signer.Verify(token)
	if err != nil {
		v.Reason = ReasonBadToken
		return v
	}

	if claims.IsLegacy() {
		log.Debug().Str("session_id", claims.SessionID).Msg("Legacy session token accepted, refresh required")
		v.Valid = true
		v.SessionID = claims.SessionID
		v.NeedsRefresh = true
		return v
	}

	if !m.hasher.Equal(claims.IPHash, current) {
		log.Debug().Str("session_id", claims.SessionID).Msg("Session token bound to a different address")
		v.Reason = ReasonIPMismatch
		return v
	}

	v.Valid = true
	v.SessionID = claims.SessionID
	return v
}

// Result is the outcome of EnsureSession.
type Result struct {
	Session   *models.Session
	Created   bool
	Refreshed bool
	Rejection *rejection.Rejection
}

// EnsureSession returns the session of r, creating one on first contact. A
// new or refreshed token is written to w as the session cookie.
func (m *Manager) EnsureSession(w http.ResponseWriter, r *http.Request) (*Result, error) {
	ctx := r.Context()
	v := m.ValidateAgainstRequest(r)

	if v.Valid {
		session, err := m.load(ctx, v.SessionID)
		if err != nil {
			return nil, err
		}
		if session != nil {
			return m.resume(ctx, w, session, v)
		}
		v.Reason = ReasonBadToken
	}

	if m.opts.BeforeCreate != nil {
		rej, err := m.opts.BeforeCreate(ctx, v.CurrentIPHash)
		if err != nil {
			return nil, err
		}
		if rej != nil {
			return &Result{Rejection: rej}, nil
		}
	}

	session, err := m.create(ctx, v.CurrentIPHash)
	if err != nil {
		return nil, err
	}

	if err := m.writeToken(w, session.ID, v.CurrentIPHash); err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", session.ID).
		Str("previous", v.Reason).
		Msg("Created session")

	return &Result{Session: session, Created: true}, nil
}

// Session loads the session for a validated request, or returns nil when the
// token does not resolve to a live session.
func (m *Manager) Session(ctx context.Context, v Validation) (*models.Session, error) {
	if !v.Valid {
		return nil, nil
	}
	return m.load(ctx, v.SessionID)
}

func (m *Manager) load(ctx context.Context, sid string) (*models.Session, error) {
	session, err := m.sessions.Get(ctx, sid)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			log.Debug().Str("session_id", sid).Msg("Token references unknown session")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if session.IsExpired(m.now()) {
		log.Debug().Str("session_id", sid).Msg("Session expired")
		return nil, nil
	}

	return session, nil
}

func (m *Manager) resume(ctx context.Context, w http.ResponseWriter, session *models.Session, v Validation) (*Result, error) {
	res := &Result{Session: session}

	if v.NeedsRefresh {
		if err := m.writeToken(w, session.ID, v.CurrentIPHash); err != nil {
			return nil, err
		}
		res.Refreshed = true
	}

	now := m.now()
	if err := m.sessions.Touch(ctx, session.ID, v.CurrentIPHash, now); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	session.LastIPHash = v.CurrentIPHash
	session.LastSeenAt = now

	return res, nil
}

func (m *Manager) create(ctx context.Context, ipHash string) (*models.Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	now := m.now()
	session := &models.Session{
		ID:              id.String(),
		IdentityHash:    ipHash,
		Tier:            models.TierPaid,
		DailySpendLimit: m.opts.DailySpendLimit,
		DailyResetAt:    models.DayStart(now),
		LastIPHash:      ipHash,
		CreatedAt:       now,
		LastSeenAt:      now,
		ExpiresAt:       now.Add(m.opts.TTL),
	}

	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

func (m *Manager) writeToken(w http.ResponseWriter, sid, ipHash string) error {
	token, err := m.signer.Issue(sid, ipHash)
	if err != nil {
		return err
	}
	SetCookie(w, token, m.opts.TTL, m.opts.SecureCookies)
	return nil
}
