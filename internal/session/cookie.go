package session

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/creditgate/internal/models"
	"github.com/wolfeidau/creditgate/internal/rejection"
)

// CookieName is the session cookie. It is HttpOnly so page scripts never see
// the token.
const CookieName = "__session"

type contextKey string

const sessionContextKey contextKey = "session"

// TokenFromRequest returns the session token cookie value of r, or "".
func TokenFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// SetCookie writes the session token cookie.
func SetCookie(w http.ResponseWriter, token string, ttl time.Duration, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl.Seconds()),
	})
}

// WithSession returns a copy of ctx carrying session.
func WithSession(ctx context.Context, session *models.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}

// FromContext extracts the session stored by RequireSession.
func FromContext(ctx context.Context) (*models.Session, bool) {
	session, ok := ctx.Value(sessionContextKey).(*models.Session)
	return session, ok
}

// RequireSession is a middleware that admits only requests carrying a valid
// session token for the current client address. Legacy tokens are upgraded
// in place. Anything else is rejected as SessionInvalid so the caller fetches
// a fresh session.
func (m *Manager) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := m.ValidateAgainstRequest(r)
		if !v.Valid {
			rejection.Write(w, r, rejection.New(rejection.SessionInvalid, v.Reason))
			return
		}

		session, err := m.load(r.Context(), v.SessionID)
		if err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to load session")
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if session == nil {
			rejection.Write(w, r, rejection.New(rejection.SessionInvalid, ReasonBadToken))
			return
		}

		if _, err := m.resume(r.Context(), w, session, v); err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to resume session")
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), session)))
	})
}
