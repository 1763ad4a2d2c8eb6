// Package csrf implements a double-submit cookie guard for mutating requests.
// The token lives in a script-readable cookie and must be echoed in a request
// header; it is independent of the HttpOnly session cookie.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	filippocsrf "filippo.io/csrf"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/creditgate/internal/rejection"
)

const (
	CookieName = "csrf_token"
	HeaderName = "X-CSRF-Token"

	// TokenBytes is the entropy of a token before encoding.
	TokenBytes = 32

	TokenTTL = time.Hour
)

// IssueToken returns a new random token.
func IssueToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate csrf token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// SetCookie writes token as the CSRF cookie. The cookie is readable by page
// scripts so they can echo it in HeaderName.
func SetCookie(w http.ResponseWriter, token string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(TokenTTL.Seconds()),
	})
}

// Validate reports whether the header and cookie tokens are both present and
// identical. Lengths are compared before the constant-time byte comparison.
func Validate(headerToken, cookieToken string) bool {
	if headerToken == "" || cookieToken == "" {
		return false
	}
	if len(headerToken) != len(cookieToken) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(headerToken), []byte(cookieToken)) == 1
}

// ValidateRequest applies Validate to the header and cookie of r.
func ValidateRequest(r *http.Request) bool {
	var cookieToken string
	if c, err := r.Cookie(CookieName); err == nil {
		cookieToken = c.Value
	}
	return Validate(r.Header.Get(HeaderName), cookieToken)
}

// Guard protects mutating routes. Requests first pass Fetch metadata origin
// checks and then the double-submit comparison.
type Guard struct {
	protection *filippocsrf.Protection
}

func NewGuard() *Guard {
	return &Guard{protection: filippocsrf.New()}
}

// Middleware rejects unsafe-method requests without a matching token pair.
// Safe methods pass through untouched.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	doubleSubmit := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		if !ValidateRequest(r) {
			zerolog.Ctx(r.Context()).Debug().Msg("CSRF double-submit check failed")
			rejection.Write(w, r, rejection.New(rejection.CsrfRejected, "missing or mismatched csrf token"))
			return
		}

		next.ServeHTTP(w, r)
	})

	return g.protection.Handler(doubleSubmit)
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
