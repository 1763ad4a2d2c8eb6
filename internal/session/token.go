package session

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpiredToken = errors.New("session token expired")
)

// Claims is the client-held session capability. IPHash is empty for legacy
// tokens minted before tokens were bound to the client address.
type Claims struct {
	SessionID string `json:"sid"`
	IPHash    string `json:"iph,omitempty"`
	jwt.RegisteredClaims
}

// IsLegacy reports whether the token predates IP binding.
func (c *Claims) IsLegacy() bool {
	return c.IPHash == ""
}

// TokenSigner issues and verifies HS256 session tokens.
type TokenSigner struct {
	secret []byte
	kid    string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenSigner creates a signer. The key id is derived from the secret so a
// rotated secret is visible in token headers without revealing the secret.
func NewTokenSigner(secret []byte, ttl time.Duration) *TokenSigner {
	hash := sha256.Sum256(secret)
	return &TokenSigner{
		secret: secret,
		kid:    base58.Encode(hash[:])[:12],
		ttl:    ttl,
		now:    time.Now,
	}
}

// Kid returns the key id placed in token headers.
func (s *TokenSigner) Kid() string {
	return s.kid
}

// Issue mints a token for sid. An empty ipHash produces the legacy shape.
func (s *TokenSigner) Issue(sid, ipHash string) (string, error) {
	if sid == "" {
		return "", errors.New("session id is required")
	}

	now := s.now()
	claims := Claims{
		SessionID: sid,
		IPHash:    ipHash,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = s.kid

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}

	return signed, nil
}

// Verify checks the signature and expiry of token and returns its claims.
func (s *TokenSigner) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			log.Debug().Msg("Session token expired")
			return nil, ErrExpiredToken
		}
		log.Debug().Err(err).Msg("Session token validation failed")
		return nil, ErrInvalidToken
	}

	if !parsed.Valid || claims.SessionID == "" {
		log.Debug().Msg("Session token missing session id")
		return nil, ErrInvalidToken
	}

	return claims, nil
}
