package config

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	EnvSessionSecret = "SESSION_SECRET"
	EnvIPHashSecret  = "IP_HASH_SECRET"

	// MinSecretLength is the minimum length of each secret in bytes.
	MinSecretLength = 32

	ipHashInfo = "creditgate ip-hash v1"
)

// SecretSource records where the IP hash key came from.
type SecretSource string

const (
	SourceDedicated   SecretSource = "dedicated"
	SourceSessionHKDF SecretSource = "session-hkdf"
	SourceNone        SecretSource = "none"
)

// Secrets holds the symmetric keys used for session signing and IP hashing.
type Secrets struct {
	Session      []byte
	IPHash       []byte
	IPHashSource SecretSource

	// BuildPhase is set when validation was skipped for a build-only run. The
	// keys are empty and the server must not start.
	BuildPhase bool
}

// ResolveSecrets selects the session and IP hash keys from env.
//
// Precedence for the IP hash key:
//  1. IP_HASH_SECRET, when set. It must be at least MinSecretLength bytes.
//  2. A subkey derived from SESSION_SECRET with HKDF-SHA256, so the hash key
//     is never byte-identical to the signing key.
//
// SESSION_SECRET is always required. During a recognized build phase nothing
// is validated and empty secrets are returned.
func ResolveSecrets(env Env) (Secrets, error) {
	if env.BuildPhase() {
		return Secrets{IPHashSource: SourceNone, BuildPhase: true}, nil
	}

	session := env.Get(EnvSessionSecret)
	if session == "" {
		return Secrets{}, configErrorf(EnvSessionSecret, "is required")
	}
	if len(session) < MinSecretLength {
		return Secrets{}, configErrorf(EnvSessionSecret, "must be at least %d bytes, got %d", MinSecretLength, len(session))
	}

	secrets := Secrets{Session: []byte(session)}

	if dedicated := env.Get(EnvIPHashSecret); dedicated != "" {
		if len(dedicated) < MinSecretLength {
			return Secrets{}, configErrorf(EnvIPHashSecret, "must be at least %d bytes, got %d", MinSecretLength, len(dedicated))
		}
		secrets.IPHash = []byte(dedicated)
		secrets.IPHashSource = SourceDedicated
		return secrets, nil
	}

	derived, err := deriveKey(secrets.Session, ipHashInfo)
	if err != nil {
		return Secrets{}, fmt.Errorf("failed to derive ip hash key: %w", err)
	}
	secrets.IPHash = derived
	secrets.IPHashSource = SourceSessionHKDF

	return secrets, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, err
	}
	return key, nil
}
