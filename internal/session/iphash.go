package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// IPHasher turns client addresses into keyed, non-reversible identifiers.
type IPHasher struct {
	key []byte
}

func NewIPHasher(key []byte) *IPHasher {
	return &IPHasher{key: key}
}

// Hash returns hex(HMAC-SHA256(key, ip)). The unknown bucket is hashed like
// any other address.
func (h *IPHasher) Hash(ip string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(ip))
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal compares two hashes in constant time.
func (h *IPHasher) Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
