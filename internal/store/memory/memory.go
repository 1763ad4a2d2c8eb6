package memory

import "github.com/wolfeidau/creditgate/internal/store"

// NewStores wires a complete set of in-memory stores.
func NewStores() store.Stores {
	sessions := NewSessionStore()
	return store.Stores{
		Sessions:      sessions,
		Ledger:        NewLedgerStore(sessions),
		RateLimits:    NewRateLimitStore(),
		LoginAttempts: NewLoginAttemptStore(),
		ModelStats:    NewModelStatStore(),
	}
}
