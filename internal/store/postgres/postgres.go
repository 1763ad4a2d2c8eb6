package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wolfeidau/creditgate/internal/store"
)

// NewStores wires a complete set of PostgreSQL stores sharing pool.
func NewStores(pool *pgxpool.Pool) store.Stores {
	return store.Stores{
		Sessions:      NewSessionStore(pool),
		Ledger:        NewLedgerStore(pool),
		RateLimits:    NewRateLimitStore(pool),
		LoginAttempts: NewLoginAttemptStore(pool),
		ModelStats:    NewModelStatStore(pool),
	}
}
