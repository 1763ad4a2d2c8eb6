package models

import (
	"time"
)

// Tier is the billing tier of a session.
type Tier string

const (
	TierPaid  Tier = "paid"
	TierAdmin Tier = "admin"
)

// DefaultDailySpendLimit is the per-session gross spend cap per UTC day ($5).
const DefaultDailySpendLimit Micros = 5 * MicrosPerUSD

// Session is an anonymous, cookie-identified visitor. The credit balance is a
// cache of the ledger sum for the session and is only changed together with a
// ledger append.
type Session struct {
	ID           string
	IdentityHash string // IP hash at creation time
	Tier         Tier

	CreditBalance int64

	DailySpend      Micros
	DailySpendLimit Micros
	DailyResetAt    time.Time // start of the UTC day DailySpend belongs to

	LastIPHash string
	CreatedAt  time.Time
	LastSeenAt time.Time
	ExpiresAt  time.Time
}

// IsAdmin reports whether the session bypasses the daily spend cap.
func (s *Session) IsAdmin() bool {
	return s.Tier == TierAdmin
}

// IsExpired returns true if the session has expired.
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// DayStart returns midnight UTC of the day containing t.
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
