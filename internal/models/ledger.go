package models

import "time"

// LedgerReason classifies a balance-affecting ledger entry.
type LedgerReason string

const (
	ReasonPurchase   LedgerReason = "purchase"
	ReasonGeneration LedgerReason = "generation"
	ReasonRefund     LedgerReason = "refund"
)

// Valid reports whether r is a known reason.
func (r LedgerReason) Valid() bool {
	switch r {
	case ReasonPurchase, ReasonGeneration, ReasonRefund:
		return true
	}
	return false
}

// LedgerEntry is an immutable balance change. Entries are never updated or deleted.
type LedgerEntry struct {
	ID           int64 // assigned by the store
	SessionID    string
	Delta        int64
	Reason       LedgerReason
	ModelID      string
	Cost         Micros
	GenerationID string
	Checksum     uint64
	CreatedAt    time.Time
}

// ReservationState is the credit state of one generation request.
type ReservationState string

const (
	ReservationReserved ReservationState = "reserved"
	ReservationSettled  ReservationState = "settled"
	ReservationReleased ReservationState = "released"
)

// Reservation holds credits debited up front for a generation until the real
// cost is known.
type Reservation struct {
	ID            string
	SessionID     string
	ModelID       string
	State         ReservationState
	Credits       int64  // debited at reserve time
	Cost          Micros // charged value counted toward daily spend
	Admin         bool   // no ledger debit, audit only
	SettledCredit int64
	CreatedAt     time.Time
	ExpiresAt     time.Time
	ClosedAt      *time.Time
}

// ModelStat carries the smoothed generation latency for one model.
type ModelStat struct {
	ModelID   string
	Count     int64
	AvgMs     float64
	UpdatedAt time.Time
}
