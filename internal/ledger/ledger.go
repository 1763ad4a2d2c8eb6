// Package ledger keeps the append-only credit ledger, the cached session
// balance derived from it, and the per-session daily spend cap.
//
// Every balance change goes through LedgerStore.WithSession so the entry, the
// cached balance and the spend fields are written in one critical section.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/creditgate/internal/audit"
	"github.com/wolfeidau/creditgate/internal/models"
	"github.com/wolfeidau/creditgate/internal/rejection"
	"github.com/wolfeidau/creditgate/internal/store"
	"github.com/wolfeidau/creditgate/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultReservationTTL is how long a reservation may stay open before the
// sweeper releases it.
const DefaultReservationTTL = 15 * time.Minute

// errRejected aborts a WithSession callback whose outcome is a rejection so
// nothing it staged is committed.
var errRejected = errors.New("rejected")

// Meta carries the optional attributes of a ledger entry.
type Meta struct {
	ModelID      string
	Cost         models.Micros
	GenerationID string
}

// AppendResult is the outcome of AppendEntry.
type AppendResult struct {
	Balance   int64
	EntryID   int64
	Rejection *rejection.Rejection
}

// Options configures a Service.
type Options struct {
	// CreditValue is the USD value of one credit, used to turn credits into
	// the charged value counted toward the daily cap.
	CreditValue models.Micros

	ReservationTTL time.Duration

	// Audit receives one record per admin cap bypass.
	Audit audit.Recorder
}

// Service applies balance-affecting operations to sessions.
type Service struct {
	ledger         store.LedgerStore
	audit          audit.Recorder
	creditValue    models.Micros
	reservationTTL time.Duration
	metrics        *telemetry.Metrics
	now            func() time.Time
}

// NewService creates a ledger service. An audit recorder is required because
// admin traffic is otherwise invisible to cost accounting.
func NewService(ledger store.LedgerStore, opts Options) (*Service, error) {
	if opts.Audit == nil {
		return nil, errors.New("ledger: audit recorder is required")
	}
	if opts.CreditValue <= 0 {
		return nil, fmt.Errorf("ledger: credit value must be positive, got %s", opts.CreditValue)
	}
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = DefaultReservationTTL
	}

	return &Service{
		ledger:         ledger,
		audit:          opts.Audit,
		creditValue:    opts.CreditValue,
		reservationTTL: opts.ReservationTTL,
		metrics:        telemetry.GetMetrics(),
		now:            time.Now,
	}, nil
}

// CreditValue returns the USD value of one credit.
func (s *Service) CreditValue() models.Micros {
	return s.creditValue
}

// ChargedValue converts credits to the value counted toward the daily cap.
func (s *Service) ChargedValue(credits int64) models.Micros {
	return models.Micros(credits) * s.creditValue
}

// AppendEntry records delta against the session and updates its cached
// balance. A debit larger than the balance is rejected with
// InsufficientCredit and nothing is written.
func (s *Service) AppendEntry(ctx context.Context, sessionID string, delta int64, reason models.LedgerReason, meta Meta) (AppendResult, error) {
	if !reason.Valid() {
		return AppendResult{}, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}

	var res AppendResult

	err := s.ledger.WithSession(ctx, sessionID, func(tx store.LedgerTx) error {
		balance, id, rej, err := s.append(tx, delta, reason, meta)
		if err != nil {
			return err
		}
		if rej != nil {
			res = AppendResult{Balance: balance, Rejection: rej}
			return errRejected
		}
		res = AppendResult{Balance: balance, EntryID: id}
		return nil
	})
	if err != nil && !errors.Is(err, errRejected) {
		return AppendResult{}, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	return res, nil
}

// Grant records a credit purchase.
func (s *Service) Grant(ctx context.Context, sessionID string, credits int64) (AppendResult, error) {
	if credits <= 0 {
		return AppendResult{}, fmt.Errorf("%w: grant of %d credits", ErrInvalidAmount, credits)
	}

	res, err := s.AppendEntry(ctx, sessionID, credits, models.ReasonPurchase, Meta{})
	if err != nil {
		return AppendResult{}, err
	}

	log.Info().Str("session_id", sessionID).Int64("credits", credits).Int64("balance", res.Balance).Msg("Credits granted")

	return res, nil
}

// append writes one entry inside tx. The balance check runs before the write
// and ErrNegativeBalance from the store is treated the same way.
func (s *Service) append(tx store.LedgerTx, delta int64, reason models.LedgerReason, meta Meta) (int64, int64, *rejection.Rejection, error) {
	session := tx.Session()

	if session.CreditBalance+delta < 0 {
		return session.CreditBalance, 0, insufficient(session.CreditBalance, -delta), nil
	}

	entry := &models.LedgerEntry{
		SessionID:    session.ID,
		Delta:        delta,
		Reason:       reason,
		ModelID:      meta.ModelID,
		Cost:         meta.Cost,
		GenerationID: meta.GenerationID,
		CreatedAt:    s.now().UTC().Truncate(time.Microsecond),
	}
	entry.Checksum = Checksum(entry)

	balance, err := tx.Append(entry)
	if err != nil {
		if errors.Is(err, store.ErrNegativeBalance) {
			return session.CreditBalance, 0, insufficient(session.CreditBalance, -delta), nil
		}
		return 0, 0, nil, err
	}

	s.metrics.LedgerEntriesTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", string(reason))))

	log.Debug().
		Str("session_id", session.ID).
		Int64("delta", delta).
		Str("reason", string(reason)).
		Int64("balance", balance).
		Msg("Ledger entry appended")

	return balance, entry.ID, nil, nil
}

// VerifySession recomputes the ledger sum for a session and checks every
// entry checksum. A mismatch is returned as *InconsistencyError.
func (s *Service) VerifySession(ctx context.Context, sessionID string) error {
	var inconsistency *InconsistencyError

	err := s.ledger.WithSession(ctx, sessionID, func(tx store.LedgerTx) error {
		entries, err := tx.Entries()
		if err != nil {
			return err
		}

		session := tx.Session()

		var sum int64
		var bad []int64
		for i := range entries {
			sum += entries[i].Delta
			if Checksum(&entries[i]) != entries[i].Checksum {
				bad = append(bad, entries[i].ID)
			}
		}

		if sum != session.CreditBalance || len(bad) > 0 {
			inconsistency = &InconsistencyError{
				SessionID:    sessionID,
				Cached:       session.CreditBalance,
				LedgerSum:    sum,
				BadChecksums: bad,
			}
		}

		// read only
		return errRejected
	})
	if err != nil && !errors.Is(err, errRejected) {
		return fmt.Errorf("failed to verify ledger: %w", err)
	}

	if inconsistency != nil {
		s.metrics.InconsistenciesTotal.Add(ctx, 1)
		log.Error().
			Str("session_id", sessionID).
			Int64("cached", inconsistency.Cached).
			Int64("ledger_sum", inconsistency.LedgerSum).
			Ints64("bad_checksums", inconsistency.BadChecksums).
			Msg("Ledger inconsistency")
		return inconsistency
	}

	return nil
}

// Reconcile verifies every session in ids. It returns the inconsistencies
// found; err is only set for storage failures.
func (s *Service) Reconcile(ctx context.Context, ids []string) ([]*InconsistencyError, error) {
	var problems []*InconsistencyError

	for _, id := range ids {
		err := s.VerifySession(ctx, id)
		if err == nil {
			continue
		}

		var inconsistency *InconsistencyError
		if errors.As(err, &inconsistency) {
			problems = append(problems, inconsistency)
			continue
		}
		if errors.Is(err, store.ErrSessionNotFound) {
			continue
		}

		return problems, err
	}

	return problems, nil
}

func insufficient(balance, needed int64) *rejection.Rejection {
	return rejection.New(rejection.InsufficientCredit, fmt.Sprintf("balance %d, need %d", balance, needed))
}
