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
)

// SpendResult is the outcome of a daily cap check.
type SpendResult struct {
	Allowed    bool
	Admin      bool
	DailySpend models.Micros // after the charge when allowed
	Limit      models.Micros
	ResetAt    time.Time // start of the UTC day DailySpend belongs to
	Rejection  *rejection.Rejection
}

// Remaining returns the spend left before the cap.
func (r SpendResult) Remaining() models.Micros {
	if r.DailySpend >= r.Limit {
		return 0
	}
	return r.Limit - r.DailySpend
}

// CheckAndReserveSpend counts cost toward the session's daily spend when it
// fits under the cap. Admin sessions bypass the cap; the bypass is recorded
// in the audit log and their daily spend is left unchanged.
func (s *Service) CheckAndReserveSpend(ctx context.Context, sessionID string, cost models.Micros) (SpendResult, error) {
	if cost < 0 {
		return SpendResult{}, fmt.Errorf("%w: negative cost %s", ErrInvalidAmount, cost)
	}

	var res SpendResult

	err := s.ledger.WithSession(ctx, sessionID, func(tx store.LedgerTx) error {
		session := tx.Session()

		if session.IsAdmin() {
			res = s.adminSpend(session)
			return s.recordAdmin(ctx, audit.Entry{
				SessionID: session.ID,
				Kind:      audit.KindReserve,
				Cost:      cost,
			})
		}

		var err error
		res, err = s.chargeSpend(tx, cost)
		if err != nil {
			return err
		}
		if res.Rejection != nil {
			return errRejected
		}
		return nil
	})
	if err != nil && !errors.Is(err, errRejected) {
		return SpendResult{}, fmt.Errorf("failed to check spend: %w", err)
	}

	return res, nil
}

// chargeSpend rolls the daily spend over when a new UTC day has started and
// adds cost when the result stays within the limit.
func (s *Service) chargeSpend(tx store.LedgerTx, cost models.Micros) (SpendResult, error) {
	now := s.now()
	session := tx.Session()

	spend, resetAt := rollover(session, now)
	limit := limitOf(session)

	res := SpendResult{
		DailySpend: spend,
		Limit:      limit,
		ResetAt:    resetAt,
	}

	if spend+cost > limit {
		res.Rejection = rejection.WithRetry(rejection.SpendCapExceeded, untilNextDay(now),
			fmt.Sprintf("daily spend %s + %s exceeds limit %s", spend, cost, limit))

		log.Debug().
			Str("session_id", session.ID).
			Stringer("daily_spend", spend).
			Stringer("cost", cost).
			Stringer("limit", limit).
			Msg("Daily spend cap exceeded")

		return res, nil
	}

	res.Allowed = true
	res.DailySpend = spend + cost

	if err := tx.SaveSpend(res.DailySpend, resetAt); err != nil {
		return SpendResult{}, err
	}

	if cost > 0 {
		s.metrics.SpendMicrosTotal.Add(context.Background(), int64(cost))
	}

	return res, nil
}

// addSpend adds cost without a cap check, after rolling the day over.
func (s *Service) addSpend(tx store.LedgerTx, cost models.Micros) error {
	spend, resetAt := rollover(tx.Session(), s.now())

	if err := tx.SaveSpend(spend+cost, resetAt); err != nil {
		return err
	}

	if cost > 0 {
		s.metrics.SpendMicrosTotal.Add(context.Background(), int64(cost))
	}

	return nil
}

// SpendStatus reports the daily spend of session as of now without changing
// it. A spend from a previous UTC day reads as zero.
func (s *Service) SpendStatus(session *models.Session) SpendResult {
	spend, resetAt := rollover(session, s.now())
	return SpendResult{
		Allowed:    session.IsAdmin() || spend < limitOf(session),
		Admin:      session.IsAdmin(),
		DailySpend: spend,
		Limit:      limitOf(session),
		ResetAt:    resetAt,
	}
}

func (s *Service) adminSpend(session *models.Session) SpendResult {
	spend, resetAt := rollover(session, s.now())
	return SpendResult{
		Allowed:    true,
		Admin:      true,
		DailySpend: spend,
		Limit:      limitOf(session),
		ResetAt:    resetAt,
	}
}

func (s *Service) recordAdmin(ctx context.Context, entry audit.Entry) error {
	entry.CreatedAt = s.now()

	if err := s.audit.Record(ctx, entry); err != nil {
		log.Error().Err(err).Str("session_id", entry.SessionID).Msg("Failed to record admin spend")
		return fmt.Errorf("failed to record admin spend: %w", err)
	}

	if entry.Cost > 0 {
		s.metrics.AdminSpendTotal.Add(ctx, int64(entry.Cost))
	}

	return nil
}

// rollover returns the daily spend that applies at now: zero when the stored
// reset time is before the start of the current UTC day.
func rollover(session *models.Session, now time.Time) (models.Micros, time.Time) {
	dayStart := models.DayStart(now)
	if session.DailyResetAt.Before(dayStart) {
		return 0, dayStart
	}
	return session.DailySpend, session.DailyResetAt
}

func limitOf(session *models.Session) models.Micros {
	if session.DailySpendLimit <= 0 {
		return models.DefaultDailySpendLimit
	}
	return session.DailySpendLimit
}

func untilNextDay(now time.Time) time.Duration {
	return models.DayStart(now).Add(24 * time.Hour).Sub(now)
}
