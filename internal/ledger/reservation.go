package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/creditgate/internal/audit"
	"github.com/wolfeidau/creditgate/internal/models"
	"github.com/wolfeidau/creditgate/internal/rejection"
	"github.com/wolfeidau/creditgate/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Charge is a reservation request: the credits to hold for a generation.
type Charge struct {
	ModelID string
	Credits int64
}

// ReserveResult is the outcome of Reserve.
type ReserveResult struct {
	Reservation *models.Reservation
	Balance     int64
	Spend       SpendResult
	Rejection   *rejection.Rejection
}

// SettleResult is the outcome of Settle or Release.
type SettleResult struct {
	Reservation *models.Reservation
	Balance     int64
	Charged     int64 // extra credits debited at settlement
	Refunded    int64
}

// Reserve checks the daily cap, debits the charge and records an open
// reservation in one critical section. Admin sessions are not debited; the
// reservation is still recorded so it can be settled or released.
func (s *Service) Reserve(ctx context.Context, sessionID string, charge Charge) (ReserveResult, error) {
	if charge.Credits <= 0 {
		return ReserveResult{}, fmt.Errorf("%w: reserve of %d credits", ErrInvalidAmount, charge.Credits)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return ReserveResult{}, fmt.Errorf("failed to generate reservation id: %w", err)
	}

	cost := s.ChargedValue(charge.Credits)
	var res ReserveResult

	err = s.ledger.WithSession(ctx, sessionID, func(tx store.LedgerTx) error {
		session := tx.Session()
		now := s.now()

		r := &models.Reservation{
			ID:        id.String(),
			SessionID: session.ID,
			ModelID:   charge.ModelID,
			State:     models.ReservationReserved,
			Credits:   charge.Credits,
			Cost:      cost,
			CreatedAt: now,
			ExpiresAt: now.Add(s.reservationTTL),
		}

		if session.IsAdmin() {
			r.Admin = true
			res = ReserveResult{Reservation: r, Balance: session.CreditBalance, Spend: s.adminSpend(session)}

			if err := tx.PutReservation(r); err != nil {
				return err
			}
			return s.recordAdmin(ctx, audit.Entry{
				SessionID:     session.ID,
				ReservationID: r.ID,
				ModelID:       r.ModelID,
				Kind:          audit.KindReserve,
				Credits:       r.Credits,
				Cost:          cost,
			})
		}

		spend, err := s.chargeSpend(tx, cost)
		if err != nil {
			return err
		}
		res.Spend = spend
		if spend.Rejection != nil {
			res.Rejection = spend.Rejection
			return errRejected
		}

		balance, _, rej, err := s.append(tx, -charge.Credits, models.ReasonGeneration, Meta{
			ModelID:      charge.ModelID,
			Cost:         cost,
			GenerationID: r.ID,
		})
		if err != nil {
			return err
		}
		if rej != nil {
			res.Rejection = rej
			res.Balance = balance
			return errRejected
		}

		res.Reservation = r
		res.Balance = balance

		return tx.PutReservation(r)
	})
	if err != nil && !errors.Is(err, errRejected) {
		return ReserveResult{}, fmt.Errorf("failed to reserve credits: %w", err)
	}

	if res.Rejection != nil {
		return res, nil
	}

	s.countReservation(ctx, models.ReservationReserved)

	log.Debug().
		Str("session_id", sessionID).
		Str("reservation_id", res.Reservation.ID).
		Int64("credits", charge.Credits).
		Bool("admin", res.Reservation.Admin).
		Msg("Credits reserved")

	return res, nil
}

// Settle closes a reservation with the actual credit cost. A lower actual
// refunds the difference; a higher actual debits the extra, clamped to the
// available balance, and counts it toward daily spend without re-checking the
// cap because the generation has already happened.
func (s *Service) Settle(ctx context.Context, reservationID string, actualCredits int64) (SettleResult, error) {
	if actualCredits < 0 {
		return SettleResult{}, fmt.Errorf("%w: settle of %d credits", ErrInvalidAmount, actualCredits)
	}

	return s.close(ctx, reservationID, func(tx store.LedgerTx, r *models.Reservation) (SettleResult, error) {
		res := SettleResult{Balance: tx.Session().CreditBalance}
		r.State = models.ReservationSettled

		if r.Admin {
			r.SettledCredit = actualCredits
			return res, s.recordAdmin(ctx, audit.Entry{
				SessionID:     r.SessionID,
				ReservationID: r.ID,
				ModelID:       r.ModelID,
				Kind:          audit.KindSettle,
				Credits:       actualCredits,
				Cost:          s.ChargedValue(actualCredits) - r.Cost,
			})
		}

		diff := actualCredits - r.Credits

		switch {
		case diff < 0:
			balance, _, _, err := s.append(tx, -diff, models.ReasonRefund, Meta{ModelID: r.ModelID, GenerationID: r.ID})
			if err != nil {
				return res, err
			}
			res.Balance = balance
			res.Refunded = -diff
			r.SettledCredit = actualCredits

		case diff > 0:
			extra := min(diff, res.Balance)
			r.SettledCredit = r.Credits + extra

			if extra > 0 {
				cost := s.ChargedValue(extra)
				balance, _, _, err := s.append(tx, -extra, models.ReasonGeneration, Meta{ModelID: r.ModelID, Cost: cost, GenerationID: r.ID})
				if err != nil {
					return res, err
				}
				if err := s.addSpend(tx, cost); err != nil {
					return res, err
				}
				res.Balance = balance
				res.Charged = extra
			}

			if extra < diff {
				log.Warn().
					Str("reservation_id", r.ID).
					Int64("uncollected", diff-extra).
					Msg("Settlement exceeded available balance")
			}

		default:
			r.SettledCredit = actualCredits
		}

		return res, nil
	})
}

// Release closes a reservation without charging it: the reserved credits are
// refunded in full. Daily spend is gross and is not reduced.
func (s *Service) Release(ctx context.Context, reservationID, reason string) (SettleResult, error) {
	return s.close(ctx, reservationID, func(tx store.LedgerTx, r *models.Reservation) (SettleResult, error) {
		res := SettleResult{Balance: tx.Session().CreditBalance}
		r.State = models.ReservationReleased

		if r.Admin {
			return res, s.recordAdmin(ctx, audit.Entry{
				SessionID:     r.SessionID,
				ReservationID: r.ID,
				ModelID:       r.ModelID,
				Kind:          audit.KindRelease,
				Cost:          -r.Cost,
			})
		}

		balance, _, _, err := s.append(tx, r.Credits, models.ReasonRefund, Meta{ModelID: r.ModelID, GenerationID: r.ID})
		if err != nil {
			return res, err
		}
		res.Balance = balance
		res.Refunded = r.Credits

		log.Debug().Str("reservation_id", r.ID).Str("reason", reason).Msg("Reservation released")

		return res, nil
	})
}

// ReleaseExpired releases reservations still open after their expiry. It
// returns how many were released.
func (s *Service) ReleaseExpired(ctx context.Context, limit int) (int, error) {
	expired, err := s.ledger.ListExpiredReservations(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired reservations: %w", err)
	}

	released := 0
	for _, r := range expired {
		_, err := s.Release(ctx, r.ID, "expired")
		if err != nil {
			if errors.Is(err, store.ErrReservationClosed) {
				continue
			}
			return released, err
		}
		released++
	}

	return released, nil
}

type closeFunc func(tx store.LedgerTx, r *models.Reservation) (SettleResult, error)

func (s *Service) close(ctx context.Context, reservationID string, fn closeFunc) (SettleResult, error) {
	owner, err := s.ledger.FindReservation(ctx, reservationID)
	if err != nil {
		return SettleResult{}, fmt.Errorf("failed to find reservation %s: %w", reservationID, err)
	}

	var res SettleResult

	err = s.ledger.WithSession(ctx, owner.SessionID, func(tx store.LedgerTx) error {
		r, err := tx.Reservation(reservationID)
		if err != nil {
			return err
		}
		if r.State != models.ReservationReserved {
			return store.ErrReservationClosed
		}

		res, err = fn(tx, r)
		if err != nil {
			return err
		}

		closedAt := s.now()
		r.ClosedAt = &closedAt
		res.Reservation = r

		return tx.PutReservation(r)
	})
	if err != nil {
		return SettleResult{}, fmt.Errorf("failed to close reservation %s: %w", reservationID, err)
	}

	s.countReservation(ctx, res.Reservation.State)

	return res, nil
}

func (s *Service) countReservation(ctx context.Context, state models.ReservationState) {
	s.metrics.ReservationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(state))))
}

// Reservation returns a reservation by id.
func (s *Service) Reservation(ctx context.Context, reservationID string) (*models.Reservation, error) {
	return s.ledger.FindReservation(ctx, reservationID)
}
