package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/creditgate/internal/logger"
)

// ReconcileCmd compares every cached session balance with its ledger.
type ReconcileCmd struct {
	Core CoreFlags `embed:""`
}

func (c *ReconcileCmd) Run(ctx context.Context, globals *Globals) error {
	logger.Setup(globals.Debug)

	core, err := c.Core.open(ctx)
	if err != nil {
		return err
	}
	defer core.Close()

	ids, err := core.stores.Sessions.ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	problems, err := core.ledger.Reconcile(ctx, ids)
	if err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}

	for _, p := range problems {
		log.Error().
			Str("session_id", p.SessionID).
			Int64("cached", p.Cached).
			Int64("ledger_sum", p.LedgerSum).
			Ints64("bad_checksums", p.BadChecksums).
			Msg("Ledger inconsistency")
	}

	log.Info().Int("sessions", len(ids)).Int("inconsistent", len(problems)).Msg("Reconcile finished")

	if len(problems) > 0 {
		return fmt.Errorf("%d of %d sessions are inconsistent", len(problems), len(ids))
	}

	return nil
}
