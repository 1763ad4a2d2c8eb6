package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/creditgate/internal/logger"
)

// SweepCmd runs a single TTL sweep, for deployments that schedule cleanup
// outside the server process.
type SweepCmd struct {
	Core CoreFlags `embed:""`
}

func (c *SweepCmd) Run(ctx context.Context, globals *Globals) error {
	logger.Setup(globals.Debug)

	core, err := c.Core.open(ctx)
	if err != nil {
		return err
	}
	defer core.Close()

	res, err := core.sweeper(0).Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	log.Info().
		Int("reservations", res.Reservations).
		Int("windows", res.Windows).
		Int("login_attempts", res.LoginAttempts).
		Msg("Sweep finished")

	return nil
}
