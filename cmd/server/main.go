package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/creditgate/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug     bool `help:"Enable debug mode."`
		Version   kong.VersionFlag
		Serve     commands.ServeCmd     `cmd:"" default:"1" help:"Start the API server"`
		Sweep     commands.SweepCmd     `cmd:"" help:"Run one TTL sweep of reservations, rate limit windows and login attempts"`
		Reconcile commands.ReconcileCmd `cmd:"" help:"Verify cached balances and entry checksums against the ledger"`
		Bootstrap commands.BootstrapCmd `cmd:"" help:"Create the DynamoDB rate limit table on a local endpoint"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("creditgate"),
		kong.Description("Session trust and credit metering for anonymous AI generation."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
