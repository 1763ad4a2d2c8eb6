package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/creditgate/internal/bootstrap"
	"github.com/wolfeidau/creditgate/internal/logger"
)

const localDynamoDBEndpoint = "http://localhost:4101"

// BootstrapCmd provisions the DynamoDB rate limit table on a local endpoint.
type BootstrapCmd struct {
	Environment string `help:"environment prefix for table names" default:"dev" env:"CREDITGATE_ENVIRONMENT"`
	Endpoint    string `help:"DynamoDB endpoint URL" default:"http://localhost:4101" env:"CREDITGATE_AWS_DYNAMODB_ENDPOINT_URL"`
	Clean       bool   `help:"delete existing tables first (deletes all counters)" default:"false"`
	Teardown    bool   `help:"delete the tables instead of creating them" default:"false"`
}

func (c *BootstrapCmd) Run(ctx context.Context, globals *Globals) error {
	logger.Setup(globals.Debug)

	dynamo, err := newDynamoClient(ctx, c.Endpoint, true)
	if err != nil {
		return err
	}

	cfg := bootstrap.Config{
		DynamoClient:   dynamo,
		Environment:    c.Environment,
		CleanResources: c.Clean,
	}

	if c.Teardown {
		res := &bootstrap.Resources{}
		res.TableNames.RateLimits = bootstrap.RateLimitTableName(c.Environment)
		if err := bootstrap.Cleanup(ctx, cfg, res); err != nil {
			return fmt.Errorf("failed to delete tables: %w", err)
		}
		log.Info().Str("rate_limit_table", res.TableNames.RateLimits).Msg("Tables deleted")
		return nil
	}

	res, err := bootstrap.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}

	log.Info().Str("rate_limit_table", res.TableNames.RateLimits).Msg("Tables ready")

	return nil
}
