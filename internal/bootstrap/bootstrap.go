// Package bootstrap provisions the DynamoDB tables used by the shared
// rate-limit backend against a local endpoint.
package bootstrap

import (
	"context"
	"fmt"
)

// Bootstrap creates the rate limit table, reusing an existing one unless
// CleanResources is set.
func Bootstrap(ctx context.Context, cfg Config) (*Resources, error) {
	if cfg.DynamoClient == nil {
		return nil, fmt.Errorf("DynamoClient is required")
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}

	resources := &Resources{}

	table, err := CreateRateLimitTable(ctx, cfg.DynamoClient, cfg.Environment, cfg.CleanResources)
	if err != nil {
		return nil, fmt.Errorf("failed to create DynamoDB tables: %w", err)
	}
	resources.TableNames.RateLimits = table

	return resources, nil
}

// Cleanup deletes all tables created by Bootstrap.
func Cleanup(ctx context.Context, cfg Config, res *Resources) error {
	if err := deleteTableIfExists(ctx, cfg.DynamoClient, res.TableNames.RateLimits); err != nil {
		return fmt.Errorf("failed to delete rate limit table: %w", err)
	}
	return nil
}

// RateLimitTableName returns the table name used for env.
func RateLimitTableName(env string) string {
	return fmt.Sprintf("%s_rate_limits", env)
}
