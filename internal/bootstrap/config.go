package bootstrap

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// Config holds configuration for provisioning local development tables.
type Config struct {
	DynamoClient *dynamodb.Client

	// Environment prefixes table names, e.g. "dev" gives "dev_rate_limits".
	Environment string

	// CleanResources deletes existing tables first. Leave it off to keep
	// counters across restarts during development.
	CleanResources bool
}

// Resources holds the names of provisioned tables.
type Resources struct {
	TableNames struct {
		RateLimits string
	}
}
