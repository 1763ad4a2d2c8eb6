package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/creditgate/internal/audit"
	"github.com/wolfeidau/creditgate/internal/config"
	"github.com/wolfeidau/creditgate/internal/ledger"
	"github.com/wolfeidau/creditgate/internal/pricing"
	"github.com/wolfeidau/creditgate/internal/store"
	awsstore "github.com/wolfeidau/creditgate/internal/store/aws"
	memorystore "github.com/wolfeidau/creditgate/internal/store/memory"
	postgresstore "github.com/wolfeidau/creditgate/internal/store/postgres"
	"github.com/wolfeidau/creditgate/internal/sweeper"
)

type Globals struct {
	Debug   bool
	Version string
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      time.Minute,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}
}

// CoreFlags are shared by every command that touches the ledger.
type CoreFlags struct {
	Policy string `help:"path to the YAML policy file" default:"" env:"CREDITGATE_POLICY"`

	StoreType string        `help:"store type (memory or postgres)" default:"memory" env:"CREDITGATE_STORE_TYPE" enum:"memory,postgres"`
	Postgres  PostgresFlags `embed:"" prefix:"postgres-"`
	AWS       AWSFlags      `embed:"" prefix:"aws-"`
	SQLite    SQLiteFlags   `embed:"" prefix:"sqlite-"`
}

type PostgresFlags struct {
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32         `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32         `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`

	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"CREDITGATE_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresFlags) Validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	if s.MinConns > s.MaxConns {
		return fmt.Errorf("--postgres-min-conns (%d) must not exceed --postgres-max-conns (%d)", s.MinConns, s.MaxConns)
	}
	return nil
}

// AWSFlags select DynamoDB as the shared rate limit backend. The other stores
// stay on the configured store type.
type AWSFlags struct {
	RateLimitTable      string `help:"DynamoDB table for rate limit windows, empty keeps windows in the main store" default:"" env:"CREDITGATE_AWS_RATE_LIMIT_TABLE"`
	DynamoDBEndpointURL string `help:"DynamoDB endpoint URL override (for DynamoDB Local)" default:"" env:"CREDITGATE_AWS_DYNAMODB_ENDPOINT_URL"`

	// local is set once a development table was bootstrapped
	local bool
}

func (s *AWSFlags) Validate() error {
	if s.DynamoDBEndpointURL != "" && s.RateLimitTable == "" {
		return errors.New("DynamoDB endpoint given without a table (--aws-rate-limit-table or CREDITGATE_AWS_RATE_LIMIT_TABLE)")
	}
	return nil
}

type SQLiteFlags struct {
	AuditDB       string `help:"path to the admin spend audit database, empty keeps it in memory" default:"" env:"CREDITGATE_SQLITE_AUDIT_DB"`
	RetentionDays int    `help:"days of admin spend audit records to keep, 0 keeps everything" default:"90" env:"CREDITGATE_SQLITE_RETENTION_DAYS"`
}

func (s *SQLiteFlags) Validate() error {
	if s.RetentionDays < 0 {
		return errors.New("audit retention days must not be negative")
	}
	return nil
}

// core holds the components every command shares.
type core struct {
	policy    *config.Policy
	stores    store.Stores
	audit     *audit.Log
	estimator *pricing.Estimator
	ledger    *ledger.Service

	closers []func()
}

func (c *core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func (f *CoreFlags) open(ctx context.Context) (*core, error) {
	policy, err := config.LoadPolicy(f.Policy)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}

	c := &core{policy: policy}

	stores, closeStores, err := f.openStores(ctx)
	if err != nil {
		return nil, err
	}
	c.stores = stores
	c.closers = append(c.closers, closeStores)

	auditLog, err := audit.Open(audit.Config{DBPath: f.SQLite.AuditDB, RetentionDays: f.SQLite.RetentionDays})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	c.audit = auditLog
	c.closers = append(c.closers, func() {
		if err := auditLog.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close audit log")
		}
	})

	c.estimator = pricing.NewEstimator(policy.Pricing)

	c.ledger, err = ledger.NewService(stores.Ledger, ledger.Options{
		CreditValue:    c.estimator.CreditValue(),
		ReservationTTL: policy.Spend.ReservationTTL,
		Audit:          auditLog,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create ledger: %w", err)
	}

	return c, nil
}

func (f *CoreFlags) openStores(ctx context.Context) (store.Stores, func(), error) {
	var (
		stores store.Stores
		closer = func() {}
	)

	switch f.StoreType {
	case "postgres":
		if err := f.Postgres.Validate(); err != nil {
			return store.Stores{}, nil, fmt.Errorf("failed to validate postgres flags: %w", err)
		}

		pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
			ConnString:      f.Postgres.ConnString,
			MaxConns:        f.Postgres.MaxConns,
			MinConns:        f.Postgres.MinConns,
			MaxConnLifetime: f.Postgres.MaxConnLifetime,
			MaxConnIdleTime: f.Postgres.MaxConnIdleTime,
			AutoMigrate:     f.Postgres.AutoMigrate,
		})
		if err != nil {
			return store.Stores{}, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		stores = postgresstore.NewStores(pool)
		closer = pool.Close
		log.Info().Msg("Using PostgreSQL stores")

	default:
		stores = memorystore.NewStores()
		log.Info().Msg("Using in-memory stores")
	}

	if err := f.AWS.Validate(); err != nil {
		closer()
		return store.Stores{}, nil, fmt.Errorf("failed to validate aws flags: %w", err)
	}
	if f.AWS.RateLimitTable != "" {
		client, err := newDynamoClient(ctx, f.AWS.DynamoDBEndpointURL, f.AWS.local)
		if err != nil {
			closer()
			return store.Stores{}, nil, err
		}
		stores.RateLimits = awsstore.NewRateLimitStore(client, f.AWS.RateLimitTable)
		log.Info().Str("table", f.AWS.RateLimitTable).Msg("Using DynamoDB rate limit store")
	}

	return stores, closer, nil
}

func (c *core) sweeper(interval time.Duration) *sweeper.Sweeper {
	return sweeper.New(c.ledger, c.stores.RateLimits, c.stores.LoginAttempts, sweeper.Config{
		Interval:        interval,
		WindowRetention: longestWindow(c.policy),
		LoginIdle:       c.policy.Lockout.IdleReset,
	})
}

func longestWindow(policy *config.Policy) time.Duration {
	var longest time.Duration
	for _, rule := range policy.RateLimits {
		longest = max(longest, rule.Window)
	}
	return longest
}

// newDynamoClient loads the default AWS config. Local endpoints get static
// credentials so no real account is needed.
func newDynamoClient(ctx context.Context, endpoint string, local bool) (*dynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if local {
		opts = append(opts,
			awsconfig.WithRegion("us-east-1"),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
		)
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return dynamodb.NewFromConfig(awsConfig, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}
