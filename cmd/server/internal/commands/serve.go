package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/creditgate/internal/bootstrap"
	"github.com/wolfeidau/creditgate/internal/client"
	"github.com/wolfeidau/creditgate/internal/clientip"
	"github.com/wolfeidau/creditgate/internal/config"
	"github.com/wolfeidau/creditgate/internal/logger"
	"github.com/wolfeidau/creditgate/internal/models"
	"github.com/wolfeidau/creditgate/internal/pricing"
	"github.com/wolfeidau/creditgate/internal/ratelimit"
	"github.com/wolfeidau/creditgate/internal/server"
	"github.com/wolfeidau/creditgate/internal/session"
	"github.com/wolfeidau/creditgate/internal/telemetry"
	"golang.org/x/crypto/bcrypt"
)

const minSettlementTokenLen = 32

type ServeCmd struct {
	Listen      string   `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"CREDITGATE_LISTEN"`
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"http://localhost:3000" env:"CREDITGATE_CORS_ORIGINS"`

	SessionTTL    time.Duration `help:"session token lifetime" default:"8760h" env:"CREDITGATE_SESSION_TTL"`
	SecureCookies bool          `help:"mark cookies Secure (disable only for plain HTTP development)" default:"true" env:"CREDITGATE_SECURE_COOKIES" negatable:""`

	AdminPassphraseHash string `help:"bcrypt hash of the admin passphrase, empty disables admin login" default:"" env:"CREDITGATE_ADMIN_PASSPHRASE_HASH"`
	SettlementToken     string `help:"bearer token the generation orchestrator presents to settle and release reservations, empty disables settlement" default:"" env:"CREDITGATE_SETTLEMENT_TOKEN"`

	CatalogCacheDir string `help:"directory for the pricing catalog HTTP cache, empty keeps it in memory" default:"" env:"CREDITGATE_CATALOG_CACHE_DIR"`

	SweepInterval time.Duration `help:"interval between TTL sweeps" default:"1m" env:"CREDITGATE_SWEEP_INTERVAL"`

	// Development and operational modes
	Development      bool    `help:"development mode - create the DynamoDB rate limit table on a local endpoint" default:"false" env:"CREDITGATE_DEVELOPMENT"`
	DevelopmentClean bool    `help:"clean resources on startup in development mode (deletes all counters)" default:"false" env:"CREDITGATE_DEVELOPMENT_CLEAN"`
	Tracing          bool    `help:"enable tracing" default:"false" env:"CREDITGATE_TRACING"`
	TraceSampleRatio float64 `help:"fraction of traces sampled" default:"1" env:"CREDITGATE_TRACE_SAMPLE_RATIO"`

	Core CoreFlags `embed:""`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	requestLogger := logger.Setup(globals.Debug)

	log.Info().Str("version", globals.Version).Msg("Starting creditgate server")

	if c.Tracing {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "creditgate",
			Version:     globals.Version,
			SampleRatio: c.TraceSampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("Failed to shutdown telemetry")
				}
			}()
		}
	}

	env := config.OSEnv()

	secrets, err := config.ResolveSecrets(env)
	if err != nil {
		return fmt.Errorf("failed to resolve secrets: %w", err)
	}
	if secrets.BuildPhase {
		return errors.New("refusing to serve during a build phase, secrets were not validated")
	}
	log.Info().Str("ip_hash_source", string(secrets.IPHashSource)).Msg("Secrets resolved")

	var adminHash []byte
	if c.AdminPassphraseHash != "" {
		adminHash = []byte(c.AdminPassphraseHash)
		if _, err := bcrypt.Cost(adminHash); err != nil {
			return &config.ConfigurationError{Field: "CREDITGATE_ADMIN_PASSPHRASE_HASH", Reason: err.Error()}
		}
	}

	if c.SettlementToken != "" && len(c.SettlementToken) < minSettlementTokenLen {
		return &config.ConfigurationError{
			Field:  "CREDITGATE_SETTLEMENT_TOKEN",
			Reason: fmt.Sprintf("must be at least %d bytes", minSettlementTokenLen),
		}
	}
	if c.SettlementToken == "" {
		log.Warn().Msg("No settlement token configured, reservations are only closed by the TTL sweep")
	}

	if c.Development && c.Core.AWS.RateLimitTable == "" {
		if err := c.bootstrapLocal(ctx); err != nil {
			return err
		}
	}

	core, err := c.Core.open(ctx)
	if err != nil {
		return err
	}
	defer core.Close()

	trust, warnings, err := clientip.NewTrustPolicy(core.policy.Trust, env)
	if err != nil {
		return fmt.Errorf("invalid trust configuration: %w", err)
	}
	for _, w := range warnings {
		log.Warn().Str("warning", w).Msg("Trust configuration")
	}
	resolver := clientip.NewResolver(trust)

	limiter := ratelimit.NewLimiter(core.stores.RateLimits)
	lockout := ratelimit.NewTracker(core.stores.LoginAttempts, core.policy.Lockout)

	sessionOpts := session.Options{
		TTL:             c.SessionTTL,
		DailySpendLimit: models.MicrosFromUSD(core.policy.Spend.DailyLimitUSD),
		SecureCookies:   c.SecureCookies,
	}
	if rule, ok := core.policy.Rule(config.EndpointSession); ok {
		sessionOpts.BeforeCreate = server.SessionCreateGuard(limiter, rule)
	}

	sessions, err := session.NewManager(secrets, core.stores.Sessions, resolver, sessionOpts)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	log.Info().Str("kid", sessions.Kid()).Msg("Session signing key loaded")

	clientCfg := client.DefaultConfig()
	clientCfg.CacheDir = c.CatalogCacheDir

	catalog := pricing.NewCatalog(
		client.NewHTTPClient(clientCfg),
		core.policy.Pricing.CatalogURL,
		pricing.NewCache[string, pricing.Pricing](core.policy.Pricing.CatalogTTL),
	)

	srv := server.NewServer(server.Deps{
		Policy:              core.policy,
		Resolver:            resolver,
		Sessions:            sessions,
		Store:               core.stores.Sessions,
		Ledger:              core.ledger,
		Limiter:             limiter,
		Lockout:             lockout,
		Estimator:           core.estimator,
		ETA:                 pricing.NewETA(core.stores.ModelStats, core.policy.ETA),
		Catalog:             catalog,
		AdminPassphraseHash: adminHash,
		SettlementToken:     []byte(c.SettlementToken),
		CORSOrigins:         c.CORSOrigins,
		SecureCookies:       c.SecureCookies,
	})

	sw := core.sweeper(c.SweepInterval)
	sw.Start(ctx)
	defer sw.Stop()

	httpServer := configureHTTPServer(c.Listen, srv.Handler(requestLogger))

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Bool("admin", adminHash != nil).Msg("Starting HTTP server")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	return httpServer.Shutdown(shutdownCtx)
}

func (c *ServeCmd) bootstrapLocal(ctx context.Context) error {
	log.Info().Msg("Development mode enabled - setting up local DynamoDB rate limit table")

	endpoint := c.Core.AWS.DynamoDBEndpointURL
	if endpoint == "" {
		endpoint = localDynamoDBEndpoint
	}

	dynamo, err := newDynamoClient(ctx, endpoint, true)
	if err != nil {
		return err
	}

	resources, err := bootstrap.Bootstrap(ctx, bootstrap.Config{
		DynamoClient:   dynamo,
		Environment:    "dev",
		CleanResources: c.DevelopmentClean,
	})
	if err != nil {
		return fmt.Errorf("failed to bootstrap development infrastructure: %w", err)
	}

	c.Core.AWS.RateLimitTable = resources.TableNames.RateLimits
	c.Core.AWS.DynamoDBEndpointURL = endpoint
	c.Core.AWS.local = true

	log.Info().Str("rate_limit_table", resources.TableNames.RateLimits).Msg("Development infrastructure ready")

	return nil
}
