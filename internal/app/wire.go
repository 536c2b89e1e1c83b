package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	s3blob "github.com/stablefi/yieldagent/internal/blob/s3"
	"github.com/stablefi/yieldagent/internal/cache/redis"
	"github.com/stablefi/yieldagent/internal/config"
	"github.com/stablefi/yieldagent/internal/crypto"
	"github.com/stablefi/yieldagent/internal/domain"
	"github.com/stablefi/yieldagent/internal/engine"
	"github.com/stablefi/yieldagent/internal/execution"
	"github.com/stablefi/yieldagent/internal/notify"
	"github.com/stablefi/yieldagent/internal/oracle"
	"github.com/stablefi/yieldagent/internal/platform/bundler"
	"github.com/stablefi/yieldagent/internal/platform/defillama"
	"github.com/stablefi/yieldagent/internal/platform/ethrpc"
	"github.com/stablefi/yieldagent/internal/protocol"
	"github.com/stablefi/yieldagent/internal/ratelimit"
	"github.com/stablefi/yieldagent/internal/scheduler"
	"github.com/stablefi/yieldagent/internal/service"
	"github.com/stablefi/yieldagent/internal/session"
	"github.com/stablefi/yieldagent/internal/store/postgres"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Sessions domain.SessionStore
	Actions  domain.ActionStore
	Prefs    domain.PrefsStore

	// Coordination
	Locks          domain.LockManager
	Bus            domain.SignalBus
	RequestLimiter *redis.RequestLimiter
	OppCache       *redis.OpportunityCache

	// Chain + market
	Chain    *ethrpc.Client
	Registry *protocol.Registry
	Gate     *oracle.Gate

	// Agent core (nil in monitor mode)
	SessionManager *session.Manager
	Engine         *engine.Engine
	Builder        *execution.Builder
	Executor       *execution.Executor
	Limiter        *ratelimit.Limiter
	Runner         *scheduler.Runner
	Transfers      *service.TransferService

	// Archival (agent/full modes)
	Archiver *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// needsPostgres reports whether the mode requires persistence.
func needsPostgres(mode string) bool {
	return mode != "monitor"
}

// needsExecution reports whether the mode signs and submits operations.
func needsExecution(mode string) bool {
	return mode == "agent" || mode == "server" || mode == "full"
}

// needsS3 reports whether the mode archives the action log.
func needsS3(mode string) bool {
	return mode == "agent" || mode == "full"
}

// Wire constructs all concrete dependencies from the configuration and
// returns them with a cleanup function to be called on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// 1. PostgreSQL.
	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Sessions = postgres.NewSessionStore(pool)
		deps.Actions = postgres.NewActionStore(pool)
		deps.Prefs = postgres.NewPrefsStore(pool)
	}

	// 2. Redis.
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Locks = redis.NewLockManager(redisClient)
	deps.Bus = redis.NewSignalBus(redisClient)
	deps.RequestLimiter = redis.NewRequestLimiter(redisClient)
	deps.OppCache = redis.NewOpportunityCache(redisClient)

	// 3. Chain access and market data.
	deps.Chain = ethrpc.NewClient(cfg.Chain.RPCURLs)
	yields := defillama.NewClient()

	adapters := []protocol.Adapter{}
	if cfg.Chain.AaveVault != "" {
		adapters = append(adapters, protocol.NewAaveV3(cfg.Chain.AaveVault, "Base", "USDC", deps.Chain, yields))
	}
	if cfg.Chain.CompoundVault != "" {
		adapters = append(adapters, protocol.NewCompoundV3(cfg.Chain.CompoundVault, "Base", "USDC", deps.Chain, yields))
	}
	if cfg.Chain.MorphoVault != "" {
		adapters = append(adapters, protocol.NewMorpho(cfg.Chain.MorphoVault, "Base", "USDC", deps.Chain, yields))
	}
	deps.Registry = protocol.NewRegistry(deps.Chain, cfg.Chain.StableAsset, adapters, logger)

	deps.Gate = oracle.NewGate(deps.Chain, oracle.GateOpts{
		SequencerFeed:  cfg.Oracle.SequencerFeed,
		PriceFeed:      cfg.Oracle.PriceFeed,
		GracePeriod:    cfg.Oracle.GracePeriod.Duration,
		Heartbeat:      cfg.Oracle.Heartbeat.Duration,
		DepegThreshold: cfg.Oracle.DepegThreshold,
	}, logger)

	// 4. Notifications.
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	if !needsExecution(cfg.Mode) {
		return deps, cleanup, nil
	}

	// 5. Execution stack: key protection, sessions, builder, executor.
	box, err := crypto.NewSecretBox(cfg.Sessions.EncryptionPassword)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: secretbox: %w", err)
	}

	deps.SessionManager = session.NewManager(deps.Sessions, box, deps.Chain, session.ManagerOpts{
		ChainID:         cfg.Chain.ChainID,
		StableAsset:     cfg.Chain.StableAsset,
		AllowLegacySudo: cfg.Sessions.AllowLegacySudo,
	}, logger)

	relay := bundler.NewClient(cfg.Bundler.URL, cfg.Bundler.SponsorID)
	deps.Builder = execution.NewBuilder(cfg.Chain.StableAsset)
	deps.Executor = execution.NewExecutor(deps.Chain, relay, box, execution.ExecutorOpts{
		ChainID:        cfg.Chain.ChainID,
		ReceiptTimeout: cfg.Bundler.ReceiptTimeout.Duration,
		PollInterval:   cfg.Bundler.PollInterval.Duration,
		Simulation:     cfg.Scheduler.Simulation,
	}, logger)

	// 6. Decision engine.
	var cost engine.CostModel
	switch cfg.Engine.CostModel {
	case "gas_inclusive":
		cost = engine.GasCostModel{
			Sponsored: engine.SponsoredCostModel{
				SlippageRate: cfg.Engine.SlippageRate,
				ExitBuffer:   cfg.Engine.ExitBuffer,
			},
			GasEstimateUSD: cfg.Engine.GasEstimateUSD,
		}
	default:
		cost = engine.SponsoredCostModel{
			SlippageRate: cfg.Engine.SlippageRate,
			ExitBuffer:   cfg.Engine.ExitBuffer,
		}
	}
	deps.Engine = engine.New(cost, cfg.Engine.MinImprovement, logger)

	// 7. Fund-movement limiter on the Redis ledger.
	deps.Limiter = ratelimit.NewLimiter(redis.NewOpLedger(redisClient), ratelimit.Limits{
		MaxPerOpUSD: decimal.NewFromFloat(cfg.RateLimit.MaxPerOpUSD),
		MaxPerDay:   cfg.RateLimit.MaxPerDay,
		Window:      cfg.RateLimit.Window.Duration,
	}, logger)

	// 8. Scheduler runner.
	deps.Runner = scheduler.NewRunner(
		deps.Prefs,
		deps.Actions,
		deps.SessionManager,
		deps.Registry,
		deps.Engine,
		deps.Gate,
		deps.Builder,
		deps.Executor,
		deps.Limiter,
		deps.Locks,
		deps.Bus,
		deps.Notifier,
		scheduler.Opts{
			LockTTL:     cfg.Scheduler.LockTTL.Duration,
			UserTimeout: cfg.Scheduler.UserTimeout.Duration,
			MaxParallel: cfg.Scheduler.MaxParallel,
		},
		logger,
	)

	// 9. User transfer flow.
	deps.Transfers = service.NewTransferService(
		deps.SessionManager,
		deps.Limiter,
		deps.Builder,
		deps.Executor,
		deps.Actions,
		deps.Bus,
		logger,
	)

	// 10. S3 archiver.
	if needsS3(cfg.Mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.Actions, logger)
	}

	return deps, cleanup, nil
}
