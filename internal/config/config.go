// Package config defines the top-level configuration for the yield agent and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by YIELDAGENT_* environment
// variables.
type Config struct {
	Chain     ChainConfig     `toml:"chain"`
	Bundler   BundlerConfig   `toml:"bundler"`
	Oracle    OracleConfig    `toml:"oracle"`
	Engine    EngineConfig    `toml:"engine"`
	Sessions  SessionsConfig  `toml:"sessions"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ChainConfig holds RPC endpoints and well-known contract addresses.
type ChainConfig struct {
	RPCURLs        []string `toml:"rpc_urls"`
	ChainID        int64    `toml:"chain_id"`
	StableAsset    string   `toml:"stable_asset"`    // ERC-20 the agent manages
	DelegationImpl string   `toml:"delegation_impl"` // delegated-execution implementation contract
	AaveVault      string   `toml:"aave_vault"`
	CompoundVault  string   `toml:"compound_vault"`
	MorphoVault    string   `toml:"morpho_vault"`
}

// BundlerConfig holds the sponsored-transaction relay parameters.
type BundlerConfig struct {
	URL            string   `toml:"url"`
	SponsorID      string   `toml:"sponsor_id"`
	ReceiptTimeout duration `toml:"receipt_timeout"`
	PollInterval   duration `toml:"poll_interval"`
}

// OracleConfig holds the safety-gate feed addresses and thresholds.
type OracleConfig struct {
	SequencerFeed  string   `toml:"sequencer_feed"`
	PriceFeed      string   `toml:"price_feed"`
	GracePeriod    duration `toml:"grace_period"`
	Heartbeat      duration `toml:"heartbeat"`
	DepegThreshold float64  `toml:"depeg_threshold"` // fraction, e.g. 0.005
}

// EngineConfig holds decision-engine parameters.
type EngineConfig struct {
	// CostModel selects the cost strategy: "sponsored" (gas paid by the
	// relay; slippage legs only) or "gas_inclusive" (adds a fixed USD gas
	// estimate as a fraction of the transacted amount).
	CostModel       string  `toml:"cost_model"`
	MinImprovement  float64 `toml:"min_improvement"`  // APY fraction, default 0.005
	SlippageRate    float64 `toml:"slippage_rate"`    // per leg, default 0.001
	ExitBuffer      float64 `toml:"exit_buffer"`      // redemption-preview rounding buffer
	GasEstimateUSD  float64 `toml:"gas_estimate_usd"` // gas_inclusive model only
}

// SessionsConfig holds session-lifecycle parameters.
type SessionsConfig struct {
	// EncryptionPassword derives the AES key that protects session signing
	// material at rest. Required for agent/server/full modes.
	EncryptionPassword string `toml:"encryption_password"`
	// AllowLegacySudo permits pre-existing sessions with no approved-vault
	// list to fall back to an unrestricted capability. Deprecated; off by
	// default and logged loudly when exercised.
	AllowLegacySudo bool `toml:"allow_legacy_sudo"`
}

// SchedulerConfig holds the autonomous-loop parameters.
type SchedulerConfig struct {
	Enabled       bool     `toml:"enabled"`
	Cron          string   `toml:"cron"` // robfig/cron spec, e.g. "0 */6 * * *"
	TriggerSecret string   `toml:"trigger_secret"`
	LockTTL       duration `toml:"lock_ttl"`
	UserTimeout   duration `toml:"user_timeout"`
	MaxParallel   int      `toml:"max_parallel"`
	Simulation    bool     `toml:"simulation"`
	ArchiveCron   string   `toml:"archive_cron"`
	RetentionDays int      `toml:"retention_days"`
}

// RateLimitConfig holds the user-transfer limiter parameters.
type RateLimitConfig struct {
	MaxPerOpUSD float64  `toml:"max_per_op_usd"`
	MaxPerDay   int      `toml:"max_per_day"`
	Window      duration `toml:"window"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for audit archival.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	JWTSecret       string   `toml:"jwt_secret"`
	RateLimitRPS    int      `toml:"rate_limit_rps"` // per-IP requests per window; 0 disables
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURLs: []string{"https://mainnet.base.org"},
			ChainID: 8453,
		},
		Bundler: BundlerConfig{
			ReceiptTimeout: duration{2 * time.Minute},
			PollInterval:   duration{2 * time.Second},
		},
		Oracle: OracleConfig{
			GracePeriod:    duration{time.Hour},
			Heartbeat:      duration{24 * time.Hour},
			DepegThreshold: 0.005,
		},
		Engine: EngineConfig{
			CostModel:      "sponsored",
			MinImprovement: 0.005,
			SlippageRate:   0.001,
			ExitBuffer:     0.001,
			GasEstimateUSD: 0.50,
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			Cron:          "0 */6 * * *",
			LockTTL:       duration{5 * time.Minute},
			UserTimeout:   duration{3 * time.Minute},
			MaxParallel:   4,
			Simulation:    false,
			ArchiveCron:   "0 3 1 * *",
			RetentionDays: 90,
		},
		RateLimit: RateLimitConfig{
			MaxPerOpUSD: 500,
			MaxPerDay:   20,
			Window:      duration{24 * time.Hour},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "yieldagent-audit",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000"},
			RateLimitRPS:    120,
			RateLimitWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"rebalance", "unsafe_market"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"agent":   true,
	"server":  true,
	"monitor": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validCostModels enumerates the accepted values for Engine.CostModel.
var validCostModels = map[string]bool{
	"sponsored":     true,
	"gas_inclusive": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: agent, server, monitor, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain
	if len(c.Chain.RPCURLs) == 0 {
		errs = append(errs, "chain: at least one rpc_url must be set")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	needsExecution := c.Mode == "agent" || c.Mode == "full"
	if needsExecution {
		if c.Chain.StableAsset == "" {
			errs = append(errs, "chain: stable_asset must be set for mode "+c.Mode)
		}
		if c.Chain.DelegationImpl == "" {
			errs = append(errs, "chain: delegation_impl must be set for mode "+c.Mode)
		}
		if c.Bundler.URL == "" {
			errs = append(errs, "bundler: url must be set for mode "+c.Mode)
		}
		if c.Oracle.SequencerFeed == "" || c.Oracle.PriceFeed == "" {
			errs = append(errs, "oracle: sequencer_feed and price_feed must be set for mode "+c.Mode)
		}
	}

	// Sessions: the encryption password protects signing material at rest.
	if c.Mode != "monitor" && c.Sessions.EncryptionPassword == "" {
		errs = append(errs, "sessions: encryption_password must be set for mode "+c.Mode)
	}

	// Engine
	if !validCostModels[c.Engine.CostModel] {
		errs = append(errs, fmt.Sprintf("engine: unknown cost_model %q (valid: sponsored, gas_inclusive)", c.Engine.CostModel))
	}
	if c.Engine.MinImprovement < 0 {
		errs = append(errs, "engine: min_improvement must be >= 0")
	}
	if c.Engine.SlippageRate < 0 {
		errs = append(errs, "engine: slippage_rate must be >= 0")
	}

	// Scheduler
	if c.Scheduler.Enabled && needsExecution {
		if c.Scheduler.TriggerSecret == "" {
			errs = append(errs, "scheduler: trigger_secret must be set when the autonomous loop is enabled")
		}
		if c.Scheduler.LockTTL.Duration <= 0 {
			errs = append(errs, "scheduler: lock_ttl must be > 0")
		}
		if c.Scheduler.MaxParallel < 1 {
			errs = append(errs, "scheduler: max_parallel must be >= 1")
		}
	}

	// RateLimit
	if c.RateLimit.MaxPerOpUSD <= 0 {
		errs = append(errs, "rate_limit: max_per_op_usd must be > 0")
	}
	if c.RateLimit.MaxPerDay < 1 {
		errs = append(errs, "rate_limit: max_per_day must be >= 1")
	}
	if c.RateLimit.Window.Duration <= 0 {
		errs = append(errs, "rate_limit: window must be > 0")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Endpoint == "" {
		errs = append(errs, "s3: endpoint must not be empty")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.JWTSecret == "" && c.Mode != "monitor" {
			errs = append(errs, "server: jwt_secret must be set for user-facing endpoints in mode "+c.Mode)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
