package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies YIELDAGENT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known YIELDAGENT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStringSlice(&cfg.Chain.RPCURLs, "YIELDAGENT_CHAIN_RPC_URLS")
	setInt64(&cfg.Chain.ChainID, "YIELDAGENT_CHAIN_ID")
	setStr(&cfg.Chain.StableAsset, "YIELDAGENT_CHAIN_STABLE_ASSET")
	setStr(&cfg.Chain.DelegationImpl, "YIELDAGENT_CHAIN_DELEGATION_IMPL")
	setStr(&cfg.Chain.AaveVault, "YIELDAGENT_CHAIN_AAVE_VAULT")
	setStr(&cfg.Chain.CompoundVault, "YIELDAGENT_CHAIN_COMPOUND_VAULT")
	setStr(&cfg.Chain.MorphoVault, "YIELDAGENT_CHAIN_MORPHO_VAULT")

	// ── Bundler ──
	setStr(&cfg.Bundler.URL, "YIELDAGENT_BUNDLER_URL")
	setStr(&cfg.Bundler.SponsorID, "YIELDAGENT_BUNDLER_SPONSOR_ID")
	setDuration(&cfg.Bundler.ReceiptTimeout, "YIELDAGENT_BUNDLER_RECEIPT_TIMEOUT")
	setDuration(&cfg.Bundler.PollInterval, "YIELDAGENT_BUNDLER_POLL_INTERVAL")

	// ── Oracle ──
	setStr(&cfg.Oracle.SequencerFeed, "YIELDAGENT_ORACLE_SEQUENCER_FEED")
	setStr(&cfg.Oracle.PriceFeed, "YIELDAGENT_ORACLE_PRICE_FEED")
	setDuration(&cfg.Oracle.GracePeriod, "YIELDAGENT_ORACLE_GRACE_PERIOD")
	setDuration(&cfg.Oracle.Heartbeat, "YIELDAGENT_ORACLE_HEARTBEAT")
	setFloat64(&cfg.Oracle.DepegThreshold, "YIELDAGENT_ORACLE_DEPEG_THRESHOLD")

	// ── Engine ──
	setStr(&cfg.Engine.CostModel, "YIELDAGENT_ENGINE_COST_MODEL")
	setFloat64(&cfg.Engine.MinImprovement, "YIELDAGENT_ENGINE_MIN_IMPROVEMENT")
	setFloat64(&cfg.Engine.SlippageRate, "YIELDAGENT_ENGINE_SLIPPAGE_RATE")
	setFloat64(&cfg.Engine.ExitBuffer, "YIELDAGENT_ENGINE_EXIT_BUFFER")
	setFloat64(&cfg.Engine.GasEstimateUSD, "YIELDAGENT_ENGINE_GAS_ESTIMATE_USD")

	// ── Sessions ──
	setStr(&cfg.Sessions.EncryptionPassword, "YIELDAGENT_SESSIONS_ENCRYPTION_PASSWORD")
	setBool(&cfg.Sessions.AllowLegacySudo, "YIELDAGENT_SESSIONS_ALLOW_LEGACY_SUDO")

	// ── Scheduler ──
	setBool(&cfg.Scheduler.Enabled, "YIELDAGENT_SCHEDULER_ENABLED")
	setStr(&cfg.Scheduler.Cron, "YIELDAGENT_SCHEDULER_CRON")
	setStr(&cfg.Scheduler.TriggerSecret, "YIELDAGENT_SCHEDULER_TRIGGER_SECRET")
	setDuration(&cfg.Scheduler.LockTTL, "YIELDAGENT_SCHEDULER_LOCK_TTL")
	setDuration(&cfg.Scheduler.UserTimeout, "YIELDAGENT_SCHEDULER_USER_TIMEOUT")
	setInt(&cfg.Scheduler.MaxParallel, "YIELDAGENT_SCHEDULER_MAX_PARALLEL")
	setBool(&cfg.Scheduler.Simulation, "YIELDAGENT_SCHEDULER_SIMULATION")
	setStr(&cfg.Scheduler.ArchiveCron, "YIELDAGENT_SCHEDULER_ARCHIVE_CRON")
	setInt(&cfg.Scheduler.RetentionDays, "YIELDAGENT_SCHEDULER_RETENTION_DAYS")

	// ── RateLimit ──
	setFloat64(&cfg.RateLimit.MaxPerOpUSD, "YIELDAGENT_RATE_LIMIT_MAX_PER_OP_USD")
	setInt(&cfg.RateLimit.MaxPerDay, "YIELDAGENT_RATE_LIMIT_MAX_PER_DAY")
	setDuration(&cfg.RateLimit.Window, "YIELDAGENT_RATE_LIMIT_WINDOW")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "YIELDAGENT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "YIELDAGENT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "YIELDAGENT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "YIELDAGENT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "YIELDAGENT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "YIELDAGENT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "YIELDAGENT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "YIELDAGENT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "YIELDAGENT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "YIELDAGENT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "YIELDAGENT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "YIELDAGENT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "YIELDAGENT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "YIELDAGENT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "YIELDAGENT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "YIELDAGENT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "YIELDAGENT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "YIELDAGENT_S3_REGION")
	setStr(&cfg.S3.Bucket, "YIELDAGENT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "YIELDAGENT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "YIELDAGENT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "YIELDAGENT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "YIELDAGENT_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "YIELDAGENT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "YIELDAGENT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "YIELDAGENT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.JWTSecret, "YIELDAGENT_SERVER_JWT_SECRET")
	setInt(&cfg.Server.RateLimitRPS, "YIELDAGENT_SERVER_RATE_LIMIT_RPS")
	setDuration(&cfg.Server.RateLimitWindow, "YIELDAGENT_SERVER_RATE_LIMIT_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "YIELDAGENT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "YIELDAGENT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "YIELDAGENT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "YIELDAGENT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "YIELDAGENT_MODE")
	setStr(&cfg.LogLevel, "YIELDAGENT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
