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
// built-in defaults, applies TRUSTBOND_* environment variable overrides, and
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

// applyEnvOverrides reads well-known TRUSTBOND_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Operator ──
	setStr(&cfg.Operator.PrivateKey, "TRUSTBOND_OPERATOR_PRIVATE_KEY")
	setStr(&cfg.Operator.EncryptedKeyPath, "TRUSTBOND_OPERATOR_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Operator.KeyPassword, "TRUSTBOND_OPERATOR_KEY_PASSWORD")
	setStr(&cfg.Operator.PoolIdentity, "TRUSTBOND_OPERATOR_POOL_IDENTITY")

	// ── Database ──
	setStr(&cfg.Database.DSN, "TRUSTBOND_DATABASE_DSN")
	setStr(&cfg.Database.Host, "TRUSTBOND_DATABASE_HOST")
	setInt(&cfg.Database.Port, "TRUSTBOND_DATABASE_PORT")
	setStr(&cfg.Database.Database, "TRUSTBOND_DATABASE_NAME")
	setStr(&cfg.Database.User, "TRUSTBOND_DATABASE_USER")
	setStr(&cfg.Database.Password, "TRUSTBOND_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "TRUSTBOND_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "TRUSTBOND_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "TRUSTBOND_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "TRUSTBOND_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TRUSTBOND_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRUSTBOND_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRUSTBOND_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRUSTBOND_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRUSTBOND_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRUSTBOND_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "TRUSTBOND_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRUSTBOND_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRUSTBOND_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRUSTBOND_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRUSTBOND_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRUSTBOND_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRUSTBOND_S3_FORCE_PATH_STYLE")

	// ── Ledger ──
	setInt64(&cfg.Ledger.DailyYieldBps, "TRUSTBOND_LEDGER_DAILY_YIELD_BPS")
	setInt64(&cfg.Ledger.ExitPenaltyBps, "TRUSTBOND_LEDGER_EXIT_PENALTY_BPS")
	setInt64(&cfg.Ledger.DefectPenaltyBps, "TRUSTBOND_LEDGER_DEFECT_PENALTY_BPS")

	// ── Lending ──
	setInt64(&cfg.Lending.MaxLTVBps, "TRUSTBOND_LENDING_MAX_LTV_BPS")
	setInt64(&cfg.Lending.BaseRateBps, "TRUSTBOND_LENDING_BASE_RATE_BPS")
	setInt64(&cfg.Lending.MinRateBps, "TRUSTBOND_LENDING_MIN_RATE_BPS")
	setInt64(&cfg.Lending.BorrowFactor, "TRUSTBOND_LENDING_BORROW_FACTOR")
	setDuration(&cfg.Lending.MinDuration, "TRUSTBOND_LENDING_MIN_DURATION")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "TRUSTBOND_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "TRUSTBOND_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "TRUSTBOND_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TRUSTBOND_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRUSTBOND_SERVER_PORT")
	setStr(&cfg.Server.APIToken, "TRUSTBOND_SERVER_API_TOKEN")
	setStringSlice(&cfg.Server.CORSOrigins, "TRUSTBOND_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRUSTBOND_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRUSTBOND_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRUSTBOND_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRUSTBOND_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRUSTBOND_MODE")
	setStr(&cfg.LogLevel, "TRUSTBOND_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

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
