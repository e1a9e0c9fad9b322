package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PMXT_* environment variable overrides, and
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

// applyEnvOverrides reads well-known PMXT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file. Subscriptions have no env form; they only come from the file.
func applyEnvOverrides(cfg *Config) {
	// ── Recorder ──
	setDuration(&cfg.Recorder.SnapshotInterval, "PMXT_RECORDER_SNAPSHOT_INTERVAL")
	setDuration(&cfg.Recorder.ArchiveInterval, "PMXT_RECORDER_ARCHIVE_INTERVAL")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.GammaHost, "PMXT_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.ClobHost, "PMXT_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.WsHost, "PMXT_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "PMXT_POLYMARKET_CHAIN_ID")
	setStr(&cfg.Polymarket.PrivateKey, "PMXT_POLYMARKET_PRIVATE_KEY")
	setStr(&cfg.Polymarket.ApiKey, "PMXT_POLYMARKET_API_KEY")
	setStr(&cfg.Polymarket.ApiSecret, "PMXT_POLYMARKET_API_SECRET")
	setStr(&cfg.Polymarket.ApiPassphrase, "PMXT_POLYMARKET_API_PASSPHRASE")

	// ── Kalshi ──
	setStr(&cfg.Kalshi.BaseURL, "PMXT_KALSHI_BASE_URL")
	setStr(&cfg.Kalshi.WsURL, "PMXT_KALSHI_WS_URL")
	setStr(&cfg.Kalshi.ApiKeyID, "PMXT_KALSHI_API_KEY_ID")
	setStr(&cfg.Kalshi.RsaPrivateKeyPath, "PMXT_KALSHI_RSA_PRIVATE_KEY_PATH")

	// ── Baozi ──
	setStr(&cfg.Baozi.RpcURL, "PMXT_BAOZI_RPC_URL")
	setStr(&cfg.Baozi.WsURL, "PMXT_BAOZI_WS_URL")
	setStr(&cfg.Baozi.ProgramID, "PMXT_BAOZI_PROGRAM_ID")
	setStr(&cfg.Baozi.Wallet, "PMXT_BAOZI_WALLET")

	// ── Limitless ──
	setStr(&cfg.Limitless.BaseURL, "PMXT_LIMITLESS_BASE_URL")
	setInt(&cfg.Limitless.ChainID, "PMXT_LIMITLESS_CHAIN_ID")
	setStr(&cfg.Limitless.PrivateKey, "PMXT_LIMITLESS_PRIVATE_KEY")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PMXT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PMXT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PMXT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PMXT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PMXT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PMXT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PMXT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PMXT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PMXT_POSTGRES_POOL_MIN_CONNS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PMXT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PMXT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PMXT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PMXT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PMXT_REDIS_POOL_SIZE")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PMXT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PMXT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PMXT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PMXT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PMXT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PMXT_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "PMXT_S3_FORCE_PATH_STYLE")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "PMXT_LOG_LEVEL")
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
