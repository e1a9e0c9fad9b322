// Package config defines the configuration for the market-data recorder
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by PMXT_* environment variables.
type Config struct {
	Recorder   RecorderConfig   `toml:"recorder"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Kalshi     KalshiConfig     `toml:"kalshi"`
	Baozi      BaoziConfig      `toml:"baozi"`
	Limitless  LimitlessConfig  `toml:"limitless"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	LogLevel   string           `toml:"log_level"`
}

// RecorderConfig holds the recorder daemon parameters: which outcomes to
// follow and how often to persist.
type RecorderConfig struct {
	Subscriptions []Subscription `toml:"subscriptions"`

	// SnapshotInterval floors how often a changed book is written through
	// to Postgres; updates between ticks only refresh the Redis hot cache.
	SnapshotInterval duration `toml:"snapshot_interval"`

	// ArchiveInterval drives the day-partitioned S3 archive sweep.
	ArchiveInterval duration `toml:"archive_interval"`
}

// Subscription names one outcome on one exchange.
type Subscription struct {
	Exchange  string `toml:"exchange"`
	OutcomeID string `toml:"outcome_id"`

	// Trades also records the trade tape where the venue streams one.
	Trades bool `toml:"trades"`
}

// PolymarketConfig holds Polymarket API endpoints and credentials.
type PolymarketConfig struct {
	GammaHost     string `toml:"gamma_host"`
	ClobHost      string `toml:"clob_host"`
	WsHost        string `toml:"ws_host"`
	ChainID       int    `toml:"chain_id"`
	PrivateKey    string `toml:"private_key"`
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`
}

// KalshiConfig holds Kalshi exchange API credentials.
type KalshiConfig struct {
	BaseURL           string `toml:"base_url"`
	WsURL             string `toml:"ws_url"`
	ApiKeyID          string `toml:"api_key_id"`
	RsaPrivateKeyPath string `toml:"rsa_private_key_path"`
}

// BaoziConfig holds Solana RPC endpoints and the program to scan.
type BaoziConfig struct {
	RpcURL    string `toml:"rpc_url"`
	WsURL     string `toml:"ws_url"`
	ProgramID string `toml:"program_id"`
	Wallet    string `toml:"wallet"`
}

// LimitlessConfig holds Limitless API parameters.
type LimitlessConfig struct {
	BaseURL    string `toml:"base_url"`
	ChainID    int    `toml:"chain_id"`
	PrivateKey string `toml:"private_key"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN          string `toml:"dsn"`
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	Database     string `toml:"database"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	SSLMode      string `toml:"ssl_mode"`
	PoolMaxConns int    `toml:"pool_max_conns"`
	PoolMinConns int    `toml:"pool_min_conns"`
}

// RedisConfig holds the hot-cache connection parameters. The cache is
// optional; the recorder runs without it when disabled.
type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	PoolSize int    `toml:"pool_size"`
}

// S3Config holds S3-compatible object storage parameters for the archive
// sweep. Optional, like Redis.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
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
		Recorder: RecorderConfig{
			SnapshotInterval: duration{10 * time.Second},
			ArchiveInterval:  duration{24 * time.Hour},
		},
		Polymarket: PolymarketConfig{
			GammaHost: "https://gamma-api.polymarket.com",
			ClobHost:  "https://clob.polymarket.com",
			WsHost:    "wss://ws-subscriptions-clob.polymarket.com",
			ChainID:   137,
		},
		Kalshi: KalshiConfig{
			BaseURL: "https://api.elections.kalshi.com/trade-api/v2",
			WsURL:   "wss://api.elections.kalshi.com/trade-api/ws/v2",
		},
		Baozi: BaoziConfig{
			RpcURL: "https://api.mainnet-beta.solana.com",
			WsURL:  "wss://api.mainnet-beta.solana.com",
		},
		Limitless: LimitlessConfig{
			BaseURL: "https://api.limitless.exchange",
			ChainID: 8453,
		},
		Postgres: PostgresConfig{
			Host:         "localhost",
			Port:         5432,
			Database:     "pmxt",
			User:         "postgres",
			SSLMode:      "disable",
			PoolMaxConns: 10,
			PoolMinConns: 2,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			PoolSize: 20,
		},
		S3: S3Config{
			Enabled:        false,
			Region:         "us-east-1",
			Bucket:         "pmxt-recorder",
			ForcePathStyle: true,
		},
		LogLevel: "info",
	}
}

// validExchanges enumerates the adapters the recorder can subscribe to.
var validExchanges = map[string]bool{
	"polymarket": true,
	"kalshi":     true,
	"baozi":      true,
	"limitless":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Recorder
	if len(c.Recorder.Subscriptions) == 0 {
		errs = append(errs, "recorder: at least one subscription is required")
	}
	for i, sub := range c.Recorder.Subscriptions {
		if !validExchanges[strings.ToLower(sub.Exchange)] {
			errs = append(errs, fmt.Sprintf("recorder: subscription %d: unknown exchange %q (valid: polymarket, kalshi, baozi, limitless)", i, sub.Exchange))
		}
		if sub.OutcomeID == "" {
			errs = append(errs, fmt.Sprintf("recorder: subscription %d: outcome_id must not be empty", i))
		}
	}
	if c.Recorder.SnapshotInterval.Duration <= 0 {
		errs = append(errs, "recorder: snapshot_interval must be positive")
	}
	if c.S3.Enabled && c.Recorder.ArchiveInterval.Duration <= 0 {
		errs = append(errs, "recorder: archive_interval must be positive when s3 is enabled")
	}

	// Kalshi — the key id and key file travel together.
	if (c.Kalshi.ApiKeyID == "") != (c.Kalshi.RsaPrivateKeyPath == "") {
		errs = append(errs, "kalshi: api_key_id and rsa_private_key_path must be set together")
	}

	// Polymarket — HMAC credentials travel as a triple.
	pk := c.Polymarket.ApiKey != ""
	ps := c.Polymarket.ApiSecret != ""
	pp := c.Polymarket.ApiPassphrase != ""
	if (pk || ps || pp) && !(pk && ps && pp) {
		errs = append(errs, "polymarket: api_key, api_secret, and api_passphrase must all be set together")
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
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
