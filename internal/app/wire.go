package app

import (
	"context"
	"fmt"
	"os"

	s3blob "github.com/pmxt/pmxt-go/internal/blob/s3"
	"github.com/pmxt/pmxt-go/internal/cache/redis"
	"github.com/pmxt/pmxt-go/internal/recorder"
	"github.com/pmxt/pmxt-go/internal/storage/postgres"

	"github.com/pmxt/pmxt-go/config"
	"github.com/pmxt/pmxt-go/exchanges/baozi"
	"github.com/pmxt/pmxt-go/exchanges/kalshi"
	"github.com/pmxt/pmxt-go/exchanges/limitless"
	"github.com/pmxt/pmxt-go/exchanges/polymarket"
)

// Dependencies bundles everything the recorder needs: one adapter per
// subscribed exchange plus the persistence sinks. Cache and Archive stay nil
// when the corresponding backend is disabled.
type Dependencies struct {
	Sources map[string]recorder.Source

	Books   *postgres.BookStore
	Trades  *postgres.TradeStore
	Candles *postgres.CandleStore
	Markets *postgres.MarketStore

	Cache   recorder.HotCache
	Archive recorder.Sweeper
}

// Wire constructs concrete dependencies from the configuration and returns
// them with a cleanup function for shutdown.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Sources: make(map[string]recorder.Source)}

	// Adapters are built only for exchanges that appear in a subscription,
	// so an unconfigured venue never blocks startup.
	for _, sub := range cfg.Recorder.Subscriptions {
		if _, ok := deps.Sources[sub.Exchange]; ok {
			continue
		}
		src, closeSrc, err := newSource(cfg, sub.Exchange)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: %s adapter: %w", sub.Exchange, err)
		}
		deps.Sources[sub.Exchange] = src
		closers = append(closers, closeSrc)
	}

	// --- PostgreSQL ---
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

	if err := pgClient.RunMigrations(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
	}

	pool := pgClient.Pool()
	deps.Books = postgres.NewBookStore(pool)
	deps.Trades = postgres.NewTradeStore(pool)
	deps.Candles = postgres.NewCandleStore(pool)
	deps.Markets = postgres.NewMarketStore(pool)

	// --- Redis hot cache (optional) ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		deps.Cache = redis.NewBookCache(redisClient, 0)
	}

	// --- S3 archive (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archive = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.Books, deps.Trades)
	}

	return deps, cleanup, nil
}

// newSource builds the adapter for one exchange from its config section.
func newSource(cfg *config.Config, exchangeID string) (recorder.Source, func(), error) {
	switch exchangeID {
	case "polymarket":
		p, err := polymarket.New(polymarket.Options{
			GammaURL:   cfg.Polymarket.GammaHost,
			ClobURL:    cfg.Polymarket.ClobHost,
			WSURL:      cfg.Polymarket.WsHost,
			ChainID:    cfg.Polymarket.ChainID,
			PrivateKey: cfg.Polymarket.PrivateKey,
		})
		if err != nil {
			return nil, nil, err
		}
		return p, func() { _ = p.Close() }, nil

	case "kalshi":
		var pem []byte
		if cfg.Kalshi.RsaPrivateKeyPath != "" {
			var err error
			pem, err = os.ReadFile(cfg.Kalshi.RsaPrivateKeyPath)
			if err != nil {
				return nil, nil, fmt.Errorf("read rsa key: %w", err)
			}
		}
		k, err := kalshi.New(kalshi.Options{
			BaseURL:       cfg.Kalshi.BaseURL,
			WSURL:         cfg.Kalshi.WsURL,
			APIKeyID:      cfg.Kalshi.ApiKeyID,
			PrivateKeyPEM: pem,
		})
		if err != nil {
			return nil, nil, err
		}
		return k, func() { _ = k.Close() }, nil

	case "baozi":
		b, err := baozi.New(baozi.Options{
			RPCURL:    cfg.Baozi.RpcURL,
			WSURL:     cfg.Baozi.WsURL,
			ProgramID: cfg.Baozi.ProgramID,
			Wallet:    cfg.Baozi.Wallet,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil

	case "limitless":
		l, err := limitless.New(limitless.Options{
			BaseURL:    cfg.Limitless.BaseURL,
			ChainID:    cfg.Limitless.ChainID,
			PrivateKey: cfg.Limitless.PrivateKey,
		})
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown exchange %q", exchangeID)
	}
}
