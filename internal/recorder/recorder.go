// Package recorder subscribes to outcomes across adapters and persists the
// unified stream: book snapshots and trades to Postgres, the latest book to
// the Redis hot cache, and aged rows to the S3 archive.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pmxt/pmxt-go/internal/storage/postgres"
	"github.com/pmxt/pmxt-go/models"
)

// Source is the slice of the exchange contract the recorder consumes. Every
// adapter satisfies it.
type Source interface {
	ID() string
	ResolveOutcome(ctx context.Context, outcomeID string) (*models.Market, *models.Outcome, error)
	WatchOrderBook(ctx context.Context, outcomeID string) (*models.OrderBook, error)
	WatchTrades(ctx context.Context, outcomeID string) ([]models.Trade, error)
}

// BookSink persists book snapshots.
type BookSink interface {
	InsertBatch(ctx context.Context, snapshots []postgres.BookSnapshot) error
}

// TradeSink persists trade batches.
type TradeSink interface {
	InsertBatch(ctx context.Context, trades []postgres.RecordedTrade) error
}

// CandleSink persists OHLC buckets derived from the trade tape.
type CandleSink interface {
	UpsertBatch(ctx context.Context, exchange, outcomeID string, resolution models.Resolution, candles []models.Candle) error
}

// MarketSink persists market metadata.
type MarketSink interface {
	UpsertBatch(ctx context.Context, exchange string, markets []*models.Market) error
}

// HotCache keeps the most recent book per outcome. Optional.
type HotCache interface {
	SetLatest(ctx context.Context, exchange, outcomeID string, book *models.OrderBook) error
}

// Sweeper drains aged rows into cold storage. Optional.
type Sweeper interface {
	ArchiveBooks(ctx context.Context, before time.Time) (int64, error)
	ArchiveTrades(ctx context.Context, before time.Time) (int64, error)
}

// Subscription names one outcome to record on one source.
type Subscription struct {
	Source    string
	OutcomeID string

	// Trades also follows the venue's trade stream where it has one.
	Trades bool
}

// Options wire the recorder's sources and sinks. Cache and Archive may stay
// nil; the recorder then runs Postgres-only.
type Options struct {
	Sources map[string]Source
	Subs    []Subscription

	Books   BookSink
	Trades  TradeSink
	Candles CandleSink
	Markets MarketSink

	Cache   HotCache
	Archive Sweeper

	// SnapshotInterval floors how often a changed book is written through
	// to Postgres. Updates between ticks only refresh the hot cache.
	SnapshotInterval time.Duration

	// ArchiveInterval drives the archive sweep when Archive is set.
	ArchiveInterval time.Duration

	// RetryDelay spaces reconnect attempts after a watch error.
	RetryDelay time.Duration

	Logger *slog.Logger
}

// Recorder runs one watch loop per subscription until the context ends.
type Recorder struct {
	opts Options
	log  *slog.Logger
}

// New validates the wiring and builds a Recorder.
func New(opts Options) (*Recorder, error) {
	if len(opts.Subs) == 0 {
		return nil, errors.New("recorder: no subscriptions")
	}
	for _, sub := range opts.Subs {
		if _, ok := opts.Sources[sub.Source]; !ok {
			return nil, fmt.Errorf("recorder: subscription %s/%s: unknown source", sub.Source, sub.OutcomeID)
		}
	}
	if opts.Books == nil || opts.Trades == nil || opts.Candles == nil || opts.Markets == nil {
		return nil, errors.New("recorder: all Postgres sinks are required")
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = 10 * time.Second
	}
	if opts.ArchiveInterval <= 0 {
		opts.ArchiveInterval = 24 * time.Hour
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{opts: opts, log: log}, nil
}

// Run records until ctx is cancelled. Watch errors are retried in place; a
// venue closing its stream ends that subscription without failing the rest.
func (r *Recorder) Run(ctx context.Context) error {
	r.recordMetadata(ctx)

	g, ctx := errgroup.WithContext(ctx)
	for _, sub := range r.opts.Subs {
		src := r.opts.Sources[sub.Source]

		g.Go(func() error {
			return r.bookLoop(ctx, src, sub.OutcomeID)
		})
		if sub.Trades {
			g.Go(func() error {
				return r.tradeLoop(ctx, src, sub.OutcomeID)
			})
		}
	}
	if r.opts.Archive != nil {
		g.Go(func() error {
			return r.archiveLoop(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// recordMetadata upserts market metadata for every subscribed outcome.
// Best effort: a venue being down at startup must not stop recording.
func (r *Recorder) recordMetadata(ctx context.Context) {
	seen := make(map[string]bool)
	for _, sub := range r.opts.Subs {
		src := r.opts.Sources[sub.Source]
		market, _, err := src.ResolveOutcome(ctx, sub.OutcomeID)
		if err != nil {
			r.log.Warn("metadata resolve failed",
				"source", sub.Source, "outcome", sub.OutcomeID, "error", err)
			continue
		}
		key := sub.Source + "/" + market.MarketID
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := r.opts.Markets.UpsertBatch(ctx, src.ID(), []*models.Market{market}); err != nil {
			r.log.Warn("metadata upsert failed",
				"source", sub.Source, "market", market.MarketID, "error", err)
		}
	}
}

func (r *Recorder) bookLoop(ctx context.Context, src Source, outcomeID string) error {
	log := r.log.With("source", src.ID(), "outcome", outcomeID)
	log.Info("recording order book")

	var lastPersist time.Time
	for {
		book, err := src.WatchOrderBook(ctx, outcomeID)
		if err != nil {
			if stop, reason := r.loopStop(ctx, err); stop {
				log.Info("book stream ended", "reason", reason)
				return ctx.Err()
			}
			log.Warn("book watch failed", "error", err)
			if err := r.sleep(ctx); err != nil {
				return err
			}
			continue
		}

		if r.opts.Cache != nil {
			if err := r.opts.Cache.SetLatest(ctx, src.ID(), outcomeID, book); err != nil {
				log.Debug("hot cache update failed", "error", err)
			}
		}

		now := time.Now()
		if now.Sub(lastPersist) < r.opts.SnapshotInterval {
			continue
		}
		snap := postgres.BookSnapshot{
			Exchange:   src.ID(),
			OutcomeID:  outcomeID,
			Book:       book,
			CapturedAt: now,
		}
		if err := r.opts.Books.InsertBatch(ctx, []postgres.BookSnapshot{snap}); err != nil {
			log.Warn("snapshot persist failed", "error", err)
			continue
		}
		lastPersist = now
	}
}

func (r *Recorder) tradeLoop(ctx context.Context, src Source, outcomeID string) error {
	log := r.log.With("source", src.ID(), "outcome", outcomeID)

	for {
		trades, err := src.WatchTrades(ctx, outcomeID)
		if err != nil {
			if errors.Is(err, models.ErrNotSupported) {
				log.Info("venue has no trade stream, skipping")
				return nil
			}
			if stop, reason := r.loopStop(ctx, err); stop {
				log.Info("trade stream ended", "reason", reason)
				return ctx.Err()
			}
			log.Warn("trade watch failed", "error", err)
			if err := r.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		if len(trades) == 0 {
			continue
		}

		batch := make([]postgres.RecordedTrade, 0, len(trades))
		for _, t := range trades {
			batch = append(batch, postgres.RecordedTrade{
				Exchange:  src.ID(),
				OutcomeID: outcomeID,
				Trade:     t,
			})
		}
		if err := r.opts.Trades.InsertBatch(ctx, batch); err != nil {
			log.Warn("trade persist failed", "error", err)
			continue
		}

		candles := bucketTrades(trades, models.Resolution1m)
		if err := r.opts.Candles.UpsertBatch(ctx, src.ID(), outcomeID, models.Resolution1m, candles); err != nil {
			log.Warn("candle upsert failed", "error", err)
		}
	}
}

// archiveLoop sweeps everything older than the current UTC day into cold
// storage on each tick.
func (r *Recorder) archiveLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.ArchiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		cutoff := time.Now().UTC().Truncate(24 * time.Hour)
		books, err := r.opts.Archive.ArchiveBooks(ctx, cutoff)
		if err != nil {
			r.log.Warn("book archive sweep failed", "error", err)
		}
		trades, err := r.opts.Archive.ArchiveTrades(ctx, cutoff)
		if err != nil {
			r.log.Warn("trade archive sweep failed", "error", err)
		}
		if books > 0 || trades > 0 {
			r.log.Info("archive sweep done",
				"books", books, "trades", trades, "before", cutoff)
		}
	}
}

// loopStop reports whether a watch error means the loop is done rather than
// worth retrying.
func (r *Recorder) loopStop(ctx context.Context, err error) (bool, string) {
	if ctx.Err() != nil {
		return true, "context cancelled"
	}
	if errors.Is(err, models.ErrClosed) {
		return true, "subscription closed"
	}
	return false, ""
}

func (r *Recorder) sleep(ctx context.Context) error {
	timer := time.NewTimer(r.opts.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// bucketTrades folds a trade batch into fixed-width OHLC buckets with summed
// volume, oldest bucket first.
func bucketTrades(trades []models.Trade, resolution models.Resolution) []models.Candle {
	step := resolution.Duration()
	byBucket := make(map[int64]*models.Candle)
	var order []int64

	for _, t := range trades {
		bucket := t.Timestamp.Unix() - t.Timestamp.Unix()%int64(step/time.Second)
		c, ok := byBucket[bucket]
		if !ok {
			c = &models.Candle{
				Timestamp: time.Unix(bucket, 0),
				Open:      t.Price,
				High:      t.Price,
				Low:       t.Price,
				Close:     t.Price,
			}
			byBucket[bucket] = c
			order = append(order, bucket)
		}
		if t.Price > c.High {
			c.High = t.Price
		}
		if t.Price < c.Low {
			c.Low = t.Price
		}
		c.Close = t.Price
		c.Volume += t.Amount
	}

	out := make([]models.Candle, 0, len(order))
	for _, b := range order {
		out = append(out, *byBucket[b])
	}
	return out
}
