package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pmxt/pmxt-go/models"
)

// CandleStore persists per-resolution OHLC buckets.
type CandleStore struct {
	pool *pgxpool.Pool
}

// NewCandleStore creates a CandleStore backed by the given connection pool.
func NewCandleStore(pool *pgxpool.Pool) *CandleStore {
	return &CandleStore{pool: pool}
}

// UpsertBatch writes candles using a pgx Batch. Buckets update in place so a
// partially filled live bucket converges as more trades land in it.
func (s *CandleStore) UpsertBatch(ctx context.Context, exchange, outcomeID string, resolution models.Resolution, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO candles (
			exchange, outcome_id, resolution, bucket_ts,
			open, high, low, close, volume
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (exchange, outcome_id, resolution, bucket_ts) DO UPDATE SET
			high = GREATEST(candles.high, EXCLUDED.high),
			low = LEAST(candles.low, EXCLUDED.low),
			close = EXCLUDED.close,
			volume = candles.volume + EXCLUDED.volume`

	for _, c := range candles {
		batch.Queue(query,
			exchange, outcomeID, string(resolution), c.Timestamp,
			c.Open, c.High, c.Low, c.Close, c.Volume,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range candles {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert candle batch item %d: %w", i, err)
		}
	}
	return nil
}

// List returns stored candles for an outcome at one resolution, oldest
// first.
func (s *CandleStore) List(ctx context.Context, exchange, outcomeID string, resolution models.Resolution, limit int) ([]models.Candle, error) {
	query := `
		SELECT bucket_ts, open, high, low, close, volume
		FROM candles
		WHERE exchange = $1 AND outcome_id = $2 AND resolution = $3
		ORDER BY bucket_ts ASC`
	args := []any{exchange, outcomeID, string(resolution)}
	if limit > 0 {
		query += " LIMIT $4"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list candles: %w", err)
	}
	defer rows.Close()

	var out []models.Candle
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("postgres: scan candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
