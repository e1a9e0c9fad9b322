package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pmxt/pmxt-go/models"
)

// RecordedTrade pairs a unified trade with where it was observed.
type RecordedTrade struct {
	Exchange  string
	OutcomeID string
	Trade     models.Trade
}

// TradeStore persists the public trade tape.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// InsertBatch writes trades using a pgx Batch. Duplicate trades (same
// exchange, outcome and venue trade id) are silently skipped via
// ON CONFLICT DO NOTHING, so replayed stream batches are safe.
func (s *TradeStore) InsertBatch(ctx context.Context, trades []RecordedTrade) error {
	if len(trades) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO trades (
			exchange, outcome_id, trade_id, price, amount, side, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (exchange, outcome_id, trade_id) DO NOTHING`

	for _, rt := range trades {
		batch.Queue(query,
			rt.Exchange, rt.OutcomeID, rt.Trade.ID,
			rt.Trade.Price, rt.Trade.Amount, string(rt.Trade.Side),
			rt.Trade.Timestamp,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range trades {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert trade batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListBefore returns trades executed strictly before the given time, oldest
// first, for archiving.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]RecordedTrade, error) {
	const query = `
		SELECT exchange, outcome_id, trade_id, price, amount, side, executed_at
		FROM trades
		WHERE executed_at < $1
		ORDER BY executed_at ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before: %w", err)
	}
	defer rows.Close()

	var out []RecordedTrade
	for rows.Next() {
		var (
			rt   RecordedTrade
			side string
		)
		if err := rows.Scan(
			&rt.Exchange, &rt.OutcomeID, &rt.Trade.ID,
			&rt.Trade.Price, &rt.Trade.Amount, &side, &rt.Trade.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		rt.Trade.Side = models.TradeSide(side)
		out = append(out, rt)
	}
	return out, rows.Err()
}

// DeleteBefore removes trades executed before the given time and returns the
// number deleted.
func (s *TradeStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trades WHERE executed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades before: %w", err)
	}
	return tag.RowsAffected(), nil
}
