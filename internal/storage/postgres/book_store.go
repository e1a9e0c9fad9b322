package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pmxt/pmxt-go/models"
)

// BookSnapshot is one recorded order book for one outcome.
type BookSnapshot struct {
	Exchange   string
	OutcomeID  string
	Book       *models.OrderBook
	CapturedAt time.Time
}

// BookStore persists order-book snapshots.
type BookStore struct {
	pool *pgxpool.Pool
}

// NewBookStore creates a BookStore backed by the given connection pool.
func NewBookStore(pool *pgxpool.Pool) *BookStore {
	return &BookStore{pool: pool}
}

// levelsJSON renders book levels as compact [price, size] pairs for JSONB
// storage.
func levelsJSON(levels []models.Level) ([]byte, error) {
	pairs := make([][2]float64, len(levels))
	for i, lv := range levels {
		pairs[i] = [2]float64{lv.Price, lv.Size}
	}
	return json.Marshal(pairs)
}

func levelsFromJSON(data []byte) ([]models.Level, error) {
	var pairs [][2]float64
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, err
	}
	levels := make([]models.Level, len(pairs))
	for i, p := range pairs {
		levels[i] = models.Level{Price: p[0], Size: p[1]}
	}
	return levels, nil
}

// InsertBatch writes snapshots using a pgx Batch.
func (s *BookStore) InsertBatch(ctx context.Context, snapshots []BookSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO book_snapshots (
			exchange, outcome_id, best_bid, best_ask, bids, asks, captured_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	for i, snap := range snapshots {
		bids, err := levelsJSON(snap.Book.Bids)
		if err != nil {
			return fmt.Errorf("postgres: encode bids for snapshot %d: %w", i, err)
		}
		asks, err := levelsJSON(snap.Book.Asks)
		if err != nil {
			return fmt.Errorf("postgres: encode asks for snapshot %d: %w", i, err)
		}
		capturedAt := snap.CapturedAt
		if capturedAt.IsZero() {
			capturedAt = snap.Book.Timestamp
		}
		batch.Queue(query,
			snap.Exchange, snap.OutcomeID,
			snap.Book.BestBid(), snap.Book.BestAsk(),
			bids, asks, capturedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range snapshots {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert snapshot batch item %d: %w", i, err)
		}
	}
	return nil
}

// Latest returns the most recent snapshot for an outcome, or nil when none
// has been recorded yet.
func (s *BookStore) Latest(ctx context.Context, exchange, outcomeID string) (*BookSnapshot, error) {
	const query = `
		SELECT bids, asks, captured_at
		FROM book_snapshots
		WHERE exchange = $1 AND outcome_id = $2
		ORDER BY captured_at DESC
		LIMIT 1`

	var (
		bidsData, asksData []byte
		capturedAt         time.Time
	)
	err := s.pool.QueryRow(ctx, query, exchange, outcomeID).Scan(&bidsData, &asksData, &capturedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: latest snapshot: %w", err)
	}

	bids, err := levelsFromJSON(bidsData)
	if err != nil {
		return nil, fmt.Errorf("postgres: decode bids: %w", err)
	}
	asks, err := levelsFromJSON(asksData)
	if err != nil {
		return nil, fmt.Errorf("postgres: decode asks: %w", err)
	}
	return &BookSnapshot{
		Exchange:   exchange,
		OutcomeID:  outcomeID,
		Book:       &models.OrderBook{Bids: bids, Asks: asks, Timestamp: capturedAt},
		CapturedAt: capturedAt,
	}, nil
}

// ListBefore returns snapshots captured strictly before the given time, in
// capture order, for archiving.
func (s *BookStore) ListBefore(ctx context.Context, before time.Time) ([]BookSnapshot, error) {
	const query = `
		SELECT exchange, outcome_id, bids, asks, captured_at
		FROM book_snapshots
		WHERE captured_at < $1
		ORDER BY captured_at ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots before: %w", err)
	}
	defer rows.Close()

	var out []BookSnapshot
	for rows.Next() {
		var (
			snap               BookSnapshot
			bidsData, asksData []byte
		)
		if err := rows.Scan(&snap.Exchange, &snap.OutcomeID, &bidsData, &asksData, &snap.CapturedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		bids, err := levelsFromJSON(bidsData)
		if err != nil {
			return nil, fmt.Errorf("postgres: decode bids: %w", err)
		}
		asks, err := levelsFromJSON(asksData)
		if err != nil {
			return nil, fmt.Errorf("postgres: decode asks: %w", err)
		}
		snap.Book = &models.OrderBook{Bids: bids, Asks: asks, Timestamp: snap.CapturedAt}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// DeleteBefore removes snapshots captured before the given time and returns
// the number deleted.
func (s *BookStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM book_snapshots WHERE captured_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete snapshots before: %w", err)
	}
	return tag.RowsAffected(), nil
}
