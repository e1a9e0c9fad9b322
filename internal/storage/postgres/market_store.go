package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pmxt/pmxt-go/models"
)

// MarketStore persists unified market metadata.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

// UpsertBatch writes markets using a pgx Batch, updating metadata on
// conflict so re-recorded markets stay current.
func (s *MarketStore) UpsertBatch(ctx context.Context, exchange string, markets []*models.Market) error {
	if len(markets) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO markets (
			exchange, market_id, slug, title, category,
			volume, liquidity, resolution_date, closed, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (exchange, market_id) DO UPDATE SET
			slug = EXCLUDED.slug,
			title = EXCLUDED.title,
			category = EXCLUDED.category,
			volume = EXCLUDED.volume,
			liquidity = EXCLUDED.liquidity,
			resolution_date = EXCLUDED.resolution_date,
			closed = EXCLUDED.closed,
			updated_at = NOW()`

	for _, m := range markets {
		var resolution *time.Time
		if !m.ResolutionDate.IsZero() {
			resolution = &m.ResolutionDate
		}
		batch.Queue(query,
			exchange, m.MarketID, m.Slug, m.Title, m.Category,
			m.Volume, m.Liquidity, resolution, m.Closed,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range markets {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert market batch item %d: %w", i, err)
		}
	}
	return nil
}

// Get returns one stored market, or nil when it has never been recorded.
func (s *MarketStore) Get(ctx context.Context, exchange, marketID string) (*models.Market, error) {
	const query = `
		SELECT market_id, slug, title, category, volume, liquidity,
			resolution_date, closed
		FROM markets
		WHERE exchange = $1 AND market_id = $2`

	var (
		m          models.Market
		resolution *time.Time
	)
	err := s.pool.QueryRow(ctx, query, exchange, marketID).Scan(
		&m.MarketID, &m.Slug, &m.Title, &m.Category,
		&m.Volume, &m.Liquidity, &resolution, &m.Closed,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get market: %w", err)
	}
	if resolution != nil {
		m.ResolutionDate = *resolution
	}
	return &m, nil
}
