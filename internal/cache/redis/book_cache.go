package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pmxt/pmxt-go/models"
)

// ErrNotFound reports a cache miss.
var ErrNotFound = errors.New("redis: not found")

// BookCache stores the most recent order book per outcome as a single JSON
// value under book:{exchange}:{outcomeID}. Entries expire so a stalled
// stream never serves hours-old books as "latest".
type BookCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewBookCache creates a BookCache backed by the given Client. A zero ttl
// defaults to one minute.
func NewBookCache(c *Client, ttl time.Duration) *BookCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &BookCache{rdb: c.Underlying(), ttl: ttl}
}

func bookKey(exchange, outcomeID string) string {
	return "book:" + exchange + ":" + outcomeID
}

// cachedBook is the wire form of one cached book. Levels are compact
// [price, size] pairs.
type cachedBook struct {
	Bids      [][2]float64 `json:"bids"`
	Asks      [][2]float64 `json:"asks"`
	Timestamp int64        `json:"ts"` // unix nanoseconds
}

func toPairs(levels []models.Level) [][2]float64 {
	pairs := make([][2]float64, len(levels))
	for i, lv := range levels {
		pairs[i] = [2]float64{lv.Price, lv.Size}
	}
	return pairs
}

func fromPairs(pairs [][2]float64) []models.Level {
	levels := make([]models.Level, len(pairs))
	for i, p := range pairs {
		levels[i] = models.Level{Price: p[0], Size: p[1]}
	}
	return levels
}

// SetLatest replaces the cached book for an outcome.
func (c *BookCache) SetLatest(ctx context.Context, exchange, outcomeID string, book *models.OrderBook) error {
	data, err := json.Marshal(cachedBook{
		Bids:      toPairs(book.Bids),
		Asks:      toPairs(book.Asks),
		Timestamp: book.Timestamp.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("redis: encode book %s: %w", outcomeID, err)
	}
	if err := c.rdb.Set(ctx, bookKey(exchange, outcomeID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set book %s: %w", outcomeID, err)
	}
	return nil
}

// GetLatest returns the cached book for an outcome, or ErrNotFound on a miss
// or after expiry.
func (c *BookCache) GetLatest(ctx context.Context, exchange, outcomeID string) (*models.OrderBook, error) {
	data, err := c.rdb.Get(ctx, bookKey(exchange, outcomeID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get book %s: %w", outcomeID, err)
	}

	var cached cachedBook
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("redis: decode book %s: %w", outcomeID, err)
	}
	return &models.OrderBook{
		Bids:      fromPairs(cached.Bids),
		Asks:      fromPairs(cached.Asks),
		Timestamp: time.Unix(0, cached.Timestamp),
	}, nil
}
