package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pmxt/pmxt-go/internal/storage/postgres"
)

// BookArchiveStore provides read-and-prune access to recorded book
// snapshots. The Postgres BookStore satisfies it.
type BookArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]postgres.BookSnapshot, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// TradeArchiveStore provides read-and-prune access to the recorded trade
// tape. The Postgres TradeStore satisfies it.
type TradeArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]postgres.RecordedTrade, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver drains aged recorder rows out of Postgres into day-partitioned
// JSONL objects. Rows are deleted only after the upload succeeded, so a
// failed sweep leaves everything in place for the next one.
type Archiver struct {
	writer BlobWriter
	books  BookArchiveStore
	trades TradeArchiveStore
}

// NewArchiver creates an Archiver.
func NewArchiver(writer BlobWriter, books BookArchiveStore, trades TradeArchiveStore) *Archiver {
	return &Archiver{writer: writer, books: books, trades: trades}
}

// archivedBook is the JSONL form of one archived snapshot.
type archivedBook struct {
	Exchange   string       `json:"exchange"`
	OutcomeID  string       `json:"outcome_id"`
	Bids       [][2]float64 `json:"bids"`
	Asks       [][2]float64 `json:"asks"`
	CapturedAt time.Time    `json:"captured_at"`
}

// archivedTrade is the JSONL form of one archived trade.
type archivedTrade struct {
	Exchange   string    `json:"exchange"`
	OutcomeID  string    `json:"outcome_id"`
	TradeID    string    `json:"trade_id"`
	Price      float64   `json:"price"`
	Amount     float64   `json:"amount"`
	Side       string    `json:"side"`
	ExecutedAt time.Time `json:"executed_at"`
}

// ArchiveBooks uploads all snapshots captured before the cutoff to
// archive/books/YYYY-MM-DD.jsonl, then prunes them. Returns the number of
// snapshots archived.
func (a *Archiver) ArchiveBooks(ctx context.Context, before time.Time) (int64, error) {
	snaps, err := a.books.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive books query: %w", err)
	}
	if len(snaps) == 0 {
		return 0, nil
	}

	records := make([]archivedBook, 0, len(snaps))
	for _, s := range snaps {
		rec := archivedBook{
			Exchange:   s.Exchange,
			OutcomeID:  s.OutcomeID,
			CapturedAt: s.CapturedAt,
		}
		for _, lv := range s.Book.Bids {
			rec.Bids = append(rec.Bids, [2]float64{lv.Price, lv.Size})
		}
		for _, lv := range s.Book.Asks {
			rec.Asks = append(rec.Asks, [2]float64{lv.Price, lv.Size})
		}
		records = append(records, rec)
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive books marshal: %w", err)
	}
	path := archivePath("books", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive books upload: %w", err)
	}

	if _, err := a.books.DeleteBefore(ctx, before); err != nil {
		return int64(len(snaps)), fmt.Errorf("s3blob: archive books prune: %w", err)
	}
	return int64(len(snaps)), nil
}

// ArchiveTrades uploads all trades executed before the cutoff to
// archive/trades/YYYY-MM-DD.jsonl, then prunes them. Returns the number of
// trades archived.
func (a *Archiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.trades.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	records := make([]archivedTrade, 0, len(trades))
	for _, t := range trades {
		records = append(records, archivedTrade{
			Exchange:   t.Exchange,
			OutcomeID:  t.OutcomeID,
			TradeID:    t.Trade.ID,
			Price:      t.Trade.Price,
			Amount:     t.Trade.Amount,
			Side:       string(t.Trade.Side),
			ExecutedAt: t.Trade.Timestamp,
		})
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades marshal: %w", err)
	}
	path := archivePath("trades", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive trades upload: %w", err)
	}

	if _, err := a.trades.DeleteBefore(ctx, before); err != nil {
		return int64(len(trades)), fmt.Errorf("s3blob: archive trades prune: %w", err)
	}
	return int64(len(trades)), nil
}

// archivePath builds the S3 key for an archive file, partitioned by the day
// of the cutoff time.
//
//	archive/books/2026-08-27.jsonl
//	archive/trades/2026-08-27.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01-02"))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
