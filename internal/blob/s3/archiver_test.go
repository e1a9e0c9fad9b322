package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/pmxt/pmxt-go/internal/storage/postgres"
	"github.com/pmxt/pmxt-go/models"
)

type captureWriter struct {
	path        string
	contentType string
	body        []byte
	err         error
}

func (w *captureWriter) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	if w.err != nil {
		return w.err
	}
	w.path = path
	w.contentType = contentType
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(data); err != nil {
		return err
	}
	w.body = buf.Bytes()
	return nil
}

type fakeTradeStore struct {
	trades  []postgres.RecordedTrade
	pruned  bool
	pruneAt time.Time
}

func (s *fakeTradeStore) ListBefore(ctx context.Context, before time.Time) ([]postgres.RecordedTrade, error) {
	return s.trades, nil
}

func (s *fakeTradeStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	s.pruned = true
	s.pruneAt = before
	return int64(len(s.trades)), nil
}

type fakeBookStore struct {
	snaps  []postgres.BookSnapshot
	pruned bool
}

func (s *fakeBookStore) ListBefore(ctx context.Context, before time.Time) ([]postgres.BookSnapshot, error) {
	return s.snaps, nil
}

func (s *fakeBookStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	s.pruned = true
	return int64(len(s.snaps)), nil
}

func TestArchiveTradesDayPartition(t *testing.T) {
	cutoff := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	store := &fakeTradeStore{trades: []postgres.RecordedTrade{
		{Exchange: "kalshi", OutcomeID: "T:yes", Trade: models.Trade{
			ID: "t1", Price: 0.57, Amount: 25, Side: models.TradeSideBuy,
			Timestamp: cutoff.Add(-2 * time.Hour),
		}},
		{Exchange: "kalshi", OutcomeID: "T:yes", Trade: models.Trade{
			ID: "t2", Price: 0.58, Amount: 10, Side: models.TradeSideSell,
			Timestamp: cutoff.Add(-time.Hour),
		}},
	}}
	writer := &captureWriter{}

	arch := NewArchiver(writer, &fakeBookStore{}, store)
	n, err := arch.ArchiveTrades(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("archive trades: %v", err)
	}
	if n != 2 {
		t.Errorf("archived = %d, want 2", n)
	}
	if writer.path != "archive/trades/2026-08-27.jsonl" {
		t.Errorf("path = %q", writer.path)
	}
	if writer.contentType != "application/x-ndjson" {
		t.Errorf("content type = %q", writer.contentType)
	}
	lines := strings.Split(strings.TrimSpace(string(writer.body)), "\n")
	if len(lines) != 2 {
		t.Fatalf("jsonl lines = %d, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"trade_id":"t1"`) || !strings.Contains(lines[1], `"side":"sell"`) {
		t.Errorf("jsonl body = %s", writer.body)
	}
	if !store.pruned || !store.pruneAt.Equal(cutoff) {
		t.Error("trades not pruned after successful upload")
	}
}

func TestArchiveBooksUploadFailureLeavesRows(t *testing.T) {
	store := &fakeBookStore{snaps: []postgres.BookSnapshot{
		{
			Exchange:  "limitless",
			OutcomeID: "m-1:yes",
			Book: &models.OrderBook{
				Bids: []models.Level{{Price: 0.45, Size: 100}},
				Asks: []models.Level{{Price: 0.48, Size: 50}},
			},
			CapturedAt: time.Now().Add(-48 * time.Hour),
		},
	}}
	writer := &captureWriter{err: errors.New("bucket unreachable")}

	arch := NewArchiver(writer, store, &fakeTradeStore{})
	if _, err := arch.ArchiveBooks(context.Background(), time.Now()); err == nil {
		t.Fatal("expected upload error")
	}
	if store.pruned {
		t.Error("rows pruned despite failed upload")
	}
}

func TestArchiveEmptyIsNoop(t *testing.T) {
	writer := &captureWriter{}
	arch := NewArchiver(writer, &fakeBookStore{}, &fakeTradeStore{})

	n, err := arch.ArchiveBooks(context.Background(), time.Now())
	if err != nil || n != 0 {
		t.Errorf("empty archive = %d, %v", n, err)
	}
	if writer.path != "" {
		t.Errorf("unexpected upload %q", writer.path)
	}
}
