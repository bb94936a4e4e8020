package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/regattaflow/regatta/internal/record"
)

// setupTestStore creates a temporary database for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return s
}

func testEntry(key string, band record.Band) *record.CacheEntry {
	return &record.CacheEntry{
		Key:       key,
		Data:      json.RawMessage(`{"name":"test"}`),
		Band:      band,
		Timestamp: time.Now(),
	}
}

func TestPutGetEntry(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := testEntry("race:r-1", record.BandRace)
	if err := s.PutEntry(ctx, e); err != nil {
		t.Fatalf("PutEntry failed: %v", err)
	}

	got, err := s.GetEntry(ctx, "race:r-1")
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if got.Band != record.BandRace {
		t.Errorf("band = %s, want race", got.Band)
	}
	if string(got.Data) != `{"name":"test"}` {
		t.Errorf("data round-trip mismatch: %s", got.Data)
	}
}

func TestGetEntryNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetEntry(context.Background(), "race:missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPutEntryOverwrites(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := testEntry("venue:v-1", record.BandTemporary)
	if err := s.PutEntry(ctx, e); err != nil {
		t.Fatalf("PutEntry failed: %v", err)
	}

	// Refresh with a new band and expiry.
	expiry := time.Now().Add(time.Hour)
	e.Band = record.BandPermanent
	e.ExpiresAt = &expiry
	e.Data = json.RawMessage(`{"name":"updated"}`)
	if err := s.PutEntry(ctx, e); err != nil {
		t.Fatalf("PutEntry overwrite failed: %v", err)
	}

	got, err := s.GetEntry(ctx, "venue:v-1")
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if got.Band != record.BandPermanent {
		t.Errorf("band not updated: %s", got.Band)
	}
	if got.ExpiresAt == nil {
		t.Errorf("expiry not stored")
	}

	entries, err := s.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 entry after overwrite, got %d", len(entries))
	}
}

func TestDeleteEntryIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.PutEntry(ctx, testEntry("race:r-1", record.BandRace)); err != nil {
		t.Fatalf("PutEntry failed: %v", err)
	}
	if err := s.DeleteEntry(ctx, "race:r-1"); err != nil {
		t.Fatalf("DeleteEntry failed: %v", err)
	}
	if err := s.DeleteEntry(ctx, "race:r-1"); err != nil {
		t.Errorf("second DeleteEntry should be a no-op, got %v", err)
	}
}

func TestDeleteEntriesExcept(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i, band := range []record.Band{record.BandPermanent, record.BandRace, record.BandVenue, record.BandTemporary} {
		if err := s.PutEntry(ctx, testEntry(fmt.Sprintf("k-%d", i), band)); err != nil {
			t.Fatalf("PutEntry failed: %v", err)
		}
	}

	n, err := s.DeleteEntriesExcept(ctx, record.BandPermanent)
	if err != nil {
		t.Fatalf("DeleteEntriesExcept failed: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted %d entries, want 3", n)
	}

	entries, err := s.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Band != record.BandPermanent {
		t.Errorf("expected only the permanent entry to survive, got %d entries", len(entries))
	}
}

func TestPendingItemsOrdering(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now()
	insert := func(id string, priority int, offset time.Duration) {
		t.Helper()
		item := &record.QueueItem{
			ID:        id,
			Kind:      record.KindAnalytics,
			Action:    record.ActionCreate,
			Data:      json.RawMessage(`{}`),
			Timestamp: base.Add(offset),
			Priority:  priority,
		}
		if err := s.InsertItem(ctx, item); err != nil {
			t.Fatalf("InsertItem(%s) failed: %v", id, err)
		}
	}

	// Enqueue interleaved priorities; FIFO must hold within each band.
	insert("low-1", 5, 0)
	insert("high-1", 1, time.Millisecond)
	insert("low-2", 5, 2*time.Millisecond)
	insert("high-2", 1, 3*time.Millisecond)

	items, err := s.PendingItems(ctx)
	if err != nil {
		t.Fatalf("PendingItems failed: %v", err)
	}

	want := []string{"high-1", "high-2", "low-1", "low-2"}
	if len(items) != len(want) {
		t.Fatalf("got %d items, want %d", len(items), len(want))
	}
	for i, id := range want {
		if items[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, items[i].ID, id)
		}
	}
}

func TestPendingItemsSubSecondFIFO(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// Trailing fractional zeros are the trap here: with a trimmed format
	// ".5Z" compares greater than ".55Z" as text, inverting the order of
	// rapid same-priority enqueues.
	base := time.Date(2026, 6, 14, 13, 0, 0, 0, time.UTC)
	insert := func(id string, offset time.Duration) {
		t.Helper()
		item := &record.QueueItem{
			ID:        id,
			Kind:      record.KindGPSTrack,
			Action:    record.ActionCreate,
			Data:      json.RawMessage(`{}`),
			Timestamp: base.Add(offset),
			Priority:  1,
		}
		if err := s.InsertItem(ctx, item); err != nil {
			t.Fatalf("InsertItem(%s) failed: %v", id, err)
		}
	}

	insert("whole-second", 0)
	insert("half-second", 500*time.Millisecond)
	insert("after-half", 550*time.Millisecond)
	insert("one-nano", 550*time.Millisecond+time.Nanosecond)

	items, err := s.PendingItems(ctx)
	if err != nil {
		t.Fatalf("PendingItems failed: %v", err)
	}

	want := []string{"whole-second", "half-second", "after-half", "one-nano"}
	if len(items) != len(want) {
		t.Fatalf("got %d items, want %d", len(items), len(want))
	}
	for i, id := range want {
		if items[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, items[i].ID, id)
		}
	}
}

func TestUpdateItemAttempt(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	item := record.NewQueueItem(record.KindGPSTrack, record.ActionCreate, json.RawMessage(`{"race_id":"r-1"}`))
	if err := s.InsertItem(ctx, item); err != nil {
		t.Fatalf("InsertItem failed: %v", err)
	}

	next := time.Now().Add(30 * time.Second)
	if err := s.UpdateItemAttempt(ctx, item.ID, 1, false, "connection reset", next); err != nil {
		t.Fatalf("UpdateItemAttempt failed: %v", err)
	}

	got, err := s.GetItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if got.Retries != 1 || got.Failed || got.LastError != "connection reset" {
		t.Errorf("attempt not recorded: %+v", got)
	}
	if got.NextAttemptAt.IsZero() {
		t.Errorf("next attempt time not stored")
	}

	if err := s.UpdateItemAttempt(ctx, "missing", 1, false, "", time.Time{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing item, got %v", err)
	}
}

func TestFailedItemsExcludedFromPending(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	item := record.NewQueueItem(record.KindPhoto, record.ActionCreate, json.RawMessage(`{}`))
	if err := s.InsertItem(ctx, item); err != nil {
		t.Fatalf("InsertItem failed: %v", err)
	}
	if err := s.UpdateItemAttempt(ctx, item.ID, record.MaxRetries+1, true, "gone", time.Time{}); err != nil {
		t.Fatalf("UpdateItemAttempt failed: %v", err)
	}

	pending, err := s.PendingItems(ctx)
	if err != nil {
		t.Fatalf("PendingItems failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("failed item still pending")
	}

	failed, err := s.FailedItems(ctx)
	if err != nil {
		t.Fatalf("FailedItems failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("failed item not retained, got %d", len(failed))
	}
	if failed[0].LastError != "gone" {
		t.Errorf("last error not retained: %q", failed[0].LastError)
	}
}

func TestRequeueItem(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	item := record.NewQueueItem(record.KindRaceResult, record.ActionUpdate, json.RawMessage(`{}`))
	if err := s.InsertItem(ctx, item); err != nil {
		t.Fatalf("InsertItem failed: %v", err)
	}
	if err := s.UpdateItemAttempt(ctx, item.ID, record.MaxRetries+1, true, "gone", time.Time{}); err != nil {
		t.Fatalf("UpdateItemAttempt failed: %v", err)
	}

	if err := s.RequeueItem(ctx, item.ID); err != nil {
		t.Fatalf("RequeueItem failed: %v", err)
	}

	got, err := s.GetItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if got.Failed || got.Retries != 0 || got.LastError != "" {
		t.Errorf("requeue did not reset item: %+v", got)
	}
}

func TestQueueDepth(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	pending, failed, err := s.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("QueueDepth failed: %v", err)
	}
	if pending != 0 || failed != 0 {
		t.Errorf("empty queue depth = (%d, %d)", pending, failed)
	}

	a := record.NewQueueItem(record.KindGPSTrack, record.ActionCreate, json.RawMessage(`{}`))
	b := record.NewQueueItem(record.KindAnalytics, record.ActionCreate, json.RawMessage(`{}`))
	for _, item := range []*record.QueueItem{a, b} {
		if err := s.InsertItem(ctx, item); err != nil {
			t.Fatalf("InsertItem failed: %v", err)
		}
	}

	// Item past the visibility threshold counts as failed-visible even
	// while it is still in the active rotation.
	if err := s.UpdateItemAttempt(ctx, b.ID, record.FailedVisibility+1, false, "flaky", time.Time{}); err != nil {
		t.Fatalf("UpdateItemAttempt failed: %v", err)
	}

	pending, failed, err = s.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("QueueDepth failed: %v", err)
	}
	if pending != 2 {
		t.Errorf("pending = %d, want 2", pending)
	}
	if failed != 1 {
		t.Errorf("failed-visible = %d, want 1", failed)
	}
}

func TestLastSyncAtRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	got, err := s.LastSyncAt(ctx)
	if err != nil {
		t.Fatalf("LastSyncAt failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil before first sync, got %v", got)
	}

	now := time.Now()
	if err := s.SetLastSyncAt(ctx, now); err != nil {
		t.Fatalf("SetLastSyncAt failed: %v", err)
	}

	got, err = s.LastSyncAt(ctx)
	if err != nil {
		t.Fatalf("LastSyncAt failed: %v", err)
	}
	if got == nil || !got.Equal(now) {
		t.Errorf("last sync time round-trip mismatch: %v vs %v", got, now)
	}
}
