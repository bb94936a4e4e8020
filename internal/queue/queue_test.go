package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/regattaflow/regatta/internal/record"
	"github.com/regattaflow/regatta/internal/store"
)

func setupTestQueue(t *testing.T) *Queue {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return New(st, log.New(os.Stderr, "[test] ", 0))
}

func TestEnqueue(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, record.KindGPSTrack, record.ActionCreate, json.RawMessage(`{"race_id":"r-1"}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if item.Retries != 0 {
		t.Errorf("new item retries = %d, want 0", item.Retries)
	}
	if item.Priority != 1 {
		t.Errorf("gps_track priority = %d, want 1", item.Priority)
	}

	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != item.ID {
		t.Errorf("enqueued item not pending")
	}
}

func TestRecordFailureBound(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, record.KindRaceResult, record.ActionUpdate, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	deliveryErr := errors.New("connection refused")

	// Failures up to the bound keep the item in rotation.
	for want := 1; want <= record.MaxRetries; want++ {
		retries, failed, err := q.RecordFailure(ctx, item, deliveryErr, time.Time{})
		if err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
		if retries != want {
			t.Errorf("retries = %d, want %d", retries, want)
		}
		if failed {
			t.Errorf("item failed at retry %d, bound is %d", want, record.MaxRetries)
		}
		item.Retries = retries
	}

	// The attempt past the bound moves it out of rotation, retained.
	retries, failed, err := q.RecordFailure(ctx, item, deliveryErr, time.Time{})
	if err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if retries != record.MaxRetries+1 || !failed {
		t.Errorf("item not failed after exceeding bound: retries=%d failed=%v", retries, failed)
	}

	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("failed item still in active rotation")
	}

	failedItems, err := q.Failed(ctx)
	if err != nil {
		t.Fatalf("Failed failed: %v", err)
	}
	if len(failedItems) != 1 {
		t.Fatalf("failed item not retained as visible record")
	}
	if failedItems[0].LastError != "connection refused" {
		t.Errorf("last error not retained: %q", failedItems[0].LastError)
	}
}

func TestMarkUnsupportedConsumesNoRetry(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, record.KindAnalytics, record.ActionCreate, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := q.MarkUnsupported(ctx, item, errors.New("analytics table missing")); err != nil {
		t.Fatalf("MarkUnsupported failed: %v", err)
	}

	failed, err := q.Failed(ctx)
	if err != nil {
		t.Fatalf("Failed failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("unsupported item not failed-visible")
	}
	if failed[0].Retries != 0 {
		t.Errorf("unsupported marking consumed a retry: %d", failed[0].Retries)
	}
}

func TestRequeue(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, record.KindPhoto, record.ActionCreate, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.MarkUnsupported(ctx, item, errors.New("photos disabled")); err != nil {
		t.Fatalf("MarkUnsupported failed: %v", err)
	}

	if err := q.Requeue(ctx, item.ID); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}

	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Retries != 0 {
		t.Errorf("requeued item not back in rotation with fresh budget")
	}
}

func TestDepth(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, record.KindGPSTrack, record.ActionCreate, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	item, err := q.Enqueue(ctx, record.KindRaceLog, record.ActionCreate, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.MarkUnsupported(ctx, item, errors.New("nope")); err != nil {
		t.Fatalf("MarkUnsupported failed: %v", err)
	}

	pending, failedVisible, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if pending != 1 {
		t.Errorf("pending = %d, want 1", pending)
	}
	if failedVisible != 1 {
		t.Errorf("failedVisible = %d, want 1", failedVisible)
	}
}
