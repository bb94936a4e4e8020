// Package queue implements the durable mutation queue: pending write
// operations awaiting delivery to the backend, ordered by priority.
//
// The queue is persistence only. State transitions on items (retry counts,
// failed-visible marking, removal on success) are driven exclusively by the
// sync processor; read paths never mutate queue state. An item leaves the
// queue only when delivery succeeds; an item that exhausts its retries
// stays visible as a failed record rather than being dropped silently.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/regattaflow/regatta/internal/record"
	"github.com/regattaflow/regatta/internal/store"
)

// Queue is the durable mutation queue.
type Queue struct {
	store  *store.Store
	logger *log.Logger
}

// New creates a queue over the given store.
//
// If logger is nil, a default logger writing to stderr is used.
func New(st *store.Store, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{store: st, logger: logger}
}

// Enqueue appends a new mutation with a fresh client id, zero retries, and
// the kind's fixed priority, timestamped at the enqueue time. Returns the
// stored item.
func (q *Queue) Enqueue(ctx context.Context, kind record.Kind, action record.Action, data json.RawMessage) (*record.QueueItem, error) {
	return q.EnqueueAt(ctx, kind, action, data, time.Time{})
}

// EnqueueAt is Enqueue with a producer-supplied event time as the item's
// conflict timestamp, clamped to the local clock plus record.MaxClockSkew.
// A zero at means "now".
func (q *Queue) EnqueueAt(ctx context.Context, kind record.Kind, action record.Action, data json.RawMessage, at time.Time) (*record.QueueItem, error) {
	item := record.NewQueueItemAt(kind, action, data, at)
	if err := q.store.InsertItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", kind, err)
	}
	q.logger.Printf("Enqueued %s %s (priority %d): %s", action, kind, item.Priority, item.ID)
	return item, nil
}

// Pending returns the active rotation, priority ascending then FIFO.
func (q *Queue) Pending(ctx context.Context) ([]*record.QueueItem, error) {
	return q.store.PendingItems(ctx)
}

// Failed returns the items retained as failed-visible records.
func (q *Queue) Failed(ctx context.Context) ([]*record.QueueItem, error) {
	return q.store.FailedItems(ctx)
}

// Depth returns the active queue length and the failed-visible count.
func (q *Queue) Depth(ctx context.Context) (pending, failedVisible int, err error) {
	return q.store.QueueDepth(ctx)
}

// Remove deletes an item after successful delivery.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.store.DeleteItem(ctx, id)
}

// RecordFailure increments the item's retry count after a transient
// delivery failure and schedules the next automatic attempt. Once the
// count exceeds the retry bound the item leaves the active rotation but
// stays visible. Returns the updated retry count and whether the item is
// now out of rotation.
func (q *Queue) RecordFailure(ctx context.Context, item *record.QueueItem, deliveryErr error, nextAttemptAt time.Time) (retries int, failed bool, err error) {
	retries = item.Retries + 1
	failed = retries > record.MaxRetries

	next := nextAttemptAt
	if failed {
		next = time.Time{}
	}

	if err := q.store.UpdateItemAttempt(ctx, item.ID, retries, failed, deliveryErr.Error(), next); err != nil {
		return 0, false, fmt.Errorf("failed to record delivery failure for %s: %w", item.ID, err)
	}

	if failed {
		q.logger.Printf("Item %s (%s) exhausted retries: %v", item.ID, item.Kind, deliveryErr)
	}
	return retries, failed, nil
}

// MarkUnsupported moves an item straight to failed-visible without
// consuming a retry: the backend reported the record kind unavailable, and
// retrying cannot fix a missing capability.
func (q *Queue) MarkUnsupported(ctx context.Context, item *record.QueueItem, deliveryErr error) error {
	if err := q.store.UpdateItemAttempt(ctx, item.ID, item.Retries, true, deliveryErr.Error(), time.Time{}); err != nil {
		return fmt.Errorf("failed to mark %s unsupported: %w", item.ID, err)
	}
	q.logger.Printf("Item %s (%s) marked unsupported: %v", item.ID, item.Kind, deliveryErr)
	return nil
}

// Requeue puts a failed item back into the active rotation with a fresh
// retry budget. This is the manual-retry path for inspected failures.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	if err := q.store.RequeueItem(ctx, id); err != nil {
		return fmt.Errorf("failed to requeue %s: %w", id, err)
	}
	q.logger.Printf("Requeued item: %s", id)
	return nil
}
