// Package export moves failed queue items across the process boundary as
// JSONL: one queue item per line.
//
// This is the escape hatch for mutations the backend would not take. A
// sailor (or support) exports the failed items, inspects or fixes them,
// and feeds the file back to return them to the retry rotation.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/regattaflow/regatta/internal/queue"
	"github.com/regattaflow/regatta/internal/record"
	"github.com/regattaflow/regatta/internal/store"
)

// Result summarizes a requeue-from-file pass.
type Result struct {
	// Requeued counts items returned to the active rotation.
	Requeued int

	// Missing lists ids from the file not present in the queue (already
	// delivered, or exported from another database).
	Missing []string
}

// WriteFailed writes the queue's failed-visible items to w as JSONL.
// Returns the number of items written.
func WriteFailed(ctx context.Context, q *queue.Queue, w io.Writer) (int, error) {
	items, err := q.Failed(ctx)
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return 0, fmt.Errorf("failed to encode item %s: %w", item.ID, err)
		}
	}
	return len(items), nil
}

// WriteFailedFile is WriteFailed to a file, written atomically via a temp
// file so a crash mid-export never leaves a truncated JSONL behind.
func WriteFailedFile(ctx context.Context, q *queue.Queue, path string) (int, error) {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create export file: %w", err)
	}

	n, err := WriteFailed(ctx, q, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to finalize export file: %w", err)
	}
	return n, nil
}

// Read parses JSONL queue items from r.
func Read(r io.Reader) ([]*record.QueueItem, error) {
	var items []*record.QueueItem
	dec := json.NewDecoder(r)
	for line := 1; ; line++ {
		var item record.QueueItem
		if err := dec.Decode(&item); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", line, err)
		}
		items = append(items, &item)
	}
	return items, nil
}

// ReadFile is Read over a file.
func ReadFile(path string) ([]*record.QueueItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open export file: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Requeue returns the items named in r to the active rotation with fresh
// retry budgets. Ids no longer in the queue are reported, not fatal.
func Requeue(ctx context.Context, q *queue.Queue, r io.Reader) (*Result, error) {
	items, err := Read(r)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, item := range items {
		switch err := q.Requeue(ctx, item.ID); {
		case err == nil:
			result.Requeued++
		case errors.Is(err, store.ErrNotFound):
			result.Missing = append(result.Missing, item.ID)
		default:
			return result, err
		}
	}
	return result, nil
}
