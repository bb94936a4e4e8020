// Package status provides the derived offline status and its publish/
// subscribe fan-out to interested observers (UI, diagnostics).
package status

import (
	"log"
	"os"
	"sync"
	"time"
)

// Status is the engine's current offline state. It is derived on demand
// from cache and queue state and never independently stored.
type Status struct {
	IsOnline  bool `json:"is_online"`
	IsSyncing bool `json:"is_syncing"`

	// QueueLength is the number of items in the active rotation.
	QueueLength int `json:"queue_length"`

	// FailedItems counts items retried past the visibility threshold or
	// out of rotation entirely. Exposed so the UI can warn the user
	// before they leave their last connectivity window.
	FailedItems int `json:"failed_items"`

	// LastSyncAt is the completion time of the last successful drain,
	// nil if none has succeeded yet.
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// Broadcaster fans a Status out to subscriber callbacks.
//
// Notifications are synchronous and uncoalesced: every state-affecting
// operation publishes once and every current subscriber is called before
// Publish returns. Subscribers must be fast and non-blocking by contract.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]func(Status)
	nextID int
	logger *log.Logger
}

// NewBroadcaster creates an empty broadcaster.
//
// If logger is nil, a default logger writing to stderr is used.
func NewBroadcaster(logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.New(os.Stderr, "[status] ", log.LstdFlags)
	}
	return &Broadcaster{
		subs:   make(map[int]func(Status)),
		logger: logger,
	}
}

// Subscribe registers a callback and returns its unsubscribe handle.
// Unsubscribing twice is a no-op.
func (b *Broadcaster) Subscribe(fn func(Status)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish calls every current subscriber with the status.
func (b *Broadcaster) Publish(st Status) {
	b.mu.Lock()
	subs := make([]func(Status), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	// Called outside the lock so a subscriber may unsubscribe itself.
	for _, fn := range subs {
		fn(st)
	}
}

// SubscriberCount returns the number of current subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
