// Package record provides the data structures shared by the offline cache
// and the mutation queue.
package record

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Band is the eviction-exemption class of a cache entry.
//
// Bands control which entries survive automatic eviction. Losing a
// permanent or race entry mid-race is a correctness failure, so those
// bands are exempt from every automatic sweep.
type Band string

const (
	// BandPermanent entries are never evicted automatically (home venue).
	BandPermanent Band = "permanent"

	// BandRace entries belong to the current or next race. They are removed
	// explicitly on race completion, never on a timer: an in-progress race
	// has no safe expiry point.
	BandRace Band = "race"

	// BandVenue entries are recently-viewed venue snapshots, disposable
	// after their TTL (default 30 days).
	BandVenue Band = "venue"

	// BandTemporary entries are short-lived data such as weather
	// (default 6 hours).
	BandTemporary Band = "temporary"
)

// Valid reports whether b is a known band.
func (b Band) Valid() bool {
	switch b {
	case BandPermanent, BandRace, BandVenue, BandTemporary:
		return true
	}
	return false
}

// SweepExempt reports whether entries in this band survive the timed
// expiry sweep even when their expiry has passed.
func (b Band) SweepExempt() bool {
	return b == BandPermanent || b == BandRace
}

// CacheEntry is a read-mostly domain snapshot held in the local cache.
type CacheEntry struct {
	// Key is unique per cached object, domain-scoped (e.g. "race:123").
	Key string `json:"key"`

	// Data is the opaque JSON payload.
	Data json.RawMessage `json:"data"`

	// Band governs eviction exemption.
	Band Band `json:"band"`

	// Timestamp is the creation or last refresh time.
	Timestamp time.Time `json:"timestamp"`

	// ExpiresAt is the optional absolute expiry. Nil means no
	// time-based expiry.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Validate checks that the entry has valid field values.
func (e *CacheEntry) Validate() error {
	if e.Key == "" {
		return fmt.Errorf("key is required")
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("data is required")
	}
	if !e.Band.Valid() {
		return fmt.Errorf("unknown band %q", e.Band)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// Expired reports whether the entry's expiry has passed at the given time.
// Entries without an expiry never expire.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// Kind identifies what a queue item or backend record contains.
//
// Kinds are an open set: the constants below cover the mutation kinds the
// engine produces and the snapshot kinds it caches, but the backend
// boundary accepts any kind string.
type Kind string

// Mutation kinds carried by the queue.
const (
	KindGPSTrack   Kind = "gps_track"
	KindRaceLog    Kind = "race_log"
	KindRaceResult Kind = "race_result"
	KindPhoto      Kind = "photo"
	KindAnalytics  Kind = "analytics"
)

// Snapshot kinds fetched into the cache.
const (
	KindRace        Kind = "race"
	KindVenue       Kind = "venue"
	KindWeather     Kind = "weather"
	KindStrategy    Kind = "strategy"
	KindDocument    Kind = "document"
	KindTuningGuide Kind = "tuning_guide"
)

// Action is the replay operation a queue item performs against the backend.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Queue delivery bounds.
const (
	// MaxRetries is the delivery attempt bound. An item whose retry count
	// exceeds this leaves the active rotation and becomes failed-visible.
	MaxRetries = 5

	// FailedVisibility is the retry count above which an item is counted
	// toward the user-facing failed-item count.
	FailedVisibility = 3

	// MaxClockSkew bounds how far in the future a client timestamp may sit
	// relative to the local clock at enqueue time. Timestamps beyond it are
	// clamped so a skewed device cannot claim an arbitrarily late write.
	MaxClockSkew = 5 * time.Minute
)

// DefaultPriority returns the fixed enqueue priority for a mutation kind,
// 1 (highest) through 5 (lowest). Race-day telemetry rides at 1.
func DefaultPriority(k Kind) int {
	switch k {
	case KindGPSTrack, KindRaceLog:
		return 1
	case KindRaceResult:
		return 2
	case KindPhoto:
		return 4
	case KindAnalytics:
		return 5
	default:
		return 3
	}
}

// QueueItem is a pending write operation awaiting delivery to the backend.
//
// Items are created by producers and mutated only by the sync processor:
// retries increment on failure, the item is deleted on success. Read paths
// never modify queue state.
type QueueItem struct {
	// ID is the client-generated identifier. Deliveries are idempotent
	// upserts keyed by it, so repeated attempts cannot duplicate records.
	ID string `json:"id"`

	// Kind is the mutation kind.
	Kind Kind `json:"kind"`

	// Action is create, update, or delete.
	Action Action `json:"action"`

	// Data is the payload required to replay the mutation.
	Data json.RawMessage `json:"data"`

	// Timestamp is the client-side creation time. It is the authoritative
	// ordering and conflict signal: the later client timestamp wins.
	Timestamp time.Time `json:"timestamp"`

	// Priority is 1 (highest) through 5 (lowest), fixed per kind at
	// enqueue time.
	Priority int `json:"priority"`

	// Retries counts failed delivery attempts.
	Retries int `json:"retries"`

	// Failed marks the item as out of the active retry rotation. Failed
	// items stay visible for inspection, export, and manual retry.
	Failed bool `json:"failed,omitempty"`

	// LastError records the most recent delivery failure.
	LastError string `json:"last_error,omitempty"`

	// NextAttemptAt gates automatic re-delivery after a failure. Zero
	// means the item is eligible immediately. Forced drains ignore it.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

// NewQueueItem builds a queue item for the given mutation with a fresh
// client id, the kind's fixed priority, and the enqueue time as its
// conflict timestamp.
func NewQueueItem(kind Kind, action Action, data json.RawMessage) *QueueItem {
	return NewQueueItemAt(kind, action, data, time.Time{})
}

// NewQueueItemAt builds a queue item carrying a producer-supplied event
// time as its conflict timestamp, clamped to the local clock plus
// MaxClockSkew. A recorder with a fast clock cannot claim an arbitrarily
// late write and win every last-write-wins conflict. A zero at falls back
// to the enqueue time.
func NewQueueItemAt(kind Kind, action Action, data json.RawMessage, at time.Time) *QueueItem {
	now := time.Now()
	if at.IsZero() {
		at = now
	}
	return &QueueItem{
		ID:        uuid.NewString(),
		Kind:      kind,
		Action:    action,
		Data:      data,
		Timestamp: ClampTimestamp(at, now),
		Priority:  DefaultPriority(kind),
	}
}

// ClampTimestamp bounds a client timestamp to now+MaxClockSkew.
func ClampTimestamp(ts, now time.Time) time.Time {
	if max := now.Add(MaxClockSkew); ts.After(max) {
		return max
	}
	return ts
}

// Validate checks that the item has valid field values.
func (i *QueueItem) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("id is required")
	}
	if i.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if !i.Action.Valid() {
		return fmt.Errorf("unknown action %q", i.Action)
	}
	if len(i.Data) == 0 {
		return fmt.Errorf("data is required")
	}
	if i.Priority < 1 || i.Priority > 5 {
		return fmt.Errorf("priority must be between 1 and 5 (got %d)", i.Priority)
	}
	if i.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if i.Retries < 0 {
		return fmt.Errorf("retries cannot be negative")
	}
	return nil
}

// FailedVisible reports whether the item counts toward the user-facing
// failed-item count.
func (i *QueueItem) FailedVisible() bool {
	return i.Failed || i.Retries > FailedVisibility
}
