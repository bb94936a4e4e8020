// Package cache implements the offline cache store: durable key-value
// snapshots of races, venues, strategies, tuning guides, weather, and
// documents, with per-entry priority bands and optional expiry.
//
// Eviction policy: permanent and race entries are exempt from every
// automatic sweep because losing them mid-race is a correctness failure,
// not a performance one. Venue and temporary entries are disposable and
// time-bounded. Expiry is lazy: a read of an expired entry treats it as
// absent and deletes it eagerly.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/regattaflow/regatta/internal/record"
	"github.com/regattaflow/regatta/internal/store"
)

// ErrNotFound is returned by Get when no live entry exists at the key.
var ErrNotFound = errors.New("cache: entry not found")

// Default TTLs for disposable bands.
const (
	DefaultVenueTTL   = 30 * 24 * time.Hour
	DefaultWeatherTTL = 6 * time.Hour
)

// PutOptions controls band and expiry of a stored entry.
type PutOptions struct {
	// Band is the eviction-exemption class. Required.
	Band record.Band

	// TTL sets the expiry relative to now. Zero means no time-based
	// expiry unless ExpiresAt is set.
	TTL time.Duration

	// ExpiresAt sets an absolute expiry. Takes precedence over TTL.
	ExpiresAt *time.Time
}

// Cache is the durable cache store. All methods are safe for concurrent
// use; the underlying store runs in WAL mode.
type Cache struct {
	store  *store.Store
	logger *log.Logger

	// now is the clock, swappable in tests to simulate expiry.
	now func() time.Time
}

// New creates a cache over the given store.
//
// If logger is nil, a default logger writing to stderr is used.
func New(st *store.Store, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	return &Cache{
		store:  st,
		logger: logger,
		now:    time.Now,
	}
}

// Put stores data at key, overwriting any existing entry.
//
// There is no error path for logically valid inputs: a failure here is a
// storage-layer I/O failure and propagates to the caller as fatal to the
// operation (local cache writes are expected to be reliable).
func (c *Cache) Put(ctx context.Context, key string, data json.RawMessage, opts PutOptions) error {
	now := c.now()

	var expiresAt *time.Time
	switch {
	case opts.ExpiresAt != nil:
		expiresAt = opts.ExpiresAt
	case opts.TTL > 0:
		t := now.Add(opts.TTL)
		expiresAt = &t
	}

	entry := &record.CacheEntry{
		Key:       key,
		Data:      data,
		Band:      opts.Band,
		Timestamp: now,
		ExpiresAt: expiresAt,
	}

	if err := c.store.PutEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to cache %s: %w", key, err)
	}
	return nil
}

// Get returns the data at key, or ErrNotFound.
//
// If the entry's expiry has passed it is treated as absent and deleted
// eagerly (lazy expiry).
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, error) {
	entry, err := c.store.GetEntry(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if entry.Expired(c.now()) {
		if err := c.store.DeleteEntry(ctx, key); err != nil {
			return nil, fmt.Errorf("failed to evict expired entry %s: %w", key, err)
		}
		c.logger.Printf("Evicted expired entry: %s", key)
		return nil, ErrNotFound
	}

	return entry.Data, nil
}

// ClearExpired sweeps the full keyspace and deletes entries whose expiry
// has passed, except those in sweep-exempt bands (permanent, race).
// Returns the number of deleted entries.
func (c *Cache) ClearExpired(ctx context.Context) (int, error) {
	entries, err := c.store.ListEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to enumerate cache: %w", err)
	}

	now := c.now()
	deleted := 0
	for _, entry := range entries {
		if entry.Band.SweepExempt() {
			continue
		}
		if !entry.Expired(now) {
			continue
		}
		if err := c.store.DeleteEntry(ctx, entry.Key); err != nil {
			return deleted, fmt.Errorf("failed to sweep entry %s: %w", entry.Key, err)
		}
		deleted++
	}

	if deleted > 0 {
		c.logger.Printf("Expiry sweep removed %d entries", deleted)
	}
	return deleted, nil
}

// ClearAll deletes every entry except the permanent band. Returns the
// number of deleted entries.
func (c *Cache) ClearAll(ctx context.Context) (int, error) {
	n, err := c.store.DeleteEntriesExcept(ctx, record.BandPermanent)
	if err != nil {
		return 0, err
	}
	c.logger.Printf("Cleared %d cache entries (kept permanent)", n)
	return n, nil
}

// ClearRace removes the given race's entries explicitly. Race-band entries
// never expire on a timer; this is their removal path on race completion.
func (c *Cache) ClearRace(ctx context.Context, raceID string) error {
	if err := c.store.DeleteEntry(ctx, record.RaceKey(raceID)); err != nil {
		return err
	}
	c.logger.Printf("Cleared race entry: %s", raceID)
	return nil
}
