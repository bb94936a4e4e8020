package cache

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

// setupTestCache creates a cache with a fake clock over a temp database.
func setupTestCache(t *testing.T) (*Cache, *time.Time) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	c := New(st, log.New(os.Stderr, "[test] ", 0))
	now := time.Now()
	c.now = func() time.Time { return now }
	return c, &now
}

func TestPutGet(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	data := json.RawMessage(`{"name":"Harbor Regatta"}`)
	if err := c.Put(ctx, record.RaceKey("r-1"), data, PutOptions{Band: record.BandRace}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := c.Get(ctx, record.RaceKey("r-1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("data mismatch: %s", got)
	}
}

func TestGetAbsent(t *testing.T) {
	c, _ := setupTestCache(t)

	_, err := c.Get(context.Background(), "race:missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLazyExpiry(t *testing.T) {
	c, now := setupTestCache(t)
	ctx := context.Background()

	key := record.WeatherKey("v-1")
	if err := c.Put(ctx, key, json.RawMessage(`{"wind_kts":12}`), PutOptions{
		Band: record.BandTemporary,
		TTL:  DefaultWeatherTTL,
	}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Still live just before expiry.
	*now = now.Add(DefaultWeatherTTL - time.Minute)
	if _, err := c.Get(ctx, key); err != nil {
		t.Fatalf("Get before expiry failed: %v", err)
	}

	// Past expiry: absent, and the row is eagerly deleted.
	*now = now.Add(2 * time.Minute)
	if _, err := c.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}

	// Rewind the clock: the entry must be gone from storage, not hidden.
	*now = now.Add(-24 * time.Hour)
	if _, err := c.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired entry was not deleted from storage")
	}
}

func TestClearExpiredSparesExemptBands(t *testing.T) {
	c, now := setupTestCache(t)
	ctx := context.Background()

	past := now.Add(-time.Hour)
	put := func(key string, band record.Band) {
		t.Helper()
		if err := c.Put(ctx, key, json.RawMessage(`{}`), PutOptions{Band: band, ExpiresAt: &past}); err != nil {
			t.Fatalf("Put(%s) failed: %v", key, err)
		}
	}

	// All four entries carry an already-passed expiry.
	put("venue:home", record.BandPermanent)
	put("race:r-1", record.BandRace)
	put("venue:v-2", record.BandVenue)
	put("weather:v-2", record.BandTemporary)

	deleted, err := c.ClearExpired(ctx)
	if err != nil {
		t.Fatalf("ClearExpired failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted %d entries, want 2", deleted)
	}

	// Race and permanent entries survive regardless of expiry.
	for _, key := range []string{"venue:home", "race:r-1"} {
		// Get would apply lazy expiry, so read through the sweep path:
		// exempt entries must still be enumerable.
		if _, err := c.store.GetEntry(ctx, key); err != nil {
			t.Errorf("exempt entry %s was swept: %v", key, err)
		}
	}
	for _, key := range []string{"venue:v-2", "weather:v-2"} {
		if _, err := c.store.GetEntry(ctx, key); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("disposable entry %s survived the sweep", key)
		}
	}
}

func TestClearExpiredAtAnySimulatedTime(t *testing.T) {
	c, now := setupTestCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, record.RaceKey("r-1"), json.RawMessage(`{}`), PutOptions{
		Band: record.BandRace,
		TTL:  time.Minute,
	}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// The race entry is never removed by the sweep, however far time
	// advances.
	for _, jump := range []time.Duration{time.Hour, 24 * time.Hour, 365 * 24 * time.Hour} {
		*now = now.Add(jump)
		if _, err := c.ClearExpired(ctx); err != nil {
			t.Fatalf("ClearExpired failed: %v", err)
		}
		if _, err := c.store.GetEntry(ctx, record.RaceKey("r-1")); err != nil {
			t.Fatalf("race entry removed after %v: %v", jump, err)
		}
	}
}

func TestClearAllKeepsPermanent(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	puts := map[string]record.Band{
		"venue:home":  record.BandPermanent,
		"race:r-1":    record.BandRace,
		"venue:v-2":   record.BandVenue,
		"weather:v-2": record.BandTemporary,
	}
	for key, band := range puts {
		if err := c.Put(ctx, key, json.RawMessage(`{}`), PutOptions{Band: band}); err != nil {
			t.Fatalf("Put(%s) failed: %v", key, err)
		}
	}

	n, err := c.ClearAll(ctx)
	if err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}
	if n != 3 {
		t.Errorf("cleared %d entries, want 3", n)
	}

	if _, err := c.Get(ctx, "venue:home"); err != nil {
		t.Errorf("permanent entry removed by ClearAll: %v", err)
	}
	if _, err := c.Get(ctx, "race:r-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("race entry survived ClearAll")
	}
}

func TestClearRace(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, record.RaceKey("r-1"), json.RawMessage(`{}`), PutOptions{Band: record.BandRace}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := c.ClearRace(ctx, "r-1"); err != nil {
		t.Fatalf("ClearRace failed: %v", err)
	}
	if _, err := c.Get(ctx, record.RaceKey("r-1")); !errors.Is(err, ErrNotFound) {
		t.Errorf("race entry survived explicit clear")
	}
}

func TestPutRejectsUnknownBand(t *testing.T) {
	c, _ := setupTestCache(t)

	err := c.Put(context.Background(), "k", json.RawMessage(`{}`), PutOptions{Band: "weekly"})
	if err == nil {
		t.Errorf("unknown band accepted")
	}
}
