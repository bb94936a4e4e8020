// Package engine is the composition root: it owns the cache, the mutation
// queue, the sync processor, and the network monitor, and exposes the
// operations the app calls.
//
// Construction is explicit. The caller opens the store, chooses the
// backend, and supplies the connectivity signal; there is no package-level
// singleton. One engine per device is assumed: no multi-process
// coordination, no distributed locking.
//
// All write operations complete synchronously against local storage and
// return before any network delivery happens. Delivery is the background
// drain's job: triggered on connectivity restoration, on a periodic tick,
// opportunistically after an online enqueue, and on demand from
// ForceSyncNow.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/regattaflow/regatta/internal/backend"
	"github.com/regattaflow/regatta/internal/cache"
	"github.com/regattaflow/regatta/internal/netmon"
	"github.com/regattaflow/regatta/internal/queue"
	"github.com/regattaflow/regatta/internal/record"
	"github.com/regattaflow/regatta/internal/status"
	"github.com/regattaflow/regatta/internal/store"
	"github.com/regattaflow/regatta/internal/syncer"
	"github.com/regattaflow/regatta/internal/track"
)

// Config holds the engine's collaborators and tunables.
type Config struct {
	// Signal is the connectivity signal the network monitor consumes.
	// If nil, the engine stays at InitialOnline until told otherwise.
	Signal <-chan bool

	// InitialOnline seeds the connectivity state before the first signal.
	InitialOnline bool

	// SweepInterval is the cadence of the expiry sweep (default: 1h).
	SweepInterval time.Duration

	// DrainInterval is the cadence of the periodic drain (default: 5m).
	DrainInterval time.Duration

	// SyncWorkers is the drain delivery concurrency (default: 4).
	SyncWorkers int

	// Backoff overrides the automatic re-attempt schedule.
	Backoff func(retries int) time.Duration

	// Logger for engine activity.
	Logger *log.Logger
}

// Engine coordinates the offline cache and the durable sync queue.
type Engine struct {
	store       *store.Store
	cache       *cache.Cache
	queue       *queue.Queue
	backend     backend.Backend
	processor   *syncer.Processor
	monitor     *netmon.Monitor
	broadcaster *status.Broadcaster
	logger      *log.Logger

	sweepInterval time.Duration
	drainInterval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
	wg      sync.WaitGroup
}

// New wires an engine over the given store and backend. The store must
// already have its schema initialized.
func New(st *store.Store, be backend.Backend, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 5 * time.Minute
	}

	e := &Engine{
		store:         st,
		cache:         cache.New(st, logger),
		queue:         queue.New(st, logger),
		backend:       be,
		broadcaster:   status.NewBroadcaster(logger),
		logger:        logger,
		sweepInterval: cfg.SweepInterval,
		drainInterval: cfg.DrainInterval,
	}

	e.processor = syncer.New(st, e.queue, be, syncer.Config{
		Workers: cfg.SyncWorkers,
		Backoff: cfg.Backoff,
		Notify:  func() { e.publish(context.Background()) },
		Logger:  logger,
	})
	e.processor.SetOnline(cfg.InitialOnline)

	e.monitor = netmon.New(cfg.Signal, netmon.Config{
		InitialOnline: cfg.InitialOnline,
		OnOnline: func() {
			e.processor.SetOnline(true)
			go e.drain()
		},
		OnTransition: func(online bool) {
			e.processor.SetOnline(online)
			e.publish(context.Background())
		},
		Logger: logger,
	})

	return e
}

// Start launches the background loops: the connectivity monitor, the
// periodic expiry sweep, and the periodic drain. Calling Start twice
// without Stop is an error.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return errors.New("engine already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	e.cancel = cancel
	e.stopped = stopped

	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		e.monitor.Run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.sweepLoop(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.drainLoop(ctx)
	}()

	go func() {
		e.wg.Wait()
		close(stopped)
	}()

	e.logger.Printf("Engine started (sweep %s, drain %s)", e.sweepInterval, e.drainInterval)
	return nil
}

// Stop cancels the background loops and waits for them to exit. A drain
// already in flight finishes its current deliveries first.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, stopped := e.cancel, e.stopped
	e.cancel, e.stopped = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	e.logger.Println("Engine stopped")
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.cache.ClearExpired(ctx); err != nil {
				e.logger.Printf("Warning: expiry sweep failed: %v", err)
			} else if n > 0 {
				e.logger.Printf("Expiry sweep removed %d entries", n)
			}
		}
	}
}

func (e *Engine) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(e.drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drain()
		}
	}
}

// drain runs one automatic drain pass. Offline and drain-in-progress are
// expected states, not failures.
func (e *Engine) drain() {
	_, err := e.processor.Drain(context.Background())
	if err != nil && !errors.Is(err, syncer.ErrOffline) && !errors.Is(err, syncer.ErrDrainInProgress) {
		e.logger.Printf("Warning: drain failed: %v", err)
	}
}

// maybeDrain kicks an opportunistic background drain after an online
// enqueue, so a mutation made with connectivity does not wait for the
// next tick.
func (e *Engine) maybeDrain() {
	if e.processor.Online() {
		go e.drain()
	}
}

// --- Cache operations ---

// CacheNextRace stores the current/next race snapshot. Race entries have
// no expiry: an in-progress race has no safe expiry point, so they are
// removed only by ClearRaceCache on race completion.
func (e *Engine) CacheNextRace(ctx context.Context, raceID string, data json.RawMessage) error {
	if raceID == "" {
		return fmt.Errorf("race id is required")
	}
	return e.cache.Put(ctx, record.RaceKey(raceID), data, cache.PutOptions{Band: record.BandRace})
}

// CacheStrategy stores a user's strategy for a race, alongside the race
// itself in the eviction-exempt race band.
func (e *Engine) CacheStrategy(ctx context.Context, raceID, userID string, data json.RawMessage) error {
	if raceID == "" || userID == "" {
		return fmt.Errorf("race id and user id are required")
	}
	return e.cache.Put(ctx, record.StrategyKey(raceID, userID), data, cache.PutOptions{Band: record.BandRace})
}

// CacheVenue stores a venue snapshot with the default 30-day TTL.
func (e *Engine) CacheVenue(ctx context.Context, venueID string, data json.RawMessage) error {
	if venueID == "" {
		return fmt.Errorf("venue id is required")
	}
	return e.cache.Put(ctx, record.VenueKey(venueID), data, cache.PutOptions{
		Band: record.BandVenue,
		TTL:  cache.DefaultVenueTTL,
	})
}

// CacheVenueUntil stores a venue snapshot with an explicit expiry instead
// of the default TTL, for venues the sailor knows they need through a
// regatta weekend.
func (e *Engine) CacheVenueUntil(ctx context.Context, venueID string, data json.RawMessage, until time.Time) error {
	if venueID == "" {
		return fmt.Errorf("venue id is required")
	}
	return e.cache.Put(ctx, record.VenueKey(venueID), data, cache.PutOptions{
		Band:      record.BandVenue,
		ExpiresAt: &until,
	})
}

// CacheWeather stores a venue weather snapshot with the default 6-hour
// TTL. Stale weather is worse than no weather.
func (e *Engine) CacheWeather(ctx context.Context, venueID string, data json.RawMessage) error {
	if venueID == "" {
		return fmt.Errorf("venue id is required")
	}
	return e.cache.Put(ctx, record.WeatherKey(venueID), data, cache.PutOptions{
		Band: record.BandTemporary,
		TTL:  cache.DefaultWeatherTTL,
	})
}

// RefreshWeather fetches the venue's current weather from the backend and
// caches it. Returns syncer.ErrOffline when offline; the previously cached
// snapshot, if any, stays valid until its own expiry.
func (e *Engine) RefreshWeather(ctx context.Context, venueID string) (json.RawMessage, error) {
	if venueID == "" {
		return nil, fmt.Errorf("venue id is required")
	}
	if !e.processor.Online() {
		return nil, syncer.ErrOffline
	}

	recs, err := e.backend.Fetch(ctx, record.KindWeather, backend.Criteria{"venue_id": venueID})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch weather for %s: %w", venueID, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("no weather available for %s", venueID)
	}

	// The backend may return several forecast records; the latest wins.
	latest := recs[0]
	for _, rec := range recs[1:] {
		if rec.Timestamp.After(latest.Timestamp) {
			latest = rec
		}
	}

	if err := e.CacheWeather(ctx, venueID, latest.Data); err != nil {
		return nil, err
	}
	return latest.Data, nil
}

// CacheDocument stores a sailing document (sailing instructions, notice of
// race) with the venue TTL.
func (e *Engine) CacheDocument(ctx context.Context, docID string, data json.RawMessage) error {
	if docID == "" {
		return fmt.Errorf("document id is required")
	}
	return e.cache.Put(ctx, record.DocumentKey(docID), data, cache.PutOptions{
		Band: record.BandVenue,
		TTL:  cache.DefaultVenueTTL,
	})
}

// CacheTuningGuide parses a YAML tuning guide and stores it keyed by boat
// class. Returns the parsed guide.
func (e *Engine) CacheTuningGuide(ctx context.Context, src []byte) (*record.TuningGuide, error) {
	guide, err := record.ParseTuningGuide(src)
	if err != nil {
		return nil, err
	}
	data, err := record.MarshalPayload(guide)
	if err != nil {
		return nil, err
	}
	err = e.cache.Put(ctx, record.TuningGuideKey(guide.BoatClass), data, cache.PutOptions{
		Band: record.BandVenue,
		TTL:  cache.DefaultVenueTTL,
	})
	if err != nil {
		return nil, err
	}
	return guide, nil
}

// SetHomeVenue stores the home venue. It lives in the permanent band: it
// survives every sweep and ClearCache.
func (e *Engine) SetHomeVenue(ctx context.Context, data json.RawMessage) error {
	return e.cache.Put(ctx, record.HomeVenueKey, data, cache.PutOptions{Band: record.BandPermanent})
}

// GetCachedRace returns the cached race snapshot, or cache.ErrNotFound.
func (e *Engine) GetCachedRace(ctx context.Context, raceID string) (json.RawMessage, error) {
	return e.cache.Get(ctx, record.RaceKey(raceID))
}

// GetCachedVenue returns the cached venue snapshot, or cache.ErrNotFound.
func (e *Engine) GetCachedVenue(ctx context.Context, venueID string) (json.RawMessage, error) {
	return e.cache.Get(ctx, record.VenueKey(venueID))
}

// GetCachedWeather returns the cached weather snapshot, or
// cache.ErrNotFound (including when it has expired).
func (e *Engine) GetCachedWeather(ctx context.Context, venueID string) (json.RawMessage, error) {
	return e.cache.Get(ctx, record.WeatherKey(venueID))
}

// GetCachedTuningGuide returns the cached guide for a boat class.
func (e *Engine) GetCachedTuningGuide(ctx context.Context, boatClass string) (*record.TuningGuide, error) {
	data, err := e.cache.Get(ctx, record.TuningGuideKey(boatClass))
	if err != nil {
		return nil, err
	}
	var guide record.TuningGuide
	if err := json.Unmarshal(data, &guide); err != nil {
		return nil, fmt.Errorf("failed to decode cached tuning guide: %w", err)
	}
	return &guide, nil
}

// HomeVenue returns the stored home venue, or cache.ErrNotFound.
func (e *Engine) HomeVenue(ctx context.Context) (json.RawMessage, error) {
	return e.cache.Get(ctx, record.HomeVenueKey)
}

// ClearExpiredCache removes expired entries in the disposable bands.
func (e *Engine) ClearExpiredCache(ctx context.Context) (int, error) {
	return e.cache.ClearExpired(ctx)
}

// ClearCache removes everything except the permanent band.
func (e *Engine) ClearCache(ctx context.Context) (int, error) {
	return e.cache.ClearAll(ctx)
}

// ClearRaceCache removes a completed race's snapshot and strategies.
func (e *Engine) ClearRaceCache(ctx context.Context, raceID string) error {
	return e.cache.ClearRace(ctx, raceID)
}

// --- Mutation operations ---

// SaveGPSTrack analyzes the recorded fixes against the mark bearing and
// queues the track at the highest priority. The summary is computed
// on-device so the track is useful even if it syncs days later.
func (e *Engine) SaveGPSTrack(ctx context.Context, raceID string, points []record.TrackPoint, markBearing float64) (*record.QueueItem, error) {
	summary, err := track.Analyze(points, markBearing)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze track: %w", err)
	}
	payload := &record.TrackPayload{RaceID: raceID, Points: points, Summary: summary}
	return e.enqueue(ctx, record.KindGPSTrack, payload)
}

// LogRaceEvent queues a race log entry at the highest priority.
func (e *Engine) LogRaceEvent(ctx context.Context, event record.RaceLogEvent) (*record.QueueItem, error) {
	return e.enqueue(ctx, record.KindRaceLog, &event)
}

// SaveRaceResult queues a race result.
func (e *Engine) SaveRaceResult(ctx context.Context, result record.RaceResult) (*record.QueueItem, error) {
	return e.enqueue(ctx, record.KindRaceResult, &result)
}

type validator interface {
	Validate() error
}

func (e *Engine) enqueue(ctx context.Context, kind record.Kind, payload validator) (*record.QueueItem, error) {
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
	}
	data, err := record.MarshalPayload(payload)
	if err != nil {
		return nil, err
	}

	// The payload's own event time is the last-write-wins conflict signal;
	// the queue clamps it against the local clock.
	var at time.Time
	if src, ok := payload.(interface{ OccurredAt() time.Time }); ok {
		at = src.OccurredAt()
	}

	item, err := e.queue.EnqueueAt(ctx, kind, record.ActionCreate, data, at)
	if err != nil {
		return nil, err
	}
	e.publish(ctx)
	e.maybeDrain()
	return item, nil
}

// --- Sync operations ---

// ForceSyncNow runs an immediate drain, bypassing the per-item backoff
// gate. Returns syncer.ErrOffline when offline and
// syncer.ErrDrainInProgress when a drain is already running.
func (e *Engine) ForceSyncNow(ctx context.Context) (*syncer.Result, error) {
	return e.processor.ForceDrain(ctx)
}

// FailedMutations returns the failed-visible queue items for inspection.
func (e *Engine) FailedMutations(ctx context.Context) ([]*record.QueueItem, error) {
	return e.queue.Failed(ctx)
}

// RetryMutation returns a failed item to the active rotation with a fresh
// retry budget.
func (e *Engine) RetryMutation(ctx context.Context, id string) error {
	if err := e.queue.Requeue(ctx, id); err != nil {
		return err
	}
	e.publish(ctx)
	e.maybeDrain()
	return nil
}

// --- Status ---

// Status derives the current offline state from live queue and sync
// state. It is computed on demand, never stored.
func (e *Engine) Status(ctx context.Context) (status.Status, error) {
	pending, failedVisible, err := e.queue.Depth(ctx)
	if err != nil {
		return status.Status{}, err
	}
	last, err := e.store.LastSyncAt(ctx)
	if err != nil {
		return status.Status{}, err
	}
	return status.Status{
		IsOnline:    e.processor.Online(),
		IsSyncing:   e.processor.Syncing(),
		QueueLength: pending,
		FailedItems: failedVisible,
		LastSyncAt:  last,
	}, nil
}

// Subscribe registers a status observer and returns its unsubscribe
// handle. Callbacks run synchronously on every state change and must not
// block.
func (e *Engine) Subscribe(fn func(status.Status)) (unsubscribe func()) {
	return e.broadcaster.Subscribe(fn)
}

// SetOnline overrides the connectivity state directly, for hosts without
// a signal channel.
func (e *Engine) SetOnline(online bool) {
	wasOnline := e.processor.Online()
	e.processor.SetOnline(online)
	if online && !wasOnline {
		go e.drain()
	}
	e.publish(context.Background())
}

// publish recomputes the status and fans it out to subscribers.
func (e *Engine) publish(ctx context.Context) {
	st, err := e.Status(ctx)
	if err != nil {
		e.logger.Printf("Warning: failed to compute status: %v", err)
		return
	}
	e.broadcaster.Publish(st)
}
