// Package syncer drains the mutation queue to the backend.
//
// A drain walks the active rotation in priority-then-FIFO order and
// delivers items concurrently. Deliveries are independent: one item's
// failure never blocks another's delivery, and a partially-drained queue
// is a normal outcome, not an error. Items leave the queue only on
// acknowledged delivery; transient failures consume a retry and schedule
// the next automatic attempt, and items that exhaust their retry budget
// stay visible as failed records.
//
// At most one drain runs at a time. Overlapping triggers (connectivity
// restored while a periodic drain is mid-flight, a forced sync during an
// automatic one) collapse into the in-flight drain rather than stacking.
package syncer

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/regattaflow/regatta/internal/backend"
	"github.com/regattaflow/regatta/internal/queue"
	"github.com/regattaflow/regatta/internal/record"
	"github.com/regattaflow/regatta/internal/store"
)

var (
	// ErrOffline reports that a drain was requested while offline. Queued
	// items are retained untouched; nothing is attempted offline.
	ErrOffline = errors.New("syncer: offline")

	// ErrDrainInProgress reports that another drain already holds the
	// re-entrancy guard.
	ErrDrainInProgress = errors.New("syncer: drain already in progress")
)

// Result summarizes one drain pass.
type Result struct {
	// Attempted counts items handed to workers this pass.
	Attempted int

	// Delivered counts items acknowledged and removed from the queue.
	Delivered int

	// Retried counts items that failed transiently and remain in the
	// active rotation with an incremented retry count.
	Retried int

	// Failed counts items that left the active rotation this pass, either
	// by exhausting retries or because the backend lacks the capability.
	Failed int
}

// Config holds the processor's tunables.
type Config struct {
	// Workers is the delivery concurrency (default: 4).
	Workers int

	// Backoff maps a retry count to the delay before the next automatic
	// attempt. The default is an exponential schedule.
	Backoff func(retries int) time.Duration

	// Notify, if set, runs at the start and end of every drain pass, for
	// status republication.
	Notify func()

	// Logger for drain activity.
	Logger *log.Logger

	// Now is the clock (default: time.Now). Tests inject a fake.
	Now func() time.Time
}

// Processor delivers queued mutations to the backend.
type Processor struct {
	store   *store.Store
	queue   *queue.Queue
	backend backend.Backend

	workers int
	backoff func(retries int) time.Duration
	notify  func()
	logger  *log.Logger
	now     func() time.Time

	online  atomic.Bool
	syncing atomic.Bool
}

// New creates a processor over the given queue and backend.
func New(st *store.Store, q *queue.Queue, be backend.Backend, cfg Config) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Processor{
		store:   st,
		queue:   q,
		backend: be,
		workers: cfg.Workers,
		backoff: cfg.Backoff,
		notify:  cfg.Notify,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
}

// DefaultBackoff is the automatic re-attempt schedule: exponential from
// two seconds, capped at five minutes, with jitter.
func DefaultBackoff(retries int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 5 * time.Minute
	b.RandomizationFactor = 0.25

	d := b.NextBackOff()
	for i := 0; i < retries; i++ {
		d = b.NextBackOff()
	}
	return d
}

// SetOnline records the connectivity state. It does not trigger a drain;
// the caller's transition hook does.
func (p *Processor) SetOnline(online bool) {
	p.online.Store(online)
}

// Online reports the recorded connectivity state.
func (p *Processor) Online() bool {
	return p.online.Load()
}

// Syncing reports whether a drain is in flight.
func (p *Processor) Syncing() bool {
	return p.syncing.Load()
}

// Drain delivers eligible queued items: those whose backoff gate has
// elapsed. Returns ErrOffline when offline and ErrDrainInProgress when
// another drain holds the guard; both leave the queue untouched.
func (p *Processor) Drain(ctx context.Context) (*Result, error) {
	return p.drain(ctx, false)
}

// ForceDrain is Drain with the per-item backoff gate bypassed: every item
// in the active rotation is attempted. This is the user-initiated path.
func (p *Processor) ForceDrain(ctx context.Context) (*Result, error) {
	return p.drain(ctx, true)
}

func (p *Processor) drain(ctx context.Context, force bool) (*Result, error) {
	if !p.online.Load() {
		return nil, ErrOffline
	}
	if !p.syncing.CompareAndSwap(false, true) {
		return nil, ErrDrainInProgress
	}
	defer p.syncing.Store(false)

	if p.notify != nil {
		p.notify()
		defer p.notify()
	}

	pending, err := p.queue.Pending(ctx)
	if err != nil {
		return nil, err
	}

	now := p.now()
	eligible := pending[:0]
	for _, item := range pending {
		if force || !item.NextAttemptAt.After(now) {
			eligible = append(eligible, item)
		}
	}
	if len(eligible) == 0 {
		return &Result{}, nil
	}

	res := &Result{Attempted: len(eligible)}
	var mu sync.Mutex

	// Items arrive priority-then-FIFO from the queue; an unbuffered
	// channel hands them to workers in that order.
	jobs := make(chan *record.QueueItem)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				delivered, retried := p.deliver(ctx, item)
				mu.Lock()
				switch {
				case delivered:
					res.Delivered++
				case retried:
					res.Retried++
				default:
					res.Failed++
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, item := range eligible {
		select {
		case jobs <- item:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if res.Delivered > 0 {
		if err := p.store.SetLastSyncAt(ctx, p.now()); err != nil {
			p.logger.Printf("Warning: failed to record sync time: %v", err)
		}
	}

	p.logger.Printf("Drain complete: %d attempted, %d delivered, %d retried, %d failed",
		res.Attempted, res.Delivered, res.Retried, res.Failed)
	return res, ctx.Err()
}

// deliver attempts one item and updates queue state from the outcome.
func (p *Processor) deliver(ctx context.Context, item *record.QueueItem) (delivered, retried bool) {
	rec := backend.Record{
		Kind:      item.Kind,
		ID:        item.ID,
		Action:    item.Action,
		Timestamp: item.Timestamp,
		Data:      item.Data,
	}

	err := p.backend.Upsert(ctx, rec)
	switch {
	case err == nil:
		if err := p.queue.Remove(ctx, item.ID); err != nil {
			p.logger.Printf("Warning: delivered %s but failed to dequeue: %v", item.ID, err)
		}
		return true, false

	case errors.Is(err, backend.ErrKindUnsupported):
		// The backend lacks the capability; retrying cannot fix that.
		// Straight to failed-visible, no retry consumed.
		if qerr := p.queue.MarkUnsupported(ctx, item, err); qerr != nil {
			p.logger.Printf("Warning: failed to mark %s unsupported: %v", item.ID, qerr)
		}
		return false, false

	default:
		next := p.now().Add(p.backoff(item.Retries))
		_, failed, qerr := p.queue.RecordFailure(ctx, item, err, next)
		if qerr != nil {
			p.logger.Printf("Warning: failed to record failure for %s: %v", item.ID, qerr)
			return false, false
		}
		return false, !failed
	}
}
