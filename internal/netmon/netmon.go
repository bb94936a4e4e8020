// Package netmon observes connectivity and signals the sync engine on
// transitions.
//
// The monitor consumes a platform connectivity signal (a channel of
// online/offline booleans) and collapses repeats: only genuine transitions
// reach the engine. On an offline-to-online transition it invokes the
// drain hook exactly once; overlapping drains from connectivity flapping
// are prevented by the sync processor's re-entrancy guard, not here.
package netmon

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"
)

// Monitor watches a connectivity signal and drives the transition hooks.
type Monitor struct {
	signal <-chan bool
	online atomic.Bool
	logger *log.Logger

	// onOnline runs once per offline-to-online transition.
	onOnline func()

	// onTransition runs on every transition, in either direction, after
	// the online flag is updated. Used to republish status.
	onTransition func(online bool)
}

// Config holds the transition hooks.
type Config struct {
	// InitialOnline seeds the state before the first signal arrives.
	InitialOnline bool

	// OnOnline is invoked once per offline-to-online transition.
	OnOnline func()

	// OnTransition is invoked on every transition in either direction.
	OnTransition func(online bool)

	// Logger for monitor activity.
	Logger *log.Logger
}

// New creates a monitor over the given connectivity signal.
func New(signal <-chan bool, cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}

	m := &Monitor{
		signal:       signal,
		logger:       logger,
		onOnline:     cfg.OnOnline,
		onTransition: cfg.OnTransition,
	}
	m.online.Store(cfg.InitialOnline)
	return m
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Run consumes the signal until ctx is cancelled or the signal closes.
func (m *Monitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case online, ok := <-m.signal:
			if !ok {
				return
			}

			// Collapse repeats: flapping within one state is not a
			// transition.
			if !m.online.CompareAndSwap(!online, online) {
				continue
			}

			if online {
				m.logger.Println("Connectivity restored")
				if m.onOnline != nil {
					m.onOnline()
				}
			} else {
				m.logger.Println("Connectivity lost")
			}

			if m.onTransition != nil {
				m.onTransition(online)
			}
		}
	}
}

// Prober polls a health endpoint and emits connectivity transitions.
//
// It is the default Signal source on devices without a native reachability
// callback: afloat, "the API answers" is the only connectivity definition
// that matters.
type Prober struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   *log.Logger

	ch chan bool
}

// ProberConfig configures the health prober.
type ProberConfig struct {
	// URL is the health endpoint to poll.
	URL string

	// Interval is the poll cadence (default: 10s).
	Interval time.Duration

	// Timeout bounds each probe (default: 5s).
	Timeout time.Duration

	// Logger for probe activity.
	Logger *log.Logger
}

// NewProber creates a health prober. Changes() carries its transitions.
func NewProber(cfg ProberConfig) *Prober {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[probe] ", log.LstdFlags)
	}

	return &Prober{
		url:      cfg.URL,
		interval: cfg.Interval,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
		ch:       make(chan bool, 1),
	}
}

// Changes returns the channel carrying connectivity states. Only changed
// states are sent. The channel is closed when Run returns.
func (p *Prober) Changes() <-chan bool {
	return p.ch
}

// Run polls until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	defer close(p.ch)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var last *bool
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			online := p.probe(ctx)
			if last != nil && *last == online {
				continue
			}
			last = &online

			select {
			case p.ch <- online:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Prober) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Printf("Warning: failed to build probe request: %v", err)
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 500
}
