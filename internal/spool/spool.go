// Package spool ingests recorded GPS tracks from a spool directory.
//
// The race recorder writes each finished track as a JSON file into the
// spool. The spool daemon:
// 1. Processes any files already present on startup
// 2. Watches the directory for new track files
// 3. Debounces rapid writes so a file is read once, after it settles
// 4. Queues each track through the engine and archives the file
//
// A file that cannot be parsed is moved aside rather than retried: a
// malformed track will not become well-formed by waiting.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/regattaflow/regatta/internal/record"
)

const (
	// processedDir receives files after their track is queued.
	processedDir = "processed"

	// rejectedDir receives files that failed to parse or validate.
	rejectedDir = "rejected"
)

// TrackSaver queues an analyzed track. The engine satisfies this.
type TrackSaver interface {
	SaveGPSTrack(ctx context.Context, raceID string, points []record.TrackPoint, markBearing float64) (*record.QueueItem, error)
}

// File is the spool file format the race recorder writes.
type File struct {
	RaceID      string              `json:"race_id"`
	MarkBearing float64             `json:"mark_bearing"`
	Points      []record.TrackPoint `json:"points"`
}

// Config holds daemon tunables.
type Config struct {
	// DebounceInterval is how long a file must sit unchanged before it is
	// processed. The recorder may flush a track in several writes.
	DebounceInterval time.Duration

	// Logger for spool activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[spool] ", log.LstdFlags),
	}
}

// Daemon watches the spool directory and queues finished tracks.
type Daemon struct {
	dir    string
	saver  TrackSaver
	config *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> last event time
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a spool daemon over the given directory.
func New(dir string, saver TrackSaver, config *Config) (*Daemon, error) {
	if dir == "" {
		return nil, fmt.Errorf("spool directory cannot be empty")
	}
	if saver == nil {
		return nil, fmt.Errorf("track saver cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		dir:         dir,
		saver:       saver,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start processes any files already spooled, then watches for new ones.
// This blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Spool daemon watching %s", d.dir)

	for _, sub := range []string{processedDir, rejectedDir} {
		if err := os.MkdirAll(filepath.Join(d.dir, sub), 0755); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}

	// Tracks recorded while the daemon was down are already sitting in
	// the spool; the watcher will never fire for them.
	if err := d.processExisting(); err != nil {
		return fmt.Errorf("initial spool scan failed: %w", err)
	}

	if err := d.watcher.Add(d.dir); err != nil {
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.processChangeQueue()

	select {
	case <-ctx.Done():
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down and waits for in-flight processing.
func (d *Daemon) Stop() error {
	d.cancel()
	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}
	d.wg.Wait()
	d.config.Logger.Println("Spool daemon stopped")
	return nil
}

// processExisting queues every track file already in the spool.
func (d *Daemon) processExisting() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		d.processFile(filepath.Join(d.dir, entry.Name()))
	}
	return nil
}

// watchFileEvents queues filesystem events for debounced processing.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records the latest event time for a file.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	d.changeQueue[path] = time.Now()
}

// processChangeQueue drains settled files from the change queue.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			for _, path := range d.takeSettled() {
				d.processFile(path)
			}
		}
	}
}

// takeSettled removes and returns files whose last event is older than
// the debounce interval.
func (d *Daemon) takeSettled() []string {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	cutoff := time.Now().Add(-d.config.DebounceInterval)
	var settled []string
	for path, at := range d.changeQueue {
		if at.Before(cutoff) || at.Equal(cutoff) {
			settled = append(settled, path)
			delete(d.changeQueue, path)
		}
	}
	return settled
}

// processFile parses one spool file, queues its track, and archives it.
func (d *Daemon) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return // already handled or removed
		}
		d.config.Logger.Printf("Warning: failed to read %s: %v", path, err)
		return
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		d.config.Logger.Printf("Warning: rejecting malformed track %s: %v", path, err)
		d.archive(path, rejectedDir)
		return
	}

	if _, err := d.saver.SaveGPSTrack(d.ctx, f.RaceID, f.Points, f.MarkBearing); err != nil {
		d.config.Logger.Printf("Warning: rejecting track %s: %v", path, err)
		d.archive(path, rejectedDir)
		return
	}

	d.config.Logger.Printf("Queued track %s (%d points, race %s)", filepath.Base(path), len(f.Points), f.RaceID)
	d.archive(path, processedDir)
}

// archive moves a handled file into a spool subdirectory.
func (d *Daemon) archive(path, sub string) {
	dest := filepath.Join(d.dir, sub, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		d.config.Logger.Printf("Warning: failed to archive %s: %v", path, err)
	}
}
