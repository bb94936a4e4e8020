package spool

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regattaflow/regatta/internal/record"
)

type fakeSaver struct {
	mu    sync.Mutex
	saved []string // race ids
}

func (f *fakeSaver) SaveGPSTrack(_ context.Context, raceID string, points []record.TrackPoint, _ float64) (*record.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, raceID)
	return &record.QueueItem{ID: "test", Kind: record.KindGPSTrack}, nil
}

func (f *fakeSaver) savedRaces() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.saved...)
}

func writeTrack(t *testing.T, dir, name, raceID string) string {
	t.Helper()

	start := time.Date(2026, 6, 14, 13, 0, 0, 0, time.UTC)
	f := File{RaceID: raceID, MarkBearing: 0}
	for i := 0; i < 5; i++ {
		f.Points = append(f.Points, record.TrackPoint{
			Lat: 38.0 + 0.001*float64(i),
			Lon: -76.0,
			At:  start.Add(time.Duration(i) * 30 * time.Second),
		})
	}
	data, err := json.Marshal(f)
	require.NoError(t, err)

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func startDaemon(t *testing.T, dir string, saver TrackSaver) {
	t.Helper()

	d, err := New(dir, saver, &Config{
		DebounceInterval: 10 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[test] ", 0),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestProcessesNewTrackFiles(t *testing.T) {
	dir := t.TempDir()
	saver := &fakeSaver{}
	startDaemon(t, dir, saver)

	// Give the watcher a beat to register before writing.
	time.Sleep(50 * time.Millisecond)
	writeTrack(t, dir, "track-1.json", "r1")

	require.Eventually(t, func() bool {
		return len(saver.savedRaces()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"r1"}, saver.savedRaces())

	// The spool file is archived, not left behind.
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, processedDir, "track-1.json"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	_, err := os.Stat(filepath.Join(dir, "track-1.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessesFilesSpooledWhileDown(t *testing.T) {
	dir := t.TempDir()
	writeTrack(t, dir, "track-1.json", "r1")
	writeTrack(t, dir, "track-2.json", "r2")

	saver := &fakeSaver{}
	startDaemon(t, dir, saver)

	require.Eventually(t, func() bool {
		return len(saver.savedRaces()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"r1", "r2"}, saver.savedRaces())
}

func TestRejectsMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("not json"), 0600))

	saver := &fakeSaver{}
	startDaemon(t, dir, saver)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, rejectedDir, "garbage.json"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, saver.savedRaces())
}

func TestIgnoresNonJSONFiles(t *testing.T) {
	dir := t.TempDir()
	saver := &fakeSaver{}
	startDaemon(t, dir, saver)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("crew list"), 0600))
	writeTrack(t, dir, "track-1.json", "r1")

	require.Eventually(t, func() bool {
		return len(saver.savedRaces()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The stray file stays put.
	_, err := os.Stat(filepath.Join(dir, "notes.txt"))
	assert.NoError(t, err)
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New("", &fakeSaver{}, nil)
	assert.Error(t, err)
	_, err = New(t.TempDir(), nil, nil)
	assert.Error(t, err)
}
