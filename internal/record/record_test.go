package record

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCacheEntryValidate(t *testing.T) {
	now := time.Now()

	valid := CacheEntry{
		Key:       "race:r-1",
		Data:      json.RawMessage(`{"name":"Spring Series 3"}`),
		Band:      BandRace,
		Timestamp: now,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid entry rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*CacheEntry)
	}{
		{"missing key", func(e *CacheEntry) { e.Key = "" }},
		{"missing data", func(e *CacheEntry) { e.Data = nil }},
		{"unknown band", func(e *CacheEntry) { e.Band = "weekly" }},
		{"zero timestamp", func(e *CacheEntry) { e.Timestamp = time.Time{} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := valid
			tc.mutate(&e)
			if err := e.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestCacheEntryExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	e := CacheEntry{Key: "k", Data: json.RawMessage(`{}`), Band: BandTemporary, Timestamp: past}
	if e.Expired(now) {
		t.Errorf("entry without expiry reported expired")
	}

	e.ExpiresAt = &future
	if e.Expired(now) {
		t.Errorf("entry expiring in the future reported expired")
	}

	e.ExpiresAt = &past
	if !e.Expired(now) {
		t.Errorf("entry with past expiry not reported expired")
	}
}

func TestBandSweepExempt(t *testing.T) {
	exempt := map[Band]bool{
		BandPermanent: true,
		BandRace:      true,
		BandVenue:     false,
		BandTemporary: false,
	}
	for band, want := range exempt {
		if got := band.SweepExempt(); got != want {
			t.Errorf("SweepExempt(%s) = %v, want %v", band, got, want)
		}
	}
}

func TestNewQueueItem(t *testing.T) {
	item := NewQueueItem(KindGPSTrack, ActionCreate, json.RawMessage(`{"race_id":"r-1"}`))

	if item.ID == "" {
		t.Errorf("expected generated id")
	}
	if item.Priority != 1 {
		t.Errorf("gps_track priority = %d, want 1", item.Priority)
	}
	if item.Retries != 0 {
		t.Errorf("retries = %d, want 0", item.Retries)
	}
	if err := item.Validate(); err != nil {
		t.Errorf("new item fails validation: %v", err)
	}

	other := NewQueueItem(KindGPSTrack, ActionCreate, json.RawMessage(`{}`))
	if other.ID == item.ID {
		t.Errorf("ids are not unique")
	}
}

func TestNewQueueItemAt(t *testing.T) {
	recorded := time.Now().Add(-2 * time.Hour)
	item := NewQueueItemAt(KindRaceLog, ActionCreate, json.RawMessage(`{}`), recorded)
	if !item.Timestamp.Equal(recorded) {
		t.Errorf("timestamp = %v, want producer time %v", item.Timestamp, recorded)
	}

	// A recorder with a fast clock must not win every conflict.
	skewed := time.Now().Add(time.Hour)
	item = NewQueueItemAt(KindRaceLog, ActionCreate, json.RawMessage(`{}`), skewed)
	if item.Timestamp.After(time.Now().Add(MaxClockSkew)) {
		t.Errorf("skewed timestamp %v escaped the clamp", item.Timestamp)
	}

	before := time.Now()
	item = NewQueueItemAt(KindRaceLog, ActionCreate, json.RawMessage(`{}`), time.Time{})
	if item.Timestamp.Before(before) {
		t.Errorf("zero event time should fall back to the enqueue time")
	}
}

func TestPayloadOccurredAt(t *testing.T) {
	first := time.Date(2026, 6, 14, 13, 0, 0, 0, time.UTC)
	last := first.Add(10 * time.Minute)

	track := &TrackPayload{
		RaceID: "r-1",
		// Out of order on purpose: the latest fix wins.
		Points: []TrackPoint{{At: last}, {At: first}},
	}
	if got := track.OccurredAt(); !got.Equal(last) {
		t.Errorf("track OccurredAt = %v, want %v", got, last)
	}

	event := &RaceLogEvent{RaceID: "r-1", Type: "finish", At: first}
	if got := event.OccurredAt(); !got.Equal(first) {
		t.Errorf("event OccurredAt = %v, want %v", got, first)
	}

	result := &RaceResult{RaceID: "r-1", UserID: "u-1", RecordedAt: last}
	if got := result.OccurredAt(); !got.Equal(last) {
		t.Errorf("result OccurredAt = %v, want %v", got, last)
	}
}

func TestDefaultPriority(t *testing.T) {
	cases := map[Kind]int{
		KindGPSTrack:   1,
		KindRaceLog:    1,
		KindRaceResult: 2,
		KindPhoto:      4,
		KindAnalytics:  5,
		Kind("custom"): 3,
	}
	for kind, want := range cases {
		if got := DefaultPriority(kind); got != want {
			t.Errorf("DefaultPriority(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestClampTimestamp(t *testing.T) {
	now := time.Now()

	honest := now.Add(-time.Hour)
	if got := ClampTimestamp(honest, now); !got.Equal(honest) {
		t.Errorf("past timestamp was altered")
	}

	skewed := now.Add(time.Hour)
	got := ClampTimestamp(skewed, now)
	if !got.Equal(now.Add(MaxClockSkew)) {
		t.Errorf("future timestamp not clamped to now+%v, got %v", MaxClockSkew, got)
	}
}

func TestQueueItemFailedVisible(t *testing.T) {
	item := QueueItem{Retries: FailedVisibility}
	if item.FailedVisible() {
		t.Errorf("item at threshold should not be visible yet")
	}

	item.Retries = FailedVisibility + 1
	if !item.FailedVisible() {
		t.Errorf("item above threshold should be visible")
	}

	item = QueueItem{Failed: true}
	if !item.FailedVisible() {
		t.Errorf("failed item should always be visible")
	}
}

func TestQueueItemValidate(t *testing.T) {
	item := NewQueueItem(KindRaceLog, ActionUpdate, json.RawMessage(`{"race_id":"r-1"}`))

	item.Priority = 0
	if err := item.Validate(); err == nil {
		t.Errorf("priority 0 accepted")
	}
	item.Priority = 6
	if err := item.Validate(); err == nil {
		t.Errorf("priority 6 accepted")
	}

	item = NewQueueItem(KindRaceLog, Action("upsert"), json.RawMessage(`{}`))
	if err := item.Validate(); err == nil {
		t.Errorf("unknown action accepted")
	}
}
