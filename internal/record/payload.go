package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// TrackPoint is a single GPS fix from the race recorder.
type TrackPoint struct {
	Lat float64   `json:"lat"`
	Lon float64   `json:"lon"`
	At  time.Time `json:"at"`
}

// TrackSummary holds derived statistics for a recorded track.
type TrackSummary struct {
	// DistanceMeters is the cumulative track distance.
	DistanceMeters float64 `json:"distance_meters"`

	// AvgSpeedKnots is distance over elapsed time.
	AvgSpeedKnots float64 `json:"avg_speed_knots"`

	// AvgVMGKnots is the mean velocity made good toward the mark bearing
	// the summary was computed against.
	AvgVMGKnots float64 `json:"avg_vmg_knots"`

	// Maneuvers counts tacks and gybes detected from heading changes.
	Maneuvers int `json:"maneuvers"`
}

// TrackPayload is the gps_track mutation payload: the raw fixes plus the
// on-device analysis summary. It is the highest-volume, highest-priority
// payload the queue carries.
type TrackPayload struct {
	RaceID  string       `json:"race_id"`
	Points  []TrackPoint `json:"points"`
	Summary TrackSummary `json:"summary"`
}

// Validate checks that the payload can be replayed against the backend.
func (p *TrackPayload) Validate() error {
	if p.RaceID == "" {
		return fmt.Errorf("race_id is required")
	}
	if len(p.Points) == 0 {
		return fmt.Errorf("at least one track point is required")
	}
	return nil
}

// OccurredAt returns the time of the last fix, the event time the mutation's
// conflict timestamp is drawn from.
func (p *TrackPayload) OccurredAt() time.Time {
	var last time.Time
	for _, pt := range p.Points {
		if pt.At.After(last) {
			last = pt.At
		}
	}
	return last
}

// RaceLogEvent is a single race_log mutation: something the sailor recorded
// in the field during the race.
type RaceLogEvent struct {
	RaceID string `json:"race_id"`
	// Sequence orders events within a race.
	Sequence int `json:"sequence"`
	// Type is e.g. "start_signal", "mark_rounding", "protest", "finish".
	Type  string    `json:"type"`
	Notes string    `json:"notes,omitempty"`
	At    time.Time `json:"at"`
}

// Validate checks the event fields.
func (e *RaceLogEvent) Validate() error {
	if e.RaceID == "" {
		return fmt.Errorf("race_id is required")
	}
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.At.IsZero() {
		return fmt.Errorf("at is required")
	}
	return nil
}

// OccurredAt returns the event time.
func (e *RaceLogEvent) OccurredAt() time.Time { return e.At }

// RaceResult is the race_result mutation payload.
type RaceResult struct {
	RaceID     string        `json:"race_id"`
	UserID     string        `json:"user_id"`
	Position   int           `json:"position"`
	Elapsed    time.Duration `json:"elapsed"`
	Finished   bool          `json:"finished"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Validate checks the result fields.
func (r *RaceResult) Validate() error {
	if r.RaceID == "" {
		return fmt.Errorf("race_id is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if r.Finished && r.Position < 1 {
		return fmt.Errorf("finished result needs a position (got %d)", r.Position)
	}
	return nil
}

// OccurredAt returns the recording time. Zero when the caller did not set
// one, in which case the enqueue time stands in.
func (r *RaceResult) OccurredAt() time.Time { return r.RecordedAt }

// MarshalPayload serializes a payload for the queue or the cache.
func MarshalPayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}
