package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/regattaflow/regatta/internal/record"
)

// Memory is an in-memory Backend used by tests and local development.
//
// It enforces the boundary contract exactly: upserts are idempotent on the
// client id, and when two writes target the same record the later client
// timestamp wins.
type Memory struct {
	mu      sync.Mutex
	records map[record.Kind]map[string]Record

	// UpsertCalls counts Upsert invocations, including ones whose write
	// lost the timestamp comparison. Lets tests distinguish "delivered
	// twice" from "stored twice".
	UpsertCalls int

	// Unsupported lists kinds the backend pretends to have no capability
	// for; upserts and fetches of those return ErrKindUnsupported.
	Unsupported map[record.Kind]bool
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		records:     make(map[record.Kind]map[string]Record),
		Unsupported: make(map[record.Kind]bool),
	}
}

// Upsert implements Backend.Upsert.
func (m *Memory) Upsert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertCalls++

	if m.Unsupported[rec.Kind] {
		return fmt.Errorf("upsert %s/%s: %w", rec.Kind, rec.ID, ErrKindUnsupported)
	}

	byID, ok := m.records[rec.Kind]
	if !ok {
		byID = make(map[string]Record)
		m.records[rec.Kind] = byID
	}

	// Last write wins on the client timestamp. An identical or earlier
	// timestamp leaves the stored record untouched, which is what makes a
	// repeated delivery after a dropped acknowledgment harmless.
	if existing, ok := byID[rec.ID]; ok && existing.Timestamp.After(rec.Timestamp) {
		return nil
	}
	if rec.Action == record.ActionDelete {
		delete(byID, rec.ID)
		return nil
	}
	byID[rec.ID] = rec
	return nil
}

// Fetch implements Backend.Fetch. Criteria match against top-level string
// fields of the stored payloads.
func (m *Memory) Fetch(_ context.Context, kind record.Kind, crit Criteria) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Unsupported[kind] {
		return nil, fmt.Errorf("fetch %s: %w", kind, ErrKindUnsupported)
	}

	var out []Record
	for _, rec := range m.records[kind] {
		if matches(rec, crit) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Count returns the number of stored records of a kind.
func (m *Memory) Count(kind record.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[kind])
}

// Get returns a stored record by kind and id.
func (m *Memory) Get(kind record.Kind, id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[kind][id]
	return rec, ok
}

// Put seeds a record directly, bypassing the timestamp comparison.
func (m *Memory) Put(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.records[rec.Kind]
	if !ok {
		byID = make(map[string]Record)
		m.records[rec.Kind] = byID
	}
	byID[rec.ID] = rec
}

func matches(rec Record, crit Criteria) bool {
	if len(crit) == 0 {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(rec.Data, &fields); err != nil {
		return false
	}
	for field, want := range crit {
		got, ok := fields[field].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}
