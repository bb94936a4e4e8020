// Package backend defines the boundary to the hosted backend.
//
// The engine depends on exactly two operations: an idempotent upsert of a
// record of some kind keyed by a client-supplied id, and a criteria fetch.
// Everything else about the backend (schema, auth, transport) lives behind
// this interface.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/regattaflow/regatta/internal/record"
)

// ErrKindUnsupported reports that the backend has no capability for the
// record kind (missing table, disabled feature). It is a distinct failure
// class: retrying cannot fix a missing capability, so the sync processor
// short-circuits without consuming a retry.
var ErrKindUnsupported = errors.New("backend: record kind unsupported")

// Record is one backend record at the boundary.
type Record struct {
	// Kind selects the backend collection.
	Kind record.Kind `json:"kind"`

	// ID is the client-generated identifier the upsert is keyed by.
	// Repeating an upsert with the same id must not create a duplicate.
	ID string `json:"id"`

	// Action is the replay operation: create, update, or delete. Empty
	// means create. Deletes are tombstone writes, still subject to the
	// timestamp comparison, so a late delete cannot resurrect nothing and
	// an early one cannot erase a later write.
	Action record.Action `json:"action,omitempty"`

	// Timestamp is the client-side write time. When two writes target the
	// same record, the later client timestamp wins; there is no
	// field-level merging.
	Timestamp time.Time `json:"timestamp"`

	// Data is the opaque payload.
	Data json.RawMessage `json:"data"`
}

// Criteria filters a fetch, field name to required value.
type Criteria map[string]string

// Backend is the hosted-backend collaborator.
type Backend interface {
	// Upsert writes a record, idempotent on rec.ID with last-write-wins
	// on rec.Timestamp. A repeated delivery after a dropped acknowledgment
	// must not create a second record.
	Upsert(ctx context.Context, rec Record) error

	// Fetch returns records of the given kind matching the criteria.
	Fetch(ctx context.Context, kind record.Kind, crit Criteria) ([]Record, error)
}
