package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/regattaflow/regatta/internal/record"
)

// HTTPConfig configures the HTTP backend client.
type HTTPConfig struct {
	// BaseURL is the backend root, e.g. "https://api.example.com/v1".
	BaseURL string

	// APIKey is sent as a bearer token when non-empty.
	APIKey string

	// Timeout bounds each request. A timeout is a delivery failure like
	// any other; there is no mid-request cancellation beyond it.
	// Default: 30s.
	Timeout time.Duration

	// Client overrides the HTTP client (tests). Default: a client with
	// the configured timeout.
	Client *http.Client
}

// HTTPBackend talks to the hosted backend over its REST surface.
//
// Upserts are PUT {base}/{kind}/{id} (DELETE for delete replays): the
// server treats the client id as the record key, so repeats are idempotent.
// The client timestamp rides in a header for server-side last-write-wins.
type HTTPBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTP creates an HTTP backend client.
func NewHTTP(cfg HTTPConfig) (*HTTPBackend, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &HTTPBackend{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  client,
	}, nil
}

// clientTimestampHeader carries the client-side write time used for
// last-write-wins conflict resolution on the server.
const clientTimestampHeader = "X-Client-Timestamp"

// Upsert implements Backend.Upsert.
func (b *HTTPBackend) Upsert(ctx context.Context, rec Record) error {
	endpoint := fmt.Sprintf("%s/%s/%s", b.baseURL, url.PathEscape(string(rec.Kind)), url.PathEscape(rec.ID))

	method := http.MethodPut
	var body io.Reader = bytes.NewReader(rec.Data)
	if rec.Action == record.ActionDelete {
		// A delete replay carries no payload; the timestamp header still
		// applies so the server can tombstone with last-write-wins.
		method = http.MethodDelete
		body = nil
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to build upsert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(clientTimestampHeader, rec.Timestamp.UTC().Format(time.RFC3339Nano))
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", rec.Kind, rec.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound && rec.Action == record.ActionDelete:
		// Deleting a record that is already gone is a success.
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented:
		// The collection for this kind doesn't exist server-side.
		return fmt.Errorf("upsert %s/%s: %w", rec.Kind, rec.ID, ErrKindUnsupported)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("upsert %s/%s: server returned %d: %s", rec.Kind, rec.ID, resp.StatusCode, body)
	}
}

// Fetch implements Backend.Fetch.
func (b *HTTPBackend) Fetch(ctx context.Context, kind record.Kind, crit Criteria) ([]Record, error) {
	endpoint, err := url.Parse(fmt.Sprintf("%s/%s", b.baseURL, url.PathEscape(string(kind))))
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch URL: %w", err)
	}

	query := endpoint.Query()
	for field, value := range crit {
		query.Set(field, value)
	}
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", kind, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// Fall through to decode.
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented:
		return nil, fmt.Errorf("fetch %s: %w", kind, ErrKindUnsupported)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("fetch %s: server returned %d: %s", kind, resp.StatusCode, body)
	}

	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("fetch %s: failed to decode response: %w", kind, err)
	}
	return records, nil
}
