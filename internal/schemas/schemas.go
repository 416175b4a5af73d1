// Package schemas provides JSON-schema validation of broker message bodies.
//
// Schemas are keyed by broker topic and fetched from a remote collaborator.
// The full set is held as an immutable snapshot behind an atomic pointer: a
// periodic refresh (12-hour cadence by default, cron-expression driven)
// builds a new snapshot and swaps it in whole, so every envelope is
// validated against one consistent schema set.
package schemas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/xeipuuv/gojsonschema"
)

const defaultFetchTimeout = 30 * time.Second

// Sentinel errors for schema operations.
var (
	// ErrFetchFailed is returned when the schema collaborator cannot be
	// reached or returns a non-200 response.
	ErrFetchFailed = errors.New("schema fetch failed")

	// ErrNoSnapshot is returned when validation is attempted before the
	// first successful fetch.
	ErrNoSnapshot = errors.New("no schema snapshot loaded")
)

type (
	// Fetcher retrieves the full schema set, keyed by broker topic.
	Fetcher interface {
		Fetch(ctx context.Context) (map[string]json.RawMessage, error)
	}

	// Snapshot is one immutable compiled schema set.
	Snapshot struct {
		schemas   map[string]*gojsonschema.Schema
		fetchedAt time.Time
	}

	// Store holds the current snapshot and refreshes it on a cron schedule.
	Store struct {
		current atomic.Pointer[Snapshot]
		fetcher Fetcher
		logger  *slog.Logger
		cron    *cron.Cron
	}

	// ValidationError is the structured validator outcome for a rejected
	// body, listing the failing instance paths.
	ValidationError struct {
		SchemaName string
		Causes     []string
	}

	// HTTPFetcher fetches the schema set as a single JSON object from a
	// remote URL, the contract exposed by the schemas collaborator.
	HTTPFetcher struct {
		URL    string
		Client *http.Client
	}
)

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema %s: body rejected: %v", e.SchemaName, e.Causes)
}

// NewStore creates a schema store around the given fetcher. The store is
// empty until the first Refresh.
func NewStore(fetcher Fetcher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{fetcher: fetcher, logger: logger}
}

// Refresh fetches and compiles a fresh snapshot and atomically swaps it in.
// On failure the previous snapshot stays active.
func (s *Store) Refresh(ctx context.Context) error {
	raw, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	compiled := make(map[string]*gojsonschema.Schema, len(raw))

	for name, schema := range raw {
		loader := gojsonschema.NewBytesLoader(schema)

		parsed, err := gojsonschema.NewSchema(loader)
		if err != nil {
			// One broken schema must not block the rest of the refresh.
			s.logger.Warn("Skipping uncompilable schema",
				slog.String("schema", name),
				slog.String("error", err.Error()))

			continue
		}

		compiled[name] = parsed
	}

	s.current.Store(&Snapshot{schemas: compiled, fetchedAt: time.Now()})

	s.logger.Info("Schema snapshot refreshed", slog.Int("schemas", len(compiled)))

	return nil
}

// StartRefresh begins periodic refreshing per the cron expression, for
// example "0 */12 * * *" for the standard 12-hour cadence. Call Stop to end.
func (s *Store) StartRefresh(cronExpr string) error {
	c := cron.New()

	_, err := c.AddFunc(cronExpr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultFetchTimeout)
		defer cancel()

		if err := s.Refresh(ctx); err != nil {
			s.logger.Error("Scheduled schema refresh failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schema refresh schedule %q: %w", cronExpr, err)
	}

	c.Start()
	s.cron = c

	return nil
}

// Stop ends the periodic refresh, waiting for a running refresh to finish.
func (s *Store) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Validate checks value against the schema named schemaName (the broker
// topic). A topic without a schema in the snapshot passes: schemas trail new
// topics and validation must not sideline messages for schema-set lag.
//
// Returns nil on success, a *ValidationError when the body is rejected, or
// ErrNoSnapshot before the first successful refresh.
func (s *Store) Validate(value interface{}, schemaName string) error {
	snapshot := s.current.Load()
	if snapshot == nil {
		return ErrNoSnapshot
	}

	schema, ok := snapshot.schemas[schemaName]
	if !ok {
		s.logger.Debug("No schema for topic, accepting body", slog.String("schema", schemaName))

		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return &ValidationError{SchemaName: schemaName, Causes: []string{err.Error()}}
	}

	if result.Valid() {
		return nil
	}

	causes := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		causes = append(causes, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}

	return &ValidationError{SchemaName: schemaName, Causes: causes}
}

// FetchedAt returns the load time of the active snapshot, zero when none.
func (s *Store) FetchedAt() time.Time {
	if snapshot := s.current.Load(); snapshot != nil {
		return snapshot.fetchedAt
	}

	return time.Time{}
}

// Fetch implements Fetcher over HTTP. The endpoint returns one JSON object
// mapping broker topics to their schemas.
func (f *HTTPFetcher) Fetch(ctx context.Context) (map[string]json.RawMessage, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build schema request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("schema request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d from %s", ErrFetchFailed, resp.StatusCode, f.URL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema response: %w", err)
	}

	var schemas map[string]json.RawMessage
	if err := json.Unmarshal(body, &schemas); err != nil {
		return nil, fmt.Errorf("failed to decode schema response: %w", err)
	}

	return schemas, nil
}
