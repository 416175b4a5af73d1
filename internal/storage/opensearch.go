package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/fedora-ci/kaijs/internal/artifact"
	"github.com/fedora-ci/kaijs/internal/loader"
)

// Sentinel errors for OpenSearch store operations.
var (
	// ErrBulkRejected is returned when the bulk endpoint rejects the batch
	// or reports per-item failures.
	ErrBulkRejected = errors.New("opensearch bulk request rejected")

	// ErrOpenSearchRequest wraps transport-level failures.
	ErrOpenSearchRequest = errors.New("opensearch request failed")

	// Compile-time interface assertions.
	_ loader.ArtifactFinder = (*OpenSearchStore)(nil)
	_ loader.BulkStore      = (*OpenSearchStore)(nil)
	_ loader.SidelineStore  = (*OpenSearchStore)(nil)
)

// OpenSearchStore implements the indexed-store variant. Documents are
// addressed by "{type}~{aid}" and written through doc_as_upsert bulk
// operations, so a document created by FindOrCreate only becomes durable at
// the next flush; until then a crash simply re-delivers the rolled-back
// envelopes.
type OpenSearchStore struct {
	client *opensearch.Client
	cfg    *OpenSearchConfig
	logger *slog.Logger
}

// NewOpenSearchStore creates a client for the configured cluster.
func NewOpenSearchStore(cfg *OpenSearchConfig, logger *slog.Logger) (*OpenSearchStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	return &OpenSearchStore{client: client, cfg: cfg, logger: logger}, nil
}

// DocID composes the index document id for an artifact identity.
func DocID(typ artifact.Type, aid string) string {
	return typ.String() + "~" + aid
}

// FindOrCreate reads the current document for (typ, aid) from the artifacts
// index, or hands out a fresh in-memory document with _version 1. Creation
// is deferred to the bulk flush.
func (s *OpenSearchStore) FindOrCreate(ctx context.Context, typ artifact.Type, aid string) (*artifact.Model, bool, error) {
	request := opensearchapi.GetRequest{
		Index:      s.cfg.ArtifactsIndex,
		DocumentID: DocID(typ, aid),
	}

	response, err := request.Do(ctx, s.client)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrOpenSearchRequest, err)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode == http.StatusNotFound {
		return &artifact.Model{Type: typ, Aid: aid, DocVersion: 1}, true, nil
	}

	if response.IsError() {
		return nil, false, fmt.Errorf("%w: get %s/%s: %s", ErrOpenSearchRequest, typ, aid, response.Status())
	}

	var envelope struct {
		Source artifact.Model `json:"_source"`
	}

	if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
		return nil, false, fmt.Errorf("failed to decode document %s/%s: %w", typ, aid, err)
	}

	return &envelope.Source, false, nil
}

// BulkUpsert writes the batch through the _bulk endpoint with doc_as_upsert
// semantics: each operation is atomic on its own, and any per-item failure
// fails the whole call so the loader can roll the batch back.
func (s *OpenSearchStore) BulkUpsert(ctx context.Context, ops []loader.Upsert) error {
	if len(ops) == 0 {
		return nil
	}

	var body bytes.Buffer

	encoder := json.NewEncoder(&body)

	for _, op := range ops {
		action := map[string]interface{}{
			"update": map[string]interface{}{
				"_index": op.Index,
				"_id":    op.DocID,
			},
		}
		if err := encoder.Encode(action); err != nil {
			return fmt.Errorf("failed to encode bulk action: %w", err)
		}

		payload := map[string]interface{}{
			"doc":           op.Doc,
			"doc_as_upsert": true,
		}
		if err := encoder.Encode(payload); err != nil {
			return fmt.Errorf("failed to encode bulk document: %w", err)
		}
	}

	request := opensearchapi.BulkRequest{Body: strings.NewReader(body.String())}

	response, err := request.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOpenSearchRequest, err)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.IsError() {
		return fmt.Errorf("%w: %s", ErrBulkRejected, response.Status())
	}

	var result struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}

	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}

	if !result.Errors {
		return nil
	}

	for _, item := range result.Items {
		for action, status := range item {
			if status.Status >= http.StatusBadRequest {
				return fmt.Errorf("%w: %s status %d: %s: %s",
					ErrBulkRejected, action, status.Status, status.Error.Type, status.Error.Reason)
			}
		}
	}

	return fmt.Errorf("%w: unreported item failure", ErrBulkRejected)
}

// InsertInvalid records one validation-failed envelope in the invalid
// index. Retention relies on an index lifecycle policy keyed on expire_at.
func (s *OpenSearchStore) InsertInvalid(ctx context.Context, rec *loader.InvalidRecord) error {
	return s.indexDoc(ctx, s.cfg.ArtifactsIndex+"-invalid", rec)
}

// InsertUnknownTopic records one unroutable envelope.
func (s *OpenSearchStore) InsertUnknownTopic(ctx context.Context, rec *loader.UnknownTopicRecord) error {
	return s.indexDoc(ctx, s.cfg.ArtifactsIndex+"-unknown-topics", rec)
}

func (s *OpenSearchStore) indexDoc(ctx context.Context, index string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode sideline record: %w", err)
	}

	request := opensearchapi.IndexRequest{
		Index: index,
		Body:  bytes.NewReader(data),
	}

	response, err := request.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOpenSearchRequest, err)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.IsError() {
		payload, _ := io.ReadAll(response.Body)

		return fmt.Errorf("%w: index %s: %s: %s", ErrOpenSearchRequest, index, response.Status(), payload)
	}

	return nil
}
