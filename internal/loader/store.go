// Package loader drives envelopes from the file queue into the document
// store: it validates bodies, resolves handlers by topic, folds events into
// artifact documents, and persists them through an optimistically-concurrent
// compare-and-swap update loop.
//
// This package defines the store interfaces it needs; concrete MongoDB and
// OpenSearch implementations live in internal/storage.
package loader

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fedora-ci/kaijs/internal/artifact"
)

type (
	// ArtifactFinder is the narrow contract handlers need: obtaining the
	// current document for an identity.
	ArtifactFinder interface {
		// FindOrCreate returns the document for (typ, aid). When absent it
		// hands out a fresh unsaved document with _version 1 and
		// created=true; the first successful write persists it whole, so a
		// later-rejected envelope leaves no empty document behind.
		FindOrCreate(ctx context.Context, typ artifact.Type, aid string) (*artifact.Model, bool, error)
	}

	// ArtifactStore is the full persistence contract of the CAS update
	// path.
	ArtifactStore interface {
		ArtifactFinder

		// Get re-reads the current persisted document for (typ, aid),
		// returning ErrDocNotFound when none exists.
		Get(ctx context.Context, typ artifact.Type, aid string) (*artifact.Model, error)

		// Create persists a new document with _version 1, returning
		// ErrDocExists when a concurrent writer created the identity first.
		Create(ctx context.Context, model *artifact.Model) error

		// CASUpdate conditionally applies the given leaf-path set to the
		// document matching both id and expectedVersion, incrementing the
		// version. Returns whether exactly one existing document was
		// modified; false signals a lost race with a concurrent writer.
		CASUpdate(ctx context.Context, id primitive.ObjectID, expectedVersion int, set map[string]interface{}) (bool, error)
	}

	// SidelineStore records envelopes that must not loop forever: bodies the
	// validator rejected and topics no handler matches. Records expire after
	// the retention window.
	SidelineStore interface {
		InsertInvalid(ctx context.Context, rec *InvalidRecord) error
		InsertUnknownTopic(ctx context.Context, rec *UnknownTopicRecord) error
	}

	// BulkStore is the indexed-store contract used by the bulk loader.
	// Upserts are atomic per operation, not across the batch.
	BulkStore interface {
		BulkUpsert(ctx context.Context, ops []Upsert) error
	}

	// Upsert is one bulk operation: document addressed by index and id.
	Upsert struct {
		Index string
		DocID string
		Doc   interface{}
	}

	// InvalidRecord is the sideline document for a validation-failed
	// envelope. Errmsg carries the structured validator output.
	InvalidRecord struct {
		Timestamp   int64       `bson:"timestamp"    json:"timestamp"`
		Time        string      `bson:"time"         json:"time"`
		BrokerMsg   interface{} `bson:"broker_msg"   json:"broker_msg"`
		BrokerTopic string      `bson:"broker_topic" json:"broker_topic"`
		Errmsg      interface{} `bson:"errmsg"       json:"errmsg"`
		ExpireAt    time.Time   `bson:"expire_at"    json:"expire_at"`
	}

	// UnknownTopicRecord is the sideline document for an unroutable
	// envelope.
	UnknownTopicRecord struct {
		Timestamp   int64       `bson:"timestamp"    json:"timestamp"`
		Time        string      `bson:"time"         json:"time"`
		BrokerMsg   interface{} `bson:"broker_msg"   json:"broker_msg"`
		BrokerTopic string      `bson:"broker_topic" json:"broker_topic"`
		ExpireAt    time.Time   `bson:"expire_at"    json:"expire_at"`
	}
)

// SidelineTTL is the retention window for sideline records.
const SidelineTTL = 15 * 24 * time.Hour
