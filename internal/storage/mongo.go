package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fedora-ci/kaijs/internal/artifact"
	"github.com/fedora-ci/kaijs/internal/loader"
)

// ErrConnectFailed is returned when the initial connection or ping fails.
var ErrConnectFailed = errors.New("mongodb connection failed")

// Compile-time interface assertions.
var (
	_ loader.ArtifactStore = (*MongoStore)(nil)
	_ loader.SidelineStore = (*MongoStore)(nil)
)

// MongoStore implements the loader's artifact and sideline store contracts
// on MongoDB. The compare-and-swap write is a conditional UpdateOne keyed on
// (_id, _version); the sideline collections expire through TTL indexes
// reconciled at startup.
type MongoStore struct {
	client    *mongo.Client
	cfg       *Config
	logger    *slog.Logger
	artifacts *mongo.Collection
	invalid   *mongo.Collection
	unknown   *mongo.Collection
}

// NewMongoStore connects, verifies the deployment with a ping, and opens the
// three collections, reconciling their indexes against the declared set.
func NewMongoStore(ctx context.Context, cfg *Config, indexes *IndexConfig, logger *slog.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.mongoURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())

		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	store := &MongoStore{client: client, cfg: cfg, logger: logger}
	db := client.Database(cfg.Database)

	for _, open := range []struct {
		name   string
		target **mongo.Collection
	}{
		{cfg.ArtifactsCollection, &store.artifacts},
		{cfg.InvalidCollection, &store.invalid},
		{cfg.UnknownCollection, &store.unknown},
	} {
		collection, err := store.openCollection(ctx, db, open.name, indexes.forCollection(open.name))
		if err != nil {
			_ = client.Disconnect(context.Background())

			return nil, err
		}

		*open.target = collection
	}

	return store, nil
}

// openCollection reconciles a collection's indexes against the declared
// set: declared-but-missing indexes are created, undeclared ones are dropped
// with the exception of the mandatory _id_ index.
func (s *MongoStore) openCollection(
	ctx context.Context,
	db *mongo.Database,
	name string,
	specs []IndexSpec,
) (*mongo.Collection, error) {
	collection := db.Collection(name)

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	existing, err := collection.Indexes().ListSpecifications(opCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes of %s: %w", name, err)
	}

	declared := make(map[string]bool, len(specs))
	for _, spec := range specs {
		declared[spec.Name] = true
	}

	have := make(map[string]bool, len(existing))

	for _, index := range existing {
		have[index.Name] = true

		if index.Name == "_id_" || declared[index.Name] {
			continue
		}

		if _, err := collection.Indexes().DropOne(opCtx, index.Name); err != nil {
			return nil, fmt.Errorf("failed to drop index %s.%s: %w", name, index.Name, err)
		}

		s.logger.Info("Dropped undeclared index",
			slog.String("collection", name),
			slog.String("index", index.Name))
	}

	for _, spec := range specs {
		if have[spec.Name] {
			continue
		}

		keys := bson.D{}
		for _, key := range spec.Keys {
			keys = append(keys, bson.E{Key: key.Field, Value: key.Order})
		}

		indexOptions := options.Index().SetName(spec.Name)
		if spec.Unique {
			indexOptions.SetUnique(true)
		}

		if spec.ExpireAfterSeconds != nil {
			indexOptions.SetExpireAfterSeconds(*spec.ExpireAfterSeconds)
		}

		if _, err := collection.Indexes().CreateOne(opCtx, mongo.IndexModel{
			Keys:    keys,
			Options: indexOptions,
		}); err != nil {
			return nil, fmt.Errorf("failed to create index %s.%s: %w", name, spec.Name, err)
		}

		s.logger.Info("Created index",
			slog.String("collection", name),
			slog.String("index", spec.Name))
	}

	return collection, nil
}

// FindOrCreate returns the document for (typ, aid), or a fresh unsaved one
// with _version 1 when absent. Persistence of a fresh document happens at
// the updater's first write, so rejected envelopes never leave an empty
// document behind.
func (s *MongoStore) FindOrCreate(ctx context.Context, typ artifact.Type, aid string) (*artifact.Model, bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	model, err := s.findByIdentity(opCtx, typ, aid)
	if err == nil {
		return model, false, nil
	}

	if !errors.Is(err, loader.ErrDocNotFound) {
		return nil, false, err
	}

	return &artifact.Model{Type: typ, Aid: aid, DocVersion: 1}, true, nil
}

// Create persists a new document. The unique (type, aid) index turns a
// creation race into loader.ErrDocExists for the updater to retry on.
func (s *MongoStore) Create(ctx context.Context, model *artifact.Model) error {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	if model.ID.IsZero() {
		model.ID = primitive.NewObjectID()
	}

	if _, err := s.artifacts.InsertOne(opCtx, model); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s/%s", loader.ErrDocExists, model.Type, model.Aid)
		}

		return fmt.Errorf("failed to create document %s/%s: %w", model.Type, model.Aid, err)
	}

	return nil
}

// Get re-reads the current persisted document for (typ, aid).
func (s *MongoStore) Get(ctx context.Context, typ artifact.Type, aid string) (*artifact.Model, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	return s.findByIdentity(opCtx, typ, aid)
}

func (s *MongoStore) findByIdentity(ctx context.Context, typ artifact.Type, aid string) (*artifact.Model, error) {
	var model artifact.Model

	err := s.artifacts.FindOne(ctx, bson.M{"type": typ, "aid": aid}).Decode(&model)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s/%s", loader.ErrDocNotFound, typ, aid)
		}

		return nil, fmt.Errorf("failed to read document %s/%s: %w", typ, aid, err)
	}

	return &model, nil
}

// CASUpdate conditionally applies set to the document matching both id and
// expectedVersion, bumping _version by one. Returns whether exactly one
// existing document was modified; false means a concurrent writer won.
func (s *MongoStore) CASUpdate(
	ctx context.Context,
	id primitive.ObjectID,
	expectedVersion int,
	set map[string]interface{},
) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	result, err := s.artifacts.UpdateOne(opCtx,
		bson.M{"_id": id, "_version": expectedVersion},
		bson.M{
			"$set": set,
			"$inc": bson.M{"_version": 1},
		})
	if err != nil {
		return false, fmt.Errorf("conditional update failed: %w", err)
	}

	return result.ModifiedCount == 1, nil
}

// InsertInvalid records one validation-failed envelope.
func (s *MongoStore) InsertInvalid(ctx context.Context, rec *loader.InvalidRecord) error {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	if _, err := s.invalid.InsertOne(opCtx, rec); err != nil {
		return fmt.Errorf("failed to insert invalid record: %w", err)
	}

	return nil
}

// InsertUnknownTopic records one unroutable envelope.
func (s *MongoStore) InsertUnknownTopic(ctx context.Context, rec *loader.UnknownTopicRecord) error {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	if _, err := s.unknown.InsertOne(opCtx, rec); err != nil {
		return fmt.Errorf("failed to insert unknown-topic record: %w", err)
	}

	return nil
}

// HealthCheck verifies the deployment is reachable.
func (s *MongoStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	return nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect mongodb client: %w", err)
	}

	return nil
}
