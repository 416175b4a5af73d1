package loader

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fedora-ci/kaijs/internal/artifact"
)

// memStore is an in-memory ArtifactStore/SidelineStore/BulkStore used by
// unit tests. Documents are held as raw bson maps so the compare-and-swap
// path exercises the same encode/decode round trip as the real adapter.
type memStore struct {
	mu   sync.Mutex
	docs map[string]bson.M

	// casMisses makes the next N CASUpdate calls report a lost race.
	casMisses int

	invalid []*InvalidRecord
	unknown []*UnknownTopicRecord

	bulkErr   error
	bulkCalls [][]Upsert
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]bson.M)}
}

var (
	_ ArtifactStore = (*memStore)(nil)
	_ SidelineStore = (*memStore)(nil)
	_ BulkStore     = (*memStore)(nil)
)

func memKey(typ artifact.Type, aid string) string {
	return typ.String() + "~" + aid
}

func (s *memStore) FindOrCreate(_ context.Context, typ artifact.Type, aid string) (*artifact.Model, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if raw, ok := s.docs[memKey(typ, aid)]; ok {
		model, err := decodeModel(raw)

		return model, false, err
	}

	return &artifact.Model{Type: typ, Aid: aid, DocVersion: 1}, true, nil
}

func (s *memStore) Get(_ context.Context, typ artifact.Type, aid string) (*artifact.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.docs[memKey(typ, aid)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrDocNotFound, typ, aid)
	}

	return decodeModel(raw)
}

func (s *memStore) Create(_ context.Context, model *artifact.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey(model.Type, model.Aid)
	if _, ok := s.docs[key]; ok {
		return fmt.Errorf("%w: %s", ErrDocExists, key)
	}

	if model.ID.IsZero() {
		model.ID = primitive.NewObjectID()
	}

	raw, err := encodeModel(model)
	if err != nil {
		return err
	}

	s.docs[key] = raw

	return nil
}

func (s *memStore) CASUpdate(
	_ context.Context,
	id primitive.ObjectID,
	expectedVersion int,
	set map[string]interface{},
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.casMisses > 0 {
		s.casMisses--

		return false, nil
	}

	for key, raw := range s.docs {
		docID, _ := raw["_id"].(primitive.ObjectID)
		if docID != id {
			continue
		}

		if asInt(raw["_version"]) != expectedVersion {
			return false, nil
		}

		for path, value := range set {
			applySet(raw, path, value)
		}

		raw["_version"] = expectedVersion + 1
		s.docs[key] = raw

		return true, nil
	}

	return false, nil
}

func (s *memStore) InsertInvalid(_ context.Context, rec *InvalidRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invalid = append(s.invalid, rec)

	return nil
}

func (s *memStore) InsertUnknownTopic(_ context.Context, rec *UnknownTopicRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unknown = append(s.unknown, rec)

	return nil
}

func (s *memStore) BulkUpsert(_ context.Context, ops []Upsert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bulkErr != nil {
		return s.bulkErr
	}

	s.bulkCalls = append(s.bulkCalls, ops)

	return nil
}

func (s *memStore) docCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.docs)
}

func (s *memStore) mustGet(typ artifact.Type, aid string) *artifact.Model {
	model, err := s.Get(context.Background(), typ, aid)
	if err != nil {
		panic(err)
	}

	return model
}

func encodeModel(model *artifact.Model) (bson.M, error) {
	data, err := bson.Marshal(model)
	if err != nil {
		return nil, err
	}

	return decodeDocMap(data)
}

func decodeModel(raw bson.M) (*artifact.Model, error) {
	data, err := bson.Marshal(raw)
	if err != nil {
		return nil, err
	}

	var model artifact.Model
	if err := bson.Unmarshal(data, &model); err != nil {
		return nil, err
	}

	return &model, nil
}

// applySet applies one dot-path $set operation to a raw document.
func applySet(doc bson.M, path string, value interface{}) {
	segments := strings.Split(path, ".")

	current := doc
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(bson.M)
		if !ok {
			next = bson.M{}
			current[segment] = next
		}

		current = next
	}

	current[segments[len(segments)-1]] = value
}

func asInt(value interface{}) int {
	switch typed := value.(type) {
	case int:
		return typed
	case int32:
		return int(typed)
	case int64:
		return int(typed)
	default:
		return 0
	}
}
