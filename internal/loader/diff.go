package loader

import (
	"fmt"
	"reflect"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsonrw"

	"github.com/fedora-ci/kaijs/internal/artifact"
)

// UpdateSet computes the minimal set of leaf paths (dot notation) whose
// value in the proposal differs from the persisted document:
//
//   - arrays are always written whole from the proposal, never merged here
//   - paths resolving to nil or empty in the proposal are dropped, except
//     an empty array over a non-empty persisted value, which is written
//   - unchanged values are dropped
//   - nested documents recurse, so an untouched sibling field is never
//     rewritten
//
// The document identity (_id) and the version counter (_version) are
// excluded; the CAS layer owns both.
func UpdateSet(proposal, persisted *artifact.Model) (map[string]interface{}, error) {
	propMap, err := toDocMap(proposal)
	if err != nil {
		return nil, err
	}

	persMap, err := toDocMap(persisted)
	if err != nil {
		return nil, err
	}

	delete(propMap, "_id")
	delete(propMap, "_version")

	set := make(map[string]interface{})
	diffInto(set, "", propMap, persMap)

	return set, nil
}

func toDocMap(model *artifact.Model) (map[string]interface{}, error) {
	data, err := bson.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document for diff: %w", err)
	}

	return decodeDocMap(data)
}

// decodeDocMap decodes raw bson into nested bson.M maps all the way down
// (the driver's default for interface{} values is the ordered bson.D, which
// would defeat the recursive diff).
func decodeDocMap(data []byte) (bson.M, error) {
	decoder, err := bson.NewDecoder(bsonrw.NewBSONDocumentReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create document decoder: %w", err)
	}

	decoder.DefaultDocumentM()

	var doc bson.M
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document for diff: %w", err)
	}

	return doc, nil
}

func diffInto(set map[string]interface{}, prefix string, proposal, persisted map[string]interface{}) {
	for key, value := range proposal {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		current, exists := persisted[key]

		if isEmptyValue(value) {
			// Empty proposal values are dropped, with one exception: an
			// empty array still overwrites a persisted non-empty one, so a
			// derived bucket that drained (a state superseded in every
			// thread) does not linger with stale entries.
			if isArrayValue(value) && exists && !isEmptyValue(current) {
				set[path] = value
			}

			continue
		}

		switch typed := value.(type) {
		case bson.M:
			if nested, ok := current.(bson.M); exists && ok {
				diffInto(set, path, typed, nested)

				continue
			}

			set[path] = typed
		case map[string]interface{}:
			if nested, ok := current.(map[string]interface{}); exists && ok {
				diffInto(set, path, typed, nested)

				continue
			}

			set[path] = typed
		default:
			if !exists || !reflect.DeepEqual(value, current) {
				set[path] = value
			}
		}
	}
}

func isArrayValue(value interface{}) bool {
	switch value.(type) {
	case bson.A, []interface{}:
		return true
	default:
		return false
	}
}

func isEmptyValue(value interface{}) bool {
	switch typed := value.(type) {
	case nil:
		return true
	case string:
		return typed == ""
	case bson.A:
		return len(typed) == 0
	case []interface{}:
		return len(typed) == 0
	case bson.M:
		return len(typed) == 0
	case map[string]interface{}:
		return len(typed) == 0
	default:
		return false
	}
}
