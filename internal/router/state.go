package router

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fedora-ci/kaijs/internal/artifact"
	"github.com/fedora-ci/kaijs/internal/fqueue"
)

// Sentinel errors for state synthesis. All three are sideline-class: the loader
// records the envelope to the invalid store and commits.
var (
	// ErrNoThreadID is returned when the body carries neither a pipeline id
	// nor a run url to derive the thread identity from.
	ErrNoThreadID = errors.New("no pipeline.id and no run.url to derive thread id")

	// ErrBadTimestamp is returned when the body's generated_at field is
	// missing or unparseable.
	ErrBadTimestamp = errors.New("missing or unparseable generated_at")

	// ErrBadTopic is returned when the topic has fewer than two dot-delimited
	// segments, leaving no stage/state to extract.
	ErrBadTopic = errors.New("topic too short to carry stage and state")
)

// dummyThreadPrefix marks thread ids derived from the run url fallback.
const dummyThreadPrefix = "dummy-thread-"

// MakeState synthesizes the ArtifactState for one envelope per the canonical
// derivation rules:
//
//   - thread id: body.pipeline.id when a non-empty string, otherwise
//     "dummy-thread-" + sha256_hex(body.run.url); neither present is a hard
//     error for the message.
//   - stage, state: second-to-last and last dot-delimited topic segments.
//   - timestamp: milliseconds since epoch parsed from body.generated_at.
//   - test case name: "{namespace}.{type}.{category}" when all three of
//     body.test.namespace/type/category are non-empty strings.
func MakeState(env *fqueue.Message) (*artifact.State, error) {
	threadID, err := threadID(env.Body)
	if err != nil {
		return nil, err
	}

	stage, state, err := ParseTopic(env.BrokerTopic)
	if err != nil {
		return nil, err
	}

	timestamp, err := generatedAt(env.Body)
	if err != nil {
		return nil, err
	}

	version, _ := env.Body["version"].(string)

	return &artifact.State{
		BrokerMsgBody: env.Body,
		KaiState: artifact.KaiState{
			ThreadID:  threadID,
			MsgID:     env.BrokerMsgID,
			Version:   version,
			Stage:     stage,
			State:     state,
			Timestamp: timestamp,
			Origin: artifact.Origin{
				Creator: artifact.OriginCreator,
				Reason:  artifact.OriginReason,
			},
			TestCaseName: TestCaseName(env.Body),
		},
	}, nil
}

// ParseTopic extracts (stage, state) from the last two dot-delimited topic
// segments, for example "org.centos.prod.ci.koji-build.test.complete" →
// ("test", "complete").
func ParseTopic(topic string) (string, string, error) {
	segments := strings.Split(topic, ".")
	if len(segments) < 2 {
		return "", "", fmt.Errorf("%w: %q", ErrBadTopic, topic)
	}

	return segments[len(segments)-2], segments[len(segments)-1], nil
}

// TestCaseName composes "{namespace}.{type}.{category}" from body.test, or
// returns "" when any of the three parts is missing or empty.
func TestCaseName(body map[string]interface{}) string {
	test, ok := body["test"].(map[string]interface{})
	if !ok {
		return ""
	}

	namespace, _ := test["namespace"].(string)
	typ, _ := test["type"].(string)
	category, _ := test["category"].(string)

	if namespace == "" || typ == "" || category == "" {
		return ""
	}

	return namespace + "." + typ + "." + category
}

func threadID(body map[string]interface{}) (string, error) {
	if pipeline, ok := body["pipeline"].(map[string]interface{}); ok {
		if id, ok := pipeline["id"].(string); ok && id != "" {
			return id, nil
		}
	}

	if run, ok := body["run"].(map[string]interface{}); ok {
		if url, ok := run["url"].(string); ok && url != "" {
			sum := sha256.Sum256([]byte(url))

			return dummyThreadPrefix + hex.EncodeToString(sum[:]), nil
		}
	}

	return "", ErrNoThreadID
}

// generatedAt parses body.generated_at into milliseconds since epoch.
// Accepts RFC3339 strings and numeric epochs (seconds, or milliseconds when
// the magnitude already is one).
func generatedAt(body map[string]interface{}) (int64, error) {
	const msThreshold = int64(1) << 40 // ~2004 in ms, ~36000 AD in seconds

	switch v := body["generated_at"].(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UnixMilli(), nil
		}

		return 0, fmt.Errorf("%w: %q", ErrBadTimestamp, v)
	case float64:
		epoch := int64(v)
		if epoch >= msThreshold {
			return epoch, nil
		}

		return epoch * 1000, nil
	default:
		return 0, ErrBadTimestamp
	}
}
