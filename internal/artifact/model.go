// Package artifact provides the domain model for CI build artifacts.
//
// An artifact is a build or compose that CI runs against, identified by the
// pair (type, aid). Its document accumulates state from many asynchronous
// broker events: build-system tag events fill in the build sub-record, CI
// test events append to the states history. Derived views (current_state,
// current_state_lenghts, resultsdb_testcase) are recomputed after every
// state append.
package artifact

import (
	"errors"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	// Type is the closed set of artifact families the loader understands.
	Type string

	// Origin records which component produced a KaiState and why.
	Origin struct {
		Creator string `json:"creator"        bson:"creator"`
		Reason  string `json:"reason"         bson:"reason"`
	}

	// KaiState is the canonical per-event record derived from one broker
	// message. Stage and State are the second-to-last and last dot-delimited
	// segments of the broker topic; Timestamp is milliseconds since epoch
	// parsed from the body's generated_at field.
	KaiState struct {
		ThreadID     string `json:"thread_id"                 bson:"thread_id"`
		MsgID        string `json:"msg_id"                    bson:"msg_id"`
		Version      string `json:"version"                   bson:"version"`
		Stage        string `json:"stage"                     bson:"stage"`
		State        string `json:"state"                     bson:"state"`
		Timestamp    int64  `json:"timestamp"                 bson:"timestamp"`
		Origin       Origin `json:"origin"                    bson:"origin"`
		TestCaseName string `json:"test_case_name,omitempty"  bson:"test_case_name,omitempty"`
	}

	// State wraps one broker message body together with the KaiState derived
	// from it. Appended to Model.States, de-duplicated by KaiState.MsgID.
	State struct {
		BrokerMsgBody map[string]interface{} `json:"broker_msg_body" bson:"broker_msg_body"`
		KaiState      KaiState               `json:"kai_state"       bson:"kai_state"`
	}

	// RPMBuild is the build sub-record for koji-build, koji-build-cs and
	// brew-build artifacts, filled progressively from tag and CI events.
	// Scratch is a pointer so that an explicit false survives merging.
	RPMBuild struct {
		TaskID    int    `json:"task_id,omitempty"   bson:"task_id,omitempty"`
		BuildID   int    `json:"build_id,omitempty"  bson:"build_id,omitempty"`
		NVR       string `json:"nvr,omitempty"       bson:"nvr,omitempty"`
		Issuer    string `json:"issuer,omitempty"    bson:"issuer,omitempty"`
		Source    string `json:"source,omitempty"    bson:"source,omitempty"`
		Scratch   *bool  `json:"scratch,omitempty"   bson:"scratch,omitempty"`
		Component string `json:"component,omitempty" bson:"component,omitempty"`
	}

	// ModuleBuild is the build sub-record for redhat-module artifacts.
	// Identity is the NSVC (name-stream-version-context).
	ModuleBuild struct {
		NSVC    string `json:"nsvc,omitempty"    bson:"nsvc,omitempty"`
		NVR     string `json:"nvr,omitempty"     bson:"nvr,omitempty"`
		Name    string `json:"name,omitempty"    bson:"name,omitempty"`
		Stream  string `json:"stream,omitempty"  bson:"stream,omitempty"`
		Version string `json:"version,omitempty" bson:"version,omitempty"`
		Context string `json:"context,omitempty" bson:"context,omitempty"`
		Issuer  string `json:"issuer,omitempty"  bson:"issuer,omitempty"`
	}

	// ContainerImage is the build sub-record for redhat-container-image
	// artifacts.
	ContainerImage struct {
		TaskID    int      `json:"task_id,omitempty"    bson:"task_id,omitempty"`
		NVR       string   `json:"nvr,omitempty"        bson:"nvr,omitempty"`
		Issuer    string   `json:"issuer,omitempty"     bson:"issuer,omitempty"`
		Component string   `json:"component,omitempty"  bson:"component,omitempty"`
		Source    string   `json:"source,omitempty"     bson:"source,omitempty"`
		Scratch   *bool    `json:"scratch,omitempty"    bson:"scratch,omitempty"`
		FullNames []string `json:"full_names,omitempty" bson:"full_names,omitempty"`
	}

	// Model is the accumulated artifact document. (Type, Aid) is unique in
	// the store; DocVersion increases by one on every mutating write.
	//
	// CurrentStateLengths keeps the historical on-wire spelling
	// "current_state_lenghts" for document compatibility with the existing
	// collections.
	Model struct {
		ID                  primitive.ObjectID `json:"-"                              bson:"_id,omitempty"`
		Type                Type               `json:"type"                           bson:"type"`
		Aid                 string             `json:"aid"                            bson:"aid"`
		DocVersion          int                `json:"_version"                       bson:"_version"`
		States              []State            `json:"states,omitempty"               bson:"states,omitempty"`
		RPMBuild            *RPMBuild          `json:"rpm_build,omitempty"            bson:"rpm_build,omitempty"`
		ModuleBuild         *ModuleBuild       `json:"module_build,omitempty"         bson:"module_build,omitempty"`
		ContainerImage      *ContainerImage    `json:"container_image,omitempty"      bson:"container_image,omitempty"`
		CurrentState        map[string][]State `json:"current_state,omitempty"        bson:"current_state,omitempty"`
		CurrentStateLengths map[string]int     `json:"current_state_lenghts,omitempty" bson:"current_state_lenghts,omitempty"` //nolint:misspell // historical field name
		ResultsDBTestCase   []string           `json:"resultsdb_testcase,omitempty"   bson:"resultsdb_testcase,omitempty"`
	}
)

// Artifact families.
const (
	TypeKojiBuild      Type = "koji-build"
	TypeKojiBuildCS    Type = "koji-build-cs"
	TypeBrewBuild      Type = "brew-build"
	TypeRedHatModule   Type = "redhat-module"
	TypeContainerImage Type = "redhat-container-image"
)

// OriginCreator identifies this loader in every KaiState it emits.
const OriginCreator = "kaijs-loader"

// OriginReason is the fixed reason recorded for broker-derived states.
const OriginReason = "broker message"

// ErrUnknownType is returned when an artifact type outside the closed set is
// encountered.
var ErrUnknownType = errors.New("unknown artifact type")

// ValidTypes returns the closed set of artifact families.
func ValidTypes() []Type {
	return []Type{
		TypeKojiBuild,
		TypeKojiBuildCS,
		TypeBrewBuild,
		TypeRedHatModule,
		TypeContainerImage,
	}
}

// IsValid checks whether the type is in the closed artifact family set.
func (t Type) IsValid() bool {
	for _, valid := range ValidTypes() {
		if t == valid {
			return true
		}
	}

	return false
}

// String returns the string representation of the artifact type.
func (t Type) String() string {
	return string(t)
}

// HasState reports whether a state with the given broker message id is
// already present in the history.
func (m *Model) HasState(msgID string) bool {
	for i := range m.States {
		if m.States[i].KaiState.MsgID == msgID {
			return true
		}
	}

	return false
}

// AppendState appends a state to the history unless one with the same broker
// message id is already present, then recomputes the derived views. Returns
// true when the state was actually appended.
func (m *Model) AppendState(state State) bool {
	if m.HasState(state.KaiState.MsgID) {
		return false
	}

	m.States = append(m.States, state)
	m.RefreshDerived()

	return true
}
