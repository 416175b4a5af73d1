package loader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedora-ci/kaijs/internal/artifact"
)

func TestUpdateSet_IdenticalDocumentsProduceNothing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	model := &artifact.Model{
		Type:       artifact.TypeKojiBuild,
		Aid:        "42",
		DocVersion: 3,
		RPMBuild:   &artifact.RPMBuild{TaskID: 42, NVR: "gcompris-qt-1.1-1.fc33"},
	}

	set, err := UpdateSet(model, model)
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestUpdateSet_NestedScalarChange(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	persisted := &artifact.Model{
		Type:       artifact.TypeKojiBuild,
		Aid:        "42",
		DocVersion: 1,
		RPMBuild:   &artifact.RPMBuild{TaskID: 42, NVR: "gcompris-qt-1.1-1.fc33"},
	}
	proposal := &artifact.Model{
		Type:       artifact.TypeKojiBuild,
		Aid:        "42",
		DocVersion: 1,
		RPMBuild:   &artifact.RPMBuild{TaskID: 42, NVR: "gcompris-qt-1.1-2.fc33", Issuer: "musuruan"},
	}

	set, err := UpdateSet(proposal, persisted)
	require.NoError(t, err)

	// Only the changed leaves appear; the untouched task_id does not.
	assert.Contains(t, set, "rpm_build.nvr")
	assert.Contains(t, set, "rpm_build.issuer")
	assert.NotContains(t, set, "rpm_build.task_id")
	assert.NotContains(t, set, "type")
}

func TestUpdateSet_NewSubRecordWrittenWhole(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	persisted := &artifact.Model{Type: artifact.TypeKojiBuild, Aid: "42", DocVersion: 1}
	proposal := &artifact.Model{
		Type:       artifact.TypeKojiBuild,
		Aid:        "42",
		DocVersion: 1,
		RPMBuild:   &artifact.RPMBuild{TaskID: 42},
	}

	set, err := UpdateSet(proposal, persisted)
	require.NoError(t, err)
	assert.Contains(t, set, "rpm_build")
}

func TestUpdateSet_ArraysWrittenWhole(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s1 := artifact.State{
		BrokerMsgBody: map[string]interface{}{"id": "m1"},
		KaiState:      artifact.KaiState{MsgID: "m1", ThreadID: "PIPE-1", State: "queued", Timestamp: 100},
	}
	s2 := artifact.State{
		BrokerMsgBody: map[string]interface{}{"id": "m2"},
		KaiState:      artifact.KaiState{MsgID: "m2", ThreadID: "PIPE-1", State: "complete", Timestamp: 200},
	}

	persisted := &artifact.Model{Type: artifact.TypeKojiBuild, Aid: "42", DocVersion: 2, States: []artifact.State{s1}}
	persisted.RefreshDerived()

	proposal := &artifact.Model{Type: artifact.TypeKojiBuild, Aid: "42", DocVersion: 2, States: []artifact.State{s1, s2}}
	proposal.RefreshDerived()

	set, err := UpdateSet(proposal, persisted)
	require.NoError(t, err)

	assert.Contains(t, set, "states")
	assert.Contains(t, set, "current_state.complete")

	// The drained queued bucket is written as an explicit empty array so
	// the stale winner does not linger.
	assert.Contains(t, set, "current_state.queued")
	assert.Contains(t, set, "current_state_lenghts.queued")
}

func TestUpdateSet_EmptyProposalValuesDropped(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	persisted := &artifact.Model{Type: artifact.TypeKojiBuild, Aid: "42", DocVersion: 1}
	proposal := &artifact.Model{
		Type:       artifact.TypeKojiBuild,
		Aid:        "42",
		DocVersion: 1,
		RPMBuild:   &artifact.RPMBuild{},
	}

	set, err := UpdateSet(proposal, persisted)
	require.NoError(t, err)
	assert.Empty(t, set, "an all-empty sub-record must not produce writes")
}

func TestUpdateSet_ExcludesIdentityAndVersion(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	persisted := &artifact.Model{Type: artifact.TypeKojiBuild, Aid: "42", DocVersion: 1}
	proposal := &artifact.Model{Type: artifact.TypeKojiBuild, Aid: "42", DocVersion: 7}

	set, err := UpdateSet(proposal, persisted)
	require.NoError(t, err)
	assert.NotContains(t, set, "_version")
	assert.NotContains(t, set, "_id")
}
