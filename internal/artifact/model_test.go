package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestType_IsValid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		typ  Type
		want bool
	}{
		{"koji build", TypeKojiBuild, true},
		{"koji build centos stream", TypeKojiBuildCS, true},
		{"brew build", TypeBrewBuild, true},
		{"redhat module", TypeRedHatModule, true},
		{"container image", TypeContainerImage, true},
		{"empty", Type(""), false},
		{"unknown", Type("copr-build"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.typ.IsValid())
		})
	}
}

func newTestState(msgID, threadID, state string, timestamp int64) State {
	return State{
		BrokerMsgBody: map[string]interface{}{"id": msgID},
		KaiState: KaiState{
			ThreadID:  threadID,
			MsgID:     msgID,
			Version:   "0.2.1",
			Stage:     "test",
			State:     state,
			Timestamp: timestamp,
			Origin:    Origin{Creator: OriginCreator, Reason: OriginReason},
		},
	}
}

func TestModel_AppendState_DeduplicatesByMsgID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m := &Model{Type: TypeKojiBuild, Aid: "42"}

	appended := m.AppendState(newTestState("msg-1", "PIPE-1", "queued", 100))
	require.True(t, appended)
	require.Len(t, m.States, 1)

	// Same broker message delivered again.
	appended = m.AppendState(newTestState("msg-1", "PIPE-1", "queued", 100))
	assert.False(t, appended)
	assert.Len(t, m.States, 1)
}

func TestModel_RefreshDerived_LatestPerThreadWins(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m := &Model{Type: TypeKojiBuild, Aid: "42"}

	require.True(t, m.AppendState(newTestState("msg-1", "PIPE-1", "queued", 100)))
	require.True(t, m.AppendState(newTestState("msg-2", "PIPE-1", "complete", 200)))

	// The queued entry was superseded within its thread but the state value
	// stays observable with an empty bucket.
	require.Contains(t, m.CurrentState, "queued")
	assert.Empty(t, m.CurrentState["queued"])
	require.Len(t, m.CurrentState["complete"], 1)
	assert.Equal(t, "msg-2", m.CurrentState["complete"][0].KaiState.MsgID)

	assert.Equal(t, 0, m.CurrentStateLengths["queued"])
	assert.Equal(t, 1, m.CurrentStateLengths["complete"])
}

func TestModel_RefreshDerived_IndependentThreads(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m := &Model{Type: TypeBrewBuild, Aid: "7"}

	require.True(t, m.AppendState(newTestState("msg-1", "PIPE-1", "running", 100)))
	require.True(t, m.AppendState(newTestState("msg-2", "PIPE-2", "running", 150)))
	require.True(t, m.AppendState(newTestState("msg-3", "PIPE-1", "complete", 300)))

	assert.Len(t, m.CurrentState["running"], 1)
	assert.Equal(t, "PIPE-2", m.CurrentState["running"][0].KaiState.ThreadID)
	assert.Len(t, m.CurrentState["complete"], 1)

	// Bucket sizes track bucket contents exactly.
	for state, entries := range m.CurrentState {
		assert.Equal(t, len(entries), m.CurrentStateLengths[state], "state %q", state)
	}
}

func TestModel_RefreshDerived_TestCaseCatalog(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m := &Model{Type: TypeKojiBuild, Aid: "42"}

	first := newTestState("msg-1", "PIPE-1", "queued", 100)
	first.KaiState.TestCaseName = "x.y.z"
	second := newTestState("msg-2", "PIPE-1", "complete", 200)
	second.KaiState.TestCaseName = "x.y.z"
	third := newTestState("msg-3", "PIPE-2", "complete", 250)
	third.KaiState.TestCaseName = "a.b.c"

	require.True(t, m.AppendState(first))
	require.True(t, m.AppendState(second))
	require.True(t, m.AppendState(third))

	assert.Equal(t, []string{"x.y.z", "a.b.c"}, m.ResultsDBTestCase)
}

func TestModel_RefreshDerived_EqualTimestampsLaterEntryWins(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m := &Model{Type: TypeKojiBuild, Aid: "42"}

	require.True(t, m.AppendState(newTestState("msg-1", "PIPE-1", "queued", 100)))
	require.True(t, m.AppendState(newTestState("msg-2", "PIPE-1", "running", 100)))

	// Ties resolve to the later append, keeping refresh deterministic.
	assert.Empty(t, m.CurrentState["queued"])
	require.Len(t, m.CurrentState["running"], 1)
	assert.Equal(t, "msg-2", m.CurrentState["running"][0].KaiState.MsgID)
}
