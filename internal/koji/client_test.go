package koji

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedora-ci/kaijs/internal/artifact"
)

type fakeHub struct {
	builds map[int]*BuildInfo
}

func (f *fakeHub) GetBuild(_ context.Context, buildID int) (*BuildInfo, error) {
	info, ok := f.builds[buildID]
	if !ok {
		return nil, ErrBuildNotFound
	}

	return info, nil
}

func TestBuildInfo_SourceURL(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name  string
		extra map[string]interface{}
		want  string
	}{
		{
			name: "present",
			extra: map[string]interface{}{
				"source": map[string]interface{}{
					"original_url": "git+https://src.fedoraproject.org/rpms/gcompris-qt.git#3e2d49",
				},
			},
			want: "git+https://src.fedoraproject.org/rpms/gcompris-qt.git#3e2d49",
		},
		{name: "no source", extra: map[string]interface{}{}, want: ""},
		{name: "nil extra", extra: nil, want: ""},
		{
			name:  "source not a struct",
			extra: map[string]interface{}{"source": "inline"},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &BuildInfo{Extra: tt.extra}
			assert.Equal(t, tt.want, info.SourceURL())
		})
	}
}

func TestHubSet_ForType(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fedora := &fakeHub{}
	hubs := HubSet{artifact.TypeKojiBuild: fedora}

	hub, err := hubs.ForType(artifact.TypeKojiBuild)
	require.NoError(t, err)
	assert.Same(t, Hub(fedora), hub)

	_, err = hubs.ForType(artifact.TypeBrewBuild)
	assert.ErrorIs(t, err, ErrNoHubForType)
}

func TestNewClient_BadURL(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := NewClient("://not-a-url", ClientConfig{})
	assert.Error(t, err)
}
