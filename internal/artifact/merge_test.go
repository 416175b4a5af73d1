package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPMBuild_Merge(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		dst  RPMBuild
		src  RPMBuild
		want RPMBuild
	}{
		{
			name: "missing fields fill in",
			dst:  RPMBuild{TaskID: 42},
			src:  RPMBuild{NVR: "gcompris-qt-1.1-1.fc33", Component: "gcompris-qt"},
			want: RPMBuild{TaskID: 42, NVR: "gcompris-qt-1.1-1.fc33", Component: "gcompris-qt"},
		},
		{
			name: "empty string keeps destination",
			dst:  RPMBuild{NVR: "gcompris-qt-1.1-1.fc33", Issuer: "musuruan"},
			src:  RPMBuild{NVR: "", Issuer: ""},
			want: RPMBuild{NVR: "gcompris-qt-1.1-1.fc33", Issuer: "musuruan"},
		},
		{
			name: "non-empty overwrites",
			dst:  RPMBuild{NVR: "gcompris-qt-1.1-1.fc33"},
			src:  RPMBuild{NVR: "gcompris-qt-1.1-2.fc33"},
			want: RPMBuild{NVR: "gcompris-qt-1.1-2.fc33"},
		},
		{
			name: "absent scratch keeps explicit false",
			dst:  RPMBuild{Scratch: Bool(false)},
			src:  RPMBuild{TaskID: 42},
			want: RPMBuild{TaskID: 42, Scratch: Bool(false)},
		},
		{
			name: "explicit scratch overwrites",
			dst:  RPMBuild{Scratch: Bool(false)},
			src:  RPMBuild{Scratch: Bool(true)},
			want: RPMBuild{Scratch: Bool(true)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := tt.dst
			dst.Merge(&tt.src)
			assert.Equal(t, tt.want, dst)
		})
	}
}

func TestContainerImage_Merge_EmptyArrayKeepsDestination(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dst := ContainerImage{FullNames: []string{"registry.example.com/app:1.0"}}
	dst.Merge(&ContainerImage{FullNames: []string{}})
	assert.Equal(t, []string{"registry.example.com/app:1.0"}, dst.FullNames)

	dst.Merge(&ContainerImage{FullNames: []string{"registry.example.com/app:2.0"}})
	assert.Equal(t, []string{"registry.example.com/app:2.0"}, dst.FullNames)
}

func TestModel_MergeRPMBuild_CreatesWhenAbsent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m := &Model{Type: TypeKojiBuild, Aid: "42"}
	m.MergeRPMBuild(&RPMBuild{TaskID: 42, BuildID: 1728223})

	require.NotNil(t, m.RPMBuild)
	assert.Equal(t, 42, m.RPMBuild.TaskID)
	assert.Equal(t, 1728223, m.RPMBuild.BuildID)

	// Nil proposal is a no-op.
	m.MergeRPMBuild(nil)
	assert.Equal(t, 42, m.RPMBuild.TaskID)
}

func TestModuleBuild_Merge(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dst := ModuleBuild{NSVC: "nodejs:16:3620220127152058:9edba152"}
	dst.Merge(&ModuleBuild{Name: "nodejs", Stream: "16", NSVC: ""})

	assert.Equal(t, "nodejs:16:3620220127152058:9edba152", dst.NSVC)
	assert.Equal(t, "nodejs", dst.Name)
	assert.Equal(t, "16", dst.Stream)
}
