package loader

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedora-ci/kaijs/internal/artifact"
	"github.com/fedora-ci/kaijs/internal/fqueue"
	"github.com/fedora-ci/kaijs/internal/koji"
)

func TestNewHandlerRegistry_ResolvesAllFamilies(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	registry, err := NewHandlerRegistry(newMemStore(), koji.HubSet{})
	require.NoError(t, err)

	topics := []string{
		"org.centos.prod.ci.koji-build.test.complete",
		"org.centos.prod.ci.koji-build.test.queued",
		"org.centos.prod.ci.koji-build.test.running",
		"org.centos.prod.ci.koji-build.test.error",
		"org.centos.prod.ci.brew-build.test.complete",
		"org.centos.prod.ci.redhat-module.test.running",
		"org.centos.prod.ci.redhat-container-image.test.error",
		"VirtualTopic.eng.ci.brew-build.test.complete",
		"org.centos.prod.buildsys.tag",
		"org.fedoraproject.prod.buildsys.tag",
	}

	for _, topic := range topics {
		_, err := registry.Resolve(topic)
		assert.NoError(t, err, "topic %s must resolve", topic)
	}

	_, err = registry.Resolve("org.centos.prod.ci.koji-build.test.finished")
	assert.Error(t, err, "unknown terminal state must not resolve")
}

func TestTagHandler_CentOSStreamFamily(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemStore()
	hub := newTagHub()
	handler := &tagHandler{
		store: store,
		hubs: koji.HubSet{
			artifact.TypeKojiBuildCS: hub,
		},
	}

	env := tagEnvelope()
	env.BrokerTopic = "org.centos.prod.buildsys.tag"

	model, err := handler.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, artifact.TypeKojiBuildCS, model.Type)
	assert.Equal(t, "42", model.Aid)
}

func TestTagHandler_MissingBuildID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := &tagHandler{store: newMemStore(), hubs: koji.HubSet{}}

	env := tagEnvelope()
	delete(env.Body, "build_id")

	_, err := handler.Handle(context.Background(), env)
	assert.ErrorIs(t, err, ErrBadArtifact)
}

func TestCIHandler_MissingArtifactBlock(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := &ciHandler{store: newMemStore(), typ: artifact.TypeKojiBuild}

	env := queuedEnvelope()
	delete(env.Body, "artifact")

	_, err := handler.Handle(context.Background(), env)
	assert.ErrorIs(t, err, ErrBadArtifact)
}

func TestCIHandler_ContainerImageFields(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := &ciHandler{store: newMemStore(), typ: artifact.TypeContainerImage}

	env := &fqueue.Message{
		BrokerMsgID: "2022-9f41a1ce-container",
		BrokerTopic: "org.centos.prod.ci.redhat-container-image.test.complete",
		Body: map[string]interface{}{
			"version": "0.2.1",
			"artifact": map[string]interface{}{
				"type":       "redhat-container-image",
				"id":         float64(77001),
				"nvr":        "ubi8-container-8.5-200",
				"issuer":     "cvpops",
				"scratch":    false,
				"full_names": []interface{}{"registry.example.com/ubi8:8.5-200"},
			},
			"pipeline":     map[string]interface{}{"id": "PIPE-7"},
			"generated_at": "2022-02-01T00:00:00Z",
		},
	}

	model, err := handler.Handle(context.Background(), env)
	require.NoError(t, err)

	assert.Equal(t, "77001", model.Aid)
	require.NotNil(t, model.ContainerImage)
	assert.Equal(t, 77001, model.ContainerImage.TaskID)
	assert.Equal(t, "ubi8-container-8.5-200", model.ContainerImage.NVR)
	assert.Equal(t, []string{"registry.example.com/ubi8:8.5-200"}, model.ContainerImage.FullNames)
	require.NotNil(t, model.ContainerImage.Scratch)
	assert.False(t, *model.ContainerImage.Scratch)
	require.Len(t, model.States, 1)
}

func TestCIHandler_StringArtifactID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := &ciHandler{store: newMemStore(), typ: artifact.TypeBrewBuild}

	env := queuedEnvelope()
	env.BrokerTopic = "org.centos.prod.ci.brew-build.test.queued"
	env.Body["artifact"] = map[string]interface{}{"type": "brew-build", "id": "43568801"}

	model, err := handler.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "43568801", model.Aid)
	assert.Equal(t, artifact.TypeBrewBuild, model.Type)
}
