package loader

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fedora-ci/kaijs/internal/artifact"
	"github.com/fedora-ci/kaijs/internal/fqueue"
	"github.com/fedora-ci/kaijs/internal/koji"
	"github.com/fedora-ci/kaijs/internal/router"
)

// Handler projects one envelope onto an artifact document: it computes the
// artifact identity, obtains the current document, merges the event's
// partial build sub-record, and appends a CI state when the event carries
// one. Handlers do not write; the updater owns persistence.
type Handler interface {
	Handle(ctx context.Context, env *fqueue.Message) (*artifact.Model, error)
}

// ciStates is the observable-state suffix shared by all CI event patterns.
const ciStates = `test\.(complete|queued|running|error)`

// NewHandlerRegistry builds the topic registry, most specific patterns
// first. CI state events are registered per artifact family on both the
// fedmsg and the UMB VirtualTopic prefixes; build-system tag events close
// the list.
func NewHandlerRegistry(store ArtifactFinder, hubs koji.HubSet) (*router.Registry[Handler], error) {
	reg := router.NewRegistry[Handler]()

	families := []struct {
		typ     artifact.Type
		segment string
	}{
		{artifact.TypeKojiBuild, "koji-build"},
		{artifact.TypeBrewBuild, "brew-build"},
		{artifact.TypeRedHatModule, "redhat-module"},
		{artifact.TypeContainerImage, "redhat-container-image"},
	}

	for _, family := range families {
		handler := &ciHandler{store: store, typ: family.typ}

		pattern := `org\.centos\.prod\.ci\.` + family.segment + `\.` + ciStates
		if err := reg.Register(pattern, handler); err != nil {
			return nil, err
		}

		pattern = `VirtualTopic\.eng\.ci\.` + family.segment + `\.` + ciStates
		if err := reg.Register(pattern, handler); err != nil {
			return nil, err
		}
	}

	tag := &tagHandler{store: store, hubs: hubs}
	if err := reg.Register(`org\.(centos|fedoraproject)\.prod\.buildsys\.tag`, tag); err != nil {
		return nil, err
	}

	return reg, nil
}

// tagHandler folds build-system tag events into the rpm_build sub-record.
// The artifact identity is the Koji task id, resolved by a side query to the
// hub serving the event's build system.
type tagHandler struct {
	store ArtifactFinder
	hubs  koji.HubSet
}

func (h *tagHandler) Handle(ctx context.Context, env *fqueue.Message) (*artifact.Model, error) {
	typ := artifact.TypeKojiBuildCS
	if strings.HasPrefix(env.BrokerTopic, "org.fedoraproject.") {
		typ = artifact.TypeKojiBuild
	}

	buildID, ok := intField(env.Body, "build_id")
	if !ok {
		return nil, fmt.Errorf("%w: tag event without build_id", ErrBadArtifact)
	}

	hub, err := h.hubs.ForType(typ)
	if err != nil {
		return nil, err
	}

	info, err := hub.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}

	aid := strconv.Itoa(info.TaskID)

	model, _, err := h.store.FindOrCreate(ctx, typ, aid)
	if err != nil {
		return nil, err
	}

	issuer, _ := env.Body["owner"].(string)

	model.MergeRPMBuild(&artifact.RPMBuild{
		TaskID:    info.TaskID,
		BuildID:   buildID,
		NVR:       info.NVR,
		Issuer:    issuer,
		Source:    info.SourceURL(),
		Scratch:   artifact.Bool(false),
		Component: info.Name,
	})

	return model, nil
}

// ciHandler folds CI test state events into the document for one artifact
// family: the build sub-record picks up any fields the event carries, and
// the synthesized KaiState is appended to the history unless its broker
// message id is already present.
type ciHandler struct {
	store ArtifactFinder
	typ   artifact.Type
}

func (h *ciHandler) Handle(ctx context.Context, env *fqueue.Message) (*artifact.Model, error) {
	// Synthesize the state before touching the store so that an invalid
	// body cannot leave a freshly created document behind.
	state, err := router.MakeState(env)
	if err != nil {
		return nil, err
	}

	body, _ := env.Body["artifact"].(map[string]interface{})
	if body == nil {
		return nil, fmt.Errorf("%w: missing artifact block", ErrBadArtifact)
	}

	aid, err := h.aid(body)
	if err != nil {
		return nil, err
	}

	model, _, err := h.store.FindOrCreate(ctx, h.typ, aid)
	if err != nil {
		return nil, err
	}

	h.mergeBuild(model, body)
	model.AppendState(*state)

	return model, nil
}

// aid extracts the artifact identity: the numeric build-system id for RPM
// and container families, the NSVC for modules.
func (h *ciHandler) aid(body map[string]interface{}) (string, error) {
	if h.typ == artifact.TypeRedHatModule {
		if nsvc, _ := body["nsvc"].(string); nsvc != "" {
			return nsvc, nil
		}

		return "", fmt.Errorf("%w: module event without nsvc", ErrBadArtifact)
	}

	if id, ok := intField(body, "id"); ok {
		return strconv.Itoa(id), nil
	}

	if id, _ := body["id"].(string); id != "" {
		return id, nil
	}

	return "", fmt.Errorf("%w: event without artifact id", ErrBadArtifact)
}

func (h *ciHandler) mergeBuild(model *artifact.Model, body map[string]interface{}) {
	str := func(key string) string {
		value, _ := body[key].(string)

		return value
	}

	switch h.typ {
	case artifact.TypeKojiBuild, artifact.TypeKojiBuildCS, artifact.TypeBrewBuild:
		build := &artifact.RPMBuild{
			NVR:       str("nvr"),
			Issuer:    str("issuer"),
			Source:    str("source"),
			Component: str("component"),
		}

		if id, ok := intField(body, "id"); ok {
			build.TaskID = id
		}

		if scratch, ok := body["scratch"].(bool); ok {
			build.Scratch = artifact.Bool(scratch)
		}

		model.MergeRPMBuild(build)
	case artifact.TypeRedHatModule:
		model.MergeModuleBuild(&artifact.ModuleBuild{
			NSVC:    str("nsvc"),
			NVR:     str("nvr"),
			Name:    str("name"),
			Stream:  str("stream"),
			Version: str("version"),
			Context: str("context"),
			Issuer:  str("issuer"),
		})
	case artifact.TypeContainerImage:
		image := &artifact.ContainerImage{
			NVR:       str("nvr"),
			Issuer:    str("issuer"),
			Component: str("component"),
			Source:    str("source"),
		}

		if id, ok := intField(body, "id"); ok {
			image.TaskID = id
		}

		if scratch, ok := body["scratch"].(bool); ok {
			image.Scratch = artifact.Bool(scratch)
		}

		if names, ok := body["full_names"].([]interface{}); ok {
			for _, name := range names {
				if s, ok := name.(string); ok && s != "" {
					image.FullNames = append(image.FullNames, s)
				}
			}
		}

		model.MergeContainerImage(image)
	}
}

// intField reads a numeric body field that JSON decoding may have produced
// as float64 or a string-encoded integer.
func intField(body map[string]interface{}, key string) (int, bool) {
	switch value := body[key].(type) {
	case float64:
		return int(value), true
	case int:
		return value, true
	case string:
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed, true
		}
	}

	return 0, false
}
