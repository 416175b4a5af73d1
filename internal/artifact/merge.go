package artifact

// Build sub-records are filled progressively from multiple events: a tag
// event may arrive before or after the CI events referencing the same build,
// and later events often carry only a subset of the fields. The merge rule
// is uniform across sub-records:
//
//   - destination missing/zero → assign
//   - both strings, new one empty → keep destination
//   - both arrays, new one empty → keep destination
//   - otherwise → new value overwrites
//
// Pointer booleans distinguish "absent" from an explicit false, so an
// explicit scratch=false from a tag event is preserved.

// Merge folds src into b field-wise.
func (b *RPMBuild) Merge(src *RPMBuild) {
	if src == nil {
		return
	}

	if src.TaskID != 0 {
		b.TaskID = src.TaskID
	}

	if src.BuildID != 0 {
		b.BuildID = src.BuildID
	}

	if src.NVR != "" {
		b.NVR = src.NVR
	}

	if src.Issuer != "" {
		b.Issuer = src.Issuer
	}

	if src.Source != "" {
		b.Source = src.Source
	}

	if src.Scratch != nil {
		b.Scratch = src.Scratch
	}

	if src.Component != "" {
		b.Component = src.Component
	}
}

// Merge folds src into b field-wise.
func (b *ModuleBuild) Merge(src *ModuleBuild) {
	if src == nil {
		return
	}

	if src.NSVC != "" {
		b.NSVC = src.NSVC
	}

	if src.NVR != "" {
		b.NVR = src.NVR
	}

	if src.Name != "" {
		b.Name = src.Name
	}

	if src.Stream != "" {
		b.Stream = src.Stream
	}

	if src.Version != "" {
		b.Version = src.Version
	}

	if src.Context != "" {
		b.Context = src.Context
	}

	if src.Issuer != "" {
		b.Issuer = src.Issuer
	}
}

// Merge folds src into b field-wise.
func (b *ContainerImage) Merge(src *ContainerImage) {
	if src == nil {
		return
	}

	if src.TaskID != 0 {
		b.TaskID = src.TaskID
	}

	if src.NVR != "" {
		b.NVR = src.NVR
	}

	if src.Issuer != "" {
		b.Issuer = src.Issuer
	}

	if src.Component != "" {
		b.Component = src.Component
	}

	if src.Source != "" {
		b.Source = src.Source
	}

	if src.Scratch != nil {
		b.Scratch = src.Scratch
	}

	if len(src.FullNames) > 0 {
		b.FullNames = src.FullNames
	}
}

// MergeRPMBuild merges a proposed rpm_build sub-record into the model,
// creating it when absent.
func (m *Model) MergeRPMBuild(src *RPMBuild) {
	if src == nil {
		return
	}

	if m.RPMBuild == nil {
		m.RPMBuild = &RPMBuild{}
	}

	m.RPMBuild.Merge(src)
}

// MergeModuleBuild merges a proposed module_build sub-record into the model,
// creating it when absent.
func (m *Model) MergeModuleBuild(src *ModuleBuild) {
	if src == nil {
		return
	}

	if m.ModuleBuild == nil {
		m.ModuleBuild = &ModuleBuild{}
	}

	m.ModuleBuild.Merge(src)
}

// MergeContainerImage merges a proposed container_image sub-record into the
// model, creating it when absent.
func (m *Model) MergeContainerImage(src *ContainerImage) {
	if src == nil {
		return
	}

	if m.ContainerImage == nil {
		m.ContainerImage = &ContainerImage{}
	}

	m.ContainerImage.Merge(src)
}

// Bool returns a pointer to the given bool, for sub-record literals.
func Bool(v bool) *bool {
	return &v
}
