package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// sidelineTTLSeconds is the 15-day retention window of the sideline
// collections, enforced by a TTL index on expire_at.
const sidelineTTLSeconds = 15 * 24 * 60 * 60

type (
	// IndexKey is one field of a compound index. Order is 1 for ascending,
	// -1 for descending.
	IndexKey struct {
		Field string `yaml:"field"`
		Order int    `yaml:"order"`
	}

	// IndexSpec declares one named index. At startup the declared set is
	// reconciled against the collection: indexes not declared here are
	// dropped (except _id_), missing ones are created.
	IndexSpec struct {
		Name               string     `yaml:"name"`
		Keys               []IndexKey `yaml:"keys"`
		Unique             bool       `yaml:"unique"`
		ExpireAfterSeconds *int32     `yaml:"expire_after_seconds"`
	}

	// IndexConfig maps collection names to their declared index sets,
	// loadable from a YAML file.
	IndexConfig struct {
		Collections map[string][]IndexSpec `yaml:"collections"`
	}
)

// LoadIndexConfig loads index declarations from a YAML file. An empty path
// or a missing file yields the built-in defaults for the given collection
// names; a present but unreadable file is an error, since silently running
// with wrong indexes would drop the ones the file declares.
func LoadIndexConfig(path string, cfg *Config, logger *slog.Logger) (*IndexConfig, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if path == "" {
		return DefaultIndexConfig(cfg), nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("Index config file not found, using defaults", slog.String("path", path))

			return DefaultIndexConfig(cfg), nil
		}

		return nil, fmt.Errorf("failed to read index config %s: %w", path, err)
	}

	var indexConfig IndexConfig
	if err := yaml.Unmarshal(data, &indexConfig); err != nil {
		return nil, fmt.Errorf("failed to parse index config %s: %w", path, err)
	}

	if indexConfig.Collections == nil {
		indexConfig.Collections = make(map[string][]IndexSpec)
	}

	return &indexConfig, nil
}

// DefaultIndexConfig returns the built-in index declarations: a unique
// (type, aid) identity index plus an aid lookup index on the artifacts
// collection, and expire_at TTL indexes on both sideline collections.
func DefaultIndexConfig(cfg *Config) *IndexConfig {
	ttl := int32(sidelineTTLSeconds)
	sideline := []IndexSpec{{
		Name:               "expire_at_ttl",
		Keys:               []IndexKey{{Field: "expire_at", Order: 1}},
		ExpireAfterSeconds: &ttl,
	}}

	return &IndexConfig{
		Collections: map[string][]IndexSpec{
			cfg.ArtifactsCollection: {
				{
					Name:   "type_aid_unique",
					Keys:   []IndexKey{{Field: "type", Order: 1}, {Field: "aid", Order: 1}},
					Unique: true,
				},
				{
					Name: "aid",
					Keys: []IndexKey{{Field: "aid", Order: 1}},
				},
			},
			cfg.InvalidCollection: sideline,
			cfg.UnknownCollection: sideline,
		},
	}
}

// forCollection returns the declared index set of one collection, empty when
// the collection is not declared.
func (c *IndexConfig) forCollection(name string) []IndexSpec {
	return c.Collections[name]
}
