// Package storage provides the document-store adapters behind the loader:
// MongoDB for the primary artifacts collection and the TTL-bounded sideline
// collections, OpenSearch for the bulk-upsert indexed variant.
package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/fedora-ci/kaijs/internal/config"
)

const (
	defaultDatabase            = "kaijs"
	defaultArtifactsCollection = "artifacts"
	defaultInvalidCollection   = "invalid"
	defaultUnknownCollection   = "no_handler_topics"
	defaultConnectTimeout      = 10 * time.Second
	defaultOperationTimeout    = 30 * time.Second
)

var (
	// ErrMongoURLEmpty is returned when the MongoDB URL is an empty string.
	ErrMongoURLEmpty = errors.New("mongodb URL cannot be empty")

	// ErrNoOpenSearchAddress is returned when no OpenSearch address is
	// configured.
	ErrNoOpenSearchAddress = errors.New("opensearch addresses cannot be empty")
)

type (
	// Config holds MongoDB connection and collection settings.
	Config struct {
		mongoURL            string
		Database            string
		ArtifactsCollection string
		InvalidCollection   string
		UnknownCollection   string
		ConnectTimeout      time.Duration
		OperationTimeout    time.Duration
		IndexConfigPath     string
	}

	// OpenSearchConfig holds the indexed-store variant settings.
	OpenSearchConfig struct {
		Addresses      []string
		Username       string
		password       string
		ArtifactsIndex string
		StatesIndex    string
	}
)

// LoadConfig loads MongoDB configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		mongoURL:            config.GetEnvStr("KAIJS_MONGO_URL", ""), // URL carries credentials, kept private
		Database:            config.GetEnvStr("KAIJS_MONGO_DATABASE", defaultDatabase),
		ArtifactsCollection: config.GetEnvStr("KAIJS_MONGO_ARTIFACTS_COLLECTION", defaultArtifactsCollection),
		InvalidCollection:   config.GetEnvStr("KAIJS_MONGO_INVALID_COLLECTION", defaultInvalidCollection),
		UnknownCollection:   config.GetEnvStr("KAIJS_MONGO_UNKNOWN_COLLECTION", defaultUnknownCollection),
		ConnectTimeout:      config.GetEnvDuration("KAIJS_MONGO_CONNECT_TIMEOUT", defaultConnectTimeout),
		OperationTimeout:    config.GetEnvDuration("KAIJS_MONGO_OPERATION_TIMEOUT", defaultOperationTimeout),
		IndexConfigPath:     config.GetEnvStr("KAIJS_INDEX_CONFIG_PATH", ""),
	}
}

// LoadOpenSearchConfig loads the indexed-store settings from environment
// variables.
func LoadOpenSearchConfig() *OpenSearchConfig {
	return &OpenSearchConfig{
		Addresses:      config.ParseCommaSeparatedList(config.GetEnvStr("KAIJS_OPENSEARCH_ADDRESSES", "")),
		Username:       config.GetEnvStr("KAIJS_OPENSEARCH_USERNAME", ""),
		password:       config.GetEnvStr("KAIJS_OPENSEARCH_PASSWORD", ""),
		ArtifactsIndex: config.GetEnvStr("KAIJS_OPENSEARCH_ARTIFACTS_INDEX", "artifacts"),
		StatesIndex:    config.GetEnvStr("KAIJS_OPENSEARCH_STATES_INDEX", "artifact-states"),
	}
}

// Validate checks if the MongoDB configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.mongoURL) == "" {
		return ErrMongoURLEmpty
	}

	return nil
}

// Validate checks if the OpenSearch configuration is valid.
func (c *OpenSearchConfig) Validate() error {
	if len(c.Addresses) == 0 {
		return ErrNoOpenSearchAddress
	}

	return nil
}

// MaskMongoURL returns a masked URL safe for logging.
func (c *Config) MaskMongoURL() string {
	return MaskURL(c.mongoURL)
}

// MaskURL hides the password of a user:password@host style URL.
func MaskURL(url string) string {
	if url == "" {
		return ""
	}

	schemeEnd := strings.Index(url, "://")
	if schemeEnd == -1 {
		return url
	}

	afterScheme := url[schemeEnd+3:]

	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		return url
	}

	userInfo := afterScheme[:lastAtIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 {
		return url
	}

	username := userInfo[:colonIndex]
	if userInfo[colonIndex+1:] == "" {
		return url
	}

	return url[:schemeEnd] + "://" + username + ":***" + afterScheme[lastAtIndex:]
}
