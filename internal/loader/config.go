package loader

import (
	"errors"
	"strings"
	"time"

	"github.com/fedora-ci/kaijs/internal/config"
)

const (
	defaultQueuePoll         = 500 * time.Millisecond
	defaultSchemaRefreshCron = "0 */12 * * *"
)

// ErrQueueDirEmpty is returned when no file-queue directory is configured.
var ErrQueueDirEmpty = errors.New("file queue directory cannot be empty")

// Config holds the loader daemon settings.
type Config struct {
	// QueueDir is the file-queue directory shared with the listener.
	QueueDir string

	// QueuePoll is the fallback scan interval of the queue watcher.
	QueuePoll time.Duration

	// SchemasURL is the endpoint of the schemas collaborator.
	SchemasURL string

	// SchemaRefreshCron schedules snapshot refreshes, 12-hourly by default.
	SchemaRefreshCron string
}

// LoadConfig loads loader configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		QueueDir:          config.GetEnvStr("KAIJS_QUEUE_DIR", ""),
		QueuePoll:         config.GetEnvDuration("KAIJS_QUEUE_POLL", defaultQueuePoll),
		SchemasURL:        config.GetEnvStr("KAIJS_SCHEMAS_URL", ""),
		SchemaRefreshCron: config.GetEnvStr("KAIJS_SCHEMA_REFRESH_CRON", defaultSchemaRefreshCron),
	}
}

// LoadBulkConfig loads the bulk accumulation thresholds from environment
// variables; zero values fall back to the built-in defaults.
func LoadBulkConfig() BulkConfig {
	return BulkConfig{
		MaxEntries: config.GetEnvInt("KAIJS_BULK_MAX_ENTRIES", defaultBulkMaxEntries),
		MaxBytes:   int64(config.GetEnvInt("KAIJS_BULK_MAX_BYTES", defaultBulkMaxBytes)),
		IdleFlush:  config.GetEnvDuration("KAIJS_BULK_IDLE_FLUSH", defaultBulkIdleFlush),
	}
}

// Validate checks if the loader configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.QueueDir) == "" {
		return ErrQueueDirEmpty
	}

	return nil
}
