package listener

import (
	"errors"
	"strings"

	"github.com/fedora-ci/kaijs/internal/config"
	"github.com/fedora-ci/kaijs/internal/storage"
)

// ErrBrokerURLEmpty is returned when no broker URL is configured.
var ErrBrokerURLEmpty = errors.New("broker URL cannot be empty")

// Config holds the listener daemon settings.
type Config struct {
	// URL is the AMQP 1.0 endpoint, for example
	// "amqps://messaging.fedoraproject.org:5671".
	URL string

	// Username and password authenticate via SASL PLAIN when set.
	Username string
	password string

	// Topics are the broker source addresses to subscribe to.
	Topics []string

	// ProviderName stamps every envelope with the connection it arrived on.
	ProviderName string

	// QueueDir is the file-queue directory shared with the loader.
	QueueDir string
}

// LoadConfig loads listener configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		URL:          config.GetEnvStr("KAIJS_BROKER_URL", ""),
		Username:     config.GetEnvStr("KAIJS_BROKER_USERNAME", ""),
		password:     config.GetEnvStr("KAIJS_BROKER_PASSWORD", ""),
		Topics:       config.ParseCommaSeparatedList(config.GetEnvStr("KAIJS_BROKER_TOPICS", "")),
		ProviderName: config.GetEnvStr("KAIJS_PROVIDER_NAME", "kaijs-listener"),
		QueueDir:     config.GetEnvStr("KAIJS_QUEUE_DIR", ""),
	}
}

// Validate checks if the listener configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return ErrBrokerURLEmpty
	}

	if len(c.Topics) == 0 {
		return ErrNoTopics
	}

	if strings.TrimSpace(c.QueueDir) == "" {
		return errors.New("file queue directory cannot be empty")
	}

	return nil
}

// MaskURL returns the broker URL with any password hidden, safe for
// logging.
func (c *Config) MaskURL() string {
	return storage.MaskURL(c.URL)
}
