package koji

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/fedora-ci/kaijs/internal/artifact"
	"github.com/fedora-ci/kaijs/internal/config"
)

// Default hub endpoints per build system.
const (
	defaultFedoraHub = "https://koji.fedoraproject.org/kojihub"
	defaultCentOSHub = "https://kojihub.stream.centos.org/kojihub"
	defaultBrewHub   = "https://brewhub.engineering.redhat.com/brewhub"
)

// HubConfig holds the hub endpoints and shared client tuning.
type HubConfig struct {
	FedoraHubURL string
	CentOSHubURL string
	BrewHubURL   string
	Timeout      time.Duration
	QPS          float64
	Burst        int
}

// LoadHubConfig loads hub configuration from environment variables with
// fallback to defaults.
func LoadHubConfig() *HubConfig {
	return &HubConfig{
		FedoraHubURL: config.GetEnvStr("KAIJS_KOJI_FEDORA_HUB", defaultFedoraHub),
		CentOSHubURL: config.GetEnvStr("KAIJS_KOJI_CENTOS_HUB", defaultCentOSHub),
		BrewHubURL:   config.GetEnvStr("KAIJS_KOJI_BREW_HUB", defaultBrewHub),
		Timeout:      config.GetEnvDuration("KAIJS_KOJI_TIMEOUT", defaultTimeout),
		QPS:          float64(config.GetEnvInt("KAIJS_KOJI_QPS", defaultQPS)),
		Burst:        config.GetEnvInt("KAIJS_KOJI_BURST", defaultBurst),
	}
}

// NewHubSet builds the closed type → hub mapping from the configuration.
// Tag events for a family resolve builds against that family's hub only.
func NewHubSet(cfg *HubConfig, logger *slog.Logger) (HubSet, error) {
	if logger == nil {
		logger = slog.Default()
	}

	clientConfig := ClientConfig{
		Timeout: cfg.Timeout,
		QPS:     rate.Limit(cfg.QPS),
		Burst:   cfg.Burst,
	}

	hubs := make(HubSet)

	for _, hub := range []struct {
		typ artifact.Type
		url string
	}{
		{artifact.TypeKojiBuild, cfg.FedoraHubURL},
		{artifact.TypeKojiBuildCS, cfg.CentOSHubURL},
		{artifact.TypeBrewBuild, cfg.BrewHubURL},
	} {
		client, err := NewClient(hub.url, clientConfig)
		if err != nil {
			return nil, err
		}

		hubs[hub.typ] = client

		logger.Debug("Registered build hub",
			slog.String("type", hub.typ.String()),
			slog.String("url", hub.url))
	}

	return hubs, nil
}
