// Package koji provides the build-system hub client used to resolve build
// identities for tag events.
//
// Hubs speak XML-RPC. The loader only needs getBuild, so the client surface
// is the single-method Hub interface; the concrete client wraps kolo/xmlrpc
// with a per-call timeout and a rate limiter so a burst of tag events cannot
// hammer a production hub.
package koji

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kolo/xmlrpc"
	"golang.org/x/time/rate"

	"github.com/fedora-ci/kaijs/internal/artifact"
)

const (
	defaultTimeout = 30 * time.Second
	defaultQPS     = 5
	defaultBurst   = 10
)

// Sentinel errors for hub lookups.
var (
	// ErrQueryFailed wraps any hub transport or decode failure. The loader
	// rolls the envelope back for redelivery instead of sidelining it.
	ErrQueryFailed = errors.New("koji hub query failed")

	// ErrBuildNotFound is returned when the hub answers with no build for
	// the given id.
	ErrBuildNotFound = errors.New("build not found")

	// ErrNoHubForType is returned when no hub is configured for an artifact
	// family.
	ErrNoHubForType = errors.New("no hub configured for artifact type")
)

type (
	// BuildInfo is the subset of the hub's getBuild answer the loader needs.
	BuildInfo struct {
		BuildID int                    `xmlrpc:"build_id"`
		TaskID  int                    `xmlrpc:"task_id"`
		NVR     string                 `xmlrpc:"nvr"`
		Name    string                 `xmlrpc:"name"`
		Owner   string                 `xmlrpc:"owner_name"`
		Extra   map[string]interface{} `xmlrpc:"extra"`
	}

	// Hub answers build lookups. Implemented by Client; tests substitute
	// fakes.
	Hub interface {
		GetBuild(ctx context.Context, buildID int) (*BuildInfo, error)
	}

	// Client is an XML-RPC hub client with rate limiting and a per-call
	// timeout.
	Client struct {
		rpc     *xmlrpc.Client
		limiter *rate.Limiter
		timeout time.Duration
	}

	// ClientConfig holds client tuning knobs; zero values take defaults.
	ClientConfig struct {
		Timeout time.Duration
		QPS     rate.Limit
		Burst   int
	}

	// HubSet is the closed mapping of artifact family to hub.
	HubSet map[artifact.Type]Hub
)

// NewClient creates a hub client for the given XML-RPC endpoint, for example
// "https://koji.fedoraproject.org/kojihub".
func NewClient(url string, cfg ClientConfig) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	qps := cfg.QPS
	if qps <= 0 {
		qps = defaultQPS
	}

	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	transport := &http.Transport{ResponseHeaderTimeout: timeout}

	rpc, err := xmlrpc.NewClient(url, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create hub client for %s: %w", url, err)
	}

	return &Client{
		rpc:     rpc,
		limiter: rate.NewLimiter(qps, burst),
		timeout: timeout,
	}, nil
}

// GetBuild resolves one build by its build id via the hub's getBuild call.
func (c *Client) GetBuild(ctx context.Context, buildID int) (*BuildInfo, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type answer struct {
		info BuildInfo
		err  error
	}

	done := make(chan answer, 1)

	// kolo/xmlrpc has no context support; race the call against ctx.
	go func() {
		var info BuildInfo

		err := c.rpc.Call("getBuild", buildID, &info)
		done <- answer{info: info, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, ctx.Err())
	case result := <-done:
		if result.err != nil {
			return nil, fmt.Errorf("%w: getBuild(%d): %w", ErrQueryFailed, buildID, result.err)
		}

		if result.info.BuildID == 0 && result.info.NVR == "" {
			return nil, fmt.Errorf("%w: %d", ErrBuildNotFound, buildID)
		}

		return &result.info, nil
	}
}

// SourceURL digs extra.source.original_url out of the build's extra blob,
// returning "" when absent.
func (b *BuildInfo) SourceURL() string {
	source, ok := b.Extra["source"].(map[string]interface{})
	if !ok {
		return ""
	}

	url, _ := source["original_url"].(string)

	return url
}

// ForType returns the hub serving the given artifact family.
func (h HubSet) ForType(typ artifact.Type) (Hub, error) {
	hub, ok := h[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHubForType, typ)
	}

	return hub, nil
}
