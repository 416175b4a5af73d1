package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fedora-ci/kaijs/internal/fqueue"
	"github.com/fedora-ci/kaijs/internal/metrics"
	"github.com/fedora-ci/kaijs/internal/router"
	"github.com/fedora-ci/kaijs/internal/schemas"
)

// maxAttempts bounds the read-merge-compare-and-swap loop. A lost race means
// a concurrent loader bumped the document version between our read and our
// conditional write; the whole projection is recomputed and retried.
const maxAttempts = 30

const (
	casInitialInterval = 50 * time.Millisecond
	casMaxInterval     = 2 * time.Second
)

// errTransientStore marks adapter failures that retry within the update
// loop instead of killing the envelope outright.
var errTransientStore = errors.New("transient store error")

// Updater performs the read-modify-write cycle for one envelope: schema
// validation, handler projection, minimal-diff computation, and the
// version-guarded conditional write.
type Updater struct {
	store     ArtifactStore
	validator *schemas.Store
	registry  *router.Registry[Handler]
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// delay paces retries; injectable so tests need not sleep.
	delay func(ctx context.Context, d time.Duration) error
}

// NewUpdater wires an updater. metrics may be nil.
func NewUpdater(
	store ArtifactStore,
	validator *schemas.Store,
	registry *router.Registry[Handler],
	logger *slog.Logger,
	m *metrics.Metrics,
) *Updater {
	if logger == nil {
		logger = slog.Default()
	}

	return &Updater{
		store:     store,
		validator: validator,
		registry:  registry,
		logger:    logger,
		metrics:   m,
		delay:     sleepDelay,
	}
}

func sleepDelay(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Process folds one envelope into its artifact document, upholding the
// document invariants, or returns a typed error for the consumer loop to
// dispatch on.
func (u *Updater) Process(ctx context.Context, env *fqueue.Message) error {
	if err := u.validator.Validate(env.Body, env.BrokerTopic); err != nil {
		return err
	}

	handler, err := u.registry.Resolve(env.BrokerTopic)
	if err != nil {
		return err
	}

	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = casInitialInterval
	wait.MaxInterval = casMaxInterval

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = nil

		done, err := u.attempt(ctx, handler, env)
		if err != nil {
			// Transient adapter failures retry like a lost race; anything
			// else propagates for the consumer loop to dispatch on.
			if !errors.Is(err, errTransientStore) {
				return err
			}

			u.logger.Warn("Transient store error, retrying",
				slog.String("broker_msg_id", env.BrokerMsgID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))

			done, lastErr = false, err
		}

		if done {
			if attempt > 1 && u.metrics != nil {
				u.metrics.CASRetries.Add(float64(attempt - 1))
			}

			return nil
		}

		if lastErr == nil {
			lastErr = fmt.Errorf("version conflict on attempt %d", attempt)

			u.logger.Debug("Lost update race, retrying",
				slog.String("broker_msg_id", env.BrokerMsgID),
				slog.Int("attempt", attempt))
		}

		if err := u.delay(ctx, wait.NextBackOff()); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrUpdateExhausted, maxAttempts, lastErr)
}

// attempt runs one projection + conditional write cycle. Returns done=true
// when the envelope is fully applied (written, or nothing to write),
// done=false on a lost version race.
func (u *Updater) attempt(ctx context.Context, handler Handler, env *fqueue.Message) (bool, error) {
	proposal, err := handler.Handle(ctx, env)
	if err != nil {
		return false, err
	}

	persisted, err := u.store.Get(ctx, proposal.Type, proposal.Aid)
	if errors.Is(err, ErrDocNotFound) {
		// First event for this identity: persist the whole projection at
		// _version 1. Losing the creation race retries like a lost CAS.
		if cerr := u.store.Create(ctx, proposal); cerr != nil {
			if errors.Is(cerr, ErrDocExists) {
				return false, nil
			}

			return false, fmt.Errorf("%w: failed to create document %s/%s: %w",
				errTransientStore, proposal.Type, proposal.Aid, cerr)
		}

		u.logger.Info("Created artifact document",
			slog.String("type", proposal.Type.String()),
			slog.String("aid", proposal.Aid),
			slog.String("broker_msg_id", env.BrokerMsgID))

		return true, nil
	}

	if err != nil {
		return false, fmt.Errorf("%w: failed to re-read document %s/%s: %w", errTransientStore, proposal.Type, proposal.Aid, err)
	}

	set, err := UpdateSet(proposal, persisted)
	if err != nil {
		return false, err
	}

	// Identical content means a duplicate delivery; no write, no version
	// bump, envelope still commits.
	if len(set) == 0 {
		u.logger.Debug("No-op update, document unchanged",
			slog.String("type", proposal.Type.String()),
			slog.String("aid", proposal.Aid),
			slog.String("broker_msg_id", env.BrokerMsgID))

		return true, nil
	}

	modified, err := u.store.CASUpdate(ctx, persisted.ID, persisted.DocVersion, set)
	if err != nil {
		return false, fmt.Errorf("%w: conditional update failed for %s/%s: %w", errTransientStore, proposal.Type, proposal.Aid, err)
	}

	return modified, nil
}
