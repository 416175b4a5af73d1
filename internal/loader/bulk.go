package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fedora-ci/kaijs/internal/artifact"
	"github.com/fedora-ci/kaijs/internal/fqueue"
	"github.com/fedora-ci/kaijs/internal/koji"
	"github.com/fedora-ci/kaijs/internal/metrics"
	"github.com/fedora-ci/kaijs/internal/router"
	"github.com/fedora-ci/kaijs/internal/schemas"
)

// Bulk accumulation defaults: flush when the batch reaches maxEntries
// envelopes, when the accumulated serialized bodies exceed maxBytes, or
// when no envelope has arrived for idleFlush.
const (
	defaultBulkMaxEntries = 100
	defaultBulkMaxBytes   = 8 << 20
	defaultBulkIdleFlush  = 3 * time.Second
)

type (
	// BulkConfig holds accumulation thresholds and target index names for
	// the indexed-store variant; zero values take defaults.
	BulkConfig struct {
		MaxEntries     int
		MaxBytes       int64
		IdleFlush      time.Duration
		ArtifactsIndex string
		StatesIndex    string
	}

	// BulkConsumer is the indexed-store loader loop. Instead of per-envelope
	// CAS writes it accumulates whole-document upserts and flushes them in
	// one bulk call; the file-queue transactions of a batch commit together
	// on flush success and roll back together on failure.
	//
	// It doubles as the handlers' ArtifactFinder: projections of envelopes
	// still pending in the batch overlay the indexed store, so two events
	// for one artifact inside a batch fold into the same draft instead of
	// the later upsert erasing the earlier state.
	BulkConsumer struct {
		queue     *fqueue.Queue
		store     BulkStore
		finder    ArtifactFinder
		validator *schemas.Store
		registry  *router.Registry[Handler]
		sideline  SidelineStore
		logger    *slog.Logger
		metrics   *metrics.Metrics
		cfg       BulkConfig

		pending []pendingEnvelope
		drafts  map[string]*artifact.Model
		bytes   int64
	}

	pendingEnvelope struct {
		txn *fqueue.Txn
		ops []Upsert
	}
)

// NewBulkConsumer wires a bulk loader loop and its handler registry.
// metrics may be nil.
func NewBulkConsumer(
	queue *fqueue.Queue,
	store BulkStore,
	finder ArtifactFinder,
	validator *schemas.Store,
	hubs koji.HubSet,
	sideline SidelineStore,
	logger *slog.Logger,
	m *metrics.Metrics,
	cfg BulkConfig,
) (*BulkConsumer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultBulkMaxEntries
	}

	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultBulkMaxBytes
	}

	if cfg.IdleFlush <= 0 {
		cfg.IdleFlush = defaultBulkIdleFlush
	}

	if cfg.ArtifactsIndex == "" {
		cfg.ArtifactsIndex = "artifacts"
	}

	if cfg.StatesIndex == "" {
		cfg.StatesIndex = "artifact-states"
	}

	consumer := &BulkConsumer{
		queue:     queue,
		store:     store,
		finder:    finder,
		validator: validator,
		sideline:  sideline,
		logger:    logger,
		metrics:   m,
		cfg:       cfg,
		drafts:    make(map[string]*artifact.Model),
	}

	registry, err := NewHandlerRegistry(consumer, hubs)
	if err != nil {
		return nil, err
	}

	consumer.registry = registry

	return consumer, nil
}

// FindOrCreate implements ArtifactFinder with the pending-batch overlay.
func (c *BulkConsumer) FindOrCreate(ctx context.Context, typ artifact.Type, aid string) (*artifact.Model, bool, error) {
	if draft, ok := c.drafts[docKey(typ, aid)]; ok {
		return draft, false, nil
	}

	return c.finder.FindOrCreate(ctx, typ, aid)
}

func docKey(typ artifact.Type, aid string) string {
	return typ.String() + "~" + aid
}

// Run consumes envelopes until ctx is cancelled or the queue stops. Before
// returning it settles the accumulated batch exactly once: flush-and-commit
// on the graceful path, rollback when the flush fails or the loop stops on
// any other error.
func (c *BulkConsumer) Run(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			for _, entry := range c.pending {
				rollback(entry.txn)
			}

			c.reset()
		}
	}()

	for {
		txn, err := c.popWithIdleFlush(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, fqueue.ErrStopped) {
				return c.flush(context.Background())
			}

			return err
		}

		if txn == nil {
			// Idle gap elapsed with envelopes pending.
			if err := c.flush(ctx); err != nil {
				return err
			}

			continue
		}

		if err := c.accumulate(ctx, txn); err != nil {
			return err
		}

		if len(c.pending) >= c.cfg.MaxEntries || c.bytes >= c.cfg.MaxBytes {
			if err := c.flush(ctx); err != nil {
				return err
			}
		}
	}
}

// popWithIdleFlush pops the next envelope, bounding the wait by the idle
// threshold whenever a batch is pending. Returns (nil, nil) when the idle
// gap elapsed.
func (c *BulkConsumer) popWithIdleFlush(ctx context.Context) (*fqueue.Txn, error) {
	if len(c.pending) == 0 {
		return c.queue.TPop(ctx)
	}

	idleCtx, cancel := context.WithTimeout(ctx, c.cfg.IdleFlush)
	defer cancel()

	txn, err := c.queue.TPop(idleCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}

		return nil, err
	}

	return txn, nil
}

// accumulate projects one envelope into upsert operations. Sideline-class
// failures are recorded and committed immediately, bypassing the batch.
func (c *BulkConsumer) accumulate(ctx context.Context, txn *fqueue.Txn) error {
	env := txn.Message

	// Projection is detached from shutdown cancellation: the envelope either
	// joins the batch or settles its transaction before the loop exits.
	ops, err := c.project(context.WithoutCancel(ctx), env)

	switch {
	case err == nil:
		data, merr := json.Marshal(env.Body)
		if merr == nil {
			c.bytes += int64(len(data))
		}

		c.pending = append(c.pending, pendingEnvelope{txn: txn, ops: ops})

		return nil

	case IsInvalid(err):
		c.logger.Info("Sidelining invalid envelope",
			slog.String("broker_msg_id", env.BrokerMsgID),
			slog.String("error", err.Error()))

		if err := c.sideline.InsertInvalid(ctx, NewInvalidRecord(env, err)); err != nil {
			rollback(txn)

			return fmt.Errorf("failed to record invalid envelope: %w", err)
		}

		return commit(txn)

	case IsUnknownTopic(err):
		if err := c.sideline.InsertUnknownTopic(ctx, NewUnknownTopicRecord(env)); err != nil {
			rollback(txn)

			return fmt.Errorf("failed to record unroutable envelope: %w", err)
		}

		return commit(txn)

	case IsRetryable(err):
		rollback(txn)

		return nil

	default:
		rollback(txn)

		return fmt.Errorf("envelope %s failed: %w", env.BrokerMsgID, err)
	}
}

func (c *BulkConsumer) project(ctx context.Context, env *fqueue.Message) ([]Upsert, error) {
	if err := c.validator.Validate(env.Body, env.BrokerTopic); err != nil {
		return nil, err
	}

	handler, err := c.registry.Resolve(env.BrokerTopic)
	if err != nil {
		return nil, err
	}

	model, err := handler.Handle(ctx, env)
	if err != nil {
		return nil, err
	}

	c.drafts[docKey(model.Type, model.Aid)] = model

	return c.msgUpserts(model, env), nil
}

// msgUpserts derives the bulk operations for one projected envelope: the
// whole artifact document, plus a state-level child document when the
// envelope contributed a CI state.
func (c *BulkConsumer) msgUpserts(model *artifact.Model, env *fqueue.Message) []Upsert {
	ops := []Upsert{{
		Index: c.cfg.ArtifactsIndex,
		DocID: docKey(model.Type, model.Aid),
		Doc:   model,
	}}

	for i := range model.States {
		if model.States[i].KaiState.MsgID != env.BrokerMsgID {
			continue
		}

		ops = append(ops, Upsert{
			Index: c.cfg.StatesIndex,
			DocID: env.BrokerMsgID,
			Doc:   model.States[i],
		})

		break
	}

	return ops
}

// flush writes the accumulated batch in one bulk call. Success commits every
// file-queue transaction in the batch; failure rolls them all back and
// returns ErrBulkFlushFailed for the process to die on.
func (c *BulkConsumer) flush(ctx context.Context) error {
	if len(c.pending) == 0 {
		return nil
	}

	ops := make([]Upsert, 0, len(c.pending))
	for _, entry := range c.pending {
		ops = append(ops, entry.ops...)
	}

	err := c.store.BulkUpsert(ctx, ops)
	if err != nil {
		for _, entry := range c.pending {
			rollback(entry.txn)
		}

		c.reset()

		if c.metrics != nil {
			c.metrics.BulkFlushes.WithLabelValues("failure").Inc()
		}

		return fmt.Errorf("%w: %w", ErrBulkFlushFailed, err)
	}

	for _, entry := range c.pending {
		if err := entry.txn.Commit(); err != nil {
			return fmt.Errorf("failed to commit flushed envelope: %w", err)
		}
	}

	c.logger.Info("Bulk batch flushed",
		slog.Int("envelopes", len(c.pending)),
		slog.Int("operations", len(ops)))

	if c.metrics != nil {
		c.metrics.BulkFlushes.WithLabelValues("success").Inc()
	}

	c.reset()

	return nil
}

func (c *BulkConsumer) reset() {
	c.pending = nil
	c.drafts = make(map[string]*artifact.Model)
	c.bytes = 0
}
