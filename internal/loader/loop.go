package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fedora-ci/kaijs/internal/fqueue"
	"github.com/fedora-ci/kaijs/internal/metrics"
	"github.com/fedora-ci/kaijs/internal/schemas"
)

// retryDelay paces redelivery after a retryable failure (for example the
// koji hub being unreachable) so a persistent outage does not spin the loop.
const retryDelay = 10 * time.Second

// Consumer is the sequential loader loop: it pops one envelope at a time,
// drives the updater, and commits, sidelines, or rolls back per the error
// class. No envelope advances until the previous one finished.
type Consumer struct {
	queue    *fqueue.Queue
	updater  *Updater
	sideline SidelineStore
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewConsumer wires a consumer loop. metrics may be nil.
func NewConsumer(
	queue *fqueue.Queue,
	updater *Updater,
	sideline SidelineStore,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		queue:    queue,
		updater:  updater,
		sideline: sideline,
		logger:   logger,
		metrics:  m,
	}
}

// Run consumes envelopes until ctx is cancelled or the queue is stopped
// (both graceful, returning nil) or a fatal error occurs. The in-flight
// envelope always finishes its retry loop before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		txn, err := c.queue.TPop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, fqueue.ErrStopped) {
				return nil
			}

			return fmt.Errorf("file queue pop failed: %w", err)
		}

		if err := c.handleOne(ctx, txn); err != nil {
			return err
		}

		c.observeQueueDepth()
	}
}

// handleOne dispatches one envelope per the error taxonomy: sideline errors
// commit after recording, retryable errors roll back for redelivery,
// anything else is fatal.
func (c *Consumer) handleOne(ctx context.Context, txn *fqueue.Txn) error {
	env := txn.Message

	// Shutdown must not abort an envelope mid-update: the retry loop runs
	// to completion and the loop exits at the next pop instead.
	err := c.updater.Process(context.WithoutCancel(ctx), env)

	switch {
	case err == nil:
		c.count("ok")

		return commit(txn)

	case IsInvalid(err):
		c.logger.Info("Sidelining invalid envelope",
			slog.String("broker_msg_id", env.BrokerMsgID),
			slog.String("broker_topic", env.BrokerTopic),
			slog.String("error", err.Error()))
		c.count("invalid")

		if err := c.sideline.InsertInvalid(ctx, NewInvalidRecord(env, err)); err != nil {
			rollback(txn)

			return fmt.Errorf("failed to record invalid envelope: %w", err)
		}

		return commit(txn)

	case IsUnknownTopic(err):
		c.logger.Info("Sidelining unroutable envelope",
			slog.String("broker_msg_id", env.BrokerMsgID),
			slog.String("broker_topic", env.BrokerTopic))
		c.count("unknown_topic")

		if err := c.sideline.InsertUnknownTopic(ctx, NewUnknownTopicRecord(env)); err != nil {
			rollback(txn)

			return fmt.Errorf("failed to record unroutable envelope: %w", err)
		}

		return commit(txn)

	case IsRetryable(err):
		c.logger.Warn("Rolling back envelope for redelivery",
			slog.String("broker_msg_id", env.BrokerMsgID),
			slog.String("error", err.Error()))
		c.count("retried")
		rollback(txn)

		select {
		case <-ctx.Done():
		case <-time.After(retryDelay):
		}

		return nil

	case errors.Is(err, context.Canceled):
		// Shutdown hit mid-envelope; redeliver after restart.
		rollback(txn)

		return nil

	default:
		rollback(txn)
		c.count("fatal")

		return fmt.Errorf("envelope %s failed: %w", env.BrokerMsgID, err)
	}
}

func (c *Consumer) count(disposition string) {
	if c.metrics != nil {
		c.metrics.EnvelopesProcessed.WithLabelValues(disposition).Inc()
	}
}

func (c *Consumer) observeQueueDepth() {
	if c.metrics == nil {
		return
	}

	if depth, err := c.queue.Len(); err == nil {
		c.metrics.QueueDepth.Set(float64(depth))
	}
}

func commit(txn *fqueue.Txn) error {
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("failed to commit envelope: %w", err)
	}

	return nil
}

func rollback(txn *fqueue.Txn) {
	// A rollback failure only costs redelivery ordering; the envelope file
	// is recovered from inflight/ on next start either way.
	_ = txn.Rollback()
}

// NewInvalidRecord builds the sideline document for a rejected envelope.
// Validator rejections keep their structured output; other causes record
// their message.
func NewInvalidRecord(env *fqueue.Message, cause error) *InvalidRecord {
	now := time.Now()

	var errmsg interface{} = cause.Error()

	var verr *schemas.ValidationError
	if errors.As(cause, &verr) {
		errmsg = map[string]interface{}{
			"schema": verr.SchemaName,
			"causes": verr.Causes,
		}
	}

	return &InvalidRecord{
		Timestamp:   now.UnixMilli(),
		Time:        now.UTC().Format(time.RFC3339),
		BrokerMsg:   env,
		BrokerTopic: env.BrokerTopic,
		Errmsg:      errmsg,
		ExpireAt:    now.Add(SidelineTTL),
	}
}

// NewUnknownTopicRecord builds the sideline document for an unroutable
// envelope.
func NewUnknownTopicRecord(env *fqueue.Message) *UnknownTopicRecord {
	now := time.Now()

	return &UnknownTopicRecord{
		Timestamp:   now.UnixMilli(),
		Time:        now.UTC().Format(time.RFC3339),
		BrokerMsg:   env,
		BrokerTopic: env.BrokerTopic,
		ExpireAt:    now.Add(SidelineTTL),
	}
}
