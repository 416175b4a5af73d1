// Package listener consumes CI messages from an AMQP 1.0 broker and pushes
// them into the file queue as self-contained envelopes.
//
// The listener is deliberately thin: every accepted broker message is
// durable in the queue before it is acknowledged, so the loader side owns
// all interpretation. Messages that do not decode as JSON objects are
// released back to the broker.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Azure/go-amqp"

	"github.com/fedora-ci/kaijs/internal/fqueue"
)

const receiverCredit = 100

// ErrNoTopics is returned when the listener is started without any
// subscription.
var ErrNoTopics = errors.New("no broker topics configured")

// Listener subscribes to the configured topics and bridges messages into
// the file queue.
type Listener struct {
	cfg    *Config
	queue  *fqueue.Queue
	logger *slog.Logger
}

// New wires a listener.
func New(cfg *Config, queue *fqueue.Queue, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}

	return &Listener{cfg: cfg, queue: queue, logger: logger}
}

// Run connects, opens one receiver per topic, and consumes until ctx is
// cancelled or a receiver fails.
func (l *Listener) Run(ctx context.Context) error {
	if len(l.cfg.Topics) == 0 {
		return ErrNoTopics
	}

	connOptions := &amqp.ConnOptions{ContainerID: l.cfg.ProviderName}
	if l.cfg.Username != "" {
		connOptions.SASLType = amqp.SASLTypePlain(l.cfg.Username, l.cfg.password)
	}

	conn, err := amqp.Dial(ctx, l.cfg.URL, connOptions)
	if err != nil {
		return fmt.Errorf("failed to connect to broker %s: %w", l.cfg.MaskURL(), err)
	}

	defer func() {
		_ = conn.Close()
	}()

	session, err := conn.NewSession(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to open broker session: %w", err)
	}

	l.logger.Info("Connected to broker",
		slog.String("url", l.cfg.MaskURL()),
		slog.Int("topics", len(l.cfg.Topics)))

	errCh := make(chan error, len(l.cfg.Topics))

	var wg sync.WaitGroup

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, topic := range l.cfg.Topics {
		receiver, err := session.NewReceiver(runCtx, topic, &amqp.ReceiverOptions{
			Credit: receiverCredit,
		})
		if err != nil {
			cancel()
			wg.Wait()

			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}

		wg.Add(1)

		go func(topic string, receiver *amqp.Receiver) {
			defer wg.Done()

			if err := l.consume(runCtx, topic, receiver); err != nil {
				errCh <- err
				cancel()
			}
		}(topic, receiver)
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// consume receives messages from one topic until the context ends. A
// message is accepted only after its envelope is durable in the queue;
// queue failures are fatal, since continuing would acknowledge messages
// into the void.
func (l *Listener) consume(ctx context.Context, topic string, receiver *amqp.Receiver) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_ = receiver.Close(closeCtx)
	}()

	for {
		msg, err := receiver.Receive(ctx, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("receive on %s failed: %w", topic, err)
		}

		body := make(map[string]interface{})
		if err := json.Unmarshal(msg.GetData(), &body); err != nil {
			l.logger.Warn("Releasing undecodable broker message",
				slog.String("topic", topic),
				slog.String("error", err.Error()))

			_ = receiver.ReleaseMessage(ctx, msg)

			continue
		}

		envelope := &fqueue.Message{
			BrokerMsgID:       messageID(msg),
			BrokerTopic:       TopicFromAddress(topic),
			Body:              body,
			BrokerExtra:       msg.ApplicationProperties,
			ProviderName:      l.cfg.ProviderName,
			ProviderTimestamp: time.Now().Unix(),
		}

		if _, err := l.queue.Push(envelope); err != nil {
			_ = receiver.ReleaseMessage(ctx, msg)

			return fmt.Errorf("failed to enqueue broker message: %w", err)
		}

		if err := receiver.AcceptMessage(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("failed to accept broker message: %w", err)
		}
	}
}

// messageID extracts the broker message id, tolerating the id types AMQP
// permits.
func messageID(msg *amqp.Message) string {
	if msg.Properties == nil || msg.Properties.MessageID == nil {
		return ""
	}

	switch id := msg.Properties.MessageID.(type) {
	case string:
		return id
	case fmt.Stringer:
		return id.String()
	default:
		return fmt.Sprintf("%v", id)
	}
}

// TopicFromAddress converts a broker source address into the dotted topic
// form, for example "topic://VirtualTopic.eng.ci.koji-build.test.complete" →
// "VirtualTopic.eng.ci.koji-build.test.complete".
func TopicFromAddress(address string) string {
	address = strings.TrimPrefix(address, "topic://")

	return strings.TrimPrefix(address, "/topic/")
}
