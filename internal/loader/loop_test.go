package loader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedora-ci/kaijs/internal/artifact"
	"github.com/fedora-ci/kaijs/internal/fqueue"
)

func newTestQueue(t *testing.T) *fqueue.Queue {
	t.Helper()

	queue, err := fqueue.New(t.TempDir(), fqueue.Config{Poll: 20 * time.Millisecond}, nil)
	require.NoError(t, err)
	t.Cleanup(queue.Stop)

	return queue
}

func popOne(t *testing.T, queue *fqueue.Queue) *fqueue.Txn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	txn, err := queue.TPop(ctx)
	require.NoError(t, err)

	return txn
}

func TestConsumer_CommitsProcessedEnvelope(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemStore()
	queue := newTestQueue(t)
	consumer := NewConsumer(queue, newTestUpdater(t, store, newTagHub()), store, nil, nil)

	_, err := queue.Push(queuedEnvelope())
	require.NoError(t, err)

	require.NoError(t, consumer.handleOne(context.Background(), popOne(t, queue)))

	n, err := queue.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	model := store.mustGet(artifact.TypeKojiBuild, "42")
	assert.Len(t, model.States, 1)
}

func TestConsumer_SidelinesInvalidAndCommits(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemStore()
	queue := newTestQueue(t)
	consumer := NewConsumer(queue, newTestUpdater(t, store, newTagHub()), store, nil, nil)

	env := queuedEnvelope()
	delete(env.Body, "pipeline")

	_, err := queue.Push(env)
	require.NoError(t, err)

	require.NoError(t, consumer.handleOne(context.Background(), popOne(t, queue)))

	// Recorded, committed, and the primary store untouched.
	require.Len(t, store.invalid, 1)
	assert.Equal(t, env.BrokerTopic, store.invalid[0].BrokerTopic)
	assert.WithinDuration(t,
		time.Now().Add(SidelineTTL), store.invalid[0].ExpireAt, time.Minute)

	n, err := queue.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, store.docCount())
}

func TestConsumer_SidelinesUnknownTopic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemStore()
	queue := newTestQueue(t)
	consumer := NewConsumer(queue, newTestUpdater(t, store, newTagHub()), store, nil, nil)

	env := queuedEnvelope()
	env.BrokerTopic = "org.centos.prod.ci.productmd-compose.test.complete"

	_, err := queue.Push(env)
	require.NoError(t, err)

	require.NoError(t, consumer.handleOne(context.Background(), popOne(t, queue)))

	require.Len(t, store.unknown, 1)
	assert.Equal(t, env.BrokerTopic, store.unknown[0].BrokerTopic)

	n, err := queue.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestConsumer_FatalErrorRollsBack(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemStore()
	queue := newTestQueue(t)
	updater := newTestUpdater(t, store, newTagHub())
	consumer := NewConsumer(queue, updater, store, nil, nil)
	ctx := context.Background()

	require.NoError(t, updater.Process(ctx, tagEnvelope()))

	// Exhaust the CAS loop; the envelope must survive for redelivery.
	store.casMisses = maxAttempts

	_, err := queue.Push(queuedEnvelope())
	require.NoError(t, err)

	err = consumer.handleOne(ctx, popOne(t, queue))
	assert.ErrorIs(t, err, ErrUpdateExhausted)

	n, err := queue.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "fatal envelope must be rolled back, not lost")
}

func TestConsumer_RunStopsOnContextCancel(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemStore()
	queue := newTestQueue(t)
	consumer := NewConsumer(queue, newTestUpdater(t, store, newTagHub()), store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- consumer.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is a graceful stop")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}
