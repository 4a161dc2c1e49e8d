package redisq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrica3d/fabrica/internal/core/domain"
	"github.com/fabrica3d/fabrica/internal/core/ports"
)

func newTestQueue(t *testing.T, opts Options) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, rdb, "test", opts), mr
}

func TestQueue_EnqueueAndConsume(t *testing.T) {
	q, _ := newTestQueue(t, Options{Concurrency: 2, JobTimeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []string
	handler := func(ctx context.Context, p ports.Payload) error {
		mu.Lock()
		seen = append(seen, p["id"])
		mu.Unlock()
		return nil
	}

	require.NoError(t, q.Enqueue(ctx, "job-a", ports.Payload{"id": "a"}, ports.EnqueueOptions{}))
	require.NoError(t, q.Enqueue(ctx, "job-b", ports.Payload{"id": "b"}, ports.EnqueueOptions{}))

	go q.Consume(ctx, handler)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.ElementsMatch(t, []string{"a", "b"}, seen)
	mu.Unlock()

	// Payloads are gone once acked.
	require.Eventually(t, func() bool {
		n, err := q.rdb.HLen(ctx, q.payloadKey()).Result()
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueue_PriorityBeforeFIFO(t *testing.T) {
	q, _ := newTestQueue(t, Options{Concurrency: 1, JobTimeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Enqueued first but with the worse priority.
	require.NoError(t, q.Enqueue(ctx, "job-low", ports.Payload{"id": "low"}, ports.EnqueueOptions{Priority: 5}))
	require.NoError(t, q.Enqueue(ctx, "job-high", ports.Payload{"id": "high"}, ports.EnqueueOptions{Priority: 0}))
	// Same priority as job-low, later sequence: FIFO within the priority.
	require.NoError(t, q.Enqueue(ctx, "job-low2", ports.Payload{"id": "low2"}, ports.EnqueueOptions{Priority: 5}))

	var mu sync.Mutex
	var order []string
	handler := func(ctx context.Context, p ports.Payload) error {
		mu.Lock()
		order = append(order, p["id"])
		mu.Unlock()
		return nil
	}

	go q.Consume(ctx, handler)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"high", "low", "low2"}, order)
	mu.Unlock()
}

func TestQueue_RetryableFailureIsRedelivered(t *testing.T) {
	q, _ := newTestQueue(t, Options{Concurrency: 1, JobTimeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Advance the queue clock past any backoff so delayed jobs promote
	// immediately.
	var offset atomic.Int64
	q.now = func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }

	var attempts atomic.Int32
	handler := func(ctx context.Context, p ports.Payload) error {
		if attempts.Add(1) == 1 {
			return domain.Retryable(errors.New("transient"))
		}
		return nil
	}

	require.NoError(t, q.Enqueue(ctx, "job-r", ports.Payload{"id": "r"}, ports.EnqueueOptions{Attempts: 3}))
	go q.Consume(ctx, handler)

	require.Eventually(t, func() bool {
		offset.Add(int64(time.Minute))
		return attempts.Load() == 2
	}, 3*time.Second, 10*time.Millisecond)

	// No dead letters: the retry succeeded.
	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestQueue_FatalFailureIsBuried(t *testing.T) {
	q, _ := newTestQueue(t, Options{Concurrency: 1, JobTimeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := func(ctx context.Context, p ports.Payload) error {
		return domain.Fatal(errors.New("unparseable response"))
	}

	require.NoError(t, q.Enqueue(ctx, "job-f", ports.Payload{"id": "f"}, ports.EnqueueOptions{Attempts: 3}))
	go q.Consume(ctx, handler)

	require.Eventually(t, func() bool {
		dead, err := q.DeadLetters(ctx, 10)
		return err == nil && len(dead) == 1
	}, 2*time.Second, 10*time.Millisecond)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "job-f", dead[0].JobKey)
	assert.Equal(t, "unparseable response", dead[0].LastError)
	assert.Equal(t, 1, dead[0].Attempts)
}

func TestQueue_ExhaustedRetriesAreBuried(t *testing.T) {
	q, _ := newTestQueue(t, Options{Concurrency: 1, JobTimeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var offset atomic.Int64
	q.now = func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }

	var attempts atomic.Int32
	handler := func(ctx context.Context, p ports.Payload) error {
		attempts.Add(1)
		return domain.Retryable(errors.New("still down"))
	}

	require.NoError(t, q.Enqueue(ctx, "job-x", ports.Payload{"id": "x"}, ports.EnqueueOptions{Attempts: 2}))
	go q.Consume(ctx, handler)

	require.Eventually(t, func() bool {
		offset.Add(int64(time.Minute))
		dead, err := q.DeadLetters(ctx, 10)
		return err == nil && len(dead) == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(2), attempts.Load())
}

func TestQueue_ReapExpiredRunningJob(t *testing.T) {
	// Simulates a process that died mid-job: the running entry's deadline
	// passes with no handler alive to ack it.
	q, _ := newTestQueue(t, Options{Concurrency: 1, JobTimeout: time.Minute})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-dead", ports.Payload{"id": "d"}, ports.EnqueueOptions{Attempts: 1}))

	// Move the job to running with an already-expired deadline, as a
	// crashed consumer would have left it.
	popped, err := q.rdb.ZPopMin(ctx, q.pendingKey(), 1).Result()
	require.NoError(t, err)
	require.Len(t, popped, 1)
	expired := float64(time.Now().Add(-time.Second).UnixMilli())
	require.NoError(t, q.rdb.ZAdd(ctx, q.runningKey(), redis.Z{Score: expired, Member: "job-dead"}).Err())

	require.NoError(t, q.reapExpired(ctx))

	// Single attempt allowed, so the reap buries it.
	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "job-dead", dead[0].JobKey)
	assert.Equal(t, "job timeout exceeded", dead[0].LastError)
}

func TestQueue_RepeatedTimeoutsExhaustAttempts(t *testing.T) {
	q, _ := newTestQueue(t, Options{Concurrency: 1, JobTimeout: time.Minute})
	ctx := context.Background()

	var offset atomic.Int64
	q.now = func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }

	require.NoError(t, q.Enqueue(ctx, "job-hang", ports.Payload{"id": "h"}, ports.EnqueueOptions{Attempts: 2}))

	// Two deliveries, both ending in a reap with no handler ack: the
	// first goes back through the delayed set, the second exhausts the
	// budget.
	for i := 0; i < 2; i++ {
		popped, err := q.rdb.ZPopMin(ctx, q.pendingKey(), 1).Result()
		require.NoError(t, err)
		require.Len(t, popped, 1)
		expired := float64(time.Now().Add(-time.Second).UnixMilli())
		require.NoError(t, q.rdb.ZAdd(ctx, q.runningKey(), redis.Z{Score: expired, Member: "job-hang"}).Err())
		require.NoError(t, q.reapExpired(ctx))

		if i == 0 {
			offset.Add(int64(time.Hour))
			require.NoError(t, q.promoteDelayed(ctx))
		}
	}

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "job-hang", dead[0].JobKey)
	assert.Equal(t, 2, dead[0].Attempts)

	// Nothing left cycling.
	for _, key := range []string{q.pendingKey(), q.delayedKey(), q.runningKey()} {
		n, err := q.rdb.ZCard(ctx, key).Result()
		require.NoError(t, err)
		assert.Zero(t, n, key)
	}
}

func TestQueue_DequeueMovesJobToRunningAtomically(t *testing.T) {
	q, _ := newTestQueue(t, Options{Concurrency: 1, JobTimeout: time.Minute})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-m", ports.Payload{"id": "m"}, ports.EnqueueOptions{}))

	deadline := time.Now().Add(time.Minute).UnixMilli()
	got, err := dequeueScript.Run(ctx, q.rdb, []string{q.pendingKey(), q.runningKey()}, deadline).Text()
	require.NoError(t, err)
	assert.Equal(t, "job-m", got)

	// The job moved in one step: out of pending, into running with its
	// deadline as the score.
	n, err := q.rdb.ZCard(ctx, q.pendingKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
	score, err := q.rdb.ZScore(ctx, q.runningKey(), "job-m").Result()
	require.NoError(t, err)
	assert.Equal(t, float64(deadline), score)

	// An empty pending set reports no work.
	_, err = dequeueScript.Run(ctx, q.rdb, []string{q.pendingKey(), q.runningKey()}, deadline).Text()
	assert.ErrorIs(t, err, redis.Nil)
}

func TestQueue_ReapRequeuesWhenAttemptsRemain(t *testing.T) {
	q, _ := newTestQueue(t, Options{Concurrency: 1, JobTimeout: time.Minute})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-slow", ports.Payload{"id": "s"}, ports.EnqueueOptions{Attempts: 3}))

	_, err := q.rdb.ZPopMin(ctx, q.pendingKey(), 1).Result()
	require.NoError(t, err)
	expired := float64(time.Now().Add(-time.Second).UnixMilli())
	require.NoError(t, q.rdb.ZAdd(ctx, q.runningKey(), redis.Z{Score: expired, Member: "job-slow"}).Err())

	require.NoError(t, q.reapExpired(ctx))

	// Back in the delayed set, not dead.
	n, err := q.rdb.ZCard(ctx, q.delayedKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}
