package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/fabrica3d/fabrica/internal/core/domain"
	"github.com/fabrica3d/fabrica/internal/core/ports"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	doneRetention       = 1000
)

// Options tune one queue instance.
type Options struct {
	// Concurrency bounds how many handlers run at once (image: 2, model: 1).
	Concurrency int64
	// JobTimeout cancels a handler and, across restarts, returns an
	// abandoned running job to the retry path.
	JobTimeout time.Duration
	// PollInterval is how often the consumer promotes delayed jobs, reaps
	// expired running jobs and checks for pending work.
	PollInterval time.Duration
}

// Queue is a durable FIFO-with-priority queue on Redis. Pending jobs live
// in a sorted set scored by (priority, insertion sequence); delayed
// retries in a second set scored by ready-time; running jobs in a third
// scored by deadline so a reaper can recover them after a crash or
// timeout. Delivery is at-least-once.
type Queue struct {
	logger *slog.Logger
	rdb    redis.UniversalClient
	name   string
	opts   Options
	sem    *semaphore.Weighted

	// now is swappable for tests.
	now func() time.Time
}

var _ ports.Queue = (*Queue)(nil)

// envelope is the persisted form of one queued job.
type envelope struct {
	JobKey      string        `json:"job_key"`
	Payload     ports.Payload `json:"payload"`
	Priority    int           `json:"priority"`
	Seq         int64         `json:"seq"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	LastError   string        `json:"last_error,omitempty"`
}

func New(logger *slog.Logger, rdb redis.UniversalClient, name string, opts Options) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Queue{
		logger: logger.With("queue", name),
		rdb:    rdb,
		name:   name,
		opts:   opts,
		sem:    semaphore.NewWeighted(opts.Concurrency),
		now:    time.Now,
	}
}

func (q *Queue) pendingKey() string { return "q:" + q.name + ":pending" }
func (q *Queue) delayedKey() string { return "q:" + q.name + ":delayed" }
func (q *Queue) runningKey() string { return "q:" + q.name + ":running" }
func (q *Queue) payloadKey() string { return "q:" + q.name + ":payload" }
func (q *Queue) deadKey() string    { return "q:" + q.name + ":dead" }
func (q *Queue) doneKey() string    { return "q:" + q.name + ":done" }
func (q *Queue) seqKey() string     { return "q:" + q.name + ":seq" }

// score orders by priority first (lower runs first), insertion order second.
func score(priority int, seq int64) float64 {
	return float64(priority)*float64(1<<41) + float64(seq)
}

func (q *Queue) Enqueue(ctx context.Context, jobKey string, payload ports.Payload, opts ports.EnqueueOptions) error {
	if opts.Attempts <= 0 {
		opts.Attempts = domain.DefaultMaxRetries
	}

	seq, err := q.rdb.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate queue sequence: %w", err)
	}

	env := envelope{
		JobKey:      jobKey,
		Payload:     payload,
		Priority:    opts.Priority,
		Seq:         seq,
		Attempt:     0,
		MaxAttempts: opts.Attempts,
		EnqueuedAt:  q.now().UTC(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal job envelope: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.payloadKey(), jobKey, raw)
	pipe.ZAdd(ctx, q.pendingKey(), redis.Z{Score: score(opts.Priority, seq), Member: jobKey})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobKey, err)
	}

	q.logger.Info("job enqueued", "job_key", jobKey, "priority", opts.Priority)
	return nil
}

// Consume blocks until ctx is cancelled, delivering jobs to handler with
// the configured concurrency.
func (q *Queue) Consume(ctx context.Context, handler ports.Handler) error {
	q.logger.Info("queue consumer started", "concurrency", q.opts.Concurrency)
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("queue consumer stopped")
			return nil
		case <-ticker.C:
			if err := q.promoteDelayed(ctx); err != nil {
				q.logger.Error("failed to promote delayed jobs", "error", err)
			}
			if err := q.reapExpired(ctx); err != nil {
				q.logger.Error("failed to reap expired jobs", "error", err)
			}
			q.drainPending(ctx, handler)
		}
	}
}

// promoteDelayed moves due retries from the delayed set back to pending.
func (q *Queue) promoteDelayed(ctx context.Context) error {
	nowMs := formatMs(q.now().UnixMilli())
	due, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: nowMs}).Result()
	if err != nil {
		return err
	}
	for _, jobKey := range due {
		env, err := q.loadEnvelope(ctx, jobKey)
		if err != nil {
			// Payload vanished; drop the stale reference.
			q.rdb.ZRem(ctx, q.delayedKey(), jobKey)
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.delayedKey(), jobKey)
		pipe.ZAdd(ctx, q.pendingKey(), redis.Z{Score: score(env.Priority, env.Seq), Member: jobKey})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// reapExpired returns running jobs past their deadline to the retry path.
// This covers both a handler exceeding JobTimeout and a process that died
// mid-job.
func (q *Queue) reapExpired(ctx context.Context) error {
	nowMs := formatMs(q.now().UnixMilli())
	expired, err := q.rdb.ZRangeByScore(ctx, q.runningKey(), &redis.ZRangeBy{Min: "-inf", Max: nowMs}).Result()
	if err != nil {
		return err
	}
	for _, jobKey := range expired {
		if removed, err := q.rdb.ZRem(ctx, q.runningKey(), jobKey).Result(); err != nil || removed == 0 {
			continue
		}
		env, err := q.loadEnvelope(ctx, jobKey)
		if err != nil {
			continue
		}
		q.logger.Warn("job exceeded timeout", "job_key", jobKey, "attempt", env.Attempt)
		q.requeueOrBury(ctx, env, "job timeout exceeded")
	}
	return nil
}

// dequeueScript pops the best pending job and records it as running
// with its deadline in one atomic step, so a crash between the two
// cannot strand a popped job outside every set.
var dequeueScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1], 1)
if #popped == 0 then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
return popped[1]
`)

// drainPending pops and dispatches as many pending jobs as free worker
// slots allow, without blocking the consumer loop.
func (q *Queue) drainPending(ctx context.Context, handler ports.Handler) {
	for {
		if !q.sem.TryAcquire(1) {
			return
		}

		deadline := q.now().Add(q.opts.JobTimeout)
		jobKey, err := dequeueScript.Run(ctx, q.rdb,
			[]string{q.pendingKey(), q.runningKey()}, deadline.UnixMilli()).Text()
		if err != nil {
			q.sem.Release(1)
			if err != redis.Nil {
				q.logger.Error("failed to pop pending job", "error", err)
			}
			return
		}

		env, err := q.loadEnvelope(ctx, jobKey)
		if err != nil {
			q.logger.Error("pending job has no payload, dropping", "job_key", jobKey)
			q.rdb.ZRem(ctx, q.runningKey(), jobKey)
			q.sem.Release(1)
			continue
		}

		go func(env envelope) {
			defer q.sem.Release(1)
			q.runJob(ctx, env, handler)
		}(env)
	}
}

func (q *Queue) runJob(ctx context.Context, env envelope, handler ports.Handler) {
	jobCtx, cancel := context.WithTimeout(ctx, q.opts.JobTimeout)
	defer cancel()

	env.Attempt++
	q.logger.Info("job started", "job_key", env.JobKey, "attempt", env.Attempt)

	err := handler(jobCtx, env.Payload)

	// If the reaper already took the job (timeout), the requeue decision
	// was made there; this execution's outcome is discarded.
	removed, remErr := q.rdb.ZRem(context.WithoutCancel(ctx), q.runningKey(), env.JobKey).Result()
	if remErr == nil && removed == 0 {
		q.logger.Warn("job finished after being reaped, dropping result", "job_key", env.JobKey)
		return
	}

	bg := context.WithoutCancel(ctx)
	if err == nil {
		q.ack(bg, env)
		return
	}

	if domain.Classify(err) == domain.KindRetryable && env.Attempt < env.MaxAttempts {
		q.logger.Warn("job failed, scheduling retry", "job_key", env.JobKey, "attempt", env.Attempt, "error", err)
		q.retry(bg, env, err.Error())
		return
	}

	q.logger.Error("job failed permanently", "job_key", env.JobKey, "attempt", env.Attempt, "error", err)
	q.bury(bg, env, err.Error())
}

func (q *Queue) ack(ctx context.Context, env envelope) {
	raw, _ := json.Marshal(env)
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.payloadKey(), env.JobKey)
	pipe.LPush(ctx, q.doneKey(), raw)
	pipe.LTrim(ctx, q.doneKey(), 0, doneRetention-1)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("failed to ack job", "job_key", env.JobKey, "error", err)
	}
	q.logger.Info("job completed", "job_key", env.JobKey, "attempt", env.Attempt)
}

func (q *Queue) retry(ctx context.Context, env envelope, lastError string) {
	env.LastError = lastError
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	readyAt := q.now().Add(domain.Backoff(env.Attempt))
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.payloadKey(), env.JobKey, raw)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(readyAt.UnixMilli()), Member: env.JobKey})
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("failed to schedule retry", "job_key", env.JobKey, "error", err)
	}
}

func (q *Queue) bury(ctx context.Context, env envelope, lastError string) {
	dead := ports.DeadLetter{
		JobKey:    env.JobKey,
		Payload:   env.Payload,
		LastError: lastError,
		Attempts:  env.Attempt,
		DeadAt:    q.now().UTC(),
	}
	raw, err := json.Marshal(dead)
	if err != nil {
		return
	}
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.payloadKey(), env.JobKey)
	pipe.LPush(ctx, q.deadKey(), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("failed to dead-letter job", "job_key", env.JobKey, "error", err)
	}
}

// requeueOrBury handles a reaped (timed-out) job: either it still has
// attempts left and goes back through the delayed set, or it is buried.
func (q *Queue) requeueOrBury(ctx context.Context, env envelope, reason string) {
	// The stored envelope still carries the pre-delivery attempt count;
	// the delivery that timed out (or died with its process) consumed
	// one, so a job that never acks cannot cycle forever.
	env.Attempt++
	if env.Attempt < env.MaxAttempts {
		q.retry(ctx, env, reason)
		return
	}
	q.bury(ctx, env, reason)
}

func (q *Queue) loadEnvelope(ctx context.Context, jobKey string) (envelope, error) {
	raw, err := q.rdb.HGet(ctx, q.payloadKey(), jobKey).Result()
	if err != nil {
		return envelope{}, fmt.Errorf("failed to load envelope for %s: %w", jobKey, err)
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return envelope{}, fmt.Errorf("failed to unmarshal envelope for %s: %w", jobKey, err)
	}
	return env, nil
}

func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]ports.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := q.rdb.LRange(ctx, q.deadKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	out := make([]ports.DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var d ports.DeadLetter
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

func formatMs(ms int64) string {
	return fmt.Sprintf("%d", ms)
}
