// SPDX-License-Identifier: MIT

// Package queue is a redis-backed durable job queue: jobs survive process
// restarts, duplicate submissions collapse by job ID, execution is rate
// limited and retried with backoff, and stalled jobs (worker died mid-run)
// are detected by heartbeat and recovered.
//
// Layout in redis:
//
//	queue:pending     list, LPUSH on enqueue, BRPOPLPUSH to claim
//	queue:processing  list of claimed payloads, LREM on completion
//	queue:heartbeats  hash jobID -> unix seconds of last beat
//	queue:dedup:<id>  marker key for duplicate suppression
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"reelscribe/internal/apperr"
	"reelscribe/internal/log"
	"reelscribe/internal/metrics"
)

const (
	pendingKey    = "queue:pending"
	processingKey = "queue:processing"
	heartbeatsKey = "queue:heartbeats"
	dedupPrefix   = "queue:dedup:"

	dedupTTL = time.Hour
)

// Payload is the durable job envelope. Attempt counts ride inside it so a
// stalled job re-enqueued by the sweeper keeps its history.
type Payload struct {
	JobID        string `json:"jobId"`
	SubscriberID string `json:"subscriberId"`
	RequestHash  string `json:"requestHash"`
	Attempt      int    `json:"attempt"`
	EnqueuedAt   int64  `json:"enqueuedAt"`
}

// Handler executes one job attempt.
type Handler func(ctx context.Context, p Payload) error

// EventType enumerates queue lifecycle notifications.
type EventType string

const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
	EventRetrying  EventType = "retrying"
)

// Event is delivered to the OnEvent callback after each lifecycle change.
type Event struct {
	Type    EventType
	Payload Payload
	Err     error
}

// Config carries the queue tunables.
type Config struct {
	Concurrency    int
	RatePerMinute  int
	MaxAttempts    int
	BackoffBase    time.Duration
	HeartbeatEvery time.Duration
	StallAfter     time.Duration
	JobTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 15 * time.Second
	}
	if c.StallAfter <= 0 {
		c.StallAfter = 60 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	return c
}

// Queue is the durable queue facade.
type Queue struct {
	client  *redis.Client
	cfg     Config
	handler Handler
	onEvent func(Event)
	limiter *rate.Limiter
	logger  zerolog.Logger

	// sleep is swapped in tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Queue. The handler runs every claimed job; onEvent may be nil.
func New(client *redis.Client, cfg Config, handler Handler, onEvent func(Event)) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		client:  client,
		cfg:     cfg,
		handler: handler,
		onEvent: onEvent,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), 1),
		logger:  log.WithComponent("queue"),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Enqueue submits a job. A job ID already seen within the dedup window is
// dropped and reported as a duplicate, not an error.
func (q *Queue) Enqueue(ctx context.Context, p Payload) (accepted bool, err error) {
	fresh, err := q.client.SetNX(ctx, dedupPrefix+p.JobID, "1", dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("queue dedup: %w", err)
	}
	if !fresh {
		q.logger.Debug().Str(log.FieldJobID, p.JobID).Msg("duplicate enqueue suppressed")
		return false, nil
	}
	if p.EnqueuedAt == 0 {
		p.EnqueuedAt = time.Now().Unix()
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("queue marshal: %w", err)
	}
	if err := q.client.LPush(ctx, pendingKey, raw).Err(); err != nil {
		return false, fmt.Errorf("queue push: %w", err)
	}
	q.publishDepth(ctx)
	return true, nil
}

// Depth returns the number of pending jobs.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, pendingKey).Result()
}

func (q *Queue) publishDepth(ctx context.Context) {
	if n, err := q.client.LLen(ctx, pendingKey).Result(); err == nil {
		metrics.SetQueueDepth(int(n))
	}
}

// Run claims and executes jobs until ctx is cancelled. It blocks; callers
// start it in a goroutine. Worker goroutines and the stall sweeper share one
// errgroup so Run returns only when all of them have drained.
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.cfg.Concurrency; i++ {
		g.Go(func() error { return q.workLoop(ctx) })
	}
	g.Go(func() error { return q.sweepLoop(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (q *Queue) workLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := q.client.BRPopLPush(ctx, pendingKey, processingKey, time.Second).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Warn().Err(err).Msg("queue claim failed, backing off")
			if serr := q.sleep(ctx, time.Second); serr != nil {
				return serr
			}
			continue
		}
		q.publishDepth(ctx)

		var p Payload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			q.logger.Error().Err(err).Msg("dropping undecodable payload")
			q.client.LRem(ctx, processingKey, 1, raw)
			continue
		}
		// The heartbeat starts at claim time: a job parked on the rate
		// limiter must not look stalled to the sweeper.
		hbCtx, stopHB := context.WithCancel(ctx)
		go q.heartbeat(hbCtx, p.JobID)
		if err := q.limiter.Wait(ctx); err != nil {
			// Shutting down mid-claim: put the job back for the next run.
			stopHB()
			done := context.WithoutCancel(ctx)
			q.requeue(done, raw)
			q.client.HDel(done, heartbeatsKey, p.JobID)
			return err
		}
		q.execute(ctx, p, raw)
		stopHB()
	}
}

// execute runs one job with in-process retries. The caller owns the
// heartbeat, which has been beating since the claim.
func (q *Queue) execute(ctx context.Context, p Payload, raw string) {
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()
	start := time.Now()

	var err error
	for {
		p.Attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
		err = q.handler(attemptCtx, p)
		cancel()
		if err == nil || !apperr.Retryable(err) || p.Attempt >= q.cfg.MaxAttempts {
			break
		}
		backoff := q.cfg.BackoffBase << (p.Attempt - 1)
		q.logger.Warn().Err(err).Str(log.FieldJobID, p.JobID).
			Int(log.FieldAttempt, p.Attempt).Dur("backoff", backoff).
			Msg("job attempt failed, retrying")
		q.emit(Event{Type: EventRetrying, Payload: p, Err: err})
		if serr := q.sleep(ctx, backoff); serr != nil {
			err = serr
			break
		}
	}

	// Settlement must survive a cancelled parent.
	done := context.WithoutCancel(ctx)
	q.client.LRem(done, processingKey, 1, raw)
	q.client.HDel(done, heartbeatsKey, p.JobID)

	elapsed := time.Since(start)
	if err != nil {
		metrics.RecordJobOutcome("failed")
		metrics.ObserveJobDuration(float64(elapsed.Milliseconds()))
		q.logger.Error().Err(err).Str(log.FieldJobID, p.JobID).
			Int(log.FieldAttempt, p.Attempt).Msg("job failed")
		q.emit(Event{Type: EventFailed, Payload: p, Err: err})
		return
	}
	metrics.RecordJobOutcome("completed")
	metrics.ObserveJobDuration(float64(elapsed.Milliseconds()))
	q.logger.Info().Str(log.FieldJobID, p.JobID).
		Dur("elapsed", elapsed).Msg("job completed")
	q.emit(Event{Type: EventCompleted, Payload: p})
}

func (q *Queue) heartbeat(ctx context.Context, jobID string) {
	beat := func() {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		q.client.HSet(hctx, heartbeatsKey, jobID, time.Now().Unix())
	}
	beat()
	t := time.NewTicker(q.cfg.HeartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			beat()
		}
	}
}

// sweepLoop re-enqueues processing-list entries whose heartbeat has gone
// silent for longer than StallAfter. That covers workers killed mid-job.
func (q *Queue) sweepLoop(ctx context.Context) error {
	t := time.NewTicker(q.cfg.StallAfter / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			q.sweepOnce(ctx)
		}
	}
}

func (q *Queue) sweepOnce(ctx context.Context) {
	entries, err := q.client.LRange(ctx, processingKey, 0, -1).Result()
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-q.cfg.StallAfter).Unix()
	for _, raw := range entries {
		var p Payload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			q.client.LRem(ctx, processingKey, 1, raw)
			continue
		}
		beatStr, err := q.client.HGet(ctx, heartbeatsKey, p.JobID).Result()
		if err == nil {
			var beat int64
			if _, serr := fmt.Sscanf(beatStr, "%d", &beat); serr == nil && beat >= cutoff {
				continue // still alive
			}
		}
		// A claimed job heartbeats from the moment of the claim, including
		// while it waits on the rate limiter, so anything here belongs to a
		// dead worker.
		if removed, _ := q.client.LRem(ctx, processingKey, 1, raw).Result(); removed == 0 {
			continue // settled concurrently
		}
		q.client.HDel(ctx, heartbeatsKey, p.JobID)
		q.emit(Event{Type: EventStalled, Payload: p})
		if p.Attempt >= q.cfg.MaxAttempts {
			metrics.RecordJobOutcome("failed")
			q.logger.Error().Str(log.FieldJobID, p.JobID).Msg("stalled job out of attempts")
			q.emit(Event{Type: EventFailed, Payload: p, Err: apperr.Timeout("job stalled")})
			continue
		}
		q.logger.Warn().Str(log.FieldJobID, p.JobID).
			Int(log.FieldAttempt, p.Attempt).Msg("stalled job re-enqueued")
		if data, err := json.Marshal(p); err == nil {
			q.client.LPush(ctx, pendingKey, data)
		}
	}
	q.publishDepth(ctx)
}

func (q *Queue) requeue(ctx context.Context, raw string) {
	q.client.LRem(ctx, processingKey, 1, raw)
	q.client.RPush(ctx, pendingKey, raw)
}

func (q *Queue) emit(e Event) {
	if q.onEvent != nil {
		q.onEvent(e)
	}
}

// SweepStalled runs one sweeper pass on demand (startup recovery).
func (q *Queue) SweepStalled(ctx context.Context) {
	q.sweepOnce(ctx)
}
