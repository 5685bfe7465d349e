// package queue throttles and retries operations against a rate-limited external API.
//
// A [Queue] admits at most MaxConcurrent operations at once, in FIFO order, and spaces every
// dispatch (retries included) by at least 1/MaxRequestsPerSecond. Retryable failures are
// retried in place with exponential backoff.
//
// Operations may submit further work to the same queue from inside their callback. Such nested
// entries are paced and retried like any other. A nested entry borrows the parent's concurrency
// slot when no sibling holds it, takes a free slot otherwise, and failing both waits for the
// parent's slot to come back. A full queue never waits on itself, and fanning nested work out
// across goroutines still stays within MaxConcurrent.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/desertthunder/orgsync/internal/shared"
)

// Platform codes and HTTP statuses treated as throttling or temporary unavailability when the
// error does not classify itself.
var (
	retryableCodes = map[string]bool{
		"REQUEST_LIMIT_EXCEEDED": true,
		"SERVER_UNAVAILABLE":     true,
		"UNABLE_TO_LOCK_ROW":     true,
		"QUERY_TIMEOUT":          true,
	}
	retryableStatuses = map[int]bool{429: true, 502: true, 503: true, 504: true}
)

// Config sets the queue's ceilings and retry policy.
type Config struct {
	MaxRequestsPerSecond float64
	MaxConcurrent        int
	RetryAttempts        int
	RetryDelay           time.Duration
}

// ConfigFrom converts the [queue] section of the application config.
func ConfigFrom(c shared.QueueConfig) Config {
	return Config{
		MaxRequestsPerSecond: c.MaxRequestsPerSecond,
		MaxConcurrent:        c.MaxConcurrent,
		RetryAttempts:        c.RetryAttempts,
		RetryDelay:           c.RetryDelay(),
	}
}

// Stats is a point-in-time snapshot of queue activity.
type Stats struct {
	Dispatched   int64
	Retried      int64
	Failed       int64
	InFlight     int64
	PeakInFlight int64
}

// Queue is a rate-limited, retry-aware executor. The zero value is not usable; call [New].
type Queue struct {
	name    string
	cfg     Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	backoff Backoff
	wait    func(ctx context.Context, d time.Duration) error
	logger  *log.Logger
	metrics *Metrics

	dispatched atomic.Int64
	retried    atomic.Int64
	failed     atomic.Int64
	inFlight   atomic.Int64
	peak       atomic.Int64
}

// Option customizes a [Queue].
type Option func(*Queue)

// WithLogger sets the queue's logger.
func WithLogger(l *log.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics reports activity to m under the queue's name.
func WithMetrics(m *Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithWait replaces the retry sleep, letting tests observe delays without waiting.
func WithWait(wait func(ctx context.Context, d time.Duration) error) Option {
	return func(q *Queue) { q.wait = wait }
}

// Validate checks that the ceilings are usable.
func (c Config) Validate() error {
	if c.MaxRequestsPerSecond <= 0 {
		return fmt.Errorf("%w: max requests per second must be positive", shared.ErrInvalidConfig)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: max concurrent must be positive", shared.ErrInvalidConfig)
	}
	return nil
}

// New creates a queue named name (used in logs and metric labels).
func New(name string, cfg Config, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}

	interval := time.Duration(float64(time.Second) / cfg.MaxRequestsPerSecond)
	q := &Queue{
		name:    name,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		backoff: Backoff{Base: cfg.RetryDelay},
		wait:    Wait,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = shared.NewDiscardLogger()
	}
	q.logger = shared.WithLogger(q.logger, "queue", name)

	return q, nil
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

type slotKey struct{ q *Queue }

// slot is the concurrency slot a running operation holds, offered to one nested entry at a time.
type slot struct {
	free chan struct{}
}

func newSlot() *slot {
	s := &slot{free: make(chan struct{}, 1)}
	s.free <- struct{}{}
	return s
}

func (s *slot) give() { s.free <- struct{}{} }

// holdsSlot reports whether ctx was handed out by this queue to a running operation.
func (q *Queue) holdsSlot(ctx context.Context) bool {
	_, ok := ctx.Value(slotKey{q}).(*slot)
	return ok
}

// acquire blocks until the caller may run and returns the matching release.
func (q *Queue) acquire(ctx context.Context) (func(), error) {
	parent, _ := ctx.Value(slotKey{q}).(*slot)
	if parent == nil {
		if err := q.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		q.enter()
		return q.release, nil
	}

	select {
	case <-parent.free:
		return parent.give, nil
	default:
	}
	// TryAcquire fails while others are queued, so FIFO order for new entries is kept.
	if q.sem.TryAcquire(1) {
		q.enter()
		return q.release, nil
	}
	select {
	case <-parent.free:
		return parent.give, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) release() {
	q.leave()
	q.sem.Release(1)
}

// Do runs op under the queue's ceilings and retry policy.
//
// Retryable failures are retried up to RetryAttempts times with delay RetryDelay*2^attempt;
// exhausting them returns a [shared.TransientProviderError]. Any other error is returned as is
// on first failure.
func (q *Queue) Do(ctx context.Context, op func(ctx context.Context) error) error {
	release, err := q.acquire(ctx)
	if err != nil {
		return fmt.Errorf("queue %s: waiting for slot: %w", q.name, err)
	}
	defer release()
	ctx = context.WithValue(ctx, slotKey{q}, newSlot())

	for attempt := 0; ; attempt++ {
		if err := q.limiter.Wait(ctx); err != nil {
			q.fail()
			return fmt.Errorf("queue %s: waiting for rate limit: %w", q.name, err)
		}

		q.dispatched.Add(1)
		if q.metrics != nil {
			q.metrics.dispatched.WithLabelValues(q.name).Inc()
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) || ctx.Err() != nil {
			q.fail()
			return err
		}
		if attempt >= q.cfg.RetryAttempts {
			q.fail()
			q.logger.Warn("retries exhausted", "attempts", attempt+1, "err", err)
			return &shared.TransientProviderError{Operation: "queue " + q.name, Attempts: attempt + 1, Cause: err}
		}

		delay := q.backoff.Delay(attempt)
		q.retried.Add(1)
		if q.metrics != nil {
			q.metrics.retried.WithLabelValues(q.name).Inc()
		}
		q.logger.Warn("retrying operation", "attempt", attempt+1, "delay", delay, "err", err)

		if err := q.wait(ctx, delay); err != nil {
			q.fail()
			return fmt.Errorf("queue %s: retry interrupted: %w", q.name, err)
		}
	}
}

// Execute runs op through q and returns its value.
func Execute[T any](ctx context.Context, q *Queue, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := q.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Dispatched:   q.dispatched.Load(),
		Retried:      q.retried.Load(),
		Failed:       q.failed.Load(),
		InFlight:     q.inFlight.Load(),
		PeakInFlight: q.peak.Load(),
	}
}

func (q *Queue) enter() {
	n := q.inFlight.Add(1)
	for {
		peak := q.peak.Load()
		if n <= peak || q.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if q.metrics != nil {
		q.metrics.inFlight.WithLabelValues(q.name).Inc()
	}
}

func (q *Queue) leave() {
	q.inFlight.Add(-1)
	if q.metrics != nil {
		q.metrics.inFlight.WithLabelValues(q.name).Dec()
	}
}

func (q *Queue) fail() {
	q.failed.Add(1)
	if q.metrics != nil {
		q.metrics.failed.WithLabelValues(q.name).Inc()
	}
}

// Retryable reports whether err is throttling or temporary unavailability.
//
// Errors describe themselves through any of these methods, checked in order:
//
//	Retryable() bool
//	PlatformCode() string
//	HTTPStatus() int
//
// Credential failures, bare context errors and errors that already exhausted a retry loop are
// never retryable.
func Retryable(err error) bool {
	if err == nil || shared.IsReconnectRequired(err) || errors.Is(err, shared.ErrTransient) {
		return false
	}

	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pc interface{ PlatformCode() string }
	if errors.As(err, &pc) && retryableCodes[pc.PlatformCode()] {
		return true
	}
	var sc interface{ HTTPStatus() int }
	if errors.As(err, &sc) && retryableStatuses[sc.HTTPStatus()] {
		return true
	}
	return false
}
