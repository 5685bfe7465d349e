package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/desertthunder/orgsync/internal/shared"
)

type platformError struct {
	code   string
	status int
}

func (e *platformError) Error() string { return fmt.Sprintf("%d %s", e.status, e.code) }
func (e *platformError) PlatformCode() string { return e.code }
func (e *platformError) HTTPStatus() int { return e.status }

func newQueue(t *testing.T, cfg Config, opts ...Option) *Queue {
	t.Helper()
	q, err := New("00D1", cfg, opts...)
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	return q
}

// recordWaits captures retry delays without sleeping.
func recordWaits(mu *sync.Mutex, delays *[]time.Duration) Option {
	return WithWait(func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		*delays = append(*delays, d)
		return ctx.Err()
	})
}

func TestBackoff(t *testing.T) {
	tt := []struct {
		name    string
		backoff Backoff
		attempt int
		want    time.Duration
	}{
		{name: "first retry uses base", backoff: Backoff{Base: time.Second}, attempt: 0, want: time.Second},
		{name: "doubles", backoff: Backoff{Base: time.Second}, attempt: 1, want: 2 * time.Second},
		{name: "doubles again", backoff: Backoff{Base: time.Second}, attempt: 2, want: 4 * time.Second},
		{name: "capped", backoff: Backoff{Base: time.Second, Max: 3 * time.Second}, attempt: 2, want: 3 * time.Second},
		{name: "negative attempt", backoff: Backoff{Base: time.Second}, attempt: -1, want: time.Second},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.backoff.Delay(tc.attempt); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestNew(t *testing.T) {
	if _, err := New("x", Config{MaxRequestsPerSecond: 0, MaxConcurrent: 1}); !errors.Is(err, shared.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for zero rps, got %v", err)
	}
	if _, err := New("x", Config{MaxRequestsPerSecond: 1, MaxConcurrent: 0}); !errors.Is(err, shared.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for zero concurrency, got %v", err)
	}

	if err := (Config{MaxRequestsPerSecond: 5, MaxConcurrent: -1}).Validate(); !errors.Is(err, shared.ErrInvalidConfig) {
		t.Errorf("expected Validate to reject negative concurrency, got %v", err)
	}

	cfg := ConfigFrom(shared.DefaultConfig().Queue)
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
	if cfg.MaxRequestsPerSecond != 10 || cfg.MaxConcurrent != 5 || cfg.RetryAttempts != 3 || cfg.RetryDelay != time.Second {
		t.Errorf("unexpected config from defaults: %+v", cfg)
	}
}

func TestQueue(t *testing.T) {
	t.Run("paces dispatches to the configured rate", func(t *testing.T) {
		const rps = 20
		q := newQueue(t, Config{MaxRequestsPerSecond: rps, MaxConcurrent: 50})

		var (
			mu    sync.Mutex
			times []time.Time
			wg    sync.WaitGroup
		)
		for range 30 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = q.Do(context.Background(), func(context.Context) error {
					mu.Lock()
					times = append(times, time.Now())
					mu.Unlock()
					return nil
				})
			}()
		}
		wg.Wait()

		if len(times) != 30 {
			t.Fatalf("expected 30 dispatches, got %d", len(times))
		}
		slices.SortFunc(times, func(a, b time.Time) int { return a.Compare(b) })
		// Allow for timer jitter at the window edge.
		window := time.Second - 20*time.Millisecond
		for i, start := range times {
			count := 0
			for _, ts := range times[i:] {
				if ts.Sub(start) < window {
					count++
				}
			}
			if count > rps {
				t.Fatalf("%d dispatches within one second starting at #%d, limit %d", count, i, rps)
			}
		}
	})

	t.Run("never exceeds max concurrent", func(t *testing.T) {
		q := newQueue(t, Config{MaxRequestsPerSecond: 1000, MaxConcurrent: 5})

		var (
			current, peak atomic.Int32
			wg            sync.WaitGroup
		)
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = q.Do(context.Background(), func(context.Context) error {
					n := current.Add(1)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwap(p, n) {
							break
						}
					}
					time.Sleep(20 * time.Millisecond)
					current.Add(-1)
					return nil
				})
			}()
		}
		wg.Wait()

		if peak.Load() > 5 {
			t.Errorf("observed %d concurrent operations, limit 5", peak.Load())
		}
		stats := q.Stats()
		if stats.PeakInFlight > 5 {
			t.Errorf("stats report peak %d, limit 5", stats.PeakInFlight)
		}
		if stats.InFlight != 0 || stats.Dispatched != 20 {
			t.Errorf("unexpected stats after settle: %+v", stats)
		}
	})

	t.Run("retries retryable errors with increasing delay", func(t *testing.T) {
		var (
			mu     sync.Mutex
			delays []time.Duration
			calls  atomic.Int32
		)
		q := newQueue(t, Config{MaxRequestsPerSecond: 1000, MaxConcurrent: 1, RetryAttempts: 3, RetryDelay: 10 * time.Millisecond},
			recordWaits(&mu, &delays))

		cause := &platformError{code: "REQUEST_LIMIT_EXCEEDED", status: 403}
		err := q.Do(context.Background(), func(context.Context) error {
			calls.Add(1)
			return cause
		})

		if calls.Load() != 4 {
			t.Errorf("expected 4 attempts, got %d", calls.Load())
		}
		var transient *shared.TransientProviderError
		if !errors.As(err, &transient) || transient.Attempts != 4 {
			t.Fatalf("expected TransientProviderError after 4 attempts, got %v", err)
		}
		if !errors.Is(err, shared.ErrTransient) || !errors.Is(err, cause) {
			t.Errorf("expected error to wrap ErrTransient and cause, got %v", err)
		}

		want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
		if len(delays) != len(want) {
			t.Fatalf("expected delays %v, got %v", want, delays)
		}
		for i := range want {
			if delays[i] != want[i] {
				t.Errorf("delay %d: expected %v, got %v", i, want[i], delays[i])
			}
			if i > 0 && delays[i] <= delays[i-1] {
				t.Errorf("delays must strictly increase: %v", delays)
			}
		}
		if q.Stats().Retried != 3 || q.Stats().Failed != 1 {
			t.Errorf("unexpected stats %+v", q.Stats())
		}
	})

	t.Run("recovers after transient failure", func(t *testing.T) {
		var mu sync.Mutex
		var delays []time.Duration
		q := newQueue(t, Config{MaxRequestsPerSecond: 1000, MaxConcurrent: 1, RetryAttempts: 3, RetryDelay: time.Millisecond},
			recordWaits(&mu, &delays))

		var calls atomic.Int32
		got, err := Execute(context.Background(), q, func(context.Context) (string, error) {
			if calls.Add(1) < 3 {
				return "", &platformError{status: 503}
			}
			return "ok", nil
		})
		if err != nil || got != "ok" {
			t.Fatalf("expected ok, got %q, %v", got, err)
		}
		if calls.Load() != 3 {
			t.Errorf("expected 3 attempts, got %d", calls.Load())
		}
	})

	t.Run("non-retryable errors propagate immediately", func(t *testing.T) {
		tt := []struct {
			name string
			err  error
		}{
			{name: "malformed query", err: &platformError{code: "MALFORMED_QUERY", status: 400}},
			{name: "plain error", err: errors.New("boom")},
			{name: "reconnect required", err: &shared.TerminalCredentialError{OrgID: "00D1", Cause: errors.New("invalid_grant")}},
			{name: "already exhausted", err: &shared.TransientProviderError{Attempts: 4, Cause: &platformError{status: 503}}},
		}

		for _, tc := range tt {
			t.Run(tc.name, func(t *testing.T) {
				q := newQueue(t, Config{MaxRequestsPerSecond: 1000, MaxConcurrent: 1, RetryAttempts: 3, RetryDelay: time.Millisecond})
				var calls atomic.Int32
				err := q.Do(context.Background(), func(context.Context) error {
					calls.Add(1)
					return tc.err
				})
				if !errors.Is(err, tc.err) {
					t.Errorf("expected original error, got %v", err)
				}
				if calls.Load() != 1 {
					t.Errorf("expected 1 attempt, got %d", calls.Load())
				}
			})
		}
	})

	t.Run("nested operations do not deadlock", func(t *testing.T) {
		q := newQueue(t, Config{MaxRequestsPerSecond: 1000, MaxConcurrent: 1})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var inner atomic.Int32
		err := q.Do(ctx, func(ctx context.Context) error {
			for range 3 {
				if err := q.Do(ctx, func(context.Context) error {
					inner.Add(1)
					return nil
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("nested execution failed: %v", err)
		}
		if inner.Load() != 3 {
			t.Errorf("expected 3 nested operations, got %d", inner.Load())
		}
		if q.Stats().Dispatched != 4 {
			t.Errorf("expected nested entries to be dispatched individually, got %d", q.Stats().Dispatched)
		}
	})

	t.Run("nested fan-out stays within max concurrent", func(t *testing.T) {
		for _, limit := range []int{1, 2} {
			t.Run(fmt.Sprintf("limit %d", limit), func(t *testing.T) {
				q := newQueue(t, Config{MaxRequestsPerSecond: 1000, MaxConcurrent: limit})
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				var current, peak, done atomic.Int32
				err := q.Do(ctx, func(ctx context.Context) error {
					var wg sync.WaitGroup
					for range 10 {
						wg.Add(1)
						go func() {
							defer wg.Done()
							_ = q.Do(ctx, func(context.Context) error {
								n := current.Add(1)
								for {
									p := peak.Load()
									if n <= p || peak.CompareAndSwap(p, n) {
										break
									}
								}
								time.Sleep(10 * time.Millisecond)
								current.Add(-1)
								done.Add(1)
								return nil
							})
						}()
					}
					wg.Wait()
					return nil
				})
				if err != nil {
					t.Fatalf("fan-out failed: %v", err)
				}
				if done.Load() != 10 {
					t.Errorf("expected 10 nested operations, got %d", done.Load())
				}
				if int(peak.Load()) > limit {
					t.Errorf("observed %d concurrent nested operations, limit %d", peak.Load(), limit)
				}
				if q.Stats().PeakInFlight > int64(limit) {
					t.Errorf("stats report peak %d, limit %d", q.Stats().PeakInFlight, limit)
				}
			})
		}
	})

	t.Run("nested entries on another queue take their own slot", func(t *testing.T) {
		a := newQueue(t, Config{MaxRequestsPerSecond: 1000, MaxConcurrent: 1})
		b, err := New("00D2", Config{MaxRequestsPerSecond: 1000, MaxConcurrent: 1})
		if err != nil {
			t.Fatal(err)
		}

		err = a.Do(context.Background(), func(ctx context.Context) error {
			if !a.holdsSlot(ctx) {
				t.Error("expected context to carry a's slot")
			}
			return b.Do(ctx, func(ctx context.Context) error {
				if !b.holdsSlot(ctx) {
					t.Error("expected context to carry b's slot")
				}
				if b.Stats().InFlight != 1 {
					t.Errorf("expected b to count its own slot, got %d", b.Stats().InFlight)
				}
				return nil
			})
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("cancelled context stops waiting for a slot", func(t *testing.T) {
		q := newQueue(t, Config{MaxRequestsPerSecond: 1000, MaxConcurrent: 1})
		release := make(chan struct{})
		started := make(chan struct{})
		go func() {
			_ = q.Do(context.Background(), func(context.Context) error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := q.Do(ctx, func(context.Context) error { return nil })
		close(release)

		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})
}

func TestExecute(t *testing.T) {
	q := newQueue(t, Config{MaxRequestsPerSecond: 1000, MaxConcurrent: 1})

	n, err := Execute(context.Background(), q, func(ctx context.Context) (int, error) {
		if !q.holdsSlot(ctx) {
			t.Error("expected op to run inside a slot")
		}
		return 42, nil
	})
	if err != nil || n != 42 {
		t.Errorf("expected 42, got %d %v", n, err)
	}

	wantErr := errors.New("boom")
	s, err := Execute(context.Background(), q, func(context.Context) (string, error) { return "partial", wantErr })
	if !errors.Is(err, wantErr) {
		t.Errorf("expected op error, got %v", err)
	}
	if s != "" {
		t.Errorf("expected zero value on error, got %q", s)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	q := newQueue(t, Config{MaxRequestsPerSecond: 1000, MaxConcurrent: 2, RetryAttempts: 1},
		WithMetrics(m), WithWait(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))

	_ = q.Do(context.Background(), func(context.Context) error { return nil })
	_ = q.Do(context.Background(), func(context.Context) error { return &platformError{status: 429} })

	if got := testutil.ToFloat64(m.dispatched.WithLabelValues("00D1")); got != 3 {
		t.Errorf("expected 3 dispatches, got %v", got)
	}
	if got := testutil.ToFloat64(m.retried.WithLabelValues("00D1")); got != 1 {
		t.Errorf("expected 1 retry, got %v", got)
	}
	if got := testutil.ToFloat64(m.failed.WithLabelValues("00D1")); got != 1 {
		t.Errorf("expected 1 failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.inFlight.WithLabelValues("00D1")); got != 0 {
		t.Errorf("expected nothing in flight, got %v", got)
	}
}

func TestRetryable(t *testing.T) {
	tt := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "throttled code", err: &platformError{code: "REQUEST_LIMIT_EXCEEDED"}, want: true},
		{name: "row lock", err: &platformError{code: "UNABLE_TO_LOCK_ROW", status: 400}, want: true},
		{name: "gateway timeout", err: &platformError{status: 504}, want: true},
		{name: "wrapped 429", err: fmt.Errorf("query: %w", &platformError{status: 429}), want: true},
		{name: "bad request", err: &platformError{code: "INVALID_FIELD", status: 400}, want: false},
		{name: "canceled", err: context.Canceled, want: false},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			if got := Retryable(tc.err); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
