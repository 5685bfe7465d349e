package auth

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/orgsync/internal/shared"
)

const defaultSchedulerInterval = 30 * time.Minute

// Ticker is the subset of [time.Ticker] used by the scheduler.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

// NewTimeTicker wraps [time.NewTicker].
func NewTimeTicker(d time.Duration) Ticker { return timeTicker{time.NewTicker(d)} }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop() { t.t.Stop() }

// RefreshScheduler periodically asks the manager for a valid token for every cached org, so
// tokens are renewed before a caller needs them.
type RefreshScheduler struct {
	manager   *Manager
	interval  time.Duration
	newTicker func(time.Duration) Ticker
	logger    *log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// SchedulerOption customizes a [RefreshScheduler].
type SchedulerOption func(*RefreshScheduler)

// WithTicker replaces the ticker factory.
func WithTicker(f func(time.Duration) Ticker) SchedulerOption {
	return func(s *RefreshScheduler) { s.newTicker = f }
}

// WithSchedulerLogger sets the scheduler's logger.
func WithSchedulerLogger(l *log.Logger) SchedulerOption {
	return func(s *RefreshScheduler) { s.logger = l }
}

// NewRefreshScheduler creates a scheduler that runs every interval (30 minutes when zero).
func NewRefreshScheduler(m *Manager, interval time.Duration, opts ...SchedulerOption) *RefreshScheduler {
	if interval <= 0 {
		interval = defaultSchedulerInterval
	}
	s := &RefreshScheduler{
		manager:   m,
		interval:  interval,
		newTicker: NewTimeTicker,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = shared.NewDiscardLogger()
	}
	s.logger = shared.WithLogger(s.logger, "component", "refresh-scheduler")
	return s
}

// Start launches the background loop. Calling Start on a running scheduler is a no-op.
func (s *RefreshScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	ticker := s.newTicker(s.interval)

	go func(done chan struct{}) {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				s.RunOnce(ctx)
			}
		}
	}(s.done)

	s.logger.Info("refresh scheduler started", "interval", s.interval)
}

// RunOnce refreshes every cached org that is due. Failures are already recorded by the
// manager's monitor; they are only logged here.
func (s *RefreshScheduler) RunOnce(ctx context.Context) {
	for _, orgID := range s.manager.CachedOrgs() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.manager.GetValidToken(ctx, orgID); err != nil {
			s.logger.Warn("background refresh failed", "org", orgID, "err", err)
		}
	}
}

// Stop ends the loop and waits for an in-progress run to finish.
func (s *RefreshScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("refresh scheduler stopped")
}
