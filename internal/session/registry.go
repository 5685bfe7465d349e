// package session owns the live per-org sessions: an API client bound to its own rate-limited
// queue, plus the org's reachability and capability snapshots.
//
// Sessions are created on first access and evicted after a period of inactivity. At most one
// session exists per org; concurrent first accesses share a single construction.
package session

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/desertthunder/orgsync/internal/auth"
	"github.com/desertthunder/orgsync/internal/queue"
	"github.com/desertthunder/orgsync/internal/services"
	"github.com/desertthunder/orgsync/internal/shared"
)

const (
	defaultIdleTimeout   = 30 * time.Minute
	defaultSweepInterval = 5 * time.Minute
)

// TokenSource hands out valid tokens and takes back ones the API rejected. [auth.Manager]
// implements it.
type TokenSource interface {
	GetValidToken(ctx context.Context, orgID string) (auth.TokenPair, error)
	Expire(orgID string)
}

// Session is one org's live connection.
type Session struct {
	ID        string
	OrgID     string
	Client    *services.Client
	Queue     *queue.Queue
	CreatedAt time.Time

	prober  *Prober
	monitor *auth.Monitor

	mu           sync.Mutex
	lastAccessed time.Time
	status       ConnectionStatus

	capsMu sync.Mutex
	caps   *Capabilities
}

// LastAccessedAt returns when the session was last handed out.
func (s *Session) LastAccessedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccessed
}

// Status returns the most recent reachability probe.
func (s *Session) Status() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Reprobe refreshes the reachability snapshot.
func (s *Session) Reprobe(ctx context.Context) ConnectionStatus {
	status := s.prober.Probe(ctx, s.Client)
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	return status
}

// Capabilities detects the org's features on first call and caches the result.
func (s *Session) Capabilities(ctx context.Context) Capabilities {
	s.capsMu.Lock()
	defer s.capsMu.Unlock()
	if s.caps == nil {
		caps := s.prober.DetectCapabilities(ctx, s.Client)
		s.caps = &caps
	}
	return *s.caps
}

// Health returns the org's token health record, if the registry has a monitor.
func (s *Session) Health() (auth.HealthRecord, bool) {
	if s.monitor == nil {
		return auth.HealthRecord{}, false
	}
	return s.monitor.Record(s.OrgID)
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAccessed = now
}

// Info is a read-only view of a session for listings.
type Info struct {
	ID             string           `json:"id"`
	OrgID          string           `json:"org_id"`
	InstanceURL    string           `json:"instance_url"`
	CreatedAt      time.Time        `json:"created_at"`
	LastAccessedAt time.Time        `json:"last_accessed_at"`
	Status         ConnectionStatus `json:"status"`
	Queue          queue.Stats      `json:"queue"`
}

// Info snapshots the session.
func (s *Session) Info() Info {
	return Info{
		ID:             s.ID,
		OrgID:          s.OrgID,
		InstanceURL:    s.Client.InstanceURL(),
		CreatedAt:      s.CreatedAt,
		LastAccessedAt: s.LastAccessedAt(),
		Status:         s.Status(),
		Queue:          s.Queue.Stats(),
	}
}

// RegistryOpts configures a [Registry]. Tokens is required.
type RegistryOpts struct {
	Tokens         TokenSource
	Monitor        *auth.Monitor
	Prober         *Prober
	Queue          queue.Config
	Metrics        *queue.Metrics
	APIVersion     string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	Logger         *log.Logger

	Now       func() time.Time
	NewTicker func(time.Duration) auth.Ticker
}

// Registry owns every live session.
type Registry struct {
	opts   RegistryOpts
	logger *log.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	group    singleflight.Group

	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewRegistry creates a registry.
func NewRegistry(opts RegistryOpts) (*Registry, error) {
	if opts.Tokens == nil {
		return nil, fmt.Errorf("%w: token source", shared.ErrMissingConfig)
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewDiscardLogger()
	}
	if opts.Prober == nil {
		opts.Prober = NewProber(opts.Logger, 0)
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewTicker == nil {
		opts.NewTicker = auth.NewTimeTicker
	}
	// Every session's queue is built from the same config.
	if err := opts.Queue.Validate(); err != nil {
		return nil, err
	}

	return &Registry{
		opts:     opts,
		logger:   shared.WithLogger(opts.Logger, "component", "sessions"),
		now:      opts.Now,
		sessions: make(map[string]*Session),
	}, nil
}

// GetSession returns the org's session, creating it on first access.
//
// Creation loads a valid token, builds a client bound to a fresh queue and probes reachability.
// An org that needs reconnection fails creation; an unreachable org still gets a session whose
// status records the failure.
func (r *Registry) GetSession(ctx context.Context, orgID string) (*Session, error) {
	orgID = shared.NormalizeOrgID(orgID)
	if orgID == "" {
		return nil, fmt.Errorf("%w: org id", shared.ErrMissingArgument)
	}

	if s := r.lookup(orgID); s != nil {
		s.touch(r.now())
		return s, nil
	}

	detached := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do(orgID, func() (any, error) {
		if s := r.lookup(orgID); s != nil {
			return s, nil
		}
		s, err := r.create(detached, orgID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.sessions[orgID] = s
		r.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}

	s := v.(*Session)
	s.touch(r.now())
	return s, nil
}

// Execute runs op against the org's session inside a slot of the session's queue. Calls made
// through the session's client from op share that slot.
func (r *Registry) Execute(ctx context.Context, orgID string, op func(ctx context.Context, s *Session) error) error {
	s, err := r.GetSession(ctx, orgID)
	if err != nil {
		return err
	}
	return s.Queue.Do(ctx, func(ctx context.Context) error {
		return op(ctx, s)
	})
}

// RemoveSession drops the org's session. It reports whether one existed.
func (r *Registry) RemoveSession(orgID string) bool {
	orgID = shared.NormalizeOrgID(orgID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[orgID]; !ok {
		return false
	}
	delete(r.sessions, orgID)
	r.logger.Info("session removed", "org", orgID)
	return true
}

// Sessions lists live sessions ordered by org ID.
func (r *Registry) Sessions() []Info {
	r.mu.Lock()
	sessions := slices.Collect(maps.Values(r.sessions))
	r.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.OrgID, b.OrgID) })
	return out
}

// Sweep evicts sessions idle for at least the idle timeout and returns their org IDs.
func (r *Registry) Sweep() []string {
	cutoff := r.now().Add(-r.opts.IdleTimeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for orgID, s := range r.sessions {
		if !s.LastAccessedAt().After(cutoff) {
			delete(r.sessions, orgID)
			evicted = append(evicted, orgID)
		}
	}
	slices.Sort(evicted)
	if len(evicted) > 0 {
		r.logger.Info("evicted idle sessions", "orgs", evicted)
	}
	return evicted
}

// StartSweeper runs [Registry.Sweep] every sweep interval until [Registry.Stop].
func (r *Registry) StartSweeper(ctx context.Context) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	if r.sweepCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.sweepCancel = cancel
	r.sweepDone = make(chan struct{})
	ticker := r.opts.NewTicker(r.opts.SweepInterval)

	go func(done chan struct{}) {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				r.Sweep()
			}
		}
	}(r.sweepDone)
}

// Stop ends the sweeper and drops every session.
func (r *Registry) Stop() {
	r.sweepMu.Lock()
	cancel, done := r.sweepCancel, r.sweepDone
	r.sweepCancel, r.sweepDone = nil, nil
	r.sweepMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	r.mu.Lock()
	clear(r.sessions)
	r.mu.Unlock()
}

func (r *Registry) lookup(orgID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[orgID]
}

func (r *Registry) create(ctx context.Context, orgID string) (*Session, error) {
	pair, err := r.opts.Tokens.GetValidToken(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to open session for %s: %w", orgID, err)
	}

	q, err := queue.New(orgID, r.opts.Queue, queue.WithLogger(r.opts.Logger), queue.WithMetrics(r.opts.Metrics))
	if err != nil {
		return nil, err
	}

	tokens := r.opts.Tokens
	client, err := services.NewClient(services.ClientOpts{
		OrgID:       orgID,
		InstanceURL: pair.InstanceURL,
		Version:     r.opts.APIVersion,
		Token: func(ctx context.Context) (string, error) {
			p, err := tokens.GetValidToken(ctx, orgID)
			if err != nil {
				return "", err
			}
			return p.AccessToken, nil
		},
		Executor:   q,
		HTTPClient: r.opts.HTTPClient,
		Timeout:    r.opts.RequestTimeout,
		OnUnauthorized: func() {
			r.logger.Warn("token rejected before expiry, forcing refresh", "org", orgID)
			tokens.Expire(orgID)
		},
	})
	if err != nil {
		return nil, err
	}

	now := r.now()
	s := &Session{
		ID:           shared.GenerateID(),
		OrgID:        orgID,
		Client:       client,
		Queue:        q,
		CreatedAt:    now,
		prober:       r.opts.Prober,
		monitor:      r.opts.Monitor,
		lastAccessed: now,
	}

	status := s.Reprobe(ctx)
	if status.Err != nil && shared.IsReconnectRequired(status.Err) {
		return nil, fmt.Errorf("failed to open session for %s: %w", orgID, status.Err)
	}

	r.logger.Info("session created", "org", orgID, "instance", pair.InstanceURL, "reachable", status.Reachable)
	return s, nil
}
