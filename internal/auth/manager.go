// package auth keeps OAuth access tokens valid for every connected org.
//
// [Manager] owns the in-memory credential cache. A token inside the refresh window is renewed
// before it is handed out; concurrent callers for the same org share a single refresh.
// Failures are classified as terminal (the org must be reconnected by a human) or transient
// (retried with exponential backoff). [Monitor] records every attempt and
// [RefreshScheduler] renews cached tokens in the background.
package auth

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/desertthunder/orgsync/internal/queue"
	"github.com/desertthunder/orgsync/internal/services"
	"github.com/desertthunder/orgsync/internal/shared"
	"github.com/desertthunder/orgsync/internal/vault"
)

const (
	defaultRefreshWindow  = 5 * time.Minute
	defaultTokenLifetime  = 2 * time.Hour
	defaultRefreshRetries = 3
)

// refreshBackoff spaces refresh retries 1s, 2s, 4s.
var refreshBackoff = queue.Backoff{Base: time.Second}

// TokenPair is a usable credential for one org.
type TokenPair struct {
	OrgID           string
	OrgName         string
	InstanceURL     string
	AccessToken     string
	RefreshToken    string
	ExpiresAt       time.Time
	LastRefreshedAt time.Time
}

// Credential is an initial token pair imported by [Manager.Connect].
type Credential struct {
	OrgID        string
	OrgName      string
	InstanceURL  string
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// ManagerOpts configures a [Manager]. Vault and Refresher are required.
type ManagerOpts struct {
	Vault     vault.Vault
	Refresher services.Refresher
	Monitor   *Monitor
	Logger    *log.Logger

	RefreshWindow time.Duration
	TokenLifetime time.Duration
	MaxRetries    int
	Backoff       queue.Backoff

	// Wait and Now are replaced in tests.
	Wait func(ctx context.Context, d time.Duration) error
	Now  func() time.Time
}

// Manager hands out valid tokens, refreshing them when they are close to expiry.
type Manager struct {
	vault     vault.Vault
	refresher services.Refresher
	monitor   *Monitor
	logger    *log.Logger

	window     time.Duration
	lifetime   time.Duration
	maxRetries int
	backoff    queue.Backoff
	wait       func(ctx context.Context, d time.Duration) error
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]TokenPair
	group singleflight.Group
}

// NewManager creates a manager.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.Vault == nil {
		return nil, fmt.Errorf("%w: credential vault", shared.ErrMissingConfig)
	}
	if opts.Refresher == nil {
		return nil, fmt.Errorf("%w: token refresher", shared.ErrMissingConfig)
	}

	m := &Manager{
		vault:      opts.Vault,
		refresher:  opts.Refresher,
		monitor:    opts.Monitor,
		logger:     opts.Logger,
		window:     opts.RefreshWindow,
		lifetime:   opts.TokenLifetime,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		wait:       opts.Wait,
		now:        opts.Now,
		cache:      make(map[string]TokenPair),
	}
	if m.monitor == nil {
		m.monitor = NewMonitor(MonitorOpts{Logger: opts.Logger})
	}
	if m.logger == nil {
		m.logger = shared.NewDiscardLogger()
	}
	m.logger = shared.WithLogger(m.logger, "component", "tokens")
	if m.window <= 0 {
		m.window = defaultRefreshWindow
	}
	if m.lifetime <= 0 {
		m.lifetime = defaultTokenLifetime
	}
	if m.maxRetries <= 0 {
		m.maxRetries = defaultRefreshRetries
	}
	if m.backoff.Base <= 0 {
		m.backoff = refreshBackoff
	}
	if m.wait == nil {
		m.wait = queue.Wait
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Monitor returns the health monitor receiving this manager's refresh outcomes.
func (m *Manager) Monitor() *Monitor { return m.monitor }

// GetValidToken returns a token pair for orgID that is outside the refresh window.
//
// The credential is loaded from the vault on a cold cache and refreshed when it expires within
// the refresh window. Concurrent callers share one refresh. When the org has no credential or
// its refresh token is permanently invalid the error wraps [shared.ErrReconnectRequired];
// callers must surface it and never retry.
func (m *Manager) GetValidToken(ctx context.Context, orgID string) (TokenPair, error) {
	orgID = shared.NormalizeOrgID(orgID)
	if orgID == "" {
		return TokenPair{}, fmt.Errorf("%w: org id", shared.ErrMissingArgument)
	}

	if pair, ok := m.cached(orgID); ok && !m.needsRefresh(pair) {
		return pair, nil
	}

	// The shared call must not fail for every waiter because the first caller gave up.
	detached := context.WithoutCancel(ctx)
	v, err, _ := m.group.Do(orgID, func() (any, error) {
		return m.ensureFresh(detached, orgID)
	})
	if err != nil {
		return TokenPair{}, err
	}
	return v.(TokenPair), nil
}

// AccessToken adapts [Manager.GetValidToken] to [services.TokenFunc].
func (m *Manager) AccessToken(orgID string) services.TokenFunc {
	return func(ctx context.Context) (string, error) {
		pair, err := m.GetValidToken(ctx, orgID)
		if err != nil {
			return "", err
		}
		return pair.AccessToken, nil
	}
}

// Connect imports an initial token pair, replacing any stored credential and clearing the
// org's health history.
func (m *Manager) Connect(ctx context.Context, cred Credential) (TokenPair, error) {
	cred.OrgID = shared.NormalizeOrgID(cred.OrgID)
	switch {
	case cred.OrgID == "":
		return TokenPair{}, fmt.Errorf("%w: org id", shared.ErrMissingArgument)
	case cred.InstanceURL == "":
		return TokenPair{}, fmt.Errorf("%w: instance url", shared.ErrMissingArgument)
	case cred.AccessToken == "":
		return TokenPair{}, fmt.Errorf("%w: access token", shared.ErrMissingArgument)
	}

	lifetime := cred.ExpiresIn
	if lifetime <= 0 {
		lifetime = m.lifetime
	}
	now := m.now()
	pair := TokenPair{
		OrgID:           cred.OrgID,
		OrgName:         cred.OrgName,
		InstanceURL:     strings.TrimRight(cred.InstanceURL, "/"),
		AccessToken:     cred.AccessToken,
		RefreshToken:    cred.RefreshToken,
		ExpiresAt:       now.Add(lifetime),
		LastRefreshedAt: now,
	}

	if err := m.vault.Save(ctx, toRecord(pair)); err != nil {
		return TokenPair{}, fmt.Errorf("failed to store credential: %w", err)
	}
	m.store(pair)
	m.monitor.Clear(pair.OrgID)
	if pair.OrgName != "" {
		m.monitor.SetOrgName(pair.OrgID, pair.OrgName)
	}

	m.logger.Info("org connected", "org", pair.OrgID, "instance", pair.InstanceURL)
	return pair, nil
}

// Disconnect forgets the org's credential in memory and in the vault.
func (m *Manager) Disconnect(ctx context.Context, orgID string) error {
	orgID = shared.NormalizeOrgID(orgID)
	m.drop(orgID)
	m.monitor.Clear(orgID)

	if err := m.vault.Clear(ctx, orgID); err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	m.logger.Info("org disconnected", "org", orgID)
	return nil
}

// Expire marks the cached token as due so the next [Manager.GetValidToken] refreshes it.
// Session clients call it when the API rejects a token before its recorded expiry.
func (m *Manager) Expire(orgID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pair, ok := m.cache[orgID]; ok {
		pair.ExpiresAt = m.now()
		m.cache[orgID] = pair
	}
}

// CachedOrgs returns the IDs of every org with a cached credential.
func (m *Manager) CachedOrgs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.cache))
}

// ensureFresh runs inside the single-flight call for orgID.
func (m *Manager) ensureFresh(ctx context.Context, orgID string) (TokenPair, error) {
	pair, ok := m.cached(orgID)
	if !ok {
		rec, err := m.vault.Load(ctx, orgID)
		if err != nil {
			return TokenPair{}, fmt.Errorf("failed to load credential for %s: %w", orgID, err)
		}
		if rec == nil {
			return TokenPair{}, &shared.TerminalCredentialError{OrgID: orgID, Cause: shared.ErrOrgNotConnected}
		}
		pair = fromRecord(rec)
		m.store(pair)
		if pair.OrgName != "" {
			m.monitor.SetOrgName(orgID, pair.OrgName)
		}
	}

	if !m.needsRefresh(pair) {
		return pair, nil
	}
	return m.refresh(ctx, pair)
}

// refresh renews pair with bounded retries. The stale pair stays cached between attempts.
func (m *Manager) refresh(ctx context.Context, pair TokenPair) (TokenPair, error) {
	if pair.RefreshToken == "" {
		return TokenPair{}, m.terminal(ctx, pair.OrgID, shared.ErrNoRefreshToken)
	}

	var lastErr error
	attempts := m.maxRetries + 1
	for attempt := range attempts {
		if attempt > 0 {
			delay := m.backoff.Delay(attempt - 1)
			m.logger.Warn("retrying token refresh", "org", pair.OrgID, "attempt", attempt+1, "delay", delay, "err", lastErr)
			if err := m.wait(ctx, delay); err != nil {
				return TokenPair{}, fmt.Errorf("token refresh for %s interrupted: %w", pair.OrgID, err)
			}
		}

		tok, err := m.refresher.Refresh(ctx, pair.RefreshToken)
		if err == nil {
			return m.refreshed(ctx, pair, tok), nil
		}
		if isTerminal(err) {
			return TokenPair{}, m.terminal(ctx, pair.OrgID, err)
		}

		lastErr = err
		m.monitor.RecordRefreshAttempt(pair.OrgID, err)
	}

	m.logger.Warn("token refresh gave up", "org", pair.OrgID, "attempts", attempts, "err", lastErr)
	return TokenPair{}, &shared.TransientProviderError{Operation: "token refresh for " + pair.OrgID, Attempts: attempts, Cause: lastErr}
}

func (m *Manager) refreshed(ctx context.Context, old TokenPair, tok *services.TokenResponse) TokenPair {
	now := m.now()
	pair := old
	pair.AccessToken = tok.AccessToken
	pair.RefreshToken = tok.RefreshToken
	pair.ExpiresAt = now.Add(m.lifetime)
	if !tok.Expiry.IsZero() {
		pair.ExpiresAt = tok.Expiry
	}
	pair.LastRefreshedAt = now
	if tok.InstanceURL != "" {
		pair.InstanceURL = strings.TrimRight(tok.InstanceURL, "/")
	}

	m.store(pair)
	m.monitor.RecordRefreshAttempt(pair.OrgID, nil)
	if err := m.vault.Save(ctx, toRecord(pair)); err != nil {
		m.logger.Error("failed to mirror refreshed token to vault", "org", pair.OrgID, "err", err)
	}

	m.logger.Info("token refreshed", "org", pair.OrgID, "expires_at", pair.ExpiresAt)
	return pair
}

// terminal drops every trace of the credential and reports it.
func (m *Manager) terminal(ctx context.Context, orgID string, cause error) error {
	terr := &shared.TerminalCredentialError{OrgID: orgID, Cause: cause}

	m.drop(orgID)
	if err := m.vault.Clear(ctx, orgID); err != nil {
		m.logger.Error("failed to clear credential after terminal refresh failure", "org", orgID, "err", err)
	}
	m.monitor.RecordRefreshAttempt(orgID, terr)

	m.logger.Error("organisation requires reconnection", "org", orgID, "err", cause)
	return terr
}

func (m *Manager) needsRefresh(pair TokenPair) bool {
	return !m.now().Before(pair.ExpiresAt.Add(-m.window))
}

func (m *Manager) cached(orgID string) (TokenPair, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pair, ok := m.cache[orgID]
	return pair, ok
}

func (m *Manager) store(pair TokenPair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[pair.OrgID] = pair
}

func (m *Manager) drop(orgID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, orgID)
}

// isTerminal reports whether a refresh failure can only be fixed by reconnecting the org.
func isTerminal(err error) bool {
	if services.IsInvalidGrant(err) {
		return true
	}
	var apiErr *services.APIError
	if errors.As(err, &apiErr) && apiErr.Retryable() {
		return false
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid_grant") ||
		strings.Contains(msg, "expired") ||
		strings.Contains(msg, "refresh token")
}

func toRecord(p TokenPair) *vault.Record {
	return &vault.Record{
		OrgID:           p.OrgID,
		OrgName:         p.OrgName,
		InstanceURL:     p.InstanceURL,
		AccessToken:     p.AccessToken,
		RefreshToken:    p.RefreshToken,
		ExpiresAt:       p.ExpiresAt,
		LastRefreshedAt: p.LastRefreshedAt,
	}
}

func fromRecord(r *vault.Record) TokenPair {
	return TokenPair{
		OrgID:           r.OrgID,
		OrgName:         r.OrgName,
		InstanceURL:     r.InstanceURL,
		AccessToken:     r.AccessToken,
		RefreshToken:    r.RefreshToken,
		ExpiresAt:       r.ExpiresAt,
		LastRefreshedAt: r.LastRefreshedAt,
	}
}
