package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/desertthunder/orgsync/internal/services"
	"github.com/desertthunder/orgsync/internal/shared"
	tu "github.com/desertthunder/orgsync/internal/testing"
	"github.com/desertthunder/orgsync/internal/vault"
)

var epoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type managerFixture struct {
	manager   *Manager
	vault     *tu.MemoryVault
	refresher *tu.FakeRefresher
	clock     *tu.Clock

	mu     sync.Mutex
	delays []time.Duration
}

func newManagerFixture(t *testing.T, records ...vault.Record) *managerFixture {
	t.Helper()
	f := &managerFixture{
		vault:     tu.NewMemoryVault(records...),
		refresher: &tu.FakeRefresher{},
		clock:     tu.NewClock(epoch),
	}
	m, err := NewManager(ManagerOpts{
		Vault:     f.vault,
		Refresher: f.refresher,
		Monitor:   NewMonitor(MonitorOpts{Now: f.clock.Now}),
		Now:       f.clock.Now,
		Wait: func(ctx context.Context, d time.Duration) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.delays = append(f.delays, d)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	f.manager = m
	return f
}

func record(orgID string, expiresAt time.Time) vault.Record {
	return vault.Record{
		OrgID:        orgID,
		InstanceURL:  "https://" + orgID + ".my.salesforce.com",
		AccessToken:  "stale-" + orgID,
		RefreshToken: "refresh-" + orgID,
		ExpiresAt:    expiresAt,
	}
}

func invalidGrant() error {
	return &services.APIError{Method: http.MethodPost, Path: "/services/oauth2/token", StatusCode: 400, Code: "INVALID_GRANT", Message: "expired access/refresh token"}
}

func unavailable() error {
	return &services.APIError{Method: http.MethodPost, Path: "/services/oauth2/token", StatusCode: 503, Message: "Service Unavailable"}
}

func TestNewManager(t *testing.T) {
	if _, err := NewManager(ManagerOpts{Refresher: &tu.FakeRefresher{}}); !errors.Is(err, shared.ErrMissingConfig) {
		t.Errorf("expected ErrMissingConfig without vault, got %v", err)
	}
	if _, err := NewManager(ManagerOpts{Vault: tu.NewMemoryVault()}); !errors.Is(err, shared.ErrMissingConfig) {
		t.Errorf("expected ErrMissingConfig without refresher, got %v", err)
	}
}

func TestGetValidToken(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh credential is loaded once and not refreshed", func(t *testing.T) {
		f := newManagerFixture(t, record("00D1", epoch.Add(time.Hour)))

		for range 3 {
			pair, err := f.manager.GetValidToken(ctx, "00D1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if pair.AccessToken != "stale-00D1" {
				t.Errorf("expected stored token, got %s", pair.AccessToken)
			}
		}
		if f.vault.Loads.Load() != 1 {
			t.Errorf("expected a single vault load, got %d", f.vault.Loads.Load())
		}
		if f.refresher.Calls.Load() != 0 {
			t.Errorf("expected no refresh, got %d", f.refresher.Calls.Load())
		}
	})

	t.Run("token inside the refresh window is refreshed once per burst", func(t *testing.T) {
		f := newManagerFixture(t, record("00D1", epoch.Add(4*time.Minute)))

		for range 5 {
			pair, err := f.manager.GetValidToken(ctx, "00D1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if pair.AccessToken != "access-1" {
				t.Errorf("expected refreshed token, got %s", pair.AccessToken)
			}
			if !pair.ExpiresAt.Equal(epoch.Add(2 * time.Hour)) {
				t.Errorf("expected two hour expiry, got %v", pair.ExpiresAt)
			}
		}
		if f.refresher.Calls.Load() != 1 {
			t.Errorf("expected exactly one refresh, got %d", f.refresher.Calls.Load())
		}

		stored, _ := f.vault.Load(ctx, "00D1")
		if stored.AccessToken != "access-1" || !stored.LastRefreshedAt.Equal(epoch) {
			t.Errorf("expected refreshed token mirrored to vault, got %+v", stored)
		}
	})

	t.Run("window boundary", func(t *testing.T) {
		f := newManagerFixture(t, record("00D1", epoch.Add(5*time.Minute+time.Second)))
		if _, err := f.manager.GetValidToken(ctx, "00D1"); err != nil {
			t.Fatal(err)
		}
		if f.refresher.Calls.Load() != 0 {
			t.Fatalf("token outside the window must not refresh")
		}

		f.clock.Advance(time.Second)
		if _, err := f.manager.GetValidToken(ctx, "00D1"); err != nil {
			t.Fatal(err)
		}
		if f.refresher.Calls.Load() != 1 {
			t.Errorf("token at expiry minus five minutes must refresh, got %d calls", f.refresher.Calls.Load())
		}
	})

	t.Run("concurrent callers share a single refresh", func(t *testing.T) {
		f := newManagerFixture(t, record("00D1", epoch.Add(time.Minute)))
		release := make(chan struct{})
		started := make(chan struct{}, 1)
		f.refresher.Fn = func(ctx context.Context, rt string) (*services.TokenResponse, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return &services.TokenResponse{AccessToken: "shared", RefreshToken: rt}, nil
		}

		const callers = 20
		var wg sync.WaitGroup
		results := make(chan string, callers)
		errs := make(chan error, callers)
		for range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pair, err := f.manager.GetValidToken(ctx, "00D1")
				if err != nil {
					errs <- err
					return
				}
				results <- pair.AccessToken
			}()
		}

		<-started
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()
		close(results)
		close(errs)

		for err := range errs {
			t.Errorf("unexpected error: %v", err)
		}
		for tok := range results {
			if tok != "shared" {
				t.Errorf("expected shared token, got %s", tok)
			}
		}
		if f.refresher.Calls.Load() != 1 {
			t.Errorf("expected exactly one provider refresh, got %d", f.refresher.Calls.Load())
		}
	})

	t.Run("invalid grant clears the credential without retry", func(t *testing.T) {
		f := newManagerFixture(t, record("00D1", epoch.Add(time.Minute)))
		f.refresher.Fn = func(context.Context, string) (*services.TokenResponse, error) {
			return nil, invalidGrant()
		}

		_, err := f.manager.GetValidToken(ctx, "00D1")
		if !shared.IsReconnectRequired(err) {
			t.Fatalf("expected reconnect required, got %v", err)
		}
		var terr *shared.TerminalCredentialError
		if !errors.As(err, &terr) || terr.OrgID != "00D1" {
			t.Errorf("expected TerminalCredentialError for 00D1, got %v", err)
		}
		if f.refresher.Calls.Load() != 1 {
			t.Errorf("terminal failure must not retry, got %d calls", f.refresher.Calls.Load())
		}
		if f.vault.Has("00D1") {
			t.Error("expected vault record to be cleared")
		}
		if len(f.manager.CachedOrgs()) != 0 {
			t.Errorf("expected cache entry dropped, got %v", f.manager.CachedOrgs())
		}

		rec, ok := f.manager.Monitor().Record("00D1")
		if !ok || !rec.RequiresReconnect {
			t.Errorf("expected requiresReconnect in health record, got %+v", rec)
		}

		if _, err := f.manager.GetValidToken(ctx, "00D1"); !errors.Is(err, shared.ErrOrgNotConnected) {
			t.Errorf("expected not connected on next call, got %v", err)
		}
	})

	t.Run("transient failures retry with backoff then surface", func(t *testing.T) {
		f := newManagerFixture(t, record("00D1", epoch.Add(time.Minute)))
		f.refresher.Fn = func(context.Context, string) (*services.TokenResponse, error) {
			return nil, unavailable()
		}

		_, err := f.manager.GetValidToken(ctx, "00D1")
		var transient *shared.TransientProviderError
		if !errors.As(err, &transient) || transient.Attempts != 4 {
			t.Fatalf("expected TransientProviderError after 4 attempts, got %v", err)
		}
		if shared.IsReconnectRequired(err) {
			t.Error("transient failure must not require reconnection")
		}
		if f.refresher.Calls.Load() != 4 {
			t.Errorf("expected 4 attempts, got %d", f.refresher.Calls.Load())
		}

		want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
		if len(f.delays) != len(want) {
			t.Fatalf("expected delays %v, got %v", want, f.delays)
		}
		for i := range want {
			if f.delays[i] != want[i] {
				t.Errorf("delay %d: expected %v, got %v", i, want[i], f.delays[i])
			}
		}

		if len(f.manager.CachedOrgs()) != 1 || !f.vault.Has("00D1") {
			t.Error("stale credential must stay cached after transient failure")
		}
		rec, _ := f.manager.Monitor().Record("00D1")
		if rec.ConsecutiveFailures != 4 || rec.Status() != StatusCritical {
			t.Errorf("expected critical record with 4 failures, got %+v", rec)
		}
	})

	t.Run("recovers after transient failure", func(t *testing.T) {
		f := newManagerFixture(t, record("00D1", epoch.Add(time.Minute)))
		f.refresher.Fn = func(ctx context.Context, rt string) (*services.TokenResponse, error) {
			if f.refresher.Calls.Load() < 3 {
				return nil, unavailable()
			}
			return &services.TokenResponse{AccessToken: "recovered", RefreshToken: "rotated", InstanceURL: "https://moved.my.salesforce.com/"}, nil
		}

		pair, err := f.manager.GetValidToken(ctx, "00D1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if pair.AccessToken != "recovered" || pair.RefreshToken != "rotated" || pair.InstanceURL != "https://moved.my.salesforce.com" {
			t.Errorf("unexpected pair %+v", pair)
		}
		rec, _ := f.manager.Monitor().Record("00D1")
		if rec.Status() != StatusHealthy || rec.ConsecutiveFailures != 0 {
			t.Errorf("expected healthy after success, got %+v", rec)
		}
	})

	t.Run("unknown org requires reconnection", func(t *testing.T) {
		f := newManagerFixture(t)
		_, err := f.manager.GetValidToken(ctx, "00Dnope")
		if !shared.IsReconnectRequired(err) || !errors.Is(err, shared.ErrOrgNotConnected) {
			t.Errorf("expected reconnect required and not connected, got %v", err)
		}
	})

	t.Run("missing refresh token is terminal", func(t *testing.T) {
		rec := record("00D1", epoch.Add(time.Minute))
		rec.RefreshToken = ""
		f := newManagerFixture(t, rec)

		_, err := f.manager.GetValidToken(ctx, "00D1")
		if !errors.Is(err, shared.ErrNoRefreshToken) || !shared.IsReconnectRequired(err) {
			t.Errorf("expected terminal no-refresh-token error, got %v", err)
		}
		if f.refresher.Calls.Load() != 0 {
			t.Error("refresher must not be called without a refresh token")
		}
	})

	t.Run("empty org id", func(t *testing.T) {
		f := newManagerFixture(t)
		if _, err := f.manager.GetValidToken(ctx, "  "); !errors.Is(err, shared.ErrMissingArgument) {
			t.Errorf("expected ErrMissingArgument, got %v", err)
		}
	})
}

func TestConnectDisconnect(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)

	if _, err := f.manager.Connect(ctx, Credential{OrgID: "00D1"}); !errors.Is(err, shared.ErrMissingArgument) {
		t.Errorf("expected ErrMissingArgument, got %v", err)
	}

	f.manager.Monitor().RecordRefreshAttempt("00D1", &shared.TerminalCredentialError{OrgID: "00D1", Cause: errors.New("invalid_grant")})

	pair, err := f.manager.Connect(ctx, Credential{
		OrgID:        " 00D1 ",
		OrgName:      "Production",
		InstanceURL:  "https://acme.my.salesforce.com/",
		AccessToken:  "a",
		RefreshToken: "r",
	})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if pair.OrgID != "00D1" || pair.InstanceURL != "https://acme.my.salesforce.com" {
		t.Errorf("unexpected pair %+v", pair)
	}
	if !pair.ExpiresAt.Equal(epoch.Add(2 * time.Hour)) {
		t.Errorf("expected default lifetime, got %v", pair.ExpiresAt)
	}
	if !f.vault.Has("00D1") {
		t.Error("expected credential in vault")
	}
	rec, _ := f.manager.Monitor().Record("00D1")
	if rec.RequiresReconnect || rec.OrgName != "Production" {
		t.Errorf("expected health cleared and named, got %+v", rec)
	}

	got, err := f.manager.GetValidToken(ctx, "00D1")
	if err != nil || got.AccessToken != "a" {
		t.Errorf("expected connected token, got %+v, %v", got, err)
	}

	if err := f.manager.Disconnect(ctx, "00D1"); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if f.vault.Has("00D1") || len(f.manager.CachedOrgs()) != 0 {
		t.Error("expected credential removed everywhere")
	}
}

func TestExpire(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, record("00D1", epoch.Add(time.Hour)))

	if _, err := f.manager.GetValidToken(ctx, "00D1"); err != nil {
		t.Fatal(err)
	}
	f.manager.Expire("00D1")
	pair, err := f.manager.GetValidToken(ctx, "00D1")
	if err != nil {
		t.Fatal(err)
	}
	if f.refresher.Calls.Load() != 1 || pair.AccessToken != "access-1" {
		t.Errorf("expected forced refresh, got %d calls and token %s", f.refresher.Calls.Load(), pair.AccessToken)
	}
}

func TestRefreshExpiry(t *testing.T) {
	tt := []struct {
		name   string
		expiry time.Time
		want   time.Time
	}{
		{name: "configured lifetime when unreported", want: epoch.Add(2 * time.Hour)},
		{name: "server expiry when reported", expiry: epoch.Add(45 * time.Minute), want: epoch.Add(45 * time.Minute)},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			f := newManagerFixture(t, record("00D1", epoch))
			f.refresher.Fn = func(ctx context.Context, refreshToken string) (*services.TokenResponse, error) {
				return &services.TokenResponse{AccessToken: "fresh", RefreshToken: refreshToken, Expiry: tc.expiry}, nil
			}

			pair, err := f.manager.GetValidToken(context.Background(), "00D1")
			if err != nil {
				t.Fatal(err)
			}
			if !pair.ExpiresAt.Equal(tc.want) {
				t.Errorf("expected expiry %v, got %v", tc.want, pair.ExpiresAt)
			}
		})
	}
}

func TestAccessToken(t *testing.T) {
	f := newManagerFixture(t, record("00D1", epoch.Add(time.Hour)))
	tok, err := f.manager.AccessToken("00D1")(context.Background())
	if err != nil || tok != "stale-00D1" {
		t.Errorf("expected stored access token, got %q, %v", tok, err)
	}
}

func TestIsTerminal(t *testing.T) {
	tt := []struct {
		name string
		err  error
		want bool
	}{
		{name: "invalid grant code", err: invalidGrant(), want: true},
		{name: "invalid grant message", err: errors.New("oauth2: invalid_grant"), want: true},
		{name: "expired message", err: errors.New("token expired"), want: true},
		{name: "refresh token message", err: errors.New("bad refresh token"), want: true},
		{name: "service unavailable", err: unavailable(), want: false},
		{name: "network", err: &services.APIError{Code: "NETWORK_ERROR", Err: errors.New("connection reset")}, want: false},
		{name: "unrelated", err: errors.New("i/o timeout"), want: false},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			if got := isTerminal(tc.err); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
