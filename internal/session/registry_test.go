package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/desertthunder/orgsync/internal/auth"
	"github.com/desertthunder/orgsync/internal/queue"
	"github.com/desertthunder/orgsync/internal/shared"
	tu "github.com/desertthunder/orgsync/internal/testing"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeTokens struct {
	instanceURL string
	calls       atomic.Int32
	expired     atomic.Int32
	fail        func(call int32) error
	hold        func(ctx context.Context) error
}

func (f *fakeTokens) GetValidToken(ctx context.Context, orgID string) (auth.TokenPair, error) {
	n := f.calls.Add(1)
	if f.hold != nil {
		if err := f.hold(ctx); err != nil {
			return auth.TokenPair{}, err
		}
	}
	if f.fail != nil {
		if err := f.fail(n); err != nil {
			return auth.TokenPair{}, err
		}
	}
	return auth.TokenPair{OrgID: orgID, InstanceURL: f.instanceURL, AccessToken: fmt.Sprintf("token-%d", n)}, nil
}

func (f *fakeTokens) Expire(orgID string) { f.expired.Add(1) }

func newOrgServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/services/oauth2/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, userinfoBody)
	})
	mux.HandleFunc("/services/data/v60.0/limits", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, limitsBody)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testQueueConfig() queue.Config {
	return queue.Config{MaxRequestsPerSecond: 1000, MaxConcurrent: 5, RetryAttempts: 0, RetryDelay: time.Millisecond}
}

func newTestRegistry(t *testing.T, tokens TokenSource, clock *tu.Clock, opts ...func(*RegistryOpts)) *Registry {
	t.Helper()
	o := RegistryOpts{
		Tokens:      tokens,
		Queue:       testQueueConfig(),
		IdleTimeout: 30 * time.Minute,
		Now:         clock.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	r, err := NewRegistry(o)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return r
}

func TestNewRegistry(t *testing.T) {
	if _, err := NewRegistry(RegistryOpts{Queue: testQueueConfig()}); !errors.Is(err, shared.ErrMissingConfig) {
		t.Errorf("expected missing token source error, got %v", err)
	}
	if _, err := NewRegistry(RegistryOpts{Tokens: &fakeTokens{}}); !errors.Is(err, shared.ErrInvalidConfig) {
		t.Errorf("expected invalid queue config error, got %v", err)
	}
}

func TestRegistryGetSession(t *testing.T) {
	ctx := context.Background()

	t.Run("creates once and reuses", func(t *testing.T) {
		var hits atomic.Int32
		srv := newOrgServer(t, &hits)
		tokens := &fakeTokens{instanceURL: srv.URL}
		r := newTestRegistry(t, tokens, tu.NewClock(epoch))

		s1, err := r.GetSession(ctx, " 00D1 ")
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if s1.OrgID != "00D1" || s1.ID == "" {
			t.Errorf("unexpected session %+v", s1)
		}
		if status := s1.Status(); !status.Reachable || status.OrganizationID != "00D1" {
			t.Errorf("expected reachable status, got %+v", status)
		}

		s2, err := r.GetSession(ctx, "00D1")
		if err != nil {
			t.Fatalf("second GetSession failed: %v", err)
		}
		if s1 != s2 {
			t.Error("expected the same session")
		}
		if hits.Load() != 1 {
			t.Errorf("expected one probe, got %d", hits.Load())
		}
	})

	t.Run("concurrent first access builds one session", func(t *testing.T) {
		var hits atomic.Int32
		srv := newOrgServer(t, &hits)
		r := newTestRegistry(t, &fakeTokens{instanceURL: srv.URL}, tu.NewClock(epoch))

		var wg sync.WaitGroup
		got := make([]*Session, 10)
		for i := range got {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s, err := r.GetSession(ctx, "00D1")
				if err != nil {
					t.Errorf("GetSession failed: %v", err)
				}
				got[i] = s
			}(i)
		}
		wg.Wait()

		for _, s := range got[1:] {
			if s != got[0] {
				t.Fatal("expected every caller to receive the same session")
			}
		}
		if n := len(r.Sessions()); n != 1 {
			t.Errorf("expected one session, got %d", n)
		}
	})

	t.Run("cancelled first caller does not fail other waiters", func(t *testing.T) {
		srv := newOrgServer(t, nil)
		entered := make(chan struct{})
		release := make(chan struct{})
		var once sync.Once
		tokens := &fakeTokens{instanceURL: srv.URL, hold: func(ctx context.Context) error {
			once.Do(func() { close(entered) })
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}
		r := newTestRegistry(t, tokens, tu.NewClock(epoch))

		first, cancel := context.WithCancel(ctx)
		firstDone := make(chan struct{})
		go func() {
			defer close(firstDone)
			_, _ = r.GetSession(first, "00D1")
		}()
		<-entered

		var (
			second    *Session
			secondErr error
		)
		secondDone := make(chan struct{})
		go func() {
			defer close(secondDone)
			second, secondErr = r.GetSession(ctx, "00D1")
		}()
		time.Sleep(20 * time.Millisecond)

		cancel()
		time.Sleep(20 * time.Millisecond)
		close(release)
		<-secondDone
		<-firstDone

		if secondErr != nil {
			t.Fatalf("expected the live caller to get a session, got %v", secondErr)
		}
		if !second.Status().Reachable {
			t.Errorf("expected reachable session, got %+v", second.Status())
		}
	})

	t.Run("rejected token is expired and retried once", func(t *testing.T) {
		var rejected atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("/services/oauth2/userinfo", func(w http.ResponseWriter, r *http.Request) {
			if rejected.CompareAndSwap(0, 1) {
				w.WriteHeader(http.StatusUnauthorized)
				fmt.Fprint(w, `[{"errorCode":"INVALID_SESSION_ID","message":"Session expired or invalid"}]`)
				return
			}
			fmt.Fprint(w, userinfoBody)
		})
		mux.HandleFunc("/services/data/v60.0/limits", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, limitsBody)
		})
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)

		tokens := &fakeTokens{instanceURL: srv.URL}
		r := newTestRegistry(t, tokens, tu.NewClock(epoch))

		s, err := r.GetSession(ctx, "00D1")
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if !s.Status().Reachable {
			t.Errorf("expected reachable after retry, got %+v", s.Status())
		}
		if tokens.expired.Load() != 1 {
			t.Errorf("expected one forced expiry, got %d", tokens.expired.Load())
		}
		// Session open, rejected request, retried request and the limits read.
		if tokens.calls.Load() != 4 {
			t.Errorf("expected a fresh token for the retry, got %d token calls", tokens.calls.Load())
		}
	})

	t.Run("token failure fails creation", func(t *testing.T) {
		terminal := &shared.TerminalCredentialError{OrgID: "00D1", Cause: errors.New("invalid_grant")}
		tokens := &fakeTokens{fail: func(int32) error { return terminal }}
		r := newTestRegistry(t, tokens, tu.NewClock(epoch))

		_, err := r.GetSession(ctx, "00D1")
		if !shared.IsReconnectRequired(err) {
			t.Errorf("expected reconnect required, got %v", err)
		}
		if len(r.Sessions()) != 0 {
			t.Error("failed creation must not register a session")
		}
	})

	t.Run("reconnect during probe fails creation", func(t *testing.T) {
		srv := newOrgServer(t, nil)
		terminal := &shared.TerminalCredentialError{OrgID: "00D1", Cause: errors.New("invalid_grant")}
		tokens := &fakeTokens{instanceURL: srv.URL, fail: func(n int32) error {
			if n > 1 {
				return terminal
			}
			return nil
		}}
		r := newTestRegistry(t, tokens, tu.NewClock(epoch))

		if _, err := r.GetSession(ctx, "00D1"); !shared.IsReconnectRequired(err) {
			t.Errorf("expected reconnect required, got %v", err)
		}
	})

	t.Run("unreachable org still gets a session", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `[{"errorCode":"SERVER_UNAVAILABLE","message":"down"}]`)
		}))
		t.Cleanup(srv.Close)
		r := newTestRegistry(t, &fakeTokens{instanceURL: srv.URL}, tu.NewClock(epoch))

		s, err := r.GetSession(ctx, "00D1")
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if s.Status().Reachable || s.Status().Err == nil {
			t.Errorf("expected unreachable status, got %+v", s.Status())
		}
	})

	t.Run("empty org id", func(t *testing.T) {
		r := newTestRegistry(t, &fakeTokens{}, tu.NewClock(epoch))
		if _, err := r.GetSession(ctx, "  "); !errors.Is(err, shared.ErrMissingArgument) {
			t.Errorf("expected missing argument, got %v", err)
		}
	})
}

func TestRegistryLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("sweep evicts idle sessions", func(t *testing.T) {
		srv := newOrgServer(t, nil)
		clock := tu.NewClock(epoch)
		r := newTestRegistry(t, &fakeTokens{instanceURL: srv.URL}, clock)

		for _, org := range []string{"00D1", "00D2"} {
			if _, err := r.GetSession(ctx, org); err != nil {
				t.Fatalf("GetSession failed: %v", err)
			}
		}
		clock.Advance(20 * time.Minute)
		if _, err := r.GetSession(ctx, "00D2"); err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		clock.Advance(10 * time.Minute)

		evicted := r.Sweep()
		if len(evicted) != 1 || evicted[0] != "00D1" {
			t.Errorf("expected only 00D1 evicted, got %v", evicted)
		}
		if infos := r.Sessions(); len(infos) != 1 || infos[0].OrgID != "00D2" {
			t.Errorf("unexpected sessions %+v", infos)
		}
	})

	t.Run("sweeper runs on ticks", func(t *testing.T) {
		srv := newOrgServer(t, nil)
		clock := tu.NewClock(epoch)
		ticker := tu.NewManualTicker()
		r := newTestRegistry(t, &fakeTokens{instanceURL: srv.URL}, clock, func(o *RegistryOpts) {
			o.NewTicker = func(time.Duration) auth.Ticker { return ticker }
		})

		if _, err := r.GetSession(ctx, "00D1"); err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		clock.Advance(time.Hour)

		r.StartSweeper(ctx)
		ticker.Tick()
		ticker.Tick()

		if n := len(r.Sessions()); n != 0 {
			t.Errorf("expected sweeper to evict the idle session, got %d", n)
		}
		r.Stop()
		if !ticker.Stopped() {
			t.Error("expected ticker stopped")
		}
	})

	t.Run("remove and stop", func(t *testing.T) {
		srv := newOrgServer(t, nil)
		r := newTestRegistry(t, &fakeTokens{instanceURL: srv.URL}, tu.NewClock(epoch))

		if _, err := r.GetSession(ctx, "00D1"); err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if !r.RemoveSession("00D1") {
			t.Error("expected removal")
		}
		if r.RemoveSession("00D1") {
			t.Error("second removal must report false")
		}

		if _, err := r.GetSession(ctx, "00D2"); err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		r.Stop()
		if n := len(r.Sessions()); n != 0 {
			t.Errorf("expected no sessions after Stop, got %d", n)
		}
	})
}

func TestRegistryExecute(t *testing.T) {
	srv := newOrgServer(t, nil)
	tokens := &fakeTokens{instanceURL: srv.URL}
	r := newTestRegistry(t, tokens, tu.NewClock(epoch), func(o *RegistryOpts) {
		o.Queue.MaxConcurrent = 1
	})
	ctx := context.Background()

	err := r.Execute(ctx, "00D1", func(ctx context.Context, s *Session) error {
		// Runs on the held slot; a second acquisition would deadlock with one slot.
		if _, err := s.Client.Identity(ctx); err != nil {
			return err
		}
		caps := s.Capabilities(ctx)
		if !caps.BulkAPI {
			return errors.New("expected bulk api from limits")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	s, _ := r.GetSession(ctx, "00D1")
	if stats := s.Queue.Stats(); stats.PeakInFlight != 1 {
		t.Errorf("expected a single slot in use, got %+v", stats)
	}

	wantErr := errors.New("op failed")
	if err := r.Execute(ctx, "00D1", func(context.Context, *Session) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Errorf("expected op error, got %v", err)
	}
}
