// package testing contains shared testing utilities
package testing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/desertthunder/orgsync/internal/services"
	"github.com/desertthunder/orgsync/internal/vault"
)

// QueryBody builds a query response body from raw JSON records.
func QueryBody(records ...string) string {
	return fmt.Sprintf(`{"totalSize":%d,"done":true,"records":[%s]}`, len(records), strings.Join(records, ","))
}

type cannedResponse struct {
	match string
	body  string
	err   error
}

// FakeConnection is a test double for [services.Connection].
//
// Responses are matched by substring against the SOQL (for Query) or "METHOD path" with the
// query string unescaped (for Request). Registration order decides ties. Unmatched calls fail.
type FakeConnection struct {
	mu        sync.Mutex
	responses []cannedResponse
	calls     []string
}

func NewFakeConnection() *FakeConnection {
	return &FakeConnection{}
}

// On answers calls containing match with body.
func (f *FakeConnection) On(match, body string) *FakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, cannedResponse{match: match, body: body})
	return f
}

// Fail answers calls containing match with err.
func (f *FakeConnection) Fail(match string, err error) *FakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, cannedResponse{match: match, err: err})
	return f
}

func (f *FakeConnection) Query(ctx context.Context, soql string) (*services.QueryResult, error) {
	body, err := f.respond(soql)
	if err != nil {
		return nil, err
	}
	qr := services.ParseQueryResult(gjson.Parse(body))
	qr.Done = true
	return qr, nil
}

func (f *FakeConnection) Request(ctx context.Context, method, path string, body any) (gjson.Result, error) {
	if unescaped, err := url.QueryUnescape(path); err == nil {
		path = unescaped
	}
	resp, err := f.respond(method + " " + path)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.Parse(resp), nil
}

// Identity answers through the "GET /services/oauth2/userinfo" route.
func (f *FakeConnection) Identity(ctx context.Context) (*services.Identity, error) {
	res, err := f.Request(ctx, http.MethodGet, "/services/oauth2/userinfo", nil)
	if err != nil {
		return nil, err
	}
	return services.ParseIdentity(res), nil
}

// Limits answers through the "GET /limits" route.
func (f *FakeConnection) Limits(ctx context.Context) (services.Limits, error) {
	res, err := f.Request(ctx, http.MethodGet, "/limits", nil)
	if err != nil {
		return nil, err
	}
	return services.ParseLimits(res), nil
}

func (f *FakeConnection) respond(call string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, call)
	for _, r := range f.responses {
		if strings.Contains(call, r.match) {
			return r.body, r.err
		}
	}
	return "", fmt.Errorf("no canned response for %q", call)
}

// Calls returns every recorded call.
func (f *FakeConnection) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns the number of recorded calls containing match.
func (f *FakeConnection) Count(match string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c, match) {
			n++
		}
	}
	return n
}

// MemoryVault is an in-memory [vault.Vault] that counts operations.
type MemoryVault struct {
	mu      sync.Mutex
	records map[string]vault.Record

	Loads  atomic.Int32
	Saves  atomic.Int32
	Clears atomic.Int32
}

func NewMemoryVault(records ...vault.Record) *MemoryVault {
	v := &MemoryVault{records: make(map[string]vault.Record)}
	for _, r := range records {
		v.records[r.OrgID] = r
	}
	return v
}

func (v *MemoryVault) Load(ctx context.Context, orgID string) (*vault.Record, error) {
	v.Loads.Add(1)
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.records[orgID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (v *MemoryVault) Save(ctx context.Context, rec *vault.Record) error {
	v.Saves.Add(1)
	v.mu.Lock()
	defer v.mu.Unlock()
	v.records[rec.OrgID] = *rec
	return nil
}

func (v *MemoryVault) Clear(ctx context.Context, orgID string) error {
	v.Clears.Add(1)
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.records, orgID)
	return nil
}

// Has reports whether a record is stored for orgID.
func (v *MemoryVault) Has(orgID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.records[orgID]
	return ok
}

// FakeRefresher is a [services.Refresher] driven by a function. Calls are counted.
type FakeRefresher struct {
	Fn    func(ctx context.Context, refreshToken string) (*services.TokenResponse, error)
	Calls atomic.Int32
}

func (f *FakeRefresher) Refresh(ctx context.Context, refreshToken string) (*services.TokenResponse, error) {
	n := f.Calls.Add(1)
	if f.Fn == nil {
		return &services.TokenResponse{AccessToken: fmt.Sprintf("access-%d", n), RefreshToken: refreshToken}, nil
	}
	return f.Fn(ctx, refreshToken)
}

// ManualTicker is a ticker advanced by the test.
type ManualTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func NewManualTicker() *ManualTicker {
	return &ManualTicker{ch: make(chan time.Time)}
}

func (t *ManualTicker) C() <-chan time.Time { return t.ch }
func (t *ManualTicker) Stop() { t.stopped.Store(true) }

// Tick delivers one tick, blocking until the consumer receives it.
func (t *ManualTicker) Tick() { t.ch <- time.Now() }

// Stopped reports whether Stop was called.
func (t *ManualTicker) Stopped() bool { return t.stopped.Load() }

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// FWriter always returns an error on Write
type FWriter struct{}

func (f *FWriter) Write(p []byte) (n int, err error) {
	return 0, errors.New("write failed")
}

// LimitedWriter fails after a certain number of writes
type LimitedWriter struct {
	maxWrites int
	written   int
	target    io.Writer
}

func (l *LimitedWriter) Write(p []byte) (n int, err error) {
	if l.written >= l.maxWrites {
		return 0, errors.New("write limit exceeded")
	}
	l.written++
	return l.target.Write(p)
}

func NewLimitedWriter(maxWrites, written int, target io.Writer) LimitedWriter {
	return LimitedWriter{maxWrites: maxWrites, written: written, target: target}
}

func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("File does not exist: %s", path)
	}
}

func MustReadFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(content)
}

func MustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write file %s: %v", path, err)
	}
}
