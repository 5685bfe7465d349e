package auth

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/desertthunder/orgsync/internal/shared"
	"github.com/desertthunder/orgsync/internal/vault"
)

// CriticalFailureThreshold is the number of consecutive refresh failures that raises a
// critical alert.
const CriticalFailureThreshold = 3

// HealthStatus summarises a [HealthRecord].
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusCritical  HealthStatus = "critical"
	StatusReconnect HealthStatus = "reconnect_required"
)

// HealthRecord is the refresh history of one org.
type HealthRecord struct {
	OrgID                 string    `json:"org_id"`
	OrgName               string    `json:"org_name,omitempty"`
	LastRefreshAttempt    time.Time `json:"last_refresh_attempt"`
	LastSuccessfulRefresh time.Time `json:"last_successful_refresh,omitzero"`
	ConsecutiveFailures   int       `json:"consecutive_failures"`
	RequiresReconnect     bool      `json:"requires_reconnect"`
	LastError             string    `json:"last_error,omitempty"`
}

// Status derives the org's health from its record.
func (r HealthRecord) Status() HealthStatus {
	switch {
	case r.RequiresReconnect:
		return StatusReconnect
	case r.ConsecutiveFailures >= CriticalFailureThreshold:
		return StatusCritical
	case r.ConsecutiveFailures > 0:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// HealthReport aggregates every tracked org.
type HealthReport struct {
	GeneratedAt       time.Time      `json:"generated_at"`
	Total             int            `json:"total"`
	Healthy           int            `json:"healthy"`
	Degraded          int            `json:"degraded"`
	Critical          int            `json:"critical"`
	RequiresReconnect int            `json:"requires_reconnect"`
	Orgs              []HealthRecord `json:"orgs"`
}

// Alert is raised when an org turns critical or needs reconnection.
type Alert struct {
	OrgID     string
	OrgName   string
	Status    HealthStatus
	Failures  int
	LastError string
	At        time.Time
}

// Alerter delivers alerts. The monitor calls it synchronously, so implementations must not block.
type Alerter interface {
	Alert(a Alert)
}

// LogAlerter writes alerts to a logger at error level.
type LogAlerter struct {
	Logger *log.Logger
}

func (a LogAlerter) Alert(al Alert) {
	a.Logger.Error("token health alert",
		"org", al.OrgID, "name", al.OrgName, "status", al.Status, "failures", al.Failures, "err", al.LastError)
}

// EventSink persists refresh outcomes. [vault.HealthLog] implements it.
type EventSink interface {
	Append(ctx context.Context, ev vault.HealthEvent) error
}

// MonitorOpts configures a [Monitor]. Every field is optional.
type MonitorOpts struct {
	Alerter    Alerter
	Sink       EventSink
	Logger     *log.Logger
	Registerer prometheus.Registerer
	Now        func() time.Time
}

// Monitor records refresh outcomes per org and raises alerts. It never acts on credentials.
type Monitor struct {
	mu      sync.RWMutex
	records map[string]*HealthRecord
	alerter Alerter
	sink    EventSink
	logger  *log.Logger
	now     func() time.Time

	attempts *prometheus.CounterVec
}

// NewMonitor creates a monitor.
func NewMonitor(opts MonitorOpts) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = shared.NewDiscardLogger()
	}
	logger = shared.WithLogger(logger, "component", "health")

	m := &Monitor{
		records: make(map[string]*HealthRecord),
		alerter: opts.Alerter,
		sink:    opts.Sink,
		logger:  logger,
		now:     opts.Now,
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orgsync",
			Subsystem: "tokens",
			Name:      "refresh_attempts_total",
			Help:      "Token refresh attempts by outcome (success, transient, terminal).",
		}, []string{"outcome"}),
	}
	if m.alerter == nil {
		m.alerter = LogAlerter{Logger: logger}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(m.attempts)
	}
	return m
}

// RecordRefreshAttempt records one refresh outcome; a nil err is a success.
//
// A [shared.TerminalCredentialError] marks the org as requiring reconnection regardless of the
// failure count.
func (m *Monitor) RecordRefreshAttempt(orgID string, err error) {
	now := m.now()

	m.mu.Lock()
	rec, ok := m.records[orgID]
	if !ok {
		rec = &HealthRecord{OrgID: orgID}
		m.records[orgID] = rec
	}
	prev := rec.Status()

	terminal := err != nil && shared.IsReconnectRequired(err)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	rec.apply(now, err == nil, terminal, msg)
	snapshot := *rec
	m.mu.Unlock()

	outcome := "success"
	switch {
	case terminal:
		outcome = "terminal"
	case err != nil:
		outcome = "transient"
	}
	m.attempts.WithLabelValues(outcome).Inc()

	if m.sink != nil {
		ev := vault.HealthEvent{OrgID: orgID, Success: err == nil, Terminal: terminal, Error: snapshot.LastError, OccurredAt: now}
		if serr := m.sink.Append(context.Background(), ev); serr != nil {
			m.logger.Warn("failed to persist health event", "org", orgID, "err", serr)
		}
	}

	status := snapshot.Status()
	if status != prev && (status == StatusCritical || status == StatusReconnect) {
		m.alerter.Alert(Alert{
			OrgID:     orgID,
			OrgName:   snapshot.OrgName,
			Status:    status,
			Failures:  snapshot.ConsecutiveFailures,
			LastError: snapshot.LastError,
			At:        now,
		})
	}
}

func (r *HealthRecord) apply(at time.Time, success, terminal bool, msg string) {
	r.LastRefreshAttempt = at
	if success {
		r.LastSuccessfulRefresh = at
		r.ConsecutiveFailures = 0
		r.RequiresReconnect = false
		r.LastError = ""
		return
	}
	r.ConsecutiveFailures++
	r.LastError = msg
	if terminal {
		r.RequiresReconnect = true
	}
}

// Restore rebuilds records from persisted events, oldest first. It raises no alerts and writes
// nothing to the sink.
func (m *Monitor) Restore(events []vault.HealthEvent) {
	events = slices.Clone(events)
	slices.SortStableFunc(events, func(a, b vault.HealthEvent) int { return a.OccurredAt.Compare(b.OccurredAt) })

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		rec, ok := m.records[ev.OrgID]
		if !ok {
			rec = &HealthRecord{OrgID: ev.OrgID}
			m.records[ev.OrgID] = rec
		}
		rec.apply(ev.OccurredAt, ev.Success, ev.Terminal, ev.Error)
	}
}

// SetOrgName attaches a display name to an org's record.
func (m *Monitor) SetOrgName(orgID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[orgID]
	if !ok {
		rec = &HealthRecord{OrgID: orgID}
		m.records[orgID] = rec
	}
	rec.OrgName = name
}

// Record returns a copy of the org's record.
func (m *Monitor) Record(orgID string) (HealthRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[orgID]
	if !ok {
		return HealthRecord{}, false
	}
	return *rec, true
}

// UnhealthyOrgs returns every org with failures or a pending reconnection, ordered by org ID.
func (m *Monitor) UnhealthyOrgs() []HealthRecord {
	var out []HealthRecord
	for _, rec := range m.snapshot() {
		if rec.Status() != StatusHealthy {
			out = append(out, rec)
		}
	}
	return out
}

// GenerateHealthReport aggregates the state of every tracked org.
func (m *Monitor) GenerateHealthReport() HealthReport {
	report := HealthReport{GeneratedAt: m.now(), Orgs: m.snapshot()}
	report.Total = len(report.Orgs)

	for _, rec := range report.Orgs {
		switch rec.Status() {
		case StatusHealthy:
			report.Healthy++
		case StatusDegraded:
			report.Degraded++
		case StatusCritical:
			report.Critical++
		case StatusReconnect:
			report.RequiresReconnect++
		}
	}
	return report
}

// Clear forgets an org, e.g. after it has been reconnected.
func (m *Monitor) Clear(orgID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, orgID)
}

func (m *Monitor) snapshot() []HealthRecord {
	m.mu.RLock()
	out := make([]HealthRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b HealthRecord) int { return strings.Compare(a.OrgID, b.OrgID) })
	return out
}
