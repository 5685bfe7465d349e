package session

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/orgsync/internal/services"
	"github.com/desertthunder/orgsync/internal/shared"
)

const defaultQuotaWarningPercent = 5.0

// ConnectionStatus is the result of a reachability probe.
type ConnectionStatus struct {
	Reachable            bool          `json:"reachable"`
	Latency              time.Duration `json:"latency"`
	UserID               string        `json:"user_id,omitempty"`
	OrganizationID       string        `json:"organization_id,omitempty"`
	Username             string        `json:"username,omitempty"`
	APIRequestsMax       int           `json:"api_requests_max"`
	APIRequestsRemaining int           `json:"api_requests_remaining"`
	QuotaLow             bool          `json:"quota_low"`
	CheckedAt            time.Time     `json:"checked_at"`
	Err                  error         `json:"-"`
}

// QuotaPercent returns the remaining share of the daily API quota, or -1 when unknown.
func (s ConnectionStatus) QuotaPercent() float64 {
	if s.APIRequestsMax <= 0 {
		return -1
	}
	return float64(s.APIRequestsRemaining) / float64(s.APIRequestsMax) * 100
}

// Capabilities are the org features that change how a migration must run.
type Capabilities struct {
	ToolingAPI       bool      `json:"tooling_api"`
	BulkAPI          bool      `json:"bulk_api"`
	IsSandbox        bool      `json:"is_sandbox"`
	OrganizationType string    `json:"organization_type,omitempty"`
	MultiCurrency    bool      `json:"multi_currency"`
	PersonAccounts   bool      `json:"person_accounts"`
	DetectedAt       time.Time `json:"detected_at"`
}

// Pinger is the part of an org connection a reachability probe uses. [services.Client]
// implements it.
type Pinger interface {
	Identity(ctx context.Context) (*services.Identity, error)
	Limits(ctx context.Context) (services.Limits, error)
}

// Prober checks reachability, remaining quota and feature flags of a connected org.
type Prober struct {
	logger       *log.Logger
	quotaWarning float64
	now          func() time.Time
}

// NewProber creates a prober that warns when less than quotaWarningPercent of the daily API
// quota remains (5% when zero).
func NewProber(logger *log.Logger, quotaWarningPercent float64) *Prober {
	if logger == nil {
		logger = shared.NewDiscardLogger()
	}
	if quotaWarningPercent <= 0 {
		quotaWarningPercent = defaultQuotaWarningPercent
	}
	return &Prober{
		logger:       shared.WithLogger(logger, "component", "prober"),
		quotaWarning: quotaWarningPercent,
		now:          time.Now,
	}
}

// Probe calls the identity endpoint, then reads the API quota. Only the identity call decides
// reachability.
func (p *Prober) Probe(ctx context.Context, conn Pinger) ConnectionStatus {
	start := p.now()
	status := ConnectionStatus{CheckedAt: start}

	id, err := conn.Identity(ctx)
	status.Latency = p.now().Sub(start)
	if err != nil {
		status.Err = err
		p.logger.Warn("org unreachable", "err", err)
		return status
	}
	status.Reachable = true
	status.UserID = id.UserID
	status.OrganizationID = id.OrganizationID
	status.Username = id.Username

	limits, err := conn.Limits(ctx)
	if err != nil {
		p.logger.Warn("failed to read API limits", "org", status.OrganizationID, "err", err)
		return status
	}
	daily := limits["DailyApiRequests"]
	status.APIRequestsMax = daily.Max
	status.APIRequestsRemaining = daily.Remaining

	if pct := status.QuotaPercent(); pct >= 0 && pct < p.quotaWarning {
		status.QuotaLow = true
		p.logger.Warn("API quota running low",
			"org", status.OrganizationID, "remaining", daily.Remaining, "max", daily.Max, "percent", pct)
	}
	return status
}

// DetectCapabilities probes each feature independently; a failed probe means the feature is
// absent or not visible to the connected user.
func (p *Prober) DetectCapabilities(ctx context.Context, conn services.Connection) Capabilities {
	caps := Capabilities{DetectedAt: p.now()}

	if _, err := services.ToolingQuery(ctx, conn, "SELECT Id FROM ApexClass LIMIT 1"); err == nil {
		caps.ToolingAPI = true
	}

	if res, err := conn.Query(ctx, "SELECT Id, IsSandbox, OrganizationType FROM Organization LIMIT 1"); err == nil {
		if org, ok := res.First(); ok {
			caps.IsSandbox = org.Get("IsSandbox").Bool()
			caps.OrganizationType = org.Get("OrganizationType").String()
		}
	} else {
		p.logger.Debug("organization query failed", "err", err)
	}

	if res, err := conn.Request(ctx, http.MethodGet, "/limits", nil); err == nil {
		_, caps.BulkAPI = services.ParseLimits(res)["DailyBulkApiBatches"]
	}

	// CurrencyType is only queryable when multiple currencies are enabled.
	if _, err := conn.Query(ctx, "SELECT IsoCode FROM CurrencyType LIMIT 1"); err == nil {
		caps.MultiCurrency = true
	}

	// IsPersonType only exists once person accounts are enabled.
	if _, err := conn.Query(ctx, "SELECT Id FROM RecordType WHERE SobjectType = 'Account' AND IsPersonType = true LIMIT 1"); err == nil {
		caps.PersonAccounts = true
	}

	return caps
}
