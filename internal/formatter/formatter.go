// package formatter renders health reports, validation results, external id mappings and
// session status for the terminal (lipgloss styled text), as JSON or as CSV.
package formatter

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/desertthunder/orgsync/internal/auth"
	"github.com/desertthunder/orgsync/internal/etl"
	"github.com/desertthunder/orgsync/internal/externalid"
	"github.com/desertthunder/orgsync/internal/session"
	"github.com/desertthunder/orgsync/internal/shared"
)

// ToJSON marshals v with two-space indentation.
func ToJSON(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return append(data, '\n'), nil
}

func statusStyle(s auth.HealthStatus) string {
	label := strings.ToUpper(string(s))
	switch s {
	case auth.StatusHealthy:
		return styles.ok.Render(label)
	case auth.StatusDegraded:
		return styles.warn.Render(label)
	default:
		return styles.err.Render(label)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}

// HealthReport renders the token health summary followed by one block per org.
func HealthReport(report auth.HealthReport) string {
	var buf strings.Builder

	buf.WriteString(styles.title.Render("Token health") + "\n")
	fmt.Fprintf(&buf, "%d orgs: %s healthy, %s degraded, %s critical, %s need reconnection\n",
		report.Total,
		styles.ok.Render(strconv.Itoa(report.Healthy)),
		styles.warn.Render(strconv.Itoa(report.Degraded)),
		styles.err.Render(strconv.Itoa(report.Critical)),
		styles.err.Render(strconv.Itoa(report.RequiresReconnect)))
	buf.WriteString(styles.muted.Render("generated "+formatTime(report.GeneratedAt)) + "\n")

	for _, rec := range report.Orgs {
		name := rec.OrgID
		if rec.OrgName != "" {
			name = fmt.Sprintf("%s (%s)", rec.OrgName, rec.OrgID)
		}
		fmt.Fprintf(&buf, "\n%s %s\n", statusStyle(rec.Status()), name)
		fmt.Fprintf(&buf, "  last attempt:  %s\n", formatTime(rec.LastRefreshAttempt))
		fmt.Fprintf(&buf, "  last success:  %s\n", formatTime(rec.LastSuccessfulRefresh))
		if rec.ConsecutiveFailures > 0 {
			fmt.Fprintf(&buf, "  failures:      %d\n", rec.ConsecutiveFailures)
		}
		if rec.LastError != "" {
			fmt.Fprintf(&buf, "  last error:    %s\n", styles.err.Render(rec.LastError))
		}
		if rec.RequiresReconnect {
			buf.WriteString("  " + styles.warn.Render("run `orgsync org connect --org "+rec.OrgID+"` with a new token pair") + "\n")
		}
	}
	return buf.String()
}

// HealthReportCSV converts the report to CSV with columns: OrgID, OrgName, Status,
// LastRefreshAttempt, LastSuccessfulRefresh, ConsecutiveFailures, RequiresReconnect, LastError
func HealthReportCSV(report auth.HealthReport) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	headers := []string{"OrgID", "OrgName", "Status", "LastRefreshAttempt", "LastSuccessfulRefresh", "ConsecutiveFailures", "RequiresReconnect", "LastError"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, rec := range report.Orgs {
		record := []string{
			rec.OrgID,
			rec.OrgName,
			string(rec.Status()),
			csvTime(rec.LastRefreshAttempt),
			csvTime(rec.LastSuccessfulRefresh),
			strconv.Itoa(rec.ConsecutiveFailures),
			strconv.FormatBool(rec.RequiresReconnect),
			rec.LastError,
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

func csvTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// WriteHealthCSV writes the report as CSV to path.
func WriteHealthCSV(report auth.HealthReport, path string) error {
	data, err := HealthReportCSV(report)
	if err != nil {
		return fmt.Errorf("failed to generate CSV: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write CSV file: %w", err)
	}
	return nil
}

// ValidationResult renders one step's checks grouped by outcome.
func ValidationResult(res etl.ValidationResult) string {
	var buf strings.Builder

	verdict := styles.ok.Render("PASS")
	if !res.IsValid {
		verdict = styles.err.Render("BLOCKED")
	}
	fmt.Fprintf(&buf, "%s %s %s\n", verdict, styles.label.Render(res.Step),
		styles.muted.Render(fmt.Sprintf("(%d passed, %d errors, %d warnings, %d info)",
			len(res.Passed), len(res.Errors), len(res.Warnings), len(res.Info))))

	writeFailures(&buf, "✗", styles.err.Render, res.Errors)
	writeFailures(&buf, "!", styles.warn.Render, res.Warnings)
	writeFailures(&buf, "i", styles.muted.Render, res.Info)
	for _, name := range res.Passed {
		fmt.Fprintf(&buf, "  %s %s\n", styles.ok.Render("✓"), name)
	}
	return buf.String()
}

func writeFailures(buf *strings.Builder, mark string, render func(...string) string, failures []shared.CheckFailure) {
	for _, f := range failures {
		fmt.Fprintf(buf, "  %s %s: %s\n", render(mark), f.Check, f.Message)
		if f.Cause != nil {
			fmt.Fprintf(buf, "      %s\n", styles.muted.Render(f.Cause.Error()))
		}
	}
}

type failureView struct {
	Check   string `json:"check"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

type validationView struct {
	Step     string        `json:"step"`
	IsValid  bool          `json:"is_valid"`
	Errors   []failureView `json:"errors"`
	Warnings []failureView `json:"warnings"`
	Info     []failureView `json:"info"`
	Passed   []string      `json:"passed"`
	Duration string        `json:"duration"`
}

func failureViews(failures []shared.CheckFailure) []failureView {
	out := make([]failureView, 0, len(failures))
	for _, f := range failures {
		v := failureView{Check: f.Check, Kind: f.Kind, Message: f.Message}
		if f.Cause != nil {
			v.Cause = f.Cause.Error()
		}
		out = append(out, v)
	}
	return out
}

// ValidationJSON marshals results with failure causes as strings.
func ValidationJSON(results ...etl.ValidationResult) ([]byte, error) {
	views := make([]validationView, 0, len(results))
	for _, res := range results {
		passed := res.Passed
		if passed == nil {
			passed = []string{}
		}
		views = append(views, validationView{
			Step:     res.Step,
			IsValid:  res.IsValid,
			Errors:   failureViews(res.Errors),
			Warnings: failureViews(res.Warnings),
			Info:     failureViews(res.Info),
			Passed:   passed,
			Duration: res.Duration.String(),
		})
	}
	return ToJSON(views)
}

// EnvironmentInfo renders one detection result.
func EnvironmentInfo(info externalid.EnvironmentInfo) string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "%s %s in %s\n", styles.label.Render("external id"), info.Object, info.OrgID)
	fmt.Fprintf(&buf, "  field:    %s\n", styles.ok.Render(info.ExternalIDField))
	fmt.Fprintf(&buf, "  package:  %s\n", info.PackageType)
	fmt.Fprintf(&buf, "  source:   %s\n", info.Source)
	if info.FallbackUsed {
		buf.WriteString("  fallback: yes\n")
	}
	if !info.Confirmed {
		msg := "unconfirmed: no probe found the field"
		if info.Ambiguity != nil {
			msg = info.Ambiguity.Error()
		}
		buf.WriteString("  " + styles.warn.Render(msg) + "\n")
	}
	return buf.String()
}

// Mapping renders a source to target field mapping and, when given, the queries built from a
// template.
func Mapping(m externalid.MappingConfig, template string) string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "%s %s (%s)\n", styles.label.Render("mapping"), m.Object, m.Strategy)
	fmt.Fprintf(&buf, "  source: %s\n", m.SourceField)
	fmt.Fprintf(&buf, "  target: %s\n", m.TargetField)
	if m.CrossEnvironment != nil {
		fmt.Fprintf(&buf, "  packages: %s → %s\n", m.CrossEnvironment.SourcePackageType, m.CrossEnvironment.TargetPackageType)
	}
	if !m.Confirmed {
		buf.WriteString("  " + styles.warn.Render("at least one side is unconfirmed") + "\n")
	}
	if template != "" {
		src, tgt := m.BuildQueries(template)
		fmt.Fprintf(&buf, "  source query: %s\n", styles.muted.Render(src))
		fmt.Fprintf(&buf, "  target query: %s\n", styles.muted.Render(tgt))
	}
	return buf.String()
}

// SessionStatus renders a session's probe result and, when known, its capabilities.
func SessionStatus(info session.Info, caps *session.Capabilities) string {
	var buf strings.Builder

	reach := styles.ok.Render("REACHABLE")
	if !info.Status.Reachable {
		reach = styles.err.Render("UNREACHABLE")
	}
	fmt.Fprintf(&buf, "%s %s\n", reach, styles.label.Render(info.OrgID))
	fmt.Fprintf(&buf, "  instance: %s\n", info.InstanceURL)
	fmt.Fprintf(&buf, "  session:  %s\n", info.ID)
	if info.Status.Username != "" {
		fmt.Fprintf(&buf, "  user:     %s\n", info.Status.Username)
	}
	fmt.Fprintf(&buf, "  latency:  %s\n", info.Status.Latency.Round(time.Millisecond))
	if info.Status.Err != nil {
		fmt.Fprintf(&buf, "  error:    %s\n", styles.err.Render(info.Status.Err.Error()))
	}

	if pct := info.Status.QuotaPercent(); pct >= 0 {
		quota := fmt.Sprintf("%d / %d (%.1f%%)", info.Status.APIRequestsRemaining, info.Status.APIRequestsMax, pct)
		if info.Status.QuotaLow {
			quota = styles.warn.Render(quota + " low")
		}
		fmt.Fprintf(&buf, "  api quota: %s\n", quota)
	}

	if caps != nil {
		buf.WriteString(styles.label.Render("  capabilities") + "\n")
		for _, c := range []struct {
			name string
			on   bool
		}{
			{"tooling api", caps.ToolingAPI},
			{"bulk api", caps.BulkAPI},
			{"sandbox", caps.IsSandbox},
			{"multi-currency", caps.MultiCurrency},
			{"person accounts", caps.PersonAccounts},
		} {
			mark := styles.muted.Render("-")
			if c.on {
				mark = styles.ok.Render("✓")
			}
			fmt.Fprintf(&buf, "    %s %s\n", mark, c.name)
		}
		if caps.OrganizationType != "" {
			fmt.Fprintf(&buf, "    edition: %s\n", caps.OrganizationType)
		}
	}
	return buf.String()
}
