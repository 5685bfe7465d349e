package vault

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/desertthunder/orgsync/internal/shared"
)

// HealthEvent is one refresh attempt as written to token_health_events.
type HealthEvent struct {
	ID         string
	OrgID      string
	Success    bool
	Terminal   bool
	Error      string
	OccurredAt time.Time
}

// HealthLog is the append-only refresh history.
type HealthLog struct {
	db *sql.DB
}

func NewHealthLog(db *sql.DB) *HealthLog {
	return &HealthLog{db: db}
}

// Append writes ev, assigning an ID and timestamp when missing.
func (l *HealthLog) Append(ctx context.Context, ev HealthEvent) error {
	if ev.ID == "" {
		ev.ID = shared.GenerateID()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	query := `
		INSERT INTO token_health_events (id, org_id, success, terminal, error, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := l.db.ExecContext(ctx, query, ev.ID, ev.OrgID, ev.Success, ev.Terminal, ev.Error, ev.OccurredAt.UTC()); err != nil {
		return fmt.Errorf("failed to append health event for %s: %w", ev.OrgID, err)
	}
	return nil
}

// Recent returns up to limit events for orgID, newest first.
func (l *HealthLog) Recent(ctx context.Context, orgID string, limit int) ([]HealthEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, org_id, success, terminal, error, occurred_at
		FROM token_health_events
		WHERE org_id = ?
		ORDER BY occurred_at DESC
		LIMIT ?
	`
	rows, err := l.db.QueryContext(ctx, query, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query health events: %w", err)
	}
	defer rows.Close()

	var events []HealthEvent
	for rows.Next() {
		var ev HealthEvent
		if err := rows.Scan(&ev.ID, &ev.OrgID, &ev.Success, &ev.Terminal, &ev.Error, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan health event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Clear drops the org's history. Used when an org is reconnected or disconnected.
func (l *HealthLog) Clear(ctx context.Context, orgID string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM token_health_events WHERE org_id = ?`, orgID); err != nil {
		return fmt.Errorf("failed to clear health events for %s: %w", orgID, err)
	}
	return nil
}
