package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteVault implements [Vault] on the org_credentials table.
type SQLiteVault struct {
	db     *sql.DB
	sealer *Sealer
	now    func() time.Time
}

// NewSQLiteVault creates a vault on db. The schema is created by the shared migrations.
func NewSQLiteVault(db *sql.DB, sealer *Sealer) *SQLiteVault {
	return &SQLiteVault{db: db, sealer: sealer, now: time.Now}
}

// Load retrieves and unseals the record for orgID.
func (v *SQLiteVault) Load(ctx context.Context, orgID string) (*Record, error) {
	query := `
		SELECT org_id, org_name, instance_url, access_token_enc, refresh_token_enc, expires_at, last_refreshed_at
		FROM org_credentials
		WHERE org_id = ?
	`

	var (
		rec           Record
		accessEnc     []byte
		refreshEnc    []byte
		lastRefreshed sql.NullTime
	)
	err := v.db.QueryRowContext(ctx, query, orgID).Scan(
		&rec.OrgID, &rec.OrgName, &rec.InstanceURL, &accessEnc, &refreshEnc, &rec.ExpiresAt, &lastRefreshed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query credential for %s: %w", orgID, err)
	}

	access, err := v.sealer.Open(accessEnc)
	if err != nil {
		return nil, fmt.Errorf("access token for %s: %w", orgID, err)
	}
	rec.AccessToken = string(access)

	if len(refreshEnc) > 0 {
		refresh, err := v.sealer.Open(refreshEnc)
		if err != nil {
			return nil, fmt.Errorf("refresh token for %s: %w", orgID, err)
		}
		rec.RefreshToken = string(refresh)
	}
	if lastRefreshed.Valid {
		rec.LastRefreshedAt = lastRefreshed.Time
	}

	return &rec, nil
}

// Save seals and upserts rec.
func (v *SQLiteVault) Save(ctx context.Context, rec *Record) error {
	if rec == nil || rec.OrgID == "" {
		return fmt.Errorf("cannot save credential without org id")
	}

	accessEnc, err := v.sealer.Seal([]byte(rec.AccessToken))
	if err != nil {
		return fmt.Errorf("failed to seal access token: %w", err)
	}
	var refreshEnc []byte
	if rec.RefreshToken != "" {
		if refreshEnc, err = v.sealer.Seal([]byte(rec.RefreshToken)); err != nil {
			return fmt.Errorf("failed to seal refresh token: %w", err)
		}
	}

	var lastRefreshed sql.NullTime
	if !rec.LastRefreshedAt.IsZero() {
		lastRefreshed = sql.NullTime{Time: rec.LastRefreshedAt.UTC(), Valid: true}
	}
	now := v.now().UTC()

	query := `
		INSERT INTO org_credentials (org_id, org_name, instance_url, access_token_enc, refresh_token_enc, expires_at, last_refreshed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id) DO UPDATE SET
			org_name = CASE WHEN excluded.org_name = '' THEN org_credentials.org_name ELSE excluded.org_name END,
			instance_url = excluded.instance_url,
			access_token_enc = excluded.access_token_enc,
			refresh_token_enc = excluded.refresh_token_enc,
			expires_at = excluded.expires_at,
			last_refreshed_at = excluded.last_refreshed_at,
			updated_at = excluded.updated_at
	`
	_, err = v.db.ExecContext(ctx, query,
		rec.OrgID, rec.OrgName, rec.InstanceURL, accessEnc, refreshEnc, rec.ExpiresAt.UTC(), lastRefreshed, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save credential for %s: %w", rec.OrgID, err)
	}
	return nil
}

// Clear deletes the record for orgID.
func (v *SQLiteVault) Clear(ctx context.Context, orgID string) error {
	if _, err := v.db.ExecContext(ctx, `DELETE FROM org_credentials WHERE org_id = ?`, orgID); err != nil {
		return fmt.Errorf("failed to clear credential for %s: %w", orgID, err)
	}
	return nil
}

// List returns the metadata of every stored credential, ordered by org id. Token fields stay sealed.
func (v *SQLiteVault) List(ctx context.Context) ([]Summary, error) {
	query := `
		SELECT org_id, org_name, instance_url, expires_at, last_refreshed_at
		FROM org_credentials
		ORDER BY org_id
	`
	rows, err := v.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			s             Summary
			lastRefreshed sql.NullTime
		)
		if err := rows.Scan(&s.OrgID, &s.OrgName, &s.InstanceURL, &s.ExpiresAt, &lastRefreshed); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		if lastRefreshed.Valid {
			s.LastRefreshedAt = lastRefreshed.Time
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

var _ Vault = (*SQLiteVault)(nil)
