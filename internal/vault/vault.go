// package vault stores OAuth token material for connected orgs.
//
// The token manager only depends on the [Vault] interface. [SQLiteVault] is the reference
// implementation used by the CLI: token fields are sealed with NaCl secretbox before they reach
// the org_credentials table.
package vault

import (
	"context"
	"time"
)

// Record is the persisted form of an org's credential.
type Record struct {
	OrgID           string
	OrgName         string
	InstanceURL     string
	AccessToken     string
	RefreshToken    string
	ExpiresAt       time.Time
	LastRefreshedAt time.Time
}

// Vault persists credential records.
type Vault interface {
	// Load returns the record for orgID, or (nil, nil) when none is stored.
	Load(ctx context.Context, orgID string) (*Record, error)

	// Save inserts or replaces the record for rec.OrgID.
	Save(ctx context.Context, rec *Record) error

	// Clear removes the record for orgID. Clearing an absent record is not an error.
	Clear(ctx context.Context, orgID string) error
}

// Summary is the unsealed metadata of a stored credential.
type Summary struct {
	OrgID           string
	OrgName         string
	InstanceURL     string
	ExpiresAt       time.Time
	LastRefreshedAt time.Time
}
