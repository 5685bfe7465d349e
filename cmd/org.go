package main

import (
	"context"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/orgsync/internal/auth"
	"github.com/desertthunder/orgsync/internal/formatter"
	"github.com/desertthunder/orgsync/internal/session"
)

// OrgConnect imports an initial token pair, resets the org's health history and probes the org.
func (r *Runner) OrgConnect(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(ctx); err != nil {
		return err
	}

	pair, err := r.manager.Connect(ctx, auth.Credential{
		OrgID:        cmd.String("org"),
		OrgName:      cmd.String("name"),
		InstanceURL:  cmd.String("instance-url"),
		AccessToken:  cmd.String("access-token"),
		RefreshToken: cmd.String("refresh-token"),
		ExpiresIn:    cmd.Duration("expires-in"),
	})
	if err != nil {
		return err
	}
	if err := r.healthLog.Clear(ctx, pair.OrgID); err != nil {
		return err
	}
	r.sessions.RemoveSession(pair.OrgID)

	r.writePlain("✓ Connected %s (%s)\n", pair.OrgID, pair.InstanceURL)
	r.writePlain("  token expires %s\n", pair.ExpiresAt.Format(time.RFC3339))
	if pair.RefreshToken == "" {
		r.writePlain("  no refresh token stored; reconnect when the token expires\n")
	}
	if cmd.Bool("skip-probe") {
		return nil
	}

	s, err := r.sessions.GetSession(ctx, pair.OrgID)
	if err != nil {
		return err
	}
	r.writePlain("\n%s", formatter.SessionStatus(s.Info(), nil))
	return nil
}

type orgView struct {
	OrgID           string            `json:"org_id"`
	OrgName         string            `json:"org_name,omitempty"`
	InstanceURL     string            `json:"instance_url"`
	ExpiresAt       time.Time         `json:"expires_at"`
	LastRefreshedAt time.Time         `json:"last_refreshed_at,omitzero"`
	Health          auth.HealthStatus `json:"health"`
}

// OrgList prints every stored credential with its token health.
func (r *Runner) OrgList(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(ctx); err != nil {
		return err
	}

	orgs, err := r.vault.List(ctx)
	if err != nil {
		return err
	}

	views := make([]orgView, 0, len(orgs))
	for _, org := range orgs {
		status := auth.StatusHealthy
		if rec, ok := r.monitor.Record(org.OrgID); ok {
			status = rec.Status()
		}
		views = append(views, orgView{
			OrgID:           org.OrgID,
			OrgName:         org.OrgName,
			InstanceURL:     org.InstanceURL,
			ExpiresAt:       org.ExpiresAt,
			LastRefreshedAt: org.LastRefreshedAt,
			Health:          status,
		})
	}

	if cmd.Bool("json") {
		return r.writeJSON(views, true)
	}

	if len(views) == 0 {
		return r.writePlain("No connected orgs. Run 'orgsync org connect' first.\n")
	}
	r.writePlain("Connected orgs (%d)\n\n", len(views))
	for _, v := range views {
		name := v.OrgID
		if v.OrgName != "" {
			name = v.OrgName + " (" + v.OrgID + ")"
		}
		r.writePlain("• %s [%s]\n", name, v.Health)
		r.writePlain("  %s, token expires %s\n", v.InstanceURL, v.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

type orgStatusView struct {
	Session      session.Info         `json:"session"`
	Capabilities session.Capabilities `json:"capabilities"`
	Health       *auth.HealthRecord   `json:"health,omitempty"`
}

// OrgStatus opens the org's session and reports reachability, quota, capabilities and health.
func (r *Runner) OrgStatus(ctx context.Context, cmd *cli.Command) error {
	s, err := r.session(ctx, cmd.String("org"))
	if err != nil {
		return err
	}

	caps := s.Capabilities(ctx)
	view := orgStatusView{Session: s.Info(), Capabilities: caps}
	if rec, ok := s.Health(); ok {
		view.Health = &rec
	}

	if cmd.Bool("json") {
		return r.writeJSON(view, true)
	}

	r.writePlain("%s", formatter.SessionStatus(view.Session, &caps))
	if view.Health != nil {
		r.writePlain("  token health: %s\n", view.Health.Status())
	}
	return nil
}

// OrgDisconnect drops the org's session, credential and health history.
func (r *Runner) OrgDisconnect(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(ctx); err != nil {
		return err
	}

	orgID := cmd.String("org")
	r.sessions.RemoveSession(orgID)
	if err := r.manager.Disconnect(ctx, orgID); err != nil {
		return err
	}
	if err := r.healthLog.Clear(ctx, orgID); err != nil {
		return err
	}

	r.writePlain("✓ Disconnected %s\n", orgID)
	return nil
}
