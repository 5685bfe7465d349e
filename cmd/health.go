package main

import (
	"context"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/orgsync/internal/auth"
	"github.com/desertthunder/orgsync/internal/formatter"
)

// Health prints the token health report rebuilt from the persisted refresh history.
func (r *Runner) Health(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(ctx); err != nil {
		return err
	}

	report := r.monitor.GenerateHealthReport()
	if cmd.Bool("unhealthy") {
		report.Orgs = r.monitor.UnhealthyOrgs()
	}

	if path := cmd.String("csv"); path != "" {
		if err := formatter.WriteHealthCSV(report, path); err != nil {
			return err
		}
		r.logger.Info("health report written", "path", path, "orgs", len(report.Orgs))
	}

	if cmd.Bool("json") {
		return r.writeJSON(report, true)
	}
	return r.writePlain("%s", formatter.HealthReport(report))
}

// Watch loads every stored credential, keeps the tokens fresh with the refresh scheduler and
// evicts idle sessions until the context is cancelled.
func (r *Runner) Watch(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(ctx); err != nil {
		return err
	}

	orgs, err := r.vault.List(ctx)
	if err != nil {
		return err
	}
	for _, org := range orgs {
		if _, err := r.manager.GetValidToken(ctx, org.OrgID); err != nil {
			r.logger.Warn("token unavailable", "org", org.OrgID, "err", err)
		}
	}

	if cmd.Bool("once") {
		r.scheduler.RunOnce(ctx)
		return r.writePlain("%s", formatter.HealthReport(r.monitor.GenerateHealthReport()))
	}

	r.scheduler.Start(ctx)
	r.sessions.StartSweeper(ctx)
	r.logger.Info("watching orgs", "orgs", len(orgs))

	every := cmd.Duration("report-every")
	if every <= 0 {
		every = 15 * time.Minute
	}
	ticker := auth.NewTimeTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stopping watch")
			return r.writePlain("%s", formatter.HealthReport(r.monitor.GenerateHealthReport()))
		case <-ticker.C():
			if unhealthy := r.monitor.UnhealthyOrgs(); len(unhealthy) > 0 {
				r.logger.Warn("unhealthy orgs", "count", len(unhealthy))
			}
			r.writePlain("%s\n", formatter.HealthReport(r.monitor.GenerateHealthReport()))
		}
	}
}
