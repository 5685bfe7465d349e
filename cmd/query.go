package main

import (
	"context"
	"encoding/json"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/orgsync/internal/queue"
	"github.com/desertthunder/orgsync/internal/services"
)

// Query runs --soql through the org's session queue and prints the records. Every page of the
// result is fetched inside the same queue slot.
func (r *Runner) Query(ctx context.Context, cmd *cli.Command) error {
	s, err := r.session(ctx, cmd.String("org"))
	if err != nil {
		return err
	}

	soql := cmd.String("soql")
	result, err := queue.Execute(ctx, s.Queue, func(ctx context.Context) (*services.QueryResult, error) {
		if cmd.Bool("tooling") {
			return services.ToolingQuery(ctx, s.Client, soql)
		}
		return s.Client.Query(ctx, soql)
	})
	if err != nil {
		return err
	}

	records := make([]json.RawMessage, 0, len(result.Records))
	for _, rec := range result.Records {
		records = append(records, json.RawMessage(rec.Raw))
	}

	if cmd.Bool("json") {
		return r.writeJSON(map[string]any{
			"totalSize": result.TotalSize,
			"done":      result.Done,
			"records":   records,
		}, true)
	}

	r.writePlain("%d records (total %d)\n", len(records), result.TotalSize)
	for _, rec := range result.Records {
		r.writePlain("%s\n", rec.Get("@pretty").Raw)
	}
	stats := s.Queue.Stats()
	r.logger.Debug("queue stats", "org", s.OrgID, "dispatched", stats.Dispatched, "retried", stats.Retried, "failed", stats.Failed)
	return nil
}
