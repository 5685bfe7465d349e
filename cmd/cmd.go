// submodule cmd contains command definitions
package main

import (
	"time"

	"github.com/urfave/cli/v3"
)

// setupCommand creates the config file and database
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Create the configuration file and database",
		Commands: []*cli.Command{
			{
				Name:   "config",
				Usage:  "Write the default configuration to the --config path",
				Action: r.SetupConfig,
			},
			{
				Name:   "database",
				Usage:  "Initialize database and run migrations",
				Action: r.SetupDatabase,
			},
		},
	}
}

func orgFlag(usage string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "org",
		Aliases:  []string{"o"},
		Usage:    usage,
		Required: true,
	}
}

func jsonFlag() *cli.BoolFlag {
	return &cli.BoolFlag{
		Name:  "json",
		Usage: "Output raw JSON",
	}
}

// orgCommand manages connected orgs
func orgCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "org",
		Usage: "Connect, inspect and disconnect orgs",
		Commands: []*cli.Command{
			{
				Name:  "connect",
				Usage: "Store an initial token pair for an org and probe it",
				Flags: []cli.Flag{
					orgFlag("Org ID (15 or 18 characters)"),
					&cli.StringFlag{
						Name:     "instance-url",
						Usage:    "Instance URL, e.g. https://example.my.salesforce.com",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "access-token",
						Usage:    "Current access token",
						Required: true,
						Sources:  cli.EnvVars("ORGSYNC_ACCESS_TOKEN"),
					},
					&cli.StringFlag{
						Name:    "refresh-token",
						Usage:   "Refresh token issued with the access token",
						Sources: cli.EnvVars("ORGSYNC_REFRESH_TOKEN"),
					},
					&cli.DurationFlag{
						Name:  "expires-in",
						Usage: "Remaining lifetime of the access token (defaults to tokens.token_lifetime_minutes)",
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "Display name for the org",
					},
					&cli.BoolFlag{
						Name:  "skip-probe",
						Usage: "Store the credential without contacting the org",
					},
				},
				Action: r.OrgConnect,
			},
			{
				Name:   "list",
				Usage:  "List connected orgs",
				Flags:  []cli.Flag{jsonFlag()},
				Action: r.OrgList,
			},
			{
				Name:  "status",
				Usage: "Probe an org and show its capabilities",
				Flags: []cli.Flag{
					orgFlag("Org ID"),
					jsonFlag(),
				},
				Action: r.OrgStatus,
			},
			{
				Name:   "disconnect",
				Usage:  "Forget an org's credential and health history",
				Flags:  []cli.Flag{orgFlag("Org ID")},
				Action: r.OrgDisconnect,
			},
		},
	}
}

// healthCommand reports token health
func healthCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Show token refresh health for every connected org",
		Flags: []cli.Flag{
			jsonFlag(),
			&cli.StringFlag{
				Name:  "csv",
				Usage: "Write the report as CSV to this path",
			},
			&cli.BoolFlag{
				Name:  "unhealthy",
				Usage: "Only list orgs that are not healthy",
			},
		},
		Action: r.Health,
	}
}

// watchCommand keeps tokens fresh in the foreground
func watchCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Refresh every connected org's token in the background until interrupted",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "once",
				Usage: "Run a single refresh pass and exit",
			},
			&cli.DurationFlag{
				Name:  "report-every",
				Usage: "Print the health report at this interval",
				Value: 15 * time.Minute,
			},
		},
		Action: r.Watch,
	}
}

// externalIDCommand inspects external id fields
func externalIDCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "externalid",
		Aliases: []string{"xid"},
		Usage:   "Detect external id fields and map them between orgs",
		Commands: []*cli.Command{
			{
				Name:  "detect",
				Usage: "Detect the external id field of an object in one org",
				Flags: []cli.Flag{
					orgFlag("Org ID"),
					&cli.StringSliceFlag{
						Name:     "object",
						Usage:    "sObject API name (repeatable)",
						Required: true,
					},
					jsonFlag(),
				},
				Action: r.ExternalIDDetect,
			},
			{
				Name:  "mapping",
				Usage: "Map an object's external id field from a source org to a target org",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "source",
						Usage:    "Source org ID",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "target",
						Usage:    "Target org ID",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "object",
						Usage:    "sObject API name",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "template",
						Usage: "SOQL template containing {externalIdField}",
					},
					jsonFlag(),
				},
				Action: r.ExternalIDMapping,
			},
			{
				Name:  "resolve",
				Usage: "Resolve a source reference to the matching target record ID",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "source",
						Usage:    "Source org ID",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "target",
						Usage:    "Target org ID",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "object",
						Usage:    "Referenced sObject API name",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "field",
						Usage: "Referencing field; a relationship path (Account__r.Ext__c) carries the value directly",
						Value: "Id",
					},
					&cli.StringFlag{
						Name:     "value",
						Usage:    "Source record ID, or the external id value for a relationship path",
						Required: true,
					},
				},
				Action: r.ExternalIDResolve,
			},
		},
	}
}

// validateCommand runs ETL step checks
func validateCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Run the dependency and integrity checks of an ETL plan",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "plan",
				Aliases:  []string{"p"},
				Usage:    "Path to the plan TOML file",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "step",
				Usage: "Validate only this step",
			},
			&cli.StringFlag{
				Name:     "source",
				Usage:    "Source org ID",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "target",
				Usage:    "Target org ID",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "object",
				Usage: "Object whose external id mapping fills {externalIdField} (defaults to the step's object)",
			},
			jsonFlag(),
		},
		Action: r.Validate,
	}
}

// queryCommand runs raw SOQL through the org's session
func queryCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "query",
		Usage: "Run a SOQL query through the org's rate-limited session",
		Flags: []cli.Flag{
			orgFlag("Org ID"),
			&cli.StringFlag{
				Name:     "soql",
				Aliases:  []string{"q"},
				Usage:    "SOQL query",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "tooling",
				Usage: "Use the Tooling API",
			},
			jsonFlag(),
		},
		Action: r.Query,
	}
}
