package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/urfave/cli/v3"

	"github.com/desertthunder/orgsync/internal/auth"
	"github.com/desertthunder/orgsync/internal/etl"
	"github.com/desertthunder/orgsync/internal/externalid"
	"github.com/desertthunder/orgsync/internal/queue"
	"github.com/desertthunder/orgsync/internal/services"
	"github.com/desertthunder/orgsync/internal/session"
	"github.com/desertthunder/orgsync/internal/shared"
	"github.com/desertthunder/orgsync/internal/vault"
)

// healthHistory is how many persisted refresh events per org are replayed into the monitor.
const healthHistory = 50

// Runner holds all dependencies for CLI commands and provides methods for each command action.
//
// Everything backed by the database is built on first use by [Runner.open] and torn down in
// reverse order by [Runner.Close].
type Runner struct {
	config     *shared.Config
	configPath string
	httpClient *http.Client
	logger     *log.Logger
	output     io.Writer
	metrics    *prometheus.Registry
	refresher  services.Refresher
	validator  *etl.Validator

	db        *sql.DB
	vault     *vault.SQLiteVault
	healthLog *vault.HealthLog
	monitor   *auth.Monitor
	manager   *auth.Manager
	scheduler *auth.RefreshScheduler
	sessions  *session.Registry
	resolver  *externalid.Resolver
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config     *shared.Config
	ConfigPath string
	HTTPClient *http.Client
	Logger     *log.Logger
	Output     io.Writer

	// Refresher replaces the connected app refresher built from [shared.OAuthConfig].
	Refresher services.Refresher
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	return &Runner{
		config:     opts.Config,
		configPath: opts.ConfigPath,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		output:     opts.Output,
		metrics:    prometheus.NewRegistry(),
		refresher:  opts.Refresher,
		validator:  etl.NewValidator(opts.Logger),
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, orgCommand, healthCommand, watchCommand, externalIDCommand, validateCommand, queryCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// configure is the root command's Before hook. It loads the config file named by --config,
// falling back to the embedded defaults when the file does not exist.
func (r *Runner) configure(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	if cmd.Bool("debug") {
		shared.SetLogLevel(r.logger, log.DebugLevel)
	}

	r.configPath = cmd.String("config")
	if _, err := os.Stat(r.configPath); err != nil {
		r.logger.Debug("config file not found, using defaults", "path", r.configPath)
		r.config = shared.DefaultConfig()
		r.config.ApplyEnv()
		return ctx, nil
	}

	config, err := shared.LoadConfig(r.configPath)
	if err != nil {
		return ctx, fmt.Errorf("%w: %v", shared.ErrInvalidConfig, err)
	}
	r.config = config
	return ctx, nil
}

// report is the root command's After hook.
func (r *Runner) report(ctx context.Context, cmd *cli.Command) error {
	if !cmd.Bool("metrics") {
		return nil
	}
	return r.writeMetrics()
}

// open builds the credential vault, health monitor, token manager, refresh scheduler, session
// registry and external id resolver. It is a no-op once they exist.
func (r *Runner) open(ctx context.Context) error {
	if r.sessions != nil {
		return nil
	}
	cfg := r.config
	if err := cfg.Validate(); err != nil {
		return err
	}

	sealer, err := vault.NewSealer(cfg.Vault.Key)
	if err != nil {
		return err
	}
	resolver, err := externalid.NewResolver(cfg.ExternalID, r.logger)
	if err != nil {
		return err
	}
	refresher := r.refresher
	if refresher == nil {
		refresher, err = services.NewOAuthRefresher(cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.OAuth.TokenURL(), r.httpClient)
		if err != nil {
			return fmt.Errorf("%w: %v", shared.ErrMissingConfig, err)
		}
	}

	db, err := shared.OpenDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	store := vault.NewSQLiteVault(db, sealer)
	healthLog := vault.NewHealthLog(db)
	monitor := auth.NewMonitor(auth.MonitorOpts{Sink: healthLog, Logger: r.logger, Registerer: r.metrics})
	if err := restoreHealth(ctx, store, healthLog, monitor); err != nil {
		db.Close()
		return err
	}

	manager, err := auth.NewManager(auth.ManagerOpts{
		Vault:         store,
		Refresher:     refresher,
		Monitor:       monitor,
		Logger:        r.logger,
		RefreshWindow: cfg.Tokens.RefreshWindow(),
		TokenLifetime: cfg.Tokens.TokenLifetime(),
	})
	if err != nil {
		db.Close()
		return err
	}

	sessions, err := session.NewRegistry(session.RegistryOpts{
		Tokens:         manager,
		Monitor:        monitor,
		Prober:         session.NewProber(r.logger, cfg.Sessions.QuotaWarningPercent),
		Queue:          queue.ConfigFrom(cfg.Queue),
		Metrics:        queue.NewMetrics(r.metrics),
		APIVersion:     cfg.API.Version,
		RequestTimeout: cfg.API.RequestTimeout(),
		HTTPClient:     r.httpClient,
		IdleTimeout:    cfg.Sessions.IdleTimeout(),
		SweepInterval:  cfg.Sessions.SweepInterval(),
		Logger:         r.logger,
	})
	if err != nil {
		db.Close()
		return err
	}

	r.db = db
	r.vault = store
	r.healthLog = healthLog
	r.monitor = monitor
	r.manager = manager
	r.scheduler = auth.NewRefreshScheduler(manager, cfg.Tokens.BackgroundInterval(), auth.WithSchedulerLogger(r.logger))
	r.sessions = sessions
	r.resolver = resolver
	return nil
}

// restoreHealth seeds the monitor with every stored org and its recent refresh history.
func restoreHealth(ctx context.Context, store *vault.SQLiteVault, healthLog *vault.HealthLog, monitor *auth.Monitor) error {
	orgs, err := store.List(ctx)
	if err != nil {
		return err
	}
	for _, org := range orgs {
		events, err := healthLog.Recent(ctx, org.OrgID, healthHistory)
		if err != nil {
			return err
		}
		monitor.Restore(events)
		monitor.SetOrgName(org.OrgID, org.OrgName)
	}
	return nil
}

// Close stops background work and closes the database. It is safe to call more than once.
func (r *Runner) Close() error {
	if r.scheduler != nil {
		r.scheduler.Stop()
	}
	if r.sessions != nil {
		r.sessions.Stop()
	}
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

// session returns the org's session, opening dependencies first.
func (r *Runner) session(ctx context.Context, orgID string) (*session.Session, error) {
	if err := r.open(ctx); err != nil {
		return nil, err
	}
	return r.sessions.GetSession(ctx, orgID)
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	var output []byte
	var err error

	if pretty {
		output, err = json.MarshalIndent(data, "", "  ")
	} else {
		output, err = json.Marshal(data)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainln(format string, args ...any) error {
	text := "\n" + fmt.Sprintf(format, args...) + "\n"
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

// writeMetrics dumps every collected metric in the Prometheus text format.
func (r *Runner) writeMetrics() error {
	families, err := r.metrics.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	var errs []error
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(r.output, mf); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
