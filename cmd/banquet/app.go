package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/banquet/pkg/automation"
	"github.com/platinummonkey/banquet/pkg/billing"
	"github.com/platinummonkey/banquet/pkg/config"
	"github.com/platinummonkey/banquet/pkg/invoicing"
	"github.com/platinummonkey/banquet/pkg/notify"
	"github.com/platinummonkey/banquet/pkg/observability"
	"github.com/platinummonkey/banquet/pkg/reminders"
	"github.com/platinummonkey/banquet/pkg/storage"
	"github.com/platinummonkey/banquet/pkg/storage/sqlstore"
	"github.com/platinummonkey/banquet/pkg/workflow"
)

// app is the wired process: configuration, backends and services
type app struct {
	cfg      *config.Config
	loc      *time.Location
	logger   *observability.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics

	store storage.Store
	sql   *sqlstore.Store // nil for the memory driver
	redis *redis.Client
	otel  *observability.OTelProviders

	engine   *workflow.Engine
	invoices *invoicing.Service
}

// loadConfig reads the config file and applies the --log-level override
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, Err: err}
	}
	if opts.LogLevel != "" {
		cfg.Observability.LogLevel = opts.LogLevel
	}
	return cfg, nil
}

// newApp opens every backend the config names. Callers must call close.
func newApp(ctx context.Context, opts *RootOptions, logOut io.Writer) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Billing.Location()
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, Err: err}
	}

	a := &app{
		cfg:      cfg,
		loc:      loc,
		logger:   observability.NewLogger(cfg.Observability.Level(), logOut),
		registry: prometheus.NewRegistry(),
	}
	a.metrics = observability.NewMetrics(a.registry)

	a.otel, err = observability.InitOTel(ctx, cfg.Observability.OTel(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	if cfg.Storage.Driver == "memory" {
		logrus.Warn("using in-memory storage; nothing will be persisted")
		a.store = storage.NewMemoryStore()
	} else {
		a.sql, err = sqlstore.Open(ctx, cfg.Storage, a.logger)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Driver, err)
		}
		a.store = a.sql
	}

	if cfg.Storage.RedisURL != "" {
		a.redis, err = storage.NewRedisClient(ctx, cfg.Storage)
		if err != nil {
			if cfg.Notifier.RateLimit.Backend == config.RateLimitRedis {
				a.close()
				return nil, err
			}
			logrus.WithError(err).Warn("redis unavailable, continuing without it")
			a.redis = nil
		}
	}

	a.engine = workflow.NewEngine(a.store,
		workflow.WithLocation(loc),
		workflow.WithMetrics(a.metrics),
		workflow.WithLogger(a.logger),
	)
	a.invoices = invoicing.NewService(a.store, a.engine,
		billing.NewTaxCalculator(cfg.Billing.TaxRateBasisPoints),
		invoicing.WithLocation(loc),
		invoicing.WithMetrics(a.metrics),
		invoicing.WithReconcileWorkers(cfg.Reconciliation.Workers, cfg.Reconciliation.EntityTimeout),
	)
	return a, nil
}

// context attaches the process logger so services log through it
func (a *app) context(ctx context.Context) context.Context {
	return observability.WithLogger(ctx, a.logger)
}

func (a *app) db() *sql.DB {
	if a.sql == nil {
		return nil
	}
	return a.sql.DB()
}

func (a *app) scheduler() *automation.Scheduler {
	sc := a.cfg.Automation
	return automation.NewScheduler(a.store, a.engine, automation.Config{
		Workers:       sc.Workers,
		EntityTimeout: sc.EntityTimeout,
		Deadline:      sc.Deadline,
	}, a.metrics)
}

func (a *app) dispatcher(n notify.Notifier, dryRun bool) (*reminders.Dispatcher, error) {
	rc := a.cfg.Reminders
	return reminders.NewDispatcher(a.store, n, reminders.Config{
		Workers:             rc.Workers,
		EntityTimeout:       rc.EntityTimeout,
		Deadline:            rc.Deadline,
		Cooldown:            rc.Cooldown,
		MilestoneWindowDays: rc.MilestoneWindowDays,
		LedgerCacheSize:     rc.LedgerCacheSize,
		Location:            a.loc,
		DryRun:              dryRun,
	}, a.metrics)
}

// reconcile runs one reconciliation pass bounded by the configured deadline
func (a *app) reconcile(ctx context.Context, now time.Time) (invoicing.ReconcileResult, error) {
	if d := a.cfg.Reconciliation.Deadline; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return a.invoices.Reconcile(ctx, now)
}

func (a *app) close() {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.otel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, observability.ShutdownOTel(ctx, a.otel, a.logger))
		cancel()
	}
	if err := errors.Join(errs...); err != nil {
		logrus.WithError(err).Warn("error while closing resources")
	}
}

// buildNotifier selects the outbound channel and wraps it with the per-recipient limiter
func buildNotifier(cfg config.NotifierConfig, client *redis.Client, metrics *observability.Metrics, logger *observability.Logger) (notify.Notifier, error) {
	var n notify.Notifier
	switch cfg.Kind {
	case config.NotifierWebhook:
		retry := notify.DefaultRetryConfig()
		if cfg.MaxRetries > 0 {
			retry.MaxAttempts = cfg.MaxRetries
		}
		n = notify.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookSecret, cfg.Timeout, retry)
	case config.NotifierSMS:
		n = notify.NewSMSNotifier(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFrom)
	case config.NotifierLog, "":
		n = notify.NewLogNotifier(logger)
	default:
		return nil, fmt.Errorf("unknown notifier %q", cfg.Kind)
	}

	rl := cfg.RateLimit
	if rl.PerRecipient <= 0 {
		return n, nil
	}
	var limiter notify.Limiter
	switch rl.Backend {
	case config.RateLimitRedis:
		if client == nil {
			return nil, errors.New("redis rate limiter configured without a redis client")
		}
		limiter = notify.NewRedisLimiter(client, rl.PerRecipient, rl.Window, metrics)
	default:
		limiter = notify.NewRateLimiter(rl.PerRecipient, rl.Window)
	}
	return notify.WithRateLimit(n, limiter), nil
}

// report is the JSON document printed by one-shot commands
type report struct {
	Result     any      `json:"result"`
	Violations []string `json:"violations,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

func errorStrings(errs []error) []string {
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		out = append(out, err.Error())
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func printReport(w io.Writer, r report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// sweepFailed turns per-entity errors into a non-zero exit after the report is printed
func sweepFailed(name string, errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &ExitError{Code: ExitFailure, Err: fmt.Errorf("%s finished with %d errors", name, len(errs))}
}

// parseNow reads a --now flag: empty is the wall clock, a bare date is that
// day's midnight in loc, anything else must be RFC 3339.
func parseNow(value string, loc *time.Location) (time.Time, error) {
	if value == "" {
		return time.Now(), nil
	}
	if t, err := time.ParseInLocation("2006-01-02", value, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, usageError("invalid --now %q: want YYYY-MM-DD or RFC 3339", value)
	}
	return t, nil
}
