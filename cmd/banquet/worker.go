package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/banquet/pkg/async"
	"github.com/platinummonkey/banquet/pkg/automation"
	"github.com/platinummonkey/banquet/pkg/notify"
	"github.com/platinummonkey/banquet/pkg/observability"
)

// Housekeeping schedules
const (
	dbStatsSchedule      = "@every 15s"
	replicaCheckSchedule = "@every 1m"
)

// WorkerOptions holds flags for the worker command
type WorkerOptions struct {
	*RootOptions
	RunOnStart bool
}

// NewWorkerCommand creates the long-running scheduler
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the sweeps on their cron schedules",
		Long: `Run the automation, reminder and reconciliation sweeps on their configured
cron schedules, and serve /metrics and /health on the metrics address.
An empty schedule disables that sweep.

Example:
  banquet worker --config banquet.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), opts, cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.RunOnStart, "run-on-start", false, "run the automation sweep once at startup")
	return cmd
}

// job is one scheduled sweep
type job struct {
	name     string
	schedule string
	timeout  time.Duration
	run      func(ctx context.Context, now time.Time) error
}

func runWorker(ctx context.Context, opts *WorkerOptions, cmd *cobra.Command) error {
	a, err := newApp(ctx, opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	notifier, err := buildNotifier(a.cfg.Notifier, a.redis, a.metrics, a.logger)
	if err != nil {
		return err
	}
	dispatcher, err := a.dispatcher(notifier, false)
	if err != nil {
		return err
	}
	scheduler := a.scheduler()

	jobs := []job{
		{
			name:     "automation",
			schedule: a.cfg.Automation.Schedule,
			timeout:  a.cfg.Automation.Deadline,
			run: func(ctx context.Context, now time.Time) error {
				res, err := scheduler.RunSweep(ctx, now)
				if err != nil {
					return err
				}
				return sweepFailed("automation sweep", res.Errors)
			},
		},
		{
			name:     "reminders",
			schedule: a.cfg.Reminders.Schedule,
			timeout:  a.cfg.Reminders.Deadline,
			run: func(ctx context.Context, now time.Time) error {
				res, err := dispatcher.RunSweep(ctx, now)
				if err != nil {
					return err
				}
				return sweepFailed("reminder sweep", res.Errors)
			},
		},
		{
			name:     "reconciliation",
			schedule: a.cfg.Reconciliation.Schedule,
			timeout:  a.cfg.Reconciliation.Deadline,
			run: func(ctx context.Context, now time.Time) error {
				res, err := a.reconcile(ctx, now)
				if err != nil {
					return err
				}
				return sweepFailed("reconciliation", res.Errors)
			},
		},
	}

	runCtx, cancel := context.WithCancel(a.context(context.Background()))
	defer cancel()

	c, err := newCron(runCtx, a, jobs)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	observability.RegisterMetricsEndpoint(mux, a.registry)
	observability.RegisterHealthRoutes(mux, healthChecker(a, notifier))
	server := &http.Server{
		Addr:              a.cfg.Server.MetricsAddr,
		Handler:           otelhttp.NewHandler(observability.HTTPMetricsMiddleware(a.metrics)(mux), "ops"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdown := observability.NewShutdownManager(a.logger, server, a.cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("cron", func(ctx context.Context) error {
		cancel()
		select {
		case <-c.Stop().Done():
			logrus.Info("scheduled sweeps drained")
			return nil
		case <-ctx.Done():
			return errors.New("timed out waiting for running sweeps")
		}
	})

	waitCtx, stopWait := context.WithCancel(ctx)
	defer stopWait()

	go func() {
		logrus.WithField("addr", server.Addr).Info("ops server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("ops server failed")
			stopWait()
		}
	}()

	c.Start()
	logrus.Info("banquet worker started")
	for _, j := range jobs {
		if j.schedule != "" {
			logrus.WithField("sweep", j.name).Infof("schedule: %s", j.schedule)
		}
	}

	if opts.RunOnStart {
		auto := jobs[0]
		if auto.timeout <= 0 {
			auto.timeout = automation.DefaultConfig().Deadline
		}
		async.SafeGo(runCtx, auto.timeout, "startup automation sweep", a.logger, func(ctx context.Context) error {
			return auto.run(ctx, time.Now())
		})
	}

	if err := shutdown.WaitForShutdown(waitCtx); err != nil {
		return err
	}
	logrus.Info("worker stopped")
	return nil
}

// newCron registers every enabled job. A job still running when its next
// tick fires is skipped rather than stacked.
func newCron(ctx context.Context, a *app, jobs []job) (*cron.Cron, error) {
	cronLog := cron.PrintfLogger(logrus.StandardLogger())
	c := cron.New(
		cron.WithLocation(a.loc),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	for _, j := range jobs {
		if j.schedule == "" {
			logrus.WithField("sweep", j.name).Info("sweep disabled")
			continue
		}
		_, err := c.AddFunc(j.schedule, func() {
			entry := logrus.WithField("sweep", j.name)
			entry.Info("starting scheduled sweep")
			start := time.Now()
			if err := j.run(ctx, start); err != nil {
				entry.WithError(err).Error("scheduled sweep failed")
				return
			}
			entry.WithField("duration", time.Since(start).String()).Info("scheduled sweep completed")
		})
		if err != nil {
			return nil, usageError("failed to schedule %s sweep: %v", j.name, err)
		}
	}

	if a.sql == nil {
		return c, nil
	}
	if _, err := c.AddFunc(dbStatsSchedule, func() {
		a.metrics.UpdateDBStats(a.db().Stats())
	}); err != nil {
		return nil, err
	}
	if len(a.cfg.Storage.ReplicaURLs) > 0 {
		if _, err := c.AddFunc(replicaCheckSchedule, func() {
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			a.sql.PruneReplicas(pingCtx)
		}); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func healthChecker(a *app, n notify.Notifier) *observability.HealthChecker {
	checker := observability.NewHealthChecker(a.db(), a.redis)
	checker.SetVersion(a.cfg.Observability.OTelServiceVersion)
	if a.sql == nil {
		checker.AddCheck("store", a.store, true)
	}
	checker.AddCheck("notifier", n, false)
	return checker
}
