// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks, and graceful shutdown for the
// banquet worker and CLI.
//
// # Structured Logging
//
// Logger wraps log/slog with a JSON handler:
//
//	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout)
//	logger.WithEntity("invoice", id).Info("invoice marked overdue")
//
// Sweep runs carry a run id and actor through the context; FromContext
// returns a logger annotated with both, plus trace ids when a span is
// recording:
//
//	ctx = observability.WithRunID(ctx, uuid.NewString())
//	ctx = observability.WithActor(ctx, billing.ActorAutomation)
//	observability.FromContext(ctx).Info("automation sweep started")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordReminder("overdue_payment", observability.OutcomeSent)
//	observability.RegisterMetricsEndpoint(mux, registry)
//
// Every Record method is a no-op on a nil *Metrics, so library code can
// accept an optional collector.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	checker.AddCheck("notifier", notifier, false)
//	observability.RegisterHealthRoutes(mux, checker)
//
// Redis and non-critical checks only degrade the status; a failing database
// or critical check makes the process unhealthy.
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "banquet-worker",
//		Insecure:    true,
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
//	ctx, span := observability.StartSpan(ctx, "reminders.dispatch",
//		observability.EntityAttributes("invoice", id)...)
//	defer span.End()
package observability
