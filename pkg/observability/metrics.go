package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels shared by sweep and reminder metrics
const (
	OutcomeChanged  = "changed"
	OutcomeNoop     = "noop"
	OutcomeError    = "error"
	OutcomeSkipped  = "skipped"
	OutcomeSent     = "sent"
	OutcomeDeduped  = "deduped"
	OutcomeCooldown = "cooldown"
	OutcomeDeferred = "deferred"
	OutcomeFailed   = "failed"
)

// Metrics holds all Prometheus metrics.
// All recording methods are safe on a nil *Metrics.
type Metrics struct {
	// Ops server metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Sweep metrics
	SweepRunsTotal     *prometheus.CounterVec
	SweepDuration      *prometheus.HistogramVec
	SweepEntitiesTotal *prometheus.CounterVec

	// Workflow metrics
	TransitionsTotal         *prometheus.CounterVec
	TransitionConflictsTotal *prometheus.CounterVec

	// Reminder metrics
	RemindersTotal         *prometheus.CounterVec
	LedgerCacheHitsTotal   prometheus.Counter
	LedgerCacheMissesTotal prometheus.Counter
	NotifierRequestsTotal  *prometheus.CounterVec
	NotifierDuration       *prometheus.HistogramVec

	// Invoicing metrics
	InvoiceOperationsTotal         *prometheus.CounterVec
	PaymentsRecordedTotal          *prometheus.CounterVec
	ReconciliationCorrectionsTotal prometheus.Counter
	IntegrityViolationsTotal       *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen      prometheus.Gauge
	DBConnectionsInUse     prometheus.Gauge
	DBConnectionsIdle      prometheus.Gauge
	DBConnectionsWaitCount prometheus.Gauge

	// Redis metrics
	RedisCommandsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banquet_http_requests_total",
				Help: "Total number of ops HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "banquet_http_request_duration_seconds",
				Help:    "Ops HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		SweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banquet_sweep_runs_total",
				Help: "Total number of sweep runs",
			},
			[]string{"sweep", "status"},
		),
		SweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "banquet_sweep_duration_seconds",
				Help:    "Sweep duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"sweep"},
		),
		SweepEntitiesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banquet_sweep_entities_total",
				Help: "Entities processed by sweeps, by outcome",
			},
			[]string{"sweep", "task", "outcome"},
		),

		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banquet_workflow_transitions_total",
				Help: "Total number of applied status transitions",
			},
			[]string{"entity", "from", "to", "trigger"},
		),
		TransitionConflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banquet_workflow_conflicts_total",
				Help: "Optimistic write conflicts on status transitions",
			},
			[]string{"entity"},
		),

		RemindersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banquet_reminders_total",
				Help: "Reminder candidates by category and outcome",
			},
			[]string{"category", "outcome"},
		),
		LedgerCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "banquet_reminder_ledger_cache_hits_total",
				Help: "Reminder ledger lookups served from cache",
			},
		),
		LedgerCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "banquet_reminder_ledger_cache_misses_total",
				Help: "Reminder ledger lookups that went to storage",
			},
		),
		NotifierRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banquet_notifier_requests_total",
				Help: "Total number of notifier sends",
			},
			[]string{"notifier", "status"},
		),
		NotifierDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "banquet_notifier_duration_seconds",
				Help:    "Notifier send duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"notifier"},
		),

		InvoiceOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banquet_invoice_operations_total",
				Help: "Invoice trigger calls by operation and result",
			},
			[]string{"operation", "status"},
		),
		PaymentsRecordedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banquet_payments_total",
				Help: "Payment confirmations by outcome",
			},
			[]string{"outcome"},
		),
		ReconciliationCorrectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "banquet_reconciliation_corrections_total",
				Help: "Invoice totals overwritten by reconciliation",
			},
		),
		IntegrityViolationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banquet_integrity_violations_total",
				Help: "Integrity violations detected, by check",
			},
			[]string{"check"},
		),

		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "banquet_db_connections_open",
				Help: "Number of open database connections",
			},
		),
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "banquet_db_connections_in_use",
				Help: "Number of database connections in use",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "banquet_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "banquet_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),

		RedisCommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banquet_redis_commands_total",
				Help: "Total number of Redis commands",
			},
			[]string{"command", "status"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SweepRunsTotal,
		m.SweepDuration,
		m.SweepEntitiesTotal,
		m.TransitionsTotal,
		m.TransitionConflictsTotal,
		m.RemindersTotal,
		m.LedgerCacheHitsTotal,
		m.LedgerCacheMissesTotal,
		m.NotifierRequestsTotal,
		m.NotifierDuration,
		m.InvoiceOperationsTotal,
		m.PaymentsRecordedTotal,
		m.ReconciliationCorrectionsTotal,
		m.IntegrityViolationsTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.RedisCommandsTotal,
	)

	return m
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveSweep records one finished sweep
func (m *Metrics) ObserveSweep(sweep string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.SweepRunsTotal.WithLabelValues(sweep, statusLabel(err)).Inc()
	m.SweepDuration.WithLabelValues(sweep).Observe(time.Since(start).Seconds())
}

// RecordEntity records the outcome of one entity within a sweep task
func (m *Metrics) RecordEntity(sweep, task, outcome string) {
	if m == nil {
		return
	}
	m.SweepEntitiesTotal.WithLabelValues(sweep, task, outcome).Inc()
}

// RecordTransition records an applied status transition
func (m *Metrics) RecordTransition(entity, from, to string, automatic bool) {
	if m == nil {
		return
	}
	trigger := "manual"
	if automatic {
		trigger = "automatic"
	}
	m.TransitionsTotal.WithLabelValues(entity, from, to, trigger).Inc()
}

// RecordConflict records an optimistic write conflict
func (m *Metrics) RecordConflict(entity string) {
	if m == nil {
		return
	}
	m.TransitionConflictsTotal.WithLabelValues(entity).Inc()
}

// RecordReminder records one reminder candidate outcome
func (m *Metrics) RecordReminder(category, outcome string) {
	if m == nil {
		return
	}
	m.RemindersTotal.WithLabelValues(category, outcome).Inc()
}

// RecordLedgerCache records a reminder ledger cache lookup
func (m *Metrics) RecordLedgerCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.LedgerCacheHitsTotal.Inc()
		return
	}
	m.LedgerCacheMissesTotal.Inc()
}

// RecordNotifier records one notifier send
func (m *Metrics) RecordNotifier(notifier string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.NotifierRequestsTotal.WithLabelValues(notifier, statusLabel(err)).Inc()
	m.NotifierDuration.WithLabelValues(notifier).Observe(duration.Seconds())
}

// RecordInvoiceOperation records an invoice trigger call; status is an error kind name or "ok"
func (m *Metrics) RecordInvoiceOperation(operation, status string) {
	if m == nil {
		return
	}
	m.InvoiceOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordPayment records a payment confirmation outcome
func (m *Metrics) RecordPayment(outcome string) {
	if m == nil {
		return
	}
	m.PaymentsRecordedTotal.WithLabelValues(outcome).Inc()
}

// RecordCorrection records one reconciliation overwrite
func (m *Metrics) RecordCorrection() {
	if m == nil {
		return
	}
	m.ReconciliationCorrectionsTotal.Inc()
}

// RecordIntegrityViolation records a detected invariant violation
func (m *Metrics) RecordIntegrityViolation(check string) {
	if m == nil {
		return
	}
	m.IntegrityViolationsTotal.WithLabelValues(check).Inc()
}

// RecordRedisCommand records a Redis command result
func (m *Metrics) RecordRedisCommand(command string, err error) {
	if m == nil {
		return
	}
	m.RedisCommandsTotal.WithLabelValues(command, statusLabel(err)).Inc()
}

// UpdateDBStats copies connection pool statistics into the gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsInUse.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments ops HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			if metrics == nil {
				return
			}
			status := strconv.Itoa(rw.statusCode)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
