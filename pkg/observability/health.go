package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// readinessTimeout bounds one /health/ready evaluation
const readinessTimeout = 5 * time.Second

// Pinger is an explicit heartbeat contract for an external collaborator
type Pinger interface {
	Ping(ctx context.Context) error
}

// errDegraded marks a dependency that answers but is struggling
type errDegraded struct{ reason string }

func (e errDegraded) Error() string { return e.reason }

// dbPinger checks the SQL store: ping, a trivial query, then pool pressure
type dbPinger struct{ db *sql.DB }

func (p dbPinger) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return err
	}
	var one int
	if err := p.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return errors.New("query failed: " + err.Error())
	}
	if s := p.db.Stats(); s.MaxOpenConnections > 0 && s.InUse >= s.MaxOpenConnections && s.WaitCount > 0 {
		return errDegraded{reason: "connection pool exhausted"}
	}
	return nil
}

type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

type namedCheck struct {
	name     string
	pinger   Pinger
	critical bool
}

// HealthChecker reports the worker's dependencies on /health
type HealthChecker struct {
	checks  []namedCheck
	version string
}

// NewHealthChecker creates a checker for the SQL store and Redis, either of
// which may be nil. The database is critical; Redis only degrades, since
// reminders are deferred while the distributed limiter is unreachable.
func NewHealthChecker(db *sql.DB, client *redis.Client) *HealthChecker {
	h := &HealthChecker{version: "dev"}
	if db != nil {
		h.AddCheck("database", dbPinger{db: db}, true)
	}
	if client != nil {
		h.AddCheck("redis", redisPinger{client: client}, false)
	}
	return h
}

// AddCheck registers an additional dependency. A failing critical check makes
// the service unhealthy; a failing non-critical one only degrades it.
func (h *HealthChecker) AddCheck(name string, pinger Pinger, critical bool) {
	h.checks = append(h.checks, namedCheck{name: name, pinger: pinger, critical: critical})
}

// SetVersion sets the version reported by Check
func (h *HealthChecker) SetVersion(version string) {
	h.version = version
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Check pings every registered dependency in registration order
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(h.checks)),
	}
	for _, c := range h.checks {
		dep := probe(ctx, c.pinger)
		status.Dependencies[c.name] = dep
		status.Status = worse(status.Status, effective(dep.Status, c.critical))
	}
	return status
}

func probe(ctx context.Context, p Pinger) DependencyStatus {
	start := time.Now()
	err := p.Ping(ctx)
	dep := DependencyStatus{Status: StatusHealthy, Latency: time.Since(start), Timestamp: start}
	if err == nil {
		return dep
	}
	dep.Message = err.Error()
	var degraded errDegraded
	if errors.As(err, &degraded) {
		dep.Status = StatusDegraded
	} else {
		dep.Status = StatusUnhealthy
	}
	return dep
}

// effective caps a non-critical dependency's impact at degraded
func effective(dep string, critical bool) string {
	if dep == StatusUnhealthy && !critical {
		return StatusDegraded
	}
	return dep
}

func worse(a, b string) string {
	rank := map[string]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Liveness answers 200 while the process serves requests
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness answers 503 only when a critical dependency is down
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(mux *http.ServeMux, checker *HealthChecker) {
	mux.HandleFunc("/health", checker.Readiness)
	mux.HandleFunc("/health/live", checker.Liveness)
	mux.HandleFunc("/health/ready", checker.Readiness)
}
