package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/banquet/pkg/async"
	"github.com/platinummonkey/banquet/pkg/billing"
	"github.com/platinummonkey/banquet/pkg/observability"
	"github.com/platinummonkey/banquet/pkg/storage"
	"github.com/platinummonkey/banquet/pkg/workflow"
)

const sweepName = "automation"

// Task names, also used as metric labels
const (
	TaskOverdue  = "overdue"
	TaskConfirm  = "confirm"
	TaskComplete = "complete"
)

// Store is the read side the sweep selects candidates from
type Store interface {
	ListInvoices(ctx context.Context, filter storage.InvoiceFilter) ([]*billing.Invoice, error)
	ListQuotes(ctx context.Context, filter storage.QuoteFilter) ([]*billing.Quote, error)
}

// Config bounds one sweep
type Config struct {
	Workers       int
	EntityTimeout time.Duration
	Deadline      time.Duration
}

// DefaultConfig returns the default sweep bounds
func DefaultConfig() Config {
	return Config{Workers: 8, EntityTimeout: 30 * time.Second, Deadline: 10 * time.Minute}
}

// Result summarizes one sweep
type Result struct {
	RunID         string  `json:"run_id"`
	MarkedOverdue int     `json:"marked_overdue"`
	AutoConfirmed int     `json:"auto_confirmed"`
	AutoCompleted int     `json:"auto_completed"`
	Unchanged     int     `json:"unchanged"`
	Skipped       int     `json:"skipped"`
	Errors        []error `json:"-"`
}

// Scheduler applies the time-triggered workflow transitions in bulk.
// It holds no state between runs; overlapping runs are safe because every
// write goes through the engine's compare-and-set.
type Scheduler struct {
	store   Store
	engine  *workflow.Engine
	cfg     Config
	metrics *observability.Metrics
}

// NewScheduler creates a scheduler
func NewScheduler(store Store, engine *workflow.Engine, cfg Config, metrics *observability.Metrics) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.EntityTimeout <= 0 {
		cfg.EntityTimeout = def.EntityTimeout
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	return &Scheduler{store: store, engine: engine, cfg: cfg, metrics: metrics}
}

// taskResult is the outcome of one task
type taskResult struct {
	changed   int
	unchanged int
	skipped   int
	errs      []error
	selectErr error
}

// RunSweep marks overdue invoices, confirms quotes whose invoice is paid and
// completes confirmed quotes whose event is over. The three tasks run
// independently; an error on one entity never stops the others. A top-level
// error is returned only when no task could select its candidates.
func (s *Scheduler) RunSweep(ctx context.Context, now time.Time) (res Result, err error) {
	start := time.Now()
	res.RunID = uuid.NewString()
	ctx = observability.WithRunID(ctx, res.RunID)
	ctx = observability.WithActor(ctx, billing.ActorAutomation)
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Deadline)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, "automation.sweep", observability.AttrRunID.String(res.RunID))
	defer func() {
		observability.RecordSpanError(span, err)
		span.End()
		s.metrics.ObserveSweep(sweepName, start, err)
	}()

	today := s.engine.Today(now)
	logger := observability.FromContext(ctx).WithFields(map[string]interface{}{
		"sweep": sweepName,
		"today": today.Format(time.DateOnly),
	})
	logger.Info("sweep started")

	tasks := []struct {
		name string
		run  func(context.Context, time.Time, time.Time) taskResult
	}{
		{TaskOverdue, s.markOverdue},
		{TaskConfirm, s.autoConfirm},
		{TaskComplete, s.autoComplete},
	}
	results := make([]taskResult, len(tasks))

	var g errgroup.Group
	for i, task := range tasks {
		g.Go(func() error {
			results[i] = task.run(ctx, now, today)
			return nil
		})
	}
	_ = g.Wait()

	var selectErrs []error
	for i, tr := range results {
		switch tasks[i].name {
		case TaskOverdue:
			res.MarkedOverdue = tr.changed
		case TaskConfirm:
			res.AutoConfirmed = tr.changed
		case TaskComplete:
			res.AutoCompleted = tr.changed
		}
		res.Unchanged += tr.unchanged
		res.Skipped += tr.skipped
		res.Errors = append(res.Errors, tr.errs...)
		if tr.selectErr != nil {
			selectErrs = append(selectErrs, tr.selectErr)
			res.Errors = append(res.Errors, tr.selectErr)
		}
	}
	for _, e := range res.Errors {
		logger.WithError(e).Warn("sweep error")
	}

	logger.WithFields(map[string]interface{}{
		"marked_overdue": res.MarkedOverdue,
		"auto_confirmed": res.AutoConfirmed,
		"auto_completed": res.AutoCompleted,
		"unchanged":      res.Unchanged,
		"skipped":        res.Skipped,
		"errors":         len(res.Errors),
		"duration_ms":    time.Since(start).Milliseconds(),
	}).Info("sweep finished")

	if len(selectErrs) == len(tasks) {
		return res, fmt.Errorf("automation sweep: %w", errors.Join(selectErrs...))
	}
	return res, nil
}

// apply runs fn over ids in a bounded batch and tallies outcomes
func (s *Scheduler) apply(ctx context.Context, task string, entity billing.EntityType, ids []int64,
	fn func(ctx context.Context, id int64) (workflow.Result, error)) taskResult {

	var (
		mu sync.Mutex
		tr taskResult
	)
	batch := async.Batch(ctx, ids, s.cfg.Workers, sweepName+"/"+task, s.cfg.EntityTimeout, func(ctx context.Context, id int64) error {
		ctx, span := observability.StartSpan(ctx, "automation."+task, observability.EntityAttributes(string(entity), id)...)
		defer span.End()

		r, err := fn(ctx, id)
		if err != nil {
			observability.RecordSpanError(span, err)
			s.metrics.RecordEntity(sweepName, task, observability.OutcomeError)
			return fmt.Errorf("%s %s %d: %w", task, entity, id, err)
		}
		mu.Lock()
		defer mu.Unlock()
		if r.Changed {
			tr.changed++
			s.metrics.RecordEntity(sweepName, task, observability.OutcomeChanged)
		} else {
			tr.unchanged++
			s.metrics.RecordEntity(sweepName, task, observability.OutcomeNoop)
		}
		return nil
	})

	tr.skipped = batch.Skipped
	tr.errs = batch.Errors
	for i := 0; i < batch.Skipped; i++ {
		s.metrics.RecordEntity(sweepName, task, observability.OutcomeSkipped)
	}
	return tr
}

func (s *Scheduler) markOverdue(ctx context.Context, now, today time.Time) taskResult {
	invoices, err := s.store.ListInvoices(ctx, storage.InvoiceFilter{
		Statuses:  workflow.InvoiceTransitions.Sources(billing.InvoiceStatusOverdue),
		DueBefore: &today,
	})
	if err != nil {
		return taskResult{selectErr: fmt.Errorf("select overdue invoices: %w", err)}
	}
	ids := make([]int64, len(invoices))
	for i, inv := range invoices {
		ids[i] = inv.ID
	}
	return s.apply(ctx, TaskOverdue, billing.EntityInvoice, ids, func(ctx context.Context, id int64) (workflow.Result, error) {
		return s.engine.AutoTransitionInvoice(ctx, id, billing.InvoiceStatusOverdue, billing.ActorAutomation, "due date passed", now)
	})
}

func (s *Scheduler) autoConfirm(ctx context.Context, now, today time.Time) taskResult {
	invoices, err := s.store.ListInvoices(ctx, storage.InvoiceFilter{
		Statuses: []billing.InvoiceStatus{billing.InvoiceStatusPaid},
		QuoteStatusNotIn: []billing.QuoteStatus{
			billing.QuoteStatusConfirmed, billing.QuoteStatusInProgress,
			billing.QuoteStatusCompleted, billing.QuoteStatusCancelled,
		},
	})
	if err != nil {
		return taskResult{selectErr: fmt.Errorf("select paid invoices: %w", err)}
	}
	seen := make(map[int64]struct{}, len(invoices))
	ids := make([]int64, 0, len(invoices))
	for _, inv := range invoices {
		if _, dup := seen[inv.QuoteID]; dup {
			continue
		}
		seen[inv.QuoteID] = struct{}{}
		ids = append(ids, inv.QuoteID)
	}
	return s.apply(ctx, TaskConfirm, billing.EntityQuote, ids, func(ctx context.Context, id int64) (workflow.Result, error) {
		return s.engine.AutoTransitionQuote(ctx, id, billing.QuoteStatusConfirmed, billing.ActorAutomation, "invoice paid", now)
	})
}

func (s *Scheduler) autoComplete(ctx context.Context, now, today time.Time) taskResult {
	yesterday := billing.AddDays(today, -1)
	quotes, err := s.store.ListQuotes(ctx, storage.QuoteFilter{
		Statuses:    []billing.QuoteStatus{billing.QuoteStatusConfirmed},
		EventBefore: &yesterday,
	})
	if err != nil {
		return taskResult{selectErr: fmt.Errorf("select finished events: %w", err)}
	}
	ids := make([]int64, len(quotes))
	for i, q := range quotes {
		ids[i] = q.ID
	}
	return s.apply(ctx, TaskComplete, billing.EntityQuote, ids, func(ctx context.Context, id int64) (workflow.Result, error) {
		return s.engine.AutoTransitionQuote(ctx, id, billing.QuoteStatusCompleted, billing.ActorAutomation, "event finished", now)
	})
}
