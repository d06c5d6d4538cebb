package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/banquet/pkg/billing"
	"github.com/platinummonkey/banquet/pkg/observability"
	"github.com/platinummonkey/banquet/pkg/storage"
)

// Store is the persistence the engine needs for a fresh read-check-write
type Store interface {
	GetInvoice(ctx context.Context, id int64) (*billing.Invoice, error)
	ListInvoices(ctx context.Context, filter storage.InvoiceFilter) ([]*billing.Invoice, error)
	ListLineItems(ctx context.Context, invoiceID int64) ([]billing.LineItem, error)
	SumCompletedPayments(ctx context.Context, invoiceID int64) (int64, error)
	UpdateInvoiceStatus(ctx context.Context, id int64, from, to billing.InvoiceStatus, log billing.StateLog) error

	GetQuote(ctx context.Context, id int64) (*billing.Quote, error)
	UpdateQuoteStatus(ctx context.Context, id int64, from, to billing.QuoteStatus, log billing.StateLog) error
}

// Result describes one transition request
type Result struct {
	Entity  billing.EntityType `json:"entity"`
	ID      int64              `json:"id"`
	From    string             `json:"from"`
	To      string             `json:"to"`
	Changed bool               `json:"changed"` // false when the entity already was in To
}

// Engine applies table-checked transitions. Every write is a compare-and-set
// on the status read immediately before it, with the StateLog row written in
// the same store transaction, so overlapping sweeps never log a transition twice.
type Engine struct {
	store   Store
	loc     *time.Location
	metrics *observability.Metrics
	logger  *observability.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithLocation sets the zone used to derive "today" from now
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithMetrics records transitions and conflicts
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the fallback logger used when the context carries none
func WithLogger(l *observability.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine over store
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{store: store, loc: time.UTC}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Today returns the civil date of now in the engine's zone
func (e *Engine) Today(now time.Time) time.Time {
	return billing.DateOf(now, e.loc)
}

func (e *Engine) log(ctx context.Context) *observability.Logger {
	if _, ok := observability.LoggerFrom(ctx); !ok && e.logger != nil {
		ctx = observability.WithLogger(ctx, e.logger)
	}
	return observability.FromContext(ctx)
}

// TransitionInvoice applies a manual invoice transition
func (e *Engine) TransitionInvoice(ctx context.Context, id int64, to billing.InvoiceStatus, actor, reason string, now time.Time) (Result, error) {
	return e.transitionInvoice(ctx, id, to, Manual, actor, reason, now)
}

// AutoTransitionInvoice applies an invoice transition on behalf of a sweep
func (e *Engine) AutoTransitionInvoice(ctx context.Context, id int64, to billing.InvoiceStatus, actor, reason string, now time.Time) (Result, error) {
	return e.transitionInvoice(ctx, id, to, Automatic, actor, reason, now)
}

func (e *Engine) transitionInvoice(ctx context.Context, id int64, to billing.InvoiceStatus, trigger Trigger, actor, reason string, now time.Time) (Result, error) {
	res := Result{Entity: billing.EntityInvoice, ID: id, To: string(to)}

	inv, err := e.store.GetInvoice(ctx, id)
	if err != nil {
		return res, err
	}
	res.From = string(inv.Status)
	if inv.Status == to {
		return res, nil
	}

	snap := InvoiceSnapshot{Invoice: inv, Today: e.Today(now)}
	switch to {
	case billing.InvoiceStatusSent:
		if snap.Items, err = e.store.ListLineItems(ctx, id); err != nil {
			return res, err
		}
	case billing.InvoiceStatusPaid, billing.InvoiceStatusPartiallyPaid:
		if snap.PaidCents, err = e.store.SumCompletedPayments(ctx, id); err != nil {
			return res, err
		}
	}

	if err := InvoiceTransitions.Check(id, inv.Status, to, trigger, snap); err != nil {
		return res, err
	}

	entry := billing.NewStatusLog(billing.EntityInvoice, id, string(inv.Status), string(to), actor, reason, now)
	err = e.store.UpdateInvoiceStatus(ctx, id, inv.Status, to, entry)
	if errors.Is(err, billing.ErrConcurrency) {
		e.metrics.RecordConflict(string(billing.EntityInvoice))
		// another writer may have made the same move; that is not a failure
		if cur, gerr := e.store.GetInvoice(ctx, id); gerr == nil && cur.Status == to {
			return res, nil
		}
		return res, err
	}
	if err != nil {
		return res, err
	}

	res.Changed = true
	e.metrics.RecordTransition(string(billing.EntityInvoice), res.From, res.To, trigger == Automatic)
	e.log(ctx).WithEntity(string(billing.EntityInvoice), id).WithFields(map[string]interface{}{
		"from":    res.From,
		"to":      res.To,
		"trigger": trigger.String(),
	}).Info("invoice status changed")
	return res, nil
}

// TransitionQuote applies a manual quote transition
func (e *Engine) TransitionQuote(ctx context.Context, id int64, to billing.QuoteStatus, actor, reason string, now time.Time) (Result, error) {
	return e.transitionQuote(ctx, id, to, Manual, actor, reason, now)
}

// AutoTransitionQuote applies a quote transition on behalf of a sweep
func (e *Engine) AutoTransitionQuote(ctx context.Context, id int64, to billing.QuoteStatus, actor, reason string, now time.Time) (Result, error) {
	return e.transitionQuote(ctx, id, to, Automatic, actor, reason, now)
}

func (e *Engine) transitionQuote(ctx context.Context, id int64, to billing.QuoteStatus, trigger Trigger, actor, reason string, now time.Time) (Result, error) {
	res := Result{Entity: billing.EntityQuote, ID: id, To: string(to)}

	q, err := e.store.GetQuote(ctx, id)
	if err != nil {
		return res, err
	}
	res.From = string(q.Status)
	if q.Status == to {
		return res, nil
	}

	snap := QuoteSnapshot{Quote: q, Today: e.Today(now)}
	if to == billing.QuoteStatusConfirmed {
		paid, err := e.store.ListInvoices(ctx, storage.InvoiceFilter{
			QuoteID:  id,
			Statuses: []billing.InvoiceStatus{billing.InvoiceStatusPaid},
			Limit:    1,
		})
		if err != nil {
			return res, err
		}
		snap.InvoicePaid = len(paid) > 0
	}

	if err := QuoteTransitions.Check(id, q.Status, to, trigger, snap); err != nil {
		return res, err
	}

	entry := billing.NewStatusLog(billing.EntityQuote, id, string(q.Status), string(to), actor, reason, now)
	err = e.store.UpdateQuoteStatus(ctx, id, q.Status, to, entry)
	if errors.Is(err, billing.ErrConcurrency) {
		e.metrics.RecordConflict(string(billing.EntityQuote))
		if cur, gerr := e.store.GetQuote(ctx, id); gerr == nil && cur.Status == to {
			return res, nil
		}
		return res, err
	}
	if err != nil {
		return res, err
	}

	res.Changed = true
	e.metrics.RecordTransition(string(billing.EntityQuote), res.From, res.To, trigger == Automatic)
	e.log(ctx).WithEntity(string(billing.EntityQuote), id).WithFields(map[string]interface{}{
		"from":    res.From,
		"to":      res.To,
		"trigger": trigger.String(),
	}).Info("quote status changed")
	return res, nil
}
