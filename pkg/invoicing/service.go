package invoicing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/banquet/pkg/billing"
	"github.com/platinummonkey/banquet/pkg/observability"
	"github.com/platinummonkey/banquet/pkg/storage"
	"github.com/platinummonkey/banquet/pkg/workflow"
)

// Service exposes the synchronous invoice triggers. Every call fails as a
// whole and returns errors with their billing kind intact.
type Service struct {
	store   storage.Store
	engine  *workflow.Engine
	tax     *billing.TaxCalculator
	loc     *time.Location
	metrics *observability.Metrics

	workers       int
	entityTimeout time.Duration
}

// Option configures a Service
type Option func(*Service)

// WithLocation sets the zone used to derive the reference date from now
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithMetrics records invoice operations, payments and corrections
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithReconcileWorkers bounds the reconciliation pass
func WithReconcileWorkers(workers int, entityTimeout time.Duration) Option {
	return func(s *Service) {
		if workers > 0 {
			s.workers = workers
		}
		if entityTimeout > 0 {
			s.entityTimeout = entityTimeout
		}
	}
}

// NewService creates an invoicing service
func NewService(store storage.Store, engine *workflow.Engine, tax *billing.TaxCalculator, opts ...Option) *Service {
	s := &Service{
		store:         store,
		engine:        engine,
		tax:           tax,
		loc:           time.UTC,
		workers:       4,
		entityTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncResult summarizes a regeneration of an invoice's derived data
type SyncResult struct {
	InvoiceID     int64 `json:"invoice_id"`
	SubtotalCents int64 `json:"subtotal_cents"`
	TaxCents      int64 `json:"tax_cents"`
	TotalCents    int64 `json:"total_cents"`
	LineItemCount int   `json:"line_item_count"`
	Version       int   `json:"version"`
}

func opStatus(err error) string {
	if err == nil {
		return "ok"
	}
	return billing.KindName(err)
}

// CreateInvoiceFromQuote builds the primary invoice of a quote: line items from
// its menu at zero prices, totals through the tax calculator and the payment
// schedule for its event date as seen from today.
func (s *Service) CreateInvoiceFromQuote(ctx context.Context, quoteID int64, now time.Time) (_ *billing.Invoice, err error) {
	const op = "create invoice"
	ctx, span := observability.StartSpan(ctx, "invoicing.create", observability.EntityAttributes(string(billing.EntityQuote), quoteID)...)
	defer func() {
		observability.RecordSpanError(span, err)
		span.End()
		s.metrics.RecordInvoiceOperation("create", opStatus(err))
	}()

	q, err := s.store.GetQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if q.EventDate == nil {
		return nil, billing.Validation(op, "quote %d has no event date", quoteID)
	}
	if q.Status == billing.QuoteStatusCancelled {
		return nil, billing.Validation(op, "quote %d is cancelled", quoteID)
	}

	items, err := billing.BuildLineItems(q)
	if err != nil {
		return nil, err
	}
	result, err := s.tax.Calculate(billing.Subtotal(items), q.IsExempt())
	if err != nil {
		return nil, err
	}
	today := billing.DateOf(now, s.loc)
	schedule, err := billing.BuildSchedule(*q.EventDate, today, q.CustomerClass, result.TotalCents)
	if err != nil {
		return nil, err
	}
	due := schedule.DueDate()

	inv := &billing.Invoice{
		QuoteID:         q.ID,
		SubtotalCents:   result.SubtotalCents,
		TaxCents:        result.TaxCents,
		TotalCents:      result.TotalCents,
		TaxExempt:       result.IsExempt,
		DueDate:         &due,
		DocumentType:    documentTypeFor(q.Status),
		Status:          billing.InvoiceStatusDraft,
		AccessToken:     uuid.NewString(),
		Version:         1,
		IssuedOn:        today,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateInvoice(ctx, inv, items, schedule.Milestones(0)); err != nil {
		return nil, err
	}

	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"invoice_id": inv.ID,
		"quote_id":   q.ID,
		"tier":       string(schedule.Tier),
		"total":      inv.TotalCents,
	}).Info("invoice created")
	return inv, nil
}

func documentTypeFor(status billing.QuoteStatus) billing.DocumentType {
	switch status {
	case billing.QuoteStatusApproved, billing.QuoteStatusConfirmed, billing.QuoteStatusInProgress, billing.QuoteStatusCompleted:
		return billing.DocumentTypeInvoice
	}
	return billing.DocumentTypeEstimate
}

// ResyncInvoice regenerates an invoice's line items from the quote's current
// menu, carrying forward every price already entered, then recomputes totals and
// milestone amounts and bumps the version atomically.
func (s *Service) ResyncInvoice(ctx context.Context, invoiceID, quoteID int64, now time.Time) (_ SyncResult, err error) {
	const op = "resync invoice"
	ctx, span := observability.StartSpan(ctx, "invoicing.resync", observability.EntityAttributes(string(billing.EntityInvoice), invoiceID)...)
	defer func() {
		observability.RecordSpanError(span, err)
		span.End()
		s.metrics.RecordInvoiceOperation("resync", opStatus(err))
	}()

	inv, err := s.revisable(ctx, op, invoiceID)
	if err != nil {
		return SyncResult{}, err
	}
	if inv.QuoteID != quoteID {
		return SyncResult{}, billing.Validation(op, "invoice %d belongs to quote %d, not %d", invoiceID, inv.QuoteID, quoteID)
	}
	q, err := s.store.GetQuote(ctx, quoteID)
	if err != nil {
		return SyncResult{}, err
	}
	existing, err := s.store.ListLineItems(ctx, invoiceID)
	if err != nil {
		return SyncResult{}, err
	}
	if sum := billing.Subtotal(existing); sum != inv.SubtotalCents {
		s.metrics.RecordIntegrityViolation("subtotal")
		return SyncResult{}, billing.Integrity(op, billing.EntityInvoice, invoiceID,
			"persisted line items sum to %d but subtotal is %d", sum, inv.SubtotalCents)
	}

	target, err := billing.BuildLineItems(q)
	if err != nil {
		return SyncResult{}, err
	}
	items := billing.MergeLineItems(target, existing)
	return s.revise(ctx, op, inv, items, q.IsExempt(), billing.ActorSync, "menu changed", now)
}

// RevisePrices sets unit prices on existing line items, keyed by line item id,
// and recomputes totals and milestone amounts.
func (s *Service) RevisePrices(ctx context.Context, invoiceID int64, prices map[int64]int64, actor string, now time.Time) (_ SyncResult, err error) {
	const op = "revise prices"
	ctx, span := observability.StartSpan(ctx, "invoicing.revise", observability.EntityAttributes(string(billing.EntityInvoice), invoiceID)...)
	defer func() {
		observability.RecordSpanError(span, err)
		span.End()
		s.metrics.RecordInvoiceOperation("revise", opStatus(err))
	}()

	if len(prices) == 0 {
		return SyncResult{}, billing.Validation(op, "no prices given")
	}
	inv, err := s.revisable(ctx, op, invoiceID)
	if err != nil {
		return SyncResult{}, err
	}
	items, err := s.store.ListLineItems(ctx, invoiceID)
	if err != nil {
		return SyncResult{}, err
	}

	matched := 0
	for i := range items {
		price, ok := prices[items[i].ID]
		if !ok {
			continue
		}
		if price < 0 {
			return SyncResult{}, billing.Validation(op, "price for line item %d must not be negative, got %d", items[i].ID, price)
		}
		items[i].UnitPriceCents = price
		items[i].TotalPriceCents = int64(items[i].Quantity) * price
		matched++
	}
	if matched != len(prices) {
		return SyncResult{}, billing.Validation(op, "%d of %d line items do not belong to invoice %d", len(prices)-matched, len(prices), invoiceID)
	}
	if actor == "" {
		actor = observability.GetActor(ctx)
	}
	return s.revise(ctx, op, inv, items, inv.TaxExempt, actor, "prices revised", now)
}

func (s *Service) revisable(ctx context.Context, op string, invoiceID int64) (*billing.Invoice, error) {
	inv, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status.IsTerminal() {
		return nil, billing.Validation(op, "invoice %d is %s", invoiceID, inv.Status)
	}
	return inv, nil
}

// revise writes items, recomputed totals and re-split milestones as one revision
func (s *Service) revise(ctx context.Context, op string, inv *billing.Invoice, items []billing.LineItem, exempt bool, actor, reason string, now time.Time) (SyncResult, error) {
	if err := billing.ValidateLineItems(items); err != nil {
		return SyncResult{}, err
	}
	result, err := s.tax.Calculate(billing.Subtotal(items), exempt)
	if err != nil {
		return SyncResult{}, err
	}

	current, err := s.store.ListMilestones(ctx, inv.ID)
	if err != nil {
		return SyncResult{}, err
	}
	milestones, err := billing.ResplitMilestones(inv.ID, result.TotalCents, current)
	if err != nil {
		s.metrics.RecordIntegrityViolation("milestone_percentages")
		return SyncResult{}, err
	}

	rev := storage.Revision{
		InvoiceID:       inv.ID,
		ExpectedVersion: inv.Version,
		Items:           items,
		Milestones:      milestones,
		Totals:          result.Totals(),
		TaxExempt:       result.IsExempt,
		UpdatedAt:       now,
	}
	if result.TotalCents != inv.TotalCents {
		rev.Audit = &billing.StateLog{
			ID:         uuid.New(),
			EntityType: billing.EntityInvoice,
			EntityID:   inv.ID,
			Field:      "total_cents",
			Previous:   strconv.FormatInt(inv.TotalCents, 10),
			New:        strconv.FormatInt(result.TotalCents, 10),
			Actor:      actor,
			Reason:     reason,
			CreatedAt:  now,
		}
	}

	version, err := s.store.ApplyRevision(ctx, rev)
	if err != nil {
		return SyncResult{}, fmt.Errorf("%s: %w", op, err)
	}

	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"invoice_id": inv.ID,
		"version":    version,
		"items":      len(items),
		"total":      result.TotalCents,
	}).Info("invoice revised")
	return SyncResult{
		InvoiceID:     inv.ID,
		SubtotalCents: result.SubtotalCents,
		TaxCents:      result.TaxCents,
		TotalCents:    result.TotalCents,
		LineItemCount: len(items),
		Version:       version,
	}, nil
}
