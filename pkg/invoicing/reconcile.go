package invoicing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/banquet/pkg/async"
	"github.com/platinummonkey/banquet/pkg/billing"
	"github.com/platinummonkey/banquet/pkg/observability"
	"github.com/platinummonkey/banquet/pkg/storage"
)

// ReconcileResult summarizes one reconciliation pass
type ReconcileResult struct {
	Checked   int `json:"checked"`
	Corrected int `json:"corrected"`
	Skipped   int `json:"skipped"`
	// Violations are integrity errors that were reported and left untouched
	Violations []error `json:"-"`
	Errors     []error `json:"-"`
}

// Reconcile recomputes every live invoice's totals from its persisted line
// items through the same tax calculator used at creation. Totals drift is
// overwritten with an audit row and the milestone amounts are re-split on the
// corrected total in the same write. Milestone drift on correct totals is only
// reported.
func (s *Service) Reconcile(ctx context.Context, now time.Time) (_ ReconcileResult, err error) {
	const sweep = "reconciliation"
	start := time.Now()
	runID := uuid.NewString()
	ctx = observability.WithRunID(ctx, runID)
	ctx = observability.WithActor(ctx, billing.ActorReconciliation)
	ctx, span := observability.StartSpan(ctx, "invoicing.reconcile")
	defer func() {
		observability.RecordSpanError(span, err)
		span.End()
		s.metrics.ObserveSweep(sweep, start, err)
	}()
	logger := observability.FromContext(ctx).WithField("sweep", sweep)

	invoices, err := s.store.ListInvoices(ctx, storage.InvoiceFilter{
		IncludeDrafts: true,
		Statuses: []billing.InvoiceStatus{
			billing.InvoiceStatusDraft, billing.InvoiceStatusSent, billing.InvoiceStatusApproved,
			billing.InvoiceStatusPaymentPending, billing.InvoiceStatusPartiallyPaid,
			billing.InvoiceStatusPaid, billing.InvoiceStatusOverdue,
		},
	})
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("failed to list invoices: %w", err)
	}
	logger.WithField("candidates", len(invoices)).Info("reconciliation started")

	var (
		mu  sync.Mutex
		res ReconcileResult
	)
	batch := async.Batch(ctx, invoices, s.workers, sweep, s.entityTimeout, func(ctx context.Context, inv *billing.Invoice) error {
		corrected, err := s.reconcileInvoice(ctx, inv, now)
		mu.Lock()
		defer mu.Unlock()
		res.Checked++
		if corrected {
			res.Corrected++
			s.metrics.RecordEntity(sweep, "totals", observability.OutcomeChanged)
		}
		if errors.Is(err, billing.ErrIntegrity) {
			res.Violations = append(res.Violations, err)
			s.metrics.RecordEntity(sweep, "totals", observability.OutcomeSkipped)
			logger.WithEntity(string(billing.EntityInvoice), inv.ID).WithError(err).Warn("integrity violation")
			return nil
		}
		if err != nil {
			s.metrics.RecordEntity(sweep, "totals", observability.OutcomeError)
			return err
		}
		if !corrected {
			s.metrics.RecordEntity(sweep, "totals", observability.OutcomeNoop)
		}
		return nil
	})
	res.Skipped = batch.Skipped
	res.Errors = batch.Errors
	for _, e := range res.Errors {
		logger.WithError(e).Warn("reconciliation failed for invoice")
	}

	logger.WithFields(map[string]interface{}{
		"checked":    res.Checked,
		"corrected":  res.Corrected,
		"violations": len(res.Violations),
		"errors":     len(res.Errors),
		"skipped":    res.Skipped,
	}).Info("reconciliation finished")
	return res, nil
}

func (s *Service) reconcileInvoice(ctx context.Context, inv *billing.Invoice, now time.Time) (bool, error) {
	const op = "reconcile invoice"
	items, err := s.store.ListLineItems(ctx, inv.ID)
	if err != nil {
		return false, err
	}
	if err := billing.ValidateLineItems(items); err != nil {
		s.metrics.RecordIntegrityViolation("line_item_total")
		return false, err
	}
	milestones, err := s.store.ListMilestones(ctx, inv.ID)
	if err != nil {
		return false, err
	}
	pct := 0
	for _, m := range milestones {
		pct += m.Percentage
	}
	if len(milestones) > 0 && pct != 100 {
		s.metrics.RecordIntegrityViolation("milestone_percentages")
		return false, billing.Integrity(op, billing.EntityInvoice, inv.ID, "milestone percentages sum to %d, want 100", pct)
	}

	result, err := s.tax.Calculate(billing.Subtotal(items), inv.TaxExempt)
	if err != nil {
		return false, err
	}
	want := result.Totals()
	if want == inv.Totals() {
		if err := billing.ValidateMilestones(inv.ID, inv.TotalCents, milestones); err != nil {
			s.metrics.RecordIntegrityViolation("milestone_amounts")
			return false, err
		}
		return false, nil
	}
	resplit, err := billing.ResplitMilestones(inv.ID, want.TotalCents, milestones)
	if err != nil {
		return false, err
	}

	audit := billing.StateLog{
		ID:         uuid.New(),
		EntityType: billing.EntityInvoice,
		EntityID:   inv.ID,
		Field:      "total_cents",
		Previous:   strconv.FormatInt(inv.TotalCents, 10),
		New:        strconv.FormatInt(want.TotalCents, 10),
		Actor:      billing.ActorReconciliation,
		Reason: fmt.Sprintf("subtotal %d->%d, tax %d->%d",
			inv.SubtotalCents, want.SubtotalCents, inv.TaxCents, want.TaxCents),
		CreatedAt: now,
	}
	if err := s.store.CorrectTotals(ctx, inv.ID, inv.Version, want, resplit, audit); err != nil {
		return false, err
	}
	s.metrics.RecordCorrection()
	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"invoice_id": inv.ID,
		"previous":   inv.TotalCents,
		"new":        want.TotalCents,
	}).Warn("invoice totals corrected")
	return true, nil
}
