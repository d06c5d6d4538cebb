package invoicing

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/banquet/pkg/billing"
	"github.com/platinummonkey/banquet/pkg/observability"
	"github.com/platinummonkey/banquet/pkg/workflow"
)

// paidTolerance absorbs a one-cent rounding gap between milestone and invoice totals
const paidTolerance = 1

// PaymentConfirmation is the signal pushed by the payment processor
type PaymentConfirmation struct {
	InvoiceID   int64                 `json:"invoice_id"`
	AmountCents int64                 `json:"amount_cents"`
	Status      billing.PaymentStatus `json:"status"`
	ExternalRef string                `json:"external_ref"`
	ReceivedAt  time.Time             `json:"received_at"`
}

// PaymentResult reports what a confirmation changed
type PaymentResult struct {
	// Recorded is false when the external ref had already been seen
	Recorded       bool                  `json:"recorded"`
	PaidCents      int64                 `json:"paid_cents"`
	Status         billing.InvoiceStatus `json:"status"`
	MilestonesPaid int                   `json:"milestones_paid"`
}

// ConfirmPayment records a processor confirmation and recomputes the paid
// state of the invoice. Replaying the same external ref changes nothing, but
// still re-derives status so a crash between record and transition heals.
func (s *Service) ConfirmPayment(ctx context.Context, pc PaymentConfirmation, now time.Time) (_ PaymentResult, err error) {
	const op = "confirm payment"
	ctx, span := observability.StartSpan(ctx, "invoicing.confirm_payment",
		append(observability.EntityAttributes(string(billing.EntityInvoice), pc.InvoiceID),
			attribute.String("banquet.external_ref", pc.ExternalRef))...,
	)
	defer func() {
		observability.RecordSpanError(span, err)
		span.End()
		s.metrics.RecordInvoiceOperation("confirm_payment", opStatus(err))
	}()

	if strings.TrimSpace(pc.ExternalRef) == "" {
		return PaymentResult{}, billing.Validation(op, "external ref is required")
	}
	if pc.AmountCents <= 0 {
		return PaymentResult{}, billing.Validation(op, "amount must be positive, got %d", pc.AmountCents)
	}
	if pc.Status == "" {
		pc.Status = billing.PaymentStatusCompleted
	}
	if pc.ReceivedAt.IsZero() {
		pc.ReceivedAt = now
	}

	tx := &billing.PaymentTransaction{
		InvoiceID:   pc.InvoiceID,
		AmountCents: pc.AmountCents,
		Status:      pc.Status,
		ExternalRef: pc.ExternalRef,
		ReceivedAt:  pc.ReceivedAt,
	}
	recorded, err := s.store.RecordPayment(ctx, tx)
	if err != nil {
		return PaymentResult{}, err
	}
	if recorded {
		s.metrics.RecordPayment("recorded")
	} else {
		s.metrics.RecordPayment("duplicate")
	}

	res := PaymentResult{Recorded: recorded}
	inv, err := s.store.GetInvoice(ctx, pc.InvoiceID)
	if err != nil {
		return res, err
	}
	res.Status = inv.Status
	if res.PaidCents, err = s.store.SumCompletedPayments(ctx, inv.ID); err != nil {
		return res, err
	}

	logger := observability.FromContext(ctx).WithFields(map[string]interface{}{
		"invoice_id":   inv.ID,
		"external_ref": pc.ExternalRef,
		"paid":         res.PaidCents,
		"total":        inv.TotalCents,
	})
	if inv.Status.IsTerminal() || inv.Status == billing.InvoiceStatusDraft {
		logger.WithField("status", string(inv.Status)).Warn("payment received for invoice not awaiting payment")
		return res, nil
	}

	var target billing.InvoiceStatus
	switch {
	case res.PaidCents >= inv.TotalCents-paidTolerance:
		target = billing.InvoiceStatusPaid
	case res.PaidCents > 0:
		target = billing.InvoiceStatusPartiallyPaid
	}
	if target != "" {
		tr, err := s.engine.TransitionInvoice(ctx, inv.ID, target, billing.ActorPayments, "payment "+pc.ExternalRef, now)
		if err != nil && !errors.Is(err, workflow.ErrTransitionNotAllowed) {
			return res, err
		}
		if err == nil {
			res.Status = billing.InvoiceStatus(tr.To)
		}
	}

	if res.MilestonesPaid, err = s.settleMilestones(ctx, inv.ID, res.PaidCents, pc.ReceivedAt); err != nil {
		return res, err
	}
	logger.WithField("status", string(res.Status)).Info("payment confirmed")
	return res, nil
}

// settleMilestones marks pending milestones paid in schedule order while the
// cumulative paid amount covers them
func (s *Service) settleMilestones(ctx context.Context, invoiceID, paid int64, at time.Time) (int, error) {
	milestones, err := s.store.ListMilestones(ctx, invoiceID)
	if err != nil {
		return 0, err
	}
	sort.SliceStable(milestones, func(i, j int) bool { return milestones[i].Position < milestones[j].Position })

	var covered int64
	var ids []int64
	for _, m := range milestones {
		covered += m.AmountCents
		if covered > paid+paidTolerance {
			break
		}
		if m.Status == billing.MilestoneStatusPending {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.store.MarkMilestonesPaid(ctx, invoiceID, ids, at); err != nil {
		return 0, err
	}
	return len(ids), nil
}
