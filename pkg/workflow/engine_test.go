package workflow

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/banquet/pkg/billing"
	"github.com/platinummonkey/banquet/pkg/observability"
	"github.com/platinummonkey/banquet/pkg/storage"
)

func seed(t *testing.T, s *storage.MemoryStore, qs billing.QuoteStatus, is billing.InvoiceStatus, due time.Time) (*billing.Quote, *billing.Invoice) {
	t.Helper()
	ctx := context.Background()
	event := billing.AddDays(due, 20)
	q := &billing.Quote{
		ContactName:   "Avery Cruz",
		ContactEmail:  "avery@example.com",
		EventDate:     &event,
		GuestCount:    40,
		CustomerClass: billing.CustomerClassStandard,
		Status:        qs,
	}
	require.NoError(t, s.SaveQuote(ctx, q))

	inv := &billing.Invoice{
		QuoteID:       q.ID,
		SubtotalCents: 10000,
		TaxCents:      800,
		TotalCents:    10800,
		DueDate:       &due,
		DocumentType:  billing.DocumentTypeInvoice,
		Status:        is,
		AccessToken:   "token-1",
		Version:       1,
	}
	items := []billing.LineItem{{Title: "Brisket", Category: billing.CategoryPackage, Quantity: 40, UnitPriceCents: 250, TotalPriceCents: 10000}}
	require.NoError(t, s.CreateInvoice(ctx, inv, items, nil))
	return q, inv
}

// conflictStore moves the row under the engine before its write lands
type conflictStore struct {
	*storage.MemoryStore
	race func()
}

func (c *conflictStore) UpdateInvoiceStatus(ctx context.Context, id int64, from, to billing.InvoiceStatus, log billing.StateLog) error {
	if c.race != nil {
		c.race()
		c.race = nil
	}
	return c.MemoryStore.UpdateInvoiceStatus(ctx, id, from, to, log)
}

func TestEngine_OverdueWritesOneStateLog(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	now := time.Date(2026, 6, 10, 15, 0, 0, 0, time.UTC)
	_, inv := seed(t, s, billing.QuoteStatusEstimated, billing.InvoiceStatusSent, day(2026, 6, 9))
	engine := NewEngine(s)

	res, err := engine.AutoTransitionInvoice(ctx, inv.ID, billing.InvoiceStatusOverdue, billing.ActorAutomation, "due date passed", now)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "sent", res.From)

	res, err = engine.AutoTransitionInvoice(ctx, inv.ID, billing.InvoiceStatusOverdue, billing.ActorAutomation, "due date passed", now)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	logs, err := s.ListStateLogs(ctx, billing.EntityInvoice, inv.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "sent", logs[0].Previous)
	assert.Equal(t, "overdue", logs[0].New)
	assert.Equal(t, billing.ActorAutomation, logs[0].Actor)
	assert.Equal(t, billing.FieldStatus, logs[0].Field)
}

func TestEngine_TodayUsesLocation(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	_, inv := seed(t, s, billing.QuoteStatusEstimated, billing.InvoiceStatusSent, day(2026, 6, 9))

	chicago := time.FixedZone("CDT", -5*60*60)
	// 03:00 UTC on the 10th is still the 9th in Chicago, so nothing is overdue yet
	now := time.Date(2026, 6, 10, 3, 0, 0, 0, time.UTC)

	_, err := NewEngine(s, WithLocation(chicago)).AutoTransitionInvoice(ctx, inv.ID, billing.InvoiceStatusOverdue, billing.ActorAutomation, "", now)
	assert.ErrorIs(t, err, ErrGuardFailed)

	res, err := NewEngine(s).AutoTransitionInvoice(ctx, inv.ID, billing.InvoiceStatusOverdue, billing.ActorAutomation, "", now)
	require.NoError(t, err)
	assert.True(t, res.Changed)
}

func TestEngine_SendChecksLineItems(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	_, inv := seed(t, s, billing.QuoteStatusEstimated, billing.InvoiceStatusDraft, day(2026, 7, 1))

	res, err := NewEngine(s).TransitionInvoice(ctx, inv.ID, billing.InvoiceStatusSent, "admin:sam", "ready", day(2026, 6, 1))
	require.NoError(t, err)
	assert.True(t, res.Changed)

	got, err := s.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceStatusSent, got.Status)
}

func TestEngine_PaidNeedsPayments(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	_, inv := seed(t, s, billing.QuoteStatusEstimated, billing.InvoiceStatusPaymentPending, day(2026, 7, 1))
	engine := NewEngine(s)
	now := day(2026, 6, 1)

	_, err := engine.TransitionInvoice(ctx, inv.ID, billing.InvoiceStatusPaid, billing.ActorPayments, "", now)
	assert.ErrorIs(t, err, ErrGuardFailed)

	_, err = s.RecordPayment(ctx, &billing.PaymentTransaction{
		InvoiceID: inv.ID, AmountCents: 10800, Status: billing.PaymentStatusCompleted, ExternalRef: "pi_1", ReceivedAt: now,
	})
	require.NoError(t, err)

	res, err := engine.TransitionInvoice(ctx, inv.ID, billing.InvoiceStatusPaid, billing.ActorPayments, "", now)
	require.NoError(t, err)
	assert.True(t, res.Changed)
}

func TestEngine_ConcurrentSameMoveIsNoop(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	_, inv := seed(t, mem, billing.QuoteStatusEstimated, billing.InvoiceStatusSent, day(2026, 6, 1))
	now := day(2026, 6, 10)

	s := &conflictStore{MemoryStore: mem}
	s.race = func() {
		log := billing.NewStatusLog(billing.EntityInvoice, inv.ID, "sent", "overdue", billing.ActorAutomation, "other sweep", now)
		require.NoError(t, mem.UpdateInvoiceStatus(ctx, inv.ID, billing.InvoiceStatusSent, billing.InvoiceStatusOverdue, log))
	}

	res, err := NewEngine(s).AutoTransitionInvoice(ctx, inv.ID, billing.InvoiceStatusOverdue, billing.ActorAutomation, "", now)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	logs, err := mem.ListStateLogs(ctx, billing.EntityInvoice, inv.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestEngine_ConcurrentDifferentMoveFails(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	_, inv := seed(t, mem, billing.QuoteStatusEstimated, billing.InvoiceStatusSent, day(2026, 6, 1))
	now := day(2026, 6, 10)

	s := &conflictStore{MemoryStore: mem}
	s.race = func() {
		log := billing.NewStatusLog(billing.EntityInvoice, inv.ID, "sent", "cancelled", "admin:sam", "", now)
		require.NoError(t, mem.UpdateInvoiceStatus(ctx, inv.ID, billing.InvoiceStatusSent, billing.InvoiceStatusCancelled, log))
	}

	_, err := NewEngine(s).AutoTransitionInvoice(ctx, inv.ID, billing.InvoiceStatusOverdue, billing.ActorAutomation, "", now)
	assert.ErrorIs(t, err, billing.ErrConcurrency)
}

func TestEngine_QuoteAutoConfirm(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	q, inv := seed(t, s, billing.QuoteStatusEstimated, billing.InvoiceStatusPaymentPending, day(2026, 7, 1))
	engine := NewEngine(s)
	now := day(2026, 6, 1)

	_, err := engine.AutoTransitionQuote(ctx, q.ID, billing.QuoteStatusConfirmed, billing.ActorAutomation, "", now)
	assert.ErrorIs(t, err, ErrGuardFailed)

	log := billing.NewStatusLog(billing.EntityInvoice, inv.ID, "payment_pending", "paid", billing.ActorPayments, "", now)
	require.NoError(t, s.UpdateInvoiceStatus(ctx, inv.ID, billing.InvoiceStatusPaymentPending, billing.InvoiceStatusPaid, log))

	var buf bytes.Buffer
	lctx := observability.WithLogger(ctx, observability.NewLogger(observability.InfoLevel, &buf))
	res, err := engine.AutoTransitionQuote(lctx, q.ID, billing.QuoteStatusConfirmed, billing.ActorAutomation, "invoice paid", now)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Contains(t, buf.String(), "quote status changed")

	got, err := s.GetQuote(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.QuoteStatusConfirmed, got.Status)
	assert.Equal(t, billing.ActorAutomation, got.StatusChangedBy)
}

func TestEngine_NotFound(t *testing.T) {
	engine := NewEngine(storage.NewMemoryStore())
	_, err := engine.TransitionQuote(context.Background(), 99, billing.QuoteStatusCancelled, "admin", "", time.Now())
	assert.ErrorIs(t, err, billing.ErrNotFound)
	_, err = engine.TransitionInvoice(context.Background(), 99, billing.InvoiceStatusCancelled, "admin", "", time.Now())
	assert.ErrorIs(t, err, billing.ErrNotFound)
}
