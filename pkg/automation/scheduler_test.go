package automation

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/banquet/pkg/billing"
	"github.com/platinummonkey/banquet/pkg/observability"
	"github.com/platinummonkey/banquet/pkg/storage"
	"github.com/platinummonkey/banquet/pkg/workflow"
)

var now = time.Date(2026, 6, 10, 15, 0, 0, 0, time.UTC)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type fixture struct {
	t     *testing.T
	store *storage.MemoryStore
}

func (f fixture) quote(status billing.QuoteStatus, event time.Time) *billing.Quote {
	f.t.Helper()
	q := &billing.Quote{
		ContactName:   "Sam Okafor",
		ContactEmail:  "sam@example.com",
		EventDate:     &event,
		GuestCount:    25,
		CustomerClass: billing.CustomerClassStandard,
		Status:        status,
	}
	require.NoError(f.t, f.store.SaveQuote(context.Background(), q))
	return q
}

func (f fixture) invoice(q *billing.Quote, status billing.InvoiceStatus, due time.Time) *billing.Invoice {
	f.t.Helper()
	inv := &billing.Invoice{
		QuoteID:       q.ID,
		SubtotalCents: 50000,
		TaxCents:      4000,
		TotalCents:    54000,
		DueDate:       &due,
		DocumentType:  billing.DocumentTypeInvoice,
		Status:        status,
		AccessToken:   "tok",
		Version:       1,
	}
	items := []billing.LineItem{{Title: "Tamales", Category: billing.CategoryPackage, Quantity: 25, UnitPriceCents: 2000, TotalPriceCents: 50000}}
	require.NoError(f.t, f.store.CreateInvoice(context.Background(), inv, items, nil))
	return inv
}

func newScheduler(store workflow.Store, list Store) (*Scheduler, *observability.Metrics) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	engine := workflow.NewEngine(store, workflow.WithMetrics(metrics))
	return NewScheduler(list, engine, Config{Workers: 4, EntityTimeout: time.Second, Deadline: 5 * time.Second}, metrics), metrics
}

func TestRunSweep_MarksOverdue(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	f := fixture{t, store}
	due := f.invoice(f.quote(billing.QuoteStatusEstimated, day(2026, 7, 1)), billing.InvoiceStatusSent, day(2026, 6, 9))
	notYet := f.invoice(f.quote(billing.QuoteStatusEstimated, day(2026, 7, 1)), billing.InvoiceStatusSent, day(2026, 6, 10))
	draft := f.invoice(f.quote(billing.QuoteStatusPending, day(2026, 7, 1)), billing.InvoiceStatusDraft, day(2026, 6, 1))
	paid := f.invoice(f.quote(billing.QuoteStatusConfirmed, day(2026, 7, 1)), billing.InvoiceStatusPaid, day(2026, 6, 1))

	s, metrics := newScheduler(store, store)
	res, err := s.RunSweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MarkedOverdue)
	assert.Empty(t, res.Errors)
	assert.NotEmpty(t, res.RunID)

	for id, want := range map[int64]billing.InvoiceStatus{
		due.ID:    billing.InvoiceStatusOverdue,
		notYet.ID: billing.InvoiceStatusSent,
		draft.ID:  billing.InvoiceStatusDraft,
		paid.ID:   billing.InvoiceStatusPaid,
	} {
		inv, err := store.GetInvoice(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, inv.Status, "invoice %d", id)
	}

	logs, err := store.ListStateLogs(ctx, billing.EntityInvoice, due.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "sent", logs[0].Previous)
	assert.Equal(t, "overdue", logs[0].New)
	assert.Equal(t, billing.ActorAutomation, logs[0].Actor)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SweepEntitiesTotal.WithLabelValues(sweepName, TaskOverdue, observability.OutcomeChanged)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SweepRunsTotal.WithLabelValues(sweepName, "ok")))
}

func TestRunSweep_AutoConfirmAndComplete(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	f := fixture{t, store}

	estimated := f.quote(billing.QuoteStatusEstimated, day(2026, 8, 1))
	f.invoice(estimated, billing.InvoiceStatusPaid, day(2026, 7, 18))
	cancelled := f.quote(billing.QuoteStatusCancelled, day(2026, 8, 1))
	f.invoice(cancelled, billing.InvoiceStatusPaid, day(2026, 7, 18))
	unpaid := f.quote(billing.QuoteStatusEstimated, day(2026, 8, 1))
	f.invoice(unpaid, billing.InvoiceStatusPartiallyPaid, day(2026, 7, 18))

	finished := f.quote(billing.QuoteStatusConfirmed, day(2026, 6, 8))
	yesterday := f.quote(billing.QuoteStatusConfirmed, day(2026, 6, 9))

	s, _ := newScheduler(store, store)
	res, err := s.RunSweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AutoConfirmed)
	assert.Equal(t, 1, res.AutoCompleted)
	assert.Empty(t, res.Errors)

	for id, want := range map[int64]billing.QuoteStatus{
		estimated.ID: billing.QuoteStatusConfirmed,
		cancelled.ID: billing.QuoteStatusCancelled,
		unpaid.ID:    billing.QuoteStatusEstimated,
		finished.ID:  billing.QuoteStatusCompleted,
		yesterday.ID: billing.QuoteStatusConfirmed,
	} {
		q, err := store.GetQuote(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, q.Status, "quote %d", id)
	}

	logs, err := store.ListStateLogs(ctx, billing.EntityQuote, estimated.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "estimated", logs[0].Previous)
	assert.Equal(t, "confirmed", logs[0].New)
}

func TestRunSweep_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	f := fixture{t, store}
	overdue := f.invoice(f.quote(billing.QuoteStatusApproved, day(2026, 7, 1)), billing.InvoiceStatusPaymentPending, day(2026, 6, 9))
	confirm := f.quote(billing.QuoteStatusEstimated, day(2026, 8, 1))
	f.invoice(confirm, billing.InvoiceStatusPaid, day(2026, 7, 18))
	complete := f.quote(billing.QuoteStatusConfirmed, day(2026, 6, 1))

	s, _ := newScheduler(store, store)
	first, err := s.RunSweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, first.MarkedOverdue)
	assert.Equal(t, 1, first.AutoConfirmed)
	assert.Equal(t, 1, first.AutoCompleted)

	countLogs := func() int {
		n := 0
		for _, ref := range []struct {
			e  billing.EntityType
			id int64
		}{{billing.EntityInvoice, overdue.ID}, {billing.EntityQuote, confirm.ID}, {billing.EntityQuote, complete.ID}} {
			logs, err := store.ListStateLogs(ctx, ref.e, ref.id)
			require.NoError(t, err)
			n += len(logs)
		}
		return n
	}
	before := countLogs()

	second, err := s.RunSweep(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, second.MarkedOverdue)
	assert.Zero(t, second.AutoConfirmed)
	assert.Zero(t, second.AutoCompleted)
	assert.Empty(t, second.Errors)
	assert.Equal(t, before, countLogs())

	q, err := store.GetQuote(ctx, confirm.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.QuoteStatusConfirmed, q.Status)
}

// flakyStore fails status writes for one invoice
type flakyStore struct {
	*storage.MemoryStore
	failID int64
}

func (f *flakyStore) UpdateInvoiceStatus(ctx context.Context, id int64, from, to billing.InvoiceStatus, log billing.StateLog) error {
	if id == f.failID {
		return errors.New("connection reset by peer")
	}
	return f.MemoryStore.UpdateInvoiceStatus(ctx, id, from, to, log)
}

func TestRunSweep_EntityFailureDoesNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	f := fixture{t, store}
	bad := f.invoice(f.quote(billing.QuoteStatusEstimated, day(2026, 7, 1)), billing.InvoiceStatusSent, day(2026, 6, 1))
	good := f.invoice(f.quote(billing.QuoteStatusEstimated, day(2026, 7, 1)), billing.InvoiceStatusSent, day(2026, 6, 1))
	complete := f.quote(billing.QuoteStatusConfirmed, day(2026, 6, 1))

	var buf bytes.Buffer
	ctx = observability.WithLogger(ctx, observability.NewLogger(observability.InfoLevel, &buf))
	s, _ := newScheduler(&flakyStore{MemoryStore: store, failID: bad.ID}, store)
	res, err := s.RunSweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MarkedOverdue)
	assert.Equal(t, 1, res.AutoCompleted)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "connection reset")
	assert.Contains(t, buf.String(), "sweep finished")

	inv, err := store.GetInvoice(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceStatusOverdue, inv.Status)
	q, err := store.GetQuote(ctx, complete.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.QuoteStatusCompleted, q.Status)
}

// brokenLister fails candidate selection
type brokenLister struct {
	*storage.MemoryStore
	invoices, quotes bool
}

func (b *brokenLister) ListInvoices(ctx context.Context, filter storage.InvoiceFilter) ([]*billing.Invoice, error) {
	if b.invoices {
		return nil, errors.New("invoices table locked")
	}
	return b.MemoryStore.ListInvoices(ctx, filter)
}

func (b *brokenLister) ListQuotes(ctx context.Context, filter storage.QuoteFilter) ([]*billing.Quote, error) {
	if b.quotes {
		return nil, errors.New("quotes table locked")
	}
	return b.MemoryStore.ListQuotes(ctx, filter)
}

func TestRunSweep_SelectionFailures(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	f := fixture{t, store}
	complete := f.quote(billing.QuoteStatusConfirmed, day(2026, 6, 1))

	t.Run("one source down keeps the other tasks", func(t *testing.T) {
		s, _ := newScheduler(store, &brokenLister{MemoryStore: store, invoices: true})
		res, err := s.RunSweep(ctx, now)
		require.NoError(t, err)
		assert.Len(t, res.Errors, 2)
		assert.Equal(t, 1, res.AutoCompleted)

		q, err := store.GetQuote(ctx, complete.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.QuoteStatusCompleted, q.Status)
	})

	t.Run("every selection failing fails the sweep", func(t *testing.T) {
		s, metrics := newScheduler(store, &brokenLister{MemoryStore: store, invoices: true, quotes: true})
		res, err := s.RunSweep(ctx, now)
		require.Error(t, err)
		assert.Len(t, res.Errors, 3)
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SweepRunsTotal.WithLabelValues(sweepName, "error")))
	})
}

func TestRunSweep_UsesConfiguredZone(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	f := fixture{t, store}
	inv := f.invoice(f.quote(billing.QuoteStatusEstimated, day(2026, 7, 1)), billing.InvoiceStatusSent, day(2026, 6, 9))

	// 02:00 UTC on June 10 is still June 9 in Chicago
	early := time.Date(2026, 6, 10, 2, 0, 0, 0, time.UTC)
	engine := workflow.NewEngine(store, workflow.WithLocation(time.FixedZone("CDT", -5*60*60)))
	s := NewScheduler(store, engine, Config{}, nil)

	res, err := s.RunSweep(ctx, early)
	require.NoError(t, err)
	assert.Zero(t, res.MarkedOverdue)

	res, err = s.RunSweep(ctx, early.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.MarkedOverdue)

	got, err := store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceStatusOverdue, got.Status)
}
