package invoicing

import (
	"context"
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

var now = time.Date(2025, 3, 3, 16, 0, 0, 0, time.UTC)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newService(t *testing.T) (*Service, *storage.MemoryStore, *observability.Metrics) {
	t.Helper()
	store := storage.NewMemoryStore()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	engine := workflow.NewEngine(store, workflow.WithMetrics(metrics))
	svc := NewService(store, engine, billing.NewTaxCalculator(billing.DefaultTaxRateBasisPoints), WithMetrics(metrics))
	return svc, store, metrics
}

func saveQuote(t *testing.T, store *storage.MemoryStore, q *billing.Quote) *billing.Quote {
	t.Helper()
	if q.Status == "" {
		q.Status = billing.QuoteStatusEstimated
	}
	if q.CustomerClass == "" {
		q.CustomerClass = billing.CustomerClassStandard
	}
	if q.ContactEmail == "" {
		q.ContactEmail = "jordan@example.com"
	}
	require.NoError(t, store.SaveQuote(context.Background(), q))
	return q
}

func bbqQuote(event time.Time) *billing.Quote {
	return &billing.Quote{
		ContactName: "Jordan Lee",
		EventDate:   &event,
		GuestCount:  40,
		ServiceType: "buffet",
		Selections: []billing.MenuSelection{
			{Category: "proteins", Items: []string{"Brisket", "Pulled Pork"}},
			{Category: "sides", Items: []string{"Mac and Cheese"}},
		},
	}
}

// priceAll sets every line item of an invoice to the given unit prices, in item order
func priceAll(t *testing.T, svc *Service, store *storage.MemoryStore, invoiceID int64, prices ...int64) SyncResult {
	t.Helper()
	items, err := store.ListLineItems(context.Background(), invoiceID)
	require.NoError(t, err)
	require.Len(t, items, len(prices))
	byID := make(map[int64]int64, len(items))
	for i, item := range items {
		byID[item.ID] = prices[i]
	}
	res, err := svc.RevisePrices(context.Background(), invoiceID, byID, "admin@example.com", now)
	require.NoError(t, err)
	return res
}

func TestCreateInvoiceFromQuote_StandardTier(t *testing.T) {
	ctx := context.Background()
	svc, store, metrics := newService(t)
	event := day(2025, 5, 2) // 60 days out
	q := bbqQuote(event)
	q.TaxExempt = true
	saveQuote(t, store, q)

	inv, err := svc.CreateInvoiceFromQuote(ctx, q.ID, now)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceStatusDraft, inv.Status)
	assert.False(t, inv.IsDraft, "the invoice created from a quote is the primary invoice")
	assert.Equal(t, billing.DocumentTypeEstimate, inv.DocumentType)
	assert.NotEmpty(t, inv.AccessToken)
	assert.Equal(t, 1, inv.Version)
	assert.Equal(t, day(2025, 3, 3), inv.IssuedOn)
	require.NotNil(t, inv.DueDate)
	assert.Equal(t, day(2025, 4, 18), *inv.DueDate)

	items, err := store.ListLineItems(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, "Brisket", items[0].Title)
	assert.Equal(t, 40, items[0].Quantity)
	assert.Equal(t, "Buffet Service", items[3].Title)
	assert.Equal(t, 1, items[3].Quantity)

	// 40 x 4000 + 40 x 1000 + 40 x 450 + 0 = 218000, exempt
	res := priceAll(t, svc, store, inv.ID, 4000, 1000, 450, 0)
	assert.Equal(t, int64(218000), res.TotalCents)
	assert.Zero(t, res.TaxCents)
	assert.Equal(t, 2, res.Version)

	ms, err := store.ListMilestones(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, ms, 3)
	assert.Equal(t, []int{10, 40, 50}, []int{ms[0].Percentage, ms[1].Percentage, ms[2].Percentage})
	assert.Equal(t, []int64{21800, 87200, 109000}, []int64{ms[0].AmountCents, ms[1].AmountCents, ms[2].AmountCents})
	assert.True(t, ms[0].DueNow)
	assert.Equal(t, day(2025, 4, 2), *ms[1].DueDate)
	assert.Equal(t, day(2025, 4, 18), *ms[2].DueDate)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.InvoiceOperationsTotal.WithLabelValues("create", "ok")))
}

func TestCreateInvoiceFromQuote_GovernmentRush(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)
	event := day(2025, 3, 13) // 10 days out
	q := bbqQuote(event)
	q.CustomerClass = billing.CustomerClassGovernment
	saveQuote(t, store, q)

	inv, err := svc.CreateInvoiceFromQuote(ctx, q.ID, now)
	require.NoError(t, err)
	assert.True(t, inv.TaxExempt)
	assert.Equal(t, day(2025, 4, 12), *inv.DueDate)

	res := priceAll(t, svc, store, inv.ID, 2000, 1500, 500, 25000)
	assert.Equal(t, int64(185000), res.SubtotalCents)
	assert.Zero(t, res.TaxCents)

	ms, err := store.ListMilestones(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, billing.MilestoneFull, ms[0].Type)
	assert.Equal(t, 100, ms[0].Percentage)
	assert.False(t, ms[0].DueNow)
	assert.Equal(t, int64(185000), ms[0].AmountCents)
}

func TestCreateInvoiceFromQuote_Errors(t *testing.T) {
	ctx := context.Background()
	svc, store, metrics := newService(t)

	_, err := svc.CreateInvoiceFromQuote(ctx, 999, now)
	assert.ErrorIs(t, err, billing.ErrNotFound)

	noDate := saveQuote(t, store, &billing.Quote{GuestCount: 10})
	_, err = svc.CreateInvoiceFromQuote(ctx, noDate.ID, now)
	assert.ErrorIs(t, err, billing.ErrValidation)

	q := saveQuote(t, store, bbqQuote(day(2025, 5, 2)))
	_, err = svc.CreateInvoiceFromQuote(ctx, q.ID, now)
	require.NoError(t, err)
	_, err = svc.CreateInvoiceFromQuote(ctx, q.ID, now)
	assert.ErrorIs(t, err, billing.ErrIntegrity)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.InvoiceOperationsTotal.WithLabelValues("create", "integrity")))
}

func TestResyncInvoice_PreservesPrices(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)
	q := saveQuote(t, store, bbqQuote(day(2025, 5, 2)))
	inv, err := svc.CreateInvoiceFromQuote(ctx, q.ID, now)
	require.NoError(t, err)
	priced := priceAll(t, svc, store, inv.ID, 4000, 1000, 450, 15000)

	before, err := store.ListLineItems(ctx, inv.ID)
	require.NoError(t, err)

	res, err := svc.ResyncInvoice(ctx, inv.ID, q.ID, now)
	require.NoError(t, err)
	assert.Equal(t, priced.TotalCents, res.TotalCents)
	assert.Equal(t, priced.Version+1, res.Version)

	after, err := store.ListLineItems(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Title, after[i].Title)
		assert.Equal(t, before[i].UnitPriceCents, after[i].UnitPriceCents, before[i].Title)
	}

	logs, err := store.ListStateLogs(ctx, billing.EntityInvoice, inv.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1, "only the price revision changed the total")
	assert.Equal(t, "total_cents", logs[0].Field)
}

func TestResyncInvoice_MenuChange(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)
	q := saveQuote(t, store, bbqQuote(day(2025, 5, 2)))
	inv, err := svc.CreateInvoiceFromQuote(ctx, q.ID, now)
	require.NoError(t, err)
	priceAll(t, svc, store, inv.ID, 4000, 1000, 450, 15000)

	q.Selections = []billing.MenuSelection{
		{Category: "desserts", Items: []string{"Peach Cobbler"}},
		{Category: "proteins", Items: []string{"  brisket "}},
	}
	q.GuestCount = 50
	require.NoError(t, store.SaveQuote(ctx, q))

	res, err := svc.ResyncInvoice(ctx, inv.ID, q.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 3, res.LineItemCount)
	// brisket keeps 4000 at 50 guests, cobbler is new at zero, service keeps 15000
	assert.Equal(t, int64(50*4000+15000), res.SubtotalCents)
	assert.Equal(t, int64(17200), res.TaxCents)

	items, err := store.ListLineItems(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.CategoryPackage, items[0].Category)
	assert.Equal(t, "Peach Cobbler", items[1].Title)
	assert.Zero(t, items[1].UnitPriceCents)

	ms, err := store.ListMilestones(ctx, inv.ID)
	require.NoError(t, err)
	var sum int64
	for _, m := range ms {
		sum += m.AmountCents
	}
	assert.Equal(t, res.TotalCents, sum)
}

func TestResyncInvoice_Errors(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)
	q := saveQuote(t, store, bbqQuote(day(2025, 5, 2)))
	other := saveQuote(t, store, bbqQuote(day(2025, 6, 2)))
	inv, err := svc.CreateInvoiceFromQuote(ctx, q.ID, now)
	require.NoError(t, err)
	priceAll(t, svc, store, inv.ID, 4000, 1000, 450, 15000)

	_, err = svc.ResyncInvoice(ctx, inv.ID, other.ID, now)
	assert.ErrorIs(t, err, billing.ErrValidation)

	_, err = svc.ResyncInvoice(ctx, 404, q.ID, now)
	assert.ErrorIs(t, err, billing.ErrNotFound)

	cur, err := store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	drift := billing.Totals{SubtotalCents: 1, TaxCents: 0, TotalCents: 1}
	require.NoError(t, store.CorrectTotals(ctx, inv.ID, cur.Version, drift, nil, billing.StateLog{Field: "total_cents", CreatedAt: now}))
	_, err = svc.ResyncInvoice(ctx, inv.ID, q.ID, now)
	assert.ErrorIs(t, err, billing.ErrIntegrity)
}

func TestRevisePrices_Validation(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)
	q := saveQuote(t, store, bbqQuote(day(2025, 5, 2)))
	inv, err := svc.CreateInvoiceFromQuote(ctx, q.ID, now)
	require.NoError(t, err)
	items, err := store.ListLineItems(ctx, inv.ID)
	require.NoError(t, err)

	_, err = svc.RevisePrices(ctx, inv.ID, nil, "admin", now)
	assert.ErrorIs(t, err, billing.ErrValidation)

	_, err = svc.RevisePrices(ctx, inv.ID, map[int64]int64{items[0].ID: -5}, "admin", now)
	assert.ErrorIs(t, err, billing.ErrValidation)

	_, err = svc.RevisePrices(ctx, inv.ID, map[int64]int64{items[0].ID: 100, 987654: 100}, "admin", now)
	assert.ErrorIs(t, err, billing.ErrValidation)

	cur, err := store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Version, "failed revisions write nothing")
}
