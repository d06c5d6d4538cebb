//go:build integration

package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/banquet/pkg/billing"
	"github.com/platinummonkey/banquet/pkg/observability"
	"github.com/platinummonkey/banquet/pkg/storage"
)

// setupPostgresStore starts a PostgreSQL container and opens a migrated store against it
func setupPostgresStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("banquet_test"),
		postgres.WithUsername("banquet"),
		postgres.WithPassword("banquet_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := storage.DefaultConfig()
	cfg.Driver = "postgres"
	cfg.URL = connStr
	cfg.AutoMigrate = true
	s, err := Open(ctx, cfg, observability.NewLogger(observability.ErrorLevel, nil))
	require.NoError(t, err)

	t.Cleanup(func() {
		s.Close()
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})
	return s
}

func TestPostgresStore_InvoiceLifecycle(t *testing.T) {
	ctx := context.Background()
	s := setupPostgresStore(t)
	require.NoError(t, s.Migrate(ctx))

	q := seedQuote(t, s, billing.QuoteStatusEstimated, day(2026, 3, 14))
	inv := seedInvoice(t, s, q.ID, billing.InvoiceStatusDraft, day(2026, 2, 28))

	dup := *inv
	dup.ID = 0
	assert.ErrorIs(t, s.CreateInvoice(ctx, &dup, nil, nil), billing.ErrIntegrity)

	log := billing.NewStatusLog(billing.EntityInvoice, inv.ID, "draft", "sent", "ops@example.com", "", day(2026, 1, 11))
	require.NoError(t, s.UpdateInvoiceStatus(ctx, inv.ID, billing.InvoiceStatusDraft, billing.InvoiceStatusSent, log))
	assert.ErrorIs(t, s.UpdateInvoiceStatus(ctx, inv.ID, billing.InvoiceStatusDraft, billing.InvoiceStatusSent, log), billing.ErrConcurrency)

	ref := day(2026, 3, 1)
	overdue, err := s.ListInvoices(ctx, storage.InvoiceFilter{
		Statuses:         []billing.InvoiceStatus{billing.InvoiceStatusSent},
		DueBefore:        &ref,
		QuoteStatusNotIn: []billing.QuoteStatus{billing.QuoteStatusCancelled},
	})
	require.NoError(t, err)
	require.Len(t, overdue, 1)

	version, err := s.ApplyRevision(ctx, storage.Revision{
		InvoiceID:       inv.ID,
		ExpectedVersion: 1,
		Items:           []billing.LineItem{{Title: "Taco Bar", Category: billing.CategoryPackage, Quantity: 10, UnitPriceCents: 120, TotalPriceCents: 1200}},
		Totals:          billing.Totals{SubtotalCents: 1200, TaxCents: 96, TotalCents: 1296},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	created, err := s.RecordPayment(ctx, &billing.PaymentTransaction{InvoiceID: inv.ID, AmountCents: 1296,
		Status: billing.PaymentStatusCompleted, ExternalRef: "pi_pg_1", ReceivedAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.RecordPayment(ctx, &billing.PaymentTransaction{InvoiceID: inv.ID, AmountCents: 1296,
		Status: billing.PaymentStatusCompleted, ExternalRef: "pi_pg_1", ReceivedAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, created)

	reminder := billing.ReminderLog{EntityType: billing.EntityInvoice, EntityID: inv.ID, Type: billing.ReminderOverduePayment,
		Recipient: "jordan@example.com", Urgency: billing.UrgencyHigh, SentAt: time.Now(), SentOn: day(2026, 3, 2)}
	require.NoError(t, s.AppendReminderLog(ctx, reminder))
	assert.ErrorIs(t, s.AppendReminderLog(ctx, reminder), billing.ErrConcurrency)

	logs, err := s.ListStateLogs(ctx, billing.EntityInvoice, inv.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}
