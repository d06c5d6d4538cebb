package sqlstore

import (
	"context"
	"fmt"
	"strings"
)

// schema is written once with dialect tokens:
// {{id}} for the auto-increment primary key, {{ts}} for timestamps.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS quotes (
		id {{id}},
		contact_name VARCHAR(255) NOT NULL,
		contact_email VARCHAR(255) NOT NULL,
		contact_phone VARCHAR(50) NOT NULL DEFAULT '',
		event_date DATE,
		guest_count INTEGER NOT NULL DEFAULT 0,
		service_type VARCHAR(100) NOT NULL DEFAULT '',
		customer_class VARCHAR(20) NOT NULL DEFAULT 'standard',
		tax_exempt BOOLEAN NOT NULL DEFAULT FALSE,
		selections TEXT NOT NULL DEFAULT '[]',
		status VARCHAR(30) NOT NULL,
		status_changed_at {{ts}},
		status_changed_by VARCHAR(255) NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_quotes_status_event ON quotes(status, event_date)`,

	`CREATE TABLE IF NOT EXISTS invoices (
		id {{id}},
		quote_id BIGINT NOT NULL REFERENCES quotes(id),
		subtotal_cents BIGINT NOT NULL DEFAULT 0,
		tax_cents BIGINT NOT NULL DEFAULT 0,
		total_cents BIGINT NOT NULL DEFAULT 0,
		tax_exempt BOOLEAN NOT NULL DEFAULT FALSE,
		due_date DATE,
		document_type VARCHAR(20) NOT NULL,
		status VARCHAR(30) NOT NULL,
		is_draft BOOLEAN NOT NULL DEFAULT FALSE,
		access_token VARCHAR(64) NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		reminders_sent INTEGER NOT NULL DEFAULT 0,
		last_reminder_at {{ts}},
		issued_on DATE NOT NULL,
		status_changed_at {{ts}},
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL,
		CHECK (total_cents = subtotal_cents + tax_cents)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_status_due ON invoices(status, due_date)`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_quote ON invoices(quote_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_primary_per_quote ON invoices(quote_id)
		WHERE is_draft = FALSE AND status <> 'cancelled'`,

	`CREATE TABLE IF NOT EXISTS line_items (
		id {{id}},
		invoice_id BIGINT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
		title VARCHAR(255) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category VARCHAR(30) NOT NULL,
		quantity INTEGER NOT NULL,
		unit_price_cents BIGINT NOT NULL,
		total_price_cents BIGINT NOT NULL,
		sort_order INTEGER NOT NULL,
		CHECK (total_price_cents = quantity * unit_price_cents)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_line_items_invoice ON line_items(invoice_id, sort_order)`,

	`CREATE TABLE IF NOT EXISTS payment_milestones (
		id {{id}},
		invoice_id BIGINT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
		type VARCHAR(20) NOT NULL,
		percentage INTEGER NOT NULL,
		amount_cents BIGINT NOT NULL,
		due_date DATE,
		due_now BOOLEAN NOT NULL DEFAULT FALSE,
		status VARCHAR(20) NOT NULL,
		position INTEGER NOT NULL,
		paid_at {{ts}}
	)`,
	`CREATE INDEX IF NOT EXISTS idx_milestones_due ON payment_milestones(status, due_date)`,

	`CREATE TABLE IF NOT EXISTS payment_transactions (
		id {{id}},
		invoice_id BIGINT NOT NULL REFERENCES invoices(id),
		amount_cents BIGINT NOT NULL,
		status VARCHAR(20) NOT NULL,
		external_ref VARCHAR(255) NOT NULL UNIQUE,
		received_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_invoice ON payment_transactions(invoice_id, status)`,

	`CREATE TABLE IF NOT EXISTS reminder_logs (
		id VARCHAR(36) PRIMARY KEY,
		entity_type VARCHAR(20) NOT NULL,
		entity_id BIGINT NOT NULL,
		type VARCHAR(40) NOT NULL,
		recipient VARCHAR(255) NOT NULL,
		urgency VARCHAR(20) NOT NULL,
		sent_at {{ts}} NOT NULL,
		sent_on DATE NOT NULL,
		UNIQUE (entity_type, entity_id, type, sent_on)
	)`,

	`CREATE TABLE IF NOT EXISTS state_logs (
		id VARCHAR(36) PRIMARY KEY,
		entity_type VARCHAR(20) NOT NULL,
		entity_id BIGINT NOT NULL,
		field VARCHAR(40) NOT NULL,
		previous_value VARCHAR(255) NOT NULL,
		new_value VARCHAR(255) NOT NULL,
		actor VARCHAR(255) NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_state_logs_entity ON state_logs(entity_type, entity_id, created_at)`,
}

func (d Dialect) ddl(stmt string) string {
	switch d {
	case DialectPostgres:
		stmt = strings.ReplaceAll(stmt, "{{id}}", "BIGSERIAL PRIMARY KEY")
		stmt = strings.ReplaceAll(stmt, "{{ts}}", "TIMESTAMP WITH TIME ZONE")
	default:
		stmt = strings.ReplaceAll(stmt, "{{id}}", "INTEGER PRIMARY KEY AUTOINCREMENT")
		stmt = strings.ReplaceAll(stmt, "{{ts}}", "TIMESTAMP")
	}
	return stmt
}

// Migrate creates the schema if it doesn't exist
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, s.dialect.ddl(stmt)); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
