package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/banquet/pkg/billing"
	"github.com/platinummonkey/banquet/pkg/storage"
)

const invoiceColumns = `i.id, i.quote_id, i.subtotal_cents, i.tax_cents, i.total_cents, i.tax_exempt,
	i.due_date, i.document_type, i.status, i.is_draft, i.access_token, i.version, i.reminders_sent,
	i.last_reminder_at, i.issued_on, i.status_changed_at, i.created_at, i.updated_at`

func scanInvoice(row rowScanner) (*billing.Invoice, error) {
	inv := &billing.Invoice{}
	var (
		dueDate       civilDate
		issuedOn      civilDate
		lastReminder  sql.NullTime
		statusChanged sql.NullTime
	)
	err := row.Scan(&inv.ID, &inv.QuoteID, &inv.SubtotalCents, &inv.TaxCents, &inv.TotalCents, &inv.TaxExempt,
		&dueDate, &inv.DocumentType, &inv.Status, &inv.IsDraft, &inv.AccessToken, &inv.Version, &inv.RemindersSent,
		&lastReminder, &issuedOn, &statusChanged, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inv.DueDate = dueDate.Ptr()
	inv.IssuedOn = issuedOn.Time
	inv.LastReminderAt = timePtr(lastReminder)
	if statusChanged.Valid {
		inv.StatusChangedAt = statusChanged.Time.UTC()
	}
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	return inv, nil
}

// GetInvoice retrieves an invoice by ID from the primary
func (s *Store) GetInvoice(ctx context.Context, id int64) (*billing.Invoice, error) {
	query := s.dialect.rebind(`SELECT ` + invoiceColumns + ` FROM invoices i WHERE i.id = ?`)
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.NotFound("get invoice", billing.EntityInvoice, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return inv, nil
}

// ListInvoices lists invoices matching the filter from a replica
func (s *Store) ListInvoices(ctx context.Context, filter storage.InvoiceFilter) ([]*billing.Invoice, error) {
	var w whereBuilder
	from := ` FROM invoices i`
	if !filter.IncludeDrafts {
		w.add("i.is_draft = ?", false)
	}
	w.in("i.status", toStrings(filter.Statuses))
	if filter.QuoteID != 0 {
		w.add("i.quote_id = ?", filter.QuoteID)
	}
	if filter.DueBefore != nil {
		w.add("i.due_date < ?", dateArg(*filter.DueBefore))
	}
	if len(filter.QuoteStatusNotIn) > 0 {
		from += ` JOIN quotes q ON q.id = i.quote_id`
		w.notIn("q.status", toStrings(filter.QuoteStatusNotIn))
	}

	query := `SELECT ` + invoiceColumns + from + w.String() + ` ORDER BY i.id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.read().QueryContext(ctx, s.dialect.rebind(query), w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var out []*billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// ListLineItems returns an invoice's line items in sort order
func (s *Store) ListLineItems(ctx context.Context, invoiceID int64) ([]billing.LineItem, error) {
	return s.listLineItems(ctx, s.db, invoiceID)
}

func (s *Store) listLineItems(ctx context.Context, q execer, invoiceID int64) ([]billing.LineItem, error) {
	query := s.dialect.rebind(`
		SELECT id, invoice_id, title, description, category, quantity, unit_price_cents, total_price_cents, sort_order
		FROM line_items WHERE invoice_id = ? ORDER BY sort_order, id`)
	rows, err := q.QueryContext(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list line items: %w", err)
	}
	defer rows.Close()

	var out []billing.LineItem
	for rows.Next() {
		var item billing.LineItem
		if err := rows.Scan(&item.ID, &item.InvoiceID, &item.Title, &item.Description, &item.Category,
			&item.Quantity, &item.UnitPriceCents, &item.TotalPriceCents, &item.SortOrder); err != nil {
			return nil, fmt.Errorf("failed to scan line item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	billing.SortLineItems(out)
	return out, nil
}

const milestoneColumns = `m.id, m.invoice_id, m.type, m.percentage, m.amount_cents, m.due_date, m.due_now,
	m.status, m.position, m.paid_at`

func scanMilestone(row rowScanner) (billing.PaymentMilestone, error) {
	var (
		ms     billing.PaymentMilestone
		due    civilDate
		paidAt sql.NullTime
	)
	err := row.Scan(&ms.ID, &ms.InvoiceID, &ms.Type, &ms.Percentage, &ms.AmountCents, &due, &ms.DueNow,
		&ms.Status, &ms.Position, &paidAt)
	if err != nil {
		return ms, err
	}
	ms.DueDate = due.Ptr()
	ms.PaidAt = timePtr(paidAt)
	return ms, nil
}

func collectMilestones(rows *sql.Rows) ([]billing.PaymentMilestone, error) {
	defer rows.Close()
	var out []billing.PaymentMilestone
	for rows.Next() {
		ms, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan milestone: %w", err)
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

// ListMilestones returns an invoice's milestones in schedule order
func (s *Store) ListMilestones(ctx context.Context, invoiceID int64) ([]billing.PaymentMilestone, error) {
	query := s.dialect.rebind(`SELECT ` + milestoneColumns + ` FROM payment_milestones m WHERE m.invoice_id = ? ORDER BY m.position`)
	rows, err := s.db.QueryContext(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list milestones: %w", err)
	}
	return collectMilestones(rows)
}

// ListDueMilestones returns dated milestones due within [DueFrom, DueTo] on non-draft invoices
func (s *Store) ListDueMilestones(ctx context.Context, filter storage.MilestoneFilter) ([]billing.PaymentMilestone, error) {
	var w whereBuilder
	w.add("i.is_draft = ?", false)
	w.add("m.due_date IS NOT NULL")
	w.add("m.due_date >= ?", dateArg(filter.DueFrom))
	w.add("m.due_date <= ?", dateArg(filter.DueTo))
	if filter.Status != "" {
		w.add("m.status = ?", string(filter.Status))
	}
	w.in("i.status", toStrings(filter.InvoiceStatuses))

	query := `SELECT ` + milestoneColumns + ` FROM payment_milestones m JOIN invoices i ON i.id = m.invoice_id` +
		w.String() + ` ORDER BY m.id`
	rows, err := s.read().QueryContext(ctx, s.dialect.rebind(query), w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list due milestones: %w", err)
	}
	return collectMilestones(rows)
}

// CreateInvoice inserts an invoice with its line items and milestones in one transaction
func (s *Store) CreateInvoice(ctx context.Context, inv *billing.Invoice, items []billing.LineItem, milestones []billing.PaymentMilestone) error {
	const op = "create invoice"
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT 1 FROM quotes WHERE id = ?`), inv.QuoteID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return billing.NotFound(op, billing.EntityQuote, inv.QuoteID)
		}
		if err != nil {
			return fmt.Errorf("failed to check quote: %w", err)
		}

		if !inv.IsDraft {
			var live int
			err = tx.QueryRowContext(ctx, s.dialect.rebind(`
				SELECT COUNT(*) FROM invoices WHERE quote_id = ? AND is_draft = ? AND status <> ?`),
				inv.QuoteID, false, string(billing.InvoiceStatusCancelled)).Scan(&live)
			if err != nil {
				return fmt.Errorf("failed to check existing invoices: %w", err)
			}
			if live > 0 {
				return billing.Integrity(op, billing.EntityQuote, inv.QuoteID, "quote already has a non-draft invoice")
			}
		}

		query := s.dialect.rebind(`
			INSERT INTO invoices (quote_id, subtotal_cents, tax_cents, total_cents, tax_exempt, due_date,
				document_type, status, is_draft, access_token, version, reminders_sent, last_reminder_at,
				issued_on, status_changed_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`)
		err = tx.QueryRowContext(ctx, query,
			inv.QuoteID, inv.SubtotalCents, inv.TaxCents, inv.TotalCents, inv.TaxExempt, datePtrArg(inv.DueDate),
			string(inv.DocumentType), string(inv.Status), inv.IsDraft, inv.AccessToken, inv.Version, inv.RemindersSent,
			nullTime(inv.LastReminderAt), dateArg(inv.IssuedOn), zeroAsNull(inv.StatusChangedAt),
			inv.CreatedAt.UTC(), inv.UpdatedAt.UTC(),
		).Scan(&inv.ID)
		if isUniqueViolation(err) {
			return billing.Integrity(op, billing.EntityQuote, inv.QuoteID, "quote already has a non-draft invoice")
		}
		if err != nil {
			return fmt.Errorf("failed to insert invoice: %w", err)
		}

		if err := s.insertLineItems(ctx, tx, inv.ID, items); err != nil {
			return err
		}
		return s.insertMilestones(ctx, tx, inv.ID, milestones)
	})
}

func (s *Store) insertLineItems(ctx context.Context, tx *sql.Tx, invoiceID int64, items []billing.LineItem) error {
	query := s.dialect.rebind(`
		INSERT INTO line_items (invoice_id, title, description, category, quantity, unit_price_cents,
			total_price_cents, sort_order)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, query, invoiceID, item.Title, item.Description, item.Category,
			item.Quantity, item.UnitPriceCents, item.TotalPriceCents, item.SortOrder); err != nil {
			return fmt.Errorf("failed to insert line item %q: %w", item.Title, err)
		}
	}
	return nil
}

func (s *Store) insertMilestones(ctx context.Context, tx *sql.Tx, invoiceID int64, milestones []billing.PaymentMilestone) error {
	query := s.dialect.rebind(`
		INSERT INTO payment_milestones (invoice_id, type, percentage, amount_cents, due_date, due_now,
			status, position, paid_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for i, ms := range milestones {
		if _, err := tx.ExecContext(ctx, query, invoiceID, string(ms.Type), ms.Percentage, ms.AmountCents,
			datePtrArg(ms.DueDate), ms.DueNow, string(ms.Status), i, nullTime(ms.PaidAt)); err != nil {
			return fmt.Errorf("failed to insert milestone %d: %w", i, err)
		}
	}
	return nil
}

// UpdateInvoiceStatus compare-and-sets the invoice status and writes the state log in one transaction
func (s *Store) UpdateInvoiceStatus(ctx context.Context, id int64, from, to billing.InvoiceStatus, log billing.StateLog) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := s.dialect.rebind(`
			UPDATE invoices SET status = ?, status_changed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`)
		res, err := tx.ExecContext(ctx, query, string(to), log.CreatedAt.UTC(), log.CreatedAt.UTC(), id, string(from))
		if err != nil {
			return fmt.Errorf("failed to update invoice status: %w", err)
		}
		if err := s.checkCAS(ctx, tx, res, "invoices", billing.EntityInvoice, id, "update invoice status"); err != nil {
			return err
		}
		return s.insertStateLog(ctx, tx, log)
	})
}

// ApplyRevision replaces line items and optionally milestones, then writes totals, atomically.
// The version bump acts as the row lock; the persisted line items must sum to the new subtotal.
func (s *Store) ApplyRevision(ctx context.Context, rev storage.Revision) (int, error) {
	const op = "apply revision"
	newVersion := rev.ExpectedVersion + 1

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		updatedAt := rev.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now()
		}
		query := s.dialect.rebind(`
			UPDATE invoices SET subtotal_cents = ?, tax_cents = ?, total_cents = ?, tax_exempt = ?,
				due_date = COALESCE(?, due_date), version = ?, updated_at = ?
			WHERE id = ? AND version = ?`)
		res, err := tx.ExecContext(ctx, query,
			rev.Totals.SubtotalCents, rev.Totals.TaxCents, rev.Totals.TotalCents, rev.TaxExempt,
			datePtrArg(rev.DueDate), newVersion, updatedAt.UTC(), rev.InvoiceID, rev.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("failed to update invoice totals: %w", err)
		}
		if err := s.checkCAS(ctx, tx, res, "invoices", billing.EntityInvoice, rev.InvoiceID, op); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM line_items WHERE invoice_id = ?`), rev.InvoiceID); err != nil {
			return fmt.Errorf("failed to delete line items: %w", err)
		}
		if err := s.insertLineItems(ctx, tx, rev.InvoiceID, rev.Items); err != nil {
			return err
		}

		var persisted int64
		err = tx.QueryRowContext(ctx, s.dialect.rebind(`
			SELECT COALESCE(SUM(total_price_cents), 0) FROM line_items WHERE invoice_id = ?`), rev.InvoiceID).Scan(&persisted)
		if err != nil {
			return fmt.Errorf("failed to sum line items: %w", err)
		}
		if persisted != rev.Totals.SubtotalCents {
			return billing.Integrity(op, billing.EntityInvoice, rev.InvoiceID,
				"line items sum to %d but subtotal is %d", persisted, rev.Totals.SubtotalCents)
		}

		if rev.Milestones != nil {
			if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM payment_milestones WHERE invoice_id = ?`), rev.InvoiceID); err != nil {
				return fmt.Errorf("failed to delete milestones: %w", err)
			}
			if err := s.insertMilestones(ctx, tx, rev.InvoiceID, rev.Milestones); err != nil {
				return err
			}
		}

		if rev.Audit != nil {
			return s.insertStateLog(ctx, tx, *rev.Audit)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// CorrectTotals overwrites invoice totals and milestone amounts at the expected version and writes the audit row
func (s *Store) CorrectTotals(ctx context.Context, invoiceID int64, expectedVersion int, totals billing.Totals, milestones []billing.PaymentMilestone, audit billing.StateLog) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := s.dialect.rebind(`
			UPDATE invoices SET subtotal_cents = ?, tax_cents = ?, total_cents = ?, updated_at = ?
			WHERE id = ? AND version = ?`)
		res, err := tx.ExecContext(ctx, query, totals.SubtotalCents, totals.TaxCents, totals.TotalCents,
			audit.CreatedAt.UTC(), invoiceID, expectedVersion)
		if err != nil {
			return fmt.Errorf("failed to correct invoice totals: %w", err)
		}
		if err := s.checkCAS(ctx, tx, res, "invoices", billing.EntityInvoice, invoiceID, "correct totals"); err != nil {
			return err
		}
		update := s.dialect.rebind(`UPDATE payment_milestones SET amount_cents = ? WHERE id = ? AND invoice_id = ?`)
		for _, ms := range milestones {
			res, err := tx.ExecContext(ctx, update, ms.AmountCents, ms.ID, invoiceID)
			if err != nil {
				return fmt.Errorf("failed to correct milestone %d: %w", ms.ID, err)
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				return billing.Integrity("correct totals", billing.EntityInvoice, invoiceID, "milestone %d not found", ms.ID)
			}
		}
		return s.insertStateLog(ctx, tx, audit)
	})
}

// MarkMilestonesPaid flags the given pending milestones as paid
func (s *Store) MarkMilestonesPaid(ctx context.Context, invoiceID int64, milestoneIDs []int64, at time.Time) error {
	if len(milestoneIDs) == 0 {
		return nil
	}
	args := []any{string(billing.MilestoneStatusPaid), at.UTC(), invoiceID, string(billing.MilestoneStatusPending)}
	for _, id := range milestoneIDs {
		args = append(args, id)
	}
	query := s.dialect.rebind(`
		UPDATE payment_milestones SET status = ?, paid_at = ?
		WHERE invoice_id = ? AND status = ? AND id IN (` + placeholders(len(milestoneIDs)) + `)`)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark milestones paid: %w", err)
	}
	return nil
}
