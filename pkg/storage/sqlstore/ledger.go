package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/platinummonkey/banquet/pkg/billing"
	"github.com/platinummonkey/banquet/pkg/storage"
)

// RecordPayment inserts a payment unless its external ref is already recorded
func (s *Store) RecordPayment(ctx context.Context, tx *billing.PaymentTransaction) (bool, error) {
	query := s.dialect.rebind(`
		INSERT INTO payment_transactions (invoice_id, amount_cents, status, external_ref, received_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (external_ref) DO NOTHING
		RETURNING id`)
	err := s.db.QueryRowContext(ctx, query, tx.InvoiceID, tx.AmountCents, string(tx.Status), tx.ExternalRef,
		tx.ReceivedAt.UTC()).Scan(&tx.ID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetInvoice(ctx, tx.InvoiceID); errors.Is(getErr, billing.ErrNotFound) {
			return false, getErr
		}
		return false, fmt.Errorf("failed to record payment: %w", err)
	}

	err = s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT id FROM payment_transactions WHERE external_ref = ?`),
		tx.ExternalRef).Scan(&tx.ID)
	if err != nil {
		return false, fmt.Errorf("failed to load existing payment: %w", err)
	}
	return false, nil
}

// SumCompletedPayments sums completed payments for an invoice
func (s *Store) SumCompletedPayments(ctx context.Context, invoiceID int64) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT COALESCE(SUM(amount_cents), 0) FROM payment_transactions WHERE invoice_id = ? AND status = ?`),
		invoiceID, string(billing.PaymentStatusCompleted)).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum payments: %w", err)
	}
	return sum, nil
}

// HasReminder reports whether the ledger holds a matching reminder
func (s *Store) HasReminder(ctx context.Context, key storage.ReminderKey) (bool, error) {
	var w whereBuilder
	w.add("entity_type = ?", string(key.EntityType))
	w.add("entity_id = ?", key.EntityID)
	w.add("type = ?", string(key.Type))
	if !key.Day.IsZero() {
		w.add("sent_on = ?", dateArg(key.Day))
	}

	var count int
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT COUNT(*) FROM reminder_logs`+w.String()), w.args...).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query reminder log: %w", err)
	}
	return count > 0, nil
}

// AppendReminderLog writes the reminder row and bumps invoice counters in one transaction
func (s *Store) AppendReminderLog(ctx context.Context, log billing.ReminderLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO reminder_logs (id, entity_type, entity_id, type, recipient, urgency, sent_at, sent_on)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			log.ID.String(), string(log.EntityType), log.EntityID, string(log.Type), log.Recipient, log.Urgency,
			log.SentAt.UTC(), dateArg(log.SentOn))
		if isUniqueViolation(err) {
			return billing.Concurrency("append reminder log", log.EntityType, log.EntityID)
		}
		if err != nil {
			return fmt.Errorf("failed to insert reminder log: %w", err)
		}

		if log.EntityType != billing.EntityInvoice {
			return nil
		}
		_, err = tx.ExecContext(ctx, s.dialect.rebind(`
			UPDATE invoices SET reminders_sent = reminders_sent + 1, last_reminder_at = ? WHERE id = ?`),
			log.SentAt.UTC(), log.EntityID)
		if err != nil {
			return fmt.Errorf("failed to update reminder counters: %w", err)
		}
		return nil
	})
}

func (s *Store) insertStateLog(ctx context.Context, q execer, log billing.StateLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	field := log.Field
	if field == "" {
		field = billing.FieldStatus
	}
	_, err := q.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO state_logs (id, entity_type, entity_id, field, previous_value, new_value, actor, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		log.ID.String(), string(log.EntityType), log.EntityID, field, log.Previous, log.New, log.Actor, log.Reason,
		log.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert state log: %w", err)
	}
	return nil
}

// ListStateLogs returns the state log of one entity in append order
func (s *Store) ListStateLogs(ctx context.Context, entity billing.EntityType, id int64) ([]billing.StateLog, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT id, entity_type, entity_id, field, previous_value, new_value, actor, reason, created_at
		FROM state_logs WHERE entity_type = ? AND entity_id = ? ORDER BY created_at, id`), string(entity), id)
	if err != nil {
		return nil, fmt.Errorf("failed to list state logs: %w", err)
	}
	defer rows.Close()

	var out []billing.StateLog
	for rows.Next() {
		var (
			log billing.StateLog
			rid string
		)
		if err := rows.Scan(&rid, &log.EntityType, &log.EntityID, &log.Field, &log.Previous, &log.New,
			&log.Actor, &log.Reason, &log.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan state log: %w", err)
		}
		if log.ID, err = uuid.Parse(rid); err != nil {
			return nil, fmt.Errorf("invalid state log id %q: %w", rid, err)
		}
		log.CreatedAt = log.CreatedAt.UTC()
		out = append(out, log)
	}
	return out, rows.Err()
}
