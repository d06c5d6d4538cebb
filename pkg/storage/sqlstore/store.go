package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/banquet/pkg/billing"
	"github.com/platinummonkey/banquet/pkg/observability"
	"github.com/platinummonkey/banquet/pkg/storage"
)

var _ storage.Store = (*Store)(nil)

// Store implements storage.Store over database/sql
type Store struct {
	db      *sql.DB
	read    func() *sql.DB
	dialect Dialect
	cm      *ConnectionManager
}

// New wraps an open database handle. Reads and writes both use db.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{
		db:      db,
		read:    func() *sql.DB { return db },
		dialect: dialect,
	}
}

// Open connects using the storage config and migrates the schema when AutoMigrate is set
func Open(ctx context.Context, cfg storage.Config, logger *observability.Logger) (*Store, error) {
	cm, err := NewConnectionManager(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:      cm.Primary(),
		read:    cm.Replica,
		dialect: cm.Dialect(),
		cm:      cm,
	}

	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			cm.Close()
			return nil, err
		}
	}
	return s, nil
}

// DB returns the primary handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	if s.cm != nil {
		return s.cm.HealthCheck(ctx)
	}
	return s.db.PingContext(ctx)
}

// PruneReplicas drops read replicas that stopped answering pings
func (s *Store) PruneReplicas(ctx context.Context) int {
	if s.cm == nil {
		return 0
	}
	return s.cm.RemoveUnhealthyReplicas(ctx)
}

// Close closes the underlying connections
func (s *Store) Close() error {
	if s.cm != nil {
		return s.cm.Close()
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// whereBuilder accumulates AND-ed conditions with ? placeholders
type whereBuilder struct {
	conds []string
	args  []any
}

func (w *whereBuilder) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *whereBuilder) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	w.add(fmt.Sprintf("%s IN (%s)", column, placeholders(len(values))), args...)
}

func (w *whereBuilder) notIn(column string, values []string) {
	if len(values) == 0 {
		return
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	w.add(fmt.Sprintf("%s NOT IN (%s)", column, placeholders(len(values))), args...)
}

func (w *whereBuilder) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func toStrings[S ~string](values []S) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

const quoteColumns = `id, contact_name, contact_email, contact_phone, event_date, guest_count,
	service_type, customer_class, tax_exempt, selections, status, status_changed_at,
	status_changed_by, created_at, updated_at`

func scanQuote(row rowScanner) (*billing.Quote, error) {
	q := &billing.Quote{}
	var (
		eventDate     civilDate
		selections    string
		statusChanged sql.NullTime
	)
	err := row.Scan(&q.ID, &q.ContactName, &q.ContactEmail, &q.ContactPhone, &eventDate, &q.GuestCount,
		&q.ServiceType, &q.CustomerClass, &q.TaxExempt, &selections, &q.Status, &statusChanged,
		&q.StatusChangedBy, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	q.EventDate = eventDate.Ptr()
	if statusChanged.Valid {
		q.StatusChangedAt = statusChanged.Time.UTC()
	}
	q.CreatedAt = q.CreatedAt.UTC()
	q.UpdatedAt = q.UpdatedAt.UTC()
	if selections != "" {
		if err := json.Unmarshal([]byte(selections), &q.Selections); err != nil {
			return nil, fmt.Errorf("failed to unmarshal selections for quote %d: %w", q.ID, err)
		}
	}
	return q, nil
}

// GetQuote retrieves a quote by ID from the primary
func (s *Store) GetQuote(ctx context.Context, id int64) (*billing.Quote, error) {
	query := s.dialect.rebind(`SELECT ` + quoteColumns + ` FROM quotes WHERE id = ?`)
	q, err := scanQuote(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.NotFound("get quote", billing.EntityQuote, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quote: %w", err)
	}
	return q, nil
}

// ListQuotes lists quotes matching the filter from a replica
func (s *Store) ListQuotes(ctx context.Context, filter storage.QuoteFilter) ([]*billing.Quote, error) {
	var w whereBuilder
	w.in("status", toStrings(filter.Statuses))
	if filter.EventOn != nil {
		w.add("event_date = ?", dateArg(*filter.EventOn))
	}
	if filter.EventBefore != nil {
		w.add("event_date < ?", dateArg(*filter.EventBefore))
	}
	if filter.EventOnOrAfter != nil {
		w.add("event_date >= ?", dateArg(*filter.EventOnOrAfter))
	}

	query := `SELECT ` + quoteColumns + ` FROM quotes` + w.String() + ` ORDER BY id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.read().QueryContext(ctx, s.dialect.rebind(query), w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list quotes: %w", err)
	}
	defer rows.Close()

	var out []*billing.Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quote: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// SaveQuote inserts a new quote or updates the non-status fields of an existing one
func (s *Store) SaveQuote(ctx context.Context, q *billing.Quote) error {
	selections, err := json.Marshal(q.Selections)
	if err != nil {
		return fmt.Errorf("failed to marshal selections: %w", err)
	}
	if q.Selections == nil {
		selections = []byte("[]")
	}
	now := time.Now().UTC()

	if q.ID == 0 {
		if q.Status == "" {
			q.Status = billing.QuoteStatusPending
		}
		if q.CustomerClass == "" {
			q.CustomerClass = billing.CustomerClassStandard
		}
		if q.CreatedAt.IsZero() {
			q.CreatedAt = now
		}
		q.UpdatedAt = q.CreatedAt
		query := s.dialect.rebind(`
			INSERT INTO quotes (contact_name, contact_email, contact_phone, event_date, guest_count,
				service_type, customer_class, tax_exempt, selections, status, status_changed_at,
				status_changed_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`)
		err = s.db.QueryRowContext(ctx, query,
			q.ContactName, q.ContactEmail, q.ContactPhone, datePtrArg(q.EventDate), q.GuestCount,
			q.ServiceType, string(q.CustomerClass), q.TaxExempt, string(selections), string(q.Status), zeroAsNull(q.StatusChangedAt),
			q.StatusChangedBy, q.CreatedAt.UTC(), q.UpdatedAt.UTC(),
		).Scan(&q.ID)
		if err != nil {
			return fmt.Errorf("failed to insert quote: %w", err)
		}
		return nil
	}

	query := s.dialect.rebind(`
		UPDATE quotes SET contact_name = ?, contact_email = ?, contact_phone = ?, event_date = ?,
			guest_count = ?, service_type = ?, customer_class = ?, tax_exempt = ?, selections = ?,
			updated_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query,
		q.ContactName, q.ContactEmail, q.ContactPhone, datePtrArg(q.EventDate),
		q.GuestCount, q.ServiceType, string(q.CustomerClass), q.TaxExempt, string(selections),
		now, q.ID)
	if err != nil {
		return fmt.Errorf("failed to update quote: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.NotFound("save quote", billing.EntityQuote, q.ID)
	}
	q.UpdatedAt = now
	return nil
}

// UpdateQuoteStatus compare-and-sets the quote status and writes the state log in one transaction
func (s *Store) UpdateQuoteStatus(ctx context.Context, id int64, from, to billing.QuoteStatus, log billing.StateLog) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := s.dialect.rebind(`
			UPDATE quotes SET status = ?, status_changed_at = ?, status_changed_by = ?, updated_at = ?
			WHERE id = ? AND status = ?`)
		res, err := tx.ExecContext(ctx, query, string(to), log.CreatedAt.UTC(), log.Actor, log.CreatedAt.UTC(), id, string(from))
		if err != nil {
			return fmt.Errorf("failed to update quote status: %w", err)
		}
		if err := s.checkCAS(ctx, tx, res, "quotes", billing.EntityQuote, id, "update quote status"); err != nil {
			return err
		}
		return s.insertStateLog(ctx, tx, log)
	})
}

// checkCAS turns a zero-row update into NotFound or Concurrency depending on whether the row exists
func (s *Store) checkCAS(ctx context.Context, q execer, res sql.Result, table string, entity billing.EntityType, id int64, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = q.QueryRowContext(ctx, s.dialect.rebind(`SELECT 1 FROM `+table+` WHERE id = ?`), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.NotFound(op, entity, id)
	}
	if err != nil {
		return fmt.Errorf("failed to check %s existence: %w", entity, err)
	}
	return billing.Concurrency(op, entity, id)
}
