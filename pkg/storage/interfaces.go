package storage

import (
	"context"
	"time"

	"github.com/platinummonkey/banquet/pkg/billing"
)

// QuoteFilter selects quotes for sweeps. Zero fields do not filter.
type QuoteFilter struct {
	Statuses []billing.QuoteStatus
	// EventOn matches quotes whose event date equals the civil date
	EventOn *time.Time
	// EventBefore matches quotes whose event date is strictly before the civil date
	EventBefore *time.Time
	// EventOnOrAfter matches quotes whose event date is on or after the civil date
	EventOnOrAfter *time.Time
	Limit          int
}

// InvoiceFilter selects invoices for sweeps. Zero fields do not filter.
type InvoiceFilter struct {
	Statuses []billing.InvoiceStatus
	QuoteID  int64
	// DueBefore matches invoices whose due date is strictly before the civil date
	DueBefore *time.Time
	// IncludeDrafts includes invoices flagged as drafts
	IncludeDrafts bool
	// QuoteStatusNotIn matches invoices whose linked quote status is not in the set
	QuoteStatusNotIn []billing.QuoteStatus
	Limit            int
}

// MilestoneFilter selects milestones for reminders
type MilestoneFilter struct {
	Status          billing.MilestoneStatus
	DueFrom         time.Time
	DueTo           time.Time
	InvoiceStatuses []billing.InvoiceStatus
}

// ReminderKey identifies a reminder in the ledger. A zero Day matches any day.
type ReminderKey struct {
	EntityType billing.EntityType
	EntityID   int64
	Type       billing.ReminderType
	Day        time.Time
}

// Revision is an atomic regeneration of an invoice's derived data
type Revision struct {
	InvoiceID       int64
	ExpectedVersion int
	Items           []billing.LineItem
	// Milestones replaces the milestone set when non-nil
	Milestones []billing.PaymentMilestone
	Totals     billing.Totals
	TaxExempt  bool
	DueDate    *time.Time
	UpdatedAt  time.Time
	Audit      *billing.StateLog
}

// QuoteReader provides read operations for quotes
type QuoteReader interface {
	GetQuote(ctx context.Context, id int64) (*billing.Quote, error)
	ListQuotes(ctx context.Context, filter QuoteFilter) ([]*billing.Quote, error)
}

// QuoteWriter provides write operations for quotes
type QuoteWriter interface {
	// SaveQuote inserts a quote when ID is zero, otherwise updates its non-status fields
	SaveQuote(ctx context.Context, q *billing.Quote) error
	// UpdateQuoteStatus moves a quote from one status to another and appends the log
	// in the same transaction. A quote no longer in from yields a ConcurrencyError.
	UpdateQuoteStatus(ctx context.Context, id int64, from, to billing.QuoteStatus, log billing.StateLog) error
}

// InvoiceReader provides read operations for invoices and their children
type InvoiceReader interface {
	GetInvoice(ctx context.Context, id int64) (*billing.Invoice, error)
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]*billing.Invoice, error)
	ListLineItems(ctx context.Context, invoiceID int64) ([]billing.LineItem, error)
	ListMilestones(ctx context.Context, invoiceID int64) ([]billing.PaymentMilestone, error)
	ListDueMilestones(ctx context.Context, filter MilestoneFilter) ([]billing.PaymentMilestone, error)
}

// InvoiceWriter provides write operations for invoices
type InvoiceWriter interface {
	// CreateInvoice inserts an invoice with its line items and milestones atomically.
	// A second live non-draft invoice for the same quote yields an IntegrityError.
	CreateInvoice(ctx context.Context, inv *billing.Invoice, items []billing.LineItem, milestones []billing.PaymentMilestone) error
	// UpdateInvoiceStatus is the invoice counterpart of UpdateQuoteStatus
	UpdateInvoiceStatus(ctx context.Context, id int64, from, to billing.InvoiceStatus, log billing.StateLog) error
	// ApplyRevision replaces line items (and optionally milestones), writes totals and
	// bumps the version, all or nothing. It returns the new version.
	ApplyRevision(ctx context.Context, rev Revision) (int, error)
	// CorrectTotals overwrites drifted totals at the expected version and appends the audit row.
	// Milestone amounts in milestones are rewritten by ID in the same write.
	CorrectTotals(ctx context.Context, invoiceID int64, expectedVersion int, totals billing.Totals, milestones []billing.PaymentMilestone, audit billing.StateLog) error
	MarkMilestonesPaid(ctx context.Context, invoiceID int64, milestoneIDs []int64, at time.Time) error
}

// PaymentLedger records payment processor confirmations
type PaymentLedger interface {
	// RecordPayment stores a transaction unless one with the same external ref exists.
	// It reports whether a new row was written.
	RecordPayment(ctx context.Context, tx *billing.PaymentTransaction) (bool, error)
	SumCompletedPayments(ctx context.Context, invoiceID int64) (int64, error)
}

// ReminderLedger is the append-only dedup ledger of delivered reminders
type ReminderLedger interface {
	HasReminder(ctx context.Context, key ReminderKey) (bool, error)
	// AppendReminderLog writes the log row and, for invoices, bumps the reminder counters.
	// A row for the same entity, type and day yields a ConcurrencyError.
	AppendReminderLog(ctx context.Context, log billing.ReminderLog) error
}

// AuditReader reads the state log
type AuditReader interface {
	ListStateLogs(ctx context.Context, entity billing.EntityType, id int64) ([]billing.StateLog, error)
}

// HealthChecker is the explicit heartbeat of a backend
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Store composes every persistence capability the engine consumes
type Store interface {
	QuoteReader
	QuoteWriter
	InvoiceReader
	InvoiceWriter
	PaymentLedger
	ReminderLedger
	AuditReader
	HealthChecker
	Close() error
}

// Config for storage backends
type Config struct {
	Driver      string        `yaml:"driver"` // "postgres", "sqlite3" or "memory"
	URL         string        `yaml:"url"`
	ReplicaURLs []string      `yaml:"replica_urls"`
	MaxConns    int           `yaml:"max_conns"`
	MinConns    int           `yaml:"min_conns"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	AutoMigrate bool          `yaml:"auto_migrate"`

	RedisURL        string `yaml:"redis_url"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	RedisMaxRetries int    `yaml:"redis_max_retries"`
	RedisPoolSize   int    `yaml:"redis_pool_size"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Driver:          "sqlite3",
		URL:             "file:banquet.db?_foreign_keys=on&_busy_timeout=5000",
		MaxConns:        20,
		MinConns:        2,
		Timeout:         10 * time.Second,
		MaxLifetime:     30 * time.Minute,
		MaxIdleTime:     5 * time.Minute,
		AutoMigrate:     true,
		RedisDB:         0,
		RedisMaxRetries: 3,
		RedisPoolSize:   10,
	}
}
