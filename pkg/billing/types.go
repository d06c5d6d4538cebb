package billing

import (
	"time"

	"github.com/google/uuid"
)

// CustomerClass is the compliance class of a quote's customer
type CustomerClass string

const (
	CustomerClassStandard   CustomerClass = "standard"
	CustomerClassGovernment CustomerClass = "government"
)

// Valid reports whether c is a known customer class
func (c CustomerClass) Valid() bool {
	return c == CustomerClassStandard || c == CustomerClassGovernment
}

// QuoteStatus represents the workflow status of a quote
type QuoteStatus string

const (
	QuoteStatusPending     QuoteStatus = "pending"
	QuoteStatusUnderReview QuoteStatus = "under_review"
	QuoteStatusQuoted      QuoteStatus = "quoted"
	QuoteStatusEstimated   QuoteStatus = "estimated"
	QuoteStatusApproved    QuoteStatus = "approved"
	QuoteStatusConfirmed   QuoteStatus = "confirmed"
	QuoteStatusInProgress  QuoteStatus = "in_progress"
	QuoteStatusCompleted   QuoteStatus = "completed"
	QuoteStatusCancelled   QuoteStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible
func (s QuoteStatus) IsTerminal() bool {
	return s == QuoteStatusCompleted || s == QuoteStatusCancelled
}

// IsBooked reports whether the event has been confirmed or is underway or done
func (s QuoteStatus) IsBooked() bool {
	return s == QuoteStatusConfirmed || s == QuoteStatusInProgress || s == QuoteStatusCompleted
}

// InvoiceStatus represents the workflow status of an invoice
type InvoiceStatus string

const (
	InvoiceStatusDraft          InvoiceStatus = "draft"
	InvoiceStatusSent           InvoiceStatus = "sent"
	InvoiceStatusApproved       InvoiceStatus = "approved"
	InvoiceStatusPaymentPending InvoiceStatus = "payment_pending"
	InvoiceStatusPartiallyPaid  InvoiceStatus = "partially_paid"
	InvoiceStatusPaid           InvoiceStatus = "paid"
	InvoiceStatusOverdue        InvoiceStatus = "overdue"
	InvoiceStatusCancelled      InvoiceStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible
func (s InvoiceStatus) IsTerminal() bool {
	return s == InvoiceStatusPaid || s == InvoiceStatusCancelled
}

// AwaitingPayment reports whether the invoice has been issued and is not settled yet
func (s InvoiceStatus) AwaitingPayment() bool {
	switch s {
	case InvoiceStatusSent, InvoiceStatusApproved, InvoiceStatusPaymentPending,
		InvoiceStatusPartiallyPaid, InvoiceStatusOverdue:
		return true
	}
	return false
}

// DocumentType distinguishes estimates from final invoices
type DocumentType string

const (
	DocumentTypeEstimate DocumentType = "estimate"
	DocumentTypeInvoice  DocumentType = "invoice"
)

// MenuSelection is one category of the quote's menu with the chosen items in order
type MenuSelection struct {
	Category string   `json:"category"`
	Items    []string `json:"items"`
}

// Quote represents one customer event request
type Quote struct {
	ID              int64           `json:"id"`
	ContactName     string          `json:"contact_name"`
	ContactEmail    string          `json:"contact_email"`
	ContactPhone    string          `json:"contact_phone,omitempty"`
	EventDate       *time.Time      `json:"event_date,omitempty"`
	GuestCount      int             `json:"guest_count"`
	ServiceType     string          `json:"service_type,omitempty"`
	CustomerClass   CustomerClass   `json:"customer_class"`
	TaxExempt       bool            `json:"tax_exempt"`
	Selections      []MenuSelection `json:"selections,omitempty"`
	Status          QuoteStatus     `json:"status"`
	StatusChangedAt time.Time       `json:"status_changed_at"`
	StatusChangedBy string          `json:"status_changed_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsExempt reports whether tax must be zero for this quote
func (q *Quote) IsExempt() bool {
	return q.TaxExempt || q.CustomerClass == CustomerClassGovernment
}

// Invoice represents the billing document for a quote
type Invoice struct {
	ID              int64         `json:"id"`
	QuoteID         int64         `json:"quote_id"`
	SubtotalCents   int64         `json:"subtotal_cents"`
	TaxCents        int64         `json:"tax_cents"`
	TotalCents      int64         `json:"total_cents"`
	TaxExempt       bool          `json:"tax_exempt"`
	DueDate         *time.Time    `json:"due_date,omitempty"`
	DocumentType    DocumentType  `json:"document_type"`
	Status          InvoiceStatus `json:"status"`
	// IsDraft marks a scratch working copy kept beside the primary invoice. It
	// is independent of Status: a primary invoice in status draft is not a
	// scratch copy and still counts toward the one-per-quote rule.
	IsDraft         bool          `json:"is_draft"`
	AccessToken     string        `json:"-"`
	Version         int           `json:"version"`
	RemindersSent   int           `json:"reminders_sent"`
	LastReminderAt  *time.Time    `json:"last_reminder_at,omitempty"`
	IssuedOn        time.Time     `json:"issued_on"`
	StatusChangedAt time.Time     `json:"status_changed_at"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Totals returns the stored subtotal/tax/total triple
func (i *Invoice) Totals() Totals {
	return Totals{SubtotalCents: i.SubtotalCents, TaxCents: i.TaxCents, TotalCents: i.TotalCents}
}

// Totals is the derived money triple of an invoice
type Totals struct {
	SubtotalCents int64 `json:"subtotal_cents"`
	TaxCents      int64 `json:"tax_cents"`
	TotalCents    int64 `json:"total_cents"`
}

// LineItem is one priced row of an invoice
type LineItem struct {
	ID              int64  `json:"id"`
	InvoiceID       int64  `json:"invoice_id"`
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	Category        string `json:"category"`
	Quantity        int    `json:"quantity"`
	UnitPriceCents  int64  `json:"unit_price_cents"`
	TotalPriceCents int64  `json:"total_price_cents"`
	SortOrder       int    `json:"sort_order"`
}

// MilestoneType labels a payment milestone
type MilestoneType string

const (
	MilestoneDeposit   MilestoneType = "DEPOSIT"
	MilestoneMilestone MilestoneType = "MILESTONE"
	MilestoneBalance   MilestoneType = "BALANCE"
	MilestoneFull      MilestoneType = "FULL"
	MilestoneFinal     MilestoneType = "FINAL"
)

// MilestoneStatus is the payment state of a milestone
type MilestoneStatus string

const (
	MilestoneStatusPending MilestoneStatus = "pending"
	MilestoneStatusPaid    MilestoneStatus = "paid"
)

// PaymentMilestone is one scheduled payment obligation of an invoice
type PaymentMilestone struct {
	ID          int64           `json:"id"`
	InvoiceID   int64           `json:"invoice_id"`
	Type        MilestoneType   `json:"type"`
	Percentage  int             `json:"percentage"`
	AmountCents int64           `json:"amount_cents"`
	DueDate     *time.Time      `json:"due_date,omitempty"`
	DueNow      bool            `json:"due_now"`
	Status      MilestoneStatus `json:"status"`
	Position    int             `json:"position"`
	PaidAt      *time.Time      `json:"paid_at,omitempty"`
}

// PaymentStatus is the state of a payment processor transaction
type PaymentStatus string

const (
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// PaymentTransaction records a payment pushed by the payment processor
type PaymentTransaction struct {
	ID          int64         `json:"id"`
	InvoiceID   int64         `json:"invoice_id"`
	AmountCents int64         `json:"amount_cents"`
	Status      PaymentStatus `json:"status"`
	ExternalRef string        `json:"external_ref"`
	ReceivedAt  time.Time     `json:"received_at"`
}

// EntityType names the kind of record a log row refers to
type EntityType string

const (
	EntityQuote   EntityType = "quote"
	EntityInvoice EntityType = "invoice"
)

// ReminderType is the category of a reminder notification
type ReminderType string

const (
	ReminderOverduePayment ReminderType = "overdue_payment"
	ReminderMilestoneDue   ReminderType = "milestone_due"
	ReminderEventWeek      ReminderType = "event_7_day"
	ReminderEventTwoDay    ReminderType = "event_2_day"
	ReminderThankYou       ReminderType = "post_event_thank_you"
)

// Urgency levels attached to reminders
const (
	UrgencyLow    = "low"
	UrgencyNormal = "normal"
	UrgencyHigh   = "high"
)

// ReminderLog is an append-only record of a delivered reminder
type ReminderLog struct {
	ID         uuid.UUID    `json:"id"`
	EntityType EntityType   `json:"entity_type"`
	EntityID   int64        `json:"entity_id"`
	Type       ReminderType `json:"type"`
	Recipient  string       `json:"recipient"`
	Urgency    string       `json:"urgency"`
	SentAt     time.Time    `json:"sent_at"`
	SentOn     time.Time    `json:"sent_on"` // business calendar date of SentAt
}

// Fields recorded by StateLog rows
const (
	FieldStatus     = "status"
	FieldTotalCents = "total_cents"
)

// Actors recorded on StateLog rows
const (
	ActorAutomation     = "system:automation"
	ActorReconciliation = "reconciliation"
	ActorPayments       = "payment-processor"
	ActorSync           = "system:line-item-sync"
)

// StateLog is the audit record of a status change or corrective write
type StateLog struct {
	ID         uuid.UUID  `json:"id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   int64      `json:"entity_id"`
	Field      string     `json:"field"`
	Previous   string     `json:"previous"`
	New        string     `json:"new"`
	Actor      string     `json:"actor"`
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewStatusLog builds a StateLog row for a status transition
func NewStatusLog(entity EntityType, id int64, previous, next, actor, reason string, at time.Time) StateLog {
	return StateLog{
		ID:         uuid.New(),
		EntityType: entity,
		EntityID:   id,
		Field:      FieldStatus,
		Previous:   previous,
		New:        next,
		Actor:      actor,
		Reason:     reason,
		CreatedAt:  at.UTC(),
	}
}
