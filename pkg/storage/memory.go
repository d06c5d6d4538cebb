package storage

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/banquet/pkg/billing"
)

var errStoreClosed = errors.New("store closed")

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store. All methods are safe for concurrent use and
// return copies, so callers can never mutate stored state without going through the API.
type MemoryStore struct {
	mu sync.Mutex

	quotes     map[int64]*billing.Quote
	invoices   map[int64]*billing.Invoice
	items      map[int64][]billing.LineItem
	milestones map[int64][]billing.PaymentMilestone
	payments   []billing.PaymentTransaction
	reminders  []billing.ReminderLog
	stateLogs  []billing.StateLog

	nextID int64
	closed bool
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		quotes:     make(map[int64]*billing.Quote),
		invoices:   make(map[int64]*billing.Invoice),
		items:      make(map[int64][]billing.LineItem),
		milestones: make(map[int64][]billing.PaymentMilestone),
	}
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func copyQuote(q *billing.Quote) *billing.Quote {
	c := *q
	c.Selections = make([]billing.MenuSelection, len(q.Selections))
	for i, s := range q.Selections {
		c.Selections[i] = billing.MenuSelection{Category: s.Category, Items: slices.Clone(s.Items)}
	}
	return &c
}

func copyInvoice(inv *billing.Invoice) *billing.Invoice {
	c := *inv
	return &c
}

func sameCivilDate(a *time.Time, b time.Time) bool {
	return a != nil && billing.CivilDate(*a).Equal(billing.CivilDate(b))
}

// GetQuote retrieves a quote by ID
func (m *MemoryStore) GetQuote(ctx context.Context, id int64) (*billing.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotes[id]
	if !ok {
		return nil, billing.NotFound("get quote", billing.EntityQuote, id)
	}
	return copyQuote(q), nil
}

// ListQuotes returns quotes matching the filter ordered by ID
func (m *MemoryStore) ListQuotes(ctx context.Context, filter QuoteFilter) ([]*billing.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*billing.Quote
	for _, q := range m.quotes {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, q.Status) {
			continue
		}
		if filter.EventOn != nil && !sameCivilDate(q.EventDate, *filter.EventOn) {
			continue
		}
		if filter.EventBefore != nil && (q.EventDate == nil || !billing.CivilDate(*q.EventDate).Before(billing.CivilDate(*filter.EventBefore))) {
			continue
		}
		if filter.EventOnOrAfter != nil && (q.EventDate == nil || billing.CivilDate(*q.EventDate).Before(billing.CivilDate(*filter.EventOnOrAfter))) {
			continue
		}
		out = append(out, copyQuote(q))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SaveQuote inserts or updates a quote
func (m *MemoryStore) SaveQuote(ctx context.Context, q *billing.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q.ID == 0 {
		q.ID = m.id()
		if q.Status == "" {
			q.Status = billing.QuoteStatusPending
		}
		if q.CreatedAt.IsZero() {
			q.CreatedAt = time.Now().UTC()
		}
		q.UpdatedAt = q.CreatedAt
		m.quotes[q.ID] = copyQuote(q)
		return nil
	}

	existing, ok := m.quotes[q.ID]
	if !ok {
		return billing.NotFound("save quote", billing.EntityQuote, q.ID)
	}
	updated := copyQuote(q)
	updated.Status = existing.Status
	updated.StatusChangedAt = existing.StatusChangedAt
	updated.StatusChangedBy = existing.StatusChangedBy
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	m.quotes[q.ID] = updated
	return nil
}

// UpdateQuoteStatus compare-and-sets the quote status and appends the log
func (m *MemoryStore) UpdateQuoteStatus(ctx context.Context, id int64, from, to billing.QuoteStatus, log billing.StateLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotes[id]
	if !ok {
		return billing.NotFound("update quote status", billing.EntityQuote, id)
	}
	if q.Status != from {
		return billing.Concurrency("update quote status", billing.EntityQuote, id)
	}
	q.Status = to
	q.StatusChangedAt = log.CreatedAt
	q.StatusChangedBy = log.Actor
	q.UpdatedAt = log.CreatedAt
	m.stateLogs = append(m.stateLogs, log)
	return nil
}

// GetInvoice retrieves an invoice by ID
func (m *MemoryStore) GetInvoice(ctx context.Context, id int64) (*billing.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[id]
	if !ok {
		return nil, billing.NotFound("get invoice", billing.EntityInvoice, id)
	}
	return copyInvoice(inv), nil
}

// ListInvoices returns invoices matching the filter ordered by ID
func (m *MemoryStore) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]*billing.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*billing.Invoice
	for _, inv := range m.invoices {
		if !filter.IncludeDrafts && inv.IsDraft {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, inv.Status) {
			continue
		}
		if filter.QuoteID != 0 && inv.QuoteID != filter.QuoteID {
			continue
		}
		if filter.DueBefore != nil && (inv.DueDate == nil || !billing.CivilDate(*inv.DueDate).Before(billing.CivilDate(*filter.DueBefore))) {
			continue
		}
		if len(filter.QuoteStatusNotIn) > 0 {
			q, ok := m.quotes[inv.QuoteID]
			if !ok || slices.Contains(filter.QuoteStatusNotIn, q.Status) {
				continue
			}
		}
		out = append(out, copyInvoice(inv))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListLineItems returns an invoice's line items in sort order
func (m *MemoryStore) ListLineItems(ctx context.Context, invoiceID int64) ([]billing.LineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := slices.Clone(m.items[invoiceID])
	billing.SortLineItems(out)
	return out, nil
}

// ListMilestones returns an invoice's milestones in schedule order
func (m *MemoryStore) ListMilestones(ctx context.Context, invoiceID int64) ([]billing.PaymentMilestone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.milestones[invoiceID]), nil
}

// ListDueMilestones returns dated milestones due within [DueFrom, DueTo]
func (m *MemoryStore) ListDueMilestones(ctx context.Context, filter MilestoneFilter) ([]billing.PaymentMilestone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, to := billing.CivilDate(filter.DueFrom), billing.CivilDate(filter.DueTo)
	var out []billing.PaymentMilestone
	for invoiceID, ms := range m.milestones {
		inv, ok := m.invoices[invoiceID]
		if !ok || inv.IsDraft {
			continue
		}
		if len(filter.InvoiceStatuses) > 0 && !slices.Contains(filter.InvoiceStatuses, inv.Status) {
			continue
		}
		for _, milestone := range ms {
			if milestone.DueDate == nil {
				continue
			}
			if filter.Status != "" && milestone.Status != filter.Status {
				continue
			}
			due := billing.CivilDate(*milestone.DueDate)
			if due.Before(from) || due.After(to) {
				continue
			}
			out = append(out, milestone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) hasLiveInvoice(quoteID int64) bool {
	for _, inv := range m.invoices {
		if inv.QuoteID == quoteID && !inv.IsDraft && inv.Status != billing.InvoiceStatusCancelled {
			return true
		}
	}
	return false
}

// CreateInvoice inserts an invoice with its children
func (m *MemoryStore) CreateInvoice(ctx context.Context, inv *billing.Invoice, items []billing.LineItem, milestones []billing.PaymentMilestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.quotes[inv.QuoteID]; !ok {
		return billing.NotFound("create invoice", billing.EntityQuote, inv.QuoteID)
	}
	if !inv.IsDraft && m.hasLiveInvoice(inv.QuoteID) {
		return billing.Integrity("create invoice", billing.EntityQuote, inv.QuoteID, "quote already has a non-draft invoice")
	}

	inv.ID = m.id()
	m.invoices[inv.ID] = copyInvoice(inv)
	m.items[inv.ID] = m.assignItems(inv.ID, items)
	m.milestones[inv.ID] = m.assignMilestones(inv.ID, milestones)
	return nil
}

func (m *MemoryStore) assignItems(invoiceID int64, items []billing.LineItem) []billing.LineItem {
	out := make([]billing.LineItem, len(items))
	for i, item := range items {
		item.ID = m.id()
		item.InvoiceID = invoiceID
		out[i] = item
	}
	return out
}

func (m *MemoryStore) assignMilestones(invoiceID int64, milestones []billing.PaymentMilestone) []billing.PaymentMilestone {
	out := make([]billing.PaymentMilestone, len(milestones))
	for i, ms := range milestones {
		ms.ID = m.id()
		ms.InvoiceID = invoiceID
		ms.Position = i
		out[i] = ms
	}
	return out
}

// UpdateInvoiceStatus compare-and-sets the invoice status and appends the log
func (m *MemoryStore) UpdateInvoiceStatus(ctx context.Context, id int64, from, to billing.InvoiceStatus, log billing.StateLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[id]
	if !ok {
		return billing.NotFound("update invoice status", billing.EntityInvoice, id)
	}
	if inv.Status != from {
		return billing.Concurrency("update invoice status", billing.EntityInvoice, id)
	}
	inv.Status = to
	inv.StatusChangedAt = log.CreatedAt
	inv.UpdatedAt = log.CreatedAt
	m.stateLogs = append(m.stateLogs, log)
	return nil
}

// ApplyRevision replaces derived invoice data at the expected version
func (m *MemoryStore) ApplyRevision(ctx context.Context, rev Revision) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	const op = "apply revision"
	inv, ok := m.invoices[rev.InvoiceID]
	if !ok {
		return 0, billing.NotFound(op, billing.EntityInvoice, rev.InvoiceID)
	}
	if inv.Version != rev.ExpectedVersion {
		return 0, billing.Concurrency(op, billing.EntityInvoice, rev.InvoiceID)
	}
	if sum := billing.Subtotal(rev.Items); sum != rev.Totals.SubtotalCents {
		return 0, billing.Integrity(op, billing.EntityInvoice, rev.InvoiceID,
			"line items sum to %d but subtotal is %d", sum, rev.Totals.SubtotalCents)
	}

	m.items[rev.InvoiceID] = m.assignItems(rev.InvoiceID, rev.Items)
	if rev.Milestones != nil {
		m.milestones[rev.InvoiceID] = m.assignMilestones(rev.InvoiceID, rev.Milestones)
	}
	inv.SubtotalCents = rev.Totals.SubtotalCents
	inv.TaxCents = rev.Totals.TaxCents
	inv.TotalCents = rev.Totals.TotalCents
	inv.TaxExempt = rev.TaxExempt
	if rev.DueDate != nil {
		due := *rev.DueDate
		inv.DueDate = &due
	}
	inv.Version++
	inv.UpdatedAt = rev.UpdatedAt
	if rev.Audit != nil {
		m.stateLogs = append(m.stateLogs, *rev.Audit)
	}
	return inv.Version, nil
}

// CorrectTotals overwrites invoice totals and milestone amounts at the expected version
func (m *MemoryStore) CorrectTotals(ctx context.Context, invoiceID int64, expectedVersion int, totals billing.Totals, milestones []billing.PaymentMilestone, audit billing.StateLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[invoiceID]
	if !ok {
		return billing.NotFound("correct totals", billing.EntityInvoice, invoiceID)
	}
	if inv.Version != expectedVersion {
		return billing.Concurrency("correct totals", billing.EntityInvoice, invoiceID)
	}
	stored := slices.Clone(m.milestones[invoiceID])
	for _, want := range milestones {
		i := slices.IndexFunc(stored, func(ms billing.PaymentMilestone) bool { return ms.ID == want.ID })
		if i < 0 {
			return billing.Integrity("correct totals", billing.EntityInvoice, invoiceID, "milestone %d not found", want.ID)
		}
		stored[i].AmountCents = want.AmountCents
	}
	m.milestones[invoiceID] = stored
	inv.SubtotalCents = totals.SubtotalCents
	inv.TaxCents = totals.TaxCents
	inv.TotalCents = totals.TotalCents
	inv.UpdatedAt = audit.CreatedAt
	m.stateLogs = append(m.stateLogs, audit)
	return nil
}

// MarkMilestonesPaid flags the given pending milestones as paid
func (m *MemoryStore) MarkMilestonesPaid(ctx context.Context, invoiceID int64, milestoneIDs []int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := m.milestones[invoiceID]
	for i := range ms {
		if slices.Contains(milestoneIDs, ms[i].ID) && ms[i].Status == billing.MilestoneStatusPending {
			paidAt := at
			ms[i].Status = billing.MilestoneStatusPaid
			ms[i].PaidAt = &paidAt
		}
	}
	return nil
}

// RecordPayment stores a payment unless its external ref was already seen
func (m *MemoryStore) RecordPayment(ctx context.Context, tx *billing.PaymentTransaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.invoices[tx.InvoiceID]; !ok {
		return false, billing.NotFound("record payment", billing.EntityInvoice, tx.InvoiceID)
	}
	for _, p := range m.payments {
		if p.ExternalRef == tx.ExternalRef {
			tx.ID = p.ID
			return false, nil
		}
	}
	tx.ID = m.id()
	m.payments = append(m.payments, *tx)
	return true, nil
}

// SumCompletedPayments sums completed payments for an invoice
func (m *MemoryStore) SumCompletedPayments(ctx context.Context, invoiceID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum int64
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID && p.Status == billing.PaymentStatusCompleted {
			sum += p.AmountCents
		}
	}
	return sum, nil
}

func matchesReminder(log billing.ReminderLog, key ReminderKey) bool {
	if log.EntityType != key.EntityType || log.EntityID != key.EntityID || log.Type != key.Type {
		return false
	}
	return key.Day.IsZero() || billing.CivilDate(log.SentOn).Equal(billing.CivilDate(key.Day))
}

// HasReminder reports whether the ledger holds a matching reminder
func (m *MemoryStore) HasReminder(ctx context.Context, key ReminderKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, log := range m.reminders {
		if matchesReminder(log, key) {
			return true, nil
		}
	}
	return false, nil
}

// AppendReminderLog appends a reminder and bumps invoice counters
func (m *MemoryStore) AppendReminderLog(ctx context.Context, log billing.ReminderLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ReminderKey{EntityType: log.EntityType, EntityID: log.EntityID, Type: log.Type, Day: log.SentOn}
	for _, existing := range m.reminders {
		if matchesReminder(existing, key) {
			return billing.Concurrency("append reminder log", log.EntityType, log.EntityID)
		}
	}
	m.reminders = append(m.reminders, log)

	if log.EntityType == billing.EntityInvoice {
		if inv, ok := m.invoices[log.EntityID]; ok {
			sentAt := log.SentAt
			inv.RemindersSent++
			inv.LastReminderAt = &sentAt
		}
	}
	return nil
}

// ReminderLogs returns a copy of the reminder ledger
func (m *MemoryStore) ReminderLogs() []billing.ReminderLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.reminders)
}

// ListStateLogs returns the state log of one entity in append order
func (m *MemoryStore) ListStateLogs(ctx context.Context, entity billing.EntityType, id int64) ([]billing.StateLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []billing.StateLog
	for _, log := range m.stateLogs {
		if log.EntityType == entity && log.EntityID == id {
			out = append(out, log)
		}
	}
	return out, nil
}

// Ping reports whether the store is open
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return billing.ExternalService("ping memory store", errStoreClosed)
	}
	return ctx.Err()
}

// Close marks the store closed
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
