package reminders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/platinummonkey/banquet/pkg/async"
	"github.com/platinummonkey/banquet/pkg/billing"
	"github.com/platinummonkey/banquet/pkg/notify"
	"github.com/platinummonkey/banquet/pkg/observability"
	"github.com/platinummonkey/banquet/pkg/storage"
)

const sweepName = "reminders"

// Store is the persistence the dispatcher reads candidates from and dedups against
type Store interface {
	GetQuote(ctx context.Context, id int64) (*billing.Quote, error)
	ListQuotes(ctx context.Context, filter storage.QuoteFilter) ([]*billing.Quote, error)
	GetInvoice(ctx context.Context, id int64) (*billing.Invoice, error)
	ListInvoices(ctx context.Context, filter storage.InvoiceFilter) ([]*billing.Invoice, error)
	ListDueMilestones(ctx context.Context, filter storage.MilestoneFilter) ([]billing.PaymentMilestone, error)
	SumCompletedPayments(ctx context.Context, invoiceID int64) (int64, error)
	HasReminder(ctx context.Context, key storage.ReminderKey) (bool, error)
	AppendReminderLog(ctx context.Context, log billing.ReminderLog) error
}

// Config bounds one reminder sweep
type Config struct {
	Workers       int
	EntityTimeout time.Duration
	Deadline      time.Duration
	// Cooldown silences invoice reminders after an approved or payment_pending status change
	Cooldown            time.Duration
	MilestoneWindowDays int
	LedgerCacheSize     int
	Location            *time.Location
	// DryRun sends through the notifier but leaves the ledger untouched
	DryRun bool
}

// DefaultConfig returns the default dispatcher settings
func DefaultConfig() Config {
	return Config{
		Workers:             4,
		EntityTimeout:       30 * time.Second,
		Deadline:            15 * time.Minute,
		Cooldown:            24 * time.Hour,
		MilestoneWindowDays: 3,
		LedgerCacheSize:     4096,
		Location:            time.UTC,
	}
}

// Counts tallies candidate outcomes for one category
type Counts struct {
	Candidates int `json:"candidates"`
	Sent       int `json:"sent"`
	Deduped    int `json:"deduped"`
	Cooldown   int `json:"cooldown"`
	Deferred   int `json:"deferred"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Result summarizes one reminder sweep
type Result struct {
	RunID      string                          `json:"run_id"`
	Categories map[billing.ReminderType]Counts `json:"categories"`
	Errors     []error                         `json:"-"`
}

// Sent is the total number of reminders delivered across categories
func (r Result) Sent() int {
	n := 0
	for _, c := range r.Categories {
		n += c.Sent
	}
	return n
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeDeduped
	outcomeCooldown
	outcomeDeferred
	outcomeSkipped
	outcomeFailed
)

func (o outcome) label() string {
	switch o {
	case outcomeSent:
		return observability.OutcomeSent
	case outcomeDeduped:
		return observability.OutcomeDeduped
	case outcomeCooldown:
		return observability.OutcomeCooldown
	case outcomeDeferred:
		return observability.OutcomeDeferred
	case outcomeSkipped:
		return observability.OutcomeSkipped
	default:
		return observability.OutcomeFailed
	}
}

// Dispatcher decides which reminders are due and sends each at most once per
// entity, type and day. The reminder ledger is the only dedup state; a row is
// appended only after the notifier accepted the message.
type Dispatcher struct {
	store      Store
	notifier   notify.Notifier
	categories []Category
	cfg        Config
	metrics    *observability.Metrics
	// ledger remembers positive ledger lookups; the ledger is append-only so a hit never goes stale
	ledger *lru.Cache[string, struct{}]
}

// NewDispatcher creates a dispatcher with the default categories
func NewDispatcher(store Store, notifier notify.Notifier, cfg Config, metrics *observability.Metrics) (*Dispatcher, error) {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.EntityTimeout <= 0 {
		cfg.EntityTimeout = def.EntityTimeout
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.LedgerCacheSize <= 0 {
		cfg.LedgerCacheSize = def.LedgerCacheSize
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	cache, err := lru.New[string, struct{}](cfg.LedgerCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger cache: %w", err)
	}
	return &Dispatcher{
		store:      store,
		notifier:   notifier,
		categories: DefaultCategories(cfg.MilestoneWindowDays),
		cfg:        cfg,
		metrics:    metrics,
		ledger:     cache,
	}, nil
}

// RunSweep evaluates every category once. Selection failures and per-entity
// failures are collected; a top-level error is returned only when no category
// could select candidates.
func (d *Dispatcher) RunSweep(ctx context.Context, now time.Time) (res Result, err error) {
	start := time.Now()
	res.RunID = uuid.NewString()
	res.Categories = make(map[billing.ReminderType]Counts, len(d.categories))
	ctx = observability.WithRunID(ctx, res.RunID)
	ctx = observability.WithActor(ctx, billing.ActorAutomation)
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Deadline)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, "reminders.sweep",
		observability.AttrRunID.String(res.RunID),
		observability.AttrDryRun.Bool(d.cfg.DryRun),
	)
	defer func() {
		observability.RecordSpanError(span, err)
		span.End()
		d.metrics.ObserveSweep(sweepName, start, err)
	}()

	today := billing.DateOf(now, d.cfg.Location)
	logger := observability.FromContext(ctx).WithFields(map[string]interface{}{
		"sweep":    sweepName,
		"today":    today.Format(time.DateOnly),
		"notifier": d.notifier.Name(),
		"dry_run":  d.cfg.DryRun,
	})
	logger.Info("sweep started")

	var selectErrs []error
	for _, cat := range d.categories {
		counts, errs, selErr := d.runCategory(ctx, cat, now, today)
		res.Categories[cat.Type] = counts
		res.Errors = append(res.Errors, errs...)
		if selErr != nil {
			selectErrs = append(selectErrs, selErr)
			res.Errors = append(res.Errors, selErr)
		}
	}
	for _, e := range res.Errors {
		logger.WithError(e).Warn("sweep error")
	}

	fields := map[string]interface{}{
		"sent":        res.Sent(),
		"errors":      len(res.Errors),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	for typ, c := range res.Categories {
		fields[string(typ)] = fmt.Sprintf("%d/%d", c.Sent, c.Candidates)
	}
	logger.WithFields(fields).Info("sweep finished")

	if len(selectErrs) == len(d.categories) {
		return res, fmt.Errorf("reminder sweep: %w", errors.Join(selectErrs...))
	}
	return res, nil
}

func (d *Dispatcher) runCategory(ctx context.Context, cat Category, now, today time.Time) (Counts, []error, error) {
	candidates, err := cat.Select(ctx, d.store, today)
	if err != nil {
		return Counts{}, nil, fmt.Errorf("select %s candidates: %w", cat.Type, err)
	}

	var (
		mu     sync.Mutex
		counts = Counts{Candidates: len(candidates)}
	)
	batch := async.Batch(ctx, candidates, d.cfg.Workers, sweepName+"/"+string(cat.Type), d.cfg.EntityTimeout,
		func(ctx context.Context, c Candidate) error {
			o, err := d.dispatch(ctx, cat, c, now, today)
			d.metrics.RecordReminder(string(cat.Type), o.label())

			mu.Lock()
			defer mu.Unlock()
			switch o {
			case outcomeSent:
				counts.Sent++
			case outcomeDeduped:
				counts.Deduped++
			case outcomeCooldown:
				counts.Cooldown++
			case outcomeDeferred:
				counts.Deferred++
			case outcomeSkipped:
				counts.Skipped++
			case outcomeFailed:
				counts.Failed++
			}
			if err != nil {
				return fmt.Errorf("%s reminder for %s %d: %w", cat.Type, c.EntityType, c.EntityID, err)
			}
			return nil
		})
	counts.Deferred += batch.Skipped
	return counts, batch.Errors, nil
}

func ledgerCacheKey(key storage.ReminderKey) string {
	day := "*"
	if !key.Day.IsZero() {
		day = key.Day.Format(time.DateOnly)
	}
	return fmt.Sprintf("%s/%d/%s/%s", key.EntityType, key.EntityID, key.Type, day)
}

// seen checks the ledger, consulting the cache first
func (d *Dispatcher) seen(ctx context.Context, key storage.ReminderKey) (bool, error) {
	ck := ledgerCacheKey(key)
	if _, ok := d.ledger.Get(ck); ok {
		d.metrics.RecordLedgerCache(true)
		return true, nil
	}
	d.metrics.RecordLedgerCache(false)

	found, err := d.store.HasReminder(ctx, key)
	if err != nil {
		return false, err
	}
	if found {
		d.ledger.Add(ck, struct{}{})
	}
	return found, nil
}

func (d *Dispatcher) inCooldown(c Candidate, now time.Time) bool {
	if c.Invoice == nil || d.cfg.Cooldown == 0 || !cooldownStatuses[c.Invoice.Status] {
		return false
	}
	return now.Sub(c.Invoice.StatusChangedAt) < d.cfg.Cooldown
}

// dispatch runs one candidate through dedup, a fresh load, cooldown, send and
// ledger append. Each step fails only this candidate.
func (d *Dispatcher) dispatch(ctx context.Context, cat Category, c Candidate, now, today time.Time) (outcome, error) {
	ctx, span := observability.StartSpan(ctx, "reminders.dispatch",
		append(observability.EntityAttributes(string(c.EntityType), c.EntityID),
			observability.AttrReminder.String(string(cat.Type)))...,
	)
	defer span.End()

	key := storage.ReminderKey{EntityType: c.EntityType, EntityID: c.EntityID, Type: cat.Type}
	if !cat.OnceEver {
		key.Day = today
	}
	found, err := d.seen(ctx, key)
	if err != nil {
		observability.RecordSpanError(span, err)
		return outcomeFailed, fmt.Errorf("ledger lookup: %w", err)
	}
	if found {
		return outcomeDeduped, nil
	}
	if cat.Load != nil {
		ok, err := cat.Load(ctx, d.store, &c, today)
		if err != nil {
			observability.RecordSpanError(span, err)
			return outcomeFailed, fmt.Errorf("load candidate: %w", err)
		}
		if !ok {
			return outcomeSkipped, nil
		}
	}
	if d.inCooldown(c, now) {
		return outcomeCooldown, nil
	}

	logger := observability.FromContext(ctx).WithEntity(string(c.EntityType), c.EntityID).WithFields(map[string]interface{}{
		"reminder":    string(cat.Type),
		"recipient":   c.Recipient,
		"urgency":     c.Urgency,
		"notifier":    d.notifier.Name(),
		"message_day": today.Format(time.DateOnly),
	})
	if c.Recipient == "" && c.Phone == "" {
		logger.Warn("reminder skipped, no contact on file")
		return outcomeSkipped, nil
	}

	msg := notify.Message{
		ID:         notify.MessageID(c.EntityType, c.EntityID, cat.Type, today),
		Type:       cat.Type,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Recipient:  c.Recipient,
		Name:       c.Name,
		Phone:      c.Phone,
		Urgency:    c.Urgency,
		Data:       c.Data,
		CreatedAt:  now,
	}
	sendStart := time.Now()
	err = d.notifier.Send(ctx, msg)
	d.metrics.RecordNotifier(d.notifier.Name(), time.Since(sendStart), err)
	if errors.Is(err, notify.ErrRateLimited) {
		logger.WithError(err).Info("reminder deferred")
		return outcomeDeferred, nil
	}
	if err != nil {
		observability.RecordSpanError(span, err)
		return outcomeFailed, billing.ExternalService("send reminder", err)
	}

	if d.cfg.DryRun {
		return outcomeSent, nil
	}
	err = d.store.AppendReminderLog(ctx, billing.ReminderLog{
		ID:         uuid.New(),
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Type:       cat.Type,
		Recipient:  c.Recipient,
		Urgency:    c.Urgency,
		SentAt:     now,
		SentOn:     today,
	})
	if errors.Is(err, billing.ErrConcurrency) {
		// an overlapping sweep logged the same reminder first
		logger.Warn("reminder already logged by another sweep")
		err = nil
	}
	if err != nil {
		observability.RecordSpanError(span, err)
		return outcomeSent, fmt.Errorf("reminder sent but not logged: %w", err)
	}
	d.ledger.Add(ledgerCacheKey(key), struct{}{})
	logger.Info("reminder sent")
	return outcomeSent, nil
}
