package billing

import (
	"fmt"
	"time"
)

// Tier is the payment schedule category selected for an invoice
type Tier string

const (
	TierGovernment  Tier = "GOVERNMENT"
	TierRush        Tier = "RUSH"
	TierShortNotice Tier = "SHORT_NOTICE"
	TierMidRange    Tier = "MID_RANGE"
	TierStandard    Tier = "STANDARD"
)

// Tier thresholds in calendar days until the event
const (
	RushMaxDays        = 14
	ShortNoticeMaxDays = 30
	MidRangeMaxDays    = 44

	GovernmentNetDays = 30
)

// ScheduleRule is one milestone of a computed schedule
type ScheduleRule struct {
	Type        MilestoneType `json:"type"`
	Percentage  int           `json:"percentage"`
	AmountCents int64         `json:"amount_cents"`
	DueDate     *time.Time    `json:"due_date,omitempty"`
	IsDueNow    bool          `json:"is_due_now"`
}

// Schedule is the output of BuildSchedule
type Schedule struct {
	Tier          Tier           `json:"tier"`
	DaysUntil     int            `json:"days_until_event"`
	ReferenceDate time.Time      `json:"reference_date"`
	Rules         []ScheduleRule `json:"rules"`
}

// ruleTemplate describes one rule before amounts are assigned.
// offsetDays is relative to the event date; dueNow rules have no date.
type ruleTemplate struct {
	typ        MilestoneType
	percentage int
	dueNow     bool
	offsetDays int
}

var tierRules = map[Tier][]ruleTemplate{
	TierGovernment: {
		{typ: MilestoneFull, percentage: 100, offsetDays: GovernmentNetDays},
	},
	TierRush: {
		{typ: MilestoneFull, percentage: 100, dueNow: true},
	},
	TierShortNotice: {
		{typ: MilestoneDeposit, percentage: 60, dueNow: true},
		{typ: MilestoneBalance, percentage: 40, offsetDays: -7},
	},
	TierMidRange: {
		{typ: MilestoneDeposit, percentage: 60, dueNow: true},
		{typ: MilestoneBalance, percentage: 40, offsetDays: -14},
	},
	TierStandard: {
		{typ: MilestoneDeposit, percentage: 10, dueNow: true},
		{typ: MilestoneMilestone, percentage: 40, offsetDays: -30},
		{typ: MilestoneFinal, percentage: 50, offsetDays: -14},
	},
}

// SelectTier picks the schedule tier. Government customers always get Net-30.
func SelectTier(daysUntilEvent int, class CustomerClass) Tier {
	switch {
	case class == CustomerClassGovernment:
		return TierGovernment
	case daysUntilEvent <= RushMaxDays:
		return TierRush
	case daysUntilEvent <= ShortNoticeMaxDays:
		return TierShortNotice
	case daysUntilEvent <= MidRangeMaxDays:
		return TierMidRange
	default:
		return TierStandard
	}
}

// BuildSchedule derives the payment milestone schedule for an event.
// eventDate and referenceDate are civil dates; the result depends on nothing else.
func BuildSchedule(eventDate, referenceDate time.Time, class CustomerClass, totalCents int64) (Schedule, error) {
	const op = "build payment schedule"
	if eventDate.IsZero() {
		return Schedule{}, Validation(op, "event date is required")
	}
	if referenceDate.IsZero() {
		return Schedule{}, Validation(op, "reference date is required")
	}
	if !class.Valid() {
		return Schedule{}, Validation(op, "unknown customer class %q", class)
	}
	if totalCents < 0 {
		return Schedule{}, Validation(op, "total must not be negative, got %d", totalCents)
	}

	event := CivilDate(eventDate)
	days := DaysBetween(referenceDate, event)
	tier := SelectTier(days, class)
	templates := tierRules[tier]

	percentages := make([]int, len(templates))
	for i, t := range templates {
		percentages[i] = t.percentage
	}
	amounts, err := SplitAmounts(totalCents, percentages)
	if err != nil {
		return Schedule{}, err
	}

	rules := make([]ScheduleRule, len(templates))
	for i, t := range templates {
		rule := ScheduleRule{
			Type:        t.typ,
			Percentage:  t.percentage,
			AmountCents: amounts[i],
			IsDueNow:    t.dueNow,
		}
		if !t.dueNow {
			due := AddDays(event, t.offsetDays)
			rule.DueDate = &due
		}
		rules[i] = rule
	}

	return Schedule{
		Tier:          tier,
		DaysUntil:     days,
		ReferenceDate: CivilDate(referenceDate),
		Rules:         rules,
	}, nil
}

// SplitAmounts splits totalCents by percentages rounding half-up, with the last
// share absorbing the remainder so the amounts sum to totalCents exactly.
func SplitAmounts(totalCents int64, percentages []int) ([]int64, error) {
	if len(percentages) == 0 {
		return nil, Validation("split amounts", "at least one percentage is required")
	}
	sum := 0
	for _, p := range percentages {
		if p <= 0 {
			return nil, Validation("split amounts", "percentage must be positive, got %d", p)
		}
		sum += p
	}
	if sum != 100 {
		return nil, &Error{Kind: ErrIntegrity, Op: "split amounts", Msg: fmt.Sprintf("milestone percentages sum to %d, want 100", sum)}
	}

	amounts := make([]int64, len(percentages))
	var allocated int64
	last := len(percentages) - 1
	for i, p := range percentages[:last] {
		amounts[i] = (totalCents*int64(p) + 50) / 100
		allocated += amounts[i]
	}
	amounts[last] = totalCents - allocated
	return amounts, nil
}

// Milestones converts a schedule into pending milestone rows for an invoice
func (s Schedule) Milestones(invoiceID int64) []PaymentMilestone {
	out := make([]PaymentMilestone, len(s.Rules))
	for i, r := range s.Rules {
		out[i] = PaymentMilestone{
			InvoiceID:   invoiceID,
			Type:        r.Type,
			Percentage:  r.Percentage,
			AmountCents: r.AmountCents,
			DueDate:     r.DueDate,
			DueNow:      r.IsDueNow,
			Status:      MilestoneStatusPending,
			Position:    i,
		}
	}
	return out
}

// DueDate is the invoice due date implied by the schedule: the latest rule due
// date, or the reference date when every rule is due now.
func (s Schedule) DueDate() time.Time {
	var latest time.Time
	for _, r := range s.Rules {
		if r.DueDate != nil && r.DueDate.After(latest) {
			latest = *r.DueDate
		}
	}
	if latest.IsZero() {
		return s.ReferenceDate
	}
	return latest
}

// ValidateMilestones checks that a persisted milestone set still sums to 100%
// and to the invoice total.
func ValidateMilestones(invoiceID, totalCents int64, milestones []PaymentMilestone) error {
	const op = "validate milestones"
	if len(milestones) == 0 {
		return nil
	}
	pct := 0
	var amount int64
	for _, m := range milestones {
		pct += m.Percentage
		amount += m.AmountCents
	}
	if pct != 100 {
		return Integrity(op, EntityInvoice, invoiceID, "milestone percentages sum to %d, want 100", pct)
	}
	if amount != totalCents {
		return Integrity(op, EntityInvoice, invoiceID, "milestone amounts sum to %d, want %d", amount, totalCents)
	}
	return nil
}

// ResplitMilestones recomputes milestone amounts for a new total keeping
// percentages, due dates and statuses.
func ResplitMilestones(invoiceID, totalCents int64, milestones []PaymentMilestone) ([]PaymentMilestone, error) {
	if len(milestones) == 0 {
		return nil, nil
	}
	percentages := make([]int, len(milestones))
	for i, m := range milestones {
		percentages[i] = m.Percentage
	}
	amounts, err := SplitAmounts(totalCents, percentages)
	if err != nil {
		return nil, Integrity("resplit milestones", EntityInvoice, invoiceID, "%v", err)
	}
	out := make([]PaymentMilestone, len(milestones))
	for i, m := range milestones {
		m.AmountCents = amounts[i]
		out[i] = m
	}
	return out, nil
}
