package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestBuildSchedule_TierBoundaries(t *testing.T) {
	ref := date(2026, time.March, 1)
	tests := []struct {
		days  int
		want  Tier
		rules int
	}{
		{days: -3, want: TierRush, rules: 1},
		{days: 0, want: TierRush, rules: 1},
		{days: 14, want: TierRush, rules: 1},
		{days: 15, want: TierShortNotice, rules: 2},
		{days: 30, want: TierShortNotice, rules: 2},
		{days: 31, want: TierMidRange, rules: 2},
		{days: 44, want: TierMidRange, rules: 2},
		{days: 45, want: TierStandard, rules: 3},
		{days: 365, want: TierStandard, rules: 3},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			s, err := BuildSchedule(ref.AddDate(0, 0, tt.days), ref, CustomerClassStandard, 100000)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Tier, "days=%d", tt.days)
			assert.Equal(t, tt.days, s.DaysUntil)
			assert.Len(t, s.Rules, tt.rules)
		})
	}
}

func TestBuildSchedule_StandardScenario(t *testing.T) {
	ref := date(2026, time.January, 1)
	event := ref.AddDate(0, 0, 60)

	s, err := BuildSchedule(event, ref, CustomerClassStandard, 218000)
	require.NoError(t, err)
	require.Equal(t, TierStandard, s.Tier)
	require.Len(t, s.Rules, 3)

	assert.Equal(t, MilestoneDeposit, s.Rules[0].Type)
	assert.Equal(t, 10, s.Rules[0].Percentage)
	assert.Equal(t, int64(21800), s.Rules[0].AmountCents)
	assert.True(t, s.Rules[0].IsDueNow)
	assert.Nil(t, s.Rules[0].DueDate)

	assert.Equal(t, 40, s.Rules[1].Percentage)
	assert.Equal(t, int64(87200), s.Rules[1].AmountCents)
	require.NotNil(t, s.Rules[1].DueDate)
	assert.Equal(t, event.AddDate(0, 0, -30), *s.Rules[1].DueDate)

	assert.Equal(t, 50, s.Rules[2].Percentage)
	assert.Equal(t, int64(109000), s.Rules[2].AmountCents)
	require.NotNil(t, s.Rules[2].DueDate)
	assert.Equal(t, event.AddDate(0, 0, -14), *s.Rules[2].DueDate)

	assert.Equal(t, event.AddDate(0, 0, -14), s.DueDate())
}

func TestBuildSchedule_GovernmentOverridesDate(t *testing.T) {
	ref := date(2026, time.May, 20)
	event := ref.AddDate(0, 0, 10)

	s, err := BuildSchedule(event, ref, CustomerClassGovernment, 50000)
	require.NoError(t, err)
	assert.Equal(t, TierGovernment, s.Tier)
	require.Len(t, s.Rules, 1)

	rule := s.Rules[0]
	assert.Equal(t, MilestoneFull, rule.Type)
	assert.Equal(t, 100, rule.Percentage)
	assert.Equal(t, int64(50000), rule.AmountCents)
	assert.False(t, rule.IsDueNow)
	require.NotNil(t, rule.DueDate)
	assert.Equal(t, event.AddDate(0, 0, 30), *rule.DueDate)
}

func TestBuildSchedule_ShortNoticeAndMidRangeDueDates(t *testing.T) {
	ref := date(2026, time.June, 1)

	short, err := BuildSchedule(ref.AddDate(0, 0, 20), ref, CustomerClassStandard, 1000)
	require.NoError(t, err)
	assert.Equal(t, ref.AddDate(0, 0, 13), *short.Rules[1].DueDate)
	assert.Equal(t, MilestoneBalance, short.Rules[1].Type)

	mid, err := BuildSchedule(ref.AddDate(0, 0, 40), ref, CustomerClassStandard, 1000)
	require.NoError(t, err)
	assert.Equal(t, ref.AddDate(0, 0, 26), *mid.Rules[1].DueDate)
}

func TestBuildSchedule_RushDueDateIsReference(t *testing.T) {
	ref := date(2026, time.June, 1)
	s, err := BuildSchedule(ref.AddDate(0, 0, 3), ref, CustomerClassStandard, 1000)
	require.NoError(t, err)
	assert.Equal(t, ref, s.DueDate())
}

func TestBuildSchedule_IgnoresTimeOfDay(t *testing.T) {
	ref := time.Date(2026, time.June, 1, 23, 59, 0, 0, time.UTC)
	event := time.Date(2026, time.June, 16, 0, 1, 0, 0, time.UTC)

	s, err := BuildSchedule(event, ref, CustomerClassStandard, 1000)
	require.NoError(t, err)
	assert.Equal(t, 15, s.DaysUntil)
	assert.Equal(t, TierShortNotice, s.Tier)
}

func TestBuildSchedule_SumsAlwaysMatch(t *testing.T) {
	ref := date(2026, time.February, 1)
	totals := []int64{0, 1, 2, 3, 99, 101, 333, 12345, 218000, 999999}
	for _, days := range []int{5, 20, 40, 90} {
		for _, class := range []CustomerClass{CustomerClassStandard, CustomerClassGovernment} {
			for _, total := range totals {
				s, err := BuildSchedule(ref.AddDate(0, 0, days), ref, class, total)
				require.NoError(t, err)

				var sum int64
				pct := 0
				for _, r := range s.Rules {
					sum += r.AmountCents
					pct += r.Percentage
				}
				assert.Equal(t, total, sum, "tier=%s total=%d", s.Tier, total)
				assert.Equal(t, 100, pct)
			}
		}
	}
}

func TestBuildSchedule_Validation(t *testing.T) {
	ref := date(2026, time.February, 1)

	_, err := BuildSchedule(time.Time{}, ref, CustomerClassStandard, 100)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = BuildSchedule(ref, time.Time{}, CustomerClassStandard, 100)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = BuildSchedule(ref, ref, CustomerClass("nonprofit"), 100)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = BuildSchedule(ref, ref, CustomerClassStandard, -1)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSplitAmounts(t *testing.T) {
	amounts, err := SplitAmounts(101, []int{60, 40})
	require.NoError(t, err)
	assert.Equal(t, []int64{61, 40}, amounts)

	amounts, err = SplitAmounts(333, []int{10, 40, 50})
	require.NoError(t, err)
	assert.Equal(t, []int64{33, 133, 167}, amounts)

	_, err = SplitAmounts(100, []int{60, 30})
	assert.ErrorIs(t, err, ErrIntegrity)

	_, err = SplitAmounts(100, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSchedule_Milestones(t *testing.T) {
	ref := date(2026, time.January, 1)
	s, err := BuildSchedule(ref.AddDate(0, 0, 60), ref, CustomerClassStandard, 218000)
	require.NoError(t, err)

	ms := s.Milestones(42)
	require.Len(t, ms, 3)
	for i, m := range ms {
		assert.Equal(t, int64(42), m.InvoiceID)
		assert.Equal(t, i, m.Position)
		assert.Equal(t, MilestoneStatusPending, m.Status)
	}
	assert.NoError(t, ValidateMilestones(42, 218000, ms))
}

func TestValidateMilestones(t *testing.T) {
	ms := []PaymentMilestone{
		{Percentage: 60, AmountCents: 600},
		{Percentage: 30, AmountCents: 300},
	}
	err := ValidateMilestones(7, 900, ms)
	assert.ErrorIs(t, err, ErrIntegrity)

	ms[1].Percentage = 40
	err = ValidateMilestones(7, 1000, ms)
	assert.ErrorIs(t, err, ErrIntegrity)

	ms[1].AmountCents = 400
	assert.NoError(t, ValidateMilestones(7, 1000, ms))
}

func TestResplitMilestones(t *testing.T) {
	paidAt := date(2026, time.January, 2)
	ms := []PaymentMilestone{
		{Type: MilestoneDeposit, Percentage: 60, AmountCents: 600, Status: MilestoneStatusPaid, PaidAt: &paidAt},
		{Type: MilestoneBalance, Percentage: 40, AmountCents: 400, Status: MilestoneStatusPending},
	}

	out, err := ResplitMilestones(1, 2001, ms)
	require.NoError(t, err)
	assert.Equal(t, int64(1201), out[0].AmountCents)
	assert.Equal(t, int64(800), out[1].AmountCents)
	assert.Equal(t, MilestoneStatusPaid, out[0].Status)
	assert.Equal(t, int64(600), ms[0].AmountCents, "input must not be mutated")
}
