package billing

import "time"

// DateOf truncates t to its calendar date in loc, returned as midnight UTC.
// All civil dates in the engine use this representation so day arithmetic
// never crosses a DST boundary.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// CivilDate normalizes a stored date (already a calendar date) to midnight UTC
func CivilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of calendar days from a to b
func DaysBetween(a, b time.Time) int {
	return int(CivilDate(b).Sub(CivilDate(a)).Hours() / 24)
}

// AddDays returns the civil date n days after d
func AddDays(d time.Time, n int) time.Time {
	return CivilDate(d).AddDate(0, 0, n)
}
