// Package deadline computes voting deadlines in business hours, so a
// batch started on Friday afternoon does not expire over the weekend.
package deadline

import "time"

// Calendar knows which days count as business days.
type Calendar struct {
	holidays map[string]bool
}

// NewCalendar takes holiday dates in YYYY-MM-DD form.
func NewCalendar(holidays []string) Calendar {
	m := make(map[string]bool, len(holidays))
	for _, h := range holidays {
		m[h] = true
	}
	return Calendar{holidays: m}
}

// BusinessDay reports whether t falls on a weekday that is not a
// configured holiday.
func (c Calendar) BusinessDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.holidays[t.Format("2006-01-02")]
}

// Add advances start by the given number of business hours. Hours that
// land on weekends or holidays do not count toward the total.
func (c Calendar) Add(start time.Time, hours int) time.Time {
	t := start
	for hours > 0 {
		t = t.Add(time.Hour)
		if c.BusinessDay(t) {
			hours--
		}
	}
	return t
}
