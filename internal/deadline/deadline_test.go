package deadline

import (
	"testing"
	"time"
)

func TestAddPlainWeek(t *testing.T) {
	cal := NewCalendar(nil)
	// Monday 10:00
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	got := cal.Add(start, 48)
	// Wednesday 10:00
	want := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestAddSkipsWeekend(t *testing.T) {
	cal := NewCalendar(nil)
	// Friday 10:00
	start := time.Date(2026, 3, 6, 10, 0, 0, 0, time.UTC)
	got := cal.Add(start, 48)
	// weekend hours do not count, so: 14h left of Friday, then all of
	// Monday and Tuesday (48h), landing Tuesday 10:00... the first 14
	// hours run to Saturday 00:00, skip to Monday, 34 more business
	// hours end Tuesday 10:00.
	want := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestAddSkipsHoliday(t *testing.T) {
	cal := NewCalendar([]string{"2026-03-03"})
	// Monday 10:00, Tuesday is a holiday
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	got := cal.Add(start, 24)
	// Wednesday 10:00 instead of Tuesday 10:00
	want := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestBusinessDay(t *testing.T) {
	cal := NewCalendar([]string{"2026-12-25"})
	cases := []struct {
		date string
		want bool
	}{
		{"2026-03-02", true},  // Monday
		{"2026-03-07", false}, // Saturday
		{"2026-03-08", false}, // Sunday
		{"2026-12-25", false}, // holiday (Friday)
	}
	for _, tc := range cases {
		d, err := time.Parse("2006-01-02", tc.date)
		if err != nil {
			t.Fatal(err)
		}
		if got := cal.BusinessDay(d); got != tc.want {
			t.Fatalf("BusinessDay(%s) = %v, want %v", tc.date, got, tc.want)
		}
	}
}
