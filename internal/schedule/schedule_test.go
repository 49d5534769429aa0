package schedule

import (
	"testing"
	"time"
)

// 2024-03-01 is a Friday.
func friday(hour int) time.Time {
	return time.Date(2024, 3, 1, hour, 0, 0, 0, time.UTC)
}

func TestAdjust_Rules(t *testing.T) {
	b := DefaultBusinessHours()
	cases := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{"inside window", friday(10), friday(10)},
		{"before start", friday(7), friday(9)},
		{"at end", friday(17), time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)},
		{"saturday", time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC), time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)},
		{"sunday", time.Date(2024, 3, 3, 8, 0, 0, 0, time.UTC), time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)},
		{"thursday evening", time.Date(2024, 2, 29, 18, 30, 0, 0, time.UTC), friday(9)},
	}
	for _, tc := range cases {
		got := b.Adjust(tc.in, time.UTC)
		if !got.Equal(tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestAdjust_Idempotent(t *testing.T) {
	b := DefaultBusinessHours()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7*24*4; i++ {
		in := start.Add(time.Duration(i) * 15 * time.Minute)
		once := b.Adjust(in, time.UTC)
		twice := b.Adjust(once, time.UTC)
		if !once.Equal(twice) {
			t.Fatalf("not idempotent for %v: %v then %v", in, once, twice)
		}
		if !b.Within(once, time.UTC) {
			t.Fatalf("adjusted time %v is outside business hours", once)
		}
	}
}

func TestRuleNext_FridayAfternoonPlusOneDay(t *testing.T) {
	r := Rule{Type: RuleRelative, Value: 1, Unit: UnitDays, BusinessHoursOnly: true}
	got, err := r.Next(friday(16), DefaultBusinessHours())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	want := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRuleNext_PlainOffset(t *testing.T) {
	got, err := In(4, UnitHours).Next(friday(10), DefaultBusinessHours())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !got.Equal(friday(14)) {
		t.Fatalf("got %v", got)
	}
}

func TestRuleNext_Timezone(t *testing.T) {
	// 20:00 UTC on Friday is 15:00 in New York (EST), inside the window.
	r := Rule{Type: RuleRelative, Value: 0, Unit: UnitHours, BusinessHoursOnly: true, Timezone: "America/New_York"}
	in := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)
	got, err := r.Next(in, DefaultBusinessHours())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !got.Equal(in) {
		t.Fatalf("expected unchanged, got %v", got)
	}
}

func TestRuleNext_NextBusinessDay(t *testing.T) {
	got, err := Rule{Type: RuleNextBusinessDay}.Next(friday(11), DefaultBusinessHours())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if want := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRuleValidate(t *testing.T) {
	if err := (Rule{Unit: "fortnights"}).Validate(); err == nil {
		t.Fatalf("expected error for unknown unit")
	}
	if err := (Rule{Value: -1}).Validate(); err == nil {
		t.Fatalf("expected error for negative value")
	}
	if err := (Rule{Timezone: "Mars/Olympus"}).Validate(); err == nil {
		t.Fatalf("expected error for unknown timezone")
	}
}
