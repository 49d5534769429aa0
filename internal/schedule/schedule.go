package schedule

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"
)

// Rule computes when a generated followup should happen relative to a base time.
//
// Example: {Type: relative, Value: 1, Unit: days, BusinessHoursOnly: true}
// scheduled from Friday 16:00 lands on Monday 09:00.
type Rule struct {
	Type              RuleType `json:"type"`
	Value             int      `json:"value"`
	Unit              Unit     `json:"unit"`
	BusinessHoursOnly bool     `json:"business_hours_only"`
	Timezone          string   `json:"timezone,omitempty"`
}

type RuleType string

const (
	RuleRelative        RuleType = "relative"
	RuleNextBusinessDay RuleType = "next_business_day"
)

type Unit string

const (
	UnitMinutes Unit = "minutes"
	UnitHours   Unit = "hours"
	UnitDays    Unit = "days"
	UnitWeeks   Unit = "weeks"
)

var ErrInvalidRule = errors.New("schedule: invalid rule")

// Validate rejects rules Next cannot evaluate.
func (r Rule) Validate() error {
	switch r.Type {
	case "", RuleRelative, RuleNextBusinessDay:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRule, r.Type)
	}
	if r.Value < 0 {
		return fmt.Errorf("%w: value must not be negative", ErrInvalidRule)
	}
	switch r.Unit {
	case "", UnitMinutes, UnitHours, UnitDays, UnitWeeks:
	default:
		return fmt.Errorf("%w: unknown unit %q", ErrInvalidRule, r.Unit)
	}
	if _, err := loadLocation(r.Timezone); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return nil
}

// Next returns base + value*unit, shifted into business hours when required.
func (r Rule) Next(base time.Time, hours BusinessHours) (time.Time, error) {
	if err := r.Validate(); err != nil {
		return time.Time{}, err
	}
	loc, _ := loadLocation(r.Timezone)

	var out time.Time
	switch r.Type {
	case RuleNextBusinessDay:
		local := base.In(loc)
		next := local.AddDate(0, 0, 1)
		out = time.Date(next.Year(), next.Month(), next.Day(), hours.start(), 0, 0, 0, loc)
		return hours.Adjust(out, loc), nil
	default:
		out = base.Add(r.Duration())
	}
	if r.BusinessHoursOnly {
		out = hours.Adjust(out, loc)
	}
	return out, nil
}

// Duration is value*unit. Days and weeks are treated as fixed 24h multiples.
func (r Rule) Duration() time.Duration {
	v := time.Duration(r.Value)
	switch r.Unit {
	case UnitMinutes:
		return v * time.Minute
	case UnitHours:
		return v * time.Hour
	case UnitWeeks:
		return v * 7 * 24 * time.Hour
	default:
		return v * 24 * time.Hour
	}
}

// In is a shorthand for a relative rule without business-hours shifting.
func In(value int, unit Unit) Rule {
	return Rule{Type: RuleRelative, Value: value, Unit: unit}
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}
