package schedule

import "time"

// BusinessHours is the working window [StartHour, EndHour) on weekdays.
// The zero value means 09:00-17:00.
type BusinessHours struct {
	StartHour int
	EndHour   int
}

func DefaultBusinessHours() BusinessHours {
	return BusinessHours{StartHour: 9, EndHour: 17}
}

func (b BusinessHours) start() int {
	if b.StartHour <= 0 && b.EndHour <= 0 {
		return 9
	}
	return b.StartHour
}

func (b BusinessHours) end() int {
	if b.StartHour <= 0 && b.EndHour <= 0 {
		return 17
	}
	return b.EndHour
}

// Adjust shifts t forward to the next business window in loc:
// weekends move to Monday start, times before start move to start the same day,
// times at/after end move to start the next day. A time already inside the
// window is returned unchanged.
func (b BusinessHours) Adjust(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start, end := b.start(), b.end()

	// Bounded: at most one day shift plus one weekend skip.
	for i := 0; i < 4; i++ {
		switch {
		case local.Weekday() == time.Saturday:
			local = atHour(local.AddDate(0, 0, 2), start, loc)
		case local.Weekday() == time.Sunday:
			local = atHour(local.AddDate(0, 0, 1), start, loc)
		case local.Hour() < start:
			local = atHour(local, start, loc)
		case local.Hour() >= end:
			local = atHour(local.AddDate(0, 0, 1), start, loc)
		default:
			if local.Equal(t) {
				return t
			}
			return local
		}
	}
	return local
}

// Within reports whether t already falls inside the business window.
func (b BusinessHours) Within(t time.Time, loc *time.Location) bool {
	return b.Adjust(t, loc).Equal(t)
}

func atHour(t time.Time, hour int, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, 0, 0, 0, loc)
}
