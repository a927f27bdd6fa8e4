package model

import (
	"strings"
	"time"
)

const (
	dayKeyLayout   = "2006-01-02"
	clockKeyLayout = "15:04"
)

// DayKey returns the ISO calendar date of t in loc.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(orLocal(loc)).Format(dayKeyLayout)
}

// ClockKey returns the zero-padded 24h time-of-day of t in loc.
func ClockKey(t time.Time, loc *time.Location) string {
	return t.In(orLocal(loc)).Format(clockKeyLayout)
}

// ParseDayKey parses a date-only string into local midnight of that day.
func ParseDayKey(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(dayKeyLayout, strings.TrimSpace(s), orLocal(loc))
}

// FormatClock renders t as "9:05 AM".
func FormatClock(t time.Time, loc *time.Location) string {
	return t.In(orLocal(loc)).Format("3:04 PM")
}

// StartOfWeek returns midnight of the most recent weekStart day on or before t.
func StartOfWeek(t time.Time, loc *time.Location, weekStart time.Weekday) time.Time {
	local := t.In(orLocal(loc))
	offset := (int(local.Weekday()) - int(weekStart) + 7) % 7
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	return day.AddDate(0, 0, -offset)
}

// ParseWeekday maps "monday" / "sunday" (any case) to a weekday, defaulting
// to Monday.
func ParseWeekday(s string) time.Weekday {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sunday":
		return time.Sunday
	case "saturday":
		return time.Saturday
	default:
		return time.Monday
	}
}

func orLocal(loc *time.Location) *time.Location {
	if loc == nil {
		return time.Local
	}
	return loc
}
