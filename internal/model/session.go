package model

import (
	"cmp"
	"slices"
	"time"
)

// Session is a single scheduled class occurrence. Sessions are immutable once
// created; equality everywhere is by ID.
type Session struct {
	ID       string `json:"id"`
	Course   string `json:"course"`
	Activity string `json:"activity"`

	// StartDate / EndDate are absolute instants.
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`

	// DurationMinutes is always EndDate - StartDate in whole minutes.
	DurationMinutes int `json:"durationMinutes"`

	// DayKey ("2006-01-02") and StartTime ("15:04") are the calendar date and
	// time-of-day of StartDate in the display location.
	DayKey    string `json:"dayKey"`
	StartTime string `json:"startTime"`
}

// NewSession builds a Session whose derived fields (duration, day key, start
// time and ID) are consistent with start and end as seen from loc. An end
// before start is clamped to start.
func NewSession(course, activity string, start, end time.Time, loc *time.Location) Session {
	if loc == nil {
		loc = time.Local
	}
	if end.Before(start) {
		end = start
	}
	s := Session{
		Course:          course,
		Activity:        activity,
		StartDate:       start,
		EndDate:         end,
		DurationMinutes: int(end.Sub(start) / time.Minute),
		DayKey:          DayKey(start, loc),
		StartTime:       ClockKey(start, loc),
	}
	s.ID = MakeID(s.Course, s.Activity, s.DayKey, s.StartTime)
	return s
}

// Compare orders sessions by day, then start time, then shorter duration
// first. ID breaks remaining ties so that sorting is deterministic.
func Compare(a, b Session) int {
	if c := cmp.Compare(a.DayKey, b.DayKey); c != 0 {
		return c
	}
	if c := cmp.Compare(a.StartTime, b.StartTime); c != 0 {
		return c
	}
	if c := cmp.Compare(a.DurationMinutes, b.DurationMinutes); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// SortSessions sorts s in place by Compare.
func SortSessions(s []Session) {
	slices.SortStableFunc(s, Compare)
}

// IsSorted reports whether s is ordered by Compare.
func IsSorted(s []Session) bool {
	return slices.IsSortedFunc(s, Compare)
}

// UniqueByID returns a sorted copy of s keeping the first session seen for
// every ID.
func UniqueByID(s []Session) []Session {
	seen := make(map[string]struct{}, len(s))
	out := make([]Session, 0, len(s))
	for _, x := range s {
		if _, ok := seen[x.ID]; ok {
			continue
		}
		seen[x.ID] = struct{}{}
		out = append(out, x)
	}
	SortSessions(out)
	return out
}

// IndexByID returns the position of the session with the given id, or -1.
func IndexByID(s []Session, id string) int {
	return slices.IndexFunc(s, func(x Session) bool { return x.ID == id })
}
