// Package summary derives display aggregates from a behind list.
package summary

import (
	"slices"

	"howbehind/internal/model"
)

// CourseTotal is the behind time of one course.
type CourseTotal struct {
	Minutes int    `json:"minutes"`
	Course  string `json:"course"`
}

// Day groups the behind sessions of one calendar date.
type Day struct {
	DayKey   string          `json:"dayKey"`
	Minutes  int             `json:"minutes"`
	Sessions []model.Session `json:"sessions"`
}

// Summary is the aggregate view of a behind list.
type Summary struct {
	TotalMinutes int           `json:"totalMinutes"`
	PerCourse    []CourseTotal `json:"perCourseMinutes"`

	// ByDay maps a day key to its sessions in list order; Days holds the same
	// groups ordered by date.
	ByDay map[string][]model.Session `json:"-"`
	Days  []Day                      `json:"days"`

	Severity Severity `json:"severity"`
}

// Compute aggregates behind. Courses are ordered by descending minutes; equal
// totals keep the order in which the course first appears.
func Compute(behind []model.Session) Summary {
	sorted := slices.Clone(behind)
	if !model.IsSorted(sorted) {
		model.SortSessions(sorted)
	}

	sum := Summary{
		PerCourse: make([]CourseTotal, 0),
		ByDay:     make(map[string][]model.Session),
		Days:      make([]Day, 0),
	}

	courseIdx := make(map[string]int)
	for _, s := range behind {
		sum.TotalMinutes += s.DurationMinutes
		i, ok := courseIdx[s.Course]
		if !ok {
			i = len(sum.PerCourse)
			courseIdx[s.Course] = i
			sum.PerCourse = append(sum.PerCourse, CourseTotal{Course: s.Course})
		}
		sum.PerCourse[i].Minutes += s.DurationMinutes
	}
	slices.SortStableFunc(sum.PerCourse, func(a, b CourseTotal) int {
		return b.Minutes - a.Minutes
	})

	for _, s := range sorted {
		sum.ByDay[s.DayKey] = append(sum.ByDay[s.DayKey], s)
		if n := len(sum.Days); n == 0 || sum.Days[n-1].DayKey != s.DayKey {
			sum.Days = append(sum.Days, Day{DayKey: s.DayKey})
		}
		d := &sum.Days[len(sum.Days)-1]
		d.Sessions = append(d.Sessions, s)
		d.Minutes += s.DurationMinutes
	}

	sum.Severity = SeverityOf(sum.TotalMinutes)
	return sum
}

// Severity is a colour band for how far behind a user is.
type Severity string

const (
	UpToDate   Severity = "green"
	Slightly   Severity = "yellowgreen"
	Behind     Severity = "orange"
	FarBehind  Severity = "darkorange"
	VeryBehind Severity = "maroon"
)

// SeverityOf maps total behind minutes to a colour band: nothing, up to two
// hours, up to six, up to ten, and beyond.
func SeverityOf(totalMinutes int) Severity {
	switch {
	case totalMinutes <= 0:
		return UpToDate
	case totalMinutes <= 2*60:
		return Slightly
	case totalMinutes <= 6*60:
		return Behind
	case totalMinutes <= 10*60:
		return FarBehind
	default:
		return VeryBehind
	}
}
