package ics

import (
	"time"

	"howbehind/internal/model"
)

type fixtureSlot struct {
	weekday  time.Weekday
	hour     int
	minute   int
	minutes  int
	course   string
	activity string
}

var fixtureWeek = []fixtureSlot{
	{time.Monday, 9, 0, 60, "CSSE2310", "Lecture, 01"},
	{time.Monday, 11, 0, 120, "MATH1051", "Practical, 03"},
	{time.Tuesday, 10, 0, 60, "COMP3506", "Lecture, 01"},
	{time.Tuesday, 14, 0, 50, "CSSE2310", "Tutorial, 02"},
	{time.Wednesday, 9, 0, 60, "CSSE2310", "Lecture, 02"},
	{time.Wednesday, 9, 0, 30, "STAT1201", "Workshop, 01"},
	{time.Thursday, 13, 0, 60, "COMP3506", "Lecture, 02"},
	{time.Friday, 8, 0, 90, "MATH1051", "Lecture, 01"},
}

// Fixture returns a deterministic timetable for the Monday-started week
// containing now.
func Fixture(now time.Time, loc *time.Location) []model.Session {
	if loc == nil {
		loc = time.Local
	}
	monday := model.StartOfWeek(now, loc, time.Monday)

	out := make([]model.Session, 0, len(fixtureWeek))
	for _, slot := range fixtureWeek {
		offset := (int(slot.weekday) - int(time.Monday) + 7) % 7
		day := monday.AddDate(0, 0, offset)
		start := time.Date(day.Year(), day.Month(), day.Day(), slot.hour, slot.minute, 0, 0, loc)
		end := start.Add(time.Duration(slot.minutes) * time.Minute)
		out = append(out, model.NewSession(slot.course, slot.activity, start, end, loc))
	}
	model.SortSessions(out)
	return out
}
