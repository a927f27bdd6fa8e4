package ics

import (
	"strings"
	"time"

	"howbehind/internal/model"
)

// SplitLabel reads the course code and activity label from the first line of
// an event description. Timetable exports write it as
// "CSSE2310_S1_STLUC_IN, Lecture, 01": the course is everything before the
// first underscore and the activity is every comma-separated token after the
// first.
func SplitLabel(description string) (course, activity string) {
	top, _, _ := strings.Cut(description, "\n")
	top = strings.TrimSpace(strings.TrimSuffix(top, "\r"))
	if top == "" {
		return "", ""
	}

	course, _, _ = strings.Cut(top, "_")
	course = strings.TrimSpace(course)

	parts := strings.Split(top, ", ")
	if len(parts) > 1 {
		activity = strings.TrimSpace(strings.Join(parts[1:], ", "))
	}
	return course, activity
}

// DecodeSession converts an occurrence into a Session. The label comes from
// the description, falling back to the summary when the description is empty.
// Occurrences without a course (and all-day entries such as public holidays)
// are not class sessions and report false.
func DecodeSession(occ Occurrence, loc *time.Location) (model.Session, bool) {
	if occ.AllDay {
		return model.Session{}, false
	}

	text := occ.Description
	if strings.TrimSpace(text) == "" {
		text = occ.Summary
	}
	course, activity := SplitLabel(text)
	if course == "" {
		return model.Session{}, false
	}
	return model.NewSession(course, activity, occ.Start, occ.End, loc), true
}
