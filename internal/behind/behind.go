// Package behind folds elapsed timetable sessions into a user's behind list.
package behind

import (
	"errors"
	"slices"
	"time"

	"howbehind/internal/model"
)

// DefaultWakeGrace is added to a session's end before the scan that picks it
// up, so the scan runs strictly after the end instant.
const DefaultWakeGrace = 2 * time.Second

// ErrUnknownSession is returned when a session to mark as done is not in the
// behind list.
var ErrUnknownSession = errors.New("session not in behind list")

// State is the part of a profile the updater reads and replaces.
type State struct {
	Behind    []model.Session
	Watermark time.Time
}

// Result is the outcome of Update.
type Result struct {
	State State

	// Added lists the sessions appended by this update, in sort order.
	Added []model.Session

	// Advanced reports whether the watermark moved.
	Advanced bool
}

// Changed reports whether the update produced a state that must be written.
func (r Result) Changed() bool {
	return r.Advanced || len(r.Added) > 0
}

// Update adds every session whose end lies in (st.Watermark, now] and whose
// ID is not already behind, then advances the watermark to now. When now is
// not after the watermark nothing changes. The returned list is sorted and
// free of duplicate IDs; st is not modified.
func Update(st State, sessions []model.Session, now time.Time) Result {
	res := Result{State: State{
		Behind:    slices.Clone(st.Behind),
		Watermark: st.Watermark,
	}}
	if !now.After(st.Watermark) {
		return res
	}

	present := make(map[string]struct{}, len(st.Behind)+len(sessions))
	for _, s := range st.Behind {
		present[s.ID] = struct{}{}
	}

	for _, s := range sessions {
		if !s.EndDate.After(st.Watermark) || s.EndDate.After(now) {
			continue
		}
		if _, ok := present[s.ID]; ok {
			continue
		}
		present[s.ID] = struct{}{}
		res.Added = append(res.Added, s)
	}

	if len(res.Added) > 0 {
		model.SortSessions(res.Added)
		res.State.Behind = append(res.State.Behind, res.Added...)
	}
	res.State.Behind = model.UniqueByID(res.State.Behind)
	res.State.Watermark = now
	res.Advanced = true
	return res
}

// NextWake returns when the next session after watermark ends, plus grace.
// The result is never before now. ok is false when no session is pending.
func NextWake(sessions []model.Session, watermark, now time.Time, grace time.Duration) (time.Time, bool) {
	var next time.Time
	for _, s := range sessions {
		if !s.EndDate.After(watermark) {
			continue
		}
		if next.IsZero() || s.EndDate.Before(next) {
			next = s.EndDate
		}
	}
	if next.IsZero() {
		return time.Time{}, false
	}
	next = next.Add(grace)
	if next.Before(now) {
		next = now
	}
	return next, true
}

// MarkDone removes the session with the given id.
func MarkDone(behind []model.Session, id string) ([]model.Session, error) {
	i := model.IndexByID(behind, id)
	if i < 0 {
		return nil, ErrUnknownSession
	}
	out := slices.Clone(behind)
	return slices.Delete(out, i, i+1), nil
}

// MarkNotDone puts s back on the behind list. Re-adding a session that is
// already behind is a no-op.
func MarkNotDone(behind []model.Session, s model.Session) []model.Session {
	if model.IndexByID(behind, s.ID) >= 0 {
		return slices.Clone(behind)
	}
	out := append(slices.Clone(behind), s)
	return model.UniqueByID(out)
}

// Timing places a session relative to now.
type Timing string

const (
	Past   Timing = "past"
	Now    Timing = "now"
	Future Timing = "future"
)

// TimingOf reports whether s has ended, is running or has yet to start.
func TimingOf(s model.Session, now time.Time) Timing {
	switch {
	case !s.EndDate.After(now):
		return Past
	case s.StartDate.After(now):
		return Future
	default:
		return Now
	}
}

// OtherClass is a feed session that is not behind.
type OtherClass struct {
	Session model.Session `json:"session"`
	Timing  Timing        `json:"timing"`
}

// OtherOnDate lists the sessions of dayKey that are not on the behind list,
// in sort order.
func OtherOnDate(sessions, behind []model.Session, dayKey string, now time.Time) []OtherClass {
	skip := make(map[string]struct{}, len(behind))
	for _, s := range behind {
		skip[s.ID] = struct{}{}
	}

	day := make([]model.Session, 0)
	for _, s := range sessions {
		if s.DayKey != dayKey {
			continue
		}
		if _, ok := skip[s.ID]; ok {
			continue
		}
		day = append(day, s)
	}
	day = model.UniqueByID(day)

	out := make([]OtherClass, 0, len(day))
	for _, s := range day {
		out = append(out, OtherClass{Session: s, Timing: TimingOf(s, now)})
	}
	return out
}
