package model

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrInvalidProfile is returned when a stored or imported document cannot be
// turned into a Profile.
var ErrInvalidProfile = errors.New("invalid profile")

// Profile is the per-user document. The core treats it as a value: callers
// receive copies and hand back replacements.
type Profile struct {
	FeedURL    string
	BreakWeeks []string

	// Behind is sorted by Compare and holds no duplicate IDs.
	Behind []Session

	// Watermark is the instant up to which elapsed sessions have been folded
	// into Behind. Zero means no scan has happened yet.
	Watermark time.Time

	// MergeHistory lists identities retired into this profile.
	MergeHistory []string
}

// Clone returns a deep copy of p.
func (p Profile) Clone() Profile {
	out := p
	out.BreakWeeks = slices.Clone(p.BreakWeeks)
	out.Behind = slices.Clone(p.Behind)
	out.MergeHistory = slices.Clone(p.MergeHistory)
	return out
}

// IsEmpty reports whether p carries no user data at all.
func (p Profile) IsEmpty() bool {
	return p.FeedURL == "" && len(p.BreakWeeks) == 0 && len(p.Behind) == 0 &&
		p.Watermark.IsZero() && len(p.MergeHistory) == 0
}

// EffectiveWatermark returns the stored watermark, or the start of the week
// containing now when none has been recorded.
func (p Profile) EffectiveWatermark(now time.Time, loc *time.Location, weekStart time.Weekday) time.Time {
	if !p.Watermark.IsZero() {
		return p.Watermark
	}
	return StartOfWeek(now, loc, weekStart)
}

// ValidateBreakWeeks checks that every entry is a date-only string and
// returns them sorted without duplicates.
func ValidateBreakWeeks(weeks []string, loc *time.Location) ([]string, error) {
	out := make([]string, 0, len(weeks))
	for _, w := range weeks {
		t, err := ParseDayKey(w, loc)
		if err != nil {
			return nil, fmt.Errorf("%w: break week %q is not a date", ErrInvalidProfile, w)
		}
		out = append(out, t.Format(dayKeyLayout))
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
