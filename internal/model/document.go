package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Document is the persisted JSON shape of a Profile.
type Document struct {
	FeedURL     string       `json:"feedUrl,omitempty"`
	BreakWeeks  []string     `json:"breakWeeks,omitempty"`
	Behind      []SessionDoc `json:"behind,omitempty"`
	LastUpdated *Timestamp   `json:"lastUpdated,omitempty"`
	MergedFrom  []string     `json:"mergedFrom,omitempty"`
}

// SessionDoc is the persisted JSON shape of a Session. Start and Duration
// are read from older documents and never written.
type SessionDoc struct {
	ID              string     `json:"id"`
	Course          string     `json:"course"`
	Activity        string     `json:"activity"`
	StartDate       Timestamp  `json:"startDate"`
	EndDate         *Timestamp `json:"endDate,omitempty"`
	DurationMinutes int        `json:"durationMinutes,omitempty"`
	DayKey          string     `json:"dayKey,omitempty"`
	StartTime       string     `json:"startTime,omitempty"`

	Start    string `json:"start,omitempty"`
	Duration int    `json:"duration,omitempty"`
}

// Timestamp is an absolute instant that decodes from an RFC 3339 string, a
// provider-native {"seconds","nanoseconds"} object (with or without leading
// underscores) or a millisecond epoch number. It always encodes as RFC 3339.
type Timestamp struct {
	time.Time
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = Timestamp{}
		return nil
	}

	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*t = Timestamp{}
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil

	case '{':
		var raw struct {
			Seconds      *int64 `json:"seconds"`
			Nanoseconds  int64  `json:"nanoseconds"`
			USeconds     *int64 `json:"_seconds"`
			UNanoseconds int64  `json:"_nanoseconds"`
		}
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		switch {
		case raw.Seconds != nil:
			t.Time = time.Unix(*raw.Seconds, raw.Nanoseconds).UTC()
		case raw.USeconds != nil:
			t.Time = time.Unix(*raw.USeconds, raw.UNanoseconds).UTC()
		default:
			return errors.New("timestamp object has no seconds field")
		}
		return nil

	default:
		ms, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return fmt.Errorf("timestamp %s: %w", b, err)
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
}

// WatermarkKey is the canonical string form of a watermark used for
// compare-and-swap. The zero time maps to "".
func WatermarkKey(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// DecodeProfile validates and normalises a stored or imported document.
// Empty input and JSON null decode to an empty Profile. Session IDs of older
// versions are migrated, derived fields are recomputed in loc, duplicates are
// dropped and the behind list is sorted.
func DecodeProfile(data []byte, loc *time.Location) (Profile, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Profile{}, nil
	}
	if trimmed[0] != '{' {
		return Profile{}, fmt.Errorf("%w: document is not a JSON object", ErrInvalidProfile)
	}

	var doc Document
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	return doc.Profile(loc)
}

// EncodeProfile renders p as its persisted JSON document.
func EncodeProfile(p Profile) ([]byte, error) {
	return json.Marshal(DocumentOf(p))
}

// Profile converts the wire document into a validated Profile.
func (d Document) Profile(loc *time.Location) (Profile, error) {
	weeks, err := ValidateBreakWeeks(d.BreakWeeks, loc)
	if err != nil {
		return Profile{}, err
	}

	sessions := make([]Session, 0, len(d.Behind))
	for i, sd := range d.Behind {
		s, err := sd.Session(loc)
		if err != nil {
			return Profile{}, fmt.Errorf("%w: behind[%d]: %v", ErrInvalidProfile, i, err)
		}
		sessions = append(sessions, s)
	}

	p := Profile{
		FeedURL:      d.FeedURL,
		BreakWeeks:   weeks,
		Behind:       UniqueByID(sessions),
		MergeHistory: d.MergedFrom,
	}
	if d.LastUpdated != nil {
		p.Watermark = d.LastUpdated.Time
	}
	if len(p.BreakWeeks) == 0 {
		p.BreakWeeks = nil
	}
	return p, nil
}

// Session converts a stored session record, applying ID migrations.
func (d SessionDoc) Session(loc *time.Location) (Session, error) {
	doc, err := migrateID(d)
	if err != nil {
		return Session{}, err
	}
	if doc.Course == "" {
		return Session{}, errors.New("session has no course")
	}
	if doc.StartDate.IsZero() {
		return Session{}, errors.New("session has no startDate")
	}

	start := doc.StartDate.Time
	end := start
	switch {
	case doc.EndDate != nil && !doc.EndDate.IsZero():
		end = doc.EndDate.Time
	case doc.DurationMinutes > 0:
		end = start.Add(time.Duration(doc.DurationMinutes) * time.Minute)
	case doc.Duration > 0:
		end = start.Add(time.Duration(doc.Duration) * time.Minute)
	}
	if end.Before(start) {
		return Session{}, fmt.Errorf("session %q ends before it starts", doc.ID)
	}

	return NewSession(doc.Course, doc.Activity, start, end, loc), nil
}

// DocumentOf converts p to its wire form.
func DocumentOf(p Profile) Document {
	d := Document{
		FeedURL:    p.FeedURL,
		BreakWeeks: p.BreakWeeks,
		MergedFrom: p.MergeHistory,
	}
	if !p.Watermark.IsZero() {
		d.LastUpdated = &Timestamp{Time: p.Watermark}
	}
	if len(p.Behind) > 0 {
		d.Behind = make([]SessionDoc, 0, len(p.Behind))
		for _, s := range p.Behind {
			end := Timestamp{Time: s.EndDate}
			d.Behind = append(d.Behind, SessionDoc{
				ID:              s.ID,
				Course:          s.Course,
				Activity:        s.Activity,
				StartDate:       Timestamp{Time: s.StartDate},
				EndDate:         &end,
				DurationMinutes: s.DurationMinutes,
				DayKey:          s.DayKey,
				StartTime:       s.StartTime,
			})
		}
	}
	return d
}
