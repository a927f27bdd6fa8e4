package ics

import (
	"context"
	"errors"
	"fmt"
	"time"

	appLog "howbehind/internal/log"
	"howbehind/internal/model"
)

// TestFeedURL is the reserved feed URL that yields the synthetic fixture
// timetable instead of fetching anything.
const TestFeedURL = "test"

const (
	defaultLookbackDays = 14
	defaultHorizonDays  = 14
)

var (
	// ErrNoFeed is returned when no feed URL is configured.
	ErrNoFeed = errors.New("no feed configured")
	// ErrUnavailable wraps fetch and parse failures.
	ErrUnavailable = errors.New("feed unavailable")
)

// Status distinguishes "no feed configured", "loaded" and "could not load".
type Status int

const (
	NoData Status = iota
	Available
	Unavailable
)

func (s Status) String() string {
	switch s {
	case Available:
		return "available"
	case Unavailable:
		return "unavailable"
	default:
		return "no_data"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Feed is the result of loading a timetable. Sessions is only meaningful when
// Status is Available, and is then sorted by model.Compare without duplicate
// IDs. An Available feed with no sessions means "no classes".
type Feed struct {
	URL       string
	Status    Status
	Sessions  []model.Session
	Err       error
	FetchedAt time.Time
}

// Options is the per-call parser configuration.
type Options struct {
	Location *time.Location
	Now      time.Time

	// LookbackDays / HorizonDays bound recurrence expansion around Now.
	LookbackDays int
	HorizonDays  int
}

func (o Options) withDefaults() Options {
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	if o.LookbackDays <= 0 {
		o.LookbackDays = defaultLookbackDays
	}
	if o.HorizonDays <= 0 {
		o.HorizonDays = defaultHorizonDays
	}
	return o
}

// Source fetches raw calendar text.
type Source interface {
	Fetch(ctx context.Context, feedURL string) ([]byte, error)
}

// Loader turns a feed URL into a Feed. It does not retry; callers re-invoke
// on their next trigger.
type Loader struct {
	source Source
}

// NewLoader creates a Loader reading from source.
func NewLoader(source Source) *Loader {
	return &Loader{source: source}
}

// Load fetches, parses and decodes the feed at feedURL.
func (l *Loader) Load(ctx context.Context, feedURL string, opts Options) Feed {
	opts = opts.withDefaults()
	feed := Feed{URL: feedURL, FetchedAt: opts.Now}

	if feedURL == "" {
		feed.Status = NoData
		feed.Err = ErrNoFeed
		return feed
	}
	if feedURL == TestFeedURL {
		feed.Status = Available
		feed.Sessions = Fixture(opts.Now, opts.Location)
		return feed
	}

	body, err := l.source.Fetch(ctx, feedURL)
	if err != nil {
		appLog.Error("feed fetch failed", err, "url", appLog.RedactURL(feedURL))
		return unavailable(feed, fmt.Errorf("fetch: %w", err))
	}

	sessions, err := Decode(body, opts)
	if err != nil {
		appLog.Error("feed decode failed", err, "url", appLog.RedactURL(feedURL))
		return unavailable(feed, err)
	}

	feed.Status = Available
	feed.Sessions = sessions
	appLog.Info("feed loaded", "url", appLog.RedactURL(feedURL), "sessions", len(sessions))
	return feed
}

func unavailable(feed Feed, err error) Feed {
	feed.Status = Unavailable
	feed.Err = fmt.Errorf("%w: %w", ErrUnavailable, err)
	return feed
}

// Decode parses a calendar payload into sorted, de-duplicated sessions.
func Decode(body []byte, opts Options) ([]model.Session, error) {
	opts = opts.withDefaults()

	events, err := ParseICS(body)
	if err != nil {
		return nil, err
	}

	res, err := ExpandOccurrences(events, ExpandConfig{
		Location:   opts.Location,
		RangeStart: opts.Now.AddDate(0, 0, -opts.LookbackDays),
		RangeEnd:   opts.Now.AddDate(0, 0, opts.HorizonDays),
	})
	if err != nil {
		return nil, err
	}

	sessions := make([]model.Session, 0, len(res.Occurrences))
	skipped := 0
	for _, occ := range res.Occurrences {
		s, ok := DecodeSession(occ, opts.Location)
		if !ok {
			skipped++
			continue
		}
		sessions = append(sessions, s)
	}
	if skipped > 0 {
		appLog.Debug("feed events skipped", "count", skipped)
	}
	return model.UniqueByID(sessions), nil
}
