// Package tracker keeps each user's behind list current. Every active user
// has one goroutine that owns their cached profile and feed; all operations
// for that user are queued onto it, and profile writes compare-and-swap on
// the stored revision.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"howbehind/internal/behind"
	"howbehind/internal/ics"
	appLog "howbehind/internal/log"
	"howbehind/internal/metrics"
	"howbehind/internal/model"
	"howbehind/internal/reconcile"
	"howbehind/internal/storage"
	"howbehind/internal/summary"
)

const (
	defaultMaxSwapAttempts = 3
	defaultIdleTimeout     = 30 * time.Minute
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("tracker: closed")

// FeedLoader loads a user's timetable.
type FeedLoader interface {
	Load(ctx context.Context, feedURL string, opts ics.Options) ics.Feed
}

// Options configures a Service.
type Options struct {
	Location  *time.Location
	WeekStart time.Weekday

	LookbackDays int
	HorizonDays  int

	// WakeGrace is added to a session end before the timed scan.
	WakeGrace time.Duration

	// MaxSwapAttempts bounds retries after a conflicting write.
	MaxSwapAttempts int

	// IdleTimeout stops a user loop that has had no requests, store changes
	// or timed scans for this long and has no watchers.
	IdleTimeout time.Duration

	Clock Clock
}

func (o Options) withDefaults() Options {
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.WakeGrace <= 0 {
		o.WakeGrace = behind.DefaultWakeGrace
	}
	if o.MaxSwapAttempts <= 0 {
		o.MaxSwapAttempts = defaultMaxSwapAttempts
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.Clock == nil {
		o.Clock = RealClock{}
	}
	return o
}

// Snapshot is the presentation view of one user.
type Snapshot struct {
	UserID       string          `json:"userId"`
	FeedURL      string          `json:"feedUrl,omitempty"`
	FeedStatus   ics.Status      `json:"feedStatus"`
	FeedError    string          `json:"feedError,omitempty"`
	BreakWeeks   []string        `json:"breakWeeks,omitempty"`
	Watermark    time.Time       `json:"watermark"`
	NextWake     time.Time       `json:"nextWake"`
	Behind       []model.Session `json:"behind"`
	Summary      summary.Summary `json:"summary"`
	MergeHistory []string        `json:"mergedFrom,omitempty"`
}

// Outcome is the result of a Refresh.
type Outcome struct {
	Status   ics.Status      `json:"status"`
	Added    []model.Session `json:"added"`
	Snapshot Snapshot        `json:"snapshot"`
}

// Service is the core API used by the HTTP server and the CLI.
type Service struct {
	store      *storage.Store
	loader     FeedLoader
	reconciler *reconcile.Reconciler
	opts       Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	loops  map[string]*userLoop
	closed bool
}

// New creates a Service. Call Close to stop every user loop.
func New(store *storage.Store, loader FeedLoader, opts Options) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:      store,
		loader:     loader,
		reconciler: reconcile.New(store),
		opts:       opts.withDefaults(),
		ctx:        ctx,
		cancel:     cancel,
		loops:      make(map[string]*userLoop),
	}
}

func (s *Service) loop(userID string) (*userLoop, error) {
	if userID == "" {
		return nil, errors.New("tracker: empty user id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if l, ok := s.loops[userID]; ok {
		return l, nil
	}

	l := newUserLoop(s, userID)
	s.loops[userID] = l
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		l.run(s.ctx)
	}()
	metrics.ActiveUsers.Inc()
	appLog.Debug("user loop started", "user", userID)
	return l, nil
}

// evict drops l if it is still registered and has nothing to do. It runs on
// l's goroutine, which exits when it returns true.
func (s *Service) evict(l *userLoop) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.loops[l.id] != l || len(l.reqs) > 0 || l.watching() {
		return false
	}
	delete(s.loops, l.id)
	l.evicted.Store(true)
	metrics.ActiveUsers.Dec()
	return true
}

func (s *Service) do(ctx context.Context, userID string, fn func(ctx context.Context, l *userLoop) error) error {
	for {
		l, err := s.loop(userID)
		if err != nil {
			return err
		}
		err = l.do(ctx, fn)
		// fn never ran on an evicted loop; start a new one.
		if errors.Is(err, ErrClosed) && l.evicted.Load() {
			continue
		}
		return err
	}
}

// Summary returns the current view of userID, loading it on first use.
func (s *Service) Summary(ctx context.Context, userID string) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, userID, func(ctx context.Context, l *userLoop) error {
		if err := l.ensureLoaded(ctx); err != nil {
			return err
		}
		snap = l.snapshot()
		return nil
	})
	return snap, err
}

// Refresh re-reads the profile, reloads the feed and folds in elapsed
// sessions. An unreachable feed is reported as an error wrapping
// ics.ErrUnavailable and leaves the stored profile untouched.
func (s *Service) Refresh(ctx context.Context, userID string) (Outcome, error) {
	var out Outcome
	err := s.do(ctx, userID, func(ctx context.Context, l *userLoop) error {
		var err error
		out, err = l.refresh(ctx)
		return err
	})
	return out, err
}

// RefreshAll refreshes every stored user. Users without a running loop are
// refreshed in place without starting one. Unavailable feeds are logged, not
// returned.
func (s *Service) RefreshAll(ctx context.Context) error {
	users, err := s.store.Users(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	var errs []error
	for _, id := range users {
		var err error
		if s.active(id) {
			_, err = s.Refresh(ctx, id)
		} else {
			_, err = s.refreshDetached(ctx, id)
		}
		switch {
		case err == nil:
		case errors.Is(err, ics.ErrUnavailable):
			appLog.Warn("scheduled refresh: feed unavailable", "user", id)
		default:
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// refreshDetached runs one refresh on a loop that is never started or
// registered.
func (s *Service) refreshDetached(ctx context.Context, userID string) (Outcome, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Outcome{}, ErrClosed
	}

	l := newUserLoop(s, userID)
	defer l.shutdown()
	return l.refresh(ctx)
}

// MarkDone removes a session from the behind list.
func (s *Service) MarkDone(ctx context.Context, userID, sessionID string) (Snapshot, error) {
	return s.mutate(ctx, userID, func(p model.Profile) (model.Profile, error) {
		b, err := behind.MarkDone(p.Behind, sessionID)
		if err != nil {
			return p, err
		}
		p.Behind = b
		return p, nil
	})
}

// MarkNotDone puts a session back on the behind list.
func (s *Service) MarkNotDone(ctx context.Context, userID string, session model.Session) (Snapshot, error) {
	return s.mutate(ctx, userID, func(p model.Profile) (model.Profile, error) {
		p.Behind = behind.MarkNotDone(p.Behind, session)
		return p, nil
	})
}

// MarkNotDoneByID puts the feed session with sessionID back on the behind
// list.
func (s *Service) MarkNotDoneByID(ctx context.Context, userID, sessionID string) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, userID, func(ctx context.Context, l *userLoop) error {
		if err := l.ensureLoaded(ctx); err != nil {
			return err
		}
		i := model.IndexByID(l.feed.Sessions, sessionID)
		if i < 0 {
			return behind.ErrUnknownSession
		}
		session := l.feed.Sessions[i]
		if err := l.mutate(ctx, func(p model.Profile) (model.Profile, error) {
			p.Behind = behind.MarkNotDone(p.Behind, session)
			return p, nil
		}); err != nil {
			return err
		}
		snap = l.snapshot()
		return nil
	})
	return snap, err
}

// SetFeedURL changes the timetable feed and rescans it.
func (s *Service) SetFeedURL(ctx context.Context, userID, feedURL string) (Snapshot, error) {
	return s.mutate(ctx, userID, func(p model.Profile) (model.Profile, error) {
		p.FeedURL = feedURL
		return p, nil
	})
}

// SetBreakWeeks replaces the stored break weeks.
func (s *Service) SetBreakWeeks(ctx context.Context, userID string, weeks []string) (Snapshot, error) {
	valid, err := model.ValidateBreakWeeks(weeks, s.opts.Location)
	if err != nil {
		return Snapshot{}, err
	}
	return s.mutate(ctx, userID, func(p model.Profile) (model.Profile, error) {
		p.BreakWeeks = valid
		if len(valid) == 0 {
			p.BreakWeeks = nil
		}
		return p, nil
	})
}

// OtherClasses lists the feed sessions of dayKey that are not behind.
func (s *Service) OtherClasses(ctx context.Context, userID, dayKey string) ([]behind.OtherClass, error) {
	if _, err := model.ParseDayKey(dayKey, s.opts.Location); err != nil {
		return nil, fmt.Errorf("day %q: %w", dayKey, err)
	}

	var out []behind.OtherClass
	err := s.do(ctx, userID, func(ctx context.Context, l *userLoop) error {
		if err := l.ensureLoaded(ctx); err != nil {
			return err
		}
		switch l.feed.Status {
		case ics.Unavailable:
			return l.feed.Err
		case ics.NoData:
			out = []behind.OtherClass{}
			return nil
		}
		out = behind.OtherOnDate(l.feed.Sessions, l.profile.Behind, dayKey, s.opts.Clock.Now())
		return nil
	})
	return out, err
}

// Import validates data as a profile document and replaces the stored
// profile with it. Invalid documents leave storage untouched.
func (s *Service) Import(ctx context.Context, userID string, data []byte) (Snapshot, error) {
	imported, err := model.DecodeProfile(data, s.opts.Location)
	if err != nil {
		return Snapshot{}, err
	}
	return s.mutate(ctx, userID, func(model.Profile) (model.Profile, error) {
		return imported, nil
	})
}

// Export renders the stored profile as an indented document.
func (s *Service) Export(ctx context.Context, userID string) ([]byte, error) {
	var out []byte
	err := s.do(ctx, userID, func(ctx context.Context, l *userLoop) error {
		p, _, err := l.readProfile(ctx)
		if err != nil {
			return err
		}
		out, err = json.MarshalIndent(model.DocumentOf(p), "", "  ")
		return err
	})
	return out, err
}

// Reconcile merges an anonymous profile into a permanent one.
func (s *Service) Reconcile(ctx context.Context, req reconcile.Request) (reconcile.Result, error) {
	res, err := s.reconciler.Run(ctx, req)
	if err != nil {
		return res, err
	}
	if s.active(req.IncomingID) {
		if _, err := s.Refresh(ctx, req.IncomingID); err != nil && !errors.Is(err, ics.ErrUnavailable) {
			appLog.Error("refresh after reconcile failed", err, "user", req.IncomingID)
		}
	}
	return res, nil
}

// Watch streams snapshots of userID until ctx is done. The current snapshot
// is delivered first; undelivered snapshots are replaced by newer ones.
func (s *Service) Watch(ctx context.Context, userID string) (<-chan Snapshot, error) {
	var ch chan Snapshot
	var l *userLoop
	err := s.do(ctx, userID, func(ctx context.Context, loop *userLoop) error {
		if err := loop.ensureLoaded(ctx); err != nil {
			return err
		}
		l = loop
		ch = loop.addWatcher()
		return nil
	})
	if err != nil {
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-l.stopped:
		}
		l.removeWatcher(ch)
	}()
	return ch, nil
}

// Users lists users with a running loop.
func (s *Service) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.loops))
	for id := range s.loops {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Service) active(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[userID]
	return ok
}

// Close stops every user loop and cancels pending timers.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	n := len(s.loops)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	metrics.ActiveUsers.Sub(float64(n))
}

func (s *Service) mutate(ctx context.Context, userID string, fn func(model.Profile) (model.Profile, error)) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, userID, func(ctx context.Context, l *userLoop) error {
		if err := l.ensureLoaded(ctx); err != nil {
			return err
		}
		if err := l.mutate(ctx, fn); err != nil {
			return err
		}
		snap = l.snapshot()
		return nil
	})
	return snap, err
}

func (s *Service) feedOptions() ics.Options {
	return ics.Options{
		Location:     s.opts.Location,
		Now:          s.opts.Clock.Now(),
		LookbackDays: s.opts.LookbackDays,
		HorizonDays:  s.opts.HorizonDays,
	}
}
