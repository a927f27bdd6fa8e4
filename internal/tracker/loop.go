package tracker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"howbehind/internal/behind"
	"howbehind/internal/ics"
	appLog "howbehind/internal/log"
	"howbehind/internal/metrics"
	"howbehind/internal/model"
	"howbehind/internal/storage"
	"howbehind/internal/summary"
)

const requestQueueSize = 16

type request struct {
	ctx  context.Context
	fn   func(ctx context.Context, l *userLoop) error
	done chan error
}

// userLoop owns the cached state of one user. Fields below the queue are
// only touched from run.
type userLoop struct {
	svc *Service
	id  string

	reqs    chan request
	wake    chan struct{}
	idle    chan struct{}
	stopped chan struct{}

	// fired and idleFired hold the generation of the last wake and idle
	// timer that went off.
	fired     atomic.Uint64
	idleFired atomic.Uint64
	// evicted is set when the service dropped this loop for being idle.
	evicted atomic.Bool

	profile model.Profile
	rev     int64
	loaded  bool
	feed    ics.Feed
	timer   Timer
	gen     uint64
	next    time.Time

	idleTimer Timer
	idleGen   uint64

	wmu      sync.Mutex
	watchers map[chan Snapshot]struct{}
}

func newUserLoop(svc *Service, id string) *userLoop {
	return &userLoop{
		svc:      svc,
		id:       id,
		reqs:     make(chan request, requestQueueSize),
		wake:     make(chan struct{}, 1),
		idle:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
		watchers: make(map[chan Snapshot]struct{}),
	}
}

func (l *userLoop) do(ctx context.Context, fn func(ctx context.Context, l *userLoop) error) error {
	req := request{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case l.reqs <- req:
	case <-l.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-l.stopped:
		select {
		case err := <-req.done:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *userLoop) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(l.stopped)
	defer l.shutdown()

	snaps, err := l.svc.store.Subscribe(ctx, l.id)
	if err != nil {
		appLog.Error("subscribe to profile changes failed", err, "user", l.id)
	}

	l.armIdle()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-l.reqs:
			err := req.fn(req.ctx, l)
			l.armIdle()
			req.done <- err
			continue
		case <-l.wake:
			if l.fired.Load() != l.gen {
				continue
			}
			if _, err := l.scan(ctx); err != nil {
				appLog.Error("timed scan failed", err, "user", l.id)
			}
		case <-l.idle:
			if l.idleFired.Load() != l.idleGen {
				continue
			}
			if l.svc.evict(l) {
				appLog.Debug("idle user loop stopped", "user", l.id)
				return
			}
		case snap, ok := <-snaps:
			if !ok {
				snaps = nil
				continue
			}
			l.onSnapshot(ctx, snap)
		}
		l.armIdle()
	}
}

func (l *userLoop) shutdown() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.idleTimer != nil {
		l.idleTimer.Stop()
		l.idleTimer = nil
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	for ch := range l.watchers {
		close(ch)
		delete(l.watchers, ch)
	}
}

// armIdle restarts the idle countdown.
func (l *userLoop) armIdle() {
	if l.idleTimer != nil {
		l.idleTimer.Stop()
	}
	l.idleGen++
	gen := l.idleGen
	l.idleTimer = l.svc.opts.Clock.AfterFunc(l.svc.opts.IdleTimeout, func() {
		l.idleFired.Store(gen)
		select {
		case l.idle <- struct{}{}:
		default:
		}
	})
}

// readProfile returns the stored profile and its revision. A missing
// profile is empty at revision 0.
func (l *userLoop) readProfile(ctx context.Context) (model.Profile, int64, error) {
	p, rev, err := l.svc.store.ReadRevision(ctx, l.id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Profile{}, 0, nil
	}
	return p, rev, err
}

func (l *userLoop) ensureLoaded(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	_, err := l.reload(ctx)
	return err
}

// reload reads the stored profile, fetches its feed and scans. A feed that
// cannot be loaded is not an error here; it shows up in l.feed.
func (l *userLoop) reload(ctx context.Context) (behind.Result, error) {
	p, rev, err := l.readProfile(ctx)
	if err != nil {
		return behind.Result{}, fmt.Errorf("load profile: %w", err)
	}
	l.profile, l.rev, l.loaded = p, rev, true
	l.loadFeed(ctx)
	return l.scan(ctx)
}

// sync replaces the cached profile with the stored one, loading the feed
// when its URL changed.
func (l *userLoop) sync(ctx context.Context) error {
	p, rev, err := l.readProfile(ctx)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	feedChanged := !l.loaded || p.FeedURL != l.feed.URL
	l.profile, l.rev, l.loaded = p, rev, true
	if feedChanged {
		l.loadFeed(ctx)
	}
	return nil
}

func (l *userLoop) loadFeed(ctx context.Context) {
	start := time.Now()
	l.feed = l.svc.loader.Load(ctx, l.profile.FeedURL, l.svc.feedOptions())
	metrics.FeedLoadDuration.Observe(time.Since(start).Seconds())
	metrics.FeedLoadsTotal.WithLabelValues(l.feed.Status.String()).Inc()

	if l.feed.Status == ics.Unavailable {
		appLog.Warn("feed unavailable", "user", l.id, "feed", appLog.RedactURL(l.feed.URL), "error", l.feed.Err)
		return
	}
	appLog.Debug("feed loaded", "user", l.id, "status", l.feed.Status.String(), "sessions", len(l.feed.Sessions))
}

// scannable reports whether the cached feed is a usable session sequence for
// the cached profile.
func (l *userLoop) scannable() bool {
	return l.feed.Status == ics.Available && l.feed.URL == l.profile.FeedURL
}

// scan folds sessions that ended since the watermark into the behind list.
// Every attempt starts from the stored profile, and nothing is written
// unless the feed is available.
func (l *userLoop) scan(ctx context.Context) (behind.Result, error) {
	defer l.rearm()

	opts := l.svc.opts
	for attempt := 1; ; attempt++ {
		if err := l.sync(ctx); err != nil {
			return behind.Result{}, err
		}
		if !l.scannable() {
			metrics.UpdatesTotal.WithLabelValues("skipped").Inc()
			return behind.Result{State: behind.State{Behind: l.profile.Behind, Watermark: l.profile.Watermark}}, nil
		}

		now := opts.Clock.Now()
		st := behind.State{
			Behind:    l.profile.Behind,
			Watermark: l.profile.EffectiveWatermark(now, opts.Location, opts.WeekStart),
		}
		res := behind.Update(st, l.feed.Sessions, now)
		if !res.Changed() {
			metrics.UpdatesTotal.WithLabelValues("noop").Inc()
			return res, nil
		}

		next := l.profile.Clone()
		next.Behind = res.State.Behind
		next.Watermark = res.State.Watermark

		rev, err := l.svc.store.Swap(ctx, l.id, l.rev, next)
		if err == nil {
			l.profile, l.rev = next, rev
			metrics.SessionsAdded.Add(float64(len(res.Added)))
			if len(res.Added) > 0 {
				metrics.UpdatesTotal.WithLabelValues("added").Inc()
				appLog.Info("sessions added to behind list", "user", l.id, "added", len(res.Added), "watermark", next.Watermark)
			} else {
				metrics.UpdatesTotal.WithLabelValues("advanced").Inc()
			}
			l.publish()
			return res, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			metrics.UpdatesTotal.WithLabelValues("error").Inc()
			return behind.Result{}, fmt.Errorf("store behind list: %w", err)
		}

		metrics.WatermarkConflicts.Inc()
		if attempt >= opts.MaxSwapAttempts {
			metrics.UpdatesTotal.WithLabelValues("conflict").Inc()
			return behind.Result{}, fmt.Errorf("store behind list after %d attempts: %w", attempt, err)
		}
		appLog.Debug("profile changed underneath scan, retrying", "user", l.id, "attempt", attempt)
	}
}

// mutate applies fn to a fresh copy of the stored profile and swaps it in.
func (l *userLoop) mutate(ctx context.Context, fn func(model.Profile) (model.Profile, error)) error {
	for attempt := 1; ; attempt++ {
		cur, curRev, err := l.readProfile(ctx)
		if err != nil {
			return fmt.Errorf("load profile: %w", err)
		}
		next, err := fn(cur.Clone())
		if err != nil {
			return err
		}

		rev, err := l.svc.store.Swap(ctx, l.id, curRev, next)
		if err == nil {
			feedChanged := next.FeedURL != l.feed.URL
			l.profile, l.rev = next, rev
			if feedChanged {
				l.loadFeed(ctx)
				if _, err := l.scan(ctx); err != nil {
					return err
				}
			} else {
				l.rearm()
			}
			l.publish()
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("store profile: %w", err)
		}
		metrics.WatermarkConflicts.Inc()
		if attempt >= l.svc.opts.MaxSwapAttempts {
			return fmt.Errorf("store profile after %d attempts: %w", attempt, err)
		}
	}
}

// onSnapshot applies a change seen by the store subscription. A change at
// the cached revision is already held. A lower revision is a late delivery
// or a recreated record, so the stored profile is read instead.
func (l *userLoop) onSnapshot(ctx context.Context, snap storage.Snapshot) {
	if !l.loaded {
		return
	}
	switch {
	case snap.Err != nil:
		appLog.Error("undecodable profile change", snap.Err, "user", l.id)
		return
	case snap.Deleted:
		l.profile, l.rev = model.Profile{}, 0
	case snap.Revision == l.rev:
		return
	case snap.Revision < l.rev:
		p, rev, err := l.readProfile(ctx)
		if err != nil {
			appLog.Error("reload after profile change failed", err, "user", l.id)
			return
		}
		l.profile, l.rev = p, rev
	default:
		l.profile, l.rev = snap.Profile, snap.Revision
	}

	if l.profile.FeedURL != l.feed.URL {
		l.loadFeed(ctx)
		if _, err := l.scan(ctx); err != nil {
			appLog.Error("scan after profile change failed", err, "user", l.id)
		}
	} else {
		l.rearm()
	}
	l.publish()
}

// rearm schedules a scan for just after the next session ends. Any earlier
// timer is cancelled.
func (l *userLoop) rearm() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.gen++
	l.next = time.Time{}
	if !l.scannable() {
		return
	}

	opts := l.svc.opts
	now := opts.Clock.Now()
	wm := l.profile.EffectiveWatermark(now, opts.Location, opts.WeekStart)
	at, ok := behind.NextWake(l.feed.Sessions, wm, now, opts.WakeGrace)
	if !ok {
		return
	}

	gen := l.gen
	l.next = at
	l.timer = opts.Clock.AfterFunc(at.Sub(now), func() {
		l.fired.Store(gen)
		select {
		case l.wake <- struct{}{}:
		default:
		}
	})
}

// refresh reloads and scans, reporting an unavailable feed as its error.
func (l *userLoop) refresh(ctx context.Context) (Outcome, error) {
	res, err := l.reload(ctx)
	out := Outcome{Status: l.feed.Status, Added: res.Added, Snapshot: l.snapshot()}
	if err != nil {
		return out, err
	}
	if l.feed.Status == ics.Unavailable {
		return out, l.feed.Err
	}
	return out, nil
}

func (l *userLoop) snapshot() Snapshot {
	snap := Snapshot{
		UserID:       l.id,
		FeedURL:      l.profile.FeedURL,
		FeedStatus:   l.feed.Status,
		BreakWeeks:   slices.Clone(l.profile.BreakWeeks),
		Watermark:    l.profile.Watermark,
		NextWake:     l.next,
		Behind:       slices.Clone(l.profile.Behind),
		Summary:      summary.Compute(l.profile.Behind),
		MergeHistory: slices.Clone(l.profile.MergeHistory),
	}
	if snap.Behind == nil {
		snap.Behind = []model.Session{}
	}
	if l.feed.Status == ics.Unavailable && l.feed.Err != nil {
		snap.FeedError = l.feed.Err.Error()
	}
	return snap
}

func (l *userLoop) publish() {
	snap := l.snapshot()
	metrics.BehindMinutes.Observe(float64(snap.Summary.TotalMinutes))

	l.wmu.Lock()
	defer l.wmu.Unlock()
	for ch := range l.watchers {
		offerLatest(ch, snap)
	}
}

func (l *userLoop) addWatcher() chan Snapshot {
	ch := make(chan Snapshot, 1)
	ch <- l.snapshot()
	l.wmu.Lock()
	l.watchers[ch] = struct{}{}
	l.wmu.Unlock()
	return ch
}

func (l *userLoop) watching() bool {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return len(l.watchers) > 0
}

func (l *userLoop) removeWatcher(ch chan Snapshot) {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if _, ok := l.watchers[ch]; ok {
		delete(l.watchers, ch)
		close(ch)
	}
}

// offerLatest sends snap, replacing an undelivered one. Callers hold wmu.
func offerLatest(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
