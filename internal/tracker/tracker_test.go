package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"howbehind/internal/behind"
	"howbehind/internal/ics"
	"howbehind/internal/model"
	"howbehind/internal/reconcile"
	"howbehind/internal/storage"
	"howbehind/internal/storage/memory"
	"howbehind/internal/storage/sqlite"
)

var brisbane = time.FixedZone("AEST", 10*60*60)

func at(day, clock string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04", day+" "+clock, brisbane)
	if err != nil {
		panic(err)
	}
	return t
}

func session(course, day, clock string, minutes int) model.Session {
	start := at(day, clock)
	return model.NewSession(course, "Lecture", start, start.Add(time.Duration(minutes)*time.Minute), brisbane)
}

var (
	monday    = session("CSSE2310", "2024-03-04", "09:00", 60)
	wednesday = session("MATH1051", "2024-03-06", "11:00", 60)
	thursday  = session("CSSE2310", "2024-03-07", "09:00", 60)
)

const feedURL = "https://timetable.example/feed.ics"

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	f     func()
	done  bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasPending := !t.done
	t.done = true
	return wasPending
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	var due []func()
	for _, t := range c.timers {
		if !t.done && !t.at.After(now) {
			t.done = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
}

// fakeLoader serves fixed sessions for known URLs and fails for the rest.
type fakeLoader struct {
	mu    sync.Mutex
	feeds map[string][]model.Session
	calls int
}

func (f *fakeLoader) Load(ctx context.Context, url string, opts ics.Options) ics.Feed {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	feed := ics.Feed{URL: url, FetchedAt: opts.Now}
	if url == "" {
		feed.Status = ics.NoData
		feed.Err = ics.ErrNoFeed
		return feed
	}
	sessions, ok := f.feeds[url]
	if !ok {
		feed.Status = ics.Unavailable
		feed.Err = fmt.Errorf("%w: connection refused", ics.ErrUnavailable)
		return feed
	}
	feed.Status = ics.Available
	feed.Sessions = append([]model.Session(nil), sessions...)
	return feed
}

type harness struct {
	svc    *Service
	store  *storage.Store
	clock  *fakeClock
	loader *fakeLoader
}

func newHarness(t *testing.T, backend storage.Backend) *harness {
	t.Helper()
	if backend == nil {
		backend = memory.New()
	}
	store := storage.New(backend, brisbane)
	clock := &fakeClock{now: at("2024-03-06", "10:00")}
	loader := &fakeLoader{feeds: map[string][]model.Session{
		feedURL: {thursday, monday, wednesday},
	}}
	svc := New(store, loader, Options{
		Location:    brisbane,
		WeekStart:   time.Monday,
		IdleTimeout: 24 * time.Hour,
		Clock:       clock,
	})
	t.Cleanup(func() {
		svc.Close()
		_ = store.Close()
	})
	return &harness{svc: svc, store: store, clock: clock, loader: loader}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func behindIDs(s []model.Session) []string {
	out := make([]string, len(s))
	for i, x := range s {
		out[i] = x.ID
	}
	return out
}

func TestSetFeedScansFromWeekStart(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	snap, err := h.svc.SetFeedURL(ctx, "u1", feedURL)
	if err != nil {
		t.Fatalf("SetFeedURL: %v", err)
	}
	if snap.FeedStatus != ics.Available {
		t.Fatalf("status = %v", snap.FeedStatus)
	}
	if len(snap.Behind) != 1 || snap.Behind[0].ID != monday.ID {
		t.Fatalf("behind = %v, want only Monday", behindIDs(snap.Behind))
	}
	if !snap.Watermark.Equal(at("2024-03-06", "10:00")) {
		t.Fatalf("watermark = %v", snap.Watermark)
	}
	if want := wednesday.EndDate.Add(behind.DefaultWakeGrace); !snap.NextWake.Equal(want) {
		t.Fatalf("next wake = %v, want %v", snap.NextWake, want)
	}
	if snap.Summary.TotalMinutes != 60 {
		t.Fatalf("total = %d", snap.Summary.TotalMinutes)
	}

	stored, err := h.store.Read(ctx, "u1")
	if err != nil || stored.FeedURL != feedURL || len(stored.Behind) != 1 {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
}

func TestTimerAddsSessionWhenItEnds(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.svc.SetFeedURL(ctx, "u1", feedURL); err != nil {
		t.Fatal(err)
	}
	h.clock.Set(at("2024-03-06", "12:00").Add(behind.DefaultWakeGrace))

	eventually(t, "wednesday added", func() bool {
		snap, err := h.svc.Summary(ctx, "u1")
		return err == nil && len(snap.Behind) == 2
	})

	snap, _ := h.svc.Summary(ctx, "u1")
	if want := thursday.EndDate.Add(behind.DefaultWakeGrace); !snap.NextWake.Equal(want) {
		t.Fatalf("next wake = %v, want %v", snap.NextWake, want)
	}
}

func TestUnavailableFeedLeavesProfileUntouched(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	seeded := model.Profile{
		FeedURL:   "https://down.example/feed.ics",
		Watermark: at("2024-03-04", "00:00"),
		Behind:    []model.Session{},
	}
	if err := h.store.Write(ctx, "u1", seeded); err != nil {
		t.Fatal(err)
	}
	before, _ := h.store.ReadRaw(ctx, "u1")

	out, err := h.svc.Refresh(ctx, "u1")
	if !errors.Is(err, ics.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if out.Status != ics.Unavailable || len(out.Added) != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Snapshot.FeedError == "" || !out.Snapshot.NextWake.IsZero() {
		t.Fatalf("snapshot = %+v", out.Snapshot)
	}

	after, _ := h.store.ReadRaw(ctx, "u1")
	if !bytes.Equal(before, after) {
		t.Fatalf("profile changed:\n%s\n%s", before, after)
	}
}

func TestNoFeedIsNotAnError(t *testing.T) {
	h := newHarness(t, nil)
	out, err := h.svc.Refresh(context.Background(), "u1")
	if err != nil || out.Status != ics.NoData {
		t.Fatalf("Refresh = %+v, %v", out, err)
	}
	if _, err := h.store.Read(context.Background(), "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("profile written without a feed: %v", err)
	}
}

func TestRefreshIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.svc.SetFeedURL(ctx, "u1", feedURL); err != nil {
		t.Fatal(err)
	}

	out, err := h.svc.Refresh(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Added) != 0 || len(out.Snapshot.Behind) != 1 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestConcurrentRefreshesAddOnce(t *testing.T) {
	backend := memory.New()
	h := newHarness(t, backend)
	ctx := context.Background()
	if err := h.store.Write(ctx, "u1", model.Profile{FeedURL: feedURL}); err != nil {
		t.Fatal(err)
	}

	// A second service on the same backend stands in for another process.
	other := New(h.store, h.loader, Options{Location: brisbane, WeekStart: time.Monday, Clock: h.clock})
	defer other.Close()

	var mu sync.Mutex
	added := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		svc := h.svc
		if i%2 == 1 {
			svc = other
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := svc.Refresh(ctx, "u1")
			if err != nil {
				t.Errorf("Refresh: %v", err)
				return
			}
			mu.Lock()
			added += len(out.Added)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if added != 1 {
		t.Fatalf("sessions added %d times, want 1", added)
	}
	stored, err := h.store.Read(ctx, "u1")
	if err != nil || len(stored.Behind) != 1 {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
}

// racingBackend lets another writer change the profile just before the
// first compare-and-swap.
type racingBackend struct {
	storage.Backend
	once sync.Once
	doc  []byte
	wm   string
}

func (r *racingBackend) CompareAndPut(ctx context.Context, userID string, expected int64, doc []byte, watermark string) (int64, error) {
	r.once.Do(func() {
		_, _ = r.Backend.Put(ctx, userID, r.doc, r.wm)
	})
	return r.Backend.CompareAndPut(ctx, userID, expected, doc, watermark)
}

func TestScanRetriesAfterConflict(t *testing.T) {
	raced := model.Profile{FeedURL: feedURL, Watermark: at("2024-03-04", "05:00")}
	doc, err := model.EncodeProfile(raced)
	if err != nil {
		t.Fatal(err)
	}
	backend := &racingBackend{Backend: memory.New(), doc: doc, wm: model.WatermarkKey(raced.Watermark)}
	h := newHarness(t, backend)
	ctx := context.Background()
	if err := h.store.Write(ctx, "u1", model.Profile{FeedURL: feedURL}); err != nil {
		t.Fatal(err)
	}

	out, err := h.svc.Refresh(ctx, "u1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(out.Added) != 1 || out.Added[0].ID != monday.ID {
		t.Fatalf("added = %v", behindIDs(out.Added))
	}
	stored, _ := h.store.Read(ctx, "u1")
	if !stored.Watermark.Equal(at("2024-03-06", "10:00")) || len(stored.Behind) != 1 {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestMarkDoneAndNotDone(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.svc.SetFeedURL(ctx, "u1", feedURL); err != nil {
		t.Fatal(err)
	}

	snap, err := h.svc.MarkDone(ctx, "u1", monday.ID)
	if err != nil || len(snap.Behind) != 0 {
		t.Fatalf("MarkDone = %v, %v", behindIDs(snap.Behind), err)
	}
	if _, err := h.svc.MarkDone(ctx, "u1", monday.ID); !errors.Is(err, behind.ErrUnknownSession) {
		t.Fatalf("second MarkDone err = %v", err)
	}

	snap, err = h.svc.MarkNotDoneByID(ctx, "u1", monday.ID)
	if err != nil || len(snap.Behind) != 1 {
		t.Fatalf("MarkNotDoneByID = %v, %v", behindIDs(snap.Behind), err)
	}
	if _, err := h.svc.MarkNotDoneByID(ctx, "u1", "v3|X|Y|2024-01-01|09:00"); !errors.Is(err, behind.ErrUnknownSession) {
		t.Fatalf("unknown id err = %v", err)
	}

	snap, err = h.svc.MarkNotDone(ctx, "u1", wednesday)
	if err != nil || len(snap.Behind) != 2 {
		t.Fatalf("MarkNotDone = %v, %v", behindIDs(snap.Behind), err)
	}

	stored, _ := h.store.Read(ctx, "u1")
	if len(stored.Behind) != 2 || !model.IsSorted(stored.Behind) {
		t.Fatalf("stored behind = %v", behindIDs(stored.Behind))
	}
}

func TestSetBreakWeeks(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	snap, err := h.svc.SetBreakWeeks(ctx, "u1", []string{"2024-04-08", "2024-04-01", "2024-04-08"})
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.BreakWeeks) != 2 || snap.BreakWeeks[0] != "2024-04-01" {
		t.Fatalf("break weeks = %v", snap.BreakWeeks)
	}
	if _, err := h.svc.SetBreakWeeks(ctx, "u1", []string{"next week"}); !errors.Is(err, model.ErrInvalidProfile) {
		t.Fatalf("err = %v", err)
	}
}

func TestOtherClasses(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	got, err := h.svc.OtherClasses(ctx, "u1", "2024-03-06")
	if err != nil || len(got) != 0 {
		t.Fatalf("without feed = %v, %v", got, err)
	}

	if _, err := h.svc.SetFeedURL(ctx, "u1", feedURL); err != nil {
		t.Fatal(err)
	}
	got, err = h.svc.OtherClasses(ctx, "u1", "2024-03-06")
	if err != nil || len(got) != 1 {
		t.Fatalf("OtherClasses = %v, %v", got, err)
	}
	if got[0].Session.ID != wednesday.ID || got[0].Timing != behind.Future {
		t.Fatalf("other = %+v", got[0])
	}

	got, _ = h.svc.OtherClasses(ctx, "u1", "2024-03-04")
	if len(got) != 0 {
		t.Fatalf("behind session listed as other: %+v", got)
	}
	if _, err := h.svc.OtherClasses(ctx, "u1", "tomorrow"); err == nil {
		t.Fatal("expected error for malformed day")
	}
}

func TestImportExport(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.svc.SetFeedURL(ctx, "u1", feedURL); err != nil {
		t.Fatal(err)
	}

	data, err := h.svc.Export(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	snap, err := h.svc.Import(ctx, "u2", data)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if snap.FeedURL != feedURL || len(snap.Behind) != 1 || snap.Behind[0].ID != monday.ID {
		t.Fatalf("imported = %+v", snap)
	}
}

func TestImportRejectsMalformedDocument(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.svc.Import(ctx, "u1", []byte(`[1, 2, 3]`)); !errors.Is(err, model.ErrInvalidProfile) {
		t.Fatalf("err = %v", err)
	}
	if _, err := h.store.Read(ctx, "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("storage written: %v", err)
	}
}

func TestExternalWriteIsObserved(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.svc.SetFeedURL(ctx, "u1", feedURL); err != nil {
		t.Fatal(err)
	}

	if err := h.store.Write(ctx, "u1", model.Profile{FeedURL: ics.TestFeedURL, Watermark: at("2024-03-06", "10:00")}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "feed change picked up", func() bool {
		snap, err := h.svc.Summary(ctx, "u1")
		return err == nil && snap.FeedURL == ics.TestFeedURL
	})
}

func TestWatchStreamsChanges(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := h.svc.SetFeedURL(ctx, "u1", feedURL); err != nil {
		t.Fatal(err)
	}

	ch, err := h.svc.Watch(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	first := <-ch
	if len(first.Behind) != 1 {
		t.Fatalf("first snapshot = %v", behindIDs(first.Behind))
	}

	if _, err := h.svc.MarkDone(ctx, "u1", monday.ID); err != nil {
		t.Fatal(err)
	}
	timeout := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			if len(snap.Behind) == 0 {
				cancel()
				return
			}
		case <-timeout:
			t.Fatal("no snapshot after MarkDone")
		}
	}
}

func TestReconcileRefreshesActiveUser(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.svc.Summary(ctx, "perm"); err != nil {
		t.Fatal(err)
	}
	if err := h.store.Write(ctx, "anon", model.Profile{FeedURL: feedURL, Behind: []model.Session{thursday}}); err != nil {
		t.Fatal(err)
	}

	res, err := h.svc.Reconcile(ctx, reconcile.Request{IncomingID: "perm", AnonymousID: "anon", Keep: true})
	if err != nil || !res.Merged {
		t.Fatalf("Reconcile = %+v, %v", res, err)
	}
	snap, err := h.svc.Summary(ctx, "perm")
	if err != nil {
		t.Fatal(err)
	}
	if snap.FeedURL != feedURL || len(snap.MergeHistory) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRefreshAllVisitsStoredUsers(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := h.store.Write(ctx, id, model.Profile{FeedURL: feedURL}); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.store.Write(ctx, "c", model.Profile{FeedURL: "https://down.example"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.Summary(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	if err := h.svc.RefreshAll(ctx); err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}
	if got := h.svc.Users(); !slices.Equal(got, []string{"a"}) {
		t.Fatalf("users = %v, want only the already active one", got)
	}
	for _, id := range []string{"a", "b"} {
		stored, _ := h.store.Read(ctx, id)
		if len(stored.Behind) != 1 {
			t.Fatalf("%s not refreshed: %+v", id, stored)
		}
	}
	stored, _ := h.store.Read(ctx, "c")
	if len(stored.Behind) != 0 || !stored.Watermark.IsZero() {
		t.Fatalf("unavailable feed changed c: %+v", stored)
	}
}

func TestIdleLoopIsStopped(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := h.svc.Summary(ctx, "idle"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.Watch(ctx, "watched"); err != nil {
		t.Fatal(err)
	}
	if got := h.svc.Users(); len(got) != 2 {
		t.Fatalf("users = %v", got)
	}

	h.clock.Set(h.clock.Now().Add(25 * time.Hour))
	eventually(t, "idle loop stopped", func() bool {
		return !slices.Contains(h.svc.Users(), "idle")
	})
	if got := h.svc.Users(); !slices.Equal(got, []string{"watched"}) {
		t.Fatalf("users = %v, watched loop should stay", got)
	}

	if _, err := h.svc.SetFeedURL(ctx, "idle", feedURL); err != nil {
		t.Fatalf("SetFeedURL after eviction: %v", err)
	}
	if got := h.svc.Users(); len(got) != 2 {
		t.Fatalf("users = %v", got)
	}
}

func TestTimedScanKeepsOtherWritersChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.db")
	serverDB, err := sqlite.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, serverDB)
	ctx := context.Background()
	if _, err := h.svc.SetFeedURL(ctx, "u1", feedURL); err != nil {
		t.Fatal(err)
	}

	// A second process on the same database file, e.g. the CLI.
	cliDB, err := sqlite.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	cliStore := storage.New(cliDB, brisbane)
	cli := New(cliStore, h.loader, Options{
		Location:  brisbane,
		WeekStart: time.Monday,
		Clock:     &fakeClock{now: h.clock.Now()},
	})
	defer func() {
		cli.Close()
		_ = cliStore.Close()
	}()
	if _, err := cli.MarkDone(ctx, "u1", monday.ID); err != nil {
		t.Fatalf("MarkDone through second store: %v", err)
	}

	h.clock.Set(at("2024-03-06", "12:00").Add(behind.DefaultWakeGrace))
	eventually(t, "timed scan", func() bool {
		stored, err := h.store.Read(ctx, "u1")
		return err == nil && slices.Contains(behindIDs(stored.Behind), wednesday.ID)
	})

	stored, err := h.store.Read(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if ids := behindIDs(stored.Behind); !slices.Equal(ids, []string{wednesday.ID}) {
		t.Fatalf("behind = %v, want only Wednesday", ids)
	}
}

func TestClosedServiceRejectsCalls(t *testing.T) {
	h := newHarness(t, nil)
	h.svc.Close()
	if _, err := h.svc.Summary(context.Background(), "u1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
}

func TestSchedulerValidatesSpec(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := NewScheduler(h.svc, "every now and then", brisbane, time.Minute); err == nil {
		t.Fatal("expected error")
	}
	s, err := NewScheduler(h.svc, "*/15 * * * *", brisbane, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	s.Start()
	s.Stop()
}
