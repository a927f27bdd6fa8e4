package reconcile

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"howbehind/internal/model"
	"howbehind/internal/storage"
	"howbehind/internal/storage/memory"
)

var brisbane = time.FixedZone("AEST", 10*60*60)

func session(course string, day int) model.Session {
	start := time.Date(2024, 3, day, 9, 0, 0, 0, brisbane)
	return model.NewSession(course, "Lecture", start, start.Add(time.Hour), brisbane)
}

func sortedIDs(p model.Profile) []string {
	out := make([]string, 0, len(p.Behind))
	for _, s := range p.Behind {
		out = append(out, s.ID)
	}
	slices.Sort(out)
	return out
}

func TestMergeDisjointIsCommutative(t *testing.T) {
	a := model.Profile{Behind: []model.Session{session("A", 4), session("A", 5)}}
	b := model.Profile{Behind: []model.Session{session("B", 6), session("B", 7)}}

	ab := Merge(a, b, "anon")
	ba := Merge(b, a, "anon")
	if len(ab.Behind) != 4 || !slices.Equal(sortedIDs(ab), sortedIDs(ba)) {
		t.Fatalf("merge not commutative: %v vs %v", sortedIDs(ab), sortedIDs(ba))
	}
	if !model.IsSorted(ab.Behind) {
		t.Fatal("merged list not sorted")
	}
}

func TestMergeOverlapDeduplicates(t *testing.T) {
	shared := session("S", 5)
	a := model.Profile{Behind: []model.Session{session("A", 4), shared}}
	b := model.Profile{Behind: []model.Session{shared, session("B", 6)}}

	got := Merge(a, b, "anon")
	if len(got.Behind) != 3 {
		t.Fatalf("merged = %v, want 3 sessions", sortedIDs(got))
	}
}

func TestMergePrefersAnonymousSettings(t *testing.T) {
	incoming := model.Profile{
		FeedURL:      "https://old",
		Watermark:    time.Date(2024, 3, 1, 0, 0, 0, 0, brisbane),
		BreakWeeks:   []string{"2024-04-08"},
		MergeHistory: []string{"anon-0"},
	}
	anonymous := model.Profile{
		FeedURL:    "https://new",
		Watermark:  time.Date(2024, 3, 6, 0, 0, 0, 0, brisbane),
		BreakWeeks: []string{"2024-04-01", "2024-04-08"},
	}

	got := Merge(incoming, anonymous, "anon-1")
	if got.FeedURL != "https://new" || !got.Watermark.Equal(anonymous.Watermark) {
		t.Errorf("settings = %q %v", got.FeedURL, got.Watermark)
	}
	if !slices.Equal(got.BreakWeeks, []string{"2024-04-01", "2024-04-08"}) {
		t.Errorf("BreakWeeks = %v", got.BreakWeeks)
	}
	if !slices.Equal(got.MergeHistory, []string{"anon-0", "anon-1"}) {
		t.Errorf("MergeHistory = %v", got.MergeHistory)
	}

	fallback := Merge(incoming, model.Profile{}, "anon-2")
	if fallback.FeedURL != incoming.FeedURL || !fallback.Watermark.Equal(incoming.Watermark) {
		t.Errorf("fallback settings = %q %v", fallback.FeedURL, fallback.Watermark)
	}
}

// flakyDelete fails deletes of one user id.
type flakyDelete struct {
	storage.Backend
	failID string
}

func (f *flakyDelete) Delete(ctx context.Context, userID string) error {
	if userID == f.failID {
		return errors.New("delete unavailable")
	}
	return f.Backend.Delete(ctx, userID)
}

func (f *flakyDelete) CompareAndDelete(ctx context.Context, userID string, expected int64) error {
	if userID == f.failID {
		return errors.New("delete unavailable")
	}
	return f.Backend.CompareAndDelete(ctx, userID, expected)
}

// lateWrite changes the anonymous profile once, right before it is retired.
type lateWrite struct {
	storage.Backend
	once   sync.Once
	userID string
	doc    []byte
}

func (l *lateWrite) CompareAndDelete(ctx context.Context, userID string, expected int64) error {
	if userID == l.userID {
		l.once.Do(func() {
			_, _ = l.Backend.Put(ctx, userID, l.doc, "")
		})
	}
	return l.Backend.CompareAndDelete(ctx, userID, expected)
}

func seed(t *testing.T, s *storage.Store, id string, p model.Profile) {
	t.Helper()
	if err := s.Write(context.Background(), id, p); err != nil {
		t.Fatal(err)
	}
}

func TestRunMergesAndRetiresAnonymous(t *testing.T) {
	store := storage.New(memory.New(), brisbane)
	defer store.Close()
	ctx := context.Background()

	seed(t, store, "perm", model.Profile{Behind: []model.Session{session("A", 4)}, Watermark: time.Date(2024, 3, 4, 0, 0, 0, 0, brisbane)})
	seed(t, store, "anon", model.Profile{FeedURL: "test", Behind: []model.Session{session("B", 5)}})

	res, err := New(store).Run(ctx, Request{IncomingID: "perm", AnonymousID: "anon", Keep: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Merged || len(res.Profile.Behind) != 2 {
		t.Fatalf("result = %+v", res)
	}

	stored, err := store.Read(ctx, "perm")
	if err != nil || len(stored.Behind) != 2 || stored.FeedURL != "test" {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
	if !slices.Equal(stored.MergeHistory, []string{"anon"}) {
		t.Errorf("MergeHistory = %v", stored.MergeHistory)
	}
	if _, err := store.Read(ctx, "anon"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("anonymous profile still present: %v", err)
	}
}

func TestRunKeepsLateAnonymousChange(t *testing.T) {
	late := model.Profile{FeedURL: "test", Behind: []model.Session{session("B", 5), session("C", 6)}}
	doc, err := model.EncodeProfile(late)
	if err != nil {
		t.Fatal(err)
	}
	backend := &lateWrite{Backend: memory.New(), userID: "anon", doc: doc}
	store := storage.New(backend, brisbane)
	defer store.Close()
	ctx := context.Background()

	incoming := model.Profile{Behind: []model.Session{session("A", 4)}}
	seed(t, store, "perm", incoming)
	seed(t, store, "anon", model.Profile{FeedURL: "test", Behind: []model.Session{session("B", 5)}})

	res, err := New(store).Run(ctx, Request{IncomingID: "perm", AnonymousID: "anon", Keep: true})
	if err != nil || !res.Merged {
		t.Fatalf("Run = %+v, %v", res, err)
	}
	stored, err := store.Read(ctx, "perm")
	if err != nil || len(stored.Behind) != 3 {
		t.Fatalf("stored = %v, %v", sortedIDs(stored), err)
	}
	if !slices.Equal(stored.MergeHistory, []string{"anon"}) {
		t.Errorf("MergeHistory = %v", stored.MergeHistory)
	}
	if _, err := store.Read(ctx, "anon"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("anonymous profile still present: %v", err)
	}
}

func TestRunIntoNewAccount(t *testing.T) {
	store := storage.New(memory.New(), brisbane)
	defer store.Close()
	ctx := context.Background()
	seed(t, store, "anon", model.Profile{Behind: []model.Session{session("B", 5)}})

	res, err := New(store).Run(ctx, Request{IncomingID: "perm", AnonymousID: "anon", Keep: true})
	if err != nil || !res.Merged || len(res.Profile.Behind) != 1 {
		t.Fatalf("Run = %+v, %v", res, err)
	}
}

func TestRunDiscardLeavesIncomingUnchanged(t *testing.T) {
	store := storage.New(memory.New(), brisbane)
	defer store.Close()
	ctx := context.Background()

	incoming := model.Profile{FeedURL: "https://perm", Behind: []model.Session{session("A", 4)}}
	seed(t, store, "perm", incoming)
	seed(t, store, "anon", model.Profile{FeedURL: "https://anon", Behind: []model.Session{session("B", 5)}})

	res, err := New(store).Run(ctx, Request{IncomingID: "perm", AnonymousID: "anon", Keep: false})
	if err != nil || res.Merged {
		t.Fatalf("Run = %+v, %v", res, err)
	}
	stored, _ := store.Read(ctx, "perm")
	if stored.FeedURL != "https://perm" || len(stored.Behind) != 1 {
		t.Fatalf("incoming changed: %+v", stored)
	}
	if _, err := store.Read(ctx, "anon"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("anonymous profile not deleted")
	}
}

func TestRunRollsBackWhenRetireFails(t *testing.T) {
	backend := &flakyDelete{Backend: memory.New(), failID: "anon"}
	store := storage.New(backend, brisbane)
	defer store.Close()
	ctx := context.Background()

	incoming := model.Profile{
		FeedURL:   "https://perm",
		Behind:    []model.Session{session("A", 4)},
		Watermark: time.Date(2024, 3, 4, 0, 0, 0, 0, brisbane),
	}
	anonymous := model.Profile{
		FeedURL:   "https://anon",
		Behind:    []model.Session{session("B", 5)},
		Watermark: time.Date(2024, 3, 6, 0, 0, 0, 0, brisbane),
	}
	seed(t, store, "perm", incoming)
	seed(t, store, "anon", anonymous)

	if _, err := New(store).Run(ctx, Request{IncomingID: "perm", AnonymousID: "anon", Keep: true}); err == nil {
		t.Fatal("expected error")
	}

	stored, err := store.Read(ctx, "perm")
	if err != nil {
		t.Fatal(err)
	}
	if stored.FeedURL != incoming.FeedURL || len(stored.Behind) != 1 || !stored.Watermark.Equal(incoming.Watermark) {
		t.Fatalf("incoming not restored: %+v", stored)
	}
	anon, err := store.Read(ctx, "anon")
	if err != nil || len(anon.Behind) != 1 {
		t.Fatalf("anonymous profile not usable: %+v, %v", anon, err)
	}
}

func TestRunRejectsSameIdentity(t *testing.T) {
	store := storage.New(memory.New(), brisbane)
	defer store.Close()
	if _, err := New(store).Run(context.Background(), Request{IncomingID: "u", AnonymousID: "u", Keep: true}); !errors.Is(err, ErrSameIdentity) {
		t.Fatalf("err = %v", err)
	}
}
