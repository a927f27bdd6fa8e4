package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"howbehind/internal/storage"
	"howbehind/internal/storage/storagetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "profiles.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBackend(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return openTestStore(t)
	})
}

func TestReopenKeepsProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(ctx, "u1", []byte(`{"feedUrl":"x"}`), "w1"); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	rec, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(rec.Doc) != `{"feedUrl":"x"}` || rec.Watermark != "w1" || rec.Revision != 1 {
		t.Fatalf("record = %q / %q / %d", rec.Doc, rec.Watermark, rec.Revision)
	}
}

func TestTwoHandlesShareRevisions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.db")
	ctx := context.Background()

	a, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	rev, err := a.Put(ctx, "u1", []byte(`{"behind":["x"]}`), "w1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.CompareAndPut(ctx, "u1", rev, []byte(`{"behind":[]}`), "w1"); err != nil {
		t.Fatalf("CAS through second handle: %v", err)
	}
	if _, err := a.CompareAndPut(ctx, "u1", rev, []byte(`{"behind":["x","y"]}`), "w2"); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("stale CAS through first handle err = %v, want ErrConflict", err)
	}
}

func TestConcurrentWritersOnTwoHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.db")
	ctx := context.Background()

	handles := make([]*Store, 2)
	for i := range handles {
		s, err := Open(path)
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close()
		handles[i] = s
	}

	const writes = 25
	var wg sync.WaitGroup
	errs := make(chan error, 2*writes)
	for i, s := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < writes; n++ {
				id := fmt.Sprintf("u%d-%d", i, n)
				if _, err := s.Put(ctx, id, []byte(`{}`), ""); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("write: %v", err)
	}

	ids, err := handles[0].List(ctx)
	if err != nil || len(ids) != 2*writes {
		t.Fatalf("List = %d ids, %v", len(ids), err)
	}
}
