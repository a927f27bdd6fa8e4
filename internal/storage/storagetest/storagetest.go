// Package storagetest holds behaviour tests shared by every storage.Backend.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"howbehind/internal/storage"
)

// Run exercises a Backend created fresh for every subtest by newBackend.
func Run(t *testing.T, newBackend func(t *testing.T) storage.Backend) {
	t.Run("GetMissing", func(t *testing.T) {
		b := newBackend(t)
		if _, err := b.Get(context.Background(), "nobody"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("Get missing err = %v, want ErrNotFound", err)
		}
	})

	t.Run("PutGet", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		rev, err := b.Put(ctx, "u1", []byte(`{"feedUrl":"a"}`), "w1")
		if err != nil || rev != 1 {
			t.Fatalf("Put = %d, %v", rev, err)
		}
		rec, err := b.Get(ctx, "u1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(rec.Doc) != `{"feedUrl":"a"}` || rec.Watermark != "w1" || rec.Revision != 1 {
			t.Fatalf("record = %q / %q / %d", rec.Doc, rec.Watermark, rec.Revision)
		}
		if rec.UpdatedAt.IsZero() {
			t.Error("UpdatedAt not set")
		}

		if rev, err := b.Put(ctx, "u1", []byte(`{"feedUrl":"b"}`), "w1"); err != nil || rev != 2 {
			t.Fatalf("second Put = %d, %v", rev, err)
		}
	})

	t.Run("CompareAndPut", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		rev, err := b.CompareAndPut(ctx, "u1", 0, []byte(`{}`), "w1")
		if err != nil || rev != 1 {
			t.Fatalf("create via CAS = %d, %v", rev, err)
		}
		if _, err := b.CompareAndPut(ctx, "u1", 0, []byte(`{"x":1}`), "w2"); !errors.Is(err, storage.ErrConflict) {
			t.Fatalf("create over existing err = %v, want ErrConflict", err)
		}
		if _, err := b.CompareAndPut(ctx, "u1", 5, []byte(`{"x":1}`), "w2"); !errors.Is(err, storage.ErrConflict) {
			t.Fatalf("stale CAS err = %v, want ErrConflict", err)
		}
		rev, err = b.CompareAndPut(ctx, "u1", 1, []byte(`{"x":2}`), "w2")
		if err != nil || rev != 2 {
			t.Fatalf("CAS = %d, %v", rev, err)
		}
		rec, _ := b.Get(ctx, "u1")
		if string(rec.Doc) != `{"x":2}` || rec.Watermark != "w2" || rec.Revision != 2 {
			t.Fatalf("record = %q / %q / %d", rec.Doc, rec.Watermark, rec.Revision)
		}
		if _, err := b.CompareAndPut(ctx, "u2", 1, []byte(`{}`), "w2"); !errors.Is(err, storage.ErrConflict) {
			t.Fatalf("CAS on missing with non-zero expectation err = %v", err)
		}
	})

	t.Run("CompareAndPutSeesSameWatermarkWrites", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		rev, err := b.Put(ctx, "u1", []byte(`{"behind":["a"]}`), "w1")
		if err != nil {
			t.Fatal(err)
		}
		// Another writer changes the document but not the watermark.
		if _, err := b.Put(ctx, "u1", []byte(`{"behind":[]}`), "w1"); err != nil {
			t.Fatal(err)
		}
		if _, err := b.CompareAndPut(ctx, "u1", rev, []byte(`{"behind":["a","b"]}`), "w2"); !errors.Is(err, storage.ErrConflict) {
			t.Fatalf("CAS with stale revision err = %v, want ErrConflict", err)
		}
		rec, _ := b.Get(ctx, "u1")
		if string(rec.Doc) != `{"behind":[]}` {
			t.Fatalf("doc = %q", rec.Doc)
		}
	})

	t.Run("ConcurrentCASHasOneWinner", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		rev, err := b.Put(ctx, "u1", []byte(`{}`), "w0")
		if err != nil {
			t.Fatal(err)
		}

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := b.CompareAndPut(ctx, "u1", rev, []byte(`{}`), "w1")
				if err == nil {
					wins.Add(1)
				} else if !errors.Is(err, storage.ErrConflict) {
					t.Errorf("CAS: %v", err)
				}
			}()
		}
		wg.Wait()
		if wins.Load() != 1 {
			t.Fatalf("%d writers won, want 1", wins.Load())
		}
	})

	t.Run("CompareAndDelete", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		rev, err := b.Put(ctx, "u1", []byte(`{}`), "")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := b.Put(ctx, "u1", []byte(`{"x":1}`), ""); err != nil {
			t.Fatal(err)
		}

		if err := b.CompareAndDelete(ctx, "u1", rev); !errors.Is(err, storage.ErrConflict) {
			t.Fatalf("stale delete err = %v, want ErrConflict", err)
		}
		if _, err := b.Get(ctx, "u1"); err != nil {
			t.Fatalf("record removed by stale delete: %v", err)
		}
		if err := b.CompareAndDelete(ctx, "u1", rev+1); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := b.Get(ctx, "u1"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("Get deleted err = %v", err)
		}
		if err := b.CompareAndDelete(ctx, "u1", rev+1); err != nil {
			t.Fatalf("delete missing: %v", err)
		}
		if ids, _ := b.List(ctx); len(ids) != 0 {
			t.Fatalf("List after delete = %v", ids)
		}
	})

	t.Run("DeleteAndList", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		_, _ = b.Put(ctx, "b", []byte(`{}`), "")
		_, _ = b.Put(ctx, "a", []byte(`{}`), "")

		ids, err := b.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
			t.Fatalf("List = %v", ids)
		}

		if err := b.Delete(ctx, "a"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := b.Delete(ctx, "a"); err != nil {
			t.Fatalf("Delete missing: %v", err)
		}
		if _, err := b.Get(ctx, "a"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("Get deleted err = %v", err)
		}
		ids, _ = b.List(ctx)
		if len(ids) != 1 || ids[0] != "b" {
			t.Fatalf("List after delete = %v", ids)
		}
	})

	t.Run("Watch", func(t *testing.T) {
		b := newBackend(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		changes, err := b.Watch(ctx, "u1")
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}

		rev, err := b.Put(context.Background(), "u1", []byte(`{"feedUrl":"a"}`), "w1")
		if err != nil {
			t.Fatal(err)
		}
		c := next(t, changes)
		if c.Deleted || string(c.Doc) != `{"feedUrl":"a"}` || c.Revision != rev {
			t.Fatalf("change = %+v", c)
		}

		_, _ = b.Put(context.Background(), "other", []byte(`{}`), "")
		if err := b.Delete(context.Background(), "u1"); err != nil {
			t.Fatal(err)
		}
		if c := next(t, changes); !c.Deleted {
			t.Fatalf("change = %+v, want delete", c)
		}

		cancel()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case _, ok := <-changes:
				if !ok {
					return
				}
			case <-deadline:
				t.Fatal("watch channel not closed after cancel")
			}
		}
	})
}

func next(t *testing.T, ch <-chan storage.Change) storage.Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		if !ok {
			t.Fatal("watch channel closed")
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}
	return storage.Change{}
}
