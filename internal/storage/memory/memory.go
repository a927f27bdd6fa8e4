// Package memory is an in-process profile store for tests and single-node
// development.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"howbehind/internal/storage"
)

// Store implements storage.Backend in memory.
type Store struct {
	mu      sync.Mutex
	records map[string]storage.Record
	hub     *storage.Hub
	closed  bool
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		records: make(map[string]storage.Record),
		hub:     storage.NewHub(),
	}
}

func (s *Store) Get(ctx context.Context, userID string) (storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.Record{}, storage.ErrClosed
	}
	rec, ok := s.records[userID]
	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}
	rec.Doc = slices.Clone(rec.Doc)
	return rec, nil
}

func (s *Store) Put(ctx context.Context, userID string, doc []byte, watermark string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, storage.ErrClosed
	}
	return s.putLocked(userID, doc, watermark), nil
}

func (s *Store) CompareAndPut(ctx context.Context, userID string, expected int64, doc []byte, watermark string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, storage.ErrClosed
	}
	if s.records[userID].Revision != expected {
		return 0, storage.ErrConflict
	}
	return s.putLocked(userID, doc, watermark), nil
}

func (s *Store) putLocked(userID string, doc []byte, watermark string) int64 {
	doc = slices.Clone(doc)
	rev := s.records[userID].Revision + 1
	s.records[userID] = storage.Record{Doc: doc, Watermark: watermark, Revision: rev, UpdatedAt: time.Now().UTC()}
	s.hub.Publish(userID, storage.Change{Doc: doc, Revision: rev})
	return rev
}

func (s *Store) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.deleteLocked(userID)
	return nil
}

func (s *Store) CompareAndDelete(ctx context.Context, userID string, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	rec, ok := s.records[userID]
	if !ok {
		return nil
	}
	if rec.Revision != expected {
		return storage.ErrConflict
	}
	s.deleteLocked(userID)
	return nil
}

func (s *Store) deleteLocked(userID string) {
	if _, ok := s.records[userID]; !ok {
		return
	}
	delete(s.records, userID)
	s.hub.Publish(userID, storage.Change{Deleted: true})
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) Watch(ctx context.Context, userID string) (<-chan storage.Change, error) {
	return s.hub.Subscribe(ctx, userID)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.hub.Close()
	return nil
}
