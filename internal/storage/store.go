package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"howbehind/internal/model"
)

var (
	// ErrNotFound is returned when a record is missing from storage.
	ErrNotFound = errors.New("storage: record not found")
	// ErrConflict is returned by a compare-and-swap whose expected revision
	// no longer matches the stored one.
	ErrConflict = errors.New("storage: record changed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: closed")
)

// Record is a stored profile document together with its watermark key.
// Revision starts at 1 and grows by one on every write of the record; an
// absent record has revision 0.
type Record struct {
	Doc       []byte
	Watermark string
	Revision  int64
	UpdatedAt time.Time
}

// Change is a full-document replacement delivered to watchers. Deleted
// changes carry no document.
type Change struct {
	Doc      []byte
	Revision int64
	Deleted  bool
}

// Backend is a raw document store keyed by user id.
type Backend interface {
	Get(ctx context.Context, userID string) (Record, error)
	// Put writes the record unconditionally and returns its new revision.
	Put(ctx context.Context, userID string, doc []byte, watermark string) (int64, error)
	// CompareAndPut writes only when the stored revision equals expected and
	// returns the new revision. An absent record matches revision 0.
	CompareAndPut(ctx context.Context, userID string, expected int64, doc []byte, watermark string) (int64, error)
	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, userID string) error
	// CompareAndDelete removes the record only when its revision equals
	// expected. Deleting a missing record is not an error.
	CompareAndDelete(ctx context.Context, userID string, expected int64) error
	List(ctx context.Context) ([]string, error)
	// Watch delivers the latest change for userID until ctx is done, then
	// closes the channel. Intermediate changes may be coalesced.
	Watch(ctx context.Context, userID string) (<-chan Change, error)
	Close() error
}

// Snapshot is a decoded Change.
type Snapshot struct {
	Profile  model.Profile
	Revision int64
	Deleted  bool
	Err      error
}

// Store reads and writes Profiles on top of a Backend.
type Store struct {
	backend Backend
	loc     *time.Location
}

// New creates a Store. Profiles are decoded with derived fields in loc.
func New(backend Backend, loc *time.Location) *Store {
	if loc == nil {
		loc = time.Local
	}
	return &Store{backend: backend, loc: loc}
}

// Read returns the profile of userID, or ErrNotFound.
func (s *Store) Read(ctx context.Context, userID string) (model.Profile, error) {
	p, _, err := s.ReadRevision(ctx, userID)
	return p, err
}

// ReadRevision returns the profile of userID with the revision to pass to
// Swap or DeleteIf.
func (s *Store) ReadRevision(ctx context.Context, userID string) (model.Profile, int64, error) {
	rec, err := s.backend.Get(ctx, userID)
	if err != nil {
		return model.Profile{}, 0, err
	}
	p, err := model.DecodeProfile(rec.Doc, s.loc)
	if err != nil {
		return model.Profile{}, 0, fmt.Errorf("read %s: %w", userID, err)
	}
	return p, rec.Revision, nil
}

// ReadRaw returns the stored document of userID as written.
func (s *Store) ReadRaw(ctx context.Context, userID string) ([]byte, error) {
	rec, err := s.backend.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return rec.Doc, nil
}

// Write replaces the profile of userID unconditionally.
func (s *Store) Write(ctx context.Context, userID string, p model.Profile) error {
	doc, err := model.EncodeProfile(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	_, err = s.backend.Put(ctx, userID, doc, model.WatermarkKey(p.Watermark))
	return err
}

// Swap replaces the profile of userID only if it is still at revision
// expected, and returns the new revision. It returns ErrConflict otherwise.
// Use revision 0 to create a profile that must not exist yet.
func (s *Store) Swap(ctx context.Context, userID string, expected int64, p model.Profile) (int64, error) {
	doc, err := model.EncodeProfile(p)
	if err != nil {
		return 0, fmt.Errorf("encode profile: %w", err)
	}
	return s.backend.CompareAndPut(ctx, userID, expected, doc, model.WatermarkKey(p.Watermark))
}

// Delete removes the profile of userID.
func (s *Store) Delete(ctx context.Context, userID string) error {
	return s.backend.Delete(ctx, userID)
}

// DeleteIf removes the profile of userID only if it is still at revision
// expected. It returns ErrConflict otherwise.
func (s *Store) DeleteIf(ctx context.Context, userID string, expected int64) error {
	return s.backend.CompareAndDelete(ctx, userID, expected)
}

// Users lists every stored user id.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	return s.backend.List(ctx)
}

// Subscribe streams decoded snapshots of userID until ctx is done.
func (s *Store) Subscribe(ctx context.Context, userID string) (<-chan Snapshot, error) {
	changes, err := s.backend.Watch(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make(chan Snapshot, 1)
	go func() {
		defer close(out)
		for c := range changes {
			snap := Snapshot{Revision: c.Revision, Deleted: c.Deleted}
			if !c.Deleted {
				snap.Profile, snap.Err = model.DecodeProfile(c.Doc, s.loc)
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Location is the zone profiles are decoded in.
func (s *Store) Location() *time.Location {
	return s.loc
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
