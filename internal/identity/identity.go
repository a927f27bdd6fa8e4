// Package identity issues user ids and detects upgrade conflicts.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"howbehind/internal/storage"
)

const (
	anonymousPrefix = "anon-"
	permanentPrefix = "user-"
)

// namespace scopes credential-derived ids.
var namespace = uuid.MustParse("6f1c1f0e-4b8e-4c43-9d0e-2f4f7b1f2a61")

// ErrNotAnonymous is returned when upgrading an identity that is already
// permanent.
var ErrNotAnonymous = errors.New("identity: not anonymous")

// ErrEmptyCredential is returned when upgrading without a credential.
var ErrEmptyCredential = errors.New("identity: empty credential")

// Identity is a user id and whether it belongs to an anonymous session.
type Identity struct {
	ID        string `json:"id"`
	Anonymous bool   `json:"anonymous"`
}

// Conflict is signalled when an anonymous identity is upgraded to a
// credential whose account already holds a profile. The caller decides
// whether to keep the anonymous data and reconciles.
type Conflict struct {
	Incoming  Identity `json:"incoming"`
	Anonymous Identity `json:"anonymous"`
}

// Provider supplies identities.
type Provider interface {
	NewAnonymous() Identity
	Parse(id string) (Identity, error)
	Upgrade(ctx context.Context, anonymous Identity, credential string) (Identity, *Conflict, error)
}

// Local derives permanent ids from credentials and checks the profile store
// for existing accounts.
type Local struct {
	store *storage.Store
}

// NewLocal creates a Local provider over store.
func NewLocal(store *storage.Store) *Local {
	return &Local{store: store}
}

// NewAnonymous returns a fresh random anonymous identity.
func (l *Local) NewAnonymous() Identity {
	return Identity{ID: anonymousPrefix + uuid.NewString(), Anonymous: true}
}

// Permanent returns the identity a credential maps to.
func (l *Local) Permanent(credential string) Identity {
	id := uuid.NewSHA1(namespace, []byte(strings.TrimSpace(credential)))
	return Identity{ID: permanentPrefix + id.String()}
}

// Parse validates an id issued by this provider.
func (l *Local) Parse(id string) (Identity, error) {
	switch {
	case strings.HasPrefix(id, anonymousPrefix):
		if _, err := uuid.Parse(strings.TrimPrefix(id, anonymousPrefix)); err != nil {
			return Identity{}, fmt.Errorf("identity %q: %w", id, err)
		}
		return Identity{ID: id, Anonymous: true}, nil
	case strings.HasPrefix(id, permanentPrefix):
		if _, err := uuid.Parse(strings.TrimPrefix(id, permanentPrefix)); err != nil {
			return Identity{}, fmt.Errorf("identity %q: %w", id, err)
		}
		return Identity{ID: id}, nil
	default:
		return Identity{}, fmt.Errorf("identity %q: unknown form", id)
	}
}

// Upgrade maps anonymous to the permanent identity of credential. A Conflict
// is returned when that account already has a profile.
func (l *Local) Upgrade(ctx context.Context, anonymous Identity, credential string) (Identity, *Conflict, error) {
	if !anonymous.Anonymous {
		return Identity{}, nil, ErrNotAnonymous
	}
	if strings.TrimSpace(credential) == "" {
		return Identity{}, nil, ErrEmptyCredential
	}

	perm := l.Permanent(credential)
	_, err := l.store.ReadRaw(ctx, perm.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return perm, nil, nil
	case err != nil:
		return Identity{}, nil, fmt.Errorf("look up account: %w", err)
	}
	return perm, &Conflict{Incoming: perm, Anonymous: anonymous}, nil
}
