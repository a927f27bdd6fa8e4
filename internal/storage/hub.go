package storage

import (
	"context"
	"sync"
)

// Hub fans out changes to in-process watchers. Each watcher holds at most one
// pending change; a newer change replaces an undelivered one.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[chan Change]struct{}
	closed bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Change]struct{})}
}

// Subscribe registers a watcher for userID that is removed when ctx is done.
func (h *Hub) Subscribe(ctx context.Context, userID string) (<-chan Change, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	ch := make(chan Change, 1)
	set, ok := h.subs[userID]
	if !ok {
		set = make(map[chan Change]struct{})
		h.subs[userID] = set
	}
	set[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		h.remove(userID, ch)
	}()
	return ch, nil
}

func (h *Hub) remove(userID string, ch chan Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[userID]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(h.subs, userID)
	}
}

// Publish delivers c to every watcher of userID without blocking.
func (h *Hub) Publish(userID string, c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[userID] {
		select {
		case ch <- c:
		default:
			// Drop the stale pending change; only Publish sends, under mu.
			select {
			case <-ch:
			default:
			}
			ch <- c
		}
	}
}

// Close closes every watcher channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for userID, set := range h.subs {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, userID)
	}
}
