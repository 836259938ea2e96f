package server

import (
	"slices"
	"sync"
	"time"

	"github.com/nengo/nengo-gui/protocol"
)

type sessionStore struct {
	sessions map[string]*session
	mu       sync.RWMutex
	closed   bool
}

func newSessionStore() *sessionStore {
	return &sessionStore{
		sessions: make(map[string]*session),
	}
}

// add registers s. It returns false once the store has been closed.
func (store *sessionStore) add(s *session) bool {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.closed {
		return false
	}
	store.sessions[s.id] = s
	return true
}

func (store *sessionStore) get(id string) (*session, bool) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	s, ok := store.sessions[id]
	return s, ok
}

func (store *sessionStore) remove(id string) {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.sessions, id)
}

func (store *sessionStore) count() int {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return len(store.sessions)
}

// list returns the sessions ordered by connection time.
func (store *sessionStore) list() []*session {
	store.mu.RLock()
	out := make([]*session, 0, len(store.sessions))
	for _, s := range store.sessions {
		out = append(out, s)
	}
	store.mu.RUnlock()
	slices.SortFunc(out, func(a, b *session) int {
		return a.connectedAt.Compare(b.connectedAt)
	})
	return out
}

// closeAll refuses further sessions and closes the current ones, sending final first.
func (store *sessionStore) closeAll(final *protocol.Message) {
	store.mu.Lock()
	store.closed = true
	store.mu.Unlock()
	for _, s := range store.list() {
		if final != nil {
			s.closeWith(final, "server shutdown")
		} else {
			s.close("server shutdown")
		}
	}
}

// closeIdle closes active sessions without a subscription that have been quiet for
// longer than idle. It returns how many were closed.
func (store *sessionStore) closeIdle(now time.Time, idle time.Duration) int {
	var closed int
	for _, s := range store.list() {
		if s.getState() != StateActive || s.subscribed.Load() {
			continue
		}
		if now.Sub(s.idleSince()) > idle {
			s.close("idle timeout")
			closed++
		}
	}
	return closed
}
