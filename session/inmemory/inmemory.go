package inmemory

import (
	"sync"

	"github.com/mohammad-safakhou/quizzer/internal/agent/core"
)

// Store is a mutex-guarded map of live sessions.
type Store struct {
	sessions map[string]*core.Session
	mu       sync.RWMutex
}

func NewRegistry() *Store {
	return &Store{sessions: make(map[string]*core.Session)}
}

func (store *Store) Put(sess *core.Session) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.sessions[sess.ID()] = sess
}

func (store *Store) Get(id string) (*core.Session, bool) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	sess, ok := store.sessions[id]
	return sess, ok
}

func (store *Store) Delete(id string) {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.sessions, id)
}

func (store *Store) List() []*core.Session {
	store.mu.RLock()
	defer store.mu.RUnlock()
	out := make([]*core.Session, 0, len(store.sessions))
	for _, sess := range store.sessions {
		out = append(out, sess)
	}
	return out
}

func (store *Store) Len() int {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return len(store.sessions)
}
