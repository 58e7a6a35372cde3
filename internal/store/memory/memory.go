// Package memory is the in-process store backend. It simulates the external
// key-value store a browser deployment keeps in local storage; tests and the
// default single-node configuration use it.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/vovakirdan/meshmeet/internal/core"
	"github.com/vovakirdan/meshmeet/internal/store"
)

// Store implements store.Store with guarded maps.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]core.Session
	chats    map[string][]core.ChatMessage
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]core.Session),
		chats:    make(map[string][]core.ChatMessage),
	}
}

func (s *Store) SaveSession(_ context.Context, sess core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := sess
	return &out, nil
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.chats, id)
	return nil
}

func (s *Store) ListSessions(_ context.Context) ([]core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out, nil
}

func (s *Store) SaveChatHistory(_ context.Context, sessionID string, msgs []core.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[sessionID] = slices.Clone(msgs)
	return nil
}

func (s *Store) LoadChatHistory(_ context.Context, sessionID string) ([]core.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.chats[sessionID]), nil
}

func (s *Store) Close() error { return nil }
