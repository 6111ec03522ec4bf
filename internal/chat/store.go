package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store holds conversations in memory.
type Store struct {
	backend Backend

	mu            sync.RWMutex
	conversations map[uuid.UUID]*Conversation
}

func NewStore(backend Backend) *Store {
	return &Store{
		backend:       backend,
		conversations: make(map[uuid.UUID]*Conversation),
	}
}

func (s *Store) Create(seed Seed) *Conversation {
	c := NewConversation(s.backend, seed)
	s.mu.Lock()
	s.conversations[c.ID] = c
	s.mu.Unlock()
	return c
}

func (s *Store) Get(id uuid.UUID) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (s *Store) Delete(id uuid.UUID) {
	s.mu.Lock()
	delete(s.conversations, id)
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// Sweep drops conversations idle for longer than maxIdle and returns how many
// were removed. Conversations with a send in flight are kept.
func (s *Store) Sweep(now time.Time, maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, c := range s.conversations {
		if c.Generating() || now.Sub(c.lastUpdated()) <= maxIdle {
			continue
		}
		delete(s.conversations, id)
		removed++
	}
	return removed
}
