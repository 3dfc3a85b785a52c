package store

import (
	"context"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/model/chat"
)

// MemoryStore keeps transcripts in process memory. It offers the same
// contract as the sqlite backend minus durability, for tests and ephemeral
// deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]time.Time
	turns    map[string][]chat.Turn
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]time.Time),
		turns:    make(map[string][]chat.Turn),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, id string, createdAt time.Time) error {
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[id] = createdAt
	s.turns[id] = make([]chat.Turn, 0, 16)
	return nil
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, turn chat.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}

	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	s.turns[sessionID] = append(s.turns[sessionID], turn)
	return nil
}

func (s *MemoryStore) Read(_ context.Context, sessionID string) ([]chat.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns, ok := s.turns[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	copied := make([]chat.Turn, len(turns))
	copy(copied, turns)
	return copied, nil
}

func (s *MemoryStore) Erase(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	delete(s.turns, sessionID)
	return nil
}

func (s *MemoryStore) Sessions(_ context.Context) ([]SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make([]SessionState, 0, len(s.sessions))
	for id, createdAt := range s.sessions {
		state := SessionState{ID: id, CreatedAt: createdAt}
		for _, turn := range s.turns[id] {
			state.LastSeq = turn.Seq
			if turn.Role == chat.RoleUser {
				state.UserTurns++
			}
		}
		states = append(states, state)
	}
	return states, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
