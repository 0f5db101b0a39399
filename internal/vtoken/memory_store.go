package vtoken

import (
	"context"
	"sync"
	"time"

	xerrors "VibeGuard/internal/errors"
)

// MemoryStore keeps tokens in process memory behind a mutex.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]Token
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]Token)}
}

func (s *MemoryStore) Save(ctx context.Context, token Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[token.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, "token already exists")
	}
	s.tokens[token.ID] = token
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[id]
	if !ok {
		return Token{}, ErrNotFound
	}
	return token, nil
}

func (s *MemoryStore) Consume(ctx context.Context, id string, now time.Time) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[id]
	if !ok {
		return Token{}, ErrNotFound
	}
	if token.Expired(now) {
		return token, ErrExpired
	}
	if token.Used {
		return token, ErrAlreadyUsed
	}
	before := token
	token.Used = true
	token.UsedAt = now
	s.tokens[id] = token
	return before, nil
}

func (s *MemoryStore) Prune(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, token := range s.tokens {
		if token.Expired(now) {
			delete(s.tokens, id)
			removed++
		}
	}
	return removed, nil
}

var _ Store = (*MemoryStore)(nil)
