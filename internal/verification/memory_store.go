package verification

import (
	"context"
	"sync"
	"time"

	xerrors "VibeGuard/internal/errors"
)

// MemoryStore keeps requests in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	requests  map[string]*Request
	retention time.Duration
}

// NewMemoryStore creates a store that forgets terminal requests once they
// are older than retention past their deadline.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention < 0 {
		retention = 0
	}
	return &MemoryStore{requests: make(map[string]*Request), retention: retention}
}

func (s *MemoryStore) Create(ctx context.Context, req *Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, "verification request already exists")
	}
	s.requests[req.ID] = req.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return req.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn func(*Request) error) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	working := current.Clone()
	fnErr := fn(working)
	s.requests[id] = working.Clone()
	return working, fnErr
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
	return nil
}

func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for id, req := range s.requests {
		if !req.State.Terminal() && req.Expired(now) {
			req.State = StateExpired
			changed++
		}
		if req.State.Terminal() && now.After(req.ExpiresAt.Add(s.retention)) {
			delete(s.requests, id)
		}
	}
	return changed, nil
}

// Len 返回当前保存的请求数量。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

var _ RequestStore = (*MemoryStore)(nil)
