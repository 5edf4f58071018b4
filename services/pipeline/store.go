package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// RunStore persists run snapshots. Suspension at an approval gate holds no
// in-process resources: the persisted snapshot is the whole state, so a
// process restart loses nothing.
type RunStore interface {
	Create(ctx context.Context, run Run) error
	Get(ctx context.Context, id uuid.UUID) (Run, error)
	Update(ctx context.Context, run Run) error
	List(ctx context.Context) ([]Run, error)
	// ListAwaiting returns runs suspended at an approval gate, oldest
	// gate request first.
	ListAwaiting(ctx context.Context) ([]Run, error)
}

// MemoryStore is an in-process RunStore used in tests and single-node dev
// deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]Run
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[uuid.UUID]Run)}
}

// Create stores a new run snapshot.
func (s *MemoryStore) Create(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
	return nil
}

// Get returns the run with the given ID.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return run.Clone(), nil
}

// Update replaces the stored snapshot for the run.
func (s *MemoryStore) Update(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

// List returns all runs, newest first.
func (s *MemoryStore) List(ctx context.Context) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListAwaiting returns runs suspended at a gate, oldest request first.
func (s *MemoryStore) ListAwaiting(ctx context.Context) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Run
	for _, run := range s.runs {
		if run.PendingApproval != GateNone {
			out = append(out, run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].GateRequestedAt, out[j].GateRequestedAt
		if a == nil || b == nil {
			return b == nil
		}
		return a.Before(*b)
	})
	return out, nil
}
