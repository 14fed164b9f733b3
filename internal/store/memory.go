package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/listingintel/pkg/models"
)

// MemoryStore keeps jobs and keys in process memory. Records are cloned on
// the way in and out, so callers never alias stored state.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*models.Job
	keys map[uuid.UUID]*models.APIKey
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[uuid.UUID]*models.Job),
		keys: make(map[uuid.UUID]*models.APIKey),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) CreateOrGet(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[job.ID]; ok && !existing.Status.IsTerminal() {
		return existing.Clone(), false, nil
	}
	s.jobs[job.ID] = job.Clone()
	return job.Clone(), true, nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) GetByKey(ctx context.Context, key models.JobKey) (*models.Job, error) {
	return s.Get(ctx, models.JobIDFor(key))
}

func (s *MemoryStore) Update(ctx context.Context, id uuid.UUID, fn func(*models.Job) error) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return current.Clone(), nil
		}
		return nil, err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if at.After(j.LastHeartbeat) {
		j.LastHeartbeat = at
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID, completedBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || !j.Status.IsTerminal() || j.CompletedAt == nil || !j.CompletedAt.Before(completedBefore) {
		return ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Job
	for _, j := range s.jobs {
		if filter.matches(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })

	if limit := normalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- API Keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			keys = append(keys, &c)
		}
	}
	return keys, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	k.UpdatedAt = now
	return nil
}

func (s *MemoryStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keys {
		if k.ID == key.ID || k.KeyHash == key.KeyHash {
			return ErrDuplicateKey
		}
	}
	c := *key
	s.keys[key.ID] = &c
	return nil
}
