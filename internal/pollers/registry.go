// Package pollers tracks which client instances are currently watching a job.
// A running job with no registered pollers and a stale heartbeat is treated
// as abandoned by the reaper.
package pollers

import (
	"context"
	"sync"
	"time"

	"github.com/kiranshivaraju/listingintel/internal/cache"
	"github.com/kiranshivaraju/listingintel/pkg/models"
)

// DefaultTTL is how long a registration survives without being refreshed.
const DefaultTTL = 2 * time.Minute

// Registry is the poller membership interface. Register is idempotent and
// refreshes the registration's last-seen time.
type Registry interface {
	Register(ctx context.Context, reg models.PollerRegistration) error
	Unregister(ctx context.Context, reg models.PollerRegistration) error
	HasActivePollers(ctx context.Context, key models.JobKey) (bool, error)
	Count(ctx context.Context, key models.JobKey) (int, error)
}

// MemoryRegistry keeps registrations in process memory.
type MemoryRegistry struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	pollers map[models.JobKey]map[string]time.Time
}

// NewMemoryRegistry creates a MemoryRegistry. A non-positive ttl uses DefaultTTL.
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryRegistry{
		ttl:     ttl,
		now:     time.Now,
		pollers: make(map[models.JobKey]map[string]time.Time),
	}
}

// SetClock overrides the time source. Intended for tests.
func (r *MemoryRegistry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryRegistry) Register(ctx context.Context, reg models.PollerRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.pollers[reg.JobKey]
	if !ok {
		set = make(map[string]time.Time)
		r.pollers[reg.JobKey] = set
	}
	set[reg.PollerID] = r.now()
	return nil
}

func (r *MemoryRegistry) Unregister(ctx context.Context, reg models.PollerRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.pollers[reg.JobKey]
	if !ok {
		return nil
	}
	delete(set, reg.PollerID)
	if len(set) == 0 {
		delete(r.pollers, reg.JobKey)
	}
	return nil
}

func (r *MemoryRegistry) HasActivePollers(ctx context.Context, key models.JobKey) (bool, error) {
	n, err := r.Count(ctx, key)
	return n > 0, err
}

func (r *MemoryRegistry) Count(ctx context.Context, key models.JobKey) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.pollers[key]
	if !ok {
		return 0, nil
	}
	cutoff := r.now().Add(-r.ttl)
	for id, seen := range set {
		if seen.Before(cutoff) {
			delete(set, id)
		}
	}
	if len(set) == 0 {
		delete(r.pollers, key)
	}
	return len(set), nil
}

// RedisRegistry shares registrations across server instances through the
// cache's member sets.
type RedisRegistry struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewRedisRegistry creates a RedisRegistry. A non-positive ttl uses DefaultTTL.
func NewRedisRegistry(c cache.Cache, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisRegistry{cache: c, ttl: ttl}
}

func (r *RedisRegistry) Register(ctx context.Context, reg models.PollerRegistration) error {
	return r.cache.TouchMember(ctx, cache.PollersKey(reg.JobKey), reg.PollerID, time.Now(), r.ttl)
}

func (r *RedisRegistry) Unregister(ctx context.Context, reg models.PollerRegistration) error {
	return r.cache.RemoveMember(ctx, cache.PollersKey(reg.JobKey), reg.PollerID)
}

func (r *RedisRegistry) HasActivePollers(ctx context.Context, key models.JobKey) (bool, error) {
	n, err := r.Count(ctx, key)
	return n > 0, err
}

func (r *RedisRegistry) Count(ctx context.Context, key models.JobKey) (int, error) {
	n, err := r.cache.CountMembers(ctx, cache.PollersKey(key), time.Now().Add(-r.ttl))
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
