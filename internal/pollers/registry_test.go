package pollers_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/listingintel/internal/pollers"
	"github.com/kiranshivaraju/listingintel/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var key = models.JobKey{SubjectID: "listing-1", Type: models.JobTypeBusinessAnalysis}

func reg(id string) models.PollerRegistration {
	return models.PollerRegistration{JobKey: key, PollerID: id}
}

func TestMemoryRegistry_RegisterIsIdempotent(t *testing.T) {
	r := pollers.NewMemoryRegistry(time.Minute)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, reg("tab-a")))
	require.NoError(t, r.Register(ctx, reg("tab-a")))
	require.NoError(t, r.Register(ctx, reg("tab-b")))

	n, err := r.Count(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryRegistry_Unregister(t *testing.T) {
	r := pollers.NewMemoryRegistry(time.Minute)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, reg("tab-a")))
	require.NoError(t, r.Unregister(ctx, reg("tab-a")))
	require.NoError(t, r.Unregister(ctx, reg("never-registered")))

	active, err := r.HasActivePollers(ctx, key)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestMemoryRegistry_KeysAreIndependent(t *testing.T) {
	r := pollers.NewMemoryRegistry(time.Minute)
	ctx := context.Background()
	other := models.JobKey{SubjectID: "listing-1", Type: models.JobTypeBuyerMatch}

	require.NoError(t, r.Register(ctx, reg("tab-a")))

	active, err := r.HasActivePollers(ctx, other)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestMemoryRegistry_ExpiresStaleRegistrations(t *testing.T) {
	r := pollers.NewMemoryRegistry(time.Minute)
	ctx := context.Background()
	now := time.Now()
	r.SetClock(func() time.Time { return now })

	require.NoError(t, r.Register(ctx, reg("tab-a")))

	now = now.Add(30 * time.Second)
	require.NoError(t, r.Register(ctx, reg("tab-b")))

	now = now.Add(45 * time.Second)
	n, err := r.Count(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "tab-a was last seen 75s ago")
}

func TestMemoryRegistry_Concurrent(t *testing.T) {
	r := pollers.NewMemoryRegistry(time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%5))
			_ = r.Register(ctx, reg(id))
			_, _ = r.Count(ctx, key)
		}(i)
	}
	wg.Wait()

	n, err := r.Count(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

// fakeCache records member operations in memory.
type fakeCache struct {
	mu      sync.Mutex
	members map[string]map[string]time.Time
	ttls    map[string]time.Duration
	err     error
}

func newFakeCache() *fakeCache {
	return &fakeCache{members: map[string]map[string]time.Time{}, ttls: map[string]time.Duration{}}
}

func (f *fakeCache) Ping(ctx context.Context) error { return f.err }

func (f *fakeCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	return 0, f.err
}

func (f *fakeCache) TouchMember(ctx context.Context, key, member string, at time.Time, ttl time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[key] == nil {
		f.members[key] = map[string]time.Time{}
	}
	f.members[key][member] = at
	f.ttls[key] = ttl
	return nil
}

func (f *fakeCache) RemoveMember(ctx context.Context, key, member string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members[key], member)
	return nil
}

func (f *fakeCache) CountMembers(ctx context.Context, key string, since time.Time) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, at := range f.members[key] {
		if !at.Before(since) {
			n++
		}
	}
	return n, nil
}

func TestRedisRegistry_RoundTrip(t *testing.T) {
	fc := newFakeCache()
	r := pollers.NewRedisRegistry(fc, 90*time.Second)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, reg("tab-a")))
	require.NoError(t, r.Register(ctx, reg("tab-b")))

	n, err := r.Count(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 90*time.Second, fc.ttls["pollers:business_analysis:listing-1"])

	require.NoError(t, r.Unregister(ctx, reg("tab-a")))
	require.NoError(t, r.Unregister(ctx, reg("tab-b")))

	active, err := r.HasActivePollers(ctx, key)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestRedisRegistry_PropagatesErrors(t *testing.T) {
	fc := newFakeCache()
	fc.err = errors.New("connection refused")
	r := pollers.NewRedisRegistry(fc, 0)

	assert.Error(t, r.Register(context.Background(), reg("tab-a")))
	_, err := r.HasActivePollers(context.Background(), key)
	assert.Error(t, err)
}
