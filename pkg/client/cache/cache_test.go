package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newStore(t *testing.T, ttl time.Duration) (*Store, *fakeClock) {
	t.Helper()
	s, err := New(t.TempDir(), ttl)
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.SetClock(clock.Now)
	return s, clock
}

const key = "business_analysis:listing-1"

func TestSaveLoad_RoundTrip(t *testing.T) {
	s, clock := newStore(t, time.Minute)

	require.NoError(t, s.Save(key, "running", snapshot{JobID: "j1", Status: "running", Progress: 55}))

	e, ok := s.Load(key)
	require.True(t, ok)
	assert.Equal(t, "running", e.Status)
	assert.True(t, e.Timestamp.Equal(clock.Now()))

	var got snapshot
	require.NoError(t, e.Decode(&got))
	assert.Equal(t, snapshot{JobID: "j1", Status: "running", Progress: 55}, got)
}

func TestLoad_Missing(t *testing.T) {
	s, _ := newStore(t, time.Minute)

	e, ok := s.Load("nope")
	assert.False(t, ok)
	assert.Nil(t, e)
}

func TestLoad_TTLBoundary(t *testing.T) {
	const ttl = 30 * time.Minute
	const eps = time.Second

	t.Run("just before expiry", func(t *testing.T) {
		s, clock := newStore(t, ttl)
		require.NoError(t, s.Save(key, "running", snapshot{JobID: "j1"}))

		clock.Advance(ttl - eps)
		_, ok := s.Load(key)
		assert.True(t, ok)
	})

	t.Run("just after expiry", func(t *testing.T) {
		s, clock := newStore(t, ttl)
		require.NoError(t, s.Save(key, "running", snapshot{JobID: "j1"}))

		clock.Advance(ttl + eps)
		_, ok := s.Load(key)
		assert.False(t, ok)

		_, err := os.Stat(s.path(key))
		assert.ErrorIs(t, err, os.ErrNotExist, "expired entry is evicted on read")

		clock.Advance(-2 * eps)
		_, ok = s.Load(key)
		assert.False(t, ok, "eviction is permanent")
	})
}

func TestSave_OverwritesAndRestampsEntry(t *testing.T) {
	s, clock := newStore(t, time.Minute)
	require.NoError(t, s.Save(key, "queued", snapshot{Status: "queued"}))

	clock.Advance(50 * time.Second)
	require.NoError(t, s.Save(key, "running", snapshot{Status: "running", Progress: 10}))
	clock.Advance(50 * time.Second)

	e, ok := s.Load(key)
	require.True(t, ok, "second save restarts the TTL")
	assert.Equal(t, "running", e.Status)
}

func TestLoad_CorruptEntryIsDropped(t *testing.T) {
	s, _ := newStore(t, time.Minute)
	require.NoError(t, os.WriteFile(s.path(key), []byte("{not json"), 0o644))

	_, ok := s.Load(key)
	assert.False(t, ok)
	assert.NoFileExists(t, s.path(key))
}

func TestDelete(t *testing.T) {
	s, _ := newStore(t, time.Minute)
	require.NoError(t, s.Save(key, "running", snapshot{}))

	require.NoError(t, s.Delete(key))
	_, ok := s.Load(key)
	assert.False(t, ok)

	assert.NoError(t, s.Delete(key), "missing keys are not an error")
}

func TestClearStale(t *testing.T) {
	s, clock := newStore(t, 10*time.Minute)
	require.NoError(t, s.Save("old-1", "succeeded", snapshot{}))
	require.NoError(t, s.Save("old-2", "failed", snapshot{}))
	clock.Advance(8 * time.Minute)
	require.NoError(t, s.Save("fresh", "running", snapshot{}))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), fileForKey("broken")), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "README"), []byte("not ours"), 0o644))

	clock.Advance(5 * time.Minute)
	n, err := s.ClearStale()

	require.NoError(t, err)
	assert.Equal(t, 3, n)
	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, keys)
	assert.FileExists(t, filepath.Join(s.Dir(), "README"))
}

func TestKeys_RoundTripAwkwardNames(t *testing.T) {
	s, _ := newStore(t, time.Minute)
	awkward := "due_diligence:listing/7?x=1 & y"
	require.NoError(t, s.Save(awkward, "queued", snapshot{}))

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{awkward}, keys)
}

func TestNewHotAndSessionCaches(t *testing.T) {
	root := t.TempDir()

	hot, err := NewHotCache(root)
	require.NoError(t, err)
	session, err := NewSessionCache(root)
	require.NoError(t, err)

	assert.Equal(t, HotTTL, hot.TTL())
	assert.Equal(t, SessionTTL, session.TTL())
	assert.NotEqual(t, hot.Dir(), session.Dir())

	require.NoError(t, hot.Save(key, "running", snapshot{}))
	_, ok := session.Load(key)
	assert.False(t, ok, "stores do not share entries")
}

func TestNew_RejectsNonPositiveTTL(t *testing.T) {
	_, err := New(t.TempDir(), 0)
	assert.Error(t, err)
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	first, err := New(dir, time.Hour)
	require.NoError(t, err)
	require.NoError(t, first.Save(key, "running", snapshot{JobID: "j1", Progress: 40}))

	second, err := New(dir, time.Hour)
	require.NoError(t, err)
	e, ok := second.Load(key)
	require.True(t, ok)

	var got snapshot
	require.NoError(t, e.Decode(&got))
	assert.Equal(t, 40, got.Progress)
}

// ─── Watch ───────────────────────────────────────────────────────────────────

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) add(c Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *changeLog) snapshot() []Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Change(nil), l.changes...)
}

func TestWatch_ReportsOtherWriters(t *testing.T) {
	dir := t.TempDir()
	mine, err := New(dir, time.Hour)
	require.NoError(t, err)
	theirs, err := New(dir, time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var log changeLog
	done, err := mine.Watch(ctx, log.add)
	require.NoError(t, err)
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, mine.Save("own", "running", snapshot{}))
	require.NoError(t, theirs.Save(key, "succeeded", snapshot{Status: "succeeded", Progress: 100}))

	require.Eventually(t, func() bool { return len(log.snapshot()) > 0 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(3 * watchDebounce)

	changes := log.snapshot()
	require.Len(t, changes, 1, "own writes are not reported")
	assert.Equal(t, key, changes[0].Key)
	require.NotNil(t, changes[0].Entry)
	assert.Equal(t, "succeeded", changes[0].Entry.Status)
}

func TestWatch_ReportsRemoval(t *testing.T) {
	dir := t.TempDir()
	mine, err := New(dir, time.Hour)
	require.NoError(t, err)
	theirs, err := New(dir, time.Hour)
	require.NoError(t, err)
	require.NoError(t, theirs.Save(key, "running", snapshot{}))

	ctx, cancel := context.WithCancel(context.Background())
	var log changeLog
	done, err := mine.Watch(ctx, log.add)
	require.NoError(t, err)
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, theirs.Delete(key))

	require.Eventually(t, func() bool {
		for _, c := range log.snapshot() {
			if c.Key == key && c.Entry == nil {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWatch_StopsWithContext(t *testing.T) {
	s, _ := newStore(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	done, err := s.Watch(ctx, func(Change) {})
	require.NoError(t, err)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not stop")
	}
}
