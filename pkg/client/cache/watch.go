package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events one atomic write produces.
const watchDebounce = 50 * time.Millisecond

// Change describes an entry written or removed by another process. Entry is
// nil when the key was removed.
type Change struct {
	Key   string
	Entry *Entry
}

// Watch starts calling fn for every change another process makes to the
// store. It returns once the directory is being watched; the returned channel
// closes after ctx is done and the last callback has returned.
//
// Writes made through this Store are not reported; removals are, whatever
// their origin. Delivery is advisory: bursts are coalesced per key and fn
// sees the latest state.
func (s *Store) Watch(ctx context.Context, fn func(Change)) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating cache watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching cache dir: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.watchLoop(ctx, watcher, fn)
	}()
	return done, nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, fn func(Change)) {
	var (
		mu      sync.Mutex
		pending = make(map[string]*time.Timer)
		wg      sync.WaitGroup
	)
	schedule := func(key string) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := pending[key]; ok && t.Stop() {
			wg.Done()
		}
		wg.Add(1)
		var t *time.Timer
		t = time.AfterFunc(watchDebounce, func() {
			defer wg.Done()
			mu.Lock()
			if pending[key] == t {
				delete(pending, key)
			}
			mu.Unlock()
			if ctx.Err() != nil {
				return
			}
			s.deliver(key, fn)
		})
		pending[key] = t
	}

	defer func() {
		watcher.Close()
		mu.Lock()
		for _, t := range pending {
			if t.Stop() {
				wg.Done()
			}
		}
		mu.Unlock()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if key, ok := keyFromFile(filepath.Base(event.Name)); ok {
				schedule(key)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Debug("cache watcher error", "dir", s.dir, "error", err)
		}
	}
}

func (s *Store) deliver(key string, fn func(Change)) {
	s.mu.Lock()
	e, err := readEntry(s.path(key))
	s.mu.Unlock()

	switch {
	case errors.Is(err, os.ErrNotExist):
		fn(Change{Key: key})
	case err != nil:
		slog.Debug("skipping unreadable cache change", "key", key, "error", err)
	case e.Writer == s.id:
		// own write
	default:
		fn(Change{Key: key, Entry: e})
	}
}
