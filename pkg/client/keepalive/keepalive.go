// Package keepalive keeps long-running client work from going quiet while the
// process is in the background.
//
// Callers Acquire a reference for each operation that matters. While at least
// one reference is held, touch hooks run on a fixed interval, and a return to
// the foreground runs the resume hooks. Everything here is best effort.
package keepalive

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the touch period used when New is given zero.
const DefaultInterval = 20 * time.Second

const hookTimeout = 10 * time.Second

// Hook is called by the keep-alive. ctx carries a per-call timeout.
type Hook func(ctx context.Context)

// KeepAlive is a reference-counted ticker with visibility tracking. It is
// safe for concurrent use.
type KeepAlive struct {
	interval time.Duration

	mu      sync.Mutex
	count   int
	visible bool
	nextID  int
	touch   map[int]Hook
	resume  map[int]Hook
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a KeepAlive that starts out visible.
func New(interval time.Duration) *KeepAlive {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &KeepAlive{
		interval: interval,
		visible:  true,
		touch:    make(map[int]Hook),
		resume:   make(map[int]Hook),
	}
}

// Acquire takes a reference. The returned func releases it; calling it more
// than once has no further effect.
func (k *KeepAlive) Acquire() func() {
	k.mu.Lock()
	k.count++
	if k.count == 1 {
		k.startLocked()
	}
	k.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(k.release)
	}
}

func (k *KeepAlive) release() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.count--
	if k.count == 0 && k.stop != nil {
		k.stop()
		k.stop = nil
	}
}

// Count returns the number of references held.
func (k *KeepAlive) Count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.count
}

// OnTouch registers a hook run every interval while references are held.
// The returned func removes it.
func (k *KeepAlive) OnTouch(h Hook) func() {
	return k.add(k.touch, h)
}

// OnResume registers a hook run when the process becomes visible again while
// references are held. The returned func removes it.
func (k *KeepAlive) OnResume(h Hook) func() {
	return k.add(k.resume, h)
}

func (k *KeepAlive) add(set map[int]Hook, h Hook) func() {
	k.mu.Lock()
	defer k.mu.Unlock()
	id := k.nextID
	k.nextID++
	set[id] = h
	return func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		delete(set, id)
	}
}

// SetVisible records a foreground/background transition. Going from hidden
// to visible with references held runs the resume hooks before returning.
func (k *KeepAlive) SetVisible(visible bool) {
	k.mu.Lock()
	resumed := visible && !k.visible && k.count > 0
	k.visible = visible
	var hooks []Hook
	if resumed {
		hooks = snapshot(k.resume)
	}
	k.mu.Unlock()

	if !resumed {
		return
	}
	slog.Debug("keep-alive resume sweep", "hooks", len(hooks))
	runHooks(context.Background(), hooks)
}

// Visible reports the last visibility recorded.
func (k *KeepAlive) Visible() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.visible
}

// Close stops the ticker regardless of outstanding references and waits for
// a running touch to finish.
func (k *KeepAlive) Close() {
	k.mu.Lock()
	if k.stop != nil {
		k.stop()
		k.stop = nil
	}
	k.mu.Unlock()
	k.wg.Wait()
}

func (k *KeepAlive) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	k.stop = cancel
	k.wg.Add(1)
	go k.loop(ctx)
}

func (k *KeepAlive) loop(ctx context.Context) {
	defer k.wg.Done()

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.mu.Lock()
			hooks := snapshot(k.touch)
			k.mu.Unlock()
			runHooks(ctx, hooks)
		}
	}
}

func snapshot(set map[int]Hook) []Hook {
	hooks := make([]Hook, 0, len(set))
	for _, h := range set {
		hooks = append(hooks, h)
	}
	return hooks
}

// runHooks calls every hook concurrently and waits for all of them.
func runHooks(parent context.Context, hooks []Hook) {
	var wg sync.WaitGroup
	for _, h := range hooks {
		wg.Add(1)
		go func(h Hook) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("keep-alive hook panicked", "panic", r)
				}
			}()
			ctx, cancel := context.WithTimeout(parent, hookTimeout)
			defer cancel()
			h(ctx)
		}(h)
	}
	wg.Wait()
}
