package hal

import (
	"context"
	"math"
	"sync"
)

// Timeline is a counter-based future shared by one client and its
// session. Fence reserves the next event slot, Signal advances the
// signalled watermark, and ForceSignal jumps it to the sentinel max so
// no waiter can block past client teardown.
type Timeline struct {
	mu       sync.Mutex
	reserved uint64
	signaled uint64
	advanced chan struct{}
}

// NewTimeline returns a timeline with no reserved or signalled events.
func NewTimeline() *Timeline {
	return &Timeline{advanced: make(chan struct{})}
}

// Fence reserves the next event slot and returns a fence that resolves
// once the slot is signalled.
func (t *Timeline) Fence() *Fence {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reserved++
	return &Fence{tl: t, target: t.reserved}
}

// Signal marks the next outstanding event as complete and wakes waiters.
func (t *Timeline) Signal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.signaled == math.MaxUint64 {
		return
	}
	t.signaled++
	t.wakeLocked()
}

// ForceSignal resolves every outstanding and future fence. Called when
// the owning client detaches before a matching frame arrives.
func (t *Timeline) ForceSignal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signaled = math.MaxUint64
	t.wakeLocked()
}

func (t *Timeline) wakeLocked() {
	close(t.advanced)
	t.advanced = make(chan struct{})
}

// Fence resolves when its reserved timeline slot is signalled.
type Fence struct {
	tl     *Timeline
	target uint64
}

// Ready reports whether the fence has resolved without blocking.
func (f *Fence) Ready() bool {
	f.tl.mu.Lock()
	defer f.tl.mu.Unlock()
	return f.tl.signaled >= f.target
}

// Wait blocks until the fence resolves or ctx is cancelled.
func (f *Fence) Wait(ctx context.Context) error {
	for {
		f.tl.mu.Lock()
		if f.tl.signaled >= f.target {
			f.tl.mu.Unlock()
			return nil
		}
		advanced := f.tl.advanced
		f.tl.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-advanced:
		}
	}
}
