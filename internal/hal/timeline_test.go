package hal

import (
	"context"
	"testing"
	"time"
)

func TestFenceSignalOrder(t *testing.T) {
	t.Parallel()

	tl := NewTimeline()
	first := tl.Fence()
	second := tl.Fence()

	if first.Ready() || second.Ready() {
		t.Fatal("fences ready before any signal")
	}

	tl.Signal()
	if !first.Ready() {
		t.Fatal("first fence not ready after one signal")
	}
	if second.Ready() {
		t.Fatal("second fence ready after one signal")
	}

	tl.Signal()
	if !second.Ready() {
		t.Fatal("second fence not ready after two signals")
	}
}

func TestFenceWaitUnblocksOnSignal(t *testing.T) {
	t.Parallel()

	tl := NewTimeline()
	fence := tl.Fence()

	done := make(chan error, 1)
	go func() {
		done <- fence.Wait(context.Background())
	}()

	tl.Signal()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("fence wait did not unblock on signal")
	}
}

func TestForceSignalResolvesOutstandingAndFutureFences(t *testing.T) {
	t.Parallel()

	tl := NewTimeline()
	outstanding := tl.Fence()

	tl.ForceSignal()
	if !outstanding.Ready() {
		t.Fatal("outstanding fence not resolved by force-signal")
	}

	// Even a fence reserved after teardown resolves: no waiter may
	// block past the owning client's destruction.
	late := tl.Fence()
	if !late.Ready() {
		t.Fatal("late fence not resolved after force-signal")
	}
}

func TestFenceWaitHonoursContext(t *testing.T) {
	t.Parallel()

	tl := NewTimeline()
	fence := tl.Fence()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := fence.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("wait: got %v, want deadline exceeded", err)
	}
}
