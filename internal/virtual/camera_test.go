package virtual

import (
	"context"
	"errors"
	"testing"
	"time"

	"camshare/internal/hal"
	"camshare/internal/registry"
)

// fakeSession records the calls a virtual camera makes and drives fences
// through a real timeline.
type fakeSession struct {
	sync      bool
	attachErr error

	attached  []hal.Ref
	detached  []hal.Ref
	ended     []hal.Ref
	completed []hal.BufferID
	started   int

	timeline *hal.Timeline
	requests []time.Time
}

func newFakeSession(sync bool) *fakeSession {
	return &fakeSession{sync: sync, timeline: hal.NewTimeline()}
}

func (s *fakeSession) SyncSupported() bool { return s.sync }

func (s *fakeSession) Attach(ref hal.Ref) error {
	if s.attachErr != nil {
		return s.attachErr
	}
	s.attached = append(s.attached, ref)
	return nil
}

func (s *fakeSession) Detach(ref hal.Ref) {
	s.detached = append(s.detached, ref)
}

func (s *fakeSession) RequestFrame(ref hal.Ref, notAfter time.Time) (*hal.Fence, error) {
	if !s.sync {
		return nil, hal.ErrUnsupported
	}
	s.requests = append(s.requests, notAfter)
	return s.timeline.Fence(), nil
}

func (s *fakeSession) StreamStarting() error {
	s.started++
	return nil
}

func (s *fakeSession) StreamEnding(ref hal.Ref) {
	s.ended = append(s.ended, ref)
}

func (s *fakeSession) FrameDone(id hal.BufferID) {
	s.completed = append(s.completed, id)
}

func (s *fakeSession) ClaimMaster(_ hal.Ref) error   { return nil }
func (s *fakeSession) ForceMaster(_ hal.Ref) error   { return nil }
func (s *fakeSession) ReleaseMaster(_ hal.Ref) error { return nil }

func (s *fakeSession) SetParameter(_ hal.Ref, _ hal.ParamID, value int32) (int32, error) {
	return value, nil
}

func (s *fakeSession) Parameter(_ hal.ParamID) (int32, error) { return 0, nil }

func TestNewAttachesAndCloseDetaches(t *testing.T) {
	t.Parallel()

	session := newFakeSession(false)
	reg := registry.New()

	cam, err := New(session, reg, Spec{AllowedBuffers: 2})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if len(session.attached) != 1 {
		t.Fatalf("attach calls: got %d, want 1", len(session.attached))
	}
	if got := reg.Resolve(cam.ID()); got == nil {
		t.Fatal("camera not registered")
	}

	cam.Close()
	if len(session.detached) != 1 {
		t.Fatalf("detach calls: got %d, want 1", len(session.detached))
	}
	if got := reg.Resolve(cam.ID()); got != nil {
		t.Fatal("camera still registered after close")
	}

	// Close is idempotent.
	cam.Close()
	if len(session.detached) != 1 {
		t.Fatalf("detach calls after second close: got %d, want 1", len(session.detached))
	}
}

func TestNewDiscardsClientOnAttachFailure(t *testing.T) {
	t.Parallel()

	session := newFakeSession(false)
	session.attachErr = hal.ErrResourceExhausted
	reg := registry.New()

	if _, err := New(session, reg, Spec{}); !errors.Is(err, hal.ErrResourceExhausted) {
		t.Fatalf("new: got %v, want ErrResourceExhausted", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry entries after failed attach: got %d, want 0", reg.Len())
	}
}

func TestDeliverFrameAcceptance(t *testing.T) {
	t.Parallel()

	session := newFakeSession(false)
	cam, err := New(session, registry.New(), Spec{AllowedBuffers: 1})
	if err != nil {
		t.Fatal(err)
	}

	// Not streaming yet: deliveries are rejected.
	if cam.DeliverFrame(hal.Buffer{ID: 1}) {
		t.Fatal("frame accepted while stopped")
	}

	if err := cam.Start(); err != nil {
		t.Fatal(err)
	}
	if !cam.DeliverFrame(hal.Buffer{ID: 1}) {
		t.Fatal("frame rejected while streaming")
	}
	// The queue holds one frame; a second delivery must be rejected,
	// not queued behind the allowance.
	if cam.DeliverFrame(hal.Buffer{ID: 2}) {
		t.Fatal("frame accepted beyond the buffer allowance")
	}

	buf := <-cam.Frames()
	cam.Done(buf)
	if len(session.completed) != 1 || session.completed[0] != 1 {
		t.Fatalf("completions: got %v, want [1]", session.completed)
	}
}

func TestStopEndsStream(t *testing.T) {
	t.Parallel()

	session := newFakeSession(false)
	cam, err := New(session, registry.New(), Spec{})
	if err != nil {
		t.Fatal(err)
	}

	if err := cam.Start(); err != nil {
		t.Fatal(err)
	}
	if session.started != 1 {
		t.Fatalf("stream starts: got %d, want 1", session.started)
	}

	cam.Stop()
	if len(session.ended) != 1 {
		t.Fatalf("stream ends: got %d, want 1", len(session.ended))
	}
	if cam.Streaming() {
		t.Fatal("camera still reports streaming after stop")
	}
}

func TestNextFrameFenceFlow(t *testing.T) {
	t.Parallel()

	session := newFakeSession(true)
	cam, err := New(session, registry.New(), Spec{FenceDelivery: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := cam.Start(); err != nil {
		t.Fatal(err)
	}

	ts := time.Now()
	go func() {
		// The session delivers before advancing the timeline, same
		// ordering as hal.Session.DeliverFrame.
		cam.DeliverFrame(hal.Buffer{ID: 5, Timestamp: ts})
		session.timeline.Signal()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	buf, err := cam.NextFrame(ctx)
	if err != nil {
		t.Fatalf("next frame: %v", err)
	}
	if buf.ID != 5 {
		t.Fatalf("buffer: got %d, want 5", buf.ID)
	}

	// The consumed timestamp becomes the next request's watermark.
	go session.timeline.ForceSignal()
	shortCtx, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	if _, err := cam.NextFrame(shortCtx); err == nil {
		t.Fatal("next frame resolved without a delivery")
	}
	if len(session.requests) != 2 || !session.requests[1].Equal(ts) {
		t.Fatalf("watermark: got %v, want second request at %v", session.requests, ts)
	}
}

func TestNextFrameWithoutFenceCapability(t *testing.T) {
	t.Parallel()

	session := newFakeSession(false)
	cam, err := New(session, registry.New(), Spec{FenceDelivery: true})
	if err != nil {
		t.Fatal(err)
	}
	// FenceDelivery was requested but the session has no sync support.
	if cam.FenceDelivery() {
		t.Fatal("fence capability granted without session support")
	}
	if _, err := cam.NextFrame(context.Background()); !errors.Is(err, hal.ErrUnsupported) {
		t.Fatalf("next frame: got %v, want ErrUnsupported", err)
	}
}

func TestCloseReleasesQueuedFrames(t *testing.T) {
	t.Parallel()

	session := newFakeSession(false)
	cam, err := New(session, registry.New(), Spec{AllowedBuffers: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := cam.Start(); err != nil {
		t.Fatal(err)
	}
	cam.DeliverFrame(hal.Buffer{ID: 1})
	cam.DeliverFrame(hal.Buffer{ID: 2})

	cam.Close()
	if len(session.completed) != 2 {
		t.Fatalf("queued frames released: got %v, want two completions", session.completed)
	}
	if len(session.ended) != 1 {
		t.Fatalf("stream ends on close: got %d, want 1", len(session.ended))
	}
}
