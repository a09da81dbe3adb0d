package sim

import (
	"sync"
	"testing"
	"time"

	"camshare/internal/hal"
)

type captureSink struct {
	mu     sync.Mutex
	frames []hal.Buffer
	events []hal.Event
}

func (s *captureSink) DeliverFrame(buf hal.Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, buf)
}

func (s *captureSink) StreamEvent(ev hal.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *captureSink) stopEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Kind == hal.EventStreamStopped {
			n++
		}
	}
	return n
}

func TestResizeRespectsPoolLimit(t *testing.T) {
	t.Parallel()

	cam := New("sim0", Config{PoolLimit: 4})
	if err := cam.SetMaxFramesInFlight(4); err != nil {
		t.Fatalf("resize within limit: %v", err)
	}
	if err := cam.SetMaxFramesInFlight(5); err == nil {
		t.Fatal("resize beyond the pool limit succeeded")
	}
}

func TestImportBuffersCapsAtLimit(t *testing.T) {
	t.Parallel()

	cam := New("sim0", Config{PoolLimit: 3})
	bufs := []hal.Buffer{{ID: 100}, {ID: 101}, {ID: 102}, {ID: 103}}
	accepted, err := cam.ImportBuffers(bufs)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if accepted != 2 {
		t.Fatalf("accepted: got %d, want 2 (1 negotiated + 2 imported = limit 3)", accepted)
	}
}

func TestStreamDeliversAndStops(t *testing.T) {
	t.Parallel()

	cam := New("sim0", Config{PoolLimit: 4, FrameInterval: time.Millisecond})
	if err := cam.SetMaxFramesInFlight(2); err != nil {
		t.Fatal(err)
	}

	sink := &captureSink{}
	if err := cam.StartStream(sink); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := cam.StartStream(sink); err == nil {
		t.Fatal("second start succeeded while streaming")
	}

	deadline := time.After(time.Second)
	for sink.frameCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("no frames generated")
		case <-time.After(time.Millisecond):
		}
	}

	// With two buffers loaned out and none returned, generation stalls.
	time.Sleep(10 * time.Millisecond)
	if got := sink.frameCount(); got != 2 {
		t.Fatalf("frames with a starved pool: got %d, want 2", got)
	}

	// Returning a buffer resumes delivery.
	cam.ReturnBuffer(sink.frames[0].ID)
	deadline = time.After(time.Second)
	for sink.frameCount() < 3 {
		select {
		case <-deadline:
			t.Fatal("generation did not resume after a buffer return")
		case <-time.After(time.Millisecond):
		}
	}

	cam.StopStream()
	cam.Wait()
	if got := sink.stopEvents(); got != 1 {
		t.Fatalf("stream stopped events: got %d, want 1", got)
	}

	// The camera can stream again after a stop.
	if err := cam.StartStream(sink); err != nil {
		t.Fatalf("restart: %v", err)
	}
	cam.StopStream()
	cam.Wait()
}

func TestParameters(t *testing.T) {
	t.Parallel()

	cam := New("sim0", Config{Params: map[hal.ParamID]int32{1: 128}})

	value, err := cam.Parameter(1)
	if err != nil || value != 128 {
		t.Fatalf("read: got %d, %v", value, err)
	}

	if _, err := cam.SetParameter(2, 10); err == nil {
		t.Fatal("write to an unknown parameter succeeded")
	}

	value, err = cam.SetParameter(1, 200)
	if err != nil || value != 200 {
		t.Fatalf("write: got %d, %v", value, err)
	}
}
