package hal

import (
	"time"
)

// BufferID identifies one hardware-owned capture buffer while it is on
// loan to the multiplexer and its clients.
type BufferID uint64

// Buffer describes a single delivered frame. The payload is opaque to the
// multiplexer; only the ID and timestamp participate in bookkeeping.
type Buffer struct {
	ID        BufferID
	Timestamp time.Time
	Data      []byte
}

// ParamID identifies a camera control parameter (brightness, gain, ...).
type ParamID int32

// EventKind enumerates the asynchronous notifications a session forwards
// to its clients.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventStreamStarted
	EventStreamStopped
	EventFrameDropped
	EventMasterReleased
	EventParameterChanged
)

// Event is an asynchronous notification, either originating from the
// hardware stream or synthesized by the session (master/parameter
// changes).
type Event struct {
	Kind  EventKind
	Param ParamID
	Value int32
}

// StreamState tracks the hardware video stream lifecycle.
type StreamState int

const (
	StreamStopped StreamState = iota
	StreamRunning
	StreamStopping
)

func (s StreamState) String() string {
	switch s {
	case StreamStopped:
		return "STOPPED"
	case StreamRunning:
		return "RUNNING"
	case StreamStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// Driver is the hardware camera interface the session drives. All calls
// are synchronous from the session's point of view and may block on the
// underlying transport; the session never holds its lock across them.
type Driver interface {
	// SetMaxFramesInFlight asks the hardware to keep n buffers available.
	SetMaxFramesInFlight(n int) error
	// ImportBuffers hands pre-allocated buffers to the hardware and
	// reports how many were actually accepted.
	ImportBuffers(bufs []Buffer) (int, error)
	// StartStream begins frame delivery into the sink.
	StartStream(sink DriverSink) error
	// StopStream requests an asynchronous stream stop; the hardware
	// confirms with an EventStreamStopped through the sink.
	StopStream()
	// ReturnBuffer gives a buffer back to the hardware.
	ReturnBuffer(id BufferID)
	// Parameter reads a camera parameter.
	Parameter(id ParamID) (int32, error)
	// SetParameter writes a camera parameter and returns the value the
	// hardware actually applied.
	SetParameter(id ParamID, value int32) (int32, error)
}

// DriverSink receives the hardware's asynchronous callbacks. *Session
// implements it.
type DriverSink interface {
	DeliverFrame(buf Buffer)
	StreamEvent(ev Event)
}

// Client is the capability interface a session uses to talk back to an
// attached consumer. DeliverFrame must be a quick accept/reject decision;
// an accepting client owns the buffer until it calls Session.FrameDone.
type Client interface {
	ID() string
	// AllowedBuffers is the number of buffers this client may hold
	// simultaneously; it feeds the aggregate in-flight demand.
	AllowedBuffers() int
	// FenceDelivery reports whether this client receives frames through
	// the fence track (RequestFrame) rather than the direct track.
	FenceDelivery() bool
	// Streaming reports whether the client still wants the stream running.
	Streaming() bool
	DeliverFrame(buf Buffer) bool
	Notify(ev Event) error
}

// Ref is a non-owning reference to a Client. The session never owns its
// clients; it resolves a Ref on every use and silently skips entries
// whose owner has already destroyed them.
type Ref interface {
	ID() string
	// Resolve returns the live client, or nil once it is gone.
	Resolve() Client
}

// defaultMinFrameInterval matches the frame pacing of a nominal 60fps
// source; frames arriving closer together than this are re-queued for
// fence-based clients.
const defaultMinFrameInterval = 16 * time.Millisecond

// Config carries per-session policy knobs.
type Config struct {
	// SyncSupported enables the fence/timeline delivery track.
	SyncSupported bool
	// MinFrameInterval is the minimum spacing between two fence-track
	// deliveries to the same client. Zero selects the 16ms default.
	MinFrameInterval time.Duration
}

// SessionStats is a point-in-time snapshot of a session's counters,
// exposed for diagnostics.
type SessionStats struct {
	ID             string
	Created        time.Time
	State          StreamState
	FramesReceived uint64
	FramesUnused   uint64
	FramesSkipped  uint64
	Clients        int
	BufferDemand   int
	Master         string
	SyncSupported  bool
}
