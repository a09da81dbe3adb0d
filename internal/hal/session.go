package hal

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "frames_received",
		Namespace: "camshare",
		Help:      "number of frames delivered by the hardware",
	}, []string{"camera"})
	framesUnused = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "frames_unused",
		Namespace: "camshare",
		Help:      "number of frames returned to the hardware with no client acceptance",
	}, []string{"camera"})
	framesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "frames_skipped_sync",
		Namespace: "camshare",
		Help:      "number of fence-track deliveries re-queued to honour client frame pacing",
	}, []string{"camera"})
	clientsAttached = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "clients_attached",
		Namespace: "camshare",
		Help:      "number of client handles attached to the camera session",
	}, []string{"camera"})
	bufferDemand = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "buffer_demand",
		Namespace: "camshare",
		Help:      "in-flight buffer count last negotiated with the hardware",
	}, []string{"camera"})
)

// frameRequest is one client's outstanding ask for the next frame newer
// than notAfter.
type frameRequest struct {
	ref      Ref
	notAfter time.Time
}

// Session multiplexes one physical camera across any number of client
// handles. It exclusively owns the hardware session: it is the sole
// caller into the Driver and the sole receiver of hardware callbacks.
//
// A single mutex guards membership, the master slot, the stream state,
// the frame record table, the pending request queue and the timeline
// registry as one consistency unit. Driver calls and client Notify
// callbacks always happen outside the critical section; only the quick
// accept/reject DeliverFrame callback runs under it.
type Session struct {
	id          string
	driver      Driver
	syncSupport bool
	minInterval time.Duration
	created     time.Time

	mu        sync.Mutex
	clients   []Ref
	master    Ref
	state     StreamState
	demand    int
	frames    *frameTable
	pending   []frameRequest
	timelines map[string]*Timeline

	received uint64
	unused   uint64
	skipped  uint64
}

// New creates a session for the given physical camera. The driver is
// owned by the session from here on; nothing else may call it.
func New(id string, driver Driver, cfg Config) *Session {
	interval := cfg.MinFrameInterval
	if interval <= 0 {
		interval = defaultMinFrameInterval
	}
	s := &Session{
		id:          id,
		driver:      driver,
		syncSupport: cfg.SyncSupported,
		minInterval: interval,
		created:     time.Now(),
		demand:      1,
		frames:      newFrameTable(1),
		timelines:   make(map[string]*Timeline),
	}
	bufferDemand.WithLabelValues(id).Set(1)
	return s
}

// ID returns the physical camera identity this session owns.
func (s *Session) ID() string {
	return s.id
}

// SyncSupported reports whether the session offers fence-based delivery.
func (s *Session) SyncSupported() bool {
	return s.syncSupport
}

// Attach registers a client handle. The hardware buffer pool is grown to
// cover the new client's allowance first; if the hardware refuses, no
// attach state persists and the caller must discard the client.
func (s *Session) Attach(ref Ref) error {
	if ref == nil {
		log.Warn("ignoring attach with a nil client reference")
		return ErrInvalidArgument
	}
	client := ref.Resolve()
	if client == nil {
		log.Warnf("ignoring attach for already destroyed client %s", ref.ID())
		return ErrInvalidArgument
	}

	s.mu.Lock()
	demand := s.requiredFramesLocked(client.AllowedBuffers())
	s.mu.Unlock()

	if err := s.driver.SetMaxFramesInFlight(demand); err != nil {
		return fmt.Errorf("%w: resize to %d: %s", ErrResourceExhausted, demand, err)
	}

	s.mu.Lock()
	s.demand = demand
	s.frames.resize(demand)
	if s.syncSupport {
		if _, ok := s.timelines[ref.ID()]; !ok {
			s.timelines[ref.ID()] = NewTimeline()
		}
	}
	s.clients = append(s.clients, ref)
	attached := len(s.clients)
	s.mu.Unlock()

	clientsAttached.WithLabelValues(s.id).Set(float64(attached))
	bufferDemand.WithLabelValues(s.id).Set(float64(demand))
	log.Infof("camera %s attached client %s, in-flight buffer demand is now %d", s.id, ref.ID(), demand)
	return nil
}

// Detach removes a client handle. Detachment always succeeds: a failure
// to shrink the hardware buffer pool is logged and absorbed, the system
// tolerates over-provisioning.
func (s *Session) Detach(ref Ref) {
	if ref == nil {
		log.Warn("ignoring detach with a nil client reference")
		return
	}

	s.mu.Lock()
	if !s.removeClientLocked(ref.ID()) {
		log.Errorf("camera %s couldn't find client %s in its client list to remove it", s.id, ref.ID())
	}
	s.dropRequestsLocked(ref.ID())
	if tl, ok := s.timelines[ref.ID()]; ok {
		tl.ForceSignal()
		delete(s.timelines, ref.ID())
	}
	wasMaster := s.master != nil && s.master.ID() == ref.ID()
	if wasMaster {
		s.master = nil
	}
	demand := s.requiredFramesLocked(0)
	attached := len(s.clients)
	s.mu.Unlock()

	if err := s.driver.SetMaxFramesInFlight(demand); err != nil {
		log.WithError(err).Errorf("camera %s failed to reduce the in-flight buffer count", s.id)
	} else {
		s.mu.Lock()
		s.demand = demand
		s.frames.resize(demand)
		s.mu.Unlock()
		bufferDemand.WithLabelValues(s.id).Set(float64(demand))
	}
	clientsAttached.WithLabelValues(s.id).Set(float64(attached))

	if wasMaster {
		s.broadcast(Event{Kind: EventMasterReleased})
	}
}

// ImportBuffers hands a batch of caller-supplied buffers to the hardware
// and folds the accepted count into the frame table capacity. A failed
// import leaves the table untouched.
func (s *Session) ImportBuffers(bufs []Buffer) (int, error) {
	if len(bufs) == 0 {
		log.Debug("no external buffers to add")
		return 0, nil
	}

	accepted, err := s.driver.ImportBuffers(bufs)
	if err != nil {
		return 0, fmt.Errorf("%w: import external buffers: %s", ErrHardware, err)
	}

	s.mu.Lock()
	demand := s.requiredFramesLocked(accepted)
	s.demand = demand
	s.frames.resize(demand)
	s.mu.Unlock()

	bufferDemand.WithLabelValues(s.id).Set(float64(demand))
	return accepted, nil
}

// RequestFrame registers a fence-based ask for the next frame newer than
// notAfter. The returned fence is guaranteed to resolve: either a frame
// is delivered, or the client's teardown force-signals its timeline.
func (s *Session) RequestFrame(ref Ref, notAfter time.Time) (*Fence, error) {
	if !s.syncSupport {
		return nil, ErrUnsupported
	}
	if ref == nil || ref.Resolve() == nil {
		return nil, ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tl, ok := s.timelines[ref.ID()]
	if !ok {
		tl = NewTimeline()
		s.timelines[ref.ID()] = tl
	}
	fence := tl.Fence()
	s.pending = append(s.pending, frameRequest{ref: ref, notAfter: notAfter})
	return fence, nil
}

// StreamStarting starts the hardware stream on the first client's
// request. Calling it while the stream already runs is a no-op success.
func (s *Session) StreamStarting() error {
	s.mu.Lock()
	if s.state != StreamStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StreamRunning
	s.mu.Unlock()

	if err := s.driver.StartStream(s); err != nil {
		s.mu.Lock()
		s.state = StreamStopped
		s.mu.Unlock()
		return fmt.Errorf("%w: start stream: %s", ErrHardware, err)
	}
	log.Infof("camera %s stream started", s.id)
	return nil
}

// StreamEnding removes the client from fence delivery and membership,
// force-resolving any fence it still waits on, and stops the hardware
// stream once no attached client is streaming anymore.
func (s *Session) StreamEnding(ref Ref) {
	if ref == nil {
		log.Warn("ignoring stream-ending with a nil client reference")
		return
	}

	s.mu.Lock()
	s.dropRequestsLocked(ref.ID())
	if tl, ok := s.timelines[ref.ID()]; ok {
		tl.ForceSignal()
		delete(s.timelines, ref.ID())
	}
	s.removeClientLocked(ref.ID())
	attached := len(s.clients)

	stillStreaming := false
	for _, r := range s.clients {
		if c := r.Resolve(); c != nil && c.Streaming() {
			stillStreaming = true
			break
		}
	}
	stop := !stillStreaming && s.state == StreamRunning
	if stop {
		s.state = StreamStopping
	}
	s.mu.Unlock()

	clientsAttached.WithLabelValues(s.id).Set(float64(attached))
	if stop {
		log.Infof("camera %s has no streaming client left, stopping the hardware stream", s.id)
		s.driver.StopStream()
	}
}

// DeliverFrame is the single entry point for hardware-pushed frames. It
// fans the buffer out on the fence and direct tracks, then either tracks
// the resulting reference count or returns the buffer straight away when
// nobody accepted it.
func (s *Session) DeliverFrame(buf Buffer) {
	framesReceived.WithLabelValues(s.id).Inc()

	s.mu.Lock()
	s.received++

	deliveries := 0
	if s.syncSupport {
		// Swap the queue so requests arriving during the drain line up
		// for the next frame.
		current := s.pending
		s.pending = nil
		for _, req := range current {
			client := req.ref.Resolve()
			switch {
			case client == nil:
				// The client is already gone, drop its request.
			case buf.Timestamp.Sub(req.notAfter) < s.minInterval:
				// Too soon after the client's last frame, hold the
				// request for the next one.
				s.pending = append(s.pending, req)
				s.skipped++
				framesSkipped.WithLabelValues(s.id).Inc()
			case client.DeliverFrame(buf):
				if tl, ok := s.timelines[req.ref.ID()]; ok {
					tl.Signal()
				}
				deliveries++
			}
		}
	}

	for _, r := range s.clients {
		client := r.Resolve()
		if client == nil || (s.syncSupport && client.FenceDelivery()) {
			continue
		}
		if client.DeliverFrame(buf) {
			deliveries++
		}
	}

	if deliveries < 1 {
		s.unused++
		s.mu.Unlock()
		framesUnused.WithLabelValues(s.id).Inc()
		log.Debugf("camera %s rejecting buffer %d with no acceptance", s.id, buf.ID)
		s.driver.ReturnBuffer(buf.ID)
		return
	}

	s.frames.track(buf.ID, deliveries)
	s.mu.Unlock()
}

// FrameDone records one client's completion signal for a buffer. The
// buffer goes back to the hardware exactly when its last reference is
// released; unknown identifiers are logged and absorbed.
func (s *Session) FrameDone(id BufferID) {
	s.mu.Lock()
	found, released := s.frames.done(id)
	s.mu.Unlock()

	if !found {
		log.Errorf("camera %s got a completion for buffer %d it doesn't recognize", s.id, id)
		return
	}
	if released {
		s.driver.ReturnBuffer(id)
	}
}

// StreamEvent handles the hardware's asynchronous stream notifications
// and forwards them to every live client. The hardware is authoritative:
// an unexpected stop still lands the state machine in STOPPED.
func (s *Session) StreamEvent(ev Event) {
	if ev.Kind == EventStreamStopped {
		s.mu.Lock()
		if s.state != StreamStopping {
			log.Warnf("camera %s stream stopped unexpectedly", s.id)
		}
		s.state = StreamStopped
		s.mu.Unlock()
	}
	s.broadcast(ev)
}

// ClaimMaster grants the parameter-control role only while the slot is
// vacant. A master whose owner already destroyed it counts as vacant.
func (s *Session) ClaimMaster(ref Ref) error {
	if ref == nil || ref.Resolve() == nil {
		return ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.master != nil && s.master.Resolve() != nil {
		log.Infof("camera %s already has a master client", s.id)
		return ErrOwnershipConflict
	}
	s.master = ref
	log.Debugf("client %s becomes the master of camera %s", ref.ID(), s.id)
	return nil
}

// ForceMaster unconditionally installs the caller as master. A displaced
// master is notified exactly once, best effort.
func (s *Session) ForceMaster(ref Ref) error {
	if ref == nil || ref.Resolve() == nil {
		return ErrInvalidArgument
	}

	s.mu.Lock()
	prev := s.master
	if prev != nil && prev.ID() == ref.ID() {
		s.mu.Unlock()
		log.Debugf("client %s is already the master of camera %s", ref.ID(), s.id)
		return nil
	}
	s.master = ref
	s.mu.Unlock()

	if prev != nil {
		if c := prev.Resolve(); c != nil {
			log.Infof("high priority client %s steals the master role from %s", ref.ID(), prev.ID())
			if err := c.Notify(Event{Kind: EventMasterReleased}); err != nil {
				log.WithError(err).Error("failed to deliver the master role lost notification")
			}
		}
	}
	return nil
}

// ReleaseMaster vacates the slot if the caller holds it and tells every
// attached client the role is available again.
func (s *Session) ReleaseMaster(ref Ref) error {
	if ref == nil {
		return ErrInvalidArgument
	}

	s.mu.Lock()
	if s.master == nil || s.master.ID() != ref.ID() {
		s.mu.Unlock()
		return ErrNotMaster
	}
	s.master = nil
	s.mu.Unlock()

	log.Infof("client %s released the master role on camera %s", ref.ID(), s.id)
	s.broadcast(Event{Kind: EventMasterReleased})
	return nil
}

// SetParameter writes a camera parameter on behalf of the master. A
// non-master caller gets the current value back together with
// ErrNotMaster; its write is ignored.
func (s *Session) SetParameter(ref Ref, id ParamID, value int32) (int32, error) {
	s.mu.Lock()
	isMaster := ref != nil && s.master != nil && s.master.ID() == ref.ID()
	s.mu.Unlock()

	if !isMaster {
		log.Warnf("camera %s declines a parameter change from a non-master client", s.id)
		current, err := s.driver.Parameter(id)
		if err != nil {
			log.WithError(err).Errorf("camera %s failed to read back parameter %d", s.id, id)
		}
		return current, ErrNotMaster
	}

	applied, err := s.driver.SetParameter(id, value)
	if err != nil {
		return 0, fmt.Errorf("%w: set parameter %d: %s", ErrHardware, id, err)
	}
	s.broadcast(Event{Kind: EventParameterChanged, Param: id, Value: applied})
	return applied, nil
}

// Parameter reads a camera parameter. Reads are unrestricted.
func (s *Session) Parameter(id ParamID) (int32, error) {
	value, err := s.driver.Parameter(id)
	if err != nil {
		return 0, fmt.Errorf("%w: get parameter %d: %s", ErrHardware, id, err)
	}
	return value, nil
}

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	master := ""
	if s.master != nil {
		master = s.master.ID()
	}
	return SessionStats{
		ID:             s.id,
		Created:        s.created,
		State:          s.state,
		FramesReceived: s.received,
		FramesUnused:   s.unused,
		FramesSkipped:  s.skipped,
		Clients:        len(s.clients),
		BufferDemand:   s.demand,
		Master:         master,
		SyncSupported:  s.syncSupport,
	}
}

// Framerate returns the average frames per second since creation.
func (s *Session) Framerate() float64 {
	s.mu.Lock()
	received := s.received
	s.mu.Unlock()

	elapsed := time.Since(s.created).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(received) / elapsed
}

// Dump writes a human-readable description of the session state. This is
// advisory output for operators, not a machine-parsed protocol.
func (s *Session) Dump(w io.Writer) {
	stats := s.Stats()

	fmt.Fprintf(w, "Camera: %s\n", stats.ID)
	fmt.Fprintf(w, "\tCreated: %s (elapsed %s)\n", stats.Created.Format(time.RFC3339), time.Since(stats.Created).Round(time.Millisecond))
	fmt.Fprintf(w, "\tStream state: %s\n", stats.State)
	fmt.Fprintf(w, "\tFrames received: %d (%.2f fps)\n", stats.FramesReceived, s.Framerate())
	fmt.Fprintf(w, "\tFrames not used: %d\n", stats.FramesUnused)
	fmt.Fprintf(w, "\tFrames skipped to sync: %d\n", stats.FramesSkipped)
	fmt.Fprintf(w, "\tIn-flight buffer demand: %d\n", stats.BufferDemand)

	s.mu.Lock()
	type clientLine struct {
		id    string
		live  bool
		fence bool
	}
	lines := make([]clientLine, 0, len(s.clients))
	for _, r := range s.clients {
		_, fence := s.timelines[r.ID()]
		lines = append(lines, clientLine{id: r.ID(), live: r.Resolve() != nil, fence: fence})
	}
	s.mu.Unlock()

	fmt.Fprintf(w, "\tActive clients:\n")
	for _, line := range lines {
		fmt.Fprintf(w, "\t\tClient %s (live: %t, fence-based delivery: %t)\n", line.id, line.live, line.fence)
	}
	master := stats.Master
	if master == "" {
		master = "none"
	}
	fmt.Fprintf(w, "\tMaster client: %s\n", master)
	fmt.Fprintf(w, "\tSynchronization support: %t\n", stats.SyncSupported)
}

// requiredFramesLocked computes the aggregate in-flight buffer demand:
// the allowances of every live client, plus delta, never below one
// buffer even with no clients attached.
func (s *Session) requiredFramesLocked(delta int) int {
	count := 0
	for _, r := range s.clients {
		if c := r.Resolve(); c != nil {
			count += c.AllowedBuffers()
		}
	}
	count += delta
	if count < 1 {
		count = 1
	}
	return count
}

func (s *Session) removeClientLocked(id string) bool {
	for i, r := range s.clients {
		if r.ID() == id {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Session) dropRequestsLocked(id string) {
	kept := s.pending[:0]
	for _, req := range s.pending {
		if req.ref.ID() != id {
			kept = append(kept, req)
		}
	}
	s.pending = kept
}

// broadcast forwards an event to every live client, best effort.
func (s *Session) broadcast(ev Event) {
	s.mu.Lock()
	refs := make([]Ref, len(s.clients))
	copy(refs, s.clients)
	s.mu.Unlock()

	for _, r := range refs {
		client := r.Resolve()
		if client == nil {
			continue
		}
		if err := client.Notify(ev); err != nil {
			log.WithError(err).Infof("failed to forward an event to client %s", r.ID())
		}
	}
}
