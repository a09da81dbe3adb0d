// Package virtual implements the client handle side of a shared camera:
// one independently-owned consumer of frames from a hal.Session. The
// camera registers itself with the client registry, attaches to the
// session, and keeps a bounded frame queue; a delivery that finds the
// queue full is rejected so the hardware buffer is never held hostage by
// a slow consumer.
package virtual

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"camshare/internal/hal"
	"camshare/internal/registry"
)

// Camera is one virtualized view of a physical camera. It implements
// hal.Client.
type Camera struct {
	id      string
	session Session
	ref     hal.Ref
	release func()
	allowed int
	fence   bool

	frames chan hal.Buffer
	events chan hal.Event

	mu        sync.Mutex
	streaming bool
	closed    bool
	notAfter  time.Time
}

// New registers a camera with the registry and attaches it to the
// session. On attach failure the client is discarded again and no state
// persists anywhere.
func New(session Session, reg *registry.Registry, spec Spec) (*Camera, error) {
	allowed := spec.AllowedBuffers
	if allowed < 1 {
		allowed = 1
	}
	eventBuffer := spec.EventBuffer
	if eventBuffer < 1 {
		eventBuffer = 8
	}

	c := &Camera{
		id:      uuid.NewString(),
		session: session,
		allowed: allowed,
		fence:   spec.FenceDelivery && session.SyncSupported(),
		frames:  make(chan hal.Buffer, allowed),
		events:  make(chan hal.Event, eventBuffer),
	}

	c.ref = reg.Register(c)
	c.release = func() { reg.Release(c.id) }

	if err := session.Attach(c.ref); err != nil {
		c.release()
		return nil, err
	}
	return c, nil
}

// ID returns the camera's registry identity.
func (c *Camera) ID() string { return c.id }

// AllowedBuffers reports this camera's in-flight buffer allowance.
func (c *Camera) AllowedBuffers() int { return c.allowed }

// FenceDelivery reports whether the camera receives frames through the
// fence track.
func (c *Camera) FenceDelivery() bool { return c.fence }

// Streaming reports whether the camera currently wants the stream.
func (c *Camera) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// DeliverFrame accepts the frame into the queue, or rejects it when the
// camera is not streaming or the queue is full. Called by the session
// under its lock, so it never blocks.
func (c *Camera) DeliverFrame(buf hal.Buffer) bool {
	c.mu.Lock()
	streaming := c.streaming && !c.closed
	c.mu.Unlock()
	if !streaming {
		return false
	}

	select {
	case c.frames <- buf:
		return true
	default:
		return false
	}
}

// Notify drops the event into the inbox, best effort.
func (c *Camera) Notify(ev hal.Event) error {
	select {
	case c.events <- ev:
		return nil
	default:
		return errors.New("event inbox full")
	}
}

// Frames exposes the delivery queue. Every received buffer must be
// handed back with Done.
func (c *Camera) Frames() <-chan hal.Buffer { return c.frames }

// Events exposes the notification inbox.
func (c *Camera) Events() <-chan hal.Event { return c.events }

// Done releases one delivered buffer back towards the hardware.
func (c *Camera) Done(buf hal.Buffer) {
	c.session.FrameDone(buf.ID)
}

// Start marks the camera streaming and asks the session to start the
// hardware stream if it isn't running yet.
func (c *Camera) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return hal.ErrInvalidArgument
	}
	if c.streaming {
		c.mu.Unlock()
		return nil
	}
	c.streaming = true
	c.mu.Unlock()

	if err := c.session.StreamStarting(); err != nil {
		c.mu.Lock()
		c.streaming = false
		c.mu.Unlock()
		return err
	}
	return nil
}

// Stop ends this camera's interest in the stream. The session stops the
// hardware once no other client streams.
func (c *Camera) Stop() {
	c.mu.Lock()
	if !c.streaming {
		c.mu.Unlock()
		return
	}
	c.streaming = false
	c.mu.Unlock()

	c.session.StreamEnding(c.ref)
}

// NextFrame asks for the next frame newer than the last one this camera
// consumed and blocks on the fence until it arrives or ctx ends.
func (c *Camera) NextFrame(ctx context.Context) (hal.Buffer, error) {
	if !c.fence {
		return hal.Buffer{}, hal.ErrUnsupported
	}

	c.mu.Lock()
	notAfter := c.notAfter
	c.mu.Unlock()

	fence, err := c.session.RequestFrame(c.ref, notAfter)
	if err != nil {
		return hal.Buffer{}, err
	}
	if err := fence.Wait(ctx); err != nil {
		return hal.Buffer{}, err
	}

	select {
	case buf := <-c.frames:
		c.mu.Lock()
		c.notAfter = buf.Timestamp
		c.mu.Unlock()
		return buf, nil
	case <-ctx.Done():
		return hal.Buffer{}, ctx.Err()
	}
}

// ClaimMaster asks for the parameter-control role.
func (c *Camera) ClaimMaster() error { return c.session.ClaimMaster(c.ref) }

// ForceMaster takes the parameter-control role unconditionally.
func (c *Camera) ForceMaster() error { return c.session.ForceMaster(c.ref) }

// ReleaseMaster gives the parameter-control role up.
func (c *Camera) ReleaseMaster() error { return c.session.ReleaseMaster(c.ref) }

// SetParameter writes a camera parameter through the session.
func (c *Camera) SetParameter(id hal.ParamID, value int32) (int32, error) {
	return c.session.SetParameter(c.ref, id, value)
}

// Parameter reads a camera parameter.
func (c *Camera) Parameter(id hal.ParamID) (int32, error) {
	return c.session.Parameter(id)
}

// Close ends streaming, detaches from the session and destroys the
// registry entry. Undelivered frames still in the queue are released.
func (c *Camera) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	streaming := c.streaming
	c.streaming = false
	c.mu.Unlock()

	if streaming {
		c.session.StreamEnding(c.ref)
	}
	c.session.Detach(c.ref)

	for {
		select {
		case buf := <-c.frames:
			c.session.FrameDone(buf.ID)
		default:
			c.release()
			log.Debugf("virtual camera %s closed", c.id)
			return
		}
	}
}
