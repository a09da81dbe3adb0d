// Package sim provides an in-memory hardware camera driver. It honours
// the real driver contract (bounded buffer pool, asynchronous frame
// delivery, asynchronous stream-stopped confirmation, parameter store)
// so the service and its tests run end to end without hardware.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"camshare/internal/hal"
)

const (
	defaultPoolLimit     = 8
	defaultFrameInterval = 33 * time.Millisecond
)

// Config tunes a simulated camera.
type Config struct {
	// PoolLimit is the most buffers the camera can keep in flight.
	// Resize requests beyond it fail the way starved hardware would.
	// Zero means eight.
	PoolLimit int
	// FrameInterval paces frame generation. Zero means 33ms (~30fps).
	FrameInterval time.Duration
	// Params seeds the parameter store.
	Params map[hal.ParamID]int32
}

// Camera is a simulated hardware camera. It implements hal.Driver.
type Camera struct {
	id       string
	limit    int
	interval time.Duration

	mu      sync.Mutex
	max     int
	loaned  int
	nextID  hal.BufferID
	params  map[hal.ParamID]int32
	sink    hal.DriverSink
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// New creates a simulated camera with one in-flight buffer negotiated.
func New(id string, cfg Config) *Camera {
	limit := cfg.PoolLimit
	if limit < 1 {
		limit = defaultPoolLimit
	}
	interval := cfg.FrameInterval
	if interval <= 0 {
		interval = defaultFrameInterval
	}
	params := make(map[hal.ParamID]int32, len(cfg.Params))
	for k, v := range cfg.Params {
		params[k] = v
	}
	return &Camera{
		id:       id,
		limit:    limit,
		interval: interval,
		max:      1,
		params:   params,
	}
}

// SetMaxFramesInFlight negotiates the in-flight buffer count, refusing
// anything beyond the pool limit.
func (c *Camera) SetMaxFramesInFlight(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.limit {
		return fmt.Errorf("requested %d buffers, pool limit is %d", n, c.limit)
	}
	if n < 1 {
		n = 1
	}
	c.max = n
	return nil
}

// ImportBuffers folds externally allocated buffers into the pool, up to
// the pool limit, and reports how many fit.
func (c *Camera) ImportBuffers(bufs []hal.Buffer) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	accepted := len(bufs)
	if c.max+accepted > c.limit {
		accepted = c.limit - c.max
	}
	if accepted < 0 {
		accepted = 0
	}
	c.max += accepted
	return accepted, nil
}

// StartStream begins generating frames into the sink.
func (c *Camera) StartStream(sink hal.DriverSink) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("camera %s is already streaming", c.id)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.sink = sink
	c.cancel = cancel
	c.running = true
	c.wg.Add(1)
	c.mu.Unlock()

	go c.generate(ctx, sink)
	return nil
}

// StopStream asks the generator to stop. The confirmation arrives
// asynchronously as an EventStreamStopped on the sink.
func (c *Camera) StopStream() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ReturnBuffer puts a loaned buffer back into the pool.
func (c *Camera) ReturnBuffer(_ hal.BufferID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaned > 0 {
		c.loaned--
	}
}

// Parameter reads a parameter value.
func (c *Camera) Parameter(id hal.ParamID) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.params[id]
	if !ok {
		return 0, fmt.Errorf("camera %s has no parameter %d", c.id, id)
	}
	return value, nil
}

// SetParameter writes a parameter and returns the applied value.
func (c *Camera) SetParameter(id hal.ParamID, value int32) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.params[id]; !ok {
		return 0, fmt.Errorf("camera %s has no parameter %d", c.id, id)
	}
	c.params[id] = value
	return value, nil
}

func (c *Camera) generate(ctx context.Context, sink hal.DriverSink) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	seq := uint32(0)
	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.running = false
			c.cancel = nil
			c.mu.Unlock()
			sink.StreamEvent(hal.Event{Kind: hal.EventStreamStopped})
			log.Debugf("sim camera %s stream stopped", c.id)
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.loaned >= c.max {
				// Pool starved: real hardware skips frames until a
				// buffer comes back.
				c.mu.Unlock()
				continue
			}
			c.loaned++
			c.nextID++
			buf := hal.Buffer{
				ID:        c.nextID,
				Timestamp: time.Now(),
				Data:      []byte{byte(seq >> 24), byte(seq >> 16), byte(seq >> 8), byte(seq)},
			}
			seq++
			c.mu.Unlock()
			sink.DeliverFrame(buf)
		}
	}
}

// Wait blocks until the generator goroutine has exited. Intended for
// orderly shutdown after StopStream.
func (c *Camera) Wait() {
	c.wg.Wait()
}
