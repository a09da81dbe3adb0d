package virtual

import (
	"time"

	"camshare/internal/hal"
)

// Session is the slice of the camera session a virtual camera drives.
// *hal.Session satisfies it.
type Session interface {
	SyncSupported() bool
	Attach(ref hal.Ref) error
	Detach(ref hal.Ref)
	RequestFrame(ref hal.Ref, notAfter time.Time) (*hal.Fence, error)
	StreamStarting() error
	StreamEnding(ref hal.Ref)
	FrameDone(id hal.BufferID)
	ClaimMaster(ref hal.Ref) error
	ForceMaster(ref hal.Ref) error
	ReleaseMaster(ref hal.Ref) error
	SetParameter(ref hal.Ref, id hal.ParamID, value int32) (int32, error)
	Parameter(id hal.ParamID) (int32, error)
}

// Spec configures a new virtual camera.
type Spec struct {
	// AllowedBuffers is how many frames the camera may hold at once.
	// It sizes the frame queue and feeds the session's buffer demand.
	// Zero means one.
	AllowedBuffers int
	// FenceDelivery requests the fence-based delivery track. It is
	// ignored when the session has no synchronization support.
	FenceDelivery bool
	// EventBuffer sizes the notification inbox. Zero means eight.
	EventBuffer int
}
