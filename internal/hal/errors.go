package hal

import "errors"

var (
	// ErrInvalidArgument reports a nil or unrecognized client reference
	// in a mutating call.
	ErrInvalidArgument = errors.New("invalid client reference")
	// ErrOwnershipConflict reports a master claim while another client
	// holds the slot.
	ErrOwnershipConflict = errors.New("camera already has a master client")
	// ErrNotMaster reports a parameter write or master release from a
	// client that does not hold the master slot.
	ErrNotMaster = errors.New("caller is not the master client")
	// ErrResourceExhausted reports that the hardware declined the
	// requested in-flight buffer count.
	ErrResourceExhausted = errors.New("hardware declined buffer count")
	// ErrUnsupported reports a fence request on a session without
	// synchronization support.
	ErrUnsupported = errors.New("fence-based delivery not supported")
	// ErrHardware wraps any underlying driver failure.
	ErrHardware = errors.New("hardware call failed")
)
