package manager

type EventType int

const (
	EventTypeUnknown EventType = iota
	EventTypeStartCamera
	EventTypeStopCamera
)

// Meta is the operator-editable state of one physical camera, persisted
// across restarts.
type Meta struct {
	Id      string
	Name    string
	Enabled bool
}

// Event announces a camera becoming available or unavailable for
// clients.
type Event struct {
	Type EventType
	Meta *Meta
}
