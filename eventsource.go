package evloop

// EventSourceState tracks the lifecycle of a registered source. Stopping is
// asynchronous: a source may linger in EventSourceStopping across several
// dispatch cycles before it reports EventSourceStopped.
type EventSourceState int32

const (
	EventSourceFresh EventSourceState = iota
	EventSourceStopped
	EventSourceStarting
	EventSourceStarted
	EventSourceStopping
)

// EventSourceType tags the concrete kind of a source so it can be recovered
// after a FindEventSource lookup.
type EventSourceType int

const (
	EventSourceTypeAny EventSourceType = iota
	EventSourceTypeConnectionManager
	EventSourceTypeInterruptManager
)

// EventSource is a pluggable producer of events sharing the loop's poll.
// Sources are owned by the loop registry once registered; they hold no
// reference to the loop beyond the one passed to Start.
type EventSource interface {
	Name() string
	Type() EventSourceType
	State() EventSourceState
	Params() *KeyValueMap

	// Start attaches the source to a started loop. A source is Started only
	// while its owning loop is Started.
	Start(el *EventLoop) error
	// Stop is asynchronous; iterate the loop until State reports Stopped.
	Stop()
	// Free releases the source's resources. Fails unless the source is
	// Fresh or Stopped.
	Free() error
}

// sourceBlocksStopping reports whether the loop has to keep cycling before
// it can finish its own shutdown.
func sourceBlocksStopping(es EventSource) bool {
	switch es.State() {
	case EventSourceFresh, EventSourceStopped:
		return false
	}
	return true
}
