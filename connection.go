package evloop

import "github.com/eapache/queue"

// ConnectionState of a single managed connection. Closing is a one-way trap
// state: the connection stays in it until the final callback has returned
// and the record is released.
type ConnectionState int32

const (
	ConnectionListening ConnectionState = iota
	ConnectionConnecting
	ConnectionEstablished
	ConnectionClosing
)

// tcpConnection is owned by its connection manager. The id is stable for the
// manager's lifetime and distinct from the file descriptor, so it stays
// valid through descriptor reuse and close races.
type tcpConnection struct {
	id    uint64
	fd    int
	state ConnectionState

	// context is rewritable by the application through the callback's
	// double-indirection; it is read back from here after every callback.
	context interface{}

	remote   string
	listener *tcpConnection // owning listener for accepted connections

	current []byte       // send tail being flushed on write readiness
	pending *queue.Queue // further send buffers owned by the manager

	stats ConnectionStats
}

func (c *tcpConnection) hasBacklog() bool {
	return len(c.current) > 0 || c.pending.Length() > 0
}
