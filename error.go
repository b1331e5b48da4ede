package evloop

import "errors"

// Status surface of the loop and its event sources. A nil error means "good".
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidState       = errors.New("operation not allowed in current state")
	ErrNameConflict       = errors.New("event source name already registered")
	ErrNotFound           = errors.New("not found")
	ErrOutOfResources     = errors.New("out of resources")
	ErrConnectionRejected = errors.New("connection rejected")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrInternal           = errors.New("internal error")
)
