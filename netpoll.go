package evloop

const defEventsBufferSize = 64

// Interest selects the readiness a descriptor is polled for.
type Interest uint32

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

// fdHandler receives readiness for one registered descriptor. Error and
// hang-up conditions are reported as readable and writable so the owner can
// probe the socket and observe the failure itself.
type fdHandler func(fd int, readable, writable bool)

type fdRegistration struct {
	fd       int
	interest Interest
	handler  fdHandler
}
