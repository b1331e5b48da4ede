package evloop

import (
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// EventLoopState transitions are monotonic: Fresh -> Started -> Stopping ->
// Stopped. A stopped loop can be started again, but never reset to Fresh.
type EventLoopState int32

const (
	EventLoopFresh EventLoopState = iota
	EventLoopStarted
	EventLoopStopping
	EventLoopStopped
)

type EventLoopConfig struct {
	Name            string
	Logger          *zerolog.Logger
	Clock           Clock
	EventBufferSize int
}

// EventLoop multiplexes network endpoints, timers and deferred work inside a
// single control goroutine. All callbacks execute on the goroutine that
// invokes Run; AddDelayedCallback is the only operation safe to call from
// another goroutine.
type EventLoop struct {
	Name string

	log             zerolog.Logger
	clock           Clock
	eventBufferSize int

	state       *atomic.Int32
	dispatching *atomic.Bool // reentrancy guard, set for the whole cycle

	poller  *netPoller
	timers  *timerHeap
	delayed delayedQueue

	sources  []EventSource
	removing map[EventSource]struct{}
}

func NewEventLoop(config EventLoopConfig) *EventLoop {
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	clock := config.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &EventLoop{
		Name:            config.Name,
		log:             logger,
		clock:           clock,
		eventBufferSize: config.EventBufferSize,
		state:           atomic.NewInt32(int32(EventLoopFresh)),
		dispatching:     atomic.NewBool(false),
		timers:          newTimerHeap(),
		removing:        make(map[EventSource]struct{}),
	}
}

func (el *EventLoop) State() EventLoopState {
	return EventLoopState(el.state.Load())
}

// Time domain of this loop. Tests may drive a manual clock, distinct from
// the clock the logger stamps with.

func (el *EventLoop) Now() time.Time { return el.clock.Now() }

func (el *EventLoop) NowMonotonic() time.Time { return el.clock.NowMonotonic() }

func (el *EventLoop) LocalUTCOffset() time.Duration { return el.clock.LocalUTCOffset() }

// Start opens the poller and starts every registered event source in
// registration order. The first source start failure aborts and is returned;
// sources started so far remain started and the caller is expected to Stop
// and Free the loop.
func (el *EventLoop) Start() error {
	s := el.State()
	if s != EventLoopFresh && s != EventLoopStopped {
		return ErrInvalidState
	}
	if el.log.Debug().Enabled() {
		el.log.Debug().Msgf("starting event loop:%s", el.Name)
	}
	poller, err := openPoller(el.eventBufferSize)
	if err != nil {
		el.log.Error().Msgf("can't open poller: %+v", err)
		return err
	}
	el.poller = poller
	el.state.Store(int32(EventLoopStarted))
	for _, es := range el.sources {
		if err = es.Start(el); err != nil {
			el.log.Error().Msgf("can't start event source %s: %+v", es.Name(), err)
			return err
		}
	}
	return nil
}

// Stop requests every source to stop and returns immediately. The loop keeps
// servicing cycles while Stopping and reports Stopped once the last source
// has wound down.
func (el *EventLoop) Stop() {
	if !el.state.CAS(int32(EventLoopStarted), int32(EventLoopStopping)) {
		el.log.Warn().Msgf("stop requested for event loop %s while not started", el.Name)
		return
	}
	for _, es := range el.sources {
		es.Stop()
	}
}

// Run executes one dispatch cycle: drain delayed callbacks, fire due timers,
// poll for at most timeout, dispatch I/O. It returns the wall-clock time at
// which the next timer becomes due (FarFuture if none). Nested invocations
// from inside a callback fail with ErrInternal.
func (el *EventLoop) Run(timeout time.Duration) (time.Time, error) {
	if !el.dispatching.CAS(false, true) {
		return time.Time{}, ErrInternal
	}
	defer el.dispatching.Store(false)

	s := el.State()
	if s != EventLoopStarted && s != EventLoopStopping {
		return time.Time{}, ErrInvalidState
	}

	// Delayed callbacks run first. The list is detached in one step so that
	// anything enqueued from inside a callback lands in the next cycle.
	for dc := el.delayed.detach(); dc != nil; {
		next := dc.next
		el.invoke(dc.Callback, dc.Application, dc.Data)
		dc = next
	}

	// The poll deadline is bounded by the caller and by the next timer, and
	// collapses to zero while anything is stopping.
	now := el.clock.NowMonotonic()
	deadline := timeout
	if next := el.timers.nextTime(); !next.Equal(FarFuture) {
		if until := next.Sub(now); until < deadline {
			deadline = until
		}
	}
	if deadline < 0 || el.windingDown() {
		deadline = 0
	}

	el.timers.process(now, func(e *timerEntry) {
		el.invoke(e.callback, e.application, e.data)
	})

	if _, err := el.poller.waitForEvents(deadline); err != nil {
		el.log.Error().Msgf("got error while waiting for the net events: %+v", err)
	}

	el.sweepDeregistered()

	if el.State() == EventLoopStopping && el.allSourcesStopped() {
		el.state.Store(int32(EventLoopStopped))
		if el.log.Debug().Enabled() {
			el.log.Debug().Msgf("event loop %s stopped", el.Name)
		}
	}
	return el.NextCyclicTime(), nil
}

// Free releases every owned resource. It fails unless the loop is Fresh or
// Stopped. Sources are freed in reverse registration order.
func (el *EventLoop) Free() error {
	s := el.State()
	if s != EventLoopFresh && s != EventLoopStopped {
		return ErrInvalidState
	}
	for i := len(el.sources) - 1; i >= 0; i-- {
		if err := el.sources[i].Free(); err != nil {
			el.log.Warn().Msgf("can't free event source %s: %+v", el.sources[i].Name(), err)
		}
	}
	el.sources = nil
	el.removing = make(map[EventSource]struct{})
	el.timers.clear()
	el.delayed.detach()
	if el.poller != nil {
		el.poller.close()
		el.poller = nil
	}
	return nil
}

// RegisterEventSource attaches a source to the loop. If the loop is already
// started the source starts immediately, otherwise it starts together with
// the loop.
func (el *EventLoop) RegisterEventSource(es EventSource) error {
	if el.FindEventSource(es.Name()) != nil {
		return ErrNameConflict
	}
	el.sources = append(el.sources, es)
	if el.State() == EventLoopStarted {
		return es.Start(el)
	}
	return nil
}

// DeregisterEventSource stops the source and removes it from the registry
// once it reports Stopped; removal may take further dispatch cycles.
// Deregistering an unknown source is a no-op.
func (el *EventLoop) DeregisterEventSource(es EventSource) {
	idx := -1
	for i, s := range el.sources {
		if s == es {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	if sourceBlocksStopping(es) {
		es.Stop()
		if sourceBlocksStopping(es) {
			el.removing[es] = struct{}{}
			return
		}
	}
	el.sources = append(el.sources[:idx], el.sources[idx+1:]...)
}

// FindEventSource returns the first source of that name, or nil.
func (el *EventLoop) FindEventSource(name string) EventSource {
	for _, es := range el.sources {
		if es.Name() == name {
			return es
		}
	}
	return nil
}

// Cyclic and delayed callbacks
// ~~~~~~~~~~~~~~~~~~~~~~~~~~~~

func (el *EventLoop) AddCyclicCallback(cb Callback, application, data interface{},
	interval time.Duration, baseTime *time.Time, policy TimerPolicy) (uint64, error) {
	return el.timers.addCyclic(cb, application, data, interval, baseTime, policy,
		el.clock.NowMonotonic())
}

func (el *EventLoop) ModifyCyclicCallback(id uint64, interval time.Duration,
	baseTime *time.Time, policy TimerPolicy) error {
	return el.timers.modifyCyclic(id, interval, baseTime, policy, el.clock.NowMonotonic())
}

func (el *EventLoop) RemoveCyclicCallback(id uint64) {
	el.timers.removeCyclic(id)
}

// AddTimedCallback schedules a one-shot callback for the given wall time.
func (el *EventLoop) AddTimedCallback(cb Callback, application, data interface{},
	when time.Time) (uint64, error) {
	mono := el.clock.NowMonotonic().Add(when.Sub(el.clock.Now()))
	return el.timers.addTimed(cb, application, data, mono)
}

// NextCyclicTime returns the wall-clock time of the next pending timer, or
// FarFuture if none is registered.
func (el *EventLoop) NextCyclicTime() time.Time {
	next := el.timers.nextTime()
	if next.Equal(FarFuture) {
		return FarFuture
	}
	return el.clock.Now().Add(next.Sub(el.clock.NowMonotonic()))
}

// AddDelayedCallback enqueues dc for the start of the next dispatch cycle
// and wakes the poller. This is the only loop operation that may be invoked
// from another goroutine.
func (el *EventLoop) AddDelayedCallback(dc *DelayedCallback) {
	el.delayed.push(dc)
	if p := el.poller; p != nil {
		if err := p.wake(); err != nil {
			el.log.Error().Msgf("can't wake poller: %+v", err)
		}
	}
}

// Descriptor registration for event sources. Only valid between Start and
// Free, on the dispatching goroutine.

func (el *EventLoop) registerFD(fd int, interest Interest, handler fdHandler) error {
	if el.poller == nil {
		return ErrInvalidState
	}
	return el.poller.register(fd, interest, handler)
}

func (el *EventLoop) modifyFD(fd int, interest Interest) error {
	if el.poller == nil {
		return ErrInvalidState
	}
	return el.poller.modify(fd, interest)
}

func (el *EventLoop) unregisterFD(fd int) error {
	if el.poller == nil {
		return ErrInvalidState
	}
	return el.poller.unregister(fd)
}

// invoke shields the dispatcher from panicking callbacks: log and continue.
func (el *EventLoop) invoke(cb Callback, application, data interface{}) {
	defer func() {
		if r := recover(); r != nil {
			el.log.Error().Msgf("recovered panic from callback: %+v", r)
		}
	}()
	if cb != nil {
		cb(application, data)
	}
}

func (el *EventLoop) windingDown() bool {
	if el.State() == EventLoopStopping {
		return true
	}
	for _, es := range el.sources {
		if es.State() == EventSourceStopping {
			return true
		}
	}
	return false
}

func (el *EventLoop) allSourcesStopped() bool {
	for _, es := range el.sources {
		if sourceBlocksStopping(es) {
			return false
		}
	}
	return true
}

func (el *EventLoop) sweepDeregistered() {
	if len(el.removing) == 0 {
		return
	}
	kept := el.sources[:0]
	for _, es := range el.sources {
		if _, ok := el.removing[es]; ok && !sourceBlocksStopping(es) {
			delete(el.removing, es)
			continue
		}
		kept = append(kept, es)
	}
	el.sources = kept
}
