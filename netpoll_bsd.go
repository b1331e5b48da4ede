//go:build darwin || freebsd || dragonfly
// +build darwin freebsd dragonfly

package evloop

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// netPoller wraps a kqueue instance. The wake pipe is written by
// cross-goroutine delayed-callback enqueues to interrupt a blocking wait.
type netPoller struct {
	fd     int
	wakeR  int
	wakeW  int
	events []unix.Kevent_t
	regs   map[int]*fdRegistration
}

func openPoller(eventsBufferSize int) (*netPoller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	var pipeFds [2]int
	if err = unix.Pipe(pipeFds[:]); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("pipe", err)
	}
	_ = unix.SetNonblock(pipeFds[0], true)
	_ = unix.SetNonblock(pipeFds[1], true)
	bufferSize := eventsBufferSize
	if bufferSize < defEventsBufferSize {
		bufferSize = defEventsBufferSize
	}
	p := &netPoller{
		fd:     fd,
		wakeR:  pipeFds[0],
		wakeW:  pipeFds[1],
		events: make([]unix.Kevent_t, bufferSize),
		regs:   make(map[int]*fdRegistration),
	}
	_, err = unix.Kevent(fd, []unix.Kevent_t{{
		Ident:  uint64(p.wakeR),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD,
	}}, nil, nil)
	if err != nil {
		p.close()
		return nil, os.NewSyscallError("kevent add", err)
	}
	return p, nil
}

func (p *netPoller) close() {
	_ = unix.Close(p.wakeR)
	_ = unix.Close(p.wakeW)
	_ = unix.Close(p.fd)
	p.regs = nil
}

func (p *netPoller) applyInterest(fd int, old, interest Interest) error {
	changes := make([]unix.Kevent_t, 0, 2)
	if old&InterestRead == 0 && interest&InterestRead != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD})
	} else if old&InterestRead != 0 && interest&InterestRead == 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	}
	if old&InterestWrite == 0 && interest&InterestWrite != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD})
	} else if old&InterestWrite != 0 && interest&InterestWrite == 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.fd, changes, nil, nil)
	if err != nil {
		return os.NewSyscallError("kevent", err)
	}
	return nil
}

func (p *netPoller) register(fd int, interest Interest, handler fdHandler) error {
	if err := p.applyInterest(fd, 0, interest); err != nil {
		return err
	}
	p.regs[fd] = &fdRegistration{fd: fd, interest: interest, handler: handler}
	return nil
}

func (p *netPoller) modify(fd int, interest Interest) error {
	reg, ok := p.regs[fd]
	if !ok {
		return ErrNotFound
	}
	if err := p.applyInterest(fd, reg.interest, interest); err != nil {
		return err
	}
	reg.interest = interest
	return nil
}

func (p *netPoller) unregister(fd int) error {
	reg, ok := p.regs[fd]
	if !ok {
		return ErrNotFound
	}
	delete(p.regs, fd)
	return p.applyInterest(fd, reg.interest, 0)
}

// wake interrupts a blocking wait from another goroutine.
func (p *netPoller) wake() error {
	_, err := unix.Write(p.wakeW, []byte{0})
	if err == unix.EAGAIN {
		// Pipe full, the poller is awake already.
		return nil
	}
	return os.NewSyscallError("write", err)
}

func (p *netPoller) drainWake() {
	var buf [64]byte
	for {
		if _, err := unix.Read(p.wakeR, buf[:]); err != nil {
			return
		}
	}
}

// waitForEvents blocks for at most timeout and dispatches readiness to the
// registered handlers. Spurious wakeups surface as a zero-event return.
func (p *netPoller) waitForEvents(timeout time.Duration) (int, error) {
	if timeout < 0 {
		timeout = 0
	}
	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	evCount, err := unix.Kevent(p.fd, nil, p.events, &ts)
	if err == unix.EINTR {
		return 0, nil
	} else if err != nil {
		return 0, os.NewSyscallError("kevent", err)
	}
	dispatched := 0
	for i := 0; i < evCount; i++ {
		event := p.events[i]
		fd := int(event.Ident)
		if fd == p.wakeR {
			p.drainWake()
			continue
		}
		// Look up per event: a handler earlier in the batch may have
		// unregistered this descriptor.
		reg, ok := p.regs[fd]
		if !ok {
			continue
		}
		readable := event.Filter == unix.EVFILT_READ || event.Flags&unix.EV_EOF != 0
		writable := event.Filter == unix.EVFILT_WRITE || event.Flags&unix.EV_EOF != 0
		reg.handler(fd, readable, writable)
		dispatched++
	}
	return dispatched, nil
}
