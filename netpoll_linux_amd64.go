package evloop

import (
	"encoding/binary"
	"os"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	readEvents      = unix.EPOLLPRI | unix.EPOLLIN
	writeEvents     = unix.EPOLLOUT
	errorEvents     = unix.EPOLLERR | unix.EPOLLHUP
	readErrorEvents = readEvents | errorEvents
)

// netPoller wraps an epoll instance. The wake descriptor is an eventfd used
// by cross-goroutine delayed-callback enqueues to interrupt a blocking wait.
type netPoller struct {
	fd     int
	wakeFd int
	events []unix.EpollEvent
	regs   map[int]*fdRegistration
}

func openPoller(eventsBufferSize int) (*netPoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	bufferSize := eventsBufferSize
	if bufferSize < defEventsBufferSize {
		bufferSize = defEventsBufferSize
	}
	p := &netPoller{
		fd:     fd,
		wakeFd: wakeFd,
		events: make([]unix.EpollEvent, bufferSize),
		regs:   make(map[int]*fdRegistration),
	}
	err = unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wakeFd,
		&unix.EpollEvent{Fd: int32(wakeFd), Events: readEvents})
	if err != nil {
		p.close()
		return nil, os.NewSyscallError("epoll_ctl add", err)
	}
	return p, nil
}

func (p *netPoller) close() {
	_ = unix.Close(p.wakeFd)
	_ = unix.Close(p.fd)
	p.regs = nil
}

func epollEvents(interest Interest) uint32 {
	var events uint32 = errorEvents
	if interest&InterestRead != 0 {
		events |= readEvents
	}
	if interest&InterestWrite != 0 {
		events |= writeEvents
	}
	return events
}

func (p *netPoller) register(fd int, interest Interest, handler fdHandler) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd,
		&unix.EpollEvent{Fd: int32(fd), Events: epollEvents(interest)})
	if err != nil {
		return os.NewSyscallError("epoll_ctl add", err)
	}
	p.regs[fd] = &fdRegistration{fd: fd, interest: interest, handler: handler}
	return nil
}

func (p *netPoller) modify(fd int, interest Interest) error {
	reg, ok := p.regs[fd]
	if !ok {
		return ErrNotFound
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd,
		&unix.EpollEvent{Fd: int32(fd), Events: epollEvents(interest)})
	if err != nil {
		return os.NewSyscallError("epoll_ctl mod", err)
	}
	reg.interest = interest
	return nil
}

func (p *netPoller) unregister(fd int) error {
	delete(p.regs, fd)
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

// wake interrupts a blocking wait from another goroutine.
func (p *netPoller) wake() error {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, err := unix.Write(p.wakeFd, one[:])
	if err == unix.EAGAIN {
		// Counter saturated, the poller is awake already.
		return nil
	}
	return os.NewSyscallError("write", err)
}

func (p *netPoller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

// waitForEvents blocks for at most timeout and dispatches readiness to the
// registered handlers. Spurious wakeups surface as a zero-event return.
func (p *netPoller) waitForEvents(timeout time.Duration) (int, error) {
	msec := 0
	if timeout > 0 {
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	evCount, err := epollWait(p.fd, p.events, msec)
	if evCount < 0 && err == unix.EINTR {
		return 0, nil
	} else if err != nil {
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	dispatched := 0
	for i := 0; i < evCount; i++ {
		event := p.events[i]
		fd := int(event.Fd)
		if fd == p.wakeFd {
			p.drainWake()
			continue
		}
		// Look up per event: a handler earlier in the batch may have
		// unregistered this descriptor.
		reg, ok := p.regs[fd]
		if !ok {
			continue
		}
		readable := event.Events&readErrorEvents != 0
		writable := event.Events&(writeEvents|errorEvents) != 0
		reg.handler(fd, readable, writable)
		dispatched++
	}
	return dispatched, nil
}

func epollWait(epfd int, events []unix.EpollEvent, msec int) (n int, err error) {
	var r0 uintptr
	var _p0 = unsafe.Pointer(&events[0])
	if msec == 0 {
		r0, _, err = syscall.RawSyscall6(syscall.SYS_EPOLL_PWAIT, uintptr(epfd), uintptr(_p0), uintptr(len(events)), 0, 0, 0)
	} else {
		r0, _, err = syscall.Syscall6(syscall.SYS_EPOLL_PWAIT, uintptr(epfd), uintptr(_p0), uintptr(len(events)), uintptr(msec), 0, 0)
	}
	if err == syscall.Errno(0) {
		err = nil
	}
	return int(r0), err
}
