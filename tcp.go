package evloop

import (
	"os"
	"syscall"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// Parameters understood by the TCP connection manager (namespace 0).
// Unknown, non-mandatory parameters are ignored without error.
var (
	ParamListenPort      = QN(0, "listen-port")
	ParamListenHostnames = QN(0, "listen-hostnames")
	ParamRecvBufSize     = QN(0, "recv-bufsize")
	ParamHostname        = QN(0, "hostname")
	ParamPort            = QN(0, "port")
	ParamRemoteHostname  = QN(0, "remote-hostname")
)

const defRecvBufSize = 16384

// ConnectionCallback is the only interface from a connection back to the
// application.
//
// The connection id is announced to the application the first time it
// appears here. The context points into the connection's storage and may be
// replaced by the callback. A status other than nil means this is the last
// callback for the connection and the application should clean up the
// context. The msg slice is borrowed and only valid until the callback
// returns.
type ConnectionCallback func(cm *TCPConnectionManager, connectionID uint64,
	connectionContext *interface{}, status error, params *KeyValueMap, msg []byte)

// TCPConnectionManager is an event source owning listening endpoints and
// live stream connections. It translates poller readiness into application
// callbacks. All methods assume the dispatch goroutine.
type TCPConnectionManager struct {
	// ConnectionCallback receives every announcement, message and final
	// close. Set it before the manager starts.
	ConnectionCallback ConnectionCallback

	// InitialConnectionContext seeds the context of connections created by
	// listening. Outbound connections carry the context given to
	// OpenConnection instead.
	InitialConnectionContext interface{}

	name   string
	params *KeyValueMap
	state  *atomic.Int32
	nextID *atomic.Uint64

	el        *EventLoop
	log       zerolog.Logger
	resolver  *resolver
	alloc     *bufferAllocator
	recvBuf   []byte
	conns     map[uint64]*tcpConnection
	listeners []*tcpConnection
}

func NewTCPConnectionManager(name string) *TCPConnectionManager {
	return &TCPConnectionManager{
		name:   name,
		params: NewKeyValueMap(),
		state:  atomic.NewInt32(int32(EventSourceFresh)),
		nextID: atomic.NewUint64(0),
		alloc:  newBufferAllocator(),
		conns:  make(map[uint64]*tcpConnection),
	}
}

func (cm *TCPConnectionManager) Name() string { return cm.name }

func (cm *TCPConnectionManager) Type() EventSourceType { return EventSourceTypeConnectionManager }

func (cm *TCPConnectionManager) State() EventSourceState {
	return EventSourceState(cm.state.Load())
}

func (cm *TCPConnectionManager) Params() *KeyValueMap { return cm.params }

// Start reads the listen configuration and opens the listening sockets. If
// only some endpoints of a multi-homed configuration fail, the manager still
// starts and the failures are logged; if every endpoint fails, Start fails
// and the manager reverts to Stopped.
func (cm *TCPConnectionManager) Start(el *EventLoop) error {
	s := cm.State()
	if s != EventSourceFresh && s != EventSourceStopped {
		return ErrInvalidState
	}
	cm.state.Store(int32(EventSourceStarting))
	cm.el = el
	cm.log = el.log.With().Str("eventsource", cm.name).Logger()

	if cm.resolver == nil {
		r, err := newResolver(cm.log)
		if err != nil {
			cm.state.Store(int32(EventSourceStopped))
			return err
		}
		cm.resolver = r
	}

	bufSize, ok := cm.params.GetUint16(ParamRecvBufSize)
	if !ok {
		bufSize = defRecvBufSize
	}
	if bufSize == 0 {
		cm.state.Store(int32(EventSourceStopped))
		return ErrInvalidArgument
	}
	cm.recvBuf = make([]byte, bufSize)

	if port, ok := cm.params.GetUint16(ParamListenPort); ok {
		if err := cm.startListening(port); err != nil {
			cm.state.Store(int32(EventSourceStopped))
			return err
		}
	}
	cm.state.Store(int32(EventSourceStarted))
	return nil
}

func (cm *TCPConnectionManager) startListening(port uint16) error {
	hostnames, ok := cm.params.GetStringArray(ParamListenHostnames)
	if !ok {
		hostnames = []string{""} // all interfaces
	}
	opened := 0
	for _, hostname := range hostnames {
		addrs, err := cm.resolver.lookupTCP(hostname, port)
		if err != nil {
			cm.log.Warn().Msgf("can't resolve listen hostname %q: %+v", hostname, err)
			continue
		}
		for _, sa := range addrs {
			if err = cm.openListenSocket(sa); err != nil {
				cm.log.Warn().Msgf("can't listen on %s:%d: %+v", sockaddrHost(sa), port, err)
				continue
			}
			opened++
		}
	}
	if opened == 0 {
		return ErrOutOfResources
	}
	return nil
}

func (cm *TCPConnectionManager) openListenSocket(sa unix.Sockaddr) error {
	fd, err := unix.Socket(sockaddrFamily(sa), unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return os.NewSyscallError("socket", err)
	}
	setListenSocketOptions(fd, cm.log)
	if err = unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return os.NewSyscallError("bind", err)
	}
	if err = unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return os.NewSyscallError("listen", err)
	}
	l := cm.newConnection(fd, ConnectionListening)
	err = cm.el.registerFD(fd, InterestRead, func(int, bool, bool) {
		cm.handleAccept(l)
	})
	if err != nil {
		delete(cm.conns, l.id)
		_ = unix.Close(fd)
		return err
	}
	cm.listeners = append(cm.listeners, l)
	if cm.log.Debug().Enabled() {
		cm.log.Debug().Msgf("[%d] listening on %s", l.id, sockaddrHost(sa))
	}
	return nil
}

func (cm *TCPConnectionManager) newConnection(fd int, state ConnectionState) *tcpConnection {
	c := &tcpConnection{
		id:      cm.nextID.Inc(),
		fd:      fd,
		state:   state,
		pending: queue.New(),
	}
	cm.conns[c.id] = c
	return c
}

// handleAccept drains the kernel's pending-connection queue. Every accepted
// socket is announced with a good status, an empty payload and the remote
// hostname parameter; the application may replace the context at that point.
func (cm *TCPConnectionManager) handleAccept(l *tcpConnection) {
	for {
		nfd, sa, err := unix.Accept(l.fd)
		if err != nil {
			switch err {
			case unix.EAGAIN:
			case unix.EINTR, unix.ECONNABORTED:
				continue
			case unix.EMFILE, unix.ENFILE:
				cm.log.Warn().Msgf("out of descriptors while accepting: %+v", err)
			default:
				cm.log.Error().Msgf("got error while accepting connection: %+v", err)
			}
			return
		}
		setConnSocketOptions(nfd, cm.log)
		c := cm.newConnection(nfd, ConnectionEstablished)
		c.listener = l
		c.context = cm.InitialConnectionContext
		c.remote = sockaddrHost(sa)
		err = cm.el.registerFD(nfd, InterestRead, func(fd int, readable, writable bool) {
			cm.handleConnEvent(c, readable, writable)
		})
		if err != nil {
			cm.log.Error().Msgf("[%d] can't register accepted connection: %+v", c.id, err)
			delete(cm.conns, c.id)
			_ = unix.Close(nfd)
			continue
		}
		if cm.log.Debug().Enabled() {
			cm.log.Debug().Msgf("[%d] accepted connection from %s", c.id, c.remote)
		}
		params := NewKeyValueMap().Set(ParamRemoteHostname, c.remote)
		cm.dispatch(c, nil, params, nil)
	}
}

// OpenConnection asynchronously opens a connection described by the
// hostname and port parameters. A nil return means the kernel accepted the
// request; the outcome arrives through the callback, good with an empty
// payload once established, or ErrConnectionRejected.
func (cm *TCPConnectionManager) OpenConnection(params *KeyValueMap, context interface{}) error {
	if cm.State() != EventSourceStarted {
		return ErrInvalidState
	}
	hostname, ok := params.GetString(ParamHostname)
	if !ok {
		return ErrInvalidArgument
	}
	port, ok := params.GetUint16(ParamPort)
	if !ok {
		return ErrInvalidArgument
	}
	addrs, err := cm.resolver.lookupTCP(hostname, port)
	if err != nil {
		cm.log.Warn().Msgf("can't resolve %s: %+v", hostname, err)
		return ErrConnectionRejected
	}
	sa := addrs[0]
	fd, err := unix.Socket(sockaddrFamily(sa), unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return ErrOutOfResources
	}
	setConnSocketOptions(fd, cm.log)
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return ErrConnectionRejected
	}
	c := cm.newConnection(fd, ConnectionConnecting)
	c.context = context
	c.remote = hostname
	err = cm.el.registerFD(fd, InterestWrite, func(fd int, readable, writable bool) {
		cm.handleConnEvent(c, readable, writable)
	})
	if err != nil {
		delete(cm.conns, c.id)
		_ = unix.Close(fd)
		return err
	}
	return nil
}

func (cm *TCPConnectionManager) handleConnEvent(c *tcpConnection, readable, writable bool) {
	if c.state == ConnectionClosing {
		return
	}
	if c.state == ConnectionConnecting {
		if writable {
			cm.finishConnect(c)
		}
		return
	}
	if writable && c.hasBacklog() {
		if err := cm.flushBacklog(c); err != nil {
			cm.log.Error().Msgf("[%d] got error while flushing send backlog: %+v", c.id, err)
			cm.initiateClose(c)
			return
		}
	}
	if readable {
		cm.receive(c)
	}
}

// finishConnect inspects the socket error once the connecting socket turns
// writable and either announces the connection or rejects it.
func (cm *TCPConnectionManager) finishConnect(c *tcpConnection) {
	soerr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || soerr != 0 {
		if cm.log.Debug().Enabled() {
			cm.log.Debug().Msgf("[%d] connect to %s failed: %v", c.id, c.remote, syscall.Errno(soerr))
		}
		_ = cm.el.unregisterFD(c.fd)
		_ = unix.Close(c.fd)
		cm.dispatch(c, ErrConnectionRejected, nil, nil)
		delete(cm.conns, c.id)
		cm.maybeStopped()
		return
	}
	c.state = ConnectionEstablished
	if err = cm.el.modifyFD(c.fd, InterestRead); err != nil {
		cm.log.Error().Msgf("[%d] can't arm read interest: %+v", c.id, err)
	}
	cm.dispatch(c, nil, nil, nil)
}

// receive reads at most one recv-bufsize chunk and hands it to the callback
// as a borrowed slice. A zero read or a fatal error initiates the close
// path; EAGAIN returns to the poller.
func (cm *TCPConnectionManager) receive(c *tcpConnection) {
	n, err := unix.Read(c.fd, cm.recvBuf)
	if err == unix.EAGAIN || err == unix.EINTR {
		return
	}
	if err != nil || n <= 0 {
		if err != nil && cm.log.Debug().Enabled() {
			cm.log.Debug().Msgf("[%d] got error while reading data: %+v", c.id, err)
		}
		cm.initiateClose(c)
		return
	}
	c.stats.LastActivityTime = cm.el.Now().UnixMilli()
	c.stats.TotalReceivedBytes += uint64(n)
	cm.dispatch(c, nil, nil, cm.recvBuf[:n])
}

// AllocNetworkBuffer returns a send buffer bound to the connection. The
// caller owns it until it is consumed by SendWithConnection or returned via
// FreeNetworkBuffer.
func (cm *TCPConnectionManager) AllocNetworkBuffer(connectionID uint64, size int) ([]byte, error) {
	if _, ok := cm.conns[connectionID]; !ok {
		return nil, ErrNotFound
	}
	return cm.alloc.alloc(connectionID, size)
}

// FreeNetworkBuffer releases an unsent buffer.
func (cm *TCPConnectionManager) FreeNetworkBuffer(connectionID uint64, buf []byte) error {
	owner, ok := cm.alloc.release(buf)
	if !ok || owner != connectionID {
		return ErrInvalidArgument
	}
	return nil
}

// SendWithConnection queues buf on the connection. The buffer must come from
// AllocNetworkBuffer for the same connection and is always consumed, whether
// or not the payload leaves synchronously. A partial write retains the tail
// and arms write readiness; a fatal error closes the connection.
func (cm *TCPConnectionManager) SendWithConnection(connectionID uint64, buf []byte) error {
	c, ok := cm.conns[connectionID]
	if !ok {
		cm.alloc.release(buf) // the buffer is consumed regardless
		return ErrNotFound
	}
	owner, ok := cm.alloc.release(buf) // the manager owns the memory from here on
	if !ok || owner != connectionID {
		return ErrInvalidArgument
	}
	switch c.state {
	case ConnectionClosing:
		return ErrConnectionClosed
	case ConnectionEstablished:
	default:
		return ErrInvalidState
	}
	if c.hasBacklog() {
		c.pending.Add(buf)
		return nil
	}
	off := 0
	for off < len(buf) {
		n, err := unix.Write(c.fd, buf[off:])
		if err == unix.EAGAIN || err == unix.EINTR {
			c.current = buf[off:]
			if merr := cm.el.modifyFD(c.fd, InterestRead|InterestWrite); merr != nil {
				cm.log.Error().Msgf("[%d] can't arm write interest: %+v", c.id, merr)
			}
			return nil
		}
		if err != nil {
			cm.log.Error().Msgf("[%d] got error while writing data: %+v", c.id, err)
			cm.initiateClose(c)
			return os.NewSyscallError("write", err)
		}
		off += n
		c.stats.TotalSentBytes += uint64(n)
	}
	c.stats.LastActivityTime = cm.el.Now().UnixMilli()
	return nil
}

// flushBacklog writes out retained tails on write readiness and drops the
// write interest once everything has left.
func (cm *TCPConnectionManager) flushBacklog(c *tcpConnection) error {
	for {
		if len(c.current) == 0 {
			if c.pending.Length() == 0 {
				break
			}
			c.current = c.pending.Remove().([]byte)
		}
		n, err := unix.Write(c.fd, c.current)
		if err == unix.EAGAIN || err == unix.EINTR {
			return nil
		}
		if err != nil {
			return os.NewSyscallError("write", err)
		}
		c.current = c.current[n:]
		c.stats.TotalSentBytes += uint64(n)
	}
	return cm.el.modifyFD(c.fd, InterestRead)
}

// CloseConnection transitions the connection to Closing and returns. The
// final callback with ErrConnectionClosed fires from a later dispatch cycle;
// only after it returns is the record released.
func (cm *TCPConnectionManager) CloseConnection(connectionID uint64) error {
	c, ok := cm.conns[connectionID]
	if !ok {
		return ErrNotFound
	}
	if c.state == ConnectionClosing {
		return ErrInvalidState
	}
	cm.initiateClose(c)
	return nil
}

func (cm *TCPConnectionManager) initiateClose(c *tcpConnection) {
	c.state = ConnectionClosing
	_ = unix.Shutdown(c.fd, unix.SHUT_WR)
	cm.el.AddDelayedCallback(&DelayedCallback{
		Callback: func(interface{}, interface{}) { cm.finalizeClose(c) },
	})
}

func (cm *TCPConnectionManager) finalizeClose(c *tcpConnection) {
	if _, ok := cm.conns[c.id]; !ok {
		return
	}
	if c.hasBacklog() {
		// Best effort: whatever the kernel takes right now leaves, the rest
		// is dropped with the connection.
		_ = cm.flushBacklog(c)
		c.current = nil
	}
	_ = cm.el.unregisterFD(c.fd)
	_ = unix.Close(c.fd)
	cm.dispatch(c, ErrConnectionClosed, nil, nil)
	delete(cm.conns, c.id)
	cm.maybeStopped()
}

// ConnectionStats reports a traffic snapshot for a live connection.
func (cm *TCPConnectionManager) ConnectionStats(connectionID uint64) (ConnectionStats, error) {
	c, ok := cm.conns[connectionID]
	if !ok {
		return ConnectionStats{}, ErrNotFound
	}
	return c.stats, nil
}

// Stop closes the listening sockets first so no further connections arrive,
// then initiates close on every live connection. The manager reaches
// Stopped once the last final callback has fired.
func (cm *TCPConnectionManager) Stop() {
	if cm.State() != EventSourceStarted {
		return
	}
	cm.state.Store(int32(EventSourceStopping))
	for _, l := range cm.listeners {
		_ = cm.el.unregisterFD(l.fd)
		_ = unix.Close(l.fd)
		delete(cm.conns, l.id)
	}
	cm.listeners = nil
	for _, c := range cm.conns {
		if c.state != ConnectionClosing {
			cm.initiateClose(c)
		}
	}
	cm.maybeStopped()
}

func (cm *TCPConnectionManager) maybeStopped() {
	if cm.State() == EventSourceStopping && len(cm.conns) == 0 {
		cm.state.Store(int32(EventSourceStopped))
	}
}

// Free releases the manager's resources. Fails unless Fresh or Stopped.
func (cm *TCPConnectionManager) Free() error {
	s := cm.State()
	if s != EventSourceFresh && s != EventSourceStopped {
		return ErrInvalidState
	}
	if cm.resolver != nil {
		cm.resolver.close()
		cm.resolver = nil
	}
	cm.alloc.clear()
	cm.conns = make(map[uint64]*tcpConnection)
	cm.listeners = nil
	cm.recvBuf = nil
	cm.el = nil
	return nil
}

// dispatch shields the manager from panicking application callbacks and
// keeps the context double-indirection pointed at the connection's storage.
func (cm *TCPConnectionManager) dispatch(c *tcpConnection, status error, params *KeyValueMap, msg []byte) {
	cb := cm.ConnectionCallback
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			cm.log.Error().Msgf("recovered panic from connection callback: %+v", r)
		}
	}()
	cb(cm, c.id, &c.context, status, params, msg)
}
