package evloop

import (
	"fmt"
	"net"
	"testing"
	"time"
)

func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("can't find a free port: %+v", err)
	}
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

func runUntil(t *testing.T, el *EventLoop, max int, cond func() bool) {
	t.Helper()
	for i := 0; i < max; i++ {
		if cond() {
			return
		}
		if _, err := el.Run(time.Millisecond); err != nil {
			t.Fatalf("run: %+v", err)
		}
	}
	if !cond() {
		t.Fatalf("condition not reached within %d cycles", max)
	}
}

func drainAndFree(t *testing.T, el *EventLoop) {
	t.Helper()
	el.Stop()
	for i := 0; i < 1000 && el.State() != EventLoopStopped; i++ {
		if _, err := el.Run(time.Millisecond); err != nil {
			t.Fatalf("run while stopping: %+v", err)
		}
	}
	if el.State() != EventLoopStopped {
		t.Fatalf("loop did not reach stopped")
	}
	if err := el.Free(); err != nil {
		t.Fatalf("free: %+v", err)
	}
}

func newListeningManager(t *testing.T, name string, port uint16) (*EventLoop, *TCPConnectionManager) {
	t.Helper()
	el := NewEventLoop(EventLoopConfig{Name: name})
	cm := NewTCPConnectionManager(name + "-tcp")
	cm.Params().
		Set(ParamListenPort, port).
		Set(ParamListenHostnames, "127.0.0.1")
	if err := el.RegisterEventSource(cm); err != nil {
		t.Fatalf("register: %+v", err)
	}
	return el, cm
}

func TestListenThenStop(t *testing.T) {
	el, cm := newListeningManager(t, "listen", freePort(t))
	cm.ConnectionCallback = func(*TCPConnectionManager, uint64, *interface{}, error, *KeyValueMap, []byte) {}
	if err := el.Start(); err != nil {
		t.Fatalf("start: %+v", err)
	}
	if cm.State() != EventSourceStarted {
		t.Fatalf("manager in state %d after start", cm.State())
	}
	for i := 0; i < 10; i++ {
		if _, err := el.Run(time.Millisecond); err != nil {
			t.Fatalf("run: %+v", err)
		}
	}
	drainAndFree(t, el)
	if cm.State() != EventSourceStopped {
		t.Fatalf("manager in state %d after drain", cm.State())
	}
}

func TestStartFailsWhenNoEndpointBinds(t *testing.T) {
	port := freePort(t)
	blocker, err := net.Listen("tcp4", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("can't occupy port: %+v", err)
	}
	defer blocker.Close()

	el, cm := newListeningManager(t, "conflict", port)
	cm.ConnectionCallback = func(*TCPConnectionManager, uint64, *interface{}, error, *KeyValueMap, []byte) {}
	if err := el.Start(); err == nil {
		t.Fatalf("start succeeded with the address in use")
	}
	if cm.State() != EventSourceStopped {
		t.Fatalf("manager in state %d after failed start", cm.State())
	}
	el.Stop()
	for el.State() != EventLoopStopped {
		_, _ = el.Run(time.Millisecond)
	}
	_ = el.Free()
}

func TestLoopbackEcho(t *testing.T) {
	port := freePort(t)
	el, cm := newListeningManager(t, "echo", port)

	var (
		connCount int
		clientID  uint64
		received  bool
	)
	testMsg := []byte("open62541")
	cm.ConnectionCallback = func(cm *TCPConnectionManager, id uint64,
		ctx *interface{}, status error, params *KeyValueMap, msg []byte) {
		if *ctx != nil {
			clientID = id
		}
		if status == nil && len(msg) == 0 {
			connCount++
			if params != nil {
				if _, ok := params.GetString(ParamRemoteHostname); !ok {
					t.Errorf("accept announcement without remote-hostname")
				}
			}
		}
		if status != nil {
			connCount--
		}
		if len(msg) > 0 {
			if string(msg) != string(testMsg) {
				t.Errorf("received %q, expected %q", msg, testMsg)
			}
			received = true
		}
	}

	if err := el.Start(); err != nil {
		t.Fatalf("start: %+v", err)
	}
	openParams := NewKeyValueMap().
		Set(ParamHostname, "127.0.0.1").
		Set(ParamPort, port)
	if err := cm.OpenConnection(openParams, "client"); err != nil {
		t.Fatalf("open: %+v", err)
	}
	runUntil(t, el, 200, func() bool { return connCount == 2 && clientID != 0 })

	snd, err := cm.AllocNetworkBuffer(clientID, len(testMsg))
	if err != nil {
		t.Fatalf("alloc: %+v", err)
	}
	copy(snd, testMsg)
	if err = cm.SendWithConnection(clientID, snd); err != nil {
		t.Fatalf("send: %+v", err)
	}
	runUntil(t, el, 200, func() bool { return received })

	if err = cm.CloseConnection(clientID); err != nil {
		t.Fatalf("close: %+v", err)
	}
	if err = cm.CloseConnection(clientID); err != ErrInvalidState {
		t.Fatalf("second close returned %v, expected ErrInvalidState", err)
	}
	// Close is asynchronous: the observed count only drops once the final
	// callbacks have fired.
	if connCount != 2 {
		t.Fatalf("count dropped before the final callback")
	}
	runUntil(t, el, 200, func() bool { return connCount == 0 })

	drainAndFree(t, el)
}

func TestRunFailsFromInsideCallback(t *testing.T) {
	port := freePort(t)
	el, cm := newListeningManager(t, "nested", port)

	var (
		connCount  int
		clientID   uint64
		nestedErrs []error
	)
	cm.ConnectionCallback = func(cm *TCPConnectionManager, id uint64,
		ctx *interface{}, status error, params *KeyValueMap, msg []byte) {
		_, err := el.Run(time.Millisecond)
		nestedErrs = append(nestedErrs, err)
		if *ctx != nil {
			clientID = id
		}
		if status == nil && len(msg) == 0 {
			connCount++
		}
		if status != nil {
			connCount--
		}
	}

	if err := el.Start(); err != nil {
		t.Fatalf("start: %+v", err)
	}
	openParams := NewKeyValueMap().
		Set(ParamHostname, "127.0.0.1").
		Set(ParamPort, port)
	if err := cm.OpenConnection(openParams, "client"); err != nil {
		t.Fatalf("open: %+v", err)
	}
	runUntil(t, el, 200, func() bool { return connCount == 2 && clientID != 0 })

	if len(nestedErrs) == 0 {
		t.Fatalf("no callbacks fired")
	}
	for _, err := range nestedErrs {
		if err != ErrInternal {
			t.Fatalf("nested run returned %v, expected ErrInternal", err)
		}
	}

	if err := cm.CloseConnection(clientID); err != nil {
		t.Fatalf("close: %+v", err)
	}
	runUntil(t, el, 200, func() bool { return connCount == 0 })
	drainAndFree(t, el)
}

func TestPeerCloseDeliversBytesThenFinalCallback(t *testing.T) {
	port := freePort(t)
	el, cm := newListeningManager(t, "peerclose", port)

	var (
		serverID   uint64
		receivedBy []byte
		finals     int
		callbacks  int
	)
	cm.ConnectionCallback = func(cm *TCPConnectionManager, id uint64,
		ctx *interface{}, status error, params *KeyValueMap, msg []byte) {
		callbacks++
		if status == nil && len(msg) == 0 {
			serverID = id
		}
		if len(msg) > 0 {
			receivedBy = append(receivedBy, msg...)
		}
		if status != nil {
			if status != ErrConnectionClosed {
				t.Errorf("final status %v, expected ErrConnectionClosed", status)
			}
			if len(msg) != 0 {
				t.Errorf("final callback carried a payload")
			}
			finals++
		}
	}

	if err := el.Start(); err != nil {
		t.Fatalf("start: %+v", err)
	}

	client, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial: %+v", err)
	}
	runUntil(t, el, 200, func() bool { return serverID != 0 })

	// A send buffer held across the close, for the send-after-close check.
	stale, err := cm.AllocNetworkBuffer(serverID, 4)
	if err != nil {
		t.Fatalf("alloc: %+v", err)
	}

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err = client.Write(payload[:60]); err != nil {
		t.Fatalf("client write: %+v", err)
	}
	if _, err = client.Write(payload[60:]); err != nil {
		t.Fatalf("client write: %+v", err)
	}
	if err = client.Close(); err != nil {
		t.Fatalf("client close: %+v", err)
	}

	runUntil(t, el, 200, func() bool { return finals == 1 })
	if string(receivedBy) != string(payload) {
		t.Fatalf("received %d bytes, expected the peer's %d in order", len(receivedBy), len(payload))
	}

	// The record is reclaimed after the final callback.
	if err = cm.SendWithConnection(serverID, stale); err != ErrNotFound && err != ErrConnectionClosed {
		t.Fatalf("send after close returned %v", err)
	}
	if _, err = cm.AllocNetworkBuffer(serverID, 4); err != ErrNotFound {
		t.Fatalf("alloc after close returned %v", err)
	}

	seen := callbacks
	for i := 0; i < 5; i++ {
		if _, err = el.Run(time.Millisecond); err != nil {
			t.Fatalf("run: %+v", err)
		}
	}
	if callbacks != seen {
		t.Fatalf("callbacks fired for a reclaimed connection")
	}
	if finals != 1 {
		t.Fatalf("final callback fired %d times", finals)
	}

	drainAndFree(t, el)
}

func TestOutboundConnectionRejected(t *testing.T) {
	port := freePort(t) // nothing listens here
	el := NewEventLoop(EventLoopConfig{Name: "rejected"})
	cm := NewTCPConnectionManager("rejected-tcp")

	var rejections int
	cm.ConnectionCallback = func(cm *TCPConnectionManager, id uint64,
		ctx *interface{}, status error, params *KeyValueMap, msg []byte) {
		if status == ErrConnectionRejected {
			rejections++
		}
	}
	if err := el.RegisterEventSource(cm); err != nil {
		t.Fatalf("register: %+v", err)
	}
	if err := el.Start(); err != nil {
		t.Fatalf("start: %+v", err)
	}
	openParams := NewKeyValueMap().
		Set(ParamHostname, "127.0.0.1").
		Set(ParamPort, port)
	err := cm.OpenConnection(openParams, nil)
	if err != nil && err != ErrConnectionRejected {
		t.Fatalf("open: %+v", err)
	}
	if err == nil {
		// The kernel accepted the request; the refusal arrives through the
		// callback once the socket reports its error.
		runUntil(t, el, 200, func() bool { return rejections == 1 })
	}
	drainAndFree(t, el)
}

func TestOpenConnectionValidatesParams(t *testing.T) {
	el := NewEventLoop(EventLoopConfig{Name: "params"})
	cm := NewTCPConnectionManager("params-tcp")
	cm.ConnectionCallback = func(*TCPConnectionManager, uint64, *interface{}, error, *KeyValueMap, []byte) {}
	if err := el.RegisterEventSource(cm); err != nil {
		t.Fatalf("register: %+v", err)
	}
	if err := cm.OpenConnection(NewKeyValueMap(), nil); err != ErrInvalidState {
		t.Fatalf("open before start returned %v", err)
	}
	if err := el.Start(); err != nil {
		t.Fatalf("start: %+v", err)
	}
	if err := cm.OpenConnection(NewKeyValueMap().Set(ParamPort, uint16(1)), nil); err != ErrInvalidArgument {
		t.Fatalf("open without hostname returned %v", err)
	}
	if err := cm.OpenConnection(NewKeyValueMap().Set(ParamHostname, "127.0.0.1"), nil); err != ErrInvalidArgument {
		t.Fatalf("open without port returned %v", err)
	}
	// Unknown, non-mandatory parameters are ignored.
	port := freePort(t)
	blocker, err := net.Listen("tcp4", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("listen: %+v", err)
	}
	defer blocker.Close()
	openParams := NewKeyValueMap().
		Set(ParamHostname, "127.0.0.1").
		Set(ParamPort, port).
		Set(QN(0, "future-transport-option"), "ignored")
	if err := cm.OpenConnection(openParams, nil); err != nil {
		t.Fatalf("open with extra params returned %v", err)
	}
	drainAndFree(t, el)
}

func TestContextRewriteIsObservedOnNextCallback(t *testing.T) {
	port := freePort(t)
	el, cm := newListeningManager(t, "context", port)

	contexts := make(map[uint64][]interface{})
	cm.InitialConnectionContext = "initial"
	cm.ConnectionCallback = func(cm *TCPConnectionManager, id uint64,
		ctx *interface{}, status error, params *KeyValueMap, msg []byte) {
		contexts[id] = append(contexts[id], *ctx)
		if len(contexts[id]) == 1 {
			*ctx = "rewritten"
		}
	}
	if err := el.Start(); err != nil {
		t.Fatalf("start: %+v", err)
	}
	client, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial: %+v", err)
	}
	runUntil(t, el, 200, func() bool { return len(contexts) == 1 })
	if _, err = client.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %+v", err)
	}
	var id uint64
	for k := range contexts {
		id = k
	}
	runUntil(t, el, 200, func() bool { return len(contexts[id]) >= 2 })
	if contexts[id][0] != "initial" {
		t.Fatalf("first callback saw context %v", contexts[id][0])
	}
	if contexts[id][1] != "rewritten" {
		t.Fatalf("rewrite not observed on the next callback: %v", contexts[id][1])
	}
	_ = client.Close()
	drainAndFree(t, el)
}
