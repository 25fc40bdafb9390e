package gateway_test

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/richard-shepherd/MessagingMesh/gateway"
	"github.com/richard-shepherd/MessagingMesh/wire"
	"github.com/richard-shepherd/MessagingMesh/xloop"
	"github.com/richard-shepherd/MessagingMesh/xsocket"
)

type harness struct {
	sock     *xsocket.Socket
	statusCh chan xsocket.ConnectionStatus
	received chan wire.Header
	closed   chan struct{}
}

func newHarness(loop *xloop.Loop) *harness {
	h := &harness{
		statusCh: make(chan xsocket.ConnectionStatus, 4),
		received: make(chan wire.Header, 16),
		closed:   make(chan struct{}, 1),
	}
	h.sock = xsocket.New(loop, h)
	return h
}

func (h *harness) OnConnectionStatusChanged(_ *xsocket.Socket, status xsocket.ConnectionStatus, _ string) {
	h.statusCh <- status
}
func (h *harness) OnNewConnection(*xsocket.Socket, *xsocket.Socket) {}
func (h *harness) OnMoveToLoopComplete(*xsocket.Socket)             {}
func (h *harness) OnDisconnected(*xsocket.Socket, error) {
	select {
	case h.closed <- struct{}{}:
	default:
	}
}
func (h *harness) OnDataReceived(_ *xsocket.Socket, hd wire.Header, _ *wire.Message) {
	h.received <- hd
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// A client sending a valid Connect frame is routed to a service manager and
// receives an Ack once registration completes.
func TestConnectRoutesToServiceAndAcks(t *testing.T) {
	port := freePort(t)
	gw, err := gateway.New(port)
	if err != nil {
		t.Fatal(err)
	}
	defer gw.Stop()

	bootstrap := xloop.New("bootstrap", xloop.Cold)
	go bootstrap.Run()
	defer func() { bootstrap.Stop(); bootstrap.Wait() }()

	c := newHarness(bootstrap)
	c.sock.Connect("127.0.0.1", port)
	select {
	case status := <-c.statusCh:
		if status != xsocket.ConnectionSucceeded {
			t.Fatalf("got %v, want Succeeded", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out connecting")
	}

	frame, off, err := wire.EncodeFrame(wire.Header{Action: wire.ActionConnect, Subject: "orders", ReplySubject: "client-1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.sock.Write(frame, off)

	select {
	case h := <-c.received:
		if h.Action != wire.ActionAck {
			t.Fatalf("got action %s, want Ack", h.Action)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Ack")
	}

	snap, ok := gw.DumpServiceState("orders")
	if !ok {
		t.Fatal("expected service \"orders\" to exist")
	}
	if snap.ClientCount != 1 {
		t.Fatalf("got ClientCount %d, want 1", snap.ClientCount)
	}
}

// A first frame that is not Connect/ConnectMeshPeer is a protocol error: the
// Gateway closes the socket.
func TestInvalidFirstFrameClosesSocket(t *testing.T) {
	port := freePort(t)
	gw, err := gateway.New(port)
	if err != nil {
		t.Fatal(err)
	}
	defer gw.Stop()

	bootstrap := xloop.New("bootstrap2", xloop.Cold)
	go bootstrap.Run()
	defer func() { bootstrap.Stop(); bootstrap.Wait() }()

	c := newHarness(bootstrap)
	c.sock.Connect("127.0.0.1", port)
	<-c.statusCh

	frame, off, err := wire.EncodeFrame(wire.Header{Action: wire.ActionSubscribe, Subject: "x"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.sock.Write(frame, off)

	select {
	case <-c.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the socket to be closed after a protocol violation")
	}
}

// A disconnect before any connect frame is simply dropped, with no service
// ever created.
func TestDisconnectBeforeConnectIsDropped(t *testing.T) {
	port := freePort(t)
	gw, err := gateway.New(port)
	if err != nil {
		t.Fatal(err)
	}
	defer gw.Stop()

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	time.Sleep(50 * time.Millisecond)
	if _, ok := gw.DumpServiceState("orders"); ok {
		t.Fatal("no service should have been created")
	}
}
