package xsocket_test

import (
	"net"
	"testing"
	"time"

	"github.com/richard-shepherd/MessagingMesh/wire"
	"github.com/richard-shepherd/MessagingMesh/xloop"
	"github.com/richard-shepherd/MessagingMesh/xsocket"
)

type testCallback struct {
	connected    chan *xsocket.Socket
	statusCh     chan xsocket.ConnectionStatus
	received     chan wire.Header
	disconnected chan struct{}
}

func newTestCallback() *testCallback {
	return &testCallback{
		connected:    make(chan *xsocket.Socket, 4),
		statusCh:     make(chan xsocket.ConnectionStatus, 4),
		received:     make(chan wire.Header, 16),
		disconnected: make(chan struct{}, 4),
	}
}

func (c *testCallback) OnConnectionStatusChanged(_ *xsocket.Socket, status xsocket.ConnectionStatus, _ string) {
	c.statusCh <- status
}
func (c *testCallback) OnNewConnection(_ *xsocket.Socket, accepted *xsocket.Socket) {
	c.connected <- accepted
}
func (c *testCallback) OnDataReceived(_ *xsocket.Socket, h wire.Header, _ *wire.Message) {
	c.received <- h
}
func (c *testCallback) OnMoveToLoopComplete(_ *xsocket.Socket) {}
func (c *testCallback) OnDisconnected(_ *xsocket.Socket, _ error) {
	c.disconnected <- struct{}{}
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

func TestListenConnectAndDataRoundTrip(t *testing.T) {
	port := freePort(t)

	serverLoop := xloop.New("server", xloop.Cold)
	clientLoop := xloop.New("client", xloop.Cold)
	go serverLoop.Run()
	go clientLoop.Run()
	defer func() { serverLoop.Stop(); clientLoop.Stop(); serverLoop.Wait(); clientLoop.Wait() }()

	serverCB := newTestCallback()
	clientCB := newTestCallback()

	listener := xsocket.New(serverLoop, serverCB)
	if err := listener.Listen(port); err != nil {
		t.Fatalf("listen: %v", err)
	}

	client := xsocket.New(clientLoop, clientCB)
	client.Connect("127.0.0.1", port)

	select {
	case status := <-clientCB.statusCh:
		if status != xsocket.ConnectionSucceeded {
			t.Fatalf("got status %v, want Succeeded", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
	}

	var serverSocket *xsocket.Socket
	select {
	case serverSocket = <-serverCB.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepted connection")
	}
	if serverSocket.State() != xsocket.Connected {
		t.Fatalf("accepted socket state = %v, want Connected", serverSocket.State())
	}

	msg := &wire.Message{}
	msg.Add("n", wire.TypeInt32, int32(42))
	frame, subIDOffset, err := wire.EncodeFrame(wire.Header{
		Action:         wire.ActionPublish,
		SubscriptionID: 7,
		Subject:        "orders.new",
	}, msg)
	if err != nil {
		t.Fatal(err)
	}
	client.Write(frame, subIDOffset)

	select {
	case h := <-serverCB.received:
		if h.Subject != "orders.new" || h.SubscriptionID != 7 {
			t.Fatalf("got header %+v", h)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data")
	}
}

func TestWriteWithOverridePatchesSubscriptionID(t *testing.T) {
	port := freePort(t)

	serverLoop := xloop.New("server2", xloop.Cold)
	clientLoop := xloop.New("client2", xloop.Cold)
	go serverLoop.Run()
	go clientLoop.Run()
	defer func() { serverLoop.Stop(); clientLoop.Stop(); serverLoop.Wait(); clientLoop.Wait() }()

	serverCB := newTestCallback()
	clientCB := newTestCallback()

	listener := xsocket.New(serverLoop, serverCB)
	if err := listener.Listen(port); err != nil {
		t.Fatalf("listen: %v", err)
	}
	client := xsocket.New(clientLoop, clientCB)
	client.Connect("127.0.0.1", port)
	<-clientCB.statusCh
	<-serverCB.connected

	frame, subIDOffset, err := wire.EncodeFrame(wire.Header{
		Action:         wire.ActionPublish,
		SubscriptionID: 1,
		Subject:        "x",
	}, &wire.Message{})
	if err != nil {
		t.Fatal(err)
	}
	client.WriteWithOverride(frame, subIDOffset, 99)

	select {
	case h := <-serverCB.received:
		if h.SubscriptionID != 99 {
			t.Fatalf("got subscription id %d, want 99", h.SubscriptionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data")
	}
}

func TestConnectFailureReportsConnectionFailed(t *testing.T) {
	clientLoop := xloop.New("client3", xloop.Cold)
	go clientLoop.Run()
	defer func() { clientLoop.Stop(); clientLoop.Wait() }()

	port := freePort(t) // nothing listening on this port
	clientCB := newTestCallback()
	client := xsocket.New(clientLoop, clientCB)
	client.Connect("127.0.0.1", port)

	select {
	case status := <-clientCB.statusCh:
		if status != xsocket.ConnectionFailed {
			t.Fatalf("got status %v, want Failed", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection failure")
	}
}
