package client_test

import (
	"net"
	"testing"
	"time"

	"github.com/richard-shepherd/MessagingMesh/client"
	"github.com/richard-shepherd/MessagingMesh/gateway"
	"github.com/richard-shepherd/MessagingMesh/wire"
)

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

func mustGateway(t *testing.T) (*gateway.Gateway, int) {
	t.Helper()
	port := freePort(t)
	gw, err := gateway.New(port)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(gw.Stop)
	return gw, port
}

func TestConnectBlocksUntilAck(t *testing.T) {
	_, port := mustGateway(t)

	c, err := client.Connect("127.0.0.1", port, "orders", "client-1", client.InlineCallback)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
}

func TestInlineCallbackDelivery(t *testing.T) {
	_, port := mustGateway(t)

	pub, err := client.Connect("127.0.0.1", port, "orders", "pub", client.InlineCallback)
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close()

	sub, err := client.Connect("127.0.0.1", port, "orders", "sub", client.InlineCallback)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	received := make(chan string, 1)
	handle, err := sub.Subscribe("orders.new", func(subject, _ string, _ *wire.Message) {
		received <- subject
	})
	if err != nil {
		t.Fatal(err)
	}
	defer handle.Unsubscribe()

	// Give the Subscribe frame time to land before publishing.
	time.Sleep(100 * time.Millisecond)

	if err := pub.Publish("orders.new", &wire.Message{}, ""); err != nil {
		t.Fatal(err)
	}

	select {
	case subject := <-received:
		if subject != "orders.new" {
			t.Fatalf("got subject %q, want orders.new", subject)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inline delivery")
	}
}

func TestPullQueueDelivery(t *testing.T) {
	_, port := mustGateway(t)

	pub, err := client.Connect("127.0.0.1", port, "orders", "pub2", client.InlineCallback)
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close()

	sub, err := client.Connect("127.0.0.1", port, "orders", "sub2", client.PullQueue)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	var gotSubject string
	handle, err := sub.Subscribe("orders.pull", func(subject, _ string, _ *wire.Message) {
		gotSubject = subject
	})
	if err != nil {
		t.Fatal(err)
	}
	defer handle.Unsubscribe()

	time.Sleep(100 * time.Millisecond)
	if err := pub.Publish("orders.pull", &wire.Message{}, ""); err != nil {
		t.Fatal(err)
	}

	n := sub.ProcessMessageQueue(2*time.Second, 10)
	if n != 1 {
		t.Fatalf("got %d processed, want 1", n)
	}
	if gotSubject != "orders.pull" {
		t.Fatalf("got subject %q, want orders.pull", gotSubject)
	}
}

func TestSendRequestRoundTrip(t *testing.T) {
	_, port := mustGateway(t)

	responder, err := client.Connect("127.0.0.1", port, "rpc", "responder", client.InlineCallback)
	if err != nil {
		t.Fatal(err)
	}
	defer responder.Close()

	requester, err := client.Connect("127.0.0.1", port, "rpc", "requester", client.InlineCallback)
	if err != nil {
		t.Fatal(err)
	}
	defer requester.Close()

	handle, err := responder.Subscribe("rpc.echo", func(_, replySubject string, _ *wire.Message) {
		if replySubject == "" {
			return
		}
		out := &wire.Message{}
		out.Add("ok", wire.TypeBool, true)
		_ = responder.Publish(replySubject, out, "")
	})
	if err != nil {
		t.Fatal(err)
	}
	defer handle.Unsubscribe()

	time.Sleep(100 * time.Millisecond)

	req := &wire.Message{}
	reply, err := requester.SendRequest("rpc.echo", req, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if reply == nil {
		t.Fatal("expected a reply message")
	}
}
