// Package client implements the public client SDK (C8): one connected
// socket to a Gateway, a local subscription registry, and request/reply
// support over synthetic inbox subjects.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package client

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/richard-shepherd/MessagingMesh/cmn/nlog"
	"github.com/richard-shepherd/MessagingMesh/cmn/xerrors"
	"github.com/richard-shepherd/MessagingMesh/wire"
	"github.com/richard-shepherd/MessagingMesh/xloop"
	"github.com/richard-shepherd/MessagingMesh/xsocket"
)

// DispatchMode is fixed at construction (§4.8).
type DispatchMode int

const (
	// InlineCallback invokes subscriber callbacks directly on the
	// connection's event-loop thread. Callbacks must not block.
	InlineCallback DispatchMode = iota
	// PullQueue enqueues inbound publishes; ProcessMessageQueue drains them
	// on the caller's own thread.
	PullQueue
)

// Callback receives one delivered message. replySubject is the publisher's
// reply_subject (empty unless the publish was sent via SendRequest or with
// an explicit reply subject).
type Callback func(subject, replySubject string, message *wire.Message)

// ackTimeout and pullQueueDepth are vars (not consts) so tests can shrink
// them instead of waiting out the real construction-time bound.
var (
	ackTimeout     = 30 * time.Second
	pullQueueDepth = 4096
)

type callbackEntry struct {
	handleID uint64
	fn       Callback
}

type subscriptionInfo struct {
	subject   string
	callbacks []*callbackEntry
}

type pulledMessage struct {
	subID        uint32
	subject      string
	replySubject string
	message      *wire.Message
}

// Connection is one client's connected socket to a Gateway.
type Connection struct {
	loop *xloop.Loop
	sock *xsocket.Socket
	mode DispatchMode

	serviceName string
	clientLabel string

	ackCh   chan struct{}
	failCh  chan error
	ackOnce sync.Once

	mu            sync.Mutex
	nextSubID     uint32
	subjectToID   map[string]uint32
	subs          map[uint32]*subscriptionInfo
	nextHandleID  uint64
	requestSubIDs map[uint32]bool

	pullQueue chan pulledMessage
	wakeCh    chan struct{} // 1-buffered: WakeUp's auto-reset event (§4.8)

	closeOnce sync.Once
}

// Connect creates the event loop and socket, sends Connect(service,
// clientLabel), and blocks until the Gateway's Ack arrives or ackTimeout
// elapses (§4.8 "State on construction").
func Connect(host string, port int, serviceName, clientLabel string, mode DispatchMode) (*Connection, error) {
	c := &Connection{
		loop:          xloop.New("client:"+clientLabel, xloop.Hot),
		mode:          mode,
		serviceName:   serviceName,
		clientLabel:   clientLabel,
		ackCh:         make(chan struct{}),
		failCh:        make(chan error, 1),
		subjectToID:   make(map[string]uint32),
		subs:          make(map[uint32]*subscriptionInfo),
		requestSubIDs: make(map[uint32]bool),
		pullQueue:     make(chan pulledMessage, pullQueueDepth),
		wakeCh:        make(chan struct{}, 1),
	}
	go c.loop.Run()

	c.sock = xsocket.New(c.loop, c)
	c.sock.Connect(host, port)

	select {
	case <-c.ackCh:
		return c, nil
	case err := <-c.failCh:
		c.loop.Stop()
		c.loop.Wait()
		return nil, err
	case <-time.After(ackTimeout):
		c.loop.Stop()
		c.loop.Wait()
		return nil, xerrors.New(xerrors.Timeout, "construction: no Ack from gateway within %s", ackTimeout)
	}
}

// OnConnectionStatusChanged implements xsocket.EventCallback.
func (c *Connection) OnConnectionStatusChanged(s *xsocket.Socket, status xsocket.ConnectionStatus, errMsg string) {
	if status != xsocket.ConnectionSucceeded {
		c.failCh <- xerrors.New(xerrors.TransportFailure, "connect failed: %s", errMsg)
		return
	}
	frame, off, err := wire.EncodeFrame(wire.Header{Action: wire.ActionConnect, Subject: c.serviceName, ReplySubject: c.clientLabel}, nil)
	if err != nil {
		c.failCh <- err
		return
	}
	s.Write(frame, off)
}

func (*Connection) OnNewConnection(*xsocket.Socket, *xsocket.Socket) {}
func (*Connection) OnMoveToLoopComplete(*xsocket.Socket)             {}

// OnDisconnected implements xsocket.EventCallback.
func (c *Connection) OnDisconnected(_ *xsocket.Socket, err error) {
	nlog.Warningf("client %s: disconnected: %v", c.clientLabel, err)
}

// OnDataReceived implements xsocket.EventCallback: the construction-time Ack
// is consumed here too, since it arrives on the same data channel as every
// other control/publish frame.
func (c *Connection) OnDataReceived(_ *xsocket.Socket, h wire.Header, body *wire.Message) {
	if h.Action == wire.ActionAck {
		c.ackOnce.Do(func() { close(c.ackCh) })
		return
	}
	if h.Action != wire.ActionPublish {
		return
	}

	c.mu.Lock()
	info := c.subs[h.SubscriptionID]
	bypass := c.requestSubIDs[h.SubscriptionID]
	c.mu.Unlock()
	if info == nil {
		return
	}

	if c.mode == InlineCallback || bypass {
		invokeCallbacks(info, h.Subject, h.ReplySubject, body)
		return
	}

	select {
	case c.pullQueue <- pulledMessage{subID: h.SubscriptionID, subject: h.Subject, replySubject: h.ReplySubject, message: body}:
	default:
		nlog.Warningf("client %s: pull queue full (%d), dropping message on %q", c.clientLabel, pullQueueDepth, h.Subject)
	}
}

func invokeCallbacks(info *subscriptionInfo, subject, replySubject string, body *wire.Message) {
	for _, e := range info.callbacks {
		e.fn(subject, replySubject, body)
	}
}

// SubscriptionHandle is returned by Subscribe; dropping it (calling
// Unsubscribe) releases that one callback entry.
type SubscriptionHandle struct {
	conn     *Connection
	subID    uint32
	handleID uint64
}

// Subscribe registers fn against subject. Multiple local subscriptions to
// the same subject share one subscription-id and one Gateway-side
// subscription; the Gateway is told to subscribe only on the first local
// subscription per subject (§4.8).
func (c *Connection) Subscribe(subject string, fn Callback) (*SubscriptionHandle, error) {
	c.mu.Lock()
	subID, exists := c.subjectToID[subject]
	if !exists {
		c.nextSubID++
		subID = c.nextSubID
		c.subjectToID[subject] = subID
		c.subs[subID] = &subscriptionInfo{subject: subject}
	}
	c.nextHandleID++
	handleID := c.nextHandleID
	c.subs[subID].callbacks = append(c.subs[subID].callbacks, &callbackEntry{handleID: handleID, fn: fn})
	c.mu.Unlock()

	if !exists {
		if err := c.sendControl(wire.ActionSubscribe, subID, subject); err != nil {
			return nil, err
		}
	}
	return &SubscriptionHandle{conn: c, subID: subID, handleID: handleID}, nil
}

// Unsubscribe releases this handle's callback entry. When it was the last
// entry for its subject, the Gateway-side subscription is also released.
func (h *SubscriptionHandle) Unsubscribe() error {
	c := h.conn
	c.mu.Lock()
	info, ok := c.subs[h.subID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	for i, e := range info.callbacks {
		if e.handleID == h.handleID {
			info.callbacks = append(info.callbacks[:i], info.callbacks[i+1:]...)
			break
		}
	}
	empty := len(info.callbacks) == 0
	if empty {
		delete(c.subs, h.subID)
		delete(c.subjectToID, info.subject)
	}
	c.mu.Unlock()

	if empty {
		return c.sendControl(wire.ActionUnsubscribe, h.subID, info.subject)
	}
	return nil
}

func (c *Connection) sendControl(action wire.Action, subID uint32, subject string) error {
	frame, off, err := wire.EncodeFrame(wire.Header{Action: action, SubscriptionID: subID, Subject: subject}, nil)
	if err != nil {
		return err
	}
	c.sock.Write(frame, off)
	return nil
}

// Publish sends a Message on subject, with an optional replySubject (empty
// for none).
func (c *Connection) Publish(subject string, msg *wire.Message, replySubject string) error {
	frame, off, err := wire.EncodeFrame(wire.Header{Action: wire.ActionPublish, Subject: subject, ReplySubject: replySubject}, msg)
	if err != nil {
		return err
	}
	c.sock.Write(frame, off)
	return nil
}

// SendRequest implements request/reply (§4.8): publish to subject with a
// fresh inbox reply_subject, and wait up to timeout for the first reply.
func (c *Connection) SendRequest(subject string, msg *wire.Message, timeout time.Duration) (*wire.Message, error) {
	inbox := "_INBOX." + uuid.NewString()
	replyCh := make(chan *wire.Message, 1)

	handle, err := c.Subscribe(inbox, func(_, _ string, m *wire.Message) {
		select {
		case replyCh <- m:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer handle.Unsubscribe()

	c.mu.Lock()
	c.requestSubIDs[handle.subID] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.requestSubIDs, handle.subID)
		c.mu.Unlock()
	}()

	if err := c.Publish(subject, msg, inbox); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		return nil, xerrors.New(xerrors.Timeout, "request on %q timed out after %s", subject, timeout)
	}
}

// ProcessMessageQueue drains up to maxMessages pulled messages (PullQueue
// mode), invoking each one's subscription callbacks on the calling thread,
// and returns how many were processed. It returns early once timeout
// elapses with no further message available, or as soon as WakeUp is called
// from any thread (§4.8).
func (c *Connection) ProcessMessageQueue(timeout time.Duration, maxMessages int) int {
	deadline := time.Now().Add(timeout)
	n := 0
	for n < maxMessages {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return n
		}
		select {
		case pm := <-c.pullQueue:
			c.mu.Lock()
			info := c.subs[pm.subID]
			c.mu.Unlock()
			if info != nil {
				invokeCallbacks(info, pm.subject, pm.replySubject, pm.message)
			}
			n++
		case <-c.wakeCh:
			return n
		case <-time.After(remaining):
			return n
		}
	}
	return n
}

// WakeUp causes a concurrently-running ProcessMessageQueue call to return
// immediately, whatever its timeout or remaining maxMessages. It is an
// auto-reset event: at most one pending wake is held if ProcessMessageQueue
// isn't currently blocked to consume it. Safe to call from any thread.
func (c *Connection) WakeUp() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// Close sends Disconnect and tears down the connection's socket and loop.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		frame, off, err := wire.EncodeFrame(wire.Header{Action: wire.ActionDisconnect}, nil)
		if err == nil {
			c.sock.Write(frame, off)
		}
		c.sock.Close()
		c.loop.Stop()
		c.loop.Wait()
	})
}
