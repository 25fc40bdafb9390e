// Package service implements the per-service manager (C5): the table of
// client and mesh-peer sockets for one service, its subject-matching engine,
// and the fan-out algorithm that enforces the mesh loop-prevention invariant.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package service

import (
	"time"

	"github.com/richard-shepherd/MessagingMesh/cmn/nlog"
	"github.com/richard-shepherd/MessagingMesh/hk"
	"github.com/richard-shepherd/MessagingMesh/match"
	"github.com/richard-shepherd/MessagingMesh/metrics"
	"github.com/richard-shepherd/MessagingMesh/wire"
	"github.com/richard-shepherd/MessagingMesh/xloop"
	"github.com/richard-shepherd/MessagingMesh/xsocket"
)

// SocketKind distinguishes the three tables a Manager holds sockets in.
type SocketKind int

const (
	Client SocketKind = iota
	PeerInbound
	PeerOutbound
)

type socketEntry struct {
	sock       *xsocket.Socket
	kind       SocketKind
	isMeshPeer bool
}

// Manager owns one service's client and mesh-peer socket tables, its own
// event loop, and one subject-matching engine.
type Manager struct {
	Name string
	loop *xloop.Loop

	engine *match.Engine

	clientSockets       map[uint64]*socketEntry
	peerSocketsInbound  map[uint64]*socketEntry
	peerSocketsOutbound map[string]*socketEntry // keyed by peer gateway "host:port"

	subjectCount int // distinct locally-subscribed subjects, for the Subscriptions gauge
}

func (k SocketKind) metricLabel() string {
	switch k {
	case Client:
		return "client"
	case PeerInbound:
		return "peer-inbound"
	default:
		return "peer-outbound"
	}
}

// New creates a service manager named name, owning its own event loop (hot:
// per-service loops are on the latency-critical path per §4.2).
func New(name string) *Manager {
	m := &Manager{
		Name:                name,
		loop:                xloop.New("service:"+name, xloop.Hot),
		engine:              match.NewEngine(),
		clientSockets:       make(map[uint64]*socketEntry),
		peerSocketsInbound:  make(map[uint64]*socketEntry),
		peerSocketsOutbound: make(map[string]*socketEntry),
	}
	go m.loop.Run()

	hk.Reg(m.hkName(), func(time.Time) time.Duration {
		m.loop.Marshal(m.engine.PruneEmpty)
		return hk.PruneInterval
	}, hk.PruneInterval)

	return m
}

func (m *Manager) Loop() *xloop.Loop { return m.loop }

func (m *Manager) hkName() string { return "service-prune:" + m.Name }

// Stop tears down the manager's event loop. Sockets already registered are
// left to their own Close paths; Stop does not close them.
func (m *Manager) Stop() {
	hk.Unreg(m.hkName())
	m.loop.Stop()
	m.loop.Wait()
}

// Register files sock in the correct table, marks its mesh-peer flag, moves
// it to this manager's event loop, and emits an Ack once the move completes
// (§4.5 "On registration of a newly-arrived socket"). peerKey is only used
// (and required) for PeerOutbound.
//
// sock is still owned by its *current* loop when Register is called (the
// Gateway's loop, or a mesh peerConnection's loop), never by m.loop yet.
// SetCallback/MoveToLoop both touch sock's own state, so they must run on
// sock's current loop, not m.loop; the table insert is then marshaled onto
// m.loop chained from the same goroutine right after MoveToLoop, so it is
// enqueued behind MoveToLoop's own internal handoff closure and can never
// run ahead of it.
func (m *Manager) Register(sock *xsocket.Socket, kind SocketKind, peerKey string) {
	sock.Loop().Marshal(func() {
		sock.SetCallback(m)
		sock.MoveToLoop(m.loop)
		m.loop.Marshal(func() {
			entry := &socketEntry{sock: sock, kind: kind, isMeshPeer: kind != Client}
			switch kind {
			case Client:
				m.clientSockets[sock.ID()] = entry
			case PeerInbound:
				m.peerSocketsInbound[sock.ID()] = entry
			case PeerOutbound:
				m.peerSocketsOutbound[peerKey] = entry
			}
			metrics.Connections.WithLabelValues(m.Name, kind.metricLabel()).Inc()
		})
	})
}

// OnMoveToLoopComplete implements xsocket.EventCallback: once a newly
// registered socket has finished moving onto this manager's loop, we emit
// the Ack that lets the peer proceed (§4.5 step 4).
func (m *Manager) OnMoveToLoopComplete(s *xsocket.Socket) {
	frame, _, err := wire.EncodeFrame(wire.Header{Action: wire.ActionAck}, nil)
	if err != nil {
		nlog.Errorf("service %s: failed to build Ack for socket %s: %v", m.Name, s.Name(), err)
		return
	}
	s.Write(frame, -1)
}

func (*Manager) OnConnectionStatusChanged(*xsocket.Socket, xsocket.ConnectionStatus, string) {}
func (*Manager) OnNewConnection(*xsocket.Socket, *xsocket.Socket)                           {}

// OnDataReceived implements xsocket.EventCallback: dispatch by action.
func (m *Manager) OnDataReceived(s *xsocket.Socket, h wire.Header, body *wire.Message) {
	switch h.Action {
	case wire.ActionSubscribe:
		m.handleSubscribe(s, h)
	case wire.ActionUnsubscribe:
		m.handleUnsubscribe(s, h)
	case wire.ActionPublish:
		m.handlePublish(s, h, body)
	case wire.ActionDisconnect:
		m.handleDisconnect(s)
	case wire.ActionAck:
		// A mesh peer's registration Ack arriving on a peer link; nothing to do.
	default:
		nlog.Warningf("service %s: protocol violation from %s: unexpected action %s", m.Name, s.Name(), h.Action)
		s.Close()
	}
}

// OnDisconnected implements xsocket.EventCallback: an unexpected drop is
// treated exactly like an explicit Disconnect frame.
func (m *Manager) OnDisconnected(s *xsocket.Socket, _ error) {
	m.handleDisconnect(s)
}

func (m *Manager) entry(id uint64) *socketEntry {
	if e, ok := m.clientSockets[id]; ok {
		return e
	}
	if e, ok := m.peerSocketsInbound[id]; ok {
		return e
	}
	for _, e := range m.peerSocketsOutbound {
		if e.sock.ID() == id {
			return e
		}
	}
	return nil
}

func (m *Manager) isMeshPeer(id uint64) bool {
	e := m.entry(id)
	return e != nil && e.isMeshPeer
}

func (m *Manager) handleSubscribe(s *xsocket.Socket, h wire.Header) {
	count, err := m.engine.AddSubscription(h.Subject, h.SubscriptionID, match.OwnerKey(s.ID()), s)
	if err != nil {
		nlog.Warningf("service %s: subscribe rejected from %s: %v", m.Name, s.Name(), err)
		return
	}
	if count == 1 {
		m.subjectCount++
		metrics.Subscriptions.WithLabelValues(m.Name).Set(float64(m.subjectCount))
		if !m.isMeshPeer(s.ID()) {
			m.relayToPeers(h)
		}
	}
}

func (m *Manager) handleUnsubscribe(s *xsocket.Socket, h wire.Header) {
	count, err := m.engine.RemoveSubscription(h.Subject, match.OwnerKey(s.ID()))
	if err != nil {
		nlog.Warningf("service %s: unsubscribe rejected from %s: %v", m.Name, s.Name(), err)
		return
	}
	if count == 0 {
		m.subjectCount--
		metrics.Subscriptions.WithLabelValues(m.Name).Set(float64(m.subjectCount))
		if !m.isMeshPeer(s.ID()) {
			m.relayToPeers(h)
		}
	}
}

func (m *Manager) relayToPeers(h wire.Header) {
	frame, subIDOffset, err := wire.EncodeFrame(h, nil)
	if err != nil {
		nlog.Errorf("service %s: failed to build relay frame: %v", m.Name, err)
		return
	}
	for _, peer := range m.peerSocketsOutbound {
		peer.sock.Write(frame, subIDOffset)
	}
}

// handlePublish implements the normative fan-out algorithm of §4.5: a record
// targeting a non-peer socket is always delivered (possibly more than once,
// once per matching subscription pattern); a record targeting a mesh peer is
// delivered at most once, and only when the publish did not itself originate
// from a mesh peer (cycle prevention).
func (m *Manager) handlePublish(s *xsocket.Socket, h wire.Header, body *wire.Message) {
	metrics.PublishesTotal.WithLabelValues(m.Name).Inc()

	recs, err := m.engine.Match(h.Subject)
	if err != nil {
		nlog.Warningf("service %s: publish from %s aborted: %v", m.Name, s.Name(), err)
		return
	}
	if len(recs) == 0 {
		return
	}

	frame, subIDOffset, err := wire.EncodeFrame(h, body)
	if err != nil {
		nlog.Errorf("service %s: failed to build publish frame: %v", m.Name, err)
		return
	}
	sourceIsMeshPeer := m.isMeshPeer(s.ID())

	alreadyUpdatedPeer := make(map[uint64]bool)
	for _, r := range recs {
		target, ok := r.Target.(*xsocket.Socket)
		if !ok || target == nil {
			continue
		}
		if !m.isMeshPeer(target.ID()) {
			target.WriteWithOverride(frame, subIDOffset, r.SubscriptionID)
			metrics.FanOutTotal.WithLabelValues(m.Name, metrics.RecipientClient).Inc()
			continue
		}
		if sourceIsMeshPeer || alreadyUpdatedPeer[target.ID()] {
			continue
		}
		target.WriteWithOverride(frame, subIDOffset, r.SubscriptionID)
		metrics.FanOutTotal.WithLabelValues(m.Name, metrics.RecipientPeer).Inc()
		alreadyUpdatedPeer[target.ID()] = true
	}
}

func (m *Manager) handleDisconnect(s *xsocket.Socket) {
	id := s.ID()
	m.engine.RemoveAllForOwner(match.OwnerKey(id))

	if e, ok := m.clientSockets[id]; ok {
		metrics.Connections.WithLabelValues(m.Name, e.kind.metricLabel()).Dec()
		delete(m.clientSockets, id)
	}
	if e, ok := m.peerSocketsInbound[id]; ok {
		metrics.Connections.WithLabelValues(m.Name, e.kind.metricLabel()).Dec()
		delete(m.peerSocketsInbound, id)
	}
	for key, e := range m.peerSocketsOutbound {
		if e.sock.ID() == id {
			metrics.Connections.WithLabelValues(m.Name, e.kind.metricLabel()).Dec()
			delete(m.peerSocketsOutbound, key)
		}
	}
	nlog.Infof("service %s: %s disconnected", m.Name, s.Name())
}

// Snapshot is the diagnostic/introspection surface (§13 supplemented
// feature), giving a point-in-time view of this service's tables without
// exposing the out-of-scope JSON stats wire format.
type Snapshot struct {
	ClientCount       int
	PeerInboundCount  int
	PeerOutboundCount int
}

// dumpServiceState returns a Snapshot, synchronously, by marshalling the
// read onto the manager's own loop (the tables are only ever safe to read
// there).
func (m *Manager) dumpServiceState() Snapshot {
	done := make(chan Snapshot, 1)
	m.loop.Marshal(func() {
		done <- Snapshot{
			ClientCount:       len(m.clientSockets),
			PeerInboundCount:  len(m.peerSocketsInbound),
			PeerOutboundCount: len(m.peerSocketsOutbound),
		}
	})
	return <-done
}

// DumpServiceState is the exported form of dumpServiceState, used by
// gateway's diagnostic handler and by tests.
func (m *Manager) DumpServiceState() Snapshot { return m.dumpServiceState() }
