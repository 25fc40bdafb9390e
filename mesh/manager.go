// Package mesh implements the mesh manager (C6): parses the startup mesh
// configuration, determines which services this Gateway hosts (SELF) versus
// which peer endpoints it must dial (PEER), and dials outbound peer
// connections, redialing a failed connect on a flat timer.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package mesh

import (
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/richard-shepherd/MessagingMesh/cmn/config"
	"github.com/richard-shepherd/MessagingMesh/cmn/nlog"
	"github.com/richard-shepherd/MessagingMesh/cmn/xerrors"
	"github.com/richard-shepherd/MessagingMesh/service"
	"github.com/richard-shepherd/MessagingMesh/wire"
	"github.com/richard-shepherd/MessagingMesh/xloop"
	"github.com/richard-shepherd/MessagingMesh/xsocket"
)

// reconnectDelay is the flat, single-shot retry interval on outbound peer
// connection failure (§4.6).
const reconnectDelay = 30 * time.Second

// maxConcurrentInitialDials bounds how many peer connections Init stands up
// (loop goroutine started, asynchronous dial kicked off) at once.
const maxConcurrentInitialDials = 8

// ErrCoordinatorUnsupported is returned by DiscoverViaCoordinator: the
// coordinator-based peer discovery protocol is explicitly out of scope for
// this spec (§4.6); the flag and address are parsed and retained but never
// acted on.
var ErrCoordinatorUnsupported = xerrors.New(xerrors.PolicyViolation, "coordinator-based mesh discovery is not supported")

// GatewayHost is the subset of gateway.Gateway the mesh manager depends on;
// expressed as an interface here to avoid an import cycle (gateway imports
// mesh, not the other way around).
type GatewayHost interface {
	GetOrCreateServiceManager(name string) *service.Manager
}

// Manager owns the outbound peer connections for every service this Gateway
// hosts.
type Manager struct {
	coordinatorGateway string
	peers              []*peerConnection
}

// New creates an empty mesh manager.
func New() *Manager { return &Manager{} }

// Init parses cfg, classifies each service's MeshGateways entries as SELF or
// PEER by comparing resolved (ip, port) to this process's own selfPort, and
// for every service this Gateway hosts (SELF) starts dialing its peers.
func (m *Manager) Init(cfg *config.MeshConfig, selfPort int, host GatewayHost) error {
	m.coordinatorGateway = cfg.CoordinatorGateway

	var pending []*peerConnection
	for _, sm := range cfg.StartupMeshes {
		if sm.DiscoverMeshUsingCoordinator {
			nlog.Warningf("mesh %s: coordinator-based discovery requested but unsupported (coordinator=%s); using explicit MeshGateways only", sm.Name, m.coordinatorGateway)
		}

		isSelf, peerAddrs, err := classify(sm.MeshGateways, selfPort)
		if err != nil {
			return xerrors.Wrap(xerrors.InternalInvariant, err, "classifying mesh %s", sm.Name)
		}
		if !isSelf {
			continue
		}

		mgr := host.GetOrCreateServiceManager(sm.Name)
		for _, addr := range peerAddrs {
			pc := newPeerConnection(sm.Name, addr, mgr)
			m.peers = append(m.peers, pc)
			pending = append(pending, pc)
		}
	}

	// Bound how many peer connections are stood up (loop spawned, initial
	// dial kicked off) at once, so a mesh config with many peers doesn't
	// burst-spawn goroutines all in one tick of Init.
	g := new(errgroup.Group)
	g.SetLimit(maxConcurrentInitialDials)
	for _, pc := range pending {
		pc := pc
		g.Go(func() error {
			pc.start()
			return nil
		})
	}
	return g.Wait()
}

// DiscoverViaCoordinator is the explicit no-op stub for §4.6's
// coordinator-based discovery.
func (m *Manager) DiscoverViaCoordinator() error { return ErrCoordinatorUnsupported }

// classify resolves each entry in entries to an IPv4 address and compares it
// to this process's own addresses and selfPort, returning whether this
// process is one of the entries (SELF) and the remaining entries (PEER).
func classify(entries []string, selfPort int) (isSelf bool, peers []string, err error) {
	local, err := localIPs()
	if err != nil {
		return false, nil, err
	}
	for _, entry := range entries {
		host, portStr, err := net.SplitHostPort(entry)
		if err != nil {
			return false, nil, xerrors.Wrap(xerrors.ProtocolViolation, err, "invalid MeshGateways entry %q", entry)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return false, nil, xerrors.Wrap(xerrors.ProtocolViolation, err, "invalid port in MeshGateways entry %q", entry)
		}
		ip, err := resolveIPv4(host)
		if err != nil {
			return false, nil, xerrors.Wrap(xerrors.TransportFailure, err, "resolving MeshGateways entry %q", entry)
		}
		if port == selfPort && local[ip] {
			isSelf = true
			continue
		}
		peers = append(peers, entry)
	}
	return isSelf, peers, nil
}

func localIPs() (map[string]bool, error) {
	ips := map[string]bool{"127.0.0.1": true}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.InternalInvariant, err, "enumerating local interfaces")
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.To4() != nil {
			ips[ipNet.IP.String()] = true
		}
	}
	return ips, nil
}

func resolveIPv4(host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		return ip.String(), nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return "", err
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", xerrors.New(xerrors.TransportFailure, "no IPv4 address found for %q", host)
}

// peerConnection owns one dedicated event loop and outbound Socket for one
// mesh peer endpoint, redialing on a flat timer until connected.
type peerConnection struct {
	serviceName string
	addr        string
	mgr         *service.Manager
	loop        *xloop.Loop
}

func newPeerConnection(serviceName, addr string, mgr *service.Manager) *peerConnection {
	return &peerConnection{
		serviceName: serviceName,
		addr:        addr,
		mgr:         mgr,
		loop:        xloop.New("peer:"+serviceName+":"+addr, xloop.Hot),
	}
}

func (p *peerConnection) start() {
	go p.loop.Run()
	p.dial()
}

func (p *peerConnection) dial() {
	host, portStr, err := net.SplitHostPort(p.addr)
	if err != nil {
		nlog.Errorf("mesh: invalid peer address %q: %v", p.addr, err)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		nlog.Errorf("mesh: invalid peer port in %q: %v", p.addr, err)
		return
	}
	sock := xsocket.New(p.loop, &peerDialCallback{p: p})
	sock.Connect(host, port)
}

// peerDialCallback handles the outcome of one dial attempt: on success it
// sends ConnectMeshPeer and hands the socket to the service manager; on
// failure it schedules exactly one redial after reconnectDelay.
type peerDialCallback struct {
	p *peerConnection
}

func (c *peerDialCallback) OnConnectionStatusChanged(s *xsocket.Socket, status xsocket.ConnectionStatus, errMsg string) {
	if status != xsocket.ConnectionSucceeded {
		nlog.Warningf("mesh: connect to peer %s failed: %s; retrying in %s", c.p.addr, errMsg, reconnectDelay)
		time.AfterFunc(reconnectDelay, c.p.dial)
		return
	}
	frame, subIDOffset, err := wire.EncodeFrame(wire.Header{Action: wire.ActionConnectMeshPeer, Subject: c.p.serviceName}, nil)
	if err != nil {
		nlog.Errorf("mesh: failed to build ConnectMeshPeer for %s: %v", c.p.addr, err)
		return
	}
	s.Write(frame, subIDOffset)
	c.p.mgr.Register(s, service.PeerOutbound, c.p.addr)
}

func (*peerDialCallback) OnNewConnection(*xsocket.Socket, *xsocket.Socket) {}
func (*peerDialCallback) OnMoveToLoopComplete(*xsocket.Socket)             {}
func (*peerDialCallback) OnDataReceived(*xsocket.Socket, wire.Header, *wire.Message) {}

// OnDisconnected schedules a redial, like a fresh dial failure. It fires only
// while this is still the socket's callback: once Register hands the socket
// to the service manager, a dropped link goes to the manager's disconnect
// path instead and is not redialed.
func (c *peerDialCallback) OnDisconnected(*xsocket.Socket, error) {
	nlog.Warningf("mesh: peer %s disconnected; retrying in %s", c.p.addr, reconnectDelay)
	time.AfterFunc(reconnectDelay, c.p.dial)
}
