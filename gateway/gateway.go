// Package gateway implements the Gateway (C7): the listening socket, the
// pending-connections table, and first-frame routing to per-service
// managers.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package gateway

import (
	"sync"

	"github.com/richard-shepherd/MessagingMesh/cmn/nlog"
	"github.com/richard-shepherd/MessagingMesh/hk"
	"github.com/richard-shepherd/MessagingMesh/service"
	"github.com/richard-shepherd/MessagingMesh/wire"
	"github.com/richard-shepherd/MessagingMesh/xloop"
	"github.com/richard-shepherd/MessagingMesh/xsocket"
)

// Gateway owns one cold event loop and one listening socket. On accept, the
// new socket waits in pendingConnections for its first frame, which must be
// Connect or ConnectMeshPeer; anything else is a protocol error.
type Gateway struct {
	loop     *xloop.Loop
	listener *xsocket.Socket
	port     int

	pending map[uint64]*xsocket.Socket

	mu       sync.Mutex
	services map[string]*service.Manager
}

// New creates a Gateway listening on port. The Gateway's own loop runs cold
// (§4.2: cold is for the management loop).
func New(port int) (*Gateway, error) {
	gw := &Gateway{
		loop:     xloop.New("gateway", xloop.Cold),
		port:     port,
		pending:  make(map[uint64]*xsocket.Socket),
		services: make(map[string]*service.Manager),
	}
	go gw.loop.Run()
	hk.DefaultHK.Start()

	gw.listener = xsocket.New(gw.loop, gw)
	if err := gw.listener.Listen(port); err != nil {
		gw.loop.Stop()
		gw.loop.Wait()
		return nil, err
	}
	nlog.Infof("gateway listening on port %d", port)
	return gw, nil
}

// Stop tears down the Gateway's loop and every service manager it created.
func (gw *Gateway) Stop() {
	gw.mu.Lock()
	services := make([]*service.Manager, 0, len(gw.services))
	for _, m := range gw.services {
		services = append(services, m)
	}
	gw.mu.Unlock()
	for _, m := range services {
		m.Stop()
	}
	gw.loop.Stop()
	gw.loop.Wait()
}

// GetOrCreateServiceManager implements mesh.GatewayHost.
func (gw *Gateway) GetOrCreateServiceManager(name string) *service.Manager {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if m, ok := gw.services[name]; ok {
		return m
	}
	m := service.New(name)
	gw.services[name] = m
	return m
}

// DumpServiceState is the diagnostic/introspection surface (§13 supplemented
// feature): a point-in-time snapshot of one service's tables, or ok=false if
// no such service has been created.
func (gw *Gateway) DumpServiceState(name string) (snap service.Snapshot, ok bool) {
	gw.mu.Lock()
	m, ok := gw.services[name]
	gw.mu.Unlock()
	if !ok {
		return service.Snapshot{}, false
	}
	return m.DumpServiceState(), true
}

// OnNewConnection implements xsocket.EventCallback: files a newly accepted
// socket into pendingConnections, keyed by socket id.
func (gw *Gateway) OnNewConnection(_ *xsocket.Socket, accepted *xsocket.Socket) {
	gw.pending[accepted.ID()] = accepted
}

// OnDataReceived implements xsocket.EventCallback: the first (and only, from
// the Gateway's perspective) frame a pending socket may send is Connect or
// ConnectMeshPeer; anything else is a protocol error.
func (gw *Gateway) OnDataReceived(s *xsocket.Socket, h wire.Header, _ *wire.Message) {
	if _, ok := gw.pending[s.ID()]; !ok {
		return // already handed off; should not still be routed through the Gateway
	}
	delete(gw.pending, s.ID())

	switch h.Action {
	case wire.ActionConnect:
		gw.GetOrCreateServiceManager(h.Subject).Register(s, service.Client, "")
	case wire.ActionConnectMeshPeer:
		gw.GetOrCreateServiceManager(h.Subject).Register(s, service.PeerInbound, "")
	default:
		nlog.Warningf("gateway: protocol violation from %s: first frame was %s", s.Name(), h.Action)
		s.Close()
	}
}

// OnDisconnected implements xsocket.EventCallback: a pending socket that
// disconnects before sending a valid connect frame is simply dropped.
func (gw *Gateway) OnDisconnected(s *xsocket.Socket, _ error) {
	delete(gw.pending, s.ID())
}

func (*Gateway) OnConnectionStatusChanged(*xsocket.Socket, xsocket.ConnectionStatus, string) {}
func (*Gateway) OnMoveToLoopComplete(*xsocket.Socket)                                        {}
