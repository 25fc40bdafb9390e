// Package xsocket implements the Socket: a TCP endpoint bound to one xloop.Loop
// at a time, with listen/accept, async connect, framed read with reassembly,
// coalesced write, and move-to-loop handoff between loops.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package xsocket

import (
	"encoding/binary"
	"net"
	"os"
	"strconv"
	ratomic "sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/richard-shepherd/MessagingMesh/cmn/debug"
	"github.com/richard-shepherd/MessagingMesh/cmn/mono"
	"github.com/richard-shepherd/MessagingMesh/cmn/nlog"
	"github.com/richard-shepherd/MessagingMesh/cmn/xerrors"
	"github.com/richard-shepherd/MessagingMesh/metrics"
	"github.com/richard-shepherd/MessagingMesh/wire"
	"github.com/richard-shepherd/MessagingMesh/xloop"
)

// State is the socket's lifecycle state (§4.3).
type State int32

const (
	Fresh State = iota
	Listening
	Connecting
	Connected
	Migrating
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "Fresh"
	case Listening:
		return "Listening"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Migrating:
		return "Migrating"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStatus is reported to EventCallback.OnConnectionStatusChanged.
type ConnectionStatus int

const (
	ConnectionSucceeded ConnectionStatus = iota
	ConnectionFailed
)

// EventCallback receives socket lifecycle and data events. All methods are
// invoked on the socket's owning loop thread.
type EventCallback interface {
	OnConnectionStatusChanged(s *Socket, status ConnectionStatus, errMsg string)
	OnNewConnection(listener *Socket, accepted *Socket)
	OnDataReceived(s *Socket, header wire.Header, body *wire.Message)
	OnMoveToLoopComplete(s *Socket)
	OnDisconnected(s *Socket, err error)
}

// smallMessageSendBufferSize is the write-coalescing aggregate threshold:
// frames at or below this size are packed together into one send; larger
// frames are sent individually (§4.3, §9 supplemented backpressure policy).
const smallMessageSendBufferSize = 8192

// maxQueuedWriteBytes bounds the write queue; once exceeded the overflow is
// logged and the socket is closed rather than growing unbounded (§9 supplemented
// feature, grounded on transport/bundle's burst() channel sizing).
const maxQueuedWriteBytes = 64 * 1024 * 1024

var nextSocketID uint64

type queuedWrite struct {
	frame         []byte
	subIDOffset   int // -1 if the frame carries no patchable subscription-id field
	overrideSubID uint32
	hasOverride   bool
}

// Socket is a TCP endpoint bound to one xloop.Loop at a time.
type Socket struct {
	id   uint64
	name string

	loop ratomic.Pointer[xloop.Loop]
	cb   EventCallback

	state ratomic.Int32

	conn     net.Conn
	listener net.Listener

	writeMu      chan struct{} // 1-buffered, acts as a mutex usable from any goroutine
	writeQueue   []queuedWrite
	queuedBytes  int64
	writeKey     string

	asm wire.Assembler

	readStop chan struct{}
	migrated chan struct{} // closed once the read goroutine for this generation exits
}

// New creates a socket bound to loop, reporting events to cb.
func New(loop *xloop.Loop, cb EventCallback) *Socket {
	id := ratomic.AddUint64(&nextSocketID, 1)
	s := &Socket{
		id:       id,
		name:     "S" + strconv.FormatUint(id, 10),
		cb:       cb,
		writeMu:  make(chan struct{}, 1),
		writeKey: "S" + strconv.FormatUint(id, 10) + "W",
	}
	s.writeMu <- struct{}{}
	s.loop.Store(loop)
	s.state.Store(int32(Fresh))
	return s
}

func (s *Socket) ID() uint64     { return s.id }
func (s *Socket) Name() string   { return s.name }
func (s *Socket) State() State   { return State(s.state.Load()) }
func (s *Socket) Loop() *xloop.Loop { return s.loop.Load() }

func (s *Socket) setName(n string) { s.name = n }

// SetCallback re-points the socket's event callback. Used when a socket is
// handed off from a Gateway's pending-connection stage to the owning service
// manager, which then becomes the recipient of its lifecycle and data events.
func (s *Socket) SetCallback(cb EventCallback) { s.cb = cb }

// Listen binds 0.0.0.0:port and begins accepting; Nagle is disabled
// explicitly (SetNoDelay) on each accepted connection.
func (s *Socket) Listen(port int) error {
	ln, err := net.Listen("tcp", "0.0.0.0:"+strconv.Itoa(port))
	if err != nil {
		return xerrors.Wrap(xerrors.TransportFailure, err, "listen on port %d", port)
	}
	s.listener = ln
	s.setName("LISTENING-SOCKET:" + strconv.Itoa(port))
	s.state.Store(int32(Listening))
	nlog.Infof("socket %s: listening", s.name)

	go s.acceptLoop()
	return nil
}

func (s *Socket) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		accepted := New(s.loop.Load(), s.cb)
		accepted.conn = conn
		accepted.setName(conn.RemoteAddr().String())
		accepted.state.Store(int32(Connected))
		// OnNewConnection must be marshaled (registering accepted with the
		// owner, e.g. into gateway's pending table) before the read goroutine
		// starts: startReading's feed() marshals OnDataReceived onto the same
		// loop as soon as a frame completes, and without this ordering that
		// closure could reach the loop first, finding the socket not yet
		// registered.
		loop := s.loop.Load()
		loop.Marshal(func() {
			s.cb.OnNewConnection(s, accepted)
		})
		accepted.startReading()
	}
}

// Connect resolves host asynchronously and initiates a TCP connect,
// delivering ConnectionSucceeded or ConnectionFailed via EventCallback.
func (s *Socket) Connect(host string, port int) {
	s.state.Store(int32(Connecting))
	s.setName(host + ":" + strconv.Itoa(port))
	nlog.Infof("socket %s: connecting", s.name)

	go func() {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
		loop := s.loop.Load()
		if err != nil {
			loop.Marshal(func() {
				s.state.Store(int32(Closed))
				s.cb.OnConnectionStatusChanged(s, ConnectionFailed, err.Error())
			})
			return
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		loop.Marshal(func() {
			s.conn = conn
			s.state.Store(int32(Connected))
			s.startReading()
			s.drainQueuedWrites()
			s.cb.OnConnectionStatusChanged(s, ConnectionSucceeded, "")
		})
	}()
}

// startReading launches the blocking-read goroutine for the current conn
// generation. Reads are parsed into frames by an Assembler and handed to the
// owning loop, one frame at a time, preserving the loop's single-threaded
// callback contract even though the read itself happens off-loop.
func (s *Socket) startReading() {
	s.readStop = make(chan struct{})
	conn := s.conn
	stop := s.readStop
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				s.feed(buf[:n], stop)
			}
			if err != nil {
				select {
				case <-stop:
					return // migrating or closing: expected read error on old fd
				default:
				}
				loop := s.loop.Load()
				loop.Marshal(func() {
					s.transitionClosed(err)
				})
				return
			}
		}
	}()
}

func (s *Socket) feed(p []byte, stop chan struct{}) {
	for len(p) > 0 {
		select {
		case <-stop:
			return
		default:
		}
		n := s.asm.Feed(p)
		if n == 0 {
			return
		}
		p = p[n:]
		if s.asm.HasCompleteFrame() {
			payload := make([]byte, len(s.asm.Payload()))
			copy(payload, s.asm.Payload())
			s.asm.Reset()
			loop := s.loop.Load()
			loop.Marshal(func() {
				header, body, err := wire.DecodeFrame(payload)
				if err != nil {
					nlog.Warningf("socket %s: protocol violation: %v", s.name, err)
					s.Close()
					return
				}
				s.cb.OnDataReceived(s, header, body)
			})
		}
	}
}

func (s *Socket) transitionClosed(err error) {
	if State(s.state.Load()) == Closed {
		return
	}
	s.state.Store(int32(Closed))
	if s.conn != nil {
		_ = s.conn.Close()
	}
	nlog.Infof("socket %s: disconnected: %v", s.name, err)
	s.cb.OnDisconnected(s, err)
}

// Write enqueues frame for sending. frame must already have subIDOffset
// pointing at its (unpatched) subscription-id field, or subIDOffset == -1
// for frames with no such field. Thread-safe: may be called from any
// goroutine, before Connected or during Migrating — in which case the write
// is held and drains on the next entry to Connected.
func (s *Socket) Write(frame []byte, subIDOffset int) {
	s.enqueue(queuedWrite{frame: frame, subIDOffset: subIDOffset})
}

// WriteWithOverride is Write plus a per-recipient subscription-id override,
// patched into frame's copy just before it is sent (the write-coalescing
// mechanism used for per-subscriber fan-out).
func (s *Socket) WriteWithOverride(frame []byte, subIDOffset int, overrideSubID uint32) {
	s.enqueue(queuedWrite{frame: frame, subIDOffset: subIDOffset, overrideSubID: overrideSubID, hasOverride: true})
}

func (s *Socket) enqueue(w queuedWrite) {
	<-s.writeMu
	s.writeQueue = append(s.writeQueue, w)
	s.queuedBytes += int64(len(w.frame))
	overflow := s.queuedBytes > maxQueuedWriteBytes
	metrics.WriteQueueBytes.WithLabelValues(s.name).Set(float64(s.queuedBytes))
	s.writeMu <- struct{}{}

	if overflow {
		loop := s.loop.Load()
		loop.MarshalUnique(s.writeKey+"-overflow", func() {
			nlog.Errorf("socket %s: write queue exceeded %d bytes, closing", s.name, maxQueuedWriteBytes)
			s.Close()
		})
		return
	}

	loop := s.loop.Load()
	loop.MarshalUnique(s.writeKey, s.drainQueuedWrites)
}

// drainQueuedWrites runs on the loop thread: it pulls every currently-queued
// write, coalesces small frames into shared send buffers up to
// smallMessageSendBufferSize, sends large frames individually, and performs
// any per-recipient subscription-id patch on a private copy of the frame.
func (s *Socket) drainQueuedWrites() {
	state := State(s.state.Load())
	if state != Connected {
		return // held until Connected; Migrating/Connecting re-queues implicitly
	}

	<-s.writeMu
	items := s.writeQueue
	s.writeQueue = nil
	s.queuedBytes = 0
	metrics.WriteQueueBytes.WithLabelValues(s.name).Set(0)
	s.writeMu <- struct{}{}

	if len(items) == 0 {
		return
	}

	var agg []byte
	flush := func() {
		if len(agg) == 0 {
			return
		}
		if _, err := s.conn.Write(agg); err != nil {
			s.transitionClosed(err)
		}
		agg = nil
	}

	for _, w := range items {
		if state = State(s.state.Load()); state != Connected {
			return
		}
		patched := patchFrame(w)
		if len(patched) <= smallMessageSendBufferSize {
			if len(agg)+len(patched) > smallMessageSendBufferSize {
				flush()
			}
			agg = append(agg, patched...)
			continue
		}
		flush()
		if _, err := s.conn.Write(patched); err != nil {
			s.transitionClosed(err)
			return
		}
	}
	flush()
}

func patchFrame(w queuedWrite) []byte {
	if !w.hasOverride || w.subIDOffset < 0 {
		return w.frame
	}
	cp := make([]byte, len(w.frame))
	copy(cp, w.frame)
	binary.LittleEndian.PutUint32(cp[w.subIDOffset:w.subIDOffset+4], w.overrideSubID)
	return cp
}

// MoveToLoop duplicates the underlying OS socket handle, closes the original
// on the source loop, then registers the duplicate on target. No bytes are
// lost; reads pause for the duration of the migration.
func (s *Socket) MoveToLoop(target *xloop.Loop) {
	debug.Assert(s.conn != nil, "move-to-loop on unconnected socket")
	s.state.Store(int32(Migrating))
	close(s.readStop) // stop the old read goroutine; in-flight frame bytes already fed are unaffected

	tc, ok := s.conn.(*net.TCPConn)
	if !ok {
		nlog.Errorf("socket %s: move-to-loop requires a TCP socket", s.name)
		return
	}
	start := mono.NanoTime()
	f, err := tc.File()
	if err != nil {
		nlog.Errorf("socket %s: move-to-loop File() failed: %v", s.name, err)
		return
	}
	dupFD, err := unix.Dup(int(f.Fd()))
	_ = f.Close() // closes our duplicate-of-the-original fd, not the socket
	if err != nil {
		nlog.Errorf("socket %s: move-to-loop dup failed: %v", s.name, err)
		return
	}
	_ = s.conn.Close()
	s.conn = nil

	target.Marshal(func() {
		s.registerDuplicated(target, dupFD, start)
	})
}

func (s *Socket) registerDuplicated(target *xloop.Loop, fd int, migrationStart int64) {
	f := fdToFile(fd, s.name)
	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		nlog.Errorf("socket %s: move-to-loop FileConn failed: %v", s.name, err)
		s.state.Store(int32(Closed))
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	s.conn = conn
	s.loop.Store(target)
	s.state.Store(int32(Connected))
	s.startReading()
	s.drainQueuedWrites()
	nlog.Infof("socket %s: moved to loop %s (%v)", s.name, target.Name(), mono.Since(migrationStart))
	s.cb.OnMoveToLoopComplete(s)
}

// fdToFile wraps a raw duplicated file descriptor as *os.File for handoff
// into net.FileConn; name is cosmetic (os.File uses it only in error text).
func fdToFile(fd int, name string) *os.File {
	return os.NewFile(uintptr(fd), name)
}

// Close marshals the socket's teardown to its owning loop, since the handle
// may only be manipulated there. Safe to call more than once.
func (s *Socket) Close() {
	loop := s.loop.Load()
	loop.Marshal(func() {
		if State(s.state.Load()) == Closed || State(s.state.Load()) == Closing {
			return
		}
		s.state.Store(int32(Closing))
		if s.readStop != nil {
			select {
			case <-s.readStop:
			default:
				close(s.readStop)
			}
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.state.Store(int32(Closed))
		nlog.Infof("socket %s: closed", s.name)
	})
}
