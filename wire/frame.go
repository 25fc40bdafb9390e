// Package wire implements the gateway's framed binary protocol: a writable
// Builder that accumulates primitives into a length-prefixed frame, a Reader
// that pulls them back out, and an Assembler that reconstructs frames from a
// bytestream one read() at a time.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import (
	"encoding/binary"
	"math"

	"github.com/richard-shepherd/MessagingMesh/cmn/xerrors"
)

const (
	// LenPrefixSize is the width of the frame's own length prefix; Length
	// counts these bytes, so the smallest legal frame is LenPrefixSize.
	LenPrefixSize = 4

	dfltBuilderCap = 64 // typical initial capacity; append() doubles from here
)

///////////
// Builder //
///////////

// Builder accumulates primitives into a growable byte region with the first
// LenPrefixSize bytes reserved for the frame's own length, written last, at
// the moment the frame is handed to the socket.
type Builder struct {
	buf []byte
}

// NewBuilder starts a frame builder with the length prefix reserved.
func NewBuilder() *Builder {
	b := &Builder{buf: make([]byte, LenPrefixSize, dfltBuilderCap)}
	return b
}

func (b *Builder) WriteUint8(v uint8) { b.buf = append(b.buf, v) }

func (b *Builder) WriteBool(v bool) {
	if v {
		b.buf = append(b.buf, 0x01)
	} else {
		b.buf = append(b.buf, 0x00)
	}
}

func (b *Builder) WriteUint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *Builder) WriteInt32(v int32) { b.WriteUint32(uint32(v)) }

func (b *Builder) WriteUint64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *Builder) WriteInt64(v int64) { b.WriteUint64(uint64(v)) }

func (b *Builder) WriteDouble(v float64) { b.WriteUint64(math.Float64bits(v)) }

func (b *Builder) WriteString(s string) {
	b.WriteUint32(uint32(len(s)))
	b.buf = append(b.buf, s...)
}

// WriteBlob is wire-identical to WriteString; the distinction (ownership of
// the backing bytes) is an API-boundary concern the wire format doesn't see.
func (b *Builder) WriteBlob(p []byte) {
	b.WriteUint32(uint32(len(p)))
	b.buf = append(b.buf, p...)
}

// Offset returns the current write position, used by callers (e.g. WriteHeader)
// that need to remember where a field landed for later patching in place.
func (b *Builder) Offset() int { return len(b.buf) }

// PatchUint32 overwrites 4 already-written bytes at off with v, e.g. the
// header's subscription-id slot whose offset WriteHeader returns. The socket
// layer's per-recipient override patches the same slot, but on its own copy
// of the finished frame (xsocket's patchFrame), not through this method.
func (b *Builder) PatchUint32(off int, v uint32) {
	binary.LittleEndian.PutUint32(b.buf[off:off+4], v)
}

// Bytes finalizes the frame: it writes the length prefix into the first
// LenPrefixSize bytes and returns the complete wire-ready buffer.
func (b *Builder) Bytes() []byte {
	binary.LittleEndian.PutUint32(b.buf[0:4], uint32(len(b.buf)))
	return b.buf
}

// Len reports the frame's current total length including the prefix.
func (b *Builder) Len() int { return len(b.buf) }

//////////
// Reader //
//////////

// Reader pulls primitives back out of a completed frame's payload (the bytes
// after the length prefix).
type Reader struct {
	buf []byte
	off int
}

// NewReader wraps a frame payload (length prefix already stripped).
func NewReader(payload []byte) *Reader { return &Reader{buf: payload} }

func (r *Reader) remaining() int { return len(r.buf) - r.off }

func errShortRead(need int, have int) error {
	return xerrors.New(xerrors.ProtocolViolation, "short read: need %d bytes, have %d", need, have)
}

func (r *Reader) ReadUint8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, errShortRead(1, r.remaining())
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	if err != nil {
		return false, err
	}
	switch v {
	case 0x00:
		return false, nil
	case 0x01:
		return true, nil
	default:
		return false, xerrors.New(xerrors.ProtocolViolation, "invalid bool byte 0x%02x", v)
	}
}

func (r *Reader) ReadUint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, errShortRead(4, r.remaining())
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off : r.off+4])
	r.off += 4
	return v, nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadUint64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, errShortRead(8, r.remaining())
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off : r.off+8])
	r.off += 8
	return v, nil
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

func (r *Reader) ReadDouble() (float64, error) {
	v, err := r.ReadUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

func (r *Reader) ReadString() (string, error) {
	p, err := r.readBytes()
	if err != nil {
		return "", err
	}
	return string(p), nil
}

func (r *Reader) ReadBlob() ([]byte, error) { return r.readBytes() }

func (r *Reader) readBytes() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if r.remaining() < int(n) {
		return nil, errShortRead(int(n), r.remaining())
	}
	p := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return p, nil
}

// Remaining reports how many payload bytes remain unread.
func (r *Reader) Remaining() int { return r.remaining() }

///////////////
// Assembler //
///////////////

// Assembler reassembles a stream of byte slices into complete frames. Feed it
// successive reads from a socket via Feed; a single call may consume only
// part of the input, so the caller loops until the slice is drained.
type Assembler struct {
	lenBuf    [LenPrefixSize]byte
	lenFilled int
	frame     []byte // full frame including the length prefix, once known
	filled    int
	length    uint32
	haveLen   bool
}

// Feed appends as much of p as belongs to the frame currently being
// assembled and returns how many bytes it consumed. Once HasCompleteFrame
// reports true, call Frame (whole frame) or Payload (without the length
// prefix) to retrieve it, and Reset before feeding
// more (or construct a new Assembler — both are equivalent).
func (a *Assembler) Feed(p []byte) (consumed int) {
	if a.HasCompleteFrame() {
		return 0
	}
	if !a.haveLen {
		n := copy(a.lenBuf[a.lenFilled:], p)
		a.lenFilled += n
		consumed += n
		p = p[n:]
		if a.lenFilled < LenPrefixSize {
			return consumed
		}
		a.length = binary.LittleEndian.Uint32(a.lenBuf[:])
		a.haveLen = true
		a.frame = make([]byte, a.length)
		copy(a.frame, a.lenBuf[:])
		a.filled = LenPrefixSize
		if a.length < LenPrefixSize {
			// ResourceExhaustion/ProtocolViolation is raised by the caller
			// when it inspects a frame this short; the assembler itself
			// just reports completion so the caller can reject it.
			return consumed
		}
	}
	need := int(a.length) - a.filled
	n := copy(a.frame[a.filled:], p)
	if n > need {
		n = need
	}
	a.filled += n
	consumed += n
	return consumed
}

// HasCompleteFrame reports whether a full frame (length prefix + payload)
// has been assembled.
func (a *Assembler) HasCompleteFrame() bool {
	return a.haveLen && a.filled >= int(a.length)
}

// Frame returns the complete frame (including the 4-byte length prefix).
// Only valid once HasCompleteFrame reports true.
func (a *Assembler) Frame() []byte { return a.frame }

// Payload returns the frame's payload, i.e. Frame without the length prefix.
func (a *Assembler) Payload() []byte {
	if len(a.frame) < LenPrefixSize {
		return nil
	}
	return a.frame[LenPrefixSize:]
}

// Reset prepares the assembler to accept a new frame.
func (a *Assembler) Reset() {
	a.lenFilled = 0
	a.frame = nil
	a.filled = 0
	a.length = 0
	a.haveLen = false
}
