// Package xerrors declares the gateway's error taxonomy: kinds distinct by
// type, however they are spelled at the call site, each carrying its own
// recovery contract (disconnect the socket, schedule a reconnect, surface to
// the caller, or simply log and continue).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package xerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies which of the six recovery contracts an error follows.
type Kind int

const (
	// ProtocolViolation: malformed frame, unknown action, unknown type-tag.
	// Recovery: disconnect the offending socket only.
	ProtocolViolation Kind = iota
	// TransportFailure: TCP read/write/connect error.
	// Recovery: status callback; reconnect timer for mesh peers, drop for clients.
	TransportFailure
	// Timeout: Ack not received, request/reply deadline elapsed.
	// Recovery: surface to caller; never crash.
	Timeout
	// ResourceExhaustion: buffer growth past a configured maximum.
	// Recovery: disconnect the offending connection.
	ResourceExhaustion
	// PolicyViolation: e.g. wildcard in a publish subject, empty subject.
	// Recovery: log and ignore the frame.
	PolicyViolation
	// InternalInvariant: trie inconsistency, socket in an unexpected state.
	// Recovery: log with full context; the process continues.
	InternalInvariant
)

func (k Kind) String() string {
	switch k {
	case ProtocolViolation:
		return "protocol-violation"
	case TransportFailure:
		return "transport-failure"
	case Timeout:
		return "timeout"
	case ResourceExhaustion:
		return "resource-exhaustion"
	case PolicyViolation:
		return "policy-violation"
	case InternalInvariant:
		return "internal-invariant"
	default:
		return "unknown"
	}
}

// Error is the concrete type for every error this package produces. Kind is
// checked with errors.As, never by string-matching Error().
type Error struct {
	kind Kind
	msg  string
	err  error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) Kind() Kind { return e.kind }

// New creates a bare Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a stack-preserving cause (via github.com/pkg/errors) to a
// new Error of the given kind, so the cause survives crossing a loop's
// marshal-queue boundary into a log line.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), err: errors.WithStack(cause)}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.kind == kind
}
