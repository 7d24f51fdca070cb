//go:build linux

// Package ingest contains the socket endpoints that receive security events
// and hand them to the event buffer.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"eventd/reactor"
)

// Endpoint is the lifecycle contract every ingestion endpoint implements.
// The owning server calls Configure once at startup, Run to start dispatch,
// and Close on shutdown.
type Endpoint interface {
	// Configure acquires the endpoint's OS resources. Errors are configuration
	// errors and must not be retried.
	Configure() error
	// Run starts dispatch. It blocks only when the caller is the one driving
	// the shared event loop.
	Run(ctx context.Context) error
	// Close releases everything Configure acquired. It is idempotent and never fails.
	Close()
	// Path identifies the endpoint for diagnostics
	Path() string
}

// Output is the downstream queue endpoints push payloads into.
// Push must not block and reports whether the payload was accepted.
type Output interface {
	Push(payload []byte) bool
}

// EventLoop is the subset of reactor.Loop endpoints depend on
type EventLoop interface {
	Register(fd int, h reactor.Handler) error
	Deregister(fd int) error
	Run(ctx context.Context) error
}

// State is the lifecycle state of an endpoint
type State int32

const (
	StateUnconfigured State = iota
	StateBound
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateBound:
		return "bound"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrInvalidPath is returned for an empty, too long or NUL-containing socket path
	ErrInvalidPath = errors.New("invalid socket path")
	// ErrNilQueue is returned when an endpoint is constructed without an output queue
	ErrNilQueue = errors.New("output queue is required")
	// ErrNilLoop is returned when an endpoint is constructed without an event loop
	ErrNilLoop = errors.New("event loop is required")
	// ErrAlreadyConfigured is returned by a second Configure call
	ErrAlreadyConfigured = errors.New("endpoint already configured")
	// ErrNotConfigured is returned by Run before Configure
	ErrNotConfigured = errors.New("endpoint not configured")
	// ErrClosed is returned for lifecycle calls on a closed endpoint
	ErrClosed = errors.New("endpoint closed")

	// ErrAddressInUse means a live socket is already bound to the path
	ErrAddressInUse = errors.New("socket path in use by a live socket")
	// ErrPermission means the process may not create or replace the socket file
	ErrPermission = errors.New("permission denied")
	// ErrNotSocket means the path exists and is not a socket, so it is never removed
	ErrNotSocket = errors.New("path exists and is not a socket")
)

// BindError reports a failure to create or bind an endpoint socket.
// It matches both the classifying sentinel (ErrAddressInUse, ErrPermission,
// ErrNotSocket) and the underlying errno with errors.Is.
type BindError struct {
	Path string
	Op   string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *BindError) Unwrap() []error {
	if kind := classify(e.Err); kind != nil {
		return []error{kind, e.Err}
	}
	return []error{e.Err}
}
