//go:build linux

package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"eventd/metrics"
	"eventd/reactor"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxFrameSize is the largest datagram accepted; larger ones are dropped
	DefaultMaxFrameSize = 65536
	// MaxFrameSizeLimit caps the configurable frame size
	MaxFrameSizeLimit = 262144
)

// DeadLetter receives copies of dropped datagrams. Submit must not block.
type DeadLetter interface {
	Submit(d *DroppedDatagram) bool
}

// DatagramOptions tunes a DatagramEndpoint. The zero value is usable.
type DatagramOptions struct {
	// MaxFrameSize bounds one read; 0 means DefaultMaxFrameSize
	MaxFrameSize int
	// RateLimit is the sustained datagrams/second accepted; 0 disables limiting
	RateLimit int
	// RateBurst is the limiter burst; defaults to RateLimit
	RateBurst int
	// DeadLetter, when set, receives dropped payloads
	DeadLetter DeadLetter
	Logger     *zap.SugaredLogger
}

// Stats is a point-in-time snapshot of an endpoint's counters
type Stats struct {
	Received           uint64 `json:"received"`
	Bytes              uint64 `json:"bytes"`
	Forwarded          uint64 `json:"forwarded"`
	DroppedQueueFull   uint64 `json:"dropped_queue_full"`
	DroppedRateLimited uint64 `json:"dropped_rate_limited"`
	DroppedOversized   uint64 `json:"dropped_oversized"`
	Empty              uint64 `json:"empty"`
	TransientErrors    uint64 `json:"transient_errors"`
	ReadErrors         uint64 `json:"read_errors"`
}

// Dropped returns the total number of dropped datagrams
func (s Stats) Dropped() uint64 {
	return s.DroppedQueueFull + s.DroppedRateLimited + s.DroppedOversized
}

type counters struct {
	received           atomic.Uint64
	bytes              atomic.Uint64
	forwarded          atomic.Uint64
	droppedQueueFull   atomic.Uint64
	droppedRateLimited atomic.Uint64
	droppedOversized   atomic.Uint64
	empty              atomic.Uint64
	transientErrors    atomic.Uint64
	readErrors         atomic.Uint64
}

// DatagramEndpoint owns one Unix datagram socket registered with a shared
// event loop. Every datagram read is forwarded to the output queue; when the
// queue rejects it the datagram is dropped and counted.
//
// onReadable runs on the loop goroutine while the loop holds its dispatch
// lock, so it never takes e.mu: Close holds e.mu while deregistering.
type DatagramEndpoint struct {
	id     string
	path   string
	out    Output
	loop   EventLoop
	dlq    DeadLetter
	logger *zap.SugaredLogger

	limiter *rate.Limiter
	buf     []byte // read buffer, only touched on the loop goroutine
	dropLog rate.Sometimes

	mu    sync.Mutex // guards sock and state transitions
	sock  *unixgram
	state atomic.Int32

	stats counters
}

var _ Endpoint = (*DatagramEndpoint)(nil)

// NewDatagramEndpoint validates its arguments; no I/O happens until Configure
func NewDatagramEndpoint(path string, out Output, loop EventLoop, opts DatagramOptions) (*DatagramEndpoint, error) {
	if err := validateSocketPath(path); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNilQueue
	}
	if loop == nil {
		return nil, ErrNilLoop
	}

	frame := opts.MaxFrameSize
	if frame <= 0 {
		frame = DefaultMaxFrameSize
	}
	if frame > MaxFrameSizeLimit {
		return nil, fmt.Errorf("max frame size %d exceeds limit %d", frame, MaxFrameSizeLimit)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	e := &DatagramEndpoint{
		id:      uuid.NewString(),
		path:    path,
		out:     out,
		loop:    loop,
		dlq:     opts.DeadLetter,
		buf:     make([]byte, frame),
		dropLog: rate.Sometimes{Interval: time.Second},
	}
	e.logger = logger.With("endpoint", path, "endpoint_id", e.id)

	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = opts.RateLimit
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	e.setState(StateUnconfigured)
	return e, nil
}

// ID returns the endpoint's instance identifier
func (e *DatagramEndpoint) ID() string { return e.id }

// Path returns the filesystem path of the socket
func (e *DatagramEndpoint) Path() string { return e.path }

// State returns the current lifecycle state
func (e *DatagramEndpoint) State() State { return State(e.state.Load()) }

// MaxFrameSize returns the largest datagram the endpoint forwards
func (e *DatagramEndpoint) MaxFrameSize() int { return len(e.buf) }

func (e *DatagramEndpoint) setState(s State) {
	e.state.Store(int32(s))
	metrics.EndpointState.WithLabelValues(e.path).Set(float64(s))
}

// Configure creates the socket, binds it to the endpoint path and registers
// it with the event loop. A *BindError means the path cannot be used.
func (e *DatagramEndpoint) Configure() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.State() {
	case StateClosed:
		return ErrClosed
	case StateUnconfigured:
	default:
		return ErrAlreadyConfigured
	}

	sock, err := bindUnixgram(e.path)
	if err != nil {
		e.logger.Errorw("Failed to bind endpoint socket", "error", err)
		return err
	}

	// the handler captures sock so dispatch never reads e.sock
	handler := reactor.HandlerFunc(func() { e.onReadable(sock) })
	if err := e.loop.Register(sock.fd, handler); err != nil {
		if relErr := sock.release(); relErr != nil {
			e.logger.Warnw("Failed to release socket after registration error", "error", relErr)
		}
		return fmt.Errorf("register %s with event loop: %w", e.path, err)
	}

	e.sock = sock
	e.setState(StateBound)
	e.logger.Infow("Endpoint bound", "fd", sock.fd, "max_frame_size", len(e.buf))
	return nil
}

// Run marks the endpoint running and drives the event loop from the calling
// goroutine, unless another goroutine already does, in which case it returns
// immediately.
func (e *DatagramEndpoint) Run(ctx context.Context) error {
	e.mu.Lock()
	switch e.State() {
	case StateUnconfigured:
		e.mu.Unlock()
		return ErrNotConfigured
	case StateClosed:
		e.mu.Unlock()
		return ErrClosed
	case StateBound:
		e.setState(StateRunning)
		e.logger.Info("Endpoint running")
	}
	e.mu.Unlock()

	err := e.loop.Run(ctx)
	if errors.Is(err, reactor.ErrAlreadyRunning) {
		return nil
	}
	return err
}

// Close deregisters the socket from the loop, closes it and removes its file.
// It is safe from any state and any number of times; failures are logged.
func (e *DatagramEndpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.State()
	if prev == StateClosed {
		return
	}
	e.setState(StateClosed)

	if e.sock != nil {
		if err := e.loop.Deregister(e.sock.fd); err != nil {
			e.logger.Warnw("Failed to deregister endpoint from event loop", "error", err)
		}
		if err := e.sock.release(); err != nil {
			e.logger.Warnw("Failed to release endpoint socket", "error", err)
		}
		e.sock = nil
	}

	s := e.Stats()
	e.logger.Infow("Endpoint closed",
		"previous_state", prev.String(),
		"received", s.Received,
		"forwarded", s.Forwarded,
		"dropped", s.Dropped())
}

// Stats returns a snapshot of the endpoint counters
func (e *DatagramEndpoint) Stats() Stats {
	return Stats{
		Received:           e.stats.received.Load(),
		Bytes:              e.stats.bytes.Load(),
		Forwarded:          e.stats.forwarded.Load(),
		DroppedQueueFull:   e.stats.droppedQueueFull.Load(),
		DroppedRateLimited: e.stats.droppedRateLimited.Load(),
		DroppedOversized:   e.stats.droppedOversized.Load(),
		Empty:              e.stats.empty.Load(),
		TransientErrors:    e.stats.transientErrors.Load(),
		ReadErrors:         e.stats.readErrors.Load(),
	}
}

// onReadable reads exactly one datagram. Remaining datagrams keep the socket
// readable, so the level-triggered loop calls back for each in kernel order.
func (e *DatagramEndpoint) onReadable(s *unixgram) {
	// MSG_TRUNC makes recvfrom report the real datagram length
	n, _, err := unix.Recvfrom(s.fd, e.buf, unix.MSG_TRUNC)
	if err != nil {
		if isTransient(err) {
			e.stats.transientErrors.Add(1)
			metrics.ReadErrors.WithLabelValues(e.path, metrics.ReadErrorTransient).Inc()
			return
		}
		e.stats.readErrors.Add(1)
		metrics.ReadErrors.WithLabelValues(e.path, metrics.ReadErrorFatal).Inc()
		e.dropLog.Do(func() {
			e.logger.Warnw("Endpoint read failed", "error", err)
		})
		return
	}

	e.stats.received.Add(1)
	metrics.DatagramsReceived.WithLabelValues(e.path).Inc()

	if n == 0 {
		e.stats.empty.Add(1)
		return
	}
	e.stats.bytes.Add(uint64(n))
	metrics.DatagramBytes.WithLabelValues(e.path).Add(float64(n))

	if n > len(e.buf) {
		e.stats.droppedOversized.Add(1)
		e.drop(metrics.ReasonOversized, e.buf, n)
		return
	}

	if e.limiter != nil && !e.limiter.Allow() {
		e.stats.droppedRateLimited.Add(1)
		e.drop(metrics.ReasonRateLimited, e.buf[:n], n)
		return
	}

	payload := make([]byte, n)
	copy(payload, e.buf[:n])

	if !e.out.Push(payload) {
		e.stats.droppedQueueFull.Add(1)
		e.drop(metrics.ReasonQueueFull, payload, n)
		return
	}

	e.stats.forwarded.Add(1)
	metrics.DatagramsForwarded.WithLabelValues(e.path).Inc()
}

// drop counts a dropped datagram, logs at most once per second and offers
// the payload to the dead-letter queue
func (e *DatagramEndpoint) drop(reason string, payload []byte, size int) {
	metrics.DatagramsDropped.WithLabelValues(e.path, reason).Inc()
	e.dropLog.Do(func() {
		e.logger.Warnw("Dropping datagram", "reason", reason, "size", size, "dropped_total", e.Stats().Dropped())
	})

	if e.dlq == nil {
		return
	}
	dropped := &DroppedDatagram{
		Endpoint:   e.path,
		Reason:     reason,
		Payload:    append([]byte(nil), payload...),
		Size:       size,
		ReceivedAt: time.Now(),
	}
	if !e.dlq.Submit(dropped) {
		metrics.DLQWriteFailures.Inc()
	}
}

func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}
