//go:build linux

// Package reactor implements a single-threaded, level-triggered epoll event loop.
//
// Handlers are keyed by file descriptor and always invoked on the goroutine
// that called Run. Registration changes are serialized with dispatch: once
// Deregister returns, the handler for that descriptor is not running and will
// not be invoked again.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"eventd/util/goroutine"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultMaxEvents is the number of readiness events collected per epoll_wait call
const DefaultMaxEvents = 128

var (
	// ErrAlreadyRunning is returned by Run when another goroutine is already driving the loop
	ErrAlreadyRunning = errors.New("event loop already running")
	// ErrLoopClosed is returned for operations on a closed loop
	ErrLoopClosed = errors.New("event loop closed")
	// ErrAlreadyRegistered is returned when a descriptor already has a handler
	ErrAlreadyRegistered = errors.New("descriptor already registered")
	// ErrNotRegistered is returned when deregistering an unknown descriptor
	ErrNotRegistered = errors.New("descriptor not registered")
)

// Handler is invoked by the loop when its descriptor is readable.
// Handlers must not block and must not call Deregister or Close on the loop
// that dispatched them.
type Handler interface {
	OnReadable()
}

// HandlerFunc adapts a plain function to Handler
type HandlerFunc func()

// OnReadable calls f
func (f HandlerFunc) OnReadable() { f() }

// Loop is an epoll reactor shared by every endpoint of a server
type Loop struct {
	epfd   int
	wakefd int

	mu       sync.Mutex // guards handlers, closed and runDone; held for the duration of each dispatch
	handlers map[int]Handler
	closed   bool
	runDone  chan struct{}

	running   atomic.Bool
	maxEvents int
	logger    *zap.SugaredLogger
}

// New creates an epoll instance and its eventfd used to interrupt epoll_wait
func New(logger *zap.SugaredLogger) (*Loop, error) {
	return NewWithMaxEvents(DefaultMaxEvents, logger)
}

// NewWithMaxEvents creates a loop that collects at most maxEvents notifications per wait
func NewWithMaxEvents(maxEvents int, logger *zap.SugaredLogger) (*Loop, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("register wake descriptor: %w", err)
	}

	return &Loop{
		epfd:      epfd,
		wakefd:    wakefd,
		handlers:  make(map[int]Handler),
		maxEvents: maxEvents,
		logger:    logger,
	}, nil
}

// Register adds read interest for fd and associates h with it
func (l *Loop) Register(fd int, h Handler) error {
	if h == nil {
		return errors.New("nil handler")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLoopClosed
	}
	if _, ok := l.handlers[fd]; ok {
		return fmt.Errorf("fd %d: %w", fd, ErrAlreadyRegistered)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	l.handlers[fd] = h
	return nil
}

// Deregister removes fd from the loop. When it returns no handler for fd is
// executing and none will be dispatched afterwards.
func (l *Loop) Deregister(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.handlers[fd]; !ok {
		return fmt.Errorf("fd %d: %w", fd, ErrNotRegistered)
	}
	delete(l.handlers, fd)

	if l.closed {
		// the epoll instance is gone; the kernel already dropped the interest
		return nil
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Len returns the number of registered descriptors
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handlers)
}

// Running reports whether a goroutine is currently inside Run
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Run dispatches readiness events on the calling goroutine until ctx is
// cancelled or the loop is closed. It returns ErrAlreadyRunning immediately if
// another goroutine is already driving the loop.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	done := make(chan struct{})
	l.runDone = done
	l.mu.Unlock()
	defer close(done)

	stop := context.AfterFunc(ctx, l.wake)
	defer stop()

	l.logger.Debugw("Event loop started", "max_events", l.maxEvents)
	events := make([]unix.EpollEvent, l.maxEvents)
	for {
		if ctx.Err() != nil || l.isClosed() {
			l.logger.Debug("Event loop stopped")
			return nil
		}

		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakefd {
				l.drainWake()
				continue
			}
			l.dispatch(fd)
		}
	}
}

// dispatch runs the handler for fd while holding mu, so Deregister cannot
// interleave with a callback in flight
func (l *Loop) dispatch(fd int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer goroutine.Recover("reactor-dispatch", l.logger)

	h, ok := l.handlers[fd]
	if !ok {
		// deregistered after epoll_wait returned
		return
	}
	h.OnReadable()
}

func (l *Loop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loop) wake() {
	var one [8]byte
	one[0] = 1 // any non-zero value increments the counter
	if _, err := unix.Write(l.wakefd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		l.logger.Warnw("Failed to wake event loop", "error", err)
	}
}

func (l *Loop) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Close stops a running loop, waits for it to return and releases the epoll
// instance. Descriptors that are still registered are not closed; their
// owners may still Deregister them. Close is idempotent.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	done := l.runDone
	l.mu.Unlock()

	l.wake()
	if done != nil {
		<-done
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.handlers); n > 0 {
		l.logger.Warnw("Event loop closed with registered descriptors", "count", n)
	}

	var errs []error
	if err := unix.Close(l.wakefd); err != nil {
		errs = append(errs, fmt.Errorf("close eventfd: %w", err))
	}
	if err := unix.Close(l.epfd); err != nil {
		errs = append(errs, fmt.Errorf("close epoll: %w", err))
	}
	return errors.Join(errs...)
}
