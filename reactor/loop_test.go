//go:build linux

package reactor

import (
	"context"
	"sync"
	"testing"
	"time"

	testutil "eventd/util/testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// newPair returns a non-blocking datagram socketpair closed at test end
func newPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New(zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func startLoop(t *testing.T, l *Loop) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	require.Eventually(t, l.Running, time.Second, time.Millisecond)
	return cancel, errCh
}

// recorder reads one datagram per notification
type recorder struct {
	fd  int
	mu  sync.Mutex
	got []string
}

func (r *recorder) OnReadable() {
	buf := make([]byte, 256)
	n, _, err := unix.Recvfrom(r.fd, buf, 0)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.got = append(r.got, string(buf[:n]))
	r.mu.Unlock()
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestLoop_DispatchesInOrder(t *testing.T) {
	defer testutil.CheckGoroutineCleanup(t)()

	l := newLoop(t)
	rx, tx := newPair(t)
	rec := &recorder{fd: rx}
	require.NoError(t, l.Register(rx, rec))

	cancel, errCh := startLoop(t, l)

	for _, m := range []string{"one", "two", "three"} {
		_, err := unix.Write(tx, []byte(m))
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool { return len(rec.messages()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, rec.messages())

	cancel()
	assert.NoError(t, testutil.WaitForError(t, errCh, time.Second))
	assert.False(t, l.Running())
}

func TestLoop_RunTwiceReturnsAlreadyRunning(t *testing.T) {
	l := newLoop(t)
	cancel, errCh := startLoop(t, l)
	defer cancel()

	err := l.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	cancel()
	assert.NoError(t, testutil.WaitForError(t, errCh, time.Second))
}

func TestLoop_RegisterErrors(t *testing.T) {
	l := newLoop(t)
	rx, _ := newPair(t)

	assert.Error(t, l.Register(rx, nil))
	require.NoError(t, l.Register(rx, HandlerFunc(func() {})))
	assert.ErrorIs(t, l.Register(rx, HandlerFunc(func() {})), ErrAlreadyRegistered)
	assert.Equal(t, 1, l.Len())

	// closed descriptor cannot be added to epoll
	assert.Error(t, l.Register(-1, HandlerFunc(func() {})))
}

func TestLoop_DeregisterStopsDispatch(t *testing.T) {
	l := newLoop(t)
	rx, tx := newPair(t)
	rec := &recorder{fd: rx}
	require.NoError(t, l.Register(rx, rec))

	cancel, errCh := startLoop(t, l)
	defer cancel()

	_, err := unix.Write(tx, []byte("before"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, l.Deregister(rx))
	assert.ErrorIs(t, l.Deregister(rx), ErrNotRegistered)

	_, err = unix.Write(tx, []byte("after"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"before"}, rec.messages())

	cancel()
	assert.NoError(t, testutil.WaitForError(t, errCh, time.Second))
}

func TestLoop_CloseStopsRun(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)

	_, errCh := startLoop(t, l)

	require.NoError(t, l.Close())
	assert.NoError(t, testutil.WaitForError(t, errCh, time.Second))

	// idempotent
	assert.NoError(t, l.Close())
	assert.ErrorIs(t, l.Run(context.Background()), ErrLoopClosed)
	assert.ErrorIs(t, l.Register(0, HandlerFunc(func() {})), ErrLoopClosed)
}

func TestLoop_DeregisterAfterClose(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)
	rx, _ := newPair(t)
	require.NoError(t, l.Register(rx, HandlerFunc(func() {})))

	require.NoError(t, l.Close())
	assert.NoError(t, l.Deregister(rx))
	assert.Equal(t, 0, l.Len())
}

func TestLoop_HandlerPanicDoesNotStopLoop(t *testing.T) {
	l := newLoop(t)
	bad, badTx := newPair(t)
	good, goodTx := newPair(t)

	require.NoError(t, l.Register(bad, HandlerFunc(func() {
		buf := make([]byte, 16)
		_, _, _ = unix.Recvfrom(bad, buf, 0)
		panic("handler failure")
	})))
	rec := &recorder{fd: good}
	require.NoError(t, l.Register(good, rec))

	cancel, errCh := startLoop(t, l)

	_, err := unix.Write(badTx, []byte("x"))
	require.NoError(t, err)
	_, err = unix.Write(goodTx, []byte("still alive"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(rec.messages()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, testutil.WaitForError(t, errCh, time.Second))
}

func TestLoop_CancelledContextReturnsImmediately(t *testing.T) {
	l := newLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, l.Run(ctx))
}
