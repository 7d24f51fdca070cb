package testing

import (
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"
)

// CheckGoroutineCleanup verifies no goroutine leaks after a test completes.
//
// Usage:
//
//	func TestLoop(t *testing.T) {
//	    defer CheckGoroutineCleanup(t)()
//	    ...
//	}
func CheckGoroutineCleanup(t *testing.T) func() {
	t.Helper()
	before := runtime.NumGoroutine()

	return func() {
		t.Helper()
		// polled on the test goroutine: a helper goroutine would be counted
		after := runtime.NumGoroutine()
		for deadline := time.Now().Add(5 * time.Second); after > before && time.Now().Before(deadline); {
			time.Sleep(50 * time.Millisecond)
			after = runtime.NumGoroutine()
		}

		if after > before {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			t.Errorf("goroutine leak detected: before=%d after=%d\nStack traces:\n%s", before, after, buf[:n])
		}
	}
}

// WaitForGoroutines waits for a WaitGroup with timeout so tests never hang on Wait
func WaitForGoroutines(wg *sync.WaitGroup, timeout time.Duration) error {
	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("goroutines did not exit within timeout")
	}
}

// WaitForError receives from errCh or fails the test after timeout
func WaitForError(t *testing.T, errCh <-chan error, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(timeout):
		t.Fatalf("no result within %v", timeout)
		return nil
	}
}
