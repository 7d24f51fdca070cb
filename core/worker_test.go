package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// memorySink records payloads in arrival order
type memorySink struct {
	mu      sync.Mutex
	got     []string
	failOn  string
	closed  bool
	delayed time.Duration
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Write(payload []byte) error {
	if s.delayed > 0 {
		time.Sleep(s.delayed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != "" && string(payload) == s.failOn {
		return errors.New("rejected")
	}
	s.got = append(s.got, string(payload))
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memorySink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}

func TestConsumer_DrainsInOrder(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	buf := NewEventBuffer(100)
	sink := &memorySink{}
	c := NewConsumer(buf, sink, 1, logger)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start consumer: %v", err)
	}

	var want []string
	for i := 0; i < 50; i++ {
		msg := fmt.Sprintf("event-%02d", i)
		want = append(want, msg)
		if !buf.Push([]byte(msg)) {
			t.Fatalf("Push %d rejected", i)
		}
	}

	buf.Close()
	c.Stop()

	got := sink.snapshot()
	if len(got) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	if !sink.closed {
		t.Error("Sink should be closed after Stop")
	}
}

func TestConsumer_SinkErrorsDoNotStopWorker(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	buf := NewEventBuffer(10)
	sink := &memorySink{failOn: "bad"}
	c := NewConsumer(buf, sink, 1, logger)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start consumer: %v", err)
	}

	buf.Push([]byte("good-1"))
	buf.Push([]byte("bad"))
	buf.Push([]byte("good-2"))
	buf.Close()
	c.Stop()

	got := sink.snapshot()
	if len(got) != 2 || got[0] != "good-1" || got[1] != "good-2" {
		t.Errorf("Unexpected events: %v", got)
	}
}

func TestConsumer_StopWithOpenBufferDoesNotHang(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	buf := NewEventBuffer(10)
	c := NewConsumer(buf, &memorySink{}, 4, logger)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start consumer: %v", err)
	}

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return with an open buffer")
	}

	// second Stop is a no-op
	c.Stop()
}

func TestConsumer_StopTimeoutAbandonsBacklog(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	buf := NewEventBuffer(100)
	sink := &memorySink{delayed: 20 * time.Millisecond}
	c := NewConsumer(buf, sink, 1, logger)
	c.stopTimeout = 50 * time.Millisecond

	for i := 0; i < 100; i++ {
		buf.Push([]byte("slow"))
	}
	buf.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start consumer: %v", err)
	}

	start := time.Now()
	c.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop took %v, expected to abandon backlog after timeout", elapsed)
	}
	if n := len(sink.snapshot()); n >= 100 {
		t.Errorf("Expected backlog to be abandoned, all %d events delivered", n)
	}
}

func TestConsumer_StartRequiresSink(t *testing.T) {
	c := NewConsumer(NewEventBuffer(1), nil, 1, nil)
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Expected error when starting without a sink")
	}
}
