package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"eventd/metrics"
	"eventd/util/goroutine"

	"go.uber.org/zap"
)

// DefaultStopTimeout bounds how long Stop waits for workers to drain the buffer
const DefaultStopTimeout = 30 * time.Second

// Consumer drains an EventBuffer into a Sink with a fixed number of workers.
// With a single worker payloads reach the sink in buffer order.
type Consumer struct {
	buffer      *EventBuffer
	sink        Sink
	workers     int
	stopTimeout time.Duration
	logger      *zap.SugaredLogger

	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewConsumer creates a consumer; workers start on Start
func NewConsumer(buffer *EventBuffer, sink Sink, workers int, logger *zap.SugaredLogger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Consumer{
		buffer:      buffer,
		sink:        sink,
		workers:     workers,
		stopTimeout: DefaultStopTimeout,
		logger:      logger,
	}
}

// Start launches the workers. Cancelling ctx stops them without draining.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	if c.buffer == nil || c.sink == nil {
		return errors.New("consumer requires a buffer and a sink")
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	c.logger.Infow("Starting consumer", "workers", c.workers, "sink", c.sink.Name())

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}
	return nil
}

// Stop waits for the workers to drain a closed buffer, then closes the sink.
// If the buffer is still open or draining exceeds the stop timeout, workers
// are cancelled and remaining payloads are abandoned. Stop is idempotent.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false

	if !c.buffer.Closed() {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(c.stopTimeout):
		c.logger.Warnw("Consumer drain timed out, abandoning buffered events",
			"remaining", c.buffer.Len(),
			"timeout", c.stopTimeout)
		c.cancel()
		<-done
	}
	c.cancel()

	if err := c.sink.Close(); err != nil {
		c.logger.Warnw("Failed to close sink", "sink", c.sink.Name(), "error", err)
	}
	c.logger.Infow("Consumer stopped", "sink", c.sink.Name())
}

func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()
	defer goroutine.Recover("consumer-worker", c.logger)

	c.logger.Debugw("Consumer worker started", "worker_id", id)
	name := c.sink.Name()

	for {
		payload, err := c.buffer.Pop(ctx)
		if err != nil {
			c.logger.Debugw("Consumer worker stopping", "worker_id", id, "reason", err)
			return
		}
		if err := c.sink.Write(payload); err != nil {
			metrics.SinkErrors.WithLabelValues(name).Inc()
			c.logger.Warnw("Sink write failed", "sink", name, "error", err)
			continue
		}
		metrics.EventsConsumed.WithLabelValues(name).Inc()
	}
}
