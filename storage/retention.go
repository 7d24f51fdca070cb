package storage

import (
	"sync"
	"time"

	"eventd/metrics"

	"go.uber.org/zap"
)

// Pruner deletes records older than a cutoff and reports how many were removed
type Pruner interface {
	Prune(before time.Time) (int64, error)
}

// RetentionManager periodically prunes dead-lettered datagrams
type RetentionManager struct {
	pruner        Pruner
	maxAge        time.Duration
	checkInterval time.Duration
	logger        *zap.SugaredLogger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRetentionManager creates a retention manager keeping records for days
func NewRetentionManager(pruner Pruner, days int, logger *zap.SugaredLogger) *RetentionManager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RetentionManager{
		pruner:        pruner,
		maxAge:        time.Duration(days) * 24 * time.Hour,
		checkInterval: time.Hour,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

// Start prunes once and then on every check interval
func (rm *RetentionManager) Start() {
	rm.wg.Add(1)
	go rm.run()
}

func (rm *RetentionManager) run() {
	defer rm.wg.Done()

	rm.Cleanup()

	ticker := time.NewTicker(rm.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rm.Cleanup()
		case <-rm.stopCh:
			return
		}
	}
}

// Stop stops the retention manager and waits for a running cleanup
func (rm *RetentionManager) Stop() {
	rm.stopOnce.Do(func() { close(rm.stopCh) })
	rm.wg.Wait()
}

// Cleanup removes records older than the retention period
func (rm *RetentionManager) Cleanup() {
	cutoff := time.Now().Add(-rm.maxAge)
	removed, err := rm.pruner.Prune(cutoff)
	if err != nil {
		rm.logger.Errorf("Failed to prune dead letters: %v", err)
		return
	}
	metrics.DLQPruned.Add(float64(removed))
	if removed > 0 {
		rm.logger.Infow("Pruned dead letters", "removed", removed, "cutoff", cutoff.UTC())
	}
}
