package goroutine

import (
	"testing"
	"time"

	"eventd/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecover_NoPanic(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	func() {
		defer Recover("no-panic", logger)
	}()

	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.GoroutinePanics.WithLabelValues("no-panic")))
}

func TestRecover_LogsAndCounts(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core).Sugar()

	func() {
		defer Recover("string-panic", logger)
		panic("boom")
	}()

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Panic recovered", entries[0].Message)

	fields := entries[0].ContextMap()
	assert.Equal(t, "string-panic", fields["goroutine"])
	assert.Equal(t, "boom", fields["panic"])
	stack, ok := fields["stack"].(string)
	require.True(t, ok)
	assert.Contains(t, stack, "goroutine")

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.GoroutinePanics.WithLabelValues("string-panic")))
}

func TestRecover_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		func() {
			defer Recover("nil-logger", nil)
			panic(assert.AnError)
		}()
	})
}

func TestGo_RecoversPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core).Sugar()

	Go("go-helper", logger, func() {
		panic("from goroutine")
	})

	assert.Eventually(t, func() bool {
		return logs.Len() == 1
	}, time.Second, 10*time.Millisecond)
}
