package testing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckGoroutineCleanup_PassesOnceGoroutinesExit(t *testing.T) {
	check := CheckGoroutineCleanup(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
	}()

	start := time.Now()
	check()
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.NoError(t, WaitForGoroutines(&wg, time.Second))
}

func TestWaitForGoroutines_Timeout(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	defer wg.Done()

	assert.Error(t, WaitForGoroutines(&wg, 10*time.Millisecond))
}
