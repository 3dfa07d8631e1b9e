package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ForEach(t *testing.T) {
	for _, parallelism := range []int{-1, 0, 1, 3, 16} {
		pool := New()
		pool.SetMaxParallelism(parallelism)
		const n = 100
		results := make([]int, n)
		var calls atomic.Int32
		pool.ForEach(n, func(ii int) {
			calls.Add(1)
			results[ii] = ii * ii
		})
		require.Equal(t, int32(n), calls.Load(), "parallelism=%d", parallelism)
		for ii, r := range results {
			assert.Equal(t, ii*ii, r)
		}
	}

	// Empty batches are a no-op.
	New().ForEach(0, func(int) { t.Fatal("unexpected call") })
}

func TestPool_ForEachRespectsLimit(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(2)
	var running, maxRunning atomic.Int32
	pool.ForEach(8, func(int) {
		r := running.Add(1)
		for {
			m := maxRunning.Load()
			if r <= m || maxRunning.CompareAndSwap(m, r) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		running.Add(-1)
	})
	assert.LessOrEqual(t, maxRunning.Load(), int32(2))
}

func TestPool_StartIfAvailable(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(1)
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	require.True(t, pool.StartIfAvailable(func() {
		defer wg.Done()
		<-release
	}))
	// The only worker is busy.
	assert.False(t, pool.StartIfAvailable(func() {}))
	close(release)
	wg.Wait()

	// Disabled pools never start tasks.
	pool.SetMaxParallelism(0)
	assert.False(t, pool.StartIfAvailable(func() {}))
}
