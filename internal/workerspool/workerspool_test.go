package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForRunsEveryIndexOnce(t *testing.T) {
	const n = 1000
	counts := make([]atomic.Int32, n)
	New().For(n, func(i int) {
		counts[i].Add(1)
	})
	for i := range counts {
		require.Equal(t, int32(1), counts[i].Load(), "index %d", i)
	}
}

func TestForBoundsParallelism(t *testing.T) {
	const maxWorkers = 3
	pool := New().WithMaxParallelism(maxWorkers)
	var current, peak atomic.Int32
	var mu sync.Mutex
	pool.For(100, func(i int) {
		c := current.Add(1)
		mu.Lock()
		if c > peak.Load() {
			peak.Store(c)
		}
		mu.Unlock()
		current.Add(-1)
	})
	assert.LessOrEqual(t, peak.Load(), int32(maxWorkers))
}

func TestForInlineWhenDisabled(t *testing.T) {
	pool := New().WithMaxParallelism(0)
	assert.False(t, pool.IsEnabled())

	// Inline execution preserves index order.
	var order []int
	pool.For(10, func(i int) { order = append(order, i) })
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestForNegativeParallelismMeansNumCPU(t *testing.T) {
	pool := New().WithMaxParallelism(-1)
	assert.True(t, pool.IsEnabled())
	var count atomic.Int32
	pool.For(50, func(i int) { count.Add(1) })
	assert.Equal(t, int32(50), count.Load())
}

func TestForEmpty(t *testing.T) {
	called := false
	New().For(0, func(i int) { called = true })
	assert.False(t, called)
}
