// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool provides a soft-capped pool of workers for the
// host-side relation scans: independent row blocks of a sparse matrix
// product and similar embarrassingly parallel loops. Tasks write to disjoint
// outputs that the caller merges in a fixed order, so parallel execution
// never perturbs results.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool bounds the number of goroutines running tasks at once.
type Pool struct {
	// maxParallelism is a soft target for the number of concurrent workers.
	// 0 disables parallelism (tasks run inline); negative means one worker
	// per available CPU regardless of configuration.
	maxParallelism int
}

// New returns a Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return &Pool{maxParallelism: runtime.NumCPU()}
}

// WithMaxParallelism sets the soft limit of concurrent workers and returns
// the pool. Set to 0 to run every task inline.
//
// Change it only before the pool is in use; the limit is read when a loop
// starts.
func (p *Pool) WithMaxParallelism(maxParallelism int) *Pool {
	p.maxParallelism = maxParallelism
	return p
}

// IsEnabled reports whether parallelism is enabled.
func (p *Pool) IsEnabled() bool { return p.maxParallelism != 0 }

// workersFor returns how many workers to start for n tasks.
func (p *Pool) workersFor(n int) int {
	limit := p.maxParallelism
	if limit < 0 {
		limit = runtime.NumCPU()
	}
	if limit > n {
		limit = n
	}
	return limit
}

// For runs task(i) for every i in [0, n) and waits for all of them.
//
// Tasks are handed out to workers one index at a time, so uneven task costs
// still balance. With parallelism disabled (or a single worker, or a single
// task) everything runs inline on the calling goroutine.
func (p *Pool) For(n int, task func(i int)) {
	if n <= 0 {
		return
	}
	numWorkers := p.workersFor(n)
	if numWorkers <= 1 {
		for i := range n {
			task(i)
		}
		return
	}
	var next atomic.Int64
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for {
				i := int(next.Add(1)) - 1
				if i >= n {
					return
				}
				task(i)
			}
		}()
	}
	wg.Wait()
}
