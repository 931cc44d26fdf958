// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	for _, parallelism := range []int{-1, 0, 1, 3} {
		pool := NewWithParallelism(parallelism)
		var running, maxRunning, count atomic.Int32
		tasks := make([]func() error, 20)
		for i := range tasks {
			tasks[i] = func() error {
				current := running.Add(1)
				for {
					seen := maxRunning.Load()
					if current <= seen || maxRunning.CompareAndSwap(seen, current) {
						break
					}
				}
				count.Add(1)
				running.Add(-1)
				return nil
			}
		}
		require.NoError(t, pool.Run(tasks...))
		assert.Equal(t, int32(20), count.Load(), "parallelism=%d", parallelism)
		if parallelism > 0 {
			assert.LessOrEqual(t, int(maxRunning.Load()), parallelism)
		}
	}
}

func TestRunError(t *testing.T) {
	pool := New()
	errFirst, errSecond := errors.New("first"), errors.New("second")
	var count atomic.Int32
	err := pool.Run(
		func() error { count.Add(1); return nil },
		func() error { count.Add(1); return errFirst },
		func() error { count.Add(1); return errSecond },
	)
	assert.ErrorIs(t, err, errFirst)
	assert.Equal(t, int32(3), count.Load())
}
