package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddWorkRejectsBarrierAndUrgent(t *testing.T) {
	s := New(1, nil)
	defer s.Shutdown()

	err := s.AddWork(1, Barrier, func() {})
	assert.ErrorIs(t, err, ErrUnimplementedFlag)

	err = s.AddWork(1, Urgent, func() {})
	assert.ErrorIs(t, err, ErrUnimplementedFlag)
}

func TestAddWorkRejectsBackgroundAndHighPriorityTogether(t *testing.T) {
	s := New(1, nil)
	defer s.Shutdown()

	err := s.AddWork(1, Background|HighPriority, func() {})
	assert.ErrorIs(t, err, ErrInvalidFlags)
}

func TestAddWorkAfterShutdownReturnsClosed(t *testing.T) {
	s := New(1, nil)
	s.Shutdown()
	err := s.AddWork(1, None, func() {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEveryWorkloadRuns(t *testing.T) {
	s := New(4, nil)
	defer s.Shutdown()

	const n = 200
	var ran int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		class := int64(i % 5)
		require.NoError(t, s.AddWork(class, None, func() {
			atomic.AddInt64(&ran, 1)
			wg.Done()
		}))
	}
	wg.Wait()
	assert.EqualValues(t, n, atomic.LoadInt64(&ran))
}

func TestBlockUntilDoneWaitsForCompletion(t *testing.T) {
	s := New(2, nil)
	defer s.Shutdown()

	var done int32
	for i := 0; i < 20; i++ {
		require.NoError(t, s.AddWork(int64(i), None, func() {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&done, 1)
		}))
	}
	s.BlockUntilDone()
	assert.EqualValues(t, 20, atomic.LoadInt32(&done))
	assert.Equal(t, 0, s.QueueDepth())
}

func TestSameClassWorkloadsNeverRunConcurrently(t *testing.T) {
	s := New(8, nil)
	defer s.Shutdown()

	var mu sync.Mutex
	busy := false
	violated := false
	var wg sync.WaitGroup
	const n = 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		require.NoError(t, s.AddWork(1, None, func() {
			mu.Lock()
			if busy {
				violated = true
			}
			busy = true
			mu.Unlock()

			time.Sleep(time.Microsecond)

			mu.Lock()
			busy = false
			mu.Unlock()
			wg.Done()
		}))
	}
	wg.Wait()
	assert.False(t, violated, "two workloads of the same interference class ran concurrently")
}

func TestReadOnlyWorkloadsOfSameClassMayRunConcurrently(t *testing.T) {
	s := New(8, nil)
	defer s.Shutdown()

	var inflight, maxInflight int32
	var wg sync.WaitGroup
	const n = 30
	wg.Add(n)
	for i := 0; i < n; i++ {
		require.NoError(t, s.AddWork(1, ReadOnly, func() {
			cur := atomic.AddInt32(&inflight, 1)
			for {
				max := atomic.LoadInt32(&maxInflight)
				if cur <= max || atomic.CompareAndSwapInt32(&maxInflight, max, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inflight, -1)
			wg.Done()
		}))
	}
	wg.Wait()
	assert.Greater(t, atomic.LoadInt32(&maxInflight), int32(1), "READ_ONLY workloads of the same class should overlap")
}

func TestUpdateNumThreadsGrowThenShrinkKeepsPoolFunctional(t *testing.T) {
	s := New(2, nil)
	defer s.Shutdown()

	s.UpdateNumThreads(8)
	var wg sync.WaitGroup
	const n = 100
	wg.Add(n)
	for i := 0; i < n; i++ {
		require.NoError(t, s.AddWork(int64(i), None, func() { wg.Done() }))
	}
	wg.Wait()

	// Regression test: shrinking must retire only the excess workers,
	// leaving the retained ones (and the pool's ability to process work)
	// intact.
	s.UpdateNumThreads(3)

	var wg2 sync.WaitGroup
	wg2.Add(n)
	for i := 0; i < n; i++ {
		require.NoError(t, s.AddWork(int64(i), None, func() { wg2.Done() }))
	}
	wg2.Wait()
}

func TestShutdownActuallyDrainsEveryWorker(t *testing.T) {
	s := New(6, nil)
	var running int32
	var wg sync.WaitGroup
	const n = 12
	wg.Add(n)
	for i := 0; i < n; i++ {
		require.NoError(t, s.AddWork(int64(i), None, func() {
			atomic.AddInt32(&running, 1)
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			wg.Done()
		}))
	}
	s.Shutdown()
	// Shutdown must not return until every worker goroutine has actually
	// exited, which implies every in-flight workload has completed.
	assert.Equal(t, int32(0), atomic.LoadInt32(&running))
	wg.Wait()
}

func TestIndependentClassWorkRunsConcurrently(t *testing.T) {
	s := New(8, nil)
	defer s.Shutdown()

	var inflight, maxInflight int32
	var wg sync.WaitGroup
	const n = 30
	wg.Add(n)
	for i := 0; i < n; i++ {
		require.NoError(t, s.AddWork(Independent, None, func() {
			cur := atomic.AddInt32(&inflight, 1)
			for {
				max := atomic.LoadInt32(&maxInflight)
				if cur <= max || atomic.CompareAndSwapInt32(&maxInflight, max, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inflight, -1)
			wg.Done()
		}))
	}
	wg.Wait()
	assert.Greater(t, atomic.LoadInt32(&maxInflight), int32(1))
}
