package sched //nolint:testpackage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureResolvesOnce(t *testing.T) {
	t.Parallel()

	f := NewFuture()
	assert.False(t, f.IsReady())

	first := errors.New("first")
	assert.True(t, f.Resolve(first))
	assert.False(t, f.Resolve(nil))

	assert.True(t, f.IsReady())
	require.ErrorIs(t, f.Err(), first)
	require.ErrorIs(t, f.Wait(context.Background()), first)
}

func TestFutureWaitContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := NewFuture().Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, FailedFuture(nil).Wait(context.Background()))
}

func TestExecutorRunsTasksInOrder(t *testing.T) {
	t.Parallel()

	e := NewExecutor()
	defer func() {
		e.Shutdown()
		e.Join()
	}()

	var (
		mu  sync.Mutex
		got []int
	)

	done := NewFuture()

	for i := range 10 {
		require.NoError(t, e.Schedule(func(err error) {
			assert.NoError(t, err)

			mu.Lock()
			got = append(got, i)
			mu.Unlock()

			if i == 9 {
				done.Resolve(nil)
			}
		}))
	}

	require.NoError(t, done.Wait(context.Background()))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestExecutorTaskChaining(t *testing.T) {
	t.Parallel()

	e := NewExecutor()
	defer func() {
		e.Shutdown()
		e.Join()
	}()

	var steps atomic.Int32

	done := NewFuture()

	var step Task
	step = func(err error) {
		if err != nil {
			done.Resolve(err)

			return
		}

		if steps.Add(1) == 5 {
			done.Resolve(nil)

			return
		}

		if err := e.Schedule(step); err != nil {
			done.Resolve(err)
		}
	}

	require.NoError(t, e.Schedule(step))
	require.NoError(t, done.Wait(context.Background()))
	assert.Equal(t, int32(5), steps.Load())
}

func TestExecutorShutdown(t *testing.T) {
	t.Parallel()

	e := NewExecutor()

	block := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, e.Schedule(func(err error) {
		assert.NoError(t, err)
		close(started)
		<-block
	}))

	queued := NewFuture()
	require.NoError(t, e.Schedule(func(err error) {
		queued.Resolve(err)
	}))

	<-started
	e.Shutdown()
	assert.True(t, e.IsShutdown())

	err := e.Schedule(func(error) {})
	require.ErrorIs(t, err, ErrShutdownInProgress)

	close(block)
	e.Join()

	require.ErrorIs(t, queued.Err(), ErrShutdownInProgress)
}

func TestWriterPoolSameKeyOrdering(t *testing.T) {
	t.Parallel()

	p := NewWriterPool(4)

	var (
		mu  sync.Mutex
		got = map[string][]int{}
		wg  sync.WaitGroup
	)

	keys := []string{"a", "b", "c", "d", "e"}
	for i := range 100 {
		key := keys[i%len(keys)]

		wg.Add(1)
		require.NoError(t, p.Submit([]byte(key), func() {
			defer wg.Done()

			mu.Lock()
			got[key] = append(got[key], i)
			mu.Unlock()
		}))
	}

	wg.Wait()
	p.Shutdown()

	for _, key := range keys {
		seq := got[key]
		require.Len(t, seq, 20)
		assert.IsIncreasing(t, seq, key)
	}
}

func TestWriterPoolShutdown(t *testing.T) {
	t.Parallel()

	p := NewWriterPool(2)
	assert.Equal(t, 2, p.NumWorkers())

	var ran atomic.Int32
	require.NoError(t, p.Submit([]byte("k"), func() { ran.Add(1) }))

	p.Shutdown()
	p.Shutdown()

	assert.True(t, p.IsShutdown())
	assert.Equal(t, int32(1), ran.Load())

	err := p.Submit([]byte("k"), func() { ran.Add(1) })
	require.ErrorIs(t, err, ErrShutdownInProgress)
	assert.Equal(t, int32(1), ran.Load())
}

func TestHashKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, hashKey([]byte("anything"), 1))

	for _, key := range []string{"", "a", "doc-42"} {
		idx := hashKey([]byte(key), 7)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, 7)
		assert.Equal(t, idx, hashKey([]byte(key), 7))
	}
}
