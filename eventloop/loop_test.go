package eventloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T, opts ...LoopOption) *Loop {
	t.Helper()
	loop, err := New(opts...)
	require.NoError(t, err)
	return loop
}

func runLoop(t *testing.T, loop *Loop) <-chan error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()
	return errCh
}

func TestLoop_IdleExitWithNoWork(t *testing.T) {
	loop := newTestLoop(t)
	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, StateTerminated, loop.State())
	select {
	case <-loop.Done():
	default:
		t.Fatal("done channel not closed")
	}
	assert.ErrorIs(t, loop.Submit(func() {}), ErrLoopTerminated)
}

func TestLoop_SubmitOrder(t *testing.T) {
	loop := newTestLoop(t)
	var got []int
	for i := 0; i < 1000; i++ {
		require.NoError(t, loop.Submit(func() { got = append(got, i) }))
	}
	require.NoError(t, loop.Run(context.Background()))
	require.Len(t, got, 1000)
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestLoop_SubmitNil(t *testing.T) {
	loop := newTestLoop(t)
	assert.ErrorIs(t, loop.Submit(nil), ErrNilTask)
	_, err := loop.ScheduleTimer(time.Millisecond, nil)
	assert.ErrorIs(t, err, ErrNilTask)
	assert.ErrorIs(t, loop.ScheduleMicrotask(nil), ErrNilTask)
}

func TestLoop_RefKeepsAlive(t *testing.T) {
	loop := newTestLoop(t)
	loop.Ref()
	errCh := runLoop(t, loop)

	select {
	case err := <-errCh:
		t.Fatalf("loop exited while referenced: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, loop.Submit(loop.Unref))
	require.NoError(t, <-errCh)
}

func TestLoop_UnrefNegativePanics(t *testing.T) {
	loop := newTestLoop(t)
	assert.Panics(t, loop.Unref)
}

func TestLoop_ConcurrentSubmit(t *testing.T) {
	loop := newTestLoop(t)
	loop.Ref()
	errCh := runLoop(t, loop)

	const producers, perProducer = 8, 500
	var (
		mu    sync.Mutex
		count int
		last  = make(map[int]int)
		wg    sync.WaitGroup
	)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, loop.Submit(func() {
					mu.Lock()
					defer mu.Unlock()
					if prev, ok := last[p]; ok && prev >= i {
						t.Errorf("producer %d: task %d ran after %d", p, i, prev)
					}
					last[p] = i
					count++
				}))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, loop.Submit(loop.Unref))
	require.NoError(t, <-errCh)
	assert.Equal(t, producers*perProducer, count)
}

func TestLoop_TimerKeepsAliveAndFiresInOrder(t *testing.T) {
	loop := newTestLoop(t)
	var got []string
	start := time.Now()
	require.NoError(t, loop.Submit(func() {
		_, err := loop.ScheduleTimer(30*time.Millisecond, func() { got = append(got, "b") })
		require.NoError(t, err)
		_, err = loop.ScheduleTimer(10*time.Millisecond, func() { got = append(got, "a") })
		require.NoError(t, err)
		_, err = loop.ScheduleTimer(30*time.Millisecond, func() { got = append(got, "c") })
		require.NoError(t, err)
	}))
	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestLoop_TimerStop(t *testing.T) {
	loop := newTestLoop(t)
	fired := false
	require.NoError(t, loop.Submit(func() {
		timer, err := loop.ScheduleTimer(time.Hour, func() { fired = true })
		require.NoError(t, err)
		timer.Stop()
	}))
	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stopped timer kept the loop alive")
	}
	assert.False(t, fired)
}

func TestLoop_UnrefTimerDoesNotKeepAlive(t *testing.T) {
	loop := newTestLoop(t)
	fired := false
	require.NoError(t, loop.Submit(func() {
		timer, err := loop.ScheduleTimer(time.Hour, func() { fired = true })
		require.NoError(t, err)
		timer.Unref()
	}))
	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("unref'd timer kept the loop alive")
	}
	assert.False(t, fired)
}

func TestLoop_UnrefTimerFiresWhileReferenced(t *testing.T) {
	loop := newTestLoop(t)
	loop.Ref()
	fired := make(chan struct{})
	require.NoError(t, loop.Submit(func() {
		timer, err := loop.ScheduleTimer(10*time.Millisecond, func() {
			close(fired)
			loop.Unref()
		})
		require.NoError(t, err)
		timer.Unref()
	}))
	require.NoError(t, loop.Run(context.Background()))
	select {
	case <-fired:
	default:
		t.Fatal("timer did not fire")
	}
}

func TestLoop_MicrotasksRunBeforeNextTask(t *testing.T) {
	loop := newTestLoop(t, WithStrictMicrotaskOrdering(true))
	var got []string
	require.NoError(t, loop.Submit(func() {
		got = append(got, "task1")
		require.NoError(t, loop.ScheduleMicrotask(func() { got = append(got, "micro1") }))
	}))
	require.NoError(t, loop.Submit(func() { got = append(got, "task2") }))
	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, []string{"task1", "micro1", "task2"}, got)
}

func TestLoop_PanicRecovered(t *testing.T) {
	loop := newTestLoop(t)
	ran := false
	require.NoError(t, loop.Submit(func() { panic("boom") }))
	require.NoError(t, loop.Submit(func() { ran = true }))
	require.NoError(t, loop.Run(context.Background()))
	assert.True(t, ran)
}

func TestLoop_RunTwice(t *testing.T) {
	loop := newTestLoop(t)
	loop.Ref()
	errCh := runLoop(t, loop)
	require.Eventually(t, func() bool { return loop.State().String() != "Awake" }, time.Second, time.Millisecond)
	assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopAlreadyRunning)
	require.NoError(t, loop.Submit(loop.Unref))
	require.NoError(t, <-errCh)
	assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopTerminated)
}

func TestLoop_ReentrantRun(t *testing.T) {
	loop := newTestLoop(t)
	var err error
	require.NoError(t, loop.Submit(func() { err = loop.Run(context.Background()) }))
	require.NoError(t, loop.Run(context.Background()))
	assert.ErrorIs(t, err, ErrReentrantRun)
}

func TestLoop_IsLoopThread(t *testing.T) {
	loop := newTestLoop(t)
	assert.False(t, loop.IsLoopThread())
	var onLoop bool
	require.NoError(t, loop.Submit(func() { onLoop = loop.IsLoopThread() }))
	require.NoError(t, loop.Run(context.Background()))
	assert.True(t, onLoop)
}

func TestLoop_ShutdownRunsQueuedTasks(t *testing.T) {
	loop := newTestLoop(t, WithKeepAlive(true))
	errCh := runLoop(t, loop)
	require.Eventually(t, loop.state.active, time.Second, time.Millisecond)
	var ran bool
	require.NoError(t, loop.Submit(func() { ran = true }))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, loop.Shutdown(ctx))
	require.NoError(t, <-errCh)
	assert.True(t, ran)
	assert.ErrorIs(t, loop.Shutdown(ctx), ErrLoopTerminated)
}

func TestLoop_CloseBeforeRun(t *testing.T) {
	loop := newTestLoop(t)
	require.NoError(t, loop.Close())
	<-loop.Done()
	assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopTerminated)
	assert.ErrorIs(t, loop.Close(), ErrLoopTerminated)
}

func TestLoop_CloseDiscardsQueuedTasks(t *testing.T) {
	loop := newTestLoop(t, WithKeepAlive(true))
	errCh := runLoop(t, loop)
	block := make(chan struct{})
	started := make(chan struct{})
	var ran bool
	require.NoError(t, loop.Submit(func() {
		close(started)
		<-block
	}))
	<-started
	require.NoError(t, loop.Submit(func() { ran = true }))
	require.NoError(t, loop.Close())
	close(block)
	require.NoError(t, <-errCh)
	assert.False(t, ran)
	assert.Equal(t, StateTerminated, loop.State())
}

func TestLoop_ContextCancel(t *testing.T) {
	loop := newTestLoop(t, WithKeepAlive(true))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()
	cancel()
	err := <-errCh
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestLoop_ScheduleTimerOffLoop(t *testing.T) {
	loop := newTestLoop(t)
	fired := make(chan struct{})
	_, err := loop.ScheduleTimer(5*time.Millisecond, func() { close(fired) })
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))
	select {
	case <-fired:
	default:
		t.Fatal("timer did not fire")
	}
}

func TestNew_NilOptionSkipped(t *testing.T) {
	loop, err := New(nil, WithLogger(nil))
	require.NoError(t, err)
	assert.NotZero(t, loop.ID())
}
