package port

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-workermsg/eventloop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	loop, err := eventloop.New()
	require.NoError(t, err)
	return loop
}

func runLoop(t *testing.T, loop *eventloop.Loop) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, loop.Run(ctx))
}

func TestPort_FIFOWithOverflow(t *testing.T) {
	skipRace(t)
	const n = 1000
	a, b := NewChannel(WithCapacity(4))
	loop := newLoop(t)

	// posted before binding, so most of these land in the overflow list
	for i := 0; i < n/2; i++ {
		require.NoError(t, a.Post(i))
	}

	var got []int
	require.NoError(t, loop.Submit(func() {
		require.NoError(t, b.Bind(loop, func(msg Message) {
			got = append(got, msg.Data.(int))
			if len(got) == n {
				require.NoError(t, b.Close())
			}
		}))
		go func() {
			for i := n / 2; i < n; i++ {
				assert.NoError(t, a.Post(i))
			}
		}()
	}))

	runLoop(t, loop)
	require.Len(t, got, n)
	for i, v := range got {
		if v != i {
			t.Fatalf("message %d delivered at position %d", v, i)
		}
	}
	assert.True(t, a.Closed())
	assert.ErrorIs(t, a.Post(1), ErrPortClosed)
}

func TestPort_PayloadIsolation(t *testing.T) {
	skipRace(t)
	a, b := NewChannel()
	loop := newLoop(t)
	payload := map[string]any{"list": []any{1, "two"}, "n": 3}
	var got map[string]any
	require.NoError(t, b.Bind(loop, func(msg Message) {
		got = msg.Data.(map[string]any)
		b.Unref()
	}))
	require.NoError(t, a.Post(payload))
	payload["n"] = 4
	payload["list"].([]any)[0] = 100
	runLoop(t, loop)
	assert.Equal(t, map[string]any{"list": []any{1, "two"}, "n": 3}, got)
	require.NoError(t, a.Close())
}

func TestPort_TransferPort(t *testing.T) {
	skipRace(t)
	up, down := NewChannel()
	inner, innerPeer := NewChannel()
	loop := newLoop(t)

	var received *Port
	require.NoError(t, down.Bind(loop, func(msg Message) {
		require.Len(t, msg.Transfer, 1)
		received = msg.Data.(*Port)
		require.NoError(t, down.Close())
	}))
	require.NoError(t, up.Post(inner, inner))
	runLoop(t, loop)
	require.Same(t, inner, received)

	// the transferred port is usable from its new owner
	loop2 := newLoop(t)
	var value any
	require.NoError(t, received.Bind(loop2, func(msg Message) {
		value = msg.Data
		require.NoError(t, received.Close())
	}))
	require.NoError(t, innerPeer.Post("hello"))
	runLoop(t, loop2)
	assert.Equal(t, "hello", value)
}

func TestPort_TransferErrors(t *testing.T) {
	skipRace(t)
	a, b := NewChannel()
	other, _ := NewChannel()

	var cloneErr *DataCloneError
	assert.ErrorAs(t, a.Post(other), &cloneErr, "transferable outside the transfer list")
	assert.ErrorAs(t, a.Post(nil, a), &cloneErr, "source port")
	assert.ErrorAs(t, a.Post(nil, b), &cloneErr, "peer port")

	loop := newLoop(t)
	require.NoError(t, other.Bind(loop, func(Message) {}))
	assert.ErrorAs(t, a.Post(other, other), &cloneErr, "bound port")
	assert.ErrorIs(t, other.CheckTransfer(), ErrPortBound)
	require.NoError(t, other.Close())
	assert.ErrorIs(t, other.CheckTransfer(), ErrPortClosed)
	runLoop(t, loop)
}

func TestPort_BindErrors(t *testing.T) {
	skipRace(t)
	a, b := NewChannel()
	loop := newLoop(t)
	assert.ErrorIs(t, a.Bind(loop, nil), ErrNilHandler)
	require.NoError(t, a.Bind(loop, func(Message) {}))
	assert.ErrorIs(t, a.Bind(loop, func(Message) {}), ErrPortBound)
	require.NoError(t, b.Close())
	require.NoError(t, a.Close())
	assert.ErrorIs(t, b.Bind(loop, func(Message) {}), ErrPortClosed)
	runLoop(t, loop)
}

func TestPort_UnrefDoesNotKeepLoopAlive(t *testing.T) {
	skipRace(t)
	a, b := NewChannel()
	defer a.Close()
	loop := newLoop(t)
	b.Unref()
	require.NoError(t, b.Bind(loop, func(Message) {}))
	assert.Zero(t, loop.Refs())

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("unref'd port kept the loop alive")
	}
}

func TestPort_RefUnrefBound(t *testing.T) {
	skipRace(t)
	a, b := NewChannel()
	loop := newLoop(t)
	require.NoError(t, b.Bind(loop, func(Message) {}))
	assert.EqualValues(t, 1, loop.Refs())
	b.Unref()
	assert.Zero(t, loop.Refs())
	b.Ref()
	b.Ref()
	assert.EqualValues(t, 1, loop.Refs())
	require.NoError(t, a.Close())
	assert.Zero(t, loop.Refs())
	require.NoError(t, a.Close(), "idempotent")
}

func TestPort_CloseDropsUndelivered(t *testing.T) {
	skipRace(t)
	a, b := NewChannel()
	loop := newLoop(t)
	var delivered int
	require.NoError(t, b.Bind(loop, func(Message) {
		delivered++
		require.NoError(t, b.Close())
	}))
	for i := 0; i < 10; i++ {
		require.NoError(t, a.Post(i))
	}
	runLoop(t, loop)
	assert.Equal(t, 1, delivered)
}

func TestPort_CloneFailureSendsNothing(t *testing.T) {
	skipRace(t)
	a, b := NewChannel()
	loop := newLoop(t)
	var got []any
	require.NoError(t, b.Bind(loop, func(msg Message) {
		got = append(got, msg.Data)
		require.NoError(t, b.Close())
	}))
	var cloneErr *DataCloneError
	require.ErrorAs(t, a.Post(func() {}), &cloneErr)
	require.NoError(t, a.Post("ok"))
	runLoop(t, loop)
	assert.Equal(t, []any{"ok"}, got)
}

type dropLog struct {
	mu   sync.Mutex
	data []any
}

func (d *dropLog) add(msg Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data = append(d.data, msg.Data)
}

func (d *dropLog) get() []any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]any(nil), d.data...)
}

func TestPort_CloseHandsUndeliveredToDropHandler(t *testing.T) {
	skipRace(t)
	var dropped dropLog
	a, b := NewChannel(WithCapacity(2), WithDropHandler(dropped.add))
	for i := 0; i < 5; i++ {
		require.NoError(t, a.Post(i))
	}
	require.NoError(t, b.Close())
	assert.Equal(t, []any{0, 1, 2, 3, 4}, dropped.get())
	assert.ErrorIs(t, a.Post(5), ErrPortClosed)
	require.NoError(t, a.Close())
	assert.Len(t, dropped.get(), 5)
}

func TestPort_CloseClosesDroppedTransfers(t *testing.T) {
	skipRace(t)
	a, b := NewChannel()
	inner, innerPeer := NewChannel()
	require.NoError(t, a.Post(inner, inner))
	require.NoError(t, b.Close())
	assert.True(t, inner.Closed())
	assert.True(t, innerPeer.Closed())
}

func TestPort_StoppedLoopDropsMessages(t *testing.T) {
	skipRace(t)
	loop := newLoop(t)
	require.NoError(t, loop.Close())

	dropped := make(chan any, 3)
	a, b := NewChannel(WithDropHandler(func(msg Message) { dropped <- msg.Data }))
	require.NoError(t, b.Bind(loop, func(Message) { t.Error("delivered to a stopped loop") }))
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Post(i))
	}
	for i := 0; i < 3; i++ {
		select {
		case v := <-dropped:
			assert.Equal(t, i, v)
		case <-time.After(5 * time.Second):
			t.Fatalf("message %d was not dropped", i)
		}
	}
	require.NoError(t, a.Close())
	assert.Empty(t, dropped)
}

func TestPort_DiscardedTasksAreDropped(t *testing.T) {
	skipRace(t)
	loop := newLoop(t)
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, loop.Submit(func() {
		close(started)
		<-release
	}))

	var dropped dropLog
	a, b := NewChannel(WithDropHandler(dropped.add))
	require.NoError(t, b.Bind(loop, func(Message) { t.Error("delivered after close") }))

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	<-started

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Post(i))
	}
	// wait until every message has been submitted to the blocked loop
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.inflight) == 3
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, loop.Close())
	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.Empty(t, dropped.get())

	require.NoError(t, a.Close())
	assert.Equal(t, []any{0, 1, 2}, dropped.get())
}

func TestPort_TransferDetachesSender(t *testing.T) {
	skipRace(t)
	up, down := NewChannel()
	inner, innerPeer := NewChannel()
	loop := newLoop(t)

	require.NoError(t, up.Post(nil, inner))

	// in transit, the sender's handle is unusable
	assert.ErrorIs(t, inner.Post("x"), ErrPortClosed)
	assert.ErrorIs(t, inner.Bind(loop, func(Message) {}), ErrPortClosed)
	assert.ErrorIs(t, inner.CheckTransfer(), ErrPortClosed)
	var cloneErr *DataCloneError
	assert.ErrorAs(t, up.Post(nil, inner), &cloneErr)
	assert.False(t, inner.Closed())

	require.NoError(t, down.Bind(loop, func(msg Message) {
		require.Len(t, msg.Transfer, 1)
		// delivered, it belongs to the receiver
		assert.NoError(t, msg.Transfer[0].(*Port).Post("hello"))
		require.NoError(t, down.Close())
	}))
	runLoop(t, loop)

	loop2 := newLoop(t)
	var got any
	require.NoError(t, innerPeer.Bind(loop2, func(msg Message) {
		got = msg.Data
		require.NoError(t, innerPeer.Close())
	}))
	runLoop(t, loop2)
	assert.Equal(t, "hello", got)
}
