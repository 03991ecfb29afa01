// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// maxBatch bounds the number of submitted tasks executed per tick, so timers
// and microtasks are not starved by a busy producer.
const maxBatch = 256

// loopIDCounter hands out process-unique loop ids.
var loopIDCounter atomic.Uint64

// Loop is a single-goroutine cooperative scheduler. See the package
// documentation for the execution model.
type Loop struct { // betteralign:ignore
	state  stateCell
	logger *logiface.Logger[logiface.Event]

	// wakeCh has capacity 1, a pending signal is never lost.
	wakeCh chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	external taskQueue // guarded by mu

	// loop goroutine only
	microtasks  taskQueue
	timers      timerHeap
	refTimers   int
	nextTimerID uint64
	batchBuf    [maxBatch]func()

	refs            atomic.Int64
	loopGoroutineID atomic.Uint64
	discard         atomic.Bool

	id        uint64
	closeDone sync.Once

	strictMicrotaskOrdering bool
	keepAlive               bool
}

// New creates a new event loop with the given options.
func New(opts ...LoopOption) (*Loop, error) {
	options, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		logger:                  options.logger,
		wakeCh:                  make(chan struct{}, 1),
		done:                    make(chan struct{}),
		id:                      loopIDCounter.Add(1),
		strictMicrotaskOrdering: options.strictMicrotaskOrdering,
		keepAlive:               options.keepAlive,
	}
	return l, nil
}

// ID returns the process-unique identifier of the loop.
func (l *Loop) ID() uint64 {
	return l.id
}

// State returns the current state of the loop.
func (l *Loop) State() LoopState {
	return l.state.load()
}

// Done returns a channel that is closed once the loop has terminated.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Run executes the loop on the calling goroutine, until it goes idle (see
// [Loop.Ref]), is stopped via [Loop.Shutdown] or [Loop.Close], or ctx is
// canceled. It returns nil on idle exit or shutdown, and ctx.Err() on
// cancellation.
func (l *Loop) Run(ctx context.Context) error {
	if l.IsLoopThread() {
		return ErrReentrantRun
	}
	if !l.state.transition(StateAwake, StateRunning) {
		switch l.state.load() {
		case StateTerminated, StateTerminating:
			return ErrLoopTerminated
		default:
			return ErrLoopAlreadyRunning
		}
	}

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)
	defer l.closeDone.Do(func() { close(l.done) })

	l.logger.Debug().Uint64("loop", l.id).Log("eventloop: running")

	for {
		if err := ctx.Err(); err != nil {
			l.terminate()
			return err
		}
		if l.state.load() == StateTerminating {
			l.terminate()
			return nil
		}

		l.tick()

		if l.hasPendingWork() {
			continue
		}

		if !l.alive() && l.tryIdleExit() {
			l.logger.Debug().Uint64("loop", l.id).Log("eventloop: idle exit")
			l.clearTimers()
			return nil
		}

		l.sleep(ctx)
	}
}

// tick runs one iteration: expired timers, a batch of submitted tasks, then
// the microtask queue.
func (l *Loop) tick() {
	l.runTimers()
	l.processExternal()
	l.drainMicrotasks()
}

func (l *Loop) processExternal() {
	l.mu.Lock()
	n := l.external.popInto(l.batchBuf[:])
	l.mu.Unlock()

	for i := 0; i < n; i++ {
		fn := l.batchBuf[i]
		l.batchBuf[i] = nil
		l.safeExecute(fn)
		if l.strictMicrotaskOrdering {
			l.drainMicrotasks()
		}
	}
}

func (l *Loop) drainMicrotasks() {
	for {
		fn, ok := l.microtasks.pop()
		if !ok {
			return
		}
		l.safeExecute(fn)
	}
}

func (l *Loop) hasPendingWork() bool {
	if l.microtasks.len() > 0 {
		return true
	}
	if d, ok := l.nextTimerDelay(); ok && d <= 0 {
		return true
	}
	l.mu.Lock()
	n := l.external.len()
	l.mu.Unlock()
	return n > 0
}

// alive reports whether anything is keeping the loop running.
func (l *Loop) alive() bool {
	return l.keepAlive || l.refs.Load() > 0 || l.refTimers > 0
}

// tryIdleExit terminates the loop if no task was submitted in the meantime.
// The check and the transition happen under mu, so Submit either lands
// before (and the loop keeps going) or observes StateTerminated.
func (l *Loop) tryIdleExit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.external.len() > 0 {
		return false
	}
	return l.state.transition(StateRunning, StateTerminated)
}

func (l *Loop) sleep(ctx context.Context) {
	if !l.state.transition(StateRunning, StateSleeping) {
		return
	}
	defer l.state.transition(StateSleeping, StateRunning)

	var timerC <-chan time.Time
	if d, ok := l.nextTimerDelay(); ok {
		t := time.NewTimer(d)
		defer t.Stop()
		timerC = t.C
	}

	select {
	case <-l.wakeCh:
	case <-timerC:
	case <-ctx.Done():
	}
}

// terminate finalizes a requested shutdown. Queued tasks are run unless the
// loop was closed via Close.
func (l *Loop) terminate() {
	l.mu.Lock()
	l.state.store(StateTerminated)
	var remaining []func()
	for {
		fn, ok := l.external.pop()
		if !ok {
			break
		}
		remaining = append(remaining, fn)
	}
	l.mu.Unlock()

	if !l.discard.Load() {
		for _, fn := range remaining {
			l.safeExecute(fn)
		}
		l.drainMicrotasks()
	} else {
		for {
			if _, ok := l.microtasks.pop(); !ok {
				break
			}
		}
	}

	l.clearTimers()
	l.logger.Debug().Uint64("loop", l.id).Bool("discarded", l.discard.Load()).Int("remaining", len(remaining)).Log("eventloop: terminated")
}

func (l *Loop) clearTimers() {
	for _, t := range l.timers {
		t.index = -1
	}
	l.timers = nil
	l.refTimers = 0
}

// Submit queues fn for execution on the loop. It is safe to call from any
// goroutine, including the loop itself. Tasks run in submission order.
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		return ErrNilTask
	}
	l.mu.Lock()
	if l.state.load() == StateTerminated {
		l.mu.Unlock()
		return ErrLoopTerminated
	}
	l.external.push(fn)
	l.mu.Unlock()
	l.wake()
	return nil
}

// ScheduleMicrotask queues fn to run after the current task, before any
// further timers or submitted tasks.
func (l *Loop) ScheduleMicrotask(fn func()) error {
	if fn == nil {
		return ErrNilTask
	}
	if l.IsLoopThread() {
		l.microtasks.push(fn)
		return nil
	}
	return l.Submit(func() { l.microtasks.push(fn) })
}

// ScheduleTimer schedules fn to run on the loop after delay. The returned
// timer keeps the loop alive until it fires, unless [Timer.Unref] is called.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) (*Timer, error) {
	if fn == nil {
		return nil, ErrNilTask
	}
	if delay < 0 {
		delay = 0
	}
	t := &Timer{
		loop:  l,
		fn:    fn,
		when:  time.Now().Add(delay),
		index: -1,
	}
	add := func() {
		l.nextTimerID++
		t.id = l.nextTimerID
		l.addTimer(t)
	}
	if l.IsLoopThread() {
		add()
		return t, nil
	}
	if err := l.Submit(add); err != nil {
		return nil, err
	}
	return t, nil
}

// Ref increments the loop's reference count. A loop with a positive count
// does not exit when idle. Safe to call from any goroutine, though a Ref
// racing with an idle exit that is already under way cannot prevent it,
// callers off the loop should Ref from within a submitted task.
func (l *Loop) Ref() {
	l.refs.Add(1)
}

// Unref decrements the reference count, panicking if it would go negative.
func (l *Loop) Unref() {
	n := l.refs.Add(-1)
	if n < 0 {
		panic("eventloop: negative reference count")
	}
	if n == 0 {
		l.wake()
	}
}

// Refs returns the current reference count.
func (l *Loop) Refs() int64 {
	return l.refs.Load()
}

// Shutdown gracefully stops the loop: tasks already queued are executed,
// then the loop terminates. It blocks until the loop has terminated or ctx
// is done. Called from the loop itself, it only requests the stop.
func (l *Loop) Shutdown(ctx context.Context) error {
	if !l.requestStop() {
		return ErrLoopTerminated
	}
	if l.IsLoopThread() {
		return nil
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop without running queued tasks. It does not wait for
// termination, see [Loop.Done].
func (l *Loop) Close() error {
	l.discard.Store(true)
	if !l.requestStop() {
		return ErrLoopTerminated
	}
	return nil
}

// requestStop moves the loop toward termination, returning false if it had
// already terminated.
func (l *Loop) requestStop() bool {
	for {
		s := l.state.load()
		switch s {
		case StateTerminated:
			return false
		case StateTerminating:
			return true
		case StateAwake:
			l.mu.Lock()
			ok := l.state.transition(StateAwake, StateTerminated)
			l.mu.Unlock()
			if ok {
				l.closeDone.Do(func() { close(l.done) })
				return true
			}
		default:
			if l.state.transition(s, StateTerminating) {
				l.wake()
				return true
			}
		}
	}
}

func (l *Loop) wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

// runOnLoop runs fn immediately when called on the loop goroutine, and
// submits it otherwise. Submission failures are ignored, a terminated loop
// has nothing left to update.
func (l *Loop) runOnLoop(fn func()) {
	if l.IsLoopThread() {
		fn()
		return
	}
	_ = l.Submit(fn)
}

// safeExecute runs fn, recovering and logging any panic.
func (l *Loop) safeExecute(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Err().
				Uint64("loop", l.id).
				Interface("panic", r).
				Log("eventloop: task panicked")
		}
	}()
	fn()
}

// IsLoopThread reports whether the caller is running on the loop goroutine.
func (l *Loop) IsLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID parses the current goroutine id from the stack header.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
