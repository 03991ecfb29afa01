package sharedmem

import (
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-workermsg/eventloop"
)

// WaitAsync waits, without blocking, for a notification on slot index,
// provided it currently holds expected. The returned promise is bound to
// loop and fulfills with a [WaitResult]:
//
//   - [WaitNotEqual] immediately, if the slot does not hold expected
//   - [WaitOK] once woken by [Region.Notify]
//   - [WaitTimedOut] once timeout elapses, unless it is negative
//
// The waiter is registered before WaitAsync returns, so a Notify issued at
// any point afterward is observed. A pending wait keeps loop alive.
// Notifications arriving after a timeout are not observed by this waiter.
func (r *Region) WaitAsync(loop *eventloop.Loop, index int, expected uint32, timeout time.Duration) (*eventloop.Promise, error) {
	if err := r.checkIndex(index); err != nil {
		return nil, err
	}

	promise, resolve, _ := eventloop.NewPromise(loop)

	var (
		timer   atomic.Pointer[eventloop.Timer]
		settled bool // loop goroutine only
	)
	settle := func(result WaitResult) {
		if settled {
			return
		}
		settled = true
		if t := timer.Load(); t != nil {
			t.Stop()
		}
		resolve(result)
		loop.Unref()
	}

	w := &waiter{}
	w.wake = func() {
		// nothing to do if the loop is gone
		_ = loop.Submit(func() { settle(WaitOK) })
	}

	loop.Ref()
	if !r.enqueue(index, expected, w) {
		loop.Unref()
		resolve(WaitNotEqual)
		return promise, nil
	}

	if timeout >= 0 {
		t, err := loop.ScheduleTimer(timeout, func() {
			if r.dequeue(index, w) {
				settle(WaitTimedOut)
			}
		})
		if err != nil {
			r.dequeue(index, w)
			loop.Unref()
			return nil, err
		}
		// the wait holds its own reference
		t.Unref()
		timer.Store(t)
	}

	return promise, nil
}

// Wait blocks the calling goroutine until slot index is notified or timeout
// elapses, returning immediately with [WaitNotEqual] if the slot does not
// hold expected. It must not be called from an event loop goroutine, use
// [Region.WaitAsync] there.
func (r *Region) Wait(index int, expected uint32, timeout time.Duration) (WaitResult, error) {
	if err := r.checkIndex(index); err != nil {
		return "", err
	}

	woken := make(chan struct{})
	w := &waiter{wake: func() { close(woken) }}
	if !r.enqueue(index, expected, w) {
		return WaitNotEqual, nil
	}

	var deadline <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case <-woken:
		return WaitOK, nil
	case <-deadline:
		if r.dequeue(index, w) {
			return WaitTimedOut, nil
		}
		// lost the race with Notify, which counted this waiter
		<-woken
		return WaitOK, nil
	}
}
