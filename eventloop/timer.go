package eventloop

import (
	"container/heap"
	"time"
)

// Timer is a handle to a callback scheduled via [Loop.ScheduleTimer].
//
// All fields are owned by the loop goroutine. The exported methods are safe
// to call from any goroutine, they marshal onto the loop.
type Timer struct {
	loop  *Loop
	fn    func()
	when  time.Time
	id    uint64
	index int  // heap index, -1 when not scheduled
	unref bool // does not keep the loop alive
}

// Stop cancels the timer. It is a no-op if the timer already fired or was
// stopped.
func (t *Timer) Stop() {
	t.loop.runOnLoop(func() {
		t.loop.removeTimer(t)
	})
}

// Unref marks the timer as not keeping the loop alive. A loop whose only
// remaining work is unref'd timers exits, dropping those timers.
func (t *Timer) Unref() {
	t.loop.runOnLoop(func() {
		if t.unref {
			return
		}
		t.unref = true
		if t.index >= 0 {
			t.loop.refTimers--
		}
	})
}

// Ref reverses [Timer.Unref].
func (t *Timer) Ref() {
	t.loop.runOnLoop(func() {
		if !t.unref {
			return
		}
		t.unref = false
		if t.index >= 0 {
			t.loop.refTimers++
		}
	})
}

// timerHeap is a min-heap of timers ordered by deadline, then by id so that
// timers with equal deadlines fire in scheduling order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].id < h[j].id
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// addTimer must be called on the loop goroutine.
func (l *Loop) addTimer(t *Timer) {
	heap.Push(&l.timers, t)
	if !t.unref {
		l.refTimers++
	}
}

// removeTimer must be called on the loop goroutine.
func (l *Loop) removeTimer(t *Timer) {
	if t.index < 0 {
		return
	}
	heap.Remove(&l.timers, t.index)
	if !t.unref {
		l.refTimers--
	}
}

// runTimers fires every timer whose deadline has passed.
func (l *Loop) runTimers() {
	now := time.Now()
	for len(l.timers) > 0 {
		t := l.timers[0]
		if t.when.After(now) {
			return
		}
		heap.Pop(&l.timers)
		if !t.unref {
			l.refTimers--
		}
		l.safeExecute(t.fn)
		if l.strictMicrotaskOrdering {
			l.drainMicrotasks()
		}
	}
}

// nextTimerDelay returns the delay until the earliest timer, or false if
// there are no timers.
func (l *Loop) nextTimerDelay() (time.Duration, bool) {
	if len(l.timers) == 0 {
		return 0, false
	}
	d := time.Until(l.timers[0].when)
	if d < 0 {
		d = 0
	}
	return d, true
}
