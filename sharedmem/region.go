// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package sharedmem implements a region of atomic uint32 slots, shared by
// reference between threads, with futex-style wait and notify.
//
// Waiting never blocks an event loop: [Region.WaitAsync] registers a waiter
// and returns a promise that settles on the waiting thread's loop. Waiters
// for a slot are woken in FIFO order.
package sharedmem

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
)

// Forever may be passed as the timeout to wait without a deadline. Any
// negative timeout behaves the same.
const Forever time.Duration = -1

// ErrIndexOutOfRange is returned when a wait targets a slot that does not
// exist.
var ErrIndexOutOfRange = errors.New("sharedmem: index out of range")

// WaitResult is the outcome of a wait, named after the strings the
// Atomics API uses.
type WaitResult string

const (
	// WaitOK means the waiter was woken by Notify.
	WaitOK WaitResult = "ok"
	// WaitNotEqual means the slot did not hold the expected value, so the
	// waiter was never registered.
	WaitNotEqual WaitResult = "not-equal"
	// WaitTimedOut means the timeout elapsed before a notification.
	WaitTimedOut WaitResult = "timed-out"
)

// Region is a fixed-size array of atomic uint32 slots. All methods are safe
// for concurrent use.
type Region struct {
	slots   []atomix.Uint32
	waiters map[int][]*waiter // guarded by mu
	mu      sync.Mutex
}

type waiter struct {
	// wake is called without mu held, at most once, by Notify.
	wake func()
}

// New allocates a region of n zeroed slots.
func New(n int) *Region {
	if n < 0 {
		panic(fmt.Sprintf("sharedmem: negative region size %d", n))
	}
	return &Region{
		slots:   make([]atomix.Uint32, n),
		waiters: make(map[int][]*waiter),
	}
}

// Shared marks a Region as passed by reference, rather than copied, when
// posted through a port.
func (r *Region) Shared() {}

// Len returns the number of slots.
func (r *Region) Len() int {
	return len(r.slots)
}

// Load atomically loads slot index, with acquire ordering: stores made before
// the matching Store are visible afterward. It panics if index is out of
// range.
func (r *Region) Load(index int) uint32 {
	return r.slots[index].LoadAcquire()
}

// Store atomically stores value into slot index, with release ordering.
func (r *Region) Store(index int, value uint32) {
	r.slots[index].StoreRelease(value)
}

// Add atomically adds delta to slot index, returning the new value.
func (r *Region) Add(index int, delta uint32) uint32 {
	return r.slots[index].Add(delta)
}

// Notify wakes up to count waiters on slot index, oldest first, returning
// the number woken. A negative count wakes every waiter.
func (r *Region) Notify(index int, count int) int {
	if index < 0 || index >= len(r.slots) || count == 0 {
		return 0
	}

	r.mu.Lock()
	queue := r.waiters[index]
	n := len(queue)
	if count > 0 && count < n {
		n = count
	}
	woken := queue[:n:n]
	if n == len(queue) {
		delete(r.waiters, index)
	} else {
		r.waiters[index] = queue[n:]
	}
	r.mu.Unlock()

	for _, w := range woken {
		w.wake()
	}
	return n
}

// Waiters returns the number of registered waiters on slot index.
func (r *Region) Waiters(index int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters[index])
}

// enqueue registers w if slot index holds expected. The comparison and the
// registration happen under mu, so a store followed by Notify cannot slip
// in between.
func (r *Region) enqueue(index int, expected uint32, w *waiter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots[index].LoadAcquire() != expected {
		return false
	}
	r.waiters[index] = append(r.waiters[index], w)
	return true
}

// dequeue removes w, returning false if Notify already took it.
func (r *Region) dequeue(index int, w *waiter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.waiters[index]
	for i, v := range queue {
		if v == w {
			next := append(queue[:i:i], queue[i+1:]...)
			if len(next) == 0 {
				delete(r.waiters, index)
			} else {
				r.waiters[index] = next
			}
			return true
		}
	}
	return false
}

func (r *Region) checkIndex(index int) error {
	if index < 0 || index >= len(r.slots) {
		return fmt.Errorf("%w: %d (len %d)", ErrIndexOutOfRange, index, len(r.slots))
	}
	return nil
}
