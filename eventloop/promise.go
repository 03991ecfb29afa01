// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"context"
	"fmt"
	"sync"
)

// Result is a fulfillment value or rejection reason.
type Result = any

// PromiseState is Pending until the promise settles, then Fulfilled or
// Rejected for good.
type PromiseState int

const (
	Pending PromiseState = iota
	Fulfilled
	Rejected
)

// Resolved is the same state as Fulfilled.
const Resolved = Fulfilled

func (s PromiseState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fulfilled:
		return "fulfilled"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// ResolveFunc and RejectFunc settle a promise. They may be called from any
// goroutine, and only the first call to either has any effect.
type (
	ResolveFunc func(Result)
	RejectFunc  func(Result)
)

// Promise is a single-assignment result owned by a [Loop]. Reactions added
// with [Promise.Then] run as microtasks on that loop, never synchronously.
type Promise struct {
	loop *Loop

	mu        sync.Mutex
	state     PromiseState
	result    Result
	reactions []reaction
	waiters   []chan Result
}

type reaction struct {
	onFulfilled func(Result) Result
	onRejected  func(Result) Result
	next        *Promise
}

// NewPromise returns a pending promise along with the functions that
// settle it.
func NewPromise(loop *Loop) (*Promise, ResolveFunc, RejectFunc) {
	p := &Promise{loop: loop}
	return p, p.resolve, p.reject
}

func (p *Promise) State() PromiseState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Value is the fulfillment value, nil unless fulfilled.
func (p *Promise) Value() Result { return p.resultIf(Fulfilled) }

// Reason is the rejection reason, nil unless rejected.
func (p *Promise) Reason() Result { return p.resultIf(Rejected) }

func (p *Promise) resultIf(state PromiseState) Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != state {
		return nil
	}
	return p.result
}

// Then returns a promise settled by whichever handler runs. A nil handler
// forwards the outcome unchanged, and a handler that panics rejects the
// returned promise with a [PanicError].
func (p *Promise) Then(onFulfilled, onRejected func(Result) Result) *Promise {
	next := &Promise{loop: p.loop}
	p.react(reaction{onFulfilled: onFulfilled, onRejected: onRejected, next: next})
	return next
}

func (p *Promise) Catch(onRejected func(Result) Result) *Promise {
	return p.Then(nil, onRejected)
}

// ToChannel returns a channel that receives the result once settled, then
// closes.
func (p *Promise) ToChannel() <-chan Result {
	ch := make(chan Result, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Pending {
		p.waiters = append(p.waiters, ch)
	} else {
		ch <- p.result
		close(ch)
	}
	return ch
}

// Await blocks until the promise settles or ctx is done, returning a
// rejection as an error. Calling it on the promise's own loop goroutine
// deadlocks.
func (p *Promise) Await(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-p.ToChannel():
		if p.State() != Rejected {
			return result, nil
		}
		if err, ok := result.(error); ok {
			return nil, err
		}
		return nil, fmt.Errorf("eventloop: promise rejected: %v", result)
	}
}

func (p *Promise) react(r reaction) {
	p.mu.Lock()
	if p.state == Pending {
		p.reactions = append(p.reactions, r)
		p.mu.Unlock()
		return
	}
	state, result := p.state, p.result
	p.mu.Unlock()
	p.schedule(r, state, result)
}

func (p *Promise) schedule(r reaction, state PromiseState, result Result) {
	err := p.loop.ScheduleMicrotask(func() { r.run(state, result) })
	if err != nil {
		p.loop.logger.Debug().Err(err).Log("eventloop: dropped promise reaction")
	}
}

func (r reaction) run(state PromiseState, result Result) {
	fn := r.onRejected
	if state == Fulfilled {
		fn = r.onFulfilled
	}
	switch {
	case fn != nil:
		defer func() {
			if v := recover(); v != nil {
				r.next.reject(PanicError{Value: v})
			}
		}()
		r.next.resolve(fn(result))
	case state == Fulfilled:
		r.next.resolve(result)
	default:
		r.next.reject(result)
	}
}

func (p *Promise) resolve(value Result) {
	inner, ok := value.(*Promise)
	if !ok {
		p.settle(Fulfilled, value)
		return
	}
	if inner == p {
		p.reject(&TypeError{Message: "eventloop: promise resolved with itself"})
		return
	}
	inner.react(reaction{next: p})
}

func (p *Promise) reject(reason Result) { p.settle(Rejected, reason) }

func (p *Promise) settle(state PromiseState, result Result) {
	p.mu.Lock()
	if p.state != Pending {
		p.mu.Unlock()
		return
	}
	p.state, p.result = state, result
	reactions, waiters := p.reactions, p.waiters
	p.reactions, p.waiters = nil, nil
	// scheduling under the lock keeps reactions in the order they were added
	for _, r := range reactions {
		p.schedule(r, state, result)
	}
	p.mu.Unlock()
	for _, ch := range waiters {
		ch <- result
		close(ch)
	}
}
