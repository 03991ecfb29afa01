// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package port implements entangled pairs of message ports, the channel
// endpoints threads use to talk to each other.
//
// A pair is created by [NewChannel]. Messages posted on one side are
// delivered, in order, to the handler bound on the other side, as tasks on
// the handler's event loop. Until a port is bound its inbound messages are
// buffered. Payloads are isolated with a [Cloner], and ports themselves can
// be moved to another thread by listing them in the transfer list.
//
// Transport is backed by bounded lock-free SPSC queues from lfq, one per
// direction, with an unbounded overflow list for bursts.
//
// Every posted message is either passed to the bound handler or, if the
// channel is closed or the bound loop stops first, to the drop handler set
// with [WithDropHandler], exactly once.
package port

import (
	"errors"
	"io"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"github.com/joeycumines/go-workermsg/eventloop"
	"github.com/joeycumines/logiface"
)

var (
	// ErrPortClosed is returned when posting to, or binding, a closed port.
	ErrPortClosed = errors.New("port: port is closed")

	// ErrPortBound is returned when binding a port twice, or transferring a
	// port that is already bound to a loop.
	ErrPortBound = errors.New("port: port is already bound")

	// ErrNilHandler is returned by Bind when given a nil handler.
	ErrNilHandler = errors.New("port: handler must not be nil")
)

// Message is a payload delivered to a bound port's handler.
type Message struct {
	// Data is the cloned payload.
	Data any
	// Transfer lists the transferables that moved with the message.
	Transfer []Transferable
}

type portState uint8

const (
	stateIdle portState = iota
	stateBound
	// stateDetached marks a port in transit, posted in a transfer list and
	// not yet delivered.
	stateDetached
	stateClosed
)

var portSerial atomix.Uint32

// inbox is one direction of a pair. Producers serialize on mu; the bound
// port's pump goroutine is the sole consumer of ring.
type inbox struct {
	ring     lfq.SPSC[Message]
	overflow []Message // guarded by mu
	doorbell chan struct{}
	mu       sync.Mutex
	sealed   bool // guarded by mu
}

func newInbox(capacity int) *inbox {
	b := &inbox{doorbell: make(chan struct{}, 1)}
	b.ring.Init(capacity)
	return b
}

// push enqueues msg. Once the ring fills, messages spill into overflow, and
// keep doing so until the consumer has taken the overflow, so order is
// preserved.
func (b *inbox) push(msg Message) error {
	b.mu.Lock()
	if b.sealed {
		b.mu.Unlock()
		return ErrPortClosed
	}
	if len(b.overflow) == 0 {
		err := b.ring.Enqueue(&msg)
		switch {
		case err == nil:
			b.mu.Unlock()
			b.notify()
			return nil
		case !iox.IsWouldBlock(err):
			b.mu.Unlock()
			return err
		}
	}
	b.overflow = append(b.overflow, msg)
	b.mu.Unlock()
	b.notify()
	return nil
}

// seal makes further pushes fail, so nothing arrives after the final drain.
func (b *inbox) seal() {
	b.mu.Lock()
	b.sealed = true
	b.mu.Unlock()
}

func (b *inbox) notify() {
	select {
	case b.doorbell <- struct{}{}:
	default:
	}
}

// drain takes every queued message, in order. Consumer only.
func (b *inbox) drain(out []Message) []Message {
	out = b.dequeueAll(out)
	b.mu.Lock()
	if len(b.overflow) != 0 {
		// producers are held off, so the ring now only holds messages that
		// precede the overflow
		out = b.dequeueAll(out)
		out = append(out, b.overflow...)
		clear(b.overflow)
		b.overflow = b.overflow[:0]
	}
	b.mu.Unlock()
	return out
}

func (b *inbox) dequeueAll(out []Message) []Message {
	for {
		msg, err := b.ring.Dequeue()
		if err != nil {
			return out
		}
		out = append(out, msg)
	}
}

// pair is the state shared by both ends of a channel.
type pair struct {
	closed atomix.Uint32
}

// Port is one end of a channel created by [NewChannel].
//
// Post, Close, Ref and Unref are safe to call from any goroutine. The bound
// handler runs on the loop passed to Bind.
type Port struct {
	pair    *pair
	peer    *Port
	in      *inbox
	cloner  Cloner
	logger  *logiface.Logger[logiface.Event]
	onDrop  func(Message)
	loop    *eventloop.Loop
	handler func(Message)
	stop    chan struct{}
	stopped chan struct{}
	mu      sync.Mutex
	// submitted to loop, not yet delivered, guarded by mu
	inflight []Message
	id       uint32
	state   portState
	unref   bool
	holding bool // holds a reference on loop
}

// NewChannel creates a pair of entangled ports. A message posted to either
// port is delivered to the other.
func NewChannel(opts ...Option) (*Port, *Port) {
	cfg := resolveOptions(opts)
	p := &pair{}
	a := &Port{
		pair:   p,
		in:     newInbox(cfg.capacity),
		cloner: cfg.cloner,
		logger: cfg.logger,
		onDrop: cfg.onDrop,
		id:     portSerial.Add(1),
	}
	b := &Port{
		pair:   p,
		in:     newInbox(cfg.capacity),
		cloner: cfg.cloner,
		logger: cfg.logger,
		onDrop: cfg.onDrop,
		id:     portSerial.Add(1),
	}
	a.peer, b.peer = b, a
	return a, b
}

// ID returns a process-unique identifier for logging.
func (p *Port) ID() uint32 {
	return p.id
}

// Closed reports whether the channel has been closed, from either end.
func (p *Port) Closed() bool {
	return p.pair.closed.Load() != 0
}

// Post clones data and queues it for delivery to the peer port. Values in
// transfer are moved rather than copied, see [Transferable].
//
// Posting to a closed channel, or through a port that is itself in transit,
// returns ErrPortClosed. Cloning failures return a [*DataCloneError] and
// nothing is sent. Transferred ports are detached until the message is
// delivered: until then Post, Bind and transfer fail on them.
func (p *Port) Post(data any, transfer ...Transferable) error {
	if p.Closed() || p.detached() {
		return ErrPortClosed
	}
	for _, t := range transfer {
		if t == nil {
			return &DataCloneError{Reason: "nil value in transfer list"}
		}
		if other, ok := t.(*Port); ok && (other == p || other == p.peer) {
			return &DataCloneError{Value: t, Reason: "a port cannot be transferred through its own channel"}
		}
		if err := t.CheckTransfer(); err != nil {
			return &DataCloneError{Value: t, Reason: err.Error()}
		}
	}

	value, err := p.cloner.Clone(data, transfer)
	if err != nil {
		return err
	}

	msg := Message{Data: value}
	if len(transfer) != 0 {
		msg.Transfer = append([]Transferable(nil), transfer...)
	}
	if err := detachAll(msg.Transfer); err != nil {
		return err
	}
	if err := p.peer.in.push(msg); err != nil {
		attachAll(msg.Transfer)
		return err
	}
	return nil
}

func (p *Port) detached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateDetached
}

// detachAll moves every transferred port into transit. On failure the ports
// already detached are restored.
func detachAll(transfer []Transferable) error {
	for i, t := range transfer {
		other, ok := t.(*Port)
		if !ok {
			continue
		}
		if err := other.detach(); err != nil {
			attachAll(transfer[:i])
			return &DataCloneError{Value: t, Reason: err.Error()}
		}
	}
	return nil
}

func attachAll(transfer []Transferable) {
	for _, t := range transfer {
		if other, ok := t.(*Port); ok {
			other.attach()
		}
	}
}

func (p *Port) detach() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.state == stateClosed || p.Closed():
		return ErrPortClosed
	case p.state == stateBound:
		return ErrPortBound
	case p.state == stateDetached:
		return ErrPortClosed
	}
	p.state = stateDetached
	return nil
}

// attach hands a detached port to its new owner.
func (p *Port) attach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateDetached {
		p.state = stateIdle
	}
}

// CheckTransfer implements Transferable. Only idle ports, never bound to a
// loop, can be transferred.
func (p *Port) CheckTransfer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.state == stateClosed || p.state == stateDetached || p.Closed():
		return ErrPortClosed
	case p.state == stateBound:
		return ErrPortBound
	}
	return nil
}

// Bind starts delivering inbound messages, including any buffered before
// the call, to handler on loop. A bound port keeps loop alive until it is
// closed or [Port.Unref] is called.
func (p *Port) Bind(loop *eventloop.Loop, handler func(Message)) error {
	if handler == nil {
		return ErrNilHandler
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.state == stateClosed || p.state == stateDetached || p.Closed():
		return ErrPortClosed
	case p.state == stateBound:
		return ErrPortBound
	}

	p.state = stateBound
	p.loop = loop
	p.handler = handler
	p.stop = make(chan struct{})
	p.stopped = make(chan struct{})
	if !p.unref {
		loop.Ref()
		p.holding = true
	}

	go p.pump()

	p.logger.Trace().Uint64("port", uint64(p.id)).Uint64("loop", loop.ID()).Log("port: bound")
	return nil
}

// pump forwards inbound messages to the bound loop, one task per message.
// Once the loop refuses tasks every message is dropped instead.
func (p *Port) pump() {
	defer close(p.stopped)
	var (
		batch []Message
		gone  bool
	)
	for {
		batch = p.in.drain(batch[:0])
		for i, msg := range batch {
			batch[i] = Message{}
			if gone {
				p.drop(msg)
				continue
			}
			p.mu.Lock()
			p.inflight = append(p.inflight, msg)
			p.mu.Unlock()
			if err := p.loop.Submit(p.deliverNext); err != nil {
				p.logger.Debug().Err(err).Uint64("port", uint64(p.id)).Log("port: loop gone, dropping messages")
				gone = true
				p.dropInflight()
			}
		}
		if len(batch) != 0 {
			continue
		}
		select {
		case <-p.in.doorbell:
		case <-p.stop:
			return
		}
	}
}

// deliverNext runs on the bound loop, once per submitted message.
func (p *Port) deliverNext() {
	p.mu.Lock()
	if len(p.inflight) == 0 {
		// taken by Close
		p.mu.Unlock()
		return
	}
	msg := p.inflight[0]
	p.inflight[0] = Message{}
	p.inflight = p.inflight[1:]
	p.mu.Unlock()

	if p.Closed() {
		p.drop(msg)
		return
	}
	attachAll(msg.Transfer)
	p.handler(msg)
}

func (p *Port) dropInflight() {
	p.mu.Lock()
	pending := p.inflight
	p.inflight = nil
	p.mu.Unlock()
	for _, msg := range pending {
		p.drop(msg)
	}
}

// drop hands msg to the drop handler, or else closes what it transferred.
func (p *Port) drop(msg Message) {
	if p.onDrop != nil {
		p.onDrop(msg)
		return
	}
	for _, t := range msg.Transfer {
		if c, ok := t.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

// Ref makes a bound port keep its loop alive, the default.
func (p *Port) Ref() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unref = false
	if p.state == stateBound && !p.holding {
		p.loop.Ref()
		p.holding = true
	}
}

// Unref stops a bound port from keeping its loop alive. Messages are still
// delivered while the loop runs for other reasons.
func (p *Port) Unref() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unref = true
	p.release()
}

// release must be called with mu held.
func (p *Port) release() {
	if p.holding {
		p.holding = false
		p.loop.Unref()
	}
}

// Close closes the channel, both ends. Undelivered messages are passed to
// the drop handler, and both ports stop keeping their loops alive. Close is
// idempotent.
func (p *Port) Close() error {
	if p.pair.closed.Add(1) != 1 {
		return nil
	}
	p.in.seal()
	p.peer.in.seal()
	p.shutdown()
	p.peer.shutdown()
	p.waitStopped()
	p.peer.waitStopped()
	// the pumps are gone, so this is now the only consumer
	p.discard()
	p.peer.discard()
	p.logger.Trace().Uint64("port", uint64(p.id)).Uint64("peer", uint64(p.peer.id)).Log("port: closed")
	return nil
}

func (p *Port) discard() {
	p.dropInflight()
	for _, msg := range p.in.drain(nil) {
		p.drop(msg)
	}
}

func (p *Port) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateBound {
		close(p.stop)
	}
	p.state = stateClosed
	p.release()
}

// waitStopped waits for the pump goroutine, which only ever blocks on its
// doorbell or stop channel, to exit.
func (p *Port) waitStopped() {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped == nil {
		return
	}
	var bo iox.Backoff
	for {
		select {
		case <-stopped:
			return
		default:
			bo.Wait()
		}
	}
}
