// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package workermsg delivers values between threads, addressed by thread id,
// with confirmation that a live recipient consumed them.
//
// A thread is a goroutine running an [eventloop.Loop]. Thread 0, the
// coordinator, owns the registry of every other thread's endpoint, so each
// message travels up to the coordinator and back down to its destination.
// Completion is signalled through a two slot [sharedmem.Region] rather than
// through the endpoints: the receiver stores RESULT, then STATUS, then
// notifies, and the sender's wait, armed before the message is posted,
// settles the promise returned by [Messaging.Send].
//
// Every method of [Messaging] must be called on the owning thread's loop.
package workermsg

import (
	"io"
	"sync/atomic"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-workermsg/eventloop"
	"github.com/joeycumines/go-workermsg/port"
	"github.com/joeycumines/go-workermsg/sharedmem"
	"github.com/joeycumines/logiface"
)

// Sink consumes the values delivered to a thread.
type Sink interface {
	// HasListeners reports whether at least one consumer is registered.
	HasListeners() bool
	// Dispatch delivers value, sent by source, to every consumer.
	Dispatch(value any, source ThreadID)
}

// Stats are counters maintained by a [Messaging] instance. Only the
// coordinator maintains Registered, Forwarded and UnknownUnregisters.
type Stats struct {
	Registered         int64
	Forwarded          uint64
	Undeliverable      uint64
	UnknownUnregisters uint64
}

// Messaging is the per thread state of the delivery subsystem.
type Messaging struct {
	loop     *eventloop.Loop
	sink     Sink
	logger   *logiface.Logger[logiface.Event]
	cloner   port.Cloner
	warn     *catrate.Limiter
	portOpts []port.Option

	// coordinator only
	registry map[ThreadID]*port.Port

	// other threads only
	parent *port.Port

	registered         atomic.Int64
	forwarded          atomic.Uint64
	undeliverable      atomic.Uint64
	unknownUnregisters atomic.Uint64

	id ThreadID
}

// New creates the messaging state of thread id, running on loop, delivering
// to sink. A nil sink never has listeners.
//
// Threads other than the coordinator must call [Messaging.SetupParentPort]
// before sending.
func New(id ThreadID, loop *eventloop.Loop, sink Sink, opts ...Option) *Messaging {
	cfg := resolveOptions(opts)
	m := &Messaging{
		id:     id,
		loop:   loop,
		sink:   sink,
		logger: cfg.logger,
		cloner: cfg.cloner,
	}
	m.portOpts = append(append([]port.Option{port.WithLogger(cfg.logger)}, cfg.portOpts...),
		port.WithCloner(envelopeCloner{}),
		port.WithDropHandler(m.dropped),
	)
	if len(cfg.warnRates) != 0 {
		m.warn = catrate.NewLimiter(cfg.warnRates)
	}
	if id == CoordinatorID {
		m.registry = make(map[ThreadID]*port.Port)
	}
	return m
}

// ThreadID returns the id of the owning thread.
func (m *Messaging) ThreadID() ThreadID {
	return m.id
}

// Stats returns a snapshot of the counters. It is safe to call from any
// goroutine.
func (m *Messaging) Stats() Stats {
	return Stats{
		Registered:         m.registered.Load(),
		Forwarded:          m.forwarded.Load(),
		Undeliverable:      m.undeliverable.Load(),
		UnknownUnregisters: m.unknownUnregisters.Load(),
	}
}

// Send delivers value to the thread destination. The returned promise, bound
// to the owning loop, fulfills with nil once a listener on the destination
// consumed the value, and rejects with an [*InvalidDestinationError] if the
// destination is unknown, has no listeners, or the timeout elapsed first.
//
// Errors detected before anything is sent are returned directly: the
// destination is this thread ([ErrSameThread]), an option is invalid
// ([*ValidationError]), or value cannot be cloned ([*port.DataCloneError]).
func (m *Messaging) Send(destination ThreadID, value any, opts ...SendOption) (*eventloop.Promise, error) {
	if !m.loop.IsLoopThread() {
		return nil, ErrNotOnLoop
	}
	if destination == m.id {
		return nil, ErrSameThread
	}
	cfg, err := resolveSendOptions(opts)
	if err != nil {
		return nil, err
	}
	if m.id != CoordinatorID && m.parent == nil {
		return nil, ErrNoParentPort
	}

	for _, t := range cfg.transfer {
		if err := t.CheckTransfer(); err != nil {
			return nil, &port.DataCloneError{Value: t, Reason: err.Error()}
		}
	}
	value, err = m.cloner.Clone(value, cfg.transfer)
	if err != nil {
		return nil, err
	}

	mem := sharedmem.New(descriptorSlots)
	wait, err := mem.WaitAsync(m.loop, statusIndex, 0, cfg.timeout)
	if err != nil {
		return nil, err
	}

	promise, resolve, reject := eventloop.NewPromise(m.loop)
	wait.Then(func(r eventloop.Result) eventloop.Result {
		if r != sharedmem.WaitTimedOut && mem.Load(resultIndex) == 1 {
			resolve(nil)
		} else {
			reject(&InvalidDestinationError{Destination: destination})
		}
		return nil
	}, nil)

	env := Envelope{
		Kind:        KindSend,
		Source:      m.id,
		Destination: destination,
		Value:       value,
		Transfer:    cfg.transfer,
		Memory:      mem,
	}
	if m.id == CoordinatorID {
		m.route(env)
	} else if err := m.parent.Post(env, env.Transfer...); err != nil {
		m.fail(env, err)
	}

	return promise, nil
}

// RegisterPort creates the endpoint pair connecting thread id, a new child of
// this thread, to the coordinator. The coordinator keeps one end, and the
// other is returned, to be passed to the child's [Messaging.SetupParentPort].
func (m *Messaging) RegisterPort(id ThreadID) (*port.Port, error) {
	if !m.loop.IsLoopThread() {
		return nil, ErrNotOnLoop
	}
	if m.id != CoordinatorID && m.parent == nil {
		return nil, ErrNoParentPort
	}

	up, down := port.NewChannel(m.portOpts...)
	if m.id == CoordinatorID {
		m.register(id, up)
		return down, nil
	}

	if err := m.parent.Post(Envelope{Kind: KindRegister, Source: m.id, Thread: id, Port: up}, up); err != nil {
		_ = up.Close()
		return nil, err
	}
	return down, nil
}

// UnregisterPort removes thread id from the registry, closing the
// coordinator's end of its endpoint. Unregistering an unknown id does
// nothing, apart from a warning.
func (m *Messaging) UnregisterPort(id ThreadID) error {
	if !m.loop.IsLoopThread() {
		return ErrNotOnLoop
	}
	if m.id == CoordinatorID {
		m.unregister(id)
		return nil
	}
	if m.parent == nil {
		return ErrNoParentPort
	}
	return m.parent.Post(Envelope{Kind: KindUnregister, Source: m.id, Thread: id})
}

// SetupParentPort adopts p, as returned by RegisterPort on the parent
// thread, as this thread's upward endpoint. The endpoint does not keep the
// loop alive.
func (m *Messaging) SetupParentPort(p *port.Port) error {
	if m.id == CoordinatorID || m.parent != nil {
		return ErrParentPortSet
	}
	p.Unref()
	if err := p.Bind(m.loop, m.handleFromParent); err != nil {
		return err
	}
	m.parent = p
	return nil
}

// Close closes the upward endpoint, or every registered endpoint on the
// coordinator. Calls in flight over them complete as not delivered.
func (m *Messaging) Close() error {
	if m.parent != nil {
		return m.parent.Close()
	}
	for id, p := range m.registry {
		delete(m.registry, id)
		m.registered.Add(-1)
		_ = p.Close()
	}
	return nil
}

// handleFromThread processes envelopes arriving at the coordinator over a
// registered endpoint.
func (m *Messaging) handleFromThread(msg port.Message) {
	env, ok := msg.Data.(Envelope)
	if !ok {
		return
	}
	switch env.Kind {
	case KindRegister:
		m.register(env.Thread, env.Port)
	case KindUnregister:
		m.unregister(env.Thread)
	case KindSend:
		m.route(env)
	default:
		m.logger.Debug().
			Uint64("thread", uint64(m.id)).
			Stringer("kind", env.Kind).
			Uint64("source", uint64(env.Source)).
			Log("workermsg: dropping unexpected envelope")
	}
}

// handleFromParent processes envelopes arriving over the upward endpoint.
func (m *Messaging) handleFromParent(msg port.Message) {
	env, ok := msg.Data.(Envelope)
	if !ok {
		return
	}
	if env.Kind != KindReceive {
		m.logger.Debug().
			Uint64("thread", uint64(m.id)).
			Stringer("kind", env.Kind).
			Log("workermsg: dropping unexpected envelope")
		return
	}
	m.receive(env)
}

// route delivers a send envelope, on the coordinator.
func (m *Messaging) route(env Envelope) {
	if env.Destination == CoordinatorID {
		m.receive(env)
		return
	}

	p, ok := m.registry[env.Destination]
	if !ok {
		m.fail(env, nil)
		return
	}

	env.Kind = KindReceive
	if err := p.Post(env, env.Transfer...); err != nil {
		m.fail(env, err)
		return
	}
	m.forwarded.Add(1)
}

// receive delivers a value to the local sink, then completes the descriptor.
func (m *Messaging) receive(env Envelope) {
	delivered := m.sink != nil && m.sink.HasListeners()
	defer complete(env.Memory, delivered)
	if !delivered {
		m.undeliverable.Add(1)
		closeTransfer(env.Transfer)
		return
	}
	m.sink.Dispatch(env.Value, env.Source)
}

// fail completes env as not delivered, without a round trip.
func (m *Messaging) fail(env Envelope, err error) {
	closeTransfer(env.Transfer)
	complete(env.Memory, false)
	m.undeliverable.Add(1)
	if _, ok := m.warn.Allow(env.Destination); !ok {
		return
	}
	m.logger.Warning().
		Call(func(b *logiface.Builder[logiface.Event]) {
			if err != nil {
				b.Err(err)
			}
		}).
		Uint64("thread", uint64(m.id)).
		Uint64("source", uint64(env.Source)).
		Uint64("destination", uint64(env.Destination)).
		Log("workermsg: destination thread is not reachable")
}

// dropped is the drop handler of every endpoint this thread creates. It runs
// on whichever goroutine discarded msg.
func (m *Messaging) dropped(msg port.Message) {
	closeTransfer(msg.Transfer)
	env, ok := msg.Data.(Envelope)
	if !ok {
		return
	}
	switch env.Kind {
	case KindSend, KindReceive:
		complete(env.Memory, false)
		m.undeliverable.Add(1)
	}
	m.logger.Debug().
		Uint64("thread", uint64(m.id)).
		Stringer("kind", env.Kind).
		Uint64("source", uint64(env.Source)).
		Uint64("destination", uint64(env.Destination)).
		Log("workermsg: envelope dropped in flight")
}

func (m *Messaging) register(id ThreadID, p *port.Port) {
	if p == nil {
		return
	}
	if old, ok := m.registry[id]; ok {
		m.logger.Warning().
			Uint64("thread", uint64(id)).
			Log("workermsg: thread registered twice, replacing endpoint")
		_ = old.Close()
		m.registered.Add(-1)
	}

	p.Unref()
	if err := p.Bind(m.loop, m.handleFromThread); err != nil {
		m.logger.Err().
			Err(err).
			Uint64("thread", uint64(id)).
			Log("workermsg: failed to bind thread endpoint")
		delete(m.registry, id)
		return
	}
	m.registry[id] = p
	m.registered.Add(1)

	m.logger.Debug().
		Uint64("thread", uint64(id)).
		Uint64("port", uint64(p.ID())).
		Log("workermsg: thread registered")
}

func (m *Messaging) unregister(id ThreadID) {
	p, ok := m.registry[id]
	if !ok {
		m.unknownUnregisters.Add(1)
		if _, ok := m.warn.Allow(id); ok {
			m.logger.Warning().
				Uint64("thread", uint64(id)).
				Log("workermsg: unregistering unknown thread")
		}
		return
	}
	delete(m.registry, id)
	m.registered.Add(-1)
	_ = p.Close()

	m.logger.Debug().
		Uint64("thread", uint64(id)).
		Log("workermsg: thread unregistered")
}

// complete writes the outcome of a call into its descriptor. RESULT is
// stored before STATUS.
func complete(mem *sharedmem.Region, delivered bool) {
	if mem == nil {
		return
	}
	var result uint32
	if delivered {
		result = 1
	}
	mem.Store(resultIndex, result)
	mem.Store(statusIndex, 1)
	mem.Notify(statusIndex, 1)
}

// closeTransfer releases transferred resources nobody received.
func closeTransfer(transfer []port.Transferable) {
	for _, t := range transfer {
		if c, ok := t.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
