// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package thread runs a tree of threads, each a goroutine owning an
// [eventloop.Loop], wired together with [workermsg] so any thread can
// message any other by id.
//
// A [Host] runs the coordinator, thread 0, which spawns workers with
// [Thread.Spawn]. Workers may spawn workers of their own. A live worker keeps
// its parent's loop running, and the host's Run returns once every thread
// has exited.
package thread

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/joeycumines/go-workermsg/eventloop"
	"github.com/joeycumines/go-workermsg/workermsg"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

// ErrHostRunning is returned by Run when the host is already running, or
// has run.
var ErrHostRunning = errors.New("thread: host has already been run")

type hostOptions struct {
	logger   *logiface.Logger[logiface.Event]
	loopOpts []eventloop.LoopOption
	msgOpts  []workermsg.Option
}

// Option configures a [Host].
type Option interface {
	applyHost(*hostOptions)
}

type optionImpl struct {
	applyHostFunc func(*hostOptions)
}

func (o *optionImpl) applyHost(opts *hostOptions) {
	o.applyHostFunc(opts)
}

// WithLogger sets the logger of the host, and every loop and messaging
// instance it creates.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *hostOptions) {
		opts.logger = logger
	}}
}

// WithLoopOptions sets extra options for every thread's loop.
func WithLoopOptions(loopOpts ...eventloop.LoopOption) Option {
	return &optionImpl{func(opts *hostOptions) {
		opts.loopOpts = append(opts.loopOpts, loopOpts...)
	}}
}

// WithMessagingOptions sets extra options for every thread's messaging
// instance.
func WithMessagingOptions(msgOpts ...workermsg.Option) Option {
	return &optionImpl{func(opts *hostOptions) {
		opts.msgOpts = append(opts.msgOpts, msgOpts...)
	}}
}

// Host runs a tree of threads rooted at the coordinator.
type Host struct {
	ctx     context.Context
	group   *errgroup.Group
	main    *Thread
	logger  *logiface.Logger[logiface.Event]
	opts    *hostOptions
	nextID  atomic.Uint64
	running atomic.Bool
}

// NewHost creates a host. Nil options are ignored.
func NewHost(opts ...Option) *Host {
	cfg := &hostOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyHost(cfg)
	}
	return &Host{logger: cfg.logger, opts: cfg}
}

// Run starts the coordinator thread, calls fn on its loop, then blocks until
// every thread has exited. Threads exit once they have nothing left to do,
// see [eventloop.Loop.Run].
//
// Cancelling ctx stops every thread, and Run returns ctx's error. Run may
// only be called once.
func (h *Host) Run(ctx context.Context, fn func(t *Thread)) error {
	if !h.running.CompareAndSwap(false, true) {
		return ErrHostRunning
	}

	h.group, h.ctx = errgroup.WithContext(ctx)

	main, err := h.newThread(workermsg.CoordinatorID)
	if err != nil {
		return err
	}
	h.main = main

	if err := main.loop.Submit(func() { fn(main) }); err != nil {
		return err
	}
	h.group.Go(func() error {
		return main.run(h.ctx)
	})

	err = h.group.Wait()
	h.logger.Debug().
		Uint64("threads", h.nextID.Load()+1).
		Log("thread: host stopped")
	return err
}

func (h *Host) newThread(id workermsg.ThreadID) (*Thread, error) {
	loop, err := eventloop.New(append([]eventloop.LoopOption{eventloop.WithLogger(h.logger)}, h.opts.loopOpts...)...)
	if err != nil {
		return nil, err
	}
	t := &Thread{
		host:     h,
		id:       id,
		loop:     loop,
		events:   eventloop.NewEventTarget(),
		children: make(map[workermsg.ThreadID]*Worker),
	}
	t.messaging = workermsg.New(id, loop, sink{t.events}, append([]workermsg.Option{workermsg.WithLogger(h.logger)}, h.opts.msgOpts...)...)
	return t, nil
}
