// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"github.com/joeycumines/logiface"
)

type loopOptions struct {
	logger                  *logiface.Logger[logiface.Event]
	strictMicrotaskOrdering bool
	keepAlive               bool
}

// LoopOption configures [New].
type LoopOption interface {
	applyLoop(*loopOptions) error
}

type loopOptionFunc func(*loopOptions) error

func (f loopOptionFunc) applyLoop(opts *loopOptions) error { return f(opts) }

// WithLogger sets the logger used for recovered panics (error level) and
// lifecycle changes (debug level). Nil, the default, disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return loopOptionFunc(func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	})
}

// WithStrictMicrotaskOrdering drains microtasks after every task, instead of
// after every batch of tasks.
func WithStrictMicrotaskOrdering(enabled bool) LoopOption {
	return loopOptionFunc(func(opts *loopOptions) error {
		opts.strictMicrotaskOrdering = enabled
		return nil
	})
}

// WithKeepAlive stops the loop from exiting when it runs out of work. It
// then runs until Shutdown, Close, or the Run context is done.
func WithKeepAlive(enabled bool) LoopOption {
	return loopOptionFunc(func(opts *loopOptions) error {
		opts.keepAlive = enabled
		return nil
	})
}

func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	var cfg loopOptions
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(&cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}
