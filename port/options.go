package port

import (
	"github.com/joeycumines/logiface"
)

// DefaultCapacity is the ring capacity used per direction when none is
// configured.
const DefaultCapacity = 64

type options struct {
	cloner   Cloner
	logger   *logiface.Logger[logiface.Event]
	onDrop   func(Message)
	capacity int
}

// Option configures a channel created by [NewChannel].
type Option interface {
	applyPort(*options)
}

type optionImpl struct {
	applyPortFunc func(*options)
}

func (o *optionImpl) applyPort(opts *options) {
	o.applyPortFunc(opts)
}

// WithCloner sets the payload cloner, [ValueCloner] by default.
func WithCloner(cloner Cloner) Option {
	return &optionImpl{func(opts *options) {
		opts.cloner = cloner
	}}
}

// WithLogger attaches a structured logger, used at trace and debug levels.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *options) {
		opts.logger = logger
	}}
}

// WithDropHandler sets fn to receive every message that is posted but never
// delivered, because the channel closed or the bound loop stopped first. It
// may be called from any goroutine. By default transferred [io.Closer]
// values of dropped messages are closed.
func WithDropHandler(fn func(Message)) Option {
	return &optionImpl{func(opts *options) {
		opts.onDrop = fn
	}}
}

// WithCapacity sets the ring capacity per direction. Messages beyond it are
// buffered in an overflow list, so it bounds lock-free operation, not the
// number of queued messages. Values below 1 select DefaultCapacity.
func WithCapacity(capacity int) Option {
	return &optionImpl{func(opts *options) {
		opts.capacity = capacity
	}}
}

func resolveOptions(opts []Option) *options {
	cfg := &options{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyPort(cfg)
	}
	if cfg.cloner == nil {
		cfg.cloner = ValueCloner{}
	}
	if cfg.capacity < 1 {
		cfg.capacity = DefaultCapacity
	}
	return cfg
}
