package workermsg

import (
	"math"
	"time"

	"github.com/joeycumines/go-workermsg/port"
	"github.com/joeycumines/go-workermsg/sharedmem"
	"github.com/joeycumines/logiface"
)

// DefaultWarnRates limits undeliverable and unknown unregister warnings to a
// few per destination.
var DefaultWarnRates = map[time.Duration]int{
	time.Second: 1,
	time.Minute: 10,
}

type messagingOptions struct {
	logger    *logiface.Logger[logiface.Event]
	cloner    port.Cloner
	warnRates map[time.Duration]int
	portOpts  []port.Option
}

// Option configures a [Messaging] instance.
type Option interface {
	applyMessaging(*messagingOptions)
}

type optionImpl struct {
	applyMessagingFunc func(*messagingOptions)
}

func (o *optionImpl) applyMessaging(opts *messagingOptions) {
	o.applyMessagingFunc(opts)
}

// WithLogger attaches a structured logger.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *messagingOptions) {
		opts.logger = logger
	}}
}

// WithCloner sets the cloner used to validate and copy Send payloads,
// [port.ValueCloner] by default.
func WithCloner(cloner port.Cloner) Option {
	return &optionImpl{func(opts *messagingOptions) {
		opts.cloner = cloner
	}}
}

// WithWarnRates sets the per destination rate limits applied to warnings,
// see go-catrate. An empty map disables rate limiting.
func WithWarnRates(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *messagingOptions) {
		opts.warnRates = rates
	}}
}

// WithPortOptions sets extra options for the endpoints created by
// RegisterPort. Their cloner cannot be changed.
func WithPortOptions(portOpts ...port.Option) Option {
	return &optionImpl{func(opts *messagingOptions) {
		opts.portOpts = append(opts.portOpts, portOpts...)
	}}
}

func resolveOptions(opts []Option) *messagingOptions {
	cfg := &messagingOptions{warnRates: DefaultWarnRates}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyMessaging(cfg)
	}
	if cfg.cloner == nil {
		cfg.cloner = port.ValueCloner{}
	}
	return cfg
}

type sendOptions struct {
	transfer []port.Transferable
	timeout  time.Duration
	err      error
}

// SendOption configures a single [Messaging.Send].
type SendOption interface {
	applySend(*sendOptions)
}

type sendOptionImpl struct {
	applySendFunc func(*sendOptions)
}

func (o *sendOptionImpl) applySend(opts *sendOptions) {
	o.applySendFunc(opts)
}

// WithTransfer moves the given values, rather than copying them, with the
// message. They must also appear in the value (or be otherwise expected by
// the receiver).
func WithTransfer(transfer ...port.Transferable) SendOption {
	return &sendOptionImpl{func(opts *sendOptions) {
		for _, t := range transfer {
			if t == nil && opts.err == nil {
				opts.err = &ValidationError{
					Name:   "transferList",
					Value:  nil,
					Reason: "must not contain nil values",
					code:   CodeInvalidArgType,
				}
			}
		}
		opts.transfer = append(opts.transfer, transfer...)
	}}
}

// WithTimeout bounds how long Send waits for delivery confirmation. A
// negative timeout is invalid, the default is to wait indefinitely.
func WithTimeout(timeout time.Duration) SendOption {
	return &sendOptionImpl{func(opts *sendOptions) {
		if timeout < 0 {
			opts.setErr(&ValidationError{
				Name:   "timeout",
				Value:  timeout,
				Reason: "must be >= 0",
				code:   CodeOutOfRange,
			})
			return
		}
		opts.timeout = timeout
	}}
}

// WithTimeoutMillis is WithTimeout for a timeout in (fractional)
// milliseconds. NaN and negative values are invalid, +Inf waits
// indefinitely.
func WithTimeoutMillis(ms float64) SendOption {
	return &sendOptionImpl{func(opts *sendOptions) {
		switch {
		case math.IsNaN(ms) || ms < 0:
			opts.setErr(&ValidationError{
				Name:   "timeout",
				Value:  ms,
				Reason: "must be >= 0",
				code:   CodeOutOfRange,
			})
		case math.IsInf(ms, 1) || ms*float64(time.Millisecond) >= math.MaxInt64:
			opts.timeout = sharedmem.Forever
		default:
			opts.timeout = time.Duration(ms * float64(time.Millisecond))
		}
	}}
}

func (o *sendOptions) setErr(err error) {
	if o.err == nil {
		o.err = err
	}
}

func resolveSendOptions(opts []SendOption) (*sendOptions, error) {
	cfg := &sendOptions{timeout: sharedmem.Forever}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applySend(cfg)
	}
	if cfg.err != nil {
		return nil, cfg.err
	}
	return cfg, nil
}
