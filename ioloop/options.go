package ioloop

import (
	"github.com/joeycumines/logiface"
)

type loopOptions struct {
	logger  *logiface.Logger[logiface.Event]
	onPanic func(err PanicError)
	name    string
}

// Option configures a Loop.
type Option interface {
	applyLoop(*loopOptions) error
}

type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger configures structured logging, e.g. of recovered panics.
// A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithPanicHandler registers a callback for panics recovered from tasks and
// timers. It is called on the loop goroutine, after the panic is logged.
func WithPanicHandler(fn func(err PanicError)) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.onPanic = fn
		return nil
	}}
}

// WithName labels the loop, in log output.
func WithName(name string) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.name = name
		return nil
	}}
}

func resolveLoopOptions(opts []Option) (*loopOptions, error) {
	cfg := &loopOptions{name: `io`}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
