package preemption

import (
	"errors"
	"time"

	"github.com/joeycumines/go-gpuchannel/ioloop"
	"github.com/joeycumines/go-gpuchannel/syncpoint"
	"github.com/joeycumines/go-gpuchannel/taskqueue"
	"github.com/joeycumines/logiface"
)

const (
	// DefaultWaitTime is roughly two vsyncs.
	DefaultWaitTime = 2 * DefaultMaxPreemptTime
	// DefaultMaxPreemptTime is roughly one vsync.
	DefaultMaxPreemptTime = 17 * time.Millisecond
	// DefaultStopThreshold is roughly one vsync.
	DefaultStopThreshold = DefaultMaxPreemptTime
)

// ErrInvalidConfig is returned by NewQueue, for negative durations.
var ErrInvalidConfig = errors.New(`preemption: invalid config`)

type (
	// Config models configuration for NewQueue.
	Config struct {
		// OrderData issues order numbers to queued messages. Required.
		// The queue releases it, on Destroy.
		OrderData *syncpoint.OrderData

		// Main is where HandleMessage is posted. Required.
		Main taskqueue.Runner

		// HandleMessage is posted to Main whenever the head message is
		// ready to be processed. It is expected to call BeginProcessing.
		// Required.
		HandleMessage func()

		// IO runs the state machine and its timers. Required if a
		// preempting flag is provided, see WithPreemptingFlag.
		IO Loop

		// WaitTime is how long the head message may wait, before the queue
		// considers preempting.
		// **Defaults to DefaultWaitTime, if 0.**
		WaitTime time.Duration

		// MaxPreemptTime bounds one preemption episode.
		// **Defaults to DefaultMaxPreemptTime, if 0.**
		MaxPreemptTime time.Duration

		// StopThreshold is the head message age, below which preemption
		// stops.
		// **Defaults to DefaultStopThreshold, if 0.**
		StopThreshold time.Duration
	}

	// Loop runs the state machine. See IOLoop.
	Loop interface {
		PostTask(fn func()) error
		ScheduleTimer(delay time.Duration, fn func()) (Timer, error)
	}

	// Timer is a one-shot timer, armed by Loop.ScheduleTimer.
	Timer interface {
		Stop() bool
	}

	// Clock provides the current time.
	Clock interface {
		Now() time.Time
	}

	// Option configures optional behavior, for NewQueue.
	Option interface {
		applyQueue(opts *queueOptions)
	}

	queueOptionImpl struct {
		applyQueueFunc func(opts *queueOptions)
	}

	queueOptions struct {
		clock      Clock
		logger     *logiface.Logger[logiface.Event]
		preempting *Flag
		preempted  *Flag
	}

	systemClock struct{}

	ioLoop struct {
		loop *ioloop.Loop
	}
)

func (x *queueOptionImpl) applyQueue(opts *queueOptions) {
	x.applyQueueFunc(opts)
}

// WithPreemptingFlag enables the preemption state machine, which raises
// flag while this queue is preempting.
func WithPreemptingFlag(flag *Flag) Option {
	return &queueOptionImpl{func(opts *queueOptions) {
		opts.preempting = flag
	}}
}

// WithPreemptedFlag makes the queue yield, while flag is raised by another
// queue.
func WithPreemptedFlag(flag *Flag) Option {
	return &queueOptionImpl{func(opts *queueOptions) {
		opts.preempted = flag
	}}
}

// WithClock overrides the clock used to timestamp messages.
func WithClock(clock Clock) Option {
	return &queueOptionImpl{func(opts *queueOptions) {
		opts.clock = clock
	}}
}

// WithLogger configures the logger, which receives state transitions at
// trace level.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &queueOptionImpl{func(opts *queueOptions) {
		opts.logger = logger
	}}
}

func resolveQueueOptions(opts []Option) *queueOptions {
	cfg := queueOptions{clock: systemClock{}}
	for _, opt := range opts {
		if opt != nil {
			opt.applyQueue(&cfg)
		}
	}
	if cfg.clock == nil {
		cfg.clock = systemClock{}
	}
	return &cfg
}

func (systemClock) Now() time.Time { return time.Now() }

// IOLoop adapts an ioloop.Loop.
func IOLoop(loop *ioloop.Loop) Loop {
	if loop == nil {
		panic(`preemption: nil loop`)
	}
	return ioLoop{loop}
}

func (x ioLoop) PostTask(fn func()) error { return x.loop.PostTask(fn) }

func (x ioLoop) ScheduleTimer(delay time.Duration, fn func()) (Timer, error) {
	t, err := x.loop.ScheduleTimer(delay, fn)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (x *Config) resolve() (Config, error) {
	if x == nil {
		panic(`preemption: nil config`)
	}
	cfg := *x
	if cfg.OrderData == nil {
		panic(`preemption: nil order data`)
	}
	if cfg.Main == nil || cfg.HandleMessage == nil {
		panic(`preemption: nil message handler`)
	}
	if cfg.WaitTime < 0 || cfg.MaxPreemptTime < 0 || cfg.StopThreshold < 0 {
		return Config{}, ErrInvalidConfig
	}
	if cfg.WaitTime == 0 {
		cfg.WaitTime = DefaultWaitTime
	}
	if cfg.MaxPreemptTime == 0 {
		cfg.MaxPreemptTime = DefaultMaxPreemptTime
	}
	if cfg.StopThreshold == 0 {
		cfg.StopThreshold = DefaultStopThreshold
	}
	return cfg, nil
}
