// Package taskqueue models the "threads" that route deliveries and channel
// work are posted to.
//
// A Runner runs posted tasks one at a time, in the order they were posted.
// The ioloop.Loop type also implements Runner.
package taskqueue

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/joeycumines/go-longpoll"
	"github.com/joeycumines/logiface"
)

// ErrClosed is returned by PostTask, after the runner has been closed.
var ErrClosed = errors.New(`taskqueue: runner closed`)

type (
	// Runner accepts tasks, to run asynchronously, in FIFO order.
	Runner interface {
		PostTask(fn func()) error
	}

	// RunnerFunc adapts a function to Runner.
	RunnerFunc func(fn func()) error

	// Inline runs each task immediately, on the calling goroutine.
	Inline struct{}

	// SerialConfig models optional configuration, for NewSerial.
	SerialConfig struct {
		// Logger receives panics recovered from tasks.
		Logger *logiface.Logger[logiface.Event]

		// Name labels the runner, in log output.
		Name string

		// Buffer is the capacity of the task channel.
		// **Defaults to 1024, if 0, or SerialConfig is nil.**
		//
		// WARNING: PostTask blocks while the buffer is full.
		Buffer int

		// BatchSize is the maximum number of tasks drained per receive.
		// **Defaults to 16, if 0, or SerialConfig is nil.**
		BatchSize int
	}

	// Serial runs tasks on a dedicated goroutine.
	// Instances must be initialized using the NewSerial factory.
	Serial struct {
		logger    *logiface.Logger[logiface.Event]
		ch        chan func()
		done      chan struct{}
		name      string
		batchSize int
		mu        sync.RWMutex
		closed    bool
	}
)

// PostTask implements Runner.
func (f RunnerFunc) PostTask(fn func()) error { return f(fn) }

// PostTask implements Runner.
func (Inline) PostTask(fn func()) error {
	fn()
	return nil
}

// NewSerial starts a new Serial runner. Close must be called to release
// its goroutine.
func NewSerial(config *SerialConfig) *Serial {
	x := Serial{
		name:      `serial`,
		batchSize: 16,
		done:      make(chan struct{}),
	}
	buffer := 1024
	if config != nil {
		x.logger = config.Logger
		if config.Name != `` {
			x.name = config.Name
		}
		if config.Buffer > 0 {
			buffer = config.Buffer
		}
		if config.BatchSize > 0 {
			x.batchSize = config.BatchSize
		}
	}
	x.ch = make(chan func(), buffer)
	go x.run()
	return &x
}

// PostTask implements Runner.
func (x *Serial) PostTask(fn func()) error {
	if fn == nil {
		panic(`taskqueue: nil task`)
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return ErrClosed
	}
	x.ch <- fn
	return nil
}

// Close stops accepting tasks. Tasks already posted are still run. It is
// safe to call Close multiple times.
func (x *Serial) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.closed {
		x.closed = true
		close(x.ch)
	}
	return nil
}

// Shutdown closes the runner, and waits for all posted tasks to finish.
func (x *Serial) Shutdown(ctx context.Context) error {
	_ = x.Close()
	select {
	case <-x.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the runner has stopped.
func (x *Serial) Done() <-chan struct{} {
	return x.done
}

func (x *Serial) run() {
	defer close(x.done)
	cfg := &longpoll.ChannelConfig{
		MaxSize: x.batchSize,
		MinSize: 1,
	}
	ctx := context.Background()
	for {
		if err := longpoll.Channel(ctx, cfg, x.ch, x.execute); err != nil {
			if err != io.EOF {
				x.logger.Err().
					Str(`runner`, x.name).
					Err(err).
					Log(`runner stopped`)
			}
			return
		}
	}
}

func (x *Serial) execute(fn func()) error {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Err().
				Str(`runner`, x.name).
				Any(`panic`, r).
				Log(`task panicked`)
		}
	}()
	fn()
	return nil
}

// Await posts fn to runner, and waits for it to complete. It must not be
// called from a task on the same runner, unless the runner is Inline.
func Await(ctx context.Context, runner Runner, fn func()) error {
	if runner == nil {
		panic(`taskqueue: nil runner`)
	}
	done := make(chan struct{})
	if err := runner.PostTask(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
