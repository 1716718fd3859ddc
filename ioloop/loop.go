package ioloop

import (
	"container/heap"
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-gpuchannel/internal/goroutineid"
	"github.com/joeycumines/logiface"
)

// Loop is a single-goroutine task loop, with a timer heap. All tasks and
// timer callbacks run on the loop goroutine, in submission order, with
// internal tasks taking priority over external ones.
//
// Instances must be initialized using the New factory, and started with Run.
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	logger  *logiface.Logger[logiface.Event]
	onPanic func(err PanicError)

	state *fastState

	// mu guards the queues
	mu            sync.Mutex
	internalQueue []func()
	internalBuf   []func()
	externalQueue []func()
	externalBuf   []func()

	// wake has capacity 1, a pending value means work is available
	wake chan struct{}

	// timers is only accessed on the loop goroutine
	timers timerHeap

	stopOnce sync.Once
	loopDone chan struct{}

	tickAnchor      time.Time
	tickElapsedTime atomic.Int64

	loopGoroutineID atomic.Uint64

	// inflight counts Submit calls, for shutdown synchronization
	inflight atomic.Int64

	name      string
	tickCount uint64
}

// New creates a new loop, which must be started using Run.
func New(opts ...Option) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Loop{
		logger:   cfg.logger,
		onPanic:  cfg.onPanic,
		name:     cfg.name,
		state:    new(fastState),
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}, nil
}

// Run runs the loop, blocking until it stops, via Shutdown, Close, or ctx
// cancellation.
func (l *Loop) Run(ctx context.Context) error {
	if l.IsLoopGoroutine() {
		return ErrReentrantRun
	}

	if !l.state.tryTransition(StateAwake, StateRunning) {
		if l.state.load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	defer close(l.loopDone)

	l.tickAnchor = time.Now()
	l.tickElapsedTime.Store(0)

	return l.run(ctx)
}

// Shutdown stops the loop, after running all queued tasks. Pending timers
// are discarded. It blocks until termination completes or ctx expires.
// Calling it again once the loop has terminated returns nil.
func (l *Loop) Shutdown(ctx context.Context) error {
	var result error
	l.stopOnce.Do(func() {
		result = l.shutdownImpl(ctx)
	})
	if result == nil && l.state.load() != StateTerminated {
		return ErrLoopTerminated
	}
	return result
}

func (l *Loop) shutdownImpl(ctx context.Context) error {
	for {
		currentState := l.state.load()
		if currentState == StateTerminated || currentState == StateTerminating {
			return ErrLoopTerminated
		}
		if l.state.tryTransition(currentState, StateTerminating) {
			if currentState == StateAwake {
				l.state.store(StateTerminated)
				return nil
			}
			l.signal()
			break
		}
	}

	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the loop without waiting for it to stop.
func (l *Loop) Close() error {
	for {
		currentState := l.state.load()
		if currentState == StateTerminated {
			return ErrLoopTerminated
		}
		if currentState == StateTerminating {
			return nil
		}
		if l.state.tryTransition(currentState, StateTerminating) {
			if currentState == StateAwake {
				l.state.store(StateTerminated)
				return nil
			}
			l.signal()
			return nil
		}
	}
}

// Done is closed after Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.loopDone
}

func (l *Loop) run(ctx context.Context) error {
	l.loopGoroutineID.Store(goroutineid.Get())
	defer l.loopGoroutineID.Store(0)

	l.logger.Debug().
		Str(`loop`, l.name).
		Log(`loop running`)

	for {
		select {
		case <-ctx.Done():
			for {
				current := l.state.load()
				if current == StateTerminating || current == StateTerminated {
					break
				}
				if l.state.tryTransition(current, StateTerminating) {
					break
				}
			}
			l.shutdown()
			return ctx.Err()
		default:
		}

		if state := l.state.load(); state == StateTerminating || state == StateTerminated {
			l.shutdown()
			return nil
		}

		l.tick(ctx)
	}
}

// shutdown drains the queues, until no Submit is in flight.
func (l *Loop) shutdown() {
	// reject new work first, anything that raced in is caught by the drain
	l.state.store(StateTerminated)

	emptyChecks := 0
	const requiredEmptyChecks = 3
	for emptyChecks < requiredEmptyChecks {
		for spinCount := 0; l.inflight.Load() > 0; spinCount++ {
			if spinCount > 1000 {
				time.Sleep(100 * time.Microsecond)
			} else {
				runtime.Gosched()
			}
		}

		drained := l.processInternalQueue()
		if l.processExternalQueue() {
			drained = true
		}

		if drained || l.inflight.Load() > 0 {
			emptyChecks = 0
		} else {
			emptyChecks++
			runtime.Gosched()
		}
	}

	for _, t := range l.timers {
		t.state.CompareAndSwap(timerPending, timerStopped)
		t.index = -1
	}
	l.timers = nil

	l.logger.Debug().
		Str(`loop`, l.name).
		Uint64(`ticks`, l.tickCount).
		Log(`loop terminated`)
}

// tick is a single iteration of the loop.
func (l *Loop) tick(ctx context.Context) {
	l.tickCount++
	l.tickElapsedTime.Store(int64(time.Since(l.tickAnchor)))

	l.runTimers()
	l.processInternalQueue()
	l.processExternalQueue()
	l.poll(ctx)
}

func (l *Loop) processInternalQueue() bool {
	l.mu.Lock()
	if len(l.internalQueue) == 0 {
		l.mu.Unlock()
		return false
	}
	tasks := l.internalQueue
	l.internalQueue = l.internalBuf[:0]
	l.internalBuf = tasks[:0]
	l.mu.Unlock()

	for i, fn := range tasks {
		l.safeExecute(fn)
		tasks[i] = nil
	}
	return true
}

func (l *Loop) processExternalQueue() bool {
	l.mu.Lock()
	if len(l.externalQueue) == 0 {
		l.mu.Unlock()
		return false
	}
	tasks := l.externalQueue
	l.externalQueue = l.externalBuf[:0]
	l.externalBuf = tasks[:0]
	l.mu.Unlock()

	for i, fn := range tasks {
		// internal tasks submitted by this batch run first
		l.processInternalQueue()
		l.safeExecute(fn)
		tasks[i] = nil
	}
	return true
}

func (l *Loop) hasQueuedTasks() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.internalQueue) != 0 || len(l.externalQueue) != 0
}

// poll blocks until woken, the next timer is due, or ctx is done.
func (l *Loop) poll(ctx context.Context) {
	if !l.state.tryTransition(StateRunning, StateSleeping) {
		return
	}
	defer l.state.tryTransition(StateSleeping, StateRunning)

	if l.hasQueuedTasks() {
		return
	}

	var timerC <-chan time.Time
	if timeout, ok := l.calculateTimeout(); ok {
		if timeout <= 0 {
			return
		}
		t := time.NewTimer(timeout)
		defer t.Stop()
		timerC = t.C
	}

	select {
	case <-l.wake:
	case <-timerC:
	case <-ctx.Done():
	}
}

// signal wakes the loop, if it is sleeping.
func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) calculateTimeout() (time.Duration, bool) {
	for len(l.timers) > 0 && l.timers[0].state.Load() != timerPending {
		heap.Pop(&l.timers)
	}
	if len(l.timers) == 0 {
		return 0, false
	}
	return time.Until(l.timers[0].when), true
}

func (l *Loop) runTimers() {
	now := l.CurrentTickTime()
	for len(l.timers) > 0 {
		t := l.timers[0]
		if t.state.Load() == timerPending && t.when.After(now) {
			break
		}
		heap.Pop(&l.timers)
		if t.state.CompareAndSwap(timerPending, timerFired) {
			l.safeExecute(t.fn)
		}
	}
}

// Submit queues fn to run on the loop goroutine. Tasks submitted while the
// loop is terminating are still run.
func (l *Loop) Submit(fn func()) error {
	return l.submit(fn, false)
}

// SubmitInternal queues fn ahead of all tasks submitted via Submit.
func (l *Loop) SubmitInternal(fn func()) error {
	return l.submit(fn, true)
}

// PostTask is an alias of Submit, satisfying taskqueue.Runner.
func (l *Loop) PostTask(fn func()) error {
	return l.Submit(fn)
}

func (l *Loop) submit(fn func(), internal bool) error {
	if fn == nil {
		panic(`ioloop: nil task`)
	}

	// increment before checking state, see shutdown
	l.inflight.Add(1)
	defer l.inflight.Add(-1)

	if !l.state.canAcceptWork() {
		return ErrLoopTerminated
	}

	l.mu.Lock()
	if internal {
		l.internalQueue = append(l.internalQueue, fn)
	} else {
		l.externalQueue = append(l.externalQueue, fn)
	}
	l.mu.Unlock()

	l.signal()
	return nil
}

// Await runs fn on the loop goroutine, and waits for it to complete. It
// runs fn directly, if called from the loop goroutine.
func (l *Loop) Await(ctx context.Context, fn func()) error {
	if l.IsLoopGoroutine() {
		fn()
		return nil
	}
	done := make(chan struct{})
	if err := l.Submit(func() {
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

// ScheduleTimer schedules fn to run on the loop goroutine after delay.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) (*Timer, error) {
	if fn == nil {
		panic(`ioloop: nil timer callback`)
	}
	t := &Timer{
		loop:  l,
		fn:    fn,
		when:  time.Now().Add(delay),
		index: -1,
	}
	if l.IsLoopGoroutine() {
		heap.Push(&l.timers, t)
		return t, nil
	}
	if err := l.SubmitInternal(func() {
		if t.state.Load() == timerPending {
			heap.Push(&l.timers, t)
		}
	}); err != nil {
		return nil, err
	}
	return t, nil
}

// CurrentTickTime returns the time at the start of the current tick. It
// must be called on the loop goroutine, once the loop is running.
func (l *Loop) CurrentTickTime() time.Time {
	if l.tickAnchor.IsZero() {
		return time.Now()
	}
	return l.tickAnchor.Add(time.Duration(l.tickElapsedTime.Load()))
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return l.state.load()
}

// IsLoopGoroutine reports whether the caller is running on the loop goroutine.
func (l *Loop) IsLoopGoroutine() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return goroutineid.Get() == loopID
}

func (l *Loop) safeExecute(fn func()) {
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			err := PanicError{Value: r}
			l.logger.Err().
				Str(`loop`, l.name).
				Err(err).
				Log(`task panicked`)
			if l.onPanic != nil {
				l.onPanic(err)
			}
		}
	}()

	fn()
}
