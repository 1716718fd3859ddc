package preemption

import (
	"sync"
	"time"

	"github.com/joeycumines/go-gpuchannel/message"
	"github.com/joeycumines/go-gpuchannel/syncpoint"
	"github.com/joeycumines/go-gpuchannel/taskqueue"
	"github.com/joeycumines/logiface"
)

type (
	// Entry is a queued message.
	Entry struct {
		Received    time.Time
		Message     message.Message
		OrderNumber uint32
	}

	// Queue holds the messages of one channel, in arrival order, handing
	// them to the main runner one at a time. If a preempting flag is
	// configured, it also runs the preemption state machine, raising the
	// flag while its head message has waited too long.
	//
	// PushBack, UpdatePreemptionState, and the timers run on the IO loop.
	// BeginProcessing, PauseProcessing and FinishProcessing run on Main.
	//
	// Instances must be initialized using the NewQueue factory.
	Queue struct {
		orderData  *syncpoint.OrderData
		main       taskqueue.Runner
		handle     func()
		io         Loop
		clock      Clock
		logger     *logiface.Logger[logiface.Event]
		preempting *Flag
		preempted  *Flag

		mu      sync.Mutex
		entries []*entry

		timer         Timer
		timerToken    *struct{}
		timerDeadline time.Time

		stats stats

		waitTime       time.Duration
		maxPreemptTime time.Duration
		stopThreshold  time.Duration
		// remaining budget, saved while descheduled
		preemptBudget time.Duration

		state         State
		scheduled     bool
		handlePending bool
		destroyed     bool
	}

	entry struct {
		Entry
		begun bool
	}
)

// NewQueue constructs a scheduled, empty, Queue. It panics if a required
// collaborator is missing.
func NewQueue(config *Config, opts ...Option) (*Queue, error) {
	cfg, err := config.resolve()
	if err != nil {
		return nil, err
	}
	o := resolveQueueOptions(opts)
	if o.preempting != nil && cfg.IO == nil {
		panic(`preemption: nil io loop`)
	}
	return &Queue{
		orderData:      cfg.OrderData,
		main:           cfg.Main,
		handle:         cfg.HandleMessage,
		io:             cfg.IO,
		clock:          o.clock,
		logger:         o.logger,
		preempting:     o.preempting,
		preempted:      o.preempted,
		stats:          newStats(),
		waitTime:       cfg.WaitTime,
		maxPreemptTime: cfg.MaxPreemptTime,
		stopThreshold:  cfg.StopThreshold,
		preemptBudget:  cfg.MaxPreemptTime,
		scheduled:      true,
	}, nil
}

// PushBack assigns msg the next order number, and appends it. It returns
// zero, dropping msg, if the queue has been destroyed.
func (q *Queue) PushBack(msg message.Message) uint32 {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return 0
	}
	e := &entry{Entry: Entry{
		Message:     msg,
		OrderNumber: q.orderData.GenerateUnprocessedOrderNumber(),
		Received:    q.clock.Now(),
	}}
	q.entries = append(q.entries, e)
	q.stats.depth(len(q.entries))
	post := q.shouldPostHandleLocked()
	q.updateStateLocked()
	q.mu.Unlock()

	if post {
		q.postHandle()
	}
	return e.OrderNumber
}

// BeginProcessing returns the head message, without removing it, marking
// its order number as being processed. It returns false if there is nothing
// to process now: the queue is empty, descheduled, or preempted by another
// (in which case HandleMessage is reposted).
func (q *Queue) BeginProcessing() (Entry, bool) {
	q.mu.Lock()
	q.handlePending = false
	if q.destroyed || len(q.entries) == 0 || !q.scheduled {
		q.mu.Unlock()
		return Entry{}, false
	}
	if q.preempted.IsSet() {
		q.handlePending = true
		q.mu.Unlock()
		q.postHandle()
		return Entry{}, false
	}
	head := q.entries[0]
	q.orderData.BeginProcessingOrderNumber(head.OrderNumber)
	if !head.begun {
		head.begun = true
		q.stats.wait(q.clock.Now().Sub(head.Received))
	}
	v := head.Entry
	q.mu.Unlock()
	return v, true
}

// PauseProcessing leaves the head message in place, to be processed again
// later, e.g. because it is blocked.
func (q *Queue) PauseProcessing() {
	q.mu.Lock()
	if len(q.entries) == 0 {
		q.mu.Unlock()
		panic(`preemption: pause with empty queue`)
	}
	q.orderData.PauseProcessingOrderNumber(q.entries[0].OrderNumber)
	post := q.shouldPostHandleLocked()
	q.mu.Unlock()

	if post {
		q.postHandle()
	}
}

// FinishProcessing removes the head message.
func (q *Queue) FinishProcessing() {
	q.mu.Lock()
	if len(q.entries) == 0 {
		q.mu.Unlock()
		panic(`preemption: finish with empty queue`)
	}
	q.orderData.FinishProcessingOrderNumber(q.entries[0].OrderNumber)
	q.entries[0] = nil
	q.entries = q.entries[1:]
	q.stats.depth(len(q.entries))
	post := q.shouldPostHandleLocked()
	q.mu.Unlock()

	if post {
		q.postHandle()
	}
	q.postUpdate()
}

// SetScheduled marks the queue scheduled or descheduled, e.g. because the
// command buffer at its head is blocked. Descheduled queues are not
// processed, and do not preempt.
func (q *Queue) SetScheduled(scheduled bool) {
	q.mu.Lock()
	if q.scheduled == scheduled || q.destroyed {
		q.mu.Unlock()
		return
	}
	q.scheduled = scheduled
	post := q.shouldPostHandleLocked()
	q.mu.Unlock()

	if post {
		q.postHandle()
	}
	q.postUpdate()
}

// IsScheduled reports whether the queue is scheduled.
func (q *Queue) IsScheduled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.scheduled
}

// HasQueuedMessages reports whether the queue is non-empty.
func (q *Queue) HasQueuedMessages() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) != 0
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// State returns the current preemption state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// UpdatePreemptionState re-evaluates the state machine. It must be called
// on the IO loop.
func (q *Queue) UpdatePreemptionState() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.updateStateLocked()
}

// Destroy discards queued messages, releases the order data, and lowers
// the preempting flag. Subsequent calls are no-ops.
func (q *Queue) Destroy() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return
	}
	q.destroyed = true
	q.orderData.Destroy()
	q.stopTimerLocked()
	q.state = StateIdle
	if q.preempting != nil {
		q.preempting.Reset()
	}
	clear(q.entries)
	q.entries = nil
}

// IsDestroyed reports whether Destroy has been called.
func (q *Queue) IsDestroyed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.destroyed
}

func (q *Queue) shouldPostHandleLocked() bool {
	if q.destroyed || !q.scheduled || q.handlePending || len(q.entries) == 0 {
		return false
	}
	q.handlePending = true
	return true
}

func (q *Queue) postHandle() {
	if err := q.main.PostTask(q.handle); err != nil {
		q.logger.Warning().
			Err(err).
			Log(`failed to post message handler`)
	}
}

func (q *Queue) postUpdate() {
	if q.preempting == nil {
		return
	}
	if err := q.io.PostTask(q.UpdatePreemptionState); err != nil {
		q.logger.Debug().
			Err(err).
			Log(`failed to post preemption update`)
	}
}

func (q *Queue) updateStateLocked() {
	if q.preempting == nil || q.destroyed {
		return
	}
	switch q.state {
	case StateIdle:
		q.updateIdleLocked()
	case StateWaiting:
		if q.timer == nil {
			q.toCheckingLocked()
		}
	case StateChecking:
		q.updateCheckingLocked()
	case StatePreempting:
		if q.timer == nil || q.shouldTransitionToIdleLocked() {
			q.toIdleLocked()
		} else if !q.scheduled {
			q.preemptBudget = max(0, q.timerDeadline.Sub(q.clock.Now()))
			q.stopTimerLocked()
			q.toWouldPreemptDescheduledLocked()
		}
	case StateWouldPreemptDescheduled:
		if q.shouldTransitionToIdleLocked() {
			q.toIdleLocked()
		} else if q.scheduled {
			q.toPreemptingLocked()
		}
	default:
		panic(`preemption: invalid state`)
	}
}

func (q *Queue) updateIdleLocked() {
	if len(q.entries) != 0 {
		q.toWaitingLocked()
	}
}

func (q *Queue) updateCheckingLocked() {
	if len(q.entries) == 0 {
		return
	}
	elapsed := q.clock.Now().Sub(q.entries[0].Received)
	if elapsed < q.waitTime {
		// check again, once the head may have waited long enough
		q.startTimerLocked(q.waitTime - elapsed)
		return
	}
	q.stopTimerLocked()
	if q.scheduled {
		q.toPreemptingLocked()
	} else {
		q.toWouldPreemptDescheduledLocked()
	}
}

func (q *Queue) shouldTransitionToIdleLocked() bool {
	if len(q.entries) == 0 {
		return true
	}
	return q.clock.Now().Sub(q.entries[0].Received) < q.stopThreshold
}

func (q *Queue) toIdleLocked() {
	q.setStateLocked(StateIdle)
	q.preempting.Reset()
	q.preemptBudget = q.maxPreemptTime
	q.stopTimerLocked()
	q.updateIdleLocked()
}

func (q *Queue) toWaitingLocked() {
	q.setStateLocked(StateWaiting)
	q.startTimerLocked(q.waitTime)
}

func (q *Queue) toCheckingLocked() {
	q.setStateLocked(StateChecking)
	q.updateCheckingLocked()
}

func (q *Queue) toPreemptingLocked() {
	if q.state == StateChecking {
		q.stats.preemptions++
	}
	q.setStateLocked(StatePreempting)
	q.preempting.Set()
	q.startTimerLocked(q.preemptBudget)
}

func (q *Queue) toWouldPreemptDescheduledLocked() {
	q.setStateLocked(StateWouldPreemptDescheduled)
	q.preempting.Reset()
}

func (q *Queue) setStateLocked(state State) {
	q.logger.Trace().
		Stringer(`from`, q.state).
		Stringer(`to`, state).
		Int(`queued`, len(q.entries)).
		Log(`preemption state`)
	q.state = state
}

// startTimerLocked arms the single timer, replacing any already armed.
func (q *Queue) startTimerLocked(delay time.Duration) {
	q.stopTimerLocked()
	token := new(struct{})
	timer, err := q.io.ScheduleTimer(delay, func() { q.onTimer(token) })
	if err != nil {
		q.logger.Debug().
			Err(err).
			Log(`failed to arm preemption timer`)
		return
	}
	q.timer = timer
	q.timerToken = token
	q.timerDeadline = q.clock.Now().Add(delay)
}

func (q *Queue) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
		q.timerToken = nil
	}
}

func (q *Queue) onTimer(token *struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.timerToken != token {
		return
	}
	q.timer = nil
	q.timerToken = nil
	q.updateStateLocked()
}
