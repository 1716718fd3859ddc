// Package scheduler runs tasks from many sequences on one goroutine, by
// priority. It is the alternative to a per-channel preemption.Queue: each
// stream gets a sequence, and tasks may wait on sync token fences.
//
// Tasks within a sequence run in the order they were scheduled. Across
// sequences, the highest priority runnable sequence runs first, ties going
// to the oldest order number.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/joeycumines/go-gpuchannel/syncpoint"
	"github.com/joeycumines/logiface"
)

// ErrUnknownSequence is returned for sequences that were never created, or
// have been destroyed.
var ErrUnknownSequence = errors.New(`scheduler: unknown sequence`)

// Priority orders sequences. Lower values run first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return `High`
	case PriorityNormal:
		return `Normal`
	case PriorityLow:
		return `Low`
	default:
		return `Unknown`
	}
}

type (
	// SequenceID identifies a sequence. Zero is never a valid id.
	SequenceID uint32

	// Task is a unit of work, run once every fence is released.
	Task struct {
		Closure  func()
		Fences   []syncpoint.SyncToken
		Sequence SequenceID
	}

	// Scheduler holds the sequences, and runs their tasks, via RunNext or
	// Run. All methods are safe for concurrent use.
	//
	// Instances must be initialized using the New factory.
	Scheduler struct {
		manager   *syncpoint.Manager
		logger    *logiface.Logger[logiface.Event]
		sequences map[SequenceID]*sequence
		wake      chan struct{}
		running   *sequence
		mu        sync.Mutex
	}

	sequence struct {
		orderData    *syncpoint.OrderData
		tasks        []*task
		continuation func()
		id           SequenceID
		priority     Priority
		enabled      bool
	}

	task struct {
		closure     func()
		orderNumber uint32
		// unreleased fences
		blocked int
	}
)

// New returns a Scheduler, issuing order numbers from manager. The logger
// may be nil.
func New(manager *syncpoint.Manager, logger *logiface.Logger[logiface.Event]) *Scheduler {
	if manager == nil {
		panic(`scheduler: nil sync point manager`)
	}
	return &Scheduler{
		manager:   manager,
		logger:    logger,
		sequences: make(map[SequenceID]*sequence),
		wake:      make(chan struct{}, 1),
	}
}

// CreateSequence returns a new, enabled, sequence.
func (x *Scheduler) CreateSequence(priority Priority) SequenceID {
	orderData := x.manager.CreateOrderData()
	s := &sequence{
		orderData: orderData,
		id:        SequenceID(orderData.SequenceID()),
		priority:  priority,
		enabled:   true,
	}
	x.mu.Lock()
	x.sequences[s.id] = s
	x.mu.Unlock()
	return s.id
}

// DestroySequence discards the sequence's pending tasks, and releases its
// order data. A task already running completes.
func (x *Scheduler) DestroySequence(id SequenceID) {
	x.mu.Lock()
	s, ok := x.sequences[id]
	if ok {
		delete(x.sequences, id)
		clear(s.tasks)
		s.tasks = nil
	}
	x.mu.Unlock()
	if ok {
		s.orderData.Destroy()
	}
}

// EnableSequence allows the sequence's tasks to run.
func (x *Scheduler) EnableSequence(id SequenceID) {
	x.setEnabled(id, true)
}

// DisableSequence stops the sequence's tasks from running, until enabled.
func (x *Scheduler) DisableSequence(id SequenceID) {
	x.setEnabled(id, false)
}

func (x *Scheduler) setEnabled(id SequenceID, enabled bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if s, ok := x.sequences[id]; ok && s.enabled != enabled {
		s.enabled = enabled
		if enabled {
			x.signal()
		}
	}
}

// ScheduleTask appends a task to its sequence, issuing it an order number.
func (x *Scheduler) ScheduleTask(t Task) error {
	if t.Closure == nil {
		panic(`scheduler: nil task closure`)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	s, ok := x.sequences[t.Sequence]
	if !ok {
		return ErrUnknownSequence
	}
	v := &task{
		closure:     t.Closure,
		orderNumber: s.orderData.GenerateUnprocessedOrderNumber(),
	}
	for _, fence := range t.Fences {
		// the callback blocks on x.mu until this method returns
		if x.manager.WaitAsync(fence, func() { x.fenceReleased(v) }) {
			v.blocked++
		}
	}
	s.tasks = append(s.tasks, v)
	x.signal()
	return nil
}

func (x *Scheduler) fenceReleased(t *task) {
	x.mu.Lock()
	defer x.mu.Unlock()
	t.blocked--
	if t.blocked == 0 {
		x.signal()
	}
}

// ContinueTask schedules fn to run next on the sequence, before any other
// task, under the running task's order number. It must be called from the
// task currently running on the sequence.
func (x *Scheduler) ContinueTask(id SequenceID, fn func()) {
	if fn == nil {
		panic(`scheduler: nil task closure`)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.running == nil || x.running.id != id {
		panic(`scheduler: continue outside running task`)
	}
	x.running.continuation = fn
}

// ShouldYield reports whether the task running on id should return early,
// because another sequence would run before it.
func (x *Scheduler) ShouldYield(id SequenceID) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.running == nil || x.running.id != id {
		return false
	}
	next := x.nextLocked()
	return next != nil && next.runsBefore(x.running.priority, x.running.orderData.CurrentOrderNumber())
}

// RunNext runs one task, returning false if none were runnable.
func (x *Scheduler) RunNext() bool {
	x.mu.Lock()
	if x.running != nil {
		x.mu.Unlock()
		panic(`scheduler: reentrant RunNext`)
	}
	s := x.nextLocked()
	if s == nil {
		x.mu.Unlock()
		return false
	}
	t := s.tasks[0]
	s.tasks[0] = nil
	s.tasks = s.tasks[1:]
	s.orderData.BeginProcessingOrderNumber(t.orderNumber)
	x.running = s
	x.mu.Unlock()

	x.execute(s, t)

	x.mu.Lock()
	defer x.mu.Unlock()
	x.running = nil
	if s.orderData.IsDestroyed() {
		return true
	}
	if fn := s.continuation; fn != nil {
		s.continuation = nil
		s.orderData.PauseProcessingOrderNumber(t.orderNumber)
		s.tasks = append([]*task{{closure: fn, orderNumber: t.orderNumber}}, s.tasks...)
	} else {
		s.orderData.FinishProcessingOrderNumber(t.orderNumber)
	}
	return true
}

// Run runs tasks as they become runnable, until ctx is canceled.
func (x *Scheduler) Run(ctx context.Context) error {
	for {
		for x.RunNext() {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-x.wake:
		}
	}
}

// NumSequences returns the number of live sequences.
func (x *Scheduler) NumSequences() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.sequences)
}

func (x *Scheduler) execute(s *sequence, t *task) {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Err().
				Uint64(`sequence`, uint64(s.id)).
				Uint64(`order_number`, uint64(t.orderNumber)).
				Any(`panic`, r).
				Log(`task panicked`)
		}
	}()
	t.closure()
}

// nextLocked returns the sequence to run next, or nil.
func (x *Scheduler) nextLocked() *sequence {
	var best *sequence
	for _, s := range x.sequences {
		if s == x.running || !s.runnable() {
			continue
		}
		if best == nil || s.runsBefore(best.priority, best.tasks[0].orderNumber) {
			best = s
		}
	}
	return best
}

func (x *Scheduler) signal() {
	select {
	case x.wake <- struct{}{}:
	default:
	}
}

func (s *sequence) runnable() bool {
	return s.enabled && len(s.tasks) != 0 && s.tasks[0].blocked == 0
}

func (s *sequence) runsBefore(priority Priority, orderNumber uint32) bool {
	if s.priority != priority {
		return s.priority < priority
	}
	return s.tasks[0].orderNumber < orderNumber
}
