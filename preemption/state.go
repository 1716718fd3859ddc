package preemption

import (
	"sync/atomic"
)

// State is a preemption state, of a single Queue.
type State int32

const (
	// StateIdle means there is nothing waiting to be processed, or it
	// hasn't waited long enough to matter.
	StateIdle State = iota
	// StateWaiting means a message was queued, and the wait timer is armed.
	StateWaiting
	// StateChecking means the wait timer fired, and the head message's age
	// is being checked.
	StateChecking
	// StatePreempting means the preempting flag is set, until the budget
	// runs out, or the queue catches up.
	StatePreempting
	// StateWouldPreemptDescheduled means the queue would be preempting, but
	// is descheduled, so there is nothing productive to preempt for.
	StateWouldPreemptDescheduled
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return `Idle`
	case StateWaiting:
		return `Waiting`
	case StateChecking:
		return `Checking`
	case StatePreempting:
		return `Preempting`
	case StateWouldPreemptDescheduled:
		return `WouldPreemptDescheduled`
	default:
		return `Unknown`
	}
}

// Flag is a preemption signal, shared between the queue that raises it,
// and the executors that yield to it. The zero value is unset, and ready to
// use. A nil *Flag is never set.
type Flag struct {
	v atomic.Bool
}

// Set raises the flag.
func (x *Flag) Set() { x.v.Store(true) }

// Reset lowers the flag.
func (x *Flag) Reset() { x.v.Store(false) }

// IsSet reports whether the flag is raised.
func (x *Flag) IsSet() bool {
	return x != nil && x.v.Load()
}
