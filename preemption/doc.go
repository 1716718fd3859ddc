// Package preemption implements a channel's message queue, and the state
// machine that lets a channel with long-waiting messages preempt others.
//
// States cycle Idle, Waiting, Checking, then Preempting or
// WouldPreemptDescheduled, and back to Idle:
//
//   - Idle to Waiting, when a message is queued, arming a WaitTime timer.
//   - Waiting to Checking, when the timer fires.
//   - Checking re-arms the timer until the head message is WaitTime old,
//     then moves to Preempting if scheduled, else WouldPreemptDescheduled.
//   - Preempting raises the shared flag for at most MaxPreemptTime. It
//     returns to Idle when the budget runs out, the queue empties, or the
//     head message is younger than StopThreshold. If descheduled, the
//     remaining budget is saved, and the state becomes
//     WouldPreemptDescheduled, which resumes Preempting once rescheduled.
//
// The flag is raised if and only if the state is Preempting, and at most
// one timer is armed at a time.
package preemption
