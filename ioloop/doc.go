// Package ioloop implements the "I/O thread" of a GPU channel: a single
// goroutine that owns the inbound message filter, the route table, and the
// preemption state machine, along with the one-shot timers that drive it.
//
// State owned by the loop needs no locking, provided it is only touched from
// tasks and timer callbacks. IsLoopGoroutine may be used to assert this.
package ioloop
