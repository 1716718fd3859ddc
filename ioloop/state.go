package ioloop

import (
	"sync/atomic"
)

// LoopState represents the current state of the loop.
//
//	StateAwake       -> StateRunning     [Run()]
//	StateRunning     -> StateSleeping    [poll() via CAS]
//	StateRunning     -> StateTerminating [Shutdown()]
//	StateSleeping    -> StateRunning     [poll() wake via CAS]
//	StateSleeping    -> StateTerminating [Shutdown()]
//	StateTerminating -> StateTerminated  [shutdown complete]
//
// Use tryTransition (CAS) for the temporary states (Running, Sleeping), and
// store only for the irreversible ones.
type LoopState uint64

const (
	StateAwake LoopState = iota
	StateTerminated
	StateSleeping
	StateRunning
	StateTerminating
)

func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return `Awake`
	case StateRunning:
		return `Running`
	case StateSleeping:
		return `Sleeping`
	case StateTerminating:
		return `Terminating`
	case StateTerminated:
		return `Terminated`
	default:
		return `Unknown`
	}
}

// fastState is a lock-free state holder, padded to its own cache line.
type fastState struct { // betteralign:ignore
	_ [64]byte      //nolint:unused
	v atomic.Uint64 //
	_ [56]byte      //nolint:unused
}

func (s *fastState) load() LoopState {
	return LoopState(s.v.Load())
}

func (s *fastState) store(state LoopState) {
	s.v.Store(uint64(state))
}

func (s *fastState) tryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

func (s *fastState) canAcceptWork() bool {
	return s.load() != StateTerminated
}
