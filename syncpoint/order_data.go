package syncpoint

import (
	"sync"
)

// OrderData tracks one sequence's progress through the order numbers it
// was issued. Order numbers must be processed in the order they were
// generated, one at a time; violations panic.
//
// All methods are safe for concurrent use.
type OrderData struct {
	manager *Manager
	// unprocessed order numbers, ascending
	pending     []uint32
	unprocessed uint32
	processed   uint32
	current     uint32
	sequenceID  uint32
	mu          sync.Mutex
	paused      bool
	destroyed   bool
}

// SequenceID returns the id the manager assigned this sequence.
func (x *OrderData) SequenceID() uint32 { return x.sequenceID }

// GenerateUnprocessedOrderNumber issues the next global order number to
// this sequence.
func (x *OrderData) GenerateUnprocessedOrderNumber() uint32 {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.destroyed {
		panic(`syncpoint: order data destroyed`)
	}
	n := x.manager.GenerateOrderNumber()
	x.unprocessed = n
	x.pending = append(x.pending, n)
	return n
}

// BeginProcessingOrderNumber marks n as being processed. n must be the
// oldest unprocessed number, and may have been paused.
func (x *OrderData) BeginProcessingOrderNumber(n uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.pending) == 0 || x.pending[0] != n {
		panic(`syncpoint: order number processed out of order`)
	}
	if x.current == n && !x.paused {
		panic(`syncpoint: order number already being processed`)
	}
	x.current = n
	x.paused = false
}

// PauseProcessingOrderNumber marks n, currently being processed, as paused.
func (x *OrderData) PauseProcessingOrderNumber(n uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.current != n || x.paused || len(x.pending) == 0 || x.pending[0] != n {
		panic(`syncpoint: pausing order number not being processed`)
	}
	x.paused = true
}

// FinishProcessingOrderNumber marks n, currently being processed, as done.
func (x *OrderData) FinishProcessingOrderNumber(n uint32) {
	x.mu.Lock()
	if x.current != n || x.paused || len(x.pending) == 0 || x.pending[0] != n {
		x.mu.Unlock()
		panic(`syncpoint: finishing order number not being processed`)
	}
	x.pending = x.pending[1:]
	x.processed = n
	x.mu.Unlock()
	x.manager.finished(n)
}

// Destroy releases the sequence. Subsequent calls are no-ops.
func (x *OrderData) Destroy() {
	x.mu.Lock()
	if x.destroyed {
		x.mu.Unlock()
		return
	}
	x.destroyed = true
	x.pending = nil
	x.mu.Unlock()
	x.manager.remove(x)
}

// IsDestroyed reports whether Destroy has been called.
func (x *OrderData) IsDestroyed() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.destroyed
}

// ProcessedOrderNumber returns the last order number finished.
func (x *OrderData) ProcessedOrderNumber() uint32 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.processed
}

// UnprocessedOrderNumber returns the last order number generated.
func (x *OrderData) UnprocessedOrderNumber() uint32 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.unprocessed
}

// CurrentOrderNumber returns the order number most recently begun.
func (x *OrderData) CurrentOrderNumber() uint32 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.current
}

// IsProcessingOrderNumber reports whether an order number has begun, and
// neither paused nor finished.
func (x *OrderData) IsProcessingOrderNumber() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.current > x.processed && !x.paused
}
