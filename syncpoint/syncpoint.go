// Package syncpoint is the ordering authority shared by every channel in a
// service: it issues globally ordered order numbers, tracks how far each
// sequence has processed them, and releases sync token fences.
package syncpoint

import (
	"fmt"
	"sync"
	"sync/atomic"
)

type (
	// SyncToken identifies a fence: release count Release, of client Client.
	// The token is released once the client has released at least that
	// count.
	SyncToken uint64

	// Manager issues order numbers, and owns the release state of every
	// sync token client. All methods are safe for concurrent use.
	//
	// Instances must be initialized using the NewManager factory.
	Manager struct {
		clients      map[uint32]*clientState
		orderData    map[uint32]*OrderData
		orderNumber  atomic.Uint32
		processed    atomic.Uint32
		nextSequence atomic.Uint32
		mu           sync.Mutex
	}

	clientState struct {
		waiters  []waiter
		released uint32
	}

	waiter struct {
		fn      func()
		release uint32
	}
)

// NewSyncToken packs a client id and release count.
func NewSyncToken(client, release uint32) SyncToken {
	return SyncToken(uint64(client)<<32 | uint64(release))
}

// Client returns the releasing client's id.
func (t SyncToken) Client() uint32 { return uint32(t >> 32) }

// Release returns the release count.
func (t SyncToken) Release() uint32 { return uint32(t) }

func (t SyncToken) String() string {
	return fmt.Sprintf(`%d:%d`, t.Client(), t.Release())
}

// NewManager returns a new Manager.
func NewManager() *Manager {
	return &Manager{
		clients:   make(map[uint32]*clientState),
		orderData: make(map[uint32]*OrderData),
	}
}

// GenerateOrderNumber returns the next global order number. Zero is never
// returned.
func (x *Manager) GenerateOrderNumber() uint32 {
	return x.orderNumber.Add(1)
}

// ProcessedOrderNumber returns the highest order number any sequence has
// finished processing.
func (x *Manager) ProcessedOrderNumber() uint32 {
	return x.processed.Load()
}

// CreateOrderData registers a new sequence, which must eventually be
// released via OrderData.Destroy.
func (x *Manager) CreateOrderData() *OrderData {
	d := &OrderData{
		manager:    x,
		sequenceID: x.nextSequence.Add(1),
	}
	x.mu.Lock()
	x.orderData[d.sequenceID] = d
	x.mu.Unlock()
	return d
}

// NumOrderData returns the number of live (not destroyed) sequences.
func (x *Manager) NumOrderData() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.orderData)
}

// IsReleased reports whether token has been released.
func (x *Manager) IsReleased(token SyncToken) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	c, ok := x.clients[token.Client()]
	return ok && c.released >= token.Release()
}

// ReleaseFence raises client's release count to release, running every
// waiter it satisfies, on the calling goroutine. Lower counts are ignored.
func (x *Manager) ReleaseFence(client, release uint32) {
	x.mu.Lock()
	c := x.clientLocked(client)
	if release <= c.released {
		x.mu.Unlock()
		return
	}
	c.released = release
	var ready []func()
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if w.release <= release {
			ready = append(ready, w.fn)
		} else {
			remaining = append(remaining, w)
		}
	}
	clear(c.waiters[len(remaining):])
	c.waiters = remaining
	x.mu.Unlock()

	for _, fn := range ready {
		fn()
	}
}

// WaitAsync arranges for fn to be called once token is released. It returns
// false, without calling fn, if the token is already released.
func (x *Manager) WaitAsync(token SyncToken, fn func()) bool {
	if fn == nil {
		panic(`syncpoint: nil callback`)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	c := x.clientLocked(token.Client())
	if c.released >= token.Release() {
		return false
	}
	c.waiters = append(c.waiters, waiter{fn: fn, release: token.Release()})
	return true
}

func (x *Manager) clientLocked(client uint32) *clientState {
	c, ok := x.clients[client]
	if !ok {
		c = new(clientState)
		x.clients[client] = c
	}
	return c
}

func (x *Manager) finished(orderNumber uint32) {
	for {
		v := x.processed.Load()
		if orderNumber <= v || x.processed.CompareAndSwap(v, orderNumber) {
			return
		}
	}
}

func (x *Manager) remove(d *OrderData) {
	x.mu.Lock()
	delete(x.orderData, d.sequenceID)
	x.mu.Unlock()
}
