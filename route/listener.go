package route

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-gpuchannel/internal/goroutineid"
	"github.com/joeycumines/go-gpuchannel/message"
)

type (
	// Listener handles the messages for a route.
	Listener interface {
		OnMessageReceived(msg message.Message) bool
		OnChannelError()
	}

	// WeakListener is a non-owning reference to a Listener. The owner calls
	// Invalidate when the listener goes away, after which deliveries are
	// dropped. Liveness is checked at delivery time, on the target queue.
	WeakListener struct {
		listener Listener
		alive    atomic.Bool
	}

	// gate tracks in-flight deliveries, so closing can wait them out. A
	// delivery may close the gate it is running under.
	gate struct {
		cond   *sync.Cond
		active map[uint64]int
		mu     sync.Mutex
		count  int
		closed bool
	}
)

// NewWeakListener returns a live reference to listener.
func NewWeakListener(listener Listener) *WeakListener {
	if listener == nil {
		panic(`route: nil listener`)
	}
	x := &WeakListener{listener: listener}
	x.alive.Store(true)
	return x
}

// Get returns the listener, if it is still alive.
func (x *WeakListener) Get() (Listener, bool) {
	if x == nil || !x.alive.Load() {
		return nil, false
	}
	return x.listener, true
}

// Invalidate marks the listener as gone. Deliveries that have not yet
// started are dropped.
func (x *WeakListener) Invalidate() {
	x.alive.Store(false)
}

func newGate() *gate {
	g := &gate{active: make(map[uint64]int)}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *gate) enter() (uint64, bool) {
	id := goroutineid.Get()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return 0, false
	}
	g.active[id]++
	g.count++
	return id, true
}

func (g *gate) exit(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[id]--; g.active[id] == 0 {
		delete(g.active, id)
	}
	g.count--
	g.cond.Broadcast()
}

// close prevents further deliveries, and waits for in-flight deliveries on
// other goroutines to finish.
func (g *gate) close() {
	id := goroutineid.Get()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for g.count-g.active[id] > 0 {
		g.cond.Wait()
	}
}

func (g *gate) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
