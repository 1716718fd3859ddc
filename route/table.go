package route

import (
	"sync"

	"github.com/joeycumines/go-gpuchannel/internal/logging"
	"github.com/joeycumines/go-gpuchannel/ioloop"
	"github.com/joeycumines/go-gpuchannel/message"
	"github.com/joeycumines/go-gpuchannel/taskqueue"
	"github.com/joeycumines/logiface"
)

type (
	// TableConfig models optional configuration, for NewTable.
	TableConfig struct {
		// Loop is the owning I/O loop. If set, every mutation asserts it is
		// running on the loop goroutine.
		Loop *ioloop.Loop

		// Logger is optional.
		Logger *logiface.Logger[logiface.Event]
	}

	// Table maps route ids to listeners, and the task queue each listener
	// must be invoked on. The route map is owned by a single I/O loop, and
	// needs no locking. Table implements transport.Filter and
	// transport.ErrorObserver.
	//
	// Instances must be initialized using the NewTable factory.
	Table struct {
		loop   *ioloop.Loop
		log    *logging.Limited
		gate   *gate
		routes map[int32]*entry
		mu     sync.Mutex
		lost   bool
	}

	entry struct {
		listener *WeakListener
		queue    taskqueue.Runner
	}
)

// NewTable returns an empty table. The config may be nil.
func NewTable(config *TableConfig) *Table {
	x := Table{
		gate:   newGate(),
		routes: make(map[int32]*entry),
	}
	if config != nil {
		x.loop = config.Loop
		if config.Logger != nil {
			x.log = logging.NewLimited(config.Logger, nil)
		}
	}
	return &x
}

// AddRoute registers a listener, to be invoked on queue. It panics if the
// route is already registered, or queue is nil.
func (x *Table) AddRoute(routeID int32, listener *WeakListener, queue taskqueue.Runner) {
	x.assertOnLoop()
	if listener == nil {
		panic(`route: nil listener`)
	}
	if queue == nil {
		panic(`route: nil task queue`)
	}
	if _, ok := x.routes[routeID]; ok {
		panic(`route: duplicate route`)
	}
	x.routes[routeID] = &entry{listener: listener, queue: queue}
}

// RemoveRoute unregisters a route. It is a no-op if the route is absent.
func (x *Table) RemoveRoute(routeID int32) {
	x.assertOnLoop()
	delete(x.routes, routeID)
}

// Has reports whether the route is registered.
func (x *Table) Has(routeID int32) bool {
	x.assertOnLoop()
	_, ok := x.routes[routeID]
	return ok
}

// Len returns the number of registered routes.
func (x *Table) Len() int {
	x.assertOnLoop()
	return len(x.routes)
}

// Dispatch posts msg to its route's listener, returning false if the message
// was not handled. Replies are never dispatched.
func (x *Table) Dispatch(msg message.Message) bool {
	x.assertOnLoop()
	if msg.IsReply() || x.gate.isClosed() {
		return false
	}
	e, ok := x.routes[msg.RoutingID]
	if !ok {
		x.log.Warning(unroutable(msg.RoutingID)).
			Int(`route`, int(msg.RoutingID)).
			Stringer(`type`, msg.Type).
			Log(`no route for message`)
		return false
	}
	x.post(msg.RoutingID, e, func(l Listener) {
		l.OnMessageReceived(msg)
	})
	return true
}

// OnMessageReceived implements transport.Filter.
func (x *Table) OnMessageReceived(msg message.Message) bool {
	return x.Dispatch(msg)
}

// OnChannelError marks the table lost, notifies every route exactly once,
// then clears the table.
func (x *Table) OnChannelError() {
	x.assertOnLoop()

	x.mu.Lock()
	x.lost = true
	x.mu.Unlock()

	for routeID, e := range x.routes {
		x.post(routeID, e, Listener.OnChannelError)
	}
	clear(x.routes)
}

// IsLost reports whether the channel has errored. It is safe to call from
// any goroutine. Once set, it is never cleared.
func (x *Table) IsLost() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.lost
}

// Clear drops all routes, without notifying them.
func (x *Table) Clear() {
	x.assertOnLoop()
	clear(x.routes)
}

// Close prevents any further deliveries, waiting for any running on other
// goroutines. It may be called from any goroutine, including from within a
// delivery. Subsequent calls are no-ops.
func (x *Table) Close() {
	x.gate.close()
}

// unroutable is the rate limit category for messages with no route,
// distinct from delivery failures on the same route id.
type unroutable int32

func (x *Table) post(routeID int32, e *entry, fn func(l Listener)) {
	if err := e.queue.PostTask(func() {
		id, ok := x.gate.enter()
		if !ok {
			return
		}
		defer x.gate.exit(id)
		if l, ok := e.listener.Get(); ok {
			fn(l)
		}
	}); err != nil {
		x.log.Warning(routeID).
			Int(`route`, int(routeID)).
			Err(err).
			Log(`route task queue rejected delivery`)
	}
}

func (x *Table) assertOnLoop() {
	if x.loop != nil && !x.loop.IsLoopGoroutine() {
		panic(`route: table accessed off its I/O loop`)
	}
}
