package route

import (
	"github.com/joeycumines/go-gpuchannel/message"
)

// Router is the synchronous counterpart of Table, used on the service's main
// runner, where messages have already been moved to the right goroutine.
// It is not safe for concurrent use.
type Router struct {
	routes map[int32]Listener
}

func NewRouter() *Router {
	return &Router{routes: make(map[int32]Listener)}
}

// AddRoute returns false if the route is already registered.
func (x *Router) AddRoute(routeID int32, listener Listener) bool {
	if listener == nil {
		panic(`route: nil listener`)
	}
	if _, ok := x.routes[routeID]; ok {
		return false
	}
	x.routes[routeID] = listener
	return true
}

// RemoveRoute returns false if the route was not registered.
func (x *Router) RemoveRoute(routeID int32) bool {
	if _, ok := x.routes[routeID]; !ok {
		return false
	}
	delete(x.routes, routeID)
	return true
}

// RouteMessage delivers msg to its route's listener, returning false if
// there is none, or it did not handle the message.
func (x *Router) RouteMessage(msg message.Message) bool {
	l, ok := x.routes[msg.RoutingID]
	if !ok {
		return false
	}
	return l.OnMessageReceived(msg)
}

func (x *Router) Len() int { return len(x.routes) }
