// Package route decouples "a message for route R arrived" from "who handles
// it, and on what goroutine".
//
// A Table is owned by an I/O loop, and posts each delivery to the task queue
// registered for the route. Listeners are held weakly: a WeakListener
// invalidated by its owner receives nothing further, and Table.Close
// guarantees no delivery is running, or will run, once it returns.
package route
