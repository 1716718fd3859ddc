// Package host implements the client side of a GPU channel.
//
// A Host multiplexes routes (one per command buffer, or similar consumer)
// over a single transport endpoint. Inbound messages are dispatched from the
// endpoint's I/O loop to each route's task queue, via a route.Table.
//
// Outbound work is ordered per stream: RecordBarrier allocates monotonic
// flush ids, coalescing consecutive flushes for one route, and
// ValidateReachedServer confirms, with a single round trip, which flushes
// the peer has received.
package host
