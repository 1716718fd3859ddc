// Package idgen allocates the small integer ids shared across a GPU channel:
// transfer buffers, images, routes and streams.
//
// Generators are explicit values, intended to live for the lifetime of the
// process (or channel host), and passed to whichever component allocates ids.
package idgen

import (
	"math"
	"sync/atomic"
)

const (
	// StreamInvalid is the reserved "no stream" id.
	StreamInvalid int32 = -1
	// StreamDefault is the reserved id of the implicit default stream.
	StreamDefault int32 = 0
)

// maxID is the largest id a Sequence returns.
const maxID = math.MaxInt32 - 1

type (
	// Sequence is an atomic counter, yielding strictly positive ids. Zero is
	// reserved as the "unset" sentinel, and math.MaxInt32 as the control
	// route, so neither is ever returned.
	// The zero value is ready to use.
	Sequence struct {
		v atomic.Int32
	}

	// Generators groups the per-kind id sequences for one channel host.
	Generators struct {
		TransferBuffer Sequence
		Image          Sequence
		Route          Sequence
		Stream         Sequence
	}
)

// NewGenerators returns a zero-initialized set of generators.
func NewGenerators() *Generators {
	return new(Generators)
}

// Next returns the next id. It panics on exhaustion rather than wrapping
// around into the reserved range.
func (x *Sequence) Next() int32 {
	for {
		v := x.v.Load()
		if v >= maxID {
			panic(`idgen: sequence exhausted`)
		}
		if x.v.CompareAndSwap(v, v+1) {
			return v + 1
		}
	}
}

// Last returns the most recently allocated id, or zero.
func (x *Sequence) Last() int32 {
	return x.v.Load()
}

// NextStream returns the next stream id, which will never be StreamInvalid
// or StreamDefault.
func (x *Generators) NextStream() int32 {
	for {
		if id := x.Stream.Next(); id != StreamInvalid && id != StreamDefault {
			return id
		}
	}
}
