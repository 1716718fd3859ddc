// Package transport provides the raw IPC primitive underneath a GPU channel:
// framed messages, sent asynchronously or as sync request/reply calls, with
// inbound messages passed through a chain of filters on an I/O loop.
//
// Pipe creates a connected, in-process pair of endpoints. Writes are
// coalesced into batches of frames, and delivered to the peer in order.
package transport

import (
	"errors"
	"time"

	"github.com/joeycumines/go-gpuchannel/ioloop"
	"github.com/joeycumines/go-gpuchannel/message"
	"github.com/joeycumines/logiface"
)

var (
	// ErrClosed indicates the endpoint, or its peer, has closed.
	ErrClosed = errors.New(`transport: closed`)

	// ErrReplyError indicates the peer replied to a sync message, flagged as
	// failed, e.g. because the message was unroutable.
	ErrReplyError = errors.New(`transport: reply error`)

	// ErrNotSync is returned by SendSync, for async messages.
	ErrNotSync = errors.New(`transport: message is not sync`)
)

type (
	// Sender is the consumed send primitive. Success means the message was
	// handed to the transport, not that the peer processed it.
	Sender interface {
		Send(msg message.Message) bool
	}

	// Filter intercepts inbound messages on the I/O loop, before the
	// listener. Returning true consumes the message.
	//
	// Filters may also implement any of the optional observer interfaces
	// in this package, e.g. ErrorObserver.
	Filter interface {
		OnMessageReceived(msg message.Message) bool
	}

	// Listener receives inbound messages not consumed by a filter.
	Listener interface {
		OnMessageReceived(msg message.Message) bool
		OnChannelError()
	}

	// FilterAddedObserver is notified when the filter is added, with the
	// endpoint it may use to send (e.g. replies).
	FilterAddedObserver interface {
		OnFilterAdded(sender Sender)
	}

	// FilterRemovedObserver is notified when the filter is removed.
	FilterRemovedObserver interface {
		OnFilterRemoved()
	}

	// ConnectObserver is notified when the endpoint starts.
	ConnectObserver interface {
		OnChannelConnected(peerPID int32)
	}

	// ErrorObserver is notified, at most once, when the peer goes away.
	ErrorObserver interface {
		OnChannelError()
	}

	// ClosingObserver is notified when the local endpoint is closed.
	ClosingObserver interface {
		OnChannelClosing()
	}

	// Config models configuration for one endpoint of a Pipe.
	Config struct {
		// Loop is the I/O loop filters and the listener run on. Required.
		// The caller owns the loop, and must run it.
		Loop *ioloop.Loop

		// Logger is optional.
		Logger *logiface.Logger[logiface.Event]

		// PID identifies this endpoint's process, reported to the peer's
		// ConnectObserver filters.
		PID int32

		// MaxBatchSize is the maximum number of frames per write.
		// **Defaults to 16, if 0.**
		MaxBatchSize int

		// FlushInterval is the maximum time a frame is held, before an
		// incomplete batch is written.
		// **Defaults to 1ms, if 0.**
		FlushInterval time.Duration

		// InboundBuffer is the number of batches buffered for reading.
		// **Defaults to 256, if 0.**
		InboundBuffer int
	}
)
