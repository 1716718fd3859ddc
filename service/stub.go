package service

import (
	"github.com/joeycumines/go-gpuchannel/message"
	"github.com/joeycumines/go-gpuchannel/route"
	"github.com/joeycumines/go-gpuchannel/scheduler"
)

type (
	// Stub is the service side of one command buffer. It handles the
	// messages for its route, on the main runner.
	Stub interface {
		route.Listener

		// IsScheduled reports whether the stub can make progress. A stub
		// that deschedules itself must call Channel.OnCommandBufferDescheduled,
		// and Channel.OnCommandBufferScheduled once it can continue.
		IsScheduled() bool

		// HasUnprocessedCommands reports whether the stub yielded, part way
		// through a flush, so the message must be processed again.
		HasUnprocessedCommands() bool

		// MarkContextLost loses the stub's context, e.g. after a GPU reset.
		MarkContextLost()
		IsContextLost() bool

		// StreamID is the stream the stub was created on.
		StreamID() int32

		// Destroy releases the stub, once its route is removed.
		Destroy()
	}

	// StubConfig is passed to a StubFactory.
	StubConfig struct {
		Channel *Channel
		// ShareGroup is the stub sharing resources with the new one, if any.
		ShareGroup Stub
		Params     message.CreateCommandBufferParams
		Sequence   scheduler.SequenceID
	}

	// StubFactory creates stubs, for TypeCreateCommandBuffer. Returning an
	// error fails the request.
	StubFactory interface {
		CreateStub(config StubConfig) (Stub, error)
	}

	// StubFactoryFunc adapts a function to StubFactory.
	StubFactoryFunc func(config StubConfig) (Stub, error)
)

// CreateStub implements StubFactory.
func (f StubFactoryFunc) CreateStub(config StubConfig) (Stub, error) {
	return f(config)
}
