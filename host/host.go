package host

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-gpuchannel/idgen"
	"github.com/joeycumines/go-gpuchannel/internal/logging"
	"github.com/joeycumines/go-gpuchannel/ioloop"
	"github.com/joeycumines/go-gpuchannel/message"
	"github.com/joeycumines/go-gpuchannel/route"
	"github.com/joeycumines/go-gpuchannel/taskqueue"
	"github.com/joeycumines/go-gpuchannel/transport"
	"github.com/joeycumines/logiface"
)

var (
	// ErrDestroyed is returned by operations on a destroyed host.
	ErrDestroyed = errors.New(`host: destroyed`)

	// ErrChannelLost indicates the peer has gone away.
	ErrChannelLost = errors.New(`host: channel lost`)
)

type (
	// Endpoint is the transport a Host multiplexes. It is implemented by
	// *transport.Endpoint.
	Endpoint interface {
		transport.Sender
		SendSync(ctx context.Context, msg message.Message) (message.Message, error)
		AddFilter(filter transport.Filter) error
		RemoveFilter(filter transport.Filter) error
		Start() error
		Close() error
		Loop() *ioloop.Loop
		PeerPID() int32
	}

	// Config models configuration for New.
	Config struct {
		// Endpoint is required. The host takes ownership of it.
		Endpoint Endpoint

		// MainQueue is the default task queue for AddRoute.
		// **Defaults to a taskqueue.Serial owned by the host, if nil.**
		MainQueue taskqueue.Runner

		// IDs are the process-wide id generators.
		// **Defaults to a new set, if nil.**
		IDs *idgen.Generators

		// Logger is optional.
		Logger *logiface.Logger[logiface.Event]

		// ValidateTimeout bounds each ValidateReachedServer round trip.
		// **Defaults to no timeout, if 0.**
		ValidateTimeout time.Duration
	}

	// Handle identifies a shared memory region, e.g. a transfer buffer.
	Handle struct {
		ID   uint64
		Size uint64
		// OwnerPID is the process the handle is valid in.
		OwnerPID int32
	}

	// Host is the client side of a GPU channel: it multiplexes many
	// logical routes over one endpoint, and tracks per-stream flush
	// ordering. All methods are safe for concurrent use.
	//
	// Instances must be initialized using the New factory, and released
	// using Destroy.
	Host struct {
		endpoint        Endpoint
		table           *route.Table
		mainQueue       taskqueue.Runner
		ownQueue        *taskqueue.Serial
		ids             *idgen.Generators
		log             *logging.Limited
		streams         map[int32]*StreamFlushInfo
		validateTimeout time.Duration
		streamMu        sync.Mutex
		destroyOnce     sync.Once
		destroyed       atomic.Bool
	}
)

// New connects a host to its endpoint, starting it.
func New(config *Config) (*Host, error) {
	if config == nil || config.Endpoint == nil {
		panic(`host: nil endpoint`)
	}
	x := Host{
		endpoint:        config.Endpoint,
		mainQueue:       config.MainQueue,
		ids:             config.IDs,
		streams:         make(map[int32]*StreamFlushInfo),
		validateTimeout: config.ValidateTimeout,
	}
	if config.Logger != nil {
		x.log = logging.NewLimited(config.Logger, nil)
	}
	if x.ids == nil {
		x.ids = idgen.NewGenerators()
	}
	if x.mainQueue == nil {
		x.ownQueue = taskqueue.NewSerial(&taskqueue.SerialConfig{
			Logger: config.Logger,
			Name:   `host-main`,
		})
		x.mainQueue = x.ownQueue
	}
	x.table = route.NewTable(&route.TableConfig{
		Loop:   x.endpoint.Loop(),
		Logger: config.Logger,
	})
	if err := x.endpoint.AddFilter(x.table); err != nil {
		x.closeOwnQueue()
		return nil, err
	}
	if err := x.endpoint.Start(); err != nil {
		x.closeOwnQueue()
		return nil, err
	}
	return &x, nil
}

// Send hands msg to the transport, returning false if the host has been
// destroyed, or the transport failed. Sync messages block for their reply,
// and also fail if the peer replied with an error.
func (x *Host) Send(msg message.Message) bool {
	if x.destroyed.Load() {
		x.log.Warning(`destroyed`).
			Int(`route`, int(msg.RoutingID)).
			Stringer(`type`, msg.Type).
			Log(`send on destroyed channel`)
		return false
	}
	msg.Flags &^= message.FlagUnblock
	if msg.IsSync() {
		_, err := x.endpoint.SendSync(context.Background(), msg)
		return err == nil
	}
	return x.endpoint.Send(msg)
}

// AddRoute registers listener for routeID, delivering on the main queue.
func (x *Host) AddRoute(routeID int32, listener *route.WeakListener) {
	x.AddRouteOnQueue(routeID, listener, x.mainQueue)
}

// AddRouteOnQueue registers listener for routeID, delivering on queue. The
// registration is applied on the I/O loop, before this method returns. It
// panics if the route is already registered, or queue is nil.
func (x *Host) AddRouteOnQueue(routeID int32, listener *route.WeakListener, queue taskqueue.Runner) {
	if queue == nil {
		panic(`host: nil task queue`)
	}
	var p any
	err := x.endpoint.Loop().Await(context.Background(), func() {
		defer func() { p = recover() }()
		x.table.AddRoute(routeID, listener, queue)
	})
	if p != nil {
		panic(p)
	}
	if err != nil {
		x.log.Build(logiface.LevelDebug, `add-route`).
			Int(`route`, int(routeID)).
			Err(err).
			Log(`route not added, loop stopped`)
	}
}

// RemoveRoute unregisters routeID. No delivery for the route will start
// after it returns, though one already running on another queue may still
// complete. Removing an absent route is a no-op.
func (x *Host) RemoveRoute(routeID int32) {
	_ = x.endpoint.Loop().Await(context.Background(), func() {
		x.table.RemoveRoute(routeID)
	})
}

// IsLost reports whether the channel has errored. Once true, it stays true.
func (x *Host) IsLost() bool {
	return x.table.IsLost()
}

// IsDestroyed reports whether Destroy has been called.
func (x *Host) IsDestroyed() bool {
	return x.destroyed.Load()
}

// Destroy tears down the host. Once it returns, no listener will be invoked
// again, even if a delivery was already queued. It may be called from within
// a delivery. Subsequent calls are no-ops.
func (x *Host) Destroy() {
	x.destroyOnce.Do(func() {
		x.destroyed.Store(true)

		ctx := context.Background()
		loop := x.endpoint.Loop()
		_ = x.endpoint.RemoveFilter(x.table)
		_ = loop.Await(ctx, x.table.Clear)
		x.table.Close()

		_ = x.endpoint.Close()
		x.closeOwnQueue()

		x.log.Logger().Debug().
			Int(`peer_pid`, int(x.endpoint.PeerPID())).
			Log(`channel host destroyed`)
	})
}

func (x *Host) closeOwnQueue() {
	if x.ownQueue != nil {
		_ = x.ownQueue.Close()
	}
}

// ReserveTransferBufferID allocates a transfer buffer id.
func (x *Host) ReserveTransferBufferID() int32 { return x.ids.TransferBuffer.Next() }

// ReserveImageID allocates an image id.
func (x *Host) ReserveImageID() int32 { return x.ids.Image.Next() }

// GenerateRouteID allocates a route id.
func (x *Host) GenerateRouteID() int32 { return x.ids.Route.Next() }

// GenerateStreamID allocates a stream id, never idgen.StreamInvalid or
// idgen.StreamDefault.
func (x *Host) GenerateStreamID() int32 { return x.ids.NextStream() }

// ShareToPeer returns a handle to the same region, valid in the peer
// process. It fails if the channel is lost or destroyed.
func (x *Host) ShareToPeer(handle Handle) (Handle, error) {
	if x.destroyed.Load() {
		return Handle{}, ErrDestroyed
	}
	if x.IsLost() {
		return Handle{}, ErrChannelLost
	}
	handle.OwnerPID = x.endpoint.PeerPID()
	return handle, nil
}

// CreateCommandBuffer asks the peer to create the command buffer described
// by params, and blocks for the result.
func (x *Host) CreateCommandBuffer(params message.CreateCommandBufferParams) bool {
	payload := message.Must(params.MarshalBinary())
	return x.Send(message.NewSync(message.RoutingControl, message.TypeCreateCommandBuffer, payload))
}

// DestroyCommandBuffer removes the local route, and asks the peer to destroy
// the command buffer, blocking for the result.
func (x *Host) DestroyCommandBuffer(routeID int32) bool {
	x.RemoveRoute(routeID)
	payload := message.AppendRouteID(nil, routeID)
	return x.Send(message.NewSync(message.RoutingControl, message.TypeDestroyCommandBuffer, payload))
}
