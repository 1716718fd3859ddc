package service

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-gpuchannel/internal/logging"
	"github.com/joeycumines/go-gpuchannel/ioloop"
	"github.com/joeycumines/go-gpuchannel/message"
	"github.com/joeycumines/go-gpuchannel/preemption"
	"github.com/joeycumines/go-gpuchannel/route"
	"github.com/joeycumines/go-gpuchannel/scheduler"
	"github.com/joeycumines/go-gpuchannel/syncpoint"
	"github.com/joeycumines/go-gpuchannel/taskqueue"
	"github.com/joeycumines/go-gpuchannel/transport"
	"github.com/joeycumines/logiface"
)

// State is a channel's lifecycle state. It only moves forward.
type State int32

const (
	// StateConnecting is the state of a new channel, before Init.
	StateConnecting State = iota
	// StateConnected means the channel is attached to its endpoint, and
	// dispatching messages.
	StateConnected
	// StateDestroying is held for the duration of Destroy. Pending messages
	// are no longer handled.
	StateDestroying
	// StateDestroyed is terminal.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return `Connecting`
	case StateConnected:
		return `Connected`
	case StateDestroying:
		return `Destroying`
	case StateDestroyed:
		return `Destroyed`
	default:
		return `Unknown`
	}
}

type (
	// Endpoint is the transport a Channel serves. It is implemented by
	// *transport.Endpoint.
	Endpoint interface {
		transport.Sender
		AddFilter(filter transport.Filter) error
		RemoveFilter(filter transport.Filter) error
		Start() error
		Close() error
		Loop() *ioloop.Loop
	}

	// ChannelConfig models configuration for NewChannel.
	ChannelConfig struct {
		// SyncPoints issues order numbers. Required.
		SyncPoints *syncpoint.Manager

		// Main runs message handling, and every stub. Required.
		Main taskqueue.Runner

		// IO runs the preemption state machine. Required if
		// PreemptingFlag is set.
		IO preemption.Loop

		// Scheduler, if set, runs each stream's messages as a scheduler
		// sequence, instead of using a preemption queue per channel.
		Scheduler *scheduler.Scheduler

		// StubFactory creates command buffers. Without it, every
		// TypeCreateCommandBuffer request fails.
		StubFactory StubFactory

		// Logger is optional.
		Logger *logiface.Logger[logiface.Event]

		// PreemptingFlag is raised while this channel preempts others.
		PreemptingFlag *preemption.Flag

		// PreemptedFlag makes this channel yield while it is raised.
		PreemptedFlag *preemption.Flag

		// OnChannelError is called on Main, when the client goes away.
		OnChannelError func(channel *Channel)

		// WaitTime, MaxPreemptTime and StopThreshold configure the
		// preemption queue, see preemption.Config.
		WaitTime       time.Duration
		MaxPreemptTime time.Duration
		StopThreshold  time.Duration

		ClientID int32

		// Privileged channels may create high priority streams.
		Privileged bool
	}

	// Channel is the service side of a GPU channel: it owns the stubs for
	// one client, and the ordering of their messages.
	//
	// Unless documented otherwise, methods must be called on the main
	// runner. Instances must be initialized using the NewChannel factory,
	// and released using Destroy.
	Channel struct {
		syncPoints *syncpoint.Manager
		main       taskqueue.Runner
		scheduler  *scheduler.Scheduler
		queue      *preemption.Queue
		filter     *MessageFilter
		factory    StubFactory
		log        *logging.Limited
		onError    func(channel *Channel)
		// set once, by Init
		endpoint Endpoint
		state    *lifecycle

		// main runner only
		router          *route.Router
		unhandled       route.Listener
		stubs           map[int32]Stub
		stubSequences   map[int32]scheduler.SequenceID
		streamSequences map[int32]scheduler.SequenceID

		lost     atomic.Bool
		peerPID  atomic.Int32
		sequence scheduler.SequenceID

		clientID   int32
		privileged bool
	}

	lifecycle struct {
		v atomic.Int32
	}
)

// NewChannel returns a channel in StateConnecting. Init connects it.
func NewChannel(config *ChannelConfig) (*Channel, error) {
	if config == nil || config.SyncPoints == nil {
		panic(`service: nil sync point manager`)
	}
	if config.Main == nil {
		panic(`service: nil main runner`)
	}

	c := &Channel{
		syncPoints:      config.SyncPoints,
		main:            config.Main,
		scheduler:       config.Scheduler,
		factory:         config.StubFactory,
		onError:         config.OnChannelError,
		state:           new(lifecycle),
		router:          route.NewRouter(),
		stubs:           make(map[int32]Stub),
		stubSequences:   make(map[int32]scheduler.SequenceID),
		streamSequences: make(map[int32]scheduler.SequenceID),
		clientID:        config.ClientID,
		privileged:      config.Privileged,
	}
	if config.Logger != nil {
		c.log = logging.NewLimited(config.Logger, nil)
	}

	if c.scheduler == nil {
		orderData := c.syncPoints.CreateOrderData()
		opts := []preemption.Option{preemption.WithLogger(config.Logger)}
		if config.PreemptingFlag != nil {
			opts = append(opts, preemption.WithPreemptingFlag(config.PreemptingFlag))
		}
		if config.PreemptedFlag != nil {
			opts = append(opts, preemption.WithPreemptedFlag(config.PreemptedFlag))
		}
		queue, err := preemption.NewQueue(&preemption.Config{
			OrderData:      orderData,
			Main:           c.main,
			HandleMessage:  c.HandleMessageOnQueue,
			IO:             config.IO,
			WaitTime:       config.WaitTime,
			MaxPreemptTime: config.MaxPreemptTime,
			StopThreshold:  config.StopThreshold,
		}, opts...)
		if err != nil {
			orderData.Destroy()
			return nil, err
		}
		c.queue = queue
		c.sequence = scheduler.SequenceID(orderData.SequenceID())
	}

	c.filter = newMessageFilter(c, c.scheduler, c.queue, c.log)

	runtime.AddCleanup(c, func(state *lifecycle) {
		if state.load() != StateDestroyed {
			panic(`service: channel released without Destroy`)
		}
	}, c.state)

	return c, nil
}

// Init attaches the channel's filter to endpoint, and starts it. The
// channel takes ownership of endpoint. It may be called from any goroutine,
// once.
func (c *Channel) Init(endpoint Endpoint) error {
	if endpoint == nil {
		panic(`service: nil endpoint`)
	}
	if c.endpoint != nil {
		panic(`service: channel already initialized`)
	}
	if c.state.load() >= StateDestroying {
		return ErrChannelDestroyed
	}
	c.endpoint = endpoint
	if err := endpoint.AddFilter(c.filter); err != nil {
		return err
	}
	return endpoint.Start()
}

// ClientID identifies the client.
func (c *Channel) ClientID() int32 { return c.clientID }

// PeerPID returns the client's process id, or zero before it connects. It
// may be called from any goroutine.
func (c *Channel) PeerPID() int32 { return c.peerPID.Load() }

// State returns the lifecycle state. It may be called from any goroutine.
func (c *Channel) State() State { return c.state.load() }

// IsLost reports whether the client has gone away. Once true, it stays
// true. It may be called from any goroutine.
func (c *Channel) IsLost() bool { return c.lost.Load() }

// Filter returns the channel's message filter.
func (c *Channel) Filter() *MessageFilter { return c.filter }

// Send sends msg to the client. The service must never block on the
// client, so sync messages panic.
func (c *Channel) Send(msg message.Message) bool {
	if msg.IsSync() {
		panic(`service: sync message sent to client`)
	}
	if c.endpoint == nil || c.state.load() == StateDestroyed {
		return false
	}
	return c.endpoint.Send(msg)
}

// AddFilter appends filter to the channel filters, consulted on the I/O
// loop before messages are dispatched. It may be called from any goroutine.
func (c *Channel) AddFilter(filter transport.Filter) error {
	if c.endpoint == nil {
		return ErrNotInitialized
	}
	return c.endpoint.Loop().Submit(func() { c.filter.AddChannelFilter(filter) })
}

// RemoveFilter removes a filter added by AddFilter. It may be called from
// any goroutine.
func (c *Channel) RemoveFilter(filter transport.Filter) error {
	if c.endpoint == nil {
		return ErrNotInitialized
	}
	return c.endpoint.Loop().Submit(func() { c.filter.RemoveChannelFilter(filter) })
}

// SetUnhandledMessageListener receives messages no route handled.
func (c *Channel) SetUnhandledMessageListener(listener route.Listener) {
	c.unhandled = listener
}

// AddRoute registers listener for routeID, running on sequence if the
// channel uses a scheduler. It returns false if the route exists.
func (c *Channel) AddRoute(routeID int32, sequence scheduler.SequenceID, listener route.Listener) bool {
	if !c.router.AddRoute(routeID, listener) {
		return false
	}
	if c.scheduler != nil {
		c.filter.AddRoute(routeID, sequence)
	}
	return true
}

// RemoveRoute unregisters routeID.
func (c *Channel) RemoveRoute(routeID int32) {
	if c.scheduler != nil {
		c.filter.RemoveRoute(routeID)
	}
	c.router.RemoveRoute(routeID)
	delete(c.stubSequences, routeID)
}

// LookupCommandBuffer returns the stub for routeID, or nil.
func (c *Channel) LookupCommandBuffer(routeID int32) Stub {
	return c.stubs[routeID]
}

// NumCommandBuffers returns the number of live stubs.
func (c *Channel) NumCommandBuffers() int { return len(c.stubs) }

// QueueStats returns the preemption queue statistics, or false if the
// channel uses a scheduler. It may be called from any goroutine.
func (c *Channel) QueueStats() (preemption.Stats, bool) {
	if c.queue == nil {
		return preemption.Stats{}, false
	}
	return c.queue.Stats(), true
}

// OnCommandBufferScheduled resumes processing for the stub on routeID.
func (c *Channel) OnCommandBufferScheduled(routeID int32) {
	if c.scheduler != nil {
		if sequence, ok := c.stubSequences[routeID]; ok {
			c.scheduler.EnableSequence(sequence)
		}
	} else {
		c.queue.SetScheduled(true)
	}
}

// OnCommandBufferDescheduled pauses processing for the stub on routeID.
// Without a scheduler, the whole channel is paused.
func (c *Channel) OnCommandBufferDescheduled(routeID int32) {
	if c.scheduler != nil {
		if sequence, ok := c.stubSequences[routeID]; ok {
			c.scheduler.DisableSequence(sequence)
		}
	} else {
		c.queue.SetScheduled(false)
	}
}

// MarkAllContextsLost loses the context of every stub.
func (c *Channel) MarkAllContextsLost() {
	for _, stub := range c.stubs {
		stub.MarkContextLost()
	}
}

// HandleMessageOnQueue processes the preemption queue's head message. It is
// posted by the queue.
func (c *Channel) HandleMessageOnQueue() {
	if c.destroying() {
		return
	}
	e, ok := c.queue.BeginProcessing()
	if !ok {
		return
	}
	msg := e.Message
	stub := c.stubs[msg.RoutingID]

	c.handleMessageHelper(msg)

	if c.queue.IsDestroyed() {
		return
	}
	if stub != nil && (stub.HasUnprocessedCommands() || !stub.IsScheduled()) {
		c.queue.PauseProcessing()
	} else {
		c.queue.FinishProcessing()
	}
}

// HandleOutOfOrderMessage processes msg immediately, bypassing the queue.
func (c *Channel) HandleOutOfOrderMessage(msg message.Message) {
	if c.destroying() {
		return
	}
	c.handleMessageHelper(msg)
}

// scheduledTask returns the scheduler closure for msg, which runs it on
// the main runner, blocking the scheduler until it completes.
func (c *Channel) scheduledTask(msg message.Message) func() {
	return func() {
		if err := taskqueue.Await(context.Background(), c.main, func() { c.handleScheduledMessage(msg) }); err != nil {
			c.log.Build(logiface.LevelDebug, `scheduled`).
				Int(`client`, int(c.clientID)).
				Err(err).
				Log(`scheduled message dropped`)
		}
	}
}

func (c *Channel) handleScheduledMessage(msg message.Message) {
	if c.destroying() {
		return
	}
	stub := c.stubs[msg.RoutingID]

	c.handleMessageHelper(msg)

	if c.destroying() || stub == nil || (!stub.HasUnprocessedCommands() && stub.IsScheduled()) {
		return
	}
	if sequence, ok := c.stubSequences[msg.RoutingID]; ok {
		c.scheduler.ContinueTask(sequence, c.scheduledTask(msg))
	}
}

func (c *Channel) handleMessageHelper(msg message.Message) {
	var handled bool
	if msg.RoutingID == message.RoutingControl {
		handled = c.onControlMessageReceived(msg)
	} else {
		handled = c.router.RouteMessage(msg)
	}
	if !handled && c.unhandled != nil {
		handled = c.unhandled.OnMessageReceived(msg)
	}
	if handled {
		return
	}
	c.log.Warning(msg.RoutingID).
		Int(`client`, int(c.clientID)).
		Int(`route`, int(msg.RoutingID)).
		Stringer(`type`, msg.Type).
		Log(`unhandled message`)
	// the client must not hang
	if msg.IsSync() {
		c.Send(message.ReplyError(msg))
	}
}

func (c *Channel) onControlMessageReceived(msg message.Message) bool {
	switch msg.Type {
	case message.TypeCreateCommandBuffer:
		c.onCreateCommandBuffer(msg)
	case message.TypeDestroyCommandBuffer:
		c.onDestroyCommandBuffer(msg)
	default:
		return false
	}
	return true
}

func (c *Channel) onCreateCommandBuffer(msg message.Message) {
	var params message.CreateCommandBufferParams
	err := params.UnmarshalBinary(msg.Payload)
	if err == nil {
		err = c.createCommandBuffer(params)
	}
	if err != nil {
		c.log.Warning(`create-command-buffer`).
			Int(`client`, int(c.clientID)).
			Int(`route`, int(params.RouteID)).
			Err(err).
			Log(`create command buffer failed`)
	}
	c.reply(msg, err == nil)
}

func (c *Channel) createCommandBuffer(params message.CreateCommandBufferParams) error {
	if c.factory == nil {
		return ErrNoStubFactory
	}

	var shareGroup Stub
	if params.ShareGroupID != message.RoutingNone {
		shareGroup = c.stubs[params.ShareGroupID]
		if shareGroup == nil {
			return ErrInvalidShareGroup
		}
		if params.StreamID != shareGroup.StreamID() {
			return ErrStreamMismatch
		}
	}

	priority := scheduler.Priority(params.StreamPriority)
	if priority < scheduler.PriorityHigh || priority > scheduler.PriorityLow {
		return ErrInvalidPriority
	}
	if priority == scheduler.PriorityHigh && !c.privileged {
		return ErrPriorityNotAllowed
	}

	if shareGroup != nil && shareGroup.IsContextLost() {
		return ErrSharedContextLost
	}

	if _, ok := c.stubs[params.RouteID]; ok {
		return ErrRouteExists
	}

	sequence := c.sequence
	if c.scheduler != nil {
		var ok bool
		if sequence, ok = c.streamSequences[params.StreamID]; !ok {
			sequence = c.scheduler.CreateSequence(priority)
			c.streamSequences[params.StreamID] = sequence
		}
	}

	stub, err := c.factory.CreateStub(StubConfig{
		Channel:    c,
		ShareGroup: shareGroup,
		Params:     params,
		Sequence:   sequence,
	})
	if err != nil {
		return fmt.Errorf(`service: create stub: %w`, err)
	}

	if !c.AddRoute(params.RouteID, sequence, stub) {
		stub.Destroy()
		return ErrRouteExists
	}
	c.stubs[params.RouteID] = stub
	c.stubSequences[params.RouteID] = sequence

	return nil
}

func (c *Channel) onDestroyCommandBuffer(msg message.Message) {
	routeID, err := message.RouteID(msg.Payload)
	if err != nil {
		c.log.Warning(`destroy-command-buffer`).
			Int(`client`, int(c.clientID)).
			Err(err).
			Log(`invalid destroy command buffer message`)
		c.reply(msg, false)
		return
	}

	stub := c.stubs[routeID]
	delete(c.stubs, routeID)

	// a blocked client may be waiting on this stub, which will never run to
	// reschedule itself
	if stub != nil && !stub.IsScheduled() {
		c.OnCommandBufferScheduled(routeID)
	}

	c.RemoveRoute(routeID)
	if stub != nil {
		stub.Destroy()
	}
	c.reply(msg, true)
}

func (c *Channel) reply(msg message.Message, ok bool) {
	if !msg.IsSync() {
		return
	}
	if ok {
		c.Send(message.GenerateReply(msg))
	} else {
		c.Send(message.ReplyError(msg))
	}
}

// Destroy tears the channel down: the filter first, so no further message
// is dispatched, then the stubs, then the scheduler sequences or the
// preemption queue, and finally the endpoint. Subsequent calls are no-ops.
//
// Every channel must be destroyed before it is released.
func (c *Channel) Destroy() {
	if !c.state.transition(StateConnecting, StateDestroying) &&
		!c.state.transition(StateConnected, StateDestroying) {
		return
	}

	c.filter.Destroy()
	if c.endpoint != nil {
		_ = c.endpoint.RemoveFilter(c.filter)
	}

	for routeID, stub := range c.stubs {
		c.router.RemoveRoute(routeID)
		stub.Destroy()
	}
	clear(c.stubs)
	clear(c.stubSequences)

	if c.scheduler != nil {
		for _, sequence := range c.streamSequences {
			c.scheduler.DestroySequence(sequence)
		}
		clear(c.streamSequences)
	} else {
		c.queue.Destroy()
	}

	if c.endpoint != nil {
		_ = c.endpoint.Close()
	}

	c.state.store(StateDestroyed)

	c.log.Logger().Debug().
		Int(`client`, int(c.clientID)).
		Log(`channel destroyed`)
}

func (c *Channel) destroying() bool {
	return c.state.load() >= StateDestroying
}

func (c *Channel) postMain(fn func()) {
	if err := c.main.PostTask(fn); err != nil {
		c.log.Build(logiface.LevelDebug, `post`).
			Int(`client`, int(c.clientID)).
			Err(err).
			Log(`main runner rejected task`)
	}
}

func (c *Channel) onChannelConnected(peerPID int32) {
	c.peerPID.Store(peerPID)
	if c.state.transition(StateConnecting, StateConnected) {
		c.log.Logger().Debug().
			Int(`client`, int(c.clientID)).
			Int(`peer_pid`, int(peerPID)).
			Log(`channel connected`)
	}
}

func (c *Channel) onChannelError() {
	if c.destroying() {
		return
	}
	c.log.Logger().Debug().
		Int(`client`, int(c.clientID)).
		Log(`channel error`)
	if c.onError != nil {
		c.onError(c)
	}
}

func (x *lifecycle) load() State { return State(x.v.Load()) }

func (x *lifecycle) store(s State) { x.v.Store(int32(s)) }

func (x *lifecycle) transition(from, to State) bool {
	return x.v.CompareAndSwap(int32(from), int32(to))
}
