package service

import (
	"slices"
	"sync"

	"github.com/joeycumines/go-gpuchannel/internal/logging"
	"github.com/joeycumines/go-gpuchannel/message"
	"github.com/joeycumines/go-gpuchannel/preemption"
	"github.com/joeycumines/go-gpuchannel/scheduler"
	"github.com/joeycumines/go-gpuchannel/syncpoint"
	"github.com/joeycumines/go-gpuchannel/transport"
	"github.com/joeycumines/logiface"
)

// MessageFilter is the first filter on a channel's endpoint. It answers
// Nop locally, passes every message through the channel filters, then
// dispatches it to the main runner, the scheduler, or the preemption queue.
//
// Methods other than AddRoute, RemoveRoute and Destroy must be called on
// the endpoint's I/O loop.
type MessageFilter struct {
	queue     *preemption.Queue
	scheduler *scheduler.Scheduler
	log       *logging.Limited

	// I/O loop only
	sender  transport.Sender
	filters []transport.Filter
	peerPID int32

	mu             sync.Mutex
	channel        *Channel
	routeSequences map[int32]scheduler.SequenceID
}

var (
	_ transport.Filter                = (*MessageFilter)(nil)
	_ transport.FilterAddedObserver   = (*MessageFilter)(nil)
	_ transport.FilterRemovedObserver = (*MessageFilter)(nil)
	_ transport.ConnectObserver       = (*MessageFilter)(nil)
	_ transport.ErrorObserver         = (*MessageFilter)(nil)
	_ transport.ClosingObserver       = (*MessageFilter)(nil)
)

func newMessageFilter(channel *Channel, sched *scheduler.Scheduler, queue *preemption.Queue, log *logging.Limited) *MessageFilter {
	return &MessageFilter{
		queue:          queue,
		scheduler:      sched,
		log:            log,
		channel:        channel,
		routeSequences: make(map[int32]scheduler.SequenceID),
	}
}

// AddRoute maps routeID to the scheduler sequence its messages run on.
func (x *MessageFilter) AddRoute(routeID int32, sequence scheduler.SequenceID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.routeSequences[routeID] = sequence
}

// RemoveRoute unmaps routeID.
func (x *MessageFilter) RemoveRoute(routeID int32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.routeSequences, routeID)
}

// Destroy detaches the filter from its channel. Messages received after it
// returns are rejected, as if for a destroyed channel.
func (x *MessageFilter) Destroy() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.channel = nil
	clear(x.routeSequences)
}

// AddChannelFilter appends filter to the chain consulted before dispatch,
// replaying the lifecycle events it missed.
func (x *MessageFilter) AddChannelFilter(filter transport.Filter) {
	if filter == nil {
		panic(`service: nil filter`)
	}
	x.filters = append(x.filters, filter)
	if o, ok := filter.(transport.FilterAddedObserver); ok && x.sender != nil {
		o.OnFilterAdded(x.sender)
	}
	if o, ok := filter.(transport.ConnectObserver); ok && x.peerPID != 0 {
		o.OnChannelConnected(x.peerPID)
	}
}

// RemoveChannelFilter removes filter from the chain, if present.
func (x *MessageFilter) RemoveChannelFilter(filter transport.Filter) {
	i := slices.Index(x.filters, filter)
	if i < 0 {
		return
	}
	x.filters = slices.Delete(x.filters, i, i+1)
	if o, ok := filter.(transport.FilterRemovedObserver); ok && x.sender != nil {
		o.OnFilterRemoved()
	}
}

func (x *MessageFilter) OnFilterAdded(sender transport.Sender) {
	x.sender = sender
	for _, f := range x.filters {
		if o, ok := f.(transport.FilterAddedObserver); ok {
			o.OnFilterAdded(sender)
		}
	}
}

func (x *MessageFilter) OnFilterRemoved() {
	for _, f := range x.filters {
		if o, ok := f.(transport.FilterRemovedObserver); ok {
			o.OnFilterRemoved()
		}
	}
	x.sender = nil
	x.peerPID = 0
}

func (x *MessageFilter) OnChannelConnected(peerPID int32) {
	x.peerPID = peerPID
	for _, f := range x.filters {
		if o, ok := f.(transport.ConnectObserver); ok {
			o.OnChannelConnected(peerPID)
		}
	}
	if c := x.getChannel(); c != nil {
		c.postMain(func() { c.onChannelConnected(peerPID) })
	}
}

func (x *MessageFilter) OnChannelError() {
	for _, f := range x.filters {
		if o, ok := f.(transport.ErrorObserver); ok {
			o.OnChannelError()
		}
	}
	if c := x.getChannel(); c != nil {
		c.lost.Store(true)
		c.postMain(c.onChannelError)
	}
}

func (x *MessageFilter) OnChannelClosing() {
	for _, f := range x.filters {
		if o, ok := f.(transport.ClosingObserver); ok {
			o.OnChannelClosing()
		}
	}
}

// OnMessageReceived consumes every message.
func (x *MessageFilter) OnMessageReceived(msg message.Message) bool {
	class := Classify(msg)

	switch class {
	case ClassUnblockOrReply:
		return x.messageErrorHandler(msg, `unexpected message type`)
	case ClassLocal:
		if msg.IsSync() {
			x.send(message.GenerateReply(msg))
		}
		return true
	}

	for _, f := range x.filters {
		if f.OnMessageReceived(msg) {
			return true
		}
	}

	// the targets below reject work once destroyed, so the lock need not
	// be held while dispatching
	x.mu.Lock()
	c := x.channel
	sequence, routed := x.routeSequences[msg.RoutingID]
	x.mu.Unlock()

	if c == nil {
		return x.messageErrorHandler(msg, `channel destroyed`)
	}

	switch {
	case class == ClassOutOfOrder:
		// may never run, if the channel is destroyed first, in which case a
		// sync sender fails when the endpoint closes
		c.postMain(func() { c.HandleOutOfOrderMessage(msg) })

	case x.scheduler != nil:
		if !routed {
			return x.messageErrorHandler(msg, `invalid route`)
		}
		var fences []syncpoint.SyncToken
		if msg.Type == message.TypeAsyncFlush {
			var params message.AsyncFlush
			if err := params.UnmarshalBinary(msg.Payload); err != nil {
				return x.messageErrorHandler(msg, `invalid flush message`)
			}
			for _, token := range params.SyncTokens {
				fences = append(fences, syncpoint.SyncToken(token))
			}
		}
		if err := x.scheduler.ScheduleTask(scheduler.Task{
			Sequence: sequence,
			Closure:  c.scheduledTask(msg),
			Fences:   fences,
		}); err != nil {
			return x.messageErrorHandler(msg, `invalid route`)
		}

	default:
		x.queue.PushBack(msg)
	}

	return true
}

// messageErrorHandler drops msg, replying with an error if the sender is
// blocked on it.
func (x *MessageFilter) messageErrorHandler(msg message.Message, reason string) bool {
	x.log.Build(logiface.LevelError, reason).
		Str(`reason`, reason).
		Int(`route`, int(msg.RoutingID)).
		Stringer(`type`, msg.Type).
		Log(`message error`)
	if msg.IsSync() {
		x.send(message.ReplyError(msg))
	}
	return true
}

func (x *MessageFilter) send(msg message.Message) {
	if x.sender != nil {
		x.sender.Send(msg)
	}
}

func (x *MessageFilter) getChannel() *Channel {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.channel
}
