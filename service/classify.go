package service

import (
	"github.com/joeycumines/go-gpuchannel/message"
)

// Classification is how the filter disposes of an inbound message.
type Classification int

const (
	// ClassScheduled messages are processed in order, via the channel's
	// preemption queue, or its stream's scheduler sequence.
	ClassScheduled Classification = iota
	// ClassLocal messages are answered on the I/O loop, e.g. Nop.
	ClassLocal
	// ClassOutOfOrder messages skip the queue, and are posted straight to
	// the main runner: control messages, and the blocking waits.
	ClassOutOfOrder
	// ClassUnblockOrReply messages are never valid at the service.
	ClassUnblockOrReply
)

func (c Classification) String() string {
	switch c {
	case ClassScheduled:
		return `Scheduled`
	case ClassLocal:
		return `Local`
	case ClassOutOfOrder:
		return `OutOfOrder`
	case ClassUnblockOrReply:
		return `UnblockOrReply`
	default:
		return `Unknown`
	}
}

// Classify returns the classification of msg. Payload types the channel
// knows nothing about are ClassScheduled.
func Classify(msg message.Message) Classification {
	switch {
	case msg.ShouldUnblock() || msg.IsReply():
		return ClassUnblockOrReply
	case msg.Type == message.TypeNop:
		return ClassLocal
	case msg.RoutingID == message.RoutingControl,
		msg.Type == message.TypeWaitForTokenInRange,
		msg.Type == message.TypeWaitForGetOffsetInRange:
		return ClassOutOfOrder
	default:
		return ClassScheduled
	}
}
