package message

import (
	"math"
)

type (
	// Type identifies the kind of a Message. Values below TypeUser are
	// reserved for the channel itself, everything else is an opaque payload
	// type owned by a collaborator.
	Type uint32

	// Flags are the per-message delivery flags.
	Flags uint8

	// Message is an addressed unit of IPC. Payload is opaque to this module,
	// except for the handful of well-known control types.
	Message struct {
		Payload []byte
		// RequestID correlates a sync message with its reply. It is zero for
		// async messages.
		RequestID uint64
		RoutingID int32
		Type      Type
		Flags     Flags
	}
)

const (
	// RoutingControl addresses the channel itself, rather than a route.
	RoutingControl int32 = math.MaxInt32

	// RoutingNone is the "no route" value, e.g. for a stream that never
	// buffered an update.
	RoutingNone int32 = -2
)

const (
	TypeInvalid Type = iota
	// TypeNop is the ordering round trip. The receiving filter replies to it
	// directly, without queueing.
	TypeNop
	// TypeAsyncFlush carries a put offset update for a command buffer.
	TypeAsyncFlush
	// TypeWaitForTokenInRange is a blocking wait, handled out of order.
	TypeWaitForTokenInRange
	// TypeWaitForGetOffsetInRange is a blocking wait, handled out of order.
	TypeWaitForGetOffsetInRange
	// TypeCreateCommandBuffer is a control message registering a new route.
	TypeCreateCommandBuffer
	// TypeDestroyCommandBuffer is a control message removing a route.
	TypeDestroyCommandBuffer

	// TypeUser is the first type available to collaborators.
	TypeUser Type = 1024
)

const (
	FlagSync Flags = 1 << iota
	FlagReply
	FlagUnblock
	FlagReplyError
)

var typeNames = map[Type]string{
	TypeInvalid:                 `Invalid`,
	TypeNop:                     `Nop`,
	TypeAsyncFlush:              `AsyncFlush`,
	TypeWaitForTokenInRange:     `WaitForTokenInRange`,
	TypeWaitForGetOffsetInRange: `WaitForGetOffsetInRange`,
	TypeCreateCommandBuffer:     `CreateCommandBuffer`,
	TypeDestroyCommandBuffer:    `DestroyCommandBuffer`,
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	if t >= TypeUser {
		return `User`
	}
	return `Unknown`
}

// New returns an async message.
func New(routingID int32, typ Type, payload []byte) Message {
	return Message{RoutingID: routingID, Type: typ, Payload: payload}
}

// NewSync returns a sync message. The transport assigns RequestID.
func NewSync(routingID int32, typ Type, payload []byte) Message {
	return Message{RoutingID: routingID, Type: typ, Payload: payload, Flags: FlagSync}
}

func (x Message) IsSync() bool { return x.Flags&FlagSync != 0 }

func (x Message) IsReply() bool { return x.Flags&FlagReply != 0 }

// ShouldUnblock reports whether the sender expects the receiver to
// unblock it, which is never valid for messages arriving at the service.
func (x Message) ShouldUnblock() bool { return x.Flags&FlagUnblock != 0 }

func (x Message) IsReplyError() bool { return x.Flags&FlagReplyError != 0 }

// GenerateReply builds an empty reply to a sync message.
func GenerateReply(msg Message) Message {
	if !msg.IsSync() {
		panic(`message: reply to async message`)
	}
	return Message{
		RoutingID: msg.RoutingID,
		Type:      msg.Type,
		RequestID: msg.RequestID,
		Flags:     FlagReply,
	}
}

// ReplyError builds a reply to a sync message, flagged as failed.
func ReplyError(msg Message) Message {
	reply := GenerateReply(msg)
	reply.Flags |= FlagReplyError
	return reply
}
