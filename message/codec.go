package message

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame header layout (24 bytes, little-endian):
// uint32 length    // payload length in bytes (excludes the header)
// int32  routingID
// uint32 type
// uint8  flags
// uint8  reserved
// uint16 reserved2
// uint64 requestID
const FrameHeaderSize = 24

// MaxPayloadSize bounds a single frame's payload.
const MaxPayloadSize = 1 << 24

var (
	ErrShortFrame    = errors.New(`message: frame too short`)
	ErrFrameTooLarge = errors.New(`message: frame too large`)
	ErrShortPayload  = errors.New(`message: payload too short`)
)

// AppendFrame encodes msg as a frame, appended to dst.
func AppendFrame(dst []byte, msg Message) []byte {
	if len(msg.Payload) > MaxPayloadSize {
		panic(`message: payload exceeds MaxPayloadSize`)
	}
	var hdr [FrameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(msg.Payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(msg.RoutingID))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(msg.Type))
	hdr[12] = byte(msg.Flags)
	binary.LittleEndian.PutUint64(hdr[16:24], msg.RequestID)
	dst = append(dst, hdr[:]...)
	return append(dst, msg.Payload...)
}

// ReadFrame decodes one frame from the start of b, returning the message and
// the number of bytes consumed. The returned payload aliases b.
func ReadFrame(b []byte) (Message, int, error) {
	if len(b) < FrameHeaderSize {
		return Message{}, 0, ErrShortFrame
	}
	length := binary.LittleEndian.Uint32(b[0:4])
	if length > MaxPayloadSize {
		return Message{}, 0, fmt.Errorf(`%w: %d bytes`, ErrFrameTooLarge, length)
	}
	end := FrameHeaderSize + int(length)
	if len(b) < end {
		return Message{}, 0, ErrShortFrame
	}
	msg := Message{
		RoutingID: int32(binary.LittleEndian.Uint32(b[4:8])),
		Type:      Type(binary.LittleEndian.Uint32(b[8:12])),
		Flags:     Flags(b[12]),
		RequestID: binary.LittleEndian.Uint64(b[16:24]),
	}
	if length != 0 {
		msg.Payload = b[FrameHeaderSize:end:end]
	}
	return msg, end, nil
}

type (
	// LatencyTag is an opaque side-channel annotation, accumulated across
	// coalesced flushes.
	LatencyTag struct {
		Component uint32
		Sequence  int64
		Timestamp int64
	}

	// AsyncFlush is the payload of TypeAsyncFlush.
	AsyncFlush struct {
		LatencyTags []LatencyTag
		// SyncTokens are fences the receiver must wait on before running
		// the flush.
		SyncTokens []uint64
		PutOffset  int32
		FlushCount uint32
	}

	// CreateCommandBufferParams is the payload of TypeCreateCommandBuffer.
	CreateCommandBufferParams struct {
		ShareGroupID   int32
		StreamID       int32
		StreamPriority int32
		RouteID        int32
	}
)

const latencyTagSize = 20

// MarshalBinary implements encoding.BinaryMarshaler.
func (x AsyncFlush) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 16+len(x.LatencyTags)*latencyTagSize+len(x.SyncTokens)*8)
	b = binary.LittleEndian.AppendUint32(b, uint32(x.PutOffset))
	b = binary.LittleEndian.AppendUint32(b, x.FlushCount)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(x.LatencyTags)))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(x.SyncTokens)))
	for _, tag := range x.LatencyTags {
		b = binary.LittleEndian.AppendUint32(b, tag.Component)
		b = binary.LittleEndian.AppendUint64(b, uint64(tag.Sequence))
		b = binary.LittleEndian.AppendUint64(b, uint64(tag.Timestamp))
	}
	for _, token := range x.SyncTokens {
		b = binary.LittleEndian.AppendUint64(b, token)
	}
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (x *AsyncFlush) UnmarshalBinary(b []byte) error {
	if len(b) < 16 {
		return ErrShortPayload
	}
	putOffset := int32(binary.LittleEndian.Uint32(b[0:4]))
	flushCount := binary.LittleEndian.Uint32(b[4:8])
	numTags := binary.LittleEndian.Uint32(b[8:12])
	numTokens := binary.LittleEndian.Uint32(b[12:16])
	b = b[16:]
	// bounded before multiplying, so the sizes cannot overflow
	if uint64(numTags) > uint64(len(b)/latencyTagSize) {
		return ErrShortPayload
	}
	rest := len(b) - int(numTags)*latencyTagSize
	if uint64(numTokens) > uint64(rest/8) || rest != int(numTokens)*8 {
		return ErrShortPayload
	}
	var tags []LatencyTag
	if numTags != 0 {
		tags = make([]LatencyTag, numTags)
		for i := range tags {
			tags[i] = LatencyTag{
				Component: binary.LittleEndian.Uint32(b[0:4]),
				Sequence:  int64(binary.LittleEndian.Uint64(b[4:12])),
				Timestamp: int64(binary.LittleEndian.Uint64(b[12:20])),
			}
			b = b[latencyTagSize:]
		}
	}
	var tokens []uint64
	if numTokens != 0 {
		tokens = make([]uint64, numTokens)
		for i := range tokens {
			tokens[i] = binary.LittleEndian.Uint64(b[i*8:])
		}
	}
	*x = AsyncFlush{
		PutOffset:   putOffset,
		FlushCount:  flushCount,
		LatencyTags: tags,
		SyncTokens:  tokens,
	}
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (x CreateCommandBufferParams) MarshalBinary() ([]byte, error) {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:4], uint32(x.ShareGroupID))
	binary.LittleEndian.PutUint32(b[4:8], uint32(x.StreamID))
	binary.LittleEndian.PutUint32(b[8:12], uint32(x.StreamPriority))
	binary.LittleEndian.PutUint32(b[12:16], uint32(x.RouteID))
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (x *CreateCommandBufferParams) UnmarshalBinary(b []byte) error {
	if len(b) != 16 {
		return ErrShortPayload
	}
	*x = CreateCommandBufferParams{
		ShareGroupID:   int32(binary.LittleEndian.Uint32(b[0:4])),
		StreamID:       int32(binary.LittleEndian.Uint32(b[4:8])),
		StreamPriority: int32(binary.LittleEndian.Uint32(b[8:12])),
		RouteID:        int32(binary.LittleEndian.Uint32(b[12:16])),
	}
	return nil
}

// RouteID decodes the payload of TypeDestroyCommandBuffer.
func RouteID(b []byte) (int32, error) {
	if len(b) != 4 {
		return 0, ErrShortPayload
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// AppendRouteID encodes the payload of TypeDestroyCommandBuffer.
func AppendRouteID(dst []byte, routeID int32) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(routeID))
}

// Must is a helper for marshalers that cannot fail.
func Must(b []byte, err error) []byte {
	if err != nil {
		panic(err)
	}
	return b
}
