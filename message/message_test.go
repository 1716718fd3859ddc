package message

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFrame_roundTrip(t *testing.T) {
	for _, tc := range [...]struct {
		Name string
		Msg  Message
	}{
		{`empty payload`, Message{RoutingID: 7, Type: TypeNop, Flags: FlagSync, RequestID: 99}},
		{`control route`, Message{RoutingID: RoutingControl, Type: TypeCreateCommandBuffer, Payload: []byte{1, 2, 3}}},
		{`negative route`, Message{RoutingID: RoutingNone, Type: TypeUser + 5, Payload: []byte(`abc`)}},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			b := AppendFrame([]byte{0xff}, tc.Msg)
			msg, n, err := ReadFrame(b[1:])
			require.NoError(t, err)
			assert.Equal(t, len(b)-1, n)
			assert.Equal(t, tc.Msg, msg)
		})
	}
}

func TestReadFrame_multiple(t *testing.T) {
	var b []byte
	b = AppendFrame(b, New(1, TypeUser, []byte(`one`)))
	b = AppendFrame(b, New(2, TypeUser, []byte(`two`)))
	var routes []int32
	for len(b) != 0 {
		msg, n, err := ReadFrame(b)
		require.NoError(t, err)
		routes = append(routes, msg.RoutingID)
		b = b[n:]
	}
	assert.Equal(t, []int32{1, 2}, routes)
}

func TestReadFrame_errors(t *testing.T) {
	_, _, err := ReadFrame(make([]byte, FrameHeaderSize-1))
	assert.ErrorIs(t, err, ErrShortFrame)

	b := AppendFrame(nil, New(1, TypeUser, []byte(`payload`)))
	_, _, err = ReadFrame(b[:len(b)-1])
	assert.ErrorIs(t, err, ErrShortFrame)

	b[3] = 0xff
	_, _, err = ReadFrame(b)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestAsyncFlush_binary(t *testing.T) {
	in := AsyncFlush{
		PutOffset:   200,
		FlushCount:  2,
		LatencyTags: []LatencyTag{{Component: 1, Sequence: 2, Timestamp: 3}, {Component: 4, Sequence: -5, Timestamp: 6}},
		SyncTokens:  []uint64{10, 11},
	}
	var out AsyncFlush
	require.NoError(t, out.UnmarshalBinary(Must(in.MarshalBinary())))
	assert.Equal(t, in, out)

	assert.ErrorIs(t, out.UnmarshalBinary([]byte{1, 2, 3}), ErrShortPayload)
	b := Must(in.MarshalBinary())
	assert.ErrorIs(t, out.UnmarshalBinary(b[:len(b)-1]), ErrShortPayload)
	assert.Equal(t, in, out)
}

func TestAsyncFlush_UnmarshalBinary_hugeCounts(t *testing.T) {
	header := func(numTags, numTokens uint32, trailing int) []byte {
		b := binary.LittleEndian.AppendUint32(nil, 1)
		b = binary.LittleEndian.AppendUint32(b, 1)
		b = binary.LittleEndian.AppendUint32(b, numTags)
		b = binary.LittleEndian.AppendUint32(b, numTokens)
		return append(b, make([]byte, trailing)...)
	}
	for _, tc := range [...]struct {
		name string
		b    []byte
	}{
		// each count times its size wraps a 32-bit int to the trailing length
		{`tags`, header(0x0CCCCCCD, 0, 4)},
		{`tokens`, header(0, 0x20000001, 8)},
		{`max`, header(math.MaxUint32, math.MaxUint32, 0)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var out AsyncFlush
			assert.ErrorIs(t, out.UnmarshalBinary(tc.b), ErrShortPayload)
			assert.Zero(t, out)
		})
	}
}

func TestCreateCommandBufferParams_binary(t *testing.T) {
	in := CreateCommandBufferParams{ShareGroupID: -2, StreamID: 3, StreamPriority: 1, RouteID: 42}
	var out CreateCommandBufferParams
	require.NoError(t, out.UnmarshalBinary(Must(in.MarshalBinary())))
	assert.Equal(t, in, out)
}

func TestGenerateReply(t *testing.T) {
	msg := NewSync(3, TypeNop, nil)
	msg.RequestID = 12
	reply := GenerateReply(msg)
	assert.True(t, reply.IsReply())
	assert.False(t, reply.IsSync())
	assert.False(t, reply.IsReplyError())
	assert.Equal(t, uint64(12), reply.RequestID)
	assert.Equal(t, int32(3), reply.RoutingID)

	reply = ReplyError(msg)
	assert.True(t, reply.IsReply())
	assert.True(t, reply.IsReplyError())

	assert.Panics(t, func() { GenerateReply(New(1, TypeNop, nil)) })
}

func TestType_String(t *testing.T) {
	assert.Equal(t, `Nop`, TypeNop.String())
	assert.Equal(t, `User`, (TypeUser + 1).String())
	assert.Equal(t, `Unknown`, Type(500).String())
}
