package host

import (
	"context"

	"github.com/joeycumines/go-gpuchannel/message"
)

type (
	// Barrier describes one ordering barrier, recorded against a stream.
	Barrier struct {
		// LatencyTags are appended to the stream's pending flush, and sent
		// with it.
		LatencyTags []message.LatencyTag

		RouteID    int32
		StreamID   int32
		PutOffset  int32
		FlushCount uint32

		// PutOffsetChanged must be true for the barrier to allocate a flush
		// id. If false, the barrier only flushes a pending flush for a
		// different route.
		PutOffsetChanged bool

		// ForceFlush sends the pending flush immediately.
		ForceFlush bool
	}

	// StreamFlushInfo is the per-stream ordering state.
	StreamFlushInfo struct {
		// LatencyTags accumulated since the last flush.
		LatencyTags []message.LatencyTag

		// NextFlushID is the id the next barrier will be assigned.
		NextFlushID uint32
		// FlushedFlushID is the highest id sent to the transport.
		FlushedFlushID uint32
		// VerifiedFlushID is the highest id known to have reached the peer.
		VerifiedFlushID uint32

		// pending flush, valid if FlushPending
		FlushID      uint32
		RouteID      int32
		PutOffset    int32
		FlushCount   uint32
		FlushPending bool
	}
)

func newStreamFlushInfo() *StreamFlushInfo {
	return &StreamFlushInfo{
		NextFlushID: 1,
		RouteID:     message.RoutingNone,
	}
}

// streamLocked returns the info for a stream, creating it on first use.
func (x *Host) streamLocked(streamID int32) *StreamFlushInfo {
	info, ok := x.streams[streamID]
	if !ok {
		info = newStreamFlushInfo()
		x.streams[streamID] = info
	}
	return info
}

// RecordBarrier records an ordering barrier on b.StreamID, returning the flush
// id it was assigned, or 0 if the put offset did not change.
//
// A pending flush for a different route is sent first, so flushes for
// different routes on one stream are never reordered. Flushes for the same
// route coalesce, until forced, or FlushPendingStream is called.
func (x *Host) RecordBarrier(b Barrier) uint32 {
	x.streamMu.Lock()
	defer x.streamMu.Unlock()

	info := x.streamLocked(b.StreamID)

	if info.FlushPending && info.RouteID != b.RouteID {
		x.internalFlushLocked(info)
	}

	if !b.PutOffsetChanged {
		return 0
	}

	flushID := info.NextFlushID
	info.NextFlushID++
	info.FlushID = flushID
	info.FlushPending = true
	info.RouteID = b.RouteID
	info.PutOffset = b.PutOffset
	info.FlushCount = b.FlushCount
	info.LatencyTags = append(info.LatencyTags, b.LatencyTags...)

	if b.ForceFlush {
		x.internalFlushLocked(info)
	}

	return flushID
}

// FlushPendingStream sends the stream's pending flush, if any.
func (x *Host) FlushPendingStream(streamID int32) {
	x.streamMu.Lock()
	defer x.streamMu.Unlock()
	if info, ok := x.streams[streamID]; ok && info.FlushPending {
		x.internalFlushLocked(info)
	}
}

func (x *Host) internalFlushLocked(info *StreamFlushInfo) {
	if !info.FlushPending || info.FlushedFlushID >= info.FlushID {
		panic(`host: flush id ordering violated`)
	}

	payload := message.Must(message.AsyncFlush{
		LatencyTags: info.LatencyTags,
		PutOffset:   info.PutOffset,
		FlushCount:  info.FlushCount,
	}.MarshalBinary())
	if !x.Send(message.New(info.RouteID, message.TypeAsyncFlush, payload)) {
		// the id is still consumed, a lost channel never verifies it
		x.log.Warning(`flush`).
			Int(`route`, int(info.RouteID)).
			Uint64(`flush_id`, uint64(info.FlushID)).
			Log(`flush not sent`)
	}

	info.LatencyTags = nil
	info.FlushPending = false
	info.FlushedFlushID = info.FlushID
}

// ValidateReachedServer returns the highest flush id on streamID known to
// have reached the peer, or 0 if the channel is lost.
//
// Unless force is set, a stream with nothing unverified returns immediately.
// Otherwise a round trip is made, and every stream's flushes sent before it
// are marked verified, not only streamID's.
func (x *Host) ValidateReachedServer(streamID int32, force bool) uint32 {
	x.streamMu.Lock()
	candidates := make(map[int32]uint32)
	for id, info := range x.streams {
		if info.FlushedFlushID > info.VerifiedFlushID {
			candidates[id] = info.FlushedFlushID
		}
	}
	info := x.streamLocked(streamID)
	flushed, verified := info.FlushedFlushID, info.VerifiedFlushID
	x.streamMu.Unlock()

	if !force && flushed == verified {
		return verified
	}

	if err := x.roundTrip(); err != nil {
		x.log.Warning(`validate`).
			Int(`stream`, int(streamID)).
			Err(err).
			Log(`flush validation failed`)
		return 0
	}

	x.streamMu.Lock()
	defer x.streamMu.Unlock()
	for id, flushed := range candidates {
		info := x.streams[id]
		if info.VerifiedFlushID < flushed {
			info.VerifiedFlushID = flushed
		}
	}
	return x.streams[streamID].VerifiedFlushID
}

// GetHighestValidated returns the verified flush id for streamID, without
// a round trip.
func (x *Host) GetHighestValidated(streamID int32) uint32 {
	x.streamMu.Lock()
	defer x.streamMu.Unlock()
	return x.streamLocked(streamID).VerifiedFlushID
}

// StreamInfo returns a copy of the ordering state for streamID.
func (x *Host) StreamInfo(streamID int32) (StreamFlushInfo, bool) {
	x.streamMu.Lock()
	defer x.streamMu.Unlock()
	info, ok := x.streams[streamID]
	if !ok {
		return StreamFlushInfo{}, false
	}
	v := *info
	v.LatencyTags = append([]message.LatencyTag(nil), info.LatencyTags...)
	return v, true
}

// roundTrip sends a sync no-op, which the peer answers only after processing
// everything sent before it.
func (x *Host) roundTrip() error {
	if x.destroyed.Load() {
		return ErrDestroyed
	}
	ctx := context.Background()
	if x.validateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.validateTimeout)
		defer cancel()
	}
	_, err := x.endpoint.SendSync(ctx, message.NewSync(message.RoutingControl, message.TypeNop, nil))
	return err
}
