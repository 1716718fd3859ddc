package transport

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-gpuchannel/internal/logging"
	"github.com/joeycumines/go-gpuchannel/ioloop"
	"github.com/joeycumines/go-gpuchannel/message"
	"github.com/joeycumines/go-longpoll"
	"github.com/joeycumines/go-microbatch"
	"github.com/joeycumines/logiface"
)

// Endpoint is one side of a Pipe.
// Instances must be initialized using the Pipe factory.
type Endpoint struct {
	loop    *ioloop.Loop
	logger  *logiface.Logger[logiface.Event]
	log     *logging.Limited
	peer    *Endpoint
	batcher *microbatch.Batcher[[]byte]

	// inbound receives batches of frames written by the peer, a nil batch
	// marks the peer closing
	inbound chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// loop goroutine only
	filters       []Filter
	listener      Listener
	connected     bool
	errorReported bool

	mu       sync.Mutex
	pending  map[uint64]chan message.Message
	closed   bool
	peerGone bool

	nextRequestID atomic.Uint64
	startOnce     sync.Once
	closeOnce     sync.Once
	pid           int32
}

// Pipe returns a connected pair of endpoints. Each endpoint must be started
// (to begin reading), and eventually closed.
func Pipe(a, b *Config) (*Endpoint, *Endpoint) {
	x, y := newEndpoint(a), newEndpoint(b)
	x.peer, y.peer = y, x
	return x, y
}

func newEndpoint(cfg *Config) *Endpoint {
	if cfg == nil || cfg.Loop == nil {
		panic(`transport: nil loop`)
	}
	maxBatchSize := cfg.MaxBatchSize
	if maxBatchSize == 0 {
		maxBatchSize = 16
	}
	flushInterval := cfg.FlushInterval
	if flushInterval == 0 {
		flushInterval = time.Millisecond
	}
	inboundBuffer := cfg.InboundBuffer
	if inboundBuffer <= 0 {
		inboundBuffer = 256
	}
	x := &Endpoint{
		loop:    cfg.Loop,
		logger:  cfg.Logger,
		pid:     cfg.PID,
		inbound: make(chan []byte, inboundBuffer),
		done:    make(chan struct{}),
		pending: make(map[uint64]chan message.Message),
	}
	if cfg.Logger != nil {
		x.log = logging.NewLimited(cfg.Logger, nil)
	}
	x.ctx, x.cancel = context.WithCancel(context.Background())
	// a single concurrent batch keeps frames in submission order
	x.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:        maxBatchSize,
		FlushInterval:  flushInterval,
		MaxConcurrency: 1,
	}, x.write)
	return x
}

// PID returns this endpoint's process id.
func (x *Endpoint) PID() int32 { return x.pid }

// PeerPID returns the peer's process id.
func (x *Endpoint) PeerPID() int32 { return x.peer.pid }

// Loop returns the I/O loop this endpoint dispatches on.
func (x *Endpoint) Loop() *ioloop.Loop { return x.loop }

// Start begins reading inbound messages, and notifies filters that the
// channel is connected. Subsequent calls are no-ops.
func (x *Endpoint) Start() error {
	var err error
	x.startOnce.Do(func() {
		err = x.loop.Submit(func() {
			x.connected = true
			for _, f := range x.filters {
				if o, ok := f.(ConnectObserver); ok {
					o.OnChannelConnected(x.peer.pid)
				}
			}
		})
		if err == nil {
			go x.read()
		}
	})
	return err
}

// SetListener sets the listener, which receives all messages not consumed by
// filters.
func (x *Endpoint) SetListener(listener Listener) error {
	return x.loop.Submit(func() {
		x.listener = listener
	})
}

// AddFilter appends a filter to the chain.
func (x *Endpoint) AddFilter(filter Filter) error {
	if filter == nil {
		panic(`transport: nil filter`)
	}
	return x.loop.Submit(func() {
		x.filters = append(x.filters, filter)
		if o, ok := filter.(FilterAddedObserver); ok {
			o.OnFilterAdded(x)
		}
		if o, ok := filter.(ConnectObserver); ok && x.connected {
			o.OnChannelConnected(x.peer.pid)
		}
	})
}

// RemoveFilter removes a filter from the chain, if present.
func (x *Endpoint) RemoveFilter(filter Filter) error {
	return x.loop.Submit(func() {
		i := slices.Index(x.filters, filter)
		if i < 0 {
			return
		}
		x.filters = slices.Delete(x.filters, i, i+1)
		if o, ok := filter.(FilterRemovedObserver); ok {
			o.OnFilterRemoved()
		}
	})
}

// Send hands msg to the transport, returning false if either side has
// closed. Sync messages must use SendSync.
func (x *Endpoint) Send(msg message.Message) bool {
	if msg.IsSync() {
		panic(`transport: sync message passed to Send`)
	}
	return x.send(msg) == nil
}

// SendSync sends a sync message, and blocks for its reply. It is safe to
// call from the endpoint's own I/O loop, as replies bypass it.
func (x *Endpoint) SendSync(ctx context.Context, msg message.Message) (message.Message, error) {
	if !msg.IsSync() {
		return message.Message{}, ErrNotSync
	}

	msg.RequestID = x.nextRequestID.Add(1)
	ch := make(chan message.Message, 1)

	x.mu.Lock()
	if x.closed || x.peerGone {
		x.mu.Unlock()
		return message.Message{}, ErrClosed
	}
	x.pending[msg.RequestID] = ch
	x.mu.Unlock()

	defer func() {
		x.mu.Lock()
		delete(x.pending, msg.RequestID)
		x.mu.Unlock()
	}()

	if err := x.send(msg); err != nil {
		return message.Message{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return message.Message{}, ErrClosed
		}
		if reply.IsReplyError() {
			return reply, fmt.Errorf(`%w: route %d type %s`, ErrReplyError, msg.RoutingID, msg.Type)
		}
		return reply, nil
	case <-ctx.Done():
		return message.Message{}, ctx.Err()
	}
}

func (x *Endpoint) send(msg message.Message) error {
	x.mu.Lock()
	gone := x.closed || x.peerGone
	x.mu.Unlock()
	if gone {
		return ErrClosed
	}
	if _, err := x.batcher.Submit(x.ctx, message.AppendFrame(nil, msg)); err != nil {
		return ErrClosed
	}
	return nil
}

// write is the batch processor, delivering frames to the peer.
func (x *Endpoint) write(ctx context.Context, frames [][]byte) error {
	var size int
	for _, frame := range frames {
		size += len(frame)
	}
	buf := make([]byte, 0, size)
	for _, frame := range frames {
		buf = append(buf, frame...)
	}
	select {
	case x.peer.inbound <- buf:
		return nil
	case <-x.peer.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (x *Endpoint) read() {
	cfg := &longpoll.ChannelConfig{MaxSize: 16, MinSize: 1}
	for {
		if err := longpoll.Channel(x.ctx, cfg, x.inbound, x.decode); err != nil {
			return
		}
	}
}

func (x *Endpoint) decode(buf []byte) error {
	if buf == nil {
		x.reportError()
		return nil
	}
	for len(buf) != 0 {
		msg, n, err := message.ReadFrame(buf)
		if err != nil {
			x.logger.Err().
				Int(`pid`, int(x.pid)).
				Err(err).
				Log(`dropping malformed batch`)
			return nil
		}
		buf = buf[n:]
		if msg.IsReply() && x.completeReply(msg) {
			continue
		}
		if err := x.loop.Submit(func() { x.dispatch(msg) }); err != nil {
			return err
		}
	}
	return nil
}

func (x *Endpoint) completeReply(msg message.Message) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	ch, ok := x.pending[msg.RequestID]
	if ok {
		delete(x.pending, msg.RequestID)
		ch <- msg
	}
	return ok
}

// dispatch runs on the I/O loop.
func (x *Endpoint) dispatch(msg message.Message) {
	if x.IsClosed() {
		return
	}
	for _, f := range x.filters {
		if f.OnMessageReceived(msg) {
			return
		}
	}
	if x.listener != nil && x.listener.OnMessageReceived(msg) {
		return
	}
	x.log.Warning(msg.RoutingID).
		Int(`route`, int(msg.RoutingID)).
		Stringer(`type`, msg.Type).
		Log(`unhandled message`)
	if msg.IsSync() {
		// the sender must not hang
		x.Send(message.ReplyError(msg))
	}
}

// IsClosed reports whether Close has been called.
func (x *Endpoint) IsClosed() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.closed
}

// IsPeerGone reports whether the peer has closed.
func (x *Endpoint) IsPeerGone() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.peerGone
}

// Close flushes buffered writes, stops reading, and notifies the peer.
// Subsequent calls are no-ops.
func (x *Endpoint) Close() error {
	x.closeOnce.Do(func() {
		x.mu.Lock()
		x.closed = true
		x.failPendingLocked()
		x.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := x.batcher.Shutdown(ctx); err != nil {
			x.logger.Warning().
				Int(`pid`, int(x.pid)).
				Err(err).
				Log(`discarded buffered writes`)
		}

		x.cancel()
		close(x.done)

		_ = x.loop.Submit(func() {
			for _, f := range x.filters {
				if o, ok := f.(ClosingObserver); ok {
					o.OnChannelClosing()
				}
			}
		})

		x.peer.onPeerClosed()
	})
	return nil
}

func (x *Endpoint) onPeerClosed() {
	x.mu.Lock()
	x.peerGone = true
	x.failPendingLocked()
	x.mu.Unlock()

	// in-band, so messages already written are dispatched first
	select {
	case x.inbound <- nil:
	default:
		x.reportError()
	}
}

func (x *Endpoint) failPendingLocked() {
	for id, ch := range x.pending {
		close(ch)
		delete(x.pending, id)
	}
}

func (x *Endpoint) reportError() {
	_ = x.loop.Submit(func() {
		if x.errorReported || x.IsClosed() {
			return
		}
		x.errorReported = true
		x.logger.Debug().
			Int(`pid`, int(x.pid)).
			Log(`channel error`)
		for _, f := range x.filters {
			if o, ok := f.(ErrorObserver); ok {
				o.OnChannelError()
			}
		}
		if x.listener != nil {
			x.listener.OnChannelError()
		}
	})
}
