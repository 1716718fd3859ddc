package service

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-gpuchannel/ioloop"
	"github.com/joeycumines/go-gpuchannel/message"
	"github.com/joeycumines/go-gpuchannel/scheduler"
	"github.com/joeycumines/go-gpuchannel/syncpoint"
	"github.com/joeycumines/go-gpuchannel/transport"
	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T) *ioloop.Loop {
	t.Helper()
	l, err := ioloop.New()
	require.NoError(t, err)
	go func() { _ = l.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		_ = l.Shutdown(ctx)
	})
	return l
}

// manualRunner queues tasks until run is called.
type manualRunner struct {
	mu    sync.Mutex
	tasks []func()
}

func (x *manualRunner) PostTask(fn func()) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.tasks = append(x.tasks, fn)
	return nil
}

// run runs tasks, including any they post, until none remain.
func (x *manualRunner) run() int {
	var n int
	for {
		x.mu.Lock()
		if len(x.tasks) == 0 {
			x.mu.Unlock()
			return n
		}
		fn := x.tasks[0]
		x.tasks = x.tasks[1:]
		x.mu.Unlock()
		fn()
		n++
	}
}

func (x *manualRunner) pending() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.tasks)
}

// fakeEndpoint runs filter callbacks synchronously, and records sends.
type fakeEndpoint struct {
	loop    *ioloop.Loop
	mu      sync.Mutex
	sent    []message.Message
	filters []transport.Filter
	pid     int32
	closed  bool
}

func (x *fakeEndpoint) Send(msg message.Message) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return false
	}
	x.sent = append(x.sent, msg)
	return true
}

func (x *fakeEndpoint) AddFilter(filter transport.Filter) error {
	x.mu.Lock()
	x.filters = append(x.filters, filter)
	x.mu.Unlock()
	if o, ok := filter.(transport.FilterAddedObserver); ok {
		o.OnFilterAdded(x)
	}
	return nil
}

func (x *fakeEndpoint) RemoveFilter(filter transport.Filter) error {
	x.mu.Lock()
	i := slices.Index(x.filters, filter)
	if i >= 0 {
		x.filters = slices.Delete(x.filters, i, i+1)
	}
	x.mu.Unlock()
	if o, ok := filter.(transport.FilterRemovedObserver); ok && i >= 0 {
		o.OnFilterRemoved()
	}
	return nil
}

func (x *fakeEndpoint) Start() error {
	x.mu.Lock()
	filters := slices.Clone(x.filters)
	x.mu.Unlock()
	for _, f := range filters {
		if o, ok := f.(transport.ConnectObserver); ok {
			o.OnChannelConnected(x.pid)
		}
	}
	return nil
}

func (x *fakeEndpoint) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed = true
	return nil
}

func (x *fakeEndpoint) Loop() *ioloop.Loop { return x.loop }

func (x *fakeEndpoint) messages() []message.Message {
	x.mu.Lock()
	defer x.mu.Unlock()
	return slices.Clone(x.sent)
}

func (x *fakeEndpoint) last(t *testing.T) message.Message {
	t.Helper()
	sent := x.messages()
	require.NotEmpty(t, sent)
	return sent[len(sent)-1]
}

func (x *fakeEndpoint) isClosed() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.closed
}

// fakeStub records messages, and replies to sync ones. It may yield, or
// deschedule itself, on the next messages it receives.
type fakeStub struct {
	channel *Channel
	config  StubConfig

	mu            sync.Mutex
	received      []message.Message
	yields        int
	deschedule    bool
	unprocessed   bool
	scheduled     bool
	lost          bool
	destroyed     bool
	afterDestroy  int
	channelErrors int
}

func newFakeStub(config StubConfig) *fakeStub {
	return &fakeStub{channel: config.Channel, config: config, scheduled: true}
}

func (x *fakeStub) routeID() int32 { return x.config.Params.RouteID }

func (x *fakeStub) OnMessageReceived(msg message.Message) bool {
	x.mu.Lock()
	x.received = append(x.received, msg)
	if x.destroyed {
		x.afterDestroy++
	}
	x.unprocessed = x.yields > 0
	if x.unprocessed {
		x.yields--
	}
	deschedule := x.deschedule
	if deschedule {
		x.deschedule = false
		x.scheduled = false
	}
	x.mu.Unlock()

	if deschedule {
		x.channel.OnCommandBufferDescheduled(x.routeID())
	}
	if msg.IsSync() {
		x.channel.Send(message.GenerateReply(msg))
	}
	return true
}

func (x *fakeStub) OnChannelError() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.channelErrors++
}

func (x *fakeStub) IsScheduled() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.scheduled
}

func (x *fakeStub) HasUnprocessedCommands() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.unprocessed
}

func (x *fakeStub) MarkContextLost() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.lost = true
}

func (x *fakeStub) IsContextLost() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.lost
}

func (x *fakeStub) StreamID() int32 { return x.config.Params.StreamID }

func (x *fakeStub) Destroy() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.destroyed = true
}

// reschedule must run on the main runner.
func (x *fakeStub) reschedule() {
	x.mu.Lock()
	x.scheduled = true
	x.mu.Unlock()
	x.channel.OnCommandBufferScheduled(x.routeID())
}

func (x *fakeStub) messages() []message.Message {
	x.mu.Lock()
	defer x.mu.Unlock()
	return slices.Clone(x.received)
}

func (x *fakeStub) isDestroyed() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.destroyed
}

func (x *fakeStub) setYields(n int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.yields = n
}

func (x *fakeStub) setDeschedule() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.deschedule = true
}

var errFactory = errors.New(`factory failed`)

// stubFactory creates fakeStubs, failing for route 666.
type stubFactory struct {
	mu    sync.Mutex
	stubs map[int32]*fakeStub
}

func newStubFactory() *stubFactory {
	return &stubFactory{stubs: make(map[int32]*fakeStub)}
}

func (x *stubFactory) CreateStub(config StubConfig) (Stub, error) {
	if config.Params.RouteID == 666 {
		return nil, errFactory
	}
	stub := newFakeStub(config)
	x.mu.Lock()
	defer x.mu.Unlock()
	x.stubs[config.Params.RouteID] = stub
	return stub, nil
}

func (x *stubFactory) get(routeID int32) *fakeStub {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.stubs[routeID]
}

type harness struct {
	t        *testing.T
	main     *manualRunner
	endpoint *fakeEndpoint
	factory  *stubFactory
	sync     *syncpoint.Manager
	channel  *Channel
}

// newHarness returns an initialized channel, using a manual main runner,
// unless mutate changes it.
func newHarness(t *testing.T, mutate func(cfg *ChannelConfig)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		main:     new(manualRunner),
		endpoint: &fakeEndpoint{pid: 42},
		factory:  newStubFactory(),
		sync:     syncpoint.NewManager(),
	}
	cfg := ChannelConfig{
		SyncPoints:  h.sync,
		Main:        h.main,
		StubFactory: h.factory,
		ClientID:    7,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewChannel(&cfg)
	require.NoError(t, err)
	h.channel = c
	t.Cleanup(c.Destroy)
	require.NoError(t, c.Init(h.endpoint))
	h.main.run()
	return h
}

// deliver passes msg through the filter, then runs the main runner.
func (h *harness) deliver(msg message.Message) {
	h.t.Helper()
	require.True(h.t, h.channel.filter.OnMessageReceived(msg))
	h.main.run()
}

// create requests a command buffer, returning the reply.
func (h *harness) create(params message.CreateCommandBufferParams) message.Message {
	h.t.Helper()
	h.deliver(message.NewSync(message.RoutingControl, message.TypeCreateCommandBuffer, message.Must(params.MarshalBinary())))
	return h.endpoint.last(h.t)
}

func (h *harness) mustCreate(params message.CreateCommandBufferParams) *fakeStub {
	h.t.Helper()
	reply := h.create(params)
	require.True(h.t, reply.IsReply())
	require.False(h.t, reply.IsReplyError())
	stub := h.factory.get(params.RouteID)
	require.NotNil(h.t, stub)
	return stub
}

func cbParams(routeID, streamID int32, priority scheduler.Priority) message.CreateCommandBufferParams {
	return message.CreateCommandBufferParams{
		ShareGroupID:   message.RoutingNone,
		StreamID:       streamID,
		StreamPriority: int32(priority),
		RouteID:        routeID,
	}
}

func userMessage(routeID int32, seq byte) message.Message {
	return message.New(routeID, message.TypeUser, []byte{seq})
}

func payloads(msgs []message.Message) []byte {
	var b []byte
	for _, msg := range msgs {
		if len(msg.Payload) != 0 {
			b = append(b, msg.Payload[0])
		}
	}
	return b
}

// safeBuffer is a bytes.Buffer, for concurrent loggers.
type safeBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (x *safeBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.Write(p)
}

func (x *safeBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.String()
}
