package service

import (
	"runtime"
	"testing"
	"time"

	"github.com/joeycumines/go-gpuchannel/message"
	"github.com/joeycumines/go-gpuchannel/scheduler"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = time.Second * 5

func newTestManager(t *testing.T, mutate func(cfg *ManagerConfig)) (*Manager, *stubFactory) {
	t.Helper()
	factory := newStubFactory()
	cfg := ManagerConfig{StubFactory: factory}
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewManager(&cfg)
	t.Cleanup(func() { assert.NoError(t, m.Destroy()) })
	return m, factory
}

// createVia requests a command buffer through the channel's filter, and
// waits for the reply.
func createVia(t *testing.T, c *Channel, ep *fakeEndpoint, params message.CreateCommandBufferParams) {
	t.Helper()
	n := len(ep.messages())
	require.True(t, c.Filter().OnMessageReceived(message.NewSync(message.RoutingControl, message.TypeCreateCommandBuffer, message.Must(params.MarshalBinary()))))
	require.Eventually(t, func() bool { return len(ep.messages()) > n }, waitFor, time.Millisecond)
	require.False(t, ep.last(t).IsReplyError())
}

func TestManager_EstablishChannel(t *testing.T) {
	m, _ := newTestManager(t, nil)
	assert.NotNil(t, m.SyncPoints())
	assert.Nil(t, m.Scheduler())

	ep := &fakeEndpoint{pid: 9}
	c, err := m.EstablishChannel(1, ep, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, waitFor, time.Millisecond)
	assert.Equal(t, int32(9), c.PeerPID())
	assert.Same(t, c, m.LookupChannel(1))
	assert.Equal(t, 1, m.NumChannels())

	_, err = m.EstablishChannel(1, &fakeEndpoint{}, false)
	assert.ErrorIs(t, err, ErrChannelExists)
	assert.Same(t, c, m.LookupChannel(1))

	require.NoError(t, m.RemoveChannel(1))
	assert.Equal(t, StateDestroyed, c.State())
	assert.True(t, ep.isClosed())
	assert.Nil(t, m.LookupChannel(1))
	assert.Zero(t, m.NumChannels())
	assert.NoError(t, m.RemoveChannel(1))

	assert.PanicsWithValue(t, `service: nil endpoint`, func() { _, _ = m.EstablishChannel(2, nil, false) })
}

func TestManager_Destroy(t *testing.T) {
	m := NewManager(nil)
	a, err := m.EstablishChannel(1, &fakeEndpoint{}, false)
	require.NoError(t, err)
	b, err := m.EstablishChannel(2, &fakeEndpoint{loop: newTestLoop(t)}, true)
	require.NoError(t, err)

	require.NoError(t, m.Destroy())
	assert.Equal(t, StateDestroyed, a.State())
	assert.Equal(t, StateDestroyed, b.State())
	assert.Zero(t, m.NumChannels())
	assert.Zero(t, m.SyncPoints().NumOrderData())
	assert.False(t, m.PreemptionFlag().IsSet())

	assert.NoError(t, m.Destroy())
	_, err = m.EstablishChannel(3, &fakeEndpoint{}, false)
	assert.ErrorIs(t, err, ErrManagerDestroyed)
}

func TestManager_LoseAllContexts(t *testing.T) {
	m, factory := newTestManager(t, nil)
	epA, epB := &fakeEndpoint{}, &fakeEndpoint{}
	a, err := m.EstablishChannel(1, epA, false)
	require.NoError(t, err)
	b, err := m.EstablishChannel(2, epB, false)
	require.NoError(t, err)
	createVia(t, a, epA, cbParams(1, 1, scheduler.PriorityNormal))
	createVia(t, b, epB, cbParams(2, 1, scheduler.PriorityNormal))

	require.NoError(t, m.LoseAllContexts())
	for _, route := range []int32{1, 2} {
		stub := factory.get(route)
		assert.True(t, stub.IsContextLost())
		assert.True(t, stub.isDestroyed())
	}
	assert.Zero(t, m.NumChannels())
	assert.Equal(t, StateDestroyed, a.State())
	assert.Equal(t, StateDestroyed, b.State())
}

func TestManager_channelError(t *testing.T) {
	var buf safeBuffer
	m, _ := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.Logger = NewLogger(&buf, logiface.LevelDebug)
	})
	ep := &fakeEndpoint{}
	c, err := m.EstablishChannel(1, ep, false)
	require.NoError(t, err)

	c.Filter().OnChannelError()
	assert.True(t, c.IsLost())
	require.Eventually(t, func() bool { return m.NumChannels() == 0 }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return c.State() == StateDestroyed }, waitFor, time.Millisecond)
	assert.True(t, ep.isClosed())
	assert.Contains(t, buf.String(), `removing channel after error`)
}

func TestManager_privileged(t *testing.T) {
	m, factory := newTestManager(t, nil)
	ep := &fakeEndpoint{pid: 1, loop: newTestLoop(t)}
	c, err := m.EstablishChannel(0, ep, true)
	require.NoError(t, err)

	createVia(t, c, ep, cbParams(1, 1, scheduler.PriorityHigh))
	require.True(t, c.Filter().OnMessageReceived(userMessage(1, 3)))
	stub := factory.get(1)
	require.Eventually(t, func() bool { return len(stub.messages()) == 1 }, waitFor, time.Millisecond)

	stats, ok := c.QueueStats()
	assert.True(t, ok)
	assert.Equal(t, 1, stats.Processed)
}

func TestManager_scheduler(t *testing.T) {
	m, factory := newTestManager(t, func(cfg *ManagerConfig) { cfg.UseScheduler = true })
	require.NotNil(t, m.Scheduler())

	ep := &fakeEndpoint{}
	c, err := m.EstablishChannel(1, ep, false)
	require.NoError(t, err)
	createVia(t, c, ep, cbParams(1, 1, scheduler.PriorityLow))
	createVia(t, c, ep, cbParams(2, 2, scheduler.PriorityNormal))
	assert.Equal(t, 2, m.Scheduler().NumSequences())

	for i := range 10 {
		require.True(t, c.Filter().OnMessageReceived(userMessage(int32(i%2+1), byte(i))))
	}
	low, normal := factory.get(1), factory.get(2)
	require.Eventually(t, func() bool {
		return len(low.messages()) == 5 && len(normal.messages()) == 5
	}, waitFor, time.Millisecond)
	assert.Equal(t, []byte{0, 2, 4, 6, 8}, payloads(low.messages()))
	assert.Equal(t, []byte{1, 3, 5, 7, 9}, payloads(normal.messages()))

	require.NoError(t, m.Destroy())
	assert.Zero(t, m.Scheduler().NumSequences())
	assert.Zero(t, m.SyncPoints().NumOrderData())
}

func TestManager_Destroy_goroutines(t *testing.T) {
	before := runtime.NumGoroutine()
	m := NewManager(&ManagerConfig{UseScheduler: true, StubFactory: newStubFactory()})
	for i := range 3 {
		ep := &fakeEndpoint{}
		c, err := m.EstablishChannel(int32(i), ep, false)
		require.NoError(t, err)
		createVia(t, c, ep, cbParams(1, int32(i), scheduler.PriorityNormal))
	}
	require.NoError(t, m.Destroy())

	// polled on this goroutine, as Eventually runs its condition on another
	deadline := time.Now().Add(waitFor)
	after := runtime.NumGoroutine()
	for after > before && time.Now().Before(deadline) {
		runtime.Gosched()
		time.Sleep(time.Millisecond * 10)
		after = runtime.NumGoroutine()
	}
	assert.LessOrEqual(t, after, before)
}
