package scheduler

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-gpuchannel/syncpoint"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	out []string
}

func (x *recorder) task(s string) func() {
	return func() {
		x.mu.Lock()
		x.out = append(x.out, s)
		x.mu.Unlock()
	}
}

func (x *recorder) get() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.out...)
}

func runAll(s *Scheduler) {
	for s.RunNext() {
	}
}

func TestScheduler_priority(t *testing.T) {
	s := New(syncpoint.NewManager(), nil)
	low := s.CreateSequence(PriorityLow)
	normal := s.CreateSequence(PriorityNormal)
	high := s.CreateSequence(PriorityHigh)
	normal2 := s.CreateSequence(PriorityNormal)

	var r recorder
	require.NoError(t, s.ScheduleTask(Task{Sequence: low, Closure: r.task(`low1`)}))
	require.NoError(t, s.ScheduleTask(Task{Sequence: normal2, Closure: r.task(`normal2-1`)}))
	require.NoError(t, s.ScheduleTask(Task{Sequence: normal, Closure: r.task(`normal1`)}))
	require.NoError(t, s.ScheduleTask(Task{Sequence: high, Closure: r.task(`high1`)}))
	require.NoError(t, s.ScheduleTask(Task{Sequence: normal2, Closure: r.task(`normal2-2`)}))
	require.NoError(t, s.ScheduleTask(Task{Sequence: low, Closure: r.task(`low2`)}))

	runAll(s)
	assert.Equal(t, []string{`high1`, `normal2-1`, `normal1`, `normal2-2`, `low1`, `low2`}, r.get())
}

func TestScheduler_enableDisable(t *testing.T) {
	s := New(syncpoint.NewManager(), nil)
	a := s.CreateSequence(PriorityNormal)
	b := s.CreateSequence(PriorityNormal)
	var r recorder
	require.NoError(t, s.ScheduleTask(Task{Sequence: a, Closure: r.task(`a`)}))
	require.NoError(t, s.ScheduleTask(Task{Sequence: b, Closure: r.task(`b`)}))

	s.DisableSequence(a)
	runAll(s)
	assert.Equal(t, []string{`b`}, r.get())

	s.EnableSequence(a)
	runAll(s)
	assert.Equal(t, []string{`b`, `a`}, r.get())
}

func TestScheduler_fences(t *testing.T) {
	m := syncpoint.NewManager()
	s := New(m, nil)
	a := s.CreateSequence(PriorityHigh)
	b := s.CreateSequence(PriorityLow)
	var r recorder

	fence := syncpoint.NewSyncToken(1, 1)
	released := syncpoint.NewSyncToken(1, 0)
	require.NoError(t, s.ScheduleTask(Task{Sequence: a, Closure: r.task(`a1`), Fences: []syncpoint.SyncToken{fence, released}}))
	require.NoError(t, s.ScheduleTask(Task{Sequence: a, Closure: r.task(`a2`)}))
	require.NoError(t, s.ScheduleTask(Task{Sequence: b, Closure: r.task(`b1`)}))

	// a blocked head blocks its sequence, but not others
	runAll(s)
	assert.Equal(t, []string{`b1`}, r.get())

	m.ReleaseFence(1, 1)
	runAll(s)
	assert.Equal(t, []string{`b1`, `a1`, `a2`}, r.get())
}

func TestScheduler_ContinueTask(t *testing.T) {
	m := syncpoint.NewManager()
	s := New(m, nil)
	a := s.CreateSequence(PriorityNormal)
	b := s.CreateSequence(PriorityNormal)
	var (
		r      recorder
		orders []uint32
	)
	require.NoError(t, s.ScheduleTask(Task{Sequence: a, Closure: func() {
		r.task(`a1`)()
		s.ContinueTask(a, func() {
			r.task(`a1-continued`)()
		})
	}}))
	require.NoError(t, s.ScheduleTask(Task{Sequence: b, Closure: r.task(`b1`)}))
	require.NoError(t, s.ScheduleTask(Task{Sequence: a, Closure: r.task(`a2`)}))

	for s.RunNext() {
		orders = append(orders, m.ProcessedOrderNumber())
	}
	// the continuation keeps a1's order number, so runs before b1
	assert.Equal(t, []string{`a1`, `a1-continued`, `b1`, `a2`}, r.get())
	assert.Equal(t, []uint32{0, 1, 2, 3}, orders)

	assert.PanicsWithValue(t, `scheduler: continue outside running task`, func() {
		s.ContinueTask(a, func() {})
	})
}

func TestScheduler_ShouldYield(t *testing.T) {
	s := New(syncpoint.NewManager(), nil)
	low := s.CreateSequence(PriorityLow)
	high := s.CreateSequence(PriorityHigh)
	var yields []bool
	require.NoError(t, s.ScheduleTask(Task{Sequence: low, Closure: func() {
		yields = append(yields, s.ShouldYield(low))
		require.NoError(t, s.ScheduleTask(Task{Sequence: high, Closure: func() {}}))
		yields = append(yields, s.ShouldYield(low))
		yields = append(yields, s.ShouldYield(high))
	}}))
	runAll(s)
	assert.Equal(t, []bool{false, true, false}, yields)
	assert.False(t, s.ShouldYield(low))
}

func TestScheduler_DestroySequence(t *testing.T) {
	m := syncpoint.NewManager()
	s := New(m, nil)
	a := s.CreateSequence(PriorityNormal)
	var r recorder
	require.NoError(t, s.ScheduleTask(Task{Sequence: a, Closure: func() {
		r.task(`a1`)()
		s.DestroySequence(a)
	}}))
	require.NoError(t, s.ScheduleTask(Task{Sequence: a, Closure: r.task(`a2`)}))
	assert.Equal(t, 1, m.NumOrderData())

	runAll(s)
	assert.Equal(t, []string{`a1`}, r.get())
	assert.Zero(t, m.NumOrderData())
	assert.Zero(t, s.NumSequences())
	assert.ErrorIs(t, s.ScheduleTask(Task{Sequence: a, Closure: func() {}}), ErrUnknownSequence)
	s.DestroySequence(a)
}

func TestScheduler_Run(t *testing.T) {
	m := syncpoint.NewManager()
	s := New(m, nil)
	a := s.CreateSequence(PriorityNormal)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	ran := make(chan struct{})
	require.NoError(t, s.ScheduleTask(Task{
		Sequence: a,
		Closure:  func() { close(ran) },
		Fences:   []syncpoint.SyncToken{syncpoint.NewSyncToken(3, 1)},
	}))
	select {
	case <-ran:
		t.Fatal(`ran before its fence was released`)
	case <-time.After(20 * time.Millisecond):
	}
	m.ReleaseFence(3, 1)
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal(`task did not run`)
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestScheduler_panic(t *testing.T) {
	var buf bytes.Buffer
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&buf), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelInformational),
	).Logger()
	s := New(syncpoint.NewManager(), logger)
	a := s.CreateSequence(PriorityNormal)
	var r recorder
	require.NoError(t, s.ScheduleTask(Task{Sequence: a, Closure: func() { panic(`boom`) }}))
	require.NoError(t, s.ScheduleTask(Task{Sequence: a, Closure: r.task(`after`)}))
	runAll(s)
	assert.Equal(t, []string{`after`}, r.get())
	assert.True(t, strings.Contains(buf.String(), `task panicked`), buf.String())
}

func TestPriority_String(t *testing.T) {
	assert.Equal(t, `High`, PriorityHigh.String())
	assert.Equal(t, `Normal`, PriorityNormal.String())
	assert.Equal(t, `Low`, PriorityLow.String())
	assert.Equal(t, `Unknown`, Priority(7).String())
}
