package syncpoint

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_GenerateOrderNumber_concurrent(t *testing.T) {
	m := NewManager()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint32]struct{})
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 500 {
				n := m.GenerateOrderNumber()
				mu.Lock()
				seen[n] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 4000)
	_, zero := seen[0]
	assert.False(t, zero)
}

func TestOrderData_lifecycle(t *testing.T) {
	m := NewManager()
	a, b := m.CreateOrderData(), m.CreateOrderData()
	assert.NotEqual(t, a.SequenceID(), b.SequenceID())
	assert.Equal(t, 2, m.NumOrderData())

	n1 := a.GenerateUnprocessedOrderNumber()
	n2 := b.GenerateUnprocessedOrderNumber()
	n3 := a.GenerateUnprocessedOrderNumber()
	assert.Less(t, n1, n2)
	assert.Less(t, n2, n3)
	assert.Equal(t, n3, a.UnprocessedOrderNumber())

	a.BeginProcessingOrderNumber(n1)
	assert.True(t, a.IsProcessingOrderNumber())
	a.PauseProcessingOrderNumber(n1)
	assert.False(t, a.IsProcessingOrderNumber())
	a.BeginProcessingOrderNumber(n1)
	a.FinishProcessingOrderNumber(n1)
	assert.Equal(t, n1, a.ProcessedOrderNumber())
	assert.Equal(t, n1, m.ProcessedOrderNumber())

	b.BeginProcessingOrderNumber(n2)
	b.FinishProcessingOrderNumber(n2)
	assert.Equal(t, n2, m.ProcessedOrderNumber())

	a.BeginProcessingOrderNumber(n3)
	assert.Equal(t, n3, a.CurrentOrderNumber())
	a.FinishProcessingOrderNumber(n3)
	assert.Equal(t, n3, m.ProcessedOrderNumber())

	a.Destroy()
	a.Destroy()
	assert.True(t, a.IsDestroyed())
	assert.Equal(t, 1, m.NumOrderData())
	assert.PanicsWithValue(t, `syncpoint: order data destroyed`, func() { a.GenerateUnprocessedOrderNumber() })
	b.Destroy()
	assert.Zero(t, m.NumOrderData())
}

func TestOrderData_violations(t *testing.T) {
	for _, tc := range [...]struct {
		Name  string
		Panic string
		Fn    func(d *OrderData, n1, n2 uint32)
	}{
		{`begin out of order`, `syncpoint: order number processed out of order`, func(d *OrderData, _, n2 uint32) {
			d.BeginProcessingOrderNumber(n2)
		}},
		{`begin twice`, `syncpoint: order number already being processed`, func(d *OrderData, n1, _ uint32) {
			d.BeginProcessingOrderNumber(n1)
			d.BeginProcessingOrderNumber(n1)
		}},
		{`pause not begun`, `syncpoint: pausing order number not being processed`, func(d *OrderData, n1, _ uint32) {
			d.PauseProcessingOrderNumber(n1)
		}},
		{`finish paused`, `syncpoint: finishing order number not being processed`, func(d *OrderData, n1, _ uint32) {
			d.BeginProcessingOrderNumber(n1)
			d.PauseProcessingOrderNumber(n1)
			d.FinishProcessingOrderNumber(n1)
		}},
		{`finish twice`, `syncpoint: finishing order number not being processed`, func(d *OrderData, n1, _ uint32) {
			d.BeginProcessingOrderNumber(n1)
			d.FinishProcessingOrderNumber(n1)
			d.FinishProcessingOrderNumber(n1)
		}},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			d := NewManager().CreateOrderData()
			n1 := d.GenerateUnprocessedOrderNumber()
			n2 := d.GenerateUnprocessedOrderNumber()
			assert.PanicsWithValue(t, tc.Panic, func() { tc.Fn(d, n1, n2) })
		})
	}
}

func TestManager_fences(t *testing.T) {
	m := NewManager()
	token := NewSyncToken(7, 3)
	assert.Equal(t, uint32(7), token.Client())
	assert.Equal(t, uint32(3), token.Release())
	assert.Equal(t, `7:3`, token.String())
	assert.False(t, m.IsReleased(token))

	var calls []string
	require.True(t, m.WaitAsync(NewSyncToken(7, 2), func() { calls = append(calls, `2`) }))
	require.True(t, m.WaitAsync(token, func() { calls = append(calls, `3`) }))
	require.True(t, m.WaitAsync(NewSyncToken(8, 1), func() { calls = append(calls, `other`) }))

	m.ReleaseFence(7, 2)
	assert.Equal(t, []string{`2`}, calls)
	assert.False(t, m.IsReleased(token))

	m.ReleaseFence(7, 1)
	m.ReleaseFence(7, 5)
	assert.Equal(t, []string{`2`, `3`}, calls)
	assert.True(t, m.IsReleased(token))
	assert.False(t, m.WaitAsync(token, func() { t.Error(`unexpected call`) }))

	assert.PanicsWithValue(t, `syncpoint: nil callback`, func() { m.WaitAsync(NewSyncToken(9, 1), nil) })
}
