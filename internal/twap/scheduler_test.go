package twap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/execengine/internal/domain"
	"github.com/tradecore/execengine/internal/orders"
)

type recordingSubmitter struct {
	mu      sync.Mutex
	created []domain.Order
	nextID  int
	createErr error
}

func (s *recordingSubmitter) Create(o domain.Order) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	s.nextID++
	o.ID = "ORD_TEST_" + decimal.NewFromInt(int64(s.nextID)).String()
	s.created = append(s.created, o)
	return o.ID, nil
}

func (s *recordingSubmitter) Submit(ctx context.Context, id string) error { return nil }
func (s *recordingSubmitter) Cancel(ctx context.Context, id string) error { return nil }

func (s *recordingSubmitter) createdCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

type stubMarketData struct {
	snapshots map[string]domain.MarketData
}

func (m *stubMarketData) Get(ctx context.Context, symbol string) (domain.MarketData, bool) {
	snap, ok := m.snapshots[symbol]
	return snap, ok
}

func newTestScheduler(t *testing.T, submitter OrderSubmitter, md MarketDataSource) *Scheduler {
	t.Helper()
	cfg := Config{TickInterval: 10 * time.Millisecond}
	s := New(cfg, submitter, md, nil, nil)
	t.Cleanup(s.Stop)
	return s
}

func TestShouldPromoteOnQuantityThreshold(t *testing.T) {
	promoted := ShouldPromote(
		decimal.NewFromInt(2000), decimal.NewFromInt(2000), decimal.NewFromInt(100000),
		decimal.NewFromInt(1000), decimal.NewFromInt(1e9), decimal.NewFromFloat(0.5))
	assert.True(t, promoted)
}

func TestShouldPromoteOnValueThreshold(t *testing.T) {
	promoted := ShouldPromote(
		decimal.NewFromInt(10), decimal.NewFromInt(1_000_000), decimal.NewFromInt(100000),
		decimal.NewFromInt(1000), decimal.NewFromInt(1_000_000), decimal.NewFromFloat(0.5))
	assert.True(t, promoted)
}

func TestShouldPromoteFalseBelowAllThresholds(t *testing.T) {
	promoted := ShouldPromote(
		decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.NewFromInt(100000),
		decimal.NewFromInt(1000), decimal.NewFromInt(1e9), decimal.NewFromFloat(0.5))
	assert.False(t, promoted)
}

func TestBuildSlicePlanResidualAbsorbedByLastSlice(t *testing.T) {
	var n int
	nextID := func() string { n++; return "SLICE_TEST" }
	params := domain.TWAPParameters{
		TotalQuantity:   decimal.NewFromInt(10),
		DurationMinutes: 10,
		SliceCount:      3,
	}
	slices := buildSlicePlan(nextID, time.Now(), params)
	require.Len(t, slices, 3)

	sum := decimal.Zero
	for _, s := range slices {
		sum = sum.Add(s.PlannedQuantity)
	}
	assert.True(t, sum.Equal(params.TotalQuantity))
	// 10/3 = 3.333..., so the first two slices share the repeating base and
	// the third absorbs whatever's left so the sum is exact.
	assert.True(t, slices[0].PlannedQuantity.Equal(slices[1].PlannedQuantity))
	assert.False(t, slices[2].PlannedQuantity.Equal(slices[0].PlannedQuantity))
}

func TestBuildSlicePlanSingleSliceIsWholeQuantity(t *testing.T) {
	nextID := func() string { return "SLICE_ONE" }
	params := domain.TWAPParameters{
		TotalQuantity:   decimal.NewFromInt(5),
		DurationMinutes: 5,
		SliceCount:      1,
	}
	slices := buildSlicePlan(nextID, time.Now(), params)
	require.Len(t, slices, 1)
	assert.True(t, slices[0].PlannedQuantity.Equal(params.TotalQuantity))
}

func TestStartRejectsInvalidParams(t *testing.T) {
	sched := newTestScheduler(t, &recordingSubmitter{}, &stubMarketData{})

	_, err := sched.Start("", "BTCUSDT", domain.SideBuy, domain.TWAPParameters{
		TotalQuantity: decimal.NewFromInt(1), DurationMinutes: 1, SliceCount: 1,
	})
	assert.Error(t, err)

	_, err = sched.Start("strat", "BTCUSDT", domain.SideBuy, domain.TWAPParameters{
		TotalQuantity: decimal.Zero, DurationMinutes: 1, SliceCount: 1,
	})
	assert.Error(t, err)
}

func TestStartBuildsRunningExecutionWithFullSlicePlan(t *testing.T) {
	sched := newTestScheduler(t, &recordingSubmitter{}, &stubMarketData{})

	id, err := sched.Start("strat-1", "ETHUSDT", domain.SideSell, domain.TWAPParameters{
		TotalQuantity:   decimal.NewFromInt(2000),
		DurationMinutes: 10,
		SliceCount:      10,
	})
	require.NoError(t, err)

	exec, ok := sched.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.ExecutionStatusRunning, exec.Status)
	assert.Len(t, exec.Slices, 10)
	assert.True(t, exec.RemainingQuantity.Equal(decimal.NewFromInt(2000)))
}

func TestDispatchSubmitsChildOrdersAndCompletesOnFullFill(t *testing.T) {
	sub := &recordingSubmitter{}
	md := &stubMarketData{snapshots: map[string]domain.MarketData{
		"ETHUSDT": {
			Symbol:    "ETHUSDT",
			BestBid:   decimal.NewFromInt(1999),
			BestAsk:   decimal.NewFromInt(2001),
			LastPrice: decimal.NewFromInt(2000),
			Volume:    decimal.NewFromInt(10000),
		},
	}}
	sched := newTestScheduler(t, sub, md)

	id, err := sched.Start("strat-1", "ETHUSDT", domain.SideSell, domain.TWAPParameters{
		TotalQuantity:   decimal.NewFromInt(10),
		DurationMinutes: 1,
		SliceCount:      1,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sub.createdCount() >= 1
	}, time.Second, 5*time.Millisecond)

	exec, ok := sched.Get(id)
	require.True(t, ok)
	require.Len(t, exec.ChildOrderIDs, 1)
	childID := exec.ChildOrderIDs[0]

	sched.OnOrderEvent(orderEventFor(childID, decimal.NewFromInt(10), decimal.NewFromInt(2000)))

	exec, ok = sched.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.ExecutionStatusCompleted, exec.Status)
	assert.True(t, exec.ExecutedQuantity.Equal(decimal.NewFromInt(10)))
}

func TestCancelDrainsInFlightChildren(t *testing.T) {
	sub := &recordingSubmitter{}
	sched := newTestScheduler(t, sub, &stubMarketData{})

	id, err := sched.Start("strat-1", "BTCUSDT", domain.SideBuy, domain.TWAPParameters{
		TotalQuantity:   decimal.NewFromInt(1),
		DurationMinutes: 1,
		SliceCount:      1,
	})
	require.NoError(t, err)

	require.NoError(t, sched.Cancel(context.Background(), id))
	exec, ok := sched.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.ExecutionStatusCancelled, exec.Status)

	// Cancel is idempotent on a terminal execution.
	require.NoError(t, sched.Cancel(context.Background(), id))
}

func TestPauseResumeStateMachine(t *testing.T) {
	sched := newTestScheduler(t, &recordingSubmitter{}, &stubMarketData{})
	id, err := sched.Start("strat-1", "BTCUSDT", domain.SideBuy, domain.TWAPParameters{
		TotalQuantity: decimal.NewFromInt(1), DurationMinutes: 1, SliceCount: 1,
	})
	require.NoError(t, err)

	require.NoError(t, sched.Pause(id))
	exec, _ := sched.Get(id)
	assert.Equal(t, domain.ExecutionStatusPaused, exec.Status)

	// Pausing an already-paused execution is rejected.
	assert.Error(t, sched.Pause(id))

	require.NoError(t, sched.Resume(id))
	exec, _ = sched.Get(id)
	assert.Equal(t, domain.ExecutionStatusRunning, exec.Status)
}

func orderEventFor(orderID string, filled, avgPrice decimal.Decimal) orders.OrderEvent {
	return orders.OrderEvent{
		Type: "order.filled",
		Order: domain.Order{
			ID:               orderID,
			FilledQuantity:   filled,
			AverageFillPrice: avgPrice,
			Status:           domain.OrderStatusFilled,
		},
	}
}

func partialOrderEventFor(orderID string, filled, avgPrice decimal.Decimal) orders.OrderEvent {
	return orders.OrderEvent{
		Type: "order.partial",
		Order: domain.Order{
			ID:               orderID,
			FilledQuantity:   filled,
			AverageFillPrice: avgPrice,
			Status:           domain.OrderStatusPartiallyFilled,
		},
	}
}

// TestDispatchAdvancesThroughAllSlicesToCompletion is scenario S2: a
// 10-slice, 2000-quantity execution must dispatch and fill every slice in
// turn, with each full fill rescheduling the next slice, until the
// execution's remaining quantity reaches zero and it completes.
func TestDispatchAdvancesThroughAllSlicesToCompletion(t *testing.T) {
	sub := &recordingSubmitter{}
	md := &stubMarketData{snapshots: map[string]domain.MarketData{
		"ETHUSDT": {
			Symbol:    "ETHUSDT",
			BestBid:   decimal.NewFromInt(1999),
			BestAsk:   decimal.NewFromInt(2001),
			LastPrice: decimal.NewFromInt(2000),
		},
	}}
	sched := newTestScheduler(t, sub, md)

	id, err := sched.Start("strat-1", "ETHUSDT", domain.SideSell, domain.TWAPParameters{
		TotalQuantity:   decimal.NewFromInt(2000),
		DurationMinutes: 1,
		SliceCount:      10,
	})
	require.NoError(t, err)

	seen := 0
	for i := 0; i < 10; i++ {
		require.Eventually(t, func() bool {
			exec, ok := sched.Get(id)
			return ok && len(exec.ChildOrderIDs) > seen
		}, time.Second, 5*time.Millisecond, "slice %d never dispatched", i+1)

		exec, ok := sched.Get(id)
		require.True(t, ok)
		childID := exec.ChildOrderIDs[seen]
		seen++

		sched.OnOrderEvent(orderEventFor(childID, decimal.NewFromInt(200), decimal.NewFromInt(2000)))
	}

	exec, ok := sched.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.ExecutionStatusCompleted, exec.Status)
	assert.True(t, exec.ExecutedQuantity.Equal(decimal.NewFromInt(2000)),
		"expected executed quantity 2000, got %s", exec.ExecutedQuantity)
	assert.True(t, exec.RemainingQuantity.IsZero())
}

// TestOnOrderEventAccumulatesPartialFillsByDelta ensures a child reporting
// PARTIALLY_FILLED before FILLED contributes its fill exactly once: the
// second (terminal) event must apply only the quantity filled since the
// first event, not the full cumulative amount again.
func TestOnOrderEventAccumulatesPartialFillsByDelta(t *testing.T) {
	sub := &recordingSubmitter{}
	md := &stubMarketData{snapshots: map[string]domain.MarketData{
		"BTCUSDT": {Symbol: "BTCUSDT", BestBid: decimal.NewFromInt(29999), BestAsk: decimal.NewFromInt(30001)},
	}}
	sched := newTestScheduler(t, sub, md)

	id, err := sched.Start("strat-1", "BTCUSDT", domain.SideBuy, domain.TWAPParameters{
		TotalQuantity:   decimal.NewFromInt(1),
		DurationMinutes: 1,
		SliceCount:      1,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sub.createdCount() >= 1
	}, time.Second, 5*time.Millisecond)

	exec, ok := sched.Get(id)
	require.True(t, ok)
	childID := exec.ChildOrderIDs[0]

	sched.OnOrderEvent(partialOrderEventFor(childID, decimal.NewFromFloat(0.4), decimal.NewFromInt(30000)))
	exec, ok = sched.Get(id)
	require.True(t, ok)
	assert.True(t, exec.ExecutedQuantity.Equal(decimal.NewFromFloat(0.4)))
	assert.Equal(t, domain.ExecutionStatusRunning, exec.Status)

	sched.OnOrderEvent(orderEventFor(childID, decimal.NewFromInt(1), decimal.NewFromInt(30000)))
	exec, ok = sched.Get(id)
	require.True(t, ok)
	assert.True(t, exec.ExecutedQuantity.Equal(decimal.NewFromInt(1)),
		"expected cumulative fill of 1, got %s", exec.ExecutedQuantity)
	assert.Equal(t, domain.ExecutionStatusCompleted, exec.Status)
}
