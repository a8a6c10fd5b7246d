package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/execengine/internal/domain"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(eventType string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == eventType {
			n++
		}
	}
	return n
}

type stubGateway struct {
	mu          sync.Mutex
	submitErr   error
	cancelErr   error
	submittedID string
}

func (g *stubGateway) SubmitOrder(ctx context.Context, order domain.Order) (string, error) {
	if g.submitErr != nil {
		return "", g.submitErr
	}
	return "EX-" + order.ID, nil
}

func (g *stubGateway) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	return g.cancelErr
}

func (g *stubGateway) ModifyOrder(ctx context.Context, exchangeOrderID string, quantity, price decimal.Decimal) error {
	return nil
}

func newTestOrder() domain.Order {
	return domain.Order{
		StrategyID: "strat-1",
		Symbol:     "BTCUSDT",
		Side:       domain.SideBuy,
		Type:       domain.OrderTypeLimit,
		Quantity:   decimal.NewFromInt(1),
		Price:      decimal.NewFromInt(65000),
	}
}

func newTestStore(t *testing.T, cfg Config, gw Gateway) (*Store, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	s := New(cfg, gw, pub, nil)
	t.Cleanup(s.Stop)
	return s, pub
}

func TestCreateAssignsIDAndPendingStatus(t *testing.T) {
	s, pub := newTestStore(t, Config{}, nil)

	id, err := s.Create(newTestOrder())
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Regexp(t, `^ORD_\d+_\d{6}$`, id)

	o, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusPending, o.Status)
	assert.Eventually(t, func() bool { return pub.count(EventOrderCreated) == 1 }, time.Second, time.Millisecond)
}

func TestCreateRejectsInvalidOrders(t *testing.T) {
	s, _ := newTestStore(t, Config{}, nil)

	bad := newTestOrder()
	bad.Quantity = decimal.Zero
	_, err := s.Create(bad)
	assert.Error(t, err)

	bad2 := newTestOrder()
	bad2.Price = decimal.Zero
	_, err = s.Create(bad2)
	assert.Error(t, err)
}

func TestDuplicateDetectionSuppressesSecondCreate(t *testing.T) {
	s, _ := newTestStore(t, Config{EnableDuplicateDetection: true}, nil)

	o := newTestOrder()
	id1, err := s.Create(o)
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := s.Create(o)
	require.NoError(t, err)
	assert.Empty(t, id2, "identical in-flight order must be suppressed as a duplicate")
}

func TestSubmitTransitionsToSubmittedOnSuccess(t *testing.T) {
	gw := &stubGateway{}
	s, pub := newTestStore(t, Config{}, gw)

	id, err := s.Create(newTestOrder())
	require.NoError(t, err)

	require.NoError(t, s.Submit(context.Background(), id))

	o, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusSubmitted, o.Status)
	assert.Equal(t, "EX-"+id, o.ExchangeOrderID)
	assert.Eventually(t, func() bool { return pub.count(EventOrderSubmitted) == 1 }, time.Second, time.Millisecond)
}

func TestSubmitRejectedByGatewayTransitionsToRejected(t *testing.T) {
	gw := &stubGateway{submitErr: assertErr("exchange down")}
	s, pub := newTestStore(t, Config{}, gw)

	id, err := s.Create(newTestOrder())
	require.NoError(t, err)

	require.NoError(t, s.Submit(context.Background(), id))

	o, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusRejected, o.Status)
	assert.Equal(t, "exchange down", o.ErrorMessage)
	assert.Eventually(t, func() bool { return pub.count(EventOrderRejected) == 1 }, time.Second, time.Millisecond)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestIllegalTransitionIsSilentlyRejected(t *testing.T) {
	s, _ := newTestStore(t, Config{}, nil)

	id, err := s.Create(newTestOrder())
	require.NoError(t, err)

	// Cancel a still-PENDING order: legal, goes to CANCELLED.
	require.NoError(t, s.Cancel(context.Background(), id))
	o, _ := s.Get(id)
	assert.Equal(t, domain.OrderStatusCancelled, o.Status)

	// Submitting an already-CANCELLED order must be a no-op, not an error.
	require.NoError(t, s.Submit(context.Background(), id))
	o, _ = s.Get(id)
	assert.Equal(t, domain.OrderStatusCancelled, o.Status, "terminal order must not be resurrected")
}

func TestProcessTradePartialThenFullFill(t *testing.T) {
	gw := &stubGateway{}
	s, pub := newTestStore(t, Config{}, gw)

	o := newTestOrder()
	o.Quantity = decimal.NewFromInt(10)
	id, err := s.Create(o)
	require.NoError(t, err)
	require.NoError(t, s.Submit(context.Background(), id))

	require.NoError(t, s.ProcessTrade(domain.Trade{
		OrderID:  id,
		Symbol:   "BTCUSDT",
		Side:     domain.SideBuy,
		Price:    decimal.NewFromInt(100),
		Quantity: decimal.NewFromInt(4),
	}))

	got, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(decimal.NewFromInt(4)))
	assert.True(t, got.AverageFillPrice.Equal(decimal.NewFromInt(100)))

	require.NoError(t, s.ProcessTrade(domain.Trade{
		OrderID:  id,
		Symbol:   "BTCUSDT",
		Side:     domain.SideBuy,
		Price:    decimal.NewFromInt(110),
		Quantity: decimal.NewFromInt(6),
	}))

	got, ok = s.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.True(t, got.FilledQuantity.LessThanOrEqual(got.Quantity), "filled quantity must never exceed order quantity")
	// weighted average: (4*100 + 6*110) / 10 = 106
	assert.True(t, got.AverageFillPrice.Equal(decimal.NewFromInt(106)), "expected weighted-mean fill price of 106, got %s", got.AverageFillPrice)

	trades := s.Trades(id)
	assert.Len(t, trades, 2)
	assert.Eventually(t, func() bool { return pub.count(EventOrderFilled) == 1 }, time.Second, time.Millisecond)
}

func TestLateFillAfterTerminalStatusIsRecordedButDoesNotRevive(t *testing.T) {
	s, _ := newTestStore(t, Config{}, nil)

	id, err := s.Create(newTestOrder())
	require.NoError(t, err)
	require.NoError(t, s.Cancel(context.Background(), id))

	o, _ := s.Get(id)
	require.Equal(t, domain.OrderStatusCancelled, o.Status)

	require.NoError(t, s.ProcessTrade(domain.Trade{
		OrderID:  id,
		Quantity: decimal.NewFromInt(1),
		Price:    decimal.NewFromInt(100),
	}))

	after, _ := s.Get(id)
	assert.Equal(t, domain.OrderStatusCancelled, after.Status, "a late fill must not resurrect a CANCELLED order")
	assert.True(t, after.FilledQuantity.IsZero(), "late fill must not move filled quantity on a terminal order")
	assert.Len(t, s.Trades(id), 1, "late fill is still recorded in the trade ledger for audit")
}

func TestCancelDuringPartialFillSucceeds(t *testing.T) {
	gw := &stubGateway{}
	s, _ := newTestStore(t, Config{}, gw)

	o := newTestOrder()
	o.Quantity = decimal.NewFromInt(10)
	id, err := s.Create(o)
	require.NoError(t, err)
	require.NoError(t, s.Submit(context.Background(), id))
	require.NoError(t, s.ProcessTrade(domain.Trade{OrderID: id, Quantity: decimal.NewFromInt(3), Price: decimal.NewFromInt(50)}))

	require.NoError(t, s.Cancel(context.Background(), id))

	o2, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusCancelled, o2.Status)
	assert.True(t, o2.FilledQuantity.Equal(decimal.NewFromInt(3)), "partial fill quantity must survive a subsequent cancel")
}

func TestMaxPendingOrdersEnforced(t *testing.T) {
	s, _ := newTestStore(t, Config{MaxPending: 1}, nil)

	_, err := s.Create(newTestOrder())
	require.NoError(t, err)

	_, err = s.Create(newTestOrder())
	assert.Error(t, err, "second concurrently-live order must be rejected once max_pending_orders is reached")
}

func TestExpirySweepForceCancelsStaleOrders(t *testing.T) {
	s, pub := newTestStore(t, Config{OrderTimeout: 10 * time.Millisecond, CleanupInterval: 5 * time.Millisecond}, nil)

	id, err := s.Create(newTestOrder())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		o, ok := s.Get(id)
		return ok && o.Status == domain.OrderStatusCancelled
	}, time.Second, 5*time.Millisecond, "stale pending order must be force-cancelled by the sweep")

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Expired)
	assert.Eventually(t, func() bool { return pub.count(EventOrderCancelled) == 1 }, time.Second, time.Millisecond)
}

func TestSweepDeletesTerminalOrdersPastRetention(t *testing.T) {
	s, _ := newTestStore(t, Config{Retention: 5 * time.Millisecond, CleanupInterval: 5 * time.Millisecond}, nil)

	id, err := s.Create(newTestOrder())
	require.NoError(t, err)
	require.NoError(t, s.Cancel(context.Background(), id))

	assert.Eventually(t, func() bool {
		_, ok := s.Get(id)
		return !ok
	}, time.Second, 5*time.Millisecond, "terminal order past retention must be purged")
}

func TestModifyUpdatesQuantityAndPrice(t *testing.T) {
	s, pub := newTestStore(t, Config{}, nil)

	id, err := s.Create(newTestOrder())
	require.NoError(t, err)

	require.NoError(t, s.Modify(context.Background(), id, decimal.NewFromInt(2), decimal.NewFromInt(64000)))

	o, ok := s.Get(id)
	require.True(t, ok)
	assert.True(t, o.Quantity.Equal(decimal.NewFromInt(2)))
	assert.True(t, o.Price.Equal(decimal.NewFromInt(64000)))
	assert.Eventually(t, func() bool { return pub.count(EventOrderModified) == 1 }, time.Second, time.Millisecond)
}

func TestSyncFromExchangeUpsertsOrder(t *testing.T) {
	s, _ := newTestStore(t, Config{}, nil)

	s.SyncFromExchange(domain.Order{
		ID:     "ORD_999_000001",
		Symbol: "ETHUSDT",
		Status: domain.OrderStatusFilled,
	})

	o, ok := s.Get("ORD_999_000001")
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
}
