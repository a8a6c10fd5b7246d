package controller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/execengine/internal/callback"
	"github.com/tradecore/execengine/internal/domain"
	"github.com/tradecore/execengine/internal/gateway"
	"github.com/tradecore/execengine/internal/orders"
	"github.com/tradecore/execengine/internal/positions"
	"github.com/tradecore/execengine/internal/riskgate"
	"github.com/tradecore/execengine/internal/twap"
)

// fakeSignalSource is a channel-backed stand-in for the SignalRing.
type fakeSignalSource struct {
	ch chan domain.Signal
}

func newFakeSignalSource() *fakeSignalSource {
	return &fakeSignalSource{ch: make(chan domain.Signal, 64)}
}

func (f *fakeSignalSource) PopWait(timeout time.Duration) (domain.Signal, bool) {
	select {
	case s := <-f.ch:
		return s, true
	case <-time.After(timeout):
		return domain.Signal{}, false
	}
}

func (f *fakeSignalSource) push(s domain.Signal) { f.ch <- s }

// fakeReportSink is a stand-in for the ReportRing.
type fakeReportSink struct {
	mu      sync.Mutex
	reports []domain.OrderReport
}

func (f *fakeReportSink) Push(r domain.OrderReport) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	return true
}

func (f *fakeReportSink) all() []domain.OrderReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.OrderReport(nil), f.reports...)
}

// fakeSession is a scripted ExchangeSession: SubmitOrder acks synchronously
// and test code triggers fills asynchronously via emitFill, the way a real
// exchange's user-data stream would.
type fakeSession struct {
	mu     sync.Mutex
	events chan gateway.SessionEvent
	n      int
	acks   []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan gateway.SessionEvent, 64)}
}

func (s *fakeSession) Connect() error { return nil }

func (s *fakeSession) SubmitOrder(req gateway.OrderRequest) (gateway.OrderAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	id := fmt.Sprintf("EX-%d", s.n)
	s.acks = append(s.acks, id)
	return gateway.OrderAck{ExchangeOrderID: id, AcceptedAt: time.Now()}, nil
}

func (s *fakeSession) CancelOrder(string) error                                 { return nil }
func (s *fakeSession) ModifyOrder(string, decimal.Decimal, decimal.Decimal) error { return nil }
func (s *fakeSession) Events() <-chan gateway.SessionEvent                       { return s.events }
func (s *fakeSession) Close() error                                             { return nil }

func (s *fakeSession) lastAck() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.acks) == 0 {
		return "", false
	}
	return s.acks[len(s.acks)-1], true
}

func (s *fakeSession) emitFill(exchangeOrderID string, qty, price decimal.Decimal) {
	s.events <- gateway.SessionEvent{
		Type: gateway.EventOrderUpdate,
		Order: gateway.OrderUpdate{
			ExchangeOrderID: exchangeOrderID,
			FilledQuantity:  qty,
			FillPrice:       price,
			Timestamp:       time.Now(),
		},
	}
}

type stubSymbolSource struct {
	info  domain.SymbolInfo
	found bool
}

func (s stubSymbolSource) Lookup(ctx context.Context, symbol string) (domain.SymbolInfo, bool, error) {
	return s.info, s.found, nil
}

type testHarness struct {
	controller *Controller
	signals    *fakeSignalSource
	reports    *fakeReportSink
	store      *orders.Store
	session    *fakeSession
	gate       *riskgate.Gate
}

func newHarness(t *testing.T, riskCfg riskgate.Config, symbols riskgate.SymbolInfoSource, orderCfg orders.Config, promotionThreshold decimal.Decimal) *testHarness {
	t.Helper()

	callbacks := callback.New(callback.Config{}, nil)
	t.Cleanup(callbacks.Stop)

	session := newFakeSession()
	gw := gateway.New(gateway.Config{}, session, nil, nil)
	t.Cleanup(gw.Stop)

	store := orders.New(orderCfg, gw, NewOrderPublisher(callbacks), nil)
	t.Cleanup(store.Stop)

	gate := riskgate.New(riskCfg, symbols, nil)
	sched := twap.New(twap.Config{}, store, nil, nil, nil)
	t.Cleanup(sched.Stop)
	ledger := positions.New()

	signals := newFakeSignalSource()
	reports := &fakeReportSink{}

	cfg := Config{
		WorkerCount:                     2,
		EnableOrderFeedback:             true,
		RingPopTimeout:                  5 * time.Millisecond,
		HeartbeatInterval:               20 * time.Millisecond,
		StatisticsInterval:              20 * time.Millisecond,
		PromotionQuantityThreshold:      promotionThreshold,
		PromotionValueThreshold:         decimal.NewFromInt(1_000_000_000),
		PromotionMarketImpactThreshold:  decimal.NewFromFloat(0.9),
	}

	ctrl := New(cfg, Dependencies{
		SignalRing: signals,
		ReportRing: reports,
		OrderStore: store,
		Gate:       gate,
		TWAP:       sched,
		Gateway:    gw,
		Callbacks:  callbacks,
		Positions:  ledger,
	})

	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(ctrl.Stop)

	return &testHarness{controller: ctrl, signals: signals, reports: reports, store: store, session: session, gate: gate}
}

// TestDirectOrderFillsAndReportsStatusFilled is scenario S1: a small BUY
// below every promotion threshold goes direct and, once the exchange
// reports a full fill, ends up FILLED with the correct average price and a
// ReportRing record reflecting it.
func TestDirectOrderFillsAndReportsStatusFilled(t *testing.T) {
	h := newHarness(t, riskgate.Config{FailOpenOnMissingSymbol: true}, nil, orders.Config{}, decimal.NewFromInt(1000))

	h.signals.push(domain.Signal{
		Symbol:         "BTCUSDT",
		Side:           domain.SideBuy,
		Type:           domain.SignalTypeBuy,
		TargetPrice:    decimal.NewFromInt(30000),
		TargetQuantity: decimal.NewFromFloat(0.5),
		Timestamp:      time.Now(),
	})

	var exchangeID string
	require.Eventually(t, func() bool {
		id, ok := h.session.lastAck()
		exchangeID = id
		return ok
	}, time.Second, 5*time.Millisecond)

	h.session.emitFill(exchangeID, decimal.NewFromFloat(0.5), decimal.NewFromInt(30000))

	require.Eventually(t, func() bool {
		o, ok := h.store.FindByExchangeOrderID(exchangeID)
		return ok && o.Status == domain.OrderStatusFilled
	}, time.Second, 5*time.Millisecond)

	o, ok := h.store.FindByExchangeOrderID(exchangeID)
	require.True(t, ok)
	assert.True(t, o.AverageFillPrice.Equal(decimal.NewFromInt(30000)))
	assert.True(t, o.FilledQuantity.Equal(decimal.NewFromFloat(0.5)))

	require.Eventually(t, func() bool {
		for _, r := range h.reports.all() {
			if r.OrderID == o.ID && r.Status == domain.OrderStatusFilled {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

// TestDuplicateSignalsSuppressSecondOrder is scenario S3: two rapid signals
// carrying an identical (strategy, symbol, side, quantity, price) admit only
// one live order.
func TestDuplicateSignalsSuppressSecondOrder(t *testing.T) {
	h := newHarness(t, riskgate.Config{FailOpenOnMissingSymbol: true}, nil,
		orders.Config{EnableDuplicateDetection: true}, decimal.NewFromInt(1000))

	sig := domain.Signal{
		Symbol:         "BTCUSDT",
		Side:           domain.SideBuy,
		Type:           domain.SignalTypeBuy,
		TargetPrice:    decimal.NewFromInt(30000),
		TargetQuantity: decimal.NewFromInt(1),
		Timestamp:      time.Now(),
	}
	h.signals.push(sig)
	h.signals.push(sig)

	require.Eventually(t, func() bool {
		return h.controller.Stats().OrdersCreated >= 1
	}, time.Second, 5*time.Millisecond)

	// Give the second (duplicate) signal time to be processed and dropped.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), h.controller.Stats().OrdersCreated)
	assert.Equal(t, 1, h.store.LiveCount())
}

// TestMinNotionalRejectionDropsSignal is scenario S6: a signal whose
// notional falls below the symbol's minimum is rejected by the gate before
// any order is created.
func TestMinNotionalRejectionDropsSignal(t *testing.T) {
	symbols := stubSymbolSource{
		found: true,
		info: domain.SymbolInfo{
			Symbol:      "BTCUSDT",
			Tradable:    true,
			MinNotional: decimal.NewFromInt(10),
		},
	}
	h := newHarness(t, riskgate.Config{EnableMinNotionalCheck: true}, symbols, orders.Config{}, decimal.NewFromInt(1000))

	h.signals.push(domain.Signal{
		Symbol:         "BTCUSDT",
		Side:           domain.SideBuy,
		Type:           domain.SignalTypeBuy,
		TargetPrice:    decimal.NewFromInt(10000),
		TargetQuantity: decimal.NewFromFloat(0.0001),
		Timestamp:      time.Now(),
	})

	require.Eventually(t, func() bool {
		return h.controller.Stats().RuleViolations >= 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(0), h.controller.Stats().OrdersCreated)
	events := h.gate.RecentEvents()
	require.NotEmpty(t, events)
	assert.Equal(t, domain.RuleRejectMinNotional, events[len(events)-1].Result)
}

// TestLargeSignalPromotesToTWAP is scenario S2's promotion decision: a
// quantity above the threshold starts a TWAP execution instead of a direct
// order.
func TestLargeSignalPromotesToTWAP(t *testing.T) {
	h := newHarness(t, riskgate.Config{FailOpenOnMissingSymbol: true}, nil, orders.Config{}, decimal.NewFromInt(1000))

	h.signals.push(domain.Signal{
		Symbol:         "ETHUSDT",
		Side:           domain.SideSell,
		Type:           domain.SignalTypeSell,
		TargetPrice:    decimal.NewFromInt(2000),
		TargetQuantity: decimal.NewFromInt(2000),
		Timestamp:      time.Now(),
	})

	require.Eventually(t, func() bool {
		return h.controller.Stats().AlgoExecutionsStarted >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), h.controller.Stats().DirectOrdersExecuted)
}
