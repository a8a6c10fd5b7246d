// Package controller implements ExecutionController, the top-level
// orchestrator that owns every other component: it pumps signals out of the
// ingress ring onto an in-process worker pool, runs each through the
// trading-rule gate, decides direct-vs-TWAP dispatch, and forwards order and
// trade events to callbacks, positions, and the egress ring.
package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/tradecore/execengine/internal/callback"
	"github.com/tradecore/execengine/internal/domain"
	"github.com/tradecore/execengine/internal/gateway"
	"github.com/tradecore/execengine/internal/marketdata"
	"github.com/tradecore/execengine/internal/orders"
	"github.com/tradecore/execengine/internal/positions"
	"github.com/tradecore/execengine/internal/queue"
	"github.com/tradecore/execengine/internal/riskgate"
	"github.com/tradecore/execengine/internal/twap"
	"github.com/tradecore/execengine/pkg/observability"
)

// SignalSource is the minimal ingress surface the pump reads from.
// *ring.SignalRing satisfies this; tests supply a channel-backed stub.
type SignalSource interface {
	PopWait(timeout time.Duration) (domain.Signal, bool)
}

// ReportSink is the minimal egress surface order reports are pushed onto.
// *ring.ReportRing satisfies this.
type ReportSink interface {
	Push(domain.OrderReport) bool
}

// Config tunes the controller's pump/worker/heartbeat/statistics cadence and
// the direct-vs-TWAP promotion thresholds.
type Config struct {
	WorkerCount          int
	DefaultStrategyID    string
	IsFutures            bool
	EnableOrderFeedback  bool
	RingPopTimeout       time.Duration
	HeartbeatInterval    time.Duration
	StatisticsInterval   time.Duration

	PromotionQuantityThreshold     decimal.Decimal
	PromotionValueThreshold        decimal.Decimal
	PromotionMarketImpactThreshold decimal.Decimal

	TWAPDefaults domain.TWAPParameters
}

func (c *Config) setDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.DefaultStrategyID == "" {
		c.DefaultStrategyID = "default"
	}
	if c.RingPopTimeout <= 0 {
		c.RingPopTimeout = 50 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.StatisticsInterval <= 0 {
		c.StatisticsInterval = 5 * time.Second
	}
	if c.TWAPDefaults.SliceCount <= 0 {
		c.TWAPDefaults.SliceCount = 10
	}
	if c.TWAPDefaults.DurationMinutes <= 0 {
		c.TWAPDefaults.DurationMinutes = 10
	}
	if c.TWAPDefaults.ParticipationRate <= 0 {
		c.TWAPDefaults.ParticipationRate = 0.1
	}
	if c.TWAPDefaults.PriceTolerance.IsZero() {
		c.TWAPDefaults.PriceTolerance = decimal.NewFromFloat(0.001)
	}
}

// Dependencies are the component singletons the controller wires together
// and owns the lifecycle of. OrderStore, Gate and TWAP are required.
// SignalRing and ReportRing may be nil (the latter disables report emission
// regardless of EnableOrderFeedback), and so may Gateway, Callbacks,
// MarketData, Positions, Logger and Metrics; each nil one is skipped.
type Dependencies struct {
	SignalRing SignalSource
	ReportRing ReportSink

	OrderStore *orders.Store
	Gate       *riskgate.Gate
	TWAP       *twap.Scheduler
	Gateway    *gateway.Adapter
	Callbacks  *callback.Manager
	MarketData *marketdata.Cache
	Positions  *positions.Ledger

	Logger  *observability.Logger
	Metrics *observability.MetricsProvider
}

// Stats are the controller's running counters, aggregated and published by
// the statistics goroutine.
type Stats struct {
	SignalsProcessed    int64
	SignalsDropped      int64
	OrdersCreated       int64
	DirectOrdersExecuted int64
	AlgoExecutionsStarted int64
	AlgoExecutionsFailed  int64
	RuleViolations        int64
	TradesProcessed       int64
}

type queuedSignal struct {
	signal    domain.Signal
	arrivedAt time.Time
}

// eventPublisher adapts *callback.Manager to orders.Publisher so OrderStore
// can emit without knowing about the callback package's Event type.
type eventPublisher struct{ mgr *callback.Manager }

func (p eventPublisher) Publish(eventType string, payload interface{}) {
	p.mgr.Publish(callback.Event{Type: eventType, Payload: payload})
}

// Controller is ExecutionController.
type Controller struct {
	cfg  Config
	deps Dependencies

	queue *queue.LockFreeQueue[queuedSignal]

	stats      Stats
	heartbeat  int64 // unix nano, atomic
	cancel     context.CancelFunc
	group      *errgroup.Group
	regIDs     []int64
	runningMu  sync.Mutex
	running    bool
}

// New wires a Controller around deps. Callers are responsible for
// constructing every dependency (including attaching deps.OrderStore's
// Publisher via NewOrderPublisher, below) before calling Start.
func New(cfg Config, deps Dependencies) *Controller {
	cfg.setDefaults()
	return &Controller{
		cfg:   cfg,
		deps:  deps,
		queue: queue.NewLockFreeQueue[queuedSignal](),
	}
}

// NewOrderPublisher returns the orders.Publisher OrderStore should be
// constructed with so its events reach this controller's callback manager.
// Call this before orders.New, then pass deps.OrderStore into Dependencies.
func NewOrderPublisher(mgr *callback.Manager) orders.Publisher {
	return eventPublisher{mgr: mgr}
}

// Start registers event observers and launches the pump, worker,
// heartbeat, and statistics goroutines. Returns once everything is running;
// call Stop to shut down in the documented order.
func (c *Controller) Start(ctx context.Context) error {
	c.runningMu.Lock()
	if c.running {
		c.runningMu.Unlock()
		return fmt.Errorf("controller: already started")
	}
	c.running = true
	c.runningMu.Unlock()

	c.registerObservers()

	if c.deps.Gateway != nil {
		if err := c.deps.Gateway.Start(ctx); err != nil {
			c.runningMu.Lock()
			c.running = false
			c.runningMu.Unlock()
			return fmt.Errorf("controller: gateway start: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	c.group = g

	g.Go(func() error { c.pump(gctx); return nil })
	for i := 0; i < c.cfg.WorkerCount; i++ {
		g.Go(func() error { c.worker(gctx); return nil })
	}
	g.Go(func() error { c.heartbeatLoop(gctx); return nil })
	g.Go(func() error { c.statisticsLoop(gctx); return nil })

	if c.deps.Logger != nil {
		c.deps.Logger.Info(ctx, "execution controller started", map[string]interface{}{
			"workers": c.cfg.WorkerCount,
		})
	}
	return nil
}

// registerObservers wires the callback manager's fan-out into TWAP progress
// tracking, the position ledger, and (when enabled) report-ring emission.
// This is the message-passing substitute for a direct back-reference
// between TWAPScheduler and OrderStore.
func (c *Controller) registerObservers() {
	if c.deps.Callbacks == nil {
		return
	}

	if c.deps.TWAP != nil {
		onFill := func(e callback.Event) {
			if o, ok := e.Payload.(domain.Order); ok {
				c.deps.TWAP.OnOrderEvent(orders.OrderEvent{Type: e.Type, Order: o})
			}
		}
		c.regIDs = append(c.regIDs, c.deps.Callbacks.RegisterType(orders.EventOrderFilled, onFill))
		c.regIDs = append(c.regIDs, c.deps.Callbacks.RegisterType(orders.EventOrderPartial, onFill))
	}

	if c.deps.Positions != nil {
		id := c.deps.Callbacks.RegisterType(orders.EventTradeProcessed, func(e callback.Event) {
			if te, ok := e.Payload.(orders.TradeEvent); ok {
				c.deps.Positions.Apply(te.Order.StrategyID, te.Trade)
				atomic.AddInt64(&c.stats.TradesProcessed, 1)
			}
		})
		c.regIDs = append(c.regIDs, id)
	}

	if c.cfg.EnableOrderFeedback && c.deps.ReportRing != nil {
		id := c.deps.Callbacks.RegisterPredicate(
			func(e callback.Event) bool { return strings.HasPrefix(e.Type, "order.") },
			func(e callback.Event) {
				if o, ok := e.Payload.(domain.Order); ok {
					c.deps.ReportRing.Push(orderToReport(o))
				}
			},
		)
		c.regIDs = append(c.regIDs, id)
	}

	if c.deps.Gateway != nil && c.deps.OrderStore != nil {
		c.deps.Gateway.RegisterOrderUpdateHandler(func(u gateway.OrderUpdate) {
			o, ok := c.deps.OrderStore.FindByExchangeOrderID(u.ExchangeOrderID)
			if !ok || u.FilledQuantity.LessThanOrEqual(decimal.Zero) {
				return
			}
			_ = c.deps.OrderStore.ProcessTrade(domain.Trade{
				OrderID:    o.ID,
				Symbol:     o.Symbol,
				Side:       o.Side,
				Price:      u.FillPrice,
				Quantity:   u.FilledQuantity,
				Commission: u.Commission,
				Timestamp:  u.Timestamp,
			})
		})
	}
}

func orderToReport(o domain.Order) domain.OrderReport {
	return domain.OrderReport{
		OrderID:        o.ID,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Type:           o.Type,
		Status:         o.Status,
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		Price:          o.Price,
		AvgFillPrice:   o.AverageFillPrice,
		Timestamp:      o.UpdatedAt,
		ErrorMessage:   o.ErrorMessage,
	}
}

// pump dequeues a batch of signals from the ingress ring and enqueues each
// onto the in-process LockFreeQueue with a monotonic arrival timestamp.
func (c *Controller) pump(ctx context.Context) {
	if c.deps.SignalRing == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		sig, ok := c.deps.SignalRing.PopWait(c.cfg.RingPopTimeout)
		if !ok {
			continue
		}
		c.queue.Enqueue(queuedSignal{signal: sig, arrivedAt: time.Now()})
	}
}

// worker dequeues signals and drives them through the gate and
// direct-vs-TWAP dispatch. Polls with a short sleep when the queue is empty
// since LockFreeQueue never blocks.
func (c *Controller) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		qs, ok := c.queue.Dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Millisecond):
			}
			continue
		}
		c.process(ctx, qs.signal)
	}
}

// process runs one signal through trading rules and promotion, then
// dispatches either a TWAP execution or a direct order.
func (c *Controller) process(ctx context.Context, sig domain.Signal) {
	atomic.AddInt64(&c.stats.SignalsProcessed, 1)
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordSignalReceived(ctx, sig.Symbol)
	}

	switch sig.Type {
	case domain.SignalTypeHold:
		return
	case domain.SignalTypeClose:
		c.processClose(ctx, sig)
		return
	}

	order := c.protoOrder(sig)
	result := c.deps.Gate.Check(ctx, order, c.cfg.IsFutures)
	if result != domain.RulePass {
		atomic.AddInt64(&c.stats.RuleViolations, 1)
		if c.deps.Metrics != nil {
			c.deps.Metrics.RecordRuleRejection(ctx, string(result))
		}
		return
	}

	marketVolume := decimal.Zero
	refPrice := order.Price
	if c.deps.MarketData != nil {
		if snap, ok := c.deps.MarketData.Get(ctx, sig.Symbol); ok {
			marketVolume = snap.Volume
			if refPrice.IsZero() {
				refPrice = snap.LastPrice
			}
		}
	}

	promote := twap.ShouldPromote(order.Quantity, refPrice, marketVolume,
		c.cfg.PromotionQuantityThreshold, c.cfg.PromotionValueThreshold, c.cfg.PromotionMarketImpactThreshold)

	if promote {
		c.dispatchTWAP(ctx, order)
	} else {
		c.dispatchDirect(ctx, order)
	}
}

// processClose builds a closing order against the strategy's current net
// position and routes it directly (closes never promote to TWAP — the
// point is to flatten quickly, not spread impact).
func (c *Controller) processClose(ctx context.Context, sig domain.Signal) {
	if c.deps.Positions == nil {
		return
	}
	pos, ok := c.deps.Positions.Get(c.cfg.DefaultStrategyID, sig.Symbol)
	if !ok {
		return
	}
	net := pos.NetQuantity()
	if net.IsZero() {
		return
	}
	side := domain.SideSell
	if net.LessThan(decimal.Zero) {
		side = domain.SideBuy
	}
	order := domain.Order{
		StrategyID:  c.cfg.DefaultStrategyID,
		Symbol:      sig.Symbol,
		Side:        side,
		Type:        domain.OrderTypeMarket,
		TimeInForce: domain.TimeInForceIOC,
		Quantity:    net.Abs(),
	}
	c.dispatchDirect(ctx, order)
}

// protoOrder builds an unvalidated order from a signal: LIMIT when the
// signal carries a target price, MARKET otherwise.
func (c *Controller) protoOrder(sig domain.Signal) domain.Order {
	orderType := domain.OrderTypeMarket
	tif := domain.TimeInForceIOC
	if sig.TargetPrice.GreaterThan(decimal.Zero) {
		orderType = domain.OrderTypeLimit
	}
	return domain.Order{
		StrategyID:  c.cfg.DefaultStrategyID,
		Symbol:      sig.Symbol,
		Side:        sig.Side,
		Type:        orderType,
		TimeInForce: tif,
		Quantity:    sig.TargetQuantity,
		Price:       sig.TargetPrice,
	}
}

func (c *Controller) dispatchDirect(ctx context.Context, order domain.Order) {
	id, err := c.deps.OrderStore.Create(order)
	if err != nil || id == "" {
		return
	}
	atomic.AddInt64(&c.stats.OrdersCreated, 1)
	if err := c.deps.OrderStore.Submit(ctx, id); err != nil {
		if c.deps.Logger != nil {
			c.deps.Logger.Warn(ctx, "direct order submit failed", map[string]interface{}{"order_id": id, "error": err.Error()})
		}
		return
	}
	atomic.AddInt64(&c.stats.DirectOrdersExecuted, 1)
}

func (c *Controller) dispatchTWAP(ctx context.Context, order domain.Order) {
	params := c.cfg.TWAPDefaults
	params.TotalQuantity = order.Quantity
	_, err := c.deps.TWAP.Start(order.StrategyID, order.Symbol, order.Side, params)
	if err != nil {
		atomic.AddInt64(&c.stats.AlgoExecutionsFailed, 1)
		if c.deps.Logger != nil {
			c.deps.Logger.Warn(ctx, "twap start failed", map[string]interface{}{"symbol": order.Symbol, "error": err.Error()})
		}
		return
	}
	atomic.AddInt64(&c.stats.AlgoExecutionsStarted, 1)
}

// heartbeatLoop stamps a liveness timestamp at the configured interval.
func (c *Controller) heartbeatLoop(ctx context.Context) {
	atomic.StoreInt64(&c.heartbeat, time.Now().UnixNano())
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			atomic.StoreInt64(&c.heartbeat, time.Now().UnixNano())
		}
	}
}

// statisticsLoop publishes aggregated counters to the metrics provider and
// the in-process Stats snapshot at the configured interval.
func (c *Controller) statisticsLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.StatisticsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.deps.Metrics != nil {
				c.deps.Metrics.UpdateQueueDepth(ctx, "signal_queue", float64(c.queue.Size()))
			}
			if c.deps.Logger != nil {
				c.deps.Logger.Debug(ctx, "controller statistics", map[string]interface{}{
					"signals_processed": atomic.LoadInt64(&c.stats.SignalsProcessed),
					"orders_created":    atomic.LoadInt64(&c.stats.OrdersCreated),
					"rule_violations":   atomic.LoadInt64(&c.stats.RuleViolations),
					"algo_started":      atomic.LoadInt64(&c.stats.AlgoExecutionsStarted),
				})
			}
		}
	}
}

// Heartbeat returns the last liveness timestamp.
func (c *Controller) Heartbeat() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.heartbeat))
}

// Stats returns a snapshot of the running counters.
func (c *Controller) Stats() Stats {
	return Stats{
		SignalsProcessed:      atomic.LoadInt64(&c.stats.SignalsProcessed),
		SignalsDropped:        atomic.LoadInt64(&c.stats.SignalsDropped),
		OrdersCreated:         atomic.LoadInt64(&c.stats.OrdersCreated),
		DirectOrdersExecuted:  atomic.LoadInt64(&c.stats.DirectOrdersExecuted),
		AlgoExecutionsStarted: atomic.LoadInt64(&c.stats.AlgoExecutionsStarted),
		AlgoExecutionsFailed:  atomic.LoadInt64(&c.stats.AlgoExecutionsFailed),
		RuleViolations:        atomic.LoadInt64(&c.stats.RuleViolations),
		TradesProcessed:       atomic.LoadInt64(&c.stats.TradesProcessed),
	}
}

// Stop shuts the controller down in the documented order: signal the pump
// and workers to stop (via context cancellation), stop TWAP, stop
// OrderStore's sweeper, stop the callback manager, stop the gateway, then
// join the pump, worker and auxiliary goroutines. Idempotent.
func (c *Controller) Stop() {
	c.runningMu.Lock()
	if !c.running {
		c.runningMu.Unlock()
		return
	}
	c.running = false
	c.runningMu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if c.deps.TWAP != nil {
		c.deps.TWAP.Stop()
	}
	if c.deps.OrderStore != nil {
		c.deps.OrderStore.Stop()
	}
	if c.deps.Callbacks != nil {
		for _, id := range c.regIDs {
			c.deps.Callbacks.Unregister(id)
		}
		c.deps.Callbacks.Stop()
	}
	if c.deps.Gateway != nil {
		c.deps.Gateway.Stop()
	}
	if c.group != nil {
		_ = c.group.Wait()
	}
	if c.deps.Logger != nil {
		c.deps.Logger.Info(context.Background(), "execution controller stopped", nil)
	}
}
