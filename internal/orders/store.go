// Package orders implements OrderStore, the order lifecycle manager: a
// table keyed by order id with duplicate detection, state-machine-enforced
// transitions, fill aggregation, and a background expiry sweep. Orders are
// store-owned values handed out as copies; callers never get a pointer into
// the store's internal map.
package orders

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/execengine/internal/domain"
	"github.com/tradecore/execengine/pkg/observability"
)

// Gateway is the minimal exchange-facing surface OrderStore depends on.
// GatewayAdapter implements it; tests may supply a stub.
type Gateway interface {
	SubmitOrder(ctx context.Context, order domain.Order) (exchangeOrderID string, err error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	ModifyOrder(ctx context.Context, exchangeOrderID string, quantity, price decimal.Decimal) error
}

// EventType tags for OrderStore's published events.
const (
	EventOrderCreated    = "order.created"
	EventOrderSubmitted  = "order.submitted"
	EventOrderRejected   = "order.rejected"
	EventOrderCancelled  = "order.cancelled"
	EventOrderModified   = "order.modified"
	EventOrderFilled     = "order.filled"
	EventOrderPartial    = "order.partially_filled"
	EventOrderError      = "order.error"
	EventTradeProcessed  = "trade.processed"
)

// OrderEvent is published on order state changes.
type OrderEvent struct {
	Type  string
	Order domain.Order
}

// TradeEvent is published when a fill is applied.
type TradeEvent struct {
	Trade domain.Trade
	Order domain.Order
}

// Publisher is the minimal surface OrderStore needs to emit events; the
// AsyncCallbackManager satisfies it through a thin adapter at wiring time.
type Publisher interface {
	Publish(eventType string, payload interface{})
}

// Config tunes duplicate detection, capacity, and expiry.
type Config struct {
	MaxPending               int
	EnableDuplicateDetection bool
	OrderTimeout             time.Duration
	Retention                time.Duration
	CleanupInterval          time.Duration
}

// Store is OrderStore.
type Store struct {
	cfg     Config
	gateway Gateway
	pub     Publisher
	logger  *observability.Logger

	ordersMu sync.Mutex
	orders   map[string]*domain.Order

	tradesMu sync.Mutex
	trades   map[string][]domain.Trade

	statsMu sync.Mutex
	stats   Stats

	seq       int64
	stop      chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once
}

// Stats are OrderStore's running counters.
type Stats struct {
	Created    int64
	Submitted  int64
	Filled     int64
	Cancelled  int64
	Rejected   int64
	Errored    int64
	Expired    int64
}

// New creates a Store. gateway and pub may be nil for tests that only
// exercise state-machine behavior.
func New(cfg Config, gateway Gateway, pub Publisher, logger *observability.Logger) *Store {
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 300 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	s := &Store{
		cfg:     cfg,
		gateway: gateway,
		pub:     pub,
		logger:  logger,
		orders:  make(map[string]*domain.Order),
		trades:  make(map[string][]domain.Trade),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// nextOrderID mints ORD_<microseconds>_<6-digit-sequence>.
func (s *Store) nextOrderID() string {
	n := atomic.AddInt64(&s.seq, 1)
	return fmt.Sprintf("ORD_%d_%06d", time.Now().UnixMicro(), n%1000000)
}

// Create validates and admits an order as PENDING. Returns "" with no error
// when the order is suppressed as a duplicate (this mirrors the signature
// S3 of the scenario catalog expects: empty id on suppressed duplicate);
// over capacity it returns "" and an error.
func (s *Store) Create(o domain.Order) (string, error) {
	if o.Symbol == "" || o.StrategyID == "" {
		return "", fmt.Errorf("orders: symbol and strategy_id are required")
	}
	if o.Quantity.LessThanOrEqual(decimal.Zero) {
		return "", fmt.Errorf("orders: quantity must be positive")
	}
	if (o.Type == domain.OrderTypeLimit || o.Type == domain.OrderTypeStopLimit) && o.Price.LessThanOrEqual(decimal.Zero) {
		return "", fmt.Errorf("orders: price must be positive for %s", o.Type)
	}

	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()

	if s.cfg.EnableDuplicateDetection {
		for _, existing := range s.orders {
			if existing.Status.IsTerminal() {
				continue
			}
			if existing.StrategyID == o.StrategyID && existing.Symbol == o.Symbol &&
				existing.Side == o.Side && existing.Quantity.Equal(o.Quantity) && existing.Price.Equal(o.Price) {
				return "", nil
			}
		}
	}

	if s.cfg.MaxPending > 0 {
		live := 0
		for _, existing := range s.orders {
			if !existing.Status.IsTerminal() {
				live++
			}
		}
		if live >= s.cfg.MaxPending {
			return "", fmt.Errorf("orders: max_pending_orders reached")
		}
	}

	now := time.Now()
	o.ID = s.nextOrderID()
	o.Status = domain.OrderStatusPending
	o.CreatedAt = now
	o.UpdatedAt = now
	stored := o
	s.orders[o.ID] = &stored

	s.statsMu.Lock()
	s.stats.Created++
	s.statsMu.Unlock()

	s.emit(EventOrderCreated, stored)
	return o.ID, nil
}

// validTransitions encodes the §4.6 state machine. A transition not listed
// is illegal and must be rejected silently, leaving the order unchanged.
var validTransitions = map[domain.OrderStatus]map[domain.OrderStatus]bool{
	domain.OrderStatusPending: {
		domain.OrderStatusSubmitted: true,
		domain.OrderStatusCancelled: true,
		domain.OrderStatusRejected:  true,
	},
	domain.OrderStatusSubmitted: {
		domain.OrderStatusPartiallyFilled: true,
		domain.OrderStatusFilled:          true,
		domain.OrderStatusCancelled:       true,
		domain.OrderStatusError:           true,
	},
	domain.OrderStatusPartiallyFilled: {
		domain.OrderStatusPartiallyFilled: true,
		domain.OrderStatusFilled:          true,
		domain.OrderStatusCancelled:       true,
		domain.OrderStatusError:           true,
	},
}

func canTransition(from, to domain.OrderStatus) bool {
	if from == to && from == domain.OrderStatusPartiallyFilled {
		return true
	}
	return validTransitions[from][to]
}

// Submit forwards a PENDING order to the gateway and transitions it based
// on the outcome.
func (s *Store) Submit(ctx context.Context, id string) error {
	s.ordersMu.Lock()
	o, ok := s.orders[id]
	if !ok {
		s.ordersMu.Unlock()
		return fmt.Errorf("orders: %s not found", id)
	}
	if o.Status != domain.OrderStatusPending {
		s.ordersMu.Unlock()
		return nil // illegal transition source: silently rejected
	}
	snapshot := *o
	s.ordersMu.Unlock()

	if s.gateway == nil {
		s.transition(id, domain.OrderStatusSubmitted, "")
		return nil
	}

	exchangeID, err := s.gateway.SubmitOrder(ctx, snapshot)
	if err != nil {
		s.transition(id, domain.OrderStatusRejected, err.Error())
		s.statsMu.Lock()
		s.stats.Rejected++
		s.statsMu.Unlock()
		return nil
	}

	s.ordersMu.Lock()
	if o, ok := s.orders[id]; ok && o.Status == domain.OrderStatusPending {
		o.ExchangeOrderID = exchangeID
	}
	s.ordersMu.Unlock()

	s.transition(id, domain.OrderStatusSubmitted, "")
	s.statsMu.Lock()
	s.stats.Submitted++
	s.statsMu.Unlock()
	return nil
}

// Cancel cancels a non-terminal order. A no-op on an already-terminal order.
func (s *Store) Cancel(ctx context.Context, id string) error {
	s.ordersMu.Lock()
	o, ok := s.orders[id]
	if !ok {
		s.ordersMu.Unlock()
		return fmt.Errorf("orders: %s not found", id)
	}
	if o.Status.IsTerminal() {
		s.ordersMu.Unlock()
		return nil
	}
	live := o.Status == domain.OrderStatusSubmitted || o.Status == domain.OrderStatusPartiallyFilled
	exchangeID := o.ExchangeOrderID
	s.ordersMu.Unlock()

	if live && s.gateway != nil {
		if err := s.gateway.CancelOrder(ctx, exchangeID); err != nil {
			s.transition(id, domain.OrderStatusError, err.Error())
			s.statsMu.Lock()
			s.stats.Errored++
			s.statsMu.Unlock()
			return nil
		}
	}

	s.transition(id, domain.OrderStatusCancelled, "")
	s.statsMu.Lock()
	s.stats.Cancelled++
	s.statsMu.Unlock()
	return nil
}

// Modify changes quantity/price on a still-open order.
func (s *Store) Modify(ctx context.Context, id string, quantity, price decimal.Decimal) error {
	if quantity.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("orders: quantity and price must be positive")
	}

	s.ordersMu.Lock()
	o, ok := s.orders[id]
	if !ok {
		s.ordersMu.Unlock()
		return fmt.Errorf("orders: %s not found", id)
	}
	if o.Status != domain.OrderStatusPending && o.Status != domain.OrderStatusSubmitted {
		s.ordersMu.Unlock()
		return nil
	}
	live := o.Status == domain.OrderStatusSubmitted
	exchangeID := o.ExchangeOrderID
	s.ordersMu.Unlock()

	if live && s.gateway != nil {
		if err := s.gateway.ModifyOrder(ctx, exchangeID, quantity, price); err != nil {
			return err
		}
	}

	s.ordersMu.Lock()
	o, ok = s.orders[id]
	if !ok {
		s.ordersMu.Unlock()
		return fmt.Errorf("orders: %s not found", id)
	}
	o.Quantity = quantity
	o.Price = price
	o.UpdatedAt = time.Now()
	snapshot := *o
	s.ordersMu.Unlock()

	s.emit(EventOrderModified, snapshot)
	return nil
}

// ProcessTrade applies a fill: increments filled quantity, recomputes the
// weighted-average fill price, and transitions to FILLED or
// PARTIALLY_FILLED.
func (s *Store) ProcessTrade(t domain.Trade) error {
	s.ordersMu.Lock()
	o, ok := s.orders[t.OrderID]
	if !ok {
		s.ordersMu.Unlock()
		return fmt.Errorf("orders: %s not found", t.OrderID)
	}
	if o.Status.IsTerminal() {
		// Terminal is absorbing; a late fill after CANCELLED/REJECTED/ERROR
		// is recorded in the trade ledger for audit but does not revive the
		// order or move its filled quantity.
		s.ordersMu.Unlock()
		s.tradesMu.Lock()
		s.trades[t.OrderID] = append(s.trades[t.OrderID], t)
		s.tradesMu.Unlock()
		return nil
	}

	priorNotional := o.AverageFillPrice.Mul(o.FilledQuantity)
	newNotional := priorNotional.Add(t.Price.Mul(t.Quantity))
	o.FilledQuantity = o.FilledQuantity.Add(t.Quantity)
	if o.FilledQuantity.GreaterThan(decimal.Zero) {
		o.AverageFillPrice = newNotional.Div(o.FilledQuantity)
	}

	if o.FilledQuantity.GreaterThanOrEqual(o.Quantity) {
		o.Status = domain.OrderStatusFilled
	} else {
		o.Status = domain.OrderStatusPartiallyFilled
	}
	o.UpdatedAt = time.Now()
	snapshot := *o
	s.ordersMu.Unlock()

	s.tradesMu.Lock()
	s.trades[t.OrderID] = append(s.trades[t.OrderID], t)
	s.tradesMu.Unlock()

	s.statsMu.Lock()
	if snapshot.Status == domain.OrderStatusFilled {
		s.stats.Filled++
	}
	s.statsMu.Unlock()

	s.emit(EventTradeProcessed, TradeEvent{Trade: t, Order: snapshot})
	if snapshot.Status == domain.OrderStatusFilled {
		s.emit(EventOrderFilled, snapshot)
	} else {
		s.emit(EventOrderPartial, snapshot)
	}
	return nil
}

// SyncFromExchange upserts an order from exchange-reported truth, used for
// reconciliation after a reconnect.
func (s *Store) SyncFromExchange(o domain.Order) {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	if o.ID == "" {
		return
	}
	o.UpdatedAt = time.Now()
	stored := o
	s.orders[o.ID] = &stored
}

// FindByExchangeOrderID locates the order carrying the given exchange-side
// id, used by the gateway's inbound fill/status demux to translate an
// ExchangeOrderID back into the engine's own order id before applying a
// trade. Linear scan: live order counts are small enough (bounded by
// max_pending) that this beats maintaining a second index that would need
// its own invalidation on every transition.
func (s *Store) FindByExchangeOrderID(exchangeOrderID string) (domain.Order, bool) {
	if exchangeOrderID == "" {
		return domain.Order{}, false
	}
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	for _, o := range s.orders {
		if o.ExchangeOrderID == exchangeOrderID {
			return *o, true
		}
	}
	return domain.Order{}, false
}

// Get returns a read-only copy of the order, or ok=false if unknown.
func (s *Store) Get(id string) (domain.Order, bool) {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// Trades returns a copy of the trade ledger for an order.
func (s *Store) Trades(orderID string) []domain.Trade {
	s.tradesMu.Lock()
	defer s.tradesMu.Unlock()
	trades := s.trades[orderID]
	out := make([]domain.Trade, len(trades))
	copy(out, trades)
	return out
}

// Stats returns a copy of the running counters.
func (s *Store) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// LiveCount returns the number of non-terminal orders.
func (s *Store) LiveCount() int {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	count := 0
	for _, o := range s.orders {
		if !o.Status.IsTerminal() {
			count++
		}
	}
	return count
}

func (s *Store) transition(id string, to domain.OrderStatus, errMsg string) {
	s.ordersMu.Lock()
	o, ok := s.orders[id]
	if !ok {
		s.ordersMu.Unlock()
		return
	}
	if !canTransition(o.Status, to) {
		s.ordersMu.Unlock()
		return
	}
	o.Status = to
	o.ErrorMessage = errMsg
	o.UpdatedAt = time.Now()
	snapshot := *o
	s.ordersMu.Unlock()

	switch to {
	case domain.OrderStatusSubmitted:
		s.emit(EventOrderSubmitted, snapshot)
	case domain.OrderStatusRejected:
		s.emit(EventOrderRejected, snapshot)
	case domain.OrderStatusCancelled:
		s.emit(EventOrderCancelled, snapshot)
	case domain.OrderStatusError:
		s.emit(EventOrderError, snapshot)
	}
}

func (s *Store) emit(eventType string, payload interface{}) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(eventType, payload)
}

// sweepLoop force-cancels expired live orders and deletes terminal orders
// past retention, at cfg.CleanupInterval.
func (s *Store) sweepLoop() {
	defer close(s.stopped)
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	now := time.Now()

	var toExpire []string
	var toDelete []string

	s.ordersMu.Lock()
	for id, o := range s.orders {
		if !o.Status.IsTerminal() && now.Sub(o.CreatedAt) > s.cfg.OrderTimeout {
			toExpire = append(toExpire, id)
			continue
		}
		if o.Status.IsTerminal() && now.Sub(o.UpdatedAt) > s.cfg.Retention {
			toDelete = append(toDelete, id)
		}
	}
	s.ordersMu.Unlock()

	for _, id := range toExpire {
		s.transition(id, domain.OrderStatusCancelled, "Order expired")
		s.statsMu.Lock()
		s.stats.Expired++
		s.statsMu.Unlock()
	}

	if len(toDelete) > 0 {
		s.ordersMu.Lock()
		for _, id := range toDelete {
			delete(s.orders, id)
		}
		s.ordersMu.Unlock()

		s.tradesMu.Lock()
		for _, id := range toDelete {
			delete(s.trades, id)
		}
		s.tradesMu.Unlock()
	}
}

// Stop halts the expiry sweep. Idempotent.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.stopped
}
