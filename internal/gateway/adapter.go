package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/execengine/internal/domain"
	"github.com/tradecore/execengine/pkg/observability"
)

// OrderUpdateHandler is invoked for every asynchronous fill/status event the
// session reports. The controller registers the handler that feeds fills
// into OrderStore; handlers are held by the Adapter, never by a shared
// global.
type OrderUpdateHandler func(OrderUpdate)

// ErrorHandler is invoked when the adapter observes a session-level error
// (connect failure, submit failure after retries exhausted).
type ErrorHandler func(error)

// Config tunes retry behavior for transient transport errors.
type Config struct {
	MaxSubmitAttempts int
	RetryBackoff      time.Duration
}

// Adapter is GatewayAdapter: a single instance, owned by ExecutionController
// and passed by reference — never a process-wide singleton. It is safe for
// concurrent SubmitOrder/CancelOrder/ModifyOrder/query/callback-registration
// calls; it does not serialize unrelated operations against each other.
type Adapter struct {
	cfg     Config
	session ExchangeSession
	logger  *observability.Logger
	metrics *observability.MetricsProvider

	cacheMu   sync.RWMutex
	positions map[string]decimal.Decimal
	balances  map[string]decimal.Decimal

	handlersMu   sync.RWMutex
	orderHandlers []OrderUpdateHandler
	errorHandlers []ErrorHandler

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New creates an Adapter around session. Start must be called before any
// order flows through it.
func New(cfg Config, session ExchangeSession, logger *observability.Logger, metrics *observability.MetricsProvider) *Adapter {
	if cfg.MaxSubmitAttempts <= 0 {
		cfg.MaxSubmitAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	return &Adapter{
		cfg:       cfg,
		session:   session,
		logger:    logger,
		metrics:   metrics,
		positions: make(map[string]decimal.Decimal),
		balances:  make(map[string]decimal.Decimal),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Start connects the session and begins demuxing its event stream.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.session.Connect(); err != nil {
		a.notifyError(fmt.Errorf("gateway: connect: %w", err))
		return err
	}
	go a.eventLoop(ctx)
	return nil
}

func (a *Adapter) eventLoop(ctx context.Context) {
	defer close(a.stopped)
	for {
		select {
		case <-a.stop:
			return
		case ev, ok := <-a.session.Events():
			if !ok {
				return
			}
			a.handleEvent(ctx, ev)
		}
	}
}

func (a *Adapter) handleEvent(ctx context.Context, ev SessionEvent) {
	switch ev.Type {
	case EventOrderUpdate:
		a.handlersMu.RLock()
		handlers := append([]OrderUpdateHandler(nil), a.orderHandlers...)
		a.handlersMu.RUnlock()
		for _, h := range handlers {
			h(ev.Order)
		}
	case EventPositionUpdate:
		a.cacheMu.Lock()
		a.positions[ev.Position.Symbol] = ev.Position.Quantity
		a.cacheMu.Unlock()
	case EventAccountUpdate:
		a.cacheMu.Lock()
		a.balances[ev.Account.Asset] = ev.Account.Balance
		a.cacheMu.Unlock()
	case EventConnectionStatus:
		if !ev.Connection.Connected && a.logger != nil {
			a.logger.Warn(ctx, "gateway connection lost", map[string]interface{}{"reason": ev.Connection.Reason})
		}
	}
}

// RegisterOrderUpdateHandler adds h to the set invoked for every order
// update event. There is no unregister: handlers are expected to be
// long-lived component observers (such as the controller's OrderStore fill
// handler) set up once at wiring time.
func (a *Adapter) RegisterOrderUpdateHandler(h OrderUpdateHandler) {
	a.handlersMu.Lock()
	defer a.handlersMu.Unlock()
	a.orderHandlers = append(a.orderHandlers, h)
}

// RegisterErrorHandler adds h to the set invoked on session-level errors.
func (a *Adapter) RegisterErrorHandler(h ErrorHandler) {
	a.handlersMu.Lock()
	defer a.handlersMu.Unlock()
	a.errorHandlers = append(a.errorHandlers, h)
}

func (a *Adapter) notifyError(err error) {
	if a.logger != nil {
		a.logger.Error(context.Background(), "gateway error", err, nil)
	}
	a.handlersMu.RLock()
	handlers := append([]ErrorHandler(nil), a.errorHandlers...)
	a.handlersMu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

// SubmitOrder implements orders.Gateway. Transient failures are retried up
// to cfg.MaxSubmitAttempts with a linear backoff; exhausting retries
// surfaces the last error so OrderStore can transition to REJECTED.
func (a *Adapter) SubmitOrder(ctx context.Context, order domain.Order) (string, error) {
	req := OrderRequest{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Type:          string(order.Type),
		TimeInForce:   string(order.TimeInForce),
		Quantity:      order.Quantity,
		Price:         order.Price,
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxSubmitAttempts; attempt++ {
		ack, err := a.session.SubmitOrder(req)
		if err == nil {
			elapsed := time.Since(start)
			if a.metrics != nil {
				a.metrics.RecordOrderSubmitted(ctx, order.Symbol, string(order.Side), elapsed)
				a.metrics.RecordGatewayRoundTrip(ctx, "default", "submit_order", elapsed)
			}
			return ack.ExchangeOrderID, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(a.cfg.RetryBackoff * time.Duration(attempt)):
		}
	}
	a.notifyError(fmt.Errorf("gateway: submit %s after %d attempts: %w", order.ID, a.cfg.MaxSubmitAttempts, lastErr))
	return "", lastErr
}

// CancelOrder implements orders.Gateway.
func (a *Adapter) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	if exchangeOrderID == "" {
		return nil
	}
	start := time.Now()
	err := a.session.CancelOrder(exchangeOrderID)
	if a.metrics != nil {
		a.metrics.RecordGatewayRoundTrip(ctx, "default", "cancel_order", time.Since(start))
	}
	return err
}

// ModifyOrder implements orders.Gateway.
func (a *Adapter) ModifyOrder(ctx context.Context, exchangeOrderID string, quantity, price decimal.Decimal) error {
	start := time.Now()
	err := a.session.ModifyOrder(exchangeOrderID, quantity, price)
	if a.metrics != nil {
		a.metrics.RecordGatewayRoundTrip(ctx, "default", "modify_order", time.Since(start))
	}
	return err
}

// Position returns the last-seen exchange-reported quantity for symbol.
func (a *Adapter) Position(symbol string) (decimal.Decimal, bool) {
	a.cacheMu.RLock()
	defer a.cacheMu.RUnlock()
	q, ok := a.positions[symbol]
	return q, ok
}

// Balance returns the last-seen exchange-reported balance for asset.
func (a *Adapter) Balance(asset string) (decimal.Decimal, bool) {
	a.cacheMu.RLock()
	defer a.cacheMu.RUnlock()
	b, ok := a.balances[asset]
	return b, ok
}

// Stop closes the event loop and the underlying session. Idempotent.
func (a *Adapter) Stop() {
	a.once.Do(func() {
		close(a.stop)
	})
	<-a.stopped
	a.session.Close()
}
