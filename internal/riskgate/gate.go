// Package riskgate implements TradingRuleGate, the pre-trade check that
// every proto-order passes through before it reaches OrderStore or the TWAP
// scheduler: symbol tradability, quantity/price bounds and precision, and
// minimum notional. A rejection short-circuits the remaining checks, is
// appended to a bounded recent-event log, and increments a typed counter.
package riskgate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/execengine/internal/domain"
	"github.com/tradecore/execengine/pkg/observability"
)

// SymbolInfoSource looks up exchange granularity for a symbol. The gate
// treats a "not found" lookup according to Config.FailOpenOnMissingSymbol.
type SymbolInfoSource interface {
	Lookup(ctx context.Context, symbol string) (domain.SymbolInfo, bool, error)
}

// Config tunes the gate's behavior.
type Config struct {
	EnableMinNotionalCheck  bool
	FailOpenOnMissingSymbol bool
	RecentEventWindow       int
}

// Counters is the running per-result tally.
type Counters struct {
	Pass                    int64
	RejectSymbolNotTrading  int64
	RejectQuantityTooSmall  int64
	RejectQuantityTooLarge  int64
	RejectQuantityPrecision int64
	RejectPriceTooLow       int64
	RejectPriceTooHigh      int64
	RejectPricePrecision    int64
	RejectMinNotional       int64
	RejectInvalidParams     int64
	RejectSymbolNotFound    int64
	RejectSystemError       int64
}

// Gate is TradingRuleGate.
type Gate struct {
	cfg     Config
	symbols SymbolInfoSource
	logger  *observability.Logger

	eventsMu sync.Mutex
	events   []domain.TradingRuleEvent

	counters Counters

	seq int64
}

// New creates a Gate. symbols may be nil, in which case every lookup finds
// nothing and the order fails open with a logged warning, or fails closed
// without one, per cfg.
func New(cfg Config, symbols SymbolInfoSource, logger *observability.Logger) *Gate {
	if cfg.RecentEventWindow <= 0 {
		cfg.RecentEventWindow = 500
	}
	return &Gate{cfg: cfg, symbols: symbols, logger: logger}
}

// Check runs the full ordered pipeline: symbol status, quantity, price
// (priced order types only), min-notional. isFutures is not consulted: the
// same SymbolInfo bounds apply whichever market the order targets.
func (g *Gate) Check(ctx context.Context, order domain.Order, isFutures bool) domain.RuleResult {
	if order.Symbol == "" || order.Quantity.LessThanOrEqual(decimal.Zero) {
		return g.reject(order, domain.RuleRejectInvalidParams, "missing symbol or non-positive quantity")
	}

	info, found, err := g.lookupSymbol(ctx, order.Symbol)
	if err != nil {
		return g.reject(order, domain.RuleRejectSystemError, err.Error())
	}
	if !found {
		if !g.cfg.FailOpenOnMissingSymbol {
			return g.reject(order, domain.RuleRejectSymbolNotFound, "symbol info unavailable")
		}
		if g.logger != nil {
			g.logger.Warn(ctx, "symbol info unavailable, failing open", map[string]interface{}{"symbol": order.Symbol})
		}
		return g.pass(order)
	}

	if !info.Tradable {
		return g.reject(order, domain.RuleRejectSymbolNotTrading, "symbol is not currently tradable")
	}

	if result := g.checkQuantity(order, info); result != domain.RulePass {
		return g.reject(order, result, "quantity rule violation")
	}

	if order.Type == domain.OrderTypeLimit || order.Type == domain.OrderTypeStopLimit {
		if result := g.checkPrice(order, info); result != domain.RulePass {
			return g.reject(order, result, "price rule violation")
		}
	}

	if g.cfg.EnableMinNotionalCheck && priceable(order.Type) {
		notionalPrice := order.Price
		if notionalPrice.IsZero() {
			// A priced order with no price cannot be checked here and
			// passes. MARKET/STOP orders never reach this block: priceable()
			// excludes them, so the gate applies no min-notional check to
			// them.
			return g.pass(order)
		}
		notional := order.Quantity.Mul(notionalPrice)
		if notional.LessThan(info.MinNotional) {
			return g.reject(order, domain.RuleRejectMinNotional, "order notional below exchange minimum")
		}
	}

	return g.pass(order)
}

func priceable(t domain.OrderType) bool {
	return t == domain.OrderTypeLimit || t == domain.OrderTypeStopLimit
}

func (g *Gate) checkQuantity(order domain.Order, info domain.SymbolInfo) domain.RuleResult {
	if !info.MinQuantity.IsZero() && order.Quantity.LessThan(info.MinQuantity) {
		return domain.RuleRejectQuantityTooSmall
	}
	if !info.MaxQuantity.IsZero() && order.Quantity.GreaterThan(info.MaxQuantity) {
		return domain.RuleRejectQuantityTooLarge
	}
	if !info.StepSize.IsZero() && !isAlignedTo(order.Quantity, info.StepSize) {
		return domain.RuleRejectQuantityPrecision
	}
	return domain.RulePass
}

func (g *Gate) checkPrice(order domain.Order, info domain.SymbolInfo) domain.RuleResult {
	if order.Price.LessThanOrEqual(decimal.Zero) {
		return domain.RuleRejectInvalidParams
	}
	if !info.MinPrice.IsZero() && order.Price.LessThan(info.MinPrice) {
		return domain.RuleRejectPriceTooLow
	}
	if !info.MaxPrice.IsZero() && order.Price.GreaterThan(info.MaxPrice) {
		return domain.RuleRejectPriceTooHigh
	}
	if !info.TickSize.IsZero() && !isAlignedTo(order.Price, info.TickSize) {
		return domain.RuleRejectPricePrecision
	}
	return domain.RulePass
}

// isAlignedTo reports whether v is an integer multiple of step, within a
// small epsilon to tolerate decimal rounding noise.
func isAlignedTo(v, step decimal.Decimal) bool {
	if step.IsZero() {
		return true
	}
	ratio := v.Div(step)
	nearest := ratio.Round(0)
	diff := ratio.Sub(nearest).Abs()
	return diff.LessThan(decimal.NewFromFloat(1e-8))
}

// FixQuantity rounds q to the nearest multiple of the symbol's step size:
// fix_quantity(sym, q) = round(q / step) * step.
func FixQuantity(q, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return q
	}
	return q.Div(step).Round(0).Mul(step)
}

// FixPrice rounds p to the nearest multiple of the symbol's tick size:
// fix_price(sym, p) = round(p / tick) * tick.
func FixPrice(p, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return p
	}
	return p.Div(tick).Round(0).Mul(tick)
}

func (g *Gate) lookupSymbol(ctx context.Context, symbol string) (domain.SymbolInfo, bool, error) {
	if g.symbols == nil {
		return domain.SymbolInfo{}, false, nil
	}
	return g.symbols.Lookup(ctx, symbol)
}

func (g *Gate) pass(order domain.Order) domain.RuleResult {
	atomic.AddInt64(&g.counters.Pass, 1)
	return domain.RulePass
}

func (g *Gate) reject(order domain.Order, result domain.RuleResult, description string) domain.RuleResult {
	g.bumpCounter(result)
	g.appendEvent(domain.TradingRuleEvent{
		ID:          g.nextEventID(),
		StrategyID:  order.StrategyID,
		Symbol:      order.Symbol,
		Result:      result,
		Description: description,
		Timestamp:   time.Now(),
	})
	return result
}

func (g *Gate) nextEventID() string {
	n := atomic.AddInt64(&g.seq, 1)
	return "RULE_" + decimal.NewFromInt(n).String()
}

func (g *Gate) bumpCounter(result domain.RuleResult) {
	switch result {
	case domain.RuleRejectSymbolNotTrading:
		atomic.AddInt64(&g.counters.RejectSymbolNotTrading, 1)
	case domain.RuleRejectQuantityTooSmall:
		atomic.AddInt64(&g.counters.RejectQuantityTooSmall, 1)
	case domain.RuleRejectQuantityTooLarge:
		atomic.AddInt64(&g.counters.RejectQuantityTooLarge, 1)
	case domain.RuleRejectQuantityPrecision:
		atomic.AddInt64(&g.counters.RejectQuantityPrecision, 1)
	case domain.RuleRejectPriceTooLow:
		atomic.AddInt64(&g.counters.RejectPriceTooLow, 1)
	case domain.RuleRejectPriceTooHigh:
		atomic.AddInt64(&g.counters.RejectPriceTooHigh, 1)
	case domain.RuleRejectPricePrecision:
		atomic.AddInt64(&g.counters.RejectPricePrecision, 1)
	case domain.RuleRejectMinNotional:
		atomic.AddInt64(&g.counters.RejectMinNotional, 1)
	case domain.RuleRejectInvalidParams:
		atomic.AddInt64(&g.counters.RejectInvalidParams, 1)
	case domain.RuleRejectSymbolNotFound:
		atomic.AddInt64(&g.counters.RejectSymbolNotFound, 1)
	case domain.RuleRejectSystemError:
		atomic.AddInt64(&g.counters.RejectSystemError, 1)
	}
}

func (g *Gate) appendEvent(e domain.TradingRuleEvent) {
	g.eventsMu.Lock()
	defer g.eventsMu.Unlock()
	g.events = append(g.events, e)
	if len(g.events) > g.cfg.RecentEventWindow {
		g.events = g.events[len(g.events)-g.cfg.RecentEventWindow:]
	}
}

// RecentEvents returns a copy of the bounded recent-rejection log, newest
// last.
func (g *Gate) RecentEvents() []domain.TradingRuleEvent {
	g.eventsMu.Lock()
	defer g.eventsMu.Unlock()
	out := make([]domain.TradingRuleEvent, len(g.events))
	copy(out, g.events)
	return out
}

// Counters returns a snapshot of the per-result counters.
func (g *Gate) Counters() Counters {
	return Counters{
		Pass:                    atomic.LoadInt64(&g.counters.Pass),
		RejectSymbolNotTrading:  atomic.LoadInt64(&g.counters.RejectSymbolNotTrading),
		RejectQuantityTooSmall:  atomic.LoadInt64(&g.counters.RejectQuantityTooSmall),
		RejectQuantityTooLarge:  atomic.LoadInt64(&g.counters.RejectQuantityTooLarge),
		RejectQuantityPrecision: atomic.LoadInt64(&g.counters.RejectQuantityPrecision),
		RejectPriceTooLow:       atomic.LoadInt64(&g.counters.RejectPriceTooLow),
		RejectPriceTooHigh:      atomic.LoadInt64(&g.counters.RejectPriceTooHigh),
		RejectPricePrecision:    atomic.LoadInt64(&g.counters.RejectPricePrecision),
		RejectMinNotional:       atomic.LoadInt64(&g.counters.RejectMinNotional),
		RejectInvalidParams:     atomic.LoadInt64(&g.counters.RejectInvalidParams),
		RejectSymbolNotFound:    atomic.LoadInt64(&g.counters.RejectSymbolNotFound),
		RejectSystemError:       atomic.LoadInt64(&g.counters.RejectSystemError),
	}
}
