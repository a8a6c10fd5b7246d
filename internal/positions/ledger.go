// Package positions tracks per-(strategy, symbol) holdings as fills land,
// the reconciliation half of "reconciles fills back into positions and
// feedback channels" from the engine's top-level purpose statement. It is
// updated by subscribing to OrderStore's trade-processed events and never
// touches the order lifecycle itself.
package positions

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/execengine/internal/domain"
)

// Ledger is the position book: one entry per (strategy, symbol), updated
// under a single mutex since updates are infrequent relative to order flow.
type Ledger struct {
	mu   sync.Mutex
	byKey map[string]*domain.Position
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{byKey: make(map[string]*domain.Position)}
}

func key(strategyID, symbol string) string { return strategyID + "|" + symbol }

// Apply folds a trade into the position for (trade's order's strategy,
// symbol). Buys increase long quantity; sells increase short quantity.
// Average cost is the quantity-weighted mean of the side being built; a
// trade that reduces an existing opposing position realizes PnL against
// that position's average cost before any residual opens a new position.
func (l *Ledger) Apply(strategyID string, t domain.Trade) domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(strategyID, t.Symbol)
	p, ok := l.byKey[k]
	if !ok {
		p = &domain.Position{StrategyID: strategyID, Symbol: t.Symbol}
		l.byKey[k] = p
	}

	switch t.Side {
	case domain.SideBuy:
		l.applyBuy(p, t)
	case domain.SideSell:
		l.applySell(p, t)
	}
	p.UpdatedAt = time.Now()
	return *p
}

// applyBuy increases long exposure, first closing out any short.
func (l *Ledger) applyBuy(p *domain.Position, t domain.Trade) {
	remaining := t.Quantity
	if p.ShortQuantity.GreaterThan(decimal.Zero) {
		closing := decimal.Min(remaining, p.ShortQuantity)
		// Realized PnL on a short close: (entry - exit) * qty.
		realized := p.AverageCost.Sub(t.Price).Mul(closing)
		p.RealizedPnL = p.RealizedPnL.Add(realized)
		p.ShortQuantity = p.ShortQuantity.Sub(closing)
		remaining = remaining.Sub(closing)
		if p.ShortQuantity.IsZero() {
			p.AverageCost = decimal.Zero
		}
	}
	if remaining.GreaterThan(decimal.Zero) {
		priorNotional := p.AverageCost.Mul(p.LongQuantity)
		newNotional := priorNotional.Add(t.Price.Mul(remaining))
		p.LongQuantity = p.LongQuantity.Add(remaining)
		if p.LongQuantity.GreaterThan(decimal.Zero) {
			p.AverageCost = newNotional.Div(p.LongQuantity)
		}
	}
}

// applySell increases short exposure, first closing out any long.
func (l *Ledger) applySell(p *domain.Position, t domain.Trade) {
	remaining := t.Quantity
	if p.LongQuantity.GreaterThan(decimal.Zero) {
		closing := decimal.Min(remaining, p.LongQuantity)
		realized := t.Price.Sub(p.AverageCost).Mul(closing)
		p.RealizedPnL = p.RealizedPnL.Add(realized)
		p.LongQuantity = p.LongQuantity.Sub(closing)
		remaining = remaining.Sub(closing)
		if p.LongQuantity.IsZero() {
			p.AverageCost = decimal.Zero
		}
	}
	if remaining.GreaterThan(decimal.Zero) {
		priorNotional := p.AverageCost.Mul(p.ShortQuantity)
		newNotional := priorNotional.Add(t.Price.Mul(remaining))
		p.ShortQuantity = p.ShortQuantity.Add(remaining)
		if p.ShortQuantity.GreaterThan(decimal.Zero) {
			p.AverageCost = newNotional.Div(p.ShortQuantity)
		}
	}
}

// MarkUnrealized recomputes unrealized PnL against lastPrice and returns the
// updated snapshot; it does not require a live MarketDataSource so callers
// can mark against whatever price they have on hand (e.g. a fill price).
func (l *Ledger) MarkUnrealized(strategyID, symbol string, lastPrice decimal.Decimal) (domain.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.byKey[key(strategyID, symbol)]
	if !ok {
		return domain.Position{}, false
	}
	net := p.LongQuantity.Sub(p.ShortQuantity)
	p.UnrealizedPnL = lastPrice.Sub(p.AverageCost).Mul(net)
	return *p, true
}

// Get returns a read-only copy of the position for (strategyID, symbol).
func (l *Ledger) Get(strategyID, symbol string) (domain.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.byKey[key(strategyID, symbol)]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// All returns a copy of every tracked position.
func (l *Ledger) All() []domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Position, 0, len(l.byKey))
	for _, p := range l.byKey {
		out = append(out, *p)
	}
	return out
}
