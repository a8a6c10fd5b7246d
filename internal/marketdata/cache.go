// Package marketdata implements the per-symbol market data snapshot cache
// the TWAP scheduler and risk checks read from: an in-process RWLock-guarded
// map backing a best-effort Redis mirror for cross-process sharing.
package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/execengine/internal/domain"
	"github.com/tradecore/execengine/pkg/cache"
	"github.com/tradecore/execengine/pkg/observability"
)

// wireSnapshot is the JSON-serializable mirror of domain.MarketData; decimals
// round-trip as strings to avoid float precision loss through Redis.
type wireSnapshot struct {
	Symbol     string    `json:"symbol"`
	BestBid    string    `json:"best_bid"`
	BestAsk    string    `json:"best_ask"`
	LastPrice  string    `json:"last_price"`
	Volume     string    `json:"volume"`
	ObservedAt time.Time `json:"observed_at"`
}

// RemoteCache is the subset of *cache.Client the market data layer depends
// on; nil is a valid value meaning "in-process only, no cross-process mirror".
type RemoteCache interface {
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest interface{}) error
}

var _ RemoteCache = (*cache.Client)(nil)

// Cache is the MarketData snapshot cache.
type Cache struct {
	mu      sync.RWMutex
	byAsset map[string]domain.MarketData

	remote RemoteCache
	ttl    time.Duration
	logger *observability.Logger
}

// Config tunes snapshot freshness.
type Config struct {
	SnapshotTTL time.Duration
}

// New creates a Cache. remote may be nil to run purely in-process.
func New(cfg Config, remote RemoteCache, logger *observability.Logger) *Cache {
	ttl := cfg.SnapshotTTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Cache{
		byAsset: make(map[string]domain.MarketData),
		remote:  remote,
		ttl:     ttl,
		logger:  logger,
	}
}

// Update stores the latest snapshot for a symbol, mirroring it to Redis
// best-effort (a mirror failure is logged but never fails the update).
func (c *Cache) Update(ctx context.Context, snapshot domain.MarketData) {
	if snapshot.ObservedAt.IsZero() {
		snapshot.ObservedAt = time.Now()
	}

	c.mu.Lock()
	c.byAsset[snapshot.Symbol] = snapshot
	c.mu.Unlock()

	if c.remote == nil {
		return
	}
	wire := wireSnapshot{
		Symbol:     snapshot.Symbol,
		BestBid:    snapshot.BestBid.String(),
		BestAsk:    snapshot.BestAsk.String(),
		LastPrice:  snapshot.LastPrice.String(),
		Volume:     snapshot.Volume.String(),
		ObservedAt: snapshot.ObservedAt,
	}
	if err := c.remote.SetJSON(ctx, remoteKey(snapshot.Symbol), wire, c.ttl); err != nil && c.logger != nil {
		c.logger.Warn(ctx, "market data remote mirror failed", map[string]interface{}{
			"symbol": snapshot.Symbol, "error": err.Error(),
		})
	}
}

// Get returns the freshest known snapshot for symbol. It consults the
// in-process map first (always current for this process's own writes), and
// falls back to the remote mirror only on a local miss.
func (c *Cache) Get(ctx context.Context, symbol string) (domain.MarketData, bool) {
	c.mu.RLock()
	snapshot, ok := c.byAsset[symbol]
	c.mu.RUnlock()
	if ok {
		return snapshot, true
	}

	if c.remote == nil {
		return domain.MarketData{}, false
	}

	var wire wireSnapshot
	if err := c.remote.GetJSON(ctx, remoteKey(symbol), &wire); err != nil {
		return domain.MarketData{}, false
	}
	snapshot = fromWire(wire)

	c.mu.Lock()
	c.byAsset[symbol] = snapshot
	c.mu.Unlock()
	return snapshot, true
}

// IsStale reports whether the cached snapshot for symbol is older than the
// configured TTL, or absent entirely.
func (c *Cache) IsStale(ctx context.Context, symbol string) bool {
	snapshot, ok := c.Get(ctx, symbol)
	if !ok {
		return true
	}
	return time.Since(snapshot.ObservedAt) > c.ttl
}

func remoteKey(symbol string) string {
	return "tes:marketdata:" + symbol
}

func fromWire(w wireSnapshot) domain.MarketData {
	parse := func(s string) decimal.Decimal {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero
		}
		return d
	}
	return domain.MarketData{
		Symbol:     w.Symbol,
		BestBid:    parse(w.BestBid),
		BestAsk:    parse(w.BestAsk),
		LastPrice:  parse(w.LastPrice),
		Volume:     parse(w.Volume),
		ObservedAt: w.ObservedAt,
	}
}
