package observability

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// PerformanceMonitor samples process-level resource usage on a fixed
// interval, keeps exponential moving averages of order latency and order
// error rate fed through RecordOrderOutcome, and holds the market-data cache
// figures a caller reports through RecordMarketDataCache. The engine binary
// and the controller do not construct one.
type PerformanceMonitor struct {
	logger   *Logger
	metrics  *PerformanceMetrics
	config   *PerformanceConfig
	stopChan chan struct{}
}

// PerformanceMetrics is the snapshot returned by GetMetrics.
type PerformanceMetrics struct {
	MemoryUsage    int64
	GoroutineCount int
	GCStats        debug.GCStats

	OrdersProcessed   int64
	AvgOrderLatency   time.Duration
	OrderErrorRate    float64
	ThroughputOPS     float64

	PendingOrders  int64
	SlowOrderCount int64

	MarketDataCacheHitRate float64
	MarketDataCacheSize    int64

	CustomMetrics map[string]interface{}

	LastUpdated time.Time
	mu          sync.RWMutex
}

// PerformanceConfig contains monitoring configuration.
type PerformanceConfig struct {
	CollectionInterval time.Duration
	AlertThresholds    *AlertThresholds
}

// AlertThresholds defines performance alert thresholds.
type AlertThresholds struct {
	MemoryUsageThreshold  int64
	OrderLatencyThreshold time.Duration
	OrderErrorRateThreshold float64
	GoroutineThreshold    int
}

// NewPerformanceMonitor creates a monitor and starts its collection loop.
// Callers stop it with Stop at shutdown.
func NewPerformanceMonitor(logger *Logger, interval time.Duration) *PerformanceMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	config := &PerformanceConfig{
		CollectionInterval: interval,
		AlertThresholds: &AlertThresholds{
			MemoryUsageThreshold:    1024 * 1024 * 1024,
			OrderLatencyThreshold:   1 * time.Second,
			OrderErrorRateThreshold: 5.0,
			GoroutineThreshold:      10000,
		},
	}

	pm := &PerformanceMonitor{
		logger:   logger,
		metrics:  &PerformanceMetrics{CustomMetrics: make(map[string]interface{})},
		config:   config,
		stopChan: make(chan struct{}),
	}

	go pm.startMonitoring()
	return pm
}

func (pm *PerformanceMonitor) startMonitoring() {
	ticker := time.NewTicker(pm.config.CollectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pm.collectMetrics()
		case <-pm.stopChan:
			return
		}
	}
}

func (pm *PerformanceMonitor) collectMetrics() {
	ctx := context.Background()

	pm.metrics.mu.Lock()
	defer pm.metrics.mu.Unlock()

	pm.collectSystemMetrics()
	pm.metrics.LastUpdated = time.Now()
	pm.checkAlertThresholds(ctx)

	pm.logger.Debug(ctx, "performance metrics collected", map[string]interface{}{
		"memory_usage":    pm.metrics.MemoryUsage,
		"goroutine_count": pm.metrics.GoroutineCount,
		"avg_order_latency_ms": pm.metrics.AvgOrderLatency.Milliseconds(),
		"order_error_rate": pm.metrics.OrderErrorRate,
		"cache_hit_rate":   pm.metrics.MarketDataCacheHitRate,
	})
}

func (pm *PerformanceMonitor) collectSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	pm.metrics.MemoryUsage = int64(memStats.Alloc)
	pm.metrics.GoroutineCount = runtime.NumGoroutine()
	debug.ReadGCStats(&pm.metrics.GCStats)
}

// RecordOrderOutcome folds one order's latency and success/failure into the
// running averages.
func (pm *PerformanceMonitor) RecordOrderOutcome(latency time.Duration, failed bool) {
	pm.metrics.mu.Lock()
	defer pm.metrics.mu.Unlock()

	pm.metrics.OrdersProcessed++

	const alpha = 0.1
	if pm.metrics.AvgOrderLatency == 0 {
		pm.metrics.AvgOrderLatency = latency
	} else {
		pm.metrics.AvgOrderLatency = time.Duration(
			float64(pm.metrics.AvgOrderLatency)*(1-alpha) + float64(latency)*alpha,
		)
	}

	if failed {
		pm.metrics.OrderErrorRate = pm.metrics.OrderErrorRate*(1-alpha) + alpha*100
	} else {
		pm.metrics.OrderErrorRate = pm.metrics.OrderErrorRate * (1 - alpha)
	}

	if latency > pm.config.AlertThresholds.OrderLatencyThreshold {
		pm.metrics.SlowOrderCount++
	}

	elapsed := time.Since(pm.metrics.LastUpdated)
	if elapsed > 0 {
		pm.metrics.ThroughputOPS = float64(pm.metrics.OrdersProcessed) / elapsed.Seconds()
	}
}

// SetPendingOrders records the current pending-order book size.
func (pm *PerformanceMonitor) SetPendingOrders(count int64) {
	pm.metrics.mu.Lock()
	defer pm.metrics.mu.Unlock()
	pm.metrics.PendingOrders = count
}

// RecordMarketDataCache records the market data cache's current
// effectiveness, as reported by the cache itself.
func (pm *PerformanceMonitor) RecordMarketDataCache(hitRate float64, size int64) {
	pm.metrics.mu.Lock()
	defer pm.metrics.mu.Unlock()
	pm.metrics.MarketDataCacheHitRate = hitRate
	pm.metrics.MarketDataCacheSize = size
}

// SetCustomMetric stores an arbitrary named value alongside the built-ins.
func (pm *PerformanceMonitor) SetCustomMetric(key string, value interface{}) {
	pm.metrics.mu.Lock()
	defer pm.metrics.mu.Unlock()
	pm.metrics.CustomMetrics[key] = value
}

func (pm *PerformanceMonitor) checkAlertThresholds(ctx context.Context) {
	thresholds := pm.config.AlertThresholds

	if pm.metrics.MemoryUsage > thresholds.MemoryUsageThreshold {
		pm.logger.Warn(ctx, "high memory usage detected", map[string]interface{}{
			"current_usage": pm.metrics.MemoryUsage,
			"threshold":     thresholds.MemoryUsageThreshold,
		})
	}
	if pm.metrics.AvgOrderLatency > thresholds.OrderLatencyThreshold {
		pm.logger.Warn(ctx, "high order latency detected", map[string]interface{}{
			"current_latency_ms": pm.metrics.AvgOrderLatency.Milliseconds(),
			"threshold_ms":       thresholds.OrderLatencyThreshold.Milliseconds(),
		})
	}
	if pm.metrics.OrderErrorRate > thresholds.OrderErrorRateThreshold {
		pm.logger.Warn(ctx, "high order error rate detected", map[string]interface{}{
			"current_rate": pm.metrics.OrderErrorRate,
			"threshold":    thresholds.OrderErrorRateThreshold,
		})
	}
	if pm.metrics.GoroutineCount > thresholds.GoroutineThreshold {
		pm.logger.Warn(ctx, "high goroutine count detected", map[string]interface{}{
			"current_count": pm.metrics.GoroutineCount,
			"threshold":     thresholds.GoroutineThreshold,
		})
	}
}

// GetMetrics returns a copy of the current metrics snapshot.
func (pm *PerformanceMonitor) GetMetrics() *PerformanceMetrics {
	pm.metrics.mu.RLock()
	defer pm.metrics.mu.RUnlock()

	customMetrics := make(map[string]interface{})
	for k, v := range pm.metrics.CustomMetrics {
		customMetrics[k] = v
	}

	return &PerformanceMetrics{
		MemoryUsage:            pm.metrics.MemoryUsage,
		GoroutineCount:         pm.metrics.GoroutineCount,
		GCStats:                pm.metrics.GCStats,
		OrdersProcessed:        pm.metrics.OrdersProcessed,
		AvgOrderLatency:        pm.metrics.AvgOrderLatency,
		OrderErrorRate:         pm.metrics.OrderErrorRate,
		ThroughputOPS:          pm.metrics.ThroughputOPS,
		PendingOrders:          pm.metrics.PendingOrders,
		SlowOrderCount:         pm.metrics.SlowOrderCount,
		MarketDataCacheHitRate: pm.metrics.MarketDataCacheHitRate,
		MarketDataCacheSize:    pm.metrics.MarketDataCacheSize,
		CustomMetrics:          customMetrics,
		LastUpdated:            pm.metrics.LastUpdated,
	}
}

// Stop ends the collection loop.
func (pm *PerformanceMonitor) Stop() {
	close(pm.stopChan)
}
