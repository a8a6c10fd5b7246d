// Command engine is the trade execution engine's process entry point: it
// loads configuration, wires every component in dependency order, starts
// the execution controller, and blocks until an interrupt or terminate
// signal triggers a graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/execengine/internal/callback"
	"github.com/tradecore/execengine/internal/config"
	"github.com/tradecore/execengine/internal/controller"
	"github.com/tradecore/execengine/internal/credential"
	"github.com/tradecore/execengine/internal/domain"
	"github.com/tradecore/execengine/internal/gateway"
	"github.com/tradecore/execengine/internal/marketdata"
	"github.com/tradecore/execengine/internal/orders"
	"github.com/tradecore/execengine/internal/positions"
	"github.com/tradecore/execengine/internal/riskgate"
	"github.com/tradecore/execengine/internal/ring"
	"github.com/tradecore/execengine/internal/twap"
	"github.com/tradecore/execengine/pkg/cache"
	"github.com/tradecore/execengine/pkg/observability"
)

const (
	exitOK            = 0
	exitConfigFailure = 1
	exitInitFailure   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.json", "path to the engine's JSON configuration file")
	tag := flag.String("tag", "default", "suffix applied to the shared-memory ring names (/tes_signal_<tag>, /tes_order_report_<tag>)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: config load failed: %v\n", err)
		return exitConfigFailure
	}

	obs, err := observability.New(observability.Config{
		ServiceName:    cfg.System.Name,
		ServiceVersion: cfg.System.Version,
		LogLevel:       cfg.System.LogLevel,
		LogFormat:      cfg.Logging.Format,
		MetricsEnabled: cfg.Monitoring.Enabled,
		MetricsPort:    9090,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: observability init failed: %v\n", err)
		return exitInitFailure
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	ctrl, cleanup, err := buildController(cfg, *tag, obs)
	if err != nil {
		obs.Logger.Error(context.Background(), "engine: component construction failed", err, nil)
		return exitInitFailure
	}
	defer cleanup()

	if err := ctrl.Start(context.Background()); err != nil {
		obs.Logger.Error(context.Background(), "engine: controller start failed", err, nil)
		return exitInitFailure
	}

	obs.Logger.Info(context.Background(), "engine started", map[string]interface{}{"config": *configPath, "tag": *tag})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	obs.Logger.Info(context.Background(), "engine shutting down", nil)
	ctrl.Stop()
	return exitOK
}

// buildController wires every component in dependency order and returns the
// controller plus a cleanup func that, in reverse order of construction,
// stops the TWAP scheduler, OrderStore and callback manager and closes the
// rings. Those Stop methods are idempotent, so cleanup may run after the
// controller's own Stop.
func buildController(cfg *config.Config, tag string, obs *observability.Provider) (*controller.Controller, func(), error) {
	logger := obs.Logger
	metrics := obs.Metrics

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	var signalRing *ring.SignalRing
	var reportRing *ring.ReportRing
	if cfg.SignalTransMode == config.SignalTransSharedMemory {
		capacity := cfg.SharedMemory.MaxSignals
		if capacity <= 0 {
			capacity = 4096
		}
		sr, err := ring.OpenSignalRing(fmt.Sprintf("/tes_signal_%s", tag), ring.Options{}, 5*time.Second)
		if err != nil {
			return nil, cleanup, fmt.Errorf("open signal ring: %w", err)
		}
		signalRing = sr
		cleanups = append(cleanups, func() { _ = signalRing.Close() })

		rr, err := ring.CreateReportRing(fmt.Sprintf("/tes_order_report_%s", tag), capacity, ring.Options{})
		if err != nil {
			return nil, cleanup, fmt.Errorf("create report ring: %w", err)
		}
		reportRing = rr
		cleanups = append(cleanups, func() { _ = reportRing.Close() })
	}

	var remoteCache marketdata.RemoteCache
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		client, err := cache.New(cache.Config{URL: redisURL}, logger)
		if err != nil {
			logger.Warn(context.Background(), "market data redis mirror unavailable, continuing in-process only",
				map[string]interface{}{"error": err.Error()})
		} else {
			remoteCache = client
		}
	}
	mdCache := marketdata.New(marketdata.Config{
		SnapshotTTL: time.Duration(cfg.MarketData.SnapshotTTLMs) * time.Millisecond,
	}, remoteCache, logger)

	callbacks := callback.New(callback.Config{}, logger)
	cleanups = append(cleanups, callbacks.Stop)

	exchangeName := "binance"
	if len(cfg.Trading.TradingExchanges) > 0 {
		exchangeName = cfg.Trading.TradingExchanges[0]
	}
	exCfg := cfg.Exchanges[exchangeName]
	wsURL := exCfg.BaseURLs.Spot.Live
	if exCfg.Testnet {
		wsURL = exCfg.BaseURLs.Spot.Testnet
	}

	var apiKey string
	if exCfg.APIKey != "" {
		var unwrapper credential.Unwrapper = credential.PlaintextUnwrapper{}
		if masterSecret := os.Getenv("CREDENTIAL_MASTER_SECRET"); masterSecret != "" {
			unwrapper = credential.NewAESGCMUnwrapper(masterSecret)
		}
		key, err := unwrapper.Unwrap(exchangeName, exCfg.APIKey)
		if err != nil {
			return nil, cleanup, fmt.Errorf("unwrap %s api key: %w", exchangeName, err)
		}
		apiKey = key
	}

	session := gateway.NewWebSocketSession(wsURL, apiKey, logger)
	adapter := gateway.New(gateway.Config{}, session, logger, metrics)

	orderStore := orders.New(orders.Config{
		MaxPending:               cfg.RiskControl.MaxPendingOrders,
		EnableDuplicateDetection: cfg.Trading.EnableDuplicateDetection,
	}, adapter, controller.NewOrderPublisher(callbacks), logger)
	cleanups = append(cleanups, orderStore.Stop)

	gate := riskgate.New(riskgate.Config{
		EnableMinNotionalCheck:  cfg.Trading.EnableMinNotionalCheck,
		FailOpenOnMissingSymbol: cfg.RiskControl.FailOpenOnMissingSymbol,
		RecentEventWindow:       cfg.RiskControl.RecentEventWindow,
	}, nil, logger)

	scheduler := twap.New(twap.Config{
		AdaptiveSizing: cfg.Trading.EnableAdaptiveSlicing,
		MinSliceSize:   decimal.NewFromFloat(cfg.TWAP.MinSliceSize),
	}, orderStore, mdCache, logger, metrics)
	cleanups = append(cleanups, scheduler.Stop)

	ledger := positions.New()

	ctrlCfg := controller.Config{
		WorkerCount:                    cfg.Execution.WorkerThreadCount,
		EnableOrderFeedback:            cfg.Trading.EnableOrderFeedback,
		HeartbeatInterval:              cfg.HeartbeatInterval(),
		StatisticsInterval:             cfg.StatisticsInterval(),
		PromotionQuantityThreshold:     decimal.NewFromFloat(cfg.TWAP.QuantityThreshold),
		PromotionValueThreshold:        decimal.NewFromFloat(cfg.TWAP.ValueThreshold),
		PromotionMarketImpactThreshold: decimal.NewFromFloat(cfg.TWAP.MarketImpactThreshold),
		TWAPDefaults: domain.TWAPParameters{
			DurationMinutes:   cfg.TWAP.DefaultDurationMinutes,
			SliceCount:        cfg.TWAP.MaxSlices,
			ParticipationRate: cfg.TWAP.DefaultParticipationRate,
			PriceTolerance:    decimal.New(int64(cfg.TWAP.MaxPriceDeviationBps), -4),
		},
	}

	var reportSink controller.ReportSink
	if reportRing != nil {
		reportSink = reportRing
	}
	var signalSource controller.SignalSource
	if signalRing != nil {
		signalSource = signalRing
	}

	ctrl := controller.New(ctrlCfg, controller.Dependencies{
		SignalRing: signalSource,
		ReportRing: reportSink,
		OrderStore: orderStore,
		Gate:       gate,
		TWAP:       scheduler,
		Gateway:    adapter,
		Callbacks:  callbacks,
		MarketData: mdCache,
		Positions:  ledger,
		Logger:     logger,
		Metrics:    metrics,
	})

	return ctrl, cleanup, nil
}
