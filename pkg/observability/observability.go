package observability

import (
	"context"
	"os"
)

// Config bootstraps the engine's logger, tracer, and metrics provider as one
// unit, the way a single process-wide observability handle is wired once at
// startup and threaded through every component.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	LogLevel       string
	LogFormat      string
	JaegerEndpoint string
	MetricsEnabled bool
	MetricsPort    int
}

// Provider bundles the three observability surfaces the engine depends on.
type Provider struct {
	Logger  *Logger
	Tracing *TracingProvider
	Metrics *MetricsProvider
	cfg     Config
}

// New wires a Provider from cfg. Tracing is best-effort: if the tracing
// provider cannot be created, a warning is logged, Provider.Tracing is left
// nil and engine startup continues.
func New(cfg Config) (*Provider, error) {
	logger := NewLogger(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat)

	tracing, err := NewTracingProvider(TracingConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		JaegerEndpoint: cfg.JaegerEndpoint,
	})
	if err != nil {
		logger.Warn(context.Background(), "tracing provider unavailable, continuing without it",
			map[string]interface{}{"error": err.Error()})
		tracing = nil
	}

	metrics, err := NewMetricsProvider(MetricsConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Namespace:      "execengine",
		Port:           cfg.MetricsPort,
		Enabled:        cfg.MetricsEnabled,
	})
	if err != nil {
		return nil, err
	}

	return &Provider{Logger: logger, Tracing: tracing, Metrics: metrics, cfg: cfg}, nil
}

// Shutdown tears down tracing and metrics in order; logging needs no
// shutdown since it writes synchronously to stdout.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.Tracing != nil {
		if err := p.Tracing.Shutdown(ctx); err != nil {
			return err
		}
	}
	if p.Metrics != nil {
		return p.Metrics.Shutdown(ctx)
	}
	return nil
}

// DefaultConfig reads ambient environment variables the way the rest of the
// stack's getenv-with-default idiom does, for callers that don't load a full
// JSON config.
func DefaultConfig() Config {
	return Config{
		ServiceName:    getEnv("SERVICE_NAME", "trade-execution-engine"),
		ServiceVersion: getEnv("SERVICE_VERSION", "1.0.0"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		MetricsEnabled: getEnv("METRICS_ENABLED", "true") == "true",
		MetricsPort:    9090,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
