// Package observability wires process-wide telemetry for the sync engine:
// OTLP tracing, Prometheus metrics, and the diagnostics listener the daemon
// exposes next to its API port.
package observability

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerPrefix = "github.com/example/field-sync-engine/internal/"

var processStart = time.Now()

// Tracer returns the tracer for an engine component. Components pass their
// short package name; the module path prefix keeps tracer names unique.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(tracerPrefix + component)
}

// Config controls the trace exporter and the diagnostics listener.
type Config struct {
	ServiceName  string
	MetricsAddr  string
	OTLPEndpoint string
	// Ready reports dependency health for GET /healthz. Nil means the
	// endpoint always answers ok.
	Ready func(context.Context) error
}

// Start wires OTLP tracing and the diagnostics listener serving /metrics
// and /healthz. The returned shutdown flushes pending spans and stops the
// listener; invoke it during graceful shutdown.
func Start(ctx context.Context, cfg Config, logger zerolog.Logger) (func(context.Context) error, error) {
	provider, err := newTraceProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if provider != nil {
		otel.SetTracerProvider(provider)
		logger.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("otlp tracing enabled")
	}

	var diag *http.Server
	if cfg.MetricsAddr != "" {
		diag = &http.Server{Addr: cfg.MetricsAddr, Handler: diagnosticsMux(cfg.Ready)}
		go func() {
			if err := diag.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("diagnostics listener failed")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("diagnostics listener started")
	}

	return func(ctx context.Context) error {
		if diag != nil {
			_ = diag.Shutdown(ctx)
		}
		if provider != nil {
			return provider.Shutdown(ctx)
		}
		return nil
	}, nil
}

func newTraceProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	if cfg.OTLPEndpoint == "" {
		return nil, nil
	}
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		)),
	), nil
}

func diagnosticsMux(ready func(context.Context) error) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// LoggerWithTrace attaches the active span's trace and span ids so engine
// logs can be joined with exported traces.
func LoggerWithTrace(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With().
		Str("trace_id", spanCtx.TraceID().String()).
		Str("span_id", spanCtx.SpanID().String()).
		Logger()
}

// RegisterEngineCollectors exposes process-level gauges: engine uptime,
// goroutine count, and the most recent GC pause.
func RegisterEngineCollectors() {
	prometheus.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "engine",
			Name:      "uptime_seconds",
			Help:      "Seconds since the sync engine process started.",
		}, func() float64 {
			return time.Since(processStart).Seconds()
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "engine",
			Name:      "goroutines",
			Help:      "Number of goroutines in the process.",
		}, func() float64 {
			return float64(runtime.NumGoroutine())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "engine",
			Name:      "last_gc_pause_seconds",
			Help:      "Duration of the most recent GC pause.",
		}, func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			if stats.NumGC == 0 {
				return 0
			}
			return float64(stats.PauseNs[(stats.NumGC+255)%256]) / float64(time.Second)
		}),
	)
}
