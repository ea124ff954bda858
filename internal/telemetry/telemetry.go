package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const (
	ServiceName    = "pakningchat"
	ServiceVersion = "1.0.0"
)

// rotatingFile returns a lumberjack writer with the rotation policy shared by every log file
func rotatingFile(dir, name string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    10, // 10 MB
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// InitLogger initializes structured logging with rotation under dir and makes it the default logger.
// The returned closer flushes and closes the log file.
func InitLogger(dir string, debug bool) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	logFile := rotatingFile(dir, ServiceName+".log")

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	// Log only to file, the terminal belongs to the chat
	handler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: level})

	logger := slog.New(handler).With("service", ServiceName)
	slog.SetDefault(logger)

	return logger, logFile, nil
}

// InitTelemetry initializes OpenTelemetry tracing and metrics.
// Traces go to <dir>/pakningchat_traces.log and metrics to <dir>/pakningchat_metrics.log,
// metrics every interval (10s when zero).
func InitTelemetry(ctx context.Context, dir string, interval time.Duration) (trace.Tracer, metric.Meter, func(), error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(ServiceVersion),
		),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logs directory: %w", err)
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	traceFile := rotatingFile(dir, ServiceName+"_traces.log")
	traceExporter, err := stdouttrace.New(
		stdouttrace.WithWriter(traceFile),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricsFile := rotatingFile(dir, ServiceName+"_metrics.log")
	metricExporter, err := stdoutmetric.New(
		stdoutmetric.WithWriter(metricsFile),
		stdoutmetric.WithPrettyPrint(),
	)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(
				metricExporter,
				sdkmetric.WithInterval(interval),
			),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	tracer := tp.Tracer(ServiceName)
	meter := mp.Meter(ServiceName)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		if err := mp.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown meter provider", "error", err)
		}
		if err := traceFile.Close(); err != nil {
			slog.Error("failed to close trace file", "error", err)
		}
		if err := metricsFile.Close(); err != nil {
			slog.Error("failed to close metrics file", "error", err)
		}
	}

	return tracer, meter, cleanup, nil
}
