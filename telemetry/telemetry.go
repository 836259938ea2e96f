// Package telemetry exports traces and logs to an OTLP/HTTP collector.
package telemetry

import (
	"context"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nengo/nengo-gui/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

const exportTimeout = 10 * time.Second

// ShutdownFunc flushes and stops the exporters.
type ShutdownFunc func()

// Config names the collector and the service reported to it.
type Config struct {
	// Endpoint is the collector base URL, e.g. http://localhost:4318.
	Endpoint    string
	Token       string
	ServiceName string
	// Level is the lowest level exported as logs.
	Level logger.LogLevel
}

func (c Config) endpoints() (traces string, logs string, insecure bool, err error) {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return "", "", false, errors.Wrapf(err, "invalid otlp endpoint %q", c.Endpoint)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", false, errors.Newf("otlp endpoint %q must be http or https", c.Endpoint)
	}
	t, l := *u, *u
	t.Path = "/v1/traces"
	l.Path = "/v1/logs"
	return t.String(), l.String(), u.Scheme == "http", nil
}

// New installs a global tracer provider that exports to the collector and returns a
// logger whose entries are exported as OTLP logs.
func New(ctx context.Context, cfg Config) (logger.Logger, ShutdownFunc, error) {
	traceURL, logURL, insecure, err := cfg.endpoints()
	if err != nil {
		return nil, nil, err
	}

	res, err := resource.New(
		ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil && !errors.Is(err, resource.ErrPartialResource) && !errors.Is(err, resource.ErrSchemaURLConflict) {
		return nil, nil, errors.Wrap(err, "creating resource")
	}

	headers := make(map[string]string)
	if cfg.Token != "" {
		headers["Authorization"] = "Bearer " + cfg.Token
	}

	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(traceURL),
		otlptracehttp.WithHeaders(headers),
		otlptracehttp.WithTimeout(exportTimeout),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	logOpts := []otlploghttp.Option{
		otlploghttp.WithEndpointURL(logURL),
		otlploghttp.WithHeaders(headers),
		otlploghttp.WithTimeout(exportTimeout),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		logOpts = append(logOpts, otlploghttp.WithInsecure())
	}

	traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating trace exporter")
	}
	logExporter, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating log exporter")
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	logProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)
	otel.SetTracerProvider(tracerProvider)

	log := logger.NewOtelLogger(logProvider.Logger(cfg.ServiceName), cfg.Level)
	return log, func() {
		ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
		defer cancel()
		_ = tracerProvider.Shutdown(ctx)
		_ = logProvider.Shutdown(ctx)
	}, nil
}
