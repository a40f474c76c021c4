package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	// ServiceName is used when the config leaves it empty.
	ServiceName    = "celebrum-distiller"
	ServiceVersion = "1.0.0"
)

// Config holds configuration for telemetry
type Config struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	Environment  string
	// StdoutWriter receives spans when no OTLP endpoint is set. Defaults to
	// os.Stdout.
	StdoutWriter io.Writer
}

// Provider owns the tracer and logger providers registered by Setup.
type Provider struct {
	Tracer    *sdktrace.TracerProvider
	Logger    *sdklog.LoggerProvider
	shutdowns []func(context.Context) error
}

// Setup registers a global tracer provider. Disabled telemetry returns an
// empty Provider whose Shutdown is a no-op. With an OTLP endpoint both
// spans and logs are exported over HTTP; without one spans go to stdout
// and no logger provider is created.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{}
	if !cfg.Enabled {
		return p, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = ServiceName
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return p, fmt.Errorf("failed to create resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		spanExporter, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		if err != nil {
			return p, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
	} else {
		w := cfg.StdoutWriter
		if w == nil {
			w = os.Stdout
		}
		spanExporter, err = stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return p, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
	}

	p.Tracer = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	p.shutdowns = append(p.shutdowns, p.Tracer.Shutdown)
	otel.SetTracerProvider(p.Tracer)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if cfg.OTLPEndpoint != "" {
		logExporter, err := otlploghttp.New(ctx, otlploghttp.WithEndpointURL(cfg.OTLPEndpoint))
		if err != nil {
			return p, fmt.Errorf("failed to create OTLP log exporter: %w", err)
		}
		p.Logger = sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
			sdklog.WithResource(res),
		)
		p.shutdowns = append(p.shutdowns, p.Logger.Shutdown)
	}
	return p, nil
}

// Shutdown flushes and stops every provider Setup created.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	for i := len(p.shutdowns) - 1; i >= 0; i-- {
		if err := p.shutdowns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdowns = nil
	return errors.Join(errs...)
}
