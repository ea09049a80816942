// Package otel wires authcore's traces and metrics. Spans are exported per
// Config.Exporter; metrics stay in process behind a manual reader and are
// read with CollectMetrics. A disabled config yields a provider that records
// nothing.
package otel

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "authcore"
	MeterName  = "authcore"

	ExporterOTLP   = "otlp-http"
	ExporterStdout = "stdout"
	ExporterFile   = "file"
	ExporterNone   = "none"

	defaultEndpoint = "localhost:4318"
)

// Config is the otel block of config.yaml.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Install describes the running authcore instance. Its fields become
// resource attributes on every span and metric.
type Install struct {
	Version             string
	ClientID            string
	HomeDir             string
	SerialDepth         int
	ParallelDepth       int
	ParallelConcurrency int
}

// Attributes returns the resource attributes for in.
func (in Install) Attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int("authcore.queue.serial.max_depth", in.SerialDepth),
		attribute.Int("authcore.queue.parallel.max_depth", in.ParallelDepth),
		attribute.Int("authcore.queue.parallel.max_concurrency", in.ParallelConcurrency),
	}
	if in.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(in.Version))
	}
	if in.ClientID != "" {
		attrs = append(attrs, attribute.String("authcore.client_id", in.ClientID))
	}
	return attrs
}

type Provider struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	Resource       *resource.Resource

	reader   *sdkmetric.ManualReader
	shutdown []func(context.Context) error
}

// Init builds the provider for cfg and in. The caller must Shutdown it.
func Init(ctx context.Context, cfg Config, in Install) (*Provider, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "authcore"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithAttributes(in.Attributes()...),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	p := &Provider{Resource: res}
	exporter, closeOut, err := newSpanExporter(ctx, cfg, in.HomeDir)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)

	p.reader = sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(p.reader),
	)

	p.TracerProvider = tp
	p.MeterProvider = mp
	p.Tracer = tp.Tracer(TracerName)
	p.Meter = mp.Meter(MeterName)
	p.shutdown = append(p.shutdown, tp.Shutdown, mp.Shutdown)
	if closeOut != nil {
		p.shutdown = append(p.shutdown, func(context.Context) error { return closeOut.Close() })
	}
	return p, nil
}

// Noop returns a provider whose tracer and meter discard everything.
func Noop() *Provider {
	mp := noop.NewMeterProvider()
	tp := nooptrace.NewTracerProvider()
	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		Resource:       resource.Empty(),
	}
}

// Enabled reports whether spans and metrics are actually recorded.
func (p *Provider) Enabled() bool {
	return p.reader != nil
}

// CollectMetrics returns the current value of every instrument. A noop
// provider returns an empty result.
func (p *Provider) CollectMetrics(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	if p.reader == nil {
		return rm, nil
	}
	err := p.reader.Collect(ctx, &rm)
	return rm, err
}

// Totals folds rm into one number per instrument: the sum of counter points
// and the observation count of histograms.
func Totals(rm metricdata.ResourceMetrics) map[string]float64 {
	out := make(map[string]float64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += float64(dp.Value)
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += float64(dp.Count)
				}
			}
		}
	}
	return out
}

// Shutdown flushes pending spans and releases exporters. The first error wins.
func (p *Provider) Shutdown(ctx context.Context) error {
	var first error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil && first == nil {
			first = err
		}
	}
	p.shutdown = nil
	return first
}

// sampler samples root spans at rate; rates outside (0,1) sample everything.
func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// newSpanExporter returns the exporter for cfg and, for the file exporter,
// the file to close on shutdown.
func newSpanExporter(ctx context.Context, cfg Config, homeDir string) (sdktrace.SpanExporter, io.Closer, error) {
	switch cfg.Exporter {
	case ExporterOTLP, "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultEndpoint
		}
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("otlp exporter: %w", err)
		}
		return exp, nil, nil
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		return exp, nil, err
	case ExporterFile:
		if homeDir == "" {
			return nil, nil, fmt.Errorf("otel exporter %q needs a home directory", ExporterFile)
		}
		dir := filepath.Join(homeDir, "logs")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(filepath.Join(dir, "traces.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, err
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			_ = f.Close()
			return nil, nil, err
		}
		return exp, f, nil
	case ExporterNone:
		return discardExporter{}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown otel exporter %q (supported: %s, %s, %s, %s)",
			cfg.Exporter, ExporterOTLP, ExporterStdout, ExporterFile, ExporterNone)
	}
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error { return nil }
