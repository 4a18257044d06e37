// Package otel provides OpenTelemetry TracerProvider, MeterProvider, and LoggerProvider
// configured with OTLP exporters for the session client and the fake identity API.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const defaultMetricInterval = 10 * time.Second

// Settings identifies the process to the collector and says where to export.
type Settings struct {
	// Endpoint is the OTLP gRPC collector; only host:port is used. Empty disables export.
	Endpoint string
	// Insecure forces plaintext even for https endpoints.
	Insecure bool
	// ServiceName becomes service.name.
	ServiceName string
	// Environment becomes deployment.environment.name when set.
	Environment string
	// Profile becomes portal.profile when set; the client exports one stream per credential profile.
	Profile string
	// MetricInterval is the export period; defaults to 10s.
	MetricInterval time.Duration
}

func (s Settings) resource() (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(s.ServiceName)}
	if s.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment.name", s.Environment))
	}
	if s.Profile != "" {
		attrs = append(attrs, attribute.String("portal.profile", s.Profile))
	}
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

// Providers holds the OpenTelemetry providers and a shutdown function.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *metric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	// Resource is attached to every signal, exported or not.
	Resource *resource.Resource
	Shutdown func(context.Context) error
}

// NewProviders builds the three providers for s. Without an endpoint they carry the resource
// but no exporters, and Shutdown is a no-op.
func NewProviders(ctx context.Context, s Settings) (*Providers, error) {
	res, err := s.resource()
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	endpoint := strings.TrimSpace(s.Endpoint)
	if endpoint == "" {
		return &Providers{
			TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithResource(res)),
			MeterProvider:  metric.NewMeterProvider(metric.WithResource(res)),
			LoggerProvider: sdklog.NewLoggerProvider(sdklog.WithResource(res)),
			Resource:       res,
			Shutdown:       func(context.Context) error { return nil },
		}, nil
	}

	target, insecure, err := grpcTarget(endpoint)
	if err != nil {
		return nil, err
	}
	interval := s.MetricInterval
	if interval <= 0 {
		interval = defaultMetricInterval
	}
	p := &Providers{Resource: res}
	x := exporters{target: target, insecure: insecure || s.Insecure}

	// Each step builds one signal; a failure shuts down the ones already running.
	steps := []func(context.Context) (func(context.Context) error, error){
		func(ctx context.Context) (func(context.Context) error, error) {
			exp, err := otlptracegrpc.New(ctx, x.trace()...)
			if err != nil {
				return nil, err
			}
			p.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
			return p.TracerProvider.Shutdown, nil
		},
		func(ctx context.Context) (func(context.Context) error, error) {
			exp, err := otlpmetricgrpc.New(ctx, x.metric()...)
			if err != nil {
				return nil, err
			}
			p.MeterProvider = metric.NewMeterProvider(metric.WithResource(res),
				metric.WithReader(metric.NewPeriodicReader(exp, metric.WithInterval(interval))))
			return p.MeterProvider.Shutdown, nil
		},
		func(ctx context.Context) (func(context.Context) error, error) {
			exp, err := otlploggrpc.New(ctx, x.log()...)
			if err != nil {
				return nil, err
			}
			p.LoggerProvider = sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)), sdklog.WithResource(res))
			return p.LoggerProvider.Shutdown, nil
		},
	}
	var stops []func(context.Context) error
	for _, step := range steps {
		stop, err := step(ctx)
		if err != nil {
			_ = shutdownAll(ctx, stops)
			return nil, fmt.Errorf("telemetry exporter: %w", err)
		}
		stops = append(stops, stop)
	}
	p.Shutdown = func(ctx context.Context) error { return shutdownAll(ctx, stops) }
	return p, nil
}

// shutdownAll stops providers in reverse start order and joins their errors.
func shutdownAll(ctx context.Context, stops []func(context.Context) error) error {
	var errs []error
	for i := len(stops) - 1; i >= 0; i-- {
		if err := stops[i](ctx); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("telemetry: shutdown")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type exporters struct {
	target   string
	insecure bool
}

func (x exporters) trace() []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(x.target)}
	if x.insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return opts
}

func (x exporters) metric() []otlpmetricgrpc.Option {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(x.target)}
	if x.insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return opts
}

func (x exporters) log() []otlploggrpc.Option {
	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(x.target)}
	if x.insecure {
		opts = append(opts, otlploggrpc.WithInsecure())
	}
	return opts
}

// grpcTarget reduces endpoint to host:port and reports whether it is plaintext.
// An endpoint without a scheme is plaintext.
func grpcTarget(endpoint string) (string, bool, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}
	return u.Host, u.Scheme != "https", nil
}

// SetGlobal installs the tracer and meter providers globally for otelhttp and the renewal
// counter. Events take the LoggerProvider explicitly.
func (p *Providers) SetGlobal() {
	if p.TracerProvider != nil {
		otel.SetTracerProvider(p.TracerProvider)
	}
	if p.MeterProvider != nil {
		otel.SetMeterProvider(p.MeterProvider)
	}
}
