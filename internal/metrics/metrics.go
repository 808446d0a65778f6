// Package metrics exposes the supervisor's OpenTelemetry instruments. When
// disabled every instrument is backed by a provider without readers, so
// callers never need to check.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/bilal/switchify-netmon/internal/config"
)

const serviceName = "switchify-netmon"

const (
	ExporterStdout   = "stdout"
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterOTLPHTTP = "otlp-http"
)

type Metrics struct {
	provider *sdkmetric.MeterProvider
	enabled  bool

	reports       metric.Int64Counter
	remediations  metric.Int64Counter
	violations    metric.Int64Counter
	spawnFailures metric.Int64Counter
	activeAgents  metric.Int64UpDownCounter
}

// New builds the instruments for cfg.
func New(ctx context.Context, cfg config.MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	return newWithProvider(mp, true)
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, err := newWithProvider(sdkmetric.NewMeterProvider(), false)
	if err != nil {
		// instrument creation only fails on invalid names
		panic(err)
	}
	return m
}

func createExporter(ctx context.Context, cfg config.MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.Exporter {
	case ExporterStdout, "":
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.Exporter)
	}
}

func newWithProvider(mp *sdkmetric.MeterProvider, enabled bool) (*Metrics, error) {
	meter := mp.Meter(serviceName)
	m := &Metrics{provider: mp, enabled: enabled}

	var err error
	if m.reports, err = meter.Int64Counter(
		"netmon.reports",
		metric.WithDescription("Telemetry reports accepted from agents"),
	); err != nil {
		return nil, fmt.Errorf("failed to create reports counter: %w", err)
	}
	if m.remediations, err = meter.Int64Counter(
		"netmon.remediations",
		metric.WithDescription("Set Link Up commands sent"),
	); err != nil {
		return nil, fmt.Errorf("failed to create remediations counter: %w", err)
	}
	if m.violations, err = meter.Int64Counter(
		"netmon.protocol_violations",
		metric.WithDescription("Messages received out of protocol order"),
	); err != nil {
		return nil, fmt.Errorf("failed to create violations counter: %w", err)
	}
	if m.spawnFailures, err = meter.Int64Counter(
		"netmon.spawn_failures",
		metric.WithDescription("Agents that failed to start or connect"),
	); err != nil {
		return nil, fmt.Errorf("failed to create spawn failure counter: %w", err)
	}
	if m.activeAgents, err = meter.Int64UpDownCounter(
		"netmon.agents.active",
		metric.WithDescription("Agents currently registered"),
	); err != nil {
		return nil, fmt.Errorf("failed to create active agents counter: %w", err)
	}
	return m, nil
}

func resourceAttr(name string) metric.AddOption {
	return metric.WithAttributes(attribute.String("resource", name))
}

func (m *Metrics) Report(ctx context.Context, res string) {
	m.reports.Add(ctx, 1, resourceAttr(res))
}

func (m *Metrics) Remediation(ctx context.Context, res string) {
	m.remediations.Add(ctx, 1, resourceAttr(res))
}

func (m *Metrics) ProtocolViolation(ctx context.Context, res, message string) {
	m.violations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", res),
		attribute.String("message", message),
	))
}

func (m *Metrics) SpawnFailure(ctx context.Context, res string) {
	m.spawnFailures.Add(ctx, 1, resourceAttr(res))
}

func (m *Metrics) AgentConnected(ctx context.Context) {
	m.activeAgents.Add(ctx, 1)
}

func (m *Metrics) AgentDisconnected(ctx context.Context) {
	m.activeAgents.Add(ctx, -1)
}

func (m *Metrics) Enabled() bool {
	return m.enabled
}

// Shutdown flushes pending data points.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
