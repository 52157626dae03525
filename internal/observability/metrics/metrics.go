package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	billingEvents      metric.Int64Counter
	ledgerTransactions metric.Int64Counter
	staleEvents        metric.Int64Counter
	rateLimitDenied    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "creditledger"
	}
	meter := provider.Meter(name)

	billingEvents, err := meter.Int64Counter("creditledger_billing_events_total")
	if err != nil {
		return nil, err
	}
	ledgerTransactions, err := meter.Int64Counter("creditledger_ledger_transactions_total")
	if err != nil {
		return nil, err
	}
	staleEvents, err := meter.Int64Counter("creditledger_stale_events_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("creditledger_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		billingEvents:      billingEvents,
		ledgerTransactions: ledgerTransactions,
		staleEvents:        staleEvents,
		rateLimitDenied:    rateLimitDenied,
	}, nil
}

// RecordBillingEvent counts billing events by type and outcome.
func (m *Metrics) RecordBillingEvent(ctx context.Context, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.billingEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLedgerTransaction counts committed ledger transactions by kind.
func (m *Metrics) RecordLedgerTransaction(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(attribute.String("kind", strings.TrimSpace(kind)))
	m.ledgerTransactions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordStaleEvent counts discarded out-of-order events.
func (m *Metrics) RecordStaleEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(attribute.String("event_type", strings.TrimSpace(eventType)))
	m.staleEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied counts denied requests by endpoint.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func filterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if attr.Value.AsString() == "" {
			continue
		}
		out = append(out, attr)
	}
	return out
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(ctx, opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}
