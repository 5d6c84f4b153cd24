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

// Metrics exposes billing instruments.
type Metrics struct {
	ledgerMutations   metric.Int64Counter
	ledgerRetries     metric.Int64Counter
	insufficientFunds metric.Int64Counter
	usageRecords      metric.Int64Counter
	referralBonuses   metric.Int64Counter
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

// New configures the billing metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "tokenledger"
	}
	meter := provider.Meter(name)

	ledgerMutations, err := meter.Int64Counter("tokenledger_ledger_mutations_total")
	if err != nil {
		return nil, err
	}
	ledgerRetries, err := meter.Int64Counter("tokenledger_ledger_retries_total")
	if err != nil {
		return nil, err
	}
	insufficientFunds, err := meter.Int64Counter("tokenledger_insufficient_funds_total")
	if err != nil {
		return nil, err
	}
	usageRecords, err := meter.Int64Counter("tokenledger_usage_records_total")
	if err != nil {
		return nil, err
	}
	referralBonuses, err := meter.Int64Counter("tokenledger_referral_bonuses_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ledgerMutations:   ledgerMutations,
		ledgerRetries:     ledgerRetries,
		insufficientFunds: insufficientFunds,
		usageRecords:      usageRecords,
		referralBonuses:   referralBonuses,
	}, nil
}

// RecordLedgerMutation counts a committed balance mutation.
func (m *Metrics) RecordLedgerMutation(ctx context.Context, transactionType, direction string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("transaction_type", strings.TrimSpace(transactionType)),
		attribute.String("direction", strings.TrimSpace(direction)),
	)
	m.ledgerMutations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLedgerRetry counts a retried ledger attempt after a version conflict.
func (m *Metrics) RecordLedgerRetry(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.ledgerRetries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordInsufficientFunds counts a debit rejected by the credit limit.
func (m *Metrics) RecordInsufficientFunds(ctx context.Context, transactionType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("transaction_type", strings.TrimSpace(transactionType)))
	m.insufficientFunds.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUsage counts a recorded usage event.
func (m *Metrics) RecordUsage(ctx context.Context, billingMethod, provider string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("billing_method", strings.TrimSpace(billingMethod)),
		attribute.String("provider", strings.TrimSpace(provider)),
	)
	m.usageRecords.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReferralBonus counts a referral bonus attempt by outcome.
func (m *Metrics) RecordReferralBonus(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.referralBonuses.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"transaction_type": {},
	"direction":        {},
	"operation":        {},
	"billing_method":   {},
	"provider":         {},
	"outcome":          {},
	"reason":           {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
