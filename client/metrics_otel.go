package client

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements endpoint.MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter           metric.Meter
	submitPosted    metric.Int64Counter
	submitCompleted metric.Int64Counter
	submitFailed    metric.Int64Counter
	progressRan     metric.Int64Counter
	watchdogReset   metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/rxrep/client"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	submitPosted, err := meter.Int64Counter("rxrep.endpoint.submit.posted")
	if err != nil {
		return nil, err
	}
	submitCompleted, err := meter.Int64Counter("rxrep.endpoint.submit.completed")
	if err != nil {
		return nil, err
	}
	submitFailed, err := meter.Int64Counter("rxrep.endpoint.submit.failed")
	if err != nil {
		return nil, err
	}
	progressRan, err := meter.Int64Counter("rxrep.endpoint.progress")
	if err != nil {
		return nil, err
	}
	watchdogReset, err := meter.Int64Counter("rxrep.endpoint.watchdog_reset")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:           meter,
		submitPosted:    submitPosted,
		submitCompleted: submitCompleted,
		submitFailed:    submitFailed,
		progressRan:     progressRan,
		watchdogReset:   watchdogReset,
	}, nil
}

// SubmitPosted records that op was accepted by the endpoint's submit path.
func (o *OTelMetrics) SubmitPosted(op string, attrs map[string]string) {
	o.submitPosted.Add(context.Background(), 1, metric.WithAttributes(otelOpAttrs(op, attrs)...))
}

// SubmitCompleted records that a previously posted op finished without error.
func (o *OTelMetrics) SubmitCompleted(op string, attrs map[string]string) {
	o.submitCompleted.Add(context.Background(), 1, metric.WithAttributes(otelOpAttrs(op, attrs)...))
}

// SubmitFailed records that op failed either at post time or on completion.
func (o *OTelMetrics) SubmitFailed(op string, _ error, attrs map[string]string) {
	o.submitFailed.Add(context.Background(), 1, metric.WithAttributes(otelOpAttrs(op, attrs)...))
}

// ProgressRan records one progress engine tick.
func (o *OTelMetrics) ProgressRan(attrs map[string]string) {
	o.progressRan.Add(context.Background(), 1, metric.WithAttributes(otelProviderAttrs(attrs)...))
}

// WatchdogReset records one watchdog-triggered transport reset.
func (o *OTelMetrics) WatchdogReset(attrs map[string]string) {
	o.watchdogReset.Add(context.Background(), 1, metric.WithAttributes(otelProviderAttrs(attrs)...))
}

func otelProviderAttrs(attrs map[string]string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String(labelProvider, attrs[labelProvider])}
}

func otelOpAttrs(op string, attrs map[string]string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(labelOp, op),
		attribute.String(labelProvider, attrs[labelProvider]),
	}
}
