package client

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestOTelMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}

	attrs := map[string]string{labelProvider: "sockets"}

	metrics.SubmitPosted("send", attrs)
	metrics.SubmitCompleted("send", attrs)
	metrics.SubmitFailed("send", errors.New("fail"), attrs)
	metrics.SubmitPosted("recv", attrs)
	metrics.SubmitCompleted("recv", attrs)
	metrics.SubmitFailed("recv", errors.New("rfail"), attrs)
	metrics.ProgressRan(attrs)
	metrics.WatchdogReset(attrs)

	ctx := context.Background()
	if err := provider.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	cases := map[string]float64{
		"rxrep.endpoint.submit.posted":    2,
		"rxrep.endpoint.submit.completed": 2,
		"rxrep.endpoint.submit.failed":    2,
		"rxrep.endpoint.progress":         1,
		"rxrep.endpoint.watchdog_reset":   1,
	}

	for name, want := range cases {
		if got := otelCounterValue(rm, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}

	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func otelCounterValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			switch data := metric.Data.(type) {
			case metricdata.Sum[int64]:
				var sum float64
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
				return sum
			}
		}
	}
	return 0
}
