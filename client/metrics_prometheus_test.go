package client

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
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

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	cases := map[string]float64{
		"rxrep_endpoint_submit_posted_total":    2,
		"rxrep_endpoint_submit_completed_total": 2,
		"rxrep_endpoint_submit_failed_total":    2,
		"rxrep_endpoint_progress_total":         1,
		"rxrep_endpoint_watchdog_reset_total":   1,
	}

	for name, want := range cases {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
}

func findCounterValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}
