package client

import "github.com/prometheus/client_golang/prometheus"

const (
	labelOp       = "op"
	labelProvider = "provider"
)

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

// PrometheusMetrics implements endpoint.MetricHook using Prometheus counters.
var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements endpoint.MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	submitPosted    *prometheus.CounterVec
	submitCompleted *prometheus.CounterVec
	submitFailed    *prometheus.CounterVec
	progressRan     *prometheus.CounterVec
	watchdogReset   *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		submitPosted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rxrep_endpoint_submit_posted_total",
			Help:        "Number of operations successfully posted to the endpoint",
			ConstLabels: opts.ConstLabels,
		}, opLabelKeys),
		submitCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rxrep_endpoint_submit_completed_total",
			Help:        "Number of posted operations that completed successfully",
			ConstLabels: opts.ConstLabels,
		}, opLabelKeys),
		submitFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rxrep_endpoint_submit_failed_total",
			Help:        "Number of operations that failed at post time or on completion",
			ConstLabels: opts.ConstLabels,
		}, opLabelKeys),
		progressRan: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rxrep_endpoint_progress_total",
			Help:        "Number of progress engine ticks driven by the client",
			ConstLabels: opts.ConstLabels,
		}, providerLabelKeys),
		watchdogReset: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rxrep_endpoint_watchdog_reset_total",
			Help:        "Number of times the progress watchdog forced a transport reset",
			ConstLabels: opts.ConstLabels,
		}, providerLabelKeys),
	}

	var err error
	if p.submitPosted, err = registerCounterVec(reg, p.submitPosted); err != nil {
		return nil, err
	}
	if p.submitCompleted, err = registerCounterVec(reg, p.submitCompleted); err != nil {
		return nil, err
	}
	if p.submitFailed, err = registerCounterVec(reg, p.submitFailed); err != nil {
		return nil, err
	}
	if p.progressRan, err = registerCounterVec(reg, p.progressRan); err != nil {
		return nil, err
	}
	if p.watchdogReset, err = registerCounterVec(reg, p.watchdogReset); err != nil {
		return nil, err
	}

	return p, nil
}

var (
	opLabelKeys       = []string{labelOp, labelProvider}
	providerLabelKeys = []string{labelProvider}
)

// SubmitPosted records that op was accepted by the endpoint's submit path.
func (p *PrometheusMetrics) SubmitPosted(op string, attrs map[string]string) {
	p.submitPosted.With(opLabels(op, attrs)).Inc()
}

// SubmitCompleted records that a previously posted op finished without error.
func (p *PrometheusMetrics) SubmitCompleted(op string, attrs map[string]string) {
	p.submitCompleted.With(opLabels(op, attrs)).Inc()
}

// SubmitFailed records that op failed either at post time or on completion.
func (p *PrometheusMetrics) SubmitFailed(op string, _ error, attrs map[string]string) {
	p.submitFailed.With(opLabels(op, attrs)).Inc()
}

// ProgressRan records one progress engine tick.
func (p *PrometheusMetrics) ProgressRan(attrs map[string]string) {
	p.progressRan.With(providerLabels(attrs)).Inc()
}

// WatchdogReset records one watchdog-triggered transport reset.
func (p *PrometheusMetrics) WatchdogReset(attrs map[string]string) {
	p.watchdogReset.With(providerLabels(attrs)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func opLabels(op string, attrs map[string]string) prometheus.Labels {
	return prometheus.Labels{labelOp: op, labelProvider: attrs[labelProvider]}
}

func providerLabels(attrs map[string]string) prometheus.Labels {
	return prometheus.Labels{labelProvider: attrs[labelProvider]}
}
