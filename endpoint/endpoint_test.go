package endpoint

import (
	"errors"
	"testing"

	"github.com/rocketbitz/rxrep/rxcore"
)

func TestConfigSetDefaults(t *testing.T) {
	var c Config
	c.setDefaults()
	if c.Provider != "sockets" {
		t.Fatalf("Provider = %q, want sockets", c.Provider)
	}
	if c.MaxDataPayloadSize != 8<<10 {
		t.Fatalf("MaxDataPayloadSize = %d, want %d", c.MaxDataPayloadSize, 8<<10)
	}
}

func TestConfigSetDefaultsPreservesExplicitValues(t *testing.T) {
	c := Config{Provider: "efa", MaxDataPayloadSize: 4096}
	c.setDefaults()
	if c.Provider != "efa" {
		t.Fatalf("Provider = %q, want efa (explicit value preserved)", c.Provider)
	}
	if c.MaxDataPayloadSize != 4096 {
		t.Fatalf("MaxDataPayloadSize = %d, want 4096 (explicit value preserved)", c.MaxDataPayloadSize)
	}
}

func TestMetricAttrs(t *testing.T) {
	e := &Endpoint{cfg: Config{Provider: "efa"}}
	attrs := e.metricAttrs("send")
	if attrs["op"] != "send" || attrs["provider"] != "efa" {
		t.Fatalf("metricAttrs = %v, want op=send provider=efa", attrs)
	}
}

func TestSpanNilTracerReturnsNil(t *testing.T) {
	e := &Endpoint{}
	if s := e.span("rxrep.submit.send"); s != nil {
		t.Fatalf("span() with no tracer = %v, want nil", s)
	}
	// endSpan must tolerate a nil Span without panicking.
	endSpan(nil, nil)
}

type fakeSpan struct {
	ended     bool
	endErr    error
	events    []string
	recordErr error
}

func (s *fakeSpan) End(err error)                                { s.ended = true; s.endErr = err }
func (s *fakeSpan) AddEvent(name string, attrs ...TraceAttribute) { s.events = append(s.events, name) }
func (s *fakeSpan) RecordError(err error)                        { s.recordErr = err }

type fakeTracer struct {
	spans []*fakeSpan
}

func (t *fakeTracer) StartSpan(name string, attrs ...TraceAttribute) Span {
	s := &fakeSpan{}
	t.spans = append(t.spans, s)
	return s
}

func TestSpanUsesConfiguredTracer(t *testing.T) {
	tracer := &fakeTracer{}
	e := &Endpoint{tracer: tracer}
	s := e.span("rxrep.submit.send")
	if s == nil {
		t.Fatalf("span() with a tracer configured = nil, want a Span")
	}
	endSpan(s, errors.New("boom"))
	if len(tracer.spans) != 1 || !tracer.spans[0].ended {
		t.Fatalf("expected the started span to be ended")
	}
	if tracer.spans[0].endErr == nil {
		t.Fatalf("expected the end error to be recorded")
	}
}

type fakeMetrics struct {
	posted []string
	failed []string
}

func (m *fakeMetrics) SubmitPosted(op string, attrs map[string]string)             { m.posted = append(m.posted, op) }
func (m *fakeMetrics) SubmitCompleted(op string, attrs map[string]string)          {}
func (m *fakeMetrics) SubmitFailed(op string, err error, attrs map[string]string)  { m.failed = append(m.failed, op) }
func (m *fakeMetrics) ProgressRan(attrs map[string]string)                         {}
func (m *fakeMetrics) WatchdogReset(attrs map[string]string)                       {}

func TestSubmitTxRecordsSuccessMetric(t *testing.T) {
	metrics := &fakeMetrics{}
	e := &Endpoint{metrics: metrics}
	want := &rxcore.TxEntry{}
	entry, err := e.submitTx("send", func() (*rxcore.TxEntry, error) { return want, nil })
	if err != nil || entry != want {
		t.Fatalf("submitTx = (%v, %v), want (%v, nil)", entry, err, want)
	}
	if len(metrics.posted) != 1 || metrics.posted[0] != "send" {
		t.Fatalf("metrics.posted = %v, want [send]", metrics.posted)
	}
	if len(metrics.failed) != 0 {
		t.Fatalf("metrics.failed = %v, want none", metrics.failed)
	}
}

func TestSubmitTxRecordsFailureMetric(t *testing.T) {
	metrics := &fakeMetrics{}
	e := &Endpoint{metrics: metrics}
	wantErr := errors.New("no credits")
	entry, err := e.submitTx("send", func() (*rxcore.TxEntry, error) { return nil, wantErr })
	if entry != nil || err != wantErr {
		t.Fatalf("submitTx = (%v, %v), want (nil, %v)", entry, err, wantErr)
	}
	if len(metrics.failed) != 1 || metrics.failed[0] != "send" {
		t.Fatalf("metrics.failed = %v, want [send]", metrics.failed)
	}
	if len(metrics.posted) != 0 {
		t.Fatalf("metrics.posted = %v, want none", metrics.posted)
	}
}

func TestSubmitRxRecordsSuccessAndFailureMetrics(t *testing.T) {
	metrics := &fakeMetrics{}
	e := &Endpoint{metrics: metrics}
	want := &rxcore.RxEntry{}
	entry, err := e.submitRx("recv", func() (*rxcore.RxEntry, error) { return want, nil })
	if err != nil || entry != want {
		t.Fatalf("submitRx = (%v, %v), want (%v, nil)", entry, err, want)
	}
	if len(metrics.posted) != 1 || metrics.posted[0] != "recv" {
		t.Fatalf("metrics.posted = %v, want [recv]", metrics.posted)
	}

	wantErr := errors.New("bad iov")
	entry, err = e.submitRx("recv", func() (*rxcore.RxEntry, error) { return nil, wantErr })
	if entry != nil || err != wantErr {
		t.Fatalf("submitRx = (%v, %v), want (nil, %v)", entry, err, wantErr)
	}
	if len(metrics.failed) != 1 || metrics.failed[0] != "recv" {
		t.Fatalf("metrics.failed = %v, want [recv]", metrics.failed)
	}
}

func TestSubmitTxWithoutMetricsHookDoesNotPanic(t *testing.T) {
	e := &Endpoint{}
	if _, err := e.submitTx("send", func() (*rxcore.TxEntry, error) { return &rxcore.TxEntry{}, nil }); err != nil {
		t.Fatalf("submitTx: %v", err)
	}
	if _, err := e.submitTx("send", func() (*rxcore.TxEntry, error) { return nil, errors.New("x") }); err == nil {
		t.Fatalf("expected the underlying error to propagate")
	}
}

func TestCloseToleratesPartiallyOpenedEndpoint(t *testing.T) {
	e := &Endpoint{}
	if err := e.Close(); err != nil {
		t.Fatalf("Close on a zero-value Endpoint: %v", err)
	}
}
