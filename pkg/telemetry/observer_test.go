package telemetry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openfroyo/rightsize/pkg/engine"
	"github.com/openfroyo/rightsize/pkg/providers/simulated"
	"github.com/openfroyo/rightsize/pkg/resize"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

type observerFixture struct {
	metrics  *Metrics
	recorder *tracetest.SpanRecorder
	events   *eventLog
	observer *Observer
}

func newObserverFixture(t *testing.T) *observerFixture {
	t.Helper()
	metrics, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	publisher, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	log := &eventLog{}
	publisher.Subscribe(log.add, nil)

	recorder := tracetest.NewSpanRecorder()
	tracer := NewTracerWithProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	return &observerFixture{
		metrics:  metrics,
		recorder: recorder,
		events:   log,
		observer: NewObserver(zerolog.Nop(), tracer, metrics, publisher),
	}
}

func runResize(t *testing.T, obs engine.Observer, maxAttempts int, opts ...simulated.Option) *engine.RunResult {
	t.Helper()
	client := simulated.New(opts...)
	client.AddInstance(simulated.Instance{ID: "i-0abc", InstanceType: "m5.large"})
	e := engine.NewWorkflowEngine(client,
		engine.WithObserver(obs),
		engine.WithClock(engine.NewVirtualClock(time.Unix(0, 0))),
	)
	p := resize.DefaultParameters()
	p.InstanceID = "i-0abc"
	p.TargetInstanceType = "m6i.large"
	p.MaxAttempts = maxAttempts
	return e.Run(context.Background(), resize.Definition(), p.Map())
}

func TestObserverRecordsSuccessfulRun(t *testing.T) {
	f := newObserverFixture(t)
	res := runResize(t, f.observer, 5, simulated.WithCapacityFailures(1))
	if res.Status != engine.RunStatusSucceeded {
		t.Fatalf("Expected Succeeded, got %s: %v", res.Status, res.Error)
	}

	if got := testutil.ToFloat64(f.metrics.runsCompleted.WithLabelValues(resize.WorkflowName, "succeeded")); got != 1 {
		t.Errorf("Expected 1 completed run, got %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.activeRuns); got != 0 {
		t.Errorf("Expected no active runs, got %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.reservationAttempts.WithLabelValues("insufficient_capacity")); got != 1 {
		t.Errorf("Expected 1 capacity failure, got %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.reservationAttempts.WithLabelValues("success")); got != 1 {
		t.Errorf("Expected 1 successful attempt, got %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.stepsExecuted.WithLabelValues(string(engine.ActionRunRemoteCommand), "skipped")); got != 2 {
		t.Errorf("Expected 2 skipped checks, got %v", got)
	}

	var run sdktrace.ReadOnlySpan
	steps := 0
	for _, span := range f.recorder.Ended() {
		switch {
		case span.Name() == "run "+resize.WorkflowName:
			run = span
		case strings.HasPrefix(span.Name(), "step "):
			steps++
		}
	}
	if run == nil {
		t.Fatal("Expected a run span")
	}
	if steps != len(res.Steps) {
		t.Errorf("Expected %d step spans, got %d", len(res.Steps), steps)
	}
	for _, span := range f.recorder.Ended() {
		if strings.HasPrefix(span.Name(), "step ") && span.Parent().SpanID() != run.SpanContext().SpanID() {
			t.Errorf("Expected step span to be a child of the run span")
		}
	}

	types := f.events.types()
	if len(types) != len(res.Steps)+2 {
		t.Fatalf("Expected %d events, got %v", len(res.Steps)+2, types)
	}
	if types[0] != EventTypeRunStarted || types[len(types)-1] != EventTypeRunCompleted {
		t.Errorf("Unexpected event order %v", types)
	}
}

func TestObserverRecordsAbort(t *testing.T) {
	f := newObserverFixture(t)
	res := runResize(t, f.observer, 2, simulated.WithCapacityFailures(10))
	if res.Status != engine.RunStatusAborted {
		t.Fatalf("Expected Aborted, got %s", res.Status)
	}

	if got := testutil.ToFloat64(f.metrics.errorsByKind.WithLabelValues(string(engine.ErrorKindCapacityExhausted), engine.ErrCodeCapacityExhausted)); got != 1 {
		t.Errorf("Expected 1 capacity exhausted error, got %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.runsCompleted.WithLabelValues(resize.WorkflowName, "aborted")); got != 1 {
		t.Errorf("Expected 1 aborted run, got %v", got)
	}

	types := f.events.types()
	if types[len(types)-1] != EventTypeRunAborted {
		t.Errorf("Expected final run.aborted event, got %v", types)
	}

	for _, span := range f.recorder.Ended() {
		if span.Name() == "run "+resize.WorkflowName && span.Status().Description == "" {
			t.Error("Expected run span to carry the error")
		}
	}
}

func TestObserverWithoutSinks(t *testing.T) {
	res := runResize(t, NewObserver(zerolog.Nop(), nil, nil, nil), 5)
	if res.Status != engine.RunStatusSucceeded {
		t.Fatalf("Expected Succeeded, got %s: %v", res.Status, res.Error)
	}
}
