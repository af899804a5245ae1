package telemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/rightsize/pkg/engine"
)

// Observer feeds engine lifecycle callbacks into logs, metrics, spans and
// events. Any of its sinks may be nil.
type Observer struct {
	logger  zerolog.Logger
	tracer  *Tracer
	metrics *Metrics
	events  *EventPublisher
}

var _ engine.Observer = (*Observer)(nil)

// NewObserver creates an observer over the given sinks.
func NewObserver(logger zerolog.Logger, tracer *Tracer, metrics *Metrics, events *EventPublisher) *Observer {
	return &Observer{
		logger:  logger.With().Str("component", "observer").Logger(),
		tracer:  tracer,
		metrics: metrics,
		events:  events,
	}
}

func (o *Observer) publish(event Event) {
	if o.events == nil {
		return
	}
	if err := o.events.Publish(event); err != nil {
		o.logger.Warn().Err(err).Str("type", event.Type).Msg("Failed to publish event")
	}
}

// RunStarted implements engine.Observer.
func (o *Observer) RunStarted(ctx context.Context, runID string, wf *engine.Workflow) context.Context {
	name := ""
	if wf != nil {
		name = wf.Name
	}
	if o.metrics != nil {
		o.metrics.RecordRunStarted(name)
	}
	if o.tracer != nil {
		ctx, _ = o.tracer.StartRunSpan(ctx, runID, name)
	}
	o.publish(Event{
		Type:    EventTypeRunStarted,
		RunID:   runID,
		Message: fmt.Sprintf("Run %s of %s started", runID, name),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"workflow": name},
	})
	return ctx
}

// StepStarted implements engine.Observer.
func (o *Observer) StepStarted(ctx context.Context, runID string, step *engine.Step) context.Context {
	if o.tracer != nil {
		ctx, _ = o.tracer.StartStepSpan(ctx, runID, step.Name, string(step.Action))
	}
	return ctx
}

// StepFinished implements engine.Observer.
func (o *Observer) StepFinished(ctx context.Context, runID string, step *engine.Step, record engine.StepRecord, err error) {
	if o.metrics != nil {
		o.metrics.RecordStep(string(record.Action), string(record.Status), record.Duration)
	}

	kind, code := errorLabels(err)
	if err != nil && o.metrics != nil {
		o.metrics.RecordError(kind, code)
	}

	if o.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(
			AttrStepStatus.String(string(record.Status)),
			AttrAttempts.Int(record.Attempts),
		)
		if err != nil {
			span.SetAttributes(AttrErrorKind.String(kind), AttrErrorCode.String(code))
		}
		endSpan(span, err)
	}

	event := Event{
		RunID: runID,
		Step:  step.Name,
		Data: map[string]interface{}{
			"action":   string(record.Action),
			"attempts": record.Attempts,
			"duration": record.Duration.Seconds(),
			"cleanup":  record.Cleanup,
		},
	}
	switch record.Status {
	case engine.StepStatusFailed:
		event.Type = EventTypeStepFailed
		event.Level = EventLevelWarning
		if step.Policy() == engine.FailureAbort && !record.Cleanup {
			event.Level = EventLevelError
		}
		event.Message = fmt.Sprintf("Step %s failed: %s", step.Name, record.Error)
		event.Data["kind"] = kind
		event.Data["code"] = code
	case engine.StepStatusSkipped:
		event.Type = EventTypeStepSkipped
		event.Level = EventLevelInfo
		event.Message = fmt.Sprintf("Step %s skipped", step.Name)
	default:
		event.Type = EventTypeStepCompleted
		event.Level = EventLevelInfo
		event.Message = fmt.Sprintf("Step %s completed", step.Name)
	}
	o.publish(event)
}

// ReservationAttempt implements engine.Observer.
func (o *Observer) ReservationAttempt(ctx context.Context, attempt int, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case engine.IsTransientCapacity(err):
		outcome = "insufficient_capacity"
	default:
		outcome = "error"
	}
	if o.metrics != nil {
		o.metrics.RecordReservationAttempt(outcome)
	}
	if o.tracer != nil {
		trace.SpanFromContext(ctx).AddEvent(EventTypeReservationAttempt, trace.WithAttributes(
			AttrAttempts.Int(attempt),
			AttrReservationOutcome.String(outcome),
		))
	}
}

// WaitPolled implements engine.Observer.
func (o *Observer) WaitPolled(ctx context.Context, spec engine.WaitSpec, observed string, err error) {
	outcome := "observed"
	if err != nil {
		outcome = "error"
	}
	if o.metrics != nil {
		o.metrics.RecordWaitPoll(string(spec.Subject), outcome)
	}
	o.logger.Trace().
		Str("subject_id", spec.SubjectID).
		Str("observed", observed).
		Err(err).
		Msg("Wait polled")
}

// RunFinished implements engine.Observer.
func (o *Observer) RunFinished(ctx context.Context, result *engine.RunResult) {
	status := string(result.Status)
	if o.metrics != nil {
		o.metrics.RecordRunCompleted(result.Workflow, status, result.Duration)
	}

	if o.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(AttrRunStatus.String(status))
		if result.FailingStep != "" {
			span.SetAttributes(AttrFailingStep.String(result.FailingStep))
		}
		endSpan(span, result.Error)
	}

	event := Event{
		RunID: result.RunID,
		Step:  result.FailingStep,
		Data: map[string]interface{}{
			"workflow": result.Workflow,
			"status":   status,
			"duration": result.Duration.Seconds(),
			"executed": result.Executed(),
		},
	}
	switch result.Status {
	case engine.RunStatusSucceeded:
		event.Type = EventTypeRunCompleted
		event.Level = EventLevelInfo
		event.Message = fmt.Sprintf("Run %s succeeded", result.RunID)
	case engine.RunStatusAborted:
		event.Type = EventTypeRunAborted
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("Run %s aborted at %s: %s", result.RunID, result.FailingStep, result.ErrorMessage())
	default:
		event.Type = EventTypeRunFailed
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("Run %s failed: %s", result.RunID, result.ErrorMessage())
	}
	o.publish(event)
}

func errorLabels(err error) (kind, code string) {
	if err == nil {
		return "", ""
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return string(ee.Kind), ee.Code
	}
	return string(engine.KindOf(err)), ""
}
