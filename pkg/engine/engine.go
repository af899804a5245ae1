package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultCleanupTimeout bounds compensation steps after an abort.
const DefaultCleanupTimeout = 5 * time.Minute

// WorkflowEngine runs workflows step by step against a ResourceClient. A
// single engine may run several workflows concurrently; each run owns its
// own ExecutionContext.
type WorkflowEngine struct {
	client         ResourceClient
	logger         zerolog.Logger
	observer       Observer
	recorder       RunRecorder
	guards         []Guard
	cleanupTimeout time.Duration
	waiter         *Waiter
	reservations   *CapacityReservationProcedure
	newRunID       func() string
	now            func() time.Time
	clock          Clock
}

// Option configures a WorkflowEngine.
type Option func(*WorkflowEngine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *WorkflowEngine) { e.logger = logger }
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(e *WorkflowEngine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithRecorder persists every terminal run result.
func WithRecorder(r RunRecorder) Option {
	return func(e *WorkflowEngine) { e.recorder = r }
}

// WithGuard adds a pre-run guard.
func WithGuard(g Guard) Option {
	return func(e *WorkflowEngine) {
		if g != nil {
			e.guards = append(e.guards, g)
		}
	}
}

// WithCleanupTimeout sets the default bound for compensation steps.
func WithCleanupTimeout(d time.Duration) Option {
	return func(e *WorkflowEngine) {
		if d > 0 {
			e.cleanupTimeout = d
		}
	}
}

// WithClock sets the clock used by waits and reservation retries.
func WithClock(c Clock) Option {
	return func(e *WorkflowEngine) {
		if c != nil {
			e.clock = c
		}
	}
}

// NewWorkflowEngine creates an engine over the given client.
func NewWorkflowEngine(client ResourceClient, opts ...Option) *WorkflowEngine {
	e := &WorkflowEngine{
		client:         client,
		logger:         zerolog.Nop(),
		observer:       NopObserver{},
		cleanupTimeout: DefaultCleanupTimeout,
		newRunID:       func() string { return uuid.New().String() },
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "engine").Logger()
	e.waiter = NewWaiter(client, e.observer, e.logger)
	e.reservations = NewCapacityReservationProcedure(client, e.observer, e.logger)
	if e.clock != nil {
		e.now = e.clock.Now
		e.waiter.now = e.clock.Now
		e.waiter.sleep = e.clock.Sleep
		e.reservations.sleep = e.clock.Sleep
	}
	return e
}

// Waiter returns the engine's waiter.
func (e *WorkflowEngine) Waiter() *Waiter { return e.waiter }

// Reservations returns the engine's capacity reservation procedure.
func (e *WorkflowEngine) Reservations() *CapacityReservationProcedure { return e.reservations }

// Prepare validates the workflow, resolves parameters and runs the guards
// without executing any step.
func (e *WorkflowEngine) Prepare(ctx context.Context, wf *Workflow, params Parameters) ([]string, Parameters, error) {
	chain, err := Validate(wf)
	if err != nil {
		return nil, nil, err
	}
	resolved, err := ResolveParameters(wf, params)
	if err != nil {
		return nil, nil, err
	}
	for _, g := range e.guards {
		if err := g.Check(ctx, wf, resolved); err != nil {
			var ee *EngineError
			if errors.As(err, &ee) && ee.Kind == ErrorKindConfiguration {
				return nil, nil, err
			}
			return nil, nil, NewConfigurationError("rejected by policy", err).WithCode(ErrCodePolicyDenied)
		}
	}
	return chain, resolved, nil
}

type runIDContextKey struct{}

// ContextWithRunID makes the next Run using ctx adopt id instead of
// generating one, so callers can hand out the id before the run finishes.
func ContextWithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDContextKey{}, id)
}

func (e *WorkflowEngine) runIDFor(ctx context.Context) string {
	if id, ok := ctx.Value(runIDContextKey{}).(string); ok && id != "" {
		return id
	}
	return e.newRunID()
}

// run carries the state of a single execution.
type run struct {
	id       string
	wf       *Workflow
	params   Parameters
	ec       *ExecutionContext
	result   *RunResult
	logger   zerolog.Logger
	executed map[string]bool
}

// Run executes a workflow to completion and returns its terminal result.
// Configuration problems fail the run before any step executes. Cancelling
// ctx fails the run with a cancelled error; cleanup steps still run.
func (e *WorkflowEngine) Run(ctx context.Context, wf *Workflow, params Parameters) *RunResult {
	r := &run{
		id:       e.runIDFor(ctx),
		wf:       wf,
		ec:       NewExecutionContext(),
		executed: make(map[string]bool),
	}
	r.result = &RunResult{
		RunID:     r.id,
		StartedAt: e.now(),
		Status:    RunStatusRunning,
	}
	if wf != nil {
		r.result.Workflow = wf.Name
		r.result.Fingerprint = wf.Fingerprint()
	}
	r.logger = e.logger.With().Str("run_id", r.id).Str("workflow", r.result.Workflow).Logger()

	ctx = e.observer.RunStarted(ctx, r.id, wf)
	r.logger.Info().Msg("Run started")

	chain, resolved, err := e.Prepare(ctx, wf, params)
	if err != nil {
		r.result.Parameters = params
		r.logger.Error().Err(err).Msg("Run rejected before execution")
		return e.finish(ctx, r, RunStatusFailed, "", err)
	}
	r.params = resolved
	r.result.Parameters = resolved

	for i, name := range chain {
		step, _ := wf.Step(name)

		if err := ctx.Err(); err != nil {
			r.logger.Warn().Str("step", name).Msg("Run cancelled before step")
			e.cleanup(ctx, r, chain[i:])
			return e.finish(ctx, r, RunStatusFailed, name, NewCancelledError("run cancelled", err).WithStep(name))
		}

		err := e.executeStep(ctx, r, step, false)
		if err == nil {
			continue
		}

		if IsCancelled(err) && ctx.Err() != nil {
			e.cleanup(ctx, r, chain[i+1:])
			return e.finish(ctx, r, RunStatusFailed, name, err)
		}
		if step.Policy() == FailureAbort {
			r.logger.Error().Err(err).Str("step", name).Msg("Step failed, aborting run")
			e.cleanup(ctx, r, chain[i+1:])
			return e.finish(ctx, r, RunStatusAborted, name, err)
		}
		r.logger.Warn().Err(err).Str("step", name).Msg("Step failed, continuing")
	}

	return e.finish(ctx, r, RunStatusSucceeded, "", nil)
}

// executeStep resolves inputs, dispatches the action and records outputs.
func (e *WorkflowEngine) executeStep(ctx context.Context, r *run, step *Step, cleanup bool) error {
	rec := StepRecord{
		Name:      step.Name,
		Action:    step.Action,
		Cleanup:   cleanup,
		StartedAt: e.now(),
	}
	logger := r.logger.With().Str("step", step.Name).Str("action", string(step.Action)).Logger()
	sctx := e.observer.StepStarted(ctx, r.id, step)
	r.executed[step.Name] = true

	in, err := resolveInputs(step, r.params, r.ec)
	if err != nil {
		return e.completeStep(sctx, r, step, rec, nil, err)
	}

	if step.Timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(sctx, step.Timeout)
		defer cancel()
	}

	logger.Debug().Msg("Dispatching step")
	res, err := e.dispatch(sctx, step, in)
	if err != nil && IsCancelled(err) && ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
		err = NewTimeoutError(fmt.Sprintf("step exceeded its timeout of %s", step.Timeout), err)
	}
	return e.completeStep(sctx, r, step, rec, res, err)
}

// completeStep records the outcome of a dispatched step.
func (e *WorkflowEngine) completeStep(ctx context.Context, r *run, step *Step, rec StepRecord, res *actionResult, err error) error {
	rec.Duration = e.now().Sub(rec.StartedAt)
	rec.Attempts = 1
	if res != nil && res.attempts > 0 {
		rec.Attempts = res.attempts
	}

	var outputs map[string]Value
	switch {
	case err == nil && res != nil && res.skipped:
		rec.Status = StepStatusSkipped
		outputs = map[string]Value{OutputSuccess: Bool(true)}
		r.logger.Info().Str("step", step.Name).Msg("Step skipped, nothing to run")
	case err == nil:
		outputs, err = captureOutputs(step, res)
	}

	if err != nil {
		ee := classify(err).WithStep(step.Name)
		err = ee
		rec.Status = StepStatusFailed
		rec.Error = ee.Error()
		outputs = make(map[string]Value)
		if res != nil {
			for k, v := range res.outputs {
				outputs[k] = v
			}
		}
		outputs[OutputError] = String(ee.Error())
		outputs[OutputSuccess] = Bool(false)
	} else if rec.Status == "" {
		rec.Status = StepStatusSucceeded
	}

	for name, v := range outputs {
		if setErr := r.ec.Set(step.Name, name, v); setErr != nil {
			r.logger.Error().Err(setErr).Str("step", step.Name).Msg("Could not record output")
		}
	}

	r.result.Steps = append(r.result.Steps, rec)
	e.observer.StepFinished(ctx, r.id, step, rec, err)
	return err
}

// captureOutputs evaluates declared output selectors over the result document
// and merges them with the action's standard outputs.
func captureOutputs(step *Step, res *actionResult) (map[string]Value, error) {
	outputs := make(map[string]Value, len(res.outputs)+len(step.Outputs)+1)
	for k, v := range res.outputs {
		outputs[k] = v
	}
	for _, out := range step.Outputs {
		v, err := SelectValue(res.doc, out)
		if err != nil {
			return nil, NewAPIError("could not capture output", err).WithCode(ErrCodeSelector)
		}
		outputs[out.Name] = v
	}
	outputs[OutputSuccess] = Bool(true)
	return outputs, nil
}

// resolveInputs resolves every binding of a step at dispatch time. A reference
// to an output that was never recorded (its step failed under Continue) fails
// the step.
func resolveInputs(step *Step, params Parameters, ec *ExecutionContext) (inputs, error) {
	in := make(inputs, len(step.Inputs))
	for name, b := range step.Inputs {
		ref, ok := b.Ref()
		if !ok {
			in[name] = b.Value()
			continue
		}
		var (
			v     Value
			found bool
		)
		if ref.IsParam() {
			v, found = params[ref.Name]
		} else {
			v, found = ec.Get(ref.Step, ref.Name)
		}
		if !found {
			return nil, NewConfigurationError(
				fmt.Sprintf("input %s: %s has no recorded value", name, ref), nil).
				WithCode(ErrCodeUnresolvedRef)
		}
		in[name] = v
	}
	return in, nil
}

// cleanup runs compensating steps that the run did not reach. They run in
// chain order under a fresh context so an operator cancellation still lets
// compensation happen. Steps whose inputs cannot be resolved are skipped.
func (e *WorkflowEngine) cleanup(ctx context.Context, r *run, remaining []string) {
	var pending []*Step
	for _, name := range remaining {
		step, ok := r.wf.Step(name)
		if ok && step.Cleanup && !r.executed[name] {
			pending = append(pending, step)
		}
	}
	if len(pending) == 0 {
		return
	}

	timeout := e.cleanupTimeout
	if r.wf.CleanupTimeout > 0 {
		timeout = r.wf.CleanupTimeout
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	for _, step := range pending {
		if _, err := resolveInputs(step, r.params, r.ec); err != nil {
			r.logger.Info().Err(err).Str("step", step.Name).Msg("Cleanup step skipped, inputs unavailable")
			rec := StepRecord{
				Name:      step.Name,
				Action:    step.Action,
				Status:    StepStatusSkipped,
				Error:     err.Error(),
				Cleanup:   true,
				StartedAt: e.now(),
			}
			r.result.Steps = append(r.result.Steps, rec)
			e.observer.StepFinished(e.observer.StepStarted(cctx, r.id, step), r.id, step, rec, nil)
			continue
		}
		r.logger.Info().Str("step", step.Name).Msg("Running cleanup step")
		if err := e.executeStep(cctx, r, step, true); err != nil {
			r.logger.Warn().Err(err).Str("step", step.Name).Msg("Cleanup step failed")
		}
	}
}

// finish seals the result, records it and notifies the observer.
func (e *WorkflowEngine) finish(ctx context.Context, r *run, status RunStatus, failing string, err error) *RunResult {
	r.result.Status = status
	r.result.FailingStep = failing
	r.result.Error = err
	r.result.Context = r.ec.Snapshot()
	r.result.CompletedAt = e.now()
	r.result.Duration = r.result.CompletedAt.Sub(r.result.StartedAt)
	if r.result.Steps == nil {
		r.result.Steps = []StepRecord{}
	}

	event := r.logger.Info()
	if status != RunStatusSucceeded {
		event = r.logger.Error().Err(err).Str("failing_step", failing)
	}
	event.Str("status", string(status)).Dur("duration", r.result.Duration).Msg("Run finished")

	if e.recorder != nil {
		if recErr := e.recorder.RecordRun(context.WithoutCancel(ctx), r.result); recErr != nil {
			r.logger.Error().Err(recErr).Msg("Failed to record run")
		}
	}
	e.observer.RunFinished(ctx, r.result)
	return r.result
}
