package engine

import (
	"context"
	"time"
)

// ResourceClient is the capability boundary to the external control plane.
// The engine never talks to the platform directly. Every call is synchronous
// from the engine's point of view and returns a structured result or a
// classified *EngineError.
type ResourceClient interface {
	// DescribeResource returns the current state and attributes of a resource.
	DescribeResource(ctx context.Context, resourceID string) (*ResourceDescription, error)

	// StopResource requests a stop. It does not wait for the stopped state.
	StopResource(ctx context.Context, resourceID string, force bool) (*StateChange, error)

	// StartResource requests a start. It does not wait for the running state.
	StartResource(ctx context.Context, resourceID string) (*StateChange, error)

	// ModifyAttribute changes a single attribute (e.g. the instance type).
	ModifyAttribute(ctx context.Context, resourceID, attribute, value string) error

	// CreateReservation makes one attempt to reserve capacity. Capacity
	// shortages are reported as transient capacity errors.
	CreateReservation(ctx context.Context, req ReservationRequest) (*Reservation, error)

	// CancelReservation releases a reservation.
	CancelReservation(ctx context.Context, reservationID string) error

	// DescribeReservation returns the current state of a reservation.
	DescribeReservation(ctx context.Context, reservationID string) (*Reservation, error)

	// RunRemoteCommand executes a script on the resource and waits for it to
	// finish.
	RunRemoteCommand(ctx context.Context, cmd RemoteCommand) (*CommandResult, error)
}

// Resource states reported by providers.
const (
	ResourceStatePending  = "pending"
	ResourceStateRunning  = "running"
	ResourceStateStopping = "stopping"
	ResourceStateStopped  = "stopped"
)

// Reservation states reported by providers.
const (
	ReservationStatePending   = "pending"
	ReservationStateActive    = "active"
	ReservationStateFailed    = "failed"
	ReservationStateCancelled = "cancelled"
	ReservationStateExpired   = "expired"
)

// Well-known resource attributes.
const (
	AttributeInstanceType     = "InstanceType"
	AttributePlatform         = "Platform"
	AttributeAvailabilityZone = "AvailabilityZone"
)

// ResourceDescription is the observable state of a resource.
type ResourceDescription struct {
	ResourceID string            `json:"resourceId"`
	State      string            `json:"state"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Document returns the description as a selector result document.
func (d *ResourceDescription) Document() map[string]interface{} {
	attrs := make(map[string]interface{}, len(d.Attributes))
	for k, v := range d.Attributes {
		attrs[k] = v
	}
	tags := make(map[string]interface{}, len(d.Tags))
	for k, v := range d.Tags {
		tags[k] = v
	}
	return map[string]interface{}{
		"ResourceId": d.ResourceID,
		"State":      d.State,
		"Attributes": attrs,
		"Tags":       tags,
	}
}

// StateChange reports a stop or start transition request.
type StateChange struct {
	ResourceID    string `json:"resourceId"`
	PreviousState string `json:"previousState"`
	CurrentState  string `json:"currentState"`
}

// ReservationRequest is a single reservation attempt.
type ReservationRequest struct {
	InstanceType     string `json:"instanceType"`
	Platform         string `json:"platform"`
	AvailabilityZone string `json:"availabilityZone"`
	Tag              string `json:"tag,omitempty"`
	InstanceCount    int    `json:"instanceCount"`
}

// Reservation is a capacity reservation as seen by the control plane.
type Reservation struct {
	ReservationID    string    `json:"reservationId"`
	State            string    `json:"state"`
	InstanceType     string    `json:"instanceType,omitempty"`
	AvailabilityZone string    `json:"availabilityZone,omitempty"`
	CreatedAt        time.Time `json:"createdAt,omitempty"`
}

// RemoteCommand is a script to run on a resource.
type RemoteCommand struct {
	ResourceID string        `json:"resourceId"`
	Script     string        `json:"script"`
	Executor   Executor      `json:"executor"`
	Arguments  []string      `json:"arguments,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
}

// Command statuses.
const (
	CommandStatusSuccess  = "Success"
	CommandStatusFailed   = "Failed"
	CommandStatusTimedOut = "TimedOut"
)

// CommandResult is the outcome of a remote command.
type CommandResult struct {
	Status   string `json:"status"`
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// Observer receives run lifecycle callbacks. RunStarted and StepStarted may
// return a derived context (e.g. carrying a span) that the engine uses for the
// rest of the run or step.
type Observer interface {
	RunStarted(ctx context.Context, runID string, wf *Workflow) context.Context
	StepStarted(ctx context.Context, runID string, step *Step) context.Context
	StepFinished(ctx context.Context, runID string, step *Step, record StepRecord, err error)
	ReservationAttempt(ctx context.Context, attempt int, err error)
	WaitPolled(ctx context.Context, spec WaitSpec, observed string, err error)
	RunFinished(ctx context.Context, result *RunResult)
}

// NopObserver ignores every callback.
type NopObserver struct{}

func (NopObserver) RunStarted(ctx context.Context, _ string, _ *Workflow) context.Context {
	return ctx
}

func (NopObserver) StepStarted(ctx context.Context, _ string, _ *Step) context.Context {
	return ctx
}

func (NopObserver) StepFinished(context.Context, string, *Step, StepRecord, error) {}

func (NopObserver) ReservationAttempt(context.Context, int, error) {}

func (NopObserver) WaitPolled(context.Context, WaitSpec, string, error) {}

func (NopObserver) RunFinished(context.Context, *RunResult) {}

// RunRecorder persists terminal run results.
type RunRecorder interface {
	RecordRun(ctx context.Context, result *RunResult) error
}

// Guard vets a workflow and its resolved parameters before any side effect.
// A non-nil error aborts the run as a configuration error.
type Guard interface {
	Check(ctx context.Context, wf *Workflow, params Parameters) error
}
