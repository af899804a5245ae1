package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Input names understood by the built-in actions.
const (
	InputResourceID       = "ResourceId"
	InputInstanceType     = "InstanceType"
	InputPlatform         = "Platform"
	InputAvailabilityZone = "AvailabilityZone"
	InputTag              = "Tag"
	InputInstanceCount    = "InstanceCount"
	InputMaxAttempts      = "MaxAttempts"
	InputRetryInterval    = "RetryInterval"
	InputReservationID    = "ReservationId"
	InputTimeout          = "Timeout"
	InputPollInterval     = "PollInterval"
	InputScript           = "Script"
	InputArguments        = "Arguments"
	InputForce            = "Force"
	InputAttribute        = "Attribute"
	InputValue            = "Value"
	InputCurrentValue     = "CurrentValue"
)

// Standard outputs recorded by the built-in actions on success.
const (
	OutputState                 = "State"
	OutputCapacityReservationID = "CapacityReservationId"
	OutputAttempts              = "Attempts"
	OutputExecutor              = "Executor"
	OutputExitCode              = "ExitCode"
	OutputStatus                = "Status"
	OutputPreviousState         = "PreviousState"
	OutputCurrentState          = "CurrentState"
	OutputChanged               = "Changed"
)

// ActionContract describes the inputs an action accepts and the outputs it
// always records.
type ActionContract struct {
	Required []string
	Optional []string
	Outputs  map[string]ValueType
}

// Accepts reports whether name is a known input of the action.
func (c ActionContract) Accepts(name string) bool {
	for _, n := range c.Required {
		if n == name {
			return true
		}
	}
	for _, n := range c.Optional {
		if n == name {
			return true
		}
	}
	return false
}

var contracts = map[Action]ActionContract{
	ActionDescribeResource: {
		Required: []string{InputResourceID},
		Outputs:  map[string]ValueType{OutputState: ValueTypeString},
	},
	ActionCreateReservation: {
		Required: []string{InputInstanceType, InputPlatform, InputAvailabilityZone},
		Optional: []string{InputTag, InputInstanceCount, InputMaxAttempts, InputRetryInterval},
		Outputs: map[string]ValueType{
			OutputCapacityReservationID: ValueTypeString,
			OutputAttempts:              ValueTypeNumber,
		},
	},
	ActionVerifyReservation: {
		Required: []string{InputReservationID},
		Optional: []string{InputTimeout, InputPollInterval},
		Outputs:  map[string]ValueType{OutputState: ValueTypeString},
	},
	ActionRunRemoteCommand: {
		Required: []string{InputResourceID, InputScript},
		Optional: []string{InputArguments, InputTimeout},
		Outputs: map[string]ValueType{
			OutputExecutor: ValueTypeString,
			OutputExitCode: ValueTypeNumber,
			OutputStatus:   ValueTypeString,
		},
	},
	ActionStopResource: {
		Required: []string{InputResourceID},
		Optional: []string{InputForce},
		Outputs: map[string]ValueType{
			OutputPreviousState: ValueTypeString,
			OutputCurrentState:  ValueTypeString,
		},
	},
	ActionWaitForStopped: {
		Required: []string{InputResourceID},
		Optional: []string{InputTimeout, InputPollInterval},
		Outputs:  map[string]ValueType{OutputState: ValueTypeString},
	},
	ActionModifyAttribute: {
		Required: []string{InputResourceID, InputAttribute, InputValue},
		Optional: []string{InputCurrentValue},
		Outputs:  map[string]ValueType{OutputChanged: ValueTypeBoolean},
	},
	ActionStartResource: {
		Required: []string{InputResourceID},
		Outputs: map[string]ValueType{
			OutputPreviousState: ValueTypeString,
			OutputCurrentState:  ValueTypeString,
		},
	},
	ActionWaitForRunning: {
		Required: []string{InputResourceID},
		Optional: []string{InputTimeout, InputPollInterval},
		Outputs:  map[string]ValueType{OutputState: ValueTypeString},
	},
	ActionCancelReservation: {
		Required: []string{InputReservationID},
	},
	ActionEnd: {},
}

// ContractFor returns the contract of an action.
func ContractFor(a Action) (ActionContract, bool) {
	c, ok := contracts[a]
	return c, ok
}

// actionResult carries what an action produced. On failure outputs may still
// hold values worth recording (e.g. the attempt count or exit code).
type actionResult struct {
	doc      map[string]interface{}
	outputs  map[string]Value
	attempts int
	skipped  bool
}

// inputs is the resolved input set of one step.
type inputs map[string]Value

func (in inputs) str(name string) string {
	return in[name].String()
}

func (in inputs) has(name string) bool {
	v, ok := in[name]
	return ok && !v.IsZero()
}

func (in inputs) boolean(name string) (bool, error) {
	if !in.has(name) {
		return false, nil
	}
	b, err := in[name].AsBool()
	if err != nil {
		return false, inputError(name, err)
	}
	return b, nil
}

func (in inputs) integer(name string, def int) (int, error) {
	if !in.has(name) || in[name].String() == "" {
		return def, nil
	}
	n, err := in[name].AsInt()
	if err != nil {
		return 0, inputError(name, err)
	}
	return n, nil
}

// seconds reads a duration given in seconds.
func (in inputs) seconds(name string, def time.Duration) (time.Duration, error) {
	if !in.has(name) || in[name].String() == "" {
		return def, nil
	}
	f, err := in[name].AsNumber()
	if err != nil {
		return 0, inputError(name, err)
	}
	if f < 0 {
		return 0, inputError(name, fmt.Errorf("must not be negative"))
	}
	return time.Duration(f * float64(time.Second)), nil
}

func inputError(name string, err error) error {
	return NewConfigurationError(fmt.Sprintf("invalid input %s", name), err)
}

// dispatch runs the step's action against the resource client.
func (e *WorkflowEngine) dispatch(ctx context.Context, step *Step, in inputs) (*actionResult, error) {
	switch step.Action {
	case ActionDescribeResource:
		return e.describeResource(ctx, in)
	case ActionCreateReservation:
		return e.createReservation(ctx, step, in)
	case ActionVerifyReservation:
		return e.wait(ctx, step, in, WaitSubjectReservation, in.str(InputReservationID),
			[]string{ReservationStateActive}, DefaultReservationVerifyTimeout, DefaultReservationPollInterval)
	case ActionWaitForStopped:
		return e.wait(ctx, step, in, WaitSubjectResource, in.str(InputResourceID),
			[]string{ResourceStateStopped}, DefaultStopStartTimeout, DefaultStopStartPollInterval)
	case ActionWaitForRunning:
		return e.wait(ctx, step, in, WaitSubjectResource, in.str(InputResourceID),
			[]string{ResourceStateRunning}, DefaultStopStartTimeout, DefaultStopStartPollInterval)
	case ActionRunRemoteCommand:
		return e.runRemoteCommand(ctx, in)
	case ActionStopResource:
		force, err := in.boolean(InputForce)
		if err != nil {
			return nil, err
		}
		change, err := e.client.StopResource(ctx, in.str(InputResourceID), force)
		if err != nil {
			return nil, classify(err).WithOperation("StopResource")
		}
		return stateChangeResult(change), nil
	case ActionStartResource:
		change, err := e.client.StartResource(ctx, in.str(InputResourceID))
		if err != nil {
			return nil, classify(err).WithOperation("StartResource")
		}
		return stateChangeResult(change), nil
	case ActionModifyAttribute:
		return e.modifyAttribute(ctx, in)
	case ActionCancelReservation:
		if err := e.client.CancelReservation(ctx, in.str(InputReservationID)); err != nil {
			return nil, classify(err).WithOperation("CancelReservation")
		}
		return &actionResult{doc: map[string]interface{}{InputReservationID: in.str(InputReservationID)}}, nil
	case ActionEnd:
		return &actionResult{doc: map[string]interface{}{}}, nil
	default:
		return nil, NewConfigurationError(fmt.Sprintf("unknown action %q", step.Action), nil)
	}
}

func (e *WorkflowEngine) describeResource(ctx context.Context, in inputs) (*actionResult, error) {
	desc, err := e.client.DescribeResource(ctx, in.str(InputResourceID))
	if err != nil {
		return nil, classify(err).WithOperation("DescribeResource")
	}
	return &actionResult{
		doc:     desc.Document(),
		outputs: map[string]Value{OutputState: String(desc.State)},
	}, nil
}

func (e *WorkflowEngine) createReservation(ctx context.Context, step *Step, in inputs) (*actionResult, error) {
	spec := RetrySpec{MaxAttempts: DefaultMaxAttempts, Interval: DefaultRetryInterval}
	if step.Retry != nil {
		spec = *step.Retry
	}
	var err error
	if spec.MaxAttempts, err = in.integer(InputMaxAttempts, spec.MaxAttempts); err != nil {
		return nil, err
	}
	if spec.Interval, err = in.seconds(InputRetryInterval, spec.Interval); err != nil {
		return nil, err
	}
	count, err := in.integer(InputInstanceCount, 1)
	if err != nil {
		return nil, err
	}

	req := ReservationRequest{
		InstanceType:     in.str(InputInstanceType),
		Platform:         in.str(InputPlatform),
		AvailabilityZone: in.str(InputAvailabilityZone),
		Tag:              in.str(InputTag),
		InstanceCount:    count,
	}
	reservation, attempts, err := e.reservations.Acquire(ctx, spec, req)
	res := &actionResult{
		attempts: attempts,
		outputs:  map[string]Value{OutputAttempts: Int(attempts)},
	}
	if err != nil {
		return res, err
	}
	res.outputs[OutputCapacityReservationID] = String(reservation.ReservationID)
	res.doc = reservationDocument(reservation)
	res.doc[OutputCapacityReservationID] = reservation.ReservationID
	res.doc[OutputAttempts] = attempts
	return res, nil
}

func (e *WorkflowEngine) wait(
	ctx context.Context,
	step *Step,
	in inputs,
	subject WaitSubject,
	subjectID string,
	desired []string,
	defTimeout, defPoll time.Duration,
) (*actionResult, error) {
	timeout, err := in.seconds(InputTimeout, defTimeout)
	if err != nil {
		return nil, err
	}
	poll, err := in.seconds(InputPollInterval, defPoll)
	if err != nil {
		return nil, err
	}
	spec := WaitSpec{
		Subject:          subject,
		SubjectID:        subjectID,
		PropertySelector: DefaultResourceStateProperty,
		DesiredValues:    desired,
		Timeout:          timeout,
		PollInterval:     poll,
	}
	if step.Wait != nil {
		if step.Wait.Property != "" {
			spec.PropertySelector = step.Wait.Property
		}
		if len(step.Wait.Desired) > 0 {
			spec.DesiredValues = step.Wait.Desired
		}
	}

	observed, err := e.waiter.WaitFor(ctx, spec)
	if err != nil {
		return nil, err
	}
	return &actionResult{
		doc:     map[string]interface{}{OutputState: observed},
		outputs: map[string]Value{OutputState: String(observed)},
	}, nil
}

func (e *WorkflowEngine) runRemoteCommand(ctx context.Context, in inputs) (*actionResult, error) {
	script := strings.TrimSpace(in.str(InputScript))
	if script == "" {
		return &actionResult{skipped: true}, nil
	}
	timeout, err := in.seconds(InputTimeout, 0)
	if err != nil {
		return nil, err
	}

	executor := SelectExecutor(script)
	cmd := RemoteCommand{
		ResourceID: in.str(InputResourceID),
		Script:     script,
		Executor:   executor,
		Arguments:  strings.Fields(in.str(InputArguments)),
		Timeout:    timeout,
	}
	out, err := e.client.RunRemoteCommand(ctx, cmd)
	if err != nil {
		return &actionResult{outputs: map[string]Value{OutputExecutor: String(string(executor))}},
			classify(err).WithOperation("RunRemoteCommand")
	}

	res := &actionResult{
		doc: map[string]interface{}{
			OutputExecutor: string(executor),
			OutputExitCode: out.ExitCode,
			OutputStatus:   out.Status,
			"Stdout":       out.Stdout,
			"Stderr":       out.Stderr,
		},
		outputs: map[string]Value{
			OutputExecutor: String(string(executor)),
			OutputExitCode: Int(out.ExitCode),
			OutputStatus:   String(out.Status),
		},
	}
	if out.Status != CommandStatusSuccess || out.ExitCode != 0 {
		return res, NewAPIError(
			fmt.Sprintf("remote command %s exited with code %d (%s)", script, out.ExitCode, out.Status), nil).
			WithCode(ErrCodeCommandFailed).
			WithOperation("RunRemoteCommand").
			WithDetail("stderr", out.Stderr)
	}
	return res, nil
}

func (e *WorkflowEngine) modifyAttribute(ctx context.Context, in inputs) (*actionResult, error) {
	target := in.str(InputValue)
	if in.has(InputCurrentValue) && in.str(InputCurrentValue) == target {
		e.logger.Info().
			Str("attribute", in.str(InputAttribute)).
			Str("value", target).
			Msg("Attribute already has the requested value, skipping modify")
		return &actionResult{
			doc:     map[string]interface{}{OutputChanged: false},
			outputs: map[string]Value{OutputChanged: Bool(false)},
		}, nil
	}
	if err := e.client.ModifyAttribute(ctx, in.str(InputResourceID), in.str(InputAttribute), target); err != nil {
		return nil, classify(err).WithOperation("ModifyAttribute")
	}
	return &actionResult{
		doc:     map[string]interface{}{OutputChanged: true},
		outputs: map[string]Value{OutputChanged: Bool(true)},
	}, nil
}

func stateChangeResult(change *StateChange) *actionResult {
	return &actionResult{
		doc: map[string]interface{}{
			"ResourceId":        change.ResourceID,
			OutputPreviousState: change.PreviousState,
			OutputCurrentState:  change.CurrentState,
		},
		outputs: map[string]Value{
			OutputPreviousState: String(change.PreviousState),
			OutputCurrentState:  String(change.CurrentState),
		},
	}
}
