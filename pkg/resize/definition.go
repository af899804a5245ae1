package resize

import (
	"github.com/openfroyo/rightsize/pkg/engine"
)

// WorkflowName is the name of the built-in resize workflow.
const WorkflowName = "ResizeInstance"

// Step names of the built-in workflow.
const (
	StepDescribeInstance          = "DescribeInstance"
	StepCreateCapacityReservation = "CreateCapacityReservation"
	StepVerifyCapacityReservation = "VerifyCapacityReservation"
	StepPreDowntimeChecks         = "PreDowntimeChecks"
	StepStopInstance              = "StopInstance"
	StepWaitForStopped            = "WaitForStopped"
	StepModifyInstanceType        = "ModifyInstanceType"
	StepStartInstance             = "StartInstance"
	StepWaitForRunning            = "WaitForRunning"
	StepPostStartChecks           = "PostStartChecks"
	StepCancelCapacityReservation = "CancelCapacityReservation"
	StepEnd                       = "End"
)

func num(n int) *engine.Value      { v := engine.Int(n); return &v }
func str(s string) *engine.Value   { v := engine.String(s); return &v }
func boolean(b bool) *engine.Value { v := engine.Bool(b); return &v }

// Definition returns the built-in resize workflow: inspect the instance,
// reserve replacement capacity, verify the reservation, pre-check, stop,
// change the type, start, post-check and release the reservation.
//
// The reservation's platform and zone come from DescribeInstance. Use
// DefinitionFor to bind caller overrides instead.
func Definition() *engine.Workflow {
	id := engine.Param(ParamInstanceID)
	reservationID := engine.From(StepCreateCapacityReservation, engine.OutputCapacityReservationID)

	return &engine.Workflow{
		Name:        WorkflowName,
		Description: "Resize an instance behind a capacity reservation",
		Parameters: []engine.ParameterSpec{
			{Name: ParamInstanceID, Required: true, Description: "Instance to resize"},
			{Name: ParamTargetInstanceType, Required: true, Description: "Desired instance type"},
			{Name: ParamReservationTag, Default: str("rightsize"), Description: "Name tag for the capacity reservation"},
			{Name: ParamPlatform, Description: "Reservation platform override"},
			{Name: ParamAvailabilityZone, Description: "Reservation zone override"},
			{Name: ParamMaxAttempts, Type: engine.ValueTypeNumber, Default: num(engine.DefaultMaxAttempts)},
			{Name: ParamRetryInterval, Type: engine.ValueTypeNumber, Default: num(30), Description: "Seconds between reservation attempts"},
			{Name: ParamReservationTimeout, Type: engine.ValueTypeNumber, Default: num(30)},
			{Name: ParamReservationPollInterval, Type: engine.ValueTypeNumber, Default: num(2)},
			{Name: ParamStopTimeout, Type: engine.ValueTypeNumber, Default: num(600)},
			{Name: ParamStartTimeout, Type: engine.ValueTypeNumber, Default: num(600)},
			{Name: ParamPollInterval, Type: engine.ValueTypeNumber, Default: num(5)},
			{Name: ParamPreDowntimeScript, Default: str(""), Description: "Check run before downtime; empty skips it"},
			{Name: ParamPostStartScript, Default: str(""), Description: "Check run after start; empty skips it"},
			{Name: ParamScriptTimeout, Type: engine.ValueTypeNumber, Default: num(600)},
			{Name: ParamForceStop, Type: engine.ValueTypeBoolean, Default: boolean(false)},
		},
		Steps: []engine.Step{
			{
				Name:   StepDescribeInstance,
				Action: engine.ActionDescribeResource,
				Inputs: map[string]engine.Binding{engine.InputResourceID: id},
				Outputs: []engine.Output{
					{Name: "InstanceType", Selector: `Attributes["InstanceType"]`},
					{Name: "Platform", Selector: `Attributes["Platform"]`},
					{Name: "AvailabilityZone", Selector: `Attributes["AvailabilityZone"]`},
				},
				OnFailure: engine.FailureAbort,
				NextStep:  StepCreateCapacityReservation,
			},
			{
				Name:   StepCreateCapacityReservation,
				Action: engine.ActionCreateReservation,
				Inputs: map[string]engine.Binding{
					engine.InputInstanceType:     engine.Param(ParamTargetInstanceType),
					engine.InputPlatform:         engine.From(StepDescribeInstance, "Platform"),
					engine.InputAvailabilityZone: engine.From(StepDescribeInstance, "AvailabilityZone"),
					engine.InputTag:              engine.Param(ParamReservationTag),
					engine.InputMaxAttempts:      engine.Param(ParamMaxAttempts),
					engine.InputRetryInterval:    engine.Param(ParamRetryInterval),
				},
				OnFailure: engine.FailureAbort,
				NextStep:  StepVerifyCapacityReservation,
			},
			{
				Name:   StepVerifyCapacityReservation,
				Action: engine.ActionVerifyReservation,
				Inputs: map[string]engine.Binding{
					engine.InputReservationID: reservationID,
					engine.InputTimeout:       engine.Param(ParamReservationTimeout),
					engine.InputPollInterval:  engine.Param(ParamReservationPollInterval),
				},
				Wait:      &engine.WaitTemplate{Property: "State", Desired: []string{engine.ReservationStateActive}},
				OnFailure: engine.FailureAbort,
				NextStep:  StepPreDowntimeChecks,
			},
			{
				Name:   StepPreDowntimeChecks,
				Action: engine.ActionRunRemoteCommand,
				Inputs: map[string]engine.Binding{
					engine.InputResourceID: id,
					engine.InputScript:     engine.Param(ParamPreDowntimeScript),
					engine.InputTimeout:    engine.Param(ParamScriptTimeout),
				},
				OnFailure: engine.FailureContinue,
				NextStep:  StepStopInstance,
			},
			{
				Name:   StepStopInstance,
				Action: engine.ActionStopResource,
				Inputs: map[string]engine.Binding{
					engine.InputResourceID: id,
					engine.InputForce:      engine.Param(ParamForceStop),
				},
				OnFailure: engine.FailureAbort,
				NextStep:  StepWaitForStopped,
			},
			{
				Name:   StepWaitForStopped,
				Action: engine.ActionWaitForStopped,
				Inputs: map[string]engine.Binding{
					engine.InputResourceID:   id,
					engine.InputTimeout:      engine.Param(ParamStopTimeout),
					engine.InputPollInterval: engine.Param(ParamPollInterval),
				},
				OnFailure: engine.FailureAbort,
				NextStep:  StepModifyInstanceType,
			},
			{
				Name:   StepModifyInstanceType,
				Action: engine.ActionModifyAttribute,
				Inputs: map[string]engine.Binding{
					engine.InputResourceID:   id,
					engine.InputAttribute:    engine.Literal(engine.String(engine.AttributeInstanceType)),
					engine.InputValue:        engine.Param(ParamTargetInstanceType),
					engine.InputCurrentValue: engine.From(StepDescribeInstance, "InstanceType"),
				},
				OnFailure: engine.FailureAbort,
				NextStep:  StepStartInstance,
			},
			{
				Name:      StepStartInstance,
				Action:    engine.ActionStartResource,
				Inputs:    map[string]engine.Binding{engine.InputResourceID: id},
				OnFailure: engine.FailureAbort,
				NextStep:  StepWaitForRunning,
			},
			{
				Name:   StepWaitForRunning,
				Action: engine.ActionWaitForRunning,
				Inputs: map[string]engine.Binding{
					engine.InputResourceID:   id,
					engine.InputTimeout:      engine.Param(ParamStartTimeout),
					engine.InputPollInterval: engine.Param(ParamPollInterval),
				},
				OnFailure: engine.FailureAbort,
				NextStep:  StepPostStartChecks,
			},
			{
				Name:   StepPostStartChecks,
				Action: engine.ActionRunRemoteCommand,
				Inputs: map[string]engine.Binding{
					engine.InputResourceID: id,
					engine.InputScript:     engine.Param(ParamPostStartScript),
					engine.InputTimeout:    engine.Param(ParamScriptTimeout),
				},
				OnFailure: engine.FailureContinue,
				NextStep:  StepCancelCapacityReservation,
			},
			{
				Name:      StepCancelCapacityReservation,
				Action:    engine.ActionCancelReservation,
				Inputs:    map[string]engine.Binding{engine.InputReservationID: reservationID},
				OnFailure: engine.FailureContinue,
				Cleanup:   true,
				NextStep:  StepEnd,
			},
			{
				Name:   StepEnd,
				Action: engine.ActionEnd,
				IsEnd:  true,
			},
		},
	}
}

// DefinitionFor returns the built-in workflow with the reservation platform
// and zone bound to the caller's overrides when they are set.
func DefinitionFor(p Parameters) *engine.Workflow {
	wf := Definition()
	step, _ := wf.Step(StepCreateCapacityReservation)
	if p.Platform != "" {
		step.Inputs[engine.InputPlatform] = engine.Param(ParamPlatform)
	}
	if p.AvailabilityZone != "" {
		step.Inputs[engine.InputAvailabilityZone] = engine.Param(ParamAvailabilityZone)
	}
	return wf
}
