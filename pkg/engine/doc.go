// Package engine runs resize and maintenance workflows against an external
// control plane.
//
// # Overview
//
// A Workflow is an ordered chain of Steps linked by NextStep. The
// WorkflowEngine validates the chain and the run parameters, then walks it one
// step at a time:
//
//  1. Resolve - input Bindings are resolved from run Parameters and the
//     ExecutionContext ({{Param}} and {{Step.Output}} references)
//  2. Dispatch - the step's Action is sent to the ResourceClient, directly or
//     through the Waiter or the CapacityReservationProcedure
//  3. Capture - standard and declared outputs are recorded under the step name
//  4. Route - on failure the step's FailurePolicy decides whether the run
//     aborts or continues
//
// Steps flagged Cleanup still run after an abort when their inputs resolve,
// so a reservation created before a failed stop is released.
//
// # Actions
//
// The action vocabulary is fixed:
//
//   - DescribeResource, StopResource, StartResource, ModifyAttribute
//   - CreateReservation (retried on transient capacity errors only)
//   - VerifyReservation, WaitForStopped, WaitForRunning (polled by the Waiter)
//   - RunRemoteCommand (".ps1" scripts run under PowerShell, others under sh)
//   - CancelReservation, End
//
// Each action's inputs and standard outputs are described by its
// ActionContract. Declared Outputs capture extra values from the action's
// result document with Starlark selector expressions, for example
//
//	Output{Name: "InstanceType", Selector: `Attributes["InstanceType"]`}
//
// # Error Classification
//
// Every failure is an *EngineError with a kind:
//
//   - configuration: invalid definition or parameters, detected before any side effect
//   - transient_capacity: capacity temporarily unavailable, the only retried kind
//   - timeout: a wait deadline or step timeout elapsed
//   - api: the control plane rejected a call
//   - capacity_exhausted: every reservation attempt hit a capacity error
//   - cancelled: the run context was cancelled
//
// # Usage
//
//	eng := engine.NewWorkflowEngine(client, engine.WithLogger(logger))
//	result := eng.Run(ctx, wf, engine.Parameters{"InstanceId": engine.String("i-0abc")})
//	if result.Status != engine.RunStatusSucceeded {
//	    log.Error().Str("step", result.FailingStep).Err(result.Error).Msg("resize failed")
//	}
package engine
