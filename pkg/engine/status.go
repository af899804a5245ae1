package engine

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// RunStatus represents the terminal status of a workflow run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates the run reached its end step. Continue-policy
	// failures may still be present in the context.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusAborted indicates an Abort-policy step failed.
	RunStatusAborted RunStatus = "aborted"

	// RunStatusFailed indicates the run could not start (configuration error)
	// or was cancelled.
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusAborted || s == RunStatusFailed
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusAborted, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// StepStatus represents the outcome of a single step.
type StepStatus string

const (
	// StepStatusSucceeded indicates the step's action completed.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusFailed indicates the step's action failed.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the step was not dispatched (optional hook
	// with no script, or a cleanup step whose inputs could not be resolved).
	StepStatusSkipped StepStatus = "skipped"
)

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// FailurePolicy decides what a step failure does to the run.
type FailurePolicy string

const (
	// FailureAbort stops the run.
	FailureAbort FailurePolicy = "Abort"

	// FailureContinue records the error and proceeds to NextStep.
	FailureContinue FailurePolicy = "Continue"
)

// Validate checks if the failure policy is valid. The empty value means Abort.
func (p FailurePolicy) Validate() error {
	switch p {
	case "", FailureAbort, FailureContinue:
		return nil
	default:
		return fmt.Errorf("invalid failure policy: %s", p)
	}
}

// Action is the fixed vocabulary of step actions.
type Action string

const (
	ActionDescribeResource  Action = "DescribeResource"
	ActionCreateReservation Action = "CreateReservation"
	ActionVerifyReservation Action = "VerifyReservation"
	ActionRunRemoteCommand  Action = "RunRemoteCommand"
	ActionStopResource      Action = "StopResource"
	ActionWaitForStopped    Action = "WaitForStopped"
	ActionModifyAttribute   Action = "ModifyAttribute"
	ActionStartResource     Action = "StartResource"
	ActionWaitForRunning    Action = "WaitForRunning"
	ActionCancelReservation Action = "CancelReservation"
	ActionEnd               Action = "End"
)

// Actions lists every supported action in workflow order.
var Actions = []Action{
	ActionDescribeResource,
	ActionCreateReservation,
	ActionVerifyReservation,
	ActionRunRemoteCommand,
	ActionStopResource,
	ActionWaitForStopped,
	ActionModifyAttribute,
	ActionStartResource,
	ActionWaitForRunning,
	ActionCancelReservation,
	ActionEnd,
}

// Validate checks if the action is part of the vocabulary.
func (a Action) Validate() error {
	for _, known := range Actions {
		if a == known {
			return nil
		}
	}
	return fmt.Errorf("unknown action: %q", string(a))
}

// IsMutating returns true if the action changes external state.
func (a Action) IsMutating() bool {
	switch a {
	case ActionCreateReservation, ActionStopResource, ActionModifyAttribute,
		ActionStartResource, ActionCancelReservation, ActionRunRemoteCommand:
		return true
	default:
		return false
	}
}

// IsWait returns true if the action polls a property.
func (a Action) IsWait() bool {
	return a == ActionVerifyReservation || a == ActionWaitForStopped || a == ActionWaitForRunning
}

// Executor names the interpreter a remote script runs under.
type Executor string

const (
	// ExecutorShell runs scripts with a POSIX shell.
	ExecutorShell Executor = "shell"

	// ExecutorPowerShell runs scripts with PowerShell.
	ExecutorPowerShell Executor = "powershell"
)

// SelectExecutor picks the executor from the script's file extension:
// ".ps1" selects PowerShell, anything else the POSIX shell.
func SelectExecutor(script string) Executor {
	if strings.EqualFold(filepath.Ext(script), ".ps1") {
		return ExecutorPowerShell
	}
	return ExecutorShell
}
