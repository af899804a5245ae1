package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is informational only.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block the run.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the run.
	SeverityError Severity = "error"

	// SeverityCritical blocks the run.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity rejects the run.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a Rego policy. A policy's package defines a "deny" set
// of messages (or objects with a "message" field) and optionally a "warn"
// set.
type Policy struct {
	// Name is the unique identifier for the policy.
	Name string `json:"name"`

	// Description explains what the policy checks.
	Description string `json:"description"`

	// Rego is the policy source.
	Rego string `json:"rego"`

	// Severity is the default severity of deny results.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin marks policies that ship with rightsize.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	Tags []string `json:"tags,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is a single deny or warn result.
type Violation struct {
	// Policy is the name of the policy that produced the result.
	Policy string `json:"policy"`

	// Message is the human-readable result message.
	Message string `json:"message"`

	// Severity of the result.
	Severity Severity `json:"severity"`

	// Parameter names the run parameter the result is about, if any.
	Parameter string `json:"parameter,omitempty"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation blocks the run.
	Allowed bool `json:"allowed"`

	// Violations are deny results.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are warn results and non-blocking deny results.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies are evaluated against.
type Input struct {
	Workflow   WorkflowInput          `json:"workflow"`
	Parameters map[string]interface{} `json:"parameters"`

	// Resource is the current description of the resource named by the
	// InstanceId parameter, when a resource lookup is configured.
	Resource *ResourceInput `json:"resource,omitempty"`

	Context ContextInput `json:"context"`
}

// WorkflowInput summarizes the workflow for policies.
type WorkflowInput struct {
	Name        string      `json:"name"`
	Fingerprint string      `json:"fingerprint"`
	Steps       []StepInput `json:"steps"`
}

// StepInput summarizes one step for policies.
type StepInput struct {
	Name      string `json:"name"`
	Action    string `json:"action"`
	OnFailure string `json:"on_failure"`
	Cleanup   bool   `json:"cleanup,omitempty"`

	// MaxAttempts is the step's default retry budget, zero when unset.
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// ResourceInput is the observable state of the target resource.
type ResourceInput struct {
	ID         string            `json:"id"`
	State      string            `json:"state"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// ContextInput carries evaluation metadata.
type ContextInput struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
}
