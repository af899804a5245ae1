package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Ref names a run parameter (Step empty) or a recorded step output.
type Ref struct {
	Step string `json:"step,omitempty"`
	Name string `json:"name"`
}

// IsParam reports whether the reference names a run parameter.
func (r Ref) IsParam() bool { return r.Step == "" }

// String renders the reference in its {{...}} form.
func (r Ref) String() string {
	if r.IsParam() {
		return "{{" + r.Name + "}}"
	}
	return "{{" + r.Step + "." + r.Name + "}}"
}

var refPattern = regexp.MustCompile(`^\{\{\s*([A-Za-z_][A-Za-z0-9_-]*)(?:\.([A-Za-z_][A-Za-z0-9_-]*))?\s*\}\}$`)

// Binding supplies a step input: either a literal value or a reference
// resolved at dispatch time.
type Binding struct {
	literal Value
	ref     *Ref
}

// Literal binds a fixed value.
func Literal(v Value) Binding { return Binding{literal: v} }

// Param binds a run parameter.
func Param(name string) Binding { return Binding{ref: &Ref{Name: name}} }

// From binds an output recorded by an earlier step.
func From(step, output string) Binding { return Binding{ref: &Ref{Step: step, Name: output}} }

// ParseBinding parses "{{Param}}" or "{{Step.Output}}" into a reference and any
// other text into a string literal. Text that contains braces without being a
// single whole reference is rejected, so references are never interpolated
// into surrounding text.
func ParseBinding(text string) (Binding, error) {
	trimmed := strings.TrimSpace(text)
	if m := refPattern.FindStringSubmatch(trimmed); m != nil {
		if m[2] == "" {
			return Param(m[1]), nil
		}
		return From(m[1], m[2]), nil
	}
	if strings.Contains(text, "{{") || strings.Contains(text, "}}") {
		return Binding{}, fmt.Errorf("invalid reference %q: must be exactly {{Param}} or {{Step.Output}}", text)
	}
	return Literal(String(text)), nil
}

// MustParseBinding is like ParseBinding but panics on error. Intended for
// static workflow definitions.
func MustParseBinding(text string) Binding {
	b, err := ParseBinding(text)
	if err != nil {
		panic(err)
	}
	return b
}

// Ref returns the binding's reference, if it has one.
func (b Binding) Ref() (Ref, bool) {
	if b.ref == nil {
		return Ref{}, false
	}
	return *b.ref, true
}

// Value returns the literal value of a non-reference binding.
func (b Binding) Value() Value { return b.literal }

// String renders the binding.
func (b Binding) String() string {
	if b.ref != nil {
		return b.ref.String()
	}
	return b.literal.String()
}

// MarshalText renders references in {{...}} form and literals as text.
func (b Binding) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText parses a binding with ParseBinding.
func (b *Binding) UnmarshalText(text []byte) error {
	parsed, err := ParseBinding(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Output declares a value captured from an action's result document.
type Output struct {
	// Name is the key recorded under the step in the execution context.
	Name string `json:"name" yaml:"name"`

	// Selector is a Starlark expression evaluated against the result
	// document. Empty selects the top-level key equal to Name.
	Selector string `json:"selector,omitempty" yaml:"selector,omitempty"`

	// Type is the declared type; the captured value is coerced to it.
	Type ValueType `json:"type,omitempty" yaml:"type,omitempty"`
}

// WaitTemplate overrides the property and desired values polled by a wait
// action.
type WaitTemplate struct {
	Property string   `json:"property,omitempty" yaml:"property,omitempty"`
	Desired  []string `json:"desired,omitempty" yaml:"desired,omitempty"`
}

// RetrySpec bounds the CreateReservation retry loop.
type RetrySpec struct {
	MaxAttempts int           `json:"maxAttempts" yaml:"maxAttempts"`
	Interval    time.Duration `json:"interval" yaml:"interval"`
}

// Validate checks the retry spec.
func (r RetrySpec) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("maxAttempts must be at least 1, got %d", r.MaxAttempts)
	}
	if r.Interval < 0 {
		return fmt.Errorf("interval must not be negative, got %s", r.Interval)
	}
	return nil
}

// Step is a single unit of orchestration.
type Step struct {
	Name      string             `json:"name" yaml:"name"`
	Action    Action             `json:"action" yaml:"action"`
	Inputs    map[string]Binding `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs   []Output           `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	OnFailure FailurePolicy      `json:"onFailure,omitempty" yaml:"onFailure,omitempty"`
	NextStep  string             `json:"nextStep,omitempty" yaml:"nextStep,omitempty"`
	IsEnd     bool               `json:"isEnd,omitempty" yaml:"isEnd,omitempty"`
	Timeout   time.Duration      `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Cleanup marks a compensating step that still runs after an abort.
	Cleanup bool `json:"cleanup,omitempty" yaml:"cleanup,omitempty"`

	// Retry is the default retry budget for CreateReservation; the
	// MaxAttempts and RetryInterval inputs override it.
	Retry *RetrySpec `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Wait overrides the default property and desired values for wait actions.
	Wait *WaitTemplate `json:"wait,omitempty" yaml:"wait,omitempty"`
}

// Policy returns the effective failure policy.
func (s *Step) Policy() FailurePolicy {
	if s.OnFailure == "" {
		return FailureAbort
	}
	return s.OnFailure
}

// ParameterSpec declares a run parameter.
type ParameterSpec struct {
	Name        string    `json:"name" yaml:"name"`
	Type        ValueType `json:"type,omitempty" yaml:"type,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Default     *Value    `json:"default,omitempty" yaml:"default,omitempty"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
}

// Workflow is an ordered, linked set of steps.
type Workflow struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  []ParameterSpec `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Start names the first step. Empty means the first element of Steps.
	Start string `json:"start,omitempty" yaml:"start,omitempty"`

	Steps []Step `json:"steps" yaml:"steps"`

	// CleanupTimeout bounds compensation after an abort. Zero uses the
	// engine default.
	CleanupTimeout time.Duration `json:"cleanupTimeout,omitempty" yaml:"cleanupTimeout,omitempty"`
}

// StartStep returns the name of the first step.
func (w *Workflow) StartStep() string {
	if w.Start != "" {
		return w.Start
	}
	if len(w.Steps) > 0 {
		return w.Steps[0].Name
	}
	return ""
}

// Step returns the named step.
func (w *Workflow) Step(name string) (*Step, bool) {
	for i := range w.Steps {
		if w.Steps[i].Name == name {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// Fingerprint returns a stable hash of the definition, recorded with every
// run so history can tell definitions apart.
func (w *Workflow) Fingerprint() string {
	data, err := json.Marshal(w)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// WaitSubject selects what a WaitSpec polls.
type WaitSubject string

const (
	WaitSubjectResource    WaitSubject = "resource"
	WaitSubjectReservation WaitSubject = "reservation"
)

// WaitSpec configures a single Waiter.WaitFor call.
type WaitSpec struct {
	Subject          WaitSubject
	SubjectID        string
	PropertySelector string
	DesiredValues    []string
	Timeout          time.Duration
	PollInterval     time.Duration
}

// Validate checks the wait spec.
func (s WaitSpec) Validate() error {
	if s.SubjectID == "" {
		return fmt.Errorf("wait subject id is required")
	}
	if len(s.DesiredValues) == 0 {
		return fmt.Errorf("at least one desired value is required")
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", s.Timeout)
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", s.PollInterval)
	}
	return nil
}

// StepRecord is the outcome of one executed or skipped step.
type StepRecord struct {
	Name      string        `json:"name"`
	Action    Action        `json:"action"`
	Status    StepStatus    `json:"status"`
	Attempts  int           `json:"attempts,omitempty"`
	Error     string        `json:"error,omitempty"`
	Cleanup   bool          `json:"cleanup,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// RunResult is the terminal record of a run. It is produced once and never
// mutated afterwards.
type RunResult struct {
	RunID       string        `json:"runId"`
	Workflow    string        `json:"workflow"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Status      RunStatus     `json:"status"`
	Parameters  Parameters    `json:"parameters,omitempty"`
	Context     Snapshot      `json:"context"`
	Steps       []StepRecord  `json:"steps"`
	FailingStep string        `json:"failingStep,omitempty"`
	Error       error         `json:"-"`
	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt time.Time     `json:"completedAt"`
	Duration    time.Duration `json:"duration"`
}

// ErrorMessage returns the run error text, or the empty string.
func (r *RunResult) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Error()
}

// Executed returns the names of the steps that were dispatched, in order.
func (r *RunResult) Executed() []string {
	names := make([]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		if s.Status != StepStatusSkipped {
			names = append(names, s.Name)
		}
	}
	return names
}

// MarshalJSON adds the error message to the encoded result.
func (r *RunResult) MarshalJSON() ([]byte, error) {
	type alias RunResult
	return json.Marshal(struct {
		*alias
		Error string `json:"error,omitempty"`
	}{alias: (*alias)(r), Error: r.ErrorMessage()})
}
