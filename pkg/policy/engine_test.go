package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rightsize/pkg/engine"
)

// describeOnly is a ResourceClient that only answers DescribeResource.
type describeOnly struct {
	engine.ResourceClient
	desc *engine.ResourceDescription
	err  error
}

func (d describeOnly) DescribeResource(_ context.Context, _ string) (*engine.ResourceDescription, error) {
	return d.desc, d.err
}

func testWorkflow() *engine.Workflow {
	return &engine.Workflow{
		Name: "resize",
		Parameters: []engine.ParameterSpec{
			{Name: "InstanceId", Required: true},
			{Name: "TargetInstanceType", Required: true},
		},
		Steps: []engine.Step{
			{
				Name:   "Reserve",
				Action: engine.ActionCreateReservation,
				Inputs: map[string]engine.Binding{
					engine.InputInstanceType:     engine.Param("TargetInstanceType"),
					engine.InputPlatform:         engine.Literal(engine.String("Linux/UNIX")),
					engine.InputAvailabilityZone: engine.Literal(engine.String("us-east-1a")),
				},
				Retry:    &engine.RetrySpec{MaxAttempts: 5},
				NextStep: "End",
			},
			{Name: "End", Action: engine.ActionEnd, IsEnd: true},
		},
	}
}

func params(target string, attempts, interval int) engine.Parameters {
	return engine.Parameters{
		"InstanceId":         engine.String("i-0abc"),
		"TargetInstanceType": engine.String(target),
		"MaxAttempts":        engine.Int(attempts),
		"RetryInterval":      engine.Int(interval),
	}
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	want := []string{"instance-type-format", "retry-budget", "target-differs"}
	if len(policies) != len(want) {
		t.Fatalf("Expected %d built-in policies, got %d", len(want), len(policies))
	}
	for i, name := range want {
		if policies[i].Name != name || !policies[i].Builtin {
			t.Errorf("Expected built-in policy %s at %d, got %+v", name, i, policies[i])
		}
	}

	if got := newTestEngine(t, WithoutBuiltins()).ListPolicies(); len(got) != 0 {
		t.Errorf("Expected no policies without builtins, got %d", len(got))
	}
}

func TestBuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name        string
		params      engine.Parameters
		wantAllowed bool
		wantPolicy  string
		wantParam   string
	}{
		{"valid", params("m6i.large", 5, 30), true, "", ""},
		{"metal", params("u-6tb1.metal", 5, 30), true, "", ""},
		{"bad type", params("m6i large", 5, 30), false, "instance-type-format", "TargetInstanceType"},
		{"uppercase type", params("M6I.LARGE", 5, 30), false, "instance-type-format", "TargetInstanceType"},
		{"too many attempts", params("m6i.large", 50, 1), false, "retry-budget", "MaxAttempts"},
		{"budget too long", params("m6i.large", 20, 600), false, "retry-budget", "RetryInterval"},
		{"budget at ceiling", params("m6i.large", 5, 1800), true, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(context.Background(), testWorkflow(), tt.params)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if result.Allowed != tt.wantAllowed {
				t.Fatalf("Expected allowed=%v, got %v (violations %v)", tt.wantAllowed, result.Allowed, result.Violations)
			}
			if tt.wantPolicy == "" {
				return
			}
			found := false
			for _, v := range result.Violations {
				if v.Policy == tt.wantPolicy && v.Parameter == tt.wantParam && v.Severity == SeverityError {
					found = true
				}
			}
			if !found {
				t.Errorf("Expected %s violation on %s, got %v", tt.wantPolicy, tt.wantParam, result.Violations)
			}
		})
	}
}

func TestRetryBudgetChecksStepDefaults(t *testing.T) {
	eng := newTestEngine(t)
	wf := testWorkflow()
	wf.Steps[0].Retry.MaxAttempts = 99

	result, err := eng.Evaluate(context.Background(), wf, params("m6i.large", 5, 30))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("Expected step retry default above the ceiling to be denied")
	}
	if !strings.Contains(result.Violations[0].Message, "Reserve") {
		t.Errorf("Expected message to name the step, got %q", result.Violations[0].Message)
	}
}

func TestCheckReturnsPolicyDenied(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.Check(context.Background(), testWorkflow(), params("not-a-type", 5, 30))
	if !engine.IsConfiguration(err) {
		t.Fatalf("Expected configuration error, got %v", err)
	}
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodePolicyDenied {
		t.Fatalf("Expected POLICY_DENIED, got %v", err)
	}
	if _, ok := ee.Details["violations"]; !ok {
		t.Error("Expected violations in error details")
	}
	if !strings.Contains(err.Error(), "instance-type-format") {
		t.Errorf("Expected policy name in message, got %q", err.Error())
	}

	if err := eng.Check(context.Background(), testWorkflow(), params("m6i.large", 5, 30)); err != nil {
		t.Errorf("Expected valid parameters to pass, got %v", err)
	}
}

func TestResourceLookupWarnings(t *testing.T) {
	lookup := describeOnly{desc: &engine.ResourceDescription{
		ResourceID: "i-0abc",
		State:      "running",
		Attributes: map[string]string{"InstanceType": "m6i.large"},
	}}
	eng := newTestEngine(t, WithResourceLookup(lookup))

	result, err := eng.Evaluate(context.Background(), testWorkflow(), params("m6i.large", 5, 30))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("Expected same-type resize to be allowed, got %v", result.Violations)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Policy != "target-differs" {
		t.Fatalf("Expected one target-differs warning, got %v", result.Warnings)
	}
	if !strings.Contains(result.Warnings[0].Message, "already has instance type m6i.large") {
		t.Errorf("Unexpected warning %q", result.Warnings[0].Message)
	}

	result, err = eng.Evaluate(context.Background(), testWorkflow(), params("m6i.xlarge", 5, 30))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Expected no warnings for a real resize, got %v", result.Warnings)
	}
}

func TestResourceLookupFailureIsTolerated(t *testing.T) {
	lookup := describeOnly{err: engine.NewAPIError("boom", nil)}
	eng := newTestEngine(t, WithResourceLookup(lookup))

	result, err := eng.Evaluate(context.Background(), testWorkflow(), params("m6i.large", 5, 30))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed || len(result.Warnings) != 0 {
		t.Errorf("Expected clean result without resource, got %+v", result)
	}
}

func TestCustomPolicies(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins())

	err := eng.AddPolicies(context.Background(), []Policy{
		{
			Name:    "no-gpu",
			Enabled: true,
			Rego: `package rightsize.custom.gpu

import rego.v1

deny contains msg if {
	startswith(input.parameters.TargetInstanceType, "p4")
	msg := "GPU families need a capacity review"
}

deny contains violation if {
	input.workflow.name == "resize"
	input.parameters.MaxAttempts < 2
	violation := {"message": "single attempt resizes are discouraged", "severity": "info"}
}

warn contains "resizing during business hours" if {
	input.context.operation == "run"
}
`,
		},
	})
	if err != nil {
		t.Fatalf("AddPolicies failed: %v", err)
	}

	result, err := eng.Evaluate(context.Background(), testWorkflow(), params("p4d.24xlarge", 1, 30))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("Expected GPU resize to be denied")
	}
	if len(result.Violations) != 1 || result.Violations[0].Message != "GPU families need a capacity review" {
		t.Errorf("Unexpected violations %v", result.Violations)
	}
	if len(result.Warnings) != 2 {
		t.Errorf("Expected info deny and warn results as warnings, got %v", result.Warnings)
	}
}

func TestAddPoliciesRejectsInvalidRego(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins())

	err := eng.AddPolicies(context.Background(), []Policy{
		{Name: "good", Enabled: true, Rego: "package a\n\nimport rego.v1\n\ndeny contains \"x\" if false\n"},
		{Name: "broken", Enabled: true, Rego: "package b\n\ndeny contains if {"},
	})
	if err == nil {
		t.Fatal("Expected compile error")
	}
	if len(eng.ListPolicies()) != 0 {
		t.Error("Expected no policies to be added when one fails")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.DisablePolicy("instance-type-format"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	result, err := eng.Evaluate(context.Background(), testWorkflow(), params("bogus", 5, 30))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected disabled policy to be skipped, got %v", result.Violations)
	}
	for _, name := range result.EvaluatedPolicies {
		if name == "instance-type-format" {
			t.Error("Disabled policy should not be evaluated")
		}
	}

	if err := eng.EnablePolicy("instance-type-format"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	p, err := eng.GetPolicy("instance-type-format")
	if err != nil || !p.Enabled {
		t.Errorf("Expected policy enabled, got %+v (%v)", p, err)
	}

	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestGuardWithWorkflowEngine(t *testing.T) {
	guard := newTestEngine(t)
	wfEngine := engine.NewWorkflowEngine(nil, engine.WithGuard(guard))

	result := wfEngine.Run(context.Background(), testWorkflow(), params("m6i.large", 500, 30))
	if result.Status != engine.RunStatusFailed {
		t.Fatalf("Expected failed run, got %s", result.Status)
	}
	if !engine.IsConfiguration(result.Error) {
		t.Errorf("Expected configuration error, got %v", result.Error)
	}
	if len(result.Steps) != 0 {
		t.Errorf("Expected no steps to run, got %v", result.Executed())
	}
}

func TestWatchReloadsPolicies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "families.rego")
	write := func(prefix string) {
		t.Helper()
		src := "package rightsize.custom.families\n\nimport rego.v1\n\ndeny contains \"family blocked\" if {\n\tstartswith(input.parameters.TargetInstanceType, \"" + prefix + "\")\n}\n"
		if err := os.WriteFile(path, []byte(src), 0o600); err != nil {
			t.Fatalf("Failed to write policy: %v", err)
		}
	}
	write("p4")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := newTestEngine(t, WithoutBuiltins())
	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	denied := func(target string) bool {
		result, err := eng.Evaluate(ctx, testWorkflow(), params(target, 5, 30))
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		return !result.Allowed
	}
	if !denied("p4d.24xlarge") || denied("g5.xlarge") {
		t.Fatal("Expected initial policy to block p4 only")
	}

	write("g5")
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if denied("g5.xlarge") && !denied("p4d.24xlarge") {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Error("Expected policy change to be picked up")
}
