package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/rightsize/pkg/engine"
)

// ResourceParameter is the run parameter naming the resource a resource
// lookup describes.
const ResourceParameter = "InstanceId"

// Engine evaluates Rego guard policies before a run. It implements
// engine.Guard.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	lookup   engine.ResourceClient
	logger   zerolog.Logger
	now      func() time.Time
	builtins bool
}

var _ engine.Guard = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy *Policy
	pkg    string
	deny   rego.PreparedEvalQuery
	warn   rego.PreparedEvalQuery
}

// Option configures an Engine.
type Option func(*Engine)

// WithResourceLookup describes the resource named by the InstanceId
// parameter and exposes it to policies as input.resource.
func WithResourceLookup(client engine.ResourceClient) Option {
	return func(e *Engine) { e.lookup = client }
}

// WithoutBuiltins skips the built-in policies.
func WithoutBuiltins() Option {
	return func(e *Engine) { e.builtins = false }
}

// NewEngine creates a new policy engine.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      time.Now,
		builtins: true,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.builtins {
		if err := e.loadBuiltinPolicies(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to load built-in policies: %w", err)
		}
	}

	return e, nil
}

// Check implements engine.Guard. Blocking violations and evaluation failures
// reject the run; warnings are logged.
func (e *Engine) Check(ctx context.Context, wf *engine.Workflow, params engine.Parameters) error {
	result, err := e.Evaluate(ctx, wf, params)
	if err != nil {
		return engine.NewConfigurationError("policy evaluation failed", err).
			WithCode(engine.ErrCodePolicyDenied)
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("workflow", wf.Name).
			Msg(w.Message)
	}

	if result.Allowed {
		return nil
	}

	msgs := make([]string, len(result.Violations))
	for i, v := range result.Violations {
		msgs[i] = fmt.Sprintf("%s: %s", v.Policy, v.Message)
	}
	return engine.NewConfigurationError(
		fmt.Sprintf("rejected by policy: %s", strings.Join(msgs, "; ")), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithDetail("violations", result.Violations)
}

// Evaluate evaluates every enabled policy against a workflow and its
// resolved parameters.
func (e *Engine) Evaluate(ctx context.Context, wf *engine.Workflow, params engine.Parameters) (*Result, error) {
	startTime := e.now()

	input, err := e.buildInput(ctx, wf, params)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	compiled := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			compiled = append(compiled, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(compiled, func(i, j int) bool { return compiled[i].policy.Name < compiled[j].policy.Name })

	result := &Result{Allowed: true, EvaluatedAt: startTime}
	for _, cp := range compiled {
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		denied, err := e.evaluateRule(ctx, cp, cp.deny, input, cp.policy.Severity)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
		}
		for _, v := range denied {
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}

		warned, err := e.evaluateRule(ctx, cp, cp.warn, input, SeverityWarning)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
		}
		result.Warnings = append(result.Warnings, warned...)
	}

	result.Duration = e.now().Sub(startTime)
	e.logger.Debug().
		Str("workflow", wf.Name).
		Int("policies", len(result.EvaluatedPolicies)).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// buildInput converts a workflow and its parameters into the policy input
// document.
func (e *Engine) buildInput(ctx context.Context, wf *engine.Workflow, params engine.Parameters) (map[string]interface{}, error) {
	in := Input{
		Workflow: WorkflowInput{
			Name:        wf.Name,
			Fingerprint: wf.Fingerprint(),
		},
		Parameters: make(map[string]interface{}, len(params)),
		Context: ContextInput{
			Timestamp: e.now(),
			Operation: "run",
		},
	}
	for i := range wf.Steps {
		s := &wf.Steps[i]
		step := StepInput{
			Name:      s.Name,
			Action:    string(s.Action),
			OnFailure: string(s.Policy()),
			Cleanup:   s.Cleanup,
		}
		if s.Retry != nil {
			step.MaxAttempts = s.Retry.MaxAttempts
		}
		in.Workflow.Steps = append(in.Workflow.Steps, step)
	}
	for name, v := range params {
		in.Parameters[name] = v.Interface()
	}

	if e.lookup != nil {
		if id, ok := params[ResourceParameter]; ok && id.String() != "" {
			desc, err := e.lookup.DescribeResource(ctx, id.String())
			if err != nil {
				e.logger.Warn().Err(err).Str("resource_id", id.String()).Msg("Resource lookup failed, evaluating without it")
			} else {
				in.Resource = &ResourceInput{
					ID:         desc.ResourceID,
					State:      desc.State,
					Attributes: desc.Attributes,
					Tags:       desc.Tags,
				}
			}
		}
	}

	return toDocument(in)
}

// toDocument converts v into the plain JSON document form rego evaluates.
func toDocument(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return doc, nil
}

// evaluateRule runs a prepared deny or warn query and converts its set of
// results into violations.
func (e *Engine) evaluateRule(ctx context.Context, cp *compiledPolicy, query rego.PreparedEvalQuery, input map[string]interface{}, severity Severity) ([]Violation, error) {
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		set, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, item := range set {
			violations = append(violations, createViolation(cp.policy.Name, severity, item))
		}
	}
	sort.Slice(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
	return violations, nil
}

// createViolation creates a Violation from a rule result.
func createViolation(policyName string, severity Severity, item interface{}) Violation {
	v := Violation{Policy: policyName, Severity: severity}

	switch r := item.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if param, ok := r["parameter"].(string); ok {
			v.Parameter = param
		}
	default:
		v.Message = fmt.Sprintf("%v", item)
	}

	return v
}

// compile parses a policy and prepares its deny and warn queries.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	pkg := module.Package.Path.String()

	prepare := func(rule string) (rego.PreparedEvalQuery, error) {
		return rego.New(
			rego.Module(policy.Name+".rego", policy.Rego),
			rego.Query(pkg+"."+rule),
		).PrepareForEval(ctx)
	}

	deny, err := prepare("deny")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}
	warn, err := prepare("warn")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.Severity == "" {
		policy.Severity = SeverityError
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", pkg).
		Msg("Policy compiled successfully")

	return &compiledPolicy{policy: policy, pkg: pkg, deny: deny, warn: warn}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		builtins[i].LoadedAt = e.now()
		cp, err := e.compile(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// LoadPolicies loads policy files and directories in addition to the
// policies already loaded.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles and adds policies, replacing policies with the same
// name. Nothing is added if any policy fails to compile.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	compiled, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}
	e.mu.Unlock()

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplacePolicies swaps every non-built-in policy for the given set. It is
// used when watched policy files change.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	compiled, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}
	e.mu.Unlock()

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies replaced")

	return nil
}

func (e *Engine) compileAll(ctx context.Context, policies []Policy) ([]*compiledPolicy, error) {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		p := policies[i]
		cp, err := e.compile(ctx, &p)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Msg("Failed to compile policy")
			return nil, fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled = append(compiled, cp)
	}
	return compiled, nil
}

// Watch loads the paths and keeps the loaded policies in sync with them
// until ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	if err := e.ReplacePolicies(ctx, policies); err != nil {
		return err
	}
	return loader.Watch(ctx, paths, func(p []Policy) error {
		return e.ReplacePolicies(ctx, p)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}
