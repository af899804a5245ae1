package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Validate checks a workflow definition and returns its step chain in
// execution order. Every failure is a configuration error.
func Validate(wf *Workflow) ([]string, error) {
	if wf == nil {
		return nil, NewConfigurationError("workflow is nil", nil)
	}
	if len(wf.Steps) == 0 {
		return nil, NewConfigurationError("workflow has no steps", nil)
	}

	declared := make(map[string]ParameterSpec, len(wf.Parameters))
	for _, p := range wf.Parameters {
		if p.Name == "" {
			return nil, NewConfigurationError("parameter with empty name", nil)
		}
		if _, dup := declared[p.Name]; dup {
			return nil, NewConfigurationError(fmt.Sprintf("duplicate parameter %q", p.Name), nil)
		}
		if err := p.Type.Validate(); err != nil {
			return nil, NewConfigurationError(fmt.Sprintf("parameter %q", p.Name), err)
		}
		declared[p.Name] = p
	}

	steps := make(map[string]*Step, len(wf.Steps))
	for i := range wf.Steps {
		s := &wf.Steps[i]
		if s.Name == "" {
			return nil, NewConfigurationError(fmt.Sprintf("step %d has no name", i), nil)
		}
		if _, dup := steps[s.Name]; dup {
			return nil, NewConfigurationError(fmt.Sprintf("duplicate step name %q", s.Name), nil)
		}
		steps[s.Name] = s
	}

	for i := range wf.Steps {
		if err := validateStep(&wf.Steps[i], steps); err != nil {
			return nil, err
		}
	}

	chain, err := walkChain(wf, steps)
	if err != nil {
		return nil, err
	}
	if len(chain) != len(wf.Steps) {
		reached := make(map[string]bool, len(chain))
		for _, name := range chain {
			reached[name] = true
		}
		var unreachable []string
		for _, s := range wf.Steps {
			if !reached[s.Name] {
				unreachable = append(unreachable, s.Name)
			}
		}
		return nil, NewConfigurationError(
			fmt.Sprintf("unreachable steps: %s", strings.Join(unreachable, ", ")), nil)
	}

	if err := validateReferences(chain, steps); err != nil {
		return nil, err
	}
	return chain, nil
}

func validateStep(s *Step, steps map[string]*Step) error {
	fail := func(format string, args ...interface{}) error {
		return NewConfigurationError(fmt.Sprintf(format, args...), nil).WithStep(s.Name)
	}

	if err := s.Action.Validate(); err != nil {
		return NewConfigurationError("invalid action", err).WithStep(s.Name)
	}
	if err := s.OnFailure.Validate(); err != nil {
		return NewConfigurationError("invalid failure policy", err).WithStep(s.Name)
	}
	if s.Action == ActionEnd && s.Policy() == FailureContinue {
		return fail("End step cannot use the Continue failure policy")
	}
	if s.NextStep == "" && !s.IsEnd {
		return fail("step has neither nextStep nor isEnd")
	}
	if s.NextStep != "" && s.IsEnd {
		return fail("end step must not set nextStep")
	}
	if s.NextStep != "" {
		if _, ok := steps[s.NextStep]; !ok {
			return fail("nextStep %q does not exist", s.NextStep)
		}
	}
	if s.Timeout < 0 {
		return fail("timeout must not be negative")
	}
	if s.Retry != nil {
		if s.Action != ActionCreateReservation {
			return fail("retry is only supported on %s", ActionCreateReservation)
		}
		if err := s.Retry.Validate(); err != nil {
			return NewConfigurationError("invalid retry", err).WithStep(s.Name)
		}
	}
	if s.Wait != nil && !s.Action.IsWait() {
		return fail("wait is only supported on wait actions")
	}

	contract := contracts[s.Action]
	for _, name := range contract.Required {
		if _, ok := s.Inputs[name]; !ok {
			return fail("missing required input %s", name)
		}
	}
	for name := range s.Inputs {
		if !contract.Accepts(name) {
			return fail("unknown input %s for action %s", name, s.Action)
		}
	}

	seen := make(map[string]bool, len(s.Outputs))
	for _, out := range s.Outputs {
		switch {
		case out.Name == "":
			return fail("output with empty name")
		case seen[out.Name]:
			return fail("duplicate output %s", out.Name)
		case out.Name == OutputSuccess || out.Name == OutputError:
			return fail("output %s is reserved", out.Name)
		}
		if _, std := contract.Outputs[out.Name]; std {
			return fail("output %s is already recorded by %s", out.Name, s.Action)
		}
		if err := out.Type.Validate(); err != nil {
			return NewConfigurationError(fmt.Sprintf("output %s", out.Name), err).WithStep(s.Name)
		}
		if err := CheckSelector(out.Selector); err != nil {
			return NewConfigurationError(fmt.Sprintf("output %s", out.Name), err).WithStep(s.Name)
		}
		seen[out.Name] = true
	}
	return nil
}

// walkChain follows nextStep from the start step, rejecting cycles.
func walkChain(wf *Workflow, steps map[string]*Step) ([]string, error) {
	start := wf.StartStep()
	if _, ok := steps[start]; !ok {
		return nil, NewConfigurationError(fmt.Sprintf("start step %q does not exist", start), nil)
	}

	var chain []string
	position := make(map[string]int, len(steps))
	for name := start; name != ""; {
		if i, seen := position[name]; seen {
			cycle := append(chain[i:], name)
			return nil, NewConfigurationError(
				fmt.Sprintf("cycle detected: %s", formatCycle(cycle)), nil)
		}
		position[name] = len(chain)
		chain = append(chain, name)
		s := steps[name]
		if s.IsEnd {
			break
		}
		name = s.NextStep
	}
	return chain, nil
}

// validateReferences checks that every step reference names an output of a
// step strictly earlier on the chain.
func validateReferences(chain []string, steps map[string]*Step) error {
	earlier := make(map[string]bool, len(chain))
	for _, name := range chain {
		s := steps[name]
		for input, b := range s.Inputs {
			ref, ok := b.Ref()
			if !ok {
				if strings.Contains(b.Value().String(), "{{") {
					return NewConfigurationError(
						fmt.Sprintf("input %s contains an unparsed reference", input), nil).
						WithStep(name).WithCode(ErrCodeUnresolvedRef)
				}
				continue
			}
			if ref.IsParam() {
				// Presence is checked against the supplied values by
				// ResolveParameters.
				continue
			}
			if !earlier[ref.Step] {
				return NewConfigurationError(
					fmt.Sprintf("input %s references %s, which does not run before this step", input, ref), nil).
					WithStep(name).WithCode(ErrCodeUnresolvedRef)
			}
			if !producesOutput(steps[ref.Step], ref.Name) {
				return NewConfigurationError(
					fmt.Sprintf("input %s references %s, which is not an output of %s", input, ref, ref.Step), nil).
					WithStep(name).WithCode(ErrCodeUnresolvedRef)
			}
		}
		earlier[name] = true
	}
	return nil
}

func producesOutput(s *Step, name string) bool {
	if name == OutputSuccess || name == OutputError {
		return true
	}
	if _, ok := contracts[s.Action].Outputs[name]; ok {
		return true
	}
	for _, out := range s.Outputs {
		if out.Name == name {
			return true
		}
	}
	return false
}

// ReferencedParameters returns the names of parameters referenced by any step,
// sorted.
func ReferencedParameters(wf *Workflow) []string {
	set := make(map[string]bool)
	for _, s := range wf.Steps {
		for _, b := range s.Inputs {
			if ref, ok := b.Ref(); ok && ref.IsParam() {
				set[ref.Name] = true
			}
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveParameters applies declared defaults and types to the supplied
// parameters. A referenced parameter that is neither supplied nor defaulted,
// or a value that does not fit its declared type, is a configuration error.
func ResolveParameters(wf *Workflow, supplied Parameters) (Parameters, error) {
	resolved := supplied.Clone()
	for _, p := range wf.Parameters {
		v, ok := resolved[p.Name]
		if !ok || v.IsZero() {
			if p.Default == nil {
				continue
			}
			v = *p.Default
		}
		coerced, err := v.Coerce(p.Type)
		if err != nil {
			return nil, NewConfigurationError(fmt.Sprintf("parameter %s", p.Name), err).
				WithCode(ErrCodeValidation)
		}
		resolved[p.Name] = coerced
	}

	var missing []string
	for _, p := range wf.Parameters {
		if _, ok := resolved[p.Name]; !ok && p.Required {
			missing = append(missing, p.Name)
		}
	}
	for _, name := range ReferencedParameters(wf) {
		if _, ok := resolved[name]; !ok && !contains(missing, name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, NewConfigurationError(
			fmt.Sprintf("missing parameters: %s", strings.Join(missing, ", ")), nil).
			WithCode(ErrCodeMissingParameter).
			WithDetail("missing", missing)
	}
	return resolved, nil
}

// ToDOT renders the step chain in Graphviz DOT format.
func ToDOT(wf *Workflow) string {
	var sb strings.Builder
	sb.WriteString("digraph workflow {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, s := range wf.Steps {
		color := "lightblue"
		switch {
		case s.Cleanup:
			color = "lightyellow"
		case s.Policy() == FailureContinue:
			color = "lightgray"
		case s.IsEnd:
			color = "lightgreen"
		}
		fmt.Fprintf(&sb, "  %q [label=\"%s\\n%s\", fillcolor=%s, style=\"rounded,filled\"];\n",
			s.Name, s.Name, s.Action, color)
	}
	sb.WriteString("\n")
	for _, s := range wf.Steps {
		if s.NextStep != "" {
			fmt.Fprintf(&sb, "  %q -> %q;\n", s.Name, s.NextStep)
		}
		names := make([]string, 0, len(s.Inputs))
		for name := range s.Inputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if ref, ok := s.Inputs[name].Ref(); ok && !ref.IsParam() {
				fmt.Fprintf(&sb, "  %q -> %q [style=dashed, label=%q];\n", ref.Step, s.Name, ref.Name)
			}
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
