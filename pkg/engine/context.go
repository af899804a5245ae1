package engine

import (
	"fmt"
	"sort"
)

// Implicit outputs recorded for every dispatched step.
const (
	OutputSuccess = "Success"
	OutputError   = "Error"
)

// ExecutionContext accumulates step outputs for a single run. Entries are
// write-once per (step, output). It is owned by one run and is not safe for
// concurrent use.
type ExecutionContext struct {
	entries map[string]map[string]Value
	order   []string
}

// NewExecutionContext creates an empty execution context.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{entries: make(map[string]map[string]Value)}
}

// Set records an output. A second write to the same (step, output) fails.
func (c *ExecutionContext) Set(step, name string, v Value) error {
	outputs, ok := c.entries[step]
	if !ok {
		outputs = make(map[string]Value)
		c.entries[step] = outputs
		c.order = append(c.order, step)
	}
	if _, exists := outputs[name]; exists {
		return fmt.Errorf("output %s.%s already recorded", step, name)
	}
	outputs[name] = v
	return nil
}

// Get returns a recorded output.
func (c *ExecutionContext) Get(step, name string) (Value, bool) {
	v, ok := c.entries[step][name]
	return v, ok
}

// Has reports whether the step recorded anything.
func (c *ExecutionContext) Has(step string) bool {
	_, ok := c.entries[step]
	return ok
}

// Snapshot returns a deep copy of the recorded outputs.
func (c *ExecutionContext) Snapshot() Snapshot {
	snap := make(Snapshot, len(c.entries))
	for step, outputs := range c.entries {
		cp := make(map[string]Value, len(outputs))
		for k, v := range outputs {
			cp[k] = v
		}
		snap[step] = cp
	}
	return snap
}

// Steps returns the names of steps that recorded outputs, in recording order.
func (c *ExecutionContext) Steps() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Snapshot is an immutable view of an execution context.
type Snapshot map[string]map[string]Value

// Get returns a recorded output.
func (s Snapshot) Get(step, name string) (Value, bool) {
	v, ok := s[step][name]
	return v, ok
}

// Succeeded reports whether the step recorded Success=true.
func (s Snapshot) Succeeded(step string) bool {
	v, ok := s.Get(step, OutputSuccess)
	if !ok {
		return false
	}
	b, err := v.AsBool()
	return err == nil && b
}

// Failures returns the recorded error text of every failed step, keyed by
// step name.
func (s Snapshot) Failures() map[string]string {
	out := make(map[string]string)
	for step, outputs := range s {
		if v, ok := outputs[OutputError]; ok {
			out[step] = v.String()
		}
	}
	return out
}

// FailedSteps returns the names of failed steps in sorted order.
func (s Snapshot) FailedSteps() []string {
	failures := s.Failures()
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
