package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		instanceTypeFormatPolicy(),
		retryBudgetPolicy(),
		targetDiffersPolicy(),
	}
}

// instanceTypeFormatPolicy rejects target types that are not of the form
// family.size.
func instanceTypeFormatPolicy() Policy {
	return Policy{
		Name:        "instance-type-format",
		Description: "Target instance type must look like family.size (e.g. m6i.large)",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"parameters"},
		Rego: `package rightsize.builtin.instance_type

import rego.v1

deny contains violation if {
	t := input.parameters.TargetInstanceType
	not is_string(t)
	violation := {
		"message": "TargetInstanceType must be a string",
		"parameter": "TargetInstanceType",
	}
}

deny contains violation if {
	t := input.parameters.TargetInstanceType
	is_string(t)
	not regex.match("^[a-z][a-z0-9-]*\\.[a-z0-9]+$", t)
	violation := {
		"message": sprintf("TargetInstanceType %q is not a valid instance type", [t]),
		"parameter": "TargetInstanceType",
	}
}
`,
	}
}

// retryBudgetPolicy caps how long a run may keep retrying for capacity.
func retryBudgetPolicy() Policy {
	return Policy{
		Name:        "retry-budget",
		Description: "Reservation retries must stay within the attempt and time ceilings",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"parameters", "capacity"},
		Rego: `package rightsize.builtin.retry_budget

import rego.v1

max_attempts := 20

max_budget_seconds := 7200

deny contains violation if {
	n := input.parameters.MaxAttempts
	n > max_attempts
	violation := {
		"message": sprintf("MaxAttempts %v exceeds the ceiling of %v", [n, max_attempts]),
		"parameter": "MaxAttempts",
	}
}

deny contains violation if {
	n := input.parameters.MaxAttempts
	interval := input.parameters.RetryInterval
	budget := (n - 1) * interval
	budget > max_budget_seconds
	violation := {
		"message": sprintf("retrying %v times every %vs spends %vs, more than %vs", [n, interval, budget, max_budget_seconds]),
		"parameter": "RetryInterval",
	}
}

deny contains violation if {
	some step in input.workflow.steps
	step.max_attempts > max_attempts
	violation := {
		"message": sprintf("step %s allows %v attempts, more than %v", [step.name, step.max_attempts, max_attempts]),
	}
}
`,
	}
}

// targetDiffersPolicy warns when the instance already has the target type.
func targetDiffersPolicy() Policy {
	return Policy{
		Name:        "target-differs",
		Description: "Warns when the resource already has the target instance type",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"parameters", "resource"},
		Rego: `package rightsize.builtin.target_differs

import rego.v1

warn contains violation if {
	current := input.resource.attributes.InstanceType
	current == input.parameters.TargetInstanceType
	violation := {
		"message": sprintf("%s already has instance type %s; the type change will be skipped", [input.resource.id, current]),
		"parameter": "TargetInstanceType",
	}
}

warn contains violation if {
	input.resource.state != "running"
	input.resource.state != "stopped"
	violation := {
		"message": sprintf("%s is %s", [input.resource.id, input.resource.state]),
	}
}
`,
	}
}
