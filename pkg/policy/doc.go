// Package policy provides Open Policy Agent (OPA) guard policies for
// rightsize runs.
//
// An Engine implements engine.Guard: before a run makes any call to the
// control plane, every enabled policy is evaluated against the workflow and
// its resolved parameters. Any blocking deny result turns the run into a
// configuration error with code POLICY_DENIED.
//
// # Usage
//
//	guard, err := policy.NewEngine(logger, policy.WithResourceLookup(client))
//	if err != nil {
//	    return err
//	}
//	if err := guard.LoadPolicies(ctx, []string{"/etc/rightsize/policies"}); err != nil {
//	    return err
//	}
//	eng := engine.NewWorkflowEngine(client, engine.WithGuard(guard))
//
// # Input
//
// Policies see this document as input:
//
//	{
//	    "workflow":   {"name": ..., "fingerprint": ..., "steps": [{"name", "action", "on_failure", "cleanup", "max_attempts"}]},
//	    "parameters": {"InstanceId": "i-0abc", "TargetInstanceType": "m6i.large", ...},
//	    "resource":   {"id", "state", "attributes", "tags"},
//	    "context":    {"timestamp", "operation"}
//	}
//
// resource is only present when a resource lookup is configured.
//
// # Built-in Policies
//
//  1. instance-type-format - TargetInstanceType must look like family.size
//  2. retry-budget - at most 20 reservation attempts and two hours of retrying
//  3. target-differs - warns when the resource already has the target type
//
// # Custom Policies
//
// Custom policies are Rego v1 modules defining a "deny" set and optionally a
// "warn" set. Results are strings or objects with "message", "severity" and
// "parameter" fields:
//
//	package rightsize.custom.families
//
//	import rego.v1
//
//	deny contains msg if {
//	    startswith(input.parameters.TargetInstanceType, "p4")
//	    msg := "GPU families need a capacity review"
//	}
//
// Deny results default to the policy's severity (error for loaded files);
// info and warning results are reported as warnings instead of blocking.
//
// # Hot Reload
//
// Engine.Watch loads policy paths and reloads them when files change, so a
// long-running server picks up edits without a restart.
package policy
