package policy

// GetBuiltinPolicies returns the guardrails every plan is checked against.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		{
			Name:        "force-delete-state",
			Description: "forceDeleteState is only meaningful for destroy and recreate operations",
			Severity:    SeverityError,
			Enabled:     true,
			Builtin:     true,
			Tags:        []string{"state", "safety"},
			Rego: `package stratus.policies.force_delete_state

import rego.v1

allowed_types := {"destroy", "recreate"}

deny contains violation if {
	input.request.options.forceDeleteState
	not input.request.type in allowed_types
	violation := {
		"message": sprintf("forceDeleteState is not allowed for %s operations", [input.request.type]),
		"severity": "error",
	}
}
`,
		},
		{
			Name:        "cascading-destroy",
			Description: "Reports instances destroyed without being requested",
			Severity:    SeverityWarning,
			Enabled:     true,
			Builtin:     true,
			Tags:        []string{"destroy"},
			Rego: `package stratus.policies.cascading_destroy

import rego.v1

requested := {id | some id in input.request.instanceIds}

deny contains violation if {
	some phase in input.plan.phases
	phase.type == "destroy"
	some entry in phase.instances
	not entry.instanceId in requested
	not object.get(entry, "parentId", "") in requested
	violation := {
		"message": sprintf("%s will be destroyed: %s", [entry.instanceId, entry.message]),
		"severity": "warning",
		"instance": entry.instanceId,
	}
}
`,
		},
		{
			Name:        "ignore-dependencies",
			Description: "Notes plans that skip out-of-date dependencies",
			Severity:    SeverityInfo,
			Enabled:     true,
			Builtin:     true,
			Tags:        []string{"dependencies"},
			Rego: `package stratus.policies.ignore_dependencies

import rego.v1

deny contains violation if {
	input.request.options.ignoreDependencies
	input.request.type in {"update", "preview", "recreate"}
	violation := {
		"message": "dependencies are ignored; out-of-date upstream instances will not be updated",
		"severity": "info",
	}
}
`,
		},
	}
}
