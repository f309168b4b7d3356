package policy

// Built-in policy names.
const (
	PolicySimTime        = "sim_time"
	PolicyUniqueNames    = "unique_names"
	PolicyContainerUsage = "container_usage"
	PolicyParameterFiles = "parameter_files"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		simTimePolicy(),
		uniqueNamesPolicy(),
		containerUsagePolicy(),
		parameterFilesPolicy(),
	}
}

// simTimePolicy flags plans whose steps disagree on use_sim_time.
func simTimePolicy() Policy {
	return Policy{
		Name:        PolicySimTime,
		Description: "Steps setting use_sim_time must agree on its value",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"simulation", "parameters"},
		Rego: `package simlaunch.sim_time

import rego.v1

sim_time_values contains v if {
	some step in input.plan.steps
	some p in object.get(step, "parameters", [])
	p.name == "use_sim_time"
	v := lower(p.value)
}

deny contains violation if {
	count(sim_time_values) > 1
	some step in input.plan.steps
	some p in object.get(step, "parameters", [])
	p.name == "use_sim_time"
	violation := {
		"message": sprintf("Step %s sets use_sim_time=%s but other steps use %v", [step.id, p.value, sim_time_values]),
		"severity": "warning",
		"step": step.id,
	}
}
`,
	}
}

// uniqueNamesPolicy rejects two steps with the same action name in one scope.
func uniqueNamesPolicy() Policy {
	return Policy{
		Name:        PolicyUniqueNames,
		Description: "Action names must be unique within a launch file",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"naming"},
		Rego: `package simlaunch.unique_names

import rego.v1

deny contains violation if {
	some i, j
	a := input.plan.steps[i]
	b := input.plan.steps[j]
	i < j
	a.action == b.action
	object.get(a, "scope", "") == object.get(b, "scope", "")
	violation := {
		"message": sprintf("Steps %s and %s share action name %s", [a.id, b.id, a.action]),
		"severity": "error",
		"step": b.id,
	}
}
`,
	}
}

// containerUsagePolicy notes containers nothing is loaded into.
func containerUsagePolicy() Policy {
	return Policy{
		Name:        PolicyContainerUsage,
		Description: "Containers should host at least one loaded component",
		Severity:    SeverityInfo,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"containers"},
		Rego: `package simlaunch.container_usage

import rego.v1

deny contains violation if {
	some group in object.get(input.plan, "containers", [])
	count(object.get(group, "members", [])) == 0
	violation := {
		"message": sprintf("Container %s created by %s has no components loaded", [group.tag, group.owner]),
		"severity": "info",
		"step": group.owner,
	}
}
`,
	}
}

// parameterFilesPolicy flags parameter files missing on disk.
func parameterFilesPolicy() Policy {
	return Policy{
		Name:        PolicyParameterFiles,
		Description: "Parameter files referenced by the plan must exist",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"parameters", "filesystem"},
		Rego: `package simlaunch.parameter_files

import rego.v1

deny contains violation if {
	some step in input.plan.steps
	some f in object.get(step, "parameter_files", [])
	not input.files[f]
	violation := {
		"message": sprintf("Parameter file %s of step %s does not exist", [f, step.id]),
		"severity": "warning",
		"step": step.id,
	}
}
`,
	}
}
