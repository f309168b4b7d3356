// Package policy checks launch plans with Open Policy Agent (OPA).
//
// Every policy is a Rego module whose deny set lists violations. The input
// document is the built plan together with a map of the parameter files it
// references and whether each exists:
//
//	{
//	    "plan":    {"id": "...", "steps": [...], "containers": [...]},
//	    "files":   {"/opt/sam_bot/config/ekf.yaml": true},
//	    "context": {"operation": "launch", "dry_run": false}
//	}
//
// A deny element is either a message string or an object with message,
// severity and step fields. Elements without a severity take the policy's
// default.
//
// # Built-in Policies
//
//  1. sim_time - steps setting use_sim_time must agree (warning)
//  2. unique_names - action names must be unique within a scope (error)
//  3. container_usage - containers should host a component (info)
//  4. parameter_files - referenced parameter files must exist (warning)
//
// # Custom Policies
//
// Additional .rego files, or JSON files carrying name, severity and rego
// fields, are loaded from the policy directory:
//
//	package custom.no_rviz
//
//	import rego.v1
//
//	deny contains msg if {
//	    some step in input.plan.steps
//	    step.action == "rviz2"
//	    msg := sprintf("step %s starts rviz2", [step.id])
//	}
//
// # Modes
//
// In advisory mode violations are only logged. In enforcing mode Check
// returns a policy error, exit code 70, when any error or critical
// violation is found.
//
// # Hot Reload
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, []string{dir}, func(policies []policy.Policy) error {
//	    return eng.ReplacePolicies(ctx, policies)
//	})
package policy
