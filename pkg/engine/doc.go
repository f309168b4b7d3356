// Package engine compiles a declarative launch description into an ordered
// launch plan and supervises the processes that plan starts.
//
// # Overview
//
// A launch runs in two phases:
//
//  1. Plan - Resolve arguments, evaluate conditions and substitutions, expand
//     includes and compose containers into an ordered list of steps (PlanBuilder)
//  2. Run - Start every step in order, attach components to their containers
//     and report a single exit status (Supervisor)
//
// Planning has no side effects beyond command substitutions. The same
// description and overrides always produce the same plan.
//
// # Core Domain Types
//
//   - LaunchArgument: A named, overridable input with an optional default
//   - Substitution: A deferred string value (literal, argument, environment,
//     command output or a join of those)
//   - Condition: An if/unless guard over a boolean argument
//   - Action: A process, composable component or include
//   - LaunchDescription: Arguments plus an ordered list of actions
//   - PlanStep: A fully resolved start_process, create_container or
//     load_component directive
//   - Plan: The ordered steps with container groups, skipped actions and the
//     start graph
//   - ExitStatus: The outcome of running a plan
//
// # Arguments
//
// Each description gets its own ArgumentStore. Declarations and overrides
// are accepted until the first resolution, after which the store is sealed:
//
//	store := engine.NewArgumentStore()
//	_ = store.Declare(engine.LaunchArgument{Name: "use_sim_time", Default: engine.StringPtr("true")})
//	_ = store.Override("use_sim_time", "false")
//	value, _ := store.Resolve("use_sim_time") // "false"
//
// Includes get a fresh store whose overrides are resolved in the parent.
// Arguments never leak between scopes.
//
// # Containers
//
// Components sharing a container tag within one description form a
// container group. Exactly one member owns the container. The composer
// emits one create_container step at the owner's position followed by a
// load_component step per attached member. A tag with no owner fails with
// NO_CONTAINER_OWNER and a tag with two owners fails with
// MULTIPLE_CONTAINER_OWNERS.
//
// # Supervision
//
// The Supervisor starts processes in plan order. Load steps are queued until
// their container reports ready or AttachTimeout elapses. A non-zero exit is
// recorded but does not stop other actions. On cancellation every live
// action is asked to terminate in reverse start order, components before
// their containers, and anything still alive after GracePeriod is killed.
//
// # Error Handling
//
// Errors are returned as *LaunchError values carrying a class, a stable code
// and the argument, action or container involved. ExitCodeFor maps an error
// to the process exit code the CLI reports.
package engine
