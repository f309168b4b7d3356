package engine

import (
	"fmt"
	"time"
)

// ActionState is the lifecycle state of one plan step during a run.
type ActionState string

const (
	// ActionStatePending indicates the step has not been started.
	ActionStatePending ActionState = "pending"

	// ActionStateStarting indicates the step is being started or is waiting
	// for its container to become ready.
	ActionStateStarting ActionState = "starting"

	// ActionStateRunning indicates the step's process is alive.
	ActionStateRunning ActionState = "running"

	// ActionStateStopping indicates a termination request was sent.
	ActionStateStopping ActionState = "stopping"

	// ActionStateExited indicates the process exited on its own or after a
	// termination request.
	ActionStateExited ActionState = "exited"

	// ActionStateFailed indicates the step could not be started or attached.
	ActionStateFailed ActionState = "failed"

	// ActionStateKilled indicates the process was forced down after the grace period.
	ActionStateKilled ActionState = "killed"
)

// IsTerminal returns true if no further transition is possible.
func (s ActionState) IsTerminal() bool {
	return s == ActionStateExited || s == ActionStateFailed || s == ActionStateKilled
}

// IsAlive returns true if the step owns a live process.
func (s ActionState) IsAlive() bool {
	return s == ActionStateRunning || s == ActionStateStopping
}

// Validate checks if the action state is valid.
func (s ActionState) Validate() error {
	switch s {
	case ActionStatePending, ActionStateStarting, ActionStateRunning, ActionStateStopping,
		ActionStateExited, ActionStateFailed, ActionStateKilled:
		return nil
	default:
		return fmt.Errorf("invalid action state: %s", s)
	}
}

// RunStatus is the aggregate outcome of a run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is in progress.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every action exited with code 0.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusCancelled indicates a cancellation in which every action
	// stopped within the grace period.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusFailed indicates at least one action failed or exited non-zero.
	RunStatusFailed RunStatus = "failed"

	// RunStatusKilled indicates at least one action had to be forced down.
	RunStatusKilled RunStatus = "killed"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusCancelled,
		RunStatusFailed, RunStatusKilled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// EventType represents the type of event in the run timeline.
type EventType string

const (
	// EventTypeRunStarted indicates the supervisor started the plan.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeRunCompleted indicates every action reached a terminal state.
	EventTypeRunCompleted EventType = "run_completed"

	// EventTypeRunCancelled indicates a cancellation request was received.
	EventTypeRunCancelled EventType = "run_cancelled"

	// EventTypeActionStarted indicates a step's process was started.
	EventTypeActionStarted EventType = "action_started"

	// EventTypeActionReady indicates a container reported readiness.
	EventTypeActionReady EventType = "action_ready"

	// EventTypeActionExited indicates a step's process exited.
	EventTypeActionExited EventType = "action_exited"

	// EventTypeActionFailed indicates a step failed to start or attach.
	EventTypeActionFailed EventType = "action_failed"

	// EventTypeActionStopping indicates a termination request was sent.
	EventTypeActionStopping EventType = "action_stopping"

	// EventTypeActionKilled indicates a step was forced down.
	EventTypeActionKilled EventType = "action_killed"
)

// Severity returns the severity level for this event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeActionFailed, EventTypeActionKilled:
		return "error"
	case EventTypeRunCancelled, EventTypeActionStopping:
		return "warning"
	default:
		return "info"
	}
}

// ActionReport is the final record of one step.
type ActionReport struct {
	StepID    string      `json:"step_id"`
	Action    string      `json:"action"`
	Kind      StepKind    `json:"kind"`
	State     ActionState `json:"state"`
	PID       int         `json:"pid,omitempty"`
	ExitCode  int         `json:"exit_code"`
	Error     string      `json:"error,omitempty"`
	Stopped   bool        `json:"stopped,omitempty"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
}

// Outcome returns the exit code this step contributes to the aggregate.
// An exit following a termination request counts as clean.
func (r ActionReport) Outcome() int {
	switch r.State {
	case ActionStateKilled:
		return ExitCodeForcedKill
	case ActionStateFailed:
		return ExitCodeStartFailure
	case ActionStateExited:
		if r.Stopped || r.ExitCode == 0 {
			return ExitCodeOK
		}
		return ExitCodeActionFailed
	default:
		return ExitCodeOK
	}
}

// ExitStatus is the aggregate result of running a plan.
type ExitStatus struct {
	RunID     string         `json:"run_id"`
	PlanID    string         `json:"plan_id"`
	Status    RunStatus      `json:"status"`
	Code      int            `json:"code"`
	Cancelled bool           `json:"cancelled"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Actions   []ActionReport `json:"actions"`
}

// Report returns the report for the given step ID.
func (s *ExitStatus) Report(stepID string) (ActionReport, bool) {
	for _, r := range s.Actions {
		if r.StepID == stepID {
			return r, true
		}
	}
	return ActionReport{}, false
}

// aggregate fills Status and Code from the worst per-action outcome.
func (s *ExitStatus) aggregate() {
	worst := ExitCodeOK
	for _, r := range s.Actions {
		if c := r.Outcome(); c > worst {
			worst = c
		}
	}
	s.Code = worst

	switch {
	case worst == ExitCodeForcedKill:
		s.Status = RunStatusKilled
	case worst != ExitCodeOK:
		s.Status = RunStatusFailed
	case s.Cancelled:
		s.Status = RunStatusCancelled
	default:
		s.Status = RunStatusSucceeded
	}
}
