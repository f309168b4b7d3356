package engine

import (
	"context"
	"time"
)

// CommandResult is the captured outcome of an external command.
type CommandResult struct {
	// Stdout is the captured standard output.
	Stdout string `json:"stdout"`

	// Stderr is the captured standard error.
	Stderr string `json:"stderr"`

	// ExitCode is the process exit code.
	ExitCode int `json:"exit_code"`
}

// CommandRunner runs an external tool to completion and captures its output.
// Implementations return an error only when the tool could not be run at all;
// a non-zero exit is reported through CommandResult.ExitCode.
type CommandRunner interface {
	Run(ctx context.Context, tool string, args []string) (*CommandResult, error)
}

// ProcessHandle is the supervisor's handle on a started step.
type ProcessHandle interface {
	// PID returns the operating system process ID, or 0 if not applicable.
	PID() int

	// Ready is closed once the process signals readiness.
	Ready() <-chan struct{}

	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)

	// Terminate requests a graceful shutdown.
	Terminate() error

	// Kill forces the process down.
	Kill() error
}

// ProcessLauncher starts plan steps.
// Start must not block until the process exits.
type ProcessLauncher interface {
	Start(ctx context.Context, step PlanStep) (ProcessHandle, error)
}

// EventPublisher publishes run events to subscribers. The supervisor calls
// Publish from its coordinator goroutine, in event order; it must not block.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// MetricsRecorder records supervisor metrics.
type MetricsRecorder interface {
	// RecordActionStarted counts a started step.
	RecordActionStarted(kind string)

	// RecordActionFinished records a step reaching a terminal state.
	RecordActionFinished(kind, state string, duration time.Duration)
}
