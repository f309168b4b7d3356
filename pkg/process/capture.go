package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/simlaunch/pkg/engine"
)

// Capture runs a tool to completion and captures its output.
type Capture struct {
	// Env replaces the inherited environment when non-nil.
	Env []string

	// Dir is the working directory.
	Dir string

	// Timeout bounds a single invocation. Zero means no limit.
	Timeout time.Duration

	logger zerolog.Logger
}

// NewCapture creates a command runner that logs through logger.
func NewCapture(logger zerolog.Logger) *Capture {
	return &Capture{logger: logger}
}

// Run executes tool with args. A non-zero exit is reported in the result,
// not as an error.
func (c *Capture) Run(ctx context.Context, tool string, args []string) (*engine.CommandResult, error) {
	if tool == "" {
		return nil, fmt.Errorf("tool is required")
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Dir = c.Dir
	if c.Env != nil {
		cmd.Env = c.Env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	result := &engine.CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute %s: %w", tool, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s interrupted: %w", tool, ctxErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	c.logger.Debug().
		Str("tool", tool).
		Strs("args", args).
		Int("exit_code", result.ExitCode).
		Dur("duration", time.Since(start)).
		Msg("Command substitution executed")

	return result, nil
}
