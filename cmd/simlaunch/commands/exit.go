package commands

import (
	"errors"
	"fmt"

	"github.com/openfroyo/simlaunch/pkg/engine"
)

// exitError carries an exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// usageError marks err as a command line mistake.
func usageError(err error) error {
	return &exitError{code: engine.ExitCodeArgument, err: err}
}

// statusError reports a completed run whose aggregate code is non-zero.
// The run summary has already been printed, so there is no message.
func statusError(code int) error {
	return &exitError{code: code}
}

// ExitCode returns the process exit code for an Execute error.
func ExitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return engine.ExitCodeFor(err)
}

// IsStatusOnly reports whether err only carries a run's exit status.
func IsStatusOnly(err error) bool {
	var ee *exitError
	return errors.As(err, &ee) && ee.err == nil
}

var errNonPositiveTimeout = errors.New("--grace-period and --attach-timeout must be positive")
