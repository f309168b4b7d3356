package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass groups errors by the launch phase that produced them.
type ErrorClass string

const (
	// ErrorClassDeclaration indicates a malformed launch description.
	// Raised before any argument is resolved.
	ErrorClassDeclaration ErrorClass = "declaration"

	// ErrorClassPlan indicates a failure while resolving arguments, conditions,
	// substitutions or containers. No process has been started.
	ErrorClassPlan ErrorClass = "plan"

	// ErrorClassRuntime indicates a failure of a started action.
	// Runtime errors are reported per action and never abort siblings.
	ErrorClassRuntime ErrorClass = "runtime"

	// ErrorClassConfig indicates an unreadable or invalid launch or settings file.
	ErrorClassConfig ErrorClass = "config"

	// ErrorClassPolicy indicates the plan was denied by an enforcing policy.
	ErrorClassPolicy ErrorClass = "policy"
)

// LaunchError is a classified error naming the argument, action or container
// that caused it.
// nolint:revive // LaunchError reads better than Error at call sites
type LaunchError struct {
	// Class is the phase classification.
	Class ErrorClass `json:"class"`

	// Code identifies the error for programmatic handling.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Argument is the launch argument involved, if any.
	Argument string `json:"argument,omitempty"`

	// Action is the action involved, if any.
	Action string `json:"action,omitempty"`

	// Container is the container tag involved, if any.
	Container string `json:"container,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *LaunchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)

	var ctx []string
	if e.Argument != "" {
		ctx = append(ctx, "argument="+e.Argument)
	}
	if e.Action != "" {
		ctx = append(ctx, "action="+e.Action)
	}
	if e.Container != "" {
		ctx = append(ctx, "container="+e.Container)
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a LaunchError with the same code.
// A target with an empty code matches any LaunchError of the same class.
func (e *LaunchError) Is(target error) bool {
	t, ok := target.(*LaunchError)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Class == t.Class
	}
	return e.Code == t.Code
}

// ExitCode maps the error to the process exit code reported by the CLI.
func (e *LaunchError) ExitCode() int {
	switch e.Code {
	case ErrCodeDuplicateArgument, ErrCodeUnknownArgument, ErrCodeUnresolvedArgument,
		ErrCodeInvalidBooleanLiteral, ErrCodeInvalidArgumentChoice, ErrCodeArgumentStoreSealed:
		return ExitCodeArgument
	case ErrCodeNoContainerOwner:
		return ExitCodeNoContainerOwner
	case ErrCodeMultipleContainerOwners:
		return ExitCodeMultipleContainerOwners
	case ErrCodeSubstitutionExecFailed:
		return ExitCodeSubstitutionExecFailed
	case ErrCodeContainerAttachTimeout, ErrCodeStartFailed:
		return ExitCodeStartFailure
	case ErrCodePolicyDenied:
		return ExitCodePolicyDenied
	}

	switch e.Class {
	case ErrorClassConfig:
		return ExitCodeConfig
	case ErrorClassRuntime:
		return ExitCodeActionFailed
	default:
		return ExitCodePlan
	}
}

func newError(class ErrorClass, code, message string, err error) *LaunchError {
	return &LaunchError{
		Class:   class,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewDeclarationError creates a new declaration-phase error.
func NewDeclarationError(code, message string) *LaunchError {
	return newError(ErrorClassDeclaration, code, message, nil)
}

// NewPlanError creates a new plan-build error.
func NewPlanError(code, message string, err error) *LaunchError {
	return newError(ErrorClassPlan, code, message, err)
}

// NewRuntimeError creates a new runtime error.
func NewRuntimeError(code, message string, err error) *LaunchError {
	return newError(ErrorClassRuntime, code, message, err)
}

// NewConfigError creates a new config error.
func NewConfigError(message string, err error) *LaunchError {
	return newError(ErrorClassConfig, ErrCodeInvalidConfig, message, err)
}

// NewPolicyError creates a new policy denial error.
func NewPolicyError(message string) *LaunchError {
	return newError(ErrorClassPolicy, ErrCodePolicyDenied, message, nil)
}

// WithArgument adds argument context to an error.
func (e *LaunchError) WithArgument(name string) *LaunchError {
	e.Argument = name
	return e
}

// WithAction adds action context to an error.
func (e *LaunchError) WithAction(name string) *LaunchError {
	e.Action = name
	return e
}

// WithContainer adds container context to an error.
func (e *LaunchError) WithContainer(tag string) *LaunchError {
	e.Container = tag
	return e
}

// WithDetail adds a detail field to the error context.
func (e *LaunchError) WithDetail(key string, value interface{}) *LaunchError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrorCode returns the code of the first LaunchError in err's chain,
// or an empty string.
func ErrorCode(err error) string {
	var e *LaunchError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given launch error code.
func HasCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// IsPlanError returns true if the error was raised before any process started.
func IsPlanError(err error) bool {
	var e *LaunchError
	if errors.As(err, &e) {
		return e.Class == ErrorClassDeclaration || e.Class == ErrorClassPlan
	}
	return false
}

// IsRuntimeError returns true if the error came from a started action.
func IsRuntimeError(err error) bool {
	var e *LaunchError
	if errors.As(err, &e) {
		return e.Class == ErrorClassRuntime
	}
	return false
}

// ExitCodeFor returns the CLI exit code for err. Non-launch errors map to 1.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitCodeOK
	}
	var e *LaunchError
	if errors.As(err, &e) {
		return e.ExitCode()
	}
	return ExitCodeActionFailed
}

// Error codes.
const (
	ErrCodeDuplicateArgument       = "DUPLICATE_ARGUMENT"
	ErrCodeUnknownArgument         = "UNKNOWN_ARGUMENT"
	ErrCodeUnresolvedArgument      = "UNRESOLVED_ARGUMENT"
	ErrCodeInvalidArgumentChoice   = "INVALID_ARGUMENT_CHOICE"
	ErrCodeArgumentStoreSealed     = "ARGUMENT_STORE_SEALED"
	ErrCodeInvalidBooleanLiteral   = "INVALID_BOOLEAN_LITERAL"
	ErrCodeSubstitutionExecFailed  = "SUBSTITUTION_EXEC_FAILED"
	ErrCodeUnresolvedEnvironment   = "UNRESOLVED_ENVIRONMENT"
	ErrCodeNoContainerOwner        = "NO_CONTAINER_OWNER"
	ErrCodeMultipleContainerOwners = "MULTIPLE_CONTAINER_OWNERS"
	ErrCodeInvalidAction           = "INVALID_ACTION"
	ErrCodeIncludeCycle            = "INCLUDE_CYCLE"
	ErrCodeContainerAttachTimeout  = "CONTAINER_ATTACH_TIMEOUT"
	ErrCodeStartFailed             = "START_FAILED"
	ErrCodeActionExited            = "ACTION_EXITED"
	ErrCodeInvalidConfig           = "INVALID_CONFIG"
	ErrCodePolicyDenied            = "POLICY_DENIED"
)

// Exit codes reported by the simlaunch CLI.
const (
	ExitCodeOK                      = 0
	ExitCodeActionFailed            = 1
	ExitCodeStartFailure            = 2
	ExitCodeForcedKill              = 3
	ExitCodeArgument                = 64
	ExitCodeNoContainerOwner        = 65
	ExitCodeMultipleContainerOwners = 66
	ExitCodeSubstitutionExecFailed  = 67
	ExitCodePlan                    = 68
	ExitCodePolicyDenied            = 70
	ExitCodeConfig                  = 78
)
