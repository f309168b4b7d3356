package engine

import (
	"fmt"
	"strings"
)

// ArgumentResolver resolves launch argument names to values.
type ArgumentResolver interface {
	Resolve(name string) (string, error)
}

// ParseBool interprets a launch argument value as a boolean.
// Accepted literals are true/1/yes and false/0/no, case-insensitive.
func ParseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean literal %q", value)
	}
}

// EvaluateCondition reports whether an action guarded by cond is included.
// A nil condition is always true. The result depends only on the store.
func EvaluateCondition(cond *Condition, store ArgumentResolver) (bool, error) {
	if cond == nil {
		return true, nil
	}

	value, err := store.Resolve(cond.Argument)
	if err != nil {
		return false, err
	}

	truth, err := ParseBool(value)
	if err != nil {
		return false, NewPlanError(ErrCodeInvalidBooleanLiteral,
			fmt.Sprintf("condition %q expects a boolean", cond.String()), err).
			WithArgument(cond.Argument).
			WithDetail("value", value)
	}

	switch cond.Kind {
	case ConditionIf:
		return truth, nil
	case ConditionUnless:
		return !truth, nil
	default:
		return false, NewDeclarationError(ErrCodeInvalidAction,
			fmt.Sprintf("unknown condition kind %q", cond.Kind)).WithArgument(cond.Argument)
	}
}
