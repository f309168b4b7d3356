package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// SubstitutionResolver expands deferred values against one argument scope.
type SubstitutionResolver struct {
	store     ArgumentResolver
	runner    CommandRunner
	lookupEnv func(string) (string, bool)
	cache     *commandCache
}

type commandCache struct {
	mu      sync.Mutex
	results map[string]string
}

// NewSubstitutionResolver creates a resolver over store. The runner may be nil
// if no command substitutions are expected.
func NewSubstitutionResolver(store ArgumentResolver, runner CommandRunner) *SubstitutionResolver {
	return &SubstitutionResolver{
		store:     store,
		runner:    runner,
		lookupEnv: os.LookupEnv,
		cache:     &commandCache{results: make(map[string]string)},
	}
}

// WithLookupEnv replaces the environment lookup used for environment substitutions.
func (r *SubstitutionResolver) WithLookupEnv(fn func(string) (string, bool)) *SubstitutionResolver {
	r.lookupEnv = fn
	return r
}

// ForStore returns a resolver over another scope sharing the runner,
// environment lookup and command cache.
func (r *SubstitutionResolver) ForStore(store ArgumentResolver) *SubstitutionResolver {
	return &SubstitutionResolver{
		store:     store,
		runner:    r.runner,
		lookupEnv: r.lookupEnv,
		cache:     r.cache,
	}
}

// Evaluate resolves sub to a concrete string.
func (r *SubstitutionResolver) Evaluate(ctx context.Context, sub Substitution) (string, error) {
	switch sub.Kind {
	case SubstitutionLiteral, "":
		return sub.Text, nil

	case SubstitutionArgument:
		return r.store.Resolve(sub.Name)

	case SubstitutionEnvironment:
		if v, ok := r.lookupEnv(sub.Name); ok {
			return v, nil
		}
		if sub.Default != nil {
			return *sub.Default, nil
		}
		return "", NewPlanError(ErrCodeUnresolvedEnvironment,
			fmt.Sprintf("environment variable %s is not set", sub.Name), nil)

	case SubstitutionJoin:
		var b strings.Builder
		for _, part := range sub.Parts {
			v, err := r.Evaluate(ctx, part)
			if err != nil {
				return "", err
			}
			b.WriteString(v)
		}
		return b.String(), nil

	case SubstitutionCommand:
		return r.evaluateCommand(ctx, sub)

	default:
		return "", NewDeclarationError(ErrCodeInvalidAction,
			fmt.Sprintf("unknown substitution kind %q", sub.Kind))
	}
}

// EvaluateAll resolves subs in order.
func (r *SubstitutionResolver) EvaluateAll(ctx context.Context, subs []Substitution) ([]string, error) {
	if len(subs) == 0 {
		return nil, nil
	}
	values := make([]string, 0, len(subs))
	for _, s := range subs {
		v, err := r.Evaluate(ctx, s)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func (r *SubstitutionResolver) evaluateCommand(ctx context.Context, sub Substitution) (string, error) {
	if sub.Tool == nil {
		return "", NewDeclarationError(ErrCodeInvalidAction, "command substitution has no tool")
	}

	tool, err := r.Evaluate(ctx, *sub.Tool)
	if err != nil {
		return "", err
	}
	tool = strings.TrimSpace(tool)

	args, err := r.EvaluateAll(ctx, sub.Args)
	if err != nil {
		return "", err
	}

	// A tool given as "xacro " with its arguments joined into one string
	// is split the way a shell would split on whitespace.
	if fields := strings.Fields(tool); len(fields) > 1 {
		tool = fields[0]
		args = append(fields[1:], args...)
	}

	key := tool + "\x00" + strings.Join(args, "\x00")
	r.cache.mu.Lock()
	cached, ok := r.cache.results[key]
	r.cache.mu.Unlock()
	if ok {
		return cached, nil
	}

	if r.runner == nil {
		return "", NewPlanError(ErrCodeSubstitutionExecFailed,
			fmt.Sprintf("cannot run %s: no command runner configured", tool), nil)
	}

	result, err := r.runner.Run(ctx, tool, args)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", NewPlanError(ErrCodeSubstitutionExecFailed,
			fmt.Sprintf("failed to run %s", tool), err).
			WithDetail("args", args)
	}
	if result.ExitCode != 0 {
		return "", NewPlanError(ErrCodeSubstitutionExecFailed,
			fmt.Sprintf("%s exited with code %d", tool, result.ExitCode), nil).
			WithDetail("args", args).
			WithDetail("stderr", strings.TrimSpace(result.Stderr))
	}

	value := strings.TrimRight(result.Stdout, " \t\r\n")

	r.cache.mu.Lock()
	r.cache.results[key] = value
	r.cache.mu.Unlock()

	return value, nil
}
