package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxIncludeDepth bounds nested inclusions.
const DefaultMaxIncludeDepth = 16

// PlanBuilder turns a launch description and a set of overrides into a Plan.
// Building has no side effects other than running command substitutions.
type PlanBuilder struct {
	// runner executes command substitutions
	runner CommandRunner

	// lookupEnv resolves environment substitutions
	lookupEnv func(string) (string, bool)

	// maxIncludeDepth bounds sub-plan recursion
	maxIncludeDepth int
}

// NewPlanBuilder creates a plan builder. The runner may be nil when the
// description contains no command substitutions.
func NewPlanBuilder(runner CommandRunner) *PlanBuilder {
	return &PlanBuilder{
		runner:          runner,
		lookupEnv:       os.LookupEnv,
		maxIncludeDepth: DefaultMaxIncludeDepth,
	}
}

// WithLookupEnv replaces the environment lookup used for environment substitutions.
func (b *PlanBuilder) WithLookupEnv(fn func(string) (string, bool)) *PlanBuilder {
	b.lookupEnv = fn
	return b
}

// WithMaxIncludeDepth sets the maximum include nesting.
func (b *PlanBuilder) WithMaxIncludeDepth(depth int) *PlanBuilder {
	if depth > 0 {
		b.maxIncludeDepth = depth
	}
	return b
}

// buildState accumulates the output of every scope of one build.
type buildState struct {
	steps      []PlanStep
	containers []ContainerGroup
	skipped    []SkippedAction
	ids        map[string]int
}

// Build evaluates conditions, resolves substitutions, composes containers and
// flattens inclusions into one ordered plan.
func (b *PlanBuilder) Build(ctx context.Context, desc *LaunchDescription, overrides map[string]string) (*Plan, error) {
	if desc == nil {
		return nil, NewDeclarationError(ErrCodeInvalidAction, "launch description is nil")
	}

	store, err := NewScopedStore(desc.Arguments, overrides)
	if err != nil {
		return nil, err
	}
	store.Seal()

	resolver := NewSubstitutionResolver(store, b.runner).WithLookupEnv(b.lookupEnv)
	state := &buildState{ids: make(map[string]int)}

	if err := b.buildScope(ctx, desc, store, resolver, "", 0, state); err != nil {
		return nil, err
	}

	graph, err := NewGraphBuilder().Build(state.steps)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		ID:         uuid.New().String(),
		CreatedAt:  time.Now(),
		Source:     desc.Source,
		Arguments:  store.Snapshot(),
		Steps:      state.steps,
		Containers: state.containers,
		Skipped:    state.skipped,
		Graph:      graph,
	}
	if plan.Steps == nil {
		plan.Steps = []PlanStep{}
	}
	return plan, nil
}

// buildScope runs condition evaluation, resolution and composition for one
// description and appends the result to state.
func (b *PlanBuilder) buildScope(
	ctx context.Context,
	desc *LaunchDescription,
	store *ArgumentStore,
	resolver *SubstitutionResolver,
	scope string,
	depth int,
	state *buildState,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	actions := make([]Action, len(desc.Actions))
	copy(actions, desc.Actions)
	for i := range actions {
		if actions[i].Name == "" {
			actions[i].Name = defaultActionName(actions[i], i)
		}
	}

	// Conditions first: excluded actions are never resolved.
	survivors := make([]Action, 0, len(actions))
	for _, a := range actions {
		include, err := EvaluateCondition(a.Condition, store)
		if err != nil {
			return withAction(err, qualify(scope, a.Name))
		}
		if !include {
			value, _ := store.Resolve(a.Condition.Argument)
			state.skipped = append(state.skipped, SkippedAction{
				Action:    a.Name,
				Scope:     scope,
				Condition: a.Condition.String(),
				Value:     value,
			})
			continue
		}
		survivors = append(survivors, a)
	}

	resolved := make([]PlanStep, len(survivors))
	includeValues := make(map[int]map[string]string)
	for i, a := range survivors {
		if a.Kind == ActionInclude {
			values, err := b.resolveOverrides(ctx, resolver, a)
			if err != nil {
				return withAction(err, qualify(scope, a.Name))
			}
			includeValues[i] = values
			continue
		}
		step, err := b.resolveAction(ctx, resolver, a, scope)
		if err != nil {
			return withAction(err, qualify(scope, a.Name))
		}
		resolved[i] = step
	}

	units, groups, err := NewContainerComposer(scope).Compose(survivors)
	if err != nil {
		return err
	}
	state.containers = append(state.containers, groups...)

	byAnchor := make(map[int][]ComposedUnit)
	for _, u := range units {
		byAnchor[u.Anchor] = append(byAnchor[u.Anchor], u)
	}

	for i, a := range survivors {
		if a.Kind == ActionInclude {
			if err := b.buildInclude(ctx, a, includeValues[i], resolver, scope, depth, state); err != nil {
				return err
			}
			continue
		}
		for _, u := range byAnchor[i] {
			step := resolved[u.Action]
			step.Kind = u.Kind
			step.Container = u.Container
			step.ID = state.uniqueID(step.QualifiedName())
			state.steps = append(state.steps, step)
		}
	}

	return nil
}

// buildInclude flattens a sub-plan into state using a store scoped to it.
func (b *PlanBuilder) buildInclude(
	ctx context.Context,
	a Action,
	values map[string]string,
	parent *SubstitutionResolver,
	scope string,
	depth int,
	state *buildState,
) error {
	childScope := qualify(scope, a.Name)

	if a.Include == nil || a.Include.Description == nil {
		return NewDeclarationError(ErrCodeInvalidAction, "include has no launch description").
			WithAction(childScope)
	}
	if depth+1 > b.maxIncludeDepth {
		return NewPlanError(ErrCodeIncludeCycle,
			fmt.Sprintf("include depth exceeds %d", b.maxIncludeDepth), nil).
			WithAction(childScope).
			WithDetail("source", a.Include.Source)
	}

	child, err := NewScopedStore(a.Include.Description.Arguments, values)
	if err != nil {
		return withAction(err, childScope)
	}
	child.Seal()

	return b.buildScope(ctx, a.Include.Description, child, parent.ForStore(child), childScope, depth+1, state)
}

// resolveOverrides resolves include overrides in the including scope.
func (b *PlanBuilder) resolveOverrides(ctx context.Context, resolver *SubstitutionResolver, a Action) (map[string]string, error) {
	values := make(map[string]string)
	if a.Include == nil {
		return values, nil
	}
	for _, o := range a.Include.Overrides {
		v, err := resolver.Evaluate(ctx, o.Value)
		if err != nil {
			return nil, err
		}
		values[o.Name] = v
	}
	return values, nil
}

// resolveAction resolves every substitution of a and validates the result.
func (b *PlanBuilder) resolveAction(ctx context.Context, resolver *SubstitutionResolver, a Action, scope string) (PlanStep, error) {
	step := PlanStep{
		Action:       a.Name,
		Scope:        scope,
		Package:      a.Package,
		Plugin:       a.Plugin,
		ReadyPattern: a.ReadyPattern,
		Output:       a.Output,
	}
	if step.Output == "" {
		step.Output = OutputScreen
	}

	exe, err := resolver.Evaluate(ctx, a.Executable)
	if err != nil {
		return step, err
	}
	step.Executable = exe

	if step.Arguments, err = resolver.EvaluateAll(ctx, a.Arguments); err != nil {
		return step, err
	}
	if step.ParameterFiles, err = resolver.EvaluateAll(ctx, a.ParameterFiles); err != nil {
		return step, err
	}

	for _, p := range a.Parameters {
		v, err := resolver.Evaluate(ctx, p.Value)
		if err != nil {
			return step, err
		}
		step.Parameters = append(step.Parameters, ParameterValue{Name: p.Name, Value: v})
	}

	if len(a.Environment) > 0 {
		keys := make([]string, 0, len(a.Environment))
		for k := range a.Environment {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		step.Environment = make(map[string]string, len(keys))
		for _, k := range keys {
			v, err := resolver.Evaluate(ctx, a.Environment[k])
			if err != nil {
				return step, err
			}
			step.Environment[k] = v
		}
	}

	if err := validateResolved(a, step); err != nil {
		return step, err
	}
	return step, nil
}

func validateResolved(a Action, step PlanStep) error {
	attached := a.Kind == ActionComposableNode && a.Container != "" && !a.OwnsContainer
	switch {
	case a.Kind != ActionProcess && a.Kind != ActionComposableNode:
		return NewDeclarationError(ErrCodeInvalidAction, fmt.Sprintf("unknown action kind %q", a.Kind))
	case attached && step.Plugin == "":
		return NewDeclarationError(ErrCodeInvalidAction, "attached component has no plugin")
	case !attached && strings.TrimSpace(step.Executable) == "":
		return NewDeclarationError(ErrCodeInvalidAction, "action has no executable")
	}
	if step.ReadyPattern != "" {
		if _, err := regexp.Compile(step.ReadyPattern); err != nil {
			return NewPlanError(ErrCodeInvalidAction, "invalid ready pattern", err)
		}
	}
	return nil
}

// uniqueID returns id, suffixed when it was already used in this plan.
func (s *buildState) uniqueID(id string) string {
	n := s.ids[id]
	s.ids[id] = n + 1
	if n == 0 {
		return id
	}
	return fmt.Sprintf("%s#%d", id, n+1)
}

// defaultActionName names an unnamed action after what it runs.
func defaultActionName(a Action, index int) string {
	var base string
	switch {
	case a.Kind == ActionInclude && a.Include != nil && a.Include.Source != "":
		base = strings.TrimSuffix(filepath.Base(a.Include.Source), filepath.Ext(a.Include.Source))
		base = strings.TrimSuffix(base, ".launch")
	case a.Plugin != "":
		base = a.Plugin[strings.LastIndex(a.Plugin, ":")+1:]
	case a.Executable.Kind == SubstitutionLiteral || a.Executable.Kind == "":
		if fields := strings.Fields(a.Executable.Text); len(fields) > 0 {
			base = filepath.Base(fields[0])
		}
	}
	if base == "" {
		base = fmt.Sprintf("action_%d", index)
	}
	return base
}

// withAction attaches the action name to a launch error that lacks one.
func withAction(err error, action string) error {
	var e *LaunchError
	if errors.As(err, &e) && e.Action == "" {
		e.Action = action
	}
	return err
}
