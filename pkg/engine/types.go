package engine

import (
	"strings"
	"time"
)

// LaunchArgument is a named launch-time input declared by a launch description.
type LaunchArgument struct {
	// Name is the unique argument name.
	Name string `json:"name"`

	// Default is the value used when no override is supplied.
	// A nil default makes the argument required.
	Default *string `json:"default,omitempty"`

	// Description documents the argument for `simlaunch args`.
	Description string `json:"description,omitempty"`

	// Choices restricts the resolved value when non-empty.
	Choices []string `json:"choices,omitempty"`
}

// StringPtr returns a pointer to s. Convenient for LaunchArgument defaults.
func StringPtr(s string) *string {
	return &s
}

// SubstitutionKind identifies the variant held by a Substitution.
type SubstitutionKind string

const (
	// SubstitutionLiteral is a fixed string.
	SubstitutionLiteral SubstitutionKind = "literal"

	// SubstitutionArgument is the resolved value of a launch argument.
	SubstitutionArgument SubstitutionKind = "argument"

	// SubstitutionCommand is the trimmed standard output of an external tool.
	SubstitutionCommand SubstitutionKind = "command"

	// SubstitutionEnvironment is the value of a process environment variable.
	SubstitutionEnvironment SubstitutionKind = "environment"

	// SubstitutionJoin is the concatenation of its parts.
	SubstitutionJoin SubstitutionKind = "join"
)

// Substitution is a value deferred until plan build time.
type Substitution struct {
	// Kind selects which of the remaining fields are meaningful.
	Kind SubstitutionKind `json:"kind"`

	// Text is the literal value.
	Text string `json:"text,omitempty"`

	// Name is the argument or environment variable name.
	Name string `json:"name,omitempty"`

	// Default is the fallback for an unset environment variable.
	Default *string `json:"default,omitempty"`

	// Tool is the external command to run.
	Tool *Substitution `json:"tool,omitempty"`

	// Args are the external command's arguments.
	Args []Substitution `json:"args,omitempty"`

	// Parts are concatenated for a join.
	Parts []Substitution `json:"parts,omitempty"`
}

// Literal returns a literal substitution.
func Literal(text string) Substitution {
	return Substitution{Kind: SubstitutionLiteral, Text: text}
}

// Arg returns a substitution referencing a launch argument.
func Arg(name string) Substitution {
	return Substitution{Kind: SubstitutionArgument, Name: name}
}

// Env returns a substitution reading an environment variable.
// A nil def makes the variable required.
func Env(name string, def *string) Substitution {
	return Substitution{Kind: SubstitutionEnvironment, Name: name, Default: def}
}

// Command returns a substitution capturing the output of tool run with args.
func Command(tool Substitution, args ...Substitution) Substitution {
	return Substitution{Kind: SubstitutionCommand, Tool: &tool, Args: args}
}

// Join returns a substitution concatenating parts.
func Join(parts ...Substitution) Substitution {
	return Substitution{Kind: SubstitutionJoin, Parts: parts}
}

// String renders the substitution in launch-file expression syntax.
func (s Substitution) String() string {
	switch s.Kind {
	case SubstitutionLiteral:
		return s.Text
	case SubstitutionArgument:
		return "$(var " + s.Name + ")"
	case SubstitutionEnvironment:
		if s.Default != nil {
			return "$(env " + s.Name + " " + *s.Default + ")"
		}
		return "$(env " + s.Name + ")"
	case SubstitutionCommand:
		parts := make([]string, 0, len(s.Args)+1)
		if s.Tool != nil {
			parts = append(parts, s.Tool.String())
		}
		for _, a := range s.Args {
			parts = append(parts, a.String())
		}
		return "$(command " + strings.Join(parts, " ") + ")"
	case SubstitutionJoin:
		var b strings.Builder
		for _, p := range s.Parts {
			b.WriteString(p.String())
		}
		return b.String()
	default:
		return ""
	}
}

// ConditionKind distinguishes direct from negated conditions.
type ConditionKind string

const (
	// ConditionIf includes the action when the argument is true.
	ConditionIf ConditionKind = "if"

	// ConditionUnless includes the action when the argument is false.
	ConditionUnless ConditionKind = "unless"
)

// Condition gates an action on the truthiness of one launch argument.
type Condition struct {
	Kind     ConditionKind `json:"kind"`
	Argument string        `json:"argument"`
}

// If returns a direct condition on the named argument.
func If(argument string) *Condition {
	return &Condition{Kind: ConditionIf, Argument: argument}
}

// Unless returns a negated condition on the named argument.
func Unless(argument string) *Condition {
	return &Condition{Kind: ConditionUnless, Argument: argument}
}

// String renders the condition as "if x" or "unless x".
func (c *Condition) String() string {
	if c == nil {
		return ""
	}
	return string(c.Kind) + " " + c.Argument
}

// ActionKind is the variant of an Action.
type ActionKind string

const (
	// ActionProcess is a standalone long-running process.
	ActionProcess ActionKind = "process"

	// ActionComposableNode is a component that either owns a container
	// or is loaded into one.
	ActionComposableNode ActionKind = "composable_node"

	// ActionInclude is a nested launch description.
	ActionInclude ActionKind = "include"
)

// OutputMode selects where an action's output goes.
type OutputMode string

const (
	// OutputScreen streams output to the console logger.
	OutputScreen OutputMode = "screen"

	// OutputLog records output at debug level only.
	OutputLog OutputMode = "log"
)

// Parameter is a named node parameter.
type Parameter struct {
	Name  string       `json:"name"`
	Value Substitution `json:"value"`
}

// ArgumentOverride passes a value to an included description's argument.
type ArgumentOverride struct {
	Name  string       `json:"name"`
	Value Substitution `json:"value"`
}

// Inclusion describes a nested launch description and the overrides scoped to it.
type Inclusion struct {
	// Source is the path the description was loaded from.
	Source string `json:"source"`

	// Description is the loaded nested description.
	Description *LaunchDescription `json:"description,omitempty"`

	// Overrides are resolved in the including scope and applied to the nested one.
	Overrides []ArgumentOverride `json:"overrides,omitempty"`
}

// Action is one declared unit of orchestration.
type Action struct {
	// Name identifies the action within its description.
	Name string `json:"name"`

	// Kind is the action variant.
	Kind ActionKind `json:"kind"`

	// Package is the package providing the executable or plugin.
	Package string `json:"package,omitempty"`

	// Executable is the program started for a process or container owner.
	Executable Substitution `json:"executable,omitempty"`

	// Plugin is the component class loaded into a container.
	Plugin string `json:"plugin,omitempty"`

	// Arguments are passed on the command line in order.
	Arguments []Substitution `json:"arguments,omitempty"`

	// Parameters are node parameters in declaration order.
	Parameters []Parameter `json:"parameters,omitempty"`

	// ParameterFiles are parameter files passed before inline parameters.
	ParameterFiles []Substitution `json:"parameter_files,omitempty"`

	// Environment holds additional environment variables.
	Environment map[string]Substitution `json:"environment,omitempty"`

	// Condition gates the action. Nil means always included.
	Condition *Condition `json:"condition,omitempty"`

	// Container is the container-affinity tag.
	Container string `json:"container,omitempty"`

	// OwnsContainer marks the action that creates the tagged container.
	OwnsContainer bool `json:"owns_container,omitempty"`

	// ReadyPattern is a regular expression matched against output to signal readiness.
	ReadyPattern string `json:"ready_pattern,omitempty"`

	// Output selects where process output goes.
	Output OutputMode `json:"output,omitempty"`

	// Include is set for ActionInclude.
	Include *Inclusion `json:"include,omitempty"`
}

// LaunchDescription is a complete declaration: arguments then actions.
type LaunchDescription struct {
	// Source is the file the description was loaded from, if any.
	Source string `json:"source,omitempty"`

	// Arguments are declared before any action is evaluated.
	Arguments []LaunchArgument `json:"arguments"`

	// Actions are evaluated in declaration order.
	Actions []Action `json:"actions"`
}

// StepKind identifies a plan directive.
type StepKind string

const (
	// StepStartProcess starts a standalone process.
	StepStartProcess StepKind = "start_process"

	// StepCreateContainer starts the process hosting a container.
	StepCreateContainer StepKind = "create_container"

	// StepLoadComponent loads a component into a running container.
	StepLoadComponent StepKind = "load_component"
)

// ParameterValue is a resolved node parameter.
type ParameterValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PlanStep is one fully resolved directive of a Plan.
type PlanStep struct {
	// ID is unique within the plan.
	ID string `json:"id"`

	// Kind is the directive kind.
	Kind StepKind `json:"kind"`

	// Action is the declared action name.
	Action string `json:"action"`

	// Scope is the include path, empty for the top-level description.
	Scope string `json:"scope,omitempty"`

	// Container is the container tag for create and load steps.
	Container string `json:"container,omitempty"`

	// Package is the providing package.
	Package string `json:"package,omitempty"`

	// Executable is the resolved program.
	Executable string `json:"executable,omitempty"`

	// Plugin is the component class for load steps.
	Plugin string `json:"plugin,omitempty"`

	// Arguments are the resolved command line arguments.
	Arguments []string `json:"arguments,omitempty"`

	// Parameters are the resolved node parameters.
	Parameters []ParameterValue `json:"parameters,omitempty"`

	// ParameterFiles are the resolved parameter file paths.
	ParameterFiles []string `json:"parameter_files,omitempty"`

	// Environment holds the resolved additional environment.
	Environment map[string]string `json:"environment,omitempty"`

	// ReadyPattern is copied from the action.
	ReadyPattern string `json:"ready_pattern,omitempty"`

	// Output is copied from the action.
	Output OutputMode `json:"output,omitempty"`
}

// Parameter returns the value of the named parameter.
func (s *PlanStep) Parameter(name string) (string, bool) {
	for _, p := range s.Parameters {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// QualifiedName returns the action name prefixed with its scope.
func (s *PlanStep) QualifiedName() string {
	return qualify(s.Scope, s.Action)
}

// ContainerGroup is a container tag together with its owner and attached members.
type ContainerGroup struct {
	// Tag is the container-affinity tag.
	Tag string `json:"tag"`

	// Scope is the include path the group was composed in.
	Scope string `json:"scope,omitempty"`

	// Owner is the action creating the container.
	Owner string `json:"owner"`

	// Members are the attached actions in declaration order.
	Members []string `json:"members,omitempty"`
}

// SkippedAction records an action excluded by its condition.
type SkippedAction struct {
	Action    string `json:"action"`
	Scope     string `json:"scope,omitempty"`
	Condition string `json:"condition"`
	Value     string `json:"value"`
}

// Plan is the resolved, ordered launch plan for one invocation.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// CreatedAt is when the plan was built.
	CreatedAt time.Time `json:"created_at"`

	// Source is the top-level launch file.
	Source string `json:"source,omitempty"`

	// Arguments are the resolved top-level argument values.
	Arguments map[string]string `json:"arguments"`

	// Steps are the directives in start order.
	Steps []PlanStep `json:"steps"`

	// Containers lists every composed container group.
	Containers []ContainerGroup `json:"containers,omitempty"`

	// Skipped lists actions excluded by their condition.
	Skipped []SkippedAction `json:"skipped,omitempty"`

	// Graph is the start-dependency graph over Steps.
	Graph *StartGraph `json:"graph,omitempty"`
}

// Step returns the step with the given ID.
func (p *Plan) Step(id string) (*PlanStep, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// FindAction returns the first step whose qualified action name matches.
func (p *Plan) FindAction(qualified string) (*PlanStep, bool) {
	for i := range p.Steps {
		if p.Steps[i].QualifiedName() == qualified {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// Event is a timeline event published during a run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the run this event belongs to.
	RunID string `json:"run_id"`

	// StepID is the step this event concerns, if any.
	StepID string `json:"step_id,omitempty"`

	// State is the step state after the event.
	State ActionState `json:"state,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event level (info, warning, error).
	Level string `json:"level"`
}

func qualify(scope, name string) string {
	if scope == "" {
		return name
	}
	return scope + "/" + name
}
