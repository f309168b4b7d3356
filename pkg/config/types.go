package config

import (
	"time"
)

// LaunchFile is the decoded form shared by every launch file front end.
// String fields accept the expression syntax parsed by ParseExpression.
type LaunchFile struct {
	// Arguments are the declared launch arguments.
	Arguments []ArgumentConfig `json:"arguments,omitempty" yaml:"arguments" mapstructure:"arguments" validate:"dive"`

	// Actions are evaluated in declaration order.
	Actions []ActionConfig `json:"actions" yaml:"actions" mapstructure:"actions" validate:"required,dive"`
}

// ArgumentConfig declares a launch argument.
type ArgumentConfig struct {
	// Name is the argument name.
	Name string `json:"name" yaml:"name" mapstructure:"name" validate:"required,argname"`

	// Default is the value used when no override is given. Nil means required.
	Default *string `json:"default,omitempty" yaml:"default" mapstructure:"default"`

	// Description is shown by `simlaunch args`.
	Description string `json:"description,omitempty" yaml:"description" mapstructure:"description"`

	// Choices restricts the accepted values.
	Choices []string `json:"choices,omitempty" yaml:"choices" mapstructure:"choices"`
}

// ActionConfig declares one action.
type ActionConfig struct {
	// Type is process, component or include.
	Type string `json:"type" yaml:"type" mapstructure:"type" validate:"required,oneof=process component include"`

	// Name identifies the action. Derived from the executable, plugin or
	// include source when empty.
	Name string `json:"name,omitempty" yaml:"name" mapstructure:"name"`

	// Package is the providing package.
	Package string `json:"package,omitempty" yaml:"package" mapstructure:"package"`

	// Executable is the program to run. Required for processes and container owners.
	Executable string `json:"executable,omitempty" yaml:"executable" mapstructure:"executable" validate:"required_if=Type process"`

	// Plugin is the component class. Required for components.
	Plugin string `json:"plugin,omitempty" yaml:"plugin" mapstructure:"plugin" validate:"required_if=Type component"`

	// Args are passed on the command line.
	Args []string `json:"args,omitempty" yaml:"args" mapstructure:"args"`

	// Parameters are node parameters or parameter files.
	Parameters []ParameterConfig `json:"parameters,omitempty" yaml:"parameters" mapstructure:"parameters" validate:"dive"`

	// Environment holds additional environment variables.
	Environment map[string]string `json:"environment,omitempty" yaml:"environment" mapstructure:"environment"`

	// When includes the action only if the named argument is true.
	When string `json:"when,omitempty" yaml:"when" mapstructure:"when" validate:"omitempty,argname,excluded_with=Unless"`

	// Unless includes the action only if the named argument is false.
	Unless string `json:"unless,omitempty" yaml:"unless" mapstructure:"unless" validate:"omitempty,argname"`

	// Container is the container-affinity tag.
	Container string `json:"container,omitempty" yaml:"container" mapstructure:"container" validate:"required_with=OwnsContainer"`

	// OwnsContainer marks the component that creates the container.
	OwnsContainer bool `json:"owns_container,omitempty" yaml:"owns_container" mapstructure:"owns_container"`

	// ReadyPattern is matched against output to signal readiness.
	ReadyPattern string `json:"ready_pattern,omitempty" yaml:"ready_pattern" mapstructure:"ready_pattern"`

	// Output is screen or log.
	Output string `json:"output,omitempty" yaml:"output" mapstructure:"output" validate:"omitempty,oneof=screen log"`

	// Include is required for include actions.
	Include *IncludeConfig `json:"include,omitempty" yaml:"include" mapstructure:"include" validate:"required_if=Type include"`
}

// ParameterConfig is either a named parameter or a parameter file.
type ParameterConfig struct {
	// Name is the parameter name.
	Name string `json:"name,omitempty" yaml:"name" mapstructure:"name" validate:"required_without=File,excluded_with=File"`

	// Value is the parameter value.
	Value string `json:"value,omitempty" yaml:"value" mapstructure:"value"`

	// File is a parameters file path.
	File string `json:"file,omitempty" yaml:"file" mapstructure:"file"`
}

// IncludeConfig references another launch file.
type IncludeConfig struct {
	// Source is the included file, relative to the including file.
	Source string `json:"source" yaml:"source" mapstructure:"source" validate:"required"`

	// Arguments are overrides applied to the included file's arguments.
	// Values are expressions resolved in the including file.
	Arguments map[string]string `json:"arguments,omitempty" yaml:"arguments" mapstructure:"arguments" validate:"omitempty,dive,keys,argname,endkeys"`
}

// Settings are the runtime settings read from simlaunch.yaml.
type Settings struct {
	// GracePeriod is how long terminated actions may take to exit before
	// they are killed.
	GracePeriod time.Duration `yaml:"grace_period" validate:"gt=0"`

	// AttachTimeout bounds how long a component waits for its container.
	AttachTimeout time.Duration `yaml:"attach_timeout" validate:"gt=0"`

	// MaxIncludeDepth bounds include nesting.
	MaxIncludeDepth int `yaml:"max_include_depth" validate:"gte=1,lte=64"`

	// CommandTimeout bounds a single command substitution. Zero means no limit.
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"gte=0"`

	// LoaderTemplate is the component-loader command.
	LoaderTemplate []string `yaml:"loader_template" validate:"omitempty,min=1,dive,required"`

	// RunCommand prefixes package executables.
	RunCommand []string `yaml:"run_command"`

	// ContainerArgs name the container started by a create_container step.
	ContainerArgs []string `yaml:"container_args" validate:"omitempty,dive,required"`

	// Logging configures log output.
	Logging LoggingSettings `yaml:"logging"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsSettings `yaml:"metrics"`

	// Tracing configures OpenTelemetry export.
	Tracing TracingSettings `yaml:"tracing"`

	// Policy configures plan policy checks.
	Policy PolicySettings `yaml:"policy"`
}

// LoggingSettings configures log output.
type LoggingSettings struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// MetricsSettings configures the metrics endpoint.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address" validate:"required_if=Enabled true"`
}

// TracingSettings configures trace export.
type TracingSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter" validate:"oneof=stdout otlp none"`
	Endpoint string `yaml:"endpoint"`
}

// PolicySettings configures plan policy checks.
type PolicySettings struct {
	// Directory holds additional .rego files.
	Directory string `yaml:"directory"`

	// Mode is advisory or enforcing.
	Mode string `yaml:"mode" validate:"oneof=advisory enforcing"`

	// Disabled lists built-in policies to skip.
	Disabled []string `yaml:"disabled"`
}
