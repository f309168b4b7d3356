package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/simlaunch/pkg/config"
	"github.com/openfroyo/simlaunch/pkg/engine"
	"github.com/openfroyo/simlaunch/pkg/policy"
	"github.com/openfroyo/simlaunch/pkg/process"
	"github.com/openfroyo/simlaunch/pkg/telemetry"
)

const shutdownTimeout = 5 * time.Second

// session holds what a command needs after settings are loaded.
type session struct {
	opts     *globalOptions
	settings *config.Settings
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	out      io.Writer
}

// newSession loads settings and starts telemetry. The returned context
// carries the telemetry; close must be called when the command is done.
func newSession(cmd *cobra.Command, opts *globalOptions) (*session, context.Context, error) {
	settings, err := config.LoadSettings(opts.configPath, nil)
	if err != nil {
		return nil, nil, err
	}

	tcfg := telemetryConfig(settings, opts)
	logger := telemetry.NewLoggerWithWriter(tcfg.Logging, cmd.ErrOrStderr())
	tel, err := telemetry.NewTelemetryWithLogger(tcfg, logger)
	if err != nil {
		return nil, nil, engine.NewConfigError("failed to start telemetry", err)
	}

	s := &session{
		opts:     opts,
		settings: settings,
		tel:      tel,
		logger:   logger.Zerolog(),
		out:      cmd.OutOrStdout(),
	}
	return s, tel.WithContext(cmd.Context()), nil
}

// telemetryConfig derives the telemetry configuration from settings and the
// global flags.
func telemetryConfig(s *config.Settings, opts *globalOptions) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = opts.version

	cfg.Logging.Level = s.Logging.Level
	cfg.Logging.Format = s.Logging.Format
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}
	if opts.jsonOutput {
		cfg.Logging.Format = "json"
	}

	cfg.Metrics.Enabled = s.Metrics.Enabled
	cfg.Metrics.ListenAddress = s.Metrics.Address

	cfg.Tracing.Enabled = s.Tracing.Enabled
	cfg.Tracing.Exporter = s.Tracing.Exporter
	cfg.Tracing.Endpoint = s.Tracing.Endpoint
	return cfg
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.tel.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Telemetry shutdown incomplete")
	}
}

// component returns a logger tagged with the component name.
func (s *session) component(name string) zerolog.Logger {
	return s.logger.With().Str("component", name).Logger()
}

// loadLaunchFile reads path and its includes.
func (s *session) loadLaunchFile(ctx context.Context, path string) (*config.Result, error) {
	loader, err := config.NewLoader(s.component("loader"))
	if err != nil {
		return nil, engine.NewConfigError("failed to initialise launch file loader", err)
	}
	return loader.WithMaxDepth(s.settings.MaxIncludeDepth).Load(ctx, path)
}

// launcherConfig returns the process launcher settings.
func (s *session) launcherConfig() process.Config {
	return process.Config{
		LoaderTemplate: s.settings.LoaderTemplate,
		RunCommand:     s.settings.RunCommand,
		ContainerArgs:  s.settings.ContainerArgs,
	}
}

// buildPlan resolves a loaded description into a plan.
func (s *session) buildPlan(ctx context.Context, res *config.Result, overrides map[string]string) (*engine.Plan, error) {
	runner := process.NewCapture(s.component("substitution"))
	runner.Timeout = s.settings.CommandTimeout

	builder := engine.NewPlanBuilder(runner).WithMaxIncludeDepth(s.settings.MaxIncludeDepth)
	return telemetry.BuildPlan(ctx, res.Description.Source, func(ctx context.Context) (*engine.Plan, error) {
		return builder.Build(ctx, res.Description, overrides)
	})
}

// newPolicyEngine creates a policy engine configured from settings.
func (s *session) newPolicyEngine(ctx context.Context) (*policy.Engine, error) {
	pe, err := policy.NewEngine(s.logger)
	if err != nil {
		return nil, engine.NewConfigError("failed to initialise policy engine", err)
	}
	pe.WithMode(policy.Mode(s.settings.Policy.Mode))

	if dir := s.settings.Policy.Directory; dir != "" {
		if err := pe.LoadPolicies(ctx, []string{dir}); err != nil {
			return nil, engine.NewConfigError(fmt.Sprintf("failed to load policies from %s", dir), err)
		}
	}
	for _, name := range s.settings.Policy.Disabled {
		if err := pe.DisablePolicy(name); err != nil {
			return nil, engine.NewConfigError("invalid policy.disabled entry", err)
		}
	}
	return pe, nil
}

// checkPolicies evaluates plan and records every violation.
func (s *session) checkPolicies(ctx context.Context, pe *policy.Engine, plan *engine.Plan, operation string) error {
	result, err := pe.Check(ctx, plan, operation)
	if result != nil {
		for _, v := range result.Violations {
			telemetry.RecordPolicyViolation(ctx, plan.ID, v.Policy, v.Step, string(v.Severity), v.Message)
		}
	}
	return err
}

// parseOverrides splits name:=value and name=value arguments.
func parseOverrides(args []string) (map[string]string, error) {
	overrides := make(map[string]string, len(args))
	for _, arg := range args {
		// The first '=' ends the name, whether or not ':' precedes it.
		eq := strings.Index(arg, "=")
		ok := eq >= 0
		var name, value string
		if ok {
			name, value = strings.TrimSuffix(arg[:eq], ":"), arg[eq+1:]
		}
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, usageError(fmt.Errorf("invalid argument override %q, expected name:=value", arg))
		}
		overrides[name] = value
	}
	return overrides, nil
}

// launchFileArgs requires a launch file followed by any number of overrides.
func launchFileArgs(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return usageError(fmt.Errorf("%s requires a launch file", cmd.CommandPath()))
	}
	return nil
}

// singleFileArg requires exactly one launch file.
func singleFileArg(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return usageError(fmt.Errorf("%s requires exactly one launch file", cmd.CommandPath()))
	}
	return nil
}
