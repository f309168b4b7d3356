package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/simlaunch/pkg/engine"
	"github.com/openfroyo/simlaunch/pkg/process"
	"github.com/openfroyo/simlaunch/pkg/telemetry"
)

func newLaunchCommand(opts *globalOptions) *cobra.Command {
	var (
		gracePeriod   time.Duration
		attachTimeout time.Duration
		dryRun        bool
	)

	cmd := &cobra.Command{
		Use:   "launch FILE [name:=value ...]",
		Short: "Build a plan and supervise it",
		Long: `Build a launch plan and run it until every action has exited.

This command:
  - Loads the launch file and its includes
  - Resolves arguments, conditions and substitutions into a plan
  - Checks the plan against the configured policies
  - Starts processes, containers and components in plan order
  - Stops everything in reverse order on SIGINT/SIGTERM

The exit code is the worst outcome of any action.`,
		Example: `  # Launch with defaults
  simlaunch launch examples/sam_bot/display.launch.yaml

  # Override arguments
  simlaunch launch display.launch.yaml use_sim_time:=true rviz:=false

  # Show the plan without starting anything
  simlaunch launch display.launch.yaml --dry-run`,
		Args: launchFileArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, ctx, err := newSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.close()

			if cmd.Flags().Changed("grace-period") {
				s.settings.GracePeriod = gracePeriod
			}
			if cmd.Flags().Changed("attach-timeout") {
				s.settings.AttachTimeout = attachTimeout
			}
			if s.settings.GracePeriod <= 0 || s.settings.AttachTimeout <= 0 {
				return usageError(errNonPositiveTimeout)
			}

			return s.launch(ctx, args[0], args[1:], dryRun)
		},
	}

	cmd.Flags().DurationVar(&gracePeriod, "grace-period", engine.DefaultGracePeriod, "time actions get to exit before they are killed")
	cmd.Flags().DurationVar(&attachTimeout, "attach-timeout", engine.DefaultAttachTimeout, "time a component waits for its container")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan and exit without starting anything")

	return cmd
}

func (s *session) launch(ctx context.Context, file string, overrideArgs []string, dryRun bool) error {
	overrides, err := parseOverrides(overrideArgs)
	if err != nil {
		return err
	}

	if err := s.tel.StartMetricsServer(); err != nil {
		return engine.NewConfigError("failed to start metrics server", err)
	}

	res, err := s.loadLaunchFile(ctx, file)
	if err != nil {
		return err
	}
	plan, err := s.buildPlan(ctx, res, overrides)
	if err != nil {
		return err
	}

	pe, err := s.newPolicyEngine(ctx)
	if err != nil {
		return err
	}
	if err := s.checkPolicies(ctx, pe, plan, "launch"); err != nil {
		return err
	}

	launcher := process.NewLocalLauncher(s.launcherConfig(), s.component("launcher"))

	if dryRun {
		if s.opts.jsonOutput {
			return writeJSON(s.out, plan)
		}
		printPlan(s.out, plan, launcher.CommandLine)
		return nil
	}

	s.tel.Events.Subscribe(logEvent(s.component("supervisor")), telemetry.FilterByType(
		telemetry.EventTypeRunStarted,
		telemetry.EventTypeRunCancelled,
		telemetry.EventTypeActionStarted,
		telemetry.EventTypeActionReady,
		telemetry.EventTypeActionExited,
		telemetry.EventTypeActionFailed,
		telemetry.EventTypeActionStopping,
		telemetry.EventTypeActionKilled,
	))

	bridge := telemetry.NewEngineBridge(s.tel.Events, plan).WithTracer(s.tel.Tracer)
	supervisor := engine.NewSupervisor(launcher, engine.SupervisorConfig{
		GracePeriod:   s.settings.GracePeriod,
		AttachTimeout: s.settings.AttachTimeout,
	}).WithEventPublisher(bridge).WithMetrics(s.tel.Metrics)

	s.logger.Info().
		Str("plan_id", plan.ID).
		Int("steps", len(plan.Steps)).
		Dur("grace_period", s.settings.GracePeriod).
		Msg("Launching plan")

	runCtx := telemetry.WithRunContext(ctx, plan)
	status, err := supervisor.Run(runCtx, plan)
	telemetry.EndRunContext(runCtx, status, err)
	if err != nil {
		return err
	}

	// Deliver pending action events before the summary is printed.
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.tel.Events.Shutdown(drainCtx); err != nil {
		s.logger.Debug().Err(err).Msg("Event delivery incomplete")
	}

	if s.opts.jsonOutput {
		if err := writeJSON(s.out, status); err != nil {
			return err
		}
	} else {
		printStatus(s.out, status)
	}

	if status.Code != engine.ExitCodeOK {
		return statusError(status.Code)
	}
	return nil
}

// logEvent logs supervisor events at their own level.
func logEvent(logger zerolog.Logger) telemetry.EventSubscriber {
	return func(e telemetry.Event) {
		var ev *zerolog.Event
		switch e.Level {
		case telemetry.EventLevelError:
			ev = logger.Error()
		case telemetry.EventLevelWarning:
			ev = logger.Warn()
		default:
			ev = logger.Info()
		}
		if e.StepID != "" {
			ev = ev.Str("step", e.StepID)
		}
		if state, ok := e.Data["state"].(string); ok {
			ev = ev.Str("state", state)
		}
		ev.Str("event", e.Type).Str("run_id", e.RunID).Msg(e.Message)
	}
}
