package commands

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/openfroyo/simlaunch/pkg/config"
	"github.com/openfroyo/simlaunch/pkg/engine"
	"github.com/openfroyo/simlaunch/pkg/policy"
	"github.com/openfroyo/simlaunch/pkg/process"
)

func newPlanCommand(opts *globalOptions) *cobra.Command {
	var (
		dot   bool
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "plan FILE [name:=value ...]",
		Short: "Build and print a launch plan",
		Long: `Build the launch plan for a launch file without starting anything.

The plan lists every step in start order with its resolved command line,
the container groups and the actions skipped by their conditions. Policy
violations are reported but never block the output.`,
		Example: `  # Print the plan
  simlaunch plan display.launch.yaml gui:=false

  # Render the start-dependency graph
  simlaunch plan display.launch.yaml --dot | dot -Tsvg > plan.svg

  # Rebuild whenever a launch file or policy changes
  simlaunch plan display.launch.yaml --watch`,
		Args: launchFileArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, ctx, err := newSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.close()

			overrides, err := parseOverrides(args[1:])
			if err != nil {
				return err
			}

			pe, err := s.newPolicyEngine(ctx)
			if err != nil {
				return err
			}
			// Violations are shown, not enforced.
			pe.WithMode(policy.ModeAdvisory)

			p := &planPrinter{session: s, policy: pe, file: args[0], overrides: overrides, dot: dot}
			files, err := p.print(ctx)
			if !watch {
				return err
			}
			if err != nil {
				s.logger.Error().Err(err).Msg("Plan build failed")
			}
			return p.watch(ctx, files)
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the start-dependency graph in Graphviz DOT format")
	cmd.Flags().BoolVar(&watch, "watch", false, "rebuild the plan when launch files or policies change")

	return cmd
}

// planPrinter builds and prints one launch file's plan.
type planPrinter struct {
	*session
	policy    *policy.Engine
	file      string
	overrides map[string]string
	dot       bool

	// mu serialises rebuilds triggered by the launch and policy watchers.
	mu sync.Mutex
}

// print builds and prints the plan. It returns every file the launch file
// read, even when the build fails after loading.
func (p *planPrinter) print(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, err := p.loadLaunchFile(ctx, p.file)
	if err != nil {
		return []string{p.file}, err
	}

	plan, err := p.buildPlan(ctx, res, p.overrides)
	if err != nil {
		return res.Files, err
	}

	result, err := p.policy.Check(ctx, plan, "plan")
	if err != nil {
		return res.Files, err
	}

	switch {
	case p.dot:
		_, err = fmt.Fprint(p.out, engine.ToDOT(plan))
	case p.opts.jsonOutput:
		err = writeJSON(p.out, plan)
	default:
		launcher := process.NewLocalLauncher(p.launcherConfig(), p.component("launcher"))
		printPlan(p.out, plan, launcher.CommandLine)
		printViolations(p.out, result)
	}
	return res.Files, err
}

// watch reprints the plan on every change until ctx is done.
func (p *planPrinter) watch(ctx context.Context, files []string) error {
	if dir := p.settings.Policy.Directory; dir != "" {
		loader := policy.NewLoader(p.component("policy"))
		err := loader.Watch(ctx, []string{dir}, func(policies []policy.Policy) error {
			if err := p.policy.ReplacePolicies(ctx, policies); err != nil {
				return err
			}
			if _, err := p.print(ctx); err != nil {
				p.logger.Error().Err(err).Msg("Plan build failed")
			}
			return nil
		})
		if err != nil {
			return engine.NewConfigError("failed to watch policies", err)
		}
	}

	err := config.Watch(ctx, files, p.component("watch"), func() []string {
		next, err := p.print(ctx)
		if err != nil {
			p.logger.Error().Err(err).Msg("Plan build failed")
		}
		return next
	})
	if err != nil {
		return engine.NewConfigError("failed to watch launch files", err)
	}
	return nil
}
