package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	verbose    bool
	jsonOutput bool
	version    string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "simlaunch",
		Short: "simlaunch - launch plan compiler and supervisor",
		Long: `simlaunch compiles declarative robot launch descriptions into an ordered
launch plan and supervises the resulting processes.

Features:
  - Launch files in YAML, JSON, CUE or Starlark
  - Typed launch arguments with conditions and substitutions
  - Component containers with owner/attach ordering
  - Rego policy checks over the built plan
  - Graceful, ordered shutdown on SIGINT/SIGTERM`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "settings file path (default ./simlaunch.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	rootCmd.AddCommand(newLaunchCommand(opts))
	rootCmd.AddCommand(newPlanCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newArgsCommand(opts))
	rootCmd.AddCommand(newVersionCommand(opts, version, commit, buildDate))

	return rootCmd
}
