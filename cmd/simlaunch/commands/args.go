package commands

import (
	"github.com/spf13/cobra"
)

func newArgsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "args FILE",
		Short:   "List the launch arguments a launch file declares",
		Example: `  simlaunch args examples/sam_bot/display.launch.yaml`,
		Args:    singleFileArg,
		RunE:    func(cmd *cobra.Command, args []string) error {
			s, ctx, err := newSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.close()

			res, err := s.loadLaunchFile(ctx, args[0])
			if err != nil {
				return err
			}

			declared := res.Description.Arguments
			if opts.jsonOutput {
				return writeJSON(s.out, declared)
			}
			printArguments(s.out, declared)
			return nil
		},
	}
}
