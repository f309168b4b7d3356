package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/simlaunch/pkg/engine"
)

// validateReport is the --json output of validate.
type validateReport struct {
	Source    string   `json:"source"`
	Files     []string `json:"files"`
	Arguments int      `json:"arguments"`
	Actions   int      `json:"actions"`
}

func newValidateCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a launch file and its includes",
		Long: `Parse a launch file and every file it includes and check them against
the launch file schema. Arguments are not resolved and no commands run.`,
		Example: `  simlaunch validate examples/sam_bot/display.launch.yaml`,
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

			report := validateReport{
				Source:    args[0],
				Files:     res.Files,
				Arguments: len(res.Description.Arguments),
				Actions:   countActions(res.Description),
			}
			if opts.jsonOutput {
				return writeJSON(s.out, report)
			}

			fmt.Fprintln(s.out, okStyle.Render(fmt.Sprintf("%s is valid", report.Source)))
			fmt.Fprintf(s.out, "  files:     %d\n", len(report.Files))
			for _, f := range report.Files {
				fmt.Fprintln(s.out, dimStyle.Render("    "+f))
			}
			fmt.Fprintf(s.out, "  arguments: %d\n", report.Arguments)
			fmt.Fprintf(s.out, "  actions:   %d\n", report.Actions)
			return nil
		},
	}
	return cmd
}

// countActions counts declared actions, including those of included
// descriptions.
func countActions(desc *engine.LaunchDescription) int {
	if desc == nil {
		return 0
	}
	n := 0
	for _, a := range desc.Actions {
		if a.Include != nil {
			n += countActions(a.Include.Description)
			continue
		}
		n++
	}
	return n
}
