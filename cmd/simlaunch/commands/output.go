package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/openfroyo/simlaunch/pkg/engine"
	"github.com/openfroyo/simlaunch/pkg/policy"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB74D"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(headers...)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printPlan writes a human-readable plan. commandLine renders the argv of a
// step.
func printPlan(w io.Writer, plan *engine.Plan, commandLine func(engine.PlanStep) []string) {
	fmt.Fprintln(w, titleStyle.Render("Plan "+plan.ID))
	if plan.Source != "" {
		fmt.Fprintln(w, dimStyle.Render("source: "+plan.Source))
	}

	if len(plan.Arguments) > 0 {
		names := make([]string, 0, len(plan.Arguments))
		for name := range plan.Arguments {
			names = append(names, name)
		}
		sort.Strings(names)

		args := newTable("ARGUMENT", "VALUE")
		for _, name := range names {
			args.Row(name, plan.Arguments[name])
		}
		fmt.Fprintln(w, args.Render())
	}

	steps := newTable("ID", "KIND", "ACTION", "CONTAINER", "COMMAND")
	for _, step := range plan.Steps {
		steps.Row(step.ID, string(step.Kind), step.QualifiedName(), step.Container, strings.Join(commandLine(step), " "))
	}
	fmt.Fprintln(w, steps.Render())

	if len(plan.Containers) > 0 {
		containers := newTable("CONTAINER", "OWNER", "MEMBERS")
		for _, c := range plan.Containers {
			tag := c.Tag
			if c.Scope != "" {
				tag = c.Scope + "/" + c.Tag
			}
			containers.Row(tag, c.Owner, strings.Join(c.Members, ", "))
		}
		fmt.Fprintln(w, containers.Render())
	}

	for _, s := range plan.Skipped {
		name := s.Action
		if s.Scope != "" {
			name = s.Scope + "/" + s.Action
		}
		fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("skipped %s (%s = %s)", name, s.Condition, s.Value)))
	}
}

// printViolations writes policy violations, if any.
func printViolations(w io.Writer, result *policy.Result) {
	if result == nil || len(result.Violations) == 0 {
		return
	}
	violations := newTable("POLICY", "SEVERITY", "STEP", "MESSAGE")
	for _, v := range result.Violations {
		violations.Row(v.Policy, severityStyle(v.Severity).Render(string(v.Severity)), v.Step, v.Message)
	}
	fmt.Fprintln(w, violations.Render())
}

func severityStyle(s policy.Severity) lipgloss.Style {
	switch s {
	case policy.SeverityInfo:
		return dimStyle
	case policy.SeverityWarning:
		return warnStyle
	default:
		return errStyle
	}
}

// printStatus writes the run summary.
func printStatus(w io.Writer, status *engine.ExitStatus) {
	actions := newTable("STEP", "ACTION", "STATE", "EXIT", "PID", "ERROR")
	for _, r := range status.Actions {
		exit := ""
		if r.State == engine.ActionStateExited {
			exit = strconv.Itoa(r.ExitCode)
		}
		pid := ""
		if r.PID > 0 {
			pid = strconv.Itoa(r.PID)
		}
		actions.Row(r.StepID, r.Action, stateStyle(r).Render(string(r.State)), exit, pid, r.Error)
	}
	fmt.Fprintln(w, actions.Render())

	summary := fmt.Sprintf("Run %s %s (exit %d) in %s",
		status.RunID, status.Status, status.Code, status.EndedAt.Sub(status.StartedAt).Round(1e6))
	if status.Code == engine.ExitCodeOK {
		fmt.Fprintln(w, okStyle.Render(summary))
	} else {
		fmt.Fprintln(w, errStyle.Render(summary))
	}
}

func stateStyle(r engine.ActionReport) lipgloss.Style {
	switch r.Outcome() {
	case engine.ExitCodeOK:
		return okStyle
	case engine.ExitCodeActionFailed:
		return warnStyle
	default:
		return errStyle
	}
}

// printArguments writes declared launch arguments.
func printArguments(w io.Writer, args []engine.LaunchArgument) {
	t := newTable("ARGUMENT", "DEFAULT", "CHOICES", "DESCRIPTION")
	for _, a := range args {
		def := dimStyle.Render("(required)")
		if a.Default != nil {
			def = *a.Default
		}
		t.Row(a.Name, def, strings.Join(a.Choices, "|"), a.Description)
	}
	fmt.Fprintln(w, t.Render())
}
