package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/simlaunch/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	eng.exists = func(string) bool { return true }
	return eng
}

func simTime(value string) []engine.ParameterValue {
	return []engine.ParameterValue{{Name: "use_sim_time", Value: value}}
}

// samBotPlan mirrors the steps of the sam_bot display launch.
func samBotPlan() *engine.Plan {
	return &engine.Plan{
		ID: "plan-1",
		Steps: []engine.PlanStep{
			{ID: "gz_sim", Kind: engine.StepStartProcess, Action: "gz_sim", Executable: "gz"},
			{ID: "robot_state_publisher", Kind: engine.StepStartProcess, Action: "robot_state_publisher", Parameters: simTime("True")},
			{ID: "gz_server", Kind: engine.StepCreateContainer, Action: "gz_server", Container: "ros_gz_container"},
			{ID: "ros_gz_bridge", Kind: engine.StepLoadComponent, Action: "ros_gz_bridge", Container: "ros_gz_container"},
			{ID: "bridge_gz_ros_camera_image", Kind: engine.StepStartProcess, Action: "bridge_gz_ros_camera_image", Parameters: simTime("true")},
			{ID: "gz_spawn_model/create", Kind: engine.StepStartProcess, Action: "create", Scope: "gz_spawn_model"},
			{
				ID:             "ekf_filter_node",
				Kind:           engine.StepStartProcess,
				Action:         "ekf_filter_node",
				ParameterFiles: []string{"/opt/sam_bot/config/ekf.yaml"},
				Parameters:     simTime("True"),
			},
		},
		Containers: []engine.ContainerGroup{
			{Tag: "ros_gz_container", Owner: "gz_server", Members: []string{"ros_gz_bridge"}},
		},
	}
}

func policyNames(violations []Violation) []string {
	var names []string
	for _, v := range violations {
		names = append(names, v.Policy+":"+v.Step)
	}
	return names
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var got []string
	for _, p := range eng.ListPolicies() {
		got = append(got, p.Name)
		if !p.Builtin || !p.Enabled {
			t.Errorf("Expected %s to be an enabled built-in", p.Name)
		}
	}
	want := []string{PolicyContainerUsage, PolicyParameterFiles, PolicySimTime, PolicyUniqueNames}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Policies mismatch (-want +got):\n%s", diff)
	}
	if eng.Mode() != ModeAdvisory {
		t.Errorf("Expected advisory mode by default, got %s", eng.Mode())
	}
}

func TestEvaluatePlan_CleanPlan(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.EvaluatePlan(context.Background(), samBotPlan(), "plan")
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Expected plan to be allowed")
	}
	if len(result.Violations) != 0 {
		t.Errorf("Expected no violations, got %+v", result.Violations)
	}
	if len(result.EvaluatedPolicies) != 4 {
		t.Errorf("Expected 4 evaluated policies, got %v", result.EvaluatedPolicies)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Expected no evaluation warnings, got %v", result.Warnings)
	}
}

func TestEvaluatePlan_SimTimeMismatch(t *testing.T) {
	eng := newTestEngine(t)
	plan := samBotPlan()
	plan.Steps[4].Parameters = simTime("false")

	result, err := eng.EvaluatePlan(context.Background(), plan, "plan")
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	want := []string{
		"sim_time:bridge_gz_ros_camera_image",
		"sim_time:ekf_filter_node",
		"sim_time:robot_state_publisher",
	}
	if diff := cmp.Diff(want, policyNames(result.Violations)); diff != "" {
		t.Errorf("Violations mismatch (-want +got):\n%s", diff)
	}
	if !result.Allowed {
		t.Error("Expected warnings not to deny the plan")
	}
	if result.Count(SeverityWarning) != 3 {
		t.Errorf("Expected 3 warnings, got %d", result.Count(SeverityWarning))
	}
}

func TestEvaluatePlan_UniqueNames(t *testing.T) {
	tests := []struct {
		name          string
		scope         string
		expectAllowed bool
	}{
		{name: "same scope", scope: "", expectAllowed: false},
		{name: "different scope", scope: "other", expectAllowed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(t)
			plan := samBotPlan()
			plan.Steps = append(plan.Steps, engine.PlanStep{
				ID:     "gz_sim_2",
				Kind:   engine.StepStartProcess,
				Action: "gz_sim",
				Scope:  tt.scope,
			})

			result, err := eng.EvaluatePlan(context.Background(), plan, "plan")
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}
			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v: %+v", tt.expectAllowed, result.Allowed, result.Violations)
			}
			if !tt.expectAllowed {
				if result.Count(SeverityError) != 1 || result.Violations[0].Step != "gz_sim_2" {
					t.Errorf("Expected one error on gz_sim_2, got %+v", result.Violations)
				}
			}
		})
	}
}

func TestEvaluatePlan_EmptyContainer(t *testing.T) {
	eng := newTestEngine(t)
	plan := samBotPlan()
	plan.Containers[0].Members = nil

	result, err := eng.EvaluatePlan(context.Background(), plan, "plan")
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %+v", result.Violations)
	}
	v := result.Violations[0]
	if v.Policy != PolicyContainerUsage || v.Severity != SeverityInfo {
		t.Errorf("Unexpected violation: %+v", v)
	}
	if !strings.Contains(v.Message, "ros_gz_container") {
		t.Errorf("Expected message to name the container, got %q", v.Message)
	}
}

func TestEvaluatePlan_ParameterFiles(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "ekf.yaml")
	if err := os.WriteFile(present, []byte("ekf_filter_node: {}\n"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	eng, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	plan := samBotPlan()
	plan.Steps[6].ParameterFiles = []string{present, filepath.Join(dir, "missing.yaml")}

	result, err := eng.EvaluatePlan(context.Background(), plan, "plan")
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %+v", result.Violations)
	}
	v := result.Violations[0]
	if v.Policy != PolicyParameterFiles || v.Step != "ekf_filter_node" || v.Severity != SeverityWarning {
		t.Errorf("Unexpected violation: %+v", v)
	}
	if !strings.Contains(v.Message, "missing.yaml") {
		t.Errorf("Expected message to name the missing file, got %q", v.Message)
	}
}

func TestCheck_Modes(t *testing.T) {
	plan := samBotPlan()
	plan.Steps = append(plan.Steps, engine.PlanStep{ID: "gz_sim_2", Kind: engine.StepStartProcess, Action: "gz_sim"})

	advisory := newTestEngine(t)
	result, err := advisory.Check(context.Background(), plan, "launch")
	if err != nil {
		t.Errorf("Expected advisory mode to allow, got: %v", err)
	}
	if result == nil || result.Allowed {
		t.Error("Expected result to report the denial")
	}

	enforcing := newTestEngine(t).WithMode(ModeEnforcing)
	_, err = enforcing.Check(context.Background(), plan, "launch")
	if err == nil {
		t.Fatal("Expected enforcing mode to deny")
	}
	var le *engine.LaunchError
	if !errors.As(err, &le) {
		t.Fatalf("Expected LaunchError, got %T", err)
	}
	if le.ExitCode() != engine.ExitCodePolicyDenied {
		t.Errorf("Expected exit code %d, got %d", engine.ExitCodePolicyDenied, le.ExitCode())
	}
}

func TestDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.DisablePolicy(PolicyUniqueNames); err != nil {
		t.Fatalf("Failed to disable: %v", err)
	}

	plan := samBotPlan()
	plan.Steps = append(plan.Steps, engine.PlanStep{ID: "gz_sim_2", Kind: engine.StepStartProcess, Action: "gz_sim"})

	result, err := eng.EvaluatePlan(context.Background(), plan, "plan")
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !result.Allowed || len(result.Violations) != 0 {
		t.Errorf("Expected disabled policy to be skipped, got %+v", result.Violations)
	}
	for _, name := range result.EvaluatedPolicies {
		if name == PolicyUniqueNames {
			t.Error("Expected unique_names not to be evaluated")
		}
	}

	if err := eng.EnablePolicy(PolicyUniqueNames); err != nil {
		t.Fatalf("Failed to enable: %v", err)
	}
	p, err := eng.GetPolicy(PolicyUniqueNames)
	if err != nil || !p.Enabled {
		t.Errorf("Expected policy to be enabled again, got %+v, %v", p, err)
	}

	if err := eng.DisablePolicy("nonexistent"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

const noRvizRego = `package custom.no_rviz

import rego.v1

# Headless runs must not start rviz2.

deny contains msg if {
	some step in input.plan.steps
	step.action == "rviz2"
	msg := sprintf("step %s starts rviz2", [step.id])
}
`

func TestLoadPolicies_Custom(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "no_rviz.rego"), []byte(noRvizRego), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	plan := samBotPlan()
	plan.Steps = append(plan.Steps, engine.PlanStep{ID: "rviz2", Kind: engine.StepStartProcess, Action: "rviz2"})

	result, err := eng.EvaluatePlan(context.Background(), plan, "plan")
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %+v", result.Violations)
	}
	v := result.Violations[0]
	if v.Policy != "no_rviz" || v.Message != "step rviz2 starts rviz2" || v.Severity != SeverityWarning {
		t.Errorf("Unexpected violation: %+v", v)
	}

	if err := eng.ReplacePolicies(context.Background(), nil); err != nil {
		t.Fatalf("Failed to replace policies: %v", err)
	}
	if _, err := eng.GetPolicy("no_rviz"); err == nil {
		t.Error("Expected custom policy to be dropped")
	}
	if _, err := eng.GetPolicy(PolicySimTime); err != nil {
		t.Errorf("Expected built-in policy to survive, got: %v", err)
	}
}

func TestAddPolicies_InvalidRego(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.AddPolicies(context.Background(), []Policy{{
		Name:    "broken",
		Rego:    "package broken\n\ndeny contains msg if {",
		Enabled: true,
	}})
	if err == nil {
		t.Error("Expected compile error")
	}
}

func TestEvaluatePlan_NilPlan(t *testing.T) {
	if _, err := newTestEngine(t).EvaluatePlan(context.Background(), nil, "plan"); err == nil {
		t.Error("Expected error for nil plan")
	}
}
