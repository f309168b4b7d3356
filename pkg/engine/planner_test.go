package engine

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPlanBuilder_DefaultOrder(t *testing.T) {
	plan := mustBuild(t, samBotDescription(), nil)

	want := []string{
		"gz_sim",
		"robot_state_publisher",
		"rviz2",
		"gz_server",
		"ros_gz_bridge",
		"ros_gz_bridge_tf",
		"bridge_gz_ros_camera_image",
		"bridge_gz_ros_camera_depth",
		"gz_spawn_model/create",
	}
	if diff := cmp.Diff(want, stepIDs(plan)); diff != "" {
		t.Errorf("Step order mismatch (-want +got):\n%s", diff)
	}

	if plan.ID == "" {
		t.Error("Expected plan ID to be set")
	}
	if plan.Graph == nil || len(plan.Graph.Edges) != 2 {
		t.Errorf("Expected 2 attach edges, got %+v", plan.Graph)
	}
}

// Scenario A: ekf=true includes the filter with use_sim_time forwarded and
// drops the bridge gated on ekf being false.
func TestPlanBuilder_EKFEnabled(t *testing.T) {
	plan := mustBuild(t, samBotDescription(), map[string]string{"ekf": "true"})

	ekf, ok := plan.FindAction("ekf_filter_node")
	if !ok {
		t.Fatal("Expected ekf_filter_node in plan")
	}
	if v, _ := ekf.Parameter("use_sim_time"); v != "True" {
		t.Errorf("Expected use_sim_time=True forwarded, got %q", v)
	}
	if len(ekf.ParameterFiles) != 1 {
		t.Errorf("Expected ekf parameter file, got %v", ekf.ParameterFiles)
	}

	if _, ok := plan.FindAction("ros_gz_bridge_tf"); ok {
		t.Error("Expected ros_gz_bridge_tf to be excluded")
	}
	if len(plan.Skipped) != 1 || plan.Skipped[0].Action != "ros_gz_bridge_tf" {
		t.Errorf("Expected ros_gz_bridge_tf recorded as skipped, got %+v", plan.Skipped)
	}
	if plan.Skipped[0].Condition != "unless ekf" {
		t.Errorf("Expected skip reason 'unless ekf', got %q", plan.Skipped[0].Condition)
	}
}

// Scenario B: the default ekf=false excludes the filter and keeps the tf bridge.
func TestPlanBuilder_EKFDisabled(t *testing.T) {
	plan := mustBuild(t, samBotDescription(), map[string]string{"ekf": "false"})

	if _, ok := plan.FindAction("ekf_filter_node"); ok {
		t.Error("Expected ekf_filter_node to be excluded")
	}
	tf, ok := plan.FindAction("ros_gz_bridge_tf")
	if !ok {
		t.Fatal("Expected ros_gz_bridge_tf in plan")
	}
	if tf.Kind != StepLoadComponent || tf.Container != "ros_gz_container" {
		t.Errorf("Expected tf bridge to load into ros_gz_container, got %s/%s", tf.Kind, tf.Container)
	}
}

func TestPlanBuilder_EKFExclusionIsComplementary(t *testing.T) {
	for _, value := range []string{"true", "false"} {
		plan := mustBuild(t, samBotDescription(), map[string]string{"ekf": value})
		_, hasEKF := plan.FindAction("ekf_filter_node")
		_, hasTF := plan.FindAction("ros_gz_bridge_tf")
		if hasEKF == hasTF {
			t.Errorf("ekf=%s: expected exactly one of filter/tf bridge, got filter=%v tf=%v", value, hasEKF, hasTF)
		}
	}
}

// Scenario C: two owners of one tag fail the build naming the tag.
func TestPlanBuilder_MultipleContainerOwners(t *testing.T) {
	desc := samBotDescription()
	for i := range desc.Actions {
		if desc.Actions[i].Name == "ros_gz_bridge" {
			desc.Actions[i].OwnsContainer = true
			desc.Actions[i].Executable = Literal("component_container")
		}
	}

	plan, err := NewPlanBuilder(xacroRunner()).Build(context.Background(), desc, nil)
	if plan != nil {
		t.Error("Expected no plan on failure")
	}
	if !HasCode(err, ErrCodeMultipleContainerOwners) {
		t.Fatalf("Expected %s, got: %v", ErrCodeMultipleContainerOwners, err)
	}

	var le *LaunchError
	asLaunchError(err, &le)
	if le.Container != "ros_gz_container" {
		t.Errorf("Expected error to name ros_gz_container, got %q", le.Container)
	}
	if le.ExitCode() != ExitCodeMultipleContainerOwners {
		t.Errorf("Expected exit code %d, got %d", ExitCodeMultipleContainerOwners, le.ExitCode())
	}
}

// Scenario D: a failing description tool aborts the build before any start.
func TestPlanBuilder_SubstitutionExecFailed(t *testing.T) {
	runner := newFakeRunner()
	runner.results["xacro"] = &CommandResult{ExitCode: 1, Stderr: "error: model not found"}
	launcher := newFakeLauncher()

	plan, err := NewPlanBuilder(runner).Build(context.Background(), samBotDescription(), nil)
	if !HasCode(err, ErrCodeSubstitutionExecFailed) {
		t.Fatalf("Expected %s, got: %v", ErrCodeSubstitutionExecFailed, err)
	}
	if plan != nil {
		t.Fatal("Expected no plan")
	}

	var le *LaunchError
	asLaunchError(err, &le)
	if le.Action != "robot_state_publisher" {
		t.Errorf("Expected error to name robot_state_publisher, got %q", le.Action)
	}
	if !IsPlanError(err) {
		t.Error("Expected a plan-build error")
	}
	if got := len(launcher.snapshot(&launcher.started)); got != 0 {
		t.Errorf("Expected no process started, got %d", got)
	}
}

func TestPlanBuilder_ConditionSkipsSubstitution(t *testing.T) {
	desc := &LaunchDescription{
		Arguments: []LaunchArgument{{Name: "describe", Default: StringPtr("false")}},
		Actions: []Action{
			{
				Name:       "publisher",
				Kind:       ActionProcess,
				Executable: Literal("robot_state_publisher"),
				Condition:  If("describe"),
				Parameters: []Parameter{{Name: "robot_description", Value: Command(Literal("xacro"))}},
			},
		},
	}
	runner := newFakeRunner()

	plan, err := NewPlanBuilder(runner).Build(context.Background(), desc, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(plan.Steps) != 0 {
		t.Errorf("Expected empty plan, got %v", stepIDs(plan))
	}
	if runner.callCount() != 0 {
		t.Errorf("Expected excluded action not to run its command, got %d calls", runner.callCount())
	}
}

func TestPlanBuilder_RobotDescriptionCaptured(t *testing.T) {
	plan := mustBuild(t, samBotDescription(), nil)

	rsp, _ := plan.FindAction("robot_state_publisher")
	got, _ := rsp.Parameter("robot_description")
	if got != `<robot name="sam_bot"/>` {
		t.Errorf("Expected captured xacro output, got %q", got)
	}
}

func TestPlanBuilder_IncludeOverrides(t *testing.T) {
	plan := mustBuild(t, samBotDescription(), nil)

	spawn, ok := plan.FindAction("gz_spawn_model/create")
	if !ok {
		t.Fatal("Expected included create step")
	}
	want := []ParameterValue{
		{Name: "world", Value: "my_world"},
		{Name: "topic", Value: "/robot_description"},
		{Name: "name", Value: "sam_bot"},
		{Name: "z", Value: "0.65"},
	}
	if diff := cmp.Diff(want, spawn.Parameters); diff != "" {
		t.Errorf("Include parameters mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanBuilder_IncludeScopingDoesNotLeak(t *testing.T) {
	child := &LaunchDescription{
		Arguments: []LaunchArgument{{Name: "world", Default: StringPtr("empty")}},
		Actions: []Action{{
			Name:       "spawn",
			Kind:       ActionProcess,
			Executable: Literal("create"),
			Arguments:  []Substitution{Arg("world")},
		}},
	}
	parent := &LaunchDescription{
		Arguments: []LaunchArgument{
			{Name: "world", Default: StringPtr("parent_world")},
			{Name: "use_sim_time", Default: StringPtr("true")},
		},
		Actions: []Action{
			{
				Name: "inner",
				Kind: ActionInclude,
				Include: &Inclusion{
					Description: child,
					Overrides:   []ArgumentOverride{{Name: "world", Value: Literal("my_world")}},
				},
			},
			{
				Name:       "after",
				Kind:       ActionProcess,
				Executable: Literal("echo"),
				Arguments:  []Substitution{Arg("world")},
			},
		},
	}

	plan := mustBuild(t, parent, nil)

	inner, _ := plan.FindAction("inner/spawn")
	after, _ := plan.FindAction("after")
	if inner.Arguments[0] != "my_world" {
		t.Errorf("Expected include to see my_world, got %q", inner.Arguments[0])
	}
	if after.Arguments[0] != "parent_world" {
		t.Errorf("Expected parent to keep parent_world, got %q", after.Arguments[0])
	}
	if plan.Arguments["world"] != "parent_world" {
		t.Errorf("Expected parent arguments unchanged, got %q", plan.Arguments["world"])
	}
}

func TestPlanBuilder_IncludeOverrideResolvedInParentScope(t *testing.T) {
	child := &LaunchDescription{
		Arguments: []LaunchArgument{{Name: "use_sim_time", Default: StringPtr("false")}},
		Actions: []Action{{
			Name:       "node",
			Kind:       ActionProcess,
			Executable: Literal("node"),
			Parameters: []Parameter{{Name: "use_sim_time", Value: Arg("use_sim_time")}},
		}},
	}
	parent := &LaunchDescription{
		Arguments: []LaunchArgument{{Name: "sim", Default: StringPtr("true")}},
		Actions: []Action{{
			Name: "inner",
			Kind: ActionInclude,
			Include: &Inclusion{
				Description: child,
				Overrides:   []ArgumentOverride{{Name: "use_sim_time", Value: Arg("sim")}},
			},
		}},
	}

	plan := mustBuild(t, parent, nil)
	step, _ := plan.FindAction("inner/node")
	if v, _ := step.Parameter("use_sim_time"); v != "true" {
		t.Errorf("Expected use_sim_time=true from parent scope, got %q", v)
	}
}

func TestPlanBuilder_IncludeUnknownOverride(t *testing.T) {
	desc := samBotDescription()
	for i := range desc.Actions {
		if desc.Actions[i].Kind == ActionInclude {
			desc.Actions[i].Include.Overrides = append(desc.Actions[i].Include.Overrides,
				ArgumentOverride{Name: "yaw", Value: Literal("1.57")})
		}
	}

	_, err := NewPlanBuilder(xacroRunner()).Build(context.Background(), desc, nil)
	if !HasCode(err, ErrCodeUnknownArgument) {
		t.Fatalf("Expected %s, got: %v", ErrCodeUnknownArgument, err)
	}
	var le *LaunchError
	asLaunchError(err, &le)
	if le.Argument != "yaw" || le.Action != "gz_spawn_model" {
		t.Errorf("Expected error naming yaw and gz_spawn_model, got %+v", le)
	}
}

func TestPlanBuilder_IncludeDepthBounded(t *testing.T) {
	desc := &LaunchDescription{}
	desc.Actions = []Action{{
		Name:    "self",
		Kind:    ActionInclude,
		Include: &Inclusion{Source: "loop.yaml", Description: desc},
	}}

	_, err := NewPlanBuilder(nil).WithMaxIncludeDepth(4).Build(context.Background(), desc, nil)
	if !HasCode(err, ErrCodeIncludeCycle) {
		t.Errorf("Expected %s, got: %v", ErrCodeIncludeCycle, err)
	}
}

func TestPlanBuilder_UnknownTopLevelOverride(t *testing.T) {
	_, err := NewPlanBuilder(xacroRunner()).Build(context.Background(), samBotDescription(),
		map[string]string{"ekff": "true"})
	if !HasCode(err, ErrCodeUnknownArgument) {
		t.Fatalf("Expected %s, got: %v", ErrCodeUnknownArgument, err)
	}
	if ExitCodeFor(err) != ExitCodeArgument {
		t.Errorf("Expected exit code %d, got %d", ExitCodeArgument, ExitCodeFor(err))
	}
}

func TestPlanBuilder_InvalidBooleanNamesAction(t *testing.T) {
	_, err := NewPlanBuilder(xacroRunner()).Build(context.Background(), samBotDescription(),
		map[string]string{"ekf": "sometimes"})
	if !HasCode(err, ErrCodeInvalidBooleanLiteral) {
		t.Fatalf("Expected %s, got: %v", ErrCodeInvalidBooleanLiteral, err)
	}
	var le *LaunchError
	asLaunchError(err, &le)
	if le.Argument != "ekf" || le.Action != "ros_gz_bridge_tf" {
		t.Errorf("Expected error naming ekf and ros_gz_bridge_tf, got %+v", le)
	}
}

func TestPlanBuilder_DuplicateNamesGetUniqueIDs(t *testing.T) {
	desc := &LaunchDescription{
		Actions: []Action{
			{Kind: ActionProcess, Executable: Literal("image_bridge"), Arguments: []Substitution{Literal("/a")}},
			{Kind: ActionProcess, Executable: Literal("image_bridge"), Arguments: []Substitution{Literal("/b")}},
		},
	}
	plan := mustBuild(t, desc, nil)

	if diff := cmp.Diff([]string{"image_bridge", "image_bridge#2"}, stepIDs(plan)); diff != "" {
		t.Errorf("Step IDs mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanBuilder_ContainerTagsScopedPerInclude(t *testing.T) {
	child := &LaunchDescription{
		Actions: []Action{component("member", "shared", false)},
	}
	parent := &LaunchDescription{
		Actions: []Action{
			component("owner", "shared", true),
			{Name: "inner", Kind: ActionInclude, Include: &Inclusion{Description: child}},
		},
	}

	_, err := NewPlanBuilder(nil).Build(context.Background(), parent, nil)
	if !HasCode(err, ErrCodeNoContainerOwner) {
		t.Errorf("Expected %s for a member in another scope, got: %v", ErrCodeNoContainerOwner, err)
	}
}
