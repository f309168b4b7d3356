package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func containerDescription() *LaunchDescription {
	return &LaunchDescription{
		Actions: []Action{
			component("gz_server", "ros_gz_container", true),
			component("ros_gz_bridge", "ros_gz_container", false),
			component("ros_gz_bridge_tf", "ros_gz_container", false),
		},
	}
}

type runResult struct {
	status *ExitStatus
	err    error
}

func runAsync(ctx context.Context, sup *Supervisor, plan *Plan) <-chan runResult {
	ch := make(chan runResult, 1)
	go func() {
		status, err := sup.Run(ctx, plan)
		ch <- runResult{status, err}
	}()
	return ch
}

func awaitRun(t *testing.T, ch <-chan runResult) *ExitStatus {
	t.Helper()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatalf("Expected no error from Run, got: %v", res.err)
		}
		return res.status
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

// Scenario E: cancellation terminates attached components before their owner
// and reports a clean cancellation.
func TestSupervisor_CancellationOrder(t *testing.T) {
	plan := mustBuild(t, containerDescription(), nil)
	launcher := newFakeLauncher()
	sup := NewSupervisor(launcher, SupervisorConfig{GracePeriod: time.Second, AttachTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, sup, plan)

	launcher.waitStarted(t, 3)
	cancel()
	status := awaitRun(t, done)

	want := []string{"ros_gz_bridge_tf", "ros_gz_bridge", "gz_server"}
	if diff := cmp.Diff(want, launcher.snapshot(&launcher.terminated)); diff != "" {
		t.Errorf("Termination order mismatch (-want +got):\n%s", diff)
	}

	if status.Status != RunStatusCancelled {
		t.Errorf("Expected status %s, got %s", RunStatusCancelled, status.Status)
	}
	if status.Code != ExitCodeOK {
		t.Errorf("Expected exit code 0, got %d", status.Code)
	}
	if !status.Cancelled {
		t.Error("Expected Cancelled to be set")
	}
	for _, r := range status.Actions {
		if r.State != ActionStateExited || !r.Stopped {
			t.Errorf("Expected %s exited after stop, got %s (stopped=%v)", r.StepID, r.State, r.Stopped)
		}
	}
	if got := len(launcher.snapshot(&launcher.killed)); got != 0 {
		t.Errorf("Expected no kills, got %d", got)
	}
}

func TestSupervisor_StartsInPlanOrder(t *testing.T) {
	plan := mustBuild(t, samBotDescription(), nil)
	launcher := newFakeLauncher()
	sup := NewSupervisor(launcher, SupervisorConfig{GracePeriod: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, sup, plan)
	launcher.waitStarted(t, len(plan.Steps))
	cancel()
	awaitRun(t, done)

	started := launcher.snapshot(&launcher.started)
	pos := make(map[string]int)
	for i, id := range started {
		pos[id] = i
	}
	if pos["ros_gz_bridge"] < pos["gz_server"] || pos["ros_gz_bridge_tf"] < pos["gz_server"] {
		t.Errorf("Expected container owner started before its components, got %v", started)
	}

	var processes []string
	for _, id := range started {
		if s, _ := plan.Step(id); s.Kind != StepLoadComponent {
			processes = append(processes, id)
		}
	}
	var wantProcesses []string
	for _, s := range plan.Steps {
		if s.Kind != StepLoadComponent {
			wantProcesses = append(wantProcesses, s.ID)
		}
	}
	if diff := cmp.Diff(wantProcesses, processes); diff != "" {
		t.Errorf("Start order mismatch (-want +got):\n%s", diff)
	}
}

func TestSupervisor_ForcedKillAfterGracePeriod(t *testing.T) {
	plan := mustBuild(t, containerDescription(), nil)
	launcher := newFakeLauncher()
	launcher.ignoreTerm["gz_server"] = true
	sup := NewSupervisor(launcher, SupervisorConfig{GracePeriod: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, sup, plan)
	launcher.waitStarted(t, 3)
	cancel()
	status := awaitRun(t, done)

	if diff := cmp.Diff([]string{"gz_server"}, launcher.snapshot(&launcher.killed)); diff != "" {
		t.Errorf("Kill list mismatch (-want +got):\n%s", diff)
	}
	if status.Status != RunStatusKilled || status.Code != ExitCodeForcedKill {
		t.Errorf("Expected killed/%d, got %s/%d", ExitCodeForcedKill, status.Status, status.Code)
	}
	r, _ := status.Report("gz_server")
	if r.State != ActionStateKilled {
		t.Errorf("Expected gz_server killed, got %s", r.State)
	}
}

func TestSupervisor_ContainerAttachTimeout(t *testing.T) {
	plan := mustBuild(t, containerDescription(), nil)
	launcher := newFakeLauncher()
	launcher.notReady["gz_server"] = true
	sup := NewSupervisor(launcher, SupervisorConfig{AttachTimeout: 50 * time.Millisecond})

	done := runAsync(context.Background(), sup, plan)
	launcher.waitStarted(t, 1)

	deadline := time.Now().Add(2 * time.Second)
	for sup.State("ros_gz_bridge_tf") != ActionStateFailed {
		if time.Now().After(deadline) {
			t.Fatalf("Expected attach timeout, state is %s", sup.State("ros_gz_bridge_tf"))
		}
		time.Sleep(5 * time.Millisecond)
	}

	if sup.State("gz_server") != ActionStateRunning {
		t.Errorf("Expected owner to keep running, got %s", sup.State("gz_server"))
	}
	launcher.handle("gz_server").finish(0)
	status := awaitRun(t, done)

	for _, id := range []string{"ros_gz_bridge", "ros_gz_bridge_tf"} {
		r, _ := status.Report(id)
		if r.State != ActionStateFailed || !strings.Contains(r.Error, ErrCodeContainerAttachTimeout) {
			t.Errorf("Expected %s failed with %s, got %s %q", id, ErrCodeContainerAttachTimeout, r.State, r.Error)
		}
	}
	if status.Code != ExitCodeStartFailure || status.Status != RunStatusFailed {
		t.Errorf("Expected failed/%d, got %s/%d", ExitCodeStartFailure, status.Status, status.Code)
	}
	if got := len(launcher.snapshot(&launcher.started)); got != 1 {
		t.Errorf("Expected only the owner to start, got %d", got)
	}
}

func TestSupervisor_NonZeroExitDoesNotStopSiblings(t *testing.T) {
	desc := &LaunchDescription{Actions: []Action{process("rviz2"), process("ekf_node")}}
	plan := mustBuild(t, desc, nil)
	launcher := newFakeLauncher()
	sup := NewSupervisor(launcher, SupervisorConfig{})

	done := runAsync(context.Background(), sup, plan)
	launcher.waitStarted(t, 2)

	launcher.handle("rviz2").finish(1)

	deadline := time.Now().Add(2 * time.Second)
	for sup.State("rviz2") != ActionStateExited {
		if time.Now().After(deadline) {
			t.Fatal("Expected rviz2 to exit")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sup.State("ekf_node") != ActionStateRunning {
		t.Errorf("Expected sibling to keep running, got %s", sup.State("ekf_node"))
	}
	if got := len(launcher.snapshot(&launcher.terminated)); got != 0 {
		t.Errorf("Expected no termination requests, got %d", got)
	}

	launcher.handle("ekf_node").finish(0)
	status := awaitRun(t, done)

	if status.Status != RunStatusFailed || status.Code != ExitCodeActionFailed {
		t.Errorf("Expected failed/%d, got %s/%d", ExitCodeActionFailed, status.Status, status.Code)
	}
	r, _ := status.Report("rviz2")
	if r.ExitCode != 1 {
		t.Errorf("Expected rviz2 exit code 1, got %d", r.ExitCode)
	}
}

func TestSupervisor_CleanExit(t *testing.T) {
	desc := &LaunchDescription{Actions: []Action{process("gz_sim")}}
	plan := mustBuild(t, desc, nil)
	launcher := newFakeLauncher()
	publisher := &recordingPublisher{}
	sup := NewSupervisor(launcher, SupervisorConfig{}).WithEventPublisher(publisher)

	done := runAsync(context.Background(), sup, plan)
	launcher.waitStarted(t, 1)
	launcher.handle("gz_sim").finish(0)
	status := awaitRun(t, done)

	if status.Status != RunStatusSucceeded || status.Code != ExitCodeOK {
		t.Errorf("Expected succeeded/0, got %s/%d", status.Status, status.Code)
	}
	if status.RunID == "" || status.PlanID != plan.ID {
		t.Errorf("Expected run and plan IDs, got %q/%q", status.RunID, status.PlanID)
	}

	if publisher.count(EventTypeActionStarted) != 1 {
		t.Errorf("Expected 1 action_started event, got %d", publisher.count(EventTypeActionStarted))
	}
	if publisher.count(EventTypeRunCompleted) != 1 {
		t.Errorf("Expected run_completed delivered before Run returned, got %d", publisher.count(EventTypeRunCompleted))
	}
}

func TestSupervisor_EventOrder(t *testing.T) {
	desc := &LaunchDescription{Actions: []Action{process("gz_client"), process("rviz2"), process("robot_state_publisher")}}
	plan := mustBuild(t, desc, nil)

	for i := 0; i < 50; i++ {
		launcher := newFakeLauncher()
		publisher := &recordingPublisher{}
		sup := NewSupervisor(launcher, SupervisorConfig{}).WithEventPublisher(publisher)

		done := runAsync(context.Background(), sup, plan)
		launcher.waitStarted(t, 3)
		for _, step := range plan.Steps {
			launcher.handle(step.ID).finish(0)
		}
		awaitRun(t, done)

		events := publisher.snapshot()
		if len(events) == 0 {
			t.Fatal("Expected events, got none")
		}
		if events[0].Type != EventTypeRunStarted {
			t.Errorf("Expected run_started first, got %s", events[0].Type)
		}
		if last := events[len(events)-1]; last.Type != EventTypeRunCompleted {
			t.Errorf("Expected run_completed last, got %s", last.Type)
		}

		started := make(map[string]int)
		for idx, e := range events {
			switch e.Type {
			case EventTypeActionStarted:
				started[e.StepID] = idx
			case EventTypeActionExited:
				at, ok := started[e.StepID]
				if !ok || at > idx {
					t.Fatalf("Expected action_started before action_exited for %s, got events %v", e.StepID, eventTypes(events))
				}
			}
		}
		if len(started) != 3 {
			t.Errorf("Expected 3 action_started events, got %d", len(started))
		}
	}
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.StepID + ":" + string(e.Type)
	}
	return out
}

func TestSupervisor_StartFailureReported(t *testing.T) {
	desc := &LaunchDescription{Actions: []Action{process("gz_sim"), process("rviz2")}}
	plan := mustBuild(t, desc, nil)
	launcher := newFakeLauncher()
	launcher.startErr["gz_sim"] = errors.New("exec: \"gz\": executable file not found in $PATH")
	sup := NewSupervisor(launcher, SupervisorConfig{})

	done := runAsync(context.Background(), sup, plan)
	launcher.waitStarted(t, 1)
	launcher.handle("rviz2").finish(0)
	status := awaitRun(t, done)

	r, _ := status.Report("gz_sim")
	if r.State != ActionStateFailed || !strings.Contains(r.Error, ErrCodeStartFailed) {
		t.Errorf("Expected gz_sim failed to start, got %s %q", r.State, r.Error)
	}
	if status.Code != ExitCodeStartFailure {
		t.Errorf("Expected exit code %d, got %d", ExitCodeStartFailure, status.Code)
	}
}

func TestSupervisor_CancelledBeforeStart(t *testing.T) {
	plan := mustBuild(t, containerDescription(), nil)
	launcher := newFakeLauncher()
	sup := NewSupervisor(launcher, SupervisorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	status, err := sup.Run(ctx, plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := len(launcher.snapshot(&launcher.started)); got != 0 {
		t.Errorf("Expected nothing started, got %d", got)
	}
	if status.Code != ExitCodeOK || status.Status != RunStatusCancelled {
		t.Errorf("Expected cancelled/0, got %s/%d", status.Status, status.Code)
	}
}

func TestActionReport_Outcome(t *testing.T) {
	tests := []struct {
		report ActionReport
		want   int
	}{
		{ActionReport{State: ActionStateExited, ExitCode: 0}, ExitCodeOK},
		{ActionReport{State: ActionStateExited, ExitCode: 2}, ExitCodeActionFailed},
		{ActionReport{State: ActionStateExited, ExitCode: 130, Stopped: true}, ExitCodeOK},
		{ActionReport{State: ActionStateFailed}, ExitCodeStartFailure},
		{ActionReport{State: ActionStateKilled}, ExitCodeForcedKill},
		{ActionReport{State: ActionStatePending}, ExitCodeOK},
	}
	for _, tt := range tests {
		if got := tt.report.Outcome(); got != tt.want {
			t.Errorf("Outcome(%+v) = %d, want %d", tt.report, got, tt.want)
		}
	}
}
