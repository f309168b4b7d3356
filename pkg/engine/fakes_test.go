package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRunner is a CommandRunner returning canned results per tool.
type fakeRunner struct {
	mu      sync.Mutex
	results map[string]*CommandResult
	errs    map[string]error
	calls   []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results: make(map[string]*CommandResult),
		errs:    make(map[string]error),
	}
}

func (r *fakeRunner) Run(ctx context.Context, tool string, args []string) (*CommandResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, strings.TrimSpace(tool+" "+strings.Join(args, " ")))
	if err, ok := r.errs[tool]; ok {
		return nil, err
	}
	if res, ok := r.results[tool]; ok {
		return res, nil
	}
	return &CommandResult{ExitCode: 127, Stderr: tool + ": command not found"}, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// fakeHandle is a ProcessHandle controlled by the test.
type fakeHandle struct {
	id       string
	pid      int
	launcher *fakeLauncher
	ready    chan struct{}
	done     chan struct{}
	once     sync.Once
	code     int
}

func (h *fakeHandle) PID() int               { return h.pid }
func (h *fakeHandle) Ready() <-chan struct{} { return h.ready }

func (h *fakeHandle) Wait() (int, error) {
	<-h.done
	return h.code, nil
}

func (h *fakeHandle) Terminate() error {
	h.launcher.record(&h.launcher.terminated, h.id)
	if !h.launcher.ignoresTerm(h.id) {
		h.finish(130)
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.launcher.record(&h.launcher.killed, h.id)
	h.finish(137)
	return nil
}

func (h *fakeHandle) finish(code int) {
	h.once.Do(func() {
		h.code = code
		close(h.done)
	})
}

// fakeLauncher records every start, terminate and kill in order.
type fakeLauncher struct {
	mu         sync.Mutex
	handles    map[string]*fakeHandle
	started    []string
	terminated []string
	killed     []string
	startErr   map[string]error
	notReady   map[string]bool
	ignoreTerm map[string]bool
	startedCh  chan string
	nextPID    int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		handles:    make(map[string]*fakeHandle),
		startErr:   make(map[string]error),
		notReady:   make(map[string]bool),
		ignoreTerm: make(map[string]bool),
		startedCh:  make(chan string, 64),
		nextPID:    1000,
	}
}

func (l *fakeLauncher) Start(ctx context.Context, step PlanStep) (ProcessHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err, ok := l.startErr[step.ID]; ok {
		return nil, err
	}

	l.nextPID++
	h := &fakeHandle{
		id:       step.ID,
		pid:      l.nextPID,
		launcher: l,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	if !l.notReady[step.ID] {
		close(h.ready)
	}
	l.handles[step.ID] = h
	l.started = append(l.started, step.ID)
	l.startedCh <- step.ID
	return h, nil
}

func (l *fakeLauncher) record(list *[]string, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*list = append(*list, id)
}

func (l *fakeLauncher) ignoresTerm(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ignoreTerm[id]
}

func (l *fakeLauncher) handle(id string) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[id]
}

func (l *fakeLauncher) snapshot(list *[]string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(*list))
	copy(out, *list)
	return out
}

// waitStarted blocks until n steps have been started.
func (l *fakeLauncher) waitStarted(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-l.startedCh:
		case <-time.After(2 * time.Second):
			t.Fatalf("Expected %d started steps, got %d", n, i)
		}
	}
}

// recordingPublisher collects published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *event)
	return nil
}

func (p *recordingPublisher) snapshot() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

func (p *recordingPublisher) count(t EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// samBotDescription declares the simulated robot launch used across tests.
func samBotDescription() *LaunchDescription {
	share := "/opt/ros/share/sam_bot_description"
	spawn := &LaunchDescription{
		Source: "gz_spawn_model.launch.yaml",
		Arguments: []LaunchArgument{
			{Name: "world", Default: StringPtr("")},
			{Name: "topic", Default: StringPtr("")},
			{Name: "entity_name", Default: StringPtr("")},
			{Name: "z", Default: StringPtr("0.0")},
		},
		Actions: []Action{
			{
				Name:       "create",
				Kind:       ActionProcess,
				Package:    "ros_gz_sim",
				Executable: Literal("create"),
				Parameters: []Parameter{
					{Name: "world", Value: Arg("world")},
					{Name: "topic", Value: Arg("topic")},
					{Name: "name", Value: Arg("entity_name")},
					{Name: "z", Value: Arg("z")},
				},
			},
		},
	}

	return &LaunchDescription{
		Source: "display.launch.yaml",
		Arguments: []LaunchArgument{
			{Name: "model", Default: StringPtr(share + "/src/description/sam_bot_description.sdf"), Description: "Absolute path to robot urdf file"},
			{Name: "rvizconfig", Default: StringPtr(share + "/rviz/config.rviz"), Description: "Absolute path to rviz config file"},
			{Name: "use_sim_time", Default: StringPtr("True"), Description: "Flag to enable use_sim_time"},
			{Name: "ekf", Default: StringPtr("False"), Description: "Launch ekf node if True, not recommended in simulation"},
		},
		Actions: []Action{
			{
				Name:       "gz_sim",
				Kind:       ActionProcess,
				Executable: Literal("gz"),
				Arguments:  []Substitution{Literal("sim"), Literal("-g")},
			},
			{
				Name:       "robot_state_publisher",
				Kind:       ActionProcess,
				Package:    "robot_state_publisher",
				Executable: Literal("robot_state_publisher"),
				Parameters: []Parameter{
					{Name: "robot_description", Value: Command(Literal("xacro"), Arg("model"))},
					{Name: "use_sim_time", Value: Arg("use_sim_time")},
				},
			},
			{
				Name:       "rviz2",
				Kind:       ActionProcess,
				Package:    "rviz2",
				Executable: Literal("rviz2"),
				Arguments:  []Substitution{Literal("-d"), Arg("rvizconfig")},
			},
			{
				Name:          "gz_server",
				Kind:          ActionComposableNode,
				Package:       "ros_gz_sim",
				Executable:    Literal("gzserver"),
				Plugin:        "ros_gz_sim::GzServer",
				Container:     "ros_gz_container",
				OwnsContainer: true,
				Parameters:    []Parameter{{Name: "world_sdf_file", Value: Literal(share + "/world/my_world.sdf")}},
			},
			{
				Name:       "ros_gz_bridge",
				Kind:       ActionComposableNode,
				Package:    "ros_gz_bridge",
				Plugin:     "ros_gz_bridge::RosGzBridge",
				Container:  "ros_gz_container",
				Parameters: []Parameter{{Name: "config_file", Value: Literal(share + "/config/bridge_config.yaml")}},
			},
			{
				Name:       "ros_gz_bridge_tf",
				Kind:       ActionComposableNode,
				Package:    "ros_gz_bridge",
				Plugin:     "ros_gz_bridge::RosGzBridge",
				Container:  "ros_gz_container",
				Condition:  Unless("ekf"),
				Parameters: []Parameter{{Name: "config_file", Value: Literal(share + "/config/tf_bridge_config.yaml")}},
			},
			{
				Name:       "bridge_gz_ros_camera_image",
				Kind:       ActionProcess,
				Package:    "ros_gz_image",
				Executable: Literal("image_bridge"),
				Arguments:  []Substitution{Literal("/depth_camera/image")},
				Parameters: []Parameter{{Name: "use_sim_time", Value: Literal("true")}},
			},
			{
				Name:       "bridge_gz_ros_camera_depth",
				Kind:       ActionProcess,
				Package:    "ros_gz_image",
				Executable: Literal("image_bridge"),
				Arguments:  []Substitution{Literal("/depth_camera/depth_image")},
				Parameters: []Parameter{{Name: "use_sim_time", Value: Literal("true")}},
			},
			{
				Name: "gz_spawn_model",
				Kind: ActionInclude,
				Include: &Inclusion{
					Source:      "gz_spawn_model.launch.yaml",
					Description: spawn,
					Overrides: []ArgumentOverride{
						{Name: "world", Value: Literal("my_world")},
						{Name: "topic", Value: Literal("/robot_description")},
						{Name: "entity_name", Value: Literal("sam_bot")},
						{Name: "z", Value: Literal("0.65")},
					},
				},
			},
			{
				Name:           "ekf_filter_node",
				Kind:           ActionProcess,
				Package:        "robot_localization",
				Executable:     Literal("ekf_node"),
				Condition:      If("ekf"),
				ParameterFiles: []Substitution{Literal(share + "/config/ekf.yaml")},
				Parameters:     []Parameter{{Name: "use_sim_time", Value: Arg("use_sim_time")}},
			},
		},
	}
}

// xacroRunner returns a runner whose xacro emits a small robot document.
func xacroRunner() *fakeRunner {
	r := newFakeRunner()
	r.results["xacro"] = &CommandResult{Stdout: "<robot name=\"sam_bot\"/>\n\n"}
	return r
}

func stepIDs(plan *Plan) []string {
	ids := make([]string, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		ids = append(ids, s.ID)
	}
	return ids
}

func mustBuild(t *testing.T, desc *LaunchDescription, overrides map[string]string) *Plan {
	t.Helper()
	plan, err := NewPlanBuilder(xacroRunner()).Build(context.Background(), desc, overrides)
	if err != nil {
		t.Fatalf("Expected no error building plan, got: %v", err)
	}
	return plan
}

func asLaunchError(err error, target **LaunchError) bool {
	return errors.As(err, target)
}
