package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Supervisor defaults.
const (
	DefaultGracePeriod   = 10 * time.Second
	DefaultAttachTimeout = 30 * time.Second
)

// SupervisorConfig bounds the supervisor's waits.
type SupervisorConfig struct {
	// GracePeriod is how long running actions get to exit after a
	// termination request before they are killed.
	GracePeriod time.Duration

	// AttachTimeout is how long a load step waits for its container.
	AttachTimeout time.Duration
}

// Supervisor runs a Plan and owns the lifetime of every started process.
//
// A single coordinator goroutine starts steps in plan order and multiplexes
// readiness, exits, attach timers and cancellation over channels. Per-step
// state lives in an arena keyed by step ID and is only written by the
// coordinator.
type Supervisor struct {
	launcher  ProcessLauncher
	publisher EventPublisher
	metrics   MetricsRecorder
	config    SupervisorConfig

	// mu protects slots for readers outside the coordinator
	mu    sync.RWMutex
	slots map[string]*actionSlot
	runID string
}

// actionSlot is the arena entry for one plan step.
type actionSlot struct {
	step      PlanStep
	state     ActionState
	handle    ProcessHandle
	owner     string
	seq       int
	ready     bool
	stopped   bool
	killed    bool
	exitCode  int
	err       error
	done      chan struct{}
	timer     *time.Timer
	startedAt time.Time
	endedAt   time.Time
}

type exitResult struct {
	id   string
	code int
	err  error
}

// NewSupervisor creates a supervisor starting steps through launcher.
func NewSupervisor(launcher ProcessLauncher, cfg SupervisorConfig) *Supervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.AttachTimeout <= 0 {
		cfg.AttachTimeout = DefaultAttachTimeout
	}
	return &Supervisor{
		launcher: launcher,
		config:   cfg,
		slots:    make(map[string]*actionSlot),
	}
}

// WithEventPublisher sets the publisher receiving run events.
func (s *Supervisor) WithEventPublisher(p EventPublisher) *Supervisor {
	s.publisher = p
	return s
}

// WithMetrics sets the recorder receiving action metrics.
func (s *Supervisor) WithMetrics(m MetricsRecorder) *Supervisor {
	s.metrics = m
	return s
}

// State returns the current state of a step.
func (s *Supervisor) State(stepID string) ActionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if slot, ok := s.slots[stepID]; ok {
		return slot.state
	}
	return ""
}

// Run starts every step of plan and blocks until all started actions have
// exited, or until ctx is cancelled and shutdown completes. Cancellation is
// reported through the returned status, not as an error.
func (s *Supervisor) Run(ctx context.Context, plan *Plan) (*ExitStatus, error) {
	if plan == nil {
		return nil, NewRuntimeError(ErrCodeInvalidAction, "plan is nil", nil)
	}

	r := &run{
		sup:      s,
		plan:     plan,
		ready:    make(chan string, len(plan.Steps)),
		exits:    make(chan exitResult, len(plan.Steps)),
		timeouts: make(chan string, len(plan.Steps)),
		waiting:  make(map[string][]string),
		// Processes outlive the run context; shutdown is driven by Terminate.
		procCtx: context.WithoutCancel(ctx),
	}

	s.mu.Lock()
	s.runID = uuid.New().String()
	s.slots = make(map[string]*actionSlot, len(plan.Steps))
	for _, step := range plan.Steps {
		slot := &actionSlot{step: step, state: ActionStatePending, done: make(chan struct{})}
		if step.Kind == StepLoadComponent {
			slot.owner = ownerOf(plan, step)
		}
		s.slots[step.ID] = slot
	}
	s.mu.Unlock()

	status := &ExitStatus{
		RunID:     s.runID,
		PlanID:    plan.ID,
		StartedAt: time.Now(),
	}
	s.publish(ctx, "", EventTypeRunStarted, "", fmt.Sprintf("starting %d steps", len(plan.Steps)))

	cancelledEarly := ctx.Err() != nil
	for _, step := range plan.Steps {
		if ctx.Err() != nil {
			break
		}
		r.startOrQueue(step.ID)
	}
	status.Cancelled = r.loop(ctx) || cancelledEarly

	status.EndedAt = time.Now()
	s.mu.RLock()
	for _, step := range plan.Steps {
		status.Actions = append(status.Actions, s.slots[step.ID].report())
	}
	s.mu.RUnlock()
	status.aggregate()

	s.publish(ctx, "", EventTypeRunCompleted, "",
		fmt.Sprintf("run %s with exit code %d", status.Status, status.Code))
	return status, nil
}

// run is the coordinator state of one Supervisor.Run call.
type run struct {
	sup      *Supervisor
	plan     *Plan
	procCtx  context.Context
	ready    chan string
	exits    chan exitResult
	timeouts chan string
	waiting  map[string][]string
	alive    int
	queued   int
	seq      int
}

// loop multiplexes lifecycle events until no action is alive or queued.
// It returns true if the run was cancelled.
func (r *run) loop(ctx context.Context) bool {
	cancelled := false
	done := ctx.Done()
	var grace, killDeadline <-chan time.Time

	for r.alive > 0 || r.queued > 0 {
		select {
		case id := <-r.ready:
			r.onReady(ctx, id)

		case id := <-r.timeouts:
			r.onAttachTimeout(ctx, id)

		case res := <-r.exits:
			r.onExit(ctx, res)

		case <-done:
			done = nil
			cancelled = true
			r.sup.publish(ctx, "", EventTypeRunCancelled, "", "cancellation requested")
			r.dropQueued()
			r.terminateAll(ctx)
			grace = time.After(r.sup.config.GracePeriod)

		case <-grace:
			grace = nil
			r.killAll(ctx)
			killDeadline = time.After(r.sup.config.GracePeriod)

		case <-killDeadline:
			// Handles that never report an exit after a kill are abandoned.
			r.abandon()
			return cancelled
		}
	}
	return cancelled
}

func (r *run) slot(id string) *actionSlot {
	return r.sup.slots[id]
}

// startOrQueue starts a step, or queues a load step until its container is ready.
func (r *run) startOrQueue(id string) {
	slot := r.slot(id)
	if slot.step.Kind != StepLoadComponent {
		r.start(slot)
		return
	}

	owner := r.slot(slot.owner)
	switch {
	case owner == nil || owner.state.IsTerminal():
		r.fail(slot, NewRuntimeError(ErrCodeContainerAttachTimeout,
			"container is not running", nil).
			WithAction(slot.step.QualifiedName()).
			WithContainer(slot.step.Container))
	case owner.ready:
		r.start(slot)
	default:
		r.transition(slot, ActionStateStarting)
		r.waiting[slot.owner] = append(r.waiting[slot.owner], id)
		r.queued++
		slot.timer = time.AfterFunc(r.sup.config.AttachTimeout, func() {
			r.timeouts <- id
		})
	}
}

func (r *run) start(slot *actionSlot) {
	r.transition(slot, ActionStateStarting)

	handle, err := r.sup.launcher.Start(r.procCtx, slot.step)
	if err != nil {
		r.fail(slot, NewRuntimeError(ErrCodeStartFailed, "failed to start", err).
			WithAction(slot.step.QualifiedName()))
		return
	}

	r.seq++
	r.sup.mu.Lock()
	slot.handle = handle
	slot.seq = r.seq
	slot.startedAt = time.Now()
	slot.state = ActionStateRunning
	r.sup.mu.Unlock()
	r.alive++

	if r.sup.metrics != nil {
		r.sup.metrics.RecordActionStarted(string(slot.step.Kind))
	}
	r.sup.publish(r.procCtx, slot.step.ID, EventTypeActionStarted, ActionStateRunning,
		fmt.Sprintf("started %s (pid %d)", slot.step.QualifiedName(), handle.PID()))

	id := slot.step.ID
	go func() {
		code, err := handle.Wait()
		close(slot.done)
		r.exits <- exitResult{id: id, code: code, err: err}
	}()

	if slot.step.Kind == StepCreateContainer {
		go func() {
			select {
			case <-handle.Ready():
				r.ready <- id
			case <-slot.done:
			}
		}()
	}
}

func (r *run) onReady(ctx context.Context, id string) {
	slot := r.slot(id)
	if slot.state != ActionStateRunning {
		return
	}
	slot.ready = true
	r.sup.publish(ctx, id, EventTypeActionReady, slot.state, "container ready: "+slot.step.Container)

	for _, loadID := range r.waiting[id] {
		load := r.slot(loadID)
		if load.timer != nil {
			load.timer.Stop()
		}
		r.queued--
		r.start(load)
	}
	delete(r.waiting, id)
}

func (r *run) onAttachTimeout(ctx context.Context, id string) {
	slot := r.slot(id)
	if slot.state != ActionStateStarting || !r.unqueue(slot.owner, id) {
		return
	}
	r.fail(slot, NewRuntimeError(ErrCodeContainerAttachTimeout,
		fmt.Sprintf("container not ready after %s", r.sup.config.AttachTimeout), nil).
		WithAction(slot.step.QualifiedName()).
		WithContainer(slot.step.Container))
}

func (r *run) onExit(ctx context.Context, res exitResult) {
	slot := r.slot(res.id)
	r.alive--

	state := ActionStateExited
	evt := EventTypeActionExited
	if slot.killed {
		state = ActionStateKilled
		evt = EventTypeActionKilled
	}

	r.sup.mu.Lock()
	slot.exitCode = res.code
	slot.err = res.err
	slot.endedAt = time.Now()
	slot.state = state
	r.sup.mu.Unlock()

	if r.sup.metrics != nil {
		r.sup.metrics.RecordActionFinished(string(slot.step.Kind), string(state), slot.endedAt.Sub(slot.startedAt))
	}
	r.sup.publish(ctx, res.id, evt, state,
		fmt.Sprintf("%s exited with code %d", slot.step.QualifiedName(), res.code))

	// Loads still waiting on a container that went away can never attach.
	for _, loadID := range r.waiting[res.id] {
		load := r.slot(loadID)
		if load.timer != nil {
			load.timer.Stop()
		}
		r.queued--
		r.fail(load, NewRuntimeError(ErrCodeContainerAttachTimeout,
			"container exited before becoming ready", nil).
			WithAction(load.step.QualifiedName()).
			WithContainer(load.step.Container))
	}
	delete(r.waiting, res.id)
}

// dropQueued returns queued load steps to pending; they were never started.
func (r *run) dropQueued() {
	for owner, ids := range r.waiting {
		for _, id := range ids {
			slot := r.slot(id)
			if slot.timer != nil {
				slot.timer.Stop()
			}
			r.sup.mu.Lock()
			slot.state = ActionStatePending
			r.sup.mu.Unlock()
		}
		delete(r.waiting, owner)
	}
	r.queued = 0
}

// terminateAll requests shutdown of every live action in reverse start order.
// Loads always start after their container, so attached components are
// asked to stop before the owner.
func (r *run) terminateAll(ctx context.Context) {
	for _, slot := range r.terminationOrder() {
		r.sup.mu.Lock()
		slot.state = ActionStateStopping
		slot.stopped = true
		r.sup.mu.Unlock()

		r.sup.publish(ctx, slot.step.ID, EventTypeActionStopping, ActionStateStopping,
			"terminating "+slot.step.QualifiedName())
		if err := slot.handle.Terminate(); err != nil {
			r.sup.publish(ctx, slot.step.ID, EventTypeActionStopping, ActionStateStopping,
				fmt.Sprintf("terminate %s: %v", slot.step.QualifiedName(), err))
		}
	}
}

func (r *run) killAll(ctx context.Context) {
	for _, slot := range r.terminationOrder() {
		slot.killed = true
		r.sup.publish(ctx, slot.step.ID, EventTypeActionKilled, slot.state,
			"grace period elapsed, killing "+slot.step.QualifiedName())
		_ = slot.handle.Kill()
	}
}

func (r *run) abandon() {
	r.sup.mu.Lock()
	defer r.sup.mu.Unlock()
	for _, slot := range r.sup.slots {
		if slot.state.IsAlive() {
			slot.state = ActionStateKilled
			slot.killed = true
			slot.endedAt = time.Now()
		}
	}
}

// terminationOrder returns live slots, latest started first, with every
// container owner placed after its attached components.
func (r *run) terminationOrder() []*actionSlot {
	var live []*actionSlot
	for _, slot := range r.sup.slots {
		if slot.state.IsAlive() && slot.handle != nil {
			live = append(live, slot)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		a, b := live[i], live[j]
		if a.owner == b.step.ID {
			return true
		}
		if b.owner == a.step.ID {
			return false
		}
		return a.seq > b.seq
	})
	return live
}

func (r *run) unqueue(owner, id string) bool {
	ids := r.waiting[owner]
	for i, w := range ids {
		if w == id {
			r.waiting[owner] = append(ids[:i], ids[i+1:]...)
			r.queued--
			return true
		}
	}
	return false
}

func (r *run) transition(slot *actionSlot, state ActionState) {
	r.sup.mu.Lock()
	slot.state = state
	r.sup.mu.Unlock()
}

func (r *run) fail(slot *actionSlot, err error) {
	r.sup.mu.Lock()
	slot.state = ActionStateFailed
	slot.err = err
	slot.endedAt = time.Now()
	r.sup.mu.Unlock()

	if r.sup.metrics != nil {
		r.sup.metrics.RecordActionFinished(string(slot.step.Kind), string(ActionStateFailed), 0)
	}
	r.sup.publish(r.procCtx, slot.step.ID, EventTypeActionFailed, ActionStateFailed, err.Error())
}

func (slot *actionSlot) report() ActionReport {
	rep := ActionReport{
		StepID:   slot.step.ID,
		Action:   slot.step.QualifiedName(),
		Kind:     slot.step.Kind,
		State:    slot.state,
		ExitCode: slot.exitCode,
		Stopped:  slot.stopped,
	}
	if slot.handle != nil {
		rep.PID = slot.handle.PID()
	}
	if slot.err != nil {
		rep.Error = slot.err.Error()
	}
	if !slot.startedAt.IsZero() {
		t := slot.startedAt
		rep.StartedAt = &t
	}
	if !slot.endedAt.IsZero() {
		t := slot.endedAt
		rep.EndedAt = &t
	}
	return rep
}

// ownerOf returns the create step ID for a load step.
func ownerOf(plan *Plan, step PlanStep) string {
	if deps := plan.Graph.DependenciesOf(step.ID); len(deps) > 0 {
		return deps[0]
	}
	for _, s := range plan.Steps {
		if s.Kind == StepCreateContainer && s.Scope == step.Scope && s.Container == step.Container {
			return s.ID
		}
	}
	return ""
}

// publish sends a run event from the coordinator, so events arrive in the
// order the coordinator observed them. Publishers must not block.
func (s *Supervisor) publish(ctx context.Context, stepID string, eventType EventType, state ActionState, message string) {
	if s.publisher == nil {
		return
	}

	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     s.runID,
		StepID:    stepID,
		State:     state,
		Message:   message,
		Level:     eventType.Severity(),
	}

	_ = s.publisher.Publish(ctx, event)
}
