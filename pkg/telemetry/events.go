package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/simlaunch/pkg/engine"
)

// Event is a timeline entry of a plan build or launch run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// PlanID is the associated plan ID, if applicable.
	PlanID string `json:"plan_id,omitempty"`

	// StepID is the associated step ID, if applicable.
	StepID string `json:"step_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// TraceID links the event to the span that was active when it occurred.
	TraceID string `json:"trace_id,omitempty"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypePlanBuilt       = "plan.built"
	EventTypePlanFailed      = "plan.failed"
	EventTypePolicyViolation = "policy.violation"
	EventTypeRunStarted      = "run.started"
	EventTypeRunCompleted    = "run.completed"
	EventTypeRunCancelled    = "run.cancelled"
	EventTypeActionStarted   = "action.started"
	EventTypeActionReady     = "action.ready"
	EventTypeActionExited    = "action.exited"
	EventTypeActionFailed    = "action.failed"
	EventTypeActionStopping  = "action.stopping"
	EventTypeActionKilled    = "action.killed"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. Subscribers see events in
// publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	closed      bool
	done        chan struct{}
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.EnableAsync && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ep := &EventPublisher{
		config: cfg,
		done:   make(chan struct{}),
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()

	if ep.closed {
		return fmt.Errorf("event publisher stopped")
	}
	for _, filter := range ep.filters {
		if !filter(event) {
			return nil
		}
	}

	if !ep.config.EnableAsync {
		ep.deliverLocked(event)
		return nil
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event %s dropped", event.Type)
	}
}

// PublishPlanBuilt publishes a plan built event.
func (ep *EventPublisher) PublishPlanBuilt(plan *engine.Plan, source string) error {
	return ep.Publish(Event{
		Type:    EventTypePlanBuilt,
		Source:  "planner",
		PlanID:  plan.ID,
		Message: fmt.Sprintf("Plan %s built from %s with %d steps", plan.ID, source, len(plan.Steps)),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"source":     source,
			"steps":      len(plan.Steps),
			"containers": len(plan.Containers),
		},
	})
}

// PublishPlanFailed publishes a plan failure event.
func (ep *EventPublisher) PublishPlanFailed(source string, err error) error {
	return ep.Publish(Event{
		Type:    EventTypePlanFailed,
		Source:  "planner",
		Message: fmt.Sprintf("Plan for %s failed: %v", source, err),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"source": source,
			"code":   engine.ErrorCode(err),
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(planID, policyName, stepID, severity, message string) error {
	level := EventLevelWarning
	switch severity {
	case "info":
		level = EventLevelInfo
	case "error", "critical":
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy_engine",
		PlanID:  planID,
		StepID:  stepID,
		Message: fmt.Sprintf("Policy %s: %s", policyName, message),
		Level:   level,
		Data: map[string]interface{}{
			"policy":   policyName,
			"severity": severity,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events until the buffer is closed.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for event := range ep.buffer {
		ep.mu.RLock()
		ep.deliverLocked(event)
		ep.mu.RUnlock()
	}
}

// deliverLocked delivers an event to all matching subscribers.
// The caller holds ep.mu.
func (ep *EventPublisher) deliverLocked(event Event) {
	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits for buffered events to be
// delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	if ep.buffer != nil {
		close(ep.buffer)
	}
	ep.mu.Unlock()

	go func() {
		ep.wg.Wait()
		close(ep.done)
	}()

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

// FilterByStep creates a filter that only allows events for a specific step.
func FilterByStep(stepID string) EventFilter {
	return func(event Event) bool {
		return event.StepID == stepID
	}
}
