package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event in the Recowave system.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// ExecutionID is the associated execution ID, if applicable.
	ExecutionID string `json:"execution_id,omitempty"`

	// PlanID is the associated recovery plan ID, if applicable.
	PlanID string `json:"plan_id,omitempty"`

	// WaveNumber is the associated wave, if applicable. Negative when not
	// wave-scoped.
	WaveNumber int `json:"wave_number,omitempty"`

	// GroupID is the associated protection group ID, if applicable.
	GroupID string `json:"group_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeExecutionStarted   = "execution.started"
	EventTypeExecutionCompleted = "execution.completed"
	EventTypeExecutionFailed    = "execution.failed"
	EventTypeExecutionPaused    = "execution.paused"
	EventTypeExecutionCancelled = "execution.cancelled"
	EventTypeWaveStarted        = "wave.started"
	EventTypeWaveCompleted      = "wave.completed"
	EventTypeWaveFailed         = "wave.failed"
	EventTypeWaveTimeout        = "wave.timeout"
	EventTypeDriftDetected      = "drift.detected"
	EventTypeConflictDetected   = "conflict.detected"
	EventTypePolicyViolation    = "policy.violation"
	EventTypeError              = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
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

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	// Start the periodic flush goroutine
	if cfg.FlushInterval > 0 {
		ep.wg.Add(1)
		go ep.periodicFlush()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			// Buffer full, drop event or log warning
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(event)
	return nil
}

// PublishExecutionStarted publishes an execution started event.
func (ep *EventPublisher) PublishExecutionStarted(executionID, planID, executionType string) error {
	return ep.Publish(Event{
		Type:        EventTypeExecutionStarted,
		Source:      "orchestrator",
		ExecutionID: executionID,
		PlanID:      planID,
		Message:     fmt.Sprintf("Execution %s started for plan %s", executionID, planID),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"execution_type": executionType,
		},
	})
}

// PublishExecutionCompleted publishes an execution completed event.
func (ep *EventPublisher) PublishExecutionCompleted(executionID, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:        EventTypeExecutionCompleted,
		Source:      "orchestrator",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s completed with status: %s", executionID, status),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishExecutionFailed publishes an execution failed event.
func (ep *EventPublisher) PublishExecutionFailed(executionID, errorCode, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypeExecutionFailed,
		Source:      "orchestrator",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s failed: %s", executionID, reason),
		Level:       EventLevelError,
		Data: map[string]interface{}{
			"error_code": errorCode,
			"reason":     reason,
		},
	})
}

// PublishExecutionPaused publishes an execution paused event.
func (ep *EventPublisher) PublishExecutionPaused(executionID string, pausedBeforeWave int) error {
	return ep.Publish(Event{
		Type:        EventTypeExecutionPaused,
		Source:      "orchestrator",
		ExecutionID: executionID,
		WaveNumber:  pausedBeforeWave,
		Message:     fmt.Sprintf("Execution %s paused before wave %d", executionID, pausedBeforeWave),
		Level:       EventLevelInfo,
	})
}

// PublishExecutionCancelled publishes an execution cancelled event.
func (ep *EventPublisher) PublishExecutionCancelled(executionID string) error {
	return ep.Publish(Event{
		Type:        EventTypeExecutionCancelled,
		Source:      "orchestrator",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s cancelled", executionID),
		Level:       EventLevelWarning,
	})
}

// PublishWaveStarted publishes a wave started event.
func (ep *EventPublisher) PublishWaveStarted(executionID string, waveNumber int, jobID string, serverCount int) error {
	return ep.Publish(Event{
		Type:        EventTypeWaveStarted,
		Source:      "orchestrator",
		ExecutionID: executionID,
		WaveNumber:  waveNumber,
		Message:     fmt.Sprintf("Wave %d started with job %s (%d servers)", waveNumber, jobID, serverCount),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"job_id":  jobID,
			"servers": serverCount,
		},
	})
}

// PublishWaveCompleted publishes a wave completed event.
func (ep *EventPublisher) PublishWaveCompleted(executionID string, waveNumber int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:        EventTypeWaveCompleted,
		Source:      "orchestrator",
		ExecutionID: executionID,
		WaveNumber:  waveNumber,
		Message:     fmt.Sprintf("Wave %d completed", waveNumber),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishWaveFailed publishes a wave failed event.
func (ep *EventPublisher) PublishWaveFailed(executionID string, waveNumber int, errorCode, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypeWaveFailed,
		Source:      "orchestrator",
		ExecutionID: executionID,
		WaveNumber:  waveNumber,
		Message:     fmt.Sprintf("Wave %d failed: %s", waveNumber, reason),
		Level:       EventLevelError,
		Data: map[string]interface{}{
			"error_code": errorCode,
			"reason":     reason,
		},
	})
}

// PublishWaveTimeout publishes a wave timeout event.
func (ep *EventPublisher) PublishWaveTimeout(executionID string, waveNumber int, waited time.Duration) error {
	return ep.Publish(Event{
		Type:        EventTypeWaveTimeout,
		Source:      "orchestrator",
		ExecutionID: executionID,
		WaveNumber:  waveNumber,
		Message:     fmt.Sprintf("Wave %d exceeded its wait budget after %s", waveNumber, waited),
		Level:       EventLevelError,
		Data: map[string]interface{}{
			"waited": waited.Seconds(),
		},
	})
}

// PublishDriftDetected publishes a drift detected event.
func (ep *EventPublisher) PublishDriftDetected(groupID string, driftedServers int) error {
	return ep.Publish(Event{
		Type:    EventTypeDriftDetected,
		Source:  "launch_config",
		GroupID: groupID,
		Message: fmt.Sprintf("Drift detected on protection group %s (%d servers)", groupID, driftedServers),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"drifted_servers": driftedServers,
		},
	})
}

// PublishConflictDetected publishes an admission conflict event.
func (ep *EventPublisher) PublishConflictDetected(planID, kind, message string) error {
	return ep.Publish(Event{
		Type:    EventTypeConflictDetected,
		Source:  "admission",
		PlanID:  planID,
		Message: message,
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"kind": kind,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(planID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy_engine",
		PlanID:  planID,
		Message: fmt.Sprintf("Policy violation on plan %s: %s - %s", planID, policyName, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber.
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

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Flush batch if it reaches max size
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Flush remaining events before shutting down
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// periodicFlush flushes events periodically.
func (ep *EventPublisher) periodicFlush() {
	defer ep.wg.Done()

	ticker := time.NewTicker(ep.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Trigger flush by draining buffer
			// This is handled by the processEvents goroutine
		case <-ep.ctx.Done():
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		// Call subscriber in a goroutine to avoid blocking
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

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

// FilterByExecutionID creates a filter that only allows events for a specific execution.
func FilterByExecutionID(executionID string) EventFilter {
	return func(event Event) bool {
		return event.ExecutionID == executionID
	}
}

// FilterByGroupID creates a filter that only allows events for a specific protection group.
func FilterByGroupID(groupID string) EventFilter {
	return func(event Event) bool {
		return event.GroupID == groupID
	}
}
