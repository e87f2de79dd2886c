package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents an in-process notification published by the engine.
// This is distinct from the durable execution log: subscribers see events
// live and unreliably (a full buffer drops them).
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// ActionID is the associated action ID, if applicable.
	ActionID string `json:"action_id,omitempty"`

	// ClusterID is the associated cluster ID, if applicable.
	ClusterID string `json:"cluster_id,omitempty"`

	// NodeID is the associated node ID, if applicable.
	NodeID string `json:"node_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeActionStarted     = "action.started"
	EventTypeActionCompleted   = "action.completed"
	EventTypeActionFailed      = "action.failed"
	EventTypeActionRequeued    = "action.requeued"
	EventTypeClusterStatus     = "cluster.status_changed"
	EventTypeNodeStatus        = "node.status_changed"
	EventTypeNodeFailure       = "node.failure_detected"
	EventTypePolicyRejection   = "policy.rejection"
	EventTypeLockReclaimed     = "lock.reclaimed"
	EventTypeError             = "error"
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

	if cfg.EnableAsync {
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

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishActionStarted publishes an action started event.
func (ep *EventPublisher) PublishActionStarted(actionID, operation, target string) error {
	return ep.Publish(Event{
		Type:     EventTypeActionStarted,
		Source:   "dispatcher",
		ActionID: actionID,
		Message:  fmt.Sprintf("Action %s started: %s on %s", actionID, operation, target),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"operation": operation,
			"target":    target,
		},
	})
}

// PublishActionCompleted publishes an action terminal-status event.
func (ep *EventPublisher) PublishActionCompleted(actionID, operation, status string, duration time.Duration) error {
	level := EventLevelInfo
	eventType := EventTypeActionCompleted
	if status == "FAILED" {
		level = EventLevelError
		eventType = EventTypeActionFailed
	}
	return ep.Publish(Event{
		Type:     eventType,
		Source:   "dispatcher",
		ActionID: actionID,
		Message:  fmt.Sprintf("Action %s finished with status %s", actionID, status),
		Level:    level,
		Data: map[string]interface{}{
			"operation": operation,
			"status":    status,
			"duration":  duration.Seconds(),
		},
	})
}

// PublishActionRequeued publishes an action requeue event.
func (ep *EventPublisher) PublishActionRequeued(actionID, status, reason string) error {
	return ep.Publish(Event{
		Type:     EventTypeActionRequeued,
		Source:   "dispatcher",
		ActionID: actionID,
		Message:  fmt.Sprintf("Action %s requeued to %s: %s", actionID, status, reason),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"status": status,
			"reason": reason,
		},
	})
}

// PublishClusterStatusChanged publishes a cluster status change event.
func (ep *EventPublisher) PublishClusterStatusChanged(clusterID, oldStatus, newStatus string) error {
	return ep.Publish(Event{
		Type:      EventTypeClusterStatus,
		Source:    "engine",
		ClusterID: clusterID,
		Message:   fmt.Sprintf("Cluster %s status changed from %s to %s", clusterID, oldStatus, newStatus),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"old_status": oldStatus,
			"new_status": newStatus,
		},
	})
}

// PublishNodeFailure publishes a node failure detection event.
func (ep *EventPublisher) PublishNodeFailure(nodeID, source string) error {
	return ep.Publish(Event{
		Type:    EventTypeNodeFailure,
		Source:  "health_monitor",
		NodeID:  nodeID,
		Message: fmt.Sprintf("Node %s failure detected via %s", nodeID, source),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"detection_source": source,
		},
	})
}

// PublishPolicyRejection publishes a policy rejection event.
func (ep *EventPublisher) PublishPolicyRejection(actionID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:     EventTypePolicyRejection,
		Source:   "policy_pipeline",
		ActionID: actionID,
		Message:  fmt.Sprintf("Action %s rejected by policy %s: %s", actionID, policyName, reason),
		Level:    EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// PublishLockReclaimed publishes a stale lock reclaim event.
func (ep *EventPublisher) PublishLockReclaimed(objectID, deadOwner, actionID string) error {
	return ep.Publish(Event{
		Type:     EventTypeLockReclaimed,
		Source:   "lock_manager",
		ActionID: actionID,
		Message:  fmt.Sprintf("Stale lock on %s held by dead owner %s reclaimed", objectID, deadOwner),
		Level:    EventLevelWarning,
		Data: map[string]interface{}{
			"object_id":  objectID,
			"dead_owner": deadOwner,
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

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			// Drain remaining events before shutting down
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		// Subscribers run in their own goroutine so a slow one cannot
		// block delivery.
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

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

// FilterByActionID creates a filter that only allows events for a specific action.
func FilterByActionID(actionID string) EventFilter {
	return func(event Event) bool {
		return event.ActionID == actionID
	}
}

// FilterByClusterID creates a filter that only allows events for a specific cluster.
func FilterByClusterID(clusterID string) EventFilter {
	return func(event Event) bool {
		return event.ClusterID == clusterID
	}
}
