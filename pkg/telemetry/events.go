package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event emitted by the engine.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the emitting component.
	Source string `json:"source"`

	// SessionID is the associated session, if applicable.
	SessionID string `json:"session_id,omitempty"`

	// PluginID is the associated plugin, if applicable.
	PluginID string `json:"plugin_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeSessionStarted    = "session.started"
	EventTypeSessionTransition = "session.transition"
	EventTypeSessionStopped    = "session.stopped"
	EventTypePluginMounted     = "plugin.mounted"
	EventTypePluginDisabled    = "plugin.disabled"
	EventTypeResourceFailed    = "resource.failed"
	EventTypeDiagnostic        = "diagnostic.reported"
	EventTypePolicyReloaded    = "policy.reloaded"
)

// Event severity levels.
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
// Subscribers must not block; they run on the publisher goroutine in async
// mode and on the publishing goroutine otherwise.
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
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
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
	if ep == nil || !ep.config.Enabled {
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
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishSessionStarted publishes a session started event.
func (ep *EventPublisher) PublishSessionStarted(sessionID string) error {
	return ep.Publish(Event{
		Type:      EventTypeSessionStarted,
		Source:    "session",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Session %s started", sessionID),
		Level:     EventLevelInfo,
	})
}

// PublishTransition publishes a session state transition event.
func (ep *EventPublisher) PublishTransition(sessionID, from, to string) error {
	level := EventLevelInfo
	if to == "lost" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:      EventTypeSessionTransition,
		Source:    "session",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Session %s moved from %s to %s", sessionID, from, to),
		Level:     level,
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

// PublishSessionStopped publishes a session stopped event.
func (ep *EventPublisher) PublishSessionStopped(sessionID string, frames uint64, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeSessionStopped,
		Source:    "session",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Session %s stopped after %d frames", sessionID, frames),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"frames":   frames,
			"duration": duration.Seconds(),
		},
	})
}

// PublishPluginMounted publishes a plugin mounted event.
func (ep *EventPublisher) PublishPluginMounted(pluginID string) error {
	return ep.Publish(Event{
		Type:     EventTypePluginMounted,
		Source:   "plugins",
		PluginID: pluginID,
		Message:  fmt.Sprintf("Plugin %s mounted", pluginID),
		Level:    EventLevelInfo,
	})
}

// PublishPluginDisabled publishes a plugin disabled event.
func (ep *EventPublisher) PublishPluginDisabled(pluginID string, failures int) error {
	return ep.Publish(Event{
		Type:     EventTypePluginDisabled,
		Source:   "plugins",
		PluginID: pluginID,
		Message:  fmt.Sprintf("Plugin %s disabled after %d consecutive failures", pluginID, failures),
		Level:    EventLevelError,
		Data: map[string]interface{}{
			"failures": failures,
		},
	})
}

// PublishResourceFailed publishes a resource load failure event.
func (ep *EventPublisher) PublishResourceFailed(owner, url, reason string) error {
	return ep.Publish(Event{
		Type:     EventTypeResourceFailed,
		Source:   "loader",
		PluginID: owner,
		Message:  fmt.Sprintf("Resource %s failed to load: %s", url, reason),
		Level:    EventLevelWarning,
		Data: map[string]interface{}{
			"url":    url,
			"reason": reason,
		},
	})
}

// PublishDiagnostic publishes a diagnostic event.
func (ep *EventPublisher) PublishDiagnostic(origin, kind, message string, fatal bool) error {
	level := EventLevelWarning
	if fatal {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypeDiagnostic,
		Source:  origin,
		Message: message,
		Level:   level,
		Data: map[string]interface{}{
			"kind":  kind,
			"fatal": fatal,
		},
	})
}

// PublishPolicyReloaded publishes a capability policy reload event.
func (ep *EventPublisher) PublishPolicyReloaded(path string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyReloaded,
		Source:  "policy",
		Message: fmt.Sprintf("Capability policy reloaded from %s", path),
		Level:   EventLevelInfo,
	})
}

// Subscribe adds a new event subscriber. filter may be nil.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
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
			// Drain whatever is already queued, up to a batch.
			for len(batch) < ep.config.MaxBatchSize && len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			ep.flushBatch(batch)
			batch = batch[:0]

		case <-ep.ctx.Done():
			for len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			ep.flushBatch(batch)
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

// deliverEvent delivers an event to all subscribers. A panicking subscriber is skipped.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	entries := make([]subscriberEntry, len(ep.subscribers))
	copy(entries, ep.subscribers)
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			entry.subscriber(event)
		}()
	}
}

// Shutdown gracefully shuts down the event publisher, delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
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

// FilterByPluginID creates a filter that only allows events for a specific plugin.
func FilterByPluginID(pluginID string) EventFilter {
	return func(event Event) bool {
		return event.PluginID == pluginID
	}
}
