package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/stratus/pkg/engine"
)

// EventSubscriber handles a published event. Subscribers run on the
// delivering goroutine and must not block.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event engine.Event) bool

// EventPublisher fans operation events out to subscribers.
type EventPublisher struct {
	config EventsConfig
	buffer chan engine.Event

	mu          sync.RWMutex
	subscribers map[uint64]subscriberEntry
	nextID      uint64

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

var _ engine.EventPublisher = (*EventPublisher)(nil)

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config:      cfg,
		subscribers: make(map[uint64]subscriberEntry),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.Enabled && cfg.EnableAsync {
		ep.buffer = make(chan engine.Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep
}

// Publish delivers an event to all matching subscribers.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if !ep.config.Enabled || event == nil {
		return nil
	}

	e := *event
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Level == "" {
		e.Level = e.Type.Severity()
	}

	if ep.buffer == nil {
		ep.deliverEvent(e)
		return nil
	}

	select {
	case ep.buffer <- e:
		return nil
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// Subscribe registers a subscriber with an optional filter and returns a
// function that removes it.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) func() {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	id := ep.nextID
	ep.nextID++
	ep.subscribers[id] = subscriberEntry{subscriber: subscriber, filter: filter}

	return func() {
		ep.mu.Lock()
		delete(ep.subscribers, id)
		ep.mu.Unlock()
	}
}

// processEvents drains the async buffer.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
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

func (ep *EventPublisher) deliverEvent(event engine.Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops async delivery after draining buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
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

// FilterByLevel allows events at minLevel or above (info < warn < error).
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{"debug": -1, "info": 0, "warn": 1, "error": 2}
	min := levels[minLevel]
	return func(event engine.Event) bool {
		return levels[event.Level] >= min
	}
}

// FilterByType allows events of the given types.
func FilterByType(types ...engine.EventType) EventFilter {
	set := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event engine.Event) bool {
		return set[event.Type]
	}
}

// FilterByOperationID allows events of one operation.
func FilterByOperationID(operationID string) EventFilter {
	return func(event engine.Event) bool {
		return event.OperationID == operationID
	}
}

// FilterByInstanceID allows events about one instance.
func FilterByInstanceID(instanceID string) EventFilter {
	return func(event engine.Event) bool {
		return event.InstanceID == instanceID
	}
}

// AllOf combines filters; every one must accept the event.
func AllOf(filters ...EventFilter) EventFilter {
	return func(event engine.Event) bool {
		for _, f := range filters {
			if f != nil && !f(event) {
				return false
			}
		}
		return true
	}
}
