package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle notification about a run.
type Event struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Type       string                 `json:"type"`
	Source     string                 `json:"source"`
	RunID      string                 `json:"run_id,omitempty"`
	Step       string                 `json:"step,omitempty"`
	ResourceID string                 `json:"resource_id,omitempty"`
	Message    string                 `json:"message"`
	Level      string                 `json:"level"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted         = "run.started"
	EventTypeRunCompleted       = "run.completed"
	EventTypeRunAborted         = "run.aborted"
	EventTypeRunFailed          = "run.failed"
	EventTypeStepCompleted      = "step.completed"
	EventTypeStepFailed         = "step.failed"
	EventTypeStepSkipped        = "step.skipped"
	EventTypeReservationAttempt = "reservation.attempt"
	EventTypePolicyViolation    = "policy.violation"
)

// Event levels, lowest first.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var (
	// ErrPublisherStopped is returned by Publish after Shutdown.
	ErrPublisherStopped = errors.New("event publisher stopped")

	// ErrBufferFull is returned when an asynchronous event is dropped.
	ErrBufferFull = errors.New("event buffer full, event dropped")
)

// EventSubscriber receives delivered events.
type EventSubscriber func(event Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers.
//
// Synchronous publishers call subscribers from Publish. Asynchronous ones
// queue events and deliver them from one goroutine in batches of
// MaxBatchSize or every FlushInterval, so subscribers still see publish
// order. Shutdown delivers whatever is queued.
type EventPublisher struct {
	config EventsConfig

	mu      sync.RWMutex
	subs    []subscription
	filters []EventFilter

	queue    chan Event
	stopped  chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewEventPublisher creates a publisher. A disabled publisher accepts and
// drops every event.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{
		config:  cfg,
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if !cfg.Enabled || !cfg.EnableAsync {
		close(ep.done)
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got %d", cfg.BufferSize)
	}
	ep.queue = make(chan Event, cfg.BufferSize)
	go ep.run()
	return ep, nil
}

// Publish fills in ID, Timestamp and Source when unset and delivers or
// queues the event.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}
	select {
	case <-ep.stopped:
		return ErrPublisherStopped
	default:
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Source == "" {
		event.Source = "engine"
	}
	if !ep.accept(event) {
		return nil
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return ErrBufferFull
	}
}

// Subscribe registers fn for events passing filter. A nil filter accepts
// everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// AddFilter drops events failing filter before any subscriber sees them.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	ep.filters = append(ep.filters, filter)
	ep.mu.Unlock()
}

func (ep *EventPublisher) accept(event Event) bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, f := range ep.filters {
		if !f(event) {
			return false
		}
	}
	return true
}

func (ep *EventPublisher) deliver(events ...Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, event := range events {
		for _, s := range ep.subs {
			if s.filter == nil || s.filter(event) {
				s.fn(event)
			}
		}
	}
}

func (ep *EventPublisher) run() {
	defer close(ep.done)

	size := max(ep.config.MaxBatchSize, 1)
	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, size)
	flush := func() {
		ep.deliver(batch...)
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.queue:
			if batch = append(batch, event); len(batch) >= size {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.stopped:
			for {
				select {
				case event := <-ep.queue:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Shutdown stops accepting events and waits until queued ones are
// delivered or ctx is done. It is safe to call more than once.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.stopOnce.Do(func() { close(ep.stopped) })
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

var eventLevelRank = map[string]int{
	EventLevelInfo:    0,
	EventLevelWarning: 1,
	EventLevelError:   2,
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := eventLevelRank[minLevel]
	return func(event Event) bool {
		return eventLevelRank[event.Level] >= floor
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(event Event) bool {
		_, ok := set[event.Type]
		return ok
	}
}

// FilterByRunID accepts events of one run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
