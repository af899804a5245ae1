package telemetry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestEventPublisherAsyncOrder(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		EnableAsync:   true,
		BufferSize:    16,
		MaxBatchSize:  4,
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	log := &eventLog{}
	ep.Subscribe(log.add, nil)

	for i := 0; i < 6; i++ {
		if err := ep.Publish(Event{Type: fmt.Sprintf("t%d", i), Level: EventLevelInfo}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	types := log.types()
	if len(types) != 6 {
		t.Fatalf("Expected 6 delivered events, got %v", types)
	}
	for i, typ := range types {
		if typ != fmt.Sprintf("t%d", i) {
			t.Errorf("Expected t%d at %d, got %s", i, i, typ)
		}
	}
	for _, e := range log.events {
		if e.ID == "" || e.Timestamp.IsZero() || e.Source != "engine" {
			t.Errorf("Expected defaults to be filled, got %+v", e)
		}
	}

	if err := ep.Publish(Event{Type: "late"}); !errors.Is(err, ErrPublisherStopped) {
		t.Errorf("Expected ErrPublisherStopped, got %v", err)
	}
}

func TestEventFilters(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	errorsOnly := &eventLog{}
	runOnly := &eventLog{}
	ep.Subscribe(errorsOnly.add, FilterByLevel(EventLevelError))
	ep.Subscribe(runOnly.add, FilterByRunID("run-1"))
	ep.AddFilter(FilterByType(EventTypeStepFailed, EventTypeRunFailed))

	_ = ep.Publish(Event{Type: EventTypeStepFailed, RunID: "run-1", Level: EventLevelWarning})
	_ = ep.Publish(Event{Type: EventTypeRunFailed, RunID: "run-2", Level: EventLevelError})
	_ = ep.Publish(Event{Type: EventTypeRunStarted, RunID: "run-1", Level: EventLevelError})

	if got := errorsOnly.types(); len(got) != 1 || got[0] != EventTypeRunFailed {
		t.Errorf("Expected only run.failed, got %v", got)
	}
	if got := runOnly.types(); len(got) != 1 || got[0] != EventTypeStepFailed {
		t.Errorf("Expected only run-1 step.failed, got %v", got)
	}
}

func TestEventPublisherDisabled(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	log := &eventLog{}
	ep.Subscribe(log.add, nil)
	if err := ep.Publish(Event{Type: "x"}); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if len(log.types()) != 0 {
		t.Error("Expected no delivery when disabled")
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
