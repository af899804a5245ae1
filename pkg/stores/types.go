package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/rightsize/pkg/engine"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// Run is a stored terminal run.
type Run struct {
	ID          string            `json:"id"`
	Workflow    string            `json:"workflow"`
	Fingerprint string            `json:"fingerprint"`
	Status      engine.RunStatus  `json:"status"`
	FailingStep string            `json:"failing_step,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorKind   engine.ErrorKind  `json:"error_kind,omitempty"`
	Parameters  engine.Parameters `json:"parameters"`
	Context     engine.Snapshot   `json:"context"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Duration    time.Duration     `json:"duration"`

	// Steps is only populated by GetRun.
	Steps []engine.StepRecord `json:"steps,omitempty"`
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	Workflow string
	Status   engine.RunStatus
	Since    time.Time
	Limit    int
	Offset   int
}

// Event is a stored lifecycle event.
type Event struct {
	ID        string                 `json:"id"`
	RunID     string                 `json:"run_id"`
	Step      string                 `json:"step,omitempty"`
	Type      string                 `json:"type"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Store defines the run history persistence layer.
type Store interface {
	engine.RunRecorder

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	ListSteps(ctx context.Context, runID string) ([]engine.StepRecord, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, limit int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
