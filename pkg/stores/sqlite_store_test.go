package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/rightsize/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testResult(id string, status engine.RunStatus, started time.Time) *engine.RunResult {
	res := &engine.RunResult{
		RunID:       id,
		Workflow:    "ResizeInstance",
		Fingerprint: "00112233aabbccdd",
		Status:      status,
		Parameters: engine.Parameters{
			"InstanceId":  engine.String("i-0abc"),
			"MaxAttempts": engine.Int(5),
			"ForceStop":   engine.Bool(false),
		},
		Context: engine.Snapshot{
			"DescribeInstance": {
				"Success":      engine.Bool(true),
				"InstanceType": engine.String("m5.large"),
			},
		},
		Steps: []engine.StepRecord{
			{Name: "DescribeInstance", Action: engine.ActionDescribeResource, Status: engine.StepStatusSucceeded, Attempts: 1, StartedAt: started, Duration: 120 * time.Millisecond},
			{Name: "CreateCapacityReservation", Action: engine.ActionCreateReservation, Status: engine.StepStatusSucceeded, Attempts: 3, StartedAt: started.Add(time.Second), Duration: 61 * time.Second},
		},
		StartedAt:   started,
		CompletedAt: started.Add(2 * time.Minute),
		Duration:    2 * time.Minute,
	}
	if status == engine.RunStatusAborted {
		res.FailingStep = "CreateCapacityReservation"
		res.Error = engine.NewCapacityExhaustedError(5, nil).WithStep("CreateCapacityReservation")
		res.Steps[1].Status = engine.StepStatusFailed
		res.Steps[1].Error = res.Error.Error()
		res.Steps = append(res.Steps, engine.StepRecord{
			Name: "CancelCapacityReservation", Action: engine.ActionCancelReservation,
			Status: engine.StepStatusSkipped, Cleanup: true, StartedAt: started.Add(time.Minute),
		})
	}
	return res
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "steps", "events"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestRecordAndGetRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.RecordRun(ctx, testResult("run-1", engine.RunStatusAborted, started)); err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != engine.RunStatusAborted || run.FailingStep != "CreateCapacityReservation" {
		t.Errorf("Unexpected run %+v", run)
	}
	if run.ErrorKind != engine.ErrorKindCapacityExhausted || run.Error == "" {
		t.Errorf("Expected capacity exhausted error, got %q (%s)", run.Error, run.ErrorKind)
	}
	if !run.StartedAt.Equal(started) || run.Duration != 2*time.Minute {
		t.Errorf("Unexpected timing %s %s", run.StartedAt, run.Duration)
	}
	if n, _ := run.Parameters["MaxAttempts"].AsInt(); n != 5 {
		t.Errorf("Expected MaxAttempts=5, got %v", run.Parameters["MaxAttempts"])
	}
	if v, _ := run.Context.Get("DescribeInstance", "InstanceType"); v.String() != "m5.large" {
		t.Errorf("Expected context to round trip, got %v", v)
	}

	if len(run.Steps) != 3 {
		t.Fatalf("Expected 3 steps, got %d", len(run.Steps))
	}
	if s := run.Steps[1]; s.Attempts != 3 || s.Status != engine.StepStatusFailed || s.Duration != 61*time.Second {
		t.Errorf("Unexpected step %+v", s)
	}
	if s := run.Steps[2]; !s.Cleanup || s.Status != engine.StepStatusSkipped {
		t.Errorf("Expected skipped cleanup step, got %+v", s)
	}

	if err := store.RecordRun(ctx, testResult("run-1", engine.RunStatusSucceeded, started)); err == nil {
		t.Error("Expected duplicate run id to fail")
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := store.DeleteRun(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on delete, got %v", err)
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, status := range []engine.RunStatus{
		engine.RunStatusSucceeded,
		engine.RunStatusAborted,
		engine.RunStatusSucceeded,
		engine.RunStatusFailed,
	} {
		id := string(rune('a' + i))
		if err := store.RecordRun(ctx, testResult(id, status, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("RecordRun failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter RunFilter
		want   []string
	}{
		{"all newest first", RunFilter{}, []string{"d", "c", "b", "a"}},
		{"by status", RunFilter{Status: engine.RunStatusSucceeded}, []string{"c", "a"}},
		{"limit and offset", RunFilter{Limit: 2, Offset: 1}, []string{"c", "b"}},
		{"since", RunFilter{Since: base.Add(2 * time.Hour)}, []string{"d", "c"}},
		{"other workflow", RunFilter{Workflow: "Other"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := store.ListRuns(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListRuns failed: %v", err)
			}
			if len(runs) != len(tt.want) {
				t.Fatalf("Expected %d runs, got %d", len(tt.want), len(runs))
			}
			for i, run := range runs {
				if run.ID != tt.want[i] {
					t.Errorf("Expected %s at %d, got %s", tt.want[i], i, run.ID)
				}
				if run.Steps != nil {
					t.Error("Expected steps to be omitted from listings")
				}
			}
		})
	}
}

func TestDeleteAndPruneRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "mid", "new"} {
		if err := store.RecordRun(ctx, testResult(id, engine.RunStatusSucceeded, base.AddDate(0, 0, i))); err != nil {
			t.Fatalf("RecordRun failed: %v", err)
		}
	}
	if err := store.AppendEvent(ctx, &Event{ID: "e1", RunID: "old", Type: "run.started", Level: "info"}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	n, err := store.PruneRuns(ctx, base.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("PruneRuns failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 pruned run, got %d", n)
	}
	if events, _ := store.GetEvents(ctx, "old", 0); len(events) != 0 {
		t.Errorf("Expected events of pruned run to be removed, got %d", len(events))
	}
	if steps, _ := store.ListSteps(ctx, "old"); len(steps) != 0 {
		t.Errorf("Expected steps of pruned run to cascade, got %d", len(steps))
	}

	if err := store.DeleteRun(ctx, "mid"); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	runs, _ := store.ListRuns(ctx, RunFilter{})
	if len(runs) != 1 || runs[0].ID != "new" {
		t.Errorf("Expected only the newest run to remain, got %d", len(runs))
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, typ := range []string{"run.started", "step.completed", "run.completed"} {
		err := store.AppendEvent(ctx, &Event{
			ID:        typ,
			RunID:     "run-1",
			Type:      typ,
			Level:     "info",
			Message:   typ,
			Data:      map[string]interface{}{"seq": i},
			Timestamp: ts.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	events, err := store.GetEvents(ctx, "run-1", 2)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 2 || events[0].Type != "run.started" || events[1].Type != "step.completed" {
		t.Fatalf("Unexpected events %v", events)
	}
	if seq, ok := events[1].Data["seq"].(float64); !ok || seq != 1 {
		t.Errorf("Expected data to round trip, got %v", events[1].Data)
	}
}

func TestRecorderWithEngine(t *testing.T) {
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	wf := &engine.Workflow{
		Name: "noop",
		Steps: []engine.Step{
			{Name: "End", Action: engine.ActionEnd, IsEnd: true},
		},
	}
	e := engine.NewWorkflowEngine(nil, engine.WithRecorder(store))
	res := e.Run(context.Background(), wf, nil)
	if res.Status != engine.RunStatusSucceeded {
		t.Fatalf("Expected Succeeded, got %s: %v", res.Status, res.Error)
	}

	run, err := store.GetRun(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Fingerprint != wf.Fingerprint() || len(run.Steps) != 1 {
		t.Errorf("Unexpected stored run %+v", run)
	}
}
