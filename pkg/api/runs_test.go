package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/rightsize/pkg/engine"
	"github.com/openfroyo/rightsize/pkg/providers/simulated"
	"github.com/openfroyo/rightsize/pkg/resize"
	"github.com/openfroyo/rightsize/pkg/stores"
)

func postRun(t *testing.T, env *testEnv, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(env.ts.URL+"/runs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /runs: %v", err)
	}
	return resp
}

func TestCreateRun(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := postRun(t, env, `{"instance_id":"i-1","target_instance_type":"m6i.large"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var created createRunResponse
	decode(t, resp, &created)
	if created.RunID == "" || created.Status != statusQueued {
		t.Fatalf("unexpected response %+v", created)
	}

	env.srv.Wait()

	resp, err := http.Get(env.ts.URL + "/runs/" + created.RunID)
	if err != nil {
		t.Fatalf("GET /runs/{id}: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var run stores.Run
	decode(t, resp, &run)
	if run.Status != engine.RunStatusSucceeded {
		t.Errorf("run status = %s, want succeeded (error: %s)", run.Status, run.Error)
	}
	if len(run.Steps) == 0 {
		t.Error("expected step records")
	}

	inst, _ := env.client.Instance("i-1")
	if inst.InstanceType != "m6i.large" || inst.State != engine.ResourceStateRunning {
		t.Errorf("instance = %+v, want running m6i.large", inst)
	}
}

func TestCreateRunExplicitZeroOverridesDefaults(t *testing.T) {
	env := newTestEnv(t, nil)
	defaults := resize.DefaultParameters()
	defaults.ForceStop = true
	env.srv.config.Defaults = defaults

	resp := postRun(t, env, `{"instance_id":"i-1","target_instance_type":"m6i.large","force_stop":false,"retry_interval":0}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var created createRunResponse
	decode(t, resp, &created)
	env.srv.Wait()

	run, err := env.store.GetRun(context.Background(), created.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if force, _ := run.Parameters[resize.ParamForceStop].AsBool(); force {
		t.Error("expected force_stop=false to replace the default")
	}
	if n, _ := run.Parameters[resize.ParamRetryInterval].AsInt(); n != 0 {
		t.Errorf("RetryInterval = %d, want 0", n)
	}
	if n, _ := run.Parameters[resize.ParamMaxAttempts].AsInt(); n != defaults.MaxAttempts {
		t.Errorf("MaxAttempts = %d, want default %d", n, defaults.MaxAttempts)
	}
}

func TestCreateRunValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"instance_id":`},
		{"unknown field", `{"instance_id":"i-1","target_instance_type":"m6i.large","size":"big"}`},
		{"missing target", `{"instance_id":"i-1"}`},
		{"attempts out of range", `{"instance_id":"i-1","target_instance_type":"m6i.large","max_attempts":500}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postRun(t, env, tt.body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
	if ops := env.client.Operations(); len(ops) != 0 {
		t.Errorf("expected no control-plane calls, got %v", ops)
	}
}

type frozenGuard struct{}

func (frozenGuard) Check(context.Context, *engine.Workflow, engine.Parameters) error {
	return errors.New("resizes are frozen")
}

func TestCreateRunDeniedByGuard(t *testing.T) {
	env := newTestEnv(t, nil, engine.WithGuard(frozenGuard{}))

	resp := postRun(t, env, `{"instance_id":"i-1","target_instance_type":"m6i.large"}`)
	var body map[string]string
	decode(t, resp, &body)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}
	if !strings.Contains(body["error"], "rejected by policy") {
		t.Errorf("error = %q, want policy rejection", body["error"])
	}
	if env.srv.activeCount() != 0 {
		t.Error("expected no run to be started")
	}
}

// blockingClient hangs on DescribeResource until the run is cancelled.
type blockingClient struct {
	*simulated.Client
	entered chan struct{}
	once    sync.Once
}

func (c *blockingClient) DescribeResource(ctx context.Context, id string) (*engine.ResourceDescription, error) {
	c.once.Do(func() { close(c.entered) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestActiveRunAndShutdown(t *testing.T) {
	client := &blockingClient{Client: simulated.New(), entered: make(chan struct{})}
	client.AddInstance(simulated.Instance{ID: "i-1"})
	env := newTestEnv(t, client)

	resp := postRun(t, env, `{"instance_id":"i-1","target_instance_type":"m6i.large"}`)
	var created createRunResponse
	decode(t, resp, &created)

	select {
	case <-client.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not start")
	}

	resp, err := http.Get(env.ts.URL + "/runs/" + created.RunID)
	if err != nil {
		t.Fatalf("GET /runs/{id}: %v", err)
	}
	var active activeRun
	decode(t, resp, &active)
	if active.Status != statusRunning || active.InstanceID != "i-1" {
		t.Errorf("active run = %+v, want running i-1", active)
	}

	req, _ := http.NewRequest(http.MethodDelete, env.ts.URL+"/runs/"+created.RunID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /runs/{id}: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("delete status = %d, want 409", resp.StatusCode)
	}

	env.srv.Shutdown(10 * time.Millisecond)

	run, err := env.store.GetRun(context.Background(), created.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != engine.RunStatusFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
	if env.srv.activeCount() != 0 {
		t.Errorf("expected no active runs, got %d", env.srv.activeCount())
	}
}

func TestGetRunNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.ts.URL + "/runs/missing")
	if err != nil {
		t.Fatalf("GET /runs/missing: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func recordRun(t *testing.T, store stores.Store, id string, status engine.RunStatus, started time.Time) {
	t.Helper()
	result := &engine.RunResult{
		RunID:       id,
		Workflow:    "resize",
		Status:      status,
		Parameters:  engine.Parameters{"InstanceId": engine.String("i-1")},
		Steps:       []engine.StepRecord{},
		StartedAt:   started,
		CompletedAt: started.Add(time.Minute),
		Duration:    time.Minute,
	}
	if err := store.RecordRun(context.Background(), result); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
}

func TestListRuns(t *testing.T) {
	env := newTestEnv(t, nil)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	recordRun(t, env.store, "run-1", engine.RunStatusSucceeded, base)
	recordRun(t, env.store, "run-2", engine.RunStatusAborted, base.Add(time.Hour))
	recordRun(t, env.store, "run-3", engine.RunStatusSucceeded, base.Add(2*time.Hour))

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all newest first", "", []string{"run-3", "run-2", "run-1"}},
		{"by status", "?status=succeeded", []string{"run-3", "run-1"}},
		{"paged", "?limit=1&offset=1", []string{"run-2"}},
		{"since", "?since=2024-03-01T00:30:00Z", []string{"run-3", "run-2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(env.ts.URL + "/runs" + tt.query)
			if err != nil {
				t.Fatalf("GET /runs: %v", err)
			}
			var body listRunsResponse
			decode(t, resp, &body)
			if len(body.Runs) != len(tt.want) {
				t.Fatalf("got %d runs, want %d", len(body.Runs), len(tt.want))
			}
			for i, id := range tt.want {
				if body.Runs[i].ID != id {
					t.Errorf("run %d = %s, want %s", i, body.Runs[i].ID, id)
				}
			}
		})
	}

	for _, query := range []string{"?status=paused", "?since=yesterday"} {
		resp, err := http.Get(env.ts.URL + "/runs" + query)
		if err != nil {
			t.Fatalf("GET /runs%s: %v", query, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("GET /runs%s status = %d, want 400", query, resp.StatusCode)
		}
	}
}

func TestRunEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	recordRun(t, env.store, "run-1", engine.RunStatusSucceeded, time.Now())
	recordRun(t, env.store, "run-2", engine.RunStatusSucceeded, time.Now())
	if err := env.store.AppendEvent(ctx, &stores.Event{ID: "e1", RunID: "run-1", Type: "run.started", Level: "info"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	resp, err := http.Get(env.ts.URL + "/runs/run-1/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	var body listEventsResponse
	decode(t, resp, &body)
	if len(body.Events) != 1 || body.Events[0].Type != "run.started" {
		t.Errorf("events = %+v, want one run.started", body.Events)
	}

	resp, err = http.Get(env.ts.URL + "/runs/run-2/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	decode(t, resp, &body)
	if resp.StatusCode != http.StatusOK || len(body.Events) != 0 {
		t.Errorf("status = %d events = %d, want 200 and none", resp.StatusCode, len(body.Events))
	}

	resp, err = http.Get(env.ts.URL + "/runs/missing/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteRun(t *testing.T) {
	env := newTestEnv(t, nil)
	recordRun(t, env.store, "run-1", engine.RunStatusSucceeded, time.Now())

	for _, want := range []int{http.StatusNoContent, http.StatusNotFound} {
		req, _ := http.NewRequest(http.MethodDelete, env.ts.URL+"/runs/run-1", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("DELETE /runs/run-1: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("status = %d, want %d", resp.StatusCode, want)
		}
	}
}
