package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeClient is an in-memory ResourceClient that records every call.
type fakeClient struct {
	mu sync.Mutex

	calls []string

	// resource state
	state        string
	instanceType string
	stopPolls    int // describes after a stop before the resource reports stopped
	startPolls   int
	pending      int

	// reservation behaviour
	reservationErrs  []error
	reservationState string
	reservations     int
	cancelled        []string
	cancelErr        error

	// failures
	describeErr error
	stopErr     error
	startErr    error
	modifyErr   error

	commands      []RemoteCommand
	commandResult map[string]*CommandResult
	commandErr    error

	// onDescribe runs on every DescribeResource call, outside the lock.
	onDescribe func()
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		state:            ResourceStateRunning,
		instanceType:     "m5.large",
		reservationState: ReservationStateActive,
		commandResult:    make(map[string]*CommandResult),
	}
}

func (f *fakeClient) record(op string) {
	f.calls = append(f.calls, op)
}

func (f *fakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeClient) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeClient) DescribeResource(ctx context.Context, resourceID string) (*ResourceDescription, error) {
	if f.onDescribe != nil {
		f.onDescribe()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DescribeResource")
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	if f.pending > 0 {
		f.pending--
		if f.pending == 0 {
			switch f.state {
			case ResourceStateStopping:
				f.state = ResourceStateStopped
			case ResourceStatePending:
				f.state = ResourceStateRunning
			}
		}
	}
	return &ResourceDescription{
		ResourceID: resourceID,
		State:      f.state,
		Attributes: map[string]string{
			AttributeInstanceType:     f.instanceType,
			AttributePlatform:         "Linux/UNIX",
			AttributeAvailabilityZone: "us-east-1a",
		},
		Tags: map[string]string{"Name": "web-1"},
	}, nil
}

func (f *fakeClient) StopResource(ctx context.Context, resourceID string, force bool) (*StateChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StopResource")
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	prev := f.state
	f.state = ResourceStateStopping
	f.pending = f.stopPolls
	if f.pending == 0 {
		f.state = ResourceStateStopped
	}
	return &StateChange{ResourceID: resourceID, PreviousState: prev, CurrentState: f.state}, nil
}

func (f *fakeClient) StartResource(ctx context.Context, resourceID string) (*StateChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StartResource")
	if f.startErr != nil {
		return nil, f.startErr
	}
	prev := f.state
	f.state = ResourceStatePending
	f.pending = f.startPolls
	if f.pending == 0 {
		f.state = ResourceStateRunning
	}
	return &StateChange{ResourceID: resourceID, PreviousState: prev, CurrentState: f.state}, nil
}

func (f *fakeClient) ModifyAttribute(ctx context.Context, resourceID, attribute, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ModifyAttribute")
	if f.modifyErr != nil {
		return f.modifyErr
	}
	if f.state != ResourceStateStopped {
		return NewAPIError(fmt.Sprintf("resource is %s, must be stopped", f.state), nil).WithCode("IncorrectInstanceState")
	}
	if attribute == AttributeInstanceType {
		f.instanceType = value
	}
	return nil
}

func (f *fakeClient) CreateReservation(ctx context.Context, req ReservationRequest) (*Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateReservation")
	idx := f.reservations
	f.reservations++
	if idx < len(f.reservationErrs) && f.reservationErrs[idx] != nil {
		return nil, f.reservationErrs[idx]
	}
	return &Reservation{
		ReservationID:    fmt.Sprintf("cr-%d", f.reservations),
		State:            ReservationStatePending,
		InstanceType:     req.InstanceType,
		AvailabilityZone: req.AvailabilityZone,
		CreatedAt:        time.Now(),
	}, nil
}

func (f *fakeClient) CancelReservation(ctx context.Context, reservationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CancelReservation")
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, reservationID)
	return nil
}

func (f *fakeClient) DescribeReservation(ctx context.Context, reservationID string) (*Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DescribeReservation")
	return &Reservation{ReservationID: reservationID, State: f.reservationState}, nil
}

func (f *fakeClient) RunRemoteCommand(ctx context.Context, cmd RemoteCommand) (*CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RunRemoteCommand")
	f.commands = append(f.commands, cmd)
	if f.commandErr != nil {
		return nil, f.commandErr
	}
	if r, ok := f.commandResult[cmd.Script]; ok {
		return r, nil
	}
	return &CommandResult{Status: CommandStatusSuccess, ExitCode: 0, Stdout: "ok"}, nil
}

// capacityErr is the error a provider returns when capacity is short.
func capacityErr() error {
	return NewTransientCapacityError("insufficient capacity", nil).WithCode("InsufficientInstanceCapacity")
}

// recordingSleep replaces real sleeps and remembers the requested delays.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleep) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.delays))
	copy(out, r.delays)
	return out
}

// testWorkflow is the full resize chain used by the end-to-end tests.
func testWorkflow(maxAttempts int) *Workflow {
	return &Workflow{
		Name: "test-resize",
		Parameters: []ParameterSpec{
			{Name: "InstanceId", Required: true},
			{Name: "TargetType", Required: true},
			{Name: "PreScript", Default: valuePtr(String("/opt/checks/pre.sh"))},
		},
		Steps: []Step{
			{
				Name:     "Describe",
				Action:   ActionDescribeResource,
				Inputs:   map[string]Binding{InputResourceID: Param("InstanceId")},
				Outputs:  []Output{{Name: "InstanceType", Selector: `Attributes["InstanceType"]`}},
				NextStep: "CreateReservation",
			},
			{
				Name:   "CreateReservation",
				Action: ActionCreateReservation,
				Inputs: map[string]Binding{
					InputInstanceType:     Param("TargetType"),
					InputPlatform:         Literal(String("Linux/UNIX")),
					InputAvailabilityZone: Literal(String("us-east-1a")),
					InputTag:              Literal(String("resize")),
				},
				Retry:    &RetrySpec{MaxAttempts: maxAttempts, Interval: 30 * time.Second},
				NextStep: "VerifyReservation",
			},
			{
				Name:     "VerifyReservation",
				Action:   ActionVerifyReservation,
				Inputs:   map[string]Binding{InputReservationID: From("CreateReservation", OutputCapacityReservationID)},
				NextStep: "PreDowntimeChecks",
			},
			{
				Name:   "PreDowntimeChecks",
				Action: ActionRunRemoteCommand,
				Inputs: map[string]Binding{
					InputResourceID: Param("InstanceId"),
					InputScript:     Param("PreScript"),
				},
				OnFailure: FailureContinue,
				NextStep:  "Stop",
			},
			{
				Name:     "Stop",
				Action:   ActionStopResource,
				Inputs:   map[string]Binding{InputResourceID: Param("InstanceId")},
				NextStep: "WaitStopped",
			},
			{
				Name:     "WaitStopped",
				Action:   ActionWaitForStopped,
				Inputs:   map[string]Binding{InputResourceID: Param("InstanceId")},
				NextStep: "Modify",
			},
			{
				Name:   "Modify",
				Action: ActionModifyAttribute,
				Inputs: map[string]Binding{
					InputResourceID:   Param("InstanceId"),
					InputAttribute:    Literal(String(AttributeInstanceType)),
					InputValue:        Param("TargetType"),
					InputCurrentValue: From("Describe", "InstanceType"),
				},
				NextStep: "Start",
			},
			{
				Name:     "Start",
				Action:   ActionStartResource,
				Inputs:   map[string]Binding{InputResourceID: Param("InstanceId")},
				NextStep: "WaitRunning",
			},
			{
				Name:     "WaitRunning",
				Action:   ActionWaitForRunning,
				Inputs:   map[string]Binding{InputResourceID: Param("InstanceId")},
				NextStep: "CancelReservation",
			},
			{
				Name:      "CancelReservation",
				Action:    ActionCancelReservation,
				Inputs:    map[string]Binding{InputReservationID: From("CreateReservation", OutputCapacityReservationID)},
				OnFailure: FailureContinue,
				Cleanup:   true,
				NextStep:  "End",
			},
			{Name: "End", Action: ActionEnd, IsEnd: true},
		},
	}
}

func testParams() Parameters {
	return Parameters{
		"InstanceId": String("i-0123456789abcdef0"),
		"TargetType": String("m5.xlarge"),
	}
}

func valuePtr(v Value) *Value { return &v }

// newTestEngine builds an engine whose sleeps return immediately.
func newTestEngine(client ResourceClient, opts ...Option) (*WorkflowEngine, *recordingSleep, *recordingSleep) {
	e := NewWorkflowEngine(client, opts...)
	retrySleep := &recordingSleep{}
	waitSleep := &recordingSleep{}
	e.reservations.sleep = retrySleep.sleep
	e.waiter.sleep = waitSleep.sleep
	return e, retrySleep, waitSleep
}
