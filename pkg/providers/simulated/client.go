// Package simulated provides an in-memory ResourceClient with realistic state
// transitions. It backs dry runs, examples and tests.
package simulated

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rightsize/pkg/engine"
)

// Instance is a simulated compute instance.
type Instance struct {
	ID               string
	State            string
	InstanceType     string
	Platform         string
	AvailabilityZone string
	Tags             map[string]string
}

type reservation struct {
	engine.Reservation
	polls int
}

type instance struct {
	Instance
	pending int
}

// Client is an in-memory control plane. It is safe for concurrent use.
type Client struct {
	mu               sync.Mutex
	logger           zerolog.Logger
	instances        map[string]*instance
	reservations     map[string]*reservation
	nextReservation  int
	transitionPolls  int
	reservationPolls int
	capacityFailures int
	commandResults   map[string]engine.CommandResult
	operations       []string
	now              func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithTransitionPolls sets how many describes a stop or start takes to settle.
func WithTransitionPolls(n int) Option {
	return func(c *Client) { c.transitionPolls = n }
}

// WithReservationPolls sets how many describes a new reservation stays pending.
func WithReservationPolls(n int) Option {
	return func(c *Client) { c.reservationPolls = n }
}

// WithCapacityFailures makes the first n reservation attempts fail with a
// transient capacity error.
func WithCapacityFailures(n int) Option {
	return func(c *Client) { c.capacityFailures = n }
}

// WithCommandResult sets the outcome of a remote script.
func WithCommandResult(script string, result engine.CommandResult) Option {
	return func(c *Client) { c.commandResults[script] = result }
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates an empty simulated control plane.
func New(opts ...Option) *Client {
	c := &Client{
		logger:           zerolog.Nop(),
		instances:        make(map[string]*instance),
		reservations:     make(map[string]*reservation),
		transitionPolls:  1,
		reservationPolls: 1,
		commandResults:   make(map[string]engine.CommandResult),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "simulated").Logger()
	return c
}

// AddInstance registers an instance. Missing fields get plausible defaults.
func (c *Client) AddInstance(inst Instance) {
	if inst.State == "" {
		inst.State = engine.ResourceStateRunning
	}
	if inst.Platform == "" {
		inst.Platform = "Linux/UNIX"
	}
	if inst.AvailabilityZone == "" {
		inst.AvailabilityZone = "us-east-1a"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[inst.ID] = &instance{Instance: inst}
}

// Instance returns a copy of a registered instance.
func (c *Client) Instance(id string) (Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[id]
	if !ok {
		return Instance{}, false
	}
	return inst.Instance, true
}

// Reservation returns a copy of a reservation.
func (c *Client) Reservation(id string) (engine.Reservation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reservations[id]
	if !ok {
		return engine.Reservation{}, false
	}
	return r.Reservation, true
}

// Operations returns the calls made so far, in order.
func (c *Client) Operations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.operations))
	copy(out, c.operations)
	return out
}

func (c *Client) lookup(op, id string) (*instance, error) {
	c.operations = append(c.operations, op)
	inst, ok := c.instances[id]
	if !ok {
		return nil, engine.NewAPIError(fmt.Sprintf("instance %s does not exist", id), nil).
			WithCode("InvalidInstanceID.NotFound").
			WithOperation(op)
	}
	return inst, nil
}

// DescribeResource implements engine.ResourceClient.
func (c *Client) DescribeResource(ctx context.Context, resourceID string) (*engine.ResourceDescription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, err := c.lookup("DescribeResource", resourceID)
	if err != nil {
		return nil, err
	}
	if inst.pending > 0 {
		inst.pending--
	}
	if inst.pending == 0 {
		switch inst.State {
		case engine.ResourceStateStopping:
			inst.State = engine.ResourceStateStopped
		case engine.ResourceStatePending:
			inst.State = engine.ResourceStateRunning
		}
	}
	tags := make(map[string]string, len(inst.Tags))
	for k, v := range inst.Tags {
		tags[k] = v
	}
	return &engine.ResourceDescription{
		ResourceID: inst.ID,
		State:      inst.State,
		Attributes: map[string]string{
			engine.AttributeInstanceType:     inst.InstanceType,
			engine.AttributePlatform:         inst.Platform,
			engine.AttributeAvailabilityZone: inst.AvailabilityZone,
		},
		Tags: tags,
	}, nil
}

// StopResource implements engine.ResourceClient.
func (c *Client) StopResource(ctx context.Context, resourceID string, force bool) (*engine.StateChange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, err := c.lookup("StopResource", resourceID)
	if err != nil {
		return nil, err
	}
	prev := inst.State
	switch inst.State {
	case engine.ResourceStateStopped, engine.ResourceStateStopping:
	case engine.ResourceStateRunning:
		inst.State = engine.ResourceStateStopping
		inst.pending = c.transitionPolls
	default:
		if !force {
			return nil, engine.NewAPIError(fmt.Sprintf("instance %s is %s and cannot be stopped", resourceID, inst.State), nil).
				WithCode("IncorrectInstanceState").
				WithOperation("StopResource")
		}
		inst.State = engine.ResourceStateStopping
		inst.pending = c.transitionPolls
	}
	c.logger.Debug().Str("instance_id", resourceID).Str("from", prev).Bool("force", force).Msg("Stopping instance")
	return &engine.StateChange{ResourceID: resourceID, PreviousState: prev, CurrentState: inst.State}, nil
}

// StartResource implements engine.ResourceClient.
func (c *Client) StartResource(ctx context.Context, resourceID string) (*engine.StateChange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, err := c.lookup("StartResource", resourceID)
	if err != nil {
		return nil, err
	}
	prev := inst.State
	switch inst.State {
	case engine.ResourceStateRunning, engine.ResourceStatePending:
	case engine.ResourceStateStopped:
		inst.State = engine.ResourceStatePending
		inst.pending = c.transitionPolls
	default:
		return nil, engine.NewAPIError(fmt.Sprintf("instance %s is %s and cannot be started", resourceID, inst.State), nil).
			WithCode("IncorrectInstanceState").
			WithOperation("StartResource")
	}
	c.logger.Debug().Str("instance_id", resourceID).Str("from", prev).Msg("Starting instance")
	return &engine.StateChange{ResourceID: resourceID, PreviousState: prev, CurrentState: inst.State}, nil
}

// ModifyAttribute implements engine.ResourceClient. Only InstanceType is
// supported, and only while the instance is stopped.
func (c *Client) ModifyAttribute(ctx context.Context, resourceID, attribute, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, err := c.lookup("ModifyAttribute", resourceID)
	if err != nil {
		return err
	}
	if attribute != engine.AttributeInstanceType {
		return engine.NewAPIError(fmt.Sprintf("attribute %s is not supported", attribute), nil).
			WithCode("InvalidParameterValue").
			WithOperation("ModifyAttribute")
	}
	if inst.State != engine.ResourceStateStopped {
		return engine.NewAPIError(fmt.Sprintf("instance %s is %s, it must be stopped", resourceID, inst.State), nil).
			WithCode("IncorrectInstanceState").
			WithOperation("ModifyAttribute")
	}
	inst.InstanceType = value
	return nil
}

// CreateReservation implements engine.ResourceClient.
func (c *Client) CreateReservation(ctx context.Context, req engine.ReservationRequest) (*engine.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = append(c.operations, "CreateReservation")
	if req.InstanceType == "" || req.AvailabilityZone == "" {
		return nil, engine.NewAPIError("instance type and availability zone are required", nil).
			WithCode("MissingParameter").
			WithOperation("CreateReservation")
	}
	if c.capacityFailures > 0 {
		c.capacityFailures--
		return nil, engine.NewTransientCapacityError(
			fmt.Sprintf("insufficient %s capacity in %s", req.InstanceType, req.AvailabilityZone), nil).
			WithCode("InsufficientInstanceCapacity").
			WithOperation("CreateReservation")
	}
	c.nextReservation++
	r := &reservation{
		Reservation: engine.Reservation{
			ReservationID:    fmt.Sprintf("cr-sim%012d", c.nextReservation),
			State:            engine.ReservationStatePending,
			InstanceType:     req.InstanceType,
			AvailabilityZone: req.AvailabilityZone,
			CreatedAt:        c.now(),
		},
		polls: c.reservationPolls,
	}
	if r.polls == 0 {
		r.State = engine.ReservationStateActive
	}
	c.reservations[r.ReservationID] = r
	out := r.Reservation
	return &out, nil
}

// CancelReservation implements engine.ResourceClient.
func (c *Client) CancelReservation(ctx context.Context, reservationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = append(c.operations, "CancelReservation")
	r, ok := c.reservations[reservationID]
	if !ok {
		return engine.NewAPIError(fmt.Sprintf("reservation %s does not exist", reservationID), nil).
			WithCode("InvalidCapacityReservationId.NotFound").
			WithOperation("CancelReservation")
	}
	r.State = engine.ReservationStateCancelled
	return nil
}

// DescribeReservation implements engine.ResourceClient.
func (c *Client) DescribeReservation(ctx context.Context, reservationID string) (*engine.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = append(c.operations, "DescribeReservation")
	r, ok := c.reservations[reservationID]
	if !ok {
		return nil, engine.NewAPIError(fmt.Sprintf("reservation %s does not exist", reservationID), nil).
			WithCode("InvalidCapacityReservationId.NotFound").
			WithOperation("DescribeReservation")
	}
	if r.State == engine.ReservationStatePending {
		if r.polls > 0 {
			r.polls--
		}
		if r.polls == 0 {
			r.State = engine.ReservationStateActive
		}
	}
	out := r.Reservation
	return &out, nil
}

// RunRemoteCommand implements engine.ResourceClient.
func (c *Client) RunRemoteCommand(ctx context.Context, cmd engine.RemoteCommand) (*engine.CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, err := c.lookup("RunRemoteCommand", cmd.ResourceID)
	if err != nil {
		return nil, err
	}
	if inst.State != engine.ResourceStateRunning {
		return nil, engine.NewAPIError(fmt.Sprintf("instance %s is %s, commands need a running instance", inst.ID, inst.State), nil).
			WithCode("InvalidInstanceId").
			WithOperation("RunRemoteCommand")
	}
	if res, ok := c.commandResults[cmd.Script]; ok {
		out := res
		return &out, nil
	}
	return &engine.CommandResult{
		Status:   engine.CommandStatusSuccess,
		ExitCode: 0,
		Stdout:   fmt.Sprintf("%s %s: ok", cmd.Executor, cmd.Script),
	}, nil
}
