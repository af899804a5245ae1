package host

import (
	"context"

	"github.com/openfroyo/rightsize/pkg/engine"
)

type resourceRequest struct {
	ResourceID string `json:"resourceId"`
	Force      bool   `json:"force,omitempty"`
}

type modifyRequest struct {
	ResourceID string `json:"resourceId"`
	Attribute  string `json:"attribute"`
	Value      string `json:"value"`
}

type reservationRequest struct {
	ReservationID string `json:"reservationId"`
}

type commandRequest struct {
	ResourceID     string   `json:"resourceId"`
	Script         string   `json:"script"`
	Executor       string   `json:"executor"`
	Arguments      []string `json:"arguments,omitempty"`
	TimeoutSeconds int      `json:"timeoutSeconds,omitempty"`
}

// DescribeResource implements engine.ResourceClient.
func (p *Plugin) DescribeResource(ctx context.Context, resourceID string) (*engine.ResourceDescription, error) {
	var desc engine.ResourceDescription
	if err := p.invoke(ctx, OpDescribeResource, resourceRequest{ResourceID: resourceID}, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// StopResource implements engine.ResourceClient.
func (p *Plugin) StopResource(ctx context.Context, resourceID string, force bool) (*engine.StateChange, error) {
	var sc engine.StateChange
	if err := p.invoke(ctx, OpStopResource, resourceRequest{ResourceID: resourceID, Force: force}, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// StartResource implements engine.ResourceClient.
func (p *Plugin) StartResource(ctx context.Context, resourceID string) (*engine.StateChange, error) {
	var sc engine.StateChange
	if err := p.invoke(ctx, OpStartResource, resourceRequest{ResourceID: resourceID}, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// ModifyAttribute implements engine.ResourceClient.
func (p *Plugin) ModifyAttribute(ctx context.Context, resourceID, attribute, value string) error {
	req := modifyRequest{ResourceID: resourceID, Attribute: attribute, Value: value}
	return p.invoke(ctx, OpModifyAttribute, req, nil)
}

// CreateReservation implements engine.ResourceClient.
func (p *Plugin) CreateReservation(ctx context.Context, req engine.ReservationRequest) (*engine.Reservation, error) {
	var res engine.Reservation
	if err := p.invoke(ctx, OpCreateReservation, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CancelReservation implements engine.ResourceClient.
func (p *Plugin) CancelReservation(ctx context.Context, reservationID string) error {
	return p.invoke(ctx, OpCancelReservation, reservationRequest{ReservationID: reservationID}, nil)
}

// DescribeReservation implements engine.ResourceClient.
func (p *Plugin) DescribeReservation(ctx context.Context, reservationID string) (*engine.Reservation, error) {
	var res engine.Reservation
	if err := p.invoke(ctx, OpDescribeReservation, reservationRequest{ReservationID: reservationID}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RunRemoteCommand implements engine.ResourceClient.
func (p *Plugin) RunRemoteCommand(ctx context.Context, cmd engine.RemoteCommand) (*engine.CommandResult, error) {
	req := commandRequest{
		ResourceID:     cmd.ResourceID,
		Script:         cmd.Script,
		Executor:       string(cmd.Executor),
		Arguments:      cmd.Arguments,
		TimeoutSeconds: int(cmd.Timeout.Seconds()),
	}
	// The plugin blocks until the command finishes.
	timeout := p.timeout
	if cmd.Timeout > 0 {
		timeout += cmd.Timeout
	}
	var res engine.CommandResult
	if err := p.invokeWithTimeout(ctx, OpRunRemoteCommand, timeout, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
