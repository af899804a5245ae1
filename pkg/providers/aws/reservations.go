package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/openfroyo/rightsize/pkg/engine"
)

// CreateReservation implements engine.ResourceClient with an open, unlimited
// On-Demand Capacity Reservation.
func (c *Client) CreateReservation(ctx context.Context, req engine.ReservationRequest) (*engine.Reservation, error) {
	count := req.InstanceCount
	if count <= 0 {
		count = 1
	}

	in := &ec2.CreateCapacityReservationInput{
		InstanceType:          aws.String(req.InstanceType),
		InstancePlatform:      types.CapacityReservationInstancePlatform(req.Platform),
		AvailabilityZone:      aws.String(req.AvailabilityZone),
		InstanceCount:         aws.Int32(int32(count)),
		EndDateType:           types.EndDateTypeUnlimited,
		InstanceMatchCriteria: types.InstanceMatchCriteriaOpen,
	}
	if req.Tag != "" {
		in.TagSpecifications = []types.TagSpecification{{
			ResourceType: types.ResourceTypeCapacityReservation,
			Tags:         []types.Tag{{Key: aws.String("Name"), Value: aws.String(req.Tag)}},
		}}
	}

	out, err := c.ec2.CreateCapacityReservation(ctx, in)
	if err != nil {
		return nil, classify("CreateReservation", err)
	}
	if out.CapacityReservation == nil {
		return nil, engine.NewAPIError("empty capacity reservation response", nil).
			WithCode(engine.ErrCodeProviderFailed).
			WithOperation("CreateReservation")
	}

	res := toReservation(*out.CapacityReservation)
	c.logger.Info().
		Str("reservation_id", res.ReservationID).
		Str("instance_type", req.InstanceType).
		Str("availability_zone", req.AvailabilityZone).
		Msg("Capacity reservation created")
	return res, nil
}

// CancelReservation implements engine.ResourceClient.
func (c *Client) CancelReservation(ctx context.Context, reservationID string) error {
	out, err := c.ec2.CancelCapacityReservation(ctx, &ec2.CancelCapacityReservationInput{
		CapacityReservationId: aws.String(reservationID),
	})
	if err != nil {
		return classify("CancelReservation", err)
	}
	if out.Return != nil && !*out.Return {
		return engine.NewAPIError(fmt.Sprintf("reservation %s was not cancelled", reservationID), nil).
			WithCode(engine.ErrCodeProviderFailed).
			WithOperation("CancelReservation")
	}
	c.logger.Info().Str("reservation_id", reservationID).Msg("Capacity reservation cancelled")
	return nil
}

// DescribeReservation implements engine.ResourceClient.
func (c *Client) DescribeReservation(ctx context.Context, reservationID string) (*engine.Reservation, error) {
	out, err := c.ec2.DescribeCapacityReservations(ctx, &ec2.DescribeCapacityReservationsInput{
		CapacityReservationIds: []string{reservationID},
	})
	if err != nil {
		return nil, classify("DescribeReservation", err)
	}
	for _, cr := range out.CapacityReservations {
		if aws.ToString(cr.CapacityReservationId) == reservationID {
			return toReservation(cr), nil
		}
	}
	return nil, engine.NewAPIError(fmt.Sprintf("reservation %s not found", reservationID), nil).
		WithCode(engine.ErrCodeNotFound).
		WithOperation("DescribeReservation")
}

func toReservation(cr types.CapacityReservation) *engine.Reservation {
	res := &engine.Reservation{
		ReservationID:    aws.ToString(cr.CapacityReservationId),
		State:            reservationState(cr.State),
		InstanceType:     aws.ToString(cr.InstanceType),
		AvailabilityZone: aws.ToString(cr.AvailabilityZone),
	}
	if cr.CreateDate != nil {
		res.CreatedAt = *cr.CreateDate
	}
	return res
}

// reservationState folds the EC2 reservation lifecycle onto the engine's
// five states.
func reservationState(s types.CapacityReservationState) string {
	switch string(s) {
	case "active":
		return engine.ReservationStateActive
	case "failed", "payment-failed", "unsupported":
		return engine.ReservationStateFailed
	case "cancelled":
		return engine.ReservationStateCancelled
	case "expired":
		return engine.ReservationStateExpired
	default:
		return engine.ReservationStatePending
	}
}
