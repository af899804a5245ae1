package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/openfroyo/rightsize/pkg/engine"
)

// Attributes reported besides the well-known engine attributes.
const (
	AttributePrivateIPAddress = "PrivateIpAddress"
	AttributePublicIPAddress  = "PublicIpAddress"
	AttributeOSPlatform       = "OSPlatform"
)

// DescribeResource implements engine.ResourceClient.
func (c *Client) DescribeResource(ctx context.Context, resourceID string) (*engine.ResourceDescription, error) {
	out, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{resourceID},
	})
	if err != nil {
		return nil, classify("DescribeResource", err)
	}

	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) == resourceID {
				return describeInstance(inst), nil
			}
		}
	}

	return nil, engine.NewAPIError(fmt.Sprintf("instance %s not found", resourceID), nil).
		WithCode(engine.ErrCodeNotFound).
		WithOperation("DescribeResource")
}

func describeInstance(inst types.Instance) *engine.ResourceDescription {
	attrs := map[string]string{
		engine.AttributeInstanceType: string(inst.InstanceType),
		engine.AttributePlatform:     reservationPlatform(inst),
	}
	if inst.Placement != nil {
		attrs[engine.AttributeAvailabilityZone] = aws.ToString(inst.Placement.AvailabilityZone)
	}
	if ip := aws.ToString(inst.PrivateIpAddress); ip != "" {
		attrs[AttributePrivateIPAddress] = ip
	}
	if ip := aws.ToString(inst.PublicIpAddress); ip != "" {
		attrs[AttributePublicIPAddress] = ip
	}
	if inst.Platform == types.PlatformValuesWindows {
		attrs[AttributeOSPlatform] = "Windows"
	} else {
		attrs[AttributeOSPlatform] = "Linux"
	}

	tags := make(map[string]string, len(inst.Tags))
	for _, t := range inst.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}

	state := ""
	if inst.State != nil {
		state = string(inst.State.Name)
	}

	return &engine.ResourceDescription{
		ResourceID: aws.ToString(inst.InstanceId),
		State:      state,
		Attributes: attrs,
		Tags:       tags,
	}
}

// reservationPlatform returns the capacity reservation platform matching the
// instance. PlatformDetails already uses the reservation vocabulary
// ("Linux/UNIX", "Windows", "Red Hat Enterprise Linux", ...).
func reservationPlatform(inst types.Instance) string {
	if p := aws.ToString(inst.PlatformDetails); p != "" {
		return p
	}
	if inst.Platform == types.PlatformValuesWindows {
		return string(types.CapacityReservationInstancePlatformWindows)
	}
	return string(types.CapacityReservationInstancePlatformLinuxUnix)
}

// StopResource implements engine.ResourceClient.
func (c *Client) StopResource(ctx context.Context, resourceID string, force bool) (*engine.StateChange, error) {
	out, err := c.ec2.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{resourceID},
		Force:       aws.Bool(force),
	})
	if err != nil {
		return nil, classify("StopResource", err)
	}
	c.logger.Info().Str("instance_id", resourceID).Bool("force", force).Msg("Stop requested")
	return stateChange(resourceID, out.StoppingInstances), nil
}

// StartResource implements engine.ResourceClient.
func (c *Client) StartResource(ctx context.Context, resourceID string) (*engine.StateChange, error) {
	out, err := c.ec2.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{resourceID},
	})
	if err != nil {
		return nil, classify("StartResource", err)
	}
	c.logger.Info().Str("instance_id", resourceID).Msg("Start requested")
	return stateChange(resourceID, out.StartingInstances), nil
}

func stateChange(resourceID string, changes []types.InstanceStateChange) *engine.StateChange {
	sc := &engine.StateChange{ResourceID: resourceID}
	for _, ch := range changes {
		if aws.ToString(ch.InstanceId) != resourceID {
			continue
		}
		if ch.PreviousState != nil {
			sc.PreviousState = string(ch.PreviousState.Name)
		}
		if ch.CurrentState != nil {
			sc.CurrentState = string(ch.CurrentState.Name)
		}
	}
	return sc
}

// ModifyAttribute implements engine.ResourceClient. Only the instance type
// can be changed.
func (c *Client) ModifyAttribute(ctx context.Context, resourceID, attribute, value string) error {
	if attribute != engine.AttributeInstanceType {
		return engine.NewConfigurationError(
			fmt.Sprintf("attribute %s cannot be modified", attribute), nil).
			WithOperation("ModifyAttribute")
	}

	_, err := c.ec2.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId:   aws.String(resourceID),
		InstanceType: &types.AttributeValue{Value: aws.String(value)},
	})
	if err != nil {
		return classify("ModifyAttribute", err)
	}
	c.logger.Info().Str("instance_id", resourceID).Str("instance_type", value).Msg("Instance type changed")
	return nil
}
