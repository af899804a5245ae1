// Package aws implements engine.ResourceClient on EC2 and Systems Manager.
//
// Instances are described, stopped, started and resized through EC2;
// capacity is reserved with On-Demand Capacity Reservations; remote commands
// are sent with SSM Run Command using a shell or PowerShell document.
package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog"

	"github.com/openfroyo/rightsize/pkg/engine"
)

// EC2API is the subset of the EC2 client the provider calls.
type EC2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	ModifyInstanceAttribute(ctx context.Context, in *ec2.ModifyInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error)
	CreateCapacityReservation(ctx context.Context, in *ec2.CreateCapacityReservationInput, optFns ...func(*ec2.Options)) (*ec2.CreateCapacityReservationOutput, error)
	CancelCapacityReservation(ctx context.Context, in *ec2.CancelCapacityReservationInput, optFns ...func(*ec2.Options)) (*ec2.CancelCapacityReservationOutput, error)
	DescribeCapacityReservations(ctx context.Context, in *ec2.DescribeCapacityReservationsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeCapacityReservationsOutput, error)
}

// SSMAPI is the subset of the Systems Manager client the provider calls.
type SSMAPI interface {
	SendCommand(ctx context.Context, in *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	GetCommandInvocation(ctx context.Context, in *ssm.GetCommandInvocationInput, optFns ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error)
}

// Config holds provider settings.
type Config struct {
	// Region and Profile override the shared AWS configuration.
	Region  string
	Profile string

	// Endpoint overrides the EC2 and SSM endpoints, e.g. for an emulator.
	Endpoint string

	// ShellDocument and PowerShellDocument are the SSM documents used to run
	// scripts with each executor.
	ShellDocument      string
	PowerShellDocument string

	// CommandPollInterval is the delay between command invocation polls.
	CommandPollInterval time.Duration
}

// Default SSM documents.
const (
	DefaultShellDocument      = "AWS-RunShellScript"
	DefaultPowerShellDocument = "AWS-RunPowerShellScript"
)

func (c Config) withDefaults() Config {
	if c.ShellDocument == "" {
		c.ShellDocument = DefaultShellDocument
	}
	if c.PowerShellDocument == "" {
		c.PowerShellDocument = DefaultPowerShellDocument
	}
	if c.CommandPollInterval <= 0 {
		c.CommandPollInterval = 2 * time.Second
	}
	return c
}

// Client implements engine.ResourceClient against AWS.
type Client struct {
	ec2    EC2API
	ssm    SSMAPI
	config Config
	clock  engine.Clock
	logger zerolog.Logger
}

var _ engine.ResourceClient = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithClock sets the clock used between command polls.
func WithClock(clock engine.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New loads the shared AWS configuration and creates a Client.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	if awsCfg.Region == "" {
		return nil, fmt.Errorf("no AWS region configured")
	}

	ec2Client := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	ssmClient := ssm.NewFromConfig(awsCfg, func(o *ssm.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewWithAPIs(ec2Client, ssmClient, cfg, opts...), nil
}

// NewWithAPIs creates a Client on existing service clients.
func NewWithAPIs(ec2Client EC2API, ssmClient SSMAPI, cfg Config, opts ...Option) *Client {
	c := &Client{
		ec2:    ec2Client,
		ssm:    ssmClient,
		config: cfg.withDefaults(),
		clock:  engine.WallClock(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "aws").Logger()
	return c
}
