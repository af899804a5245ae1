package ssh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/rightsize/pkg/engine"
)

// DefaultAddressAttribute is the resource attribute holding the address to
// connect to when no explicit host mapping exists.
const DefaultAddressAttribute = "PrivateIpAddress"

// Dialer creates a transport for a host.
type Dialer func(cfg *Config) (Transport, error)

// CommandClient wraps a ResourceClient and runs remote commands over SSH
// instead of through the wrapped client. Every other call is delegated.
type CommandClient struct {
	engine.ResourceClient

	base             *Config
	hosts            map[string]string
	addressAttribute string
	remoteDir        string
	cleanupTimeout   time.Duration
	dial             Dialer
	logger           zerolog.Logger
}

var _ engine.ResourceClient = (*CommandClient)(nil)

// CommandOption configures a CommandClient.
type CommandOption func(*CommandClient)

// WithHosts maps resource IDs to SSH hosts.
func WithHosts(hosts map[string]string) CommandOption {
	return func(c *CommandClient) {
		for id, host := range hosts {
			c.hosts[id] = host
		}
	}
}

// WithAddressAttribute sets the resource attribute used to find the host of
// resources without an explicit mapping.
func WithAddressAttribute(attribute string) CommandOption {
	return func(c *CommandClient) {
		c.addressAttribute = attribute
	}
}

// WithRemoteDir sets where local scripts are uploaded before they run.
func WithRemoteDir(dir string) CommandOption {
	return func(c *CommandClient) {
		c.remoteDir = dir
	}
}

// WithDialer replaces how transports are created.
func WithDialer(dial Dialer) CommandOption {
	return func(c *CommandClient) {
		c.dial = dial
	}
}

// WithCommandLogger sets the logger.
func WithCommandLogger(logger zerolog.Logger) CommandOption {
	return func(c *CommandClient) {
		c.logger = logger
	}
}

// NewCommandClient creates a CommandClient. base carries everything but the
// host, which is resolved per resource.
func NewCommandClient(inner engine.ResourceClient, base *Config, opts ...CommandOption) *CommandClient {
	c := &CommandClient{
		ResourceClient:   inner,
		base:             base,
		hosts:            make(map[string]string),
		addressAttribute: DefaultAddressAttribute,
		remoteDir:        "/tmp",
		cleanupTimeout:   30 * time.Second,
		logger:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "ssh-commands").Logger()
	if c.dial == nil {
		c.dial = func(cfg *Config) (Transport, error) {
			return NewSSHClient(cfg, c.logger)
		}
	}
	return c
}

// RunRemoteCommand connects to the resource's host and runs the script. A
// script that exists locally is uploaded to the remote directory first and
// removed afterwards; otherwise the path is run as found on the host.
func (c *CommandClient) RunRemoteCommand(ctx context.Context, cmd engine.RemoteCommand) (*engine.CommandResult, error) {
	host, err := c.resolveHost(ctx, cmd.ResourceID)
	if err != nil {
		return nil, err
	}

	transport, err := c.dial(c.base.WithHost(host))
	if err != nil {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("invalid ssh settings for %s", cmd.ResourceID), err).
			WithOperation("RunRemoteCommand")
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if cmd.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
	}
	defer cancel()

	if err := transport.Connect(runCtx); err != nil {
		return c.failed(ctx, runCtx, err)
	}
	defer func() {
		if err := transport.Disconnect(); err != nil {
			c.logger.Debug().Err(err).Str("host", host).Msg("Disconnect failed")
		}
	}()

	scriptPath := cmd.Script
	if local, ok := localScript(cmd.Script); ok {
		remote := path.Join(c.remoteDir, "rightsize-"+uuid.NewString()+strings.ToLower(filepath.Ext(local)))
		if err := c.upload(runCtx, transport, local, remote); err != nil {
			return c.failed(ctx, runCtx, err)
		}
		defer c.remove(ctx, transport, remote)
		scriptPath = remote
	}

	line := CommandLine(cmd.Executor, scriptPath, cmd.Arguments)
	c.logger.Info().
		Str("resource_id", cmd.ResourceID).
		Str("host", host).
		Str("executor", string(cmd.Executor)).
		Str("script", cmd.Script).
		Msg("Running remote command")

	res, err := transport.Execute(runCtx, line)
	if err != nil {
		return c.failed(ctx, runCtx, err)
	}

	status := engine.CommandStatusSuccess
	if res.ExitCode != 0 {
		status = engine.CommandStatusFailed
	}
	return &engine.CommandResult{
		Status:   status,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}, nil
}

func (c *CommandClient) resolveHost(ctx context.Context, resourceID string) (string, error) {
	if host, ok := c.hosts[resourceID]; ok {
		return host, nil
	}
	if c.addressAttribute == "" {
		return "", engine.NewConfigurationError(
			fmt.Sprintf("no ssh host configured for %s", resourceID), nil).
			WithOperation("RunRemoteCommand")
	}

	desc, err := c.DescribeResource(ctx, resourceID)
	if err != nil {
		return "", err
	}
	host := desc.Attributes[c.addressAttribute]
	if host == "" {
		return "", engine.NewAPIError(
			fmt.Sprintf("resource %s has no %s to connect to", resourceID, c.addressAttribute), nil).
			WithCode(engine.ErrCodeNotFound).
			WithOperation("RunRemoteCommand")
	}
	return host, nil
}

func (c *CommandClient) upload(ctx context.Context, transport Transport, local, remote string) error {
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("failed to open script: %w", err)
	}
	defer f.Close()

	res, err := transport.Upload(ctx, f, remote, 0o700)
	if err != nil {
		return err
	}
	c.logger.Debug().
		Str("local", local).
		Str("remote", remote).
		Str("sha256", res.Checksum).
		Msg("Script uploaded")
	return nil
}

// remove deletes an uploaded script. It runs after the command, so it gets
// its own deadline even if the run context has ended.
func (c *CommandClient) remove(ctx context.Context, transport Transport, remote string) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cleanupTimeout)
	defer cancel()
	if err := transport.Remove(rmCtx, remote); err != nil {
		c.logger.Warn().Err(err).Str("remote", remote).Msg("Failed to remove uploaded script")
	}
}

// failed maps a transport failure onto the engine's error kinds. A command
// that outlives its own timeout is reported as TimedOut, not as an error.
func (c *CommandClient) failed(ctx, runCtx context.Context, err error) (*engine.CommandResult, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &engine.CommandResult{
			Status:   engine.CommandStatusTimedOut,
			ExitCode: -1,
		}, nil
	}
	return nil, toEngineError(err)
}

func toEngineError(err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		code := engine.ErrCodeProviderFailed
		if te.IsAuthError {
			code = engine.ErrCodePermissionDenied
		}
		return engine.NewAPIError(fmt.Sprintf("ssh %s failed", te.Op), err).
			WithCode(code).
			WithOperation("RunRemoteCommand").
			WithTemporary(te.IsTemporary)
	}
	return engine.NewAPIError("ssh command failed", err).
		WithCode(engine.ErrCodeProviderFailed).
		WithOperation("RunRemoteCommand")
}

func localScript(script string) (string, bool) {
	info, err := os.Stat(script)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return script, true
}
