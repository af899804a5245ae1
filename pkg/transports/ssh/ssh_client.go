package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHClient is a Transport over one SSH connection. Sessions and SFTP
// clients are opened per operation on the shared connection.
type SSHClient struct {
	config *Config
	logger zerolog.Logger

	mu       sync.RWMutex
	conn     *ssh.Client
	since    time.Time
	lastUsed time.Time

	// stopPing ends the keep-alive loop of the current connection.
	stopPing context.CancelFunc
}

var _ Transport = (*SSHClient)(nil)

// NewSSHClient validates config and returns an unconnected client.
func NewSSHClient(config *Config, logger zerolog.Logger) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &SSHClient{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// Connect dials and authenticates. It is a no-op when already connected.
// Both the dial and the handshake give up when ctx ends.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	addr := c.config.Address()
	c.logger.Debug().Str("address", addr).Msg("Connecting")

	conn, err := c.handshake(ctx, addr, clientConfig)
	if err != nil {
		return err
	}

	now := time.Now()
	c.conn = conn
	c.since, c.lastUsed = now, now

	if c.config.KeepAliveInterval > 0 {
		pingCtx, stop := context.WithCancel(context.Background())
		c.stopPing = stop
		go c.keepAlive(pingCtx, conn)
	}

	c.logger.Debug().Str("address", addr).Msg("Connected")
	return nil
}

// handshake runs the SSH handshake on a fresh TCP connection. The handshake
// has no context of its own, so the deadline and ctx are applied to the
// socket.
func (c *SSHClient) handshake(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	tcp, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	deadline := time.Now().Add(c.config.ConnectionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = tcp.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = tcp.Close() })
	defer stop()

	sshConn, chans, reqs, err := ssh.NewClientConn(tcp, addr, cfg)
	if err != nil {
		_ = tcp.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		auth := isAuthFailure(err)
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: !auth, IsAuthError: auth}
	}
	_ = tcp.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// isAuthFailure reports whether a handshake failed on credentials or on an
// untrusted host key. Neither is worth retrying.
func isAuthFailure(err error) bool {
	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	if errors.As(err, &keyErr) || errors.As(err, &revoked) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "knownhosts:")
}

// Disconnect closes the connection. It is safe to call when not connected.
func (c *SSHClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	if c.stopPing != nil {
		c.stopPing()
		c.stopPing = nil
	}

	err := c.conn.Close()
	c.conn = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return &TransportError{Op: "disconnect", Err: err}
	}

	c.logger.Debug().Msg("Disconnected")
	return nil
}

func (c *SSHClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// keepAlive pings the server every KeepAliveInterval and gives up after
// MaxKeepAliveRetries consecutive failures.
func (c *SSHClient) keepAlive(ctx context.Context, conn *ssh.Client) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			failures++
			c.logger.Warn().Err(err).Int("failures", failures).Msg("Keep-alive failed")
			if failures >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("Giving up on keep-alive, connection is probably dead")
				return
			}
			continue
		}
		failures = 0

		c.mu.Lock()
		c.lastUsed = time.Now()
		c.mu.Unlock()
	}
}

func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.since,
		LastActivity: c.lastUsed,
	}
}

// getClient returns the live connection and marks it used.
func (c *SSHClient) getClient(op string) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, &TransportError{Op: op, Err: errors.New("not connected")}
	}
	c.lastUsed = time.Now()
	return c.conn, nil
}
