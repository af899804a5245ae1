// Package ssh runs remote commands on resources over SSH, for hosts that are
// not reachable through the control plane's own command service.
package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

// Transport is a connection to a single host.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// Execute runs a command on the remote host and waits for it to exit.
	// A non-zero exit status is reported in the result, not as an error.
	Execute(ctx context.Context, cmd string) (*ExecResult, error)

	// Upload writes the contents of r to remotePath via SFTP, creating
	// parent directories as needed.
	Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) (*FileTransferResult, error)

	// Remove deletes a remote file.
	Remove(ctx context.Context, remotePath string) error

	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo describes the current connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// ExecResult is the outcome of one remote command. Output is trimmed.
type ExecResult struct {
	Stdout string
	Stderr string

	// ExitCode is the command's exit status, -1 if the server sent none.
	ExitCode int

	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// FileTransferResult reports an upload.
type FileTransferResult struct {
	BytesTransferred int64
	Duration         time.Duration

	// Checksum is the hex SHA256 of the bytes written.
	Checksum string
}

// TransportError is a failure in the SSH layer. CommandClient maps it onto
// engine errors: auth failures become PermissionDenied and temporary
// failures stay retryable.
type TransportError struct {
	Op          string
	Err         error
	IsTemporary bool
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether retrying may succeed.
func (e *TransportError) Temporary() bool { return e.IsTemporary }
