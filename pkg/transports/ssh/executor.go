package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/rightsize/pkg/engine"
)

// Execute runs a command on the remote host. If ctx ends first the remote
// process is signalled and the context error is returned.
func (c *SSHClient) Execute(ctx context.Context, cmd string) (*ExecResult, error) {
	sshClient, err := c.getClient("execute")
	if err != nil {
		return nil, err
	}

	c.logger.Debug().Str("command", cmd).Msg("Executing command")

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	result := &ExecResult{StartedAt: time.Now()}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return nil, ctx.Err()
	case execErr = <-done:
	}

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Stdout = strings.TrimSpace(stdoutBuf.String())
	result.Stderr = strings.TrimSpace(stderrBuf.String())

	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case execErr == nil:
		result.ExitCode = 0
	case errors.As(execErr, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	case errors.As(execErr, &missing):
		result.ExitCode = -1
	default:
		return nil, &TransportError{
			Op:          "execute",
			Err:         execErr,
			IsTemporary: true,
		}
	}

	c.logger.Debug().
		Str("command", cmd).
		Int("exit_code", result.ExitCode).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Msg("Command completed")

	return result, nil
}

// CommandLine builds the remote command that runs scriptPath with the
// interpreter for the given executor.
func CommandLine(executor engine.Executor, scriptPath string, args []string) string {
	parts := make([]string, 0, len(args)+4)
	switch executor {
	case engine.ExecutorPowerShell:
		parts = append(parts, "pwsh", "-NoProfile", "-NonInteractive", "-File", shellQuote(scriptPath))
	default:
		parts = append(parts, "sh", shellQuote(scriptPath))
	}
	for _, arg := range args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
