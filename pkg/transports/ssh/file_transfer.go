package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
)

// newSFTPClient opens an SFTP session on the current connection.
func (c *SSHClient) newSFTPClient(op string) (*sftp.Client, error) {
	sshClient, err := c.getClient(op)
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          op,
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}

	return sftpClient, nil
}

// Upload writes the contents of r to remotePath.
func (c *SSHClient) Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) (*FileTransferResult, error) {
	startTime := time.Now()

	sftpClient, err := c.newSFTPClient("upload")
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return nil, &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to create remote directory: %w", err),
		}
	}

	remoteFile, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
		}
	}
	defer remoteFile.Close()

	hash := sha256.New()
	written, err := io.Copy(io.MultiWriter(remoteFile, hash), contextReader{ctx: ctx, r: r})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
		}
	}

	if mode != 0 {
		if err := sftpClient.Chmod(remotePath, mode); err != nil {
			c.logger.Warn().Err(err).Str("remote", remotePath).Msg("Failed to set file permissions")
		}
	}

	result := &FileTransferResult{
		BytesTransferred: written,
		Duration:         time.Since(startTime),
		Checksum:         hex.EncodeToString(hash.Sum(nil)),
	}

	c.logger.Debug().
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", result.Duration).
		Msg("File uploaded")

	return result, nil
}

// Remove deletes a remote file.
func (c *SSHClient) Remove(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sftpClient, err := c.newSFTPClient("remove")
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.Remove(remotePath); err != nil {
		return &TransportError{
			Op:  "remove",
			Err: fmt.Errorf("failed to remove %s: %w", remotePath, err),
		}
	}
	return nil
}

// contextReader fails reads once ctx is done, so io.Copy stops between
// chunks.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
