package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/dutkit/dutkit/pkg/telemetry"
	"github.com/pkg/sftp"
)

// sftpClient opens an SFTP session on the current connection.
func (c *SSHClient) sftpClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			ExitCode:    -1,
			IsTemporary: true,
		}
	}
	return client, nil
}

// withSFTP runs fn with an SFTP client inside a recorded transport call.
func (c *SSHClient) withSFTP(ctx context.Context, op, target string, fn func(ctx context.Context, client *sftp.Client) error) error {
	return telemetry.RecordTransportCall(ctx, "sftp", op, c.config.Host+":"+target, func(ctx context.Context) error {
		client, err := c.sftpClient()
		if err != nil {
			return err
		}
		defer client.Close()
		return fn(ctx, client)
	})
}

// UploadFile uploads a single local file to the remote host.
func (c *SSHClient) UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err), ExitCode: -1}
	}
	defer localFile.Close()

	return c.upload(ctx, localFile, remotePath, mode)
}

// WriteFile writes content to a remote file.
func (c *SSHClient) WriteFile(ctx context.Context, remotePath string, content []byte, mode uint32) error {
	return c.upload(ctx, bytes.NewReader(content), remotePath, mode)
}

func (c *SSHClient) upload(ctx context.Context, src io.Reader, remotePath string, mode uint32) error {
	return c.withSFTP(ctx, "upload", remotePath, func(ctx context.Context, client *sftp.Client) error {
		if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
			return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err), ExitCode: -1}
		}

		remoteFile, err := client.Create(remotePath)
		if err != nil {
			return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), ExitCode: -1, IsTemporary: true}
		}
		defer remoteFile.Close()

		written, err := copyWithContext(ctx, remoteFile, src)
		if err != nil {
			return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), ExitCode: -1, IsTemporary: true}
		}

		if mode > 0 {
			if err := client.Chmod(remotePath, os.FileMode(mode)); err != nil {
				return &TransportError{Op: "chmod", Err: fmt.Errorf("failed to set permissions: %w", err), ExitCode: -1}
			}
		}

		telemetry.FromContext(ctx).Zerolog().Debug().
			Str("remote", remotePath).
			Int64("bytes", written).
			Msg("file uploaded")
		return nil
	})
}

// ReadFile reads a remote file.
func (c *SSHClient) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	var buf bytes.Buffer
	err := c.withSFTP(ctx, "read", remotePath, func(ctx context.Context, client *sftp.Client) error {
		f, err := client.Open(remotePath)
		if err != nil {
			return &TransportError{Op: "read", Err: err, ExitCode: -1}
		}
		defer f.Close()

		if _, err := copyWithContext(ctx, &buf, f); err != nil {
			return &TransportError{Op: "read", Err: err, ExitCode: -1, IsTemporary: true}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Exists reports whether a remote path exists.
func (c *SSHClient) Exists(ctx context.Context, remotePath string) (bool, error) {
	var exists bool
	err := c.withSFTP(ctx, "stat", remotePath, func(_ context.Context, client *sftp.Client) error {
		_, err := client.Stat(remotePath)
		switch {
		case err == nil:
			exists = true
			return nil
		case isNotExist(err):
			return nil
		default:
			return &TransportError{Op: "stat", Err: err, ExitCode: -1, IsTemporary: true}
		}
	})
	return exists, err
}

// Remove deletes a remote file. A missing file is not an error.
func (c *SSHClient) Remove(ctx context.Context, remotePath string) error {
	return c.withSFTP(ctx, "remove", remotePath, func(_ context.Context, client *sftp.Client) error {
		if err := client.Remove(remotePath); err != nil && !isNotExist(err) {
			return &TransportError{Op: "remove", Err: err, ExitCode: -1}
		}
		return nil
	})
}

// isNotExist matches both normalised and raw SFTP "no such file" errors.
func isNotExist(err error) bool {
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	var status *sftp.StatusError
	return errors.As(err, &status) && status.FxCode() == sftp.ErrSSHFxNoSuchFile
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}
