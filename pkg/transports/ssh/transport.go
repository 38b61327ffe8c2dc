// Package ssh provides shell access to a device's host OS and its
// application containers.
package ssh

import (
	"context"
	"errors"
	"time"
)

// Transport defines the SSH operations the harness uses against one host.
type Transport interface {
	// Connect establishes an SSH connection to the remote host.
	Connect(ctx context.Context) error

	// Disconnect closes the SSH connection and releases all resources.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// ExecuteCommand runs a command on the remote host and returns its
	// trimmed stdout and stderr. A non-zero exit is an error.
	ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	// UploadFile uploads a single file to the remote host via SFTP.
	UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error

	// WriteFile writes content to a remote file via SFTP.
	WriteFile(ctx context.Context, remotePath string, content []byte, mode uint32) error

	// ReadFile reads a remote file via SFTP.
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)

	// Exists reports whether a remote path exists.
	Exists(ctx context.Context, remotePath string) (bool, error)

	// Remove deletes a remote file. Removing a missing file is not an error.
	Remove(ctx context.Context, remotePath string) error

	// GetConnectionInfo returns information about the current connection.
	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port number
	Port int

	// User is the SSH username
	User string

	// ConnectedAt is when the connection was established
	ConnectedAt time.Time

	// LastActivity is when the connection was last used
	LastActivity time.Time
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// ExitCode is the remote exit status for a command that ran and
	// failed, or -1 when the command did not complete
	ExitCode int

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsTemporary reports whether err is a temporary transport error, such as
// a refused connection while the device reboots.
func IsTemporary(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.IsTemporary
	}
	return false
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.IsAuthError
	}
	return false
}

// ExitCode returns the remote exit status carried by err, or -1.
func ExitCode(err error) int {
	var te *TransportError
	if errors.As(err, &te) {
		return te.ExitCode
	}
	return -1
}
