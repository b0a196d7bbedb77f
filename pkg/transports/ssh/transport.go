// Package ssh provides the SSH transport used to run helm and command hooks
// on a remote management host, with SFTP for values files.
package ssh

import (
	"context"
	"os"
	"time"
)

// Transport defines the remote operations the deployment runners need.
type Transport interface {
	// Connect establishes the SSH connection. Run, WriteFile and Remove
	// connect on demand, so calling it first is optional.
	Connect(ctx context.Context) error

	// Close closes the connection and releases all resources.
	Close() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// Run executes a shell command on the remote host. A non-zero exit
	// status is reported in the result, not as an error.
	Run(ctx context.Context, cmd string) (*ExecResult, error)

	// WriteFile writes data to remotePath via SFTP, creating parent directories.
	WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error

	// Remove deletes a remote file. Missing files are not an error.
	Remove(ctx context.Context, remotePath string) error
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host        string
	Port        int
	User        string
	ConnectedAt time.Time
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// ExitCode is the command's exit code
	ExitCode int

	// Duration is the total execution time
	Duration time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

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

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
