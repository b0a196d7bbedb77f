package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client implements Transport over a single SSH connection.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu          sync.Mutex
	client      *ssh.Client
	connectedAt time.Time
	stopKeep    chan struct{}
}

var _ Transport = (*Client)(nil)

// NewClient creates a new SSH transport client.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		config: config,
		logger: logger.With().Str("host", config.Address()).Logger(),
	}, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.getClient(ctx)
	return err
}

// getClient returns the live connection, dialing when there is none.
func (c *Client) getClient(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	c.logger.Debug().Msg("Establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{
			Op:          "connect",
			Err:         err,
			IsAuthError: strings.Contains(err.Error(), "unable to authenticate"),
		}
	}

	c.client = ssh.NewClient(ncc, chans, reqs)
	c.connectedAt = time.Now()

	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}

	c.logger.Info().Msg("SSH connection established")
	return c.client, nil
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}

	err := c.client.Close()
	c.client = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected returns true if the transport has an active connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

// Info returns information about the current connection.
func (c *Client) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ConnectionInfo{
		Host:        c.config.Host,
		Port:        c.config.Port,
		User:        c.config.User,
		ConnectedAt: c.connectedAt,
	}
}

// drop forgets a broken connection so the next call redials.
func (c *Client) drop(broken *ssh.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == broken {
		_ = c.client.Close()
		c.client = nil
	}
}

// keepAlive sends periodic keep-alive requests until stop is closed or the
// connection fails.
func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.logger.Warn().Err(err).Msg("Keep-alive failed, dropping connection")
				c.drop(client)
				return
			}
		}
	}
}

// Run executes cmd in a new session.
func (c *Client) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		c.drop(client)
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		return nil, &TransportError{Op: "execute", Err: ctx.Err()}
	case runErr = <-done:
	}

	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(runErr).
		Msg("Command completed")

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, &TransportError{Op: "execute", Err: runErr, IsTemporary: true}
	}

	return result, nil
}

func (c *Client) sftpClient(ctx context.Context) (*sftp.Client, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return sc, nil
}

// WriteFile writes data to remotePath.
func (c *Client) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	sc, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	defer sc.Close()

	if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	f, err := sc.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to write remote file: %w", err), IsTemporary: true}
	}
	if err := f.Close(); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to close remote file: %w", err), IsTemporary: true}
	}

	if mode != 0 {
		if err := sc.Chmod(remotePath, mode); err != nil {
			c.logger.Warn().Err(err).Str("path", remotePath).Msg("Failed to set file permissions")
		}
	}

	c.logger.Debug().Str("path", remotePath).Int("bytes", len(data)).Msg("File uploaded")
	return nil
}

// Remove deletes remotePath.
func (c *Client) Remove(ctx context.Context, remotePath string) error {
	sc, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	defer sc.Close()

	if err := sc.Remove(remotePath); err != nil && !isNotExist(err) {
		return &TransportError{Op: "remove", Err: err}
	}
	return nil
}

func isNotExist(err error) bool {
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	var se *sftp.StatusError
	return errors.As(err, &se) && se.FxCode() == sftp.ErrSSHFxNoSuchFile
}
