package helm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/daalu-io/daalu/pkg/transports/ssh"
)

// Command is a process invocation.
type Command struct {
	Name string
	Args []string

	// Env holds extra KEY=VALUE pairs appended to the inherited environment.
	Env []string

	// Dir is the working directory. Empty means the executor's default.
	Dir string
}

// String renders the command as a shell line with quoted arguments.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, shellQuote(c.Name))
	for _, arg := range c.Args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

// Result is the outcome of a command that ran to completion. A non-zero
// ExitCode is not an error at this level.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// CommandExecutor runs commands and stages files on the host where helm
// and kubectl live.
type CommandExecutor interface {
	// Execute runs cmd. The error is reserved for failures to run it at all.
	Execute(ctx context.Context, cmd Command) (*Result, error)

	// WriteFile writes data to path on the execution host.
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error

	// Remove deletes path on the execution host. Missing files are ignored.
	Remove(ctx context.Context, path string) error

	// TempDir is the directory used for staged values files.
	TempDir() string
}

// LocalExecutor runs commands on this machine.
type LocalExecutor struct {
	tempDir string
	logger  zerolog.Logger
}

var _ CommandExecutor = (*LocalExecutor)(nil)

// NewLocalExecutor creates an executor for the local host.
func NewLocalExecutor(logger zerolog.Logger) *LocalExecutor {
	return &LocalExecutor{
		tempDir: os.TempDir(),
		logger:  logger,
	}
}

// Execute runs cmd with os/exec. A binary that cannot be found or started
// is reported with the shell conventions 127 and 126.
func (e *LocalExecutor) Execute(ctx context.Context, cmd Command) (*Result, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...) // #nosec G204 -- commands come from the deployment config
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	e.logger.Debug().
		Str("command", cmd.String()).
		Dur("duration", result.Duration).
		Err(err).
		Msg("Local command finished")

	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}

	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	case errors.Is(err, exec.ErrNotFound):
		result.ExitCode = 127
		result.Stderr += err.Error()
	case errors.Is(err, os.ErrPermission):
		result.ExitCode = 126
		result.Stderr += err.Error()
	default:
		return result, fmt.Errorf("failed to run %s: %w", cmd.Name, err)
	}
	return result, nil
}

// WriteFile writes data to path, creating parent directories.
func (e *LocalExecutor) WriteFile(_ context.Context, path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(path, data, mode)
}

// Remove deletes path.
func (e *LocalExecutor) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// TempDir returns the local temporary directory.
func (e *LocalExecutor) TempDir() string {
	return e.tempDir
}

// RemoteExecutor runs commands on a management host over SSH.
type RemoteExecutor struct {
	transport ssh.Transport
	tempDir   string
	logger    zerolog.Logger
}

var _ CommandExecutor = (*RemoteExecutor)(nil)

// NewRemoteExecutor creates an executor backed by transport. Values files
// are staged under tempDir on the remote host ("/tmp" when empty).
func NewRemoteExecutor(transport ssh.Transport, tempDir string, logger zerolog.Logger) *RemoteExecutor {
	if tempDir == "" {
		tempDir = "/tmp"
	}
	return &RemoteExecutor{
		transport: transport,
		tempDir:   tempDir,
		logger:    logger,
	}
}

// Execute runs cmd as a remote shell line.
func (e *RemoteExecutor) Execute(ctx context.Context, cmd Command) (*Result, error) {
	line := remoteLine(cmd)

	res, err := e.transport.Run(ctx, line)
	if err != nil {
		return nil, err
	}

	e.logger.Debug().
		Str("command", line).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Msg("Remote command finished")

	return &Result{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: res.Duration,
	}, nil
}

// WriteFile uploads data to path via SFTP.
func (e *RemoteExecutor) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	return e.transport.WriteFile(ctx, path, data, mode)
}

// Remove deletes the remote path.
func (e *RemoteExecutor) Remove(ctx context.Context, path string) error {
	return e.transport.Remove(ctx, path)
}

// TempDir returns the remote staging directory.
func (e *RemoteExecutor) TempDir() string {
	return e.tempDir
}

func remoteLine(cmd Command) string {
	var b strings.Builder
	if cmd.Dir != "" {
		b.WriteString("cd ")
		b.WriteString(shellQuote(cmd.Dir))
		b.WriteString(" && ")
	}
	for _, kv := range cmd.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(shellQuote(v))
			b.WriteString(" ")
		}
	}
	b.WriteString(cmd.String())
	return b.String()
}

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_./:=@%+,-]+$`)

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
