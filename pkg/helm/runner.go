package helm

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/daalu-io/daalu/pkg/engine"
)

// RepoSpec is a chart repository.
type RepoSpec struct {
	Name string `yaml:"name" json:"name" toml:"name" validate:"required"`
	URL  string `yaml:"url" json:"url" toml:"url" validate:"required,url"`
}

// ChartRef locates a chart either in a repository or on disk.
type ChartRef struct {
	// Repo is the repository name the chart is pulled from.
	Repo string `yaml:"repo" json:"repo,omitempty" toml:"repo"`

	// Name is the chart name within Repo.
	Name string `yaml:"name" json:"name,omitempty" toml:"name"`

	// Version pins the chart version. Empty means latest.
	Version string `yaml:"version" json:"version,omitempty" toml:"version"`

	// Path is a local or vendored chart directory. It takes precedence
	// over Repo and Name.
	Path string `yaml:"path" json:"path,omitempty" toml:"path"`
}

// Reference returns the chart argument passed to helm.
func (c ChartRef) Reference() string {
	if c.Path != "" {
		return c.Path
	}
	if c.Repo == "" {
		return c.Name
	}
	return c.Repo + "/" + c.Name
}

// ReleaseSpec describes a release to install, diff or lint.
type ReleaseSpec struct {
	Name      string
	Namespace string
	Chart     ChartRef
	Values    engine.Values

	// Wait blocks until the release's resources are ready.
	Wait bool

	// Timeout bounds helm's own wait. Zero uses the runner default.
	Timeout time.Duration
}

// DiffResult is the outcome of comparing a release with its desired state.
type DiffResult struct {
	Changed bool
	Output  string
}

// Runner is the helm operations the deployment needs.
type Runner interface {
	AddRepo(ctx context.Context, repo RepoSpec) error
	UpdateRepos(ctx context.Context) error
	UpgradeInstall(ctx context.Context, spec ReleaseSpec) error
	Uninstall(ctx context.Context, name, namespace string) error
	Diff(ctx context.Context, spec ReleaseSpec) (DiffResult, error)
	Lint(ctx context.Context, spec ReleaseSpec) error
}

// CLIRunner drives the helm binary through a CommandExecutor.
type CLIRunner struct {
	exec        CommandExecutor
	binary      string
	kubeContext string
	kubeconfig  string
	timeout     time.Duration
	logger      zerolog.Logger
}

var _ Runner = (*CLIRunner)(nil)

// Option configures a CLIRunner.
type Option func(*CLIRunner)

// WithBinary sets the helm executable name or path.
func WithBinary(binary string) Option {
	return func(r *CLIRunner) {
		if binary != "" {
			r.binary = binary
		}
	}
}

// WithKubeContext passes --kube-context to every cluster operation.
func WithKubeContext(kubeContext string) Option {
	return func(r *CLIRunner) { r.kubeContext = kubeContext }
}

// WithKubeconfig passes --kubeconfig to every cluster operation.
func WithKubeconfig(path string) Option {
	return func(r *CLIRunner) { r.kubeconfig = path }
}

// WithTimeout sets the default --timeout for waiting releases.
func WithTimeout(d time.Duration) Option {
	return func(r *CLIRunner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the runner logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *CLIRunner) { r.logger = logger }
}

// NewCLIRunner creates a runner on exec.
func NewCLIRunner(exec CommandExecutor, opts ...Option) *CLIRunner {
	r := &CLIRunner{
		exec:    exec,
		binary:  "helm",
		timeout: 10 * time.Minute,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddRepo adds or refreshes a chart repository.
func (r *CLIRunner) AddRepo(ctx context.Context, repo RepoSpec) error {
	_, err := r.run(ctx, "repo", "add", repo.Name, repo.URL, "--force-update")
	return err
}

// UpdateRepos refreshes the local index of every repository.
func (r *CLIRunner) UpdateRepos(ctx context.Context) error {
	_, err := r.run(ctx, "repo", "update")
	return err
}

// UpgradeInstall installs the release or upgrades it in place.
func (r *CLIRunner) UpgradeInstall(ctx context.Context, spec ReleaseSpec) error {
	valuesFile, cleanup, err := r.stageValues(ctx, spec)
	if err != nil {
		return err
	}
	defer cleanup()

	args := []string{"upgrade", "--install", spec.Name, spec.Chart.Reference(),
		"--namespace", spec.Namespace, "--create-namespace"}
	args = append(args, r.chartArgs(spec, valuesFile)...)
	if spec.Wait {
		timeout := spec.Timeout
		if timeout <= 0 {
			timeout = r.timeout
		}
		args = append(args, "--wait", "--timeout", timeout.String())
	}
	args = append(args, r.clusterArgs()...)

	logger := r.logger.With().Str("release", spec.Name).Str("namespace", spec.Namespace).Logger()
	logger.Info().Str("chart", spec.Chart.Reference()).Msg("Upgrading release")

	if _, err := r.run(ctx, args...); err != nil {
		return err
	}
	logger.Info().Msg("Release applied")
	return nil
}

// Uninstall removes a release. A release that does not exist is not an error.
func (r *CLIRunner) Uninstall(ctx context.Context, name, namespace string) error {
	args := append([]string{"uninstall", name, "--namespace", namespace}, r.clusterArgs()...)
	res, err := r.exec.Execute(ctx, Command{Name: r.binary, Args: args})
	if err != nil {
		return r.toolError(args, -1, "", err)
	}
	if res.ExitCode != 0 {
		if strings.Contains(strings.ToLower(res.Stderr), "not found") {
			r.logger.Debug().Str("release", name).Msg("Release already absent")
			return nil
		}
		return r.toolError(args, res.ExitCode, res.Stderr, nil)
	}
	return nil
}

// Diff compares the release with the desired state using the helm-diff
// plugin. Exit code 2 means changes are pending.
func (r *CLIRunner) Diff(ctx context.Context, spec ReleaseSpec) (DiffResult, error) {
	valuesFile, cleanup, err := r.stageValues(ctx, spec)
	if err != nil {
		return DiffResult{}, err
	}
	defer cleanup()

	args := []string{"diff", "upgrade", spec.Name, spec.Chart.Reference(),
		"--namespace", spec.Namespace, "--allow-unreleased", "--detailed-exitcode"}
	args = append(args, r.chartArgs(spec, valuesFile)...)
	args = append(args, r.clusterArgs()...)

	res, err := r.exec.Execute(ctx, Command{Name: r.binary, Args: args})
	if err != nil {
		return DiffResult{}, r.toolError(args, -1, "", err)
	}

	switch res.ExitCode {
	case 0:
		return DiffResult{Output: res.Stdout}, nil
	case 2:
		return DiffResult{Changed: true, Output: res.Stdout}, nil
	default:
		return DiffResult{}, r.toolError(args, res.ExitCode, res.Stderr, nil)
	}
}

// Lint runs helm lint on a chart directory with the release values.
func (r *CLIRunner) Lint(ctx context.Context, spec ReleaseSpec) error {
	if spec.Chart.Path == "" {
		return engine.NewConfigurationError(
			fmt.Sprintf("release %s: lint requires a local chart path", spec.Name), nil)
	}

	valuesFile, cleanup, err := r.stageValues(ctx, spec)
	if err != nil {
		return err
	}
	defer cleanup()

	args := []string{"lint", spec.Chart.Path, "--namespace", spec.Namespace}
	if valuesFile != "" {
		args = append(args, "-f", valuesFile)
	}
	_, err = r.run(ctx, args...)
	return err
}

func (r *CLIRunner) run(ctx context.Context, args ...string) (*Result, error) {
	res, err := r.exec.Execute(ctx, Command{Name: r.binary, Args: args})
	if err != nil {
		return nil, r.toolError(args, -1, "", err)
	}
	if res.ExitCode != 0 {
		return res, r.toolError(args, res.ExitCode, res.Stderr, nil)
	}
	return res, nil
}

func (r *CLIRunner) toolError(args []string, code int, stderr string, err error) error {
	return &engine.ToolExecutionError{
		Tool:     r.binary,
		Args:     args,
		ExitCode: code,
		Stderr:   stderr,
		Err:      err,
	}
}

// stageValues writes the release values as YAML on the execution host.
// The returned path is empty when there are no values.
func (r *CLIRunner) stageValues(ctx context.Context, spec ReleaseSpec) (string, func(), error) {
	noop := func() {}
	if len(spec.Values) == 0 {
		return "", noop, nil
	}

	data, err := yaml.Marshal(map[string]interface{}(spec.Values))
	if err != nil {
		return "", noop, engine.NewConfigurationError(
			fmt.Sprintf("release %s: values are not serializable", spec.Name), err)
	}

	file := path.Join(r.exec.TempDir(), fmt.Sprintf("daalu-values-%s-%s.yaml", spec.Name, uuid.NewString()[:8]))
	if err := r.exec.WriteFile(ctx, file, data, 0o600); err != nil {
		return "", noop, engine.NewTransientError("failed to stage values file", err)
	}

	return file, func() {
		if err := r.exec.Remove(context.WithoutCancel(ctx), file); err != nil {
			r.logger.Warn().Err(err).Str("path", file).Msg("Failed to remove values file")
		}
	}, nil
}

func (r *CLIRunner) chartArgs(spec ReleaseSpec, valuesFile string) []string {
	var args []string
	if spec.Chart.Path == "" && spec.Chart.Version != "" {
		args = append(args, "--version", spec.Chart.Version)
	}
	if valuesFile != "" {
		args = append(args, "-f", valuesFile)
	}
	return args
}

func (r *CLIRunner) clusterArgs() []string {
	var args []string
	if r.kubeContext != "" {
		args = append(args, "--kube-context", r.kubeContext)
	}
	if r.kubeconfig != "" {
		args = append(args, "--kubeconfig", r.kubeconfig)
	}
	return args
}
