package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/daalu-io/daalu/pkg/components"
	"github.com/daalu-io/daalu/pkg/config"
	"github.com/daalu-io/daalu/pkg/engine"
	"github.com/daalu-io/daalu/pkg/helm"
	"github.com/daalu-io/daalu/pkg/transports/ssh"
)

// defaultScriptTimeout bounds a values script evaluation.
const defaultScriptTimeout = 30 * time.Second

// workspace is a loaded configuration with its component registry.
type workspace struct {
	cfg       *config.Config
	registry  *engine.Registry
	env       *components.Env
	transport ssh.Transport
	logger    zerolog.Logger
}

// openWorkspace loads the configuration at path and builds the registry.
// Helm and hook commands run locally, or on the remote host when configured.
func openWorkspace(path string) (*workspace, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return newWorkspace(cfg, log.Logger)
}

func newWorkspace(cfg *config.Config, logger zerolog.Logger) (*workspace, error) {
	ws := &workspace{cfg: cfg, logger: logger}

	var executor helm.CommandExecutor
	if cfg.Helm.Remote != nil {
		client, err := ssh.NewClient(cfg.SSHConfig(), logger)
		if err != nil {
			return nil, engine.NewConfigurationError("invalid remote host configuration", err)
		}
		ws.transport = client
		executor = helm.NewRemoteExecutor(client, cfg.Helm.TempDir, logger)
		logger.Debug().
			Str("host", cfg.Helm.Remote.Host).
			Str("user", cfg.Helm.Remote.User).
			Msg("Using remote executor")
	} else {
		executor = helm.NewLocalExecutor(logger)
	}

	opts := []helm.Option{
		helm.WithLogger(logger),
		helm.WithKubeContext(cfg.Context),
	}
	if cfg.Helm.Binary != "" {
		opts = append(opts, helm.WithBinary(cfg.Helm.Binary))
	}
	if cfg.Helm.Kubeconfig != "" {
		opts = append(opts, helm.WithKubeconfig(cfg.Helm.Kubeconfig))
	}
	if cfg.Helm.Timeout.Duration > 0 {
		opts = append(opts, helm.WithTimeout(cfg.Helm.Timeout.Duration))
	}

	ws.env = &components.Env{
		Runner:        helm.NewCLIRunner(executor, opts...),
		Executor:      executor,
		Repositories:  cfg.Helm.Repositories,
		Environment:   cfg.Environment,
		KubeContext:   cfg.Context,
		BaseDir:       cfg.BaseDir(),
		ScriptTimeout: defaultScriptTimeout,
		Logger:        logger,
	}

	registry, err := components.BuildRegistry(cfg.Components, ws.env)
	if err != nil {
		ws.Close()
		return nil, err
	}
	ws.registry = registry
	return ws, nil
}

// resolve returns path relative to the configuration directory.
func (ws *workspace) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(ws.cfg.BaseDir(), path)
}

// policyPaths returns the configured policy paths, resolved.
func (ws *workspace) policyPaths() []string {
	paths := make([]string, len(ws.cfg.Policies))
	for i, p := range ws.cfg.Policies {
		paths[i] = ws.resolve(p)
	}
	return paths
}

// Close releases the remote connection, if any.
func (ws *workspace) Close() {
	if ws.transport == nil {
		return
	}
	if err := ws.transport.Close(); err != nil {
		ws.logger.Warn().Err(err).Msg("Failed to close remote connection")
	}
}

// request builds a run request from the command line selection.
func (ws *workspace) request(selection, phases, subs string, exact, dryRun bool) (engine.RunRequest, error) {
	targets, err := engine.ResolveTargets(ws.registry, selection)
	if err != nil {
		return engine.RunRequest{}, err
	}
	phaseFilter, err := engine.ParsePhaseFilter(phases)
	if err != nil {
		return engine.RunRequest{}, err
	}

	mode := engine.PlanModeTransitive
	if exact {
		mode = engine.PlanModeExact
	}

	req := engine.RunRequest{
		Targets:     targets,
		Mode:        mode,
		PhaseFilter: phaseFilter,
		SubFilter:   engine.SplitList(subs),
		DryRun:      dryRun,
		Environment: ws.cfg.Environment,
		Context:     ws.cfg.Context,
	}
	if err := req.Validate(); err != nil {
		return engine.RunRequest{}, err
	}
	return req, nil
}

// describe returns what phase of c would do.
func describe(c engine.Component, phase engine.Phase) string {
	if d, ok := c.Capabilities.(engine.PhaseDescriber); ok {
		if s := d.DescribePhase(phase); s != "" {
			return s
		}
	}
	if !c.Implements(phase) {
		return "no-op"
	}
	return fmt.Sprintf("run %s", phase)
}
