package components

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/daalu-io/daalu/pkg/engine"
	"github.com/daalu-io/daalu/pkg/helm"
)

// hooks runs a component's shell commands in order through the executor.
type hooks struct {
	component string
	env       *Env
}

func (h hooks) run(ctx context.Context, phase engine.Phase, commands []string) error {
	if len(commands) == 0 {
		return nil
	}
	if h.env.Executor == nil {
		return engine.NewConfigurationError(
			fmt.Sprintf("component %s has %s commands but no executor is configured", h.component, phase), nil)
	}

	logger := h.env.Logger.With().
		Str("component_id", h.component).
		Str("phase", string(phase)).
		Logger()

	for i, line := range commands {
		cmd := helm.Command{
			Name: "sh",
			Args: []string{"-c", line},
			Env: []string{
				"DAALU_ENV=" + h.env.Environment,
				"DAALU_CONTEXT=" + h.env.KubeContext,
				"DAALU_COMPONENT=" + h.component,
			},
		}

		logger.Debug().Int("step", i+1).Str("command", line).Msg("Running hook")
		res, err := h.env.Executor.Execute(ctx, cmd)
		if err != nil {
			return &engine.ToolExecutionError{Tool: "sh", Args: cmd.Args, ExitCode: -1, Err: err}
		}
		if res.ExitCode != 0 {
			return &engine.ToolExecutionError{Tool: "sh", Args: cmd.Args, ExitCode: res.ExitCode, Stderr: res.Stderr}
		}
		logOutput(logger, res.Stdout)
	}
	return nil
}

// preInstallHook implements engine.PreInstaller with shell commands.
type preInstallHook struct {
	hooks    hooks
	commands []string
}

// PreInstall runs the pre_install commands.
func (h preInstallHook) PreInstall(ctx context.Context) error {
	return h.hooks.run(ctx, engine.PhasePreInstall, h.commands)
}

// postInstallHook implements engine.PostInstaller with shell commands.
type postInstallHook struct {
	hooks    hooks
	commands []string
}

// PostInstall runs the post_install commands.
func (h postInstallHook) PostInstall(ctx context.Context) error {
	return h.hooks.run(ctx, engine.PhasePostInstall, h.commands)
}

func logOutput(logger zerolog.Logger, out string) {
	out = strings.TrimSpace(out)
	if out == "" {
		return
	}
	logger.Debug().Str("output", out).Msg("Hook output")
}

func describeCommands(commands []string) string {
	switch len(commands) {
	case 0:
		return ""
	case 1:
		return "run: " + commands[0]
	default:
		return fmt.Sprintf("run %d commands: %s", len(commands), strings.Join(commands, "; "))
	}
}

// repoBootstrap adds the configured chart repositories once per deployment.
// A failed attempt is retried by the next caller.
type repoBootstrap struct {
	runner helm.Runner
	repos  []helm.RepoSpec
	logger zerolog.Logger

	mu   sync.Mutex
	done bool
}

func (b *repoBootstrap) ensure(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done || len(b.repos) == 0 {
		return nil
	}
	for _, repo := range b.repos {
		b.logger.Info().Str("repo", repo.Name).Str("url", repo.URL).Msg("Adding chart repository")
		if err := b.runner.AddRepo(ctx, repo); err != nil {
			return fmt.Errorf("failed to add repository %s: %w", repo.Name, err)
		}
	}
	if err := b.runner.UpdateRepos(ctx); err != nil {
		return fmt.Errorf("failed to update repositories: %w", err)
	}
	b.done = true
	return nil
}
