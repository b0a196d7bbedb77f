package components

import (
	"context"
	"fmt"

	"github.com/daalu-io/daalu/pkg/engine"
	"github.com/daalu-io/daalu/pkg/helm"
)

// helmComponent deploys a chart release. Shell hooks are attached by
// withHelmHooks only when configured, so a release without them does not
// implement those phases.
type helmComponent struct {
	spec   Spec
	env    *Env
	script *ValuesScript
}

var (
	_ engine.ValuesComputer = (*helmComponent)(nil)
	_ engine.ReleaseApplier = (*helmComponent)(nil)
	_ engine.PhaseDescriber = (*helmComponent)(nil)
	_ Differ                = (*helmComponent)(nil)
	_ Uninstaller           = (*helmComponent)(nil)
)

// Differ is implemented by components that can compare their release with
// the desired state.
type Differ interface {
	Diff(ctx context.Context) (helm.DiffResult, error)
}

// Uninstaller is implemented by components that can remove what they
// deployed.
type Uninstaller interface {
	Uninstall(ctx context.Context) error
}

// Capability sets of a helm component by configured hooks.
type (
	helmWithPreInstall struct {
		*helmComponent
		preInstallHook
	}
	helmWithPostInstall struct {
		*helmComponent
		postInstallHook
	}
	helmWithHooks struct {
		*helmComponent
		preInstallHook
		postInstallHook
	}
)

func newHelmComponent(spec Spec, env *Env) (interface{}, error) {
	if spec.Chart.Path == "" && spec.Chart.Name == "" {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("helm component %s needs chart.name or chart.path", spec.ID), nil).WithComponent(spec.ID)
	}
	if spec.Namespace == "" {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("helm component %s needs a namespace", spec.ID), nil).WithComponent(spec.ID)
	}
	if env.Runner == nil {
		return nil, engine.NewConfigurationError("helm components need a helm runner", nil).WithComponent(spec.ID)
	}

	script, err := loadScript(spec, env)
	if err != nil {
		return nil, err
	}

	return withHelmHooks(&helmComponent{spec: spec, env: env, script: script}), nil
}

func withHelmHooks(c *helmComponent) interface{} {
	h := hooks{component: c.spec.ID, env: c.env}
	pre := preInstallHook{hooks: h, commands: c.spec.PreInstall}
	post := postInstallHook{hooks: h, commands: c.spec.PostInstall}
	switch {
	case len(pre.commands) > 0 && len(post.commands) > 0:
		return &helmWithHooks{c, pre, post}
	case len(pre.commands) > 0:
		return &helmWithPreInstall{c, pre}
	case len(post.commands) > 0:
		return &helmWithPostInstall{c, post}
	default:
		return c
	}
}

// ComputeValues merges the script output over the static values.
func (c *helmComponent) ComputeValues(ctx context.Context) (engine.Values, error) {
	values := DeepMerge(c.spec.Values, nil)
	if c.script == nil {
		return values, nil
	}

	out, err := c.script.Evaluate(ctx, ScriptInput{
		Base:        values,
		Component:   c.spec.ID,
		Environment: c.env.Environment,
		KubeContext: c.env.KubeContext,
	})
	if err != nil {
		return nil, engine.NewPermanentError("values script failed", err).WithComponent(c.spec.ID)
	}
	return DeepMerge(values, out), nil
}

// ApplyRelease lints local charts, then upgrades or installs the release
// with values. A lint failure is permanent.
func (c *helmComponent) ApplyRelease(ctx context.Context, values engine.Values) error {
	if err := c.prepareChart(ctx); err != nil {
		return err
	}
	release := c.release(values)
	if c.spec.Chart.Path != "" {
		if err := c.env.Runner.Lint(ctx, release); err != nil {
			return engine.Permanent(fmt.Errorf("release %s failed lint: %w", release.Name, err))
		}
		c.env.Logger.Debug().Str("component_id", c.spec.ID).Str("chart", c.spec.Chart.Path).Msg("Chart linted")
	}
	return c.env.Runner.UpgradeInstall(ctx, release)
}

// Diff computes the values and diffs the release against the cluster.
func (c *helmComponent) Diff(ctx context.Context) (helm.DiffResult, error) {
	values, err := c.ComputeValues(ctx)
	if err != nil {
		return helm.DiffResult{}, err
	}
	if err := c.prepareChart(ctx); err != nil {
		return helm.DiffResult{}, err
	}
	return c.env.Runner.Diff(ctx, c.release(values))
}

// Uninstall removes the release.
func (c *helmComponent) Uninstall(ctx context.Context) error {
	return c.env.Runner.Uninstall(ctx, c.spec.ReleaseName(), c.spec.Namespace)
}

// prepareChart makes repository charts resolvable.
func (c *helmComponent) prepareChart(ctx context.Context) error {
	if c.spec.Chart.Path != "" {
		return nil
	}
	return c.env.repos().ensure(ctx)
}

// DescribePhase describes what phase would do.
func (c *helmComponent) DescribePhase(phase engine.Phase) string {
	switch phase {
	case engine.PhasePreInstall:
		return describeCommands(c.spec.PreInstall)
	case engine.PhaseHelmValues:
		desc := fmt.Sprintf("upgrade --install %s %s -n %s", c.spec.ReleaseName(), c.spec.Chart.Reference(), c.spec.Namespace)
		if c.spec.Chart.Version != "" && c.spec.Chart.Path == "" {
			desc += " --version " + c.spec.Chart.Version
		}
		if c.spec.Chart.Path != "" {
			desc = "lint, then " + desc
		}
		if c.script != nil {
			desc += " (values script " + c.spec.ValuesScript + ")"
		}
		return desc
	case engine.PhasePostInstall:
		return describeCommands(c.spec.PostInstall)
	}
	return ""
}

func (c *helmComponent) release(values engine.Values) helm.ReleaseSpec {
	return helm.ReleaseSpec{
		Name:      c.spec.ReleaseName(),
		Namespace: c.spec.Namespace,
		Chart:     c.spec.Chart,
		Values:    values,
		Wait:      c.spec.Wait,
	}
}

// Release returns the release the component applies with its static values.
// It is used by validation and diff commands.
func Release(spec Spec) helm.ReleaseSpec {
	return helm.ReleaseSpec{
		Name:      spec.ReleaseName(),
		Namespace: spec.Namespace,
		Chart:     spec.Chart,
		Values:    spec.Values,
		Wait:      spec.Wait,
	}
}

// commandsComponent only runs shell hooks.
type commandsComponent struct {
	spec Spec
}

var _ engine.PhaseDescriber = commandsComponent{}

// Capability sets of a commands component by configured hooks.
type (
	commandsPreInstall struct {
		commandsComponent
		preInstallHook
	}
	commandsPostInstall struct {
		commandsComponent
		postInstallHook
	}
	commandsBoth struct {
		commandsComponent
		preInstallHook
		postInstallHook
	}
)

func newCommandsComponent(spec Spec, env *Env) (interface{}, error) {
	h := hooks{component: spec.ID, env: env}
	pre := preInstallHook{hooks: h, commands: spec.PreInstall}
	post := postInstallHook{hooks: h, commands: spec.PostInstall}
	base := commandsComponent{spec: spec}

	switch {
	case len(pre.commands) > 0 && len(post.commands) > 0:
		return &commandsBoth{base, pre, post}, nil
	case len(pre.commands) > 0:
		return &commandsPreInstall{base, pre}, nil
	case len(post.commands) > 0:
		return &commandsPostInstall{base, post}, nil
	}
	return nil, engine.NewConfigurationError(
		fmt.Sprintf("commands component %s has no pre_install or post_install commands", spec.ID), nil).WithComponent(spec.ID)
}

// DescribePhase describes what phase would do.
func (c commandsComponent) DescribePhase(phase engine.Phase) string {
	switch phase {
	case engine.PhasePreInstall:
		return describeCommands(c.spec.PreInstall)
	case engine.PhasePostInstall:
		return describeCommands(c.spec.PostInstall)
	}
	return ""
}

// newGroupComponent builds an umbrella with no phases of its own. It orders
// its members through depends_on.
func newGroupComponent(Spec, *Env) (interface{}, error) {
	return nil, nil
}
