package components

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/daalu-io/daalu/pkg/engine"
	"github.com/daalu-io/daalu/pkg/helm"
)

// Spec is the configuration of one component.
type Spec struct {
	ID        string   `yaml:"id" json:"id" toml:"id" validate:"required"`
	Name      string   `yaml:"name" json:"name,omitempty" toml:"name"`
	Kind      string   `yaml:"kind" json:"kind" toml:"kind" validate:"required"`
	DependsOn []string `yaml:"depends_on" json:"depends_on,omitempty" toml:"depends_on"`
	Phases    []string `yaml:"phases" json:"phases,omitempty" toml:"phases" validate:"dive,oneof=pre_install helm_values post_install"`
	Tags      []string `yaml:"tags" json:"tags,omitempty" toml:"tags"`

	// Timeout bounds each phase attempt of this component, as a duration
	// string. It overrides the retry policy timeout.
	Timeout string `yaml:"timeout" json:"timeout,omitempty" toml:"timeout"`

	// Chart and release settings, used by the helm kind.
	Chart     helm.ChartRef `yaml:"chart" json:"chart,omitempty" toml:"chart"`
	Release   string        `yaml:"release" json:"release,omitempty" toml:"release"`
	Namespace string        `yaml:"namespace" json:"namespace,omitempty" toml:"namespace"`
	Wait      bool          `yaml:"wait" json:"wait,omitempty" toml:"wait"`

	// Values are the static chart values. ValuesScript is a Starlark file,
	// relative to the configuration file, whose output is merged over them.
	Values       map[string]interface{} `yaml:"values" json:"values,omitempty" toml:"values"`
	ValuesScript string                 `yaml:"values_script" json:"values_script,omitempty" toml:"values_script"`

	// Shell hooks run by the pre_install and post_install phases.
	PreInstall  []string `yaml:"pre_install" json:"pre_install,omitempty" toml:"pre_install"`
	PostInstall []string `yaml:"post_install" json:"post_install,omitempty" toml:"post_install"`
}

// ReleaseName returns the helm release name, defaulting to the id.
func (s Spec) ReleaseName() string {
	if s.Release != "" {
		return s.Release
	}
	return s.ID
}

// Env is what component factories build against.
type Env struct {
	// Runner applies helm releases.
	Runner helm.Runner

	// Executor runs shell hooks.
	Executor helm.CommandExecutor

	// Repositories are added before the first release of a deployment.
	Repositories []helm.RepoSpec

	Environment string
	KubeContext string

	// BaseDir resolves relative values_script paths.
	BaseDir string

	// ScriptTimeout bounds values script evaluation.
	ScriptTimeout time.Duration

	Logger zerolog.Logger

	bootstrapOnce sync.Once
	bootstrap     *repoBootstrap
}

func (e *Env) repos() *repoBootstrap {
	e.bootstrapOnce.Do(func() {
		e.bootstrap = &repoBootstrap{runner: e.Runner, repos: e.Repositories, logger: e.Logger}
	})
	return e.bootstrap
}

// Factory builds the capability set for a spec. A nil result means the
// component implements no phase.
type Factory func(spec Spec, env *Env) (interface{}, error)

var (
	kindsMu sync.RWMutex
	kinds   = map[string]Factory{}
)

// Register adds a component kind. Registering a kind twice is an error.
func Register(kind string, factory Factory) error {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	if kind == "" || factory == nil {
		return fmt.Errorf("kind and factory are required")
	}
	if _, exists := kinds[kind]; exists {
		return fmt.Errorf("component kind %q already registered", kind)
	}
	kinds[kind] = factory
	return nil
}

// Known reports whether kind is registered.
func Known(kind string) bool {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	_, ok := kinds[kind]
	return ok
}

// Kinds returns the registered kinds, sorted.
func Kinds() []string {
	kindsMu.RLock()
	defer kindsMu.RUnlock()

	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func factoryFor(kind string) (Factory, bool) {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	f, ok := kinds[kind]
	return f, ok
}

func init() {
	for kind, f := range map[string]Factory{
		KindHelm:     newHelmComponent,
		KindCommands: newCommandsComponent,
		KindGroup:    newGroupComponent,
	} {
		if err := Register(kind, f); err != nil {
			panic(err)
		}
	}
}

// Built-in kinds.
const (
	KindHelm     = "helm"
	KindCommands = "commands"
	KindGroup    = "group"
)

// Build turns specs into engine components, in order.
func Build(specs []Spec, env *Env) ([]engine.Component, error) {
	out := make([]engine.Component, 0, len(specs))
	for _, spec := range specs {
		c, err := BuildOne(spec, env)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// BuildOne builds a single component.
func BuildOne(spec Spec, env *Env) (engine.Component, error) {
	factory, ok := factoryFor(spec.Kind)
	if !ok {
		return engine.Component{}, engine.NewConfigurationError(
			fmt.Sprintf("component %s has unknown kind %q", spec.ID, spec.Kind), nil).WithComponent(spec.ID)
	}

	phases := make([]engine.Phase, 0, len(spec.Phases))
	for _, p := range spec.Phases {
		phase := engine.Phase(p)
		if err := phase.Validate(); err != nil {
			return engine.Component{}, engine.NewConfigurationError(
				fmt.Sprintf("component %s declares an invalid phase", spec.ID), err).WithComponent(spec.ID)
		}
		phases = append(phases, phase)
	}

	var timeout time.Duration
	if spec.Timeout != "" {
		d, err := time.ParseDuration(spec.Timeout)
		if err != nil || d < 0 {
			return engine.Component{}, engine.NewConfigurationError(
				fmt.Sprintf("component %s has an invalid timeout %q", spec.ID, spec.Timeout), err).WithComponent(spec.ID)
		}
		timeout = d
	}

	caps, err := factory(spec, env)
	if err != nil {
		return engine.Component{}, err
	}

	return engine.Component{
		ID:           spec.ID,
		Name:         spec.Name,
		DependsOn:    spec.DependsOn,
		Phases:       phases,
		Tags:         spec.Tags,
		Timeout:      timeout,
		Capabilities: caps,
	}, nil
}

// BuildRegistry builds specs into a fresh registry. Dependencies may be
// declared in any order.
func BuildRegistry(specs []Spec, env *Env) (*engine.Registry, error) {
	comps, err := Build(specs, env)
	if err != nil {
		return nil, err
	}
	reg := engine.NewRegistry()
	if err := reg.RegisterAll(comps); err != nil {
		return nil, err
	}
	return reg, nil
}

// loadScript reads a values script relative to env.BaseDir.
func loadScript(spec Spec, env *Env) (*ValuesScript, error) {
	if spec.ValuesScript == "" {
		return nil, nil
	}
	path := spec.ValuesScript
	if !filepath.IsAbs(path) && env.BaseDir != "" {
		path = filepath.Join(env.BaseDir, path)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("component %s: failed to read values script", spec.ID), err).WithComponent(spec.ID)
	}
	return NewValuesScript(filepath.Base(path), string(src), env.ScriptTimeout), nil
}
