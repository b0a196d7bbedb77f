package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/daalu-io/daalu/pkg/components"
	"github.com/daalu-io/daalu/pkg/engine"
	"github.com/daalu-io/daalu/pkg/transports/ssh"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report yaml field names rather than Go names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks the document. All problems are reported in one
// configuration error.
func (c *Config) Validate() error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, describeFieldError(fe))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	ids := make(map[string]bool, len(c.Components))
	for _, spec := range c.Components {
		if spec.ID == "" {
			continue
		}
		if ids[spec.ID] {
			problems = append(problems, fmt.Sprintf("duplicate component id %q", spec.ID))
		}
		ids[spec.ID] = true
		if spec.Timeout != "" {
			if d, err := time.ParseDuration(spec.Timeout); err != nil || d < 0 {
				problems = append(problems, fmt.Sprintf("component %s: invalid timeout %q", spec.ID, spec.Timeout))
			}
		}
		if spec.Kind != "" && !components.Known(spec.Kind) {
			problems = append(problems, fmt.Sprintf("component %s: unknown kind %q (known: %s)",
				spec.ID, spec.Kind, strings.Join(components.Kinds(), ", ")))
		}
	}
	for _, spec := range c.Components {
		for _, dep := range spec.DependsOn {
			if !ids[dep] {
				problems = append(problems, fmt.Sprintf("component %s depends on unknown component %q", spec.ID, dep))
			}
		}
	}

	for key := range c.Retry.Phases {
		if err := engine.Phase(key).Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("retry.phases: %v", err))
		}
	}
	if err := c.RetryPolicies().Validate(); err != nil {
		problems = append(problems, err.Error())
	}

	if r := c.Helm.Remote; r != nil && r.Password == "" && r.PrivateKeyPath == "" {
		problems = append(problems, "helm.remote needs a password or private_key_path")
	}
	if c.State.Driver == "postgres" && c.State.DSN == "" {
		problems = append(problems, "state.dsn is required for the postgres driver")
	}
	if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		problems = append(problems, "tracing.endpoint is required for the otlp exporter")
	}

	if len(problems) == 0 {
		return nil
	}
	msg := "invalid configuration"
	if c.Source != "" {
		msg = fmt.Sprintf("invalid configuration %s", c.Source)
	}
	return engine.NewConfigurationError(msg+": "+strings.Join(problems, "; "), nil)
}

func describeFieldError(fe validator.FieldError) string {
	path := fe.Namespace()
	if i := strings.Index(path, "."); i >= 0 {
		path = path[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", path)
	case "min":
		return fmt.Sprintf("%s needs at least %s entries", path, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", path, fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s=%s (value %v)", path, fe.Tag(), fe.Param(), fe.Value())
	}
}

// RetryPolicies resolves the retry section. Unset fields fall back to the
// engine defaults, and phase policies inherit from the default policy.
func (c *Config) RetryPolicies() engine.RetryPolicies {
	def := engine.DefaultRetryPolicy()
	if c.Retry.Default != nil {
		def = c.Retry.Default.apply(def)
	}
	policies := engine.RetryPolicies{Default: def}
	if len(c.Retry.Phases) > 0 {
		policies.PerPhase = make(map[engine.Phase]engine.RetryPolicy, len(c.Retry.Phases))
		for key, spec := range c.Retry.Phases {
			policies.PerPhase[engine.Phase(key)] = spec.apply(def)
		}
	}
	return policies
}

func (s RetrySpec) apply(p engine.RetryPolicy) engine.RetryPolicy {
	if s.MaxAttempts != 0 {
		p.MaxAttempts = s.MaxAttempts
	}
	if s.Backoff != "" {
		p.Backoff = engine.BackoffShape(s.Backoff)
	}
	if s.InitialDelay.Duration != 0 {
		p.InitialDelay = s.InitialDelay.Duration
	}
	if s.MaxDelay.Duration != 0 {
		p.MaxDelay = s.MaxDelay.Duration
	}
	if s.Multiplier != 0 {
		p.Multiplier = s.Multiplier
	}
	if s.Timeout.Duration != 0 {
		p.Timeout = s.Timeout.Duration
	}
	return p
}

// SSHConfig returns the transport configuration for remote helm execution,
// or nil when helm runs locally.
func (c *Config) SSHConfig() *ssh.Config {
	r := c.Helm.Remote
	if r == nil {
		return nil
	}
	cfg := ssh.DefaultConfig(r.Host, r.User)
	if r.Port != 0 {
		cfg.Port = r.Port
	}
	cfg.Password = r.Password
	cfg.PrivateKeyPath = r.PrivateKeyPath
	if r.KnownHostsPath != "" {
		cfg.KnownHostsPath = r.KnownHostsPath
	}
	cfg.StrictHostKeyChecking = !r.InsecureIgnoreHostKey
	return cfg
}

// BaseDir is the directory relative paths in the document resolve against.
func (c *Config) BaseDir() string {
	if c.Source == "" {
		return "."
	}
	info, err := os.Stat(c.Source)
	if err == nil && info.IsDir() {
		return c.Source
	}
	return filepath.Dir(c.Source)
}
