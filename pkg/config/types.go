package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/daalu-io/daalu/pkg/components"
	"github.com/daalu-io/daalu/pkg/helm"
)

// Config is a deployment configuration document.
type Config struct {
	// Environment names the deployment environment, e.g. "prod".
	Environment string `yaml:"environment" json:"environment" toml:"environment" validate:"required"`

	// Context is the kube context passed to helm.
	Context string `yaml:"context" json:"context,omitempty" toml:"context"`

	// MaxParallel bounds concurrently deploying components.
	MaxParallel int `yaml:"max_parallel" json:"max_parallel,omitempty" toml:"max_parallel" validate:"gte=0"`

	// FailFast stops scheduling new components after the first failure.
	FailFast bool `yaml:"fail_fast" json:"fail_fast,omitempty" toml:"fail_fast"`

	Helm       HelmConfig        `yaml:"helm" json:"helm,omitempty" toml:"helm"`
	Retry      RetryConfig       `yaml:"retry" json:"retry,omitempty" toml:"retry"`
	Components []components.Spec `yaml:"components" json:"components" toml:"components" validate:"required,min=1,dive"`
	State      StateConfig       `yaml:"state" json:"state,omitempty" toml:"state"`
	Observers  ObserversConfig   `yaml:"observers" json:"observers,omitempty" toml:"observers"`
	Policies   []string          `yaml:"policies" json:"policies,omitempty" toml:"policies"`
	Archive    *ArchiveConfig    `yaml:"archive" json:"archive,omitempty" toml:"archive"`
	Metrics    MetricsConfig     `yaml:"metrics" json:"metrics,omitempty" toml:"metrics"`
	Tracing    TracingConfig     `yaml:"tracing" json:"tracing,omitempty" toml:"tracing"`

	// Source is the file the configuration was loaded from.
	Source string `yaml:"-" json:"-" toml:"-"`
}

// HelmConfig configures how releases are applied.
type HelmConfig struct {
	Binary       string          `yaml:"binary" json:"binary,omitempty" toml:"binary"`
	Timeout      Duration        `yaml:"timeout" json:"timeout,omitempty" toml:"timeout"`
	Kubeconfig   string          `yaml:"kubeconfig" json:"kubeconfig,omitempty" toml:"kubeconfig"`
	TempDir      string          `yaml:"temp_dir" json:"temp_dir,omitempty" toml:"temp_dir"`
	Remote       *RemoteConfig   `yaml:"remote" json:"remote,omitempty" toml:"remote"`
	Repositories []helm.RepoSpec `yaml:"repositories" json:"repositories,omitempty" toml:"repositories" validate:"dive"`
}

// RemoteConfig selects SSH execution on a management host.
type RemoteConfig struct {
	Host                  string `yaml:"host" json:"host" toml:"host" validate:"required"`
	Port                  int    `yaml:"port" json:"port,omitempty" toml:"port" validate:"omitempty,min=1,max=65535"`
	User                  string `yaml:"user" json:"user" toml:"user" validate:"required"`
	Password              string `yaml:"password" json:"password,omitempty" toml:"password"`
	PrivateKeyPath        string `yaml:"private_key_path" json:"private_key_path,omitempty" toml:"private_key_path"`
	KnownHostsPath        string `yaml:"known_hosts_path" json:"known_hosts_path,omitempty" toml:"known_hosts_path"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key" json:"insecure_ignore_host_key,omitempty" toml:"insecure_ignore_host_key"`
}

// RetryConfig holds the default and per-phase retry policies.
type RetryConfig struct {
	Default *RetrySpec           `yaml:"default" json:"default,omitempty" toml:"default"`
	Phases  map[string]RetrySpec `yaml:"phases" json:"phases,omitempty" toml:"phases"`
}

// RetrySpec is a retry policy. Zero fields take the engine defaults.
type RetrySpec struct {
	MaxAttempts  int      `yaml:"max_attempts" json:"max_attempts,omitempty" toml:"max_attempts" validate:"gte=0"`
	Backoff      string   `yaml:"backoff" json:"backoff,omitempty" toml:"backoff" validate:"omitempty,oneof=fixed exponential"`
	InitialDelay Duration `yaml:"initial_delay" json:"initial_delay,omitempty" toml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay" json:"max_delay,omitempty" toml:"max_delay"`
	Multiplier   float64  `yaml:"multiplier" json:"multiplier,omitempty" toml:"multiplier" validate:"omitempty,gte=1"`

	// Timeout bounds each attempt of a phase.
	Timeout Duration `yaml:"timeout" json:"timeout,omitempty" toml:"timeout"`
}

// StateConfig selects the checkpoint store.
type StateConfig struct {
	Driver string `yaml:"driver" json:"driver,omitempty" toml:"driver" validate:"omitempty,oneof=sqlite postgres"`
	DSN    string `yaml:"dsn" json:"dsn,omitempty" toml:"dsn"`

	// Durable checkpoints runs to the store. Defaults to true; without it
	// runs are kept in memory and cannot be resumed.
	Durable *bool `yaml:"durable" json:"durable,omitempty" toml:"durable"`
}

// DurableEnabled reports whether deploys checkpoint to the store.
func (s StateConfig) DurableEnabled() bool {
	return s.Durable == nil || *s.Durable
}

// ObserversConfig selects the event observers.
type ObserversConfig struct {
	// Console defaults to true.
	Console *bool  `yaml:"console" json:"console,omitempty" toml:"console"`
	Log     bool   `yaml:"log" json:"log,omitempty" toml:"log"`
	JSONL   string `yaml:"jsonl" json:"jsonl,omitempty" toml:"jsonl"`
}

// ConsoleEnabled reports whether the console observer is on.
func (o ObserversConfig) ConsoleEnabled() bool {
	return o.Console == nil || *o.Console
}

// ArchiveConfig configures upload of run artifacts to object storage.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint" toml:"endpoint" validate:"required"`
	Bucket    string `yaml:"bucket" json:"bucket" toml:"bucket" validate:"required"`
	AccessKey string `yaml:"access_key" json:"access_key,omitempty" toml:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key,omitempty" toml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl,omitempty" toml:"use_ssl"`
	Region    string `yaml:"region" json:"region,omitempty" toml:"region"`
	Prefix    string `yaml:"prefix" json:"prefix,omitempty" toml:"prefix"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled,omitempty" toml:"enabled"`
	ListenAddress string `yaml:"listen_address" json:"listen_address,omitempty" toml:"listen_address"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled,omitempty" toml:"enabled"`
	Exporter string `yaml:"exporter" json:"exporter,omitempty" toml:"exporter" validate:"omitempty,oneof=stdout otlp none"`
	Endpoint string `yaml:"endpoint" json:"endpoint,omitempty" toml:"endpoint"`
}

// Duration is a time.Duration written as a Go duration string ("5s", "10m").
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	d.Duration = time.Duration(seconds * float64(time.Second))
	return nil
}

// MarshalJSON renders the duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}
