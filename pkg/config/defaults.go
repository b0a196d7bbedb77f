package config

import (
	"time"

	"github.com/daalu-io/daalu/pkg/engine"
)

// Defaults applied to fields a document leaves unset.
const (
	DefaultHelmBinary     = "helm"
	DefaultHelmTimeout    = 10 * time.Minute
	DefaultStateDriver    = "sqlite"
	DefaultStateDSN       = "daalu.db"
	DefaultMetricsAddress = ":9090"
	DefaultTraceExporter  = "stdout"
	DefaultSSHPort        = 22
)

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxParallel == 0 {
		c.MaxParallel = engine.DefaultMaxParallel
	}
	if c.Helm.Binary == "" {
		c.Helm.Binary = DefaultHelmBinary
	}
	if c.Helm.Timeout.Duration == 0 {
		c.Helm.Timeout.Duration = DefaultHelmTimeout
	}
	if c.Helm.Remote != nil && c.Helm.Remote.Port == 0 {
		c.Helm.Remote.Port = DefaultSSHPort
	}
	if c.State.Driver == "" {
		c.State.Driver = DefaultStateDriver
	}
	if c.State.DSN == "" && c.State.Driver == DefaultStateDriver {
		c.State.DSN = DefaultStateDSN
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = DefaultMetricsAddress
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "" {
		c.Tracing.Exporter = DefaultTraceExporter
	}
}
