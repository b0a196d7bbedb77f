package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/daalu-io/daalu/pkg/engine"
)

// Environment variables that override the document.
const (
	EnvEnvironment = "DAALU_ENV"
	EnvContext     = "DAALU_CONTEXT"
	EnvStateDSN    = "DAALU_STATE_DSN"
	EnvMaxParallel = "DAALU_MAX_PARALLEL"
)

// LookupFunc looks up an environment variable.
type LookupFunc func(key string) (string, bool)

// ApplyEnv applies overrides from the process environment.
func (c *Config) ApplyEnv() error {
	return c.ApplyEnvFrom(os.LookupEnv)
}

// ApplyEnvFrom applies overrides read through lookup.
func (c *Config) ApplyEnvFrom(lookup LookupFunc) error {
	if v, ok := lookup(EnvEnvironment); ok && v != "" {
		c.Environment = v
	}
	if v, ok := lookup(EnvContext); ok && v != "" {
		c.Context = v
	}
	if v, ok := lookup(EnvStateDSN); ok && v != "" {
		c.State.DSN = v
	}
	if v, ok := lookup(EnvMaxParallel); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return engine.NewConfigurationError(fmt.Sprintf("%s must be a non-negative integer, got %q", EnvMaxParallel, v), err)
		}
		c.MaxParallel = n
	}
	return nil
}
