package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/daalu-io/daalu/pkg/engine"
)

// Format is a configuration document format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatCUE  Format = "cue"
)

// FormatFor picks the format from a path's extension. Directories are read
// as CUE packages.
func FormatFor(path string) (Format, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return FormatCUE, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported configuration format %q", filepath.Ext(path))
	}
}

// Load reads, defaults and validates the configuration at path, applying
// environment overrides from the process environment.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup LookupFunc) (*Config, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("cannot load %s", path), err)
	}

	var cfg *Config
	if format == FormatCUE {
		var errs []ValidationError
		cfg, errs = newCUELoader().load(path)
		if len(errs) > 0 {
			return nil, cueError(path, errs)
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("cannot read %s", path), err)
		}
		cfg, err = Parse(data, format)
		if err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("cannot parse %s", path), err)
		}
	}

	cfg.Source = path
	if err := finish(cfg, lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a YAML, TOML or CUE document without defaults or validation.
func Parse(data []byte, format Format) (*Config, error) {
	var cfg Config
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, err
		}
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, err
		}
	case FormatCUE:
		parsed, errs := newCUELoader().loadString(string(data), "config.cue")
		if len(errs) > 0 {
			return nil, cueError("config.cue", errs)
		}
		return parsed, nil
	default:
		return nil, fmt.Errorf("unsupported configuration format %q", format)
	}
	return &cfg, nil
}

// finish applies overrides and defaults, then validates.
func finish(cfg *Config, lookup LookupFunc) error {
	if err := cfg.ApplyEnvFrom(lookup); err != nil {
		return err
	}
	cfg.ApplyDefaults()
	return cfg.Validate()
}

func cueError(path string, errs []ValidationError) error {
	lines := make([]string, len(errs))
	for i, e := range errs {
		lines[i] = e.String()
	}
	return engine.NewConfigurationError(
		fmt.Sprintf("invalid configuration %s: %s", path, strings.Join(lines, "; ")), nil)
}
