// Package config loads deployment configuration documents.
//
// A document names the environment, the components to deploy and how to
// deploy them: helm settings, retry policies, the checkpoint store, event
// observers, admission policies and telemetry. Documents are YAML, TOML or
// CUE. CUE documents (a single file or a package directory) are unified with
// DeploymentSchema before decoding, so type errors are reported with file
// positions.
//
// Load applies, in order: decoding, environment overrides (DAALU_ENV,
// DAALU_CONTEXT, DAALU_STATE_DSN, DAALU_MAX_PARALLEL), defaults and
// validation. Every failure is returned as an engine configuration error.
//
// Watcher reloads a document whenever it changes on disk.
package config
