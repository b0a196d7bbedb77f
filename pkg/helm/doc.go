// Package helm applies chart releases for helm components.
//
// CLIRunner drives the helm binary through a CommandExecutor, either on this
// machine (LocalExecutor) or on a management host over SSH (RemoteExecutor).
// Release values are rendered to a YAML file on the execution host and passed
// with -f. Non-zero exits surface as *engine.ToolExecutionError so the retry
// policy can classify them.
//
// ChartLinter lints vendored charts in-process with the helm SDK.
package helm
