package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daalu-io/daalu/pkg/engine"
)

// Global flags
var (
	configPath string
	verbose    bool
	jsonOutput bool
)

// Exit codes.
const (
	exitFailure       = 1
	exitConfiguration = 2
	exitInterrupted   = 130
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

// ExitCode maps a command error to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, engine.ErrCancelled), errors.Is(err, context.Canceled):
		return exitInterrupted
	case errors.Is(err, engine.ErrConfiguration):
		return exitConfiguration
	default:
		return exitFailure
	}
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "daalu",
		Short: "daalu - Kubernetes platform deployment orchestrator",
		Long: `daalu deploys a platform of Helm-based components onto a Kubernetes cluster.

Components declare dependencies on each other and move through three phases:
  - pre_install    prepare the cluster (namespaces, CRDs, secrets)
  - helm_values    compute values and upgrade --install the release
  - post_install   verify and finish the installation

Independent components deploy in parallel, transient failures are retried
with backoff, and every finished phase is checkpointed so an interrupted
run can be resumed.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "daalu.yaml", "configuration file or CUE package directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newUninstallCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
