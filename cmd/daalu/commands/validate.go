package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/daalu-io/daalu/pkg/config"
	"github.com/daalu-io/daalu/pkg/engine"
	"github.com/daalu-io/daalu/pkg/helm"
	"github.com/daalu-io/daalu/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var (
		strict bool
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate the deployment configuration",
		Long: `Validate the deployment configuration without touching the cluster.

This command checks:
  - YAML, TOML or CUE syntax and schema conformance
  - Component kinds, unique ids and dependency references
  - The dependency graph is acyclic
  - Retry policies
  - Local charts lint cleanly with their static values
  - Policy files compile`,
		Example: `  # Validate the default configuration
  daalu validate

  # Validate a CUE package directory
  daalu validate ./deploy

  # Treat chart lint warnings as errors
  daalu validate --strict

  # Re-validate whenever the file changes
  daalu validate --watch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}

			log.Info().
				Str("path", path).
				Bool("strict", strict).
				Msg("Validating configuration")

			out := cmd.OutOrStdout()
			if !watch {
				cfg, err := config.Load(path)
				if err != nil {
					return err
				}
				return validateConfig(cmd.Context(), out, cfg, strict)
			}

			w := config.NewWatcher(path, log.Logger)
			return w.Run(cmd.Context(), func(cfg *config.Config, err error) {
				if err == nil {
					err = validateConfig(cmd.Context(), out, cfg, strict)
				}
				if err != nil {
					fmt.Fprintf(out, "invalid: %v\n", err)
				}
			})
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat chart lint warnings as errors")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate on every change until interrupted")

	return cmd
}

// validateConfig runs the checks that need more than the configuration
// loader: the component graph, chart lint and policy compilation.
func validateConfig(ctx context.Context, out io.Writer, cfg *config.Config, strict bool) error {
	ws, err := newWorkspace(cfg, log.Logger)
	if err != nil {
		return err
	}
	defer ws.Close()

	if err := ws.registry.Validate(); err != nil {
		return err
	}

	var problems []string
	for _, spec := range cfg.Components {
		if spec.Chart.Path == "" {
			continue
		}
		path := ws.resolve(spec.Chart.Path)
		report, err := helm.NewChartLinter(spec.Namespace, strict).Lint(path, spec.Values)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", spec.ID, err))
			continue
		}
		for _, e := range report.Errors() {
			problems = append(problems, fmt.Sprintf("%s: chart %s", spec.ID, e))
		}
		if strict {
			for _, m := range report.Messages {
				if m.Severity == "warning" {
					problems = append(problems, fmt.Sprintf("%s: chart %s: %s", spec.ID, m.Path, m.Message))
				}
			}
		}
	}

	pe, err := policy.NewEngine(log.Logger)
	if err != nil {
		return err
	}
	if len(cfg.Policies) > 0 {
		if err := pe.LoadPolicies(ctx, ws.policyPaths()); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return engine.NewConfigurationError(
			fmt.Sprintf("invalid configuration %s: %s", cfg.Source, strings.Join(problems, "; ")), nil)
	}

	fmt.Fprintf(out, "%s is valid: %d components, %d policies\n",
		cfg.Source, ws.registry.Len(), len(pe.ListPolicies()))
	return nil
}
