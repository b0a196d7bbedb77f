package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/daalu-io/daalu/pkg/components"
	"github.com/daalu-io/daalu/pkg/engine"
)

func newUninstallCommand() *cobra.Command {
	var (
		dryRun       bool
		dependencies bool
	)

	cmd := &cobra.Command{
		Use:   "uninstall <targets>",
		Short: "Remove deployed helm releases",
		Long: `Remove the helm releases of the selected components.

Releases are removed in reverse dependency order, so a component goes
before anything it depends on. Only the targets are removed unless
--with-dependencies is given. Components without a release are ignored.`,
		Example: `  # Remove the monitoring release
  daalu uninstall monitoring

  # Show what removing ceph and its dependencies would do
  daalu uninstall ceph --with-dependencies --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(configPath)
			if err != nil {
				return err
			}
			defer ws.Close()

			req, err := ws.request(args[0], "", "", !dependencies, true)
			if err != nil {
				return err
			}
			run, err := engine.NewPipeline(ws.registry, engine.WithLogger(ws.logger)).Prepare(req)
			if err != nil {
				return err
			}
			return uninstallPlan(cmd.Context(), cmd.OutOrStdout(), run.Plan, dryRun, ws.logger)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list the releases without removing them")
	cmd.Flags().BoolVar(&dependencies, "with-dependencies", false, "also remove what the targets depend on")

	return cmd
}

// uninstallPlan removes releases in reverse plan order and stops at the
// first failure.
func uninstallPlan(ctx context.Context, out io.Writer, plan *engine.ExecutionPlan, dryRun bool, logger zerolog.Logger) error {
	ids := plan.IDs()
	removed := 0
	for i := len(ids) - 1; i >= 0; i-- {
		c, _ := plan.Component(ids[i])
		u, ok := c.Capabilities.(components.Uninstaller)
		if !ok {
			continue
		}
		if dryRun {
			fmt.Fprintf(out, "would uninstall %s\n", c.ID)
			continue
		}
		if err := u.Uninstall(ctx); err != nil {
			return fmt.Errorf("failed to uninstall %s: %w", c.ID, err)
		}
		logger.Info().Str("component_id", c.ID).Msg("Release uninstalled")
		fmt.Fprintf(out, "uninstalled %s\n", c.ID)
		removed++
	}
	if !dryRun {
		logger.Debug().Int("releases", removed).Msg("Uninstall finished")
	}
	return nil
}
