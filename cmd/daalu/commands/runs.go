package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/daalu-io/daalu/pkg/config"
	"github.com/daalu-io/daalu/pkg/engine"
	"github.com/daalu-io/daalu/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded deployment runs",
		Long: `Inspect the deployment runs recorded in the state store.

Every non-dry run is recorded with one checkpoint per finished phase. Use
'runs show' to see how far a run got before resuming it with
'daalu deploy --resume <id>'.`,
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())
	return cmd
}

func newRunsListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Example: `  # The ten most recent runs
  daalu runs list --limit 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}

			t := newTable("RUN", "STATUS", "TARGETS", "MODE", "STARTED", "DURATION")
			for _, r := range runs {
				t.Row(r.ID, string(r.Status), strings.Join(r.Request.Targets, ","),
					string(r.Request.Mode), r.StartedAt.Local().Format(time.DateTime), runDuration(r))
			}
			fmt.Fprintln(out, t.Render())
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list (0 for all)")
	return cmd
}

func newRunsShowCommand() *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its checkpoints",
		Example: `  # Show checkpoints of a run
  daalu runs show 6f1c2b9e-1d7a-4b8e-9a53-0c2f7f1d2e44

  # Include the event journal
  daalu runs show 6f1c2b9e-1d7a-4b8e-9a53-0c2f7f1d2e44 --events`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.GetRun(ctx, args[0])
			if err != nil {
				if errors.Is(err, engine.ErrRunNotFound) {
					return engine.NewConfigurationError(fmt.Sprintf("run %s not found", args[0]), err).WithCode(engine.ErrCodeNotFound)
				}
				return err
			}
			checkpoints, err := store.LoadCheckpoints(ctx, rec.ID)
			if err != nil {
				return err
			}
			var journal []engine.Event
			if events {
				if journal, err = store.GetEvents(ctx, rec.ID); err != nil {
					return err
				}
			}

			run := engine.RunFromRecord(rec, checkpoints)
			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, struct {
					Run         *engine.RunRecord   `json:"run"`
					Progress    engine.DeployStatus `json:"progress"`
					Checkpoints []engine.Checkpoint `json:"checkpoints"`
					Events      []engine.Event      `json:"events,omitempty"`
				}{rec, run.Progress(), checkpoints, journal})
			}
			printRunRecord(out, rec, run, checkpoints, journal)
			return nil
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "include the event journal")
	return cmd
}

// openStore opens the state store named by the configuration.
func openStore(cmd *cobra.Command) (*stores.SQLStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	store, err := stores.Open(cmd.Context(), stores.Config{
		Driver: stores.Driver(cfg.State.Driver),
		DSN:    cfg.State.DSN,
	})
	if err != nil {
		return nil, engine.NewConfigurationError("failed to open state store", err)
	}
	return store, nil
}

func printRunRecord(out io.Writer, rec *engine.RunRecord, run *engine.DeploymentRun, checkpoints []engine.Checkpoint, journal []engine.Event) {
	bold := lipgloss.NewStyle().Bold(true)
	progress := run.Progress()

	fmt.Fprintf(out, "%s %s\n", bold.Render("Run"), rec.ID)
	fmt.Fprintf(out, "  status:   %s\n", rec.Status)
	fmt.Fprintf(out, "  targets:  %s (%s)\n", strings.Join(rec.Request.Targets, ", "), rec.Request.Mode)
	if rec.Request.Environment != "" {
		fmt.Fprintf(out, "  env:      %s\n", rec.Request.Environment)
	}
	fmt.Fprintf(out, "  started:  %s\n", rec.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(out, "  duration: %s\n", runDuration(*rec))
	fmt.Fprintf(out, "  done:     %d stages\n", len(progress.CompletedStages))
	if progress.Error != "" {
		fmt.Fprintf(out, "  error:    %s\n", progress.Error)
	}

	if len(checkpoints) > 0 {
		t := newTable("#", "COMPONENT", "PHASE", "STATE", "ATTEMPTS", "ERROR")
		for _, cp := range checkpoints {
			t.Row(fmt.Sprint(cp.Seq), cp.ComponentID, string(cp.Phase), string(cp.State),
				fmt.Sprint(cp.Attempts), cp.Error)
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, t.Render())
	}

	if len(journal) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, bold.Render("Events"))
		for _, e := range journal {
			subject := e.ComponentID
			if e.Phase != "" {
				subject += "/" + string(e.Phase)
			}
			fmt.Fprintf(out, "  %s  %-22s %s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Kind, subject)
		}
	}
}

func newTable(headers ...string) *table.Table {
	header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	return table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		}).
		Headers(headers...)
}

func runDuration(r engine.RunRecord) string {
	end := r.UpdatedAt
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	if end.Before(r.StartedAt) {
		return "-"
	}
	return end.Sub(r.StartedAt).Round(time.Second).String()
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
