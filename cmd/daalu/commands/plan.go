package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/daalu-io/daalu/pkg/components"
	"github.com/daalu-io/daalu/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		targets string
		phases  string
		subs    string
		exact   bool
		dotFile string
		diff    bool
	)

	cmd := &cobra.Command{
		Use:   "plan [targets]",
		Short: "Show the execution plan",
		Long: `Show the execution plan for the selected components without running anything.

The plan:
  - Expands the targets with their transitive dependencies (unless --exact)
  - Drops components filtered out by --sub
  - Groups components into levels; a level deploys after the previous one
  - Describes what every phase of every component would do
  - With --diff, compares every planned release with the cluster`,
		Example: `  # Plan a full deployment
  daalu plan all

  # Plan with execution graph visualization
  daalu plan all --dot plan.dot

  # Show what the helm releases would change
  daalu plan ceph --diff

  # Print the graph for piping into graphviz
  daalu plan ceph --dot - | dot -Tsvg > plan.svg`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				targets = args[0]
			}
			if targets == "" {
				targets = engine.TargetAll
			}

			ws, err := openWorkspace(configPath)
			if err != nil {
				return err
			}
			defer ws.Close()

			req, err := ws.request(targets, phases, subs, exact, true)
			if err != nil {
				return err
			}
			run, err := engine.NewPipeline(ws.registry, engine.WithLogger(ws.logger)).Prepare(req)
			if err != nil {
				return err
			}

			log.Info().
				Str("run_id", run.ID).
				Strs("targets", req.Targets).
				Int("components", len(run.Plan.Components)).
				Msg("Plan computed")

			out := cmd.OutOrStdout()
			if dotFile != "" {
				if err := writeDOT(out, dotFile, run.Plan); err != nil {
					return err
				}
				if dotFile == "-" {
					return nil
				}
			}
			view := planView(run)
			if diff {
				view.Diffs = diffReleases(cmd.Context(), run)
			}
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			}
			printPlan(out, view)
			return nil
		},
	}

	cmd.Flags().StringVarP(&targets, "targets", "t", "", `comma-separated component ids, or "all" (default all)`)
	cmd.Flags().StringVarP(&phases, "phase", "p", "", "comma-separated phases to include")
	cmd.Flags().StringVarP(&subs, "sub", "s", "", "comma-separated sub-component tags to include")
	cmd.Flags().BoolVar(&exact, "exact", false, "plan only the targets, without their dependencies")
	cmd.Flags().StringVar(&dotFile, "dot", "", `write the plan as a DOT graph ("-" for stdout)`)
	cmd.Flags().BoolVar(&diff, "diff", false, "diff planned helm releases against the cluster")

	return cmd
}

func writeDOT(out io.Writer, path string, plan *engine.ExecutionPlan) error {
	dot := plan.ToDOT()
	if path == "-" {
		_, err := io.WriteString(out, dot)
		return err
	}
	if err := os.WriteFile(path, []byte(dot), 0644); err != nil {
		return fmt.Errorf("failed to write DOT graph: %w", err)
	}
	log.Info().Str("file", path).Msg("DOT graph written")
	return nil
}

type plannedPhase struct {
	Phase       engine.Phase `json:"phase"`
	Description string       `json:"description"`
}

type plannedComponent struct {
	ID        string         `json:"id"`
	Level     int            `json:"level"`
	DependsOn []string       `json:"depends_on"`
	Phases    []plannedPhase `json:"phases"`
}

type planOutput struct {
	Targets    []string           `json:"targets"`
	Mode       engine.PlanMode    `json:"mode"`
	Levels     [][]string         `json:"levels"`
	Components []plannedComponent `json:"components"`
	Filtered   []string           `json:"filtered"`
	Diffs      []releaseDiff      `json:"diffs,omitempty"`
}

type releaseDiff struct {
	ID      string `json:"id"`
	Changed bool   `json:"changed"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// diffReleases diffs every planned component whose helm_values phase is
// selected. A failed diff is reported and does not stop the others.
func diffReleases(ctx context.Context, run *engine.DeploymentRun) []releaseDiff {
	var diffs []releaseDiff
	for _, id := range run.Plan.IDs() {
		if !selected(run, id, engine.PhaseHelmValues) {
			continue
		}
		c, _ := run.Plan.Component(id)
		d, ok := c.Capabilities.(components.Differ)
		if !ok {
			continue
		}
		res, err := d.Diff(ctx)
		rd := releaseDiff{ID: id, Changed: res.Changed, Output: res.Output}
		if err != nil {
			log.Warn().Err(err).Str("component_id", id).Msg("Diff failed")
			rd.Error = err.Error()
		}
		diffs = append(diffs, rd)
	}
	return diffs
}

func selected(run *engine.DeploymentRun, id string, phase engine.Phase) bool {
	for _, pr := range run.ComponentRuns(id) {
		if pr.Phase == phase {
			return true
		}
	}
	return false
}

func planView(run *engine.DeploymentRun) planOutput {
	view := planOutput{
		Targets:  run.Request.Targets,
		Mode:     run.Plan.Mode,
		Levels:   run.Plan.Levels(),
		Filtered: append([]string{}, run.Filtered...),
	}
	for level, ids := range view.Levels {
		for _, id := range ids {
			c, _ := run.Plan.Component(id)
			pc := plannedComponent{
				ID:        id,
				Level:     level,
				DependsOn: append([]string{}, run.Plan.DependenciesInPlan(id)...),
			}
			for _, pr := range run.ComponentRuns(id) {
				pc.Phases = append(pc.Phases, plannedPhase{Phase: pr.Phase, Description: describe(c, pr.Phase)})
			}
			view.Components = append(view.Components, pc)
		}
	}
	return view
}

func printPlan(out io.Writer, view planOutput) {
	header := lipgloss.NewStyle().Bold(true)

	fmt.Fprintf(out, "%s %s (%s)\n\n", header.Render("Plan for"), strings.Join(view.Targets, ", "), view.Mode)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("LEVEL", "COMPONENT", "DEPENDS ON", "PHASE", "ACTION")
	for _, c := range view.Components {
		deps := strings.Join(c.DependsOn, ", ")
		if len(c.Phases) == 0 {
			t.Row(fmt.Sprint(c.Level), c.ID, deps, "-", "nothing selected")
			continue
		}
		for i, p := range c.Phases {
			if i > 0 {
				t.Row("", "", "", string(p.Phase), p.Description)
				continue
			}
			t.Row(fmt.Sprint(c.Level), c.ID, deps, string(p.Phase), p.Description)
		}
	}
	fmt.Fprintln(out, t.Render())

	if len(view.Filtered) > 0 {
		fmt.Fprintf(out, "\nFiltered by --sub: %s\n", strings.Join(view.Filtered, ", "))
	}

	for _, d := range view.Diffs {
		switch {
		case d.Error != "":
			fmt.Fprintf(out, "\n%s %s: diff failed: %s\n", header.Render("Diff"), d.ID, d.Error)
		case d.Changed:
			fmt.Fprintf(out, "\n%s %s:\n%s\n", header.Render("Diff"), d.ID, strings.TrimRight(d.Output, "\n"))
		default:
			fmt.Fprintf(out, "\n%s %s: no changes\n", header.Render("Diff"), d.ID)
		}
	}
}
