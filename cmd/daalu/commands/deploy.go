package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/daalu-io/daalu/pkg/archive"
	"github.com/daalu-io/daalu/pkg/config"
	"github.com/daalu-io/daalu/pkg/engine"
	"github.com/daalu-io/daalu/pkg/observers"
	"github.com/daalu-io/daalu/pkg/policy"
	"github.com/daalu-io/daalu/pkg/stores"
	"github.com/daalu-io/daalu/pkg/telemetry"
)

// archiveTimeout bounds the post-run upload.
const archiveTimeout = 2 * time.Minute

type deployOptions struct {
	targets     string
	phases      string
	subs        string
	dryRun      bool
	exact       bool
	runID       string
	resume      string
	maxParallel int
	failFast    bool
	durable     bool
}

func newDeployCommand() *cobra.Command {
	var opts deployOptions

	cmd := &cobra.Command{
		Use:   "deploy [targets]",
		Short: "Deploy components",
		Long: `Deploy the selected components and their dependencies.

This command:
  - Loads the configuration and builds the component graph
  - Expands the targets into a dependency-ordered plan
  - Evaluates admission policies against the planned run
  - Runs pre_install, helm_values and post_install per component,
    deploying independent components in parallel
  - Retries transient failures with backoff
  - Checkpoints every finished phase so the run can be resumed
    (unless --durable=false)
  - Archives the run record when an archive bucket is configured`,
		Example: `  # Deploy everything
  daalu deploy all

  # Deploy ceph and whatever it depends on
  daalu deploy ceph

  # Only the helm_values phase of the monitoring stack, nothing else
  daalu deploy monitoring --exact --phase helm_values

  # Show what would happen
  daalu deploy all --dry-run

  # Resume an interrupted run
  daalu deploy --resume 6f1c2b9e-1d7a-4b8e-9a53-0c2f7f1d2e44`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if opts.targets != "" {
					return engine.NewConfigurationError("targets given both as argument and --targets", nil)
				}
				opts.targets = args[0]
			}
			if opts.targets == "" && opts.resume == "" {
				return engine.NewConfigurationError("no deployment targets requested", nil)
			}
			if opts.resume != "" && opts.dryRun {
				return engine.NewConfigurationError("--resume cannot be combined with --dry-run", nil)
			}
			return runDeploy(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.targets, "targets", "t", "", `comma-separated component ids, or "all"`)
	cmd.Flags().StringVarP(&opts.phases, "phase", "p", "", "comma-separated phases to run (default all)")
	cmd.Flags().StringVarP(&opts.subs, "sub", "s", "", "comma-separated sub-component tags to include")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "describe each phase without running it")
	cmd.Flags().BoolVar(&opts.exact, "exact", false, "deploy only the targets, without their dependencies")
	cmd.Flags().StringVar(&opts.runID, "run-id", "", "run id to use; an existing run with this id is resumed")
	cmd.Flags().StringVar(&opts.resume, "resume", "", "resume the run with this id using its stored request")
	cmd.Flags().IntVar(&opts.maxParallel, "max-parallel", 0, "max concurrently deploying components (overrides config)")
	cmd.Flags().BoolVar(&opts.failFast, "fail-fast", false, "stop scheduling after the first failure (overrides config)")
	cmd.Flags().BoolVar(&opts.durable, "durable", true, "checkpoint phases and record the run in the state store (overrides config)")

	return cmd
}

func runDeploy(cmd *cobra.Command, opts deployOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	ws, err := openWorkspace(configPath)
	if err != nil {
		return err
	}
	defer ws.Close()
	cfg := ws.cfg

	tel, err := telemetry.NewTelemetry(telemetryConfig(cfg))
	if err != nil {
		return engine.NewConfigurationError("invalid telemetry configuration", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			ws.logger.Warn().Err(err).Msg("Failed to flush telemetry")
		}
	}()
	logger := tel.Logger.Zerolog()

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	if tel.Metrics.Enabled() {
		go func() {
			if err := tel.Metrics.Serve(metricsCtx, logger); err != nil {
				logger.Error().Err(err).Msg("Metrics endpoint stopped")
			}
		}()
	}

	durable := cfg.State.DurableEnabled()
	if cmd.Flags().Changed("durable") {
		durable = opts.durable
	}
	if opts.resume != "" && !durable {
		return engine.NewConfigurationError("--resume needs a durable run", nil)
	}

	bus := engine.NewBus(logger)
	var store *stores.SQLStore
	if durable && !opts.dryRun {
		store, err = stores.Open(ctx, stores.Config{
			Driver: stores.Driver(cfg.State.Driver),
			DSN:    cfg.State.DSN,
		})
		if err != nil {
			return engine.NewConfigurationError("failed to open state store", err)
		}
		defer store.Close()
		bus.Subscribe(observers.NewJournal(store))
	}

	jsonl, err := subscribeObservers(bus, cfg, tel, logger, out)
	if err != nil {
		return err
	}
	if jsonl != nil {
		defer jsonl.Close()
	}

	gate, err := policy.NewEngine(logger)
	if err != nil {
		return err
	}
	if len(cfg.Policies) > 0 {
		if err := gate.LoadPolicies(ctx, ws.policyPaths()); err != nil {
			return engine.NewConfigurationError("failed to load policies", err)
		}
	}

	maxParallel := cfg.MaxParallel
	if cmd.Flags().Changed("max-parallel") {
		maxParallel = opts.maxParallel
	}
	failFast := cfg.FailFast
	if cmd.Flags().Changed("fail-fast") {
		failFast = opts.failFast
	}

	pipeline := engine.NewPipeline(ws.registry,
		engine.WithBus(bus),
		engine.WithMaxParallel(maxParallel),
		engine.WithFailFast(failFast),
		engine.WithRetryPolicies(cfg.RetryPolicies()),
		engine.WithLogger(logger),
		engine.WithTracer(tel.Tracer.Tracer()),
		engine.WithGate(gate.Gate()),
	)

	var run *engine.DeploymentRun
	var runErr error
	switch {
	case opts.dryRun || !durable:
		req, err := ws.request(opts.targets, opts.phases, opts.subs, opts.exact, opts.dryRun)
		if err != nil {
			return err
		}
		req.RunID = opts.runID
		run, runErr = pipeline.Run(ctx, req)

	case opts.resume != "":
		audit(ctx, store, logger, "run.resumed", opts.resume, nil)
		runner := engine.NewDurableRunner(pipeline, store, logger)
		run, runErr = runner.Resume(ctx, opts.resume)

	default:
		req, err := ws.request(opts.targets, opts.phases, opts.subs, opts.exact, false)
		if err != nil {
			return err
		}
		req.RunID = opts.runID
		runner := engine.NewDurableRunner(pipeline, store, logger)
		run, runErr = runner.Run(ctx, req)
		if run != nil {
			audit(ctx, store, logger, "run.completed", run.ID, map[string]interface{}{
				"targets": run.Request.Targets,
				"mode":    run.Request.Mode,
				"status":  run.Status,
			})
		}
	}

	if n := bus.ObserverErrors(); n > 0 {
		logger.Warn().Int64("failed_deliveries", n).Msg("Observers failed to handle some events, the run journal may be incomplete")
	}
	if run == nil {
		return runErr
	}

	if !opts.dryRun && cfg.Archive != nil {
		archiveRun(ctx, cfg, run, jsonl, logger)
	}

	if err := printRun(out, run); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if !run.Status.IsSuccess() {
		return fmt.Errorf("deployment run %s finished with status %s", run.ID, run.Status)
	}
	return nil
}

// subscribeObservers attaches the configured observers to bus. The JSONL
// observer is returned so the caller can close it and archive its file.
func subscribeObservers(bus *engine.Bus, cfg *config.Config, tel *telemetry.Telemetry, logger zerolog.Logger, out io.Writer) (*observers.JSONL, error) {
	if cfg.Observers.ConsoleEnabled() && !jsonOutput {
		bus.Subscribe(observers.NewConsole(out))
	}
	if cfg.Observers.Log || verbose {
		bus.Subscribe(observers.NewLog(logger))
	}
	if tel.Metrics.Enabled() {
		bus.Subscribe(observers.NewMetrics(tel.Metrics))
	}
	if cfg.Observers.JSONL == "" {
		return nil, nil
	}
	jsonl, err := observers.OpenJSONL(cfg.Observers.JSONL)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to open event log", err)
	}
	bus.Subscribe(jsonl)
	return jsonl, nil
}

func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.Environment = cfg.Environment
	if verbose {
		tc.Logging.Level = "debug"
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		tc.Logging.Level = lvl
	}
	tc.Tracing.Enabled = cfg.Tracing.Enabled
	if cfg.Tracing.Exporter != "" {
		tc.Tracing.Exporter = cfg.Tracing.Exporter
	}
	tc.Tracing.Endpoint = cfg.Tracing.Endpoint
	tc.Metrics.Enabled = cfg.Metrics.Enabled
	if cfg.Metrics.ListenAddress != "" {
		tc.Metrics.ListenAddress = cfg.Metrics.ListenAddress
	}
	return tc
}

// audit records an operator action, also after an interrupt. Failures are
// logged, not returned.
func audit(ctx context.Context, store stores.Store, logger zerolog.Logger, action, runID string, details map[string]interface{}) {
	entry := &stores.AuditEntry{
		Action:   action,
		Actor:    actor(),
		TargetID: &runID,
	}
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			s := string(data)
			entry.Details = &s
		}
	}
	if err := store.CreateAuditEntry(context.WithoutCancel(ctx), entry); err != nil {
		logger.Warn().Err(err).Str("action", action).Msg("Failed to record audit entry")
	}
}

func actor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "daalu"
}

// archiveRun uploads the run record and event log. The upload gets its own
// deadline so an interrupted run is still archived.
func archiveRun(ctx context.Context, cfg *config.Config, run *engine.DeploymentRun, jsonl *observers.JSONL, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()

	a, err := archive.New(archive.Config{
		Endpoint:  cfg.Archive.Endpoint,
		Bucket:    cfg.Archive.Bucket,
		AccessKey: cfg.Archive.AccessKey,
		SecretKey: cfg.Archive.SecretKey,
		UseSSL:    cfg.Archive.UseSSL,
		Region:    cfg.Archive.Region,
		Prefix:    cfg.Archive.Prefix,
	}, logger)
	if err == nil {
		err = a.EnsureBucket(ctx)
	}
	if err != nil {
		logger.Warn().Err(err).Str("run_id", run.ID).Msg("Run not archived")
		return
	}

	var files []string
	if jsonl != nil && jsonl.Path() != "" {
		files = append(files, jsonl.Path())
	}
	objects, err := a.ArchiveRun(ctx, run, files...)
	if err != nil {
		logger.Warn().Err(err).Str("run_id", run.ID).Msg("Run archive incomplete")
		return
	}
	logger.Info().Str("run_id", run.ID).Int("objects", len(objects)).Msg("Run archived")
}

// printRun writes the final run report.
func printRun(out io.Writer, run *engine.DeploymentRun) error {
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*engine.DeploymentRun
			Summary  engine.RunSummary   `json:"summary"`
			Progress engine.DeployStatus `json:"progress"`
		}{run, run.Summary(), run.Progress()})
	}

	s := run.Summary()
	fmt.Fprintf(out, "\nRun %s: %s\n", run.ID, run.Status)
	fmt.Fprintf(out, "  phases: %d succeeded, %d skipped, %d failed, %d pending\n",
		s.Succeeded, s.Skipped, s.Failed, s.Pending)
	if s.Interrupted > 0 {
		fmt.Fprintf(out, "  interrupted: %d phase(s) stopped while waiting to retry\n", s.Interrupted)
	}
	if len(run.Filtered) > 0 {
		fmt.Fprintf(out, "  filtered: %s\n", strings.Join(run.Filtered, ", "))
	}
	for _, pr := range run.Failures() {
		fmt.Fprintf(out, "  failed: %s/%s after %d attempt(s): %s\n", pr.ComponentID, pr.Phase, pr.Attempts, pr.Error)
	}
	blocked := make(map[string]bool)
	for _, pr := range run.PhaseRuns {
		if pr.BlockedBy != "" && !blocked[pr.ComponentID] {
			blocked[pr.ComponentID] = true
			fmt.Fprintf(out, "  blocked: %s (by %s)\n", pr.ComponentID, pr.BlockedBy)
		}
	}
	return nil
}
