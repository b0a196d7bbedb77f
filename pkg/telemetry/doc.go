// Package telemetry provides the observability plumbing shared by daalu
// commands: a zerolog-backed Logger scoped by run, component and phase, an
// OpenTelemetry tracer whose spans the pipeline emits per run and per phase,
// and Prometheus metrics fed by the metrics observer.
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.Enabled = true
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	go tel.Metrics.Serve(ctx, tel.Logger.Zerolog())
//
//	pipeline := engine.NewPipeline(reg,
//	    engine.WithTracer(tel.Tracer.Tracer()),
//	    engine.WithLogger(tel.Logger.NewComponentLogger("pipeline").Zerolog()),
//	)
//
// Logging is scoped with the With* helpers:
//
//	logger := tel.Logger.WithRunID(run.ID).WithComponent("ceph").WithPhase(engine.PhaseHelmValues)
//	logger.WithError(err).Error("Phase failed")
//
// Metrics and the tracer are no-ops when disabled, so callers never need to
// check the configuration before recording.
package telemetry
