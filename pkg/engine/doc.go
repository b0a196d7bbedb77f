// Package engine provides the deployment orchestration core of Daalu.
//
// # Overview
//
// Daalu deploys a cloud platform as an ordered set of components (nodes,
// ceph, csi, monitoring, openstack, ...). Every component moves through up
// to three lifecycle phases:
//
//  1. pre_install - one-time side effects such as namespaces or labels
//  2. helm_values - compute desired values and reconcile the release
//  3. post_install - verification and follow-up steps
//
// # Core Types
//
//   - Component: an id, its dependencies, tags and a capability set
//   - Registry: the component catalogue and dependency graph
//   - ExecutionPlan: a dependency-respecting order of selected components
//   - PhaseRun: the execution record of one (component, phase) pair
//   - DeploymentRun: the aggregate of one pipeline invocation
//   - Event: an immutable fact describing a state transition
//
// # Capabilities
//
// Components implement any subset of PreInstaller, ValuesComputer,
// ReleaseApplier and PostInstaller. A phase the component does not implement
// is Skipped.
//
//	type ceph struct{ helm helm.Runner }
//
//	func (c *ceph) ComputeValues(ctx context.Context) (engine.Values, error) { ... }
//	func (c *ceph) ApplyRelease(ctx context.Context, v engine.Values) error { ... }
//
// # Execution
//
// Pipeline plans a RunRequest, then schedules components with bounded
// parallelism. Dependents of a failed component are never scheduled while
// independent branches continue. Every phase is driven by the PhaseMachine,
// which consults the RetryPolicy on failure, and every transition is
// published on the Bus.
//
//	reg := engine.NewRegistry()
//	_ = reg.Register(engine.Component{ID: "nodes", Capabilities: nodes})
//	_ = reg.Register(engine.Component{ID: "ceph", DependsOn: []string{"nodes"}, Capabilities: ceph})
//
//	p := engine.NewPipeline(reg, engine.WithBus(bus), engine.WithMaxParallel(4))
//	run, err := p.Run(ctx, engine.RunRequest{Targets: []string{"ceph"}})
//
// DurableRunner wraps a Pipeline with a CheckpointLog so that a run can be
// resumed after a crash without repeating completed phases.
//
// # Error Handling
//
// Errors are EngineError values carrying an ErrorClass used for retry
// decisions and an ErrorKind placing them in the taxonomy:
//
//	if errors.Is(err, engine.ErrDependencyCycle) {
//	    // registration or planning found a cycle
//	}
//
// Errors that carry no classification are treated as transient.
package engine
