// Package telemetry provides logging, tracing, metrics and run events for
// simlaunch.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// Prometheus metrics and an ordered event publisher behind one Telemetry
// value that travels in the context.
//
// # Usage
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
//	ctx = tel.WithContext(ctx)
//
// # Plan Builds and Runs
//
// BuildPlan wraps plan construction in a plan.build span and records the
// build duration and result:
//
//	plan, err := telemetry.BuildPlan(ctx, path, func(ctx context.Context) (*engine.Plan, error) {
//	    return builder.Build(ctx, desc, overrides)
//	})
//
// A supervised run is bracketed by WithRunContext and EndRunContext. The
// supervisor reports into telemetry through two adapters: Metrics satisfies
// engine.MetricsRecorder, and EngineBridge satisfies engine.EventPublisher,
// converting the run timeline into telemetry events and opening one span
// per started step:
//
//	runCtx := telemetry.WithRunContext(ctx, plan)
//	bridge := telemetry.NewEngineBridge(tel.Events, plan).WithTracer(tel.Tracer)
//	status, err := engine.NewSupervisor(launcher, cfg).
//	    WithEventPublisher(bridge).
//	    WithMetrics(tel.Metrics).
//	    Run(runCtx, plan)
//	telemetry.EndRunContext(runCtx, status, err)
//
// # Metrics
//
// All metrics live under the simlaunch namespace:
//
//   - runs_started_total, runs_completed_total{status}, run_duration_seconds{status}
//   - plan_builds_total{result}, plan_build_duration_seconds, plan_steps
//   - actions_started_total{kind}, actions_finished_total{kind,state}
//   - action_duration_seconds{kind}, active_actions
//   - policy_violations_total{policy,severity}
//   - errors_by_code_total{class,code}
//
// # Events
//
// Subscribers receive events in publish order, optionally filtered:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.StepID, e.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// # Tracing
//
// The otlp exporter sends spans over gRPC to Tracing.Endpoint; the stdout
// exporter pretty-prints them. Span attributes use the Attr keys defined in
// this package (plan.id, step.id, action.kind, container.tag).
package telemetry
