// Package telemetry provides observability instrumentation for openherd.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and an in-process event bus into a
// unified system for monitoring the action engine.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "herd"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with domain field helpers:
//
//	logger := tel.Logger.NewComponentLogger("dispatcher")
//	logger = logger.WithActionID("a-123").WithClusterID("c-456")
//	logger.Zerolog().Info().Msg("claimed action")
//	logger.Zerolog().Error().Err(err).Msg("execution failed")
//
// # Distributed Tracing
//
// Spans cover the action lifecycle and backend driver calls:
//
//	ctx, span := tel.Tracer.StartActionSpan(ctx, actionID, operation, target)
//	defer span.End()
//
//	err := telemetry.RecordDriverOperation(ctx, "hcloud", "create", func() error {
//	    return drv.Create(ctx, spec, callCtx)
//	})
//
// Supported exporters: OTLP/gRPC (production), stdout (development), none.
//
// # Metrics
//
// Key metrics exposed at /metrics (default :9090):
//
//   - openherd_actions_started_total{operation}
//   - openherd_actions_completed_total{operation,status}
//   - openherd_action_duration_seconds{operation,status}
//   - openherd_lock_contention_total
//   - openherd_orphans_requeued_total
//   - openherd_policy_rejections_total{policy}
//   - openherd_driver_calls_total{driver,operation}
//   - openherd_errors_by_class_total{class}
//   - openherd_queued_actions, openherd_running_actions
//
// # Events
//
// The event bus delivers live, best-effort notifications inside the
// process. It is not the durable execution log, which lives in the store.
//
//	tel.Events.Subscribe(func(ev telemetry.Event) {
//	    fmt.Printf("%s: %s\n", ev.Type, ev.Message)
//	}, telemetry.FilterByLevel("warning"))
package telemetry
