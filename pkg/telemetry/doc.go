// Package telemetry provides logging, tracing, metrics and event publishing
// for harness runs.
//
// The package combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and a scenario event publisher
// behind a single Telemetry value that travels in the context.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
//	logger := telemetry.FromContext(ctx).WithDevice(uuid)
//	logger.Info("device resolved")
//
// FromContext falls back to the global zerolog logger, so packages can log
// without requiring telemetry to be set up.
//
// # Metrics
//
// All Metrics methods accept a nil receiver and are no-ops when metrics
// are disabled. Exposed series:
//
//   - dutkit_poll_attempts_total{kind}
//   - dutkit_poll_errors_total{kind,tolerated}
//   - dutkit_poll_outcomes_total{kind,outcome}
//   - dutkit_poll_duration_seconds{kind,outcome}
//   - dutkit_transport_calls_total{transport,operation}
//   - dutkit_transport_errors_total{transport,operation}
//   - dutkit_transport_call_duration_seconds{transport,operation}
//   - dutkit_scenarios_started_total{suite}
//   - dutkit_scenarios_completed_total{suite,status}
//   - dutkit_scenario_duration_seconds{suite,status}
//   - dutkit_assertions_total{result}
//   - dutkit_teardown_errors_total{suite}
//   - dutkit_active_scenarios
//
// # Context helpers
//
//	ctx = telemetry.WithScenarioContext(ctx, runID, suite, scenario, device)
//	defer telemetry.EndScenarioContext(ctx, runID, suite, scenario, status, err)
//
//	err := telemetry.RecordTransportCall(ctx, "ssh", "exec", addr, func(ctx context.Context) error {
//	    ...
//	})
//
// # Exporters
//
//   - "stdout": print traces to stdout
//   - "otlp": export via OTLP/gRPC
//   - "none": generate traces but don't export
package telemetry
