// Package telemetry provides comprehensive observability instrumentation for Recowave.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring and debugging recovery orchestration.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event system for audit and notifications
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "recowave"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context propagation:
//
//	logger := tel.Logger.NewComponentLogger("executor")
//	logger = logger.WithExecutionID("exec-123").WithWaveNumber(0)
//	logger.Info("Starting wave")
//	logger.WithError(err).Error("Wave start failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into request flow and performance:
//
//	ctx, span := tel.Tracer.Start(ctx, "operation.name")
//	defer span.End()
//
//	// Add attributes
//	span.SetAttributes(
//	    attribute.String("execution.id", executionID),
//	    attribute.Int("wave.number", waveNumber),
//	)
//
//	// Record events
//	span.AddEvent("admission.complete")
//
//	// Record errors
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development)
//
// # Metrics
//
// Prometheus metrics track system behavior and performance:
//
//	// Record execution lifecycle
//	tel.Metrics.RecordExecutionStarted("DRILL")
//	tel.Metrics.RecordExecutionCompleted("COMPLETED", duration)
//
//	// Record wave outcomes
//	tel.Metrics.RecordWaveCompleted("COMPLETED", duration)
//
//	// Record control plane calls
//	tel.Metrics.RecordControlPlaneCall("StartRecovery", err)
//
//	// Record errors
//	tel.Metrics.RecordError("transient", "TIMEOUT")
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering:
//
//	// Publish events
//	tel.Events.PublishExecutionStarted(executionID, planID, "DRILL")
//	tel.Events.PublishWaveCompleted(executionID, waveNumber, duration)
//	tel.Events.PublishDriftDetected(groupID, driftedServers)
//
//	// Subscribe to events
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByExecutionID, FilterByGroupID
//
// # Context Helpers
//
// High-level helpers simplify common instrumentation patterns:
//
//	// Instrument an operation
//	ic := telemetry.StartOperation(ctx, "plan.admit",
//	    attribute.String("plan.id", planID))
//	defer ic.End(err)
//
//	ic.Logger.Info("Checking plan admission")
//
//	// Execution context
//	ctx = telemetry.WithExecutionContext(ctx, executionID, planID, executionType)
//	defer telemetry.EndExecutionContext(ctx, executionID, status, duration, err)
//
//	// Wave context
//	ctx = telemetry.WithWaveContext(ctx, executionID, waveNumber, "start")
//	defer telemetry.EndWaveContext(ctx, executionID, waveNumber, status, err)
//
//	// Control plane operation
//	err := telemetry.RecordControlPlaneOperation(ctx, "DescribeJob", region, func() error {
//	    job, err = client.DescribeJob(ctx, jobID)
//	    return err
//	})
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	// Development (verbose logging, stdout traces, full sampling)
//	cfg := telemetry.DevelopmentConfig()
//
//	// Production (JSON logs, OTLP traces, 10% sampling)
//	cfg := telemetry.ProductionConfig()
//
//	// Custom configuration
//	cfg := &telemetry.Config{
//	    ServiceName: "recowave",
//	    ServiceVersion: "1.0.0",
//	    Environment: "staging",
//	    Logging: telemetry.LoggingConfig{
//	        Level: "info",
//	        Format: "json",
//	    },
//	    Tracing: telemetry.TracingConfig{
//	        Enabled: true,
//	        Exporter: "otlp",
//	        Endpoint: "otel-collector:4317",
//	        SamplingRate: 0.1,
//	    },
//	    Metrics: telemetry.MetricsConfig{
//	        Enabled: true,
//	        ListenAddress: ":9090",
//	    },
//	}
//
// # Performance Considerations
//
// The telemetry system is designed for minimal overhead:
//
//   - Structured logging uses zerolog's zero-allocation approach
//   - Tracing uses sampling to reduce data volume in production
//   - Metrics use Prometheus's efficient storage format
//   - Events are buffered and batched to reduce I/O
//   - All operations are non-blocking when possible
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
//
// This ensures:
//   - All buffered events are published
//   - All pending traces are exported
//   - Metrics are finalized
//
// # Integration with the Orchestrator
//
// The orchestrator components automatically integrate with telemetry when available:
//
//  1. Executions: lifecycle tracing and metrics per entry point
//  2. Waves: per-wave tracing with job and server context
//  3. Control plane: call tracking and error classification
//  4. Drift detection: drift events and counters
//  5. Admission: conflict events and counters
//  6. Policy engine: policy violation events
//
// # Exporters
//
// Tracing supports multiple exporters:
//
//   - "stdout": Print traces to stdout (development)
//   - "otlp": Export via OTLP/gRPC (production, works with collectors)
//   - "none": Generate traces but don't export (testing)
//
// Configure via TracingConfig.Exporter and TracingConfig.Endpoint
//
// # Common Metrics
//
// Key metrics exposed:
//
//   - recowave_executions_started_total{type}
//   - recowave_executions_completed_total{status}
//   - recowave_execution_duration_seconds{status}
//   - recowave_waves_completed_total{status}
//   - recowave_wave_duration_seconds{status}
//   - recowave_conflicts_detected_total{kind}
//   - recowave_config_applies_total{status}
//   - recowave_drifted_servers_total
//   - recowave_control_plane_calls_total{operation,outcome}
//   - recowave_errors_by_class_total{class}
//   - recowave_active_executions
//
// # Best Practices
//
//  1. Always use context to propagate telemetry
//  2. Use component-specific loggers for clarity
//  3. Add meaningful attributes to spans
//  4. Record both success and failure metrics
//  5. Use appropriate log levels
//  6. Filter events to avoid overwhelming subscribers
//  7. Monitor telemetry overhead in production
//  8. Configure sampling for high-volume systems
//  9. Always call defer span.End() after starting a span
//  10. Shut down gracefully to avoid data loss
//
// # Security Considerations
//
//   - Never log sensitive data (credentials, keys, tokens)
//   - Redact downstream error text before persisting it
//   - Use secure connections (TLS) for trace exporters in production
//   - Limit metrics endpoint access via network policies
//   - Consider event data before adding to audit logs
package telemetry
