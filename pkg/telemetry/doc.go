// Package telemetry provides observability instrumentation for stratus.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and the in-process fan-out of
// operation events.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Logging
//
//	logger := tel.Logger.NewComponentLogger("operation")
//	logger.WithOperationID(op.ID).WithInstanceID(id).Info("Applying instance")
//
// Library packages take a zerolog.Logger; pass tel.Logger.Zerolog().
//
// # Tracing
//
// Three spans are emitted: project.resolve around a resolver pipeline run,
// operation.execute around an operation and instance.apply around each
// instance apply.
//
// # Metrics
//
// Resolver passes and node errors, operation launches and completions, and
// instance applies are counted and timed. A disabled Metrics value accepts
// every Record call and does nothing.
//
// # Events
//
// EventPublisher implements engine.EventPublisher. Subscribers narrow the
// stream with FilterByOperationID and FilterByInstanceID:
//
//	unsubscribe := tel.Events.Subscribe(printEvent, telemetry.FilterByOperationID(op.ID))
//	defer unsubscribe()
package telemetry
