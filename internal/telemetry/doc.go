// Package telemetry sets up OpenTelemetry tracing and metrics export over
// OTLP (gRPC or HTTP) with W3C trace context propagation.
//
//	tel, err := telemetry.New(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Tests use NewTestTelemetry, which keeps spans and metrics in memory.
package telemetry
