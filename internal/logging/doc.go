// Package logging provides the daemon's structured logger.
//
// Logger wraps Zap with:
//   - a Trace level below Debug
//   - stdout, stderr and OpenTelemetry outputs
//   - correlation fields taken from the context (trace_id, request.id, operation)
//   - key and pattern based redaction
//   - sampling below error level
//   - a level that can be changed at runtime
//
// Create a logger from config:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRequestID(ctx, "req-42")
//	logger.Info(ctx, "recommendations generated", zap.Int("count", n))
//
// Library packages take a *zap.Logger; pass Underlying().
//
// Settings load from the logging section of the config file and from
// GRAPHFUSION_LOGGING_* environment variables.
package logging
