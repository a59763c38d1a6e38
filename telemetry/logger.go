package telemetry

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// NewLogger creates the service logger with the OTEL hook installed.
func NewLogger(service string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{})
}

// OperationScope runs fn as a named operation, logging duration and outcome.
// Failures are logged and propagated unchanged.
func OperationScope(ctx context.Context, logger *zerolog.Logger, name string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	if err != nil {
		logger.Error().Ctx(ctx).
			Err(err).
			Str("operation", name).
			Dur("duration", time.Since(start)).
			Msg("operation failed")
		return err
	}
	logger.Debug().Ctx(ctx).
		Str("operation", name).
		Dur("duration", time.Since(start)).
		Msg("operation completed")
	return nil
}
