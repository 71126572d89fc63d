package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zapcore"
)

// Core implements zapcore.Core to forward error logs to OpenTelemetry.
type Core struct {
	zapcore.LevelEnabler
	tracer trace.Tracer
	fields []zapcore.Field
}

// NewCore creates a new core that forwards error logs as spans.
func NewCore(enab zapcore.LevelEnabler) zapcore.Core {
	return &Core{
		LevelEnabler: enab,
		tracer:       otel.Tracer("github.com/robalyx/botfleet/logs"),
	}
}

func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)

	return &Core{
		LevelEnabler: c.LevelEnabler,
		tracer:       c.tracer,
		fields:       merged,
	}
}

func (c *Core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if ent.Level >= zapcore.ErrorLevel && c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}

	return ce
}

func (c *Core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	_, span := c.tracer.Start(context.Background(), "error."+errorCategory(ent))
	defer span.End()

	enc := zapcore.NewMapObjectEncoder()
	for _, field := range c.fields {
		field.AddTo(enc)
	}

	for _, field := range fields {
		field.AddTo(enc)
	}

	attrs := []attribute.KeyValue{
		attribute.String("error.message", ent.Message),
		attribute.String("error.level", ent.Level.String()),
		attribute.String("error.caller", ent.Caller.String()),
	}

	for key, value := range enc.Fields {
		if err, ok := value.(error); ok {
			attrs = append(attrs, attribute.String(key, err.Error()))
			continue
		}

		if s, ok := value.(string); ok {
			attrs = append(attrs, attribute.String(key, s))
		}
	}

	span.SetAttributes(attrs...)
	span.SetStatus(codes.Error, ent.Message)

	return nil
}

func (c *Core) Sync() error {
	return nil
}

// errorCategory determines the error category from the caller package.
func errorCategory(ent zapcore.Entry) string {
	switch fn := ent.Caller.Function; {
	case strings.Contains(fn, "database"):
		return "database"
	case strings.Contains(fn, "redis"), strings.Contains(fn, "cooldown"):
		return "redis"
	case strings.Contains(fn, "gateway"), strings.Contains(fn, "instance"):
		return "gateway"
	case strings.Contains(fn, "command"):
		return "command"
	case strings.Contains(fn, "leveling"):
		return "leveling"
	case strings.Contains(fn, "setup"):
		return "setup"
	default:
		return "application"
	}
}
