package sqlcapture

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Consumer receives finished Records. Consumers run one after another on a
// worker goroutine, in registration order; an error or panic is logged and
// the next consumer still runs.
type Consumer interface {
	Consume(ctx context.Context, rec *Record) error
}

// ConsumerFunc adapts a function to a Consumer.
type ConsumerFunc func(ctx context.Context, rec *Record) error

// Consume calls f.
func (f ConsumerFunc) Consume(ctx context.Context, rec *Record) error {
	return f(ctx, rec)
}

// Named gives a consumer a name for logs.
func Named(name string, c Consumer) Consumer {
	return namedConsumer{name: name, Consumer: c}
}

type namedConsumer struct {
	name string
	Consumer
}

func (n namedConsumer) Name() string { return n.name }

func consumerName(c Consumer) string {
	if n, ok := c.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", c)
}

// LogConsumer writes every Record as a structured log entry.
type LogConsumer struct {
	log   *zap.Logger
	level zapcore.Level
}

// NewLogConsumer creates a LogConsumer logging at info level.
func NewLogConsumer(log *zap.Logger) *LogConsumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogConsumer{log: log, level: zapcore.InfoLevel}
}

// WithLevel returns a copy logging at level.
func (l *LogConsumer) WithLevel(level zapcore.Level) *LogConsumer {
	return &LogConsumer{log: l.log, level: level}
}

// Name implements the optional naming interface.
func (l *LogConsumer) Name() string { return "log" }

// Consume logs rec.
func (l *LogConsumer) Consume(_ context.Context, rec *Record) error {
	ce := l.log.Check(l.level, "sql audit")
	if ce == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("id", rec.ID),
		zap.String("entity", rec.Entity),
		zap.String("statement_id", rec.StatementID),
		zap.Stringer("kind", rec.Kind),
		zap.String("sql", rec.ExecutableSQL),
		zap.Any("params", rec.Params),
		zap.Any("where_params", rec.WhereParams),
		zap.Bool("success", rec.Success),
		zap.Duration("duration", rec.Duration),
		zap.String("result_summary", rec.ResultSummary),
		zap.Time("timestamp", rec.Timestamp),
	}
	if rec.Err != "" {
		fields = append(fields, zap.String("error", rec.Err))
	}
	for k, v := range rec.Fields {
		fields = append(fields, zap.String(k, v))
	}
	if ext := rec.ExtMap(); len(ext) > 0 {
		fields = append(fields, zap.Any("ext", ext))
	}
	ce.Write(fields...)
	return nil
}
