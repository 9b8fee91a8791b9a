package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-ingest/internal/progress"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{zap.String("stage", string(evt.Stage))}
		if evt.CycleID != [16]byte{} {
			fields = append(fields, zap.Stringer("cycle_id", evt.CycleUUID()))
		}
		if evt.Source != "" {
			fields = append(fields, zap.String("source", evt.Source))
		}
		switch evt.Stage {
		case progress.StagePageDone, progress.StageSourceDone:
			fields = append(fields,
				zap.Int64("fetched", evt.Counts.Fetched),
				zap.Int64("new", evt.Counts.New),
				zap.Int64("duplicate", evt.Counts.Duplicate),
				zap.Int64("degraded", evt.Counts.Degraded),
				zap.Int64("skipped", evt.Counts.Skipped),
				zap.Int64("failed", evt.Counts.Failed),
			)
		}
		if evt.State != "" {
			fields = append(fields, zap.String("state", evt.State))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageCircuit || evt.Note != "" {
			s.logger.Warn("progress event", fields...)
			continue
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
