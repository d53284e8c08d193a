package emit

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// LogEmitter implements Emitter by writing structured log lines with
// zerolog, one event per line.
//
// Example output:
//
//	{"level":"info","execution_id":"exec-001","seq":4,"node_id":"charge","event":"node_start","time":"..."}
//
// Usage:
//
//	// JSON to stdout
//	emitter := emit.NewLogEmitter(os.Stdout)
//
//	// Human-readable console output
//	emitter := emit.NewLogEmitter(zerolog.NewConsoleWriter())
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter creates a LogEmitter writing to w. A nil writer falls back
// to os.Stdout.
func NewLogEmitter(w io.Writer) *LogEmitter {
	if w == nil {
		w = os.Stdout
	}
	return &LogEmitter{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
}

// NewLogEmitterWithLogger creates a LogEmitter on an existing logger, so
// callers can inherit their application's context fields and level.
func NewLogEmitterWithLogger(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

// Emit writes the event as one structured log line. Events whose Meta
// contains an "error" key log at error level, everything else at info.
func (l *LogEmitter) Emit(event Event) {
	ev := l.logger.Info()
	if _, failed := event.Meta["error"]; failed {
		ev = l.logger.Error()
	}

	ev = ev.
		Str("execution_id", event.ExecutionID).
		Str("event", event.Msg)
	if event.Sequence > 0 {
		ev = ev.Int64("seq", event.Sequence)
	}
	if event.NodeID != "" {
		ev = ev.Str("node_id", event.NodeID)
	}
	for k, v := range event.Meta {
		ev = ev.Interface(k, v)
	}
	ev.Send()
}
