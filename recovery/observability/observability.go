// Package observability emits structured attempt/state-change events to a
// caller-supplied sink.
package observability

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hongkongkiwi/retrygo/recovery"
)

// Event is emitted for every state change and attempt boundary.
type Event struct {
	OperationID  string
	FunctionName string
	Attempt      int
	State        recovery.OperationState
	Category     *recovery.ErrorCategory
	Delay        *time.Duration
	Strategy     string
	// Err carries a side-channel failure (a persistence write that could
	// not complete) that did not change the operation's outcome.
	Err  error
	Time time.Time
}

// Sink receives events. Implementations must not block the attempt loop;
// a slow sink is the sink's problem, not the engine's.
type Sink interface {
	Emit(Event)
}

// NoopSink discards every event. It is the zero-cost default when
// observability is disabled.
type NoopSink struct{}

func (NoopSink) Emit(Event) {}

// LogSink writes events to a logrus logger as structured fields, fired in
// its own goroutine so a slow or blocked handler never delays the caller's
// attempt loop.
type LogSink struct {
	Logger *logrus.Logger
}

// NewLogSink wraps logger, or logrus's standard logger if nil.
func NewLogSink(logger *logrus.Logger) *LogSink {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogSink{Logger: logger}
}

func (s *LogSink) Emit(e Event) {
	go func() {
		fields := logrus.Fields{
			"operation_id":  e.OperationID,
			"function_name": e.FunctionName,
			"attempt":       e.Attempt,
			"state":         e.State,
			"strategy":      e.Strategy,
		}
		if e.Category != nil {
			fields["category"] = *e.Category
		}
		if e.Delay != nil {
			fields["delay"] = e.Delay.String()
		}
		entry := s.Logger.WithFields(fields)
		if e.Err != nil {
			entry.WithError(e.Err).Warn("recovery event")
			return
		}
		entry.Debug("recovery event")
	}()
}
