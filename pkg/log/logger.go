package log

// Logger receives protocol log events. Pass nil or NoopLogger to disable
// logging.
type Logger interface {
	// Log records a protocol event. Implementations must be safe for
	// concurrent use and must not block.
	Log(event Event)
}

// NoopLogger discards all events.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// LoggerFunc adapts a function to Logger.
type LoggerFunc func(Event)

// Log calls f(event).
func (f LoggerFunc) Log(event Event) { f(event) }

// OrNoop returns l, or NoopLogger when l is nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return NoopLogger{}
	}
	return l
}

var (
	_ Logger = NoopLogger{}
	_ Logger = LoggerFunc(nil)
)
