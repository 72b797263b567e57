package main

// Event is one analytics record emitted by a game session. Persisting
// events is an external collector's job; the engine only emits them.
type Event struct {
	Type   string
	GameID string
	Round  int
	Fields map[string]any
}

type EventSink interface {
	Emit(e Event)
}

// logEventSink is the built-in collector: it writes events to the
// verbose log.
type logEventSink struct {
	cfg *Config
}

func (s logEventSink) Emit(e Event) {
	if len(e.Fields) == 0 {
		logf(s.cfg, "EVENT: %s game=%s round=%d", e.Type, e.GameID, e.Round)
		return
	}
	logf(s.cfg, "EVENT: %s game=%s round=%d %v", e.Type, e.GameID, e.Round, e.Fields)
}
