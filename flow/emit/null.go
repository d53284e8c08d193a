package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use it to disable telemetry without changing wiring. Safe for concurrent
// use with zero overhead.
type NullEmitter struct{}

// NewNullEmitter creates a new NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {
	// No-op: discard the event
}
