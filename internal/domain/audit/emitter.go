package audit

// Emitter accepts finalized-or-not events for durable recording. The JSONL
// logger is the production implementation; tests substitute collectors.
type Emitter interface {
	Emit(e Event) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(e Event) error

func (f EmitterFunc) Emit(e Event) error { return f(e) }

// Discard drops every event. Used by components constructed without a log.
var Discard Emitter = EmitterFunc(func(Event) error { return nil })
