package aggstore

// Listener is a synchronous post-commit observer. Listen is called once
// per event per listener, after the event is durably stored, and never
// when the command failed or was a no-op. Listeners observe events in
// per-aggregate version order, interleaved arbitrarily across
// aggregates. A panic in a listener is recovered and logged by the
// Store and does not undo the commit.
//
// Listeners must treat themselves as downstream sinks: they may enqueue
// work but must never call back into Store.Command for the same
// aggregate synchronously, since Command already holds the Store's
// single writer lock for the entire commit including listener fan-out —
// a synchronous re-entrant call would deadlock.
type Listener interface {
	Listen(a Aggregate, e Event)
}

// ListenerFunc adapts a plain function to the Listener interface, the
// same func-type-as-interface idiom the teacher uses for
// MetadataExtractor.
type ListenerFunc func(a Aggregate, e Event)

// Listen calls f(a, e).
func (f ListenerFunc) Listen(a Aggregate, e Event) { f(a, e) }
