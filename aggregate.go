package aggstore

import "fmt"

// Handle is an opaque, value-comparable identifier naming one aggregate
// instance within a namespace. It is stable for the lifetime of the
// aggregate, e.g. "Account:12345".
type Handle string

func (h Handle) String() string { return string(h) }

// Event is a fact recording a state transition of one aggregate,
// 1-indexed: an event with Version v is applicable only to an aggregate
// currently at version v-1; applying it produces an aggregate at
// version v. Version 0 is reserved for the InitEvent, stored and
// decoded separately from regular events (see keystore/disk's on-disk
// layout). Events are immutable once created.
//
// Concrete event types additionally implement EventType() string; see
// EventType below.
type Event interface {
	Handle() Handle
	Version() uint64
}

// InitEvent produces an aggregate at version 0. It is stored separately
// from regular events (see the keystore/disk on-disk layout).
type InitEvent interface {
	Handle() Handle
}

// Command carries an intent to change an aggregate. If ExpectedVersion
// returns non-nil, the command enables optimistic concurrency control:
// it may be processed only when the aggregate's current version equals
// *ExpectedVersion(); otherwise it is rejected as a concurrent
// modification: it is not processed and no command or event is stored,
// though the Store still persists the aggregate's bumped AggregateInfo
// (see Store.Command).
type Command interface {
	Handle() Handle
	ExpectedVersion() *uint64
}

// Aggregate is the abstract consistency-bounded entity whose state is
// the fold of its events.
type Aggregate interface {
	// Handle returns the immutable identity of this aggregate instance.
	Handle() Handle

	// Version returns the current version, incremented by exactly one
	// per applied event. Only Apply changes it.
	Version() uint64

	// ProcessCommand is pure: it must not mutate the aggregate and must
	// not perform I/O. It returns zero or more events to be applied and
	// persisted, or a domain error. Returning an empty, nil-error slice
	// is a legal no-op outcome.
	ProcessCommand(cmd Command) ([]Event, error)

	// Apply mutates state in place. e.Version() must equal Version()+1
	// before the call; afterwards Version() equals e.Version().
	Apply(e Event)

	// Clone returns an independent copy of the aggregate, used by the
	// Store's copy-on-write mutation path so that callers holding a
	// previously returned Aggregate never observe a partially applied
	// command (see Store's doc comment).
	Clone() Aggregate
}

// Factory constructs a fresh Aggregate from its InitEvent. It must be
// total with respect to a well-formed init event.
type Factory func(ie InitEvent) (Aggregate, error)

// EventType returns the canonical name for an event, used as the
// on-disk/codec-registry discriminator. If e implements
// `EventType() string`, that value is used; otherwise it falls back to
// the Go type name (e.g. "*counter.Incremented").
func EventType(e any) string {
	if named, ok := e.(interface{ EventType() string }); ok {
		return named.EventType()
	}
	return fmt.Sprintf("%T", e)
}
