package aggstore

// Base is an embeddable helper that implements the bookkeeping shared by
// every Aggregate: identity, version, and the version-checked Apply that
// the Store's replay and cache-coherence paths rely on. It does not
// implement ProcessCommand or Clone — those remain domain-specific.
//
// Concrete aggregates embed Base and supply an applier: a function that
// mutates the embedding struct's own fields for a given Event. Apply
// panics if called with an event whose Version does not equal the
// aggregate's current version plus one, since that indicates either a
// disk/cache corruption or an aggregate implementation bug (see
// ErrWrongEventForAggregate in errors.go, which the Store checks for
// defensively before Apply is ever reached on the hot path). Event
// versions are 1-indexed: the event that brings an aggregate from
// version 0 to version 1 has Version() == 1, reserving slot 0 for the
// init event (see keystore/disk's on-disk layout).
type Base struct {
	handle  Handle
	version uint64
	applier func(Event)
}

// Init sets the handle and the state mutation function (applier). Call
// once, typically from the embedding type's constructor or its Factory.
func (b *Base) Init(handle Handle, applier func(Event)) {
	b.handle = handle
	b.applier = applier
}

// Handle returns the immutable identity of this aggregate instance.
func (b *Base) Handle() Handle { return b.handle }

// SetApplier replaces the state mutation function. Useful when Clone
// rebuilds a Base copy that must re-bind its applier closure to the new
// receiver.
func (b *Base) SetApplier(applier func(Event)) { b.applier = applier }

// SetVersion forces the current version, used when rehydrating from a
// snapshot whose Version is not 0.
func (b *Base) SetVersion(v uint64) { b.version = v }

// Version returns the current aggregate version.
func (b *Base) Version() uint64 { return b.version }

// Apply mutates state via the applier and advances the version to
// e.Version().
func (b *Base) Apply(e Event) {
	if e.Version() != b.version+1 {
		panic("aggstore: Apply called with event out of sequence")
	}
	if b.applier != nil {
		b.applier(e)
	}
	b.version = e.Version()
}
