package aggstore

// Scheme bundles everything a keystore.Store needs to turn the bytes it
// persists back into typed values for one kind of Aggregate. Go has no
// equivalent to the Rust original's single `A: Aggregate` type
// parameter threaded through a generic DiskKeyStore<A>, so callers
// supply this bundle once per aggregate kind instead: a Store holds one,
// and every keystore.Store method that encodes or decodes events, init
// events or snapshots takes a *Scheme to know how to do so.
type Scheme struct {
	// Init constructs a fresh Aggregate from its InitEvent.
	Init Factory

	// DecodeInitEvent decodes the single init-event payload shape this
	// aggregate kind uses.
	DecodeInitEvent func(raw []byte) (InitEvent, error)

	// EventCodecs maps an event's EventType() discriminator to the
	// codec that can decode its payload.
	EventCodecs map[string]EventCodec

	// EncodeEvent serializes an Event for storage. Implementations
	// typically just call json.Marshal directly since the event value
	// itself already carries its own shape.
	EncodeEvent func(e Event) ([]byte, error)

	// EncodeInitEvent serializes an InitEvent for storage.
	EncodeInitEvent func(ie InitEvent) ([]byte, error)

	// DecodeSnapshot decodes a full aggregate snapshot.
	DecodeSnapshot func(raw []byte) (Aggregate, error)

	// EncodeSnapshot serializes a full aggregate snapshot.
	EncodeSnapshot func(a Aggregate) ([]byte, error)

	// CommandDetailsCodecs maps a command kind name to the codec that
	// can decode its StorableCommandDetails payload, for
	// history-query callers that want typed access to stored commands.
	CommandDetailsCodecs map[string]EventCodec
}
