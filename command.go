package aggstore

import "time"

// StoredCommand is the durable envelope recording one command attempt
// against an aggregate: its storable details, its sequence number, the
// aggregate version observed when processing began, a timestamp, and
// the outcome — either the list of event versions produced, or a
// stringified error. Exactly one of EventVersions/Err is populated.
type StoredCommand struct {
	Handle    Handle    `json:"handle"`
	Sequence  uint64    `json:"sequence"`
	Version   uint64    `json:"version"`
	Timestamp time.Time `json:"timestamp"`

	// Details is the StorableCommandDetails: a domain-specific,
	// serializable description of the command (its kind and
	// parameters), supplied by the caller via StoredCommandBuilder.
	Details any `json:"details,omitempty"`

	// Kind names the type of Details: its EventType() if it has one,
	// otherwise its Go type name (see detailsOf in store.go). It is the
	// key used to decode Details back via a Scheme's
	// CommandDetailsCodecs.
	Kind string `json:"kind,omitempty"`

	// EventVersions holds the versions of the events this command
	// produced, in order. Nil when the outcome was an error.
	EventVersions []uint64 `json:"event_versions,omitempty"`

	// Err holds the stringified domain error, non-empty exactly when
	// EventVersions is nil.
	Err string `json:"error,omitempty"`
}

// Success reports whether this command's outcome was successful (which
// includes the case of zero events produced by an error-free
// ProcessCommand — though no-op outcomes are never persisted as a
// StoredCommand in the first place; see Store.Command step 6).
func (sc StoredCommand) Success() bool { return sc.Err == "" }

// StoredCommandBuilder accumulates the fields of a StoredCommand known
// before ProcessCommand runs, then finishes it with either an error or
// the produced events.
type StoredCommandBuilder struct {
	handle    Handle
	sequence  uint64
	version   uint64
	timestamp time.Time
	details   any
	kind      string
}

// NewStoredCommandBuilder starts a builder for a command about to be
// processed against an aggregate currently at observedVersion, assigned
// sequence number seq.
func NewStoredCommandBuilder(cmd Command, observedVersion, seq uint64, details any, kind string, now time.Time) StoredCommandBuilder {
	return StoredCommandBuilder{
		handle:    cmd.Handle(),
		sequence:  seq,
		version:   observedVersion,
		timestamp: now,
		details:   details,
		kind:      kind,
	}
}

// FinishWithError completes the builder as a failed attempt.
func (b StoredCommandBuilder) FinishWithError(err error) StoredCommand {
	return StoredCommand{
		Handle:    b.handle,
		Sequence:  b.sequence,
		Version:   b.version,
		Timestamp: b.timestamp,
		Details:   b.details,
		Kind:      b.kind,
		Err:       err.Error(),
	}
}

// FinishWithEvents completes the builder as a successful attempt that
// produced the given events.
func (b StoredCommandBuilder) FinishWithEvents(events []Event) StoredCommand {
	versions := make([]uint64, len(events))
	for i, e := range events {
		versions[i] = e.Version()
	}
	return StoredCommand{
		Handle:        b.handle,
		Sequence:      b.sequence,
		Version:       b.version,
		Timestamp:     b.timestamp,
		Details:       b.details,
		Kind:          b.kind,
		EventVersions: versions,
	}
}
