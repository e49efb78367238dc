package aggstore

import "time"

// AggregateInfo is per-aggregate metadata, rewritten after every
// command attempt — success, no-op, or error alike (see Store.Command).
type AggregateInfo struct {
	// LastUpdate is the time the most recent command attempt touched
	// this aggregate, whatever its outcome.
	LastUpdate time.Time `json:"last_update"`

	// LastCommand is the highest command sequence number assigned to
	// this aggregate. No-op commands (empty event list) do not
	// consume a sequence number and so do not advance this field.
	LastCommand uint64 `json:"last_command"`

	// LastEvent is the highest event version stored for this
	// aggregate.
	LastEvent uint64 `json:"last_event"`

	// SnapshotVersion is the aggregate version of the most recently
	// persisted snapshot, or 0 if none has been taken.
	SnapshotVersion uint64 `json:"snapshot_version"`
}
