// Package keystore defines the durable, hierarchical key/value
// persistence contract that aggstore.Store is built on: atomic
// single-key writes, enumeration of aggregates, typed event/command/
// snapshot readers and writers, and a monotonic store-format version
// marker.
//
// Three implementations are provided: disk (the canonical, spec-
// mandated on-disk layout), mem (in-process, for tests and
// embeddings that don't need durability across restarts), and pgx
// (PostgreSQL-backed, for deployments that want the log in a shared
// relational store).
package keystore

import (
	"context"

	"github.com/ryomak/aggstore"
)

// Store is a flat namespaced key/value store with a stable layout.
// Overwrites are permitted only for metadata keys and snapshots; event
// and command keys are write-once by construction of their keys
// (handle, version) and (handle, sequence) respectively.
//
// Every method is safe for concurrent use; callers (aggstore.Store)
// still serialize writers through their own outer lock, but readers
// may call these methods concurrently with each other.
type Store interface {
	// HasAggregate reports whether an init event is stored for handle.
	HasAggregate(ctx context.Context, handle aggstore.Handle) (bool, error)

	// Aggregates enumerates all known aggregate handles.
	Aggregates(ctx context.Context) ([]aggstore.Handle, error)

	// GetInfo returns the stored AggregateInfo for handle, or a
	// zero-valued AggregateInfo if none exists yet.
	GetInfo(ctx context.Context, handle aggstore.Handle) (aggstore.AggregateInfo, error)

	// SaveInfo atomically overwrites the AggregateInfo for handle.
	SaveInfo(ctx context.Context, handle aggstore.Handle, info aggstore.AggregateInfo) error

	// GetEvent returns the event at the given version, or ok=false if
	// it does not exist.
	GetEvent(ctx context.Context, handle aggstore.Handle, scheme *aggstore.Scheme, version uint64) (e aggstore.Event, ok bool, err error)

	// StoreEvent durably persists e at key (e.Handle(), e.Version()).
	// The key is write-once: storing at an already-written version is
	// a programmer error and implementations may return an error.
	StoreEvent(ctx context.Context, scheme *aggstore.Scheme, e aggstore.Event) error

	// GetInitEvent returns the stored init event for handle, or
	// ok=false if the aggregate was never Add'ed.
	GetInitEvent(ctx context.Context, handle aggstore.Handle, scheme *aggstore.Scheme) (ie aggstore.InitEvent, ok bool, err error)

	// StoreInitEvent durably persists ie. Write-once per handle.
	StoreInitEvent(ctx context.Context, scheme *aggstore.Scheme, ie aggstore.InitEvent) error

	// GetCommand returns the stored command at the given sequence
	// number, or ok=false if it does not exist.
	GetCommand(ctx context.Context, handle aggstore.Handle, sequence uint64) (sc aggstore.StoredCommand, ok bool, err error)

	// StoreCommand durably persists sc at key (sc.Handle, sc.Sequence).
	// Write-once.
	StoreCommand(ctx context.Context, sc aggstore.StoredCommand) error

	// CommandHistory enumerates stored commands for handle matching
	// crit, newest concerns (Offset/Limit) applied in ascending
	// sequence order.
	CommandHistory(ctx context.Context, handle aggstore.Handle, crit aggstore.CommandHistoryCriteria) (aggstore.CommandHistory, error)

	// GetAggregate loads the latest snapshot if present, then folds
	// all events with version strictly greater than the snapshot's
	// version (or, absent a snapshot, starting from the init event).
	// Returns ok=false if neither a snapshot nor an init event exists.
	GetAggregate(ctx context.Context, handle aggstore.Handle, scheme *aggstore.Scheme) (a aggstore.Aggregate, ok bool, err error)

	// UpdateAggregate folds any events newer than a's current version
	// into it in place, mutating a. Used to bring a stale cache entry
	// up to date without a full reload.
	UpdateAggregate(ctx context.Context, handle aggstore.Handle, scheme *aggstore.Scheme, a aggstore.Aggregate) error

	// StoreSnapshot durably persists a full snapshot of a, overwriting
	// any previous snapshot for handle.
	StoreSnapshot(ctx context.Context, handle aggstore.Handle, scheme *aggstore.Scheme, a aggstore.Aggregate) error

	// SetVersion writes the store-format version marker. Called once,
	// when a store directory/schema is first initialized.
	SetVersion(ctx context.Context, version string) error

	// GetVersion reads the store-format version marker, or ok=false if
	// the store has never been initialized.
	GetVersion(ctx context.Context) (version string, ok bool, err error)
}

// FormatVersion is the store-format version tag written by SetVersion
// on first initialization of an empty store and checked on every
// subsequent open; a mismatch is a fatal error (spec §6).
const FormatVersion = "V0_6"
