// Package pgx implements keystore.Store on top of PostgreSQL via
// jackc/pgx. It is an alternate production backend to keystore/disk for
// deployments that want the aggregate log in a shared relational store
// instead of a directory tree; it honors the same keystore.Store
// contract, so an aggstore.Store built on it behaves identically.
//
// Adapted from the teacher's stores/pgx/pgx_store.go, with the same
// unique-violation-as-conflict detection via the Postgres error code
// "23505": write-once keys are plain INSERTs (no transaction), and the
// tables' primary keys reject a second write to the same key.
//
// Schema (see Schema for the exact DDL this package expects):
//
//	aggregates_version    (namespace, version)
//	aggregates_info       (namespace, handle, last_update, last_command, last_event, snapshot_version)
//	aggregates_init_events(namespace, handle, payload)
//	aggregates_events     (namespace, handle, version, event_type, payload)
//	aggregates_commands   (namespace, handle, sequence, version, kind, details, event_versions, error, at)
//	aggregates_snapshots  (namespace, handle, version, state, at)
package pgx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ryomak/aggstore"
	"github.com/ryomak/aggstore/keystore"
)

// Schema is the DDL this Store expects to already exist (migrations are
// an application concern, not this library's).
const Schema = `
CREATE TABLE IF NOT EXISTS aggregates_version (
	namespace TEXT PRIMARY KEY,
	version   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS aggregates_info (
	namespace        TEXT NOT NULL,
	handle           TEXT NOT NULL,
	last_update      TIMESTAMPTZ NOT NULL,
	last_command     BIGINT NOT NULL,
	last_event       BIGINT NOT NULL,
	snapshot_version BIGINT NOT NULL,
	PRIMARY KEY (namespace, handle)
);
CREATE TABLE IF NOT EXISTS aggregates_init_events (
	namespace TEXT NOT NULL,
	handle    TEXT NOT NULL,
	payload   JSONB NOT NULL,
	PRIMARY KEY (namespace, handle)
);
CREATE TABLE IF NOT EXISTS aggregates_events (
	namespace  TEXT NOT NULL,
	handle     TEXT NOT NULL,
	version    BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	payload    JSONB NOT NULL,
	PRIMARY KEY (namespace, handle, version)
);
CREATE TABLE IF NOT EXISTS aggregates_commands (
	namespace      TEXT NOT NULL,
	handle         TEXT NOT NULL,
	sequence       BIGINT NOT NULL,
	version        BIGINT NOT NULL,
	kind           TEXT NOT NULL,
	details        JSONB,
	event_versions BIGINT[],
	error          TEXT,
	at             TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (namespace, handle, sequence)
);
CREATE TABLE IF NOT EXISTS aggregates_snapshots (
	namespace TEXT NOT NULL,
	handle    TEXT NOT NULL,
	version   BIGINT NOT NULL,
	state     JSONB NOT NULL,
	at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (namespace, handle)
);
`

// Store is a PostgreSQL-backed keystore.Store, scoped to one namespace
// within a shared pool/schema so several Stores can share one database.
type Store struct {
	pool      *pgxpool.Pool
	namespace string
}

// NewStore creates a namespace-scoped Store over pool. Callers are
// expected to have already applied Schema.
func NewStore(pool *pgxpool.Pool, namespace string) *Store {
	return &Store{pool: pool, namespace: namespace}
}

func (s *Store) HasAggregate(ctx context.Context, handle aggstore.Handle) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM aggregates_init_events WHERE namespace = $1 AND handle = $2)`,
		s.namespace, string(handle),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("aggstore/keystore/pgx: has aggregate: %w", err)
	}
	return exists, nil
}

func (s *Store) Aggregates(ctx context.Context) ([]aggstore.Handle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT handle FROM aggregates_init_events WHERE namespace = $1 ORDER BY handle`,
		s.namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("aggstore/keystore/pgx: list aggregates: %w", err)
	}
	defer rows.Close()

	var out []aggstore.Handle
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("aggstore/keystore/pgx: scan handle: %w", err)
		}
		out = append(out, aggstore.Handle(h))
	}
	return out, rows.Err()
}

func (s *Store) GetInfo(ctx context.Context, handle aggstore.Handle) (aggstore.AggregateInfo, error) {
	var info aggstore.AggregateInfo
	err := s.pool.QueryRow(ctx,
		`SELECT last_update, last_command, last_event, snapshot_version
		 FROM aggregates_info WHERE namespace = $1 AND handle = $2`,
		s.namespace, string(handle),
	).Scan(&info.LastUpdate, &info.LastCommand, &info.LastEvent, &info.SnapshotVersion)
	if err != nil {
		if err == pgx.ErrNoRows {
			return aggstore.AggregateInfo{}, nil
		}
		return aggstore.AggregateInfo{}, fmt.Errorf("aggstore/keystore/pgx: get info: %w", err)
	}
	return info, nil
}

func (s *Store) SaveInfo(ctx context.Context, handle aggstore.Handle, info aggstore.AggregateInfo) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO aggregates_info (namespace, handle, last_update, last_command, last_event, snapshot_version)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (namespace, handle) DO UPDATE
		 SET last_update = EXCLUDED.last_update,
		     last_command = EXCLUDED.last_command,
		     last_event = EXCLUDED.last_event,
		     snapshot_version = EXCLUDED.snapshot_version`,
		s.namespace, string(handle), info.LastUpdate, info.LastCommand, info.LastEvent, info.SnapshotVersion,
	)
	if err != nil {
		return fmt.Errorf("aggstore/keystore/pgx: save info: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, handle aggstore.Handle, scheme *aggstore.Scheme, version uint64) (aggstore.Event, bool, error) {
	var eventType string
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT event_type, payload FROM aggregates_events WHERE namespace = $1 AND handle = $2 AND version = $3`,
		s.namespace, string(handle), version,
	).Scan(&eventType, &payload)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("aggstore/keystore/pgx: get event: %w", err)
	}

	codec, ok := scheme.EventCodecs[eventType]
	if !ok {
		return nil, false, fmt.Errorf("aggstore/keystore/pgx: no codec registered for event type %q", eventType)
	}
	v, err := codec.Decode(payload)
	if err != nil {
		return nil, false, err
	}
	e, ok := v.(aggstore.Event)
	if !ok {
		return nil, false, fmt.Errorf("aggstore/keystore/pgx: decoded value for %q does not implement Event", eventType)
	}
	return e, true, nil
}

func (s *Store) StoreEvent(ctx context.Context, scheme *aggstore.Scheme, e aggstore.Event) error {
	payload, err := scheme.EncodeEvent(e)
	if err != nil {
		return fmt.Errorf("aggstore/keystore/pgx: encode event: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO aggregates_events (namespace, handle, version, event_type, payload) VALUES ($1, $2, $3, $4, $5)`,
		s.namespace, string(e.Handle()), e.Version(), aggstore.EventType(e), payload,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("aggstore/keystore/pgx: event already stored for %s at version %d", e.Handle(), e.Version())
		}
		return fmt.Errorf("aggstore/keystore/pgx: store event: %w", err)
	}
	return nil
}

func (s *Store) GetInitEvent(ctx context.Context, handle aggstore.Handle, scheme *aggstore.Scheme) (aggstore.InitEvent, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM aggregates_init_events WHERE namespace = $1 AND handle = $2`,
		s.namespace, string(handle),
	).Scan(&payload)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("aggstore/keystore/pgx: get init event: %w", err)
	}
	ie, err := scheme.DecodeInitEvent(payload)
	if err != nil {
		return nil, false, err
	}
	return ie, true, nil
}

func (s *Store) StoreInitEvent(ctx context.Context, scheme *aggstore.Scheme, ie aggstore.InitEvent) error {
	payload, err := scheme.EncodeInitEvent(ie)
	if err != nil {
		return fmt.Errorf("aggstore/keystore/pgx: encode init event: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO aggregates_init_events (namespace, handle, payload) VALUES ($1, $2, $3)`,
		s.namespace, string(ie.Handle()), payload,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("aggstore/keystore/pgx: init event already stored for %s", ie.Handle())
		}
		return fmt.Errorf("aggstore/keystore/pgx: store init event: %w", err)
	}
	return nil
}

func (s *Store) GetCommand(ctx context.Context, handle aggstore.Handle, sequence uint64) (aggstore.StoredCommand, bool, error) {
	var sc aggstore.StoredCommand
	var details []byte
	var eventVersions []int64
	var errStr *string
	sc.Handle = handle
	sc.Sequence = sequence

	err := s.pool.QueryRow(ctx,
		`SELECT version, kind, details, event_versions, error, at
		 FROM aggregates_commands WHERE namespace = $1 AND handle = $2 AND sequence = $3`,
		s.namespace, string(handle), sequence,
	).Scan(&sc.Version, &sc.Kind, &details, &eventVersions, &errStr, &sc.Timestamp)
	if err != nil {
		if err == pgx.ErrNoRows {
			return aggstore.StoredCommand{}, false, nil
		}
		return aggstore.StoredCommand{}, false, fmt.Errorf("aggstore/keystore/pgx: get command: %w", err)
	}

	if len(details) > 0 {
		var v any
		if err := json.Unmarshal(details, &v); err != nil {
			return aggstore.StoredCommand{}, false, fmt.Errorf("aggstore/keystore/pgx: decode command details: %w", err)
		}
		sc.Details = v
	}
	if errStr != nil {
		sc.Err = *errStr
	}
	for _, v := range eventVersions {
		sc.EventVersions = append(sc.EventVersions, uint64(v))
	}
	return sc, true, nil
}

func (s *Store) StoreCommand(ctx context.Context, sc aggstore.StoredCommand) error {
	var details []byte
	var err error
	if sc.Details != nil {
		details, err = json.Marshal(sc.Details)
		if err != nil {
			return fmt.Errorf("aggstore/keystore/pgx: encode command details: %w", err)
		}
	}
	versions := make([]int64, len(sc.EventVersions))
	for i, v := range sc.EventVersions {
		versions[i] = int64(v)
	}
	var errStr *string
	if sc.Err != "" {
		errStr = &sc.Err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO aggregates_commands (namespace, handle, sequence, version, kind, details, event_versions, error, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.namespace, string(sc.Handle), sc.Sequence, sc.Version, sc.Kind, details, versions, errStr, sc.Timestamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("aggstore/keystore/pgx: command already stored for %s at sequence %d", sc.Handle, sc.Sequence)
		}
		return fmt.Errorf("aggstore/keystore/pgx: store command: %w", err)
	}
	return nil
}

func (s *Store) CommandHistory(ctx context.Context, handle aggstore.Handle, crit aggstore.CommandHistoryCriteria) (aggstore.CommandHistory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sequence FROM aggregates_commands WHERE namespace = $1 AND handle = $2 ORDER BY sequence`,
		s.namespace, string(handle),
	)
	if err != nil {
		return aggstore.CommandHistory{}, fmt.Errorf("aggstore/keystore/pgx: list commands: %w", err)
	}
	var sequences []uint64
	for rows.Next() {
		var seq uint64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return aggstore.CommandHistory{}, fmt.Errorf("aggstore/keystore/pgx: scan sequence: %w", err)
		}
		sequences = append(sequences, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return aggstore.CommandHistory{}, err
	}

	var matched []aggstore.StoredCommand
	for _, seq := range sequences {
		sc, ok, err := s.GetCommand(ctx, handle, seq)
		if err != nil {
			return aggstore.CommandHistory{}, err
		}
		if ok && crit.Matches(sc) {
			matched = append(matched, sc)
		}
	}

	total := uint64(len(matched))
	if crit.Offset > total {
		return aggstore.CommandHistory{}, &aggstore.CommandOffsetTooLargeError{Offset: crit.Offset, Total: total}
	}
	matched = matched[crit.Offset:]
	if crit.Limit > 0 && uint64(len(matched)) > crit.Limit {
		matched = matched[:crit.Limit]
	}
	return aggstore.CommandHistory{Commands: matched, Total: total}, nil
}

func (s *Store) GetAggregate(ctx context.Context, handle aggstore.Handle, scheme *aggstore.Scheme) (aggstore.Aggregate, bool, error) {
	var (
		agg     aggstore.Aggregate
		fromVer uint64
	)

	var stateRaw []byte
	var snapVersion uint64
	err := s.pool.QueryRow(ctx,
		`SELECT version, state FROM aggregates_snapshots WHERE namespace = $1 AND handle = $2`,
		s.namespace, string(handle),
	).Scan(&snapVersion, &stateRaw)
	switch {
	case err == nil:
		agg, err = scheme.DecodeSnapshot(stateRaw)
		if err != nil {
			return nil, false, fmt.Errorf("aggstore/keystore/pgx: decode snapshot: %w", err)
		}
		fromVer = agg.Version()
	case err == pgx.ErrNoRows:
		ie, ok, err := s.GetInitEvent(ctx, handle, scheme)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		agg, err = scheme.Init(ie)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", aggstore.ErrInit, err)
		}
		fromVer = agg.Version()
	default:
		return nil, false, fmt.Errorf("aggstore/keystore/pgx: get snapshot: %w", err)
	}

	if err := s.foldEventsFrom(ctx, handle, scheme, agg, fromVer); err != nil {
		return nil, false, err
	}
	return agg, true, nil
}

func (s *Store) UpdateAggregate(ctx context.Context, handle aggstore.Handle, scheme *aggstore.Scheme, a aggstore.Aggregate) error {
	return s.foldEventsFrom(ctx, handle, scheme, a, a.Version())
}

func (s *Store) foldEventsFrom(ctx context.Context, handle aggstore.Handle, scheme *aggstore.Scheme, agg aggstore.Aggregate, fromVersion uint64) error {
	rows, err := s.pool.Query(ctx,
		`SELECT version, event_type, payload FROM aggregates_events
		 WHERE namespace = $1 AND handle = $2 AND version > $3 ORDER BY version ASC`,
		s.namespace, string(handle), fromVersion,
	)
	if err != nil {
		return fmt.Errorf("aggstore/keystore/pgx: query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var version uint64
		var eventType string
		var payload []byte
		if err := rows.Scan(&version, &eventType, &payload); err != nil {
			return fmt.Errorf("aggstore/keystore/pgx: scan event: %w", err)
		}
		codec, ok := scheme.EventCodecs[eventType]
		if !ok {
			return fmt.Errorf("aggstore/keystore/pgx: no codec registered for event type %q", eventType)
		}
		v, err := codec.Decode(payload)
		if err != nil {
			return fmt.Errorf("aggstore/keystore/pgx: decode event: %w", err)
		}
		e, ok := v.(aggstore.Event)
		if !ok {
			return fmt.Errorf("aggstore/keystore/pgx: decoded value for %q does not implement Event", eventType)
		}
		agg.Apply(e)
	}
	return rows.Err()
}

func (s *Store) StoreSnapshot(ctx context.Context, handle aggstore.Handle, scheme *aggstore.Scheme, a aggstore.Aggregate) error {
	state, err := scheme.EncodeSnapshot(a)
	if err != nil {
		return fmt.Errorf("aggstore/keystore/pgx: encode snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO aggregates_snapshots (namespace, handle, version, state, at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (namespace, handle) DO UPDATE
		 SET version = EXCLUDED.version, state = EXCLUDED.state, at = EXCLUDED.at`,
		s.namespace, string(handle), a.Version(), state, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("aggstore/keystore/pgx: store snapshot: %w", err)
	}
	return nil
}

func (s *Store) SetVersion(ctx context.Context, version string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO aggregates_version (namespace, version) VALUES ($1, $2)
		 ON CONFLICT (namespace) DO UPDATE SET version = EXCLUDED.version`,
		s.namespace, version,
	)
	if err != nil {
		return fmt.Errorf("aggstore/keystore/pgx: set version: %w", err)
	}
	return nil
}

func (s *Store) GetVersion(ctx context.Context) (string, bool, error) {
	var version string
	err := s.pool.QueryRow(ctx,
		`SELECT version FROM aggregates_version WHERE namespace = $1`, s.namespace,
	).Scan(&version)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("aggstore/keystore/pgx: get version: %w", err)
	}
	return version, true, nil
}

var _ keystore.Store = (*Store)(nil)
