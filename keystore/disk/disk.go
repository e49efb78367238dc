// Package disk implements keystore.Store on top of a plain directory
// tree, following the on-disk layout mandated by this library's
// specification: one JSON file per logical key, atomic temp-file-then-
// rename writes, and a root version marker.
//
// Layout, rooted at <work_dir>/<namespace>/:
//
//	version                 store-format version marker, e.g. "V0_6"
//	<handle>/info.json      AggregateInfo
//	<handle>/delta-0.json   the init event
//	<handle>/delta-<v>.json the event at version v, v >= 1
//	<handle>/snapshot.json  the most recent full snapshot
//	<handle>/command-<seq>.json  the stored command at sequence seq, seq >= 1
//
// All payloads are JSON so an operator can inspect and hand-edit them
// during recovery.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ryomak/aggstore"
	"github.com/ryomak/aggstore/keystore"
)

// Store is a directory-tree-backed keystore.Store. One Store instance
// owns one namespace directory exclusively; cross-process sharing is
// unsupported and undefined (spec §5).
type Store struct {
	root string // <work_dir>/<namespace>

	// writeMu serializes reads and writes of the version marker; it is
	// not a substitute for aggstore.Store's own outer lock and exists
	// only to make the version-marker file, which is shared root state,
	// safe to access concurrently from multiple goroutines that don't
	// otherwise coordinate (e.g. two concurrent readers).
	writeMu sync.Mutex
}

// Open opens (creating if necessary) the store directory
// <workDir>/<namespace>. It does not itself enforce the version-marker
// check described in spec §6; aggstore.New performs it through
// GetVersion and SetVersion.
func Open(workDir, namespace string) (*Store, error) {
	root := filepath.Join(workDir, namespace)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("aggstore/keystore/disk: could not create %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) SetVersion(_ context.Context, version string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeAtomic(s.versionPath(), []byte(version))
}

func (s *Store) GetVersion(_ context.Context) (string, bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.getVersionLocked()
}

func (s *Store) getVersionLocked() (string, bool, error) {
	b, ok, err := s.readFile(s.versionPath())
	if err != nil || !ok {
		return "", ok, err
	}
	return string(b), true, nil
}

func (s *Store) versionPath() string { return filepath.Join(s.root, "version") }

func (s *Store) handleDir(handle aggstore.Handle) string {
	return filepath.Join(s.root, sanitize(string(handle)))
}

// sanitize keeps handles that are already filesystem-safe (the common
// case, e.g. "Account:12345") usable as directory names while avoiding
// path traversal from a handle containing "..".
func sanitize(h string) string {
	h = strings.ReplaceAll(h, string(filepath.Separator), "_")
	if h == "." || h == ".." {
		h = strings.ReplaceAll(h, ".", "_")
	}
	return h
}

func (s *Store) infoPath(handle aggstore.Handle) string {
	return filepath.Join(s.handleDir(handle), "info.json")
}

func (s *Store) eventPath(handle aggstore.Handle, version uint64) string {
	return filepath.Join(s.handleDir(handle), fmt.Sprintf("delta-%d.json", version))
}

func (s *Store) snapshotPath(handle aggstore.Handle) string {
	return filepath.Join(s.handleDir(handle), "snapshot.json")
}

func (s *Store) commandPath(handle aggstore.Handle, seq uint64) string {
	return filepath.Join(s.handleDir(handle), fmt.Sprintf("command-%d.json", seq))
}

// writeAtomic writes b to path via a temp file in the same directory
// followed by rename, so a crash never leaves a half-written file at
// path. It is built directly on os.CreateTemp + os.Rename rather than
// an atomic-file-write library (see DESIGN.md).
func (s *Store) writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("aggstore/keystore/disk: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("aggstore/keystore/disk: create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("aggstore/keystore/disk: write temp %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("aggstore/keystore/disk: sync temp %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("aggstore/keystore/disk: close temp %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("aggstore/keystore/disk: rename %s -> %s: %w", tmpName, path, err)
	}
	return nil
}

// writeOnce is like writeAtomic but fails if path already exists,
// enforcing the write-once discipline for event and command keys.
func (s *Store) writeOnce(path string, b []byte) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("aggstore/keystore/disk: key already written: %s", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("aggstore/keystore/disk: stat %s: %w", path, err)
	}
	return s.writeAtomic(path, b)
}

func (s *Store) readFile(path string) ([]byte, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("aggstore/keystore/disk: read %s: %w", path, err)
	}
	return b, true, nil
}

func (s *Store) HasAggregate(_ context.Context, handle aggstore.Handle) (bool, error) {
	_, err := os.Stat(s.handleDir(handle))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("aggstore/keystore/disk: stat %s: %w", s.handleDir(handle), err)
	}
	// A directory can exist transiently (e.g. as a parent for a
	// write-in-progress); treat "has an init event" as authoritative.
	_, ok, err := s.readFile(s.eventPath(handle, 0))
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *Store) Aggregates(_ context.Context) ([]aggstore.Handle, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("aggstore/keystore/disk: readdir %s: %w", s.root, err)
	}
	var out []aggstore.Handle
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, ok, err := s.readFile(filepath.Join(s.root, e.Name(), "delta-0.json")); err == nil && ok {
			out = append(out, aggstore.Handle(e.Name()))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) GetInfo(_ context.Context, handle aggstore.Handle) (aggstore.AggregateInfo, error) {
	b, ok, err := s.readFile(s.infoPath(handle))
	if err != nil {
		return aggstore.AggregateInfo{}, err
	}
	if !ok {
		return aggstore.AggregateInfo{}, nil
	}
	var info aggstore.AggregateInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return aggstore.AggregateInfo{}, fmt.Errorf("aggstore/keystore/disk: decode info for %s: %w", handle, err)
	}
	return info, nil
}

func (s *Store) SaveInfo(_ context.Context, handle aggstore.Handle, info aggstore.AggregateInfo) error {
	b, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("aggstore/keystore/disk: encode info for %s: %w", handle, err)
	}
	return s.writeAtomic(s.infoPath(handle), b)
}

func (s *Store) GetEvent(_ context.Context, handle aggstore.Handle, scheme *aggstore.Scheme, version uint64) (aggstore.Event, bool, error) {
	b, ok, err := s.readFile(s.eventPath(handle, version))
	if err != nil || !ok {
		return nil, ok, err
	}
	return decodeEvent(scheme, b)
}

func decodeEvent(scheme *aggstore.Scheme, b []byte) (aggstore.Event, bool, error) {
	var envelope struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(b, &envelope); err != nil {
		return nil, false, fmt.Errorf("aggstore/keystore/disk: decode event envelope: %w", err)
	}
	codec, ok := scheme.EventCodecs[envelope.Type]
	if !ok {
		return nil, false, fmt.Errorf("aggstore/keystore/disk: no codec registered for event type %q", envelope.Type)
	}
	v, err := codec.Decode(envelope.Payload)
	if err != nil {
		return nil, false, err
	}
	e, ok := v.(aggstore.Event)
	if !ok {
		return nil, false, fmt.Errorf("aggstore/keystore/disk: decoded value for %q does not implement Event", envelope.Type)
	}
	return e, true, nil
}

func (s *Store) StoreEvent(_ context.Context, scheme *aggstore.Scheme, e aggstore.Event) error {
	raw, err := scheme.EncodeEvent(e)
	if err != nil {
		return fmt.Errorf("aggstore/keystore/disk: encode event: %w", err)
	}
	envelope, err := json.Marshal(struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}{Type: aggstore.EventType(e), Payload: raw})
	if err != nil {
		return fmt.Errorf("aggstore/keystore/disk: encode event envelope: %w", err)
	}
	return s.writeOnce(s.eventPath(e.Handle(), e.Version()), envelope)
}

func (s *Store) GetInitEvent(_ context.Context, handle aggstore.Handle, scheme *aggstore.Scheme) (aggstore.InitEvent, bool, error) {
	b, ok, err := s.readFile(s.eventPath(handle, 0))
	if err != nil || !ok {
		return nil, ok, err
	}
	ie, err := scheme.DecodeInitEvent(b)
	if err != nil {
		return nil, false, err
	}
	return ie, true, nil
}

func (s *Store) StoreInitEvent(_ context.Context, scheme *aggstore.Scheme, ie aggstore.InitEvent) error {
	raw, err := scheme.EncodeInitEvent(ie)
	if err != nil {
		return fmt.Errorf("aggstore/keystore/disk: encode init event: %w", err)
	}
	return s.writeOnce(s.eventPath(ie.Handle(), 0), raw)
}

func (s *Store) GetCommand(_ context.Context, handle aggstore.Handle, sequence uint64) (aggstore.StoredCommand, bool, error) {
	b, ok, err := s.readFile(s.commandPath(handle, sequence))
	if err != nil || !ok {
		return aggstore.StoredCommand{}, ok, err
	}
	var sc aggstore.StoredCommand
	if err := json.Unmarshal(b, &sc); err != nil {
		return aggstore.StoredCommand{}, false, fmt.Errorf("aggstore/keystore/disk: decode command: %w", err)
	}
	return sc, true, nil
}

func (s *Store) StoreCommand(_ context.Context, sc aggstore.StoredCommand) error {
	b, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("aggstore/keystore/disk: encode command: %w", err)
	}
	return s.writeOnce(s.commandPath(sc.Handle, sc.Sequence), b)
}

func (s *Store) CommandHistory(ctx context.Context, handle aggstore.Handle, crit aggstore.CommandHistoryCriteria) (aggstore.CommandHistory, error) {
	dir := s.handleDir(handle)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return aggstore.CommandHistory{}, nil
		}
		return aggstore.CommandHistory{}, fmt.Errorf("aggstore/keystore/disk: readdir %s: %w", dir, err)
	}

	var sequences []uint64
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "command-") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(e.Name(), "command-"), ".json")
		n, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			continue
		}
		sequences = append(sequences, n)
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })

	var matched []aggstore.StoredCommand
	for _, seq := range sequences {
		sc, ok, err := s.GetCommand(ctx, handle, seq)
		if err != nil {
			return aggstore.CommandHistory{}, err
		}
		if !ok {
			continue
		}
		if crit.Matches(sc) {
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
	snapB, hasSnap, err := s.readFile(s.snapshotPath(handle))
	if err != nil {
		return nil, false, err
	}

	var (
		agg      aggstore.Aggregate
		fromVer  uint64
		haveBase bool
	)

	if hasSnap {
		agg, err = scheme.DecodeSnapshot(snapB)
		if err != nil {
			return nil, false, fmt.Errorf("aggstore/keystore/disk: decode snapshot for %s: %w", handle, err)
		}
		fromVer = agg.Version()
		haveBase = true
	} else {
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
		haveBase = true
	}
	if !haveBase {
		return nil, false, nil
	}

	if err := s.foldEventsFrom(ctx, handle, scheme, agg, fromVer); err != nil {
		return nil, false, err
	}
	return agg, true, nil
}

func (s *Store) UpdateAggregate(ctx context.Context, handle aggstore.Handle, scheme *aggstore.Scheme, a aggstore.Aggregate) error {
	return s.foldEventsFrom(ctx, handle, scheme, a, a.Version())
}

// foldEventsFrom applies every event on disk strictly newer than
// fromVersion to agg, in version order, stopping at the first gap.
func (s *Store) foldEventsFrom(ctx context.Context, handle aggstore.Handle, scheme *aggstore.Scheme, agg aggstore.Aggregate, fromVersion uint64) error {
	for v := fromVersion + 1; ; v++ {
		e, ok, err := s.GetEvent(ctx, handle, scheme, v)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		agg.Apply(e)
	}
}

func (s *Store) StoreSnapshot(_ context.Context, handle aggstore.Handle, scheme *aggstore.Scheme, a aggstore.Aggregate) error {
	b, err := scheme.EncodeSnapshot(a)
	if err != nil {
		return fmt.Errorf("aggstore/keystore/disk: encode snapshot for %s: %w", handle, err)
	}
	return s.writeAtomic(s.snapshotPath(handle), b)
}

var _ keystore.Store = (*Store)(nil)
