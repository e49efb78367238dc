// Package mem is an in-memory keystore.Store implementation,
// concurrency-safe and suitable for tests, prototypes, and embeddings
// that don't need durability across restarts. Adapted from the
// teacher's stores/mem/mem_store.go, generalized from "one stream of
// events" to the fuller info/event/command/snapshot/version key space
// aggstore.Store needs.
package mem

import (
	"context"
	"sort"
	"sync"

	"github.com/ryomak/aggstore"
	"github.com/ryomak/aggstore/keystore"
)

type aggregateRecord struct {
	initEvent aggstore.InitEvent
	events    map[uint64]aggstore.Event
	commands  map[uint64]aggstore.StoredCommand
	info      aggstore.AggregateInfo
	snapshot  aggstore.Aggregate
	hasSnap   bool
}

// Store is an in-memory keystore.Store. NOTE: all data is kept
// in-process and lost on restart.
type Store struct {
	mu      sync.RWMutex
	records map[aggstore.Handle]*aggregateRecord
	version string
	hasVer  bool
}

// New creates a new in-memory Store.
func New() *Store {
	return &Store{records: make(map[aggstore.Handle]*aggregateRecord)}
}

func (s *Store) recordLocked(handle aggstore.Handle) *aggregateRecord {
	r, ok := s.records[handle]
	if !ok {
		r = &aggregateRecord{
			events:   make(map[uint64]aggstore.Event),
			commands: make(map[uint64]aggstore.StoredCommand),
		}
		s.records[handle] = r
	}
	return r
}

func (s *Store) HasAggregate(_ context.Context, handle aggstore.Handle) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[handle]
	return ok && r.initEvent != nil, nil
}

func (s *Store) Aggregates(_ context.Context) ([]aggstore.Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []aggstore.Handle
	for h, r := range s.records {
		if r.initEvent != nil {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) GetInfo(_ context.Context, handle aggstore.Handle) (aggstore.AggregateInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[handle]
	if !ok {
		return aggstore.AggregateInfo{}, nil
	}
	return r.info, nil
}

func (s *Store) SaveInfo(_ context.Context, handle aggstore.Handle, info aggstore.AggregateInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(handle).info = info
	return nil
}

func (s *Store) GetEvent(_ context.Context, handle aggstore.Handle, _ *aggstore.Scheme, version uint64) (aggstore.Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[handle]
	if !ok {
		return nil, false, nil
	}
	e, ok := r.events[version]
	return e, ok, nil
}

func (s *Store) StoreEvent(_ context.Context, _ *aggstore.Scheme, e aggstore.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recordLocked(e.Handle())
	if _, exists := r.events[e.Version()]; exists {
		return errWriteOnce(e.Handle(), "event")
	}
	r.events[e.Version()] = e
	return nil
}

func (s *Store) GetInitEvent(_ context.Context, handle aggstore.Handle, _ *aggstore.Scheme) (aggstore.InitEvent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[handle]
	if !ok || r.initEvent == nil {
		return nil, false, nil
	}
	return r.initEvent, true, nil
}

func (s *Store) StoreInitEvent(_ context.Context, _ *aggstore.Scheme, ie aggstore.InitEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recordLocked(ie.Handle())
	if r.initEvent != nil {
		return errWriteOnce(ie.Handle(), "init event")
	}
	r.initEvent = ie
	return nil
}

func (s *Store) GetCommand(_ context.Context, handle aggstore.Handle, sequence uint64) (aggstore.StoredCommand, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[handle]
	if !ok {
		return aggstore.StoredCommand{}, false, nil
	}
	sc, ok := r.commands[sequence]
	return sc, ok, nil
}

func (s *Store) StoreCommand(_ context.Context, sc aggstore.StoredCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recordLocked(sc.Handle)
	if _, exists := r.commands[sc.Sequence]; exists {
		return errWriteOnce(sc.Handle, "command")
	}
	r.commands[sc.Sequence] = sc
	return nil
}

func (s *Store) CommandHistory(_ context.Context, handle aggstore.Handle, crit aggstore.CommandHistoryCriteria) (aggstore.CommandHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[handle]
	if !ok {
		return aggstore.CommandHistory{}, nil
	}

	sequences := make([]uint64, 0, len(r.commands))
	for seq := range r.commands {
		sequences = append(sequences, seq)
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })

	var matched []aggstore.StoredCommand
	for _, seq := range sequences {
		sc := r.commands[seq]
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
	s.mu.RLock()
	r, ok := s.records[handle]
	var (
		snapshot aggstore.Aggregate
		hasSnap  bool
		ie       aggstore.InitEvent
	)
	if ok {
		hasSnap = r.hasSnap
		if hasSnap {
			snapshot = r.snapshot
		} else {
			ie = r.initEvent
		}
	}
	s.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}

	var agg aggstore.Aggregate
	var err error
	switch {
	case hasSnap:
		agg = snapshot.Clone()
	case ie != nil:
		agg, err = scheme.Init(ie)
		if err != nil {
			return nil, false, err
		}
	default:
		return nil, false, nil
	}

	if err := s.foldEventsFrom(ctx, handle, agg, agg.Version()); err != nil {
		return nil, false, err
	}
	return agg, true, nil
}

func (s *Store) UpdateAggregate(ctx context.Context, handle aggstore.Handle, _ *aggstore.Scheme, a aggstore.Aggregate) error {
	return s.foldEventsFrom(ctx, handle, a, a.Version())
}

func (s *Store) foldEventsFrom(_ context.Context, handle aggstore.Handle, agg aggstore.Aggregate, fromVersion uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[handle]
	if !ok {
		return nil
	}
	for v := fromVersion + 1; ; v++ {
		e, ok := r.events[v]
		if !ok {
			return nil
		}
		agg.Apply(e)
	}
}

func (s *Store) StoreSnapshot(_ context.Context, handle aggstore.Handle, _ *aggstore.Scheme, a aggstore.Aggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recordLocked(handle)
	r.snapshot = a.Clone()
	r.hasSnap = true
	return nil
}

func (s *Store) SetVersion(_ context.Context, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = version
	s.hasVer = true
	return nil
}

func (s *Store) GetVersion(_ context.Context) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, s.hasVer, nil
}

func errWriteOnce(handle aggstore.Handle, what string) error {
	return &writeOnceError{handle: handle, what: what}
}

type writeOnceError struct {
	handle aggstore.Handle
	what   string
}

func (e *writeOnceError) Error() string {
	return "aggstore/keystore/mem: " + e.what + " already written for " + string(e.handle)
}

var _ keystore.Store = (*Store)(nil)
