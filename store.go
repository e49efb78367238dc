package aggstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryomak/aggstore/keystore"
)

// Store is the concurrency-controlled facade in front of a
// keystore.Store: a per-process cache, single-writer discipline,
// optimistic version checking, durable command/event commit, and
// listener fan-out. One Store instance manages exactly one kind of
// Aggregate, identified by the Scheme passed to New.
//
// Store is safe for concurrent use by multiple goroutines. At most one
// Command/Add/AddListener call is in flight at any time; Get/Has/List/
// history and stored-* lookups may run concurrently with each other
// but not with a writer.
type Store struct {
	keys   keystore.Store
	scheme *Scheme

	cache    map[Handle]Aggregate
	cacheMu  sync.Mutex // belt-and-suspenders around cache mutation, see Command
	useCache bool

	listeners []Listener

	outerLock sync.RWMutex

	logger *zap.Logger
	now    func() time.Time
}

// StoreOption configures a Store at construction time.
type StoreOption func(*Store)

// WithLogger sets the structured logger used for diagnostics (stale
// cache reloads, recovered listener panics, defensive-check trips). The
// zero value is zap.NewNop(): the library never calls zap.NewProduction
// itself, since that choice belongs to the embedding application.
func WithLogger(l *zap.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithoutCache disables the in-process aggregate cache; every Get and
// Command reloads from the keystore.Store. Useful for tests that want
// to observe disk state directly, or for embeddings with many more
// aggregates than fit comfortably in memory.
func WithoutCache() StoreOption {
	return func(s *Store) { s.useCache = false }
}

// withClock overrides the time source; used by tests.
func withClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// New opens a Store backed by keys, for the aggregate kind described by
// scheme. If the underlying keystore.Store has never been initialized
// (GetVersion returns ok=false), the format-version marker is written.
// A mismatched marker on a subsequent open is a fatal error, per spec §6.
func New(ctx context.Context, keys keystore.Store, scheme *Scheme, opts ...StoreOption) (*Store, error) {
	s := &Store{
		keys:     keys,
		scheme:   scheme,
		cache:    make(map[Handle]Aggregate),
		useCache: true,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	current, ok, err := keys.GetVersion(ctx)
	if err != nil {
		return nil, &KeyStoreError{Err: err}
	}
	if !ok {
		if err := keys.SetVersion(ctx, keystore.FormatVersion); err != nil {
			return nil, &KeyStoreError{Err: err}
		}
	} else if current != keystore.FormatVersion {
		return nil, fmt.Errorf("aggstore: store format version mismatch: have %q, want %q", current, keystore.FormatVersion)
	}

	return s, nil
}

func (s *Store) cacheGet(handle Handle) (Aggregate, bool) {
	if !s.useCache {
		return nil, false
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	a, ok := s.cache[handle]
	return a, ok
}

func (s *Store) cacheSet(handle Handle, a Aggregate) {
	if !s.useCache {
		return
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache[handle] = a
}

// getLatestNoLock is the cache-coherent reload path shared by Get and
// Command; callers must already hold outerLock (read or write).
func (s *Store) getLatestNoLock(ctx context.Context, handle Handle) (Aggregate, error) {
	cached, ok := s.cacheGet(handle)
	if !ok {
		a, found, err := s.keys.GetAggregate(ctx, handle, s.scheme)
		if err != nil {
			return nil, &KeyStoreError{Handle: handle, Err: err}
		}
		if !found {
			return nil, &UnknownAggregateError{Handle: handle}
		}
		s.cacheSet(handle, a)
		s.logger.Debug("loaded aggregate from keystore", zap.String("handle", string(handle)))
		return a, nil
	}

	// Cache hit: check whether a newer event exists on disk than what
	// the cached copy reflects — i.e. whether the event one past the
	// cached version (events are 1-indexed) has been stored. If so, the
	// cache is stale; copy-on-write before folding newer events in, so
	// any caller still holding the previously returned Aggregate keeps
	// seeing the old version.
	_, hasNewer, err := s.keys.GetEvent(ctx, handle, s.scheme, cached.Version()+1)
	if err != nil {
		return nil, &KeyStoreError{Handle: handle, Err: err}
	}
	if !hasNewer {
		return cached, nil
	}

	fresh := cached.Clone()
	if err := s.keys.UpdateAggregate(ctx, handle, s.scheme, fresh); err != nil {
		return nil, &KeyStoreError{Handle: handle, Err: err}
	}
	s.cacheSet(handle, fresh)
	s.logger.Debug("refreshed stale cache entry", zap.String("handle", string(handle)), zap.Uint64("version", fresh.Version()))
	return fresh, nil
}

// Get returns the latest version of the aggregate identified by
// handle, from cache if possible, reloading any events newer than the
// cached copy from the keystore first.
func (s *Store) Get(ctx context.Context, handle Handle) (Aggregate, error) {
	s.outerLock.RLock()
	defer s.outerLock.RUnlock()
	return s.getLatestNoLock(ctx, handle)
}

// Add creates a new aggregate from an init event: it durably stores
// the init event, constructs the aggregate, stores the initial
// snapshot, caches it, and returns it. Add returns
// *AggregateExistsError if handle already has durable state.
func (s *Store) Add(ctx context.Context, ie InitEvent) (Aggregate, error) {
	s.outerLock.Lock()
	defer s.outerLock.Unlock()

	handle := ie.Handle()
	exists, err := s.keys.HasAggregate(ctx, handle)
	if err != nil {
		return nil, &KeyStoreError{Handle: handle, Err: err}
	}
	if exists {
		return nil, &AggregateExistsError{Handle: handle}
	}

	if err := s.keys.StoreInitEvent(ctx, s.scheme, ie); err != nil {
		return nil, &KeyStoreError{Handle: handle, Err: err}
	}

	agg, err := s.scheme.Init(ie)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInit, err)
	}

	if err := s.keys.StoreSnapshot(ctx, handle, s.scheme, agg); err != nil {
		return nil, &KeyStoreError{Handle: handle, Err: err}
	}

	s.cacheSet(handle, agg)
	return agg, nil
}

// detailsOf extracts a command's StorableCommandDetails and a kind
// name for it, via an optional interface; commands that don't
// implement it are stored with no details, identified by their Go
// type name (mirroring EventType's fallback).
func detailsOf(cmd Command) (details any, kind string) {
	if d, ok := cmd.(interface{ StorableDetails() any }); ok {
		details = d.StorableDetails()
		return details, EventType(details)
	}
	return nil, fmt.Sprintf("%T", cmd)
}

// Command sends a command to the appropriate aggregate. On success it
// durably stores the command and its events and returns the updated
// aggregate. On a no-op (zero events, no error) it returns the
// aggregate unchanged without consuming a command sequence number. On
// a domain error it durably stores the failed command attempt and
// returns the error. Concurrent modification and store-level failures
// are returned as errors without storing a command.
func (s *Store) Command(ctx context.Context, cmd Command) (Aggregate, error) {
	s.outerLock.Lock()
	defer s.outerLock.Unlock()

	handle := cmd.Handle()

	info, err := s.keys.GetInfo(ctx, handle)
	if err != nil {
		return nil, &KeyStoreError{Handle: handle, Err: err}
	}
	info.LastUpdate = s.now()
	info.LastCommand++

	latest, err := s.getLatestNoLock(ctx, handle)
	if err != nil {
		return nil, err
	}

	if expected := cmd.ExpectedVersion(); expected != nil && *expected != latest.Version() {
		// Persist the bumped info (sequence numbers must not be
		// reused) even though nothing else changes.
		if saveErr := s.keys.SaveInfo(ctx, handle, info); saveErr != nil {
			return nil, &KeyStoreError{Handle: handle, Err: saveErr}
		}
		s.logger.Warn("concurrent modification",
			zap.String("handle", string(handle)),
			zap.Uint64("expected", *expected),
			zap.Uint64("actual", latest.Version()))
		return nil, &ConcurrentModificationError{Handle: handle, ExpectedVersion: *expected, ActualVersion: latest.Version()}
	}

	details, kind := detailsOf(cmd)
	builder := NewStoredCommandBuilder(cmd, latest.Version(), info.LastCommand, details, kind, info.LastUpdate)

	events, procErr := latest.ProcessCommand(cmd)

	if procErr != nil {
		sc := builder.FinishWithError(procErr)
		if err := s.keys.StoreCommand(ctx, sc); err != nil {
			return nil, &KeyStoreError{Handle: handle, Err: err}
		}
		if err := s.keys.SaveInfo(ctx, handle, info); err != nil {
			return nil, &KeyStoreError{Handle: handle, Err: err}
		}
		return nil, procErr
	}

	if len(events) == 0 {
		// No-op: info.LastCommand reverts to its pre-increment value;
		// only LastUpdate's bump is kept (decided OQ1 in SPEC_FULL.md).
		info.LastCommand--
		if err := s.keys.SaveInfo(ctx, handle, info); err != nil {
			return nil, &KeyStoreError{Handle: handle, Err: err}
		}
		return latest, nil
	}

	// Defensive check: events must be a contiguous, 1-indexed run
	// starting at latest.Version()+1, all for this handle. An aggregate
	// implementation bug (not the caller's fault) would trip this.
	versionBefore := latest.Version()
	for i, e := range events {
		if e.Version() != versionBefore+1+uint64(i) || e.Handle() != handle {
			s.logger.Error("wrong event for aggregate",
				zap.String("handle", string(handle)),
				zap.Uint64("expected_version", versionBefore+1+uint64(i)),
				zap.Uint64("got_version", e.Version()))
			return nil, ErrWrongEventForAggregate
		}
	}

	info.LastEvent += uint64(len(events))

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	fresh := latest.Clone()

	sc := builder.FinishWithEvents(events)
	if err := s.keys.StoreCommand(ctx, sc); err != nil {
		return nil, &KeyStoreError{Handle: handle, Err: err}
	}

	for _, e := range events {
		if err := s.keys.StoreEvent(ctx, s.scheme, e); err != nil {
			return nil, &KeyStoreError{Handle: handle, Err: err}
		}
		fresh.Apply(e)
		if shouldSnapshot(fresh.Version()) {
			info.SnapshotVersion = fresh.Version()
			if err := s.keys.StoreSnapshot(ctx, handle, s.scheme, fresh); err != nil {
				return nil, &KeyStoreError{Handle: handle, Err: err}
			}
		}
	}

	if s.useCache {
		s.cache[handle] = fresh
	}

	if err := s.keys.SaveInfo(ctx, handle, info); err != nil {
		return nil, &KeyStoreError{Handle: handle, Err: err}
	}

	for _, e := range events {
		for _, l := range s.listeners {
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("listener panicked", zap.String("handle", string(handle)), zap.Any("recover", r))
					}
				}()
				l.Listen(fresh, e)
			}()
		}
	}

	return fresh, nil
}

// Has reports whether an aggregate exists for handle.
func (s *Store) Has(ctx context.Context, handle Handle) (bool, error) {
	s.outerLock.RLock()
	defer s.outerLock.RUnlock()
	ok, err := s.keys.HasAggregate(ctx, handle)
	if err != nil {
		return false, &KeyStoreError{Handle: handle, Err: err}
	}
	return ok, nil
}

// List enumerates all known aggregate handles.
func (s *Store) List(ctx context.Context) ([]Handle, error) {
	s.outerLock.RLock()
	defer s.outerLock.RUnlock()
	hs, err := s.keys.Aggregates(ctx)
	if err != nil {
		return nil, &KeyStoreError{Err: err}
	}
	return hs, nil
}

// AddListener registers l to receive every event committed after
// registration, in the order commits happen. New listeners do not
// receive events committed before they were added.
func (s *Store) AddListener(l Listener) {
	s.outerLock.Lock()
	defer s.outerLock.Unlock()
	s.listeners = append(s.listeners, l)
}

// CommandHistory enumerates stored commands for handle matching crit.
func (s *Store) CommandHistory(ctx context.Context, handle Handle, crit CommandHistoryCriteria) (CommandHistory, error) {
	s.outerLock.RLock()
	defer s.outerLock.RUnlock()
	h, err := s.keys.CommandHistory(ctx, handle, crit)
	if err != nil {
		return CommandHistory{}, &KeyStoreError{Handle: handle, Err: err}
	}
	return h, nil
}

// StoredCommand returns the stored command for handle at the given
// sequence number.
func (s *Store) StoredCommand(ctx context.Context, handle Handle, sequence uint64) (StoredCommand, bool, error) {
	s.outerLock.RLock()
	defer s.outerLock.RUnlock()
	sc, ok, err := s.keys.GetCommand(ctx, handle, sequence)
	if err != nil {
		return StoredCommand{}, false, &KeyStoreError{Handle: handle, Err: err}
	}
	return sc, ok, nil
}

// StoredEvent returns the stored event for handle at the given version.
func (s *Store) StoredEvent(ctx context.Context, handle Handle, version uint64) (Event, bool, error) {
	s.outerLock.RLock()
	defer s.outerLock.RUnlock()
	e, ok, err := s.keys.GetEvent(ctx, handle, s.scheme, version)
	if err != nil {
		return nil, false, &KeyStoreError{Handle: handle, Err: err}
	}
	return e, ok, nil
}
