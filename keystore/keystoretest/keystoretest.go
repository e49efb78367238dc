// Package keystoretest is a compliance suite that exercises a
// keystore.Store implementation directly, beneath aggstore.Store's own
// locking and cache-coherence logic. It is adapted from the teacher's
// internal/storetest/storetest.go, generalized from a single
// append/load/version-conflict pair of checks to the fuller key space a
// keystore.Store exposes: info bookkeeping, write-once events and
// commands, snapshots, and command history pagination.
package keystoretest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryomak/aggstore"
	"github.com/ryomak/aggstore/keystore"
)

// Factory creates a fresh, isolated keystore.Store for one subtest. Use
// t.Cleanup for teardown if the implementation needs it (e.g. a temp
// directory or a Postgres schema).
type Factory func(t *testing.T) keystore.Store

var scheme = &aggstore.Scheme{
	EventCodecs: map[string]aggstore.EventCodec{
		"Incremented": aggstore.JSONCodec[incrementedFixture](),
	},
}

type incrementedFixture struct {
	Handle_  aggstore.Handle `json:"handle"`
	Version_ uint64          `json:"version"`
}

func (e incrementedFixture) Handle() aggstore.Handle { return e.Handle_ }
func (e incrementedFixture) Version() uint64         { return e.Version_ }
func (incrementedFixture) EventType() string         { return "Incremented" }

type createdFixture struct {
	Handle_ aggstore.Handle `json:"handle"`
}

func (e createdFixture) Handle() aggstore.Handle { return e.Handle_ }

type aggFixture struct {
	handle  aggstore.Handle
	version uint64
}

func (a *aggFixture) Handle() aggstore.Handle { return a.handle }
func (a *aggFixture) Version() uint64         { return a.version }
func (a *aggFixture) ProcessCommand(aggstore.Command) ([]aggstore.Event, error) {
	return nil, nil
}
func (a *aggFixture) Apply(e aggstore.Event) { a.version = e.Version() }
func (a *aggFixture) Clone() aggstore.Aggregate {
	return &aggFixture{handle: a.handle, version: a.version}
}

type aggFixtureSnapshot struct {
	Handle  aggstore.Handle `json:"handle"`
	Version uint64          `json:"version"`
}

func init() {
	scheme.Init = func(ie aggstore.InitEvent) (aggstore.Aggregate, error) {
		return &aggFixture{handle: ie.Handle()}, nil
	}
	scheme.DecodeInitEvent = func(raw []byte) (aggstore.InitEvent, error) {
		v, err := aggstore.JSONCodec[createdFixture]().Decode(raw)
		if err != nil {
			return nil, err
		}
		return v.(createdFixture), nil
	}
	scheme.EncodeInitEvent = func(ie aggstore.InitEvent) ([]byte, error) {
		return aggstore.JSONCodec[createdFixture]().Encode(ie)
	}
	scheme.EncodeEvent = func(e aggstore.Event) ([]byte, error) {
		return aggstore.JSONCodec[incrementedFixture]().Encode(e)
	}
	scheme.EncodeSnapshot = func(a aggstore.Aggregate) ([]byte, error) {
		f := a.(*aggFixture)
		return aggstore.JSONCodec[aggFixtureSnapshot]().Encode(aggFixtureSnapshot{Handle: f.handle, Version: f.version})
	}
	scheme.DecodeSnapshot = func(raw []byte) (aggstore.Aggregate, error) {
		v, err := aggstore.JSONCodec[aggFixtureSnapshot]().Decode(raw)
		if err != nil {
			return nil, err
		}
		snap := v.(aggFixtureSnapshot)
		return &aggFixture{handle: snap.Handle, version: snap.Version}, nil
	}
}

// Run executes the compliance suite against a keystore.Store produced
// by newStore. Subtests run in parallel; implementations must be safe
// for concurrent use across distinct handles.
func Run(t *testing.T, newStore Factory) {
	t.Run("version marker round-trips", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t)

		_, ok, err := s.GetVersion(ctx)
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, s.SetVersion(ctx, keystore.FormatVersion))

		v, ok, err := s.GetVersion(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, keystore.FormatVersion, v)
	})

	t.Run("init event and aggregate lookup", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t)
		handle := aggstore.Handle("Fixture:1")

		has, err := s.HasAggregate(ctx, handle)
		require.NoError(t, err)
		require.False(t, has)

		require.NoError(t, s.StoreInitEvent(ctx, scheme, createdFixture{Handle_: handle}))

		has, err = s.HasAggregate(ctx, handle)
		require.NoError(t, err)
		require.True(t, has)

		ie, ok, err := s.GetInitEvent(ctx, handle, scheme)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, handle, ie.Handle())

		agg, ok, err := s.GetAggregate(ctx, handle, scheme)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(0), agg.Version())

		handles, err := s.Aggregates(ctx)
		require.NoError(t, err)
		require.Contains(t, handles, handle)
	})

	t.Run("init event is write-once", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t)
		handle := aggstore.Handle("Fixture:2")

		require.NoError(t, s.StoreInitEvent(ctx, scheme, createdFixture{Handle_: handle}))
		require.Error(t, s.StoreInitEvent(ctx, scheme, createdFixture{Handle_: handle}))
	})

	t.Run("events fold onto the aggregate in order", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t)
		handle := aggstore.Handle("Fixture:3")

		require.NoError(t, s.StoreInitEvent(ctx, scheme, createdFixture{Handle_: handle}))
		for v := uint64(1); v <= 3; v++ {
			require.NoError(t, s.StoreEvent(ctx, scheme, incrementedFixture{Handle_: handle, Version_: v}))
		}

		agg, ok, err := s.GetAggregate(ctx, handle, scheme)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(3), agg.Version())

		e, ok, err := s.GetEvent(ctx, handle, scheme, 1)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(1), e.Version())

		_, ok, err = s.GetEvent(ctx, handle, scheme, 99)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("event is write-once", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t)
		handle := aggstore.Handle("Fixture:4")

		require.NoError(t, s.StoreInitEvent(ctx, scheme, createdFixture{Handle_: handle}))
		require.NoError(t, s.StoreEvent(ctx, scheme, incrementedFixture{Handle_: handle, Version_: 1}))
		require.Error(t, s.StoreEvent(ctx, scheme, incrementedFixture{Handle_: handle, Version_: 1}))
	})

	t.Run("snapshot short-circuits replay", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t)
		handle := aggstore.Handle("Fixture:5")

		require.NoError(t, s.StoreInitEvent(ctx, scheme, createdFixture{Handle_: handle}))
		for v := uint64(1); v <= 5; v++ {
			require.NoError(t, s.StoreEvent(ctx, scheme, incrementedFixture{Handle_: handle, Version_: v}))
		}

		snap := &aggFixture{handle: handle, version: 5}
		require.NoError(t, s.StoreSnapshot(ctx, handle, scheme, snap))

		require.NoError(t, s.StoreEvent(ctx, scheme, incrementedFixture{Handle_: handle, Version_: 6}))

		agg, ok, err := s.GetAggregate(ctx, handle, scheme)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(6), agg.Version())
	})

	t.Run("UpdateAggregate folds only newer events", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t)
		handle := aggstore.Handle("Fixture:6")

		require.NoError(t, s.StoreInitEvent(ctx, scheme, createdFixture{Handle_: handle}))
		require.NoError(t, s.StoreEvent(ctx, scheme, incrementedFixture{Handle_: handle, Version_: 1}))

		agg := &aggFixture{handle: handle, version: 1}
		require.NoError(t, s.StoreEvent(ctx, scheme, incrementedFixture{Handle_: handle, Version_: 2}))
		require.NoError(t, s.UpdateAggregate(ctx, handle, scheme, agg))
		require.Equal(t, uint64(2), agg.Version())
	})

	t.Run("info round-trips and overwrites", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t)
		handle := aggstore.Handle("Fixture:7")

		empty, err := s.GetInfo(ctx, handle)
		require.NoError(t, err)
		require.Equal(t, aggstore.AggregateInfo{}, empty)

		now := time.Now().UTC().Round(time.Second)
		info := aggstore.AggregateInfo{LastUpdate: now, LastCommand: 3, LastEvent: 5, SnapshotVersion: 5}
		require.NoError(t, s.SaveInfo(ctx, handle, info))

		got, err := s.GetInfo(ctx, handle)
		require.NoError(t, err)
		require.Equal(t, info.LastCommand, got.LastCommand)
		require.Equal(t, info.LastEvent, got.LastEvent)
		require.Equal(t, info.SnapshotVersion, got.SnapshotVersion)
		require.True(t, got.LastUpdate.Equal(now))

		info.LastCommand = 4
		require.NoError(t, s.SaveInfo(ctx, handle, info))
		got, err = s.GetInfo(ctx, handle)
		require.NoError(t, err)
		require.Equal(t, uint64(4), got.LastCommand)
	})

	t.Run("commands are write-once and enumerable", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t)
		handle := aggstore.Handle("Fixture:8")
		now := time.Now().UTC().Round(time.Second)

		ok1 := aggstore.StoredCommand{Handle: handle, Sequence: 1, Version: 0, Timestamp: now, EventVersions: []uint64{1}}
		require.NoError(t, s.StoreCommand(ctx, ok1))
		require.Error(t, s.StoreCommand(ctx, ok1))

		failed := aggstore.StoredCommand{Handle: handle, Sequence: 2, Version: 1, Timestamp: now, Err: "boom"}
		require.NoError(t, s.StoreCommand(ctx, failed))

		got, ok, err := s.GetCommand(ctx, handle, 1)
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, got.Success())

		got, ok, err = s.GetCommand(ctx, handle, 2)
		require.NoError(t, err)
		require.True(t, ok)
		require.False(t, got.Success())

		_, ok, err = s.GetCommand(ctx, handle, 99)
		require.NoError(t, err)
		require.False(t, ok)

		hist, err := s.CommandHistory(ctx, handle, aggstore.CommandHistoryCriteria{})
		require.NoError(t, err)
		require.Equal(t, uint64(2), hist.Total)
		require.Len(t, hist.Commands, 2)

		errOnly, err := s.CommandHistory(ctx, handle, aggstore.CommandHistoryCriteria{ErrorsOnly: true})
		require.NoError(t, err)
		require.Equal(t, uint64(1), errOnly.Total)
		require.Equal(t, uint64(2), errOnly.Commands[0].Sequence)
	})

	t.Run("command history pagination", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t)
		handle := aggstore.Handle("Fixture:9")
		now := time.Now().UTC()

		for seq := uint64(1); seq <= 5; seq++ {
			require.NoError(t, s.StoreCommand(ctx, aggstore.StoredCommand{
				Handle: handle, Sequence: seq, Version: seq - 1, Timestamp: now, EventVersions: []uint64{seq},
			}))
		}

		page, err := s.CommandHistory(ctx, handle, aggstore.CommandHistoryCriteria{Offset: 2, Limit: 2})
		require.NoError(t, err)
		require.Equal(t, uint64(5), page.Total)
		require.Len(t, page.Commands, 2)
		require.Equal(t, uint64(3), page.Commands[0].Sequence)
		require.Equal(t, uint64(4), page.Commands[1].Sequence)

		_, err = s.CommandHistory(ctx, handle, aggstore.CommandHistoryCriteria{Offset: 99})
		var tooLarge *aggstore.CommandOffsetTooLargeError
		require.ErrorAs(t, err, &tooLarge)
	})
}
