package aggstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryomak/aggstore"
	"github.com/ryomak/aggstore/example/counter"
	"github.com/ryomak/aggstore/keystore"
	"github.com/ryomak/aggstore/keystore/mem"
)

func newTestStore(t *testing.T) (*aggstore.Store, keystore.Store) {
	keys := mem.New()
	s, err := aggstore.New(t.Context(), keys, counter.Scheme())
	require.NoError(t, err)
	return s, keys
}

func TestAddAndCommand(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()
	handle := aggstore.Handle("Counter:1")

	agg, err := s.Add(ctx, counter.Created{Handle_: handle})
	require.NoError(t, err)
	require.Equal(t, uint64(0), agg.Version())

	agg, err = s.Command(ctx, counter.Increment{Handle_: handle, N: 3})
	require.NoError(t, err)
	require.Equal(t, uint64(3), agg.Version())
	require.Equal(t, 3, agg.(*counter.Counter).Value())
}

func TestAddRejectsDuplicateHandle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()
	handle := aggstore.Handle("Counter:2")

	_, err := s.Add(ctx, counter.Created{Handle_: handle})
	require.NoError(t, err)

	_, err = s.Add(ctx, counter.Created{Handle_: handle})
	var exists *aggstore.AggregateExistsError
	require.ErrorAs(t, err, &exists)
	require.ErrorIs(t, err, aggstore.ErrAggregateExists)
}

func TestSnapshotTakenEveryFiveVersions(t *testing.T) {
	s, keys := newTestStore(t)
	ctx := t.Context()
	handle := aggstore.Handle("Counter:3")

	_, err := s.Add(ctx, counter.Created{Handle_: handle})
	require.NoError(t, err)

	_, err = s.Command(ctx, counter.Increment{Handle_: handle, N: 5})
	require.NoError(t, err)

	info, err := keys.GetInfo(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, uint64(5), info.SnapshotVersion)

	_, err = s.Command(ctx, counter.Increment{Handle_: handle, N: 3})
	require.NoError(t, err)

	info, err = keys.GetInfo(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, uint64(5), info.SnapshotVersion, "snapshot version should not change until the next multiple of 5")
}

func TestNoOpCommandDoesNotConsumeSequence(t *testing.T) {
	s, keys := newTestStore(t)
	ctx := t.Context()
	handle := aggstore.Handle("Counter:4")

	_, err := s.Add(ctx, counter.Created{Handle_: handle})
	require.NoError(t, err)

	infoBefore, err := keys.GetInfo(ctx, handle)
	require.NoError(t, err)

	agg, err := s.Command(ctx, counter.Increment{Handle_: handle, N: 0})
	require.NoError(t, err)
	require.Equal(t, uint64(0), agg.Version())

	infoAfter, err := keys.GetInfo(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, infoBefore.LastCommand, infoAfter.LastCommand)
	require.True(t, infoAfter.LastUpdate.After(infoBefore.LastUpdate) || infoAfter.LastUpdate.Equal(infoBefore.LastUpdate))

	hist, err := s.CommandHistory(ctx, handle, aggstore.CommandHistoryCriteria{})
	require.NoError(t, err)
	require.Equal(t, uint64(0), hist.Total, "a no-op must not appear in command history")
}

func TestConcurrentModificationStillPersistsInfo(t *testing.T) {
	s, keys := newTestStore(t)
	ctx := t.Context()
	handle := aggstore.Handle("Counter:5")

	_, err := s.Add(ctx, counter.Created{Handle_: handle})
	require.NoError(t, err)
	_, err = s.Command(ctx, counter.Increment{Handle_: handle, N: 2})
	require.NoError(t, err)

	stale := uint64(0)
	infoBefore, err := keys.GetInfo(ctx, handle)
	require.NoError(t, err)

	_, err = s.Command(ctx, counter.Increment{Handle_: handle, N: 1, ExpectedVersion_: &stale})
	var conflict *aggstore.ConcurrentModificationError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, uint64(0), conflict.ExpectedVersion)
	require.Equal(t, uint64(2), conflict.ActualVersion)

	infoAfter, err := keys.GetInfo(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, infoBefore.LastCommand+1, infoAfter.LastCommand, "LastCommand is bumped and persisted even on a rejected command")
}

func TestGetReloadsAfterExternalWrite(t *testing.T) {
	s, keys := newTestStore(t)
	ctx := t.Context()
	handle := aggstore.Handle("Counter:6")

	first, err := s.Add(ctx, counter.Created{Handle_: handle})
	require.NoError(t, err)
	require.Equal(t, uint64(0), first.Version())

	_, err = s.Command(ctx, counter.Increment{Handle_: handle, N: 1})
	require.NoError(t, err)

	reloaded, err := s.Get(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, uint64(1), reloaded.Version())

	require.Equal(t, uint64(0), first.Version(), "a previously returned Aggregate must not observe later mutations")

	_ = keys
}

func TestGetUnknownAggregate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	_, err := s.Get(ctx, aggstore.Handle("Counter:missing"))
	var unknown *aggstore.UnknownAggregateError
	require.ErrorAs(t, err, &unknown)
	require.ErrorIs(t, err, aggstore.ErrUnknownAggregate)
}

func TestListenerReceivesCommittedEvents(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()
	handle := aggstore.Handle("Counter:7")

	var seen []aggstore.Event
	s.AddListener(aggstore.ListenerFunc(func(_ aggstore.Aggregate, e aggstore.Event) {
		seen = append(seen, e)
	}))

	_, err := s.Add(ctx, counter.Created{Handle_: handle})
	require.NoError(t, err)
	_, err = s.Command(ctx, counter.Increment{Handle_: handle, N: 2})
	require.NoError(t, err)

	require.Len(t, seen, 2)
}

func TestListenerPanicDoesNotFailCommand(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()
	handle := aggstore.Handle("Counter:8")

	s.AddListener(aggstore.ListenerFunc(func(_ aggstore.Aggregate, _ aggstore.Event) {
		panic("boom")
	}))

	_, err := s.Add(ctx, counter.Created{Handle_: handle})
	require.NoError(t, err)

	agg, err := s.Command(ctx, counter.Increment{Handle_: handle, N: 1})
	require.NoError(t, err)
	require.Equal(t, uint64(1), agg.Version())
}

func TestWithoutCacheReloadsFromKeystoreEveryTime(t *testing.T) {
	keys := mem.New()
	s, err := aggstore.New(t.Context(), keys, counter.Scheme(), aggstore.WithoutCache())
	require.NoError(t, err)
	ctx := t.Context()
	handle := aggstore.Handle("Counter:9")

	_, err = s.Add(ctx, counter.Created{Handle_: handle})
	require.NoError(t, err)
	_, err = s.Command(ctx, counter.Increment{Handle_: handle, N: 1})
	require.NoError(t, err)

	a1, err := s.Get(ctx, handle)
	require.NoError(t, err)
	a2, err := s.Get(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, a1.Version(), a2.Version())
}

func TestStoreFormatVersionMismatchIsFatal(t *testing.T) {
	keys := mem.New()
	ctx := t.Context()
	require.NoError(t, keys.SetVersion(ctx, "V0_5"))

	_, err := aggstore.New(ctx, keys, counter.Scheme())
	require.Error(t, err)
}

func TestConcurrentModificationIsNotRecordedInHistory(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()
	handle := aggstore.Handle("Counter:10")

	_, err := s.Add(ctx, counter.Created{Handle_: handle})
	require.NoError(t, err)

	stale := uint64(5)
	_, err = s.Command(ctx, counter.Increment{Handle_: handle, N: 1, ExpectedVersion_: &stale})
	require.Error(t, err)

	hist, err := s.CommandHistory(ctx, handle, aggstore.CommandHistoryCriteria{})
	require.NoError(t, err)
	require.Equal(t, uint64(0), hist.Total, "a rejected-before-ProcessCommand conflict is not itself a StoredCommand")
}

func TestTimestampsAdvance(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()
	handle := aggstore.Handle("Counter:11")

	_, err := s.Add(ctx, counter.Created{Handle_: handle})
	require.NoError(t, err)

	before := time.Now()
	_, err = s.Command(ctx, counter.Increment{Handle_: handle, N: 1})
	require.NoError(t, err)

	sc, ok, err := s.StoredCommand(ctx, handle, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, sc.Timestamp.Before(before.Add(-time.Second)))
}
