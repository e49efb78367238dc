package aggstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ryomak/aggstore"
	"github.com/ryomak/aggstore/example/counter"
	"github.com/ryomak/aggstore/keystore/disk"
)

// These exercise aggstore.Store against the canonical keystore/disk
// backend rather than keystore/mem. mem keeps the init event in a
// separate field from its events map, so it never surfaces the
// delta-0.json/delta-<v>.json slot layout that disk enforces; only a
// disk-backed round-trip catches a version-numbering mismatch between
// the two.
func TestAddAndCommandOnDisk(t *testing.T) {
	keys, err := disk.Open(t.TempDir(), "ns")
	require.NoError(t, err)
	s, err := aggstore.New(t.Context(), keys, counter.Scheme())
	require.NoError(t, err)
	ctx := t.Context()
	handle := aggstore.Handle("Counter:disk-1")

	agg, err := s.Add(ctx, counter.Created{Handle_: handle})
	require.NoError(t, err)
	require.Equal(t, uint64(0), agg.Version())

	agg, err = s.Command(ctx, counter.Increment{Handle_: handle, N: 3})
	require.NoError(t, err)
	require.Equal(t, uint64(3), agg.Version())
	require.Equal(t, 3, agg.(*counter.Counter).Value())

	// A fresh Get right after Add/Command must not stumble over the
	// stale-cache probe re-reading the init event's slot.
	reloaded, err := s.Get(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, uint64(3), reloaded.Version())
}

// Reopens a fresh Store over the same disk directory, simulating a
// process restart, and checks the rehydrated aggregate's version
// matches what was committed before the "restart".
func TestDiskStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := t.Context()
	handle := aggstore.Handle("Counter:disk-2")

	keys1, err := disk.Open(dir, "ns")
	require.NoError(t, err)
	s1, err := aggstore.New(ctx, keys1, counter.Scheme())
	require.NoError(t, err)

	_, err = s1.Add(ctx, counter.Created{Handle_: handle})
	require.NoError(t, err)
	before, err := s1.Command(ctx, counter.Increment{Handle_: handle, N: 7})
	require.NoError(t, err)
	require.Equal(t, uint64(7), before.Version())

	// A crossed snapshot boundary (7 > 5) ensures the reload path
	// exercises both the snapshot and the post-snapshot event fold.
	keys2, err := disk.Open(dir, "ns")
	require.NoError(t, err)
	s2, err := aggstore.New(ctx, keys2, counter.Scheme())
	require.NoError(t, err)

	after, err := s2.Get(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, before.Version(), after.Version())
	require.Equal(t, 7, after.(*counter.Counter).Value())

	// The restarted Store must also accept further commands, proving
	// the rehydrated aggregate's version is usable for optimistic
	// concurrency, not just numerically equal.
	final, err := s2.Command(ctx, counter.Increment{Handle_: handle, N: 1})
	require.NoError(t, err)
	require.Equal(t, uint64(8), final.Version())
}
