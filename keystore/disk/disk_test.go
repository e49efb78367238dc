package disk_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ryomak/aggstore"
	"github.com/ryomak/aggstore/keystore"
	"github.com/ryomak/aggstore/keystore/disk"
	"github.com/ryomak/aggstore/keystore/keystoretest"
)

func TestDiskStoreCompliance(t *testing.T) {
	keystoretest.Run(t, func(t *testing.T) keystore.Store {
		s, err := disk.Open(t.TempDir(), "ns")
		require.NoError(t, err)
		return s
	})
}

// A handle containing a path separator must not escape the namespace
// directory; sanitize() in disk.go replaces it rather than traversing.
func TestDiskStoreSanitizesHandlesWithSeparators(t *testing.T) {
	dir := t.TempDir()
	s, err := disk.Open(dir, "ns")
	require.NoError(t, err)
	ctx := t.Context()

	handle := aggstore.Handle("Tenant/Account:1")
	has, err := s.HasAggregate(ctx, handle)
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, s.SaveInfo(ctx, handle, aggstore.AggregateInfo{LastCommand: 1}))
	_, err = os.Stat(filepath.Join(dir, "ns", "Tenant_Account:1", "info.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "ns", "Tenant"))
	require.True(t, os.IsNotExist(err))
}

func TestDiskStoreVersionMarkerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := t.Context()

	s1, err := disk.Open(dir, "ns")
	require.NoError(t, err)
	require.NoError(t, s1.SetVersion(ctx, keystore.FormatVersion))

	s2, err := disk.Open(dir, "ns")
	require.NoError(t, err)
	v, ok, err := s2.GetVersion(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, keystore.FormatVersion, v)
}
