package mserver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiskSpaceStoreLimitAndObservation(t *testing.T) {
	store, err := OpenDiskSpaceStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SetLimit("db1", "/var/lib/mysql", 80))

	limits, err := store.Limits("db1")
	require.NoError(t, err)
	require.Len(t, limits, 1)
	require.Equal(t, 80, limits[0].Percent)

	breached, err := store.RecordObservation("db1", "/var/lib/mysql", 50)
	require.NoError(t, err)
	require.False(t, breached)

	breached, err = store.RecordObservation("db1", "/var/lib/mysql", 92)
	require.NoError(t, err)
	require.True(t, breached)
}

func TestDiskSpaceStoreSetLimitUpdatesExisting(t *testing.T) {
	store, err := OpenDiskSpaceStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SetLimit("db1", "/data", 70))
	require.NoError(t, store.SetLimit("db1", "/data", 90))

	limits, err := store.Limits("db1")
	require.NoError(t, err)
	require.Len(t, limits, 1)
	require.Equal(t, 90, limits[0].Percent)
}
