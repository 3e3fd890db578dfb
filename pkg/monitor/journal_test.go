package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJournalSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir, "mon1")
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Save(JournalEntry{ServerName: "db1", Status: 3}))

	entry, found, err := j.Load("db1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(3), entry.Status)

	_, found, err = j.Load("nonexistent")
	require.NoError(t, err)
	require.False(t, found)
}

func TestJournalIsFresh(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir, "mon1")
	require.NoError(t, err)
	defer j.Close()

	fresh, err := j.IsFresh(time.Hour)
	require.NoError(t, err)
	require.False(t, fresh) // never written yet

	require.NoError(t, j.Save(JournalEntry{ServerName: "db1", Status: 1}))
	fresh, err = j.IsFresh(time.Hour)
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = j.IsFresh(0)
	require.NoError(t, err)
	require.False(t, fresh)
}

func TestJournalDiscard(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir, "mon1")
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Save(JournalEntry{ServerName: "db1", Status: 1}))
	require.NoError(t, j.Discard())

	_, found, err := j.Load("db1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestJournalScopedByMonitorName(t *testing.T) {
	dir := t.TempDir()

	j1, err := OpenJournal(dir, "mon1")
	require.NoError(t, err)
	require.NoError(t, j1.Save(JournalEntry{ServerName: "db1", Status: 5}))
	require.NoError(t, j1.Close())

	j2, err := OpenJournal(dir, "mon2")
	require.NoError(t, err)
	defer j2.Close()

	_, found, err := j2.Load("db1")
	require.NoError(t, err)
	require.False(t, found)
}
