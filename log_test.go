package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openLogs(t *testing.T) []CompactableLog {
	t.Helper()
	memory := NewMemoryLog()
	file := NewFileLog(t.TempDir())
	for _, log := range []CompactableLog{memory, file} {
		log := log
		require.NoError(t, log.Open())
		require.NoError(t, log.Replay())
		t.Cleanup(func() { require.NoError(t, log.Close()) })
	}
	return []CompactableLog{memory, file}
}

func TestLogAppendAndGet(t *testing.T) {
	for _, log := range openLogs(t) {
		require.Equal(t, uint64(0), log.LastIndex())
		require.Equal(t, uint64(0), log.LastTerm())
		require.Equal(t, uint64(1), log.NextIndex())
		require.Equal(t, 0, log.Size())

		require.NoError(t, log.AppendEntries([]*LogEntry{
			NewLogEntry(1, 1, NoOpEntry),
			NewLogEntry(2, 1, NoOpEntry),
			NewLogEntry(3, 2, NoOpEntry),
		}))

		require.Equal(t, uint64(3), log.LastIndex())
		require.Equal(t, uint64(2), log.LastTerm())
		require.Equal(t, 3, log.Size())
		require.True(t, log.Contains(2))
		require.False(t, log.Contains(4))

		entry, err := log.GetEntry(2)
		require.NoError(t, err)
		require.Equal(t, uint64(2), entry.Index)
		require.Equal(t, uint64(1), entry.Term)

		_, err = log.GetEntry(4)
		require.Error(t, err)
	}
}

func TestLogTruncate(t *testing.T) {
	for _, log := range openLogs(t) {
		require.NoError(t, log.AppendEntries([]*LogEntry{
			NewLogEntry(1, 1, NoOpEntry),
			NewLogEntry(2, 1, NoOpEntry),
			NewLogEntry(3, 2, NoOpEntry),
		}))

		require.NoError(t, log.Truncate(2))
		require.Equal(t, uint64(1), log.LastIndex())
		require.False(t, log.Contains(2))
	}
}

func TestLogCompact(t *testing.T) {
	for _, log := range openLogs(t) {
		require.NoError(t, log.AppendEntries([]*LogEntry{
			NewLogEntry(1, 1, NoOpEntry),
			NewLogEntry(2, 1, NoOpEntry),
			NewLogEntry(3, 2, NoOpEntry),
			NewLogEntry(4, 2, NoOpEntry),
		}))

		base := &LogEntry{Index: 3, Term: 2, EntryType: SnapshotEntry, Data: []byte("state")}
		require.NoError(t, log.Compact(base))

		require.Equal(t, uint64(4), log.LastIndex())
		require.Equal(t, 1, log.Size())
		require.False(t, log.Contains(3))

		entry, err := log.GetEntry(4)
		require.NoError(t, err)
		require.Equal(t, uint64(2), entry.Term)
	}
}

func TestFileLogReplay(t *testing.T) {
	tmpDir := t.TempDir()
	log := NewFileLog(tmpDir)
	require.NoError(t, log.Open())
	require.NoError(t, log.Replay())

	command := &Command{Session: 7, Timestamp: 1000, Service: LockServiceName, Operation: LockOperation, Args: LockArgs(1, 5000)}
	require.NoError(t, log.AppendEntries([]*LogEntry{
		{Index: 1, Term: 1, EntryType: CommandEntry, Command: command},
		NewLogEntry(2, 1, NoOpEntry),
	}))
	require.NoError(t, log.Close())

	log = NewFileLog(tmpDir)
	require.NoError(t, log.Open())
	require.NoError(t, log.Replay())
	defer func() { require.NoError(t, log.Close()) }()

	require.Equal(t, uint64(2), log.LastIndex())

	entry, err := log.GetEntry(1)
	require.NoError(t, err)
	require.Equal(t, CommandEntry, entry.EntryType)
	require.NotNil(t, entry.Command)
	require.Equal(t, uint64(7), entry.Command.Session)
	require.Equal(t, LockServiceName, entry.Command.Service)
}

func TestFileLogReplayAfterTruncate(t *testing.T) {
	tmpDir := t.TempDir()
	log := NewFileLog(tmpDir)
	require.NoError(t, log.Open())
	require.NoError(t, log.Replay())

	require.NoError(t, log.AppendEntries([]*LogEntry{
		NewLogEntry(1, 1, NoOpEntry),
		NewLogEntry(2, 1, NoOpEntry),
		NewLogEntry(3, 1, NoOpEntry),
	}))
	require.NoError(t, log.Truncate(3))
	require.NoError(t, log.AppendEntry(NewLogEntry(3, 2, NoOpEntry)))
	require.NoError(t, log.Close())

	log = NewFileLog(tmpDir)
	require.NoError(t, log.Open())
	require.NoError(t, log.Replay())
	defer func() { require.NoError(t, log.Close()) }()

	entry, err := log.GetEntry(3)
	require.NoError(t, err)
	require.Equal(t, uint64(2), entry.Term)
	require.Equal(t, uint64(3), log.LastIndex())
}
