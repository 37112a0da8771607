package raft

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestReplica(t *testing.T, dataPath string) *Replica {
	t.Helper()
	replica, err := NewReplica(
		"N1",
		[]string{"N1", "N2", "N3"},
		dataPath,
		WithoutMetrics(),
	)
	require.NoError(t, err)
	return replica
}

func TestReplicaStartsAsFollower(t *testing.T) {
	replica := newTestReplica(t, t.TempDir())
	replica.Start()
	defer replica.Stop()

	status := replica.Status()
	require.Equal(t, "N1", status.ID)
	require.Equal(t, Follower, status.Role)
	require.Equal(t, uint64(0), status.Term)
}

func TestReplicaRejectsSubmitWhenNotLeader(t *testing.T) {
	replica := newTestReplica(t, t.TempDir())
	replica.Start()
	defer replica.Stop()

	_, err := replica.Submit(&Command{
		Session:   7,
		Service:   LockServiceName,
		Operation: LockOperation,
		Args:      LockArgs(1, 0),
	})

	var notLeader NotLeaderError
	require.True(t, errors.As(err, &notLeader))
	require.Equal(t, "N1", notLeader.ServerID)
}

func TestReplicaLeaderAcceptsSubmit(t *testing.T) {
	replica := newTestReplica(t, t.TempDir())
	replica.Start()
	defer replica.Stop()

	replica.becomeLeader()

	// The no-op entry appended on promotion occupies index 1.
	index, err := replica.Submit(&Command{
		Session:   7,
		Service:   LockServiceName,
		Operation: LockOperation,
		Args:      LockArgs(1, 0),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2), index)
}

func TestReplicaHandlePing(t *testing.T) {
	replica := newTestReplica(t, t.TempDir())
	replica.Start()
	defer replica.Stop()

	response, err := replica.HandlePing(&PingRequest{ID: 1, Term: 1, Leader: "N2"})
	require.NoError(t, err)
	require.True(t, response.Accepted)
	require.Equal(t, uint64(1), response.Term)

	status := replica.Status()
	require.Equal(t, uint64(1), status.Term)
	require.Equal(t, Follower, status.Role)
}

func TestReplicaHandleSyncAppliesCommands(t *testing.T) {
	replica := newTestReplica(t, t.TempDir())
	replica.Start()
	defer replica.Stop()

	entries := []*LogEntry{
		{
			Index:     1,
			Term:      1,
			EntryType: CommandEntry,
			Command: &Command{
				Session:   7,
				Timestamp: 1000,
				Service:   SessionServiceName,
				Operation: OpenSessionOperation,
			},
		},
		{
			Index:     2,
			Term:      1,
			EntryType: CommandEntry,
			Command: &Command{
				Session:   7,
				Timestamp: 1000,
				Service:   LockServiceName,
				Operation: LockOperation,
				Args:      LockArgs(1, 5000),
			},
		},
	}

	response, err := replica.HandleSync(&SyncRequest{
		Term:        1,
		Leader:      "N2",
		Entries:     entries,
		CommitIndex: 2,
	})
	require.NoError(t, err)
	require.True(t, response.Accepted)

	status := replica.Status()
	require.Equal(t, uint64(2), status.CommitIndex)
	require.Equal(t, uint64(2), status.LastApplied)

	session := replica.runtime.Sessions().Get(7)
	require.NotNil(t, session)
	event := <-session.Events()
	require.Equal(t, LockedEvent, event.Kind)
	require.Equal(t, uint64(2), event.Index)
}

func TestReplicaLeaderStepsDownOnGreaterTerm(t *testing.T) {
	replica := newTestReplica(t, t.TempDir())
	replica.Start()
	defer replica.Stop()

	replica.becomeLeader()
	require.Equal(t, Leader, replica.Status().Role)

	response, err := replica.HandlePing(&PingRequest{Term: 1, Leader: "N2"})
	require.NoError(t, err)
	require.True(t, response.Accepted)
	require.Equal(t, Follower, replica.Status().Role)
}

func TestReplicaStopIsTerminal(t *testing.T) {
	replica := newTestReplica(t, t.TempDir())
	replica.Start()
	replica.Stop()

	_, err := replica.HandlePing(&PingRequest{Term: 1, Leader: "N2"})
	require.ErrorIs(t, err, ErrReplicaShutdown)

	_, err = replica.Submit(&Command{Service: LockServiceName, Operation: LockOperation})
	require.ErrorIs(t, err, ErrReplicaShutdown)
}

func TestReplicaRecoversPersistentState(t *testing.T) {
	dataPath := t.TempDir()

	replica := newTestReplica(t, dataPath)
	replica.Start()
	_, err := replica.HandlePing(&PingRequest{Term: 5, Leader: "N2"})
	require.NoError(t, err)
	replica.Stop()

	replica = newTestReplica(t, dataPath)
	replica.Start()
	defer replica.Stop()

	require.Equal(t, uint64(5), replica.Status().Term)
}
