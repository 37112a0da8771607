package raft

import (
	"testing"

	"github.com/rsmlabs/raftlock/internal/logger"
	"github.com/stretchr/testify/require"
)

func newLockRuntime(t *testing.T) *ServiceRuntime {
	t.Helper()
	lg, err := logger.NewLogger()
	require.NoError(t, err)
	return NewServiceRuntime(
		map[string]ServiceFactory{LockServiceName: NewLockService},
		lg,
		nil,
	)
}

func openSession(rt *ServiceRuntime, index uint64, session uint64, timestamp uint64) {
	rt.Apply(&AppliedCommand{
		Index: index,
		Command: &Command{
			Session:   session,
			Timestamp: timestamp,
			Service:   SessionServiceName,
			Operation: OpenSessionOperation,
		},
	})
}

func closeSession(rt *ServiceRuntime, index uint64, session uint64, timestamp uint64) {
	rt.Apply(&AppliedCommand{
		Index: index,
		Command: &Command{
			Session:   session,
			Timestamp: timestamp,
			Service:   SessionServiceName,
			Operation: CloseSessionOperation,
		},
	})
}

func expireSession(rt *ServiceRuntime, index uint64, session uint64, timestamp uint64) {
	rt.Apply(&AppliedCommand{
		Index: index,
		Command: &Command{
			Session:   session,
			Timestamp: timestamp,
			Service:   SessionServiceName,
			Operation: ExpireSessionOperation,
		},
	})
}

func applyLock(rt *ServiceRuntime, index uint64, session uint64, timestamp uint64, id uint32, timeout int64) {
	rt.Apply(&AppliedCommand{
		Index: index,
		Command: &Command{
			Session:   session,
			Timestamp: timestamp,
			Service:   LockServiceName,
			Operation: LockOperation,
			Args:      LockArgs(id, timeout),
		},
	})
}

func applyUnlock(rt *ServiceRuntime, index uint64, session uint64, timestamp uint64, id uint32) {
	rt.Apply(&AppliedCommand{
		Index: index,
		Command: &Command{
			Session:   session,
			Timestamp: timestamp,
			Service:   LockServiceName,
			Operation: UnlockOperation,
			Args:      UnlockArgs(id),
		},
	})
}

func nextEvent(t *testing.T, rt *ServiceRuntime, session uint64) SessionEvent {
	t.Helper()
	s := rt.Sessions().Get(session)
	require.NotNil(t, s)
	select {
	case event := <-s.Events():
		return event
	default:
		t.Fatalf("no event pending for session %d", session)
		return SessionEvent{}
	}
}

func requireNoEvent(t *testing.T, rt *ServiceRuntime, session uint64) {
	t.Helper()
	s := rt.Sessions().Get(session)
	require.NotNil(t, s)
	select {
	case event := <-s.Events():
		t.Fatalf("unexpected event for session %d: %+v", session, event)
	default:
	}
}

func lockService(rt *ServiceRuntime) *LockService {
	return rt.Service(LockServiceName).(*LockService)
}

func TestLockGrantsFreeLock(t *testing.T) {
	rt := newLockRuntime(t)
	openSession(rt, 99, 7, 1000)

	applyLock(rt, 100, 7, 1000, 1, 5000)

	event := nextEvent(t, rt, 7)
	require.Equal(t, LockedEvent, event.Kind)
	require.Equal(t, uint32(1), event.ID)
	require.Equal(t, uint64(100), event.Index)

	holder := lockService(rt).holder
	require.NotNil(t, holder)
	require.Equal(t, uint32(1), holder.id)
	require.Equal(t, uint64(100), holder.index)
	require.Equal(t, uint64(7), holder.session)
	require.Equal(t, uint64(0), holder.expire)
}

func TestTryLockOnFreeLockSucceeds(t *testing.T) {
	rt := newLockRuntime(t)
	openSession(rt, 99, 7, 1000)

	applyLock(rt, 100, 7, 1000, 1, 0)

	event := nextEvent(t, rt, 7)
	require.Equal(t, LockedEvent, event.Kind)
}

func TestTryLockOnHeldLockFails(t *testing.T) {
	rt := newLockRuntime(t)
	openSession(rt, 98, 7, 1000)
	openSession(rt, 99, 8, 1000)

	applyLock(rt, 100, 7, 1000, 1, -1)
	applyLock(rt, 101, 8, 1000, 2, 0)

	event := nextEvent(t, rt, 8)
	require.Equal(t, FailedEvent, event.Kind)
	require.Equal(t, uint32(2), event.ID)
	require.Equal(t, uint64(101), event.Index)
	require.Empty(t, lockService(rt).queue)
}

func TestTimedWaitExpires(t *testing.T) {
	rt := newLockRuntime(t)
	openSession(rt, 98, 7, 1000)
	openSession(rt, 99, 8, 1000)

	applyLock(rt, 100, 7, 1000, 1, 5000)
	applyLock(rt, 101, 8, 1500, 2, 2000)
	requireNoEvent(t, rt, 8)
	require.Len(t, lockService(rt).queue, 1)
	require.Equal(t, uint64(3500), lockService(rt).queue[0].expire)

	// A later command advances the replicated clock past the waiter's
	// deadline and the timer fires.
	openSession(rt, 102, 9, 3500)

	event := nextEvent(t, rt, 8)
	require.Equal(t, FailedEvent, event.Kind)
	require.Equal(t, uint32(2), event.ID)
	require.Equal(t, uint64(101), event.Index)
	require.Empty(t, lockService(rt).queue)
	require.Empty(t, lockService(rt).timers)
}

func TestUnlockGrantsNextWaiter(t *testing.T) {
	rt := newLockRuntime(t)
	openSession(rt, 97, 7, 1000)
	openSession(rt, 98, 8, 1000)
	openSession(rt, 99, 9, 1000)

	applyLock(rt, 100, 7, 1000, 1, -1)
	applyLock(rt, 101, 8, 1000, 2, -1)
	applyLock(rt, 102, 9, 1000, 3, -1)
	_ = nextEvent(t, rt, 7)

	applyUnlock(rt, 103, 7, 1100, 1)

	// FIFO: session 8 enqueued first, so it is granted first.
	event := nextEvent(t, rt, 8)
	require.Equal(t, LockedEvent, event.Kind)
	require.Equal(t, uint32(2), event.ID)
	require.Equal(t, uint64(103), event.Index)

	holder := lockService(rt).holder
	require.Equal(t, uint64(8), holder.session)
	require.Equal(t, uint64(101), holder.index)
	requireNoEvent(t, rt, 9)
}

func TestUnlockIgnoresNonHolderSession(t *testing.T) {
	rt := newLockRuntime(t)
	openSession(rt, 98, 7, 1000)
	openSession(rt, 99, 8, 1000)

	applyLock(rt, 100, 7, 1000, 1, -1)
	_ = nextEvent(t, rt, 7)

	applyUnlock(rt, 101, 8, 1100, 1)

	holder := lockService(rt).holder
	require.NotNil(t, holder)
	require.Equal(t, uint64(7), holder.session)
}

func TestUnlockIgnoresStaleID(t *testing.T) {
	rt := newLockRuntime(t)
	openSession(rt, 99, 7, 1000)

	applyLock(rt, 100, 7, 1000, 1, -1)
	_ = nextEvent(t, rt, 7)

	applyUnlock(rt, 101, 7, 1100, 2)

	require.NotNil(t, lockService(rt).holder)
}

func TestUnlockOnFreeLockIsIgnored(t *testing.T) {
	rt := newLockRuntime(t)
	openSession(rt, 99, 7, 1000)

	applyUnlock(rt, 100, 7, 1000, 1)

	require.Nil(t, lockService(rt).holder)
}

func TestSessionCloseGrantsNextLiveWaiter(t *testing.T) {
	rt := newLockRuntime(t)
	openSession(rt, 98, 7, 1000)
	openSession(rt, 99, 8, 1000)

	applyLock(rt, 100, 7, 1000, 1, 5000)
	_ = nextEvent(t, rt, 7)
	applyLock(rt, 101, 8, 1000, 2, -1)

	closeSession(rt, 102, 7, 1100)

	event := nextEvent(t, rt, 8)
	require.Equal(t, LockedEvent, event.Kind)
	require.Equal(t, uint32(2), event.ID)

	holder := lockService(rt).holder
	require.Equal(t, uint32(2), holder.id)
	require.Equal(t, uint64(101), holder.index)
	require.Equal(t, uint64(8), holder.session)
	require.Equal(t, uint64(0), holder.expire)
}

func TestSessionExpireReleasesWaiters(t *testing.T) {
	rt := newLockRuntime(t)
	openSession(rt, 97, 7, 1000)
	openSession(rt, 98, 8, 1000)
	openSession(rt, 99, 9, 1000)

	applyLock(rt, 100, 7, 1000, 1, -1)
	_ = nextEvent(t, rt, 7)
	applyLock(rt, 101, 8, 1000, 2, 5000)
	applyLock(rt, 102, 9, 1000, 3, -1)

	expireSession(rt, 103, 8, 1100)
	require.Len(t, lockService(rt).queue, 1)
	require.Empty(t, lockService(rt).timers)

	// The expired session's waiter is already gone, so the release grants
	// the next live waiter.
	applyUnlock(rt, 104, 7, 1200, 1)
	event := nextEvent(t, rt, 9)
	require.Equal(t, LockedEvent, event.Kind)
	require.Equal(t, uint32(3), event.ID)
}

func TestSessionCloseSkipsDeadWaiters(t *testing.T) {
	rt := newLockRuntime(t)
	openSession(rt, 97, 7, 1000)
	openSession(rt, 98, 8, 1000)

	applyLock(rt, 100, 7, 1000, 1, -1)
	_ = nextEvent(t, rt, 7)
	applyLock(rt, 101, 8, 1000, 2, -1)

	// Both die: the queue drains without a grant and the lock is free.
	expireSession(rt, 102, 8, 1100)
	closeSession(rt, 103, 7, 1100)

	require.Nil(t, lockService(rt).holder)
	require.Empty(t, lockService(rt).queue)
}

func TestLockSnapshotRestoreRoundTrip(t *testing.T) {
	rt := newLockRuntime(t)
	openSession(rt, 97, 7, 1000)
	openSession(rt, 98, 8, 1000)

	applyLock(rt, 100, 7, 1000, 1, -1)
	_ = nextEvent(t, rt, 7)
	applyLock(rt, 101, 8, 1500, 2, 2000)

	data, err := rt.Snapshot()
	require.NoError(t, err)

	restored := newLockRuntime(t)
	require.NoError(t, restored.Restore(data))

	require.Equal(t, uint64(1500), restored.Clock().Time())
	require.True(t, restored.Sessions().Active(7))
	require.True(t, restored.Sessions().Active(8))

	holder := lockService(restored).holder
	require.NotNil(t, holder)
	require.Equal(t, uint64(7), holder.session)
	require.Len(t, lockService(restored).queue, 1)
	require.Equal(t, uint64(3500), lockService(restored).queue[0].expire)

	// Subsequent commands behave exactly as they would have on the
	// original: the unlock grants the queued waiter.
	applyUnlock(restored, 102, 7, 1600, 1)
	event := nextEvent(t, restored, 8)
	require.Equal(t, LockedEvent, event.Kind)
	require.Equal(t, uint32(2), event.ID)
}

func TestRestoreRebuildsTimers(t *testing.T) {
	rt := newLockRuntime(t)
	openSession(rt, 97, 7, 1000)
	openSession(rt, 98, 8, 1000)

	applyLock(rt, 100, 7, 1000, 1, -1)
	_ = nextEvent(t, rt, 7)
	applyLock(rt, 101, 8, 1500, 2, 2000)

	data, err := rt.Snapshot()
	require.NoError(t, err)

	restored := newLockRuntime(t)
	require.NoError(t, restored.Restore(data))
	require.Len(t, lockService(restored).timers, 1)

	// The rebuilt timer fires at the original absolute expiration.
	openSession(restored, 102, 9, 3500)
	event := nextEvent(t, restored, 8)
	require.Equal(t, FailedEvent, event.Kind)
	require.Equal(t, uint32(2), event.ID)
	require.Equal(t, uint64(101), event.Index)
	require.Empty(t, lockService(restored).queue)
}

func TestRestoreCancelsPreexistingTimers(t *testing.T) {
	rt := newLockRuntime(t)
	openSession(rt, 97, 7, 1000)
	openSession(rt, 98, 8, 1000)

	applyLock(rt, 100, 7, 1000, 1, -1)
	_ = nextEvent(t, rt, 7)
	applyLock(rt, 101, 8, 1000, 2, 1000)

	// Restore an empty snapshot over live state: the old waiter's timer
	// must not fire afterwards.
	empty := newLockRuntime(t)
	data, err := empty.Snapshot()
	require.NoError(t, err)
	require.NoError(t, rt.Restore(data))

	openSession(rt, 102, 9, 10000)
	require.Nil(t, lockService(rt).holder)
	require.Empty(t, lockService(rt).queue)
}

func TestLockEventOrderPerSession(t *testing.T) {
	rt := newLockRuntime(t)
	openSession(rt, 99, 7, 1000)

	applyLock(rt, 100, 7, 1000, 1, -1)
	applyLock(rt, 101, 7, 1000, 2, 0)

	first := nextEvent(t, rt, 7)
	require.Equal(t, LockedEvent, first.Kind)
	second := nextEvent(t, rt, 7)
	require.Equal(t, FailedEvent, second.Kind)
}
