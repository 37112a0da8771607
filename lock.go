package raft

import (
	"io"

	"github.com/rsmlabs/raftlock/internal/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// LockServiceName is the stable name the lock service is registered under.
const LockServiceName = "LOCK"

// Lock service operations.
const (
	LockOperation   = "lock"
	UnlockOperation = "unlock"
)

// lockHolder records who owns or is waiting for a lock. An expiration of
// zero means the holder never expires; a positive expiration is an absolute
// replicated timestamp.
type lockHolder struct {
	id      uint32
	index   uint64
	session uint64
	expire  uint64
}

// LockService is a deterministic replicated lock. Acquisitions are granted
// in FIFO order of their log index; waiters may carry a timeout measured
// against the replicated clock. All state transitions happen on the apply
// goroutine.
type LockService struct {
	ctx *ServiceContext

	// The session currently holding the lock, nil if the lock is free.
	holder *lockHolder

	// Waiters in enqueue order, which is log-index order.
	queue []*lockHolder

	// Outstanding expiration timers keyed by the waiter's log index.
	timers map[uint64]*ScheduledTimer
}

// NewLockService creates a lock service bound to the provided context.
func NewLockService(ctx *ServiceContext) Service {
	return &LockService{ctx: ctx, timers: make(map[uint64]*ScheduledTimer)}
}

// Name returns the service's registered name.
func (s *LockService) Name() string {
	return LockServiceName
}

// Execute applies a lock or unlock operation.
func (s *LockService) Execute(operation *Operation) error {
	switch operation.Name {
	case LockOperation:
		id, timeout, err := parseLockArgs(operation.Args)
		if err != nil {
			return err
		}
		s.lock(id, timeout, operation)
		return nil
	case UnlockOperation:
		id, err := parseUnlockArgs(operation.Args)
		if err != nil {
			return err
		}
		s.unlock(id, operation)
		return nil
	default:
		return errors.Errorf("unknown lock operation: %s", operation.Name)
	}
}

// lock attempts to acquire the lock for the requesting session. A zero
// timeout is a try-lock, a negative timeout waits forever, and a positive
// timeout waits until the replicated clock passes the deadline.
func (s *LockService) lock(id uint32, timeout int64, operation *Operation) {
	if s.holder == nil {
		s.holder = &lockHolder{id: id, index: operation.Index, session: operation.Session}
		s.publish(operation.Session, LockedEvent, id, operation.Index)
		if s.ctx.Metrics != nil {
			s.ctx.Metrics.LockGrants.Inc()
		}
		return
	}

	if timeout == 0 {
		s.publish(operation.Session, FailedEvent, id, operation.Index)
		if s.ctx.Metrics != nil {
			s.ctx.Metrics.LockFailures.Inc()
		}
		return
	}

	waiter := &lockHolder{id: id, index: operation.Index, session: operation.Session}
	if timeout > 0 {
		waiter.expire = s.ctx.Clock.Time() + uint64(timeout)
		s.timers[waiter.index] = s.ctx.Scheduler.ScheduleAfter(uint64(timeout), func() {
			s.expireWaiter(waiter)
		})
	}
	s.queue = append(s.queue, waiter)
}

// unlock releases the lock if, and only if, the release comes from the
// session and lock ID that hold it. Anything else is silently ignored:
// a non-holder must not be able to free the lock, and a stale release from
// a prior acquisition must not free a re-acquired lock.
func (s *LockService) unlock(id uint32, operation *Operation) {
	if s.holder == nil {
		return
	}
	if s.holder.session != operation.Session {
		return
	}
	if s.holder.id != id {
		return
	}
	s.grantNext(operation.Index)
}

// grantNext hands the lock to the first waiter whose session is still
// live, or frees the lock if no such waiter exists. The index is the log
// index of the command that triggered the release.
func (s *LockService) grantNext(index uint64) {
	for {
		if len(s.queue) == 0 {
			s.holder = nil
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		if timer, ok := s.timers[next.index]; ok {
			timer.Cancel()
			delete(s.timers, next.index)
		}
		if !s.ctx.Sessions.Active(next.session) {
			continue
		}
		s.holder = &lockHolder{id: next.id, index: next.index, session: next.session}
		s.publish(next.session, LockedEvent, next.id, index)
		if s.ctx.Metrics != nil {
			s.ctx.Metrics.LockGrants.Inc()
		}
		return
	}
}

// expireWaiter removes a timed-out waiter from the queue and notifies its
// session if it is still live.
func (s *LockService) expireWaiter(waiter *lockHolder) {
	delete(s.timers, waiter.index)
	for i, queued := range s.queue {
		if queued.index == waiter.index {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	if s.ctx.Sessions.Active(waiter.session) {
		s.publish(waiter.session, FailedEvent, waiter.id, waiter.index)
		if s.ctx.Metrics != nil {
			s.ctx.Metrics.LockFailures.Inc()
		}
	}
}

// SessionExpired releases everything the expired session owns.
func (s *LockService) SessionExpired(session uint64, index uint64) {
	s.releaseSession(session, index)
}

// SessionClosed releases everything the closed session owns.
func (s *LockService) SessionClosed(session uint64, index uint64) {
	s.releaseSession(session, index)
}

func (s *LockService) releaseSession(session uint64, index uint64) {
	remaining := s.queue[:0]
	for _, waiter := range s.queue {
		if waiter.session != session {
			remaining = append(remaining, waiter)
			continue
		}
		if timer, ok := s.timers[waiter.index]; ok {
			timer.Cancel()
			delete(s.timers, waiter.index)
		}
	}
	s.queue = remaining

	if s.holder != nil && s.holder.session == session {
		s.grantNext(index)
	}
}

func (s *LockService) publish(session uint64, kind SessionEventKind, id uint32, index uint64) {
	s.ctx.Sessions.Publish(session, SessionEvent{
		Service: LockServiceName,
		Kind:    kind,
		ID:      id,
		Index:   index,
	})
}

const (
	lockStateHolderField = 1
	lockStateQueueField  = 2
)

const (
	holderIDField      = 1
	holderIndexField   = 2
	holderSessionField = 3
	holderExpireField  = 4
)

func marshalLockHolder(h *lockHolder) []byte {
	var b []byte
	b = protowire.AppendTag(b, holderIDField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.id))
	b = protowire.AppendTag(b, holderIndexField, protowire.VarintType)
	b = protowire.AppendVarint(b, h.index)
	b = protowire.AppendTag(b, holderSessionField, protowire.VarintType)
	b = protowire.AppendVarint(b, h.session)
	b = protowire.AppendTag(b, holderExpireField, protowire.VarintType)
	b = protowire.AppendVarint(b, h.expire)
	return b
}

func unmarshalLockHolder(b []byte) (*lockHolder, error) {
	holder := &lockHolder{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.VarintType {
			return nil, errMalformedEntry
		}
		b = b[n:]
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, errMalformedEntry
		}
		b = b[n:]
		switch num {
		case holderIDField:
			holder.id = uint32(v)
		case holderIndexField:
			holder.index = v
		case holderSessionField:
			holder.session = v
		case holderExpireField:
			holder.expire = v
		}
	}
	return holder, nil
}

// Backup writes the current holder and the wait queue. Timers are not
// persisted: the absolute expirations in the queued holders are the
// canonical source and timers are rebuilt from them on restore.
func (s *LockService) Backup(w io.Writer) error {
	var b []byte
	if s.holder != nil {
		b = protowire.AppendTag(b, lockStateHolderField, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalLockHolder(s.holder))
	}
	for _, waiter := range s.queue {
		b = protowire.AppendTag(b, lockStateQueueField, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalLockHolder(waiter))
	}
	if _, err := w.Write(b); err != nil {
		return errors.WrapError(err, "failed to back up lock state")
	}
	return nil
}

// Restore replaces the lock state. All outstanding timers are canceled and
// cleared, then every queued holder with an expiration is rescheduled at
// the remaining duration against the restored clock.
func (s *LockService) Restore(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.WrapError(err, "failed to restore lock state")
	}

	for _, timer := range s.timers {
		timer.Cancel()
	}
	s.timers = make(map[uint64]*ScheduledTimer)
	s.holder = nil
	s.queue = nil

	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.BytesType {
			return errMalformedEntry
		}
		b = b[n:]
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return errMalformedEntry
		}
		b = b[n:]
		holder, err := unmarshalLockHolder(v)
		if err != nil {
			return err
		}
		switch num {
		case lockStateHolderField:
			s.holder = holder
		case lockStateQueueField:
			s.queue = append(s.queue, holder)
		}
	}

	for _, waiter := range s.queue {
		if waiter.expire == 0 {
			continue
		}
		waiter := waiter
		s.timers[waiter.index] = s.ctx.Scheduler.ScheduleAt(waiter.expire, func() {
			s.expireWaiter(waiter)
		})
	}

	return nil
}

const (
	lockArgsIDField      = 1
	lockArgsTimeoutField = 2
)

// LockArgs encodes the arguments of a lock operation. A zero timeout is a
// try-lock, a negative timeout waits forever, and a positive timeout is a
// wait bounded in replicated milliseconds.
func LockArgs(id uint32, timeout int64) []byte {
	var b []byte
	b = protowire.AppendTag(b, lockArgsIDField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(id))
	b = protowire.AppendTag(b, lockArgsTimeoutField, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(timeout))
	return b
}

// UnlockArgs encodes the arguments of an unlock operation.
func UnlockArgs(id uint32) []byte {
	var b []byte
	b = protowire.AppendTag(b, lockArgsIDField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(id))
	return b
}

func parseLockArgs(args []byte) (uint32, int64, error) {
	var id uint32
	var timeout int64
	b := args
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.VarintType {
			return 0, 0, errMalformedEntry
		}
		b = b[n:]
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return 0, 0, errMalformedEntry
		}
		b = b[n:]
		switch num {
		case lockArgsIDField:
			id = uint32(v)
		case lockArgsTimeoutField:
			timeout = protowire.DecodeZigZag(v)
		}
	}
	return id, timeout, nil
}

func parseUnlockArgs(args []byte) (uint32, error) {
	var id uint32
	b := args
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.VarintType {
			return 0, errMalformedEntry
		}
		b = b[n:]
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return 0, errMalformedEntry
		}
		b = b[n:]
		if num == lockArgsIDField {
			id = uint32(v)
		}
	}
	return id, nil
}
