package raft

import (
	"io"

	"github.com/rsmlabs/raftlock/internal/metrics"
)

// Operation is a single service command as seen by a Service. It is executed
// on the apply goroutine, so service implementations require no locking.
type Operation struct {
	// The log index of the command.
	Index uint64

	// The session that submitted the command.
	Session uint64

	// The name of the operation.
	Name string

	// The encoded operation arguments.
	Args []byte
}

// Service is a deterministic replicated service hosted by the runtime.
// All methods are invoked on the apply goroutine. Execution must depend
// only on replicated inputs: the operation itself, the replicated clock,
// and prior state.
type Service interface {
	// Name returns the stable name the service is registered under.
	Name() string

	// Execute applies an operation to the service.
	Execute(operation *Operation) error

	// Backup writes the service's durable state to the provided writer.
	Backup(w io.Writer) error

	// Restore replaces the service's state with state previously written
	// by Backup, reconstructing any outstanding timers.
	Restore(r io.Reader) error

	// SessionExpired releases all state owned by the expired session.
	// The index is the log index of the command that expired the session.
	SessionExpired(session uint64, index uint64)

	// SessionClosed releases all state owned by the closed session.
	// The index is the log index of the command that closed the session.
	SessionClosed(session uint64, index uint64)
}

// ServiceContext provides a service with its replicated collaborators:
// the deterministic clock and scheduler, the session registry, and the
// event publication channel.
type ServiceContext struct {
	// Clock is the replicated clock. Service code must read time from it,
	// never from the host.
	Clock *Clock

	// Scheduler schedules callbacks against the replicated clock.
	Scheduler *Scheduler

	// Sessions is the registry of client sessions.
	Sessions *SessionRegistry

	// Logger is the replica's logger.
	Logger Logger

	// Metrics is the replica's instrumentation, nil if disabled.
	Metrics *metrics.Metrics
}

// ServiceFactory creates a fresh service instance bound to the provided
// context. Services are instantiated through a factory keyed by their
// stable name.
type ServiceFactory func(ctx *ServiceContext) Service
