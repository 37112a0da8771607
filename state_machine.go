package raft

import (
	"bytes"
	"sort"

	"github.com/rsmlabs/raftlock/internal/errors"
	"github.com/rsmlabs/raftlock/internal/metrics"
	"google.golang.org/protobuf/encoding/protowire"
)

// SessionServiceName is the reserved service name for session lifecycle
// commands.
const SessionServiceName = "SESSION"

// Session lifecycle operations.
const (
	OpenSessionOperation   = "open"
	ExpireSessionOperation = "expire"
	CloseSessionOperation  = "close"
)

// AppliedCommand is a committed command entry handed to the state machine.
type AppliedCommand struct {
	// The log index of the entry.
	Index uint64

	// The command payload.
	Command *Command
}

// StateMachine is the replicated state machine a replica applies committed
// command entries to. All methods are invoked on the apply goroutine.
type StateMachine interface {
	// Apply applies a committed command to the state machine.
	Apply(command *AppliedCommand)

	// Snapshot returns an encoding of the current state of the state
	// machine suitable for Restore.
	Snapshot() ([]byte, error)

	// Restore replaces the state of the state machine with a snapshot
	// previously produced by Snapshot.
	Restore(data []byte) error
}

// ServiceRuntime hosts the deterministic replicated services of a replica
// and implements StateMachine on their behalf. It owns the replicated clock,
// the scheduler, and the session registry, and routes commands to services
// by their registered name. Everything runs on the apply goroutine.
type ServiceRuntime struct {
	clock     *Clock
	scheduler *Scheduler
	sessions  *SessionRegistry
	services  map[string]Service
	logger    Logger
	metrics   *metrics.Metrics
}

// NewServiceRuntime creates a runtime hosting a fresh instance of every
// service in the provided factory map.
func NewServiceRuntime(
	factories map[string]ServiceFactory,
	logger Logger,
	m *metrics.Metrics,
) *ServiceRuntime {
	clock := &Clock{}
	runtime := &ServiceRuntime{
		clock:     clock,
		scheduler: NewScheduler(clock),
		sessions:  NewSessionRegistry(logger),
		services:  make(map[string]Service, len(factories)),
		logger:    logger,
		metrics:   m,
	}
	ctx := &ServiceContext{
		Clock:     clock,
		Scheduler: runtime.scheduler,
		Sessions:  runtime.sessions,
		Logger:    logger,
		Metrics:   m,
	}
	for name, factory := range factories {
		runtime.services[name] = factory(ctx)
	}
	return runtime
}

// Clock returns the runtime's replicated clock.
func (rt *ServiceRuntime) Clock() *Clock {
	return rt.clock
}

// Sessions returns the runtime's session registry.
func (rt *ServiceRuntime) Sessions() *SessionRegistry {
	return rt.sessions
}

// Service returns the registered service with the provided name, nil if
// unknown.
func (rt *ServiceRuntime) Service(name string) Service {
	return rt.services[name]
}

// Apply advances the replicated clock to the command's leader-stamped time,
// fires any timers whose deadline has been reached, and routes the command
// to its target service. Service-level failures are logged and consumed:
// a deterministic service fails identically on every replica, so aborting
// or stalling the apply pipeline would add nothing.
func (rt *ServiceRuntime) Apply(command *AppliedCommand) {
	rt.scheduler.advance(command.Command.Timestamp)

	if command.Command.Service == SessionServiceName {
		rt.applySessionOperation(command)
		return
	}

	service, ok := rt.services[command.Command.Service]
	if !ok {
		rt.logger.Errorf(
			"command targets unknown service: service = %s, index = %d",
			command.Command.Service,
			command.Index,
		)
		return
	}

	operation := &Operation{
		Index:   command.Index,
		Session: command.Command.Session,
		Name:    command.Command.Operation,
		Args:    command.Command.Args,
	}
	if err := service.Execute(operation); err != nil {
		rt.logger.Errorf(
			"service failed to execute operation: service = %s, operation = %s, index = %d, error = %v",
			command.Command.Service,
			operation.Name,
			operation.Index,
			err,
		)
	}
}

func (rt *ServiceRuntime) applySessionOperation(command *AppliedCommand) {
	session := command.Command.Session
	switch command.Command.Operation {
	case OpenSessionOperation:
		rt.sessions.Open(session)
	case ExpireSessionOperation:
		rt.sessions.markExpired(session)
		for _, service := range rt.orderedServices() {
			service.SessionExpired(session, command.Index)
		}
	case CloseSessionOperation:
		rt.sessions.markClosed(session)
		for _, service := range rt.orderedServices() {
			service.SessionClosed(session, command.Index)
		}
	default:
		rt.logger.Errorf(
			"unknown session operation: operation = %s, index = %d",
			command.Command.Operation,
			command.Index,
		)
	}
}

// orderedServices returns the hosted services in name order. Iteration
// order must be deterministic across replicas.
func (rt *ServiceRuntime) orderedServices() []Service {
	names := make([]string, 0, len(rt.services))
	for name := range rt.services {
		names = append(names, name)
	}
	sort.Strings(names)
	services := make([]Service, 0, len(names))
	for _, name := range names {
		services = append(services, rt.services[name])
	}
	return services
}

const (
	envelopeTimeField    = 1
	envelopeSessionField = 2
	envelopeServiceField = 3
)

const (
	sectionNameField = 1
	sectionDataField = 2
)

// Snapshot encodes the replicated clock, the open sessions, and every
// hosted service's backup into a single envelope.
func (rt *ServiceRuntime) Snapshot() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, envelopeTimeField, protowire.VarintType)
	b = protowire.AppendVarint(b, rt.clock.Time())

	ids := rt.sessions.ids()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		b = protowire.AppendTag(b, envelopeSessionField, protowire.VarintType)
		b = protowire.AppendVarint(b, id)
	}

	for _, service := range rt.orderedServices() {
		var buf bytes.Buffer
		if err := service.Backup(&buf); err != nil {
			return nil, errors.WrapError(err, "failed to back up service %s", service.Name())
		}
		var section []byte
		section = protowire.AppendTag(section, sectionNameField, protowire.BytesType)
		section = protowire.AppendBytes(section, []byte(service.Name()))
		section = protowire.AppendTag(section, sectionDataField, protowire.BytesType)
		section = protowire.AppendBytes(section, buf.Bytes())
		b = protowire.AppendTag(b, envelopeServiceField, protowire.BytesType)
		b = protowire.AppendBytes(b, section)
	}

	return b, nil
}

// Restore replaces the runtime's state with a snapshot envelope. All
// outstanding timers are canceled before the services rebuild their own
// from the restored state.
func (rt *ServiceRuntime) Restore(data []byte) error {
	var restoredTime uint64
	var sessionIDs []uint64
	type section struct {
		name string
		data []byte
	}
	var sections []section

	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errMalformedEntry
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errMalformedEntry
			}
			b = b[n:]
			switch num {
			case envelopeTimeField:
				restoredTime = v
			case envelopeSessionField:
				sessionIDs = append(sessionIDs, v)
			}
		case typ == protowire.BytesType && num == envelopeServiceField:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errMalformedEntry
			}
			b = b[n:]
			var s section
			for len(v) > 0 {
				num, typ, n := protowire.ConsumeTag(v)
				if n < 0 || typ != protowire.BytesType {
					return errMalformedEntry
				}
				v = v[n:]
				field, n := protowire.ConsumeBytes(v)
				if n < 0 {
					return errMalformedEntry
				}
				v = v[n:]
				switch num {
				case sectionNameField:
					s.name = string(field)
				case sectionDataField:
					s.data = append([]byte(nil), field...)
				}
			}
			sections = append(sections, s)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errMalformedEntry
			}
			b = b[n:]
		}
	}

	rt.scheduler.reset()
	rt.clock.now = restoredTime
	rt.sessions.reset(sessionIDs)

	for _, s := range sections {
		service, ok := rt.services[s.name]
		if !ok {
			rt.logger.Errorf("snapshot contains unknown service: service = %s", s.name)
			continue
		}
		if err := service.Restore(bytes.NewReader(s.data)); err != nil {
			return errors.WrapError(err, "failed to restore service %s", s.name)
		}
	}

	return nil
}
