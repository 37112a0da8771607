package raft

// SessionEventKind identifies a service event delivered to a client session.
type SessionEventKind string

const (
	// LockedEvent notifies a session that it acquired a lock.
	LockedEvent SessionEventKind = "LOCKED"

	// FailedEvent notifies a session that a lock acquisition failed.
	FailedEvent SessionEventKind = "FAILED"
)

// SessionEvent is a side-channel event published to a client session by a
// replicated service. Events arrive after any in-flight response to the
// command that triggered them.
type SessionEvent struct {
	// The name of the service that published the event.
	Service string

	// The kind of event.
	Kind SessionEventKind

	// The service-level object the event refers to, e.g. a lock ID.
	ID uint32

	// The log index of the command that triggered the event.
	Index uint64
}

// SessionState is the lifecycle state of a client session.
type SessionState uint32

const (
	// SessionOpen indicates the session is live.
	SessionOpen SessionState = iota

	// SessionExpired indicates the session timed out.
	SessionExpired

	// SessionClosed indicates the session was closed by the client.
	SessionClosed
)

// Session is a client identity. It is the unit of ownership for lock
// holders and the destination for service events.
type Session struct {
	id     uint64
	state  SessionState
	events chan SessionEvent
}

// ID returns the session's identifier.
func (s *Session) ID() uint64 {
	return s.id
}

// State returns the session's lifecycle state.
func (s *Session) State() SessionState {
	return s.state
}

// Events returns the channel that service events for this session are
// delivered on. Events are delivered in the order they were published.
func (s *Session) Events() <-chan SessionEvent {
	return s.events
}

const sessionEventBuffer = 64

// SessionRegistry tracks the sessions known to a replica's service runtime.
// All mutation happens on the apply goroutine.
type SessionRegistry struct {
	sessions map[uint64]*Session
	logger   Logger
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(logger Logger) *SessionRegistry {
	return &SessionRegistry{sessions: make(map[uint64]*Session), logger: logger}
}

// Open registers a session with the provided ID. Opening an already open
// session is a no-op.
func (r *SessionRegistry) Open(id uint64) *Session {
	if session, ok := r.sessions[id]; ok && session.state == SessionOpen {
		return session
	}
	session := &Session{id: id, state: SessionOpen, events: make(chan SessionEvent, sessionEventBuffer)}
	r.sessions[id] = session
	return session
}

// Get returns the session with the provided ID, nil if unknown.
func (r *SessionRegistry) Get(id uint64) *Session {
	return r.sessions[id]
}

// Active checks whether the session with the provided ID is open.
func (r *SessionRegistry) Active(id uint64) bool {
	session, ok := r.sessions[id]
	return ok && session.state == SessionOpen
}

// markExpired transitions the session to the expired state.
func (r *SessionRegistry) markExpired(id uint64) {
	if session, ok := r.sessions[id]; ok {
		session.state = SessionExpired
	}
}

// markClosed transitions the session to the closed state.
func (r *SessionRegistry) markClosed(id uint64) {
	if session, ok := r.sessions[id]; ok {
		session.state = SessionClosed
	}
}

// Publish delivers an event to the session with the provided ID. Delivery
// never blocks the apply goroutine: if the session's buffer is full the
// event is dropped with a warning.
func (r *SessionRegistry) Publish(id uint64, event SessionEvent) {
	session, ok := r.sessions[id]
	if !ok || session.state != SessionOpen {
		return
	}
	select {
	case session.events <- event:
	default:
		r.logger.Warnf(
			"dropping session event: session = %d, service = %s, kind = %s",
			id,
			event.Service,
			event.Kind,
		)
	}
}

// ids returns the IDs of all open sessions.
func (r *SessionRegistry) ids() []uint64 {
	ids := make([]uint64, 0, len(r.sessions))
	for id, session := range r.sessions {
		if session.state == SessionOpen {
			ids = append(ids, id)
		}
	}
	return ids
}

// reset discards all sessions and re-opens the provided IDs. Used on
// snapshot restore.
func (r *SessionRegistry) reset(ids []uint64) {
	r.sessions = make(map[uint64]*Session)
	for _, id := range ids {
		r.Open(id)
	}
}
