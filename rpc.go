package raft

// PingRequest is a heartbeat from the leader. The log index and term
// identify the leader's latest entry; the field names are part of the wire
// contract and intentionally differ from the sync request's previous-entry
// fields even though the check is the same.
type PingRequest struct {
	// The ID of the request.
	ID uint64

	// The leader's term.
	Term uint64

	// The ID of the leader.
	Leader string

	// The index of the leader's latest log entry, zero to skip the
	// consistency check.
	LogIndex uint64

	// The term of the leader's latest log entry, zero to skip the
	// consistency check.
	LogTerm uint64
}

// PingResponse is the response to a heartbeat.
type PingResponse struct {
	// The ID of the request this responds to.
	ID uint64

	// The responder's term.
	Term uint64

	// Whether the responder's log matches the leader's latest entry.
	Accepted bool
}

// SyncRequest replicates log entries from the leader.
type SyncRequest struct {
	// The ID of the request.
	ID uint64

	// The leader's term.
	Term uint64

	// The ID of the leader.
	Leader string

	// The index of the entry immediately preceding the new ones, zero to
	// skip the consistency check.
	PrevLogIndex uint64

	// The term of the entry immediately preceding the new ones, zero to
	// skip the consistency check.
	PrevLogTerm uint64

	// The entries to replicate. May be empty for a pure commit advance.
	Entries []*LogEntry

	// The leader's commit index.
	CommitIndex uint64
}

// SyncResponse is the response to a replication request.
type SyncResponse struct {
	// The ID of the request this responds to.
	ID uint64

	// The responder's term.
	Term uint64

	// Whether the entries were appended.
	Accepted bool

	// The responder's last log index, used by the leader to probe
	// backwards after a rejection.
	LastIndex uint64
}

// PollRequest solicits a vote for a candidate.
type PollRequest struct {
	// The ID of the request.
	ID uint64

	// The candidate's term.
	Term uint64

	// The ID of the candidate.
	Candidate string

	// The index of the candidate's last log entry.
	LastLogIndex uint64

	// The term of the candidate's last log entry.
	LastLogTerm uint64
}

// PollResponse is the response to a vote solicitation.
type PollResponse struct {
	// The ID of the request this responds to.
	ID uint64

	// The responder's term.
	Term uint64

	// Whether the vote was granted.
	Granted bool
}

// SubmitRequest submits a command for replication. Only the leader accepts
// submissions.
type SubmitRequest struct {
	// The command to replicate.
	Command *Command
}

// SubmitResponse is the response to a submission.
type SubmitResponse struct {
	// The log index assigned to the command.
	Index uint64

	// The term the command was appended in.
	Term uint64
}
