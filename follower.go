package raft

import (
	"github.com/rsmlabs/raftlock/internal/metrics"
	"github.com/rsmlabs/raftlock/internal/util"
)

// follower implements the request handling shared by all non-leader roles:
// heartbeats, log replication, and votes, together with commit advancement,
// apply dispatch, and log compaction. The handlers are pure with respect to
// threading: they assume they run on the replica's apply goroutine and
// mutate only through the replica context.
//
// Each handler returns its response along with a transition marker. A true
// marker obligates the caller to transition to the follower role after the
// response has been produced; the transition is idempotent when the replica
// is already a follower.
type follower struct {
	ctx        *ReplicaContext
	metrics    *metrics.Metrics
	maxLogSize int
}

func newFollower(ctx *ReplicaContext, m *metrics.Metrics, maxLogSize int) *follower {
	return &follower{ctx: ctx, metrics: m, maxLogSize: maxLogSize}
}

// Ping handles a heartbeat from the leader.
func (f *follower) Ping(request *PingRequest) (*PingResponse, bool) {
	transition := f.observeLeader(request.Term, request.Leader)

	response := &PingResponse{ID: request.ID, Term: f.ctx.CurrentTerm()}

	// Reject any requests with an out-of-date term.
	if request.Term < f.ctx.CurrentTerm() {
		return response, transition
	}

	// Check that the log matches the leader's latest entry when the
	// request carries one.
	if request.LogIndex > 0 && request.LogTerm > 0 {
		if request.LogIndex > f.ctx.Log().LastIndex() {
			return response, transition
		}
		entry, err := f.ctx.Log().GetEntry(request.LogIndex)
		if err != nil || entry == nil || entry.Term != request.LogTerm {
			return response, transition
		}
	}

	response.Accepted = true
	return response, transition
}

// Sync handles a log replication request from the leader.
func (f *follower) Sync(request *SyncRequest) (*SyncResponse, bool) {
	transition := f.observeLeader(request.Term, request.Leader)

	response := &SyncResponse{
		ID:        request.ID,
		Term:      f.ctx.CurrentTerm(),
		LastIndex: f.ctx.Log().LastIndex(),
	}

	// Reject any requests with an out-of-date term.
	if request.Term < f.ctx.CurrentTerm() {
		return response, transition
	}

	log := f.ctx.Log()

	// Reject the request if the log does not contain the previous entry
	// with a matching term.
	if request.PrevLogIndex > 0 && request.PrevLogTerm > 0 {
		if request.PrevLogIndex > log.LastIndex() {
			return response, transition
		}
		prev, err := log.GetEntry(request.PrevLogIndex)
		if err != nil || prev == nil || prev.Term != request.PrevLogTerm {
			return response, transition
		}
	}

	// Append the entries that are not already present. On the first
	// conflicting entry the local tail is truncated and the remainder of
	// the request is appended in one call; matching entries are skipped.
	var toAppend []*LogEntry
	for i, entry := range request.Entries {
		index := request.PrevLogIndex + uint64(i) + 1
		if index > log.LastIndex() {
			toAppend = request.Entries[i:]
			break
		}
		existing, err := log.GetEntry(index)
		if err != nil {
			f.ctx.logger.Fatalf("failed to get entry from log: index = %d, error = %v", index, err)
		}
		if !existing.IsConflict(entry) {
			continue
		}
		f.ctx.logger.Warnf("truncating log: index = %d", index)
		if err := log.Truncate(index); err != nil {
			f.ctx.logger.Fatalf("failed to truncate log: error = %v", err)
		}
		toAppend = request.Entries[i:]
		break
	}
	if len(toAppend) > 0 {
		if err := log.AppendEntries(toAppend); err != nil {
			f.ctx.logger.Fatalf("failed to append entries to log: error = %v", err)
		}
	}

	// Advance the commit index and apply anything newly committed. The
	// commit index never regresses and never passes the end of the log.
	commitIndex := util.Min(util.Max(request.CommitIndex, f.ctx.CommitIndex()), log.LastIndex())
	f.ctx.SetCommitIndex(commitIndex)
	f.applyCommitted()
	f.maybeCompact()

	response.Accepted = true
	response.LastIndex = log.LastIndex()
	return response, transition
}

// Poll handles a vote solicitation from a candidate. The clauses are
// evaluated in order; the first that matches decides the vote.
func (f *follower) Poll(request *PollRequest) (*PollResponse, bool) {
	transition := false

	// Adopt a more up-to-date term, clearing leader and vote.
	if request.Term > f.ctx.CurrentTerm() {
		f.ctx.SetCurrentTerm(request.Term)
		transition = true
	}

	response := &PollResponse{ID: request.ID, Term: f.ctx.CurrentTerm()}

	// Reject any requests with an out-of-date term.
	if request.Term < f.ctx.CurrentTerm() {
		return response, transition
	}

	// A replica always votes for itself.
	if request.Candidate == f.ctx.Cluster().Local {
		f.grantVote(request.Candidate)
		response.Granted = true
		return response, transition
	}

	// Reject candidates that are not part of the local cluster view.
	if !f.ctx.Cluster().Contains(request.Candidate) {
		return response, transition
	}

	// Reject the request if this replica has already voted for another
	// candidate in this term.
	if f.ctx.LastVotedFor() != "" && f.ctx.LastVotedFor() != request.Candidate {
		return response, transition
	}

	// Grant the vote only if the candidate's log is at least as up-to-date
	// as the local log.
	lastIndex := f.ctx.Log().LastIndex()
	lastTerm := f.ctx.Log().LastTerm()
	if request.LastLogIndex >= lastIndex && request.LastLogTerm >= lastTerm {
		f.grantVote(request.Candidate)
		response.Granted = true
		return response, transition
	}

	f.ctx.SetLastVotedFor("")
	return response, transition
}

// observeLeader is the shared term-update step of the ping and sync
// handlers: a greater term, or an equal term while no leader is known,
// adopts the term and leader and marks a transition to the follower role.
func (f *follower) observeLeader(term uint64, leader string) bool {
	if term > f.ctx.CurrentTerm() ||
		(term == f.ctx.CurrentTerm() && f.ctx.CurrentLeader() == "") {
		f.ctx.SetCurrentTerm(term)
		f.ctx.SetCurrentLeader(leader)
		return true
	}
	return false
}

func (f *follower) grantVote(candidate string) {
	f.ctx.SetLastVotedFor(candidate)
	f.ctx.Events().Publish(Event{
		Type:      VoteCast,
		Term:      f.ctx.CurrentTerm(),
		Candidate: candidate,
	})
}

// applyCommitted applies entries from the one following the last applied
// entry through the commit index, in order.
func (f *follower) applyCommitted() {
	log := f.ctx.Log()
	for f.ctx.LastApplied() < util.Min(f.ctx.CommitIndex(), log.LastIndex()) {
		f.applyNext()
	}
}

// applyNext applies exactly one entry, dispatching on the entry variant.
// The last applied index advances by exactly one per call and never skips:
// a missing entry at the expected index is a fatal error.
func (f *follower) applyNext() {
	index := f.ctx.LastApplied() + 1
	entry, err := f.ctx.Log().GetEntry(index)
	if err != nil || entry == nil {
		f.ctx.logger.Fatalf("missing log entry at apply index: index = %d, error = %v", index, err)
	}

	switch entry.EntryType {
	case CommandEntry:
		f.ctx.StateMachine().Apply(&AppliedCommand{Index: entry.Index, Command: entry.Command})
	case ConfigurationEntry:
		f.ctx.SetCluster(entry.Configuration)
	case SnapshotEntry:
		if err := f.ctx.StateMachine().Restore(entry.Data); err != nil {
			f.ctx.logger.Fatalf("failed to install snapshot: index = %d, error = %v", index, err)
		}
		if entry.Configuration != nil {
			f.ctx.SetCluster(entry.Configuration)
		}
		if entry.Term > f.ctx.CurrentTerm() {
			f.ctx.SetCurrentTerm(entry.Term)
		}
	case NoOpEntry:
	}

	f.ctx.SetLastApplied(index)
	if f.metrics != nil {
		f.metrics.EntriesApplied.Inc()
	}
}

// maybeCompact snapshots the state machine and compacts the log at the
// last applied index once the log has outgrown its configured size.
// Compaction failures are fatal.
func (f *follower) maybeCompact() {
	compactable, ok := f.ctx.Log().(CompactableLog)
	if !ok {
		return
	}
	if f.ctx.Log().Size() <= f.maxLogSize {
		return
	}
	// Nothing to compact until an entry past the log's base has been applied.
	if !f.ctx.Log().Contains(f.ctx.LastApplied()) {
		return
	}

	data, err := f.ctx.StateMachine().Snapshot()
	if err != nil {
		f.ctx.logger.Fatalf("failed to take snapshot of state machine: error = %v", err)
	}
	if data == nil {
		return
	}

	base := &LogEntry{
		Index:         f.ctx.LastApplied(),
		Term:          f.ctx.CurrentTerm(),
		EntryType:     SnapshotEntry,
		Configuration: f.ctx.Cluster().Clone(),
		Data:          data,
	}
	f.ctx.logger.Warnf("compacting log: index = %d", base.Index)
	if err := compactable.Compact(base); err != nil {
		f.ctx.logger.Fatalf("failed to compact log: error = %v", err)
	}
	if f.metrics != nil {
		f.metrics.Compactions.Inc()
	}
}
