package raft

// ReplicaContext is the in-memory state of one replica: term, leader, vote,
// commit index, last applied index, and the cluster view, together with
// handles to the log, the state machine, and the event bus. Setters for the
// term and vote persist transparently through the MetaStore; persistence
// failures are fatal, the replica must not continue serving.
type ReplicaContext struct {
	meta         *MetaStore
	log          Log
	stateMachine StateMachine
	events       *EventBus
	logger       Logger

	cluster       *Configuration
	currentTerm   uint64
	currentLeader string
	lastVotedFor  string
	commitIndex   uint64
	lastApplied   uint64
}

// NewReplicaContext creates a context backed by the provided collaborators,
// restoring the term, vote, and configuration from the MetaStore.
func NewReplicaContext(
	meta *MetaStore,
	log Log,
	stateMachine StateMachine,
	cluster *Configuration,
	events *EventBus,
	logger Logger,
) *ReplicaContext {
	ctx := &ReplicaContext{
		meta:         meta,
		log:          log,
		stateMachine: stateMachine,
		events:       events,
		logger:       logger,
		cluster:      cluster,
	}
	ctx.currentTerm = meta.LoadTerm()
	ctx.lastVotedFor = meta.LoadVote()
	if restored := meta.LoadConfiguration(); restored != nil {
		ctx.cluster = restored
	}
	return ctx
}

// CurrentTerm returns the current term.
func (c *ReplicaContext) CurrentTerm() uint64 {
	return c.currentTerm
}

// SetCurrentTerm updates the current term and persists it. Advancing the
// term clears the vote and the known leader.
func (c *ReplicaContext) SetCurrentTerm(term uint64) {
	if term > c.currentTerm {
		c.lastVotedFor = ""
		c.currentLeader = ""
		if err := c.meta.StoreVote(""); err != nil {
			c.logger.Fatalf("failed to persist vote: error = %v", err)
		}
	}
	c.currentTerm = term
	if err := c.meta.StoreTerm(term); err != nil {
		c.logger.Fatalf("failed to persist term: error = %v", err)
	}
}

// CurrentLeader returns the ID of the replica currently recognized as the
// leader, empty if unknown.
func (c *ReplicaContext) CurrentLeader() string {
	return c.currentLeader
}

// SetCurrentLeader updates the recognized leader.
func (c *ReplicaContext) SetCurrentLeader(leader string) {
	c.currentLeader = leader
}

// LastVotedFor returns the candidate voted for in the current term, empty
// if no vote has been cast.
func (c *ReplicaContext) LastVotedFor() string {
	return c.lastVotedFor
}

// SetLastVotedFor updates the vote and persists it. An empty string clears
// the vote.
func (c *ReplicaContext) SetLastVotedFor(vote string) {
	c.lastVotedFor = vote
	if err := c.meta.StoreVote(vote); err != nil {
		c.logger.Fatalf("failed to persist vote: error = %v", err)
	}
}

// CommitIndex returns the highest log index known to be committed.
func (c *ReplicaContext) CommitIndex() uint64 {
	return c.commitIndex
}

// SetCommitIndex updates the commit index.
func (c *ReplicaContext) SetCommitIndex(index uint64) {
	c.commitIndex = index
}

// LastApplied returns the highest log index applied to the state machine.
func (c *ReplicaContext) LastApplied() uint64 {
	return c.lastApplied
}

// SetLastApplied updates the last applied index.
func (c *ReplicaContext) SetLastApplied(index uint64) {
	c.lastApplied = index
}

// Cluster returns the current cluster view.
func (c *ReplicaContext) Cluster() *Configuration {
	return c.cluster
}

// SetCluster updates the cluster view and persists it through the MetaStore.
func (c *ReplicaContext) SetCluster(cluster *Configuration) {
	c.cluster = cluster
	if err := c.meta.StoreConfiguration(cluster); err != nil {
		c.logger.Fatalf("failed to persist configuration: error = %v", err)
	}
}

// Log returns the replica's log.
func (c *ReplicaContext) Log() Log {
	return c.log
}

// StateMachine returns the replica's state machine.
func (c *ReplicaContext) StateMachine() StateMachine {
	return c.stateMachine
}

// Events returns the replica's event bus.
func (c *ReplicaContext) Events() *EventBus {
	return c.events
}
