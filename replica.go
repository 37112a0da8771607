package raft

import (
	"fmt"
	"sync"
	"time"

	"github.com/rsmlabs/raftlock/internal/errors"
	"github.com/rsmlabs/raftlock/internal/logger"
	"github.com/rsmlabs/raftlock/internal/metrics"
)

// ErrReplicaShutdown is returned when an RPC or submission reaches a
// replica that has been stopped.
var ErrReplicaShutdown = errors.New("replica is shutdown")

// NotLeaderError is an error returned when an operation is submitted to a
// replica, and it is not the leader. Only the leader may submit operations.
type NotLeaderError struct {
	// The ID of the replica the operation was submitted to.
	ServerID string

	// The ID of the replica that this replica recognizes as the leader.
	// Note that this may not always be accurate.
	KnownLeader string
}

// Error formats and returns an error message indicating that the replica
// with the ID e.ServerID is not the leader.
func (e NotLeaderError) Error() string {
	return fmt.Sprintf("server %s is not the leader: knownLeader = %s", e.ServerID, e.KnownLeader)
}

// Role represents the current role of a replica. A replica is a follower,
// a candidate, a leader, or shutdown.
type Role uint32

const (
	// Follower is the role in which a replica accepts log entries
	// replicated by the leader and grants votes to candidates. A replica
	// always starts as a follower.
	Follower Role = iota

	// Candidate is the role in which a replica solicits votes for its own
	// election. Candidates handle inbound requests exactly like followers.
	Candidate

	// Leader is the role responsible for replicating and committing log
	// entries. Typically, only one replica in a cluster is the leader.
	Leader

	// Shutdown is the terminal role: the replica is offline and its RPC
	// handler is unregistered.
	Shutdown
)

// String converts a Role into a string.
func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case Shutdown:
		return "shutdown"
	default:
		panic("invalid role")
	}
}

// Status is the status of a replica.
type Status struct {
	// The unique identifier of this replica.
	ID string

	// The current term.
	Term uint64

	// The current commit index.
	CommitIndex uint64

	// The index of the last log entry applied to the state machine.
	LastApplied uint64

	// The current role of the replica.
	Role Role
}

// Replica is a single member of a replicated state machine cluster. All
// consensus state is mutated on one apply goroutine: inbound RPCs are
// marshaled onto it, command application and timer fires run on it, and
// responses are produced on it and handed back to the transport.
type Replica struct {
	// The ID of this replica.
	id string

	// The IDs of all cluster members, used to seed the configuration on
	// first start.
	members []string

	// The top level directory where state for this replica is persisted.
	dataPath string

	// The configuration options for this replica.
	options options

	transport Transport
	metrics   *metrics.Metrics
	events    *EventBus

	meta     *MetaStore
	log      Log
	runtime  *ServiceRuntime
	ctx      *ReplicaContext
	follower *follower

	taskCh     chan func()
	shutdownCh chan struct{}
	wg         sync.WaitGroup

	mu   sync.Mutex
	role Role
}

// NewReplica creates a new replica with the provided ID and configuration
// options. The members must contain the IDs of all cluster members,
// including this one. The data path is the top level directory where state
// for this replica will be persisted.
func NewReplica(id string, members []string, dataPath string, opts ...Option) (*Replica, error) {
	var options options
	for _, opt := range opts {
		if err := opt(&options); err != nil {
			return nil, err
		}
	}

	if options.logger == nil {
		defaultLogger, err := logger.NewLogger()
		if err != nil {
			return nil, err
		}
		options.logger = defaultLogger
	}
	if options.maxLogSize == 0 {
		options.maxLogSize = defaultMaxLogSize
	}
	if options.log == nil {
		if options.storageLevel == MemoryStorage {
			options.log = NewMemoryLog()
		} else {
			options.log = NewFileLog(dataPath)
		}
	}
	if options.transport == nil {
		options.transport = NewLocalTransport(id)
	}
	if options.services == nil {
		options.services = make(map[string]ServiceFactory)
	}
	if _, ok := options.services[LockServiceName]; !ok {
		options.services[LockServiceName] = NewLockService
	}

	replica := &Replica{
		id:        id,
		members:   members,
		dataPath:  dataPath,
		options:   options,
		transport: options.transport,
		log:       options.log,
		events:    NewEventBus(),
		role:      Shutdown,
	}
	if !options.metricsDisabled {
		replica.metrics = metrics.New()
	}

	return replica, nil
}

// Start starts the replica if it is not already started. The replica
// recovers its persistent state, registers its RPC handler, and enters the
// follower role.
func (r *Replica) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.role != Shutdown {
		return
	}

	lg := r.options.logger

	// Restore the persisted term, vote, and configuration.
	meta, err := NewMetaStore(r.dataPath, "replica", r.options.storageLevel)
	if err != nil {
		lg.Fatalf("failed to open metadata store: error = %v", err)
	}
	r.meta = meta

	// Open the log for new operations and replay its persisted state.
	if err := r.log.Open(); err != nil {
		lg.Fatalf("failed to open log: error = %v", err)
	}
	if err := r.log.Replay(); err != nil {
		lg.Fatalf("failed to replay log: error = %v", err)
	}

	cluster := meta.LoadConfiguration()
	if cluster == nil {
		cluster = NewConfiguration(r.members, r.id)
		if err := meta.StoreConfiguration(cluster); err != nil {
			lg.Fatalf("failed to persist configuration: error = %v", err)
		}
	}

	r.runtime = NewServiceRuntime(r.options.services, lg, r.metrics)
	r.ctx = NewReplicaContext(meta, r.log, r.runtime, cluster, r.events, lg)
	r.follower = newFollower(r.ctx, r.metrics, r.options.maxLogSize)

	r.taskCh = make(chan func())
	r.shutdownCh = make(chan struct{})
	r.wg.Add(1)
	go r.applyLoop()

	r.transport.RegisterHandler(r)
	if err := r.transport.Run(); err != nil {
		lg.Fatalf("failed to start transport: error = %v", err)
	}

	r.role = Follower
	r.events.Publish(Event{Type: RoleChanged, Term: r.ctx.CurrentTerm(), Role: Follower})

	lg.Infof(
		"replica started: id = %s, term = %d, commitIndex = %d, lastApplied = %d",
		r.id,
		r.ctx.CurrentTerm(),
		r.ctx.CommitIndex(),
		r.ctx.LastApplied(),
	)
}

// Stop stops the replica if it is not already stopped. In-flight requests
// are drained before the RPC handler is unregistered; subsequent requests
// fail with ErrReplicaShutdown.
func (r *Replica) Stop() {
	r.mu.Lock()
	if r.role == Shutdown {
		r.mu.Unlock()
		return
	}
	r.role = Shutdown
	r.mu.Unlock()

	close(r.shutdownCh)
	r.wg.Wait()

	r.transport.UnregisterHandler()
	if err := r.transport.Shutdown(); err != nil {
		r.options.logger.Errorf("failed to shut down transport: error = %v", err)
	}
	if err := r.log.Close(); err != nil {
		r.options.logger.Errorf("failed to close log: error = %v", err)
	}
	if err := r.meta.Close(); err != nil {
		r.options.logger.Errorf("failed to close metadata store: error = %v", err)
	}

	r.events.Publish(Event{Type: RoleChanged, Role: Shutdown})
	r.options.logger.Info("replica stopped")
}

// applyLoop is the replica's single logical thread. Every mutation of
// consensus and service state happens here.
func (r *Replica) applyLoop() {
	defer r.wg.Done()
	for {
		select {
		case task := <-r.taskCh:
			task()
		case <-r.shutdownCh:
			// Drain any tasks accepted before shutdown.
			for {
				select {
				case task := <-r.taskCh:
					task()
				default:
					return
				}
			}
		}
	}
}

// do runs the provided task on the apply goroutine and waits for it to
// complete.
func (r *Replica) do(task func()) error {
	done := make(chan struct{})
	wrapped := func() {
		task()
		close(done)
	}
	select {
	case r.taskCh <- wrapped:
	case <-r.shutdownCh:
		return ErrReplicaShutdown
	}
	<-done
	return nil
}

// HandlePing handles a heartbeat from the leader.
func (r *Replica) HandlePing(request *PingRequest) (*PingResponse, error) {
	var response *PingResponse
	err := r.do(func() {
		var transition bool
		response, transition = r.follower.Ping(request)
		if transition {
			r.transitionToFollower()
		}
	})
	if err != nil {
		r.countRPC("ping", "error")
		return nil, err
	}
	r.countRPC("ping", outcome(response.Accepted))
	return response, nil
}

// HandleSync handles a log replication request from the leader.
func (r *Replica) HandleSync(request *SyncRequest) (*SyncResponse, error) {
	var response *SyncResponse
	err := r.do(func() {
		var transition bool
		response, transition = r.follower.Sync(request)
		if transition {
			r.transitionToFollower()
		}
	})
	if err != nil {
		r.countRPC("sync", "error")
		return nil, err
	}
	r.countRPC("sync", outcome(response.Accepted))
	return response, nil
}

// HandlePoll handles a vote solicitation from a candidate.
func (r *Replica) HandlePoll(request *PollRequest) (*PollResponse, error) {
	var response *PollResponse
	err := r.do(func() {
		var transition bool
		response, transition = r.follower.Poll(request)
		if transition {
			r.transitionToFollower()
		}
	})
	if err != nil {
		r.countRPC("poll", "error")
		return nil, err
	}
	r.countRPC("poll", outcome(response.Granted))
	return response, nil
}

// HandleSubmit handles a command submission from a client.
func (r *Replica) HandleSubmit(request *SubmitRequest) (*SubmitResponse, error) {
	var response *SubmitResponse
	var submitErr error
	err := r.do(func() {
		response, submitErr = r.submit(request.Command)
	})
	if err != nil {
		return nil, err
	}
	return response, submitErr
}

// Submit accepts a command for replication. Only the leader accepts
// submissions; other replicas return a NotLeaderError naming the replica
// they recognize as the leader.
func (r *Replica) Submit(command *Command) (uint64, error) {
	var response *SubmitResponse
	var submitErr error
	err := r.do(func() {
		response, submitErr = r.submit(command)
	})
	if err != nil {
		return 0, err
	}
	if submitErr != nil {
		return 0, submitErr
	}
	return response.Index, nil
}

// submit runs on the apply goroutine.
func (r *Replica) submit(command *Command) (*SubmitResponse, error) {
	if r.currentRole() != Leader {
		return nil, NotLeaderError{ServerID: r.id, KnownLeader: r.ctx.CurrentLeader()}
	}

	// The leader stamps the command with the replicated wall-clock time.
	// Followers never read the host clock: this stamp is the only time
	// source replicated service code observes.
	if command.Timestamp == 0 {
		command.Timestamp = uint64(time.Now().UnixMilli())
	}

	entry := &LogEntry{
		Index:     r.ctx.Log().NextIndex(),
		Term:      r.ctx.CurrentTerm(),
		EntryType: CommandEntry,
		Command:   command,
	}
	if err := r.ctx.Log().AppendEntry(entry); err != nil {
		r.options.logger.Fatalf("failed to append entry to log: error = %v", err)
	}

	r.options.logger.Debugf(
		"operation submitted: logIndex = %d, logTerm = %d, service = %s, operation = %s",
		entry.Index,
		entry.Term,
		command.Service,
		command.Operation,
	)

	return &SubmitResponse{Index: entry.Index, Term: entry.Term}, nil
}

// Status returns the status of this replica.
func (r *Replica) Status() Status {
	status := Status{ID: r.id, Role: Shutdown}
	_ = r.do(func() {
		status.Term = r.ctx.CurrentTerm()
		status.CommitIndex = r.ctx.CommitIndex()
		status.LastApplied = r.ctx.LastApplied()
		status.Role = r.currentRole()
	})
	return status
}

// Events returns the replica's event bus.
func (r *Replica) Events() *EventBus {
	return r.events
}

// Metrics returns the replica's instrumentation, nil if disabled.
func (r *Replica) Metrics() *metrics.Metrics {
	return r.metrics
}

func (r *Replica) currentRole() Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role
}

// transitionToFollower runs on the apply goroutine after a response whose
// handling observed a greater term or learned the leader. The transition
// is idempotent when the replica is already a follower.
func (r *Replica) transitionToFollower() {
	r.mu.Lock()
	previous := r.role
	if previous != Shutdown {
		r.role = Follower
	}
	r.mu.Unlock()

	if previous == Follower || previous == Shutdown {
		return
	}
	r.events.Publish(Event{Type: RoleChanged, Term: r.ctx.CurrentTerm(), Role: Follower})
	r.options.logger.Infof("entered the follower state: term = %d", r.ctx.CurrentTerm())
}

// becomeLeader promotes the replica and appends the customary no-op entry
// for the new term. Election machinery lives outside the replica core;
// this is the entry point it drives.
func (r *Replica) becomeLeader() {
	_ = r.do(func() {
		r.mu.Lock()
		r.role = Leader
		r.mu.Unlock()

		entry := NewLogEntry(r.ctx.Log().NextIndex(), r.ctx.CurrentTerm(), NoOpEntry)
		if err := r.ctx.Log().AppendEntry(entry); err != nil {
			r.options.logger.Fatalf("failed to append entry to log: error = %v", err)
		}

		r.events.Publish(Event{Type: RoleChanged, Term: r.ctx.CurrentTerm(), Role: Leader})
		r.options.logger.Infof("entered the leader state: term = %d", r.ctx.CurrentTerm())
	})
}

func (r *Replica) countRPC(method string, outcome string) {
	if r.metrics == nil {
		return
	}
	r.metrics.RPCs.WithLabelValues(method, outcome).Inc()
}

func outcome(accepted bool) string {
	if accepted {
		return "accepted"
	}
	return "rejected"
}
