package raft

import (
	"github.com/rsmlabs/raftlock/internal/errors"
)

var (
	errIndexDoesNotExist = errors.New("index does not exist")
	errLogNotOpen        = errors.New("log is not open")
)

// LogEntryType discriminates the closed set of log entry variants. Apply
// logic switches exhaustively on this tag.
type LogEntryType uint32

const (
	// NoOpEntry is an empty marker entry. Applying it only advances the
	// last applied index.
	NoOpEntry LogEntryType = iota

	// CommandEntry carries a client operation for a replicated service.
	CommandEntry

	// ConfigurationEntry carries a cluster membership change.
	ConfigurationEntry

	// SnapshotEntry carries compacted state machine state together with the
	// cluster configuration at the time the snapshot was taken.
	SnapshotEntry
)

// String converts a LogEntryType into a string.
func (t LogEntryType) String() string {
	switch t {
	case NoOpEntry:
		return "noop"
	case CommandEntry:
		return "command"
	case ConfigurationEntry:
		return "configuration"
	case SnapshotEntry:
		return "snapshot"
	default:
		panic("invalid log entry type")
	}
}

// Command is the payload of a CommandEntry. The session and timestamp are
// stamped by the leader when the command is submitted: the timestamp drives
// the replicated clock on every replica, and the session scopes ownership
// within the target service.
type Command struct {
	// The session that submitted the command.
	Session uint64

	// Wall-clock milliseconds assigned by the leader. Replicated service
	// code must read time from this value, never from the host clock.
	Timestamp uint64

	// The name of the registered service the command targets.
	Service string

	// The operation to execute within the service.
	Operation string

	// The operation arguments, encoded by the client.
	Args []byte
}

// LogEntry is a single entry in the replicated log.
type LogEntry struct {
	// The index of the log entry.
	Index uint64

	// The term of the log entry.
	Term uint64

	// The offset of the log entry within its storage file.
	Offset int64

	// The type of the log entry.
	EntryType LogEntryType

	// The command payload. Only set for CommandEntry.
	Command *Command

	// The cluster configuration. Set for ConfigurationEntry and SnapshotEntry.
	Configuration *Configuration

	// Compacted state machine state. Only set for SnapshotEntry.
	Data []byte
}

// NewLogEntry creates a new LogEntry with the provided index, term, and type.
func NewLogEntry(index uint64, term uint64, entryType LogEntryType) *LogEntry {
	return &LogEntry{Index: index, Term: term, EntryType: entryType}
}

// IsConflict checks whether the current log entry conflicts with another log
// entry. Two log entries are considered conflicting if they have the same
// index but different terms.
func (e *LogEntry) IsConflict(other *LogEntry) bool {
	return e.Index == other.Index && e.Term != other.Term
}

// Log represents the component of the replica responsible for storing and
// retrieving log entries. Implementations need not be concurrent safe: the
// log is only ever mutated from the replica's apply goroutine.
type Log interface {
	// Open prepares the log for reads and writes.
	Open() error

	// Replay loads any previously persisted entries into memory.
	Replay() error

	// Close releases the resources associated with the log.
	Close() error

	// GetEntry returns the log entry located at the specified index.
	GetEntry(index uint64) (*LogEntry, error)

	// AppendEntry appends a log entry to the log.
	AppendEntry(entry *LogEntry) error

	// AppendEntries appends multiple log entries to the log.
	AppendEntries(entries []*LogEntry) error

	// Truncate deletes all log entries with index greater than
	// or equal to the provided index.
	Truncate(index uint64) error

	// Contains checks if the log contains an entry at the specified index.
	Contains(index uint64) bool

	// LastIndex returns the largest index that exists in the log and zero
	// if the log is empty.
	LastIndex() uint64

	// LastTerm returns the largest term in the log and zero if the log
	// is empty.
	LastTerm() uint64

	// NextIndex returns the next index to append to the log.
	NextIndex() uint64

	// Size returns the number of entries in the log.
	Size() int
}

// CompactableLog is a Log whose prefix can be discarded once it has been
// captured by a snapshot. The base entry becomes the new first entry of the
// log and is expected to be a SnapshotEntry at the compaction index.
type CompactableLog interface {
	Log

	// Compact deletes all log entries with index less than or equal to the
	// index of the provided base entry, which replaces them.
	Compact(base *LogEntry) error
}

// memoryLog implements the CompactableLog interface without persistence.
// Intended for volatile deployments and tests.
type memoryLog struct {
	// The in-memory entries of the log. The first entry is a placeholder
	// used for indexing into the log.
	entries []*LogEntry

	open bool
}

// NewMemoryLog creates a new volatile log.
func NewMemoryLog() CompactableLog {
	return &memoryLog{}
}

func (l *memoryLog) Open() error {
	l.entries = []*LogEntry{{}}
	l.open = true
	return nil
}

func (l *memoryLog) Replay() error {
	if !l.open {
		return errLogNotOpen
	}
	return nil
}

func (l *memoryLog) Close() error {
	l.entries = nil
	l.open = false
	return nil
}

func (l *memoryLog) GetEntry(index uint64) (*LogEntry, error) {
	if !l.open {
		return nil, errLogNotOpen
	}
	logIndex := index - l.entries[0].Index
	if logIndex <= 0 || logIndex >= uint64(len(l.entries)) {
		return nil, errIndexDoesNotExist
	}
	return l.entries[logIndex], nil
}

func (l *memoryLog) Contains(index uint64) bool {
	logIndex := index - l.entries[0].Index
	return !(logIndex <= 0 || logIndex >= uint64(len(l.entries)))
}

func (l *memoryLog) AppendEntry(entry *LogEntry) error {
	return l.AppendEntries([]*LogEntry{entry})
}

func (l *memoryLog) AppendEntries(entries []*LogEntry) error {
	if !l.open {
		return errLogNotOpen
	}
	l.entries = append(l.entries, entries...)
	return nil
}

func (l *memoryLog) Truncate(index uint64) error {
	if !l.open {
		return errLogNotOpen
	}
	logIndex := index - l.entries[0].Index
	if logIndex <= 0 || logIndex >= uint64(len(l.entries)) {
		return errIndexDoesNotExist
	}
	l.entries = l.entries[:logIndex]
	return nil
}

func (l *memoryLog) Compact(base *LogEntry) error {
	if !l.open {
		return errLogNotOpen
	}
	logIndex := base.Index - l.entries[0].Index
	if logIndex <= 0 || logIndex >= uint64(len(l.entries)) {
		return errIndexDoesNotExist
	}
	newEntries := make([]*LogEntry, uint64(len(l.entries))-logIndex)
	copy(newEntries[1:], l.entries[logIndex+1:])
	newEntries[0] = base
	l.entries = newEntries
	return nil
}

func (l *memoryLog) LastTerm() uint64 {
	return l.entries[len(l.entries)-1].Term
}

func (l *memoryLog) LastIndex() uint64 {
	return l.entries[len(l.entries)-1].Index
}

func (l *memoryLog) NextIndex() uint64 {
	return l.entries[len(l.entries)-1].Index + 1
}

func (l *memoryLog) Size() int {
	return len(l.entries) - 1
}
