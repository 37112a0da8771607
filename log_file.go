package raft

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/rsmlabs/raftlock/internal/errors"
)

// fileLog implements the CompactableLog interface on a single append-only
// file. Not concurrent safe.
type fileLog struct {
	// The in-memory entries of the log. The first entry is a placeholder
	// used for indexing into the log.
	entries []*LogEntry

	// The file that the log is written to.
	file *os.File

	// The directory where the log is persisted to.
	path string
}

// NewFileLog creates a new file-backed log at the provided path.
func NewFileLog(path string) CompactableLog {
	return &fileLog{path: path}
}

func (l *fileLog) Open() error {
	fileName := filepath.Join(l.path, "log.bin")
	file, err := os.OpenFile(fileName, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return errors.WrapError(err, "failed to open log")
	}
	l.file = file
	l.entries = make([]*LogEntry, 0)
	return nil
}

func (l *fileLog) Replay() error {
	if l.file == nil {
		return errLogNotOpen
	}

	reader := bufio.NewReader(l.file)
	for {
		// The entry starts where the file position is, less what the
		// reader has buffered but not yet consumed.
		position, err := l.file.Seek(0, io.SeekCurrent)
		if err != nil {
			return errors.WrapError(err, "failed while replaying log")
		}
		offset := position - int64(reader.Buffered())
		entry, err := decodeLogEntry(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WrapError(err, "failed while replaying log")
		}
		entry.Offset = offset
		l.entries = append(l.entries, &entry)
	}

	// The log must always contain at least one entry.
	// The first entry is a placeholder entry used for indexing into the log.
	if len(l.entries) == 0 {
		entry := &LogEntry{}
		if err := encodeLogEntry(l.file, entry); err != nil {
			return errors.WrapError(err, "failed while replaying log")
		}
		if err := l.file.Sync(); err != nil {
			return errors.WrapError(err, "failed while replaying log")
		}
		l.entries = append(l.entries, entry)
	}

	return nil
}

func (l *fileLog) Close() error {
	if l.file == nil {
		return nil
	}
	if err := l.file.Close(); err != nil {
		return errors.WrapError(err, "failed to close log")
	}
	l.entries = nil
	l.file = nil
	return nil
}

func (l *fileLog) GetEntry(index uint64) (*LogEntry, error) {
	if l.file == nil {
		return nil, errLogNotOpen
	}

	logIndex := index - l.entries[0].Index
	if logIndex <= 0 || logIndex >= uint64(len(l.entries)) {
		return nil, errIndexDoesNotExist
	}

	return l.entries[logIndex], nil
}

func (l *fileLog) Contains(index uint64) bool {
	logIndex := index - l.entries[0].Index
	return !(logIndex <= 0 || logIndex >= uint64(len(l.entries)))
}

func (l *fileLog) AppendEntry(entry *LogEntry) error {
	return l.AppendEntries([]*LogEntry{entry})
}

func (l *fileLog) AppendEntries(entries []*LogEntry) error {
	if l.file == nil {
		return errLogNotOpen
	}

	for _, entry := range entries {
		offset, err := l.file.Seek(0, io.SeekCurrent)
		if err != nil {
			return errors.WrapError(err, "failed while appending entries to log")
		}
		entry.Offset = offset
		if err := encodeLogEntry(l.file, entry); err != nil {
			return errors.WrapError(err, "failed while appending entries to log")
		}
	}

	if err := l.file.Sync(); err != nil {
		return errors.WrapError(err, "failed while appending entries to log")
	}

	l.entries = append(l.entries, entries...)

	return nil
}

func (l *fileLog) Truncate(index uint64) error {
	if l.file == nil {
		return errLogNotOpen
	}

	logIndex := index - l.entries[0].Index
	if logIndex <= 0 || logIndex >= uint64(len(l.entries)) {
		return errIndexDoesNotExist
	}

	// The offset of the entry at the provided index is the
	// new size of the file.
	size := l.entries[logIndex].Offset

	if err := l.file.Truncate(size); err != nil {
		return errors.WrapError(err, "failed to truncate log")
	}
	if err := l.file.Sync(); err != nil {
		return errors.WrapError(err, "failed to truncate log")
	}

	// Update the I/O offset to the new size.
	if _, err := l.file.Seek(size, io.SeekStart); err != nil {
		return errors.WrapError(err, "failed to truncate log")
	}

	l.entries = l.entries[:logIndex]

	return nil
}

func (l *fileLog) Compact(base *LogEntry) error {
	if l.file == nil {
		return errLogNotOpen
	}

	logIndex := base.Index - l.entries[0].Index
	if logIndex <= 0 || logIndex >= uint64(len(l.entries)) {
		return errIndexDoesNotExist
	}

	newEntries := make([]*LogEntry, uint64(len(l.entries))-logIndex)
	copy(newEntries[1:], l.entries[logIndex+1:])
	newEntries[0] = base

	// Create a temporary file to write the compacted log to.
	tmpFile, err := os.CreateTemp(l.path, "tmp-")
	if err != nil {
		return errors.WrapError(err, "failed to compact log")
	}

	// Write the entries contained in the compacted log to the
	// temporary file.
	for _, entry := range newEntries {
		offset, err := tmpFile.Seek(0, io.SeekCurrent)
		if err != nil {
			return errors.WrapError(err, "failed to compact log")
		}
		entry.Offset = offset
		if err := encodeLogEntry(tmpFile, entry); err != nil {
			return errors.WrapError(err, "failed to compact log")
		}
	}

	// Atomic rename.
	if err := l.rename(tmpFile); err != nil {
		return errors.WrapError(err, "failed to compact log")
	}

	l.entries = newEntries

	return nil
}

func (l *fileLog) LastTerm() uint64 {
	return l.entries[len(l.entries)-1].Term
}

func (l *fileLog) LastIndex() uint64 {
	return l.entries[len(l.entries)-1].Index
}

func (l *fileLog) NextIndex() uint64 {
	return l.entries[len(l.entries)-1].Index + 1
}

func (l *fileLog) Size() int {
	return len(l.entries) - 1
}

func (l *fileLog) rename(tmpFile *os.File) error {
	// Make sure all changes have been flushed to disk.
	if err := tmpFile.Sync(); err != nil {
		return err
	}

	// Close the files to prepare for the rename.
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return err
	}

	// Atomically rename the temporary file to the actual file.
	if err := os.Rename(tmpFile.Name(), l.file.Name()); err != nil {
		return err
	}

	// Open the log file and prepare it for new writes.
	fileName := filepath.Join(l.path, "log.bin")
	file, err := os.OpenFile(fileName, os.O_RDWR, 0o666)
	if err != nil {
		return err
	}
	l.file = file
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	return nil
}
