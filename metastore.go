package raft

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/rsmlabs/raftlock/internal/errors"
)

// StorageLevel controls the durability of the configuration record. The term
// and vote metadata region is always disk-backed: losing either breaks the
// vote uniqueness guarantee.
type StorageLevel uint32

const (
	// DiskStorage persists both the metadata and configuration regions.
	DiskStorage StorageLevel = iota

	// MemoryStorage keeps the configuration record in memory only.
	MemoryStorage
)

// metaRegionSize is the guaranteed size of the metadata region:
// a little-endian uint64 term followed by a uint32 vote length.
const metaRegionSize = 12

// MetaStore is the durable single-replica record of the current term, the
// last vote, and the latest cluster configuration. Writes are flushed before
// returning: a vote or term response must never be sent before the state it
// depends on has reached disk. Not concurrent safe; all access happens on
// the replica's apply goroutine.
type MetaStore struct {
	// The directory where the records are persisted.
	path string

	// The record name. Files are <name>.meta and <name>.conf.
	name string

	level StorageLevel

	metaFile *os.File
	confFile *os.File

	term          uint64
	vote          string
	configuration *Configuration
}

// NewMetaStore opens the metadata record at the provided path, creating it
// if it does not exist, and loads any previously persisted state.
func NewMetaStore(path string, name string, level StorageLevel) (*MetaStore, error) {
	m := &MetaStore{path: path, name: name, level: level}

	metaName := filepath.Join(path, name+".meta")
	metaFile, err := os.OpenFile(metaName, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, errors.WrapError(err, "failed to open metadata file")
	}
	m.metaFile = metaFile
	if err := m.replayMeta(); err != nil {
		return nil, err
	}

	if level == MemoryStorage {
		return m, nil
	}

	confName := filepath.Join(path, name+".conf")
	confFile, err := os.OpenFile(confName, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, errors.WrapError(err, "failed to open configuration file")
	}
	m.confFile = confFile
	if err := m.replayConfiguration(); err != nil {
		return nil, err
	}

	return m, nil
}

// Close releases the files associated with the store.
func (m *MetaStore) Close() error {
	if m.metaFile != nil {
		if err := m.metaFile.Close(); err != nil {
			return errors.WrapError(err, "failed to close metadata file")
		}
		m.metaFile = nil
	}
	if m.confFile != nil {
		if err := m.confFile.Close(); err != nil {
			return errors.WrapError(err, "failed to close configuration file")
		}
		m.confFile = nil
	}
	return nil
}

// StoreTerm overwrites the term slot and flushes.
func (m *MetaStore) StoreTerm(term uint64) error {
	m.term = term
	return m.writeMeta()
}

// LoadTerm returns the current term, zero if unwritten.
func (m *MetaStore) LoadTerm() uint64 {
	return m.term
}

// StoreVote overwrites the vote slot and flushes. An empty string clears
// the vote.
func (m *MetaStore) StoreVote(vote string) error {
	m.vote = vote
	return m.writeMeta()
}

// LoadVote returns the recorded vote, empty if absent.
func (m *MetaStore) LoadVote() string {
	return m.vote
}

// StoreConfiguration overwrites the configuration record and, unless the
// store is memory-level, flushes it to disk.
func (m *MetaStore) StoreConfiguration(configuration *Configuration) error {
	m.configuration = configuration.Clone()
	if m.confFile == nil {
		return nil
	}

	data := marshalConfiguration(configuration)
	buf := make([]byte, 5+len(data))
	buf[0] = 1
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(data)))
	copy(buf[5:], data)

	if _, err := m.confFile.WriteAt(buf, 0); err != nil {
		return errors.WrapError(err, "failed to write configuration record")
	}
	if err := m.confFile.Truncate(int64(len(buf))); err != nil {
		return errors.WrapError(err, "failed to write configuration record")
	}
	if err := m.confFile.Sync(); err != nil {
		return errors.WrapError(err, "failed to flush configuration record")
	}

	return nil
}

// LoadConfiguration returns the most recently stored configuration, nil if
// none has been stored.
func (m *MetaStore) LoadConfiguration() *Configuration {
	if m.configuration == nil {
		return nil
	}
	return m.configuration.Clone()
}

func (m *MetaStore) writeMeta() error {
	buf := make([]byte, metaRegionSize+len(m.vote))
	binary.LittleEndian.PutUint64(buf[0:8], m.term)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(m.vote)))
	copy(buf[metaRegionSize:], m.vote)

	if _, err := m.metaFile.WriteAt(buf, 0); err != nil {
		return errors.WrapError(err, "failed to write metadata record")
	}
	if err := m.metaFile.Truncate(int64(len(buf))); err != nil {
		return errors.WrapError(err, "failed to write metadata record")
	}
	if err := m.metaFile.Sync(); err != nil {
		return errors.WrapError(err, "failed to flush metadata record")
	}

	return nil
}

func (m *MetaStore) replayMeta() error {
	header := make([]byte, metaRegionSize)
	n, err := m.metaFile.ReadAt(header, 0)
	if err == io.EOF && n == 0 {
		// Fresh record: establish the guaranteed 12-byte region.
		return m.writeMeta()
	}
	if err != nil && err != io.EOF {
		return errors.WrapError(err, "failed to read metadata record")
	}
	if n < metaRegionSize {
		return errors.New("metadata record is corrupt")
	}

	m.term = binary.LittleEndian.Uint64(header[0:8])
	voteLen := binary.LittleEndian.Uint32(header[8:12])
	if voteLen == 0 {
		m.vote = ""
		return nil
	}

	vote := make([]byte, voteLen)
	if _, err := m.metaFile.ReadAt(vote, metaRegionSize); err != nil {
		return errors.WrapError(err, "failed to read metadata record")
	}
	m.vote = string(vote)

	return nil
}

func (m *MetaStore) replayConfiguration() error {
	presence := make([]byte, 1)
	n, err := m.confFile.ReadAt(presence, 0)
	if (err == io.EOF && n == 0) || (err == nil && presence[0] == 0) {
		return nil
	}
	if err != nil {
		return errors.WrapError(err, "failed to read configuration record")
	}

	header := make([]byte, 4)
	if _, err := m.confFile.ReadAt(header, 1); err != nil {
		return errors.WrapError(err, "failed to read configuration record")
	}
	length := binary.LittleEndian.Uint32(header)

	data := make([]byte, length)
	if _, err := m.confFile.ReadAt(data, 5); err != nil {
		return errors.WrapError(err, "failed to read configuration record")
	}

	configuration, err := unmarshalConfiguration(data)
	if err != nil {
		return errors.WrapError(err, "failed to decode configuration record")
	}
	m.configuration = configuration

	return nil
}
