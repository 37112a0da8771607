package raft

import (
	"encoding/binary"
	"io"

	"github.com/rsmlabs/raftlock/internal/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Log entries, configurations, and service backups are encoded in protobuf
// wire format. The messages are small and closed, so the fields are written
// with protowire directly rather than through generated code. Entries stored
// in a file are framed with a big-endian int32 size prefix.

var errMalformedEntry = errors.New("malformed encoding")

const (
	entryIndexField         = 1
	entryTermField          = 2
	entryTypeField          = 3
	entryCommandField       = 4
	entryConfigurationField = 5
	entryDataField          = 6
)

const (
	commandSessionField   = 1
	commandTimestampField = 2
	commandServiceField   = 3
	commandOperationField = 4
	commandArgsField      = 5
)

const (
	configurationLocalField  = 1
	configurationMemberField = 2
)

func marshalCommand(c *Command) []byte {
	var b []byte
	b = protowire.AppendTag(b, commandSessionField, protowire.VarintType)
	b = protowire.AppendVarint(b, c.Session)
	b = protowire.AppendTag(b, commandTimestampField, protowire.VarintType)
	b = protowire.AppendVarint(b, c.Timestamp)
	b = protowire.AppendTag(b, commandServiceField, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(c.Service))
	b = protowire.AppendTag(b, commandOperationField, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(c.Operation))
	b = protowire.AppendTag(b, commandArgsField, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Args)
	return b
}

func unmarshalCommand(b []byte) (*Command, error) {
	command := &Command{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errMalformedEntry
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errMalformedEntry
			}
			b = b[n:]
			switch num {
			case commandSessionField:
				command.Session = v
			case commandTimestampField:
				command.Timestamp = v
			}
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errMalformedEntry
			}
			b = b[n:]
			switch num {
			case commandServiceField:
				command.Service = string(v)
			case commandOperationField:
				command.Operation = string(v)
			case commandArgsField:
				command.Args = append([]byte(nil), v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errMalformedEntry
			}
			b = b[n:]
		}
	}
	return command, nil
}

func marshalConfiguration(c *Configuration) []byte {
	var b []byte
	b = protowire.AppendTag(b, configurationLocalField, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(c.Local))
	for _, member := range c.Members {
		b = protowire.AppendTag(b, configurationMemberField, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(member))
	}
	return b
}

func unmarshalConfiguration(b []byte) (*Configuration, error) {
	configuration := &Configuration{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errMalformedEntry
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errMalformedEntry
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, errMalformedEntry
		}
		b = b[n:]
		switch num {
		case configurationLocalField:
			configuration.Local = string(v)
		case configurationMemberField:
			configuration.Members = append(configuration.Members, string(v))
		}
	}
	return configuration, nil
}

func marshalLogEntry(e *LogEntry) []byte {
	var b []byte
	b = protowire.AppendTag(b, entryIndexField, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Index)
	b = protowire.AppendTag(b, entryTermField, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Term)
	b = protowire.AppendTag(b, entryTypeField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.EntryType))
	if e.Command != nil {
		b = protowire.AppendTag(b, entryCommandField, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalCommand(e.Command))
	}
	if e.Configuration != nil {
		b = protowire.AppendTag(b, entryConfigurationField, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalConfiguration(e.Configuration))
	}
	if e.Data != nil {
		b = protowire.AppendTag(b, entryDataField, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Data)
	}
	return b
}

func unmarshalLogEntry(b []byte) (*LogEntry, error) {
	entry := &LogEntry{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errMalformedEntry
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errMalformedEntry
			}
			b = b[n:]
			switch num {
			case entryIndexField:
				entry.Index = v
			case entryTermField:
				entry.Term = v
			case entryTypeField:
				entry.EntryType = LogEntryType(v)
			}
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errMalformedEntry
			}
			b = b[n:]
			switch num {
			case entryCommandField:
				command, err := unmarshalCommand(v)
				if err != nil {
					return nil, err
				}
				entry.Command = command
			case entryConfigurationField:
				configuration, err := unmarshalConfiguration(v)
				if err != nil {
					return nil, err
				}
				entry.Configuration = configuration
			case entryDataField:
				entry.Data = append([]byte(nil), v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errMalformedEntry
			}
			b = b[n:]
		}
	}
	return entry, nil
}

// encodeLogEntry writes a size-prefixed log entry to the provided writer.
func encodeLogEntry(w io.Writer, entry *LogEntry) error {
	buf := marshalLogEntry(entry)
	size := int32(len(buf))
	if err := binary.Write(w, binary.BigEndian, size); err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return nil
}

// decodeLogEntry reads a size-prefixed log entry from the provided reader.
func decodeLogEntry(r io.Reader) (LogEntry, error) {
	var size int32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return LogEntry{}, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return LogEntry{}, err
	}
	entry, err := unmarshalLogEntry(buf)
	if err != nil {
		return LogEntry{}, err
	}
	return *entry, nil
}
