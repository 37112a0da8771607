package raft

import (
	"github.com/rsmlabs/raftlock/internal/errors"
)

const (
	minMaxLogSize     = 16
	maxMaxLogSize     = 1 << 20
	defaultMaxLogSize = 1024
)

// Logger supports logging messages at the debug, info, warn, error, and fatal level.
type Logger interface {
	// Debug logs a message at debug level.
	Debug(args ...interface{})

	// Debugf logs a formatted message at debug level.
	Debugf(format string, args ...interface{})

	// Info logs a message at info level.
	Info(args ...interface{})

	// Infof logs a formatted message at info level.
	Infof(format string, args ...interface{})

	// Warn logs a message at warn level.
	Warn(args ...interface{})

	// Warnf logs a formatted message at warn level.
	Warnf(format string, args ...interface{})

	// Error logs a message at error level.
	Error(args ...interface{})

	// Errorf logs a formatted message at error level.
	Errorf(format string, args ...interface{})

	// Fatal logs a message at fatal level.
	Fatal(args ...interface{})

	// Fatalf logs a formatted message at fatal level.
	Fatalf(format string, args ...interface{})
}

type options struct {
	// A logger for debugging and important events.
	logger Logger

	// The log implementation the replica stores entries in.
	log Log

	// The transport used to exchange RPCs with peers.
	transport Transport

	// The durability of the configuration record.
	storageLevel StorageLevel

	// The number of log entries beyond which the log is compacted.
	maxLogSize int

	// Additional replicated services keyed by their stable name.
	services map[string]ServiceFactory

	// Whether metrics collection is disabled.
	metricsDisabled bool
}

// Option is a function that updates the options associated with a replica.
type Option func(options *options) error

// WithLogger sets the logger used by the replica.
func WithLogger(logger Logger) Option {
	return func(options *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		options.logger = logger
		return nil
	}
}

// WithLog sets the log implementation used by the replica.
func WithLog(log Log) Option {
	return func(options *options) error {
		if log == nil {
			return errors.New("log must not be nil")
		}
		options.log = log
		return nil
	}
}

// WithTransport sets the transport used by the replica.
func WithTransport(transport Transport) Option {
	return func(options *options) error {
		if transport == nil {
			return errors.New("transport must not be nil")
		}
		options.transport = transport
		return nil
	}
}

// WithStorageLevel sets the durability of the configuration record. The
// term and vote metadata is disk-backed regardless of the level.
func WithStorageLevel(level StorageLevel) Option {
	return func(options *options) error {
		if level != DiskStorage && level != MemoryStorage {
			return errors.New("storage level is invalid")
		}
		options.storageLevel = level
		return nil
	}
}

// WithMaxLogSize sets the number of log entries beyond which the log is
// compacted into a snapshot entry.
func WithMaxLogSize(maxLogSize int) Option {
	return func(options *options) error {
		if maxLogSize < minMaxLogSize || maxLogSize > maxMaxLogSize {
			return errors.New("maximum log size value is invalid")
		}
		options.maxLogSize = maxLogSize
		return nil
	}
}

// WithService registers an additional replicated service under the
// provided stable name.
func WithService(name string, factory ServiceFactory) Option {
	return func(options *options) error {
		if name == "" || factory == nil {
			return errors.New("service name and factory must not be empty")
		}
		if options.services == nil {
			options.services = make(map[string]ServiceFactory)
		}
		options.services[name] = factory
		return nil
	}
}

// WithoutMetrics disables metrics collection.
func WithoutMetrics() Option {
	return func(options *options) error {
		options.metricsDisabled = true
		return nil
	}
}
