// Package journal keeps the messages a node delivered, in delivery order,
// for later inspection and cross-node order verification.
package journal

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ywci/tbc/internal/timestamp"
)

// Backend stores journal entries keyed by index.
type Backend interface {
	// Name returns the backend name.
	Name() string

	// Append stores e. Indexes are appended in increasing order.
	Append(e Entry) error

	// Iterate calls fn for every entry with Index >= from, in index order.
	// Iteration stops at the first error, which is returned.
	Iterate(from uint64, fn func(Entry) error) error

	// Last returns the highest stored index, or false if empty.
	Last() (uint64, bool, error)

	Close() error
}

// Config selects and locates a backend.
type Config struct {
	// Backend is the registered backend name: memory, pebble, leveldb,
	// sqlite or postgres.
	Backend string `mapstructure:"backend"`

	// Path is a directory for pebble and leveldb, a file for sqlite and a
	// connection string for postgres.
	Path string `mapstructure:"path"`
}

// DefaultConfig returns an in-memory journal.
func DefaultConfig() *Config {
	return &Config{Backend: "memory"}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !IsBackendAvailable(c.Backend) {
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
	if c.Backend != "memory" && c.Path == "" {
		return fmt.Errorf("%w: backend %s needs a path", ErrInvalidConfig, c.Backend)
	}
	return nil
}

// BackendFactory creates a backend from a configuration.
type BackendFactory func(cfg *Config) (Backend, error)

var (
	backendMu        sync.RWMutex
	backendFactories = make(map[string]BackendFactory)
)

// RegisterBackend registers a backend factory with the given name.
func RegisterBackend(name string, factory BackendFactory) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backendFactories[name] = factory
}

// IsBackendAvailable checks if a backend with the given name is registered.
func IsBackendAvailable(name string) bool {
	backendMu.RLock()
	_, ok := backendFactories[name]
	backendMu.RUnlock()
	return ok
}

// AvailableBackends returns the registered backend names, sorted.
func AvailableBackends() []string {
	backendMu.RLock()
	defer backendMu.RUnlock()

	names := make([]string, 0, len(backendFactories))
	for name := range backendFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OpenBackend creates the backend named by cfg.
func OpenBackend(cfg *Config) (Backend, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	backendMu.RLock()
	factory, ok := backendFactories[cfg.Backend]
	backendMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
	return factory(cfg)
}

func init() {
	RegisterBackend("memory", NewMemoryBackend)
	RegisterBackend("pebble", NewPebbleBackend)
	RegisterBackend("leveldb", NewLevelDBBackend)
	RegisterBackend("sqlite", NewSQLiteBackend)
	RegisterBackend("postgres", NewPostgresBackend)
}

// Journal assigns delivery indexes and appends delivered messages to a
// backend. It continues after the last stored index.
type Journal struct {
	mu      sync.Mutex
	backend Backend
	log     *zap.Logger
	next    uint64
	closed  bool
}

// Open opens the backend named by cfg and returns a journal on top of it.
func Open(cfg *Config, log *zap.Logger) (*Journal, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backend, err := OpenBackend(cfg)
	if err != nil {
		return nil, err
	}
	j, err := New(backend, log)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return j, nil
}

// New creates a journal on an opened backend.
func New(backend Backend, log *zap.Logger) (*Journal, error) {
	if log == nil {
		log = zap.NewNop()
	}
	last, ok, err := backend.Last()
	if err != nil {
		return nil, wrap("last", backend.Name(), err)
	}
	j := &Journal{backend: backend, log: log}
	if ok {
		j.next = last + 1
	}
	log.Debug("journal opened", zap.String("backend", backend.Name()), zap.Uint64("next", j.next))
	return j, nil
}

// Record appends a delivered message and returns its index.
func (j *Journal) Record(ts timestamp.Timestamp, payload []byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}
	e := Entry{Index: j.next, Timestamp: ts, Payload: payload}
	if err := j.backend.Append(e); err != nil {
		return 0, wrap("append", j.backend.Name(), err)
	}
	j.next++
	return e.Index, nil
}

// Len returns the number of indexes assigned so far.
func (j *Journal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.next
}

// Iterate calls fn for every entry from index from onward.
func (j *Journal) Iterate(from uint64, fn func(Entry) error) error {
	j.mu.Lock()
	closed := j.closed
	j.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return j.backend.Iterate(from, fn)
}

// Timestamps returns every recorded timestamp in delivery order.
func (j *Journal) Timestamps() ([]timestamp.Timestamp, error) {
	var out []timestamp.Timestamp
	err := j.Iterate(0, func(e Entry) error {
		out = append(out, e.Timestamp)
		return nil
	})
	return out, err
}

// Close closes the backend.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	return wrap("close", j.backend.Name(), j.backend.Close())
}
