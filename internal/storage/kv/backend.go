// Package kv provides the pluggable key-value store used for marketplace
// and billing snapshots: a backend registry with pebble, goleveldb, and
// in-memory implementations, and a msgpack-encoded snapshot layer on top.
package kv

import (
	"fmt"
	"sync"
)

// Backend is the minimal key-value surface the snapshot layer needs.
type Backend interface {
	// Name identifies the backend and its location.
	Name() string

	// Open readies the backend. createIfMissing creates the on-disk
	// directory when absent.
	Open(createIfMissing bool) error

	Close() error

	Get(key []byte) (value []byte, found bool, err error)
	Put(key, value []byte) error
	Delete(key []byte) error

	// Scan visits every key with the prefix in lexicographic order.
	Scan(prefix []byte, visit func(key, value []byte) error) error
}

// Config holds backend settings.
type Config struct {
	// Path is the data directory. Ignored by the memory backend.
	Path string

	// CacheSizeMB sizes the block cache where the backend has one.
	CacheSizeMB int
}

// Factory builds a backend instance.
type Factory func(cfg *Config) (Backend, error)

var (
	backendMu sync.RWMutex
	factories = make(map[string]Factory)
)

// Register adds a backend factory under name.
func Register(name string, factory Factory) {
	backendMu.Lock()
	defer backendMu.Unlock()
	factories[name] = factory
}

// Create instantiates the named backend.
func Create(name string, cfg *Config) (Backend, error) {
	backendMu.RLock()
	factory, ok := factories[name]
	backendMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("kv: unknown backend %q (available: %v)", name, Available())
	}
	return factory(cfg)
}

// Available lists the registered backend names.
func Available() []string {
	backendMu.RLock()
	defer backendMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}

func init() {
	Register("pebble", newPebbleBackend)
	Register("leveldb", newLevelDBBackend)
	Register("memory", newMemoryBackend)
}

// prefixEnd returns the smallest key greater than every key with prefix,
// or nil when the prefix is all 0xff.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
