package kv

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
)

type pebbleBackend struct {
	cfg  *Config
	db   *pebble.DB
	open atomic.Bool
}

func newPebbleBackend(cfg *Config) (Backend, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("kv: pebble backend requires a path")
	}
	return &pebbleBackend{cfg: cfg}, nil
}

func (p *pebbleBackend) Name() string {
	return fmt.Sprintf("pebble(%s)", p.cfg.Path)
}

func (p *pebbleBackend) Open(createIfMissing bool) error {
	if !p.open.CompareAndSwap(false, true) {
		return fmt.Errorf("kv: backend already open")
	}
	if createIfMissing {
		if err := os.MkdirAll(p.cfg.Path, 0o755); err != nil {
			p.open.Store(false)
			return fmt.Errorf("kv: create dir: %w", err)
		}
	}
	opts := &pebble.Options{}
	if p.cfg.CacheSizeMB > 0 {
		cache := pebble.NewCache(int64(p.cfg.CacheSizeMB) << 20)
		defer cache.Unref()
		opts.Cache = cache
	}
	db, err := pebble.Open(p.cfg.Path, opts)
	if err != nil {
		p.open.Store(false)
		return fmt.Errorf("kv: open pebble: %w", err)
	}
	p.db = db
	return nil
}

func (p *pebbleBackend) Close() error {
	if !p.open.CompareAndSwap(true, false) {
		return nil
	}
	return p.db.Close()
}

func (p *pebbleBackend) Get(key []byte) ([]byte, bool, error) {
	value, closer, err := p.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv: get: %w", err)
	}
	out := make([]byte, len(value))
	copy(out, value)
	if cerr := closer.Close(); cerr != nil {
		return nil, false, fmt.Errorf("kv: get close: %w", cerr)
	}
	return out, true, nil
}

func (p *pebbleBackend) Put(key, value []byte) error {
	if err := p.db.Set(key, value, pebble.Sync); err != nil {
		return fmt.Errorf("kv: put: %w", err)
	}
	return nil
}

func (p *pebbleBackend) Delete(key []byte) error {
	if err := p.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("kv: delete: %w", err)
	}
	return nil
}

func (p *pebbleBackend) Scan(prefix []byte, visit func(key, value []byte) error) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return fmt.Errorf("kv: iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		value := append([]byte(nil), iter.Value()...)
		if err := visit(key, value); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("kv: scan: %w", err)
	}
	return nil
}
