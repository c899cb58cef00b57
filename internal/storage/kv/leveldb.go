package kv

import (
	"fmt"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type levelDBBackend struct {
	cfg  *Config
	db   *leveldb.DB
	open atomic.Bool
}

func newLevelDBBackend(cfg *Config) (Backend, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("kv: leveldb backend requires a path")
	}
	return &levelDBBackend{cfg: cfg}, nil
}

func (l *levelDBBackend) Name() string {
	return fmt.Sprintf("leveldb(%s)", l.cfg.Path)
}

func (l *levelDBBackend) Open(createIfMissing bool) error {
	if !l.open.CompareAndSwap(false, true) {
		return fmt.Errorf("kv: backend already open")
	}
	opts := &opt.Options{ErrorIfMissing: !createIfMissing}
	if l.cfg.CacheSizeMB > 0 {
		opts.BlockCacheCapacity = l.cfg.CacheSizeMB << 20
	}
	db, err := leveldb.OpenFile(l.cfg.Path, opts)
	if err != nil {
		l.open.Store(false)
		return fmt.Errorf("kv: open leveldb: %w", err)
	}
	l.db = db
	return nil
}

func (l *levelDBBackend) Close() error {
	if !l.open.CompareAndSwap(true, false) {
		return nil
	}
	return l.db.Close()
}

func (l *levelDBBackend) Get(key []byte) ([]byte, bool, error) {
	value, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv: get: %w", err)
	}
	return value, true, nil
}

func (l *levelDBBackend) Put(key, value []byte) error {
	if err := l.db.Put(key, value, nil); err != nil {
		return fmt.Errorf("kv: put: %w", err)
	}
	return nil
}

func (l *levelDBBackend) Delete(key []byte) error {
	if err := l.db.Delete(key, nil); err != nil {
		return fmt.Errorf("kv: delete: %w", err)
	}
	return nil
}

func (l *levelDBBackend) Scan(prefix []byte, visit func(key, value []byte) error) error {
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	for iter.Next() {
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
