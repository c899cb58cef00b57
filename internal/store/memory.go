package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/oberonpay/gatewayd/internal/core/clock"
)

// MemoryStore is an in-process Store for tests and single-node runs.
//
// Scripts are emulated through their registered native functions; every
// command, script bodies included, runs under one mutex, which gives the
// same atomicity Redis gives a script.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]entry
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
	scripts map[string]ScriptFunc
	clk     clock.Clock
	closed  bool

	// failErr, when set, makes every command fail. Used to exercise
	// fail-closed paths.
	failErr error
}

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore returns an empty store on the system clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreAt(clock.System{})
}

// NewMemoryStoreAt returns an empty store on the given clock.
func NewMemoryStoreAt(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		values:  make(map[string]entry),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
		scripts: make(map[string]ScriptFunc),
		clk:     clk,
	}
}

// FailWith makes every subsequent command return err; nil restores normal
// operation.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// RegisterScript installs the native emulation for a script source.
func (s *MemoryStore) RegisterScript(sc Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[sc.Src] = sc.Native
}

func (s *MemoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return fmt.Errorf("%w: store closed", ErrUnavailable)
	}
	if s.failErr != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, s.failErr)
	}
	return nil
}

// expired removes the key if its TTL has lapsed. Caller holds the lock.
func (s *MemoryStore) expired(key string) bool {
	e, ok := s.values[key]
	if !ok {
		return true
	}
	if !e.expiresAt.IsZero() && !s.clk.Now().Before(e.expiresAt) {
		delete(s.values, key)
		return true
	}
	return false
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return "", false, err
	}
	if s.expired(key) {
		return "", false, nil
	}
	return s.values[key].value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, opts SetOptions) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	if opts.NX && !s.expired(key) {
		return false, nil
	}
	s.setLocked(key, value, opts.TTL)
	return true, nil
}

func (s *MemoryStore) setLocked(key, value string, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.clk.Now().Add(ttl)
	}
	s.values[key] = e
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	var removed int64
	for _, key := range keys {
		if !s.expired(key) {
			delete(s.values, key)
			removed++
		}
		if _, ok := s.hashes[key]; ok {
			delete(s.hashes, key)
			removed++
		}
		if _, ok := s.zsets[key]; ok {
			delete(s.zsets, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	if !s.expired(key) {
		return true, nil
	}
	_, ok := s.hashes[key]
	if !ok {
		_, ok = s.zsets[key]
	}
	return ok, nil
}

func (s *MemoryStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	return s.incrLocked(key, n)
}

func (s *MemoryStore) incrLocked(key string, n int64) (int64, error) {
	var cur int64
	if !s.expired(key) {
		parsed, err := strconv.ParseInt(s.values[key].value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %s is not an integer", key)
		}
		cur = parsed
	}
	cur += n
	ttl := s.remainingTTL(key)
	s.setLocked(key, strconv.FormatInt(cur, 10), ttl)
	return cur, nil
}

func (s *MemoryStore) remainingTTL(key string) time.Duration {
	e, ok := s.values[key]
	if !ok || e.expiresAt.IsZero() {
		return 0
	}
	return e.expiresAt.Sub(s.clk.Now())
}

func (s *MemoryStore) IncrByFloat(ctx context.Context, key string, n float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	var cur float64
	if !s.expired(key) {
		parsed, err := strconv.ParseFloat(s.values[key].value, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %s is not a float", key)
		}
		cur = parsed
	}
	cur += n
	s.setLocked(key, strconv.FormatFloat(cur, 'f', -1, 64), s.remainingTTL(key))
	return cur, nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	if s.expired(key) {
		return false, nil
	}
	e := s.values[key]
	e.expiresAt = s.clk.Now().Add(ttl)
	s.values[key] = e
	return true, nil
}

func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (s *MemoryStore) HIncrBy(ctx context.Context, key, field string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	var cur int64
	if raw, ok := h[field]; ok {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("hash field %s.%s is not an integer", key, field)
		}
		cur = parsed
	}
	cur += n
	h[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (s *MemoryStore) ZPopMin(ctx context.Context, key string) (string, float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return "", 0, false, err
	}
	z := s.zsets[key]
	if len(z) == 0 {
		return "", 0, false, nil
	}
	var minMember string
	var minScore float64
	first := true
	for m, sc := range z {
		if first || sc < minScore || (sc == minScore && m < minMember) {
			minMember, minScore, first = m, sc, false
		}
	}
	delete(z, minMember)
	return minMember, minScore, true, nil
}

func (s *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	var removed int64
	for m, sc := range s.zsets[key] {
		if sc >= min && sc <= max {
			delete(s.zsets[key], m)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	return int64(len(s.zsets[key])), nil
}

func (s *MemoryStore) Eval(ctx context.Context, script string, numKeys int, keysAndArgs ...string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	fn, ok := s.scripts[script]
	if !ok {
		return nil, fmt.Errorf("eval: no native emulation registered for script")
	}
	if numKeys > len(keysAndArgs) {
		return nil, fmt.Errorf("eval: numKeys %d exceeds argument count %d", numKeys, len(keysAndArgs))
	}
	return fn(&memTx{s: s}, keysAndArgs[:numKeys], keysAndArgs[numKeys:])
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// memTx exposes the locked store to native script bodies. The caller of
// Eval already holds the mutex.
type memTx struct {
	s *MemoryStore
}

func (t *memTx) Get(key string) (string, bool) {
	if t.s.expired(key) {
		return "", false
	}
	return t.s.values[key].value, true
}

func (t *memTx) Set(key, value string, ttl time.Duration) {
	t.s.setLocked(key, value, ttl)
}

func (t *memTx) SetNX(key, value string, ttl time.Duration) bool {
	if !t.s.expired(key) {
		return false
	}
	t.s.setLocked(key, value, ttl)
	return true
}

func (t *memTx) Del(key string) bool {
	if t.s.expired(key) {
		return false
	}
	delete(t.s.values, key)
	return true
}

func (t *memTx) Exists(key string) bool {
	return !t.s.expired(key)
}

func (t *memTx) IncrBy(key string, n int64) int64 {
	v, err := t.s.incrLocked(key, n)
	if err != nil {
		// Scripts operate on keys they own; a non-integer value there is
		// state corruption.
		panic(fmt.Sprintf("store: script incr on non-integer key %s: %v", key, err))
	}
	return v
}

func (t *memTx) Expire(key string, ttl time.Duration) bool {
	if t.s.expired(key) {
		return false
	}
	e := t.s.values[key]
	e.expiresAt = t.s.clk.Now().Add(ttl)
	t.s.values[key] = e
	return true
}

func (t *memTx) HGet(key, field string) (string, bool) {
	v, ok := t.s.hashes[key][field]
	return v, ok
}

func (t *memTx) HSet(key, field, value string) {
	h, ok := t.s.hashes[key]
	if !ok {
		h = make(map[string]string)
		t.s.hashes[key] = h
	}
	h[field] = value
}

func (t *memTx) HIncrBy(key, field string, n int64) int64 {
	h, ok := t.s.hashes[key]
	if !ok {
		h = make(map[string]string)
		t.s.hashes[key] = h
	}
	var cur int64
	if raw, ok := h[field]; ok {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			panic(fmt.Sprintf("store: script hincrby on non-integer field %s.%s", key, field))
		}
		cur = parsed
	}
	cur += n
	h[field] = strconv.FormatInt(cur, 10)
	return cur
}

func (t *memTx) HLen(key string) int {
	return len(t.s.hashes[key])
}

func (t *memTx) Now() time.Time {
	return t.s.clk.Now()
}
