package wal

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/oberonpay/gatewayd/internal/store"
)

const (
	lockKey  = "wal:writer:lock"
	fenceKey = "wal:writer:fence"

	// LockTTL is the writer lease. A writer that cannot revalidate within
	// the lease must stop appending.
	LockTTL = 30 * time.Second

	// HeartbeatInterval is how often the lease is revalidated in the serve
	// loop.
	HeartbeatInterval = 10 * time.Second
)

// acquireScript takes the writer lock if absent and bumps the fence
// counter in the same atomic step. Returns {acquired, fence_token}.
var acquireScript = store.Script{
	Src: `
local holder = redis.call('GET', KEYS[1])
if holder and holder ~= ARGV[1] then
  return {0, 0}
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', tonumber(ARGV[2]))
local fence = redis.call('INCR', KEYS[2])
return {1, fence}
`,
	Native: func(tx store.Tx, keys, args []string) (any, error) {
		holder, held := tx.Get(keys[0])
		if held && holder != args[0] {
			return []any{int64(0), int64(0)}, nil
		}
		ttlSec, _ := strconv.ParseInt(args[1], 10, 64)
		tx.Set(keys[0], args[0], time.Duration(ttlSec)*time.Second)
		fence := tx.IncrBy(keys[1], 1)
		return []any{int64(1), fence}, nil
	},
}

// validateScript confirms this instance still holds the lock and that the
// fence has not advanced past its token, refreshing the lease on success.
var validateScript = store.Script{
	Src: `
local holder = redis.call('GET', KEYS[1])
if holder ~= ARGV[1] then
  return 0
end
local fence = redis.call('GET', KEYS[2])
if fence ~= ARGV[2] then
  return 0
end
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[3]))
return 1
`,
	Native: func(tx store.Tx, keys, args []string) (any, error) {
		holder, held := tx.Get(keys[0])
		if !held || holder != args[0] {
			return int64(0), nil
		}
		fence, _ := tx.Get(keys[1])
		if fence != args[1] {
			return int64(0), nil
		}
		ttlSec, _ := strconv.ParseInt(args[2], 10, 64)
		tx.Expire(keys[0], time.Duration(ttlSec)*time.Second)
		return int64(1), nil
	},
}

// releaseScript drops the lock only if this instance still holds it
// (numkeys=1: the lock key; the single arg is the instance id).
var releaseScript = store.Script{
	Src: `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`,
	Native: func(tx store.Tx, keys, args []string) (any, error) {
		holder, held := tx.Get(keys[0])
		if held && holder == args[0] {
			tx.Del(keys[0])
			return int64(1), nil
		}
		return int64(0), nil
	},
}

// WriterLock is the distributed single-writer lease with a fencing token.
//
// The token is a monotonic integer bumped on every acquisition. A writer
// whose token no longer matches the store's fence counter has been
// superseded and must go offline; Validate returns stale on ANY store
// error, never fail-open.
type WriterLock struct {
	st         store.Store
	instanceID string
	log        *zap.Logger

	fence    int64
	acquired bool
}

// NewWriterLock builds a lock for this process instance.
func NewWriterLock(st store.Store, instanceID string, log *zap.Logger) *WriterLock {
	if log == nil {
		log = zap.NewNop()
	}
	return &WriterLock{st: st, instanceID: instanceID, log: log}
}

// Acquire takes the writer lease. Returns ErrLockHeld when another
// instance holds it.
func (l *WriterLock) Acquire(ctx context.Context) error {
	res, err := acquireScript.Run(ctx, l.st, 2, lockKey, fenceKey,
		l.instanceID, strconv.Itoa(int(LockTTL.Seconds())))
	if err != nil {
		return ErrLockLost
	}
	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return ErrLockLost
	}
	if asInt(vals[0]) != 1 {
		return ErrLockHeld
	}
	l.fence = asInt(vals[1])
	l.acquired = true
	l.log.Info("wal writer lock acquired",
		zap.String("instance", l.instanceID),
		zap.Int64("fence", l.fence))
	return nil
}

// Validate revalidates the lease and refreshes its TTL. Fail-closed: any
// ambiguity, store error included, reports the token stale.
func (l *WriterLock) Validate(ctx context.Context) error {
	if !l.acquired {
		return ErrLockLost
	}
	res, err := validateScript.Run(ctx, l.st, 2, lockKey, fenceKey,
		l.instanceID, strconv.FormatInt(l.fence, 10),
		strconv.Itoa(int(LockTTL.Seconds())))
	if err != nil {
		l.log.Warn("wal fence validation errored, treating as stale",
			zap.String("instance", l.instanceID), zap.Error(err))
		l.acquired = false
		return ErrLockLost
	}
	if asInt(res) != 1 {
		l.log.Warn("wal fence stale, writer superseded",
			zap.String("instance", l.instanceID),
			zap.Int64("fence", l.fence))
		l.acquired = false
		return ErrLockLost
	}
	return nil
}

// Release drops the lease if still held by this instance.
func (l *WriterLock) Release(ctx context.Context) error {
	if !l.acquired {
		return nil
	}
	l.acquired = false
	_, err := releaseScript.Run(ctx, l.st, 1, lockKey, l.instanceID)
	if err != nil {
		// The lease will lapse on its own; nothing to roll back.
		l.log.Warn("wal writer lock release failed", zap.Error(err))
		return err
	}
	return nil
}

// FenceToken returns the token from the last successful acquisition.
func (l *WriterLock) FenceToken() int64 {
	return l.fence
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}
