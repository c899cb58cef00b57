// Package store defines the shared-store command surface the billing core
// depends on, with a Redis implementation for production and an in-memory
// implementation for tests and single-node deployments.
//
// The surface is deliberately narrow: the commands listed here are the only
// network interface the core uses. Atomic multi-step operations (lock +
// fence acquisition, credit reserve, credit-note issuance) are expressed as
// scripts evaluated server-side through Eval.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps any transport-level failure talking to the shared
// store. Callers that must fail closed (the WAL fence validator) treat any
// error as fatal; others may retry.
var ErrUnavailable = errors.New("shared store unavailable")

// SetOptions mirrors the SET command options the core uses.
type SetOptions struct {
	// NX makes the set conditional on the key being absent.
	NX bool
	// TTL expires the key after the duration; zero means no expiry.
	TTL time.Duration
}

// Store is the shared-store command surface.
//
// All methods honor ctx cancellation. String is the universal value type;
// numeric commands parse stored values as integers or floats the way Redis
// does.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, opts SetOptions) (ok bool, err error)
	Del(ctx context.Context, keys ...string) (removed int64, err error)
	Exists(ctx context.Context, key string) (bool, error)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	IncrByFloat(ctx context.Context, key string, n float64) (float64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, n int64) (int64, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZPopMin(ctx context.Context, key string) (member string, score float64, ok bool, err error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// Eval evaluates a script with the flat-argument convention: numKeys
	// first, then keys, then args.
	Eval(ctx context.Context, script string, numKeys int, keysAndArgs ...string) (any, error)

	Close() error
}

// Script pairs a Lua source with a native emulation. The Redis store sends
// the source; the memory store runs the native function under its lock so
// the script body stays atomic either way.
type Script struct {
	Src    string
	Native ScriptFunc
}

// ScriptFunc is the native form of a script body. tx is a single-threaded
// view of the store; the implementation guarantees no interleaving for the
// duration of the call.
type ScriptFunc func(tx Tx, keys, args []string) (any, error)

// Tx is the synchronous store view available to native script emulations.
type Tx interface {
	Get(key string) (string, bool)
	Set(key, value string, ttl time.Duration)
	SetNX(key, value string, ttl time.Duration) bool
	Del(key string) bool
	Exists(key string) bool
	IncrBy(key string, n int64) int64
	Expire(key string, ttl time.Duration) bool

	HGet(key, field string) (string, bool)
	HSet(key, field, value string)
	HIncrBy(key, field string, n int64) int64
	HLen(key string) int

	Now() time.Time
}

// scriptRegistrar is implemented by stores that emulate Eval natively.
type scriptRegistrar interface {
	RegisterScript(Script)
}

// Run evaluates the script against st, registering the native emulation
// first when st supports it.
func (s Script) Run(ctx context.Context, st Store, numKeys int, keysAndArgs ...string) (any, error) {
	if r, ok := st.(scriptRegistrar); ok {
		r.RegisterScript(s)
	}
	return st.Eval(ctx, s.Src, numKeys, keysAndArgs...)
}
