package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oberonpay/gatewayd/internal/core/clock"
)

func TestMemoryStoreSetNX(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.Set(ctx, "k", "a", SetOptions{NX: true})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Set(ctx, "k", "b", SetOptions{NX: true})
	require.NoError(t, err)
	assert.False(t, ok, "second NX set must lose")

	v, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", v)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewMemoryStoreAt(clk)

	_, err := s.Set(ctx, "lease", "holder", SetOptions{TTL: 30 * time.Second})
	require.NoError(t, err)

	exists, err := s.Exists(ctx, "lease")
	require.NoError(t, err)
	assert.True(t, exists)

	clk.Advance(31 * time.Second)

	exists, err = s.Exists(ctx, "lease")
	require.NoError(t, err)
	assert.False(t, exists, "lease must lapse after TTL")
}

func TestMemoryStoreIncrByKeepsTTL(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewMemoryStoreAt(clk)

	_, err := s.Set(ctx, "n", "10", SetOptions{TTL: time.Minute})
	require.NoError(t, err)

	v, err := s.IncrBy(ctx, "n", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(15), v)

	clk.Advance(61 * time.Second)
	_, found, err := s.Get(ctx, "n")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStoreZSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.ZAdd(ctx, "z", 3, "c"))
	require.NoError(t, s.ZAdd(ctx, "z", 1, "a"))
	require.NoError(t, s.ZAdd(ctx, "z", 2, "b"))

	n, err := s.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	member, score, ok, err := s.ZPopMin(ctx, "z")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", member)
	assert.Equal(t, 1.0, score)

	removed, err := s.ZRemRangeByScore(ctx, "z", 0, 2.5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestMemoryStoreEvalRunsNativeScriptAtomically(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	sc := Script{
		Src: "bump-and-read",
		Native: func(tx Tx, keys, args []string) (any, error) {
			v := tx.IncrBy(keys[0], 1)
			return v, nil
		},
	}

	v, err := sc.Run(ctx, s, 1, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = sc.Run(ctx, s, 1, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestMemoryStoreEvalUnknownScript(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Eval(ctx, "never registered", 0)
	assert.Error(t, err)
}

func TestMemoryStoreFailWith(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.FailWith(errors.New("connection reset"))

	_, _, err := s.Get(ctx, "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)

	s.FailWith(nil)
	_, _, err = s.Get(ctx, "k")
	assert.NoError(t, err)
}
