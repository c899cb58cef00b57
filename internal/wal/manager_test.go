package wal

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/oberonpay/gatewayd/internal/store"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := Open(context.Background(), DefaultConfig(t.TempDir()), zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func appendN(t *testing.T, m *Manager, n int) []uint64 {
	t.Helper()
	seqs := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		seq, err := m.Append(context.Background(), "billing_reserve", "", "entry", "corr",
			map[string]any{"i": i})
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	return seqs
}

func TestAppendAssignsMonotonicSequences(t *testing.T) {
	m := newTestManager(t)

	seqs := appendN(t, m, 50)
	require.NoError(t, m.Rotate())
	seqs = append(seqs, appendN(t, m, 50)...)

	for i := 1; i < len(seqs); i++ {
		assert.Less(t, seqs[i-1], seqs[i], "sequences must be strictly ascending across rotation")
	}

	entries, err := m.EntriesSince(0)
	require.NoError(t, err)
	require.Len(t, entries, 100)
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].Sequence, entries[i].Sequence)
	}
}

func TestSequenceRecoveryAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m, err := Open(ctx, DefaultConfig(dir), zaptest.NewLogger(t))
	require.NoError(t, err)
	appendN(t, m, 10)
	require.NoError(t, m.Close(ctx))

	m2, err := Open(ctx, DefaultConfig(dir), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer m2.Close(ctx)

	seq, err := m2.Append(ctx, "billing_commit", "", "e", "c", map[string]any{"after": "restart"})
	require.NoError(t, err)
	assert.Equal(t, uint64(11), seq, "sequence continues from recovered maximum")
}

func TestReplayFromSequence(t *testing.T) {
	m := newTestManager(t)
	appendN(t, m, 10)

	entries, err := m.EntriesSince(7)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(8), entries[0].Sequence)
}

func TestReplayDiscardsTornFinalLine(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m, err := Open(ctx, DefaultConfig(dir), zaptest.NewLogger(t))
	require.NoError(t, err)
	appendN(t, m, 3)
	active := m.ActiveSegmentID()
	require.NoError(t, m.Close(ctx))

	// Simulate a crash mid-append: an incomplete JSON object with no
	// newline at the end of the segment.
	path := filepath.Join(dir, active+segmentExt)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"event_id":"torn","stream":"bill`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m2, err := Open(ctx, DefaultConfig(dir), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer m2.Close(ctx)

	entries, err := m2.EntriesSince(0)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "torn line is dropped, prior entries survive")
}

func TestReplaySkipsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m, err := Open(ctx, DefaultConfig(dir), zaptest.NewLogger(t))
	require.NoError(t, err)
	appendN(t, m, 3)
	active := m.ActiveSegmentID()
	require.NoError(t, m.Close(ctx))

	// Overwrite the second envelope's checksum with zeros.
	path := filepath.Join(dir, active+segmentExt)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 3)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &env))
	env.Checksum = "00000000"
	corrupted, err := json.Marshal(&env)
	require.NoError(t, err)
	lines[1] = string(corrupted)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	m2, err := Open(ctx, DefaultConfig(dir), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer m2.Close(ctx)

	entries, err := m2.EntriesSince(0)
	require.NoError(t, err)
	require.Len(t, entries, 2, "corrupt entry skipped, others yielded")
	assert.Equal(t, uint64(1), entries[0].Sequence)
	assert.Equal(t, uint64(3), entries[1].Sequence)
}

func TestRotateOnSizeThreshold(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.MaxSegmentSize = 256 // force rotation after a couple of lines

	ctx := context.Background()
	m, err := Open(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer m.Close(ctx)

	first := m.ActiveSegmentID()
	appendN(t, m, 5)
	assert.NotEqual(t, first, m.ActiveSegmentID(), "active segment must have rotated")

	st, err := m.Status()
	require.NoError(t, err)
	assert.Greater(t, st.SegmentCount, 1)
	assert.Equal(t, uint64(5), st.Sequence)
}

func TestPruneOnlyMarkedClosedSegments(t *testing.T) {
	m := newTestManager(t)
	appendN(t, m, 2)
	first := m.ActiveSegmentID()
	require.NoError(t, m.Rotate())
	appendN(t, m, 2)

	// Active segment cannot be marked.
	err := m.MarkPrunable(m.ActiveSegmentID())
	assert.ErrorIs(t, err, ErrActiveSegment)

	require.NoError(t, m.MarkPrunable(first))
	n, err := m.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Unmarked segments survive a second pass.
	n, err = m.Prune()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	entries, err := m.EntriesSince(0)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "only the pruned segment's entries are gone")
}

func TestCompactKeepsLatestPerPath(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	m, err := Open(ctx, DefaultConfig(dir), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer m.Close(ctx)

	for i := 0; i < 3; i++ {
		_, err := m.Append(ctx, "billing_reserve", "billing/entry/A", "A", "c",
			map[string]any{"rev": i})
		require.NoError(t, err)
	}
	_, err = m.Append(ctx, "billing_reserve", "billing/entry/B", "B", "c",
		map[string]any{"rev": 0})
	require.NoError(t, err)

	// Close out the segment holding the entries, then compact.
	require.NoError(t, m.Rotate())
	removed, err := m.Compact()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	entries, err := m.EntriesSince(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byPath := map[string]*Envelope{}
	for _, e := range entries {
		byPath[e.Path] = e
	}
	require.Contains(t, byPath, "billing/entry/A")
	assert.Equal(t, uint64(3), byPath["billing/entry/A"].Sequence, "latest revision wins")
	assert.Contains(t, byPath, "billing/entry/B")
	assert.Less(t, entries[0].Sequence, entries[1].Sequence,
		"compacted survivors stay in sequence order")
}

func TestCompactPreservesReplayOrder(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	m, err := Open(ctx, DefaultConfig(dir), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer m.Close(ctx)

	// Two closed-out entries, then one in the active segment. The compacted
	// replacement must still replay before the active segment's entry.
	_, err = m.Append(ctx, "billing_reserve", "billing/entry/A", "A", "c",
		map[string]any{"rev": 0})
	require.NoError(t, err)
	_, err = m.Append(ctx, "billing_reserve", "billing/entry/B", "B", "c",
		map[string]any{"rev": 0})
	require.NoError(t, err)
	require.NoError(t, m.Rotate())
	_, err = m.Append(ctx, "billing_reserve", "billing/entry/C", "C", "c",
		map[string]any{"rev": 0})
	require.NoError(t, err)

	removed, err := m.Compact()
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	entries, err := m.EntriesSince(0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	got := make([]uint64, len(entries))
	for i, e := range entries {
		got[i] = e.Sequence
	}
	assert.Equal(t, []uint64{1, 2, 3}, got,
		"replay must stay sequence-ascending after compaction")
}

func TestAppendSurvivesRotationFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	cfg := DefaultConfig(dir)
	cfg.MaxSegmentSize = 1 // every append crosses the threshold

	ctx := context.Background()
	m, err := Open(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = m.Close(ctx) }()

	seq, err := m.Append(ctx, "billing_reserve", "", "e", "c", map[string]any{"i": 0})
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	// Take the directory away so the post-append rotation cannot create a
	// replacement segment. The open handle keeps accepting writes.
	require.NoError(t, os.RemoveAll(dir))

	seq, err = m.Append(ctx, "billing_reserve", "", "e", "c", map[string]any{"i": 1})
	require.NoError(t, err, "a durable append must not fail on rotation trouble")
	assert.Equal(t, uint64(2), seq)
}

func TestArchiveOnPrune(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "archive")
	cfg := DefaultConfig(filepath.Join(dir, "wal"))
	cfg.ArchiveDir = archive

	ctx := context.Background()
	m, err := Open(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer m.Close(ctx)

	appendN(t, m, 3)
	first := m.ActiveSegmentID()
	require.NoError(t, m.Rotate())
	require.NoError(t, m.MarkPrunable(first))

	n, err := m.Prune()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	data, err := ReadArchivedSegment(filepath.Join(archive, first+segmentExt+".lz4"))
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "\n"), "archived copy holds the pruned lines")
}

func TestAppendRejectsUnknownEventType(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Append(context.Background(), "not_registered", "", "", "", nil)
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestFencingFailClosed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	lock := NewWriterLock(st, "writer-1", zaptest.NewLogger(t))
	dir := t.TempDir()
	m, err := Open(ctx, DefaultConfig(dir), zaptest.NewLogger(t), WithLock(lock))
	require.NoError(t, err)
	defer m.Close(ctx)

	_, err = m.Append(ctx, "billing_reserve", "", "e", "c", map[string]any{"n": 1})
	require.NoError(t, err)

	// Any store error during fence validation must read as STALE and stop
	// all appends — never fail-open.
	st.FailWith(errors.New("network partition"))
	_, err = m.Append(ctx, "billing_reserve", "", "e", "c", map[string]any{"n": 2})
	assert.ErrorIs(t, err, ErrLockLost)

	// The writer stays offline even after the store recovers; the lease
	// was forfeited.
	st.FailWith(nil)
	_, err = m.Append(ctx, "billing_reserve", "", "e", "c", map[string]any{"n": 3})
	assert.ErrorIs(t, err, ErrLockLost)
}

func TestSecondWriterCannotAcquireHeldLock(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	first := NewWriterLock(st, "writer-1", zaptest.NewLogger(t))
	require.NoError(t, first.Acquire(ctx))

	second := NewWriterLock(st, "writer-2", zaptest.NewLogger(t))
	assert.ErrorIs(t, second.Acquire(ctx), ErrLockHeld)

	require.NoError(t, first.Release(ctx))
	require.NoError(t, second.Acquire(ctx))
	assert.Greater(t, second.FenceToken(), first.FenceToken(),
		"fence token advances on every acquisition")
}
