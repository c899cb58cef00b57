package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/oberonpay/gatewayd/internal/core/clock"
	"github.com/oberonpay/gatewayd/internal/core/ids"
)

const segmentExt = ".jsonl"

// maxLineSize bounds a single envelope line during replay.
const maxLineSize = 4 * 1024 * 1024

// Config holds the segment manager settings.
type Config struct {
	// Dir is the segment directory (./wal under the data root).
	Dir string

	// MaxSegmentSize rotates the active segment once its byte size
	// exceeds this threshold.
	MaxSegmentSize int64

	// SyncOnAppend fsyncs after every append. Durable but slow; the
	// default trusts the OS page cache between rotations.
	SyncOnAppend bool

	// ArchiveDir, when set, receives lz4-compressed copies of segments
	// removed by Prune and Compact.
	ArchiveDir string
}

// DefaultConfig returns the settings used when the config file is silent.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		MaxSegmentSize: 16 * 1024 * 1024,
	}
}

// Status describes the writer's current position.
type Status struct {
	Sequence      uint64 `json:"sequence"`
	ActiveSegment string `json:"active_segment"`
	SegmentCount  int    `json:"segment_count"`
}

// Manager owns the active segment and the process-wide sequence counter.
//
// At most one Manager may write to a shared store's WAL at a time; the
// optional WriterLock enforces that across processes. Without a lock the
// manager runs unfenced, which is only safe single-writer.
type Manager struct {
	mu sync.Mutex

	cfg  Config
	lock *WriterLock
	clk  clock.Clock
	gen  *ids.Generator
	log  *zap.Logger

	seq        uint64
	active     *os.File
	activeID   string
	activeSize int64
	prunable   map[string]bool
	closed     bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLock fences the writer with the distributed lock.
func WithLock(l *WriterLock) Option {
	return func(m *Manager) { m.lock = l }
}

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clk = c }
}

// Open recovers the maximum sequence from existing segments, then starts a
// fresh active segment. If a WriterLock is configured it is acquired before
// the first byte is written.
func Open(ctx context.Context, cfg Config, log *zap.Logger, opts ...Option) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxSegmentSize <= 0 {
		cfg.MaxSegmentSize = DefaultConfig(cfg.Dir).MaxSegmentSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		clk:      clock.System{},
		log:      log,
		prunable: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.gen = ids.NewGeneratorAt(m.clk.Now)

	if m.lock != nil {
		if err := m.lock.Acquire(ctx); err != nil {
			return nil, err
		}
	}

	maxSeq, err := m.recoverSequence()
	if err != nil {
		return nil, err
	}
	m.seq = maxSeq

	if err := m.openSegmentLocked(); err != nil {
		return nil, err
	}

	log.Info("wal opened",
		zap.String("dir", cfg.Dir),
		zap.Uint64("recovered_sequence", maxSeq),
		zap.String("active_segment", m.activeID))
	return m, nil
}

// recoverSequence scans every segment for the maximum wal_sequence.
// Corrupt and torn lines are ignored here; Replay owns the warnings.
func (m *Manager) recoverSequence() (uint64, error) {
	names, err := m.segmentFiles()
	if err != nil {
		return 0, err
	}
	var max uint64
	for _, name := range names {
		err := scanSegment(filepath.Join(m.cfg.Dir, name), func(env *Envelope, _ error) {
			if env != nil && env.Sequence > max {
				max = env.Sequence
			}
		})
		if err != nil {
			return 0, err
		}
	}
	return max, nil
}

func (m *Manager) segmentFiles() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("wal: read dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), segmentExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *Manager) openSegmentLocked() error {
	id := m.gen.New()
	f, err := os.OpenFile(filepath.Join(m.cfg.Dir, id+segmentExt),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open segment: %w", err)
	}
	m.active = f
	m.activeID = id
	m.activeSize = 0
	return nil
}

// Append writes one envelope to the active segment and returns its
// sequence. path keys the entry for compaction; entryID and corrID travel
// on the envelope for billing replay.
func (m *Manager) Append(ctx context.Context, eventType, path string, entryID, corrID string, payload any) (uint64, error) {
	if !KnownEventType(eventType) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal payload: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	if m.lock != nil {
		if err := m.lock.Validate(ctx); err != nil {
			return 0, err
		}
	}

	m.seq++
	env := Envelope{
		SchemaVersion:  SchemaVersion,
		EventType:      eventType,
		Timestamp:      m.clk.Now().UTC(),
		BillingEntryID: entryID,
		CorrelationID:  corrID,
		Path:           path,
		Checksum:       PayloadChecksum(raw),
		Sequence:       m.seq,
		Payload:        raw,
	}

	line, err := json.Marshal(&env)
	if err != nil {
		m.seq--
		return 0, fmt.Errorf("wal: marshal envelope: %w", err)
	}
	line = append(line, '\n')

	n, err := m.active.Write(line)
	if err != nil {
		// A short write leaves a torn final line; replay discards it.
		m.seq--
		return 0, fmt.Errorf("wal: append: %w", err)
	}
	if m.cfg.SyncOnAppend {
		if err := m.active.Sync(); err != nil {
			return 0, fmt.Errorf("wal: sync: %w", err)
		}
	}
	m.activeSize += int64(n)

	if m.activeSize > m.cfg.MaxSegmentSize {
		if err := m.rotateLocked(); err != nil {
			// The envelope is already durable in the current segment;
			// rotation retries on the next append.
			m.log.Error("wal: rotate after append failed",
				zap.Uint64("sequence", env.Sequence), zap.Error(err))
		}
	}
	return env.Sequence, nil
}

// Rotate closes the active segment and opens a fresh one. Sequence
// numbering continues uninterrupted.
func (m *Manager) Rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.rotateLocked()
}

func (m *Manager) rotateLocked() error {
	// The replacement is created before the old handle is abandoned so a
	// crash between the two steps cannot leave the writer without a
	// segment.
	old := m.active
	oldID := m.activeID
	if err := m.openSegmentLocked(); err != nil {
		return err
	}
	if err := old.Sync(); err != nil {
		m.log.Warn("wal: sync on rotate", zap.String("segment", oldID), zap.Error(err))
	}
	if err := old.Close(); err != nil {
		m.log.Warn("wal: close on rotate", zap.String("segment", oldID), zap.Error(err))
	}
	m.log.Info("wal segment rotated",
		zap.String("closed", oldID),
		zap.String("active", m.activeID))
	return nil
}

// Replay iterates all segments in lexicographic order and invokes visit
// for every valid envelope with sequence strictly greater than fromSeq.
// Checksum failures are skipped with a warning; torn final lines are
// skipped silently; replay never halts on corruption.
func (m *Manager) Replay(fromSeq uint64, visit func(*Envelope) error) error {
	m.mu.Lock()
	names, err := m.segmentFiles()
	dir := m.cfg.Dir
	m.mu.Unlock()
	if err != nil {
		return err
	}

	for _, name := range names {
		path := filepath.Join(dir, name)
		err := scanSegment(path, func(env *Envelope, scanErr error) {
			if scanErr != nil {
				m.log.Warn("wal replay: corrupt line skipped",
					zap.String("segment", name), zap.Error(scanErr))
				return
			}
			if !env.VerifyChecksum() {
				m.log.Warn("wal replay: checksum mismatch, entry skipped",
					zap.String("segment", name),
					zap.Uint64("wal_sequence", env.Sequence),
					zap.String("event_type", env.EventType))
				return
			}
			if !KnownEventType(env.EventType) {
				m.log.Warn("wal replay: unknown event type, entry skipped",
					zap.String("segment", name),
					zap.String("event_type", env.EventType))
				return
			}
			if env.Sequence <= fromSeq {
				return
			}
			if verr := visit(env); verr != nil {
				// Visitor errors are the caller's; propagate through the
				// sentinel below.
				panic(replayAbort{verr})
			}
		})
		if err != nil {
			if abort, ok := err.(replayAbort); ok {
				return abort.err
			}
			return err
		}
	}
	return nil
}

// replayAbort tunnels a visitor error out of scanSegment.
type replayAbort struct{ err error }

func (r replayAbort) Error() string { return r.err.Error() }

// EntriesSince is the materialized form of Replay.
func (m *Manager) EntriesSince(seq uint64) ([]*Envelope, error) {
	var out []*Envelope
	err := m.Replay(seq, func(env *Envelope) error {
		out = append(out, env)
		return nil
	})
	return out, err
}

// scanSegment reads a JSONL segment line by line. For each line it calls
// emit with either a parsed envelope or a parse error — except a torn
// final line (unparseable, no trailing newline semantics recoverable),
// which is dropped without emitting.
func scanSegment(path string, emit func(*Envelope, error)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if abort, ok := r.(replayAbort); ok {
				err = abort
				return
			}
			panic(r)
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("wal: open segment %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	type pending struct {
		env *Envelope
		err error
	}
	var prev *pending

	for scanner.Scan() {
		if prev != nil {
			emit(prev.env, prev.err)
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			prev = nil
			continue
		}
		env := new(Envelope)
		if uerr := json.Unmarshal(line, env); uerr != nil {
			prev = &pending{err: fmt.Errorf("parse: %w", uerr)}
			continue
		}
		prev = &pending{env: env}
	}
	if serr := scanner.Err(); serr != nil {
		return fmt.Errorf("wal: scan segment %s: %w", path, serr)
	}

	// The final line: a parse failure here is a torn write from a crash
	// mid-append and is discarded silently.
	if prev != nil && prev.err == nil {
		emit(prev.env, nil)
	}
	return nil
}

// MarkPrunable flags closed segments as superseded. The active segment is
// never markable.
func (m *Manager) MarkPrunable(segmentIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range segmentIDs {
		if id == m.activeID {
			return fmt.Errorf("%w: %s", ErrActiveSegment, id)
		}
		m.prunable[id] = true
	}
	return nil
}

// Prune deletes segments that are marked prunable and not active,
// archiving them first when an archive dir is configured. Returns the
// number of segments removed.
func (m *Manager) Prune() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names, err := m.segmentFiles()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, name := range names {
		id := strings.TrimSuffix(name, segmentExt)
		if id == m.activeID || !m.prunable[id] {
			continue
		}
		path := filepath.Join(m.cfg.Dir, name)
		if m.cfg.ArchiveDir != "" {
			if err := archiveSegment(path, m.cfg.ArchiveDir); err != nil {
				m.log.Warn("wal prune: archive failed, segment retained",
					zap.String("segment", id), zap.Error(err))
				continue
			}
		}
		if err := os.Remove(path); err != nil {
			m.log.Warn("wal prune: remove failed",
				zap.String("segment", id), zap.Error(err))
			continue
		}
		delete(m.prunable, id)
		removed++
	}
	return removed, nil
}

// Status reports the writer position.
func (m *Manager) Status() (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names, err := m.segmentFiles()
	if err != nil {
		return Status{}, err
	}
	return Status{
		Sequence:      m.seq,
		ActiveSegment: m.activeID,
		SegmentCount:  len(names),
	}, nil
}

// Sequence returns the last assigned sequence.
func (m *Manager) Sequence() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// ResetSequenceForTest rewinds the counter. Tests only; production
// sequence state is recovered from segments at Open.
func (m *Manager) ResetSequenceForTest(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq = seq
}

// ActiveSegmentID returns the id of the segment currently being written.
func (m *Manager) ActiveSegmentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// Close syncs and closes the active segment and releases the writer lock.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var firstErr error
	if m.active != nil {
		if err := m.active.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := m.active.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.lock != nil {
		if err := m.lock.Release(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
