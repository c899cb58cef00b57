package eventstream

import (
	"bufio"
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
	"github.com/oberonpay/gatewayd/internal/wal"
)

const (
	segmentExt  = ".jsonl"
	maxLineSize = 4 * 1024 * 1024
)

// Config holds the event store settings.
type Config struct {
	// Dir is the stream segment directory (./events under the data root).
	Dir string

	// MaxSegmentSize rotates a stream's active segment once its byte size
	// exceeds this threshold.
	MaxSegmentSize int64
}

// DefaultConfig returns the settings used when the config file is silent.
func DefaultConfig(dir string) Config {
	return Config{Dir: dir, MaxSegmentSize: 16 * 1024 * 1024}
}

// streamState is the per-stream writer state.
type streamState struct {
	seq        uint64
	active     *os.File
	activeID   string
	activeSize int64
}

// Store is the per-stream JSONL writer/reader.
//
// Each registered stream gets its own segment files named
// events-<stream>-<segment_id>.jsonl with an independent monotonic
// sequence recovered from disk at open.
type Store struct {
	mu sync.Mutex

	cfg     Config
	reg     *registry
	clk     clock.Clock
	gen     *ids.Generator
	log     *zap.Logger
	streams map[string]*streamState
	closed  bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clk = c }
}

// Open prepares the store, recovering each stream's latest sequence from
// existing segments.
func Open(cfg Config, log *zap.Logger, opts ...Option) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxSegmentSize <= 0 {
		cfg.MaxSegmentSize = DefaultConfig(cfg.Dir).MaxSegmentSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventstream: create dir: %w", err)
	}

	s := &Store{
		cfg:     cfg,
		reg:     newRegistry(),
		clk:     clock.System{},
		log:     log,
		streams: make(map[string]*streamState),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.gen = ids.NewGeneratorAt(s.clk.Now)

	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// RegisterStream admits a new stream name.
func (s *Store) RegisterStream(stream string) error {
	return s.reg.register(stream)
}

// recover scans existing segments to restore per-stream sequences.
func (s *Store) recover() error {
	for _, name := range s.segmentFilesLocked("") {
		stream := streamOfSegment(name)
		if stream == "" {
			continue
		}
		st := s.streams[stream]
		if st == nil {
			st = &streamState{}
			s.streams[stream] = st
		}
		err := scanStreamSegment(filepath.Join(s.cfg.Dir, name), func(env *Envelope, scanErr error) {
			if scanErr == nil && env != nil && env.Sequence > st.seq {
				st.seq = env.Sequence
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// segmentFilesLocked lists segment files, optionally filtered to one
// stream, in lexicographic order.
func (s *Store) segmentFilesLocked(stream string) []string {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil
	}
	prefix := "events-"
	if stream != "" {
		prefix = "events-" + stream + "-"
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segmentExt) {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// streamOfSegment extracts the stream name from
// events-<stream>-<segment_id>.jsonl. Segment ids are fixed-width ULIDs,
// so the split is from the right.
func streamOfSegment(name string) string {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "events-"), segmentExt)
	idx := strings.LastIndex(trimmed, "-")
	if idx <= 0 {
		return ""
	}
	return trimmed[:idx]
}

// Append writes one event to the stream and returns the full envelope.
func (s *Store) Append(stream, eventType string, payload any, correlationID string) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("eventstream: marshal payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrWriterClosed
	}
	if !s.reg.known(stream) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStream, stream)
	}

	st := s.streams[stream]
	if st == nil {
		st = &streamState{}
		s.streams[stream] = st
	}
	if st.active == nil {
		if err := s.openSegmentLocked(stream, st); err != nil {
			return nil, err
		}
	}

	st.seq++
	env := &Envelope{
		EventID:       s.gen.New(),
		Stream:        stream,
		EventType:     eventType,
		Timestamp:     s.clk.Now().UTC(),
		CorrelationID: correlationID,
		Sequence:      st.seq,
		Checksum:      wal.PayloadChecksum(raw),
		SchemaVersion: SchemaVersion,
		Payload:       raw,
	}

	line, err := json.Marshal(env)
	if err != nil {
		st.seq--
		return nil, fmt.Errorf("eventstream: marshal envelope: %w", err)
	}
	line = append(line, '\n')

	n, err := st.active.Write(line)
	if err != nil {
		st.seq--
		return nil, fmt.Errorf("eventstream: append %s: %w", stream, err)
	}
	st.activeSize += int64(n)

	if st.activeSize > s.cfg.MaxSegmentSize {
		if err := s.rotateLocked(stream, st); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// AppendWAL appends a billing WAL envelope to the billing stream without
// re-deriving sequence or checksum: the WAL and the billing stream share a
// single source of truth.
func (s *Store) AppendWAL(env *wal.Envelope) (*Envelope, error) {
	ev := FromWAL(env)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrWriterClosed
	}
	st := s.streams[ev.Stream]
	if st == nil {
		st = &streamState{}
		s.streams[ev.Stream] = st
	}
	if st.active == nil {
		if err := s.openSegmentLocked(ev.Stream, st); err != nil {
			return nil, err
		}
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("eventstream: marshal envelope: %w", err)
	}
	line = append(line, '\n')
	n, err := st.active.Write(line)
	if err != nil {
		return nil, fmt.Errorf("eventstream: append %s: %w", ev.Stream, err)
	}
	st.activeSize += int64(n)
	if ev.Sequence > st.seq {
		st.seq = ev.Sequence
	}
	if st.activeSize > s.cfg.MaxSegmentSize {
		if err := s.rotateLocked(ev.Stream, st); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

func (s *Store) openSegmentLocked(stream string, st *streamState) error {
	id := s.gen.New()
	name := fmt.Sprintf("events-%s-%s%s", stream, id, segmentExt)
	f, err := os.OpenFile(filepath.Join(s.cfg.Dir, name),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("eventstream: open segment: %w", err)
	}
	st.active = f
	st.activeID = id
	st.activeSize = 0
	return nil
}

func (s *Store) rotateLocked(stream string, st *streamState) error {
	old := st.active
	if err := s.openSegmentLocked(stream, st); err != nil {
		return err
	}
	if err := old.Sync(); err != nil {
		s.log.Warn("eventstream: sync on rotate", zap.String("stream", stream), zap.Error(err))
	}
	if err := old.Close(); err != nil {
		s.log.Warn("eventstream: close on rotate", zap.String("stream", stream), zap.Error(err))
	}
	return nil
}

// LatestSequence returns the stream's highest assigned sequence, 0 when
// empty or unknown.
func (s *Store) LatestSequence(stream string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.streams[stream]; st != nil {
		return st.seq
	}
	return 0
}

// Replay returns an iterator over the stream's events in ascending
// sequence order. With a cursor, only events with strictly greater
// sequence are yielded. Corrupt lines are skipped with a warning.
func (s *Store) Replay(stream string, cursor *Cursor) (*Iterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrWriterClosed
	}
	if !s.reg.known(stream) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStream, stream)
	}
	var after uint64
	if cursor != nil {
		after = cursor.LastSequence
	}
	return &Iterator{
		dir:    s.cfg.Dir,
		files:  s.segmentFilesLocked(stream),
		stream: stream,
		after:  after,
		log:    s.log,
	}, nil
}

// Close closes all active segments. Subsequent Appends fail and new
// iterators cannot be started.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	for stream, st := range s.streams {
		if st.active == nil {
			continue
		}
		if err := st.active.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("eventstream: sync %s: %w", stream, err)
		}
		if err := st.active.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("eventstream: close %s: %w", stream, err)
		}
		st.active = nil
	}
	return firstErr
}

// Iterator walks one stream's segments lazily.
type Iterator struct {
	dir    string
	files  []string
	stream string
	after  uint64
	log    *zap.Logger

	current *bufio.Scanner
	closer  *os.File
	next    *Envelope
	err     error
}

// Next advances to the next valid event; it returns false at end of
// stream or on a fatal error (see Err).
func (it *Iterator) Next() bool {
	for {
		if it.current == nil {
			if len(it.files) == 0 {
				return false
			}
			name := it.files[0]
			it.files = it.files[1:]
			f, err := os.Open(filepath.Join(it.dir, name))
			if err != nil {
				it.err = fmt.Errorf("eventstream: open segment %s: %w", name, err)
				return false
			}
			it.closer = f
			it.current = bufio.NewScanner(f)
			it.current.Buffer(make([]byte, 64*1024), maxLineSize)
		}

		if !it.current.Scan() {
			if err := it.current.Err(); err != nil {
				it.err = err
				return false
			}
			it.closer.Close()
			it.current = nil
			continue
		}

		line := it.current.Bytes()
		if len(line) == 0 {
			continue
		}
		env := new(Envelope)
		if err := json.Unmarshal(line, env); err != nil {
			// Torn or corrupt line: skip. The final line of the final
			// segment being unparseable is the torn-write case.
			it.log.Warn("eventstream replay: corrupt line skipped",
				zap.String("stream", it.stream), zap.Error(err))
			continue
		}
		if env.Stream != it.stream {
			continue
		}
		if !env.VerifyChecksum() {
			it.log.Warn("eventstream replay: checksum mismatch, event skipped",
				zap.String("stream", it.stream),
				zap.Uint64("sequence", env.Sequence))
			continue
		}
		if env.Sequence <= it.after {
			continue
		}
		it.next = env
		return true
	}
}

// Event returns the envelope positioned by the last Next.
func (it *Iterator) Event() *Envelope { return it.next }

// Err returns the first fatal error hit by the iterator.
func (it *Iterator) Err() error { return it.err }

// Close releases the iterator's open file handle.
func (it *Iterator) Close() error {
	if it.closer != nil {
		return it.closer.Close()
	}
	return nil
}

// scanStreamSegment reads one segment, emitting each line's parse result.
func scanStreamSegment(path string, emit func(*Envelope, error)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("eventstream: open segment %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		env := new(Envelope)
		if uerr := json.Unmarshal(line, env); uerr != nil {
			emit(nil, uerr)
			continue
		}
		emit(env, nil)
	}
	return scanner.Err()
}
