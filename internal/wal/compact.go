package wal

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pierrec/lz4"
	"go.uber.org/zap"
)

// Compact rewrites all closed segments, keeping only the latest envelope
// per path. Envelopes with no path are carried over untouched. Survivors
// are written in sequence order to a replacement segment whose name sorts
// before every remaining segment, so Replay still yields ascending
// sequences; the superseded inputs are removed only after the replacement
// is durably in place, so a crash at any point leaves a replayable log.
// The active segment is never compacted.
//
// Returns the number of input segments removed.
func (m *Manager) Compact() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	names, err := m.segmentFiles()
	if err != nil {
		return 0, err
	}
	var inputs []string
	for _, name := range names {
		if strings.TrimSuffix(name, segmentExt) != m.activeID {
			inputs = append(inputs, name)
		}
	}
	if len(inputs) == 0 {
		return 0, nil
	}

	// Pass 1: last-writer-wins per path. Pathless envelopes always survive.
	latest := make(map[string]*Envelope)
	var survivors []*Envelope
	for _, name := range inputs {
		err := scanSegment(filepath.Join(m.cfg.Dir, name), func(env *Envelope, scanErr error) {
			if scanErr != nil || env == nil || !env.VerifyChecksum() {
				return
			}
			if env.Path == "" {
				survivors = append(survivors, env)
				return
			}
			if prev, ok := latest[env.Path]; !ok || env.Sequence > prev.Sequence {
				latest[env.Path] = env
			}
		})
		if err != nil {
			return 0, err
		}
	}
	for _, env := range latest {
		survivors = append(survivors, env)
	}
	sort.Slice(survivors, func(i, j int) bool {
		return survivors[i].Sequence < survivors[j].Sequence
	})

	// Pass 2: write the survivors, in sequence order, to the replacement
	// segment. Replay walks segments by filename, so the replacement reuses
	// the oldest input's id with a suffix that sorts before every segment
	// written after it.
	outID := strings.TrimSuffix(inputs[0], segmentExt) + "-0"
	outPath := filepath.Join(m.cfg.Dir, outID+segmentExt)
	tmpPath := outPath + ".tmp"
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("wal compact: open output: %w", err)
	}
	for _, env := range survivors {
		line, merr := json.Marshal(env)
		if merr != nil {
			out.Close()
			os.Remove(tmpPath)
			return 0, fmt.Errorf("wal compact: marshal: %w", merr)
		}
		if _, werr := out.Write(append(line, '\n')); werr != nil {
			out.Close()
			os.Remove(tmpPath)
			return 0, fmt.Errorf("wal compact: write: %w", werr)
		}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("wal compact: sync: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("wal compact: close: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("wal compact: commit output: %w", err)
	}

	// Pass 3: drop the inputs, archiving first when configured.
	removed := 0
	for _, name := range inputs {
		path := filepath.Join(m.cfg.Dir, name)
		if m.cfg.ArchiveDir != "" {
			if err := archiveSegment(path, m.cfg.ArchiveDir); err != nil {
				m.log.Warn("wal compact: archive failed, input retained",
					zap.String("segment", name), zap.Error(err))
				continue
			}
		}
		if err := os.Remove(path); err != nil {
			m.log.Warn("wal compact: remove failed",
				zap.String("segment", name), zap.Error(err))
			continue
		}
		removed++
	}

	m.log.Info("wal compacted",
		zap.Int("inputs_removed", removed),
		zap.String("output_segment", outID),
		zap.Int("entries_kept", len(survivors)))
	return removed, nil
}

// archiveSegment writes an lz4-compressed copy of the segment into dir as
// <segment>.jsonl.lz4.
func archiveSegment(path, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("wal archive: create dir: %w", err)
	}
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("wal archive: open input: %w", err)
	}
	defer in.Close()

	outPath := filepath.Join(dir, filepath.Base(path)+".lz4")
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("wal archive: open output: %w", err)
	}

	zw := lz4.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		os.Remove(outPath)
		return fmt.Errorf("wal archive: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(outPath)
		return fmt.Errorf("wal archive: flush: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("wal archive: close: %w", err)
	}
	return nil
}

// ReadArchivedSegment decompresses an archived segment for offline
// inspection (wal replay --archive).
func ReadArchivedSegment(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wal archive: open: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(lz4.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("wal archive: decompress: %w", err)
	}
	return data, nil
}
