// Package eventstream implements the partitioned append-only fact stream:
// per-stream JSONL segments with independent monotonic sequences, cursor
// replay, and a bounded fire-and-forget emitter for state machines.
package eventstream

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/oberonpay/gatewayd/internal/wal"
)

// SchemaVersion is stamped on every event written by this build.
const SchemaVersion = 2

// Envelope is one event on a stream. Sequence is per-stream, assigned at
// append; Checksum is CRC32 over the JSON-serialized payload, shared with
// the WAL envelope format.
type Envelope struct {
	EventID       string          `json:"event_id"`
	Stream        string          `json:"stream"`
	EventType     string          `json:"event_type"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Sequence      uint64          `json:"sequence"`
	Checksum      string          `json:"checksum"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// VerifyChecksum reports whether the envelope's checksum matches its
// payload.
func (e *Envelope) VerifyChecksum() bool {
	return e.Checksum == wal.PayloadChecksum(e.Payload)
}

// Cursor marks a replay position within one stream.
type Cursor struct {
	Stream       string `json:"stream"`
	LastSequence uint64 `json:"last_sequence"`
}

var streamNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Pre-registered streams. Appends to anything else fail UNKNOWN_STREAM
// unless the stream is registered first.
var defaultStreams = []string{
	"billing",
	"credit",
	"reconciliation",
	"personality",
	"routing_quality",
}

type registry struct {
	mu      sync.RWMutex
	streams map[string]struct{}
}

func newRegistry() *registry {
	r := &registry{streams: make(map[string]struct{})}
	for _, s := range defaultStreams {
		r.streams[s] = struct{}{}
	}
	return r
}

func (r *registry) register(stream string) error {
	if !streamNameRe.MatchString(stream) {
		return fmt.Errorf("%w: %q", ErrBadStreamName, stream)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[stream] = struct{}{}
	return nil
}

func (r *registry) known(stream string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.streams[stream]
	return ok
}

// FromWAL maps a billing WAL envelope onto the billing stream losslessly:
// event_id takes the billing entry id, sequence takes wal_sequence
// (legacy envelopes without one map to 0).
func FromWAL(env *wal.Envelope) *Envelope {
	return &Envelope{
		EventID:       env.BillingEntryID,
		Stream:        "billing",
		EventType:     env.EventType,
		Timestamp:     env.Timestamp,
		CorrelationID: env.CorrelationID,
		Sequence:      env.Sequence,
		Checksum:      env.Checksum,
		SchemaVersion: env.SchemaVersion,
		Payload:       env.Payload,
	}
}

// ToWAL is the inverse of FromWAL.
func ToWAL(env *Envelope) *wal.Envelope {
	return &wal.Envelope{
		SchemaVersion:  env.SchemaVersion,
		EventType:      env.EventType,
		Timestamp:      env.Timestamp,
		BillingEntryID: env.EventID,
		CorrelationID:  env.CorrelationID,
		Checksum:       env.Checksum,
		Sequence:       env.Sequence,
		Payload:        env.Payload,
	}
}
