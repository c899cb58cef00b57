// Package ids generates the lexicographic, time-ordered identifiers used
// across the billing core: billing entries, WAL and event segments, orders,
// escrows, matches, and credit notes.
//
// Ids are ULIDs: 26 Crockford-base32 characters, millisecond timestamp
// prefix, random suffix. Within one generator ids are strictly monotonic;
// across processes they are only time-ordered, which is why replay order is
// defined by wal_sequence and never by id.
package ids

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator issues ULIDs with monotonic entropy.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewGenerator returns a generator reading the wall clock.
func NewGenerator() *Generator {
	return NewGeneratorAt(time.Now)
}

// NewGeneratorAt returns a generator using the given time source.
// Tests inject a fake clock here.
func NewGeneratorAt(now func() time.Time) *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     now,
	}
}

// New returns the next id. Generation cannot fail with the monotonic
// entropy source short of entropy exhaustion within one millisecond, which
// is treated as a programming error.
func (g *Generator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(g.now()), g.entropy)
	if err != nil {
		panic(fmt.Sprintf("ids: ulid generation failed: %v", err))
	}
	return id.String()
}

// Validate reports whether s is a well-formed 26-character id.
func Validate(s string) error {
	if len(s) != ulid.EncodedSize {
		return fmt.Errorf("id %q: want %d characters, got %d", s, ulid.EncodedSize, len(s))
	}
	if _, err := ulid.ParseStrict(s); err != nil {
		return fmt.Errorf("id %q: %w", s, err)
	}
	return nil
}

// Timestamp extracts the embedded millisecond timestamp.
func Timestamp(s string) (time.Time, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("id %q: %w", s, err)
	}
	return ulid.Time(id.Time()), nil
}
