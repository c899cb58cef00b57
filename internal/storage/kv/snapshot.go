package kv

import (
	"fmt"

	"github.com/ugorji/go/codec"
	"go.uber.org/zap"

	"github.com/oberonpay/gatewayd/internal/billing"
	"github.com/oberonpay/gatewayd/internal/market"
)

// Key prefixes partition the snapshot space per record type.
const (
	entryPrefix  = "entry/"
	orderPrefix  = "order/"
	escrowPrefix = "escrow/"
)

func snapshotHandle() *codec.MsgpackHandle {
	h := new(codec.MsgpackHandle)
	h.WriteExt = true
	return h
}

// SnapshotStore persists billing entries, orders, and escrows as msgpack
// records in a kv backend. It satisfies billing.ArchiveSink, where writes
// are advisory: the WAL is the durable record, a failed snapshot is a
// warning.
type SnapshotStore struct {
	be     Backend
	handle *codec.MsgpackHandle
	log    *zap.Logger
}

// NewSnapshotStore wraps an opened backend.
func NewSnapshotStore(be Backend, log *zap.Logger) *SnapshotStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &SnapshotStore{be: be, handle: snapshotHandle(), log: log}
}

func (s *SnapshotStore) put(prefix, id string, v any) error {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, s.handle).Encode(v); err != nil {
		return fmt.Errorf("kv: encode %s%s: %w", prefix, id, err)
	}
	return s.be.Put([]byte(prefix+id), buf)
}

func (s *SnapshotStore) get(prefix, id string, v any) (bool, error) {
	raw, found, err := s.be.Get([]byte(prefix + id))
	if err != nil || !found {
		return false, err
	}
	if err := codec.NewDecoderBytes(raw, s.handle).Decode(v); err != nil {
		return false, fmt.Errorf("kv: decode %s%s: %w", prefix, id, err)
	}
	return true, nil
}

// PutEntry snapshots a billing entry.
func (s *SnapshotStore) PutEntry(e *billing.Entry) error {
	return s.put(entryPrefix, e.BillingEntryID, e)
}

// GetEntry reads a billing entry snapshot.
func (s *SnapshotStore) GetEntry(id string) (*billing.Entry, bool, error) {
	e := new(billing.Entry)
	found, err := s.get(entryPrefix, id, e)
	if !found {
		return nil, found, err
	}
	return e, true, nil
}

// Entries lists every snapshotted billing entry.
func (s *SnapshotStore) Entries() ([]*billing.Entry, error) {
	var out []*billing.Entry
	err := s.be.Scan([]byte(entryPrefix), func(_, value []byte) error {
		e := new(billing.Entry)
		if derr := codec.NewDecoderBytes(value, s.handle).Decode(e); derr != nil {
			return fmt.Errorf("kv: decode entry: %w", derr)
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// PutOrder snapshots an order.
func (s *SnapshotStore) PutOrder(o *market.Order) error {
	return s.put(orderPrefix, o.ID, o)
}

// GetOrder reads an order snapshot.
func (s *SnapshotStore) GetOrder(id string) (*market.Order, bool, error) {
	o := new(market.Order)
	found, err := s.get(orderPrefix, id, o)
	if !found {
		return nil, found, err
	}
	return o, true, nil
}

// PutEscrow snapshots an escrow.
func (s *SnapshotStore) PutEscrow(e *market.Escrow) error {
	return s.put(escrowPrefix, e.ID, e)
}

// GetEscrow reads an escrow snapshot.
func (s *SnapshotStore) GetEscrow(id string) (*market.Escrow, bool, error) {
	e := new(market.Escrow)
	found, err := s.get(escrowPrefix, id, e)
	if !found {
		return nil, found, err
	}
	return e, true, nil
}

// ArchiveEntry implements billing.ArchiveSink.
func (s *SnapshotStore) ArchiveEntry(e *billing.Entry) {
	if err := s.PutEntry(e); err != nil {
		s.log.Warn("entry snapshot failed",
			zap.String("entry_id", e.BillingEntryID), zap.Error(err))
	}
}
