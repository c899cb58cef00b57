package eventstream

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// emitterQueueSize bounds the pending-event buffer. On overflow the oldest
// pending event is dropped; the WAL remains the durable record, so a
// dropped event costs observability, not correctness.
const emitterQueueSize = 1024

// pendingEvent is one queued emission.
type pendingEvent struct {
	stream        string
	eventType     string
	correlationID string
	payload       any
	prepared      *Envelope
}

// Emitter decouples state transitions from event persistence. Emit never
// blocks and never fails the caller; append errors are logged and the
// event is dropped.
type Emitter struct {
	store *Store
	log   *zap.Logger

	mu      sync.Mutex
	queue   []pendingEvent
	wake    chan struct{}
	dropped atomic.Int64
	closed  atomic.Bool
}

// NewEmitter builds an emitter over the store.
func NewEmitter(store *Store, log *zap.Logger) *Emitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Emitter{
		store: store,
		log:   log,
		wake:  make(chan struct{}, 1),
	}
}

// Emit queues an event for the stream. Fire-and-forget: on a full queue
// the OLDEST pending event is dropped to make room.
func (e *Emitter) Emit(stream, eventType string, payload any, correlationID string) {
	if e.closed.Load() {
		return
	}
	e.enqueue(pendingEvent{
		stream:        stream,
		eventType:     eventType,
		correlationID: correlationID,
		payload:       payload,
	})
}

// EmitPrepared queues an already-built envelope (the billing WAL mirror).
func (e *Emitter) EmitPrepared(env *Envelope) {
	if e.closed.Load() {
		return
	}
	e.enqueue(pendingEvent{prepared: env})
}

func (e *Emitter) enqueue(ev pendingEvent) {
	e.mu.Lock()
	if len(e.queue) >= emitterQueueSize {
		dropped := e.queue[0]
		e.queue = e.queue[1:]
		e.dropped.Add(1)
		e.log.Warn("event emitter overflow, oldest event dropped",
			zap.String("stream", dropped.stream),
			zap.String("event_type", dropped.eventType))
	}
	e.queue = append(e.queue, ev)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Dropped reports how many events have been discarded by overflow.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Run drains the queue until ctx is cancelled, then flushes what remains.
// Intended to be started on an errgroup alongside the other background
// loops.
func (e *Emitter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.closed.Store(true)
			e.drain()
			return ctx.Err()
		case <-e.wake:
			e.drain()
		}
	}
}

// StartDraining launches Run on g.
func (e *Emitter) StartDraining(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		err := e.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
}

func (e *Emitter) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		ev := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		var err error
		if ev.prepared != nil {
			_, err = e.store.AppendWAL(ToWAL(ev.prepared))
		} else {
			_, err = e.store.Append(ev.stream, ev.eventType, ev.payload, ev.correlationID)
		}
		if err != nil {
			// Emission is advisory; warn and move on.
			e.log.Warn("event emission failed, event dropped",
				zap.String("stream", ev.stream),
				zap.String("event_type", ev.eventType),
				zap.Error(err))
		}
	}
}

// Flush synchronously drains pending events. Used by tests and shutdown.
func (e *Emitter) Flush() {
	e.drain()
}
