package wal

import "errors"

var (
	// ErrLockLost means this writer's fencing token is stale or lock
	// ownership could not be confirmed. The validator fails closed: any
	// shared-store error surfaces as ErrLockLost, never as a retryable
	// condition.
	ErrLockLost = errors.New("wal: writer lock lost")

	// ErrLockHeld means another writer holds the lock.
	ErrLockHeld = errors.New("wal: writer lock held elsewhere")

	// ErrClosed means the manager has been closed.
	ErrClosed = errors.New("wal: writer closed")

	// ErrUnknownEventType means the event type was never registered.
	ErrUnknownEventType = errors.New("wal: unknown event type")

	// ErrActiveSegment means an operation targeted the active segment that
	// only applies to closed segments.
	ErrActiveSegment = errors.New("wal: segment is active")
)
