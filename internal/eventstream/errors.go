package eventstream

import "errors"

var (
	// ErrUnknownStream means the stream was never registered.
	ErrUnknownStream = errors.New("eventstream: unknown stream")

	// ErrBadStreamName means the name fails ^[a-z][a-z0-9_]*$.
	ErrBadStreamName = errors.New("eventstream: invalid stream name")

	// ErrWriterClosed means Append was called after Close.
	ErrWriterClosed = errors.New("eventstream: writer closed")
)
