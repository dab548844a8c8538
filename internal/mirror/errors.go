package mirror

import "errors"

var (
	// ErrPollerClosed is returned by operations on a Poller after Close.
	ErrPollerClosed = errors.New("mirror: poller closed")

	// ErrWriterClosed is returned by Write after the coordinator shut down.
	ErrWriterClosed = errors.New("mirror: writer closed")
)
