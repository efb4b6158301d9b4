package sse

import "errors"

var (
	// ErrStreamingNotSupported is returned when the response writer cannot flush
	ErrStreamingNotSupported = errors.New("sse: streaming not supported")

	// ErrConnectionClosed is returned when writing to a closed connection
	ErrConnectionClosed = errors.New("sse: connection closed")
)
