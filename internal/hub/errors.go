package hub

import (
	"errors"

	"httprelay/internal/codec"
)

var (
	// ErrMalformedPayload is returned by Submit when the payload fails schema
	// parsing. The event is dropped; the submitter stays connected.
	ErrMalformedPayload = codec.ErrMalformedPayload
	// ErrUnknownChannel is returned by Submit for channels the hub does not route.
	ErrUnknownChannel = codec.ErrUnknownChannel
	// ErrHubClosed indicates the hub no longer accepts connections or events.
	ErrHubClosed = errors.New("hub closed")
	// ErrNotConnected indicates the submitting connection was already removed.
	ErrNotConnected = errors.New("connection not registered")
	// ErrQueueOverflow is the reason recorded when a slow connection is cut.
	ErrQueueOverflow = errors.New("outbound queue overflow")
)
