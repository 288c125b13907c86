package bus

import "errors"

var (
	ErrMalformedFrame = errors.New("malformed frame")

	ErrUnknownIdentifier = errors.New("unknown message identifier")

	ErrQueueOverflow = errors.New("outbound queue full")

	ErrNoChannel = errors.New("no channel for peer")
)
