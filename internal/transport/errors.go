package transport

import "errors"

var (
	ErrUnknownPeer = errors.New("unknown peer")

	ErrChannelClosed = errors.New("channel closed")
)
