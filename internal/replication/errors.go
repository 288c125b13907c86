package replication

import "errors"

var (
	ErrNoResponse = errors.New("no response from leader")

	ErrDenied = errors.New("request denied by leader")

	ErrNotStarted = errors.New("replication session not started")

	ErrStopped = errors.New("replication session stopped")

	ErrClosed = errors.New("store closed")

	ErrMalformedSnapshot = errors.New("malformed snapshot")
)
