package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"callsync/internal/bus"
	"callsync/internal/election"
	"callsync/internal/metrics"
)

func (s *Store) RequestSet(key, value string, overwrite bool) {
	s.request(Op{Action: Set, Key: key, Value: value, Overwrite: overwrite})
}

func (s *Store) RequestRemove(key string) {
	s.request(Op{Action: Remove, Key: key, Overwrite: true})
}

// RequestRemoveIf removes key only while it still holds value.
func (s *Store) RequestRemoveIf(key, value string) {
	s.request(Op{Action: Remove, Key: key, Value: value})
}

// RequestSetChecked waits until the write is applied or rejected. A nil
// error with applied=false means the write lost to the current state.
func (s *Store) RequestSetChecked(ctx context.Context, key, value string, overwrite bool) (bool, error) {
	return s.requestChecked(ctx, Op{Action: Set, Key: key, Value: value, Overwrite: overwrite})
}

func (s *Store) RequestRemoveChecked(ctx context.Context, key string) (bool, error) {
	return s.requestChecked(ctx, Op{Action: Remove, Key: key, Overwrite: true})
}

func (s *Store) RequestRemoveIfChecked(ctx context.Context, key, value string) (bool, error) {
	return s.requestChecked(ctx, Op{Action: Remove, Key: key, Value: value})
}

func (s *Store) request(op Op) {
	done := func(applied bool, err error) {
		if err != nil {
			slog.Debug("request failed", "self", s.self, "action", op.Action, "key", op.Key, "error", err)
		}
	}
	if err := s.enqueue(context.Background(), func() { s.route(op, done) }); err != nil {
		done(false, err)
	}
}

type outcome struct {
	applied bool
	err     error
}

// requestChecked blocks the caller, never the owner. Cancelling ctx stops
// the wait but not a request already sent to the leader.
func (s *Store) requestChecked(ctx context.Context, op Op) (bool, error) {
	result := make(chan outcome, 1)
	done := func(applied bool, err error) {
		select {
		case result <- outcome{applied: applied, err: err}:
		default:
		}
	}

	if err := s.enqueue(ctx, func() { s.route(op, done) }); err != nil {
		return false, err
	}

	select {
	case r := <-result:
		return r.applied, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	case <-s.done:
		select {
		case r := <-result:
			return r.applied, r.err
		default:
			return false, ErrClosed
		}
	}
}

// route sends a local request to wherever it can be committed: the pending
// log when this process leads or is suppressing, the believed leader
// otherwise.
func (s *Store) route(op Op, done completion) {
	switch s.machine.State() {
	case election.Init:
		observeRequest("local", false, ErrNotStarted)
		done(false, ErrNotStarted)
	case election.Announce, election.Suppress:
		s.appendLog(op, observed("local", done))
	case election.Listen:
		s.forward(s.machine.Leader(), logEntry{op: op, done: observed("forwarded", done)})
	}
}

func (s *Store) appendLog(op Op, done completion) {
	s.pending = append(s.pending, logEntry{op: op, done: done})
	metrics.ReplicationPendingLog.Set(float64(len(s.pending)))
}

func (s *Store) forward(leader string, e logEntry) {
	answer := func(resp bus.Response) {
		switch resp.Code {
		case bus.Accept:
			var r requestResult
			if err := resp.Decode(&r); err != nil {
				e.done(false, fmt.Errorf("decode answer from %s: %w", leader, err))
				return
			}
			e.done(r.Applied, nil)
		case bus.Deny:
			e.done(false, fmt.Errorf("%w: %s", ErrDenied, leader))
		default:
			e.done(false, fmt.Errorf("%w: %s", ErrNoResponse, leader))
		}
	}

	if !s.bus.SendJSON(leader, TopicRequest, requestMessage{Op: e.op}, bus.WithAnswer(answer, s.cfg.RequestTimeout)) {
		e.done(false, fmt.Errorf("%w: cannot reach %s", ErrNoResponse, leader))
	}
}

// forwardPending hands log entries that were never committed here to the
// new leader.
func (s *Store) forwardPending(leader string) {
	if len(s.pending) == 0 {
		return
	}
	pending := s.pending
	s.pending = nil
	metrics.ReplicationPendingLog.Set(0)

	slog.Info("forwarding pending log to new leader", "self", s.self, "leader", leader, "entries", len(pending))
	for _, e := range pending {
		s.forward(leader, e)
	}
}

func observed(route string, done completion) completion {
	return func(applied bool, err error) {
		observeRequest(route, applied, err)
		done(applied, err)
	}
}

func observeRequest(route string, applied bool, err error) {
	metrics.ReplicationRequestsTotal.WithLabelValues(route, resultLabel(applied, err)).Inc()
}

func resultLabel(applied bool, err error) string {
	switch {
	case err == nil && applied:
		return "applied"
	case err == nil:
		return "rejected"
	case errors.Is(err, ErrDenied):
		return "denied"
	case errors.Is(err, ErrNoResponse):
		return "no_response"
	case errors.Is(err, ErrNotStarted):
		return "not_started"
	default:
		return "failed"
	}
}
