package replication

import (
	"context"
	"log/slog"
	"time"

	"callsync/internal/bus"
	"callsync/internal/election"
)

func (s *Store) receiveAnnounce(msg *bus.Message) {
	var a announceMessage
	if err := msg.Decode(&a); err != nil {
		slog.Warn("malformed announce", "peer", msg.Peer, "error", err)
		return
	}

	rec := election.Record{
		Generation: a.Generation,
		StartTime:  time.Unix(0, a.StartTime),
		ID:         msg.Peer,
	}
	s.onOwner(msg, func() { s.machine.HandleAnnounce(msg.Peer, rec) })
}

func (s *Store) receiveUpdate(msg *bus.Message) {
	var u updateMessage
	if err := msg.Decode(&u); err != nil {
		slog.Warn("malformed update", "peer", msg.Peer, "error", err)
		msg.Reply(bus.Deny, nil)
		return
	}
	s.onOwner(msg, func() { s.applyUpdate(msg, u) })
}

func (s *Store) applyUpdate(msg *bus.Message, u updateMessage) {
	if msg.Peer != s.machine.Leader() || s.machine.State() != election.Listen || u.GenerationStart != s.generation {
		slog.Debug("denying update",
			"self", s.self,
			"peer", msg.Peer,
			"leader", s.machine.Leader(),
			"state", s.machine.State().String(),
			"generation_start", u.GenerationStart,
			"generation", s.generation,
		)
		msg.Reply(bus.Deny, nil)
		return
	}

	for _, op := range u.Entries {
		s.apply(op)
	}
	s.generation = u.GenerationEnd
	s.updateGauges()

	msg.ReplyJSON(bus.Accept, ackMessage{Generation: s.generation})
}

func (s *Store) receiveState(msg *bus.Message) {
	var st stateMessage
	if err := msg.Decode(&st); err != nil {
		slog.Warn("malformed state", "peer", msg.Peer, "error", err)
		msg.Reply(bus.Deny, nil)
		return
	}
	data, err := decodeSnapshot(st.Snapshot)
	if err != nil {
		slog.Warn("rejecting state", "peer", msg.Peer, "error", err)
		msg.Reply(bus.Deny, nil)
		return
	}
	s.onOwner(msg, func() { s.applyState(msg, st.Generation, data) })
}

// applyState replaces the whole map. Keys missing from the snapshot are
// removed first, then every snapshot key is reported as Set.
func (s *Store) applyState(msg *bus.Message, generation uint64, data map[string]string) {
	if msg.Peer != s.machine.Leader() {
		slog.Debug("denying state from non-leader", "self", s.self, "peer", msg.Peer, "leader", s.machine.Leader())
		msg.Reply(bus.Deny, nil)
		return
	}

	for _, k := range s.sortedKeys() {
		if _, ok := data[k]; ok {
			continue
		}
		v := s.data[k]
		delete(s.data, k)
		s.emit(ChangeEvent{Action: Remove, Key: k, Value: v})
	}

	s.data = data
	for _, k := range s.sortedKeys() {
		s.emit(ChangeEvent{Action: Set, Key: k, Value: data[k]})
	}
	s.generation = generation
	s.updateGauges()

	slog.Debug("adopted state", "self", s.self, "leader", msg.Peer, "generation", generation, "keys", len(data))
	msg.ReplyJSON(bus.Accept, ackMessage{Generation: s.generation})
}

func (s *Store) receiveRequest(msg *bus.Message) {
	var r requestMessage
	if err := msg.Decode(&r); err != nil {
		slog.Warn("malformed request", "peer", msg.Peer, "error", err)
		msg.Reply(bus.Deny, nil)
		return
	}

	s.onOwner(msg, func() {
		if !s.machine.IsLeader() {
			slog.Debug("denying request while not coordinator", "self", s.self, "peer", msg.Peer)
			observeRequest("remote", false, ErrDenied)
			msg.Reply(bus.Deny, nil)
			return
		}
		s.appendLog(r.Op, observed("remote", func(applied bool, err error) {
			if err != nil {
				msg.Reply(bus.Deny, nil)
				return
			}
			msg.ReplyJSON(bus.Accept, requestResult{Applied: applied})
		}))
	})
}

// receiveLeaderQuery always answers, even before a session has begun.
func (s *Store) receiveLeaderQuery(msg *bus.Message) {
	err := s.enqueue(context.Background(), func() {
		msg.ReplyJSON(bus.Accept, leaderMessage{Leader: s.machine.Leader()})
	})
	if err != nil {
		msg.ReplyJSON(bus.Accept, leaderMessage{})
	}
}

// onOwner runs fn on the owner goroutine, denying msg when the store is
// closed.
func (s *Store) onOwner(msg *bus.Message, fn func()) {
	if err := s.enqueue(context.Background(), fn); err != nil {
		slog.Debug("dropping message for closed store", "peer", msg.Peer, "topic", msg.Topic, "error", err)
		msg.Reply(bus.Deny, nil)
	}
}
