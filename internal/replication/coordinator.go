package replication

import (
	"context"
	"log/slog"
	"slices"

	"callsync/internal/bus"
	"callsync/internal/election"
	"callsync/internal/metrics"
)

// syncFollowers is the coordinator's replication step. Followers that are
// behind and idle get a full State; once everyone is caught up the pending
// log is committed and shipped as one Update.
func (s *Store) syncFollowers() {
	s.reconcileFollowers()

	ids := s.followerIDs()
	caughtUp := true
	for _, id := range ids {
		f := s.followers[id]
		if f.acked == int64(s.generation) && !f.awaiting {
			continue
		}
		caughtUp = false
		if f.awaiting {
			continue
		}
		s.sendState(id, f)
	}

	if !caughtUp || len(s.pending) == 0 {
		return
	}
	s.commit(ids)
}

// reconcileFollowers tracks exactly the bus's connected peers. Newly seen
// peers have never acknowledged anything.
func (s *Store) reconcileFollowers() {
	peers := s.bus.Peers()
	for _, p := range peers {
		if _, ok := s.followers[p]; !ok {
			s.followers[p] = &follower{acked: -1}
			slog.Debug("tracking follower", "self", s.self, "peer", p)
		}
	}
	for id := range s.followers {
		if !slices.Contains(peers, id) {
			delete(s.followers, id)
		}
	}
}

func (s *Store) followerIDs() []string {
	ids := make([]string, 0, len(s.followers))
	for id := range s.followers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Store) sendState(peer string, f *follower) {
	snapshot, err := encodeSnapshot(s.data)
	if err != nil {
		slog.Error("failed to encode snapshot", "self", s.self, "error", err)
		return
	}

	msg := stateMessage{Generation: s.generation, Snapshot: snapshot}
	if !s.bus.SendJSON(peer, TopicState, msg, bus.WithAnswer(s.followerAnswer(peer, f), s.cfg.RequestTimeout)) {
		slog.Debug("state send rejected", "self", s.self, "peer", peer)
		return
	}

	f.awaiting = true
	metrics.ReplicationMessagesTotal.WithLabelValues("state").Inc()
	slog.Debug("sent state",
		"self", s.self,
		"peer", peer,
		"generation", s.generation,
		"keys", len(s.data),
		"acked", f.acked,
	)
}

func (s *Store) commit(followers []string) {
	entries := s.pending
	s.pending = nil

	start := s.generation
	ops := make([]Op, 0, len(entries))
	for _, e := range entries {
		applied := s.apply(e.op)
		ops = append(ops, e.op)
		e.done(applied, nil)
	}
	s.generation += uint64(len(entries))

	metrics.ReplicationCommitSize.Observe(float64(len(entries)))
	s.updateGauges()

	update := updateMessage{GenerationStart: start, GenerationEnd: s.generation, Entries: ops}
	for _, id := range followers {
		f := s.followers[id]
		if !s.bus.SendJSON(id, TopicUpdate, update, bus.WithAnswer(s.followerAnswer(id, f), s.cfg.RequestTimeout)) {
			slog.Debug("update send rejected", "self", s.self, "peer", id)
			continue
		}
		f.awaiting = true
		metrics.ReplicationMessagesTotal.WithLabelValues("update").Inc()
	}

	slog.Debug("committed log",
		"self", s.self,
		"entries", len(entries),
		"generation_start", start,
		"generation_end", s.generation,
		"followers", len(followers),
	)
}

// followerAnswer returns the answer handler for a State or Update sent to
// peer while f tracked it. Any answer clears awaiting; only Accept advances
// the acknowledged generation.
func (s *Store) followerAnswer(peer string, f *follower) bus.AnswerHandler {
	return func(resp bus.Response) {
		var ack ackMessage
		if resp.Code == bus.Accept {
			if err := resp.Decode(&ack); err != nil {
				slog.Warn("malformed acknowledgment", "self", s.self, "peer", peer, "error", err)
			}
		}

		err := s.enqueue(context.Background(), func() {
			s.recordAnswer(peer, f, resp.Code, ack.Generation)
		})
		if err != nil {
			slog.Debug("acknowledgment dropped", "peer", peer, "error", err)
		}
	}
}

// recordAnswer ignores answers to messages sent before the follower's
// record was replaced by a reconnect.
func (s *Store) recordAnswer(peer string, f *follower, code bus.AnswerCode, generation uint64) {
	if !s.machine.IsLeader() {
		return
	}
	if current, ok := s.followers[peer]; !ok || current != f {
		slog.Debug("stale follower answer", "self", s.self, "peer", peer, "code", code.String())
		return
	}

	f.awaiting = false
	if code == bus.Accept {
		f.acked = int64(generation)
		return
	}
	slog.Debug("follower did not acknowledge", "self", s.self, "peer", peer, "code", code.String())
}

func (s *Store) peerClosed(peer string) {
	err := s.enqueue(context.Background(), func() {
		if _, ok := s.followers[peer]; ok {
			delete(s.followers, peer)
			slog.Info("dropped follower", "self", s.self, "peer", peer)
		}
	})
	if err != nil {
		slog.Debug("close notification dropped", "peer", peer, "error", err)
	}
}

func (s *Store) broadcastAnnounce(rec election.Record) {
	msg := announceMessage{
		Generation: rec.Generation,
		StartTime:  rec.StartTime.UnixNano(),
		ID:         rec.ID,
	}
	n := s.bus.BroadcastJSON(TopicAnnounce, msg)
	metrics.ReplicationMessagesTotal.WithLabelValues("announce").Add(float64(n))
}
