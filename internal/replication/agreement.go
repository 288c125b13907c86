package replication

import (
	"context"
	"log/slog"
	"time"

	"callsync/internal/bus"
)

// CheckLeaderAgreement asks every connected peer which leader it believes
// in and reports whether all of them agree with this process. Unreachable
// or silent peers count as disagreement; with no peers it is trivially true.
func (s *Store) CheckLeaderAgreement(ctx context.Context, timeout time.Duration) bool {
	var mine string
	if err := s.call(ctx, func() { mine = s.machine.Leader() }); err != nil {
		slog.Debug("leader agreement check aborted", "self", s.self, "error", err)
		return false
	}

	peers := s.bus.Peers()
	if len(peers) == 0 {
		return true
	}

	answers := make(chan bus.Response, len(peers))
	sent := 0
	for _, p := range peers {
		ok := s.bus.SendJSON(p, TopicLeader, struct{}{}, bus.WithAnswer(func(resp bus.Response) {
			answers <- resp
		}, timeout))
		if ok {
			sent++
		}
	}
	if sent < len(peers) {
		slog.Debug("leader agreement check could not reach every peer", "self", s.self, "peers", len(peers), "sent", sent)
		return false
	}

	agreed := true
	for i := 0; i < sent; i++ {
		select {
		case <-ctx.Done():
			return false
		case resp := <-answers:
			if resp.Code != bus.Accept {
				slog.Debug("peer did not report a leader", "self", s.self, "peer", resp.Peer, "code", resp.Code.String())
				agreed = false
				continue
			}
			var l leaderMessage
			if err := resp.Decode(&l); err != nil || l.Leader != mine {
				slog.Debug("leader disagreement", "self", s.self, "peer", resp.Peer, "theirs", l.Leader, "mine", mine)
				agreed = false
			}
		}
	}
	return agreed
}
