package call

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"callsync/internal/ports"

	"go.uber.org/multierr"
)

// Replicator is the session-scoped part of the replicated store.
type Replicator interface {
	Begin()
	Stop()
}

type QueueClearer interface {
	ClearQueue(peer string) int
}

// Session maps call membership onto peer channels. The first contact starts
// election and replication; the last one leaving stops them.
type Session struct {
	provider ports.ChannelProvider
	queues   QueueClearer
	store    Replicator

	mu       sync.Mutex
	contacts map[string]struct{}
}

func NewSession(provider ports.ChannelProvider, queues QueueClearer, store Replicator) *Session {
	return &Session{
		provider: provider,
		queues:   queues,
		store:    store,
		contacts: make(map[string]struct{}),
	}
}

func (s *Session) ContactAdded(peer string) error {
	s.mu.Lock()
	if _, ok := s.contacts[peer]; ok {
		s.mu.Unlock()
		return nil
	}
	s.contacts[peer] = struct{}{}
	first := len(s.contacts) == 1
	s.mu.Unlock()

	if first {
		slog.Info("call started", "peer", peer)
		s.store.Begin()
	}

	if err := s.provider.Open(peer); err != nil {
		return fmt.Errorf("open channel to %s: %w", peer, err)
	}
	slog.Info("contact added", "peer", peer)
	return nil
}

func (s *Session) ContactRemoved(peer string) error {
	s.mu.Lock()
	if _, ok := s.contacts[peer]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.contacts, peer)
	empty := len(s.contacts) == 0
	s.mu.Unlock()

	err := s.closePeer(peer)
	slog.Info("contact removed", "peer", peer)

	if empty {
		slog.Info("call ended", "reason", "last contact left")
		s.store.Stop()
	}
	return err
}

// Hangup leaves the call: every channel is closed and the session stops.
func (s *Session) Hangup() error {
	s.mu.Lock()
	peers := make([]string, 0, len(s.contacts))
	for p := range s.contacts {
		peers = append(peers, p)
	}
	clear(s.contacts)
	s.mu.Unlock()

	slices.Sort(peers)
	var err error
	for _, p := range peers {
		err = multierr.Append(err, s.closePeer(p))
	}

	s.store.Stop()
	slog.Info("call ended", "reason", "hangup", "contacts", len(peers))
	return err
}

func (s *Session) Logout() error {
	return s.Hangup()
}

func (s *Session) Contacts() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.contacts))
	for p := range s.contacts {
		out = append(out, p)
	}
	s.mu.Unlock()

	slices.Sort(out)
	return out
}

// Reopen retries the channel of every contact for which connected reports
// false. It returns the combined open errors.
func (s *Session) Reopen(connected func(peer string) bool) error {
	var err error
	for _, p := range s.Contacts() {
		if connected(p) {
			continue
		}
		if oerr := s.provider.Open(p); oerr != nil {
			err = multierr.Append(err, fmt.Errorf("reopen channel to %s: %w", p, oerr))
		}
	}
	return err
}

func (s *Session) closePeer(peer string) error {
	if n := s.queues.ClearQueue(peer); n > 0 {
		slog.Debug("dropped queued frames", "peer", peer, "count", n)
	}
	if err := s.provider.Close(peer); err != nil {
		return fmt.Errorf("close channel to %s: %w", peer, err)
	}
	return nil
}
