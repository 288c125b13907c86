package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"time"

	"callsync/internal/bus"
	"callsync/internal/call"
	"callsync/internal/configuration"
	"callsync/internal/election"
	"callsync/internal/metrics"
	"callsync/internal/ports"
	"callsync/internal/replication"
	"callsync/internal/transport"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Node is one call participant: transport, bus, replicated store and the
// session that ties call membership to them.
type Node struct {
	props *configuration.Properties

	Bus      *bus.Bus
	Provider *transport.GRPCProvider
	Store    *replication.Store
	Session  *call.Session
	metrics  *metrics.Server

	listener net.Listener
}

func NewNode(props *configuration.Properties) *Node {
	self := props.App.NodeID

	b := bus.New(bus.Config{
		TickInterval:  props.Bus.Tick(),
		PingInterval:  props.Bus.Ping(),
		QueueSize:     props.Bus.QueueSize,
		AnswerTimeout: props.Bus.Answer(),
	})

	provider := transport.NewGRPCProvider(transport.GRPCConfig{
		Self:                 self,
		Network:              props.Transport.Network,
		Address:              props.Transport.ListenAddress(),
		Peers:                props.Transport.Peers,
		MaxConcurrentStreams: props.Transport.MaxConcurrentStreams,
	})
	provider.Listen(b)

	store := replication.New(replication.Config{
		TickInterval:    props.Replication.Tick(),
		SyncInterval:    props.Replication.Sync(),
		RequestTimeout:  props.Replication.Request(),
		ActionQueueSize: props.Replication.ActionQueueSize,
		Election: election.Config{
			SuppressMax:      props.Election.Suppress(),
			AnnounceInterval: props.Election.Announce(),
			ListenTimeout:    props.Election.Listen(),
		},
	}, b, self)

	n := &Node{
		props:    props,
		Bus:      b,
		Provider: provider,
		Store:    store,
		Session:  call.NewSession(provider, b, store),
	}
	if props.Metrics.Enabled {
		n.metrics = metrics.NewServer(props.Metrics.Address, n.health)
	}

	store.OnElectionChange(func(st election.Status) {
		slog.Info("election state changed", "self", self, "state", st.State.String(), "leader", st.Leader)
	})
	store.Subscribe(func(ev replication.ChangeEvent) {
		slog.Debug("replicated change", "self", self, "action", string(ev.Action), "key", ev.Key)
	})
	return n
}

func (n *Node) health() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := n.Store.Status(ctx); err != nil {
		return fmt.Errorf("store unavailable: %w", err)
	}
	return nil
}

// Addr is the bound peer transport address once Start has returned.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Start binds the peer transport and the metrics endpoint.
func (n *Node) Start() error {
	lis, err := n.Provider.Start()
	if err != nil {
		return err
	}
	n.listener = lis

	if n.metrics != nil {
		if err := n.metrics.Start(); err != nil {
			return multierr.Combine(err, n.Provider.Shutdown())
		}
	}
	return nil
}

// Run joins every configured peer to the call and serves until ctx is done,
// then hangs up and tears the node down.
func (n *Node) Run(ctx context.Context) error {
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return n.Bus.Run(gctx) })
	g.Go(func() error { return n.Store.Run(gctx) })

	peers := slices.Sorted(maps.Keys(n.props.Transport.Peers))
	for _, p := range peers {
		if err := n.Session.ContactAdded(p); err != nil {
			slog.Warn("contact not reachable yet", "peer", p, "error", err)
		}
	}
	if len(peers) == 0 {
		n.Store.Begin()
	}

	n.reconnect(ctx, gctx)

	err := n.Session.Hangup()
	stop()
	err = multierr.Append(err, g.Wait())
	err = multierr.Append(err, n.Provider.Shutdown())
	if n.metrics != nil {
		n.metrics.Stop()
	}
	slog.Info("node stopped", "self", n.props.App.NodeID)
	return err
}

func (n *Node) reconnect(ctx, gctx context.Context) {
	interval := n.props.Transport.Reconnect()
	if interval <= 0 {
		select {
		case <-ctx.Done():
		case <-gctx.Done():
		}
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-gctx.Done():
			return
		case <-ticker.C:
			err := n.Session.Reopen(func(peer string) bool {
				return n.Bus.PeerState(peer) != ports.ChannelNone
			})
			if err != nil {
				slog.Debug("reconnect attempt failed", "error", err)
			}
		}
	}
}
