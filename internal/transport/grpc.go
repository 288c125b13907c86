package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"callsync/internal/metrics"
	"callsync/internal/ports"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	peerIDHeader  = "x-peer-id"
	connectMethod = "/callsync.transport.PeerChannel/Connect"
)

type peerChannelServer interface {
	Connect(stream grpc.ServerStream) error
}

var peerChannelDesc = grpc.ServiceDesc{
	ServiceName: "callsync.transport.PeerChannel",
	HandlerType: (*peerChannelServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "callsync/transport/peer_channel",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(peerChannelServer).Connect(stream)
}

type GRPCConfig struct {
	Self    string
	Network string
	Address string
	// Peers maps peer id to dial target.
	Peers                map[string]string
	MaxConcurrentStreams uint32
	DialOptions          []grpc.DialOption
}

// GRPCProvider carries peer channels over one bidirectional gRPC stream per
// pair. The peer with the lower id dials; the other accepts.
type GRPCProvider struct {
	cfg    GRPCConfig
	server *grpc.Server

	mu       sync.Mutex
	events   ports.ChannelEvents
	channels map[string]*streamChannel
	conns    map[string]*grpc.ClientConn
}

func NewGRPCProvider(cfg GRPCConfig) *GRPCProvider {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}

	opts := []grpc.ServerOption{grpc.ChainStreamInterceptor(metrics.StreamServerInterceptor())}
	if cfg.MaxConcurrentStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(cfg.MaxConcurrentStreams))
	}

	p := &GRPCProvider{
		cfg:      cfg,
		server:   grpc.NewServer(opts...),
		channels: make(map[string]*streamChannel),
		conns:    make(map[string]*grpc.ClientConn),
	}
	p.server.RegisterService(&peerChannelDesc, p)
	reflection.Register(p.server)
	return p
}

func (p *GRPCProvider) SelfID() string { return p.cfg.Self }

// Start listens on the configured address and serves in the background.
func (p *GRPCProvider) Start() (net.Listener, error) {
	lis, err := net.Listen(p.cfg.Network, p.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("peer transport listen: %w", err)
	}
	p.Serve(lis)
	return lis, nil
}

func (p *GRPCProvider) Serve(lis net.Listener) {
	slog.Info("peer transport listening", "self", p.cfg.Self, "addr", lis.Addr().String())
	go func() {
		if err := p.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			slog.Error("peer transport serve failed", "error", err)
		}
	}()
}

func (p *GRPCProvider) Listen(events ports.ChannelEvents) {
	p.mu.Lock()
	p.events = events
	p.mu.Unlock()
}

func (p *GRPCProvider) listener() ports.ChannelEvents {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events
}

// Open dials peer when this process has the lower id. Otherwise the channel
// appears once the peer dials in.
func (p *GRPCProvider) Open(peer string) error {
	if peer == p.cfg.Self {
		return fmt.Errorf("%w: cannot open a channel to self", ErrUnknownPeer)
	}

	p.mu.Lock()
	if _, ok := p.channels[peer]; ok {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if p.cfg.Self > peer {
		slog.Debug("waiting for peer to dial", "self", p.cfg.Self, "peer", peer)
		return nil
	}

	conn, err := p.conn(peer)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctx = metadata.AppendToOutgoingContext(ctx, peerIDHeader, p.cfg.Self)
	stream, err := conn.NewStream(ctx, &peerChannelDesc.Streams[0], connectMethod)
	if err != nil {
		cancel()
		return fmt.Errorf("connect to %s: %w", peer, err)
	}

	ch := newStreamChannel(peer, stream, func() {
		_ = stream.CloseSend()
		cancel()
	})
	p.attach(ch)
	go p.pump(ch)
	return nil
}

func (p *GRPCProvider) conn(peer string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.conns[peer]; ok {
		return c, nil
	}
	addr, ok := p.cfg.Peers[peer]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no address", ErrUnknownPeer, peer)
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}, p.cfg.DialOptions...)

	c, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s at %s: %w", peer, addr, err)
	}
	p.conns[peer] = c
	return c, nil
}

// Connect serves an inbound channel until either side closes it.
func (p *GRPCProvider) Connect(stream grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	ids := md.Get(peerIDHeader)
	if len(ids) == 0 || ids[0] == "" {
		return status.Error(codes.InvalidArgument, "missing "+peerIDHeader)
	}
	peer := ids[0]

	done := make(chan struct{})
	var once sync.Once
	ch := newStreamChannel(peer, stream, func() { once.Do(func() { close(done) }) })
	p.attach(ch)

	recvDone := make(chan struct{})
	go func() {
		p.pump(ch)
		close(recvDone)
	}()

	select {
	case <-recvDone:
	case <-done:
		p.finish(ch, nil)
	case <-stream.Context().Done():
		p.finish(ch, stream.Context().Err())
	}
	return nil
}

func (p *GRPCProvider) attach(ch *streamChannel) {
	p.mu.Lock()
	old := p.channels[ch.peer]
	p.channels[ch.peer] = ch
	p.mu.Unlock()

	if old != nil {
		old.shutdown()
	}

	slog.Info("peer stream opened", "self", p.cfg.Self, "peer", ch.peer)
	if l := p.listener(); l != nil {
		l.OnOpened(ch)
	}
}

func (p *GRPCProvider) pump(ch *streamChannel) {
	for {
		msg := &wrapperspb.BytesValue{}
		if err := ch.stream.RecvMsg(msg); err != nil {
			p.finish(ch, err)
			return
		}
		if ch.closing() {
			continue
		}
		if l := p.listener(); l != nil {
			l.OnMessage(ch.peer, msg.GetValue())
		}
	}
}

// finish detaches ch and reports a clean close or an error exactly once.
func (p *GRPCProvider) finish(ch *streamChannel, err error) {
	if !ch.markDone() {
		return
	}

	p.mu.Lock()
	current := p.channels[ch.peer] == ch
	if current {
		delete(p.channels, ch.peer)
	}
	p.mu.Unlock()

	if !current {
		return
	}

	l := p.listener()
	if l == nil {
		return
	}
	if ch.closing() || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled {
		slog.Info("peer stream closed", "self", p.cfg.Self, "peer", ch.peer)
		l.OnClosed(ch.peer)
		return
	}
	slog.Warn("peer stream failed", "self", p.cfg.Self, "peer", ch.peer, "error", err)
	l.OnError(ch.peer, fmt.Errorf("%w: %v", ErrChannelClosed, err))
}

func (p *GRPCProvider) Close(peer string) error {
	p.mu.Lock()
	ch := p.channels[peer]
	p.mu.Unlock()

	if ch == nil {
		return nil
	}
	ch.shutdown()
	return nil
}

// Shutdown closes every channel and connection and stops the server.
func (p *GRPCProvider) Shutdown() error {
	p.mu.Lock()
	channels := make([]*streamChannel, 0, len(p.channels))
	for _, ch := range p.channels {
		channels = append(channels, ch)
	}
	conns := p.conns
	p.conns = make(map[string]*grpc.ClientConn)
	p.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown()
	}

	var err error
	for peer, c := range conns {
		if cerr := c.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close connection to %s: %w", peer, cerr))
		}
	}

	p.server.GracefulStop()
	slog.Info("peer transport stopped", "self", p.cfg.Self)
	return err
}

type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

type streamChannel struct {
	peer   string
	stream msgStream
	stop   func()

	sendMu sync.Mutex

	mu     sync.Mutex
	state  ports.ChannelState
	closed bool
	done   bool
}

func newStreamChannel(peer string, stream msgStream, stop func()) *streamChannel {
	return &streamChannel{peer: peer, stream: stream, stop: stop, state: ports.ChannelConnected}
}

func (c *streamChannel) Peer() string { return c.peer }

func (c *streamChannel) State() ports.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *streamChannel) Send(data []byte) error {
	if c.State() != ports.ChannelConnected {
		return fmt.Errorf("%w: %s", ErrChannelClosed, c.peer)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.SendMsg(&wrapperspb.BytesValue{Value: data}); err != nil {
		return fmt.Errorf("send to %s: %w", c.peer, err)
	}
	return nil
}

func (c *streamChannel) Close() error {
	c.shutdown()
	return nil
}

func (c *streamChannel) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = ports.ChannelClosing
	c.mu.Unlock()

	c.stop()
}

func (c *streamChannel) closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *streamChannel) markDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return false
	}
	c.done = true
	if c.closed {
		c.state = ports.ChannelNone
	} else {
		c.state = ports.ChannelError
	}
	return true
}
