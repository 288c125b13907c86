package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"callsync/internal/bus"
	"callsync/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

type recorder struct {
	mu       sync.Mutex
	channels map[string]ports.Channel
	messages map[string][]string
	closed   []string
	errored  []string
}

func newRecorder() *recorder {
	return &recorder{channels: make(map[string]ports.Channel), messages: make(map[string][]string)}
}

func (r *recorder) OnOpened(ch ports.Channel) {
	r.mu.Lock()
	r.channels[ch.Peer()] = ch
	r.mu.Unlock()
}

func (r *recorder) OnClosed(peer string) {
	r.mu.Lock()
	r.closed = append(r.closed, peer)
	r.mu.Unlock()
}

func (r *recorder) OnError(peer string, err error) {
	r.mu.Lock()
	r.errored = append(r.errored, peer)
	r.mu.Unlock()
}

func (r *recorder) OnMessage(peer string, data []byte) {
	r.mu.Lock()
	r.messages[peer] = append(r.messages[peer], string(data))
	r.mu.Unlock()
}

func (r *recorder) channel(peer string) ports.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[peer]
}

func (r *recorder) received(peer string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages[peer]...)
}

func (r *recorder) closedPeers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closed...)
}

// bufNet serves every provider on its own in-memory listener and routes
// dials by target name.
type bufNet struct {
	listeners map[string]*bufconn.Listener
}

func (n *bufNet) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		return n.listeners[addr].DialContext(ctx)
	})
}

func newGRPCPair(t *testing.T, ids ...string) map[string]*GRPCProvider {
	t.Helper()
	n := &bufNet{listeners: make(map[string]*bufconn.Listener)}
	for _, id := range ids {
		n.listeners[id] = bufconn.Listen(1 << 20)
	}

	out := make(map[string]*GRPCProvider)
	for _, id := range ids {
		peers := make(map[string]string)
		for _, other := range ids {
			if other != id {
				peers[other] = "passthrough:///" + other
			}
		}
		p := NewGRPCProvider(GRPCConfig{Self: id, Peers: peers, DialOptions: []grpc.DialOption{n.dialer()}})
		p.Serve(n.listeners[id])
		t.Cleanup(func() { _ = p.Shutdown() })
		out[id] = p
	}
	return out
}

func TestGRPCProvider_LowerIDDialsAndFramesFlowBothWays(t *testing.T) {
	providers := newGRPCPair(t, "alice", "bob")
	alice, bob := newRecorder(), newRecorder()
	providers["alice"].Listen(alice)
	providers["bob"].Listen(bob)

	require.NoError(t, providers["bob"].Open("alice"))
	assert.Nil(t, bob.channel("alice"), "higher id waits to be dialed")

	require.NoError(t, providers["alice"].Open("bob"))
	ch := alice.channel("bob")
	require.NotNil(t, ch)
	require.NoError(t, ch.Send([]byte("hello")))

	require.Eventually(t, func() bool { return bob.channel("alice") != nil }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(bob.received("alice")) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hello"}, bob.received("alice"))

	require.NoError(t, bob.channel("alice").Send([]byte("hi back")))
	require.Eventually(t, func() bool { return len(alice.received("bob")) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, providers["alice"].Close("bob"))
	require.Eventually(t, func() bool { return len(alice.closedPeers()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(bob.closedPeers()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Error(t, ch.Send([]byte("late")))
}

func TestGRPCProvider_UnknownPeer(t *testing.T) {
	providers := newGRPCPair(t, "alice")
	providers["alice"].Listen(newRecorder())

	assert.ErrorIs(t, providers["alice"].Open("zed"), ErrUnknownPeer)
	assert.ErrorIs(t, providers["alice"].Open("alice"), ErrUnknownPeer)
}

func TestGRPCProvider_CarriesBusHandshake(t *testing.T) {
	providers := newGRPCPair(t, "alice", "bob")
	buses := make(map[string]*bus.Bus)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	for id, p := range providers {
		b := bus.New(bus.Config{TickInterval: 5 * time.Millisecond, PingInterval: 20 * time.Millisecond})
		p.Listen(b)
		go b.Run(ctx)
		buses[id] = b
	}

	got := make(chan string, 1)
	buses["bob"].RegisterHandler("greet", func(m *bus.Message) {
		m.Reply(bus.Accept, append([]byte("hi "), m.Body...))
	})

	require.NoError(t, providers["alice"].Open("bob"))
	require.Eventually(t, func() bool {
		return len(buses["alice"].Peers()) == 1 && len(buses["bob"].Peers()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, buses["alice"].Send("bob", "greet", []byte("alice"), bus.WithAnswer(func(r bus.Response) {
		got <- string(r.Body)
	}, time.Second)))

	select {
	case body := <-got:
		assert.Equal(t, "hi alice", body)
	case <-time.After(2 * time.Second):
		t.Fatal("no answer over grpc")
	}
}
