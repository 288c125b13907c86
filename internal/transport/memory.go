package transport

import (
	"fmt"
	"log/slog"
	"sync"

	"callsync/internal/ports"
)

// MemoryNetwork connects MemoryProviders inside one process. Each link keeps
// per-direction ordering and delivers asynchronously so handlers may send
// from inside a callback.
type MemoryNetwork struct {
	mu        sync.Mutex
	providers map[string]*MemoryProvider
	links     map[linkKey]*memoryLink
}

type linkKey struct{ a, b string }

func keyFor(a, b string) linkKey {
	if a > b {
		a, b = b, a
	}
	return linkKey{a: a, b: b}
}

type memoryLink struct {
	ends map[string]*memoryChannel
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		providers: make(map[string]*MemoryProvider),
		links:     make(map[linkKey]*memoryLink),
	}
}

// Provider returns the provider for self, creating it on first use.
func (n *MemoryNetwork) Provider(self string) *MemoryProvider {
	n.mu.Lock()
	defer n.mu.Unlock()

	if p, ok := n.providers[self]; ok {
		return p
	}
	p := &MemoryProvider{network: n, self: self}
	n.providers[self] = p
	return p
}

// Break fails the link between a and b: both sides observe OnError.
func (n *MemoryNetwork) Break(a, b string) {
	link := n.detach(a, b)
	if link == nil {
		return
	}
	for _, end := range link.ends {
		end.shutdown(ports.ChannelError)
	}
	for _, end := range link.ends {
		end.owner.emitError(end.peer, fmt.Errorf("%w: link %s<->%s broken", ErrChannelClosed, a, b))
	}
}

// Sever closes the link between a and b cleanly: both sides observe OnClosed.
func (n *MemoryNetwork) Sever(a, b string) {
	link := n.detach(a, b)
	if link == nil {
		return
	}
	for _, end := range link.ends {
		end.shutdown(ports.ChannelNone)
	}
	for _, end := range link.ends {
		end.owner.emitClosed(end.peer)
	}
}

// Mute silently drops frames sent from -> to while muted is true.
func (n *MemoryNetwork) Mute(from, to string, muted bool) {
	n.mu.Lock()
	link := n.links[keyFor(from, to)]
	n.mu.Unlock()

	if link == nil {
		return
	}
	if end, ok := link.ends[from]; ok {
		end.mu.Lock()
		end.muted = muted
		end.mu.Unlock()
	}
}

func (n *MemoryNetwork) detach(a, b string) *memoryLink {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := keyFor(a, b)
	link := n.links[key]
	delete(n.links, key)
	return link
}

type MemoryProvider struct {
	network *MemoryNetwork
	self    string

	mu     sync.RWMutex
	events ports.ChannelEvents
}

func (p *MemoryProvider) SelfID() string { return p.self }

func (p *MemoryProvider) Listen(events ports.ChannelEvents) {
	p.mu.Lock()
	p.events = events
	p.mu.Unlock()
}

func (p *MemoryProvider) listener() ports.ChannelEvents {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.events
}

// Open links self and peer. Opening an existing link is a no-op.
func (p *MemoryProvider) Open(peer string) error {
	n := p.network

	n.mu.Lock()
	remote, ok := n.providers[peer]
	if !ok || peer == p.self {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	if p.listener() == nil || remote.listener() == nil {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s has no listener", ErrUnknownPeer, peer)
	}

	key := keyFor(p.self, peer)
	if _, exists := n.links[key]; exists {
		n.mu.Unlock()
		return nil
	}

	local := newMemoryChannel(p, peer)
	far := newMemoryChannel(remote, p.self)
	local.remote, far.remote = far, local
	n.links[key] = &memoryLink{ends: map[string]*memoryChannel{p.self: local, peer: far}}
	n.mu.Unlock()

	// Both ends learn about the channel before any delivery starts so the
	// first readiness ping is not dropped.
	remote.listener().OnOpened(far)
	p.listener().OnOpened(local)

	go far.pump()
	go local.pump()

	slog.Debug("memory link opened", "self", p.self, "peer", peer)
	return nil
}

func (p *MemoryProvider) Close(peer string) error {
	link := p.network.detach(p.self, peer)
	if link == nil {
		return nil
	}
	for _, end := range link.ends {
		end.shutdown(ports.ChannelNone)
	}
	for _, end := range link.ends {
		end.owner.emitClosed(end.peer)
	}
	return nil
}

func (p *MemoryProvider) emitClosed(peer string) {
	if l := p.listener(); l != nil {
		l.OnClosed(peer)
	}
}

func (p *MemoryProvider) emitError(peer string, err error) {
	if l := p.listener(); l != nil {
		l.OnError(peer, err)
	}
}

type memoryChannel struct {
	owner  *MemoryProvider
	peer   string
	remote *memoryChannel

	mu     sync.Mutex
	state  ports.ChannelState
	muted  bool
	inbox  [][]byte
	signal chan struct{}
	done   chan struct{}
}

func newMemoryChannel(owner *MemoryProvider, peer string) *memoryChannel {
	return &memoryChannel{
		owner:  owner,
		peer:   peer,
		state:  ports.ChannelConnected,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (c *memoryChannel) Peer() string { return c.peer }

func (c *memoryChannel) State() ports.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *memoryChannel) Send(data []byte) error {
	c.mu.Lock()
	state, muted := c.state, c.muted
	c.mu.Unlock()

	if state != ports.ChannelConnected {
		return fmt.Errorf("%w: %s is %s", ErrChannelClosed, c.peer, state)
	}
	if muted {
		return nil
	}
	c.remote.push(append([]byte(nil), data...))
	return nil
}

func (c *memoryChannel) Close() error {
	return c.owner.Close(c.peer)
}

func (c *memoryChannel) push(data []byte) {
	c.mu.Lock()
	if c.state != ports.ChannelConnected {
		c.mu.Unlock()
		return
	}
	c.inbox = append(c.inbox, data)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *memoryChannel) shutdown(final ports.ChannelState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ports.ChannelConnected {
		return
	}
	c.state = final
	c.inbox = nil
	close(c.done)
}

func (c *memoryChannel) pump() {
	for {
		select {
		case <-c.done:
			return
		case <-c.signal:
		}

		c.mu.Lock()
		batch := c.inbox
		c.inbox = nil
		c.mu.Unlock()

		l := c.owner.listener()
		for _, data := range batch {
			select {
			case <-c.done:
				return
			default:
			}
			if l != nil {
				l.OnMessage(c.peer, data)
			}
		}
	}
}
