package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"callsync/internal/metrics"
	"callsync/internal/ports"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

type Config struct {
	TickInterval  time.Duration
	PingInterval  time.Duration
	QueueSize     int
	AnswerTimeout time.Duration
	Clock         clock.Clock
}

type peer struct {
	id string
	ch ports.Channel

	// sendMu serializes writes so per-peer order matches send order.
	sendMu sync.Mutex

	// guarded by Bus.peersMu
	state    ports.ChannelState
	lastPing time.Time
}

type queueEntry struct {
	data      []byte
	messageID uuid.UUID
	onSent    func()
}

// Bus multiplexes topic messages over per-peer channels. It implements
// ports.ChannelEvents and is registered with a ChannelProvider.
type Bus struct {
	cfg   Config
	clock clock.Clock

	peersMu sync.RWMutex
	peers   map[string]*peer
	queues  map[string][]queueEntry

	handlers *registry
	answers  *correlations

	observersMu sync.RWMutex
	onReady     []func(peer string)
	onClose     []func(peer string)

	lastTick time.Time
}

func New(cfg Config) *Bus {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 20 * time.Millisecond
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 250 * time.Millisecond
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = 5 * time.Second
	}

	b := &Bus{
		cfg:      cfg,
		clock:    cfg.Clock,
		peers:    make(map[string]*peer),
		queues:   make(map[string][]queueEntry),
		handlers: newRegistry(),
		answers:  newCorrelations(),
		lastTick: cfg.Clock.Now(),
	}

	slog.Info("message bus created",
		"tick_interval", cfg.TickInterval,
		"ping_interval", cfg.PingInterval,
		"queue_size", cfg.QueueSize,
	)
	return b
}

// Run drives answer timeouts and readiness pings until ctx is done.
func (b *Bus) Run(ctx context.Context) error {
	ticker := b.clock.Ticker(b.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("message bus loop stopping")
			return nil
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *Bus) tick() {
	now := b.clock.Now()
	elapsed := now.Sub(b.lastTick)
	b.lastTick = now

	for _, p := range b.answers.expire(elapsed) {
		slog.Debug("answer timed out", "peer", p.peer, "topic", p.topic)
		metrics.BusAnswersTotal.WithLabelValues(NoResponse.String()).Inc()
		p.handler(Response{Peer: p.peer, Topic: p.topic, Code: NoResponse})
	}

	b.pingConnecting(now)
}

func (b *Bus) pingConnecting(now time.Time) {
	var due []*peer

	b.peersMu.Lock()
	for _, p := range b.peers {
		if p.state == ports.ChannelConnecting && now.Sub(p.lastPing) >= b.cfg.PingInterval {
			p.lastPing = now
			due = append(due, p)
		}
	}
	b.peersMu.Unlock()

	for _, p := range due {
		if err := b.write(p, Encode(Frame{Kind: Ping}), Ping, nil); err != nil {
			slog.Debug("readiness ping failed", "peer", p.id, "error", err)
		}
	}
}

func (b *Bus) RegisterHandler(topic string, h Handler) HandlerID {
	return b.handlers.add(topic, h)
}

func (b *Bus) RegisterWildcardHandler(h Handler) HandlerID {
	return b.handlers.addWildcard(h)
}

func (b *Bus) RemoveHandler(id HandlerID) bool {
	return b.handlers.remove(id)
}

func (b *Bus) OnReady(fn func(peer string)) {
	b.observersMu.Lock()
	b.onReady = append(b.onReady, fn)
	b.observersMu.Unlock()
}

func (b *Bus) OnClose(fn func(peer string)) {
	b.observersMu.Lock()
	b.onClose = append(b.onClose, fn)
	b.observersMu.Unlock()
}

// Send transmits body on topic to peer. It returns false when the frame
// could be neither written nor queued; in that case no answer handler is
// registered and it will never fire, so callers relying on WithAnswer must
// check the result. With QueueSize 0 every send to a peer that is not
// Connected fails this way. A queued frame still times out to NoResponse if
// the peer never becomes ready.
func (b *Bus) Send(peerID, topic string, body []byte, opts ...SendOption) bool {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	id := uuid.New()
	data := Encode(Frame{Kind: Payload, Topic: topic, MessageID: id, Body: body})

	if o.answer != nil {
		timeout := o.timeout
		if timeout <= 0 {
			timeout = b.cfg.AnswerTimeout
		}
		b.answers.register(id, &pendingAnswer{
			peer:      peerID,
			topic:     topic,
			handler:   o.answer,
			remaining: timeout,
		})
	}

	if err := b.transmit(peerID, data, id, o.onSent); err != nil {
		if o.answer != nil {
			b.answers.take(id)
		}
		slog.Debug("send rejected", "peer", peerID, "topic", topic, "error", err)
		return false
	}
	return true
}

func (b *Bus) SendJSON(peerID, topic string, v any, opts ...SendOption) bool {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal message", "topic", topic, "error", err)
		return false
	}
	return b.Send(peerID, topic, body, opts...)
}

// Broadcast sends to every connected peer and returns how many were
// addressed. Answer handlers run once per peer.
func (b *Bus) Broadcast(topic string, body []byte, opts ...SendOption) int {
	sent := 0
	for _, p := range b.Peers() {
		if b.Send(p, topic, body, opts...) {
			sent++
		}
	}
	return sent
}

func (b *Bus) BroadcastJSON(topic string, v any, opts ...SendOption) int {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal message", "topic", topic, "error", err)
		return 0
	}
	return b.Broadcast(topic, body, opts...)
}

func (b *Bus) transmit(peerID string, data []byte, id uuid.UUID, onSent func()) error {
	b.peersMu.Lock()
	p := b.peers[peerID]
	if p != nil && p.state == ports.ChannelConnected {
		b.peersMu.Unlock()
		return b.write(p, data, Payload, onSent)
	}

	if b.cfg.QueueSize <= 0 {
		b.peersMu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoChannel, peerID)
	}

	q := b.queues[peerID]
	if len(q) >= b.cfg.QueueSize {
		b.peersMu.Unlock()
		metrics.BusQueueOverflows.Inc()
		return fmt.Errorf("%w: %s has %d entries", ErrQueueOverflow, peerID, len(q))
	}
	b.queues[peerID] = append(q, queueEntry{data: data, messageID: id, onSent: onSent})
	b.peersMu.Unlock()

	metrics.BusQueuedFrames.Inc()
	return nil
}

func (b *Bus) write(p *peer, data []byte, kind Identifier, onSent func()) error {
	p.sendMu.Lock()
	err := p.ch.Send(data)
	p.sendMu.Unlock()

	if err != nil {
		return fmt.Errorf("write to %s: %w", p.id, err)
	}

	metrics.BusFramesTotal.WithLabelValues("sent", kind.String()).Inc()
	if onSent != nil {
		onSent()
	}
	return nil
}

func (b *Bus) reply(peerID string, f Frame) bool {
	b.peersMu.RLock()
	p := b.peers[peerID]
	ready := p != nil && p.state == ports.ChannelConnected
	b.peersMu.RUnlock()

	if !ready {
		slog.Debug("dropping answer for unavailable peer", "peer", peerID, "topic", f.Topic)
		return false
	}

	if err := b.write(p, Encode(f), Answer, nil); err != nil {
		slog.Warn("failed to send answer", "peer", peerID, "topic", f.Topic, "error", err)
		return false
	}
	return true
}

// Peers returns the connected peers in id order.
func (b *Bus) Peers() []string {
	b.peersMu.RLock()
	out := make([]string, 0, len(b.peers))
	for id, p := range b.peers {
		if p.state == ports.ChannelConnected {
			out = append(out, id)
		}
	}
	b.peersMu.RUnlock()

	slices.Sort(out)
	return out
}

func (b *Bus) PeerState(peerID string) ports.ChannelState {
	b.peersMu.RLock()
	defer b.peersMu.RUnlock()

	p, ok := b.peers[peerID]
	if !ok {
		return ports.ChannelNone
	}
	return p.state
}

func (b *Bus) QueueLen(peerID string) int {
	b.peersMu.RLock()
	defer b.peersMu.RUnlock()
	return len(b.queues[peerID])
}

// ClearQueue drops frames queued for peer and returns how many were dropped.
func (b *Bus) ClearQueue(peerID string) int {
	b.peersMu.Lock()
	n := len(b.queues[peerID])
	delete(b.queues, peerID)
	b.peersMu.Unlock()

	metrics.BusQueuedFrames.Sub(float64(n))
	return n
}

func (b *Bus) PendingAnswers() int {
	return b.answers.len()
}

func (b *Bus) OnOpened(ch ports.Channel) {
	id := ch.Peer()
	p := &peer{
		id:       id,
		ch:       ch,
		state:    ports.ChannelConnecting,
		lastPing: b.clock.Now(),
	}

	b.peersMu.Lock()
	old := b.peers[id]
	b.peers[id] = p
	b.peersMu.Unlock()

	if old != nil {
		slog.Info("channel reopened", "peer", id, "previous_state", old.state.String())
	} else {
		slog.Info("channel opened", "peer", id)
	}

	if err := b.write(p, Encode(Frame{Kind: Ping}), Ping, nil); err != nil {
		slog.Debug("initial readiness ping failed", "peer", id, "error", err)
	}
}

func (b *Bus) OnClosed(peerID string) {
	if !b.purge(peerID, ports.ChannelNone) {
		return
	}
	slog.Info("channel closed", "peer", peerID)
	b.notify(b.closeObservers(), peerID)
}

func (b *Bus) OnError(peerID string, err error) {
	if !b.purge(peerID, ports.ChannelError) {
		return
	}
	metrics.BusChannelErrors.Inc()
	slog.Warn("channel error", "peer", peerID, "error", err)
	b.notify(b.closeObservers(), peerID)
}

func (b *Bus) purge(peerID string, final ports.ChannelState) bool {
	b.peersMu.Lock()
	p, ok := b.peers[peerID]
	if ok {
		p.state = final
		delete(b.peers, peerID)
	}
	b.peersMu.Unlock()

	if ok {
		b.updateConnectedGauge()
	}
	return ok
}

func (b *Bus) OnMessage(peerID string, data []byte) {
	b.peersMu.RLock()
	p := b.peers[peerID]
	b.peersMu.RUnlock()

	if p == nil {
		slog.Debug("dropping message from peer without channel", "peer", peerID)
		return
	}

	b.markReady(p)

	f, err := Decode(data)
	if err != nil {
		metrics.BusMalformedFrames.Inc()
		slog.Warn("dropping malformed frame", "peer", peerID, "bytes", len(data), "error", err)
		return
	}
	metrics.BusFramesTotal.WithLabelValues("received", f.Kind.String()).Inc()

	switch f.Kind {
	case Ping:
		if err := b.write(p, Encode(Frame{Kind: Pong}), Pong, nil); err != nil {
			slog.Debug("pong failed", "peer", peerID, "error", err)
		}
	case Pong:
	case Payload:
		b.dispatch(peerID, f)
	case Answer:
		b.deliverAnswer(peerID, f)
	}
}

// markReady completes the readiness handshake on the first inbound message:
// the peer becomes Connected, its queue drains in order and Ready fires once.
func (b *Bus) markReady(p *peer) {
	b.peersMu.RLock()
	connecting := p.state == ports.ChannelConnecting
	b.peersMu.RUnlock()
	if !connecting {
		return
	}

	p.sendMu.Lock()

	b.peersMu.Lock()
	if p.state != ports.ChannelConnecting || b.peers[p.id] != p {
		b.peersMu.Unlock()
		p.sendMu.Unlock()
		return
	}
	p.state = ports.ChannelConnected
	queued := b.queues[p.id]
	delete(b.queues, p.id)
	b.peersMu.Unlock()

	metrics.BusQueuedFrames.Sub(float64(len(queued)))

	var drainErr error
	for i, e := range queued {
		if err := p.ch.Send(e.data); err != nil {
			drainErr = errors.Join(drainErr, err)
			slog.Warn("failed to drain queued frame",
				"peer", p.id,
				"position", i,
				"message_id", e.messageID,
				"error", err,
			)
			continue
		}
		metrics.BusFramesTotal.WithLabelValues("sent", Payload.String()).Inc()
		if e.onSent != nil {
			e.onSent()
		}
	}
	p.sendMu.Unlock()

	b.updateConnectedGauge()
	slog.Info("peer ready", "peer", p.id, "drained", len(queued), "drain_error", drainErr)

	b.observersMu.RLock()
	observers := slices.Clone(b.onReady)
	b.observersMu.RUnlock()
	b.notify(observers, p.id)
}

func (b *Bus) dispatch(peerID string, f Frame) {
	handlers := b.handlers.lookup(f.Topic)
	if len(handlers) == 0 {
		slog.Debug("no handler for topic", "peer", peerID, "topic", f.Topic)
		return
	}

	msg := &Message{
		Peer:      peerID,
		Topic:     f.Topic,
		MessageID: f.MessageID,
		Body:      f.Body,
		bus:       b,
	}
	for _, h := range handlers {
		h(msg)
	}
}

func (b *Bus) deliverAnswer(peerID string, f Frame) {
	p, ok := b.answers.take(f.MessageID)
	if !ok {
		slog.Debug("dropping answer without pending request",
			"peer", peerID,
			"topic", f.Topic,
			"message_id", f.MessageID,
		)
		return
	}

	metrics.BusAnswersTotal.WithLabelValues(f.Code.String()).Inc()
	p.handler(Response{Peer: peerID, Topic: f.Topic, Code: f.Code, Body: f.Body})
}

func (b *Bus) closeObservers() []func(string) {
	b.observersMu.RLock()
	defer b.observersMu.RUnlock()
	return slices.Clone(b.onClose)
}

func (b *Bus) notify(observers []func(string), peerID string) {
	for _, fn := range observers {
		fn(peerID)
	}
}

func (b *Bus) updateConnectedGauge() {
	metrics.BusConnectedPeers.Set(float64(len(b.Peers())))
}
