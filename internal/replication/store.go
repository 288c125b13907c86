package replication

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"callsync/internal/bus"
	"callsync/internal/election"
	"callsync/internal/metrics"

	"github.com/benbjohnson/clock"
)

// Messenger is the part of the message bus the store depends on.
type Messenger interface {
	RegisterHandler(topic string, h bus.Handler) bus.HandlerID
	RemoveHandler(id bus.HandlerID) bool
	SendJSON(peer, topic string, v any, opts ...bus.SendOption) bool
	BroadcastJSON(topic string, v any, opts ...bus.SendOption) int
	Peers() []string
	OnClose(fn func(peer string))
}

type Config struct {
	TickInterval    time.Duration
	SyncInterval    time.Duration
	RequestTimeout  time.Duration
	ActionQueueSize int

	Election election.Config
	Clock    clock.Clock
}

type completion func(applied bool, err error)

type logEntry struct {
	op   Op
	done completion
}

type follower struct {
	// acked is the last acknowledged generation, -1 before the first ack.
	acked    int64
	awaiting bool
}

// Store is a leader-replicated string map shared by the peers of a call.
// All replication and election state is owned by the goroutine running Run;
// public methods hand closures to it.
type Store struct {
	cfg   Config
	clock clock.Clock
	bus   Messenger
	self  string

	actions chan func()
	done    chan struct{}
	once    sync.Once

	handlers []bus.HandlerID

	observersMu       sync.RWMutex
	subscribers       map[uint64]func(ChangeEvent)
	nextSubscriber    uint64
	electionObservers []func(election.Status)

	// owner-only
	machine    *election.Machine
	data       map[string]string
	generation uint64
	pending    []logEntry
	followers  map[string]*follower
	lastSync   time.Time
}

func New(cfg Config, b Messenger, self string) *Store {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 20 * time.Millisecond
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 100 * time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.ActionQueueSize <= 0 {
		cfg.ActionQueueSize = 1024
	}
	if cfg.Election.Clock == nil {
		cfg.Election.Clock = cfg.Clock
	}

	s := &Store{
		cfg:         cfg,
		clock:       cfg.Clock,
		bus:         b,
		self:        self,
		actions:     make(chan func(), cfg.ActionQueueSize),
		done:        make(chan struct{}),
		subscribers: make(map[uint64]func(ChangeEvent)),
		data:        make(map[string]string),
	}

	s.machine = election.New(cfg.Election, self, func() uint64 { return s.generation }, s.broadcastAnnounce)
	s.machine.OnChange(s.onElectionChange)

	s.handlers = []bus.HandlerID{
		b.RegisterHandler(TopicAnnounce, s.receiveAnnounce),
		b.RegisterHandler(TopicRequest, s.receiveRequest),
		b.RegisterHandler(TopicUpdate, s.receiveUpdate),
		b.RegisterHandler(TopicState, s.receiveState),
		b.RegisterHandler(TopicLeader, s.receiveLeaderQuery),
	}
	b.OnClose(s.peerClosed)

	slog.Info("replicated store created",
		"self", self,
		"sync_interval", cfg.SyncInterval,
		"request_timeout", cfg.RequestTimeout,
	)
	return s
}

// Run owns the store until ctx is done. It returns after failing every
// outstanding request with ErrClosed.
func (s *Store) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.cfg.TickInterval)
	defer ticker.Stop()
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("store loop stopping", "self", s.self)
			return nil
		case <-ticker.C:
			s.tick()
		case fn := <-s.actions:
			fn()
		}
	}
}

func (s *Store) shutdown() {
	s.once.Do(func() {
		close(s.done)
		for _, id := range s.handlers {
			s.bus.RemoveHandler(id)
		}
		s.endSession(ErrClosed)
		slog.Info("replicated store closed", "self", s.self)
	})
}

func (s *Store) tick() {
	s.machine.Tick()

	if !s.machine.IsLeader() {
		return
	}
	now := s.clock.Now()
	if now.Sub(s.lastSync) < s.cfg.SyncInterval {
		return
	}
	s.lastSync = now
	s.syncFollowers()
}

// enqueue hands fn to the owner goroutine. Observers run on that goroutine
// and must not fill the action queue while it is blocked on them.
func (s *Store) enqueue(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case s.actions <- fn:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the owner goroutine and waits for it to finish.
func (s *Store) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := s.enqueue(ctx, func() {
		fn()
		close(finished)
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Begin starts an election and replication session.
func (s *Store) Begin() {
	if err := s.enqueue(context.Background(), s.machine.Begin); err != nil {
		slog.Warn("begin dropped", "self", s.self, "error", err)
	}
}

// Stop ends the session: pending requests fail, every key is removed and
// the generation returns to zero.
func (s *Store) Stop() {
	if err := s.enqueue(context.Background(), func() { s.endSession(ErrStopped) }); err != nil {
		slog.Warn("stop dropped", "self", s.self, "error", err)
	}
}

func (s *Store) endSession(cause error) {
	s.machine.Stop()

	pending := s.pending
	s.pending = nil
	for _, e := range pending {
		e.done(false, cause)
	}

	keys := s.sortedKeys()
	for _, k := range keys {
		v := s.data[k]
		delete(s.data, k)
		s.emit(ChangeEvent{Action: Remove, Key: k, Value: v})
	}

	s.generation = 0
	s.followers = nil
	s.updateGauges()

	if len(pending) > 0 || len(keys) > 0 {
		slog.Info("session ended", "self", s.self, "failed_requests", len(pending), "removed_keys", len(keys), "cause", cause)
	}
}

// Subscribe registers fn for every applied change. Events are delivered on
// the owner goroutine. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(ChangeEvent)) func() {
	s.observersMu.Lock()
	s.nextSubscriber++
	id := s.nextSubscriber
	s.subscribers[id] = fn
	s.observersMu.Unlock()

	return func() {
		s.observersMu.Lock()
		delete(s.subscribers, id)
		s.observersMu.Unlock()
	}
}

func (s *Store) OnElectionChange(fn func(election.Status)) {
	s.observersMu.Lock()
	s.electionObservers = append(s.electionObservers, fn)
	s.observersMu.Unlock()
}

// CallbackCurrentState replays the current map to handler as Set events in
// key order. The events are captured on the owner goroutine and delivered on
// the caller's, so handler may call back into the store.
func (s *Store) CallbackCurrentState(ctx context.Context, handler func(ChangeEvent)) error {
	var events []ChangeEvent
	err := s.call(ctx, func() {
		events = make([]ChangeEvent, 0, len(s.data))
		for _, k := range s.sortedKeys() {
			events = append(events, ChangeEvent{Action: Set, Key: k, Value: s.data[k]})
		}
	})
	if err != nil {
		return err
	}
	for _, ev := range events {
		handler(ev)
	}
	return nil
}

func (s *Store) Snapshot(ctx context.Context) (map[string]string, uint64, error) {
	var (
		out map[string]string
		gen uint64
	)
	err := s.call(ctx, func() {
		out = make(map[string]string, len(s.data))
		for k, v := range s.data {
			out[k] = v
		}
		gen = s.generation
	})
	return out, gen, err
}

type Status struct {
	Election   election.Status
	Generation uint64
	Keys       int
	PendingLog int
	// Followers maps peer to acknowledged generation; only set on the
	// coordinator.
	Followers map[string]int64
}

func (s *Store) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.call(ctx, func() {
		st = Status{
			Election:   s.machine.Status(),
			Generation: s.generation,
			Keys:       len(s.data),
			PendingLog: len(s.pending),
		}
		if s.followers != nil {
			st.Followers = make(map[string]int64, len(s.followers))
			for id, f := range s.followers {
				st.Followers[id] = f.acked
			}
		}
	})
	return st, err
}

func (s *Store) apply(op Op) bool {
	ev, changed := applyOp(s.data, op)
	if changed {
		s.emit(ev)
	}
	return changed
}

func (s *Store) emit(ev ChangeEvent) {
	s.observersMu.RLock()
	ids := make([]uint64, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(ChangeEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subscribers[id])
	}
	s.observersMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Store) onElectionChange(st election.Status) {
	switch st.State {
	case election.Announce:
		s.followers = make(map[string]*follower)
		s.lastSync = time.Time{}
	case election.Listen:
		s.followers = nil
		s.forwardPending(st.Leader)
	default:
		s.followers = nil
	}

	s.observersMu.RLock()
	fns := slices.Clone(s.electionObservers)
	s.observersMu.RUnlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (s *Store) sortedKeys() []string {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (s *Store) updateGauges() {
	metrics.ReplicationGeneration.Set(float64(s.generation))
	metrics.ReplicationKeys.Set(float64(len(s.data)))
	metrics.ReplicationPendingLog.Set(float64(len(s.pending)))
}
