package election

import (
	"log/slog"
	"math/rand/v2"
	"time"

	"callsync/internal/metrics"

	"github.com/benbjohnson/clock"
)

type Config struct {
	// SuppressMax bounds the random delay before self-promotion.
	SuppressMax      time.Duration
	AnnounceInterval time.Duration
	ListenTimeout    time.Duration

	Clock clock.Clock

	// Delay picks the suppress delay in [0, limit). Defaults to a uniform draw.
	Delay func(limit time.Duration) time.Duration
}

// Machine is the bully-variant election state machine. It is not safe for
// concurrent use; its owner drives it through Tick and HandleAnnounce.
type Machine struct {
	cfg   Config
	clock clock.Clock

	self       string
	generation func() uint64
	announce   func(Record)

	state         State
	currentLeader string
	startTime     time.Time
	deadline      time.Time
	nextAnnounce  time.Time

	observers []func(Status)
}

// New returns a machine in Init. generation reports the local storage
// generation; announce is called whenever an Announce must be broadcast.
func New(cfg Config, self string, generation func() uint64, announce func(Record)) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.SuppressMax <= 0 {
		cfg.SuppressMax = 500 * time.Millisecond
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = 250 * time.Millisecond
	}
	if cfg.ListenTimeout <= 0 {
		cfg.ListenTimeout = 1500 * time.Millisecond
	}
	if cfg.Delay == nil {
		cfg.Delay = randomDelay
	}
	if generation == nil {
		generation = func() uint64 { return 0 }
	}
	if announce == nil {
		announce = func(Record) {}
	}

	return &Machine{
		cfg:           cfg,
		clock:         cfg.Clock,
		self:          self,
		generation:    generation,
		announce:      announce,
		state:         Init,
		currentLeader: self,
	}
}

func randomDelay(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}

func (m *Machine) OnChange(fn func(Status)) {
	m.observers = append(m.observers, fn)
}

func (m *Machine) State() State   { return m.state }
func (m *Machine) Leader() string { return m.currentLeader }
func (m *Machine) Self() string   { return m.self }
func (m *Machine) IsLeader() bool { return m.state == Announce }
func (m *Machine) Running() bool  { return m.state != Init }

func (m *Machine) Status() Status {
	return Status{State: m.state, Leader: m.currentLeader, Self: m.self}
}

// Record is the local priority tuple. Its id is the believed leader, which
// is what incoming announces are ranked against.
func (m *Machine) Record() Record {
	return Record{Generation: m.generation(), StartTime: m.startTime, ID: m.currentLeader}
}

// Begin starts a session: startTime is captured and a suppress period begins.
// Calling Begin on a running machine is a no-op.
func (m *Machine) Begin() {
	if m.state != Init {
		return
	}
	m.startTime = m.clock.Now()
	slog.Info("election started", "self", m.self, "start_time", m.startTime)
	m.suppress()
}

func (m *Machine) Stop() {
	if m.state == Init {
		return
	}
	m.deadline = time.Time{}
	m.nextAnnounce = time.Time{}
	m.transition(Init, m.self)
	slog.Info("election stopped", "self", m.self)
}

// Tick fires whichever deadline is due.
func (m *Machine) Tick() {
	now := m.clock.Now()

	switch m.state {
	case Suppress:
		if !now.Before(m.deadline) {
			m.promote(now)
		}
	case Announce:
		if !now.Before(m.nextAnnounce) {
			m.sendAnnounce(now)
		}
	case Listen:
		if !now.Before(m.deadline) {
			slog.Debug("leader silent, re-electing", "self", m.self, "leader", m.currentLeader)
			m.suppress()
		}
	}
}

// HandleAnnounce processes an Announce from peer. The sender's transport
// identity replaces whatever id the record carried.
func (m *Machine) HandleAnnounce(from string, remote Record) {
	remote.ID = from
	if from == m.self {
		return
	}

	switch m.state {
	case Init:
		slog.Debug("ignoring announce before begin", "from", from)

	case Suppress, Announce:
		if Outranks(remote, m.Record()) {
			m.follow(from)
		}

	case Listen:
		if from == m.currentLeader {
			m.deadline = m.clock.Now().Add(m.cfg.ListenTimeout)
			return
		}
		if Outranks(remote, m.Record()) {
			m.follow(from)
		}
	}
}

func (m *Machine) suppress() {
	delay := m.cfg.Delay(m.cfg.SuppressMax)
	m.deadline = m.clock.Now().Add(delay)
	m.nextAnnounce = time.Time{}
	slog.Debug("suppressing", "self", m.self, "delay", delay)
	m.transition(Suppress, m.self)
}

func (m *Machine) promote(now time.Time) {
	m.deadline = time.Time{}
	m.transition(Announce, m.self)
	slog.Info("became coordinator", "self", m.self, "generation", m.generation())
	m.sendAnnounce(now)
}

func (m *Machine) sendAnnounce(now time.Time) {
	m.nextAnnounce = now.Add(m.cfg.AnnounceInterval)
	metrics.ElectionAnnouncesTotal.Inc()
	m.announce(Record{Generation: m.generation(), StartTime: m.startTime, ID: m.self})
}

func (m *Machine) follow(leader string) {
	m.deadline = m.clock.Now().Add(m.cfg.ListenTimeout)
	m.nextAnnounce = time.Time{}
	prev := m.state
	m.transition(Listen, leader)
	if prev == Announce {
		slog.Info("stepped down", "self", m.self, "leader", leader)
	} else {
		slog.Info("following leader", "self", m.self, "leader", leader)
	}
}

func (m *Machine) transition(state State, leader string) {
	if state == m.state && leader == m.currentLeader {
		return
	}
	if leader != m.currentLeader {
		metrics.ElectionLeaderChanges.Inc()
	}
	m.state = state
	m.currentLeader = leader
	metrics.ElectionState.Set(float64(state))

	st := m.Status()
	for _, fn := range m.observers {
		fn(st)
	}
}
