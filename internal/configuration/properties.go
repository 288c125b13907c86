package configuration

import (
	"fmt"
	"net"
	"time"
)

type Properties struct {
	App         AppProperties         `yaml:"app"`
	Bus         BusProperties         `yaml:"bus"`
	Election    ElectionProperties    `yaml:"election"`
	Replication ReplicationProperties `yaml:"replication"`
	Transport   TransportProperties   `yaml:"transport"`
	Metrics     MetricsProperties     `yaml:"metrics"`
}

type AppProperties struct {
	Profile  string `yaml:"profile"`
	LogLevel string `yaml:"log-level"`
	NodeID   string `yaml:"node-id"`
}

// BusProperties durations are in milliseconds.
type BusProperties struct {
	TickInterval  uint64 `yaml:"tick-interval"`
	PingInterval  uint64 `yaml:"ping-interval"`
	QueueSize     int    `yaml:"queue-size"`
	AnswerTimeout uint64 `yaml:"answer-timeout"`
}

func (b BusProperties) Tick() time.Duration   { return millis(b.TickInterval) }
func (b BusProperties) Ping() time.Duration   { return millis(b.PingInterval) }
func (b BusProperties) Answer() time.Duration { return millis(b.AnswerTimeout) }

type ElectionProperties struct {
	SuppressMax      uint64 `yaml:"suppress-max"`
	AnnounceInterval uint64 `yaml:"announce-interval"`
	ListenTimeout    uint64 `yaml:"listen-timeout"`
}

func (e ElectionProperties) Suppress() time.Duration { return millis(e.SuppressMax) }
func (e ElectionProperties) Announce() time.Duration { return millis(e.AnnounceInterval) }
func (e ElectionProperties) Listen() time.Duration   { return millis(e.ListenTimeout) }

type ReplicationProperties struct {
	TickInterval    uint64 `yaml:"tick-interval"`
	SyncInterval    uint64 `yaml:"sync-interval"`
	RequestTimeout  uint64 `yaml:"request-timeout"`
	ActionQueueSize int    `yaml:"action-queue-size"`
}

func (r ReplicationProperties) Tick() time.Duration    { return millis(r.TickInterval) }
func (r ReplicationProperties) Sync() time.Duration    { return millis(r.SyncInterval) }
func (r ReplicationProperties) Request() time.Duration { return millis(r.RequestTimeout) }

type TransportProperties struct {
	Network              string `yaml:"network"`
	Address              string `yaml:"address"`
	Port                 string `yaml:"port"`
	MaxConcurrentStreams uint32 `yaml:"max-concurrent-streams"`
	ReconnectInterval    uint64 `yaml:"reconnect-interval"`
	// Peers maps each peer id to its dial target. Every listed peer joins
	// the call on start; an entry for this node is ignored.
	Peers map[string]string `yaml:"peers"`
}

func (t TransportProperties) Reconnect() time.Duration { return millis(t.ReconnectInterval) }

func (t TransportProperties) ListenAddress() string {
	return net.JoinHostPort(t.Address, t.Port)
}

type MetricsProperties struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

func millis(v uint64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Validate reports the first setting that cannot start a node.
func (p *Properties) Validate() error {
	switch {
	case p.App.NodeID == "":
		return fmt.Errorf("%w: app.node-id is required", ErrInvalidConfig)
	case p.Transport.Port == "":
		return fmt.Errorf("%w: transport.port is required", ErrInvalidConfig)
	case p.Bus.QueueSize < 0:
		return fmt.Errorf("%w: bus.queue-size must not be negative", ErrInvalidConfig)
	case p.Election.ListenTimeout != 0 && p.Election.ListenTimeout <= p.Election.AnnounceInterval:
		return fmt.Errorf("%w: election.listen-timeout must exceed election.announce-interval", ErrInvalidConfig)
	case p.Metrics.Enabled && p.Metrics.Address == "":
		return fmt.Errorf("%w: metrics.address is required when metrics are enabled", ErrInvalidConfig)
	}
	return nil
}
