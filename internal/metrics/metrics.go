package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BusFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callsync",
		Subsystem: "bus",
		Name:      "frames_total",
		Help:      "Total frames sent/received by kind",
	}, []string{"direction", "kind"})

	BusMalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "callsync",
		Subsystem: "bus",
		Name:      "malformed_frames_total",
		Help:      "Inbound frames dropped because they failed to decode",
	})

	BusQueueOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "callsync",
		Subsystem: "bus",
		Name:      "queue_overflows_total",
		Help:      "Sends rejected because the peer's outbound queue was full",
	})

	BusQueuedFrames = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "callsync",
		Subsystem: "bus",
		Name:      "queued_frames",
		Help:      "Frames waiting in outbound queues",
	})

	BusAnswersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callsync",
		Subsystem: "bus",
		Name:      "answers_total",
		Help:      "Answer outcomes delivered to answer handlers",
	}, []string{"code"})

	BusPendingAnswers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "callsync",
		Subsystem: "bus",
		Name:      "pending_answers",
		Help:      "Correlated requests waiting for an answer",
	})

	BusConnectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "callsync",
		Subsystem: "bus",
		Name:      "connected_peers",
		Help:      "Peers whose channel passed the readiness handshake",
	})

	BusChannelErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "callsync",
		Subsystem: "bus",
		Name:      "channel_errors_total",
		Help:      "Channels purged after entering the error state",
	})

	ElectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "callsync",
		Subsystem: "election",
		Name:      "state",
		Help:      "Current election state (0=init, 1=suppress, 2=announce, 3=listen)",
	})

	ElectionLeaderChanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "callsync",
		Subsystem: "election",
		Name:      "leader_changes_total",
		Help:      "Times the believed leader changed",
	})

	ElectionAnnouncesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "callsync",
		Subsystem: "election",
		Name:      "announces_total",
		Help:      "Announce heartbeats broadcast by this process",
	})

	ReplicationGeneration = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "callsync",
		Subsystem: "replication",
		Name:      "generation",
		Help:      "Current storage generation",
	})

	ReplicationKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "callsync",
		Subsystem: "replication",
		Name:      "keys",
		Help:      "Keys in the replicated map",
	})

	ReplicationPendingLog = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "callsync",
		Subsystem: "replication",
		Name:      "pending_log",
		Help:      "Log entries waiting for the next commit",
	})

	ReplicationCommitSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "callsync",
		Subsystem: "replication",
		Name:      "commit_size",
		Help:      "Entries committed per sync tick",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	ReplicationMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callsync",
		Subsystem: "replication",
		Name:      "messages_total",
		Help:      "Replication messages sent by type",
	}, []string{"type"})

	ReplicationRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callsync",
		Subsystem: "replication",
		Name:      "requests_total",
		Help:      "Write requests by route and result",
	}, []string{"route", "result"})

	TransportStreamsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callsync",
		Subsystem: "transport",
		Name:      "streams_total",
		Help:      "Peer channel streams by method and final code",
	}, []string{"method", "code"})

	TransportActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "callsync",
		Subsystem: "transport",
		Name:      "active_streams",
		Help:      "Inbound peer channel streams currently open",
	})

	TransportStreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "callsync",
		Subsystem: "transport",
		Name:      "stream_duration_seconds",
		Help:      "Lifetime of peer channel streams",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 20),
	}, []string{"method"})
)
