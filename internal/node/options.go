package node

import (
	"go.uber.org/zap"

	"github.com/ywci/tbc/internal/batch"
	"github.com/ywci/tbc/internal/collector"
	"github.com/ywci/tbc/internal/grpc"
	"github.com/ywci/tbc/internal/heartbeat"
	"github.com/ywci/tbc/internal/journal"
	"github.com/ywci/tbc/internal/metrics"
	"github.com/ywci/tbc/internal/timestamp"
	"github.com/ywci/tbc/internal/tracker"
)

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the logger. The node id is added to every entry.
func WithLogger(log *zap.Logger) Option {
	return func(n *Node) {
		n.log = log
	}
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) {
		n.metrics = m
	}
}

// WithBatchConfig overrides the dissemination settings.
func WithBatchConfig(cfg batch.Config) Option {
	return func(n *Node) {
		n.batchCfg = &cfg
	}
}

// WithTrackerConfig overrides the tracker timings.
func WithTrackerConfig(cfg tracker.Config) Option {
	return func(n *Node) {
		n.trackerCfg = &cfg
	}
}

// WithCollectorConfig overrides the recovery timings.
func WithCollectorConfig(cfg collector.Config) Option {
	return func(n *Node) {
		n.collectorCfg = &cfg
	}
}

// WithHeartbeat enables failure detection over pinger.
func WithHeartbeat(pinger heartbeat.Pinger, cfg heartbeat.Config) Option {
	return func(n *Node) {
		n.pinger = pinger
		n.heartbeatCfg = cfg
	}
}

// WithJournal records every delivered message in j before the deliver hook
// runs.
func WithJournal(j *journal.Journal) Option {
	return func(n *Node) {
		n.journal = j
	}
}

// WithDeliver sets the application delivery hook.
func WithDeliver(fn func(ts timestamp.Timestamp, payload []byte)) Option {
	return func(n *Node) {
		n.onDeliver = fn
	}
}

// WithIngress sets a hook called with every payload the node accepts,
// whether broadcast locally or received from a peer, before it is
// certified. A payload relayed by several peers is seen more than once.
func WithIngress(fn func(ts timestamp.Timestamp, payload []byte)) Option {
	return func(n *Node) {
		n.onIngress = fn
	}
}

// WithFatal replaces the handler of unrecoverable errors, which logs at
// fatal level by default.
func WithFatal(fn func(error)) Option {
	return func(n *Node) {
		n.fatal = fn
	}
}

// WithRPC serves the heartbeat and broker services.
func WithRPC(cfg *grpc.ServerConfig) Option {
	return func(n *Node) {
		n.rpcCfg = cfg
	}
}

// WithMetricsAddr serves the collectors on addr under /metrics.
func WithMetricsAddr(addr string) Option {
	return func(n *Node) {
		n.metricsAddr = addr
	}
}

// WithInboundQueue sets the per-source frame backlog.
func WithInboundQueue(size int) Option {
	return func(n *Node) {
		n.inboundQueue = size
	}
}
