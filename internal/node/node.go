// Package node assembles the components of one tbc node and runs them.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ywci/tbc/internal/batch"
	"github.com/ywci/tbc/internal/cluster"
	"github.com/ywci/tbc/internal/collector"
	"github.com/ywci/tbc/internal/grpc"
	"github.com/ywci/tbc/internal/heartbeat"
	"github.com/ywci/tbc/internal/journal"
	"github.com/ywci/tbc/internal/logging"
	"github.com/ywci/tbc/internal/metrics"
	"github.com/ywci/tbc/internal/overlay"
	"github.com/ywci/tbc/internal/record"
	"github.com/ywci/tbc/internal/timestamp"
	"github.com/ywci/tbc/internal/tracker"
)

const defaultInboundQueue = 4096

// Node is one member of a broadcast cluster.
type Node struct {
	log        *zap.Logger
	metrics    *metrics.Metrics
	membership *cluster.Membership
	freshness  *timestamp.Freshness
	store      *record.Store
	tracker    *tracker.Tracker
	batcher    *batch.Batcher
	collector  *collector.Collector
	monitor    *heartbeat.Monitor
	transport  overlay.Transport
	journal    *journal.Journal
	stamper    *timestamp.Stamper
	rpc        *grpc.Server

	batchCfg     *batch.Config
	trackerCfg   *tracker.Config
	collectorCfg *collector.Config
	heartbeatCfg heartbeat.Config
	pinger       heartbeat.Pinger
	rpcCfg       *grpc.ServerConfig
	metricsAddr  string
	inboundQueue int
	onDeliver    func(ts timestamp.Timestamp, payload []byte)
	onIngress    func(ts timestamp.Timestamp, payload []byte)
	fatal        func(error)

	sources []chan overlay.Frame
}

// New assembles node self of a cluster of size nodes communicating over
// transport.
func New(size int, self cluster.NodeID, transport overlay.Transport, opts ...Option) (*Node, error) {
	membership, err := cluster.NewMembership(size, self)
	if err != nil {
		return nil, err
	}

	n := &Node{
		log:          zap.NewNop(),
		membership:   membership,
		freshness:    timestamp.NewFreshness(),
		transport:    transport,
		stamper:      timestamp.NewStamper(uint32(self)),
		inboundQueue: defaultInboundQueue,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = logging.Node(n.log, uint8(self))
	if n.metrics == nil {
		n.metrics = metrics.New(uint8(self))
	}
	if n.fatal == nil {
		n.fatal = func(err error) {
			n.log.Fatal("node failed", zap.Error(err))
		}
	}

	trackerOpts := []tracker.Option{tracker.WithLogger(n.log), tracker.WithMetrics(n.metrics)}
	if n.trackerCfg != nil {
		if err := n.trackerCfg.Validate(); err != nil {
			return nil, err
		}
		trackerOpts = append(trackerOpts, tracker.WithConfig(*n.trackerCfg))
	}
	batchOpts := []batch.Option{batch.WithLogger(n.log), batch.WithMetrics(n.metrics)}
	if n.batchCfg != nil {
		if err := n.batchCfg.Validate(); err != nil {
			return nil, err
		}
		batchOpts = append(batchOpts, batch.WithConfig(*n.batchCfg))
	}
	if n.onIngress != nil {
		batchOpts = append(batchOpts, batch.WithIngress(n.onIngress))
	}
	collectorOpts := []collector.Option{collector.WithLogger(n.log), collector.WithMetrics(n.metrics)}
	if n.collectorCfg != nil {
		if err := n.collectorCfg.Validate(); err != nil {
			return nil, err
		}
		collectorOpts = append(collectorOpts, collector.WithConfig(*n.collectorCfg))
	}

	n.store = record.NewStore(membership, n.freshness, nil)
	n.tracker = tracker.New(membership, n.store, n.freshness, n.deliver, trackerOpts...)
	n.batcher = batch.New(membership, n.freshness, n.tracker, transport, batchOpts...)
	n.store.SetReleaseFunc(n.batcher.Remove)
	n.collector = collector.New(membership, n.batcher, n.tracker, transport, collectorOpts...)

	if n.pinger != nil {
		if err := n.heartbeatCfg.Validate(); err != nil {
			return nil, err
		}
		n.monitor = heartbeat.New(membership, n.pinger, n.collector,
			heartbeat.WithConfig(n.heartbeatCfg), heartbeat.WithLogger(n.log))
	}
	if n.rpcCfg != nil {
		n.rpc, err = grpc.NewServer(n.rpcCfg,
			grpc.WithHeartbeat(service{n}), grpc.WithBroker(service{n}), grpc.WithLogger(n.log))
		if err != nil {
			return nil, fmt.Errorf("failed to create rpc server: %w", err)
		}
	}

	n.sources = make([]chan overlay.Frame, size)
	for i := range n.sources {
		n.sources[i] = make(chan overlay.Frame, n.inboundQueue)
	}
	return n, nil
}

// ID returns the node id.
func (n *Node) ID() cluster.NodeID {
	return n.membership.Self()
}

// Membership returns the shared membership view.
func (n *Node) Membership() *cluster.Membership {
	return n.membership
}

// Metrics returns the node's collectors.
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// RPCAddress returns the address the RPC server listens on, or "".
func (n *Node) RPCAddress() string {
	if n.rpc == nil {
		return ""
	}
	return n.rpc.Address()
}

// Run runs every component until ctx is done or one of them fails. A
// failure is unrecoverable and is reported to the fatal handler.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return n.transport.Run(ctx)
	})
	g.Go(func() error {
		return n.tracker.Run(ctx)
	})
	g.Go(func() error {
		return n.batcher.Run(ctx)
	})
	g.Go(func() error {
		return n.collector.Run(ctx)
	})
	if n.monitor != nil {
		g.Go(func() error {
			return n.monitor.Run(ctx)
		})
	}
	g.Go(func() error {
		return n.dispatch(ctx)
	})
	for i := range n.sources {
		id := cluster.NodeID(i)
		if id == n.ID() {
			continue
		}
		g.Go(func() error {
			return n.receive(ctx, id)
		})
	}
	if n.rpc != nil {
		g.Go(func() error {
			return n.rpc.Run(ctx)
		})
	}
	if n.metricsAddr != "" {
		g.Go(func() error {
			return n.serveMetrics(ctx)
		})
	}

	n.log.Info("node started", zap.Int("size", n.membership.Size()))
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		n.fatal(err)
		return err
	}
	n.log.Info("node stopped")
	return nil
}

func (n *Node) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", n.metrics.Handler())
	srv := &http.Server{
		Addr:              n.metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Broadcast stamps payload with the node's clock and submits it.
func (n *Node) Broadcast(payload []byte) (timestamp.Timestamp, error) {
	ts := n.stamper.Next()
	return ts, n.Submit(ts, payload)
}

// Submit broadcasts a payload stamped by the caller. The timestamp must
// be newer than any earlier one of its origin.
func (n *Node) Submit(ts timestamp.Timestamp, payload []byte) error {
	if payload == nil {
		payload = []byte{}
	}
	return n.batcher.Submit(ts, payload)
}

// Recover re-admits an excluded node.
func (n *Node) Recover(id cluster.NodeID) {
	n.collector.Recover(id)
}

// Delivered returns the number of messages delivered so far.
func (n *Node) Delivered() uint64 {
	return n.tracker.Delivered()
}

// Drained reports whether nothing is queued for delivery or recycling.
func (n *Node) Drained() bool {
	return n.tracker.Drained() && n.batcher.Drained()
}

// State returns the recovery state.
func (n *Node) State() collector.State {
	return n.collector.State()
}

func (n *Node) deliver(ts timestamp.Timestamp, payload []byte) {
	if n.journal != nil {
		if _, err := n.journal.Record(ts, payload); err != nil {
			n.log.Error("journal append failed", zap.Stringer("ts", ts), zap.Error(err))
		}
	}
	if n.onDeliver != nil {
		n.onDeliver(ts, payload)
	}
}
