package node

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ywci/tbc/internal/cluster"
	"github.com/ywci/tbc/internal/collector"
	"github.com/ywci/tbc/internal/grpc"
	"github.com/ywci/tbc/internal/heartbeat"
	"github.com/ywci/tbc/internal/journal"
	"github.com/ywci/tbc/internal/overlay"
	"github.com/ywci/tbc/internal/timestamp"
	"github.com/ywci/tbc/internal/verify"
)

// sink collects the delivered order of one node.
type sink struct {
	mu  sync.Mutex
	tss []timestamp.Timestamp
}

func (s *sink) deliver(ts timestamp.Timestamp, _ []byte) {
	s.mu.Lock()
	s.tss = append(s.tss, ts)
	s.mu.Unlock()
}

func (s *sink) order() []timestamp.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]timestamp.Timestamp(nil), s.tss...)
}

type testCluster struct {
	hub   *overlay.Hub
	nodes []*Node
	sinks []*sink
	fatal chan error
}

// startCluster runs size nodes over a hub. A non-nil hb enables heartbeats
// over the hub endpoints.
func startCluster(t *testing.T, size int, hb *heartbeat.Config) *testCluster {
	t.Helper()
	tc := &testCluster{
		hub:   overlay.NewHub(size, 1<<16),
		fatal: make(chan error, size),
	}
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < size; i++ {
		id := cluster.NodeID(i)
		ep := tc.hub.Endpoint(id)
		s := &sink{}
		opts := []Option{
			WithDeliver(s.deliver),
			WithFatal(func(err error) { tc.fatal <- err }),
		}
		if hb != nil {
			opts = append(opts, WithHeartbeat(ep, *hb))
		}
		n, err := New(size, id, ep, opts...)
		require.NoError(t, err)
		tc.nodes = append(tc.nodes, n)
		tc.sinks = append(tc.sinks, s)

		wg.Add(1)
		go func() {
			defer wg.Done()
			n.Run(ctx)
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		select {
		case err := <-tc.fatal:
			t.Errorf("node failed: %v", err)
		default:
		}
	})
	return tc
}

func (tc *testCluster) broadcast(t *testing.T, ids []cluster.NodeID, count int) {
	t.Helper()
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < count; k++ {
				_, err := tc.nodes[id].Broadcast([]byte(fmt.Sprintf("%d-%d", id, k)))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
}

func (tc *testCluster) waitDelivered(t *testing.T, ids []cluster.NodeID, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, id := range ids {
			if len(tc.sinks[id].order()) < want {
				return false
			}
		}
		return true
	}, 10*time.Second, 5*time.Millisecond)
}

func all(n int) []cluster.NodeID {
	return cluster.All(n).IDs()
}

// withProcs runs fn under several GOMAXPROCS settings so that updates from
// different peers interleave differently.
func withProcs(t *testing.T, fn func(t *testing.T)) {
	for _, procs := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("procs=%d", procs), func(t *testing.T) {
			prev := runtime.GOMAXPROCS(procs)
			t.Cleanup(func() { runtime.GOMAXPROCS(prev) })
			fn(t)
		})
	}
}

// requireSameOrder checks every pair of sinks for conflicting orders.
func (tc *testCluster) requireSameOrder(t *testing.T, ids []cluster.NodeID, want int) {
	t.Helper()
	for i, a := range ids {
		for _, b := range ids[i+1:] {
			n, err := verify.CompareOrders(tc.sinks[a].order(), tc.sinks[b].order())
			require.NoError(t, err, "nodes %d and %d", a, b)
			assert.GreaterOrEqual(t, n, want, "nodes %d and %d", a, b)
		}
	}
}

func TestTotalOrder(t *testing.T) {
	withProcs(t, func(t *testing.T) {
		tc := startCluster(t, 5, nil)
		ids := all(5)

		tc.broadcast(t, ids, 40)
		tc.waitDelivered(t, ids, 200)
		tc.requireSameOrder(t, ids, 200)

		first := tc.sinks[0].order()
		require.Len(t, first, 200)
		require.NoError(t, verify.CheckStream(first))
		for _, s := range tc.sinks[1:] {
			assert.Equal(t, first, s.order())
		}

		require.Eventually(t, func() bool {
			for _, n := range tc.nodes {
				if !n.Drained() {
					return false
				}
			}
			return true
		}, 10*time.Second, 5*time.Millisecond)
		for _, n := range tc.nodes {
			assert.Equal(t, uint64(200), n.Delivered())
		}
	})
}

func TestTotalOrderUnderLoss(t *testing.T) {
	withProcs(t, func(t *testing.T) {
		tc := startCluster(t, 3, nil)
		tc.hub.SetDropRate(0.1)
		ids := all(3)

		tc.broadcast(t, ids, 30)
		tc.waitDelivered(t, ids, 90)
		tc.requireSameOrder(t, ids, 90)
	})
}

func TestPartitionedNodeIsExcluded(t *testing.T) {
	const size = 5
	tc := startCluster(t, size, &heartbeat.Config{Interval: 20 * time.Millisecond, Retries: 1})

	ids := all(size)
	tc.broadcast(t, ids, 10)
	tc.waitDelivered(t, ids, 50)

	tc.hub.Partition(4)
	majority := ids[:4]
	require.Eventually(t, func() bool {
		for _, id := range majority {
			n := tc.nodes[id]
			if n.Membership().IsAvailable(4) || n.State() != collector.StateIdle {
				return false
			}
		}
		return true
	}, 10*time.Second, 5*time.Millisecond)

	tc.broadcast(t, majority, 10)
	tc.waitDelivered(t, majority, 90)

	first := tc.sinks[0].order()
	for _, id := range majority[1:] {
		assert.Equal(t, first, tc.sinks[id].order())
		assert.Equal(t, uint32(1), tc.nodes[id].batcher.Session(4))
	}

	// the excluded node agrees on what it delivered
	_, err := verify.CompareOrders(first, tc.sinks[4].order())
	assert.NoError(t, err)
	assert.True(t, verify.IsPrefix(tc.sinks[4].order()[:50], first))
}

func TestLostControlFramesDoNotStallRecovery(t *testing.T) {
	const size = 3
	tc := startCluster(t, size, &heartbeat.Config{Interval: 20 * time.Millisecond, Retries: 1})

	ids := all(size)
	tc.broadcast(t, ids, 10)
	tc.waitDelivered(t, ids, 30)

	tc.hub.DropControl(0, 1, 2)
	tc.hub.DropControl(1, 0, 1)
	tc.hub.Partition(2)
	majority := ids[:2]
	require.Eventually(t, func() bool {
		for _, id := range majority {
			n := tc.nodes[id]
			if n.Membership().IsAvailable(2) || n.State() != collector.StateIdle {
				return false
			}
		}
		return true
	}, 10*time.Second, 5*time.Millisecond)
	assert.Zero(t, tc.hub.ControlDropsPending(0, 1))
	assert.Zero(t, tc.hub.ControlDropsPending(1, 0))

	tc.broadcast(t, majority, 10)
	tc.waitDelivered(t, majority, 50)
	tc.requireSameOrder(t, majority, 50)
}

func TestIngressSeesEveryPayload(t *testing.T) {
	var (
		mu      sync.Mutex
		entered = map[timestamp.Timestamp][]byte{}
		early   = true
	)
	hub := overlay.NewHub(1, 1024)
	n, err := New(1, 0, hub.Endpoint(0),
		WithIngress(func(ts timestamp.Timestamp, payload []byte) {
			mu.Lock()
			entered[ts] = payload
			mu.Unlock()
		}),
		WithDeliver(func(ts timestamp.Timestamp, _ []byte) {
			mu.Lock()
			if _, ok := entered[ts]; !ok {
				early = false
			}
			mu.Unlock()
		}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	var sent []timestamp.Timestamp
	for k := 0; k < 3; k++ {
		ts, err := n.Broadcast([]byte{byte(k)})
		require.NoError(t, err)
		sent = append(sent, ts)
	}
	require.Eventually(t, func() bool { return n.Delivered() == 3 }, 5*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, early, "ingress runs before delivery")
	for k, ts := range sent {
		assert.Equal(t, []byte{byte(k)}, entered[ts])
	}
}

func TestJournalRecordsDeliveries(t *testing.T) {
	j, err := journal.Open(nil, nil)
	require.NoError(t, err)
	defer j.Close()

	hub := overlay.NewHub(1, 1024)
	n, err := New(1, 0, hub.Endpoint(0), WithJournal(j))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	var sent []timestamp.Timestamp
	for k := 0; k < 5; k++ {
		ts, err := n.Broadcast([]byte{byte(k)})
		require.NoError(t, err)
		sent = append(sent, ts)
	}
	require.Eventually(t, func() bool { return j.Len() == 5 }, 5*time.Second, time.Millisecond)

	got, err := j.Timestamps()
	require.NoError(t, err)
	assert.Equal(t, sent, got)
}

func TestRPCSubmitAndPing(t *testing.T) {
	cfg := grpc.DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	s := &sink{}
	hub := overlay.NewHub(1, 1024)
	n, err := New(1, 0, hub.Endpoint(0), WithRPC(cfg), WithDeliver(s.deliver))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.Eventually(t, func() bool { return n.RPCAddress() != "" }, 5*time.Second, time.Millisecond)
	client, err := grpc.Dial(n.RPCAddress())
	require.NoError(t, err)
	defer client.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()

	resp, err := client.Ping(callCtx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), resp.Node)
	assert.Equal(t, uint8(1), resp.Available)

	_, err = client.Ping(callCtx, 3)
	assert.Error(t, err)

	ts, err := client.Submit(callCtx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), ts.Origin)
	require.Eventually(t, func() bool { return len(s.order()) == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, ts, s.order()[0])
}

func TestNewRejectsBadConfig(t *testing.T) {
	hub := overlay.NewHub(3, 16)
	_, err := New(8, 0, hub.Endpoint(0))
	assert.Error(t, err)

	_, err = New(3, 0, hub.Endpoint(0), WithHeartbeat(hub.Endpoint(0), heartbeat.Config{}))
	assert.Error(t, err)

	bad := grpc.DefaultServerConfig()
	bad.Address = ""
	_, err = New(3, 0, hub.Endpoint(0), WithRPC(bad))
	assert.Error(t, err)
}

func TestRouteDropsUnknownFrames(t *testing.T) {
	hub := overlay.NewHub(3, 16)
	n, err := New(3, 0, hub.Endpoint(0), WithInboundQueue(1))
	require.NoError(t, err)

	n.route(overlay.Frame{From: 0, Kind: overlay.KindBatch})
	n.route(overlay.Frame{From: 6, Kind: overlay.KindBatch})
	n.route(overlay.Frame{From: 1, Kind: overlay.Kind(99)})
	assert.Len(t, n.sources[0], 0)
	assert.Len(t, n.sources[1], 0)

	n.route(overlay.Frame{From: 1, Kind: overlay.KindBatch})
	n.route(overlay.Frame{From: 1, Kind: overlay.KindMessage})
	assert.Len(t, n.sources[1], 1)
}
