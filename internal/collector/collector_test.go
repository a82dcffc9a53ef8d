package collector

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ywci/tbc/internal/cluster"
	"github.com/ywci/tbc/internal/overlay"
	"github.com/ywci/tbc/internal/timestamp"
)

type fakeBatcher struct {
	mu        sync.Mutex
	suspended bool
	resumed   int
	sessions  map[cluster.NodeID]uint32
	seqEnd    map[cluster.NodeID]uint32
	observed  map[cluster.NodeID]uint32
	streams   map[cluster.NodeID][]timestamp.Timestamp
	added     map[cluster.NodeID][]timestamp.Timestamp
}

func newFakeBatcher() *fakeBatcher {
	return &fakeBatcher{
		sessions: map[cluster.NodeID]uint32{},
		seqEnd:   map[cluster.NodeID]uint32{},
		observed: map[cluster.NodeID]uint32{},
		streams:  map[cluster.NodeID][]timestamp.Timestamp{},
		added:    map[cluster.NodeID][]timestamp.Timestamp{},
	}
}

func (f *fakeBatcher) Suspend() { f.mu.Lock(); f.suspended = true; f.mu.Unlock() }

func (f *fakeBatcher) Resume() {
	f.mu.Lock()
	f.suspended = false
	f.resumed++
	f.mu.Unlock()
}

func (f *fakeBatcher) Session(id cluster.NodeID) uint32 { return f.sessions[id] }

func (f *fakeBatcher) BumpSession(id cluster.NodeID) uint32 {
	f.sessions[id]++
	return f.sessions[id]
}

func (f *fakeBatcher) SeqEnd(id cluster.NodeID) uint32 { return f.seqEnd[id] }

func (f *fakeBatcher) MinObserved(id cluster.NodeID, _ cluster.NodeSet) uint32 {
	return f.observed[id]
}

func (f *fakeBatcher) RangeStart(cluster.NodeID) uint32 { return 1 }

func (f *fakeBatcher) Range(id cluster.NodeID, from uint32) ([]timestamp.Timestamp, bool) {
	st := f.streams[id]
	if from == 0 || int(from) > len(st)+1 {
		return nil, false
	}
	return st[from-1:], true
}

func (f *fakeBatcher) AddTimestamps(id cluster.NodeID, start uint32, tss []timestamp.Timestamp) error {
	f.added[id] = append(f.added[id], tss...)
	return nil
}

type fakeTracker struct {
	liveness map[cluster.NodeID]cluster.Liveness
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{liveness: map[cluster.NodeID]cluster.Liveness{}}
}

func (f *fakeTracker) Liveness(id cluster.NodeID) cluster.Liveness { return f.liveness[id] }

func (f *fakeTracker) Suspect(id cluster.NodeID) bool {
	if f.liveness[id] != cluster.Alive {
		return false
	}
	f.liveness[id] = cluster.Suspect
	return true
}

func (f *fakeTracker) Stop(id cluster.NodeID) bool {
	if f.liveness[id] != cluster.Suspect {
		return false
	}
	f.liveness[id] = cluster.Stop
	return true
}

func (f *fakeTracker) Recover(id cluster.NodeID) { f.liveness[id] = cluster.Alive }

type frame struct {
	from cluster.NodeID
	data []byte
}

// network queues control frames so that handlers never run while the
// sender holds its lock.
type network struct {
	mu    sync.Mutex
	queue []frame
	dead  cluster.NodeSet
	sent  []*Request
	// drop reports whether req must not reach to.
	drop func(to cluster.NodeID, req *Request) bool
}

type endpoint struct {
	net *network
	id  cluster.NodeID
}

func (e endpoint) Broadcast(kind overlay.Kind, payload []byte) error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if kind == overlay.KindControl && !e.net.dead.Has(e.id) {
		e.net.queue = append(e.net.queue, frame{from: e.id, data: payload})
	}
	return nil
}

type node struct {
	c          *Collector
	batcher    *fakeBatcher
	tracker    *fakeTracker
	membership *cluster.Membership
}

func newCluster(t *testing.T, n int, dead cluster.NodeSet) (*network, []*node) {
	t.Helper()
	net := &network{dead: dead}
	nodes := make([]*node, n)
	for i := range nodes {
		membership, err := cluster.NewMembership(n, cluster.NodeID(i))
		require.NoError(t, err)
		nd := &node{batcher: newFakeBatcher(), tracker: newFakeTracker(), membership: membership}
		nd.c = New(membership, nd.batcher, nd.tracker, endpoint{net: net, id: cluster.NodeID(i)})
		nd.c.sleep = func(time.Duration) {}
		nodes[i] = nd
	}
	return net, nodes
}

// pump delivers queued frames to every live node until the network is quiet.
func (net *network) pump(t *testing.T, nodes []*node) {
	t.Helper()
	for rounds := 0; rounds < 1000; rounds++ {
		net.mu.Lock()
		if len(net.queue) == 0 {
			net.mu.Unlock()
			return
		}
		f := net.queue[0]
		net.queue = net.queue[1:]
		net.mu.Unlock()

		req, err := ParseRequest(f.data, len(nodes))
		require.NoError(t, err)
		net.sent = append(net.sent, req)
		for i, nd := range nodes {
			id := cluster.NodeID(i)
			if id == f.from || net.dead.Has(id) {
				continue
			}
			if net.drop != nil && net.drop(id, req) {
				continue
			}
			require.NoError(t, nd.c.Handle(f.from, f.data))
		}
	}
	t.Fatal("network did not settle")
}

func ts(usec uint32) timestamp.Timestamp {
	return timestamp.Timestamp{Sec: 1, Usec: usec, Origin: 2}
}

func TestRequestCodec(t *testing.T) {
	tests := []struct {
		name string
		req  *Request
	}{
		{"suspect", &Request{Src: 1, Suspect: 0b100, Session: 3, State: StateSuspect, Seq: []uint32{0, 0, 9}}},
		{"resume", &Request{Src: 0, Suspect: 0b110, Session: 0, State: StateResume, Seq: []uint32{0, 0, 0}}},
		{"complete", &Request{Src: 2, Suspect: 0b001, Session: 4, State: StateComplete, Seq: []uint32{0, 0, 0}}},
		{"sync", &Request{Src: 2, Suspect: 0b001, Session: 1, State: StateSync, Seq: []uint32{0, 0, 0},
			Range: &Range{Source: 0, Start: 4, End: 5, Timestamps: []timestamp.Timestamp{ts(4), ts(5)}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequest(tt.req.Marshal(), 3)
			require.NoError(t, err)
			assert.Equal(t, tt.req, got)
		})
	}
}

func TestParseRequestErrors(t *testing.T) {
	valid := (&Request{Src: 1, State: StateSync, Seq: make([]uint32, 3),
		Range: &Range{Source: 0, Start: 1, End: 1, Timestamps: []timestamp.Timestamp{ts(1)}}}).Marshal()

	_, err := ParseRequest(valid[:5], 3)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = ParseRequest(valid[:len(valid)-1], 3)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	bad := append([]byte(nil), valid...)
	bad[0] = 9
	_, err = ParseRequest(bad, 3)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	bad = append([]byte(nil), valid...)
	bad[6] = byte(numStates)
	_, err = ParseRequest(bad, 3)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	resume := (&Request{Src: 1, State: StateResume, Seq: make([]uint32, 3)}).Marshal()
	_, err = ParseRequest(append(resume, 0), 3)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "suspect", StateSuspect.String())
	assert.Equal(t, "resume", StateResume.String())
	assert.Equal(t, "sync", StateSync.String())
	assert.Equal(t, "complete", StateComplete.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestRecoveryExcludesSuspect(t *testing.T) {
	net, nodes := newCluster(t, 3, cluster.Single(2))

	nodes[0].c.Fault(2)
	assert.Equal(t, StateSuspect, nodes[0].c.State())
	assert.True(t, nodes[0].batcher.suspended)
	assert.Equal(t, cluster.Suspect, nodes[0].tracker.Liveness(2))

	nodes[1].c.Fault(2)
	net.pump(t, nodes)

	for _, nd := range nodes[:2] {
		assert.Equal(t, StateIdle, nd.c.State())
		assert.Equal(t, cluster.Single(2), nd.c.Suspects())
		assert.Equal(t, cluster.NodeSet(0b011), nd.membership.Available())
		assert.Equal(t, uint32(1), nd.batcher.sessions[2])
		assert.Equal(t, cluster.Stop, nd.tracker.Liveness(2))
		assert.False(t, nd.batcher.suspended)
		assert.Equal(t, 1, nd.batcher.resumed)
	}
}

func TestRemoteSuspicionIsAdopted(t *testing.T) {
	net, nodes := newCluster(t, 3, cluster.Single(2))

	nodes[0].c.Fault(2)
	net.pump(t, nodes)

	assert.Equal(t, StateIdle, nodes[1].c.State())
	assert.Equal(t, cluster.Single(2), nodes[1].c.Suspects())
	assert.Equal(t, cluster.NodeSet(0b011), nodes[1].membership.Available())
	assert.Equal(t, StateIdle, nodes[0].c.State())
}

func TestLongestStreamIsSynced(t *testing.T) {
	net, nodes := newCluster(t, 3, cluster.Single(2))
	stream := []timestamp.Timestamp{ts(1), ts(2), ts(3), ts(4), ts(5)}
	nodes[0].batcher.seqEnd[2] = 5
	nodes[0].batcher.streams[2] = stream
	nodes[0].batcher.observed[2] = 3
	nodes[1].batcher.seqEnd[2] = 3

	nodes[0].c.Fault(2)
	nodes[1].c.Fault(2)
	net.pump(t, nodes)

	assert.Equal(t, []timestamp.Timestamp{ts(4), ts(5)}, nodes[1].batcher.added[2])
	assert.Empty(t, nodes[0].batcher.added[2])

	var syncs int
	for _, req := range net.sent {
		if req.State == StateSync {
			syncs++
			assert.Equal(t, cluster.NodeID(0), req.Src)
			assert.Equal(t, uint32(4), req.Range.Start)
			assert.Equal(t, uint32(5), req.Range.End)
		}
	}
	assert.Equal(t, 1, syncs)
	for _, nd := range nodes[:2] {
		assert.Equal(t, StateIdle, nd.c.State())
	}
}

func TestDivergentSuspicionsConverge(t *testing.T) {
	net, nodes := newCluster(t, 4, cluster.NodeSet(0b1100))

	nodes[0].c.Fault(3)
	nodes[1].c.Fault(2)
	net.pump(t, nodes)

	for _, nd := range nodes[:2] {
		assert.Equal(t, StateIdle, nd.c.State())
		assert.Equal(t, cluster.NodeSet(0b1100), nd.c.Suspects())
		assert.Equal(t, cluster.NodeSet(0b0011), nd.membership.Available())
		assert.Equal(t, uint32(1), nd.batcher.sessions[2])
		assert.Equal(t, uint32(1), nd.batcher.sessions[3])
	}
}

func TestCanIgnore(t *testing.T) {
	_, nodes := newCluster(t, 3, 0)
	c := nodes[0].c
	seq := make([]uint32, 3)

	nodes[0].batcher.sessions[1] = 2
	assert.True(t, c.canIgnore(&Request{Src: 1, Session: 1, Suspect: cluster.Single(2), State: StateSuspect, Seq: seq}))

	nodes[0].batcher.sessions[1] = 0
	assert.True(t, c.canIgnore(&Request{Src: 1, Suspect: cluster.Single(2), State: StateSync, Seq: seq}))
	assert.True(t, c.canIgnore(&Request{Src: 1, Suspect: cluster.Single(2), State: StateResume, Seq: seq}))
	assert.True(t, c.canIgnore(&Request{Src: 1, Suspect: cluster.Single(0), State: StateSuspect, Seq: seq}))
	assert.False(t, c.canIgnore(&Request{Src: 1, Suspect: cluster.Single(2), State: StateSuspect, Seq: seq}))

	c.Fault(2)
	assert.True(t, c.canIgnore(&Request{Src: 2, Suspect: cluster.Single(1), State: StateSuspect, Seq: seq}))
	assert.False(t, c.canIgnore(&Request{Src: 1, Suspect: cluster.Single(2), State: StateSync, Seq: seq}))
}

func TestNeedAbort(t *testing.T) {
	_, nodes := newCluster(t, 4, 0)
	c := nodes[0].c
	seq := make([]uint32, 4)

	c.Fault(3)
	assert.True(t, c.needAbort(&Request{Src: 1, Suspect: cluster.Single(2), State: StateSuspect, Seq: seq}))
	assert.False(t, c.needAbort(&Request{Src: 1, Suspect: cluster.Single(3), State: StateSuspect, Seq: seq}))

	c.members[StateSuspect][2] = cluster.NodeSet(0b1010)
	assert.True(t, c.needAbort(&Request{Src: 1, Suspect: cluster.Single(3), State: StateSuspect, Seq: seq}))
}

func TestMergeProviders(t *testing.T) {
	_, nodes := newCluster(t, 3, 0)
	c := nodes[0].c

	c.merge(&Request{Src: 1, Seq: []uint32{0, 0, 4}})
	assert.Equal(t, uint32(4), c.seq[2])
	assert.Equal(t, cluster.Single(1), c.providers[2])

	c.merge(&Request{Src: 0, Seq: []uint32{0, 0, 4}})
	assert.Equal(t, cluster.NodeSet(0b011), c.providers[2])

	c.merge(&Request{Src: 2, Seq: []uint32{0, 0, 3}})
	assert.Equal(t, cluster.NodeSet(0b011), c.providers[2])

	c.merge(&Request{Src: 2, Seq: []uint32{0, 0, 6}})
	assert.Equal(t, uint32(6), c.seq[2])
	assert.Equal(t, cluster.Single(2), c.providers[2])
}

func TestRecover(t *testing.T) {
	net, nodes := newCluster(t, 3, cluster.Single(2))
	nodes[0].c.Fault(2)
	net.pump(t, nodes)
	require.False(t, nodes[0].membership.IsAvailable(2))

	nodes[0].c.Recover(2)
	assert.True(t, nodes[0].membership.IsAvailable(2))
	assert.Equal(t, cluster.Alive, nodes[0].tracker.Liveness(2))
	assert.True(t, nodes[0].c.Suspects().Empty())
}

func TestLostResumeIsReplayed(t *testing.T) {
	net, nodes := newCluster(t, 3, cluster.Single(2))
	dropped := 0
	net.drop = func(to cluster.NodeID, req *Request) bool {
		if dropped == 0 && to == 1 && req.Src == 0 && req.State == StateResume {
			dropped++
			return true
		}
		return false
	}

	nodes[0].c.Fault(2)
	nodes[1].c.Fault(2)
	net.pump(t, nodes)
	require.Equal(t, 1, dropped)
	require.Equal(t, StateIdle, nodes[0].c.State())
	require.Equal(t, StateResume, nodes[1].c.State())
	require.True(t, nodes[1].batcher.suspended)

	nodes[1].c.retransmit()
	net.pump(t, nodes)

	for _, nd := range nodes[:2] {
		assert.Equal(t, StateIdle, nd.c.State())
		assert.Equal(t, cluster.NodeSet(0b011), nd.membership.Available())
		assert.False(t, nd.batcher.suspended)
		assert.Equal(t, 1, nd.batcher.resumed)
	}

	nodes[1].c.retransmit()
	net.mu.Lock()
	assert.Empty(t, net.queue, "nothing is announced once idle")
	net.mu.Unlock()

	var completes int
	for _, req := range net.sent {
		if req.State == StateComplete {
			completes++
			assert.Equal(t, cluster.NodeID(0), req.Src)
		}
	}
	assert.Equal(t, 1, completes)
}

func TestLostSuspectIsReplayedWhileResuming(t *testing.T) {
	net, nodes := newCluster(t, 3, cluster.Single(2))
	dropped := 0
	net.drop = func(to cluster.NodeID, req *Request) bool {
		if dropped == 0 && to == 1 && req.Src == 0 && req.State == StateSuspect {
			dropped++
			return true
		}
		return false
	}

	nodes[0].c.Fault(2)
	nodes[1].c.Fault(2)
	net.pump(t, nodes)
	require.Equal(t, 1, dropped)
	require.Equal(t, StateResume, nodes[0].c.State())
	require.Equal(t, StateSuspect, nodes[1].c.State())

	nodes[1].c.retransmit()
	net.pump(t, nodes)

	for _, nd := range nodes[:2] {
		assert.Equal(t, StateIdle, nd.c.State())
		assert.Equal(t, cluster.NodeSet(0b011), nd.membership.Available())
		assert.Equal(t, 1, nd.batcher.resumed)
	}
}

func TestCompleteIsIgnoredUnlessResuming(t *testing.T) {
	_, nodes := newCluster(t, 3, 0)
	c := nodes[0].c
	complete := func(src cluster.NodeID) []byte {
		return (&Request{Src: src, Suspect: cluster.Single(2), State: StateComplete, Seq: make([]uint32, 3)}).Marshal()
	}

	require.NoError(t, c.Handle(1, complete(1)))
	assert.Equal(t, StateIdle, c.State())
	assert.True(t, c.Suspects().Empty())

	c.Fault(2)
	require.NoError(t, c.Handle(1, complete(1)))
	assert.Equal(t, StateSuspect, c.State())
	assert.Zero(t, c.members[StateResume][1])
}

func TestReplayIsLimitedToTheCompletedSet(t *testing.T) {
	net, nodes := newCluster(t, 4, cluster.Single(3))
	nodes[0].c.Fault(3)
	net.pump(t, nodes)
	require.Equal(t, StateIdle, nodes[0].c.State())

	c := nodes[0].c
	seq := make([]uint32, 4)
	assert.True(t, c.canReplay(&Request{Src: 1, Suspect: cluster.Single(3), State: StateResume, Seq: seq}))
	assert.True(t, c.canReplay(&Request{Src: 1, Suspect: cluster.Single(3), State: StateSuspect, Seq: seq}))
	assert.False(t, c.canReplay(&Request{Src: 1, Suspect: cluster.Single(3), State: StateSync, Seq: seq}))
	assert.False(t, c.canReplay(&Request{Src: 1, Suspect: cluster.NodeSet(0b1100), State: StateSuspect, Seq: seq}))
	assert.False(t, c.canReplay(&Request{Src: 3, Suspect: cluster.Single(3), State: StateResume, Seq: seq}))

	c.Recover(3)
	assert.False(t, c.canReplay(&Request{Src: 1, Suspect: cluster.Single(3), State: StateResume, Seq: seq}))
}

func TestHandleRejectsForgedSource(t *testing.T) {
	_, nodes := newCluster(t, 3, 0)
	data := (&Request{Src: 1, Suspect: cluster.Single(2), State: StateSuspect, Seq: make([]uint32, 3)}).Marshal()
	assert.ErrorIs(t, nodes[0].c.Handle(2, data), ErrInvalidRequest)
	assert.ErrorIs(t, nodes[0].c.Handle(0, []byte{1}), ErrInvalidRequest)
}
