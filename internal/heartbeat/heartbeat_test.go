package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ywci/tbc/internal/cluster"
)

type faults struct {
	mu  sync.Mutex
	ids []cluster.NodeID
}

func (f *faults) Fault(id cluster.NodeID) {
	f.mu.Lock()
	f.ids = append(f.ids, id)
	f.mu.Unlock()
}

func (f *faults) all() []cluster.NodeID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cluster.NodeID(nil), f.ids...)
}

var errUnreachable = errors.New("unreachable")

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.ErrorIs(t, Config{Interval: 0, Retries: 1}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{Interval: time.Second, Retries: -1}.Validate(), ErrInvalidConfig)
}

func TestPollFaultsAfterRetries(t *testing.T) {
	ctrl := gomock.NewController(t)
	pinger := NewMockPinger(ctrl)
	membership, err := cluster.NewMembership(3, 0)
	require.NoError(t, err)
	f := &faults{}
	m := New(membership, pinger, f)

	pinger.EXPECT().Ping(gomock.Any(), cluster.NodeID(2)).Return(errUnreachable).Times(2)

	ctx := context.Background()
	assert.False(t, m.Poll(ctx, 2))
	assert.Empty(t, f.all())
	assert.False(t, m.Poll(ctx, 2))
	assert.Equal(t, []cluster.NodeID{2}, f.all())
	assert.Equal(t, 2, m.Failures(2))
}

func TestPollSuccessResetsFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	pinger := NewMockPinger(ctrl)
	membership, err := cluster.NewMembership(3, 0)
	require.NoError(t, err)
	f := &faults{}
	m := New(membership, pinger, f)

	gomock.InOrder(
		pinger.EXPECT().Ping(gomock.Any(), cluster.NodeID(1)).Return(errUnreachable),
		pinger.EXPECT().Ping(gomock.Any(), cluster.NodeID(1)).Return(nil),
		pinger.EXPECT().Ping(gomock.Any(), cluster.NodeID(1)).Return(errUnreachable),
	)

	ctx := context.Background()
	assert.False(t, m.Poll(ctx, 1))
	assert.True(t, m.Poll(ctx, 1))
	assert.Equal(t, 0, m.Failures(1))
	assert.False(t, m.Poll(ctx, 1))
	assert.Empty(t, f.all())
}

func TestPollSkipsUnavailablePeer(t *testing.T) {
	ctrl := gomock.NewController(t)
	pinger := NewMockPinger(ctrl)
	membership, err := cluster.NewMembership(3, 0)
	require.NoError(t, err)
	membership.Exclude(cluster.Single(2))
	f := &faults{}
	m := New(membership, pinger, f)

	assert.False(t, m.Poll(context.Background(), 2))
	assert.Empty(t, f.all())
}

func TestRunPollsEveryPeer(t *testing.T) {
	ctrl := gomock.NewController(t)
	pinger := NewMockPinger(ctrl)
	membership, err := cluster.NewMembership(3, 1)
	require.NoError(t, err)
	f := &faults{}
	m := New(membership, pinger, f, WithConfig(Config{Interval: 5 * time.Millisecond, Retries: 1}))

	pinger.EXPECT().Ping(gomock.Any(), cluster.NodeID(0)).Return(nil).AnyTimes()
	pinger.EXPECT().Ping(gomock.Any(), cluster.NodeID(2)).Return(errUnreachable).AnyTimes()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(f.all()) > 0
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	for _, id := range f.all() {
		assert.Equal(t, cluster.NodeID(2), id)
	}
	assert.Equal(t, 0, m.Failures(0))
}
