// Package heartbeat polls peers and reports the unresponsive ones.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ywci/tbc/internal/cluster"
)

//go:generate mockgen -destination=mock_pinger_test.go -package=heartbeat github.com/ywci/tbc/internal/heartbeat Pinger

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid heartbeat config")

// Pinger sends one heartbeat request to a peer.
type Pinger interface {
	Ping(ctx context.Context, to cluster.NodeID) error
}

// Faulter is told about peers that stopped answering.
type Faulter interface {
	Fault(id cluster.NodeID)
}

// Config holds the heartbeat settings.
type Config struct {
	// Interval is the polling period and the timeout of one request.
	Interval time.Duration
	// Retries is the number of failed retries tolerated before a fault.
	Retries int
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		Interval: time.Second,
		Retries:  1,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidConfig)
	}
	if c.Retries < 0 {
		return fmt.Errorf("%w: retries must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithConfig overrides the settings.
func WithConfig(cfg Config) Option {
	return func(m *Monitor) {
		m.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Monitor) {
		m.log = log
	}
}

// Monitor polls every peer of the local node.
type Monitor struct {
	cfg        Config
	log        *zap.Logger
	membership *cluster.Membership
	pinger     Pinger
	faulter    Faulter

	mu       sync.Mutex
	failures map[cluster.NodeID]int
}

// New creates a Monitor.
func New(membership *cluster.Membership, pinger Pinger, faulter Faulter, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:        DefaultConfig(),
		log:        zap.NewNop(),
		membership: membership,
		pinger:     pinger,
		faulter:    faulter,
		failures:   make(map[cluster.NodeID]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Failures returns the number of consecutive failed polls of id.
func (m *Monitor) Failures(id cluster.NodeID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[id]
}

// Run polls every peer until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range m.membership.Others() {
		g.Go(func() error {
			m.watch(ctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (m *Monitor) watch(ctx context.Context, id cluster.NodeID) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx, id)
		}
	}
}

// Poll sends one heartbeat to id and reports a fault once more than
// Retries retries in a row failed. It returns whether the peer answered.
func (m *Monitor) Poll(ctx context.Context, id cluster.NodeID) bool {
	if !m.membership.IsAvailable(id) {
		return false
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.Interval)
	err := m.pinger.Ping(pctx, id)
	cancel()
	if ctx.Err() != nil {
		return false
	}

	m.mu.Lock()
	if err == nil {
		m.failures[id] = 0
		m.mu.Unlock()
		return true
	}
	m.failures[id]++
	failures := m.failures[id]
	m.mu.Unlock()

	m.log.Debug("heartbeat failed", zap.Uint8("peer", uint8(id)), zap.Int("failures", failures), zap.Error(err))
	if failures > m.cfg.Retries && m.membership.IsAvailable(id) {
		m.log.Warn("peer unresponsive", zap.Uint8("peer", uint8(id)), zap.Int("failures", failures))
		m.faulter.Fault(id)
	}
	return false
}
