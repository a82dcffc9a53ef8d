package batch

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ywci/tbc/internal/metrics"
	"github.com/ywci/tbc/internal/progress"
	"github.com/ywci/tbc/internal/timestamp"
)

// Config holds the batcher settings.
type Config struct {
	// Mode selects the progress header layout.
	Mode progress.Mode
	// BatchMax is the number of pending timestamps that forces a flush.
	BatchMax int
	// SendTimeout is the inactivity that flushes a partial batch.
	SendTimeout time.Duration
	// HeaderInterval is the idle period after which the header is resent.
	HeaderInterval time.Duration
	// CheckInterval bounds the wait of the checker and cleaner.
	CheckInterval time.Duration
	// RecycleInterval bounds the wait of the recycler.
	RecycleInterval time.Duration
	// Forward enables re-broadcasting of unacknowledged local payloads.
	Forward bool
	// ForwardInterval is the forwarder period.
	ForwardInterval time.Duration
	// SuspendBuffer caps the local messages held while suspended.
	SuspendBuffer int
	// RepairMax caps the stream suffix resent to a lagging peer.
	RepairMax int
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		Mode:            progress.ModeMatrix,
		BatchMax:        100,
		SendTimeout:     10 * time.Microsecond,
		HeaderInterval:  time.Millisecond,
		CheckInterval:   time.Millisecond,
		RecycleInterval: time.Millisecond,
		Forward:         true,
		ForwardInterval: 10 * time.Millisecond,
		SuspendBuffer:   100000,
		RepairMax:       1000,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	switch {
	case c.BatchMax <= 0:
		return fmt.Errorf("%w: batch max must be positive", ErrInvalidConfig)
	case c.SendTimeout < 0:
		return fmt.Errorf("%w: send timeout must not be negative", ErrInvalidConfig)
	case c.HeaderInterval <= 0, c.CheckInterval <= 0, c.RecycleInterval <= 0:
		return fmt.Errorf("%w: intervals must be positive", ErrInvalidConfig)
	case c.Forward && c.ForwardInterval <= 0:
		return fmt.Errorf("%w: forward interval must be positive", ErrInvalidConfig)
	case c.SuspendBuffer < 0:
		return fmt.Errorf("%w: suspend buffer must not be negative", ErrInvalidConfig)
	case c.RepairMax < 0:
		return fmt.Errorf("%w: repair max must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithConfig overrides the settings.
func WithConfig(cfg Config) Option {
	return func(b *Batcher) {
		b.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(b *Batcher) {
		b.log = log
	}
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Batcher) {
		b.metrics = m
	}
}

// WithIngress installs a hook called with every payload entering the node.
func WithIngress(fn func(ts timestamp.Timestamp, payload []byte)) Option {
	return func(b *Batcher) {
		b.ingress = fn
	}
}
