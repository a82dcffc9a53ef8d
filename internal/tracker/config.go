package tracker

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ywci/tbc/internal/metrics"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid tracker config")

// Config holds the tracker timings.
type Config struct {
	// DeliverTimeout bounds the handler's idle wait.
	DeliverTimeout time.Duration
	// CheckInterval is the monitor period.
	CheckInterval time.Duration
}

// DefaultConfig returns the default tracker timings.
func DefaultConfig() Config {
	return Config{
		DeliverTimeout: time.Millisecond,
		CheckInterval:  5 * time.Millisecond,
	}
}

// Validate checks the timings.
func (c Config) Validate() error {
	if c.DeliverTimeout <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("deliver timeout must be positive"))
	}
	if c.CheckInterval <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("check interval must be positive"))
	}
	return nil
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithConfig overrides the timings.
func WithConfig(cfg Config) Option {
	return func(t *Tracker) {
		t.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(t *Tracker) {
		t.log = log
	}
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}
