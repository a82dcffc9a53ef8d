package collector

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ywci/tbc/internal/metrics"
)

// Config holds the collector settings.
type Config struct {
	// AbortWait is the pause after an abort before the next request.
	AbortWait time.Duration
	// RetryInterval is the period at which the current request is
	// re-broadcast while a recovery is in progress.
	RetryInterval time.Duration
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		AbortWait:     time.Millisecond,
		RetryInterval: 100 * time.Millisecond,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.AbortWait < 0 {
		return fmt.Errorf("%w: abort wait must not be negative", ErrInvalidConfig)
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("%w: retry interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// Option configures a Collector.
type Option func(*Collector)

// WithConfig overrides the settings.
func WithConfig(cfg Config) Option {
	return func(c *Collector) {
		c.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Collector) {
		c.log = log
	}
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Collector) {
		c.metrics = m
	}
}
