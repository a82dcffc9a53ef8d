package config

import (
	"fmt"
	"strings"

	"github.com/ywci/tbc/internal/cluster"
)

// ValidateConfig performs validation on the complete configuration
func ValidateConfig(config *Config) error {
	if err := validateServers(config); err != nil {
		return fmt.Errorf("servers validation failed: %w", err)
	}
	if err := validatePorts(&config.Ports); err != nil {
		return fmt.Errorf("ports validation failed: %w", err)
	}

	// Subsystem settings are checked by their own packages
	bc, err := config.BatcherConfig()
	if err != nil {
		return fmt.Errorf("mode validation failed: %w", err)
	}
	if err := bc.Validate(); err != nil {
		return fmt.Errorf("batch validation failed: %w", err)
	}
	if err := config.TrackerConfig().Validate(); err != nil {
		return fmt.Errorf("tracker validation failed: %w", err)
	}
	if err := config.HeartbeatConfig().Validate(); err != nil {
		return fmt.Errorf("heartbeat validation failed: %w", err)
	}
	if err := config.CollectorConfig().Validate(); err != nil {
		return fmt.Errorf("collector validation failed: %w", err)
	}
	if err := config.Journal.Validate(); err != nil {
		return fmt.Errorf("journal validation failed: %w", err)
	}

	return validateLog(&config.Log)
}

func validateServers(config *Config) error {
	n := len(config.Servers)
	if n < 1 || n > cluster.MaxNodes {
		return fmt.Errorf("need 1 to %d servers, got %d", cluster.MaxNodes, n)
	}

	seen := make(map[string]bool, n)
	for i, s := range config.Servers {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("server %d is empty", i)
		}
		if seen[s] {
			return fmt.Errorf("server %s listed twice", s)
		}
		seen[s] = true
	}

	if config.NodeID >= n {
		return fmt.Errorf("node_id %d out of range for %d servers", config.NodeID, n)
	}
	if config.NodeID < 0 && config.Iface == "" {
		return fmt.Errorf("either node_id or iface is required")
	}
	return nil
}

func validatePorts(ports *PortsConfig) error {
	check := func(name string, port int, optional bool) error {
		if optional && port == 0 {
			return nil
		}
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s port %d out of range", name, port)
		}
		return nil
	}
	if err := check("overlay", ports.Overlay, false); err != nil {
		return err
	}
	if err := check("rpc", ports.RPC, false); err != nil {
		return err
	}
	if err := check("metrics", ports.Metrics, true); err != nil {
		return err
	}
	if ports.Overlay == ports.RPC || (ports.Metrics != 0 && (ports.Metrics == ports.Overlay || ports.Metrics == ports.RPC)) {
		return fmt.Errorf("ports must be distinct")
	}
	return nil
}

func validateLog(log *LogConfig) error {
	switch strings.ToLower(log.Level) {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
		return nil
	}
	return fmt.Errorf("invalid log level %q", log.Level)
}
