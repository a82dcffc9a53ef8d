// Package config loads the configuration of a tbc node.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ywci/tbc/internal/batch"
	"github.com/ywci/tbc/internal/cluster"
	"github.com/ywci/tbc/internal/collector"
	"github.com/ywci/tbc/internal/heartbeat"
	"github.com/ywci/tbc/internal/journal"
	"github.com/ywci/tbc/internal/progress"
	"github.com/ywci/tbc/internal/tracker"
)

// Config represents the complete node configuration.
type Config struct {
	// NodeID is this node's index into Servers. A negative value resolves
	// the index from the addresses of Iface.
	NodeID int    `toml:"node_id" mapstructure:"node_id"`
	Iface  string `toml:"iface" mapstructure:"iface"`

	// Servers lists the host of every node, ordered by node id.
	Servers []string `toml:"servers" mapstructure:"servers"`

	Ports PortsConfig `toml:"ports" mapstructure:"ports"`

	// Mode selects the progress header layout: vector or matrix.
	Mode string `toml:"mode" mapstructure:"mode"`

	Batch     BatchConfig     `toml:"batch" mapstructure:"batch"`
	Tracker   TrackerConfig   `toml:"tracker" mapstructure:"tracker"`
	Heartbeat HeartbeatConfig `toml:"heartbeat" mapstructure:"heartbeat"`
	Collector CollectorConfig `toml:"collector" mapstructure:"collector"`
	Journal   journal.Config  `toml:"journal" mapstructure:"journal"`
	Log       LogConfig       `toml:"log" mapstructure:"log"`

	// configPath is the file the configuration was read from.
	configPath string
}

// PortsConfig holds the listening ports shared by every node.
type PortsConfig struct {
	Overlay int `toml:"overlay" mapstructure:"overlay"`
	RPC     int `toml:"rpc" mapstructure:"rpc"`
	// Metrics is the Prometheus port; 0 disables the endpoint.
	Metrics int `toml:"metrics" mapstructure:"metrics"`
}

// BatchConfig represents the [batch] section.
type BatchConfig struct {
	Max             int           `toml:"max" mapstructure:"max"`
	SendTimeout     time.Duration `toml:"send_timeout" mapstructure:"send_timeout"`
	HeaderInterval  time.Duration `toml:"header_interval" mapstructure:"header_interval"`
	CheckInterval   time.Duration `toml:"check_interval" mapstructure:"check_interval"`
	RecycleInterval time.Duration `toml:"recycle_interval" mapstructure:"recycle_interval"`
	Forward         bool          `toml:"forward" mapstructure:"forward"`
	ForwardInterval time.Duration `toml:"forward_interval" mapstructure:"forward_interval"`
	SuspendBuffer   int           `toml:"suspend_buffer" mapstructure:"suspend_buffer"`
	RepairMax       int           `toml:"repair_max" mapstructure:"repair_max"`
}

// TrackerConfig represents the [tracker] section.
type TrackerConfig struct {
	DeliverTimeout time.Duration `toml:"deliver_timeout" mapstructure:"deliver_timeout"`
	CheckInterval  time.Duration `toml:"check_interval" mapstructure:"check_interval"`
}

// HeartbeatConfig represents the [heartbeat] section.
type HeartbeatConfig struct {
	Interval time.Duration `toml:"interval" mapstructure:"interval"`
	Retries  int           `toml:"retries" mapstructure:"retries"`
}

// CollectorConfig represents the [collector] section.
type CollectorConfig struct {
	AbortWait     time.Duration `toml:"abort_wait" mapstructure:"abort_wait"`
	RetryInterval time.Duration `toml:"retry_interval" mapstructure:"retry_interval"`
}

// LogConfig represents the [log] section.
type LogConfig struct {
	Level       string `toml:"level" mapstructure:"level"`
	Development bool   `toml:"development" mapstructure:"development"`
}

// ConfigPath returns the file the configuration was loaded from, if any.
func (c *Config) ConfigPath() string {
	return c.configPath
}

// Size returns the number of nodes.
func (c *Config) Size() int {
	return len(c.Servers)
}

// OverlayAddrs returns the overlay address of every node.
func (c *Config) OverlayAddrs() []string {
	return c.addrs(c.Ports.Overlay)
}

// RPCAddrs returns the RPC address of every node.
func (c *Config) RPCAddrs() []string {
	return c.addrs(c.Ports.RPC)
}

// MetricsAddr returns the metrics listen address of node id, or "" when
// metrics are disabled.
func (c *Config) MetricsAddr(id cluster.NodeID) string {
	if c.Ports.Metrics == 0 || int(id) >= len(c.Servers) {
		return ""
	}
	return net.JoinHostPort(c.Servers[id], strconv.Itoa(c.Ports.Metrics))
}

func (c *Config) addrs(port int) []string {
	out := make([]string, len(c.Servers))
	for i, host := range c.Servers {
		out[i] = net.JoinHostPort(host, strconv.Itoa(port))
	}
	return out
}

// ProgressMode returns the parsed header layout.
func (c *Config) ProgressMode() (progress.Mode, error) {
	return progress.ParseMode(c.Mode)
}

// BatcherConfig converts the [batch] section.
func (c *Config) BatcherConfig() (batch.Config, error) {
	mode, err := c.ProgressMode()
	if err != nil {
		return batch.Config{}, err
	}
	return batch.Config{
		Mode:            mode,
		BatchMax:        c.Batch.Max,
		SendTimeout:     c.Batch.SendTimeout,
		HeaderInterval:  c.Batch.HeaderInterval,
		CheckInterval:   c.Batch.CheckInterval,
		RecycleInterval: c.Batch.RecycleInterval,
		Forward:         c.Batch.Forward,
		ForwardInterval: c.Batch.ForwardInterval,
		SuspendBuffer:   c.Batch.SuspendBuffer,
		RepairMax:       c.Batch.RepairMax,
	}, nil
}

// TrackerConfig converts the [tracker] section.
func (c *Config) TrackerConfig() tracker.Config {
	return tracker.Config{
		DeliverTimeout: c.Tracker.DeliverTimeout,
		CheckInterval:  c.Tracker.CheckInterval,
	}
}

// HeartbeatConfig converts the [heartbeat] section.
func (c *Config) HeartbeatConfig() heartbeat.Config {
	return heartbeat.Config{
		Interval: c.Heartbeat.Interval,
		Retries:  c.Heartbeat.Retries,
	}
}

// CollectorConfig converts the [collector] section.
func (c *Config) CollectorConfig() collector.Config {
	return collector.Config{
		AbortWait:     c.Collector.AbortWait,
		RetryInterval: c.Collector.RetryInterval,
	}
}

// ResolveSelf returns this node's id, either configured or found by
// matching the addresses of Iface against Servers.
func (c *Config) ResolveSelf() (cluster.NodeID, error) {
	if c.NodeID >= 0 {
		if c.NodeID >= len(c.Servers) {
			return 0, fmt.Errorf("node_id %d out of range for %d servers", c.NodeID, len(c.Servers))
		}
		return cluster.NodeID(c.NodeID), nil
	}

	iface, err := net.InterfaceByName(c.Iface)
	if err != nil {
		return 0, fmt.Errorf("failed to find interface %s: %w", c.Iface, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return 0, fmt.Errorf("failed to list addresses of %s: %w", c.Iface, err)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			ips = append(ips, ipnet.IP)
		}
	}
	return MatchServer(c.Servers, ips)
}

// MatchServer returns the index of the first server whose address is one
// of ips.
func MatchServer(servers []string, ips []net.IP) (cluster.NodeID, error) {
	for i, s := range servers {
		ip := net.ParseIP(s)
		if ip == nil {
			continue
		}
		for _, local := range ips {
			if ip.Equal(local) {
				return cluster.NodeID(i), nil
			}
		}
	}
	return 0, fmt.Errorf("no server address belongs to this host")
}
