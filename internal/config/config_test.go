package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ywci/tbc/internal/cluster"
	"github.com/ywci/tbc/internal/progress"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, "tbc.toml", `
node_id = 1
servers = ["10.0.0.1", "10.0.0.2", "10.0.0.3"]
mode = "vector"

[ports]
overlay = 7001
rpc = 7003
metrics = 7004

[batch]
max = 50
send_timeout = "20us"
forward = false

[heartbeat]
interval = "500ms"
retries = 2

[journal]
backend = "pebble"
path = "/var/lib/tbc/journal"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.ConfigPath())
	assert.Equal(t, 3, cfg.Size())

	self, err := cfg.ResolveSelf()
	require.NoError(t, err)
	assert.Equal(t, cluster.NodeID(1), self)

	assert.Equal(t, []string{"10.0.0.1:7001", "10.0.0.2:7001", "10.0.0.3:7001"}, cfg.OverlayAddrs())
	assert.Equal(t, "10.0.0.3:7003", cfg.RPCAddrs()[2])
	assert.Equal(t, "10.0.0.2:7004", cfg.MetricsAddr(1))

	bc, err := cfg.BatcherConfig()
	require.NoError(t, err)
	assert.Equal(t, progress.ModeVector, bc.Mode)
	assert.Equal(t, 50, bc.BatchMax)
	assert.Equal(t, 20*time.Microsecond, bc.SendTimeout)
	assert.False(t, bc.Forward)
	// untouched keys keep their defaults
	assert.Equal(t, 10*time.Millisecond, bc.ForwardInterval)

	assert.Equal(t, 500*time.Millisecond, cfg.HeartbeatConfig().Interval)
	assert.Equal(t, 2, cfg.HeartbeatConfig().Retries)
	assert.Equal(t, 5*time.Millisecond, cfg.TrackerConfig().CheckInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.CollectorConfig().RetryInterval)
	assert.Equal(t, "pebble", cfg.Journal.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("TBC_NODE_ID", "0")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.NodeID)
	assert.Equal(t, []string{"127.0.0.1"}, cfg.Servers)
	assert.Equal(t, "", cfg.MetricsAddr(0))

	mode, err := cfg.ProgressMode()
	require.NoError(t, err)
	assert.Equal(t, progress.ModeMatrix, mode)
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "tbc.toml", `
node_id = 0
servers = ["10.0.0.1", "10.0.0.2"]
`)
	t.Setenv("TBC_BATCH_MAX", "7")
	t.Setenv("TBC_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Batch.Max)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"too many servers", `node_id = 0
servers = ["a", "b", "c", "d", "e", "f", "g", "h"]`},
		{"duplicate server", `node_id = 0
servers = ["a", "a"]`},
		{"node id out of range", `node_id = 3
servers = ["a", "b"]`},
		{"bad mode", `node_id = 0
mode = "tensor"`},
		{"same ports", `node_id = 0
[ports]
overlay = 9000
rpc = 9000`},
		{"bad batch", `node_id = 0
[batch]
max = 0`},
		{"unknown journal", `node_id = 0
[journal]
backend = "bolt"`},
		{"bad log level", `node_id = 0
[log]
level = "loud"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, "tbc.toml", tt.content))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestMatchServer(t *testing.T) {
	servers := []string{"10.0.0.1", "10.0.0.2", "host.example"}

	id, err := MatchServer(servers, []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("10.0.0.2")})
	require.NoError(t, err)
	assert.Equal(t, cluster.NodeID(1), id)

	_, err = MatchServer(servers, []net.IP{net.ParseIP("192.168.1.1")})
	assert.Error(t, err)
}
