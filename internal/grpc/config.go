// Package grpc serves the heartbeat and broker RPCs of a tbc node.
package grpc

import (
	"errors"
	"fmt"
	"net"
	"time"
)

const defaultMsgSize = 4 << 20

// ServerConfig configures the RPC listener.
type ServerConfig struct {
	// Address is host:port. Port 0 picks a free port.
	Address string

	// Message size limits, in bytes.
	MaxRecvMsgSize int
	MaxSendMsgSize int

	// ConnectionTimeout bounds the handshake of a new connection.
	ConnectionTimeout time.Duration
}

// DefaultServerConfig listens on the loopback RPC port.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:           "127.0.0.1:9003",
		MaxRecvMsgSize:    defaultMsgSize,
		MaxSendMsgSize:    defaultMsgSize,
		ConnectionTimeout: 5 * time.Second,
	}
}

// Validate reports the first invalid field.
func (c *ServerConfig) Validate() error {
	if c.Address == "" {
		return errors.New("rpc: empty listen address")
	}
	host, port, err := net.SplitHostPort(c.Address)
	switch {
	case err != nil:
		return fmt.Errorf("rpc: bad listen address %q: %w", c.Address, err)
	case host == "":
		return fmt.Errorf("rpc: listen address %q has no host", c.Address)
	case port == "":
		return fmt.Errorf("rpc: listen address %q has no port", c.Address)
	case c.MaxRecvMsgSize <= 0, c.MaxSendMsgSize <= 0:
		return fmt.Errorf("rpc: message size limits must be positive, got recv=%d send=%d",
			c.MaxRecvMsgSize, c.MaxSendMsgSize)
	case c.ConnectionTimeout <= 0:
		return fmt.Errorf("rpc: connection timeout must be positive, got %s", c.ConnectionTimeout)
	}
	return nil
}
