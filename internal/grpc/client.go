package grpc

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ywci/tbc/internal/cluster"
	"github.com/ywci/tbc/internal/timestamp"
)

// Client calls one node.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for the node at addr. The connection is
// established lazily.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Ping sends a heartbeat on behalf of node from.
func (c *Client) Ping(ctx context.Context, from cluster.NodeID) (*PingResponse, error) {
	out := new(PingResponse)
	if err := c.conn.Invoke(ctx, pingMethod, &PingRequest{From: uint8(from)}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Submit asks the node to broadcast payload and returns its timestamp.
func (c *Client) Submit(ctx context.Context, payload []byte) (timestamp.Timestamp, error) {
	out := new(SubmitResponse)
	if err := c.conn.Invoke(ctx, submitMethod, &SubmitRequest{Payload: payload}, out); err != nil {
		return timestamp.Timestamp{}, err
	}
	return timestamp.Timestamp{Sec: out.Sec, Usec: out.Usec, Origin: out.Origin}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Pool holds a client per peer and sends heartbeats to them.
type Pool struct {
	self  cluster.NodeID
	addrs []string

	mu      sync.Mutex
	clients map[cluster.NodeID]*Client
}

// NewPool creates a pool for the nodes listening on addrs.
func NewPool(self cluster.NodeID, addrs []string) *Pool {
	return &Pool{
		self:    self,
		addrs:   addrs,
		clients: make(map[cluster.NodeID]*Client),
	}
}

func (p *Pool) client(id cluster.NodeID) (*Client, error) {
	if int(id) >= len(p.addrs) || id == p.self {
		return nil, fmt.Errorf("no rpc address for node %d", id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[id]; ok {
		return c, nil
	}
	c, err := Dial(p.addrs[id])
	if err != nil {
		return nil, err
	}
	p.clients[id] = c
	return c, nil
}

// Ping sends one heartbeat to node to.
func (p *Pool) Ping(ctx context.Context, to cluster.NodeID) error {
	c, err := p.client(to)
	if err != nil {
		return err
	}
	resp, err := c.Ping(ctx, p.self)
	if err != nil {
		return err
	}
	if cluster.NodeID(resp.Node) != to {
		return fmt.Errorf("heartbeat to node %d answered by node %d", to, resp.Node)
	}
	return nil
}

// Close closes every connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var first error
	for id, c := range p.clients {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
		delete(p.clients, id)
	}
	return first
}
