package cluster

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrInvalidSize is returned for clusters outside 1..MaxNodes.
	ErrInvalidSize = errors.New("invalid cluster size")
	// ErrInvalidNode is returned for a self id outside the cluster.
	ErrInvalidNode = errors.New("invalid node id")
)

// Liveness is the local view of a peer's health.
type Liveness int32

const (
	// Alive nodes are polled and their traffic is processed.
	Alive Liveness = iota
	// Suspect nodes have missed heartbeats; their traffic is held back.
	Suspect
	// Stop nodes were excluded by the recovery protocol.
	Stop
)

// String returns the string representation of a Liveness.
func (l Liveness) String() string {
	switch l {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Membership is the shared view of which nodes are available.
// The node count and self id are fixed at start.
type Membership struct {
	size      int
	self      NodeID
	available atomic.Uint32
}

// NewMembership creates a membership with every node available.
func NewMembership(size int, self NodeID) (*Membership, error) {
	if size < 1 || size > MaxNodes {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if !self.Valid(size) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidNode, self)
	}
	m := &Membership{size: size, self: self}
	m.available.Store(uint32(All(size)))
	return m, nil
}

// Size returns the configured node count.
func (m *Membership) Size() int {
	return m.size
}

// Self returns the local node id.
func (m *Membership) Self() NodeID {
	return m.self
}

// Majority returns the quorum size of the configured cluster.
func (m *Membership) Majority() int {
	return Majority(m.size)
}

// Available returns the currently available nodes.
func (m *Membership) Available() NodeSet {
	return NodeSet(m.available.Load())
}

// IsAvailable reports whether id is currently available.
func (m *Membership) IsAvailable(id NodeID) bool {
	return m.Available().Has(id)
}

// Exclude removes the given nodes from the available set.
func (m *Membership) Exclude(s NodeSet) NodeSet {
	for {
		old := m.available.Load()
		next := uint32(NodeSet(old).Minus(s))
		if m.available.CompareAndSwap(old, next) {
			return NodeSet(next)
		}
	}
}

// Restore adds id back to the available set.
func (m *Membership) Restore(id NodeID) NodeSet {
	for {
		old := m.available.Load()
		next := uint32(NodeSet(old).Add(id))
		if m.available.CompareAndSwap(old, next) {
			return NodeSet(next)
		}
	}
}

// Nodes returns every configured node id.
func (m *Membership) Nodes() []NodeID {
	return All(m.size).IDs()
}

// Others returns every configured node id except self.
func (m *Membership) Others() []NodeID {
	return All(m.size).Remove(m.self).IDs()
}
