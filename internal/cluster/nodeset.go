// Package cluster describes the fixed node set of a tbc cluster.
package cluster

import (
	"fmt"
	"math/bits"
	"strings"
)

// MaxNodes is the largest cluster size supported.
const MaxNodes = 7

// NodeID identifies a node by its index in the configured server list.
type NodeID uint8

// Valid reports whether the id fits in a cluster of n nodes.
func (id NodeID) Valid(n int) bool {
	return int(id) < n
}

// NodeSet is a fixed-size set of node ids.
type NodeSet uint8

// Single returns the set containing only id.
func Single(id NodeID) NodeSet {
	return NodeSet(1) << id
}

// All returns the set of the first n node ids.
func All(n int) NodeSet {
	return NodeSet((1 << uint(n)) - 1)
}

// Has reports whether id is in the set.
func (s NodeSet) Has(id NodeID) bool {
	return s&Single(id) != 0
}

// Add returns the set with id added.
func (s NodeSet) Add(id NodeID) NodeSet {
	return s | Single(id)
}

// Remove returns the set with id removed.
func (s NodeSet) Remove(id NodeID) NodeSet {
	return s &^ Single(id)
}

// Union returns s ∪ o.
func (s NodeSet) Union(o NodeSet) NodeSet {
	return s | o
}

// Intersect returns s ∩ o.
func (s NodeSet) Intersect(o NodeSet) NodeSet {
	return s & o
}

// Minus returns s \ o.
func (s NodeSet) Minus(o NodeSet) NodeSet {
	return s &^ o
}

// Covers reports whether every member of o is also in s.
func (s NodeSet) Covers(o NodeSet) bool {
	return s&o == o
}

// Len returns the number of members.
func (s NodeSet) Len() int {
	return bits.OnesCount8(uint8(s))
}

// Empty reports whether the set has no members.
func (s NodeSet) Empty() bool {
	return s == 0
}

// Lowest returns the smallest member, or false for an empty set.
func (s NodeSet) Lowest() (NodeID, bool) {
	if s == 0 {
		return 0, false
	}
	return NodeID(bits.TrailingZeros8(uint8(s))), true
}

// IDs returns the members in ascending order.
func (s NodeSet) IDs() []NodeID {
	ids := make([]NodeID, 0, s.Len())
	for i := NodeID(0); i < MaxNodes; i++ {
		if s.Has(i) {
			ids = append(ids, i)
		}
	}
	return ids
}

// String renders the set as {0,2,3}.
func (s NodeSet) String() string {
	parts := make([]string, 0, s.Len())
	for _, id := range s.IDs() {
		parts = append(parts, fmt.Sprintf("%d", id))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Majority returns the quorum size for a cluster of n nodes.
func Majority(n int) int {
	return n/2 + 1
}
