package overlay

import (
	"context"
	"math/rand"
	"sync"

	"github.com/ywci/tbc/internal/cluster"
)

// Hub is an in-process network connecting the endpoints of a cluster.
// Partitioned endpoints neither send nor receive, and data frames are
// dropped at the configured rate. Control frames are only lost to
// partitions and to DropControl.
type Hub struct {
	mu          sync.RWMutex
	endpoints   []*Endpoint
	partitioned cluster.NodeSet
	dropRate    float64
	rng         *rand.Rand
	// dropControl counts the control frames still to lose per link.
	dropControl map[link]int
}

type link struct {
	from, to cluster.NodeID
}

// NewHub creates a hub for n endpoints, each buffering queue frames.
func NewHub(n, queue int) *Hub {
	h := &Hub{
		endpoints:   make([]*Endpoint, n),
		rng:         rand.New(rand.NewSource(1)),
		dropControl: make(map[link]int),
	}
	for i := range h.endpoints {
		h.endpoints[i] = &Endpoint{
			hub:     h,
			id:      cluster.NodeID(i),
			inbound: make(chan Frame, queue),
		}
	}
	return h
}

// Endpoint returns the transport of node id.
func (h *Hub) Endpoint(id cluster.NodeID) *Endpoint {
	return h.endpoints[id]
}

// Partition cuts id off from every other endpoint.
func (h *Hub) Partition(id cluster.NodeID) {
	h.mu.Lock()
	h.partitioned = h.partitioned.Add(id)
	h.mu.Unlock()
}

// Heal reconnects id.
func (h *Hub) Heal(id cluster.NodeID) {
	h.mu.Lock()
	h.partitioned = h.partitioned.Remove(id)
	h.mu.Unlock()
}

// SetDropRate sets the probability that a data frame is lost.
func (h *Hub) SetDropRate(p float64) {
	h.mu.Lock()
	h.dropRate = p
	h.mu.Unlock()
}

// DropControl loses the next n control frames sent from one endpoint to
// another.
func (h *Hub) DropControl(from, to cluster.NodeID, n int) {
	h.mu.Lock()
	h.dropControl[link{from, to}] += n
	h.mu.Unlock()
}

// ControlDropsPending returns how many control frames from one endpoint to
// another are still to be lost.
func (h *Hub) ControlDropsPending(from, to cluster.NodeID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropControl[link{from, to}]
}

func (h *Hub) reachable(from, to cluster.NodeID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.partitioned.Has(from) && !h.partitioned.Has(to)
}

func (h *Hub) deliver(from, to cluster.NodeID, kind Kind, payload []byte) error {
	if int(to) >= len(h.endpoints) {
		return opError("send", to, ErrUnknownPeer)
	}

	h.mu.Lock()
	cut := h.partitioned.Has(from) || h.partitioned.Has(to)
	lost := kind != KindControl && h.dropRate > 0 && h.rng.Float64() < h.dropRate
	if l := (link{from, to}); kind == KindControl && !cut && h.dropControl[l] > 0 {
		h.dropControl[l]--
		lost = true
	}
	h.mu.Unlock()
	if cut {
		return opError("send", to, ErrPartitioned)
	}
	if lost {
		return nil
	}

	frame := Frame{From: from, Kind: kind, Payload: append([]byte(nil), payload...)}
	select {
	case h.endpoints[to].inbound <- frame:
		return nil
	default:
		return opError("send", to, ErrQueueFull)
	}
}

// Endpoint is one node's Transport on a Hub.
type Endpoint struct {
	hub     *Hub
	id      cluster.NodeID
	inbound chan Frame
}

// Broadcast sends a frame to every other endpoint.
func (e *Endpoint) Broadcast(kind Kind, payload []byte) error {
	for i := range e.hub.endpoints {
		if cluster.NodeID(i) != e.id {
			e.hub.deliver(e.id, cluster.NodeID(i), kind, payload)
		}
	}
	return nil
}

// Send sends a frame to one endpoint.
func (e *Endpoint) Send(to cluster.NodeID, kind Kind, payload []byte) error {
	return e.hub.deliver(e.id, to, kind, payload)
}

// Inbound returns the received frames.
func (e *Endpoint) Inbound() <-chan Frame {
	return e.inbound
}

// Run blocks until ctx is done.
func (e *Endpoint) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Ping succeeds while both endpoints are reachable.
func (e *Endpoint) Ping(ctx context.Context, to cluster.NodeID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.hub.reachable(e.id, to) {
		return opError("ping", to, ErrPartitioned)
	}
	return nil
}
