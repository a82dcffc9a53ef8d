// Package overlay carries frames between the nodes of a cluster.
//
// Frames are best effort: they may be dropped when a peer is unreachable
// or its send queue is full, and the protocol above tolerates the loss.
package overlay

import (
	"context"

	"github.com/ywci/tbc/internal/cluster"
)

// Kind identifies the content of a frame.
type Kind uint16

const (
	// KindBatch frames carry a batch packet.
	KindBatch Kind = iota + 1
	// KindMessage frames carry a stamped payload.
	KindMessage
	// KindControl frames carry a recovery request.
	KindControl
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindBatch:
		return "batch"
	case KindMessage:
		return "message"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}

// Frame is a received frame.
type Frame struct {
	From    cluster.NodeID
	Kind    Kind
	Payload []byte
}

// Transport sends frames to peers and yields the frames they send.
type Transport interface {
	Broadcast(kind Kind, payload []byte) error
	Send(to cluster.NodeID, kind Kind, payload []byte) error
	Inbound() <-chan Frame
	Run(ctx context.Context) error
}
