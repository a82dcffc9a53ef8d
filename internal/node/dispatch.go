package node

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ywci/tbc/internal/batch"
	"github.com/ywci/tbc/internal/cluster"
	"github.com/ywci/tbc/internal/overlay"
)

// dispatch routes inbound frames. Control requests are handled at once,
// other frames queue behind their source's receiver.
func (n *Node) dispatch(ctx context.Context) error {
	inbound := n.transport.Inbound()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-inbound:
			if !ok {
				return nil
			}
			n.route(f)
		}
	}
}

func (n *Node) route(f overlay.Frame) {
	if !f.From.Valid(n.membership.Size()) || f.From == n.ID() {
		n.metrics.PacketsDropped.WithLabelValues("source").Inc()
		return
	}

	switch f.Kind {
	case overlay.KindControl:
		if err := n.collector.Handle(f.From, f.Payload); err != nil {
			n.log.Debug("dropped request", zap.Uint8("from", uint8(f.From)), zap.Error(err))
		}
	case overlay.KindBatch, overlay.KindMessage:
		select {
		case n.sources[f.From] <- f:
		default:
			n.metrics.PacketsDropped.WithLabelValues("backlog").Inc()
		}
	default:
		n.metrics.PacketsDropped.WithLabelValues("kind").Inc()
	}
}

// receive feeds the frames of id to the batcher while id is alive.
func (n *Node) receive(ctx context.Context, id cluster.NodeID) error {
	frames := n.sources[id]
	for {
		if err := n.tracker.WaitAlive(ctx, id); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case f := <-frames:
			n.process(f)
		}
	}
}

func (n *Node) process(f overlay.Frame) {
	switch f.Kind {
	case overlay.KindBatch:
		err := n.batcher.Update(f.From, f.Payload)
		if err != nil && !errors.Is(err, batch.ErrSessionMismatch) {
			n.log.Debug("dropped batch", zap.Uint8("from", uint8(f.From)), zap.Error(err))
		}
	case overlay.KindMessage:
		ts, payload, err := batch.DecodeMessage(f.Payload)
		if err != nil {
			n.metrics.PacketsDropped.WithLabelValues("invalid").Inc()
			n.log.Debug("dropped message", zap.Uint8("from", uint8(f.From)), zap.Error(err))
			return
		}
		n.batcher.Relay(ts, payload)
	}
}
