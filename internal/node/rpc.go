package node

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ywci/tbc/internal/batch"
	"github.com/ywci/tbc/internal/cluster"
	"github.com/ywci/tbc/internal/grpc"
)

// service serves the heartbeat and broker RPCs of a node.
type service struct {
	n *Node
}

// Ping answers a heartbeat with the local availability view.
func (s service) Ping(_ context.Context, req *grpc.PingRequest) (*grpc.PingResponse, error) {
	if !cluster.NodeID(req.From).Valid(s.n.membership.Size()) {
		return nil, status.Errorf(codes.InvalidArgument, "unknown node %d", req.From)
	}
	return &grpc.PingResponse{
		Node:      uint8(s.n.ID()),
		Available: uint8(s.n.membership.Available()),
	}, nil
}

// Submit broadcasts a client payload.
func (s service) Submit(_ context.Context, req *grpc.SubmitRequest) (*grpc.SubmitResponse, error) {
	ts, err := s.n.Broadcast(req.Payload)
	if err != nil {
		if errors.Is(err, batch.ErrSuspendBufferFull) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		s.n.log.Warn("submit failed", zap.Error(err))
		return nil, err
	}
	return &grpc.SubmitResponse{Sec: ts.Sec, Usec: ts.Usec, Origin: ts.Origin}, nil
}
