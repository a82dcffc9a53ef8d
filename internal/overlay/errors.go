package overlay

import (
	"errors"
	"fmt"

	"github.com/ywci/tbc/internal/cluster"
)

var (
	// Frame errors
	ErrFrameTooLarge      = errors.New("frame too large")
	ErrTruncatedFrame     = errors.New("truncated frame")
	ErrUnknownCompression = errors.New("unknown compression algorithm")
	ErrDecompress         = errors.New("failed to decompress frame")

	// Delivery errors
	ErrUnknownPeer  = errors.New("unknown peer")
	ErrQueueFull    = errors.New("send queue full")
	ErrPartitioned  = errors.New("peer is partitioned")
	ErrNotConnected = errors.New("peer not connected")
)

// OpError wraps an error with the operation and peer it concerns.
type OpError struct {
	Op   string
	Node cluster.NodeID
	Err  error
}

// Error returns the error message.
func (e *OpError) Error() string {
	return fmt.Sprintf("%s node %d: %v", e.Op, e.Node, e.Err)
}

// Unwrap returns the underlying error.
func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(op string, node cluster.NodeID, err error) *OpError {
	return &OpError{Op: op, Node: node, Err: err}
}
