// Package record holds the delivery candidate state shared by the tracker.
package record

import (
	"sync/atomic"
	"time"

	"github.com/ywci/tbc/internal/cluster"
	"github.com/ywci/tbc/internal/queue"
	"github.com/ywci/tbc/internal/timestamp"
)

// Record is the delivery state of one message.
//
// Payload is written by the store under its shard lock. Receivers, Counted,
// Perceived and Slot are guarded by the tracker lock.
type Record struct {
	ts        timestamp.Timestamp
	payload   []byte
	delivered atomic.Bool
	created   time.Time

	// Receivers are the sources whose queue holds this record.
	Receivers cluster.NodeSet
	// Counted are the sources whose head this record is.
	Counted cluster.NodeSet
	// Perceived is the number of members of Counted.
	Perceived int

	// Slot is the position of the record in each source's queue.
	Slot [cluster.MaxNodes]queue.Handle
}

// Timestamp returns the identity of the record.
func (r *Record) Timestamp() timestamp.Timestamp {
	return r.ts
}

// Payload returns the message body.
func (r *Record) Payload() []byte {
	return r.payload
}

// Created returns when the record was first seen.
func (r *Record) Created() time.Time {
	return r.created
}

// Delivered reports whether the record has been delivered.
func (r *Record) Delivered() bool {
	return r.delivered.Load()
}

// Queued reports whether the record sits in the queue of source id.
func (r *Record) Queued(id cluster.NodeID) bool {
	return r.Slot[id] != queue.None
}
