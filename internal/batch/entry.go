package batch

import (
	"container/list"

	"github.com/ywci/tbc/internal/cluster"
	"github.com/ywci/tbc/internal/timestamp"
)

type forwardState uint8

const (
	forwardInit forwardState = iota
	forwardSet
	forwardClear
)

// entry is the dissemination state of one timestamp.
type entry struct {
	ts      timestamp.Timestamp
	payload []byte

	// receivers are the streams listing ts, clean those where it is stable
	// and visible those where it was handed to the tracker.
	receivers cluster.NodeSet
	clean     cluster.NodeSet
	visible   cluster.NodeSet

	// released entries were delivered or are stale tombstones.
	released bool

	seq  [cluster.MaxNodes]uint32
	elem [cluster.MaxNodes]*list.Element

	recycle *list.Element
	forward *list.Element
	state   forwardState
}

// stream is one source's sequence of listed entries.
type stream struct {
	entries *list.List
	// checkNext and cleanNext are the first entries not yet handed to the
	// tracker and not yet clean; nil once the cursor passed the tail.
	checkNext *list.Element
	cleanNext *list.Element
}

func newStream() *stream {
	return &stream{entries: list.New()}
}

func (s *stream) push(e *entry) *list.Element {
	el := s.entries.PushBack(e)
	if s.checkNext == nil {
		s.checkNext = el
	}
	if s.cleanNext == nil {
		s.cleanNext = el
	}
	return el
}

func (s *stream) remove(el *list.Element) {
	if s.checkNext == el {
		s.checkNext = el.Next()
	}
	if s.cleanNext == el {
		s.cleanNext = el.Next()
	}
	s.entries.Remove(el)
}
