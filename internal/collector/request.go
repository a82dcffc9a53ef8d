package collector

import (
	"encoding/binary"
	"fmt"

	"github.com/ywci/tbc/internal/cluster"
	"github.com/ywci/tbc/internal/timestamp"
)

// State is a collector protocol state, also carried in requests.
type State uint8

const (
	// StateIdle is normal operation.
	StateIdle State = iota
	// StateSuspect freezes intake while nodes agree on the suspect set.
	StateSuspect
	// StateResume waits for every member to finish repairs.
	StateResume
	// StateSync marks a range transfer request.
	StateSync
	// StateComplete answers a peer still resuming a recovery the sender
	// already completed. It counts as a RESUME.
	StateComplete

	numStates
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSuspect:
		return "suspect"
	case StateResume:
		return "resume"
	case StateSync:
		return "sync"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Range is the stream segment carried by a SYNC request.
type Range struct {
	Source     cluster.NodeID
	Start      uint32
	End        uint32
	Timestamps []timestamp.Timestamp
}

// Request is a collector control message.
//
// Wire layout, big-endian: src u8, suspect u8, session u32, state u8,
// seq[n] u32. A SYNC request continues with source u8, start u32, end u32
// and end-start+1 timestamps.
type Request struct {
	Src     cluster.NodeID
	Suspect cluster.NodeSet
	Session uint32
	State   State
	Seq     []uint32
	Range   *Range
}

const (
	requestHeadSize = 7
	rangeHeadSize   = 9
)

// Marshal encodes the request.
func (r *Request) Marshal() []byte {
	size := requestHeadSize + 4*len(r.Seq)
	if r.Range != nil {
		size += rangeHeadSize + timestamp.Size*len(r.Range.Timestamps)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, byte(r.Src), byte(r.Suspect))
	buf = binary.BigEndian.AppendUint32(buf, r.Session)
	buf = append(buf, byte(r.State))
	for _, s := range r.Seq {
		buf = binary.BigEndian.AppendUint32(buf, s)
	}
	if r.Range != nil {
		buf = append(buf, byte(r.Range.Source))
		buf = binary.BigEndian.AppendUint32(buf, r.Range.Start)
		buf = binary.BigEndian.AppendUint32(buf, r.Range.End)
		buf = timestamp.AppendTimestamps(buf, r.Range.Timestamps)
	}
	return buf
}

// ParseRequest decodes a request from a cluster of n nodes.
func ParseRequest(buf []byte, n int) (*Request, error) {
	head := requestHeadSize + 4*n
	if len(buf) < head {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrInvalidRequest, len(buf), head)
	}

	r := &Request{
		Src:     cluster.NodeID(buf[0]),
		Suspect: cluster.NodeSet(buf[1]),
		Session: binary.BigEndian.Uint32(buf[2:6]),
		State:   State(buf[6]),
		Seq:     make([]uint32, n),
	}
	if !r.Src.Valid(n) || r.State >= numStates {
		return nil, fmt.Errorf("%w: source %d state %d", ErrInvalidRequest, r.Src, r.State)
	}
	for i := range r.Seq {
		r.Seq[i] = binary.BigEndian.Uint32(buf[requestHeadSize+4*i:])
	}

	rest := buf[head:]
	if r.State != StateSync {
		if len(rest) != 0 {
			return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidRequest, len(rest))
		}
		return r, nil
	}

	if len(rest) < rangeHeadSize {
		return nil, fmt.Errorf("%w: missing range", ErrInvalidRequest)
	}
	rg := &Range{
		Source: cluster.NodeID(rest[0]),
		Start:  binary.BigEndian.Uint32(rest[1:5]),
		End:    binary.BigEndian.Uint32(rest[5:9]),
	}
	if !rg.Source.Valid(n) || rg.Start == 0 || rg.End < rg.Start {
		return nil, fmt.Errorf("%w: range %d [%d, %d]", ErrInvalidRequest, rg.Source, rg.Start, rg.End)
	}
	count := int(rg.End - rg.Start + 1)
	body := rest[rangeHeadSize:]
	if len(body) != count*timestamp.Size {
		return nil, fmt.Errorf("%w: range of %d timestamps has %d bytes", ErrInvalidRequest, count, len(body))
	}
	tss, err := timestamp.ParseTimestamps(body, count)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	rg.Timestamps = tss
	r.Range = rg
	return r, nil
}
