// Package timestamp implements message identity for the broadcast protocol.
//
// A Timestamp is a hybrid (seconds, microseconds, origin) triple. Timestamps
// are totally ordered and serve as the global identity of a message.
package timestamp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Size is the encoded size of a Timestamp in bytes.
const Size = 12

// ErrTruncated is returned when a buffer is too short to hold a Timestamp.
var ErrTruncated = errors.New("truncated timestamp")

// Timestamp identifies a message.
type Timestamp struct {
	Sec    uint32
	Usec   uint32
	Origin uint32
}

// Compare returns -1, 0 or +1 comparing a and b by (sec, usec, origin).
func Compare(a, b Timestamp) int {
	switch {
	case a.Sec != b.Sec:
		return cmp32(a.Sec, b.Sec)
	case a.Usec != b.Usec:
		return cmp32(a.Usec, b.Usec)
	default:
		return cmp32(a.Origin, b.Origin)
	}
}

func cmp32(a, b uint32) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// Less reports whether t orders before o.
func (t Timestamp) Less(o Timestamp) bool {
	return Compare(t, o) < 0
}

// IsZero reports whether t is the zero Timestamp.
func (t Timestamp) IsZero() bool {
	return t == Timestamp{}
}

// String renders t as sec.usec@origin.
func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%06d@%d", t.Sec, t.Usec, t.Origin)
}

// Put encodes t into buf, which must hold at least Size bytes.
func (t Timestamp) Put(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], t.Sec)
	binary.BigEndian.PutUint32(buf[4:8], t.Usec)
	binary.BigEndian.PutUint32(buf[8:12], t.Origin)
}

// Parse decodes a Timestamp from the start of buf.
func Parse(buf []byte) (Timestamp, error) {
	if len(buf) < Size {
		return Timestamp{}, ErrTruncated
	}
	return Timestamp{
		Sec:    binary.BigEndian.Uint32(buf[0:4]),
		Usec:   binary.BigEndian.Uint32(buf[4:8]),
		Origin: binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

// AppendTimestamps appends the encoded form of tss to buf.
func AppendTimestamps(buf []byte, tss []Timestamp) []byte {
	var tmp [Size]byte
	for _, ts := range tss {
		ts.Put(tmp[:])
		buf = append(buf, tmp[:]...)
	}
	return buf
}

// ParseTimestamps decodes count consecutive timestamps from buf.
func ParseTimestamps(buf []byte, count int) ([]Timestamp, error) {
	if count < 0 || len(buf) < count*Size {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, count*Size, len(buf))
	}
	tss := make([]Timestamp, count)
	for i := range tss {
		tss[i], _ = Parse(buf[i*Size:])
	}
	return tss, nil
}
