package batch

import (
	"encoding/binary"
	"fmt"

	"github.com/ywci/tbc/internal/timestamp"
)

// Packet is a batch of timestamps from one sender's stream together with
// the sender's progress header.
//
// Wire layout, big-endian: rows (u32 each), session u32, count u32, then
// count timestamps.
type Packet struct {
	Rows       []uint32
	Session    uint32
	Timestamps []timestamp.Timestamp
}

// Marshal encodes the packet.
func (p *Packet) Marshal() []byte {
	buf := make([]byte, 0, 4*len(p.Rows)+8+timestamp.Size*len(p.Timestamps))
	for _, v := range p.Rows {
		buf = binary.BigEndian.AppendUint32(buf, v)
	}
	buf = binary.BigEndian.AppendUint32(buf, p.Session)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Timestamps)))
	return timestamp.AppendTimestamps(buf, p.Timestamps)
}

// ParsePacket decodes a packet whose header carries rows values.
func ParsePacket(buf []byte, rows int) (*Packet, error) {
	head := 4*rows + 8
	if len(buf) < head {
		return nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrInvalidPacket, len(buf), head)
	}

	p := &Packet{Rows: make([]uint32, rows)}
	for i := range p.Rows {
		p.Rows[i] = binary.BigEndian.Uint32(buf[4*i:])
	}
	p.Session = binary.BigEndian.Uint32(buf[4*rows:])
	count := int(binary.BigEndian.Uint32(buf[4*rows+4:]))

	body := buf[head:]
	if len(body) != count*timestamp.Size {
		return nil, fmt.Errorf("%w: %d timestamps announced, %d bytes follow", ErrInvalidPacket, count, len(body))
	}
	tss, err := timestamp.ParseTimestamps(body, count)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	p.Timestamps = tss
	return p, nil
}

// EncodeMessage encodes a payload message: the timestamp followed by the
// payload bytes.
func EncodeMessage(ts timestamp.Timestamp, payload []byte) []byte {
	buf := make([]byte, timestamp.Size, timestamp.Size+len(payload))
	ts.Put(buf)
	return append(buf, payload...)
}

// DecodeMessage decodes a payload message. The payload aliases buf.
func DecodeMessage(buf []byte) (timestamp.Timestamp, []byte, error) {
	if len(buf) < timestamp.Size {
		return timestamp.Timestamp{}, nil, fmt.Errorf("%w: %d bytes", ErrInvalidMessage, len(buf))
	}
	ts, err := timestamp.Parse(buf)
	if err != nil {
		return timestamp.Timestamp{}, nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return ts, buf[timestamp.Size:], nil
}
