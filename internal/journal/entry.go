package journal

import (
	"encoding/binary"
	"fmt"

	"github.com/ywci/tbc/internal/timestamp"
)

const keySize = 8

// Entry is one delivered message at its delivery index.
type Entry struct {
	Index     uint64
	Timestamp timestamp.Timestamp
	Payload   []byte
}

func encodeKey(index uint64) []byte {
	key := make([]byte, keySize)
	binary.BigEndian.PutUint64(key, index)
	return key
}

func decodeKey(key []byte) (uint64, error) {
	if len(key) != keySize {
		return 0, fmt.Errorf("%w: key of %d bytes", ErrCorrupt, len(key))
	}
	return binary.BigEndian.Uint64(key), nil
}

// encodeValue lays out the timestamp followed by the payload.
func encodeValue(e Entry) []byte {
	buf := make([]byte, timestamp.Size+len(e.Payload))
	e.Timestamp.Put(buf)
	copy(buf[timestamp.Size:], e.Payload)
	return buf
}

func decodeEntry(key, value []byte) (Entry, error) {
	index, err := decodeKey(key)
	if err != nil {
		return Entry{}, err
	}
	if len(value) < timestamp.Size {
		return Entry{}, fmt.Errorf("%w: value of %d bytes at %d", ErrCorrupt, len(value), index)
	}
	ts, err := timestamp.Parse(value)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	payload := make([]byte, len(value)-timestamp.Size)
	copy(payload, value[timestamp.Size:])
	return Entry{Index: index, Timestamp: ts, Payload: payload}, nil
}
