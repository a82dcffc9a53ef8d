package overlay

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4"
)

const (
	// HeaderSize is the size of an uncompressed frame header: 4 bytes of
	// flags and 26-bit payload size, then 2 bytes of kind.
	HeaderSize = 6
	// CompressedHeaderSize adds the 4-byte uncompressed payload size.
	CompressedHeaderSize = 10

	// MaxPayloadSize is the largest payload a header can describe.
	MaxPayloadSize = 1<<26 - 1

	// MinCompressibleSize is the smallest payload worth compressing.
	MinCompressibleSize = 70

	flagLZ4 = 0x80 | 1<<4
)

// EncodeFrame builds the frame for payload. With compress set, payloads
// that LZ4 shrinks are sent compressed.
func EncodeFrame(kind Kind, payload []byte, compress bool) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	if compress && len(payload) >= MinCompressibleSize {
		if packed := compressLZ4(payload); packed != nil {
			buf := make([]byte, CompressedHeaderSize+len(packed))
			binary.BigEndian.PutUint32(buf[0:4], uint32(len(packed))|uint32(flagLZ4)<<24)
			binary.BigEndian.PutUint16(buf[4:6], uint16(kind))
			binary.BigEndian.PutUint32(buf[6:10], uint32(len(payload)))
			copy(buf[CompressedHeaderSize:], packed)
			return buf, nil
		}
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint16(buf[4:6], uint16(kind))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// DecodeFrame parses a frame built by EncodeFrame.
func DecodeFrame(buf []byte) (Kind, []byte, error) {
	if len(buf) < HeaderSize {
		return 0, nil, ErrTruncatedFrame
	}
	word := binary.BigEndian.Uint32(buf[0:4])
	kind := Kind(binary.BigEndian.Uint16(buf[4:6]))
	size := int(word & MaxPayloadSize)

	if buf[0]&0x80 == 0 {
		if len(buf) != HeaderSize+size {
			return 0, nil, fmt.Errorf("%w: header says %d bytes, frame has %d", ErrTruncatedFrame, size, len(buf)-HeaderSize)
		}
		return kind, buf[HeaderSize:], nil
	}

	if buf[0]&0xFC != flagLZ4 {
		return 0, nil, ErrUnknownCompression
	}
	if len(buf) < CompressedHeaderSize || len(buf) != CompressedHeaderSize+size {
		return 0, nil, ErrTruncatedFrame
	}
	raw := int(binary.BigEndian.Uint32(buf[6:10]))
	if raw <= 0 || raw > MaxPayloadSize {
		return 0, nil, fmt.Errorf("%w: uncompressed size %d", ErrDecompress, raw)
	}

	payload := make([]byte, raw)
	n, err := lz4.UncompressBlock(buf[CompressedHeaderSize:], payload)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	if n != raw {
		return 0, nil, fmt.Errorf("%w: got %d bytes, want %d", ErrDecompress, n, raw)
	}
	return kind, payload, nil
}

// compressLZ4 returns nil when compression does not save space.
func compressLZ4(data []byte) []byte {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil || n == 0 || n >= len(data) {
		return nil
	}
	return dst[:n]
}
