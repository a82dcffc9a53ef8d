package grpc

import (
	"fmt"

	"github.com/ugorji/go/codec"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype under which messages are encoded.
const CodecName = "msgpack"

var msgpackHandle = &codec.MsgpackHandle{}

func init() {
	msgpackHandle.WriteExt = true
	encoding.RegisterCodec(Codec{})
}

// Codec encodes RPC messages with MessagePack.
type Codec struct{}

// Marshal encodes v.
func (Codec) Marshal(v any) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, msgpackHandle).Encode(v); err != nil {
		return nil, fmt.Errorf("msgpack encode %T: %w", v, err)
	}
	return buf, nil
}

// Unmarshal decodes data into v.
func (Codec) Unmarshal(data []byte, v any) error {
	if err := codec.NewDecoderBytes(data, msgpackHandle).Decode(v); err != nil {
		return fmt.Errorf("msgpack decode %T: %w", v, err)
	}
	return nil
}

// Name returns the codec name.
func (Codec) Name() string {
	return CodecName
}
