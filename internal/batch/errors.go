package batch

import "errors"

var (
	// ErrInvalidPacket is returned for a batch packet that cannot be parsed.
	ErrInvalidPacket = errors.New("invalid batch packet")
	// ErrInvalidMessage is returned for a payload message that cannot be parsed.
	ErrInvalidMessage = errors.New("invalid payload message")
	// ErrSessionMismatch is returned for a packet from a stale session.
	ErrSessionMismatch = errors.New("batch session mismatch")
	// ErrSequenceGap is returned when timestamps are missing before a packet.
	ErrSequenceGap = errors.New("batch sequence gap")
	// ErrSuspendBufferFull is returned when a suspended batcher drops input.
	ErrSuspendBufferFull = errors.New("suspend buffer is full")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid batch config")
)
