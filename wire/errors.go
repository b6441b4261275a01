package wire

import (
	"errors"
)

var (
	// ErrInvalidTag is returned when a packet tag has the wrong length.
	ErrInvalidTag = errors.New("wire: invalid packet tag")

	// ErrPacketTooShort is returned when a packet is shorter than any
	// valid encoding.
	ErrPacketTooShort = errors.New("wire: packet too short")

	// ErrPacketTooLarge is returned when an encoded packet exceeds
	// MaxPacketSize.
	ErrPacketTooLarge = errors.New("wire: packet exceeds maximum size")

	// ErrInvalidAuthTag is returned when the per-packet nonce has the
	// wrong length.
	ErrInvalidAuthTag = errors.New("wire: invalid auth tag")

	// ErrUnknownPacket is returned when a packet matches no known shape.
	ErrUnknownPacket = errors.New("wire: unknown packet format")
)
