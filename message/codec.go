package message

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethpandaops/discnodoor/crypto"
)

var (
	// ErrEmptyMessage is returned when decoding an empty buffer.
	ErrEmptyMessage = errors.New("message: empty message")

	// ErrUnknownType is returned for an unrecognized message type byte.
	ErrUnknownType = errors.New("message: unknown message type")
)

// Decode parses a type byte followed by an RLP body into a Message.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}

	var msg Message
	switch data[0] {
	case PingMsg:
		msg = new(Ping)
	case PongMsg:
		msg = new(Pong)
	case FindNodeMsg:
		msg = new(FindNode)
	case NodesMsg:
		msg = new(Nodes)
	case TalkReqMsg:
		msg = new(TalkReq)
	case TalkRespMsg:
		msg = new(TalkResp)
	case RegTopicMsg:
		msg = new(RegTopic)
	case TicketMsg:
		msg = new(Ticket)
	case RegConfirmationMsg:
		msg = new(RegConfirmation)
	case TopicQueryMsg:
		msg = new(TopicQuery)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, data[0])
	}

	if err := rlp.DecodeBytes(data[1:], msg); err != nil {
		return nil, fmt.Errorf("message: failed to decode type 0x%02x: %w", data[0], err)
	}
	return msg, nil
}

// NewRequestID generates a random non-zero request id. Id 0 is
// reserved for handshake packets that carry no message.
func NewRequestID() (uint64, error) {
	for {
		b, err := crypto.GenerateRandomBytes(8)
		if err != nil {
			return 0, fmt.Errorf("message: failed to generate request id: %w", err)
		}
		if id := binary.BigEndian.Uint64(b); id != 0 {
			return id, nil
		}
	}
}
