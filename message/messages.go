// Package message implements the discovery RPC message types and codec.
//
// The protocol defines request/response pairs for node discovery:
//   - PING/PONG: liveness checks and endpoint feedback
//   - FINDNODE/NODES: peer discovery by distance
//   - TALKREQ/TALKRESP: generic application request/response
//   - REGTOPIC/TICKET/REGCONFIRMATION/TOPICQUERY: topic advertisement
//     (decoded for interoperability, not served)
//
// Each message is a type byte followed by an RLP list. Requests carry
// a caller-chosen request id; responses echo it.
package message

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethpandaops/discnodoor/enr"
)

// Message type constants.
const (
	// PingMsg is sent to check if a node is alive.
	PingMsg byte = 0x01

	// PongMsg is the response to PING.
	PongMsg byte = 0x02

	// FindNodeMsg requests nodes at given distances.
	FindNodeMsg byte = 0x03

	// NodesMsg is the response to FINDNODE.
	NodesMsg byte = 0x04

	// TalkReqMsg is a generic application-level request.
	TalkReqMsg byte = 0x05

	// TalkRespMsg is the response to TALKREQ.
	TalkRespMsg byte = 0x06

	// RegTopicMsg registers interest in a topic.
	RegTopicMsg byte = 0x07

	// TicketMsg provides a ticket for topic registration.
	TicketMsg byte = 0x08

	// RegConfirmationMsg confirms a topic registration.
	RegConfirmationMsg byte = 0x09

	// TopicQueryMsg queries for nodes on a topic.
	TopicQueryMsg byte = 0x0A
)

// Message is the interface implemented by all discovery messages.
type Message interface {
	// Type returns the message type byte.
	Type() byte

	// RequestID returns the request/response correlation id.
	RequestID() uint64

	// Encode returns the type byte followed by the RLP body.
	Encode() ([]byte, error)
}

// IsRequest reports whether the message initiates an exchange and
// therefore awaits a response under its request id.
func IsRequest(msg Message) bool {
	switch msg.Type() {
	case PingMsg, FindNodeMsg, TalkReqMsg, RegTopicMsg, TopicQueryMsg:
		return true
	default:
		return false
	}
}

// Ping checks whether a node is alive. The ENR sequence number lets
// the recipient detect a stale record.
type Ping struct {
	ReqID  uint64
	ENRSeq uint64
}

// Type returns the message type.
func (p *Ping) Type() byte { return PingMsg }

// RequestID returns the request id.
func (p *Ping) RequestID() uint64 { return p.ReqID }

// Encode returns the wire encoding of the PING message.
func (p *Ping) Encode() ([]byte, error) {
	return encodeMessage(PingMsg, p)
}

// Pong answers a PING, echoing the request id and reporting the
// sender's view of the recipient's endpoint.
type Pong struct {
	ReqID  uint64
	ENRSeq uint64
	IP     []byte
	Port   uint16
}

// Type returns the message type.
func (p *Pong) Type() byte { return PongMsg }

// RequestID returns the request id.
func (p *Pong) RequestID() uint64 { return p.ReqID }

// Encode returns the wire encoding of the PONG message.
func (p *Pong) Encode() ([]byte, error) {
	return encodeMessage(PongMsg, p)
}

// FindNode requests nodes at the given logarithmic distances (1-256).
// Distance 0 requests the recipient's own record.
type FindNode struct {
	ReqID     uint64
	Distances []uint
}

// Type returns the message type.
func (f *FindNode) Type() byte { return FindNodeMsg }

// RequestID returns the request id.
func (f *FindNode) RequestID() uint64 { return f.ReqID }

// Encode returns the wire encoding of the FINDNODE message.
func (f *FindNode) Encode() ([]byte, error) {
	return encodeMessage(FindNodeMsg, f)
}

// Nodes answers a FINDNODE with a chunk of ENR records. Large
// responses are split across multiple NODES messages sharing the
// request id; Total is the chunk count.
type Nodes struct {
	ReqID   uint64
	Total   uint
	Records []rlp.RawValue
}

// Type returns the message type.
func (n *Nodes) Type() byte { return NodesMsg }

// RequestID returns the request id.
func (n *Nodes) RequestID() uint64 { return n.ReqID }

// Encode returns the wire encoding of the NODES message.
func (n *Nodes) Encode() ([]byte, error) {
	return encodeMessage(NodesMsg, n)
}

// SetRecords fills the Records list from decoded ENRs.
func (n *Nodes) SetRecords(records []*enr.Record) error {
	n.Records = make([]rlp.RawValue, len(records))
	for i, record := range records {
		encoded, err := record.EncodeRLP()
		if err != nil {
			return fmt.Errorf("message: failed to encode ENR %d: %w", i, err)
		}
		n.Records[i] = rlp.RawValue(encoded)
	}
	return nil
}

// DecodeRecords parses the raw ENR list, skipping records that fail
// to decode or verify.
func (n *Nodes) DecodeRecords() []*enr.Record {
	records := make([]*enr.Record, 0, len(n.Records))
	for _, raw := range n.Records {
		record, err := enr.Load(raw)
		if err != nil {
			continue
		}
		records = append(records, record)
	}
	return records
}

// TalkReq is a generic application-level request on the discovery
// transport. Protocol identifies the application (e.g. "eth2").
type TalkReq struct {
	ReqID    uint64
	Protocol []byte
	Request  []byte
}

// Type returns the message type.
func (t *TalkReq) Type() byte { return TalkReqMsg }

// RequestID returns the request id.
func (t *TalkReq) RequestID() uint64 { return t.ReqID }

// Encode returns the wire encoding of the TALKREQ message.
func (t *TalkReq) Encode() ([]byte, error) {
	return encodeMessage(TalkReqMsg, t)
}

// TalkResp answers a TALKREQ.
type TalkResp struct {
	ReqID    uint64
	Response []byte
}

// Type returns the message type.
func (t *TalkResp) Type() byte { return TalkRespMsg }

// RequestID returns the request id.
func (t *TalkResp) RequestID() uint64 { return t.ReqID }

// Encode returns the wire encoding of the TALKRESP message.
func (t *TalkResp) Encode() ([]byte, error) {
	return encodeMessage(TalkRespMsg, t)
}

// RegTopic registers interest in a topic.
type RegTopic struct {
	ReqID  uint64
	Topic  []byte
	Record rlp.RawValue
	Ticket []byte
}

// Type returns the message type.
func (r *RegTopic) Type() byte { return RegTopicMsg }

// RequestID returns the request id.
func (r *RegTopic) RequestID() uint64 { return r.ReqID }

// Encode returns the wire encoding of the REGTOPIC message.
func (r *RegTopic) Encode() ([]byte, error) {
	return encodeMessage(RegTopicMsg, r)
}

// Ticket provides a ticket for topic registration.
type Ticket struct {
	ReqID    uint64
	Ticket   []byte
	WaitTime uint64
}

// Type returns the message type.
func (t *Ticket) Type() byte { return TicketMsg }

// RequestID returns the request id.
func (t *Ticket) RequestID() uint64 { return t.ReqID }

// Encode returns the wire encoding of the TICKET message.
func (t *Ticket) Encode() ([]byte, error) {
	return encodeMessage(TicketMsg, t)
}

// RegConfirmation confirms a topic registration.
type RegConfirmation struct {
	ReqID uint64
	Topic []byte
}

// Type returns the message type.
func (r *RegConfirmation) Type() byte { return RegConfirmationMsg }

// RequestID returns the request id.
func (r *RegConfirmation) RequestID() uint64 { return r.ReqID }

// Encode returns the wire encoding of the REGCONFIRMATION message.
func (r *RegConfirmation) Encode() ([]byte, error) {
	return encodeMessage(RegConfirmationMsg, r)
}

// TopicQuery queries for nodes on a topic.
type TopicQuery struct {
	ReqID uint64
	Topic []byte
}

// Type returns the message type.
func (t *TopicQuery) Type() byte { return TopicQueryMsg }

// RequestID returns the request id.
func (t *TopicQuery) RequestID() uint64 { return t.ReqID }

// Encode returns the wire encoding of the TOPICQUERY message.
func (t *TopicQuery) Encode() ([]byte, error) {
	return encodeMessage(TopicQueryMsg, t)
}

// encodeMessage prepends the type byte to the RLP body.
func encodeMessage(msgType byte, body interface{}) ([]byte, error) {
	encoded, err := rlp.EncodeToBytes(body)
	if err != nil {
		return nil, fmt.Errorf("message: failed to encode type 0x%02x: %w", msgType, err)
	}

	out := make([]byte, 0, 1+len(encoded))
	out = append(out, msgType)
	out = append(out, encoded...)
	return out, nil
}
