/*
Package peer implements the BitTorrent wire protocol: the handshake,
message framing and the per-peer connection state machine that drives a
single TCP session (spec §4.2-§4.3).
*/
package peer

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ID is the message ID byte that follows the 4-byte length prefix.
type ID uint8

const (
	Choke ID = iota
	Unchoke
	Interested
	NotInterested
	Have
	BitField
	Request
	Piece
	Cancel
)

// maxMessageLen guards against a malicious or corrupt length prefix
// forcing an unbounded allocation.
const maxMessageLen = 1 << 20

// Message is a tagged BitTorrent protocol message. A Message with
// KeepAlive set (ID and Payload ignored) represents a keep-alive: no ID
// byte on the wire at all.
type Message struct {
	KeepAlive bool
	ID        ID
	Payload   []byte
}

// Encode serializes m as <4-byte length><ID><payload>, or a zero-length
// frame for a keep-alive.
func (m Message) Encode() []byte {
	if m.KeepAlive {
		return []byte{0, 0, 0, 0}
	}

	buf := make([]byte, 4+1+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(m.Payload)))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// ReadMessage reads one framed message from r. Partial frames are simply
// a matter of r blocking until enough bytes arrive; ReadMessage always
// returns either a complete Message or an error.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, fmt.Errorf("peer: reading message length: %w", err)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{KeepAlive: true}, nil
	}

	if length > maxMessageLen {
		return Message{}, fmt.Errorf("peer: message too large: %d bytes", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("peer: reading message body: %w", err)
	}

	return Message{ID: ID(body[0]), Payload: body[1:]}, nil
}

// HaveIndex decodes a Have message's piece index.
func HaveIndex(m Message) (int, error) {
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("peer: malformed Have payload length %d", len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// EncodeHave builds a Have message for piece index.
func EncodeHave(index int) Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return Message{ID: Have, Payload: payload}
}

// RequestPayload is the decoded body of a Request or Cancel message.
type RequestPayload struct {
	Index  int
	Begin  int64
	Length int64
}

// DecodeRequest decodes a Request/Cancel payload.
func DecodeRequest(m Message) (RequestPayload, error) {
	if len(m.Payload) != 12 {
		return RequestPayload{}, fmt.Errorf("peer: malformed Request payload length %d", len(m.Payload))
	}
	return RequestPayload{
		Index:  int(binary.BigEndian.Uint32(m.Payload[0:4])),
		Begin:  int64(binary.BigEndian.Uint32(m.Payload[4:8])),
		Length: int64(binary.BigEndian.Uint32(m.Payload[8:12])),
	}, nil
}

// EncodeRequest builds a Request message.
func EncodeRequest(index int, begin, length int64) Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return Message{ID: Request, Payload: payload}
}

// EncodeCancel builds a Cancel message with the same layout as Request.
func EncodeCancel(index int, begin, length int64) Message {
	m := EncodeRequest(index, begin, length)
	m.ID = Cancel
	return m
}

// PiecePayload is the decoded body of a Piece message.
type PiecePayload struct {
	Index int
	Begin int64
	Block []byte
}

// DecodePiece decodes a Piece message's index, begin offset and block
// data.
func DecodePiece(m Message) (PiecePayload, error) {
	if len(m.Payload) < 8 {
		return PiecePayload{}, fmt.Errorf("peer: malformed Piece payload length %d", len(m.Payload))
	}
	return PiecePayload{
		Index: int(binary.BigEndian.Uint32(m.Payload[0:4])),
		Begin: int64(binary.BigEndian.Uint32(m.Payload[4:8])),
		Block: m.Payload[8:],
	}, nil
}

// EncodePiece builds a Piece message.
func EncodePiece(index int, begin int64, block []byte) Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return Message{ID: Piece, Payload: payload}
}

// EncodeBitField builds a BitField message from a packed, MSB-first
// bitfield.
func EncodeBitField(bitfield []byte) Message {
	return Message{ID: BitField, Payload: bitfield}
}
